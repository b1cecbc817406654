// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package action

import "strings"

const maskPlaceholder = "***MASKED***"

// maskSecrets replaces every occurrence of a configured secret value
// (length >= 4) found anywhere in s with a fixed placeholder.
func maskSecrets(s string, secrets []string) string {
	for _, secret := range secrets {
		if len(secret) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, secret, maskPlaceholder)
	}
	return s
}

// maskSecretsInValue walks an arbitrary JSON-like value and masks
// secrets found in every leaf string.
func maskSecretsInValue(v interface{}, secrets []string) interface{} {
	if len(secrets) == 0 {
		return v
	}
	switch t := v.(type) {
	case string:
		return maskSecrets(t, secrets)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, child := range t {
			out[k] = maskSecretsInValue(child, secrets)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, child := range t {
			out[i] = maskSecretsInValue(child, secrets)
		}
		return out
	default:
		return v
	}
}
