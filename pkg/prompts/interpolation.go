// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package prompts

import (
	"fmt"
	"regexp"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{\{\.(\w+)\}\}`)

// Interpolate performs variable substitution in a prompt template.
//
// Uses {{.variable_name}} syntax. Values are sanitized before insertion so
// conversation text cannot smuggle template syntax into the prompt.
// Placeholders without a matching variable are left in place, which makes
// missing variables visible in prompt logs.
func Interpolate(template string, vars map[string]interface{}) string {
	if len(vars) == 0 {
		return template
	}
	return placeholderRe.ReplaceAllStringFunc(template, func(match string) string {
		name := strings.TrimSuffix(strings.TrimPrefix(match, "{{."), "}}")
		value, ok := vars[name]
		if !ok {
			return match
		}
		return sanitizeValue(value)
	})
}

// sanitizeValue renders a variable and strips template markers from it.
func sanitizeValue(value interface{}) string {
	var s string
	switch v := value.(type) {
	case string:
		s = v
	case []string:
		s = strings.Join(v, ", ")
	default:
		s = fmt.Sprintf("%v", v)
	}
	// Substituted text must not itself be re-substitutable.
	s = strings.ReplaceAll(s, "{{", "{ {")
	s = strings.ReplaceAll(s, "}}", "} }")
	return s
}
