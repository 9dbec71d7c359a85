// Copyright 2015 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package loader

import (
	"fmt"
	"os"
	"strings"

	horust "github.com/FedericoPonzi/Horust"
)

// expandTemplate resolves ${VAR} and $VAR references against the
// supervisor's own environment before the service file is parsed
// (spec.md §6, §9). An unresolved variable is a ConfigError, not a
// silent empty-string substitution: os.Expand itself has no way to
// signal "not found", so the mapping function collects every name it
// was asked for that os.LookupEnv doesn't have, and expandTemplate
// turns a non-empty collection into a single ConfigError naming them
// all.
func expandTemplate(s string) (string, error) {
	var missing []string
	seen := map[string]bool{}
	expanded := os.Expand(s, func(name string) string {
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		if !seen[name] {
			seen[name] = true
			missing = append(missing, name)
		}
		return ""
	})
	if len(missing) > 0 {
		return "", &horust.ConfigError{Reason: fmt.Sprintf("unresolved template variable(s): %s", strings.Join(missing, ", "))}
	}
	return expanded, nil
}
