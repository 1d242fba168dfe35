/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package schema

import (
	"fmt"
	"regexp"
)

// The '#' delimiter is absent from both alphabets so user input can never
// forge a key pattern.
var (
	entityIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.\-:@]{0,255}$`)
	namePattern     = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_.\-]{0,63}$`)
)

// ValidateEntityID checks an entity or parent identifier.
func ValidateEntityID(id string) error {
	if !entityIDPattern.MatchString(id) {
		return fmt.Errorf("entity id %q must match %s", id, entityIDPattern)
	}
	return nil
}

// ValidateResource checks a resource identifier.
func ValidateResource(resource string) error {
	if !namePattern.MatchString(resource) {
		return fmt.Errorf("resource %q must match %s", resource, namePattern)
	}
	return nil
}

// ValidateLimitName checks a limit name; limit names become attribute name
// segments so they share the resource alphabet.
func ValidateLimitName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("limit name %q must match %s", name, namePattern)
	}
	return nil
}

// ValidateNamespace checks a tenant namespace identifier.
func ValidateNamespace(ns string) error {
	if !namePattern.MatchString(ns) {
		return fmt.Errorf("namespace %q must match %s", ns, namePattern)
	}
	return nil
}
