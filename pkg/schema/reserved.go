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
	"github.com/samber/lo"
)

// reservedNames are attribute names that collide with expression keywords
// and must be written through expression-name aliases in every update.
var reservedNames = map[string]struct{}{
	"name":      {},
	"resource":  {},
	"action":    {},
	"timestamp": {},
	"cascade":   {},
	"ttl":       {},
}

// IsReserved reports whether the attribute requires aliasing.
func IsReserved(attr string) bool {
	_, ok := reservedNames[attr]
	return ok
}

// Aliaser accumulates expression attribute names for one update or
// condition expression. Reserved attributes render as "#attr"; everything
// else passes through untouched.
type Aliaser struct {
	names map[string]string
}

func NewAliaser() *Aliaser {
	return &Aliaser{names: map[string]string{}}
}

// Name returns the expression-safe rendering of attr, recording the alias
// when one is needed.
func (a *Aliaser) Name(attr string) string {
	if !IsReserved(attr) {
		return attr
	}
	alias := "#" + attr
	a.names[alias] = attr
	return alias
}

// Names returns the ExpressionAttributeNames map, nil when no alias was
// used (the SDK rejects an empty map).
func (a *Aliaser) Names() map[string]string {
	return lo.Ternary(len(a.names) > 0, a.names, nil)
}
