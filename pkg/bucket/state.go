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

package bucket

import (
	"time"

	"github.com/zeroae/zae-limiter/pkg/apis/limits"
)

// LimitState is the stored shape of one limit inside a composite bucket
// item. Tokens and TotalConsumed are millitokens; Capacity, Burst and
// RefillAmount are whole tokens; RefillPeriod is whole seconds.
type LimitState struct {
	Tokens        int64
	Capacity      int64
	Burst         int64
	RefillAmount  int64
	RefillPeriod  int64
	TotalConsumed int64
}

// State is an in-process snapshot of a composite bucket item. The store
// copy is authoritative; a State is only ever used to compute the next
// conditional write.
type State struct {
	Limits map[string]LimitState
	// RefillBaseline is the stored rf attribute: the unix timestamp (with
	// fractional seconds) up to which refill has been claimed. It doubles
	// as the optimistic lock for Normal writes.
	RefillBaseline float64
	// ExpiresAt is the stored ttl attribute in unix seconds, zero if the
	// bucket does not expire.
	ExpiresAt int64
}

// Seed constructs the initial state for a new bucket: full to burst,
// nothing consumed, refill baseline anchored at creation time.
func Seed(set limits.LimitSet, now time.Time) *State {
	s := &State{
		Limits:         map[string]LimitState{},
		RefillBaseline: unixFloat(now),
	}
	for name, l := range set.Normalize() {
		s.Limits[name] = LimitState{
			Tokens:       l.Burst * Millis,
			Capacity:     l.Capacity,
			Burst:        l.Burst,
			RefillAmount: l.RefillAmount,
			RefillPeriod: int64(l.RefillPeriod / time.Second),
		}
	}
	return s
}

func unixFloat(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
