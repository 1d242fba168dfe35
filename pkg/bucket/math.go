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

// Package bucket implements lazy-refill token bucket arithmetic over
// millitokens. Refill is never stored by reads: effective tokens are
// computed from the stored token count plus the refill accrued since the
// refill baseline, and refill is only claimed by a write that advances
// the baseline.
package bucket

import (
	"math"
	"time"

	"github.com/zeroae/zae-limiter/pkg/apis/limits"
)

// Millis is the number of millitokens per token. All stored token counts
// are integer millitokens so that concurrent atomic deltas sum exactly.
const Millis int64 = 1000

// Milli converts whole tokens (possibly fractional) to millitokens.
func Milli(tokens float64) int64 {
	return int64(math.Round(tokens * float64(Millis)))
}

// Tokens converts millitokens back to floating tokens for API boundaries.
func Tokens(milli int64) float64 {
	return float64(milli) / float64(Millis)
}

// MilliMap converts a caller-facing consume map to millitokens.
func MilliMap(consume map[string]float64) map[string]int64 {
	out := make(map[string]int64, len(consume))
	for name, amount := range consume {
		out[name] = Milli(amount)
	}
	return out
}

// EffectiveTokens returns the millitokens available in one limit at now,
// given the item's shared refill baseline: stored tokens plus accrued
// refill, clamped to burst.
func (ls LimitState) EffectiveTokens(baseline float64, now time.Time) int64 {
	if ls.RefillPeriod <= 0 {
		return ls.Tokens
	}
	elapsed := unixFloat(now) - baseline
	if elapsed < 0 {
		elapsed = 0
	}
	accrued := int64(math.Floor(elapsed * float64(ls.RefillAmount*Millis) / float64(ls.RefillPeriod)))
	return min(ls.Tokens+accrued, ls.Burst*Millis)
}

// AdvanceBaseline computes the largest full refill window reached: the new
// baseline rf + floor((now-rf)/rp)*rp and the number of whole periods
// claimed. Periods is zero when no full window has elapsed.
func AdvanceBaseline(baseline float64, periodSeconds int64, now time.Time) (float64, int64) {
	if periodSeconds <= 0 {
		return baseline, 0
	}
	elapsed := unixFloat(now) - baseline
	if elapsed < 0 {
		return baseline, 0
	}
	periods := int64(math.Floor(elapsed / float64(periodSeconds)))
	return baseline + float64(periods*periodSeconds), periods
}

// RefillClaim returns the millitokens a Normal write may add to one limit
// when the item's baseline advances by the given number of whole periods,
// clamped so the stored count never exceeds burst.
func (ls LimitState) RefillClaim(periods int64) int64 {
	claim := periods * ls.RefillAmount * Millis
	if ls.Tokens+claim > ls.Burst*Millis {
		claim = ls.Burst*Millis - ls.Tokens
	}
	if claim < 0 {
		claim = 0
	}
	return claim
}

// RetryAfter returns how long until the given millitoken deficit refills.
func (ls LimitState) RetryAfter(deficit int64) time.Duration {
	if ls.RefillAmount <= 0 {
		return 0
	}
	seconds := float64(deficit) * float64(ls.RefillPeriod) / float64(ls.RefillAmount*Millis)
	return time.Duration(seconds * float64(time.Second))
}

// Decide checks a millitoken consume map against the snapshot. It returns
// the violations for every limit that would go negative; retryAfter is the
// maximum wait across failing limits.
func (s *State) Decide(consume map[string]int64, now time.Time) (violations []limits.Violation, retryAfter time.Duration) {
	for name, amount := range consume {
		ls, ok := s.Limits[name]
		if !ok {
			continue
		}
		available := ls.EffectiveTokens(s.RefillBaseline, now)
		if available >= amount {
			continue
		}
		wait := ls.RetryAfter(amount - available)
		violations = append(violations, limits.Violation{
			Limit:      name,
			Requested:  amount,
			Available:  available,
			RetryAfter: wait,
		})
		if wait > retryAfter {
			retryAfter = wait
		}
	}
	return violations, retryAfter
}

// Peek returns the effective floating tokens per limit at now.
func (s *State) Peek(now time.Time) map[string]float64 {
	out := make(map[string]float64, len(s.Limits))
	for name, ls := range s.Limits {
		out[name] = Tokens(ls.EffectiveTokens(s.RefillBaseline, now))
	}
	return out
}
