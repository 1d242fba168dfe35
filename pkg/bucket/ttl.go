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
	"math"
	"time"

	"github.com/zeroae/zae-limiter/pkg/apis/limits"
)

// DefaultTTLMultiplier scales a bucket's expiry beyond its slowest full
// drain-to-full refill cycle, so idle buckets comfortably outlive any
// in-flight consumption before the store reaps them.
const DefaultTTLMultiplier = 7

// ExpiresAt returns the unix-seconds TTL for a bucket seeded from the
// given limits: the slowest limit's full-refill time times the multiplier.
// Returns zero (no expiry) for an empty set.
func ExpiresAt(set limits.LimitSet, now time.Time, multiplier int64) int64 {
	if multiplier <= 0 {
		multiplier = DefaultTTLMultiplier
	}
	var slowest float64
	for _, l := range set.Normalize() {
		if l.RefillAmount <= 0 {
			continue
		}
		full := float64(l.Capacity) / float64(l.RefillAmount) * l.RefillPeriod.Seconds()
		if full > slowest {
			slowest = full
		}
	}
	if slowest == 0 {
		return 0
	}
	return now.Unix() + int64(math.Ceil(slowest))*multiplier
}
