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

package limits

import (
	"fmt"
	"time"

	"github.com/samber/lo"
)

// Limit describes a single token bucket: it holds up to Burst tokens and
// refills RefillAmount tokens every RefillPeriod. Capacity is the nominal
// steady-state ceiling reported to callers; Burst defaults to Capacity.
type Limit struct {
	Capacity     int64
	Burst        int64
	RefillAmount int64
	RefillPeriod time.Duration
}

// Normalize returns a copy with defaults applied.
func (l Limit) Normalize() Limit {
	if l.Burst == 0 {
		l.Burst = l.Capacity
	}
	if l.RefillPeriod == 0 {
		l.RefillPeriod = time.Minute
	}
	return l
}

func (l Limit) Validate() error {
	if l.Capacity <= 0 {
		return fmt.Errorf("capacity must be positive, got %d", l.Capacity)
	}
	if l.Burst < 0 {
		return fmt.Errorf("burst must be non-negative, got %d", l.Burst)
	}
	if l.RefillAmount <= 0 {
		return fmt.Errorf("refill amount must be positive, got %d", l.RefillAmount)
	}
	if l.RefillPeriod < time.Second {
		return fmt.Errorf("refill period must be at least one second, got %s", l.RefillPeriod)
	}
	return nil
}

// RatePerMinute is a convenience constructor for the common "N per minute"
// limit shape, with burst equal to capacity.
func RatePerMinute(n int64) Limit {
	return Limit{Capacity: n, Burst: n, RefillAmount: n, RefillPeriod: time.Minute}
}

// LimitSet maps limit names to their definitions for one (entity, resource).
type LimitSet map[string]Limit

func (s LimitSet) Normalize() LimitSet {
	return lo.MapValues(s, func(l Limit, _ string) Limit { return l.Normalize() })
}

// OnUnavailable selects the failure policy when the store is unreachable
// beyond the retry budget.
type OnUnavailable string

const (
	// OnUnavailableBlock fails closed: callers see RateLimiterUnavailable.
	OnUnavailableBlock OnUnavailable = "block"
	// OnUnavailableAllow fails open: callers receive a degraded lease whose
	// store writes are no-ops.
	OnUnavailableAllow OnUnavailable = "allow"
)

// ConfigSource identifies which level of the resolution hierarchy supplied
// the effective limits.
type ConfigSource string

const (
	SourceEntitySpecific ConfigSource = "entity_specific"
	SourceEntityDefault  ConfigSource = "entity_default"
	SourceResource       ConfigSource = "resource"
	SourceSystem         ConfigSource = "system"
	SourceNone           ConfigSource = "none"
)

// ResolvedConfig is the outcome of a hierarchy lookup.
type ResolvedConfig struct {
	Limits        LimitSet
	OnUnavailable OnUnavailable
	Source        ConfigSource
	// Expiring reports whether buckets seeded from this config should carry
	// a TTL. Operator-owned entity-specific configs persist indefinitely;
	// everything else expires.
	Expiring bool
}

// Entity is the durable record an acquire is charged against. Entities are
// optional for acquire (an unregistered id simply has no cascade and no
// entity-level config) but required for hierarchy features.
type Entity struct {
	ID       string
	Name     string
	ParentID string
	// Cascade causes acquires against this entity to also consume from the
	// parent's bucket in the same transaction.
	Cascade  bool
	Metadata map[string]string
}

// Violation reports one limit that blocked an acquire. Amounts are in
// millitokens.
type Violation struct {
	Limit      string
	Requested  int64
	Available  int64
	RetryAfter time.Duration
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: requested %d, available %d, retry after %s", v.Limit, v.Requested, v.Available, v.RetryAfter)
}
