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

package limiter

import (
	"context"
	"fmt"
	"sync"

	"github.com/samber/lo"

	"github.com/zeroae/zae-limiter/pkg/apis/limits"
	"github.com/zeroae/zae-limiter/pkg/bucket"
	"github.com/zeroae/zae-limiter/pkg/repository"
	"github.com/zeroae/zae-limiter/pkg/utils/log"
)

// LeaseState is the lease lifecycle: Open permits Adjust; ending moves to
// exactly one of Committed or RolledBack, after which every call is a
// no-op.
type LeaseState string

const (
	LeaseOpen       LeaseState = "open"
	LeaseCommitted  LeaseState = "committed"
	LeaseRolledBack LeaseState = "rolled_back"
)

// Lease is the scoped in-process handle for one acquired consumption. On
// the success path Commit applies any pending adjustment in a single
// write; on the failure path Rollback issues the compensating adjustment
// that restores the buckets to their pre-acquire state for this
// consumption. A degraded lease (fail-open acquire) performs no writes.
type Lease struct {
	mu sync.Mutex

	repo      repository.Repository
	namespace string
	entityID  string
	resource  string

	// keys lists every bucket this lease consumed from: child first, then
	// the cascaded parent.
	keys     []repository.BucketKey
	consumed map[string]int64
	pending  map[string]int64
	state    LeaseState
	degraded bool
	// policy extends the acquire's fail-open choice to the lease's own
	// writes: under allow, a failed adjust degrades instead of erroring.
	policy limits.OnUnavailable
}

func (l *Limiter) newLease(entityID, resource string, keys []repository.BucketKey, consumed map[string]int64, policy limits.OnUnavailable, degraded bool) *Lease {
	return &Lease{
		repo:      l.repo,
		namespace: l.namespace,
		entityID:  entityID,
		resource:  resource,
		keys:      keys,
		consumed:  lo.Assign(map[string]int64{}, consumed),
		pending:   map[string]int64{},
		state:     LeaseOpen,
		degraded:  degraded,
		policy:    policy,
	}
}

// State returns the current lifecycle state.
func (l *Lease) State() LeaseState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Degraded reports whether this lease was issued by a fail-open acquire;
// its writes are all no-ops.
func (l *Lease) Degraded() bool {
	return l.degraded
}

// Consumed returns the tokens this acquire consumed, per limit.
func (l *Lease) Consumed() map[string]float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return lo.MapValues(l.consumed, func(v int64, _ string) float64 { return bucket.Tokens(v) })
}

// Adjust accumulates a reconciliation delta: positive means more was
// consumed than estimated, negative refunds. Nothing is written until
// Commit.
func (l *Lease) Adjust(deltas map[string]float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != LeaseOpen {
		return fmt.Errorf("lease is %s, adjust requires an open lease", l.state)
	}
	for name, delta := range deltas {
		l.pending[name] += bucket.Milli(delta)
	}
	return nil
}

// Commit ends the lease on the success path, applying any pending
// adjustment to every bucket of the lease in one write. Committing twice,
// or after rollback, is a no-op.
func (l *Lease) Commit(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != LeaseOpen {
		return nil
	}
	l.state = LeaseCommitted
	if l.degraded || !anyNonZero(l.pending) {
		return nil
	}
	writes := lo.Map(l.keys, func(key repository.BucketKey, _ int) repository.AdjustWrite {
		return repository.AdjustWrite{Key: key, Deltas: l.pending}
	})
	if err := l.repo.WriteAdjust(ctx, l.namespace, writes); err != nil {
		if l.policy == limits.OnUnavailableAllow {
			log.FromContext(ctx).With("entity", l.entityID, "resource", l.resource, "cause", err).
				Warnf("store unavailable, dropping lease adjustment")
			return nil
		}
		return fmt.Errorf("committing lease adjustment for %s/%s, %w", l.entityID, l.resource, err)
	}
	for name, delta := range l.pending {
		l.consumed[name] += delta
	}
	l.pending = map[string]int64{}
	return nil
}

// Rollback ends the lease on the failure path with a compensating
// adjustment that reverses the initial consumption; pending adjustments
// are discarded. Rolling back twice, or after commit, is a no-op.
func (l *Lease) Rollback(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != LeaseOpen {
		return nil
	}
	l.state = LeaseRolledBack
	l.pending = map[string]int64{}
	if l.degraded || !anyNonZero(l.consumed) {
		return nil
	}
	reversal := lo.MapValues(l.consumed, func(v int64, _ string) int64 { return -v })
	writes := lo.Map(l.keys, func(key repository.BucketKey, _ int) repository.AdjustWrite {
		return repository.AdjustWrite{Key: key, Deltas: reversal}
	})
	if err := l.repo.WriteAdjust(ctx, l.namespace, writes); err != nil {
		if l.policy == limits.OnUnavailableAllow {
			log.FromContext(ctx).With("entity", l.entityID, "resource", l.resource, "cause", err).
				Warnf("store unavailable, dropping compensating adjustment")
			return nil
		}
		return fmt.Errorf("rolling back lease for %s/%s, %w", l.entityID, l.resource, err)
	}
	return nil
}

// End closes the lease from a deferred call site: commit when *errp is
// nil, compensating rollback otherwise. Cleanup failures are logged, not
// propagated, so they never mask the caller's error.
func (l *Lease) End(ctx context.Context, errp *error) {
	var err error
	if errp != nil && *errp != nil {
		err = l.Rollback(ctx)
	} else {
		err = l.Commit(ctx)
	}
	if err != nil {
		log.FromContext(ctx).With(
			"entity", l.entityID,
			"resource", l.resource,
			"cause", err,
		).Errorf("lease cleanup failed")
	}
}

func anyNonZero(m map[string]int64) bool {
	return lo.SomeBy(lo.Values(m), func(v int64) bool { return v != 0 })
}
