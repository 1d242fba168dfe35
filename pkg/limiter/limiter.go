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

// Package limiter is the acquire/release engine: it resolves limits,
// reads bucket state, decides, picks a write path, and hands back a Lease
// that guarantees commit or compensating rollback.
package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"

	"github.com/zeroae/zae-limiter/pkg/apis/limits"
	"github.com/zeroae/zae-limiter/pkg/bucket"
	"github.com/zeroae/zae-limiter/pkg/errors"
	"github.com/zeroae/zae-limiter/pkg/metrics"
	"github.com/zeroae/zae-limiter/pkg/repository"
	"github.com/zeroae/zae-limiter/pkg/schema"
	"github.com/zeroae/zae-limiter/pkg/utils/log"
)

type Limiter struct {
	repo      repository.Repository
	namespace string
	defaults  limits.LimitSet
	clock     func() time.Time
}

type Option func(*Limiter)

// WithNamespace scopes every key the limiter touches.
func WithNamespace(ns string) Option {
	return func(l *Limiter) { l.namespace = ns }
}

// WithDefaultLimits supplies the fallback used when no config level
// resolves; without it an unresolvable acquire fails with ConfigMissing.
func WithDefaultLimits(set limits.LimitSet) Option {
	return func(l *Limiter) { l.defaults = set.Normalize() }
}

// WithClock overrides time for tests.
func WithClock(clock func() time.Time) Option {
	return func(l *Limiter) { l.clock = clock }
}

// New builds a Limiter and verifies the stored schema version is one this
// client understands.
func New(ctx context.Context, repo repository.Repository, opts ...Option) (*Limiter, error) {
	l := &Limiter{
		repo:      repo,
		namespace: schema.DefaultNamespace,
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if err := schema.ValidateNamespace(l.namespace); err != nil {
		return nil, errors.Validation(err)
	}
	if err := repo.CheckVersion(ctx, l.namespace); err != nil {
		return nil, err
	}
	return l, nil
}

type acquireOptions struct {
	limits    limits.LimitSet
	principal string
}

type AcquireOption func(*acquireOptions)

// WithLimits overrides stored config for this acquire.
func WithLimits(set limits.LimitSet) AcquireOption {
	return func(o *acquireOptions) { o.limits = set.Normalize() }
}

// WithPrincipal records who is acquiring, for audit detail downstream.
func WithPrincipal(principal string) AcquireOption {
	return func(o *acquireOptions) { o.principal = principal }
}

// Acquire consumes tokens from the entity's bucket for resource, and from
// the parent's bucket in the same transaction when the entity cascades.
// The returned Lease must be ended on every exit path; defer
// lease.End(ctx, &err) commits on success and rolls the consumption back
// on failure.
func (l *Limiter) Acquire(ctx context.Context, entityID, resource string, consume map[string]float64, opts ...AcquireOption) (*Lease, error) {
	options := &acquireOptions{}
	for _, opt := range opts {
		opt(options)
	}
	if err := schema.ValidateEntityID(entityID); err != nil {
		return nil, errors.Validation(err)
	}
	if err := schema.ValidateResource(resource); err != nil {
		return nil, errors.Validation(err)
	}
	consumeMilli := bucket.MilliMap(consume)
	for name, amount := range consumeMilli {
		if err := schema.ValidateLimitName(name); err != nil {
			return nil, errors.Validation(err)
		}
		if amount < 0 {
			return nil, errors.Validationf("consume amount for %s must be non-negative", name)
		}
	}

	resolved, err := l.resolve(ctx, entityID, resource, options.limits)
	if err != nil {
		return nil, err
	}
	for name := range consumeMilli {
		if _, ok := resolved.Limits[name]; !ok {
			return nil, errors.Validationf("limit %s is not configured for resource %s", name, resource)
		}
	}

	childKey := repository.BucketKey{Entity: entityID, Resource: resource, Shard: schema.DefaultShard}
	keys := []repository.BucketKey{childKey}
	resolvedByKey := map[repository.BucketKey]limits.ResolvedConfig{childKey: resolved}

	entity, err := l.repo.GetEntity(ctx, l.namespace, entityID)
	if err != nil {
		return l.unavailable(ctx, resolved, entityID, resource, keys, consumeMilli, err)
	}
	if entity != nil && entity.Cascade && entity.ParentID != "" {
		parentKey := repository.BucketKey{Entity: entity.ParentID, Resource: resource, Shard: schema.DefaultShard}
		parentResolved, err := l.resolve(ctx, entity.ParentID, resource, options.limits)
		if err != nil {
			return nil, err
		}
		keys = append(keys, parentKey)
		resolvedByKey[parentKey] = parentResolved
	}

	// A zero-amount acquire never touches the store but still yields an
	// open lease that can adjust later.
	if lo.EveryBy(lo.Values(consumeMilli), func(v int64) bool { return v == 0 }) {
		metrics.AcquireResults.WithLabelValues("allowed").Inc()
		return l.newLease(entityID, resource, keys, consumeMilli, resolved.OnUnavailable, false), nil
	}

	lease, err := l.acquireBuckets(ctx, keys, resolvedByKey, consumeMilli, entityID, resource)
	if err == nil {
		metrics.AcquireResults.WithLabelValues("allowed").Inc()
		return lease, nil
	}
	if errors.IsRateLimitExceeded(err) {
		metrics.AcquireResults.WithLabelValues("exceeded").Inc()
		return nil, err
	}
	if e, ok := errors.AsError(err); ok {
		if e.Kind == errors.KindRateLimiterUnavailable {
			metrics.AcquireResults.WithLabelValues("unavailable").Inc()
		}
		return nil, err
	}
	return l.unavailable(ctx, resolved, entityID, resource, keys, consumeMilli, err)
}

// Peek reports the effective floating tokens per limit without consuming.
func (l *Limiter) Peek(ctx context.Context, entityID, resource string) (map[string]float64, error) {
	if err := schema.ValidateEntityID(entityID); err != nil {
		return nil, errors.Validation(err)
	}
	if err := schema.ValidateResource(resource); err != nil {
		return nil, errors.Validation(err)
	}
	resolved, err := l.resolve(ctx, entityID, resource, nil)
	if err != nil {
		return nil, err
	}
	key := repository.BucketKey{Entity: entityID, Resource: resource, Shard: schema.DefaultShard}
	states, err := l.repo.ReadBuckets(ctx, l.namespace, []repository.BucketKey{key})
	if err != nil {
		return nil, fmt.Errorf("reading bucket for peek, %w", err)
	}
	state, ok := states[key]
	if !ok {
		state = bucket.Seed(resolved.Limits, l.clock())
	}
	return state.Peek(l.clock()), nil
}

// Namespace returns the namespace this limiter is scoped to.
func (l *Limiter) Namespace() string {
	return l.namespace
}

func (l *Limiter) resolve(ctx context.Context, entityID, resource string, override limits.LimitSet) (limits.ResolvedConfig, error) {
	if override != nil {
		return limits.ResolvedConfig{
			Limits:        override,
			OnUnavailable: limits.OnUnavailableBlock,
			Source:        limits.SourceNone,
			Expiring:      true,
		}, nil
	}
	resolved, err := l.repo.ResolveLimits(ctx, l.namespace, entityID, resource)
	if err != nil {
		return limits.ResolvedConfig{}, err
	}
	if resolved.Source == limits.SourceNone || len(resolved.Limits) == 0 {
		if l.defaults == nil {
			return limits.ResolvedConfig{}, errors.ConfigMissing(entityID, resource)
		}
		resolved.Limits = l.defaults
		resolved.Expiring = true
	}
	return resolved, nil
}

// acquireBuckets runs decide and the write-path selection across the
// child bucket and, on cascade, the parent: Normal first under the rf
// lock, then exactly one consumption-only Retry after a conflict.
func (l *Limiter) acquireBuckets(ctx context.Context, keys []repository.BucketKey, resolvedByKey map[repository.BucketKey]limits.ResolvedConfig, consume map[string]int64, entityID, resource string) (*Lease, error) {
	states, err := l.repo.ReadBuckets(ctx, l.namespace, keys)
	if err != nil {
		return nil, err
	}
	now := l.clock()
	for _, key := range keys {
		state, ok := states[key]
		if !ok {
			state, err = l.ensureBucket(ctx, key, resolvedByKey[key], now)
			if err != nil {
				return nil, err
			}
			states[key] = state
		}
		if violations, retryAfter := state.Decide(consume, now); len(violations) > 0 {
			return nil, errors.RateLimitExceeded(retryAfter, violations)
		}
	}

	writes := lo.Map(keys, func(key repository.BucketKey, _ int) repository.AcquireWrite {
		return repository.AcquireWrite{Key: key, Prev: states[key], Consume: consume}
	})
	err = l.repo.WriteAcquire(ctx, l.namespace, writes, now)
	if err == nil {
		policy := resolvedByKey[keys[0]].OnUnavailable
		return l.newLease(entityID, resource, keys, consume, policy, false), nil
	}
	if !errors.IsConditionalCheckFailed(err) {
		return nil, err
	}

	// Another writer advanced rf. Re-read; if tokens still suffice, consume
	// without touching the baseline so no refill is double-claimed.
	states, err = l.repo.ReadBuckets(ctx, l.namespace, keys)
	if err != nil {
		return nil, err
	}
	now = l.clock()
	for _, key := range keys {
		state, ok := states[key]
		if !ok {
			return nil, fmt.Errorf("bucket %s/%s disappeared during retry", key.Entity, key.Resource)
		}
		if violations, retryAfter := state.Decide(consume, now); len(violations) > 0 {
			return nil, errors.RateLimitExceeded(retryAfter, violations)
		}
	}
	retries := lo.Map(keys, func(key repository.BucketKey, _ int) repository.AcquireWrite {
		return repository.AcquireWrite{Key: key, Consume: consume, Retry: true}
	})
	err = l.repo.WriteAcquire(ctx, l.namespace, retries, now)
	if err == nil {
		policy := resolvedByKey[keys[0]].OnUnavailable
		return l.newLease(entityID, resource, keys, consume, policy, false), nil
	}
	if errors.IsConditionalCheckFailed(err) {
		return nil, l.exceededAfterConflict(ctx, keys, consume)
	}
	return nil, err
}

// ensureBucket creates a missing bucket seeded from the resolved limits;
// when a concurrent writer wins the create race the fresh item is read
// back instead.
func (l *Limiter) ensureBucket(ctx context.Context, key repository.BucketKey, resolved limits.ResolvedConfig, now time.Time) (*bucket.State, error) {
	var expiresAt int64
	if resolved.Expiring {
		expiresAt = bucket.ExpiresAt(resolved.Limits, now, bucket.DefaultTTLMultiplier)
	}
	err := l.repo.CreateBucket(ctx, l.namespace, key, resolved.Limits, expiresAt)
	if err == nil {
		state := bucket.Seed(resolved.Limits, now)
		state.ExpiresAt = expiresAt
		return state, nil
	}
	if !errors.IsConditionalCheckFailed(err) {
		return nil, err
	}
	states, err := l.repo.ReadBuckets(ctx, l.namespace, []repository.BucketKey{key})
	if err != nil {
		return nil, err
	}
	state, ok := states[key]
	if !ok {
		return nil, fmt.Errorf("bucket %s/%s missing after create conflict", key.Entity, key.Resource)
	}
	return state, nil
}

// exceededAfterConflict reconstructs an accurate RateLimitExceeded after a
// Retry write lost its per-limit token race. When the re-read shows tokens
// back within budget the denial would carry no violations and no wait, so
// the repeated conflict is reported as unavailability instead.
func (l *Limiter) exceededAfterConflict(ctx context.Context, keys []repository.BucketKey, consume map[string]int64) error {
	states, err := l.repo.ReadBuckets(ctx, l.namespace, keys)
	if err != nil {
		return err
	}
	now := l.clock()
	var all []limits.Violation
	var worst time.Duration
	for _, key := range keys {
		if state, ok := states[key]; ok {
			violations, retryAfter := state.Decide(consume, now)
			all = append(all, violations...)
			if retryAfter > worst {
				worst = retryAfter
			}
		}
	}
	if len(all) == 0 {
		return errors.RateLimiterUnavailable(fmt.Errorf("conceded the bucket write race after the consumption-only retry"))
	}
	return errors.RateLimitExceeded(worst, all)
}

// unavailable applies the resolved failure policy to a store error:
// fail open with a degraded lease, or fail closed.
func (l *Limiter) unavailable(ctx context.Context, resolved limits.ResolvedConfig, entityID, resource string, keys []repository.BucketKey, consume map[string]int64, cause error) (*Lease, error) {
	if resolved.OnUnavailable == limits.OnUnavailableAllow {
		log.FromContext(ctx).With(
			"entity", entityID,
			"resource", resource,
			"cause", cause,
		).Warnf("store unavailable, failing open with degraded lease")
		metrics.AcquireResults.WithLabelValues("degraded").Inc()
		return l.newLease(entityID, resource, keys, consume, resolved.OnUnavailable, true), nil
	}
	metrics.AcquireResults.WithLabelValues("unavailable").Inc()
	return nil, errors.RateLimiterUnavailable(cause)
}
