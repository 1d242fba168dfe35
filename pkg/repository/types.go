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

// Package repository owns every store access: the four bucket write paths,
// batched reads, multi-item transactions, entity CRUD, config resolution
// with its process-local cache, audit events, and the version record.
package repository

import (
	"context"
	"time"

	"github.com/zeroae/zae-limiter/pkg/apis/limits"
	"github.com/zeroae/zae-limiter/pkg/bucket"
	"github.com/zeroae/zae-limiter/pkg/schema"
)

// BucketKey addresses one composite bucket item.
type BucketKey struct {
	Entity   string
	Resource string
	Shard    int
}

func (k BucketKey) PK(ns string) string {
	return schema.PKBucket(ns, k.Entity, k.Resource, k.Shard)
}

// AcquireWrite is one item of an acquire transaction: a Normal write when
// Prev carries the snapshot the rf lock was read from, or a Retry
// (consumption-only) write when Retry is set.
type AcquireWrite struct {
	Key     BucketKey
	Prev    *bucket.State
	Consume map[string]int64
	Retry   bool
}

// AdjustWrite is one item of an adjust: positive deltas are additional
// consumption (tokens removed), negative deltas are refunds.
type AdjustWrite struct {
	Key    BucketKey
	Deltas map[string]int64
}

// AuditEvent is the caller-facing shape of an audit row; the repository
// adds keys, timestamp and TTL.
type AuditEvent struct {
	Action    string
	Name      string
	Resource  string
	Principal string
	Detail    string
}

// Version is the stored schema/compat record.
type Version struct {
	SchemaVersion    string
	MinClientVersion string
	UpdatedBy        string
	UpdatedAt        time.Time
}

// Repository is the complete capability set the limit engine programs
// against. Alternative backends implement the same contract; the engine
// does not care where the items live.
type Repository interface {
	// Config resolution (repository-owned cache).
	ResolveLimits(ctx context.Context, ns, entityID, resource string) (limits.ResolvedConfig, error)
	InvalidateConfigCache(ns, entityID, resource string)

	// Entities.
	GetEntity(ctx context.Context, ns, id string) (*limits.Entity, error)
	CreateEntity(ctx context.Context, ns string, entity limits.Entity, principal string) error
	DeleteEntity(ctx context.Context, ns, id, principal string) error
	GetChildren(ctx context.Context, ns, parentID string) ([]limits.Entity, error)

	// Buckets.
	ReadBuckets(ctx context.Context, ns string, keys []BucketKey) (map[BucketKey]*bucket.State, error)
	CreateBucket(ctx context.Context, ns string, key BucketKey, set limits.LimitSet, expiresAt int64) error
	WriteAcquire(ctx context.Context, ns string, writes []AcquireWrite, now time.Time) error
	WriteAdjust(ctx context.Context, ns string, writes []AdjustWrite) error

	// Config administration.
	PutEntityConfig(ctx context.Context, ns, entityID, resource string, set limits.LimitSet, policy limits.OnUnavailable, expiresAt int64, principal string) error
	DeleteEntityConfig(ctx context.Context, ns, entityID, resource, principal string) error
	PutResourceConfig(ctx context.Context, ns, resource string, set limits.LimitSet, policy limits.OnUnavailable, principal string) error
	PutSystemConfig(ctx context.Context, ns string, set limits.LimitSet, policy limits.OnUnavailable, principal string) error

	// Version record.
	GetVersion(ctx context.Context, ns string) (*Version, error)
	PutVersion(ctx context.Context, ns string, v Version) error
	CheckVersion(ctx context.Context, ns string) error

	// Audit.
	PutAuditEvent(ctx context.Context, ns, subject string, event AuditEvent) error

	Ping(ctx context.Context) error
	Close() error
}
