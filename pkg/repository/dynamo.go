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

package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/patrickmn/go-cache"

	"github.com/zeroae/zae-limiter/pkg/aws/sdk"
	awserrors "github.com/zeroae/zae-limiter/pkg/errors"
	"github.com/zeroae/zae-limiter/pkg/metrics"
	"github.com/zeroae/zae-limiter/pkg/utils/env"
)

const (
	DefaultCacheTTL    = 60 * time.Second
	DefaultMaxAttempts = 3

	baseRetryDelay = 25 * time.Millisecond
)

type Options struct {
	TableName string
	// CacheTTL bounds config and entity meta staleness in this process.
	CacheTTL time.Duration
	// MaxAttempts bounds retries of throttled or transient store errors.
	MaxAttempts int
	// TTLMultiplier scales bucket expiry; see bucket.ExpiresAt.
	TTLMultiplier int64
	// AuditTTL is how long audit events are retained.
	AuditTTL time.Duration
	// Clock overrides the time source; nil means time.Now.
	Clock func() time.Time
}

func (o Options) withDefaults() Options {
	if o.TableName == "" {
		o.TableName = env.WithDefaultString("ZAE_LIMITER_TABLE", "zae-limiter")
	}
	if o.CacheTTL == 0 {
		o.CacheTTL = env.WithDefaultDuration("ZAE_LIMITER_CACHE_TTL", DefaultCacheTTL)
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.AuditTTL == 0 {
		o.AuditTTL = 90 * 24 * time.Hour
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// DynamoDB implements Repository against a single DynamoDB table.
type DynamoDB struct {
	api  sdk.DynamoDBAPI
	opts Options

	configCache *cache.Cache
	entityCache *cache.Cache
	configLocks keyedLocks

	clock func() time.Time
}

var _ Repository = (*DynamoDB)(nil)

func NewDynamoDB(api sdk.DynamoDBAPI, opts Options) *DynamoDB {
	opts = opts.withDefaults()
	return &DynamoDB{
		api:         api,
		opts:        opts,
		configCache: cache.New(opts.CacheTTL, opts.CacheTTL),
		entityCache: cache.New(opts.CacheTTL, opts.CacheTTL),
		clock:       opts.Clock,
	}
}

// NewDefaultDynamoDB builds a repository from ambient AWS configuration,
// honoring ZAE_LIMITER_ENDPOINT for DynamoDB Local and equivalents.
func NewDefaultDynamoDB(ctx context.Context, opts Options) (*DynamoDB, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading aws config, %w", err)
	}
	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint := env.WithDefaultString("ZAE_LIMITER_ENDPOINT", ""); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return NewDynamoDB(client, opts), nil
}

// do wraps one store call with bounded exponential backoff plus jitter for
// retryable errors and records its latency. Condition failures are never
// retried here; the engine owns rewrite-path logic.
func (d *DynamoDB) do(ctx context.Context, operation string, fn func(context.Context) error) error {
	start := d.clock()
	defer func() {
		metrics.StoreOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}()
	return retry.Do(
		func() error { return fn(ctx) },
		retry.Context(ctx),
		retry.Attempts(uint(d.opts.MaxAttempts)),
		retry.RetryIf(awserrors.IsRetryable),
		retry.Delay(baseRetryDelay),
		retry.MaxJitter(baseRetryDelay),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.LastErrorOnly(true),
	)
}

// Ping verifies the table is reachable.
func (d *DynamoDB) Ping(ctx context.Context) error {
	return d.do(ctx, "DescribeTable", func(ctx context.Context) error {
		_, err := d.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(d.opts.TableName)})
		if err != nil {
			return fmt.Errorf("describing table %s, %w", d.opts.TableName, err)
		}
		return nil
	})
}

// Close releases process-local state. The underlying client is owned by
// the caller.
func (d *DynamoDB) Close() error {
	d.configCache.Flush()
	d.entityCache.Flush()
	return nil
}

// keyedLocks hands out one mutex per cache key so a miss is fetched by a
// single worker while other keys proceed.
type keyedLocks struct {
	locks sync.Map
}

func (k *keyedLocks) lock(key string) func() {
	mu, _ := k.locks.LoadOrStore(key, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	return mu.(*sync.Mutex).Unlock
}
