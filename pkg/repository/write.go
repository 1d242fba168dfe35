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
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/samber/lo"

	"github.com/zeroae/zae-limiter/pkg/apis/limits"
	"github.com/zeroae/zae-limiter/pkg/bucket"
	"github.com/zeroae/zae-limiter/pkg/metrics"
	"github.com/zeroae/zae-limiter/pkg/schema"
)

// expr is one built update: expression strings plus their name/value maps.
type expr struct {
	update    string
	condition string
	names     map[string]string
	values    map[string]types.AttributeValue
}

// buildNormal builds the hot-path write: claim refill by advancing the
// shared baseline under the rf optimistic lock, then apply consumption and
// total-consumed counters with atomic ADDs. The baseline advances in whole
// windows of the finest refill period present so no limit's refill is
// claimed early.
func buildNormal(prev *bucket.State, consume map[string]int64, now time.Time) expr {
	minPeriod := int64(0)
	for _, ls := range prev.Limits {
		if ls.RefillPeriod > 0 && (minPeriod == 0 || ls.RefillPeriod < minPeriod) {
			minPeriod = ls.RefillPeriod
		}
	}
	rfNew, _ := bucket.AdvanceBaseline(prev.RefillBaseline, minPeriod, now)

	e := expr{
		condition: fmt.Sprintf("%s = :rfo", schema.AttrRefillBaseline),
		values: map[string]types.AttributeValue{
			":rfo": &types.AttributeValueMemberN{Value: schema.FormatFloat(prev.RefillBaseline)},
			":rfn": &types.AttributeValueMemberN{Value: schema.FormatFloat(rfNew)},
		},
	}
	var adds []string
	for i, name := range sortedKeys(prev.Limits) {
		ls := prev.Limits[name]
		_, periods := bucket.AdvanceBaseline(prev.RefillBaseline, ls.RefillPeriod, truncateTo(rfNew))
		delta := ls.RefillClaim(periods) - consume[name]
		if delta != 0 {
			ph := fmt.Sprintf(":d%d", i)
			adds = append(adds, fmt.Sprintf("%s %s", schema.LimitAttr(name, schema.CodeTokens), ph))
			e.values[ph] = &types.AttributeValueMemberN{Value: schema.FormatNumber(delta)}
		}
		if amount := consume[name]; amount != 0 {
			ph := fmt.Sprintf(":c%d", i)
			adds = append(adds, fmt.Sprintf("%s %s", schema.LimitAttr(name, schema.CodeTotalConsumed), ph))
			e.values[ph] = &types.AttributeValueMemberN{Value: schema.FormatNumber(amount)}
		}
	}
	e.update = fmt.Sprintf("SET %s = :rfn", schema.AttrRefillBaseline)
	if len(adds) > 0 {
		e.update += " ADD " + strings.Join(adds, ", ")
	}
	return e
}

// truncateTo views the advanced baseline as an instant so per-limit claims
// are computed against the same rf_new the item will store.
func truncateTo(rf float64) time.Time {
	return time.Unix(0, int64(rf*float64(time.Second)))
}

// buildRetry builds the post-conflict, consumption-only write: atomic ADDs
// guarded per limit by available tokens, never touching rf. Costs one
// write unit and cannot over-claim refill.
func buildRetry(consume map[string]int64) expr {
	e := expr{values: map[string]types.AttributeValue{}}
	var adds, conds []string
	for i, name := range sortedKeys(consume) {
		amount := consume[name]
		if amount == 0 {
			continue
		}
		neg := fmt.Sprintf(":d%d", i)
		pos := fmt.Sprintf(":c%d", i)
		adds = append(adds,
			fmt.Sprintf("%s %s", schema.LimitAttr(name, schema.CodeTokens), neg),
			fmt.Sprintf("%s %s", schema.LimitAttr(name, schema.CodeTotalConsumed), pos))
		conds = append(conds, fmt.Sprintf("%s >= %s", schema.LimitAttr(name, schema.CodeTokens), pos))
		e.values[neg] = &types.AttributeValueMemberN{Value: schema.FormatNumber(-amount)}
		e.values[pos] = &types.AttributeValueMemberN{Value: schema.FormatNumber(amount)}
	}
	e.update = "ADD " + strings.Join(adds, ", ")
	e.condition = strings.Join(conds, " AND ")
	return e
}

// buildAdjust builds the unconditional post-acquire reconciliation write.
// Positive deltas consume further (tk down, tc up); negative deltas refund
// with the opposite signs. This is the only path allowed to drive tk
// negative.
func buildAdjust(deltas map[string]int64) expr {
	e := expr{values: map[string]types.AttributeValue{}}
	var adds []string
	for i, name := range sortedKeys(deltas) {
		delta := deltas[name]
		if delta == 0 {
			continue
		}
		neg := fmt.Sprintf(":d%d", i)
		pos := fmt.Sprintf(":c%d", i)
		adds = append(adds,
			fmt.Sprintf("%s %s", schema.LimitAttr(name, schema.CodeTokens), neg),
			fmt.Sprintf("%s %s", schema.LimitAttr(name, schema.CodeTotalConsumed), pos))
		e.values[neg] = &types.AttributeValueMemberN{Value: schema.FormatNumber(-delta)}
		e.values[pos] = &types.AttributeValueMemberN{Value: schema.FormatNumber(delta)}
	}
	e.update = "ADD " + strings.Join(adds, ", ")
	return e
}

func sortedKeys[V any](m map[string]V) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}

// CreateBucket seeds a new composite bucket item, full to burst, with the
// refill baseline anchored at now. Fails with a conditional check error if
// another writer created it first.
func (d *DynamoDB) CreateBucket(ctx context.Context, ns string, key BucketKey, set limits.LimitSet, expiresAt int64) error {
	state := bucket.Seed(set, d.clock())
	state.ExpiresAt = expiresAt
	item := schema.EncodeBucketState(ns, key.Entity, key.Resource, key.Shard, state)
	metrics.WritePaths.WithLabelValues("create").Inc()
	return d.do(ctx, "PutItem", func(ctx context.Context) error {
		_, err := d.api.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(d.opts.TableName),
			Item:                item,
			ConditionExpression: aws.String(fmt.Sprintf("attribute_not_exists(%s)", schema.AttrPK)),
		})
		return err
	})
}

// WriteAcquire applies one or more acquire writes: a single UpdateItem for
// the plain case, one TransactWriteItems when a cascade must hit child and
// parent atomically.
func (d *DynamoDB) WriteAcquire(ctx context.Context, ns string, writes []AcquireWrite, now time.Time) error {
	exprs := lo.Map(writes, func(w AcquireWrite, _ int) expr {
		if w.Retry {
			metrics.WritePaths.WithLabelValues("retry").Inc()
			return buildRetry(w.Consume)
		}
		metrics.WritePaths.WithLabelValues("normal").Inc()
		return buildNormal(w.Prev, w.Consume, now)
	})
	if len(writes) == 1 {
		return d.updateItem(ctx, writes[0].Key.PK(ns), schema.SKState, exprs[0])
	}
	items := lo.Map(writes, func(w AcquireWrite, i int) types.TransactWriteItem {
		return types.TransactWriteItem{Update: d.transactUpdate(w.Key.PK(ns), schema.SKState, exprs[i])}
	})
	return d.transactWrite(ctx, items)
}

// WriteAdjust applies lease reconciliation deltas, transactionally when
// the lease spans child and parent buckets.
func (d *DynamoDB) WriteAdjust(ctx context.Context, ns string, writes []AdjustWrite) error {
	writes = lo.Filter(writes, func(w AdjustWrite, _ int) bool {
		return lo.SomeBy(lo.Values(w.Deltas), func(v int64) bool { return v != 0 })
	})
	if len(writes) == 0 {
		return nil
	}
	for range writes {
		metrics.WritePaths.WithLabelValues("adjust").Inc()
	}
	if len(writes) == 1 {
		return d.updateItem(ctx, writes[0].Key.PK(ns), schema.SKState, buildAdjust(writes[0].Deltas))
	}
	items := lo.Map(writes, func(w AdjustWrite, _ int) types.TransactWriteItem {
		return types.TransactWriteItem{Update: d.transactUpdate(w.Key.PK(ns), schema.SKState, buildAdjust(w.Deltas))}
	})
	return d.transactWrite(ctx, items)
}

func (d *DynamoDB) updateItem(ctx context.Context, pk, sk string, e expr) error {
	return d.do(ctx, "UpdateItem", func(ctx context.Context) error {
		_, err := d.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:                 aws.String(d.opts.TableName),
			Key:                       itemKey(pk, sk),
			UpdateExpression:          aws.String(e.update),
			ConditionExpression:       optionalString(e.condition),
			ExpressionAttributeNames:  e.names,
			ExpressionAttributeValues: e.values,
		})
		return err
	})
}

func (d *DynamoDB) transactUpdate(pk, sk string, e expr) *types.Update {
	return &types.Update{
		TableName:                 aws.String(d.opts.TableName),
		Key:                       itemKey(pk, sk),
		UpdateExpression:          aws.String(e.update),
		ConditionExpression:       optionalString(e.condition),
		ExpressionAttributeNames:  e.names,
		ExpressionAttributeValues: e.values,
	}
}

func (d *DynamoDB) transactWrite(ctx context.Context, items []types.TransactWriteItem) error {
	if len(items) > 100 {
		return fmt.Errorf("transaction of %d items exceeds the 100 item cap", len(items))
	}
	return d.do(ctx, "TransactWriteItems", func(ctx context.Context) error {
		_, err := d.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
		return err
	})
}

func itemKey(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		schema.AttrPK: &types.AttributeValueMemberS{Value: pk},
		schema.AttrSK: &types.AttributeValueMemberS{Value: sk},
	}
}

func optionalString(s string) *string {
	return lo.Ternary(s != "", aws.String(s), nil)
}
