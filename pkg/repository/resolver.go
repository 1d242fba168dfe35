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
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/samber/lo"

	"github.com/zeroae/zae-limiter/pkg/apis/limits"
	"github.com/zeroae/zae-limiter/pkg/metrics"
	"github.com/zeroae/zae-limiter/pkg/schema"
	"github.com/zeroae/zae-limiter/pkg/utils/log"
)

// resolveLevel orders the hierarchy; lower index wins.
type resolveLevel struct {
	source limits.ConfigSource
	pk     string
	sk     string
}

// ResolveLimits walks the 4-level hierarchy for (entity, resource) and
// returns the first non-empty config. Results are cached per key for the
// configured TTL, including the "nothing anywhere" outcome, so the common
// entities-without-config case costs no reads. A cache miss is fetched by
// exactly one worker per key.
func (d *DynamoDB) ResolveLimits(ctx context.Context, ns, entityID, resource string) (limits.ResolvedConfig, error) {
	cacheKey := strings.Join([]string{ns, entityID, resource}, "/")
	if cached, ok := d.configCache.Get(cacheKey); ok {
		resolved := cached.(limits.ResolvedConfig)
		result := lo.Ternary(resolved.Source == limits.SourceNone, "negative_hit", "hit")
		metrics.ConfigCacheHits.WithLabelValues(result).Inc()
		return resolved, nil
	}
	unlock := d.configLocks.lock(cacheKey)
	defer unlock()
	if cached, ok := d.configCache.Get(cacheKey); ok {
		metrics.ConfigCacheHits.WithLabelValues("hit").Inc()
		return cached.(limits.ResolvedConfig), nil
	}
	metrics.ConfigCacheHits.WithLabelValues("miss").Inc()

	levels := []resolveLevel{
		{limits.SourceEntitySpecific, schema.PKEntity(ns, entityID), schema.SKEntityConfig(resource)},
		{limits.SourceEntityDefault, schema.PKEntity(ns, entityID), schema.SKEntityConfig(schema.ConfigDefault)},
		{limits.SourceResource, schema.PKResource(ns, resource), schema.SKConfig},
		{limits.SourceSystem, schema.PKSystem(ns), schema.SKConfig},
	}
	items, err := d.batchGetConfigs(ctx, levels)
	if err != nil {
		return limits.ResolvedConfig{}, fmt.Errorf("resolving limits for %s/%s, %w", entityID, resource, err)
	}

	resolved := limits.ResolvedConfig{Source: limits.SourceNone, OnUnavailable: limits.OnUnavailableBlock}
	policySet := false
	for _, level := range levels {
		item, ok := items[level.pk+"|"+level.sk]
		if !ok {
			continue
		}
		set, policy, hasTTL, err := schema.DecodeConfigRecord(item)
		if err != nil {
			return limits.ResolvedConfig{}, fmt.Errorf("decoding %s config, %w", level.source, err)
		}
		if resolved.Source == limits.SourceNone && len(set) > 0 {
			resolved.Limits = set.Normalize()
			resolved.Source = level.source
			// Operator-owned entity-specific configs (no ttl attribute) pin
			// their buckets forever; every other source expires.
			resolved.Expiring = level.source != limits.SourceEntitySpecific || hasTTL
		}
		// The failure policy falls through the same precedence chain
		// independently of where the limits came from.
		if !policySet && policy != "" {
			resolved.OnUnavailable = policy
			policySet = true
		}
	}
	d.configCache.SetDefault(cacheKey, resolved)
	log.FromContext(ctx).With(
		"entity", entityID,
		"resource", resource,
		"source", resolved.Source,
	).Debugf("resolved limits")
	return resolved, nil
}

// InvalidateConfigCache drops cached resolutions matching the given
// entity and resource; empty strings wildcard. Other processes converge
// by TTL only.
func (d *DynamoDB) InvalidateConfigCache(ns, entityID, resource string) {
	for key := range d.configCache.Items() {
		parts := strings.SplitN(key, "/", 3)
		if len(parts) != 3 {
			continue
		}
		if ns != "" && parts[0] != ns {
			continue
		}
		if entityID != "" && parts[1] != entityID {
			continue
		}
		if resource != "" && parts[2] != resource {
			continue
		}
		d.configCache.Delete(key)
	}
}

// invalidateEntityCache drops the cached meta record after entity
// mutations.
func (d *DynamoDB) invalidateEntityCache(ns, id string) {
	d.entityCache.Delete(ns + "/" + id)
}

func (d *DynamoDB) batchGetConfigs(ctx context.Context, levels []resolveLevel) (map[string]map[string]types.AttributeValue, error) {
	keys := lo.Map(levels, func(l resolveLevel, _ int) map[string]types.AttributeValue {
		return itemKey(l.pk, l.sk)
	})
	out := map[string]map[string]types.AttributeValue{}
	for len(keys) > 0 {
		var resp *dynamodb.BatchGetItemOutput
		err := d.do(ctx, "BatchGetItem", func(ctx context.Context) error {
			var err error
			resp, err = d.api.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{
				RequestItems: map[string]types.KeysAndAttributes{
					d.opts.TableName: {Keys: keys},
				},
			})
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, item := range resp.Responses[d.opts.TableName] {
			pk, pkOK := item[schema.AttrPK].(*types.AttributeValueMemberS)
			sk, skOK := item[schema.AttrSK].(*types.AttributeValueMemberS)
			if !pkOK || !skOK {
				continue
			}
			out[pk.Value+"|"+sk.Value] = item
		}
		keys = resp.UnprocessedKeys[d.opts.TableName].Keys
	}
	return out, nil
}
