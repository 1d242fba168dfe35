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

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/zeroae/zae-limiter/pkg/apis/limits"
	"github.com/zeroae/zae-limiter/pkg/bucket"
	"github.com/zeroae/zae-limiter/pkg/schema"
)

// ReadBuckets fetches every bucket item an acquire needs in one
// round-trip. Reads are eventually consistent: token state self-corrects
// through atomic ADDs and the config cache already accepts staleness.
func (d *DynamoDB) ReadBuckets(ctx context.Context, ns string, keys []BucketKey) (map[BucketKey]*bucket.State, error) {
	if len(keys) == 0 {
		return map[BucketKey]*bucket.State{}, nil
	}
	byPK := map[string]BucketKey{}
	requestKeys := make([]map[string]types.AttributeValue, 0, len(keys))
	for _, key := range keys {
		pk := key.PK(ns)
		byPK[pk] = key
		requestKeys = append(requestKeys, itemKey(pk, schema.SKState))
	}
	out := map[BucketKey]*bucket.State{}
	for len(requestKeys) > 0 {
		var resp *dynamodb.BatchGetItemOutput
		err := d.do(ctx, "BatchGetItem", func(ctx context.Context) error {
			var err error
			resp, err = d.api.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{
				RequestItems: map[string]types.KeysAndAttributes{
					d.opts.TableName: {Keys: requestKeys},
				},
			})
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("batch reading %d bucket(s), %w", len(keys), err)
		}
		for _, item := range resp.Responses[d.opts.TableName] {
			pk, ok := item[schema.AttrPK].(*types.AttributeValueMemberS)
			if !ok {
				continue
			}
			state, err := schema.DecodeBucketState(item)
			if err != nil {
				return nil, fmt.Errorf("decoding bucket %s, %w", pk.Value, err)
			}
			out[byPK[pk.Value]] = state
		}
		requestKeys = resp.UnprocessedKeys[d.opts.TableName].Keys
	}
	return out, nil
}

// GetEntity returns the entity meta record, or nil when the entity was
// never registered. Results, including absence, are cached for the
// configured TTL.
func (d *DynamoDB) GetEntity(ctx context.Context, ns, id string) (*limits.Entity, error) {
	cacheKey := ns + "/" + id
	if cached, ok := d.entityCache.Get(cacheKey); ok {
		if cached == nil {
			return nil, nil
		}
		entity := cached.(limits.Entity)
		return &entity, nil
	}
	item, err := d.getItem(ctx, schema.PKEntity(ns, id), schema.SKMeta)
	if err != nil {
		return nil, fmt.Errorf("getting entity %s, %w", id, err)
	}
	if item == nil {
		d.entityCache.SetDefault(cacheKey, nil)
		return nil, nil
	}
	var record schema.EntityRecord
	if err := attributevalue.UnmarshalMap(item, &record); err != nil {
		return nil, fmt.Errorf("decoding entity %s, %w", id, err)
	}
	entity := limits.Entity{
		ID:       record.EntityID,
		Name:     record.Name,
		ParentID: record.ParentID,
		Cascade:  record.Cascade,
		Metadata: record.Metadata,
	}
	d.entityCache.SetDefault(cacheKey, entity)
	return &entity, nil
}

func (d *DynamoDB) getItem(ctx context.Context, pk, sk string) (map[string]types.AttributeValue, error) {
	var resp *dynamodb.GetItemOutput
	err := d.do(ctx, "GetItem", func(ctx context.Context) error {
		var err error
		resp, err = d.api.GetItem(ctx, &dynamodb.GetItemInput{
			TableName: aws.String(d.opts.TableName),
			Key:       itemKey(pk, sk),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Item) == 0 {
		return nil, nil
	}
	return resp.Item, nil
}
