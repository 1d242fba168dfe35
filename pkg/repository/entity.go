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
	"github.com/samber/lo"
	"go.uber.org/multierr"

	"github.com/zeroae/zae-limiter/pkg/apis/limits"
	"github.com/zeroae/zae-limiter/pkg/errors"
	"github.com/zeroae/zae-limiter/pkg/schema"
	"github.com/zeroae/zae-limiter/pkg/utils/log"
)

const batchWriteChunk = 25

// CreateEntity writes the #META record and its audit event in one
// transaction. The parent, when named, must already exist.
func (d *DynamoDB) CreateEntity(ctx context.Context, ns string, entity limits.Entity, principal string) error {
	if err := schema.ValidateEntityID(entity.ID); err != nil {
		return errors.Validation(err)
	}
	if entity.ParentID != "" {
		if err := schema.ValidateEntityID(entity.ParentID); err != nil {
			return errors.Validation(err)
		}
		parent, err := d.GetEntity(ctx, ns, entity.ParentID)
		if err != nil {
			return err
		}
		if parent == nil {
			return errors.EntityNotFound(entity.ParentID)
		}
	}
	record := schema.EntityRecord{
		PK:       schema.PKEntity(ns, entity.ID),
		SK:       schema.SKMeta,
		EntityID: entity.ID,
		Name:     entity.Name,
		ParentID: entity.ParentID,
		Cascade:  entity.Cascade,
		Metadata: entity.Metadata,
	}
	item, err := attributevalue.MarshalMap(record)
	if err != nil {
		return fmt.Errorf("encoding entity %s, %w", entity.ID, err)
	}
	auditItem, err := d.auditItem(ns, entity.ID, AuditEvent{
		Action:    "create_entity",
		Name:      entity.Name,
		Principal: principal,
	})
	if err != nil {
		return err
	}
	err = d.transactWrite(ctx, []types.TransactWriteItem{
		{Put: &types.Put{
			TableName:           aws.String(d.opts.TableName),
			Item:                item,
			ConditionExpression: aws.String(fmt.Sprintf("attribute_not_exists(%s)", schema.AttrPK)),
		}},
		{Put: &types.Put{
			TableName: aws.String(d.opts.TableName),
			Item:      auditItem,
		}},
	})
	if errors.IsConditionalCheckFailed(err) {
		return errors.EntityExists(entity.ID)
	}
	if err != nil {
		return fmt.Errorf("creating entity %s, %w", entity.ID, err)
	}
	d.invalidateEntityCache(ns, entity.ID)
	return nil
}

// DeleteEntity removes the entity's whole partition and every bucket item
// it owns, in paginated queries and 25-item delete chunks. Audit rows are
// left to expire on their own so the deletion itself stays auditable.
func (d *DynamoDB) DeleteEntity(ctx context.Context, ns, id, principal string) error {
	if err := schema.ValidateEntityID(id); err != nil {
		return errors.Validation(err)
	}
	existing, err := d.GetEntity(ctx, ns, id)
	if err != nil {
		return err
	}
	if existing == nil {
		return errors.EntityNotFound(id)
	}
	keys, err := d.queryPartitionKeys(ctx, schema.PKEntity(ns, id))
	if err != nil {
		return fmt.Errorf("listing entity records for %s, %w", id, err)
	}
	bucketKeys, err := d.queryEntityBucketKeys(ctx, ns, id)
	if err != nil {
		return fmt.Errorf("listing buckets for %s, %w", id, err)
	}
	keys = append(keys, bucketKeys...)
	// Push through every chunk before reporting failures so a transient
	// error mid-delete leaves as little behind as possible.
	var deleteErrs error
	for _, chunk := range lo.Chunk(keys, batchWriteChunk) {
		deleteErrs = multierr.Append(deleteErrs, d.batchDelete(ctx, chunk))
	}
	if deleteErrs != nil {
		return fmt.Errorf("deleting records for %s, %w", id, deleteErrs)
	}
	if err := d.PutAuditEvent(ctx, ns, id, AuditEvent{Action: "delete_entity", Principal: principal}); err != nil {
		return err
	}
	d.invalidateEntityCache(ns, id)
	d.InvalidateConfigCache(ns, id, "")
	log.FromContext(ctx).With("entity", id, "records", len(keys)).Infof("deleted entity")
	return nil
}

// GetChildren lists entities whose parent_id matches, via the
// parent-index GSI.
func (d *DynamoDB) GetChildren(ctx context.Context, ns, parentID string) ([]limits.Entity, error) {
	if err := schema.ValidateEntityID(parentID); err != nil {
		return nil, errors.Validation(err)
	}
	var children []limits.Entity
	var startKey map[string]types.AttributeValue
	for {
		var resp *dynamodb.QueryOutput
		err := d.do(ctx, "Query", func(ctx context.Context) error {
			var err error
			resp, err = d.api.Query(ctx, &dynamodb.QueryInput{
				TableName:              aws.String(d.opts.TableName),
				IndexName:              aws.String(schema.ParentIndexName),
				KeyConditionExpression: aws.String(fmt.Sprintf("%s = :p", schema.AttrParentID)),
				// parent_id is not namespace qualified; restrict matches to
				// this namespace's entity partition.
				FilterExpression: aws.String(fmt.Sprintf("%s = :meta AND begins_with(%s, :ns)", schema.AttrSK, schema.AttrPK)),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":p":    &types.AttributeValueMemberS{Value: parentID},
					":meta": &types.AttributeValueMemberS{Value: schema.SKMeta},
					":ns":   &types.AttributeValueMemberS{Value: schema.PKEntity(ns, "")},
				},
				ExclusiveStartKey: startKey,
			})
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("querying children of %s, %w", parentID, err)
		}
		for _, item := range resp.Items {
			var record schema.EntityRecord
			if err := attributevalue.UnmarshalMap(item, &record); err != nil {
				return nil, fmt.Errorf("decoding child entity, %w", err)
			}
			children = append(children, limits.Entity{
				ID:       record.EntityID,
				Name:     record.Name,
				ParentID: record.ParentID,
				Cascade:  record.Cascade,
				Metadata: record.Metadata,
			})
		}
		if resp.LastEvaluatedKey == nil {
			return children, nil
		}
		startKey = resp.LastEvaluatedKey
	}
}

func (d *DynamoDB) queryPartitionKeys(ctx context.Context, pk string) ([]map[string]types.AttributeValue, error) {
	var keys []map[string]types.AttributeValue
	var startKey map[string]types.AttributeValue
	for {
		var resp *dynamodb.QueryOutput
		err := d.do(ctx, "Query", func(ctx context.Context) error {
			var err error
			resp, err = d.api.Query(ctx, &dynamodb.QueryInput{
				TableName:              aws.String(d.opts.TableName),
				KeyConditionExpression: aws.String(fmt.Sprintf("%s = :pk", schema.AttrPK)),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":pk": &types.AttributeValueMemberS{Value: pk},
				},
				ProjectionExpression: aws.String(fmt.Sprintf("%s, %s", schema.AttrPK, schema.AttrSK)),
				ExclusiveStartKey:    startKey,
			})
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, item := range resp.Items {
			keys = append(keys, lo.PickByKeys(item, []string{schema.AttrPK, schema.AttrSK}))
		}
		if resp.LastEvaluatedKey == nil {
			return keys, nil
		}
		startKey = resp.LastEvaluatedKey
	}
}

// queryEntityBucketKeys finds the entity's bucket items through the
// entity-index GSI; bucket partition keys embed the resource and shard so
// they cannot be enumerated from the primary key alone.
func (d *DynamoDB) queryEntityBucketKeys(ctx context.Context, ns, id string) ([]map[string]types.AttributeValue, error) {
	var keys []map[string]types.AttributeValue
	var startKey map[string]types.AttributeValue
	for {
		var resp *dynamodb.QueryOutput
		err := d.do(ctx, "Query", func(ctx context.Context) error {
			var err error
			resp, err = d.api.Query(ctx, &dynamodb.QueryInput{
				TableName:              aws.String(d.opts.TableName),
				IndexName:              aws.String(schema.EntityIndexName),
				KeyConditionExpression: aws.String(fmt.Sprintf("%s = :e", schema.AttrEntityID)),
				// Entity meta records carry entity_id too and land in the
				// index; only bucket state rows are wanted here.
				FilterExpression: aws.String(fmt.Sprintf("%s = :state", schema.AttrSK)),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":e":     &types.AttributeValueMemberS{Value: id},
					":state": &types.AttributeValueMemberS{Value: schema.SKState},
				},
				ExclusiveStartKey: startKey,
			})
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, item := range resp.Items {
			pk, pkOK := item[schema.AttrPK].(*types.AttributeValueMemberS)
			if !pkOK || !isNamespaced(pk.Value, ns) {
				continue
			}
			keys = append(keys, lo.PickByKeys(item, []string{schema.AttrPK, schema.AttrSK}))
		}
		if resp.LastEvaluatedKey == nil {
			return keys, nil
		}
		startKey = resp.LastEvaluatedKey
	}
}

func isNamespaced(pk, ns string) bool {
	return len(pk) > len(ns) && pk[:len(ns)+1] == ns+"/"
}

func (d *DynamoDB) batchDelete(ctx context.Context, keys []map[string]types.AttributeValue) error {
	requests := lo.Map(keys, func(key map[string]types.AttributeValue, _ int) types.WriteRequest {
		return types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: key}}
	})
	for len(requests) > 0 {
		var resp *dynamodb.BatchWriteItemOutput
		err := d.do(ctx, "BatchWriteItem", func(ctx context.Context) error {
			var err error
			resp, err = d.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
				RequestItems: map[string][]types.WriteRequest{d.opts.TableName: requests},
			})
			return err
		})
		if err != nil {
			return err
		}
		requests = resp.UnprocessedItems[d.opts.TableName]
	}
	return nil
}
