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
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/mitchellh/hashstructure/v2"

	"github.com/zeroae/zae-limiter/pkg/apis/limits"
	"github.com/zeroae/zae-limiter/pkg/errors"
	"github.com/zeroae/zae-limiter/pkg/schema"
)

// PutEntityConfig writes an entity-level config record. Pass
// schema.ConfigDefault as the resource for the entity-wide default. A
// non-zero expiresAt marks the record sync-owned; sync-owned writes never
// overwrite an operator-owned record (one without a ttl attribute).
func (d *DynamoDB) PutEntityConfig(ctx context.Context, ns, entityID, resource string, set limits.LimitSet, policy limits.OnUnavailable, expiresAt int64, principal string) error {
	if err := schema.ValidateEntityID(entityID); err != nil {
		return errors.Validation(err)
	}
	if resource != schema.ConfigDefault {
		if err := schema.ValidateResource(resource); err != nil {
			return errors.Validation(err)
		}
	}
	if err := validateLimitSet(set); err != nil {
		return err
	}
	item := map[string]types.AttributeValue{
		schema.AttrPK: &types.AttributeValueMemberS{Value: schema.PKEntity(ns, entityID)},
		schema.AttrSK: &types.AttributeValueMemberS{Value: schema.SKEntityConfig(resource)},
	}
	fillConfigItem(item, set, policy, expiresAt)

	input := &dynamodb.PutItemInput{
		TableName: aws.String(d.opts.TableName),
		Item:      item,
	}
	if expiresAt > 0 {
		// Ownership rule: a sync-owned write may create a record or refresh
		// another sync-owned one, never replace an operator-owned record.
		al := schema.NewAliaser()
		input.ConditionExpression = aws.String(fmt.Sprintf(
			"attribute_not_exists(%s) OR attribute_exists(%s)", schema.AttrPK, al.Name(schema.AttrTTL)))
		input.ExpressionAttributeNames = al.Names()
	}
	err := d.do(ctx, "PutItem", func(ctx context.Context) error {
		_, err := d.api.PutItem(ctx, input)
		return err
	})
	if errors.IsConditionalCheckFailed(err) {
		// Operator-owned record present; the sync write silently yields.
		return nil
	}
	if err != nil {
		return fmt.Errorf("putting entity config %s/%s, %w", entityID, resource, err)
	}
	d.InvalidateConfigCache(ns, entityID, "")
	return d.PutAuditEvent(ctx, ns, entityID, AuditEvent{
		Action:    "put_entity_config",
		Resource:  resource,
		Principal: principal,
		Detail:    configHash(set, policy),
	})
}

// DeleteEntityConfig removes one entity config record.
func (d *DynamoDB) DeleteEntityConfig(ctx context.Context, ns, entityID, resource, principal string) error {
	if err := schema.ValidateEntityID(entityID); err != nil {
		return errors.Validation(err)
	}
	err := d.do(ctx, "DeleteItem", func(ctx context.Context) error {
		_, err := d.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(d.opts.TableName),
			Key:       itemKey(schema.PKEntity(ns, entityID), schema.SKEntityConfig(resource)),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("deleting entity config %s/%s, %w", entityID, resource, err)
	}
	d.InvalidateConfigCache(ns, entityID, "")
	return d.PutAuditEvent(ctx, ns, entityID, AuditEvent{
		Action:    "delete_entity_config",
		Resource:  resource,
		Principal: principal,
	})
}

// PutResourceConfig writes resource-level defaults.
func (d *DynamoDB) PutResourceConfig(ctx context.Context, ns, resource string, set limits.LimitSet, policy limits.OnUnavailable, principal string) error {
	if err := schema.ValidateResource(resource); err != nil {
		return errors.Validation(err)
	}
	if err := validateLimitSet(set); err != nil {
		return err
	}
	item := map[string]types.AttributeValue{
		schema.AttrPK: &types.AttributeValueMemberS{Value: schema.PKResource(ns, resource)},
		schema.AttrSK: &types.AttributeValueMemberS{Value: schema.SKConfig},
	}
	fillConfigItem(item, set, policy, 0)
	err := d.do(ctx, "PutItem", func(ctx context.Context) error {
		_, err := d.api.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(d.opts.TableName), Item: item})
		return err
	})
	if err != nil {
		return fmt.Errorf("putting resource config %s, %w", resource, err)
	}
	d.InvalidateConfigCache(ns, "", resource)
	return d.PutAuditEvent(ctx, ns, schema.AuditSubjectResource(resource), AuditEvent{
		Action:    "put_resource_config",
		Resource:  resource,
		Principal: principal,
		Detail:    configHash(set, policy),
	})
}

// PutSystemConfig writes the namespace-wide defaults of last resort.
func (d *DynamoDB) PutSystemConfig(ctx context.Context, ns string, set limits.LimitSet, policy limits.OnUnavailable, principal string) error {
	if err := validateLimitSet(set); err != nil {
		return err
	}
	item := map[string]types.AttributeValue{
		schema.AttrPK: &types.AttributeValueMemberS{Value: schema.PKSystem(ns)},
		schema.AttrSK: &types.AttributeValueMemberS{Value: schema.SKConfig},
	}
	fillConfigItem(item, set, policy, 0)
	err := d.do(ctx, "PutItem", func(ctx context.Context) error {
		_, err := d.api.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(d.opts.TableName), Item: item})
		return err
	})
	if err != nil {
		return fmt.Errorf("putting system config, %w", err)
	}
	d.InvalidateConfigCache(ns, "", "")
	return d.PutAuditEvent(ctx, ns, schema.AuditSubjectSystem, AuditEvent{
		Action:    "put_system_config",
		Principal: principal,
		Detail:    configHash(set, policy),
	})
}

func fillConfigItem(item map[string]types.AttributeValue, set limits.LimitSet, policy limits.OnUnavailable, expiresAt int64) {
	schema.EncodeLimitSet(item, set)
	if policy != "" {
		item[schema.AttrOnUnavailable] = &types.AttributeValueMemberS{Value: string(policy)}
	}
	if expiresAt > 0 {
		item[schema.AttrTTL] = &types.AttributeValueMemberN{Value: strconv.FormatInt(expiresAt, 10)}
	}
}

func validateLimitSet(set limits.LimitSet) error {
	if len(set) == 0 {
		return errors.Validationf("limit set must not be empty")
	}
	for name, l := range set {
		if err := schema.ValidateLimitName(name); err != nil {
			return errors.Validation(err)
		}
		if err := l.Normalize().Validate(); err != nil {
			return errors.Validation(fmt.Errorf("limit %s, %w", name, err))
		}
	}
	return nil
}

// configHash fingerprints a config write for the audit trail so identical
// and differing writes can be told apart without storing the full body.
func configHash(set limits.LimitSet, policy limits.OnUnavailable) string {
	hash, err := hashstructure.Hash(struct {
		Set    limits.LimitSet
		Policy limits.OnUnavailable
	}{set, policy}, hashstructure.FormatV2, nil)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("config:%016x", hash)
}
