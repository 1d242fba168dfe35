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
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/zeroae/zae-limiter/pkg/schema"
)

// sortableTimestamp is fixed-width UTC nanoseconds so audit sort keys
// order lexicographically by time.
const sortableTimestamp = "2006-01-02T15:04:05.000000000Z"

// PutAuditEvent appends one TTL-expiring audit row under the subject's
// partition. Events are written by mutations and read only by external
// tooling.
func (d *DynamoDB) PutAuditEvent(ctx context.Context, ns, subject string, event AuditEvent) error {
	item, err := d.auditItem(ns, subject, event)
	if err != nil {
		return err
	}
	return d.do(ctx, "PutItem", func(ctx context.Context) error {
		_, err := d.api.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(d.opts.TableName), Item: item})
		return err
	})
}

func (d *DynamoDB) auditItem(ns, subject string, event AuditEvent) (map[string]types.AttributeValue, error) {
	now := d.clock().UTC()
	// A uuid suffix keeps same-nanosecond events from colliding.
	sortID := now.Format(sortableTimestamp) + "#" + uuid.NewString()[:8]
	record := schema.AuditRecord{
		PK:        schema.PKAudit(ns, subject),
		SK:        schema.SKAudit(sortID),
		Action:    event.Action,
		Name:      event.Name,
		Resource:  event.Resource,
		Timestamp: now.Format(time.RFC3339Nano),
		Principal: event.Principal,
		Detail:    event.Detail,
		ExpiresAt: now.Add(d.opts.AuditTTL).Unix(),
	}
	item, err := attributevalue.MarshalMap(record)
	if err != nil {
		return nil, fmt.Errorf("encoding audit event %s, %w", event.Action, err)
	}
	return item, nil
}
