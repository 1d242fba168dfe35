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

// Package fake provides an in-memory DynamoDB implementing the narrow
// sdk.DynamoDBAPI surface with real item, expression, and transaction
// semantics, so suites can exercise every write path without a store.
package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/samber/lo"

	"github.com/zeroae/zae-limiter/pkg/aws/sdk"
)

type DynamoDBAPI struct {
	sync.Mutex

	items map[string]map[string]types.AttributeValue

	// Calls counts invocations by operation name.
	Calls map[string]int
	// NextErrors queues errors per operation name; each matching call
	// consumes one before doing any work. Use it to inject throttles,
	// conflicts, and faults.
	NextErrors map[string][]error
}

var _ sdk.DynamoDBAPI = (*DynamoDBAPI)(nil)

func NewDynamoDBAPI() *DynamoDBAPI {
	a := &DynamoDBAPI{}
	a.Reset()
	return a
}

func (a *DynamoDBAPI) Reset() {
	a.Lock()
	defer a.Unlock()
	a.items = map[string]map[string]types.AttributeValue{}
	a.Calls = map[string]int{}
	a.NextErrors = map[string][]error{}
}

// InjectError queues one error for the next call of the given operation.
func (a *DynamoDBAPI) InjectError(op string, err error) {
	a.Lock()
	defer a.Unlock()
	a.NextErrors[op] = append(a.NextErrors[op], err)
}

func itemID(key map[string]types.AttributeValue) string {
	pk := key["PK"].(*types.AttributeValueMemberS).Value
	sk := key["SK"].(*types.AttributeValueMemberS).Value
	return pk + "|" + sk
}

func (a *DynamoDBAPI) begin(op string) error {
	a.Calls[op]++
	if queue := a.NextErrors[op]; len(queue) > 0 {
		a.NextErrors[op] = queue[1:]
		return queue[0]
	}
	return nil
}

// StoredItem returns a copy of one item for assertions, nil when absent.
func (a *DynamoDBAPI) StoredItem(pk, sk string) map[string]types.AttributeValue {
	a.Lock()
	defer a.Unlock()
	item, ok := a.items[pk+"|"+sk]
	if !ok {
		return nil
	}
	return lo.Assign(map[string]types.AttributeValue{}, item)
}

// ItemCount reports how many items the table holds.
func (a *DynamoDBAPI) ItemCount() int {
	a.Lock()
	defer a.Unlock()
	return len(a.items)
}

func (a *DynamoDBAPI) GetItem(_ context.Context, input *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	a.Lock()
	defer a.Unlock()
	if err := a.begin("GetItem"); err != nil {
		return nil, err
	}
	item, ok := a.items[itemID(input.Key)]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: lo.Assign(map[string]types.AttributeValue{}, item)}, nil
}

func (a *DynamoDBAPI) BatchGetItem(_ context.Context, input *dynamodb.BatchGetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error) {
	a.Lock()
	defer a.Unlock()
	if err := a.begin("BatchGetItem"); err != nil {
		return nil, err
	}
	out := &dynamodb.BatchGetItemOutput{Responses: map[string][]map[string]types.AttributeValue{}}
	for table, request := range input.RequestItems {
		for _, key := range request.Keys {
			if item, ok := a.items[itemID(key)]; ok {
				out.Responses[table] = append(out.Responses[table], lo.Assign(map[string]types.AttributeValue{}, item))
			}
		}
	}
	return out, nil
}

func (a *DynamoDBAPI) Query(_ context.Context, input *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	a.Lock()
	defer a.Unlock()
	if err := a.begin("Query"); err != nil {
		return nil, err
	}
	keyAttr, keyValue, err := queryKey(input)
	if err != nil {
		return nil, err
	}
	out := &dynamodb.QueryOutput{}
	for _, item := range a.items {
		attr, ok := item[keyAttr].(*types.AttributeValueMemberS)
		if !ok || attr.Value != keyValue {
			continue
		}
		if input.FilterExpression != nil && !evalCondition(item, *input.FilterExpression, input.ExpressionAttributeNames, input.ExpressionAttributeValues) {
			continue
		}
		out.Items = append(out.Items, lo.Assign(map[string]types.AttributeValue{}, item))
	}
	out.Count = int32(len(out.Items))
	return out, nil
}

// queryKey extracts the single equality of a key condition, resolving the
// GSI's key attribute from the index name.
func queryKey(input *dynamodb.QueryInput) (string, string, error) {
	attr, placeholder, ok := parseEquality(aws.ToString(input.KeyConditionExpression))
	if !ok {
		return "", "", fmt.Errorf("fake dynamodb only supports single-equality key conditions, got %q", aws.ToString(input.KeyConditionExpression))
	}
	value, ok := input.ExpressionAttributeValues[placeholder].(*types.AttributeValueMemberS)
	if !ok {
		return "", "", fmt.Errorf("missing key value %s", placeholder)
	}
	return attr, value.Value, nil
}

func (a *DynamoDBAPI) PutItem(_ context.Context, input *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	a.Lock()
	defer a.Unlock()
	if err := a.begin("PutItem"); err != nil {
		return nil, err
	}
	id := itemID(input.Item)
	if input.ConditionExpression != nil {
		if !evalCondition(a.items[id], *input.ConditionExpression, input.ExpressionAttributeNames, input.ExpressionAttributeValues) {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("the conditional request failed")}
		}
	}
	a.items[id] = lo.Assign(map[string]types.AttributeValue{}, input.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (a *DynamoDBAPI) UpdateItem(_ context.Context, input *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	a.Lock()
	defer a.Unlock()
	if err := a.begin("UpdateItem"); err != nil {
		return nil, err
	}
	id := itemID(input.Key)
	if input.ConditionExpression != nil {
		if !evalCondition(a.items[id], *input.ConditionExpression, input.ExpressionAttributeNames, input.ExpressionAttributeValues) {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("the conditional request failed")}
		}
	}
	item := a.items[id]
	if item == nil {
		item = lo.Assign(map[string]types.AttributeValue{}, input.Key)
	}
	applyUpdate(item, aws.ToString(input.UpdateExpression), input.ExpressionAttributeNames, input.ExpressionAttributeValues)
	a.items[id] = item
	return &dynamodb.UpdateItemOutput{}, nil
}

func (a *DynamoDBAPI) DeleteItem(_ context.Context, input *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	a.Lock()
	defer a.Unlock()
	if err := a.begin("DeleteItem"); err != nil {
		return nil, err
	}
	delete(a.items, itemID(input.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

func (a *DynamoDBAPI) BatchWriteItem(_ context.Context, input *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	a.Lock()
	defer a.Unlock()
	if err := a.begin("BatchWriteItem"); err != nil {
		return nil, err
	}
	for _, requests := range input.RequestItems {
		for _, request := range requests {
			if request.DeleteRequest != nil {
				delete(a.items, itemID(request.DeleteRequest.Key))
			}
			if request.PutRequest != nil {
				a.items[itemID(request.PutRequest.Item)] = lo.Assign(map[string]types.AttributeValue{}, request.PutRequest.Item)
			}
		}
	}
	return &dynamodb.BatchWriteItemOutput{}, nil
}

func (a *DynamoDBAPI) TransactWriteItems(_ context.Context, input *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	a.Lock()
	defer a.Unlock()
	if err := a.begin("TransactWriteItems"); err != nil {
		return nil, err
	}
	// All conditions check before anything applies, matching the store's
	// all-or-nothing contract.
	reasons := make([]types.CancellationReason, len(input.TransactItems))
	failed := false
	for i, item := range input.TransactItems {
		reasons[i] = types.CancellationReason{Code: aws.String("None")}
		switch {
		case item.Put != nil:
			if item.Put.ConditionExpression != nil &&
				!evalCondition(a.items[itemID(item.Put.Item)], *item.Put.ConditionExpression, item.Put.ExpressionAttributeNames, item.Put.ExpressionAttributeValues) {
				reasons[i] = types.CancellationReason{Code: aws.String("ConditionalCheckFailed")}
				failed = true
			}
		case item.Update != nil:
			if item.Update.ConditionExpression != nil &&
				!evalCondition(a.items[itemID(item.Update.Key)], *item.Update.ConditionExpression, item.Update.ExpressionAttributeNames, item.Update.ExpressionAttributeValues) {
				reasons[i] = types.CancellationReason{Code: aws.String("ConditionalCheckFailed")}
				failed = true
			}
		case item.Delete != nil:
		default:
			return nil, fmt.Errorf("fake dynamodb does not support this transact item")
		}
	}
	if failed {
		return nil, &types.TransactionCanceledException{
			Message:             aws.String("transaction canceled"),
			CancellationReasons: reasons,
		}
	}
	for _, item := range input.TransactItems {
		switch {
		case item.Put != nil:
			a.items[itemID(item.Put.Item)] = lo.Assign(map[string]types.AttributeValue{}, item.Put.Item)
		case item.Update != nil:
			id := itemID(item.Update.Key)
			target := a.items[id]
			if target == nil {
				target = lo.Assign(map[string]types.AttributeValue{}, item.Update.Key)
			}
			applyUpdate(target, aws.ToString(item.Update.UpdateExpression), item.Update.ExpressionAttributeNames, item.Update.ExpressionAttributeValues)
			a.items[id] = target
		case item.Delete != nil:
			delete(a.items, itemID(item.Delete.Key))
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func (a *DynamoDBAPI) DescribeTable(_ context.Context, input *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	a.Lock()
	defer a.Unlock()
	if err := a.begin("DescribeTable"); err != nil {
		return nil, err
	}
	return &dynamodb.DescribeTableOutput{Table: &types.TableDescription{
		TableName:   input.TableName,
		TableStatus: types.TableStatusActive,
	}}, nil
}
