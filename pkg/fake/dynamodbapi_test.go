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

package fake_test

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zeroae/zae-limiter/pkg/errors"
	"github.com/zeroae/zae-limiter/pkg/fake"
)

var ctx context.Context
var api *fake.DynamoDBAPI

func key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

var _ = Describe("DynamoDBAPI", func() {
	BeforeEach(func() {
		ctx = context.Background()
		api = fake.NewDynamoDBAPI()
	})

	It("should honor a put's not-exists condition", func() {
		item := key("p", "s")
		_, err := api.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String("t"),
			Item:                item,
			ConditionExpression: aws.String("attribute_not_exists(PK)"),
		})
		Expect(err).ToNot(HaveOccurred())
		_, err = api.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String("t"),
			Item:                item,
			ConditionExpression: aws.String("attribute_not_exists(PK)"),
		})
		Expect(errors.IsConditionalCheckFailed(err)).To(BeTrue())
	})

	It("should apply SET and ADD update expressions, treating missing attributes as zero", func() {
		_, err := api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:        aws.String("t"),
			Key:              key("p", "s"),
			UpdateExpression: aws.String("SET rf = :rfn ADD b_rpm_tk :d0, b_rpm_tc :c0"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":rfn": &types.AttributeValueMemberN{Value: "1700000060"},
				":d0":  &types.AttributeValueMemberN{Value: "-1000"},
				":c0":  &types.AttributeValueMemberN{Value: "1000"},
			},
		})
		Expect(err).ToNot(HaveOccurred())
		item := api.StoredItem("p", "s")
		Expect(item["rf"]).To(Equal(&types.AttributeValueMemberN{Value: "1700000060"}))
		Expect(item["b_rpm_tk"]).To(Equal(&types.AttributeValueMemberN{Value: "-1000"}))
		Expect(item["b_rpm_tc"]).To(Equal(&types.AttributeValueMemberN{Value: "1000"}))
	})

	It("should evaluate numeric conjunctions with name aliases", func() {
		_, err := api.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String("t"),
			Item: map[string]types.AttributeValue{
				"PK":       &types.AttributeValueMemberS{Value: "p"},
				"SK":       &types.AttributeValueMemberS{Value: "s"},
				"b_rpm_tk": &types.AttributeValueMemberN{Value: "500"},
				"rf":       &types.AttributeValueMemberN{Value: "1700000000.5"},
			},
		})
		Expect(err).ToNot(HaveOccurred())

		_, err = api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:           aws.String("t"),
			Key:                 key("p", "s"),
			UpdateExpression:    aws.String("ADD b_rpm_tk :d0"),
			ConditionExpression: aws.String("rf = :rfo AND b_rpm_tk >= :min"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":d0":  &types.AttributeValueMemberN{Value: "-500"},
				":rfo": &types.AttributeValueMemberN{Value: "1700000000.5"},
				":min": &types.AttributeValueMemberN{Value: "500"},
			},
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(api.StoredItem("p", "s")["b_rpm_tk"]).To(Equal(&types.AttributeValueMemberN{Value: "0"}))

		_, err = api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:           aws.String("t"),
			Key:                 key("p", "s"),
			UpdateExpression:    aws.String("ADD b_rpm_tk :d0"),
			ConditionExpression: aws.String("b_rpm_tk >= :min"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":d0":  &types.AttributeValueMemberN{Value: "-1"},
				":min": &types.AttributeValueMemberN{Value: "1"},
			},
		})
		Expect(errors.IsConditionalCheckFailed(err)).To(BeTrue())
	})

	It("should evaluate the ownership disjunction", func() {
		condition := aws.String("attribute_not_exists(PK) OR attribute_exists(#ttl)")
		names := map[string]string{"#ttl": "ttl"}

		// Create passes the not-exists arm.
		_, err := api.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:                aws.String("t"),
			Item:                     key("p", "s"),
			ConditionExpression:      condition,
			ExpressionAttributeNames: names,
		})
		Expect(err).ToNot(HaveOccurred())

		// The stored record has no ttl, so a second conditional put fails.
		_, err = api.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:                aws.String("t"),
			Item:                     key("p", "s"),
			ConditionExpression:      condition,
			ExpressionAttributeNames: names,
		})
		Expect(errors.IsConditionalCheckFailed(err)).To(BeTrue())
	})

	It("should evaluate begins_with prefix matches in filters", func() {
		_, err := api.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String("t"),
			Item: map[string]types.AttributeValue{
				"PK":        &types.AttributeValueMemberS{Value: "default/ENTITY#user-1"},
				"SK":        &types.AttributeValueMemberS{Value: "#META"},
				"parent_id": &types.AttributeValueMemberS{Value: "org-1"},
			},
		})
		Expect(err).ToNot(HaveOccurred())
		_, err = api.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String("t"),
			Item: map[string]types.AttributeValue{
				"PK":        &types.AttributeValueMemberS{Value: "tenant2/ENTITY#user-9"},
				"SK":        &types.AttributeValueMemberS{Value: "#META"},
				"parent_id": &types.AttributeValueMemberS{Value: "org-1"},
			},
		})
		Expect(err).ToNot(HaveOccurred())

		resp, err := api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String("t"),
			KeyConditionExpression: aws.String("parent_id = :p"),
			FilterExpression:       aws.String("SK = :meta AND begins_with(PK, :ns)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":p":    &types.AttributeValueMemberS{Value: "org-1"},
				":meta": &types.AttributeValueMemberS{Value: "#META"},
				":ns":   &types.AttributeValueMemberS{Value: "default/ENTITY#"},
			},
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(resp.Items).To(HaveLen(1))
		Expect(resp.Items[0]["PK"]).To(Equal(&types.AttributeValueMemberS{Value: "default/ENTITY#user-1"}))
	})

	It("should cancel a whole transaction when any condition fails", func() {
		_, err := api.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String("t"), Item: key("exists", "s")})
		Expect(err).ToNot(HaveOccurred())

		_, err = api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{TableName: aws.String("t"), Item: key("fresh", "s")}},
			{Put: &types.Put{
				TableName:           aws.String("t"),
				Item:                key("exists", "s"),
				ConditionExpression: aws.String("attribute_not_exists(PK)"),
			}},
		}})
		Expect(errors.IsConditionalCheckFailed(err)).To(BeTrue())
		// Nothing applied, including the unconditional item.
		Expect(api.StoredItem("fresh", "s")).To(BeNil())
	})

	It("should inject errors per operation", func() {
		api.InjectError("GetItem", &types.ProvisionedThroughputExceededException{})
		_, err := api.GetItem(ctx, &dynamodb.GetItemInput{TableName: aws.String("t"), Key: key("p", "s")})
		Expect(errors.IsThrottled(err)).To(BeTrue())
		_, err = api.GetItem(ctx, &dynamodb.GetItemInput{TableName: aws.String("t"), Key: key("p", "s")})
		Expect(err).ToNot(HaveOccurred())
		Expect(api.Calls["GetItem"]).To(Equal(2))
	})
})
