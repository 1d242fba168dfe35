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

package errors_test

import (
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zeroae/zae-limiter/pkg/apis/limits"
	"github.com/zeroae/zae-limiter/pkg/errors"
)

var _ = Describe("Kinds", func() {
	It("should carry violations and retry-after on exceeded", func() {
		err := errors.RateLimitExceeded(1400*time.Millisecond, []limits.Violation{
			{Limit: "rpm", Requested: 2000, Available: 500, RetryAfter: 900 * time.Millisecond},
		})
		Expect(errors.IsRateLimitExceeded(err)).To(BeTrue())
		Expect(err.Violations).To(HaveLen(1))
		// Header value rounds up so clients never retry early.
		Expect(err.RetryAfterHeader()).To(Equal("2"))
	})
	It("should survive wrapping with fmt.Errorf", func() {
		err := fmt.Errorf("acquiring, %w", errors.EntityNotFound("user-1"))
		Expect(errors.IsEntityNotFound(err)).To(BeTrue())
		Expect(errors.IsEntityExists(err)).To(BeFalse())
		e, ok := errors.AsError(err)
		Expect(ok).To(BeTrue())
		Expect(e.Kind).To(Equal(errors.KindEntityNotFound))
	})
	It("should expose the cause through Unwrap", func() {
		cause := fmt.Errorf("connection refused")
		err := errors.RateLimiterUnavailable(cause)
		Expect(errors.IsRateLimiterUnavailable(err)).To(BeTrue())
		Expect(err.Unwrap()).To(MatchError(cause))
	})
	It("should distinguish kinds", func() {
		Expect(errors.IsValidation(errors.Validationf("bad input"))).To(BeTrue())
		Expect(errors.IsConfigMissing(errors.ConfigMissing("u", "api"))).To(BeTrue())
		Expect(errors.IsVersionMismatch(errors.VersionMismatch("schema %s", "3"))).To(BeTrue())
		Expect(errors.IsValidation(errors.ConfigMissing("u", "api"))).To(BeFalse())
		Expect(errors.IsKind(nil, errors.KindValidation)).To(BeFalse())
	})
})

var _ = Describe("StoreClassification", func() {
	It("should classify a direct conditional failure", func() {
		err := &types.ConditionalCheckFailedException{Message: aws.String("the conditional request failed")}
		Expect(errors.IsConditionalCheckFailed(err)).To(BeTrue())
		Expect(errors.IsRetryable(err)).To(BeFalse())
	})
	It("should find a conditional failure inside a canceled transaction", func() {
		err := &types.TransactionCanceledException{CancellationReasons: []types.CancellationReason{
			{Code: aws.String("None")},
			{Code: aws.String("ConditionalCheckFailed")},
		}}
		Expect(errors.IsConditionalCheckFailed(err)).To(BeTrue())
		Expect(errors.IsTransactionCanceled(err)).To(BeTrue())
		Expect(errors.IsRetryable(err)).To(BeFalse())
	})
	It("should not treat other cancellation reasons as conditional", func() {
		err := &types.TransactionCanceledException{CancellationReasons: []types.CancellationReason{
			{Code: aws.String("TransactionConflict")},
		}}
		Expect(errors.IsConditionalCheckFailed(err)).To(BeFalse())
		Expect(errors.IsTransactionCanceled(err)).To(BeTrue())
	})
	It("should classify throttles as retryable", func() {
		err := &types.ProvisionedThroughputExceededException{Message: aws.String("slow down")}
		Expect(errors.IsThrottled(err)).To(BeTrue())
		Expect(errors.IsRetryable(err)).To(BeTrue())
	})
	It("should classify transaction conflicts as retryable", func() {
		Expect(errors.IsRetryable(&types.TransactionConflictException{})).To(BeTrue())
	})
	It("should survive wrapping", func() {
		err := fmt.Errorf("putting item, %w", &types.ConditionalCheckFailedException{})
		Expect(errors.IsConditionalCheckFailed(err)).To(BeTrue())
	})
	It("should not retry plain errors", func() {
		Expect(errors.IsRetryable(fmt.Errorf("boom"))).To(BeFalse())
		Expect(errors.IsRetryable(nil)).To(BeFalse())
	})
})
