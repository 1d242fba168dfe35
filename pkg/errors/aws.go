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

package errors

import (
	"errors"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/samber/lo"
)

const conditionalCheckFailedCode = "ConditionalCheckFailed"

// This is not an exhaustive list, add to it as needed
var throttledErrorCodes = map[string]struct{}{
	"ProvisionedThroughputExceededException": {},
	"ThrottlingException":                    {},
	"RequestLimitExceeded":                   {},
	"LimitExceededException":                 {},
}

var transientErrorCodes = map[string]struct{}{
	"InternalServerError":            {},
	"ServiceUnavailable":             {},
	"RequestTimeout":                 {},
	"TransactionInProgressException": {},
}

// IsConditionalCheckFailed returns true if the store rejected a write
// because its condition expression evaluated false, including the
// transactional form where any item's condition failed.
func IsConditionalCheckFailed(err error) bool {
	if err == nil {
		return false
	}
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var canceled *types.TransactionCanceledException
	if errors.As(err, &canceled) {
		return lo.ContainsBy(canceled.CancellationReasons, func(r types.CancellationReason) bool {
			return lo.FromPtr(r.Code) == conditionalCheckFailedCode
		})
	}
	return false
}

// IsTransactionCanceled returns true for any multi-item transaction
// cancellation, whatever the per-item reasons.
func IsTransactionCanceled(err error) bool {
	var canceled *types.TransactionCanceledException
	return errors.As(err, &canceled)
}

// IsThrottled returns true if the store is shedding load; these are
// retryable with backoff and count against the attempt budget.
func IsThrottled(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		_, ok := throttledErrorCodes[apiErr.ErrorCode()]
		return ok
	}
	return false
}

// IsRetryable returns true for transient store errors worth another
// attempt: throttling, server faults, and transaction conflicts that are
// not condition failures.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsConditionalCheckFailed(err) {
		return false
	}
	if IsThrottled(err) {
		return true
	}
	var conflict *types.TransactionConflictException
	if errors.As(err, &conflict) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if _, ok := transientErrorCodes[apiErr.ErrorCode()]; ok {
			return true
		}
		return apiErr.ErrorFault() == smithy.FaultServer
	}
	return false
}

// IsItemNotFound returns true when a read came back empty rather than
// failing; helper for call sites that treat both uniformly.
func IsItemNotFound(err error) bool {
	var rnf *types.ResourceNotFoundException
	return errors.As(err, &rnf)
}
