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

// Package errors defines the caller-visible error kinds of the limiter and
// the classification of raw store errors into retryable, conditional, and
// fatal. Kinds are a tagged enum, not a type tree: callers branch on Kind.
package errors

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/zeroae/zae-limiter/pkg/apis/limits"
)

type Kind string

const (
	KindRateLimitExceeded      Kind = "RateLimitExceeded"
	KindRateLimiterUnavailable Kind = "RateLimiterUnavailable"
	KindEntityNotFound         Kind = "EntityNotFound"
	KindEntityExists           Kind = "EntityExists"
	KindValidation             Kind = "ValidationError"
	KindVersionMismatch        Kind = "VersionMismatch"
	KindConfigMissing          Kind = "ConfigMissing"
)

// Error is the single caller-visible error shape.
type Error struct {
	Kind    Kind
	Message string
	Err     error

	// RetryAfter and Violations are populated for KindRateLimitExceeded.
	RetryAfter time.Duration
	Violations []limits.Violation
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s, %s", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// RetryAfterHeader renders the Retry-After header value: whole seconds,
// rounded up so clients never retry early.
func (e *Error) RetryAfterHeader() string {
	return strconv.FormatInt(int64(math.Ceil(e.RetryAfter.Seconds())), 10)
}

func RateLimitExceeded(retryAfter time.Duration, violations []limits.Violation) *Error {
	return &Error{
		Kind:       KindRateLimitExceeded,
		Message:    fmt.Sprintf("%d limit(s) exceeded", len(violations)),
		RetryAfter: retryAfter,
		Violations: violations,
	}
}

func RateLimiterUnavailable(cause error) *Error {
	return &Error{Kind: KindRateLimiterUnavailable, Message: "store unavailable", Err: cause}
}

func EntityNotFound(id string) *Error {
	return &Error{Kind: KindEntityNotFound, Message: fmt.Sprintf("entity %q not found", id)}
}

func EntityExists(id string) *Error {
	return &Error{Kind: KindEntityExists, Message: fmt.Sprintf("entity %q already exists", id)}
}

func Validation(cause error) *Error {
	return &Error{Kind: KindValidation, Message: "invalid input", Err: cause}
}

func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func VersionMismatch(format string, args ...any) *Error {
	return &Error{Kind: KindVersionMismatch, Message: fmt.Sprintf(format, args...)}
}

func ConfigMissing(entityID, resource string) *Error {
	return &Error{Kind: KindConfigMissing, Message: fmt.Sprintf("no limits resolvable for entity %q resource %q and no override supplied", entityID, resource)}
}

// IsKind reports whether err is (or wraps) a limiter error of the given
// kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// AsError unwraps err to a limiter *Error when possible.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

func IsRateLimitExceeded(err error) bool      { return IsKind(err, KindRateLimitExceeded) }
func IsRateLimiterUnavailable(err error) bool { return IsKind(err, KindRateLimiterUnavailable) }
func IsEntityNotFound(err error) bool         { return IsKind(err, KindEntityNotFound) }
func IsEntityExists(err error) bool           { return IsKind(err, KindEntityExists) }
func IsValidation(err error) bool             { return IsKind(err, KindValidation) }
func IsVersionMismatch(err error) bool        { return IsKind(err, KindVersionMismatch) }
func IsConfigMissing(err error) bool          { return IsKind(err, KindConfigMissing) }
