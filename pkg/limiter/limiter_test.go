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

package limiter_test

import (
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zeroae/zae-limiter/pkg/apis/limits"
	"github.com/zeroae/zae-limiter/pkg/errors"
	"github.com/zeroae/zae-limiter/pkg/limiter"
	"github.com/zeroae/zae-limiter/pkg/repository"
)

var _ = Describe("Acquire", func() {
	It("should allow up to capacity and reject the next request with a wait", func() {
		for i := 0; i < 100; i++ {
			lease, err := lim.Acquire(ctx, "user-1", "api", map[string]float64{"rpm": 1})
			Expect(err).ToNot(HaveOccurred())
			Expect(lease.Commit(ctx)).To(Succeed())
		}

		_, err := lim.Acquire(ctx, "user-1", "api", map[string]float64{"rpm": 1})
		Expect(errors.IsRateLimitExceeded(err)).To(BeTrue())
		e, _ := errors.AsError(err)
		// One token at 100 per minute refills in 600ms.
		Expect(e.RetryAfter).To(Equal(600 * time.Millisecond))
		Expect(e.Violations).To(HaveLen(1))
		Expect(e.Violations[0].Limit).To(Equal("rpm"))
	})

	It("should admit again once refill accrues", func() {
		_, err := lim.Acquire(ctx, "user-1", "api", map[string]float64{"rpm": 100})
		Expect(err).ToNot(HaveOccurred())
		_, err = lim.Acquire(ctx, "user-1", "api", map[string]float64{"rpm": 1})
		Expect(errors.IsRateLimitExceeded(err)).To(BeTrue())

		now = now.Add(30 * time.Second)
		lease, err := lim.Acquire(ctx, "user-1", "api", map[string]float64{"rpm": 50})
		Expect(err).ToNot(HaveOccurred())
		Expect(lease.Commit(ctx)).To(Succeed())

		_, err = lim.Acquire(ctx, "user-1", "api", map[string]float64{"rpm": 1})
		Expect(errors.IsRateLimitExceeded(err)).To(BeTrue())
	})

	It("should support fractional token amounts", func() {
		lease, err := lim.Acquire(ctx, "user-1", "api", map[string]float64{"rpm": 0.5})
		Expect(err).ToNot(HaveOccurred())
		Expect(lease.Consumed()).To(Equal(map[string]float64{"rpm": 0.5}))

		peeked, err := lim.Peek(ctx, "user-1", "api")
		Expect(err).ToNot(HaveOccurred())
		Expect(peeked["rpm"]).To(Equal(99.5))
	})

	It("should yield an open lease without touching buckets for a zero consume", func() {
		lease, err := lim.Acquire(ctx, "user-1", "api", map[string]float64{"rpm": 0})
		Expect(err).ToNot(HaveOccurred())
		Expect(lease.State()).To(Equal(limiter.LeaseOpen))
		Expect(api.Calls["PutItem"]).To(Equal(0))
		Expect(api.Calls["UpdateItem"]).To(Equal(0))
	})

	It("should reject malformed input before any store access", func() {
		_, err := lim.Acquire(ctx, "bad#id", "api", map[string]float64{"rpm": 1})
		Expect(errors.IsValidation(err)).To(BeTrue())
		_, err = lim.Acquire(ctx, "user-1", "bad resource", map[string]float64{"rpm": 1})
		Expect(errors.IsValidation(err)).To(BeTrue())
		_, err = lim.Acquire(ctx, "user-1", "api", map[string]float64{"rpm": -1})
		Expect(errors.IsValidation(err)).To(BeTrue())
		Expect(api.Calls["BatchGetItem"]).To(Equal(0))
	})

	It("should reject consumption of a limit the config does not define", func() {
		_, err := lim.Acquire(ctx, "user-1", "api", map[string]float64{"tpm": 1})
		Expect(errors.IsValidation(err)).To(BeTrue())
	})

	It("should fail with ConfigMissing when nothing resolves and no defaults exist", func() {
		bare, err := limiter.New(ctx, repo, limiter.WithClock(clock))
		Expect(err).ToNot(HaveOccurred())
		_, err = bare.Acquire(ctx, "user-1", "api", map[string]float64{"rpm": 1})
		Expect(errors.IsConfigMissing(err)).To(BeTrue())
	})

	It("should honor a per-call override ahead of stored config", func() {
		bare, err := limiter.New(ctx, repo, limiter.WithClock(clock))
		Expect(err).ToNot(HaveOccurred())
		lease, err := bare.Acquire(ctx, "user-1", "api", map[string]float64{"burst": 1},
			limiter.WithLimits(limits.LimitSet{"burst": {Capacity: 2, RefillAmount: 2, RefillPeriod: time.Minute}}))
		Expect(err).ToNot(HaveOccurred())
		Expect(lease.Commit(ctx)).To(Succeed())

		_, err = bare.Acquire(ctx, "user-1", "api", map[string]float64{"burst": 2},
			limiter.WithLimits(limits.LimitSet{"burst": {Capacity: 2, RefillAmount: 2, RefillPeriod: time.Minute}}))
		Expect(errors.IsRateLimitExceeded(err)).To(BeTrue())
	})

	It("should consume once under a write conflict by falling back to the retry path", func() {
		lease, err := lim.Acquire(ctx, "user-1", "api", map[string]float64{"rpm": 1})
		Expect(err).ToNot(HaveOccurred())
		Expect(lease.Commit(ctx)).To(Succeed())

		api.InjectError("UpdateItem", &types.ConditionalCheckFailedException{})
		lease, err = lim.Acquire(ctx, "user-1", "api", map[string]float64{"rpm": 1})
		Expect(err).ToNot(HaveOccurred())
		Expect(lease.Commit(ctx)).To(Succeed())

		peeked, err := lim.Peek(ctx, "user-1", "api")
		Expect(err).ToNot(HaveOccurred())
		// Exactly two tokens consumed across both acquires.
		Expect(peeked["rpm"]).To(Equal(98.0))
	})

	It("should concede unavailability when the retry path loses with tokens still in budget", func() {
		lease, err := lim.Acquire(ctx, "user-1", "api", map[string]float64{"rpm": 1})
		Expect(err).ToNot(HaveOccurred())
		Expect(lease.Commit(ctx)).To(Succeed())

		// Both the baseline-locked write and the consumption-only retry
		// lose their races, but the re-read still shows tokens available;
		// a denial here would carry no violations and a zero wait.
		api.InjectError("UpdateItem", &types.ConditionalCheckFailedException{})
		api.InjectError("UpdateItem", &types.ConditionalCheckFailedException{})
		_, err = lim.Acquire(ctx, "user-1", "api", map[string]float64{"rpm": 1})
		Expect(errors.IsRateLimitExceeded(err)).To(BeFalse())
		Expect(errors.IsRateLimiterUnavailable(err)).To(BeTrue())
	})
})

var _ = Describe("Cascade", func() {
	BeforeEach(func() {
		Expect(repo.CreateEntity(ctx, ns, limits.Entity{ID: "org-1"}, "ops")).To(Succeed())
		Expect(repo.CreateEntity(ctx, ns, limits.Entity{ID: "user-1", ParentID: "org-1", Cascade: true}, "ops")).To(Succeed())
		Expect(repo.CreateEntity(ctx, ns, limits.Entity{ID: "user-2", ParentID: "org-1"}, "ops")).To(Succeed())
	})

	It("should consume from child and parent in one transaction", func() {
		lease, err := lim.Acquire(ctx, "user-1", "api", map[string]float64{"rpm": 10})
		Expect(err).ToNot(HaveOccurred())
		Expect(lease.Commit(ctx)).To(Succeed())

		child, err := lim.Peek(ctx, "user-1", "api")
		Expect(err).ToNot(HaveOccurred())
		Expect(child["rpm"]).To(Equal(90.0))
		parent, err := lim.Peek(ctx, "org-1", "api")
		Expect(err).ToNot(HaveOccurred())
		Expect(parent["rpm"]).To(Equal(90.0))
	})

	It("should not touch the parent without the cascade flag", func() {
		lease, err := lim.Acquire(ctx, "user-2", "api", map[string]float64{"rpm": 10})
		Expect(err).ToNot(HaveOccurred())
		Expect(lease.Commit(ctx)).To(Succeed())

		parent, err := lim.Peek(ctx, "org-1", "api")
		Expect(err).ToNot(HaveOccurred())
		Expect(parent["rpm"]).To(Equal(100.0))
	})

	It("should block the child when the parent is exhausted", func() {
		lease, err := lim.Acquire(ctx, "org-1", "api", map[string]float64{"rpm": 100})
		Expect(err).ToNot(HaveOccurred())
		Expect(lease.Commit(ctx)).To(Succeed())

		_, err = lim.Acquire(ctx, "user-1", "api", map[string]float64{"rpm": 1})
		Expect(errors.IsRateLimitExceeded(err)).To(BeTrue())
	})
})

var _ = Describe("Unavailability", func() {
	prime := func() {
		lease, err := lim.Acquire(ctx, "user-1", "api", map[string]float64{"rpm": 1})
		Expect(err).ToNot(HaveOccurred())
		Expect(lease.Commit(ctx)).To(Succeed())
	}

	It("should fail closed by default", func() {
		prime()
		api.InjectError("BatchGetItem", fmt.Errorf("connection refused"))
		_, err := lim.Acquire(ctx, "user-1", "api", map[string]float64{"rpm": 1})
		Expect(errors.IsRateLimiterUnavailable(err)).To(BeTrue())
	})

	It("should fail open with a degraded lease under the allow policy", func() {
		Expect(repo.PutSystemConfig(ctx, ns, limits.LimitSet{"rpm": limits.RatePerMinute(100)}, limits.OnUnavailableAllow, "ops")).To(Succeed())
		prime()

		api.InjectError("BatchGetItem", fmt.Errorf("connection refused"))
		lease, err := lim.Acquire(ctx, "user-1", "api", map[string]float64{"rpm": 5})
		Expect(err).ToNot(HaveOccurred())
		Expect(lease.Degraded()).To(BeTrue())

		// A degraded lease never writes.
		updates := api.Calls["UpdateItem"]
		Expect(lease.Commit(ctx)).To(Succeed())
		Expect(api.Calls["UpdateItem"]).To(Equal(updates))
	})

	It("should surface a version mismatch at construction", func() {
		Expect(repo.PutVersion(ctx, ns, repository.Version{SchemaVersion: "9"})).To(Succeed())
		_, err := limiter.New(ctx, repo, limiter.WithClock(clock))
		Expect(errors.IsVersionMismatch(err)).To(BeTrue())
	})
})
