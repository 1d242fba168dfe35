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

package bucket_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zeroae/zae-limiter/pkg/apis/limits"
	"github.com/zeroae/zae-limiter/pkg/bucket"
)

var t0 = time.Unix(1700000000, 0).UTC()

var _ = Describe("Millitokens", func() {
	It("should round-trip whole and fractional token amounts", func() {
		Expect(bucket.Milli(1)).To(Equal(int64(1000)))
		Expect(bucket.Milli(0.25)).To(Equal(int64(250)))
		Expect(bucket.Milli(0.0004)).To(Equal(int64(0)))
		Expect(bucket.Tokens(1500)).To(Equal(1.5))
	})
	It("should convert a consume map", func() {
		Expect(bucket.MilliMap(map[string]float64{"rpm": 2, "tpm": 0.5})).To(Equal(map[string]int64{"rpm": 2000, "tpm": 500}))
	})
})

var _ = Describe("Seed", func() {
	It("should fill every limit to burst with the baseline anchored at creation", func() {
		state := bucket.Seed(limits.LimitSet{
			"rpm": {Capacity: 100, Burst: 150, RefillAmount: 100, RefillPeriod: time.Minute},
		}, t0)
		Expect(state.Limits["rpm"].Tokens).To(Equal(int64(150000)))
		Expect(state.Limits["rpm"].Capacity).To(Equal(int64(100)))
		Expect(state.Limits["rpm"].RefillPeriod).To(Equal(int64(60)))
		Expect(state.RefillBaseline).To(Equal(float64(t0.Unix())))
	})
	It("should default burst to capacity", func() {
		state := bucket.Seed(limits.LimitSet{"rpm": {Capacity: 100, RefillAmount: 100, RefillPeriod: time.Minute}}, t0)
		Expect(state.Limits["rpm"].Tokens).To(Equal(int64(100000)))
	})
})

var _ = Describe("EffectiveTokens", func() {
	ls := bucket.LimitState{Tokens: 0, Capacity: 100, Burst: 100, RefillAmount: 100, RefillPeriod: 60}

	It("should accrue refill continuously between baseline advances", func() {
		Expect(ls.EffectiveTokens(float64(t0.Unix()), t0.Add(30*time.Second))).To(Equal(int64(50000)))
	})
	It("should clamp accrued refill to burst", func() {
		Expect(ls.EffectiveTokens(float64(t0.Unix()), t0.Add(time.Hour))).To(Equal(int64(100000)))
	})
	It("should never accrue for a clock behind the baseline", func() {
		Expect(ls.EffectiveTokens(float64(t0.Unix()), t0.Add(-time.Minute))).To(Equal(int64(0)))
	})
	It("should offset accrual against a negative stored count", func() {
		overdrawn := ls
		overdrawn.Tokens = -50000
		Expect(overdrawn.EffectiveTokens(float64(t0.Unix()), t0.Add(30*time.Second))).To(Equal(int64(0)))
	})
})

var _ = Describe("AdvanceBaseline", func() {
	It("should advance only in whole periods", func() {
		rf, periods := bucket.AdvanceBaseline(float64(t0.Unix()), 60, t0.Add(59*time.Second))
		Expect(periods).To(Equal(int64(0)))
		Expect(rf).To(Equal(float64(t0.Unix())))

		rf, periods = bucket.AdvanceBaseline(float64(t0.Unix()), 60, t0.Add(125*time.Second))
		Expect(periods).To(Equal(int64(2)))
		Expect(rf).To(Equal(float64(t0.Unix() + 120)))
	})
	It("should preserve a fractional baseline across advances", func() {
		rf, periods := bucket.AdvanceBaseline(float64(t0.Unix())+0.5, 60, t0.Add(61*time.Second))
		Expect(periods).To(Equal(int64(1)))
		Expect(rf).To(Equal(float64(t0.Unix()) + 60.5))
	})
})

var _ = Describe("RefillClaim", func() {
	It("should clamp the claim so the stored count never exceeds burst", func() {
		ls := bucket.LimitState{Tokens: 80000, Burst: 100, RefillAmount: 100}
		Expect(ls.RefillClaim(5)).To(Equal(int64(20000)))
	})
	It("should claim the full refill when there is room", func() {
		ls := bucket.LimitState{Tokens: -500000, Burst: 100, RefillAmount: 100}
		Expect(ls.RefillClaim(2)).To(Equal(int64(200000)))
	})
	It("should never claim negatively when already above burst", func() {
		ls := bucket.LimitState{Tokens: 120000, Burst: 100, RefillAmount: 100}
		Expect(ls.RefillClaim(1)).To(Equal(int64(0)))
	})
})

var _ = Describe("Decide", func() {
	newState := func(tokens int64) *bucket.State {
		return &bucket.State{
			RefillBaseline: float64(t0.Unix()),
			Limits: map[string]bucket.LimitState{
				"rpm": {Tokens: tokens, Capacity: 100, Burst: 100, RefillAmount: 100, RefillPeriod: 60},
			},
		}
	}

	It("should allow a consume of exactly the available tokens", func() {
		violations, _ := newState(1000).Decide(map[string]int64{"rpm": 1000}, t0)
		Expect(violations).To(BeEmpty())
	})
	It("should reject one millitoken over and report the wait for the deficit", func() {
		violations, retryAfter := newState(1000).Decide(map[string]int64{"rpm": 1001}, t0)
		Expect(violations).To(HaveLen(1))
		Expect(violations[0].Limit).To(Equal("rpm"))
		Expect(violations[0].Available).To(Equal(int64(1000)))
		// 1 millitoken at 100 tokens per minute is 600 microseconds.
		Expect(retryAfter).To(Equal(600 * time.Microsecond))
	})
	It("should report 600ms to refill one whole token", func() {
		violations, retryAfter := newState(0).Decide(map[string]int64{"rpm": 1000}, t0)
		Expect(violations).To(HaveLen(1))
		Expect(retryAfter).To(Equal(600 * time.Millisecond))
	})
	It("should ignore consume entries for unknown limits", func() {
		violations, _ := newState(1000).Decide(map[string]int64{"other": 5000}, t0)
		Expect(violations).To(BeEmpty())
	})
	It("should report the worst wait across multiple failing limits", func() {
		state := &bucket.State{
			RefillBaseline: float64(t0.Unix()),
			Limits: map[string]bucket.LimitState{
				"rpm": {Tokens: 0, Capacity: 100, Burst: 100, RefillAmount: 100, RefillPeriod: 60},
				"tpm": {Tokens: 0, Capacity: 1000, Burst: 1000, RefillAmount: 1000, RefillPeriod: 3600},
			},
		}
		violations, retryAfter := state.Decide(map[string]int64{"rpm": 1000, "tpm": 1000}, t0)
		Expect(violations).To(HaveLen(2))
		// tpm refills 1000 tokens per hour, so one token takes 3.6s.
		Expect(retryAfter).To(Equal(3600 * time.Millisecond))
	})
})

var _ = Describe("Peek", func() {
	It("should report effective floating tokens without mutating state", func() {
		state := bucket.Seed(limits.LimitSet{"rpm": limits.RatePerMinute(100)}, t0)
		state.Limits["rpm"] = bucket.LimitState{Tokens: 0, Capacity: 100, Burst: 100, RefillAmount: 100, RefillPeriod: 60}
		Expect(state.Peek(t0.Add(30 * time.Second))).To(Equal(map[string]float64{"rpm": 50}))
	})
})

var _ = Describe("ExpiresAt", func() {
	It("should scale the slowest full-refill time by the multiplier", func() {
		set := limits.LimitSet{
			"rpm": {Capacity: 100, RefillAmount: 100, RefillPeriod: time.Minute},
			"tpm": {Capacity: 1000, RefillAmount: 100, RefillPeriod: time.Minute},
		}
		// tpm takes 600s to refill in full; 600 * 7 = 4200.
		Expect(bucket.ExpiresAt(set, t0, bucket.DefaultTTLMultiplier)).To(Equal(t0.Unix() + 4200))
	})
	It("should return zero for an empty set", func() {
		Expect(bucket.ExpiresAt(limits.LimitSet{}, t0, bucket.DefaultTTLMultiplier)).To(Equal(int64(0)))
	})
})
