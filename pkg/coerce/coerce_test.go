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

package coerce_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/datagate-io/datagate/pkg/api"
	"github.com/datagate-io/datagate/pkg/coerce"
)

var (
	fakeClock *clocktesting.FakeClock
	coercer   *coerce.Coercer
)

var _ = Describe("Coercer", func() {
	BeforeEach(func() {
		// 2024-06-01 12:00 UTC
		fakeClock = clocktesting.NewFakeClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
		coercer = coerce.New(fakeClock, coerce.Options{})
	})

	Describe("dates", func() {
		It("should resolve relative day offsets against the clock", func() {
			Expect(coercer.Value("date", 0)).To(Equal("20240601"))
			Expect(coercer.Value("date", -1)).To(Equal("20240531"))
			Expect(coercer.Value("date", "-7")).To(Equal("20240525"))
		})
		It("should validate absolute dates", func() {
			Expect(coercer.Value("date", 20240115)).To(Equal("20240115"))
			Expect(coercer.Value("date", "20240115")).To(Equal("20240115"))
		})
		It("should reformat ISO dates", func() {
			Expect(coercer.Value("date", "2024-01-15")).To(Equal("20240115"))
		})
		It("should reject positive integers that are not dates", func() {
			_, err := coercer.Value("date", 42)
			Expect(err).To(HaveOccurred())
		})
		It("should reject malformed dates", func() {
			_, err := coercer.Value("date", "20241315")
			Expect(err).To(HaveOccurred())
		})
		It("should coerce range endpoints and keep the step", func() {
			Expect(coercer.Value("date", "2024-01-01/to/2024-01-10/by/2")).To(Equal("20240101/to/20240110/by/2"))
		})
		It("should reject negative range steps", func() {
			_, err := coercer.Value("date", "20240101/to/20240110/by/-1")
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("times", func() {
		It("should zero-pad hours", func() {
			Expect(coercer.Value("time", 0)).To(Equal("0000"))
			Expect(coercer.Value("time", 6)).To(Equal("0600"))
			Expect(coercer.Value("time", "12")).To(Equal("1200"))
			Expect(coercer.Value("time", "1800")).To(Equal("1800"))
			Expect(coercer.Value("time", "06:00")).To(Equal("0600"))
		})
		It("should reject hours out of range", func() {
			_, err := coercer.Value("time", 24)
			Expect(err).To(HaveOccurred())
			_, err = coercer.Value("time", "2401")
			Expect(err).To(HaveOccurred())
		})
		It("should reject non-zero minutes", func() {
			_, err := coercer.Value("time", "12:30")
			Expect(err).To(HaveOccurred())
			_, err = coercer.Value("time", "1230")
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("steps", func() {
		It("should accept non-negative integers", func() {
			Expect(coercer.Value("step", 0)).To(Equal("0"))
			Expect(coercer.Value("step", 12)).To(Equal("12"))
		})
		It("should accept suffixed durations", func() {
			Expect(coercer.Value("step", "1h")).To(Equal("1h"))
			Expect(coercer.Value("step", "1h30m")).To(Equal("1h30m"))
			Expect(coercer.Value("step", "2d")).To(Equal("2d"))
		})
		It("should accept ranges of either form", func() {
			Expect(coercer.Value("step", "0-12")).To(Equal("0-12"))
			Expect(coercer.Value("step", "1h-6h")).To(Equal("1h-6h"))
		})
		It("should reject negative steps", func() {
			_, err := coercer.Value("step", -3)
			Expect(err).To(HaveOccurred())
		})
		It("should reject garbage", func() {
			_, err := coercer.Value("step", "soon")
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("numbers", func() {
		It("should accept positive integers", func() {
			Expect(coercer.Value("number", 3)).To(Equal("3"))
			Expect(coercer.Value("number", "7")).To(Equal("7"))
		})
		It("should reject zero by default", func() {
			_, err := coercer.Value("number", 0)
			Expect(err).To(HaveOccurred())
		})
		It("should accept zero when configured", func() {
			permissive := coerce.New(fakeClock, coerce.Options{AllowZeroNumber: true})
			Expect(permissive.Value("number", 0)).To(Equal("0"))
		})
		It("should reject negatives", func() {
			_, err := coercer.Value("number", -1)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("expver", func() {
		It("should zero-pad numeric versions", func() {
			Expect(coercer.Value("expver", 1)).To(Equal("0001"))
			Expect(coercer.Value("expver", "12")).To(Equal("0012"))
			Expect(coercer.Value("expver", 9999)).To(Equal("9999"))
		})
		It("should pass 4-character strings verbatim", func() {
			Expect(coercer.Value("expver", "abcd")).To(Equal("abcd"))
		})
		It("should reject versions out of range", func() {
			_, err := coercer.Value("expver", 10000)
			Expect(err).To(HaveOccurred())
		})
		It("should reject strings that are not 4 characters", func() {
			_, err := coercer.Value("expver", "abcde")
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("params and case folding", func() {
		It("should stringify params losslessly", func() {
			Expect(coercer.Value("param", 130)).To(Equal("130"))
			Expect(coercer.Value("param", "temperature")).To(Equal("temperature"))
		})
		It("should lowercase model, experiment and activity", func() {
			Expect(coercer.Value("model", "IFS")).To(Equal("ifs"))
			Expect(coercer.Value("experiment", "Hist")).To(Equal("hist"))
			Expect(coercer.Value("activity", "CMIP6")).To(Equal("cmip6"))
		})
	})

	Describe("lists", func() {
		It("should coerce slash-separated strings element-wise", func() {
			Expect(coercer.Value("time", "0/6/12")).To(Equal("0000/0600/1200"))
		})
		It("should coerce native arrays element-wise", func() {
			Expect(coercer.Value("time", []interface{}{0, 6, 12})).To(Equal("0000/0600/1200"))
		})
		It("should reject duplicates after coercion", func() {
			_, err := coercer.Value("time", "6/0600")
			Expect(err).To(HaveOccurred())
		})
		It("should stringify unknown keys", func() {
			Expect(coercer.Value("levtype", "SFC")).To(Equal("SFC"))
			Expect(coercer.Value("levelist", []interface{}{1, 5, 10})).To(Equal("1/5/10"))
		})
	})

	Describe("payloads", func() {
		It("should be idempotent", func() {
			payload := api.Payload{"date": -1, "time": 6, "expver": 1, "param": "t"}
			once, err := coercer.Payload(payload)
			Expect(err).ToNot(HaveOccurred())
			twice, err := coercer.Payload(once)
			Expect(err).ToNot(HaveOccurred())
			Expect(twice).To(Equal(once))
		})
		It("should name the failing key", func() {
			_, err := coercer.Payload(api.Payload{"time": 25})
			Expect(err).To(MatchError(ContainSubstring("time")))
		})
	})
})

var _ = Describe("DatePredicate", func() {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	It("should match dates older than the offset", func() {
		Expect(coerce.CheckDateRule("> 30d", "20240501", now)).To(Succeed())
	})
	It("should reject dates more recent than the offset", func() {
		Expect(coerce.CheckDateRule("> 30d", "20240515", now)).ToNot(Succeed())
	})
	It("should require both range endpoints to pass", func() {
		Expect(coerce.CheckDateRule("> 30d", "20240101/to/20240401", now)).To(Succeed())
		Expect(coerce.CheckDateRule("> 30d", "20240101/to/20240520", now)).ToNot(Succeed())
	})
	It("should require every list element to pass", func() {
		Expect(coerce.CheckDateRule("> 30d", "20240101/20240201", now)).To(Succeed())
		Expect(coerce.CheckDateRule("> 30d", "20240101/20240520", now)).ToNot(Succeed())
	})
	It("should match dates newer than the offset with <", func() {
		Expect(coerce.CheckDateRule("< 30d", "20240515", now)).To(Succeed())
		Expect(coerce.CheckDateRule("< 30d", "20240401", now)).ToNot(Succeed())
	})
	It("should treat rule lists as disjunctive", func() {
		Expect(coerce.CheckDateRule([]interface{}{"> 300d", "< 30d"}, "20240515", now)).To(Succeed())
		Expect(coerce.CheckDateRule([]interface{}{"> 300d", "< 5d"}, "20240401", now)).ToNot(Succeed())
	})
	It("should reject malformed predicates", func() {
		Expect(coerce.CheckDateRule(">= 30d", "20240101", now)).ToNot(Succeed())
		Expect(coerce.CheckDateRule("> 30x", "20240101", now)).ToNot(Succeed())
	})
})
