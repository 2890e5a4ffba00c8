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

package metricstore_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/datagate-io/datagate/pkg/api"
	"github.com/datagate-io/datagate/pkg/metricstore"
	"github.com/datagate-io/datagate/pkg/test"
)

var (
	ctx    context.Context
	memory *metricstore.Memory
)

var _ = Describe("Memory", func() {
	BeforeEach(func() {
		ctx = context.Background()
		memory = metricstore.NewMemory()
	})

	It("should record status transitions per request", func() {
		r := test.Request()
		Expect(memory.Add(ctx, metricstore.NewRecord(r, 1000))).To(Succeed())
		Expect(r.SetStatus(api.StatusQueued)).To(Succeed())
		Expect(memory.Add(ctx, metricstore.NewRecord(r, 1001))).To(Succeed())
		Expect(memory.Add(ctx, metricstore.NewRecord(test.Request(), 1002))).To(Succeed())

		records, err := memory.List(ctx, r.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(records).To(HaveLen(2))
		Expect(records[0].Status).To(Equal(api.StatusWaiting))
		Expect(records[1].Status).To(Equal(api.StatusQueued))
	})
	It("should list everything for an empty id", func() {
		Expect(memory.Add(ctx, metricstore.NewRecord(test.Request(), 1000))).To(Succeed())
		Expect(memory.Add(ctx, metricstore.NewRecord(test.Request(), 1001))).To(Succeed())

		records, err := memory.List(ctx, "")
		Expect(err).ToNot(HaveOccurred())
		Expect(records).To(HaveLen(2))
	})
	It("should prune records strictly before the cutoff", func() {
		Expect(memory.Add(ctx, metricstore.NewRecord(test.Request(), 999))).To(Succeed())
		Expect(memory.Add(ctx, metricstore.NewRecord(test.Request(), 1000))).To(Succeed())
		Expect(memory.Add(ctx, metricstore.NewRecord(test.Request(), 1001))).To(Succeed())

		removed, err := memory.RemoveOld(ctx, 1000)
		Expect(err).ToNot(HaveOccurred())
		Expect(removed).To(Equal(1))
		records, err := memory.List(ctx, "")
		Expect(err).ToNot(HaveOccurred())
		Expect(records).To(HaveLen(2))
	})
	It("should round-trip records through serialization", func() {
		record := metricstore.NewRecord(test.Request(), 1000)
		raw, err := record.Marshal()
		Expect(err).ToNot(HaveOccurred())
		decoded, err := metricstore.UnmarshalRecord(raw)
		Expect(err).ToNot(HaveOccurred())
		Expect(decoded).To(Equal(record))
	})
})
