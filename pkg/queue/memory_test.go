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

package queue_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/datagate-io/datagate/pkg/queue"
)

var (
	ctx       context.Context
	fakeClock *clocktesting.FakeClock
	memory    *queue.Memory
)

func message(id string) *queue.Message {
	return &queue.Message{RequestID: id, Collection: "observations", EnqueuedAt: fakeClock.Now().Unix()}
}

var _ = Describe("Memory", func() {
	BeforeEach(func() {
		ctx = context.Background()
		fakeClock = clocktesting.NewFakeClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
		memory = queue.NewMemory(fakeClock, 30*time.Second)
	})

	It("should deliver messages in order", func() {
		Expect(memory.Enqueue(ctx, message("first"))).To(Succeed())
		Expect(memory.Enqueue(ctx, message("second"))).To(Succeed())

		m, err := memory.Dequeue(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(m.RequestID).To(Equal("first"))
		m, err = memory.Dequeue(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(m.RequestID).To(Equal("second"))
	})
	It("should return nothing when empty", func() {
		m, err := memory.Dequeue(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(m).To(BeNil())
	})
	It("should count ready and in-flight messages", func() {
		Expect(memory.Enqueue(ctx, message("a"))).To(Succeed())
		Expect(memory.Enqueue(ctx, message("b"))).To(Succeed())
		_, err := memory.Dequeue(ctx)
		Expect(err).ToNot(HaveOccurred())

		count, err := memory.Count(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(count).To(Equal(2))
	})
	It("should not redeliver acknowledged messages", func() {
		Expect(memory.Enqueue(ctx, message("a"))).To(Succeed())
		m, err := memory.Dequeue(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(memory.Ack(ctx, m)).To(Succeed())

		fakeClock.Step(time.Minute)
		next, err := memory.Dequeue(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(next).To(BeNil())
		count, err := memory.Count(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(count).To(Equal(0))
	})
	It("should return rejected messages to the head", func() {
		Expect(memory.Enqueue(ctx, message("a"))).To(Succeed())
		Expect(memory.Enqueue(ctx, message("b"))).To(Succeed())
		m, err := memory.Dequeue(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(memory.Nack(ctx, m)).To(Succeed())

		next, err := memory.Dequeue(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(next.RequestID).To(Equal("a"))
	})
	It("should redeliver messages whose visibility deadline passed", func() {
		Expect(memory.Enqueue(ctx, message("a"))).To(Succeed())
		_, err := memory.Dequeue(ctx)
		Expect(err).ToNot(HaveOccurred())

		// still within the visibility window
		next, err := memory.Dequeue(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(next).To(BeNil())

		fakeClock.Step(time.Minute)
		next, err = memory.Dequeue(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(next.RequestID).To(Equal("a"))
	})
	It("should round-trip the wire envelope", func() {
		m := message("a")
		raw, err := m.Marshal()
		Expect(err).ToNot(HaveOccurred())
		decoded, err := queue.UnmarshalMessage(raw)
		Expect(err).ToNot(HaveOccurred())
		Expect(decoded.RequestID).To(Equal("a"))
		Expect(decoded.Collection).To(Equal("observations"))
		Expect(decoded.Receipt()).To(BeNil())
	})
})
