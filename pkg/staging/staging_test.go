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

package staging_test

import (
	"context"
	"io"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/datagate-io/datagate/pkg/errors"
	"github.com/datagate-io/datagate/pkg/staging"
)

var (
	ctx       context.Context
	fakeClock *clocktesting.FakeClock
	memory    *staging.Memory
)

var _ = Describe("Keys", func() {
	It("should append a mime-derived extension", func() {
		Expect(staging.ObjectKey("abc", "application/json")).To(Equal("abc.json"))
		Expect(staging.ObjectKey("abc", "text/csv; charset=utf-8")).To(Equal("abc.csv"))
	})
	It("should leave unknown types without a suffix", func() {
		Expect(staging.ObjectKey("abc", "application/x-mystery")).To(Equal("abc"))
	})
	It("should round-trip the request id and content type", func() {
		key := staging.ObjectKey("abc", "application/x-grib")
		Expect(staging.RequestIDFromKey(key)).To(Equal("abc"))
		Expect(staging.ContentTypeFromKey(key)).To(Equal("application/x-grib"))
	})
	It("should default unknown extensions to octet-stream", func() {
		Expect(staging.ContentTypeFromKey("abc")).To(Equal("application/octet-stream"))
		Expect(staging.ContentTypeFromKey("abc.weird")).To(Equal("application/octet-stream"))
	})
})

var _ = Describe("Memory", func() {
	BeforeEach(func() {
		ctx = context.Background()
		fakeClock = clocktesting.NewFakeClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
		memory = staging.NewMemory(fakeClock, "")
	})

	It("should create and open objects by request id", func() {
		url, size, err := memory.Create(ctx, "abc", strings.NewReader("staged data"), "text/plain")
		Expect(err).ToNot(HaveOccurred())
		Expect(url).To(Equal("/api/v1/downloads/abc"))
		Expect(size).To(Equal(int64(11)))

		stream, object, err := memory.Open(ctx, "abc")
		Expect(err).ToNot(HaveOccurred())
		defer stream.Close()
		raw, err := io.ReadAll(stream)
		Expect(err).ToNot(HaveOccurred())
		Expect(string(raw)).To(Equal("staged data"))
		Expect(object.Size).To(Equal(int64(11)))
		Expect(object.ContentType).To(Equal("text/plain"))
		Expect(object.LastModified).To(Equal(fakeClock.Now()))
	})
	It("should fail to open what was never staged", func() {
		_, _, err := memory.Open(ctx, "nope")
		Expect(errors.IsNotFound(err)).To(BeTrue())
	})
	It("should delete objects by request id", func() {
		_, _, err := memory.Create(ctx, "abc", strings.NewReader("x"), "text/plain")
		Expect(err).ToNot(HaveOccurred())
		Expect(memory.Delete(ctx, "abc")).To(Succeed())
		Expect(errors.IsNotFound(memory.Delete(ctx, "abc"))).To(BeTrue())
	})
	It("should list every staged object", func() {
		_, _, err := memory.Create(ctx, "a", strings.NewReader("xx"), "text/plain")
		Expect(err).ToNot(HaveOccurred())
		_, _, err = memory.Create(ctx, "b", strings.NewReader("yyy"), "application/json")
		Expect(err).ToNot(HaveOccurred())

		objects, err := memory.List(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(objects).To(HaveLen(2))
		Expect(staging.TotalSize(objects)).To(Equal(int64(5)))
	})
})
