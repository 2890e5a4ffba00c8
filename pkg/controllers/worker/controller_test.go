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

package worker_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"k8s.io/utils/clock"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/datagate-io/datagate/pkg/api"
	"github.com/datagate-io/datagate/pkg/collection"
	"github.com/datagate-io/datagate/pkg/config"
	"github.com/datagate-io/datagate/pkg/controllers/worker"
	"github.com/datagate-io/datagate/pkg/datasource"
	"github.com/datagate-io/datagate/pkg/errors"
	"github.com/datagate-io/datagate/pkg/lifecycle"
	"github.com/datagate-io/datagate/pkg/metricstore"
	"github.com/datagate-io/datagate/pkg/queue"
	"github.com/datagate-io/datagate/pkg/staging"
	"github.com/datagate-io/datagate/pkg/store"
	"github.com/datagate-io/datagate/pkg/test"
	_ "github.com/datagate-io/datagate/pkg/datasource/echo"
)

// blockingSource parks every dispatch until released, standing in for a slow
// remote data source
type blockingSource struct {
	datasource.Base
	started chan struct{}
	release chan struct{}
}

var blocking *blockingSource

func init() {
	datasource.Register("blocking", func(_ context.Context, cfg config.DataSource, clk clock.Clock) (datasource.Interface, error) {
		blocking = &blockingSource{
			Base:    datasource.NewBase(cfg, clk),
			started: make(chan struct{}, 1),
			release: make(chan struct{}),
		}
		return blocking, nil
	})
}

func (b *blockingSource) Dispatch(_ context.Context, _ *api.Request, _ []byte) error {
	b.started <- struct{}{}
	<-b.release
	return nil
}

func (b *blockingSource) Result(_ context.Context, _ *api.Request) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (b *blockingSource) MimeType() string { return "application/octet-stream" }

func (b *blockingSource) Destroy(_ context.Context, _ *api.Request) {}

// flakyStore fails a number of terminal-status updates, standing in for a
// request store that drops out mid-settlement
type flakyStore struct {
	*store.Memory
	failures int
}

func (s *flakyStore) Update(ctx context.Context, r *api.Request) error {
	if s.failures > 0 && r.Status.Terminal() {
		s.failures--
		return errors.ServiceUnavailable("request store is unavailable")
	}
	return s.Memory.Update(ctx, r)
}

var (
	ctx        context.Context
	fakeClock  *clocktesting.FakeClock
	requests   *store.Memory
	messages   *queue.Memory
	staged     *staging.Memory
	controller *worker.Controller
)

func newController(collections map[string]config.Collection) *worker.Controller {
	catalog, err := collection.NewCatalog(ctx, collections, fakeClock)
	Expect(err).ToNot(HaveOccurred())
	tracker := lifecycle.NewTracker(requests, metricstore.NewMemory())
	return worker.NewController(requests, messages, staged, catalog, tracker, config.Worker{
		PollInterval: 10 * time.Millisecond,
	}, fakeClock)
}

// deliver stores the request as queued and puts its message on the queue
func deliver(r *api.Request) {
	r.Status = api.StatusQueued
	Expect(requests.Add(ctx, r)).To(Succeed())
	Expect(messages.Enqueue(ctx, &queue.Message{RequestID: r.ID, Collection: r.Collection, EnqueuedAt: fakeClock.Now().Unix()})).To(Succeed())
}

// reconcileUntil ticks the controller until the request settles in the
// expected status
func reconcileUntil(id string, status api.Status) *api.Request {
	var settled *api.Request
	Eventually(func(g Gomega) {
		g.Expect(controller.Reconcile(ctx)).To(Succeed())
		r, err := requests.Get(ctx, id)
		g.Expect(err).ToNot(HaveOccurred())
		g.Expect(r).ToNot(BeNil())
		g.Expect(r.Status).To(Equal(status))
		settled = r
	}).Should(Succeed())
	return settled
}

var _ = Describe("Reconcile", func() {
	BeforeEach(func() {
		ctx = context.Background()
		fakeClock = clocktesting.NewFakeClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
		requests = store.NewMemory(fakeClock)
		messages = queue.NewMemory(fakeClock, time.Minute)
		staged = staging.NewMemory(fakeClock, "")
		controller = newController(map[string]config.Collection{
			"observations": test.Collection(config.Limits{}),
		})
	})

	It("should process a retrieve end to end", func() {
		r := test.Request()
		deliver(r)

		processed := reconcileUntil(r.ID, api.StatusProcessed)
		Expect(processed.URL).To(Equal("/api/v1/downloads/" + r.ID))
		Expect(processed.ContentType).To(Equal("application/json"))
		Expect(processed.ContentLength).To(BeNumerically(">", 0))

		stream, object, err := staged.Open(ctx, r.ID)
		Expect(err).ToNot(HaveOccurred())
		defer stream.Close()
		raw, err := io.ReadAll(stream)
		Expect(err).ToNot(HaveOccurred())
		Expect(raw).To(MatchJSON(`{"date": "20240101", "param": "temperature"}`))
		Expect(object.ContentType).To(Equal("application/json"))

		count, err := messages.Count(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(count).To(Equal(0))
	})
	It("should stage string payloads verbatim", func() {
		r := test.Request(test.RequestOptions{Payload: "hello"})
		deliver(r)

		processed := reconcileUntil(r.ID, api.StatusProcessed)
		Expect(processed.ContentLength).To(Equal(int64(5)))

		stream, _, err := staged.Open(ctx, r.ID)
		Expect(err).ToNot(HaveOccurred())
		defer stream.Close()
		raw, err := io.ReadAll(stream)
		Expect(err).ToNot(HaveOccurred())
		Expect(string(raw)).To(Equal("hello"))
	})
	It("should archive uploaded data and release the staging blob", func() {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("payload!!"))
		}))
		defer server.Close()

		r := test.Request(test.RequestOptions{Verb: api.VerbArchive, URL: server.URL})
		deliver(r)

		processed := reconcileUntil(r.ID, api.StatusProcessed)
		Expect(processed.URL).To(BeEmpty())
		Expect(processed.UserMessage).To(ContainSubstring("archived 9 bytes"))
	})
	It("should fail the request when no data source matches", func() {
		controller = newController(map[string]config.Collection{
			"observations": test.Collection(config.Limits{}, config.DataSource{
				Type:  "echo",
				Match: map[string]interface{}{"param": []interface{}{"pressure"}},
			}),
		})
		r := test.Request(test.RequestOptions{Payload: api.Payload{"date": "20240101", "param": "temperature"}})
		deliver(r)

		failed := reconcileUntil(r.ID, api.StatusFailed)
		Expect(failed.UserMessage).To(ContainSubstring("no data source can serve the request"))
		count, err := messages.Count(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(count).To(Equal(0))
	})
	It("should fail the request when the input cannot be fetched", func() {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		r := test.Request(test.RequestOptions{Verb: api.VerbArchive, URL: server.URL})
		deliver(r)

		failed := reconcileUntil(r.ID, api.StatusFailed)
		Expect(failed.UserMessage).To(ContainSubstring("fetching request input"))
	})
	It("should drop messages for revoked requests", func() {
		Expect(messages.Enqueue(ctx, &queue.Message{RequestID: "revoked"})).To(Succeed())

		Expect(controller.Reconcile(ctx)).To(Succeed())
		count, err := messages.Count(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(count).To(Equal(0))
	})
	It("should fail requests a previous worker crashed on", func() {
		r := test.Request(test.RequestOptions{Status: api.StatusProcessing})
		Expect(requests.Add(ctx, r)).To(Succeed())
		Expect(messages.Enqueue(ctx, &queue.Message{RequestID: r.ID})).To(Succeed())

		Expect(controller.Reconcile(ctx)).To(Succeed())
		got, err := requests.Get(ctx, r.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(got.Status).To(Equal(api.StatusFailed))
		Expect(got.UserMessage).To(ContainSubstring("a worker failed while processing this request"))
		count, err := messages.Count(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(count).To(Equal(0))
	})
	It("should drop stale messages without touching the request", func() {
		r := test.Request(test.RequestOptions{Status: api.StatusWaiting})
		Expect(requests.Add(ctx, r)).To(Succeed())
		Expect(messages.Enqueue(ctx, &queue.Message{RequestID: r.ID})).To(Succeed())

		Expect(controller.Reconcile(ctx)).To(Succeed())
		got, err := requests.Get(ctx, r.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(got.Status).To(Equal(api.StatusWaiting))
		count, err := messages.Count(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(count).To(Equal(0))
	})
	It("should hold the slot and retry settlement after a transient store error", func() {
		flaky := &flakyStore{Memory: requests, failures: 1}
		catalog, err := collection.NewCatalog(ctx, map[string]config.Collection{
			"observations": test.Collection(config.Limits{}),
		}, fakeClock)
		Expect(err).ToNot(HaveOccurred())
		tracker := lifecycle.NewTracker(flaky, metricstore.NewMemory())
		controller = worker.NewController(flaky, messages, staged, catalog, tracker, config.Worker{
			PollInterval: 10 * time.Millisecond,
		}, fakeClock)
		r := test.Request()
		deliver(r)

		// the settlement tick fails once, then later ticks finish the job
		var settleFailures int
		Eventually(func(g Gomega) {
			if err := controller.Reconcile(ctx); err != nil {
				settleFailures++
			}
			got, err := requests.Get(ctx, r.ID)
			g.Expect(err).ToNot(HaveOccurred())
			g.Expect(got).ToNot(BeNil())
			g.Expect(got.Status).To(Equal(api.StatusProcessed))
		}).Should(Succeed())
		Expect(settleFailures).To(BeNumerically(">=", 1))
		count, err := messages.Count(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(count).To(Equal(0))

		// the slot is free again for the next request
		second := test.Request()
		deliver(second)
		reconcileUntil(second.ID, api.StatusProcessed)
	})
	It("should process one request at a time", func() {
		controller = newController(map[string]config.Collection{
			"observations": test.Collection(config.Limits{}, config.DataSource{Type: "blocking"}),
		})
		first := test.Request()
		second := test.Request()
		deliver(first)
		deliver(second)

		Expect(controller.Reconcile(ctx)).To(Succeed())
		Eventually(blocking.started).Should(Receive())

		// the second message stays on the queue while the first runs
		Expect(controller.Reconcile(ctx)).To(Succeed())
		got, err := requests.Get(ctx, second.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(got.Status).To(Equal(api.StatusQueued))

		close(blocking.release)
		reconcileUntil(first.ID, api.StatusProcessed)
	})
})

var _ = Describe("Shutdown", func() {
	BeforeEach(func() {
		ctx = context.Background()
		fakeClock = clocktesting.NewFakeClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
		requests = store.NewMemory(fakeClock)
		messages = queue.NewMemory(fakeClock, time.Minute)
		staged = staging.NewMemory(fakeClock, "")
	})

	It("should reschedule the in-flight request for another worker", func() {
		controller = newController(map[string]config.Collection{
			"observations": test.Collection(config.Limits{}, config.DataSource{Type: "blocking"}),
		})
		r := test.Request()
		deliver(r)

		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			controller.Start(runCtx)
		}()

		Eventually(fakeClock.HasWaiters).Should(BeTrue())
		fakeClock.Step(20 * time.Millisecond)
		Eventually(blocking.started).Should(Receive())

		cancel()
		Eventually(done).Should(BeClosed())

		got, err := requests.Get(ctx, r.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(got.Status).To(Equal(api.StatusQueued))
		Expect(got.UserMessage).To(ContainSubstring("the request will be rescheduled"))
		count, err := messages.Count(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(count).To(Equal(1))

		// let the parked dispatch goroutine finish
		close(blocking.release)
	})
})
