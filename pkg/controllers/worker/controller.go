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

// Package worker consumes the queue one message at a time. The control loop
// keeps heartbeating while a dispatch runs on its own goroutine, so a
// long-running data source never starves the queue lease. On shutdown an
// in-flight request goes back to the queue for another worker.
package worker

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/avast/retry-go"
	"k8s.io/utils/clock"
	"knative.dev/pkg/logging"

	"github.com/datagate-io/datagate/pkg/api"
	"github.com/datagate-io/datagate/pkg/collection"
	"github.com/datagate-io/datagate/pkg/config"
	"github.com/datagate-io/datagate/pkg/lifecycle"
	"github.com/datagate-io/datagate/pkg/queue"
	"github.com/datagate-io/datagate/pkg/staging"
	"github.com/datagate-io/datagate/pkg/store"
)

type Controller struct {
	store   store.Interface
	queue   queue.Interface
	staging staging.Interface
	catalog collection.Catalog
	tracker *lifecycle.Tracker
	cfg     config.Worker
	clk     clock.Clock
	client  *http.Client

	inflight *execution
}

// execution is the one request the worker is processing.
type execution struct {
	message *queue.Message
	request *api.Request
	started int64
	done    chan error

	// once the dispatch finishes its outcome is stashed here, so a failed
	// settlement can be retried on later ticks
	finished bool
	outcome  error
}

// record stashes the dispatch outcome; it runs exactly once per execution
func (ex *execution) record(ctx context.Context, dispatchErr error) {
	ex.finished = true
	ex.outcome = dispatchErr
	log := logging.FromContext(ctx).With("request-id", ex.request.ID)
	if dispatchErr != nil {
		ex.request.AppendMessage("%s", dispatchErr)
		log.Errorw("request failed", "error", dispatchErr)
	} else {
		log.Info("request processed")
	}
}

func NewController(s store.Interface, q queue.Interface, stg staging.Interface, catalog collection.Catalog, tracker *lifecycle.Tracker, cfg config.Worker, clk clock.Clock) *Controller {
	return &Controller{
		store:   s,
		queue:   q,
		staging: stg,
		catalog: catalog,
		tracker: tracker,
		cfg:     cfg,
		clk:     clk,
		client:  &http.Client{},
	}
}

// Start runs the consumer loop until the context is cancelled, then
// reschedules whatever is still in flight
func (c *Controller) Start(ctx context.Context) {
	logging.FromContext(ctx).Infow("starting worker", "poll-interval", c.cfg.PollInterval)
	for {
		select {
		case <-ctx.Done():
			c.shutdown(context.WithoutCancel(ctx))
			return
		case <-c.clk.After(c.cfg.PollInterval):
			if err := c.Reconcile(ctx); err != nil {
				logging.FromContext(ctx).Errorf("worker tick failed, %s", err)
			}
		}
	}
}

// Reconcile performs one poll tick: pick up a message if idle, otherwise
// check whether the in-flight dispatch has finished
func (c *Controller) Reconcile(ctx context.Context) error {
	if err := c.queue.KeepAlive(ctx); err != nil {
		return err
	}
	if c.inflight == nil {
		return c.pickup(ctx)
	}
	if !c.inflight.finished {
		select {
		case err := <-c.inflight.done:
			c.inflight.record(ctx, err)
		default:
			return nil
		}
	}
	return c.settle(ctx)
}

func (c *Controller) pickup(ctx context.Context) error {
	msg, err := c.queue.Dequeue(ctx)
	if err != nil {
		return err
	}
	if msg == nil {
		return nil
	}
	log := logging.FromContext(ctx).With("request-id", msg.RequestID)
	r, err := c.store.Get(ctx, msg.RequestID)
	if err != nil {
		return err
	}
	if r == nil {
		// revoked between admission and delivery; drop the message
		log.Info("dropping message for revoked request")
		return c.queue.Ack(ctx, msg)
	}
	if r.Status == api.StatusProcessing {
		// a previous worker crashed mid-processing; never run the work twice
		log.Warnw("marking request failed after worker crash", "status", r.Status)
		r.AppendMessage("a worker failed while processing this request")
		if err := c.tracker.Transition(ctx, r, api.StatusFailed); err != nil {
			return err
		}
		Outcomes.WithLabelValues(r.Collection, "crashed").Inc()
		return c.queue.Ack(ctx, msg)
	}
	if r.Status != api.StatusQueued {
		// stale delivery; the broker took the request back
		log.Infow("dropping stale message", "status", r.Status)
		return c.queue.Ack(ctx, msg)
	}
	if err := c.tracker.Transition(ctx, r, api.StatusProcessing); err != nil {
		return err
	}
	log.Infow("processing request", "collection", r.Collection, "verb", r.Verb)
	c.inflight = &execution{
		message: msg,
		request: r,
		started: c.clk.Now().Unix(),
		done:    make(chan error, 1),
	}
	go func(ex *execution) {
		ex.done <- c.process(ctx, ex.request)
	}(c.inflight)
	return nil
}

// settle records the outcome of a finished dispatch and releases the slot. A
// store or queue error keeps the slot held with the outcome intact, so the
// next tick settles again instead of losing the result
func (c *Controller) settle(ctx context.Context) error {
	ex := c.inflight
	outcome := api.StatusProcessed
	if ex.outcome != nil {
		outcome = api.StatusFailed
	}
	if err := c.tracker.Transition(ctx, ex.request, outcome); err != nil {
		return fmt.Errorf("recording outcome for request %s, %w", ex.request.ID, err)
	}
	if err := c.queue.Ack(ctx, ex.message); err != nil {
		return fmt.Errorf("acknowledging message for request %s, %w", ex.request.ID, err)
	}
	Outcomes.WithLabelValues(ex.request.Collection, string(outcome)).Inc()
	Duration.WithLabelValues(ex.request.Collection).Observe(float64(c.clk.Now().Unix() - ex.started))
	c.inflight = nil
	return nil
}

// process runs the dispatch pipeline for one request
func (c *Controller) process(ctx context.Context, r *api.Request) error {
	input, err := c.fetchInput(ctx, r)
	if err != nil {
		return err
	}
	coll, err := c.catalog.Get(r.Collection)
	if err != nil {
		return err
	}
	ds, err := coll.Dispatch(ctx, r, input)
	if err != nil {
		return err
	}
	defer ds.Destroy(ctx, r)
	switch r.Verb {
	case api.VerbRetrieve:
		stream, err := ds.Result(ctx, r)
		if err != nil {
			return err
		}
		defer stream.Close()
		url, size, err := c.staging.Create(ctx, r.ID, stream, ds.MimeType())
		if err != nil {
			// drop the partial artefact; failures here fail the request
			if delErr := c.staging.Delete(ctx, r.ID); delErr != nil {
				logging.FromContext(ctx).Debugf("deleting partial artefact for %s, %s", r.ID, delErr)
			}
			return err
		}
		r.URL = url
		r.ContentLength = size
		r.ContentType = ds.MimeType()
	case api.VerbArchive:
		// the staged upload was consumed as input; release the blob
		if err := c.staging.Delete(ctx, r.ID); err != nil {
			logging.FromContext(ctx).Debugf("deleting consumed upload for %s, %s", r.ID, err)
		}
		r.URL = ""
	}
	return nil
}

// fetchInput pulls the input payload when the request carries an ingress URL
func (c *Controller) fetchInput(ctx context.Context, r *api.Request) ([]byte, error) {
	if r.URL == "" {
		return nil, nil
	}
	var body []byte
	err := retry.Do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
		if err != nil {
			return retry.Unrecoverable(err)
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("fetching input from %s returned %s", r.URL, resp.Status)
		}
		body, err = io.ReadAll(resp.Body)
		return err
	}, retry.Attempts(3), retry.Context(ctx), retry.LastErrorOnly(true))
	if err != nil {
		return nil, fmt.Errorf("fetching request input, %w", err)
	}
	return body, nil
}

// shutdown reschedules the in-flight request so another worker picks it up
func (c *Controller) shutdown(ctx context.Context) {
	log := logging.FromContext(ctx)
	if c.inflight == nil {
		log.Info("stopping worker")
		return
	}
	ex := c.inflight
	if !ex.finished {
		select {
		case err := <-ex.done:
			ex.record(ctx, err)
		default:
		}
	}
	if ex.finished {
		// the dispatch beat the shutdown; record the outcome normally
		if err := c.settle(ctx); err != nil {
			log.Errorf("settling request %s on shutdown, %s", ex.request.ID, err)
		}
		return
	}
	log.Infow("rescheduling in-flight request on shutdown", "request-id", ex.request.ID)
	// work from the stored record; the dispatch goroutine still owns the
	// in-memory one
	r, err := c.store.Get(ctx, ex.message.RequestID)
	if err != nil || r == nil {
		log.Errorf("loading request %s for rescheduling, %s", ex.message.RequestID, err)
	} else if r.Status == api.StatusProcessing {
		r.AppendMessage("worker shut down; the request will be rescheduled")
		if err := c.tracker.Transition(ctx, r, api.StatusQueued); err != nil {
			log.Errorf("rescheduling request %s, %s", r.ID, err)
		}
	}
	if err := c.queue.Nack(ctx, ex.message); err != nil {
		log.Errorf("returning message for request %s, %s", ex.message.RequestID, err)
	}
	c.inflight = nil
}
