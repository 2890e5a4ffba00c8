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

// Package broker admits waiting requests into the queue. A single periodic
// loop scans the waiting set oldest-first, applies the collection quotas
// against the currently active set, and enqueues what fits under the queue
// depth cap. Orphaned requests from crashed workers are detected and sent
// back to the waiting set.
package broker

import (
	"context"
	"sort"

	"github.com/samber/lo"
	"k8s.io/utils/clock"
	"knative.dev/pkg/logging"

	"github.com/datagate-io/datagate/pkg/api"
	"github.com/datagate-io/datagate/pkg/collection"
	"github.com/datagate-io/datagate/pkg/config"
	"github.com/datagate-io/datagate/pkg/lifecycle"
	"github.com/datagate-io/datagate/pkg/queue"
	"github.com/datagate-io/datagate/pkg/store"
)

type Controller struct {
	store   store.Interface
	queue   queue.Interface
	catalog collection.Catalog
	tracker *lifecycle.Tracker
	cfg     config.Broker
	clk     clock.Clock
}

func NewController(s store.Interface, q queue.Interface, catalog collection.Catalog, tracker *lifecycle.Tracker, cfg config.Broker, clk clock.Clock) *Controller {
	return &Controller{
		store:   s,
		queue:   q,
		catalog: catalog,
		tracker: tracker,
		cfg:     cfg,
		clk:     clk,
	}
}

// Start runs the admission loop until the context is cancelled
func (c *Controller) Start(ctx context.Context) {
	logging.FromContext(ctx).Infow("starting broker", "interval", c.cfg.Interval, "max-queue-size", c.cfg.MaxQueueSize)
	for {
		select {
		case <-ctx.Done():
			logging.FromContext(ctx).Info("stopping broker")
			return
		case <-c.clk.After(c.cfg.Interval):
			if err := c.Reconcile(ctx); err != nil {
				logging.FromContext(ctx).Errorf("broker tick failed, %s", err)
			}
		}
	}
}

// Reconcile performs one admission tick
func (c *Controller) Reconcile(ctx context.Context) error {
	if err := c.queue.KeepAlive(ctx); err != nil {
		return err
	}
	depth, err := c.queue.Count(ctx)
	if err != nil {
		return err
	}
	QueueDepth.Set(float64(depth))
	if depth >= c.cfg.MaxQueueSize {
		logging.FromContext(ctx).Debugf("queue depth %d at capacity, skipping tick", depth)
		return nil
	}
	waiting, err := c.store.GetMany(ctx, store.Query{Status: []api.Status{api.StatusWaiting}, SortAsc: "timestamp"})
	if err != nil {
		return err
	}
	active, err := c.store.GetActive(ctx)
	if err != nil {
		return err
	}
	// quotas count the requests holding capacity, not those waiting for it
	active = lo.Filter(active, func(r *api.Request, _ int) bool { return r.Status != api.StatusWaiting })
	waiting, active, err = c.recoverStuck(ctx, waiting, active, depth)
	if err != nil {
		return err
	}
	for _, r := range waiting {
		if depth >= c.cfg.MaxQueueSize {
			break
		}
		admitted, err := c.admit(ctx, r, active)
		if err != nil {
			return err
		}
		if admitted {
			depth++
			active = append(active, r)
		}
	}
	return nil
}

// recoverStuck sends requests orphaned by a crashed worker back to the
// waiting set: an empty queue with queued or processing records means nobody
// will ever deliver them
func (c *Controller) recoverStuck(ctx context.Context, waiting, active []*api.Request, depth int) ([]*api.Request, []*api.Request, error) {
	stuck := lo.Filter(active, func(r *api.Request, _ int) bool {
		return r.Status == api.StatusQueued || r.Status == api.StatusProcessing
	})
	if depth != 0 || len(stuck) == 0 {
		return waiting, active, nil
	}
	// the active set carries no ordering; recovery keeps submission order
	sort.Slice(stuck, func(i, j int) bool { return stuck[i].Timestamp < stuck[j].Timestamp })
	recovered := make([]*api.Request, 0, len(stuck))
	for _, r := range stuck {
		logging.FromContext(ctx).Warnw("recovering stuck request", "request-id", r.ID, "status", r.Status)
		if err := c.tracker.Transition(ctx, r, api.StatusWaiting); err != nil {
			return nil, nil, err
		}
		Recovered.WithLabelValues(r.Collection).Inc()
		recovered = append(recovered, r)
	}
	// recovered requests keep their original admission order
	waiting = append(recovered, waiting...)
	active = lo.Filter(active, func(r *api.Request, _ int) bool {
		return r.Status != api.StatusQueued && r.Status != api.StatusProcessing
	})
	return waiting, active, nil
}

// admit evaluates quotas for one waiting request and enqueues it if they pass
func (c *Controller) admit(ctx context.Context, r *api.Request, active []*api.Request) (bool, error) {
	coll, err := c.catalog.Get(r.Collection)
	if err != nil {
		// collection removed from configuration after the request was
		// created; hold the request in case it comes back
		logging.FromContext(ctx).Warnw("holding request for unknown collection", "request-id", r.ID, "collection", r.Collection)
		Rejections.WithLabelValues(r.Collection, "unknown_collection").Inc()
		return false, nil
	}
	inCollection := lo.Filter(active, func(a *api.Request, _ int) bool { return a.Collection == r.Collection })
	if total := coll.Limit(); total > 0 && len(inCollection) >= total {
		Rejections.WithLabelValues(r.Collection, "collection_limit").Inc()
		return false, nil
	}
	if limit := coll.UserLimit(&r.User); limit > 0 {
		owned := lo.CountBy(inCollection, func(a *api.Request) bool { return a.User.ID == r.User.ID })
		if owned >= limit {
			Rejections.WithLabelValues(r.Collection, "user_limit").Inc()
			return false, nil
		}
	}
	if err := c.tracker.Transition(ctx, r, api.StatusQueued); err != nil {
		return false, err
	}
	msg := &queue.Message{RequestID: r.ID, Collection: r.Collection, EnqueuedAt: c.clk.Now().Unix()}
	if err := c.queue.Enqueue(ctx, msg); err != nil {
		logging.FromContext(ctx).Errorf("enqueuing request %s, %s", r.ID, err)
		// put the request back so the message is not lost
		return false, c.tracker.Transition(ctx, r, api.StatusWaiting)
	}
	Admissions.WithLabelValues(r.Collection).Inc()
	logging.FromContext(ctx).Infow("admitted request", "request-id", r.ID, "collection", r.Collection)
	return true, nil
}
