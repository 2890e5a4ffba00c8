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

// Package gc is the periodic cleaner: terminal requests past their age go
// away, staging objects with no owning request go away, and when staging
// outgrows its threshold the oldest artefacts are evicted together with
// their requests. Every sweep is idempotent; objects appearing mid-scan are
// picked up next tick.
package gc

import (
	"context"
	"sort"

	"k8s.io/utils/clock"
	"knative.dev/pkg/logging"

	"github.com/datagate-io/datagate/pkg/config"
	"github.com/datagate-io/datagate/pkg/errors"
	"github.com/datagate-io/datagate/pkg/metricstore"
	"github.com/datagate-io/datagate/pkg/staging"
	"github.com/datagate-io/datagate/pkg/store"
)

type Controller struct {
	store     store.Interface
	metrics   metricstore.Interface
	staging   staging.Interface
	cfg       config.GC
	threshold int64
	clk       clock.Clock
}

func NewController(s store.Interface, m metricstore.Interface, stg staging.Interface, cfg config.GC, clk clock.Clock) (*Controller, error) {
	threshold, err := cfg.ThresholdBytes()
	if err != nil {
		return nil, err
	}
	return &Controller{
		store:     s,
		metrics:   m,
		staging:   stg,
		cfg:       cfg,
		threshold: threshold,
		clk:       clk,
	}, nil
}

// Start runs the cleaning loop until the context is cancelled
func (c *Controller) Start(ctx context.Context) {
	logging.FromContext(ctx).Infow("starting garbage collector", "interval", c.cfg.Interval, "age", c.cfg.Age, "threshold", c.cfg.Threshold)
	for {
		select {
		case <-ctx.Done():
			logging.FromContext(ctx).Info("stopping garbage collector")
			return
		case <-c.clk.After(c.cfg.Interval):
			if err := c.Reconcile(ctx); err != nil {
				logging.FromContext(ctx).Errorf("gc tick failed, %s", err)
			}
		}
	}
}

// Reconcile performs one cleaning tick: old requests, dangling artefacts,
// then the size-based eviction
func (c *Controller) Reconcile(ctx context.Context) error {
	if err := c.removeOldRequests(ctx); err != nil {
		return err
	}
	if err := c.removeOldMetrics(ctx); err != nil {
		return err
	}
	if err := c.removeDanglingData(ctx); err != nil {
		return err
	}
	return c.removeBySize(ctx)
}

func (c *Controller) removeOldRequests(ctx context.Context) error {
	cutoff := c.clk.Now().Add(-c.cfg.Age)
	count, err := c.store.RemoveOld(ctx, cutoff)
	if err != nil {
		return err
	}
	if count > 0 {
		RequestsDeleted.WithLabelValues("expired").Add(float64(count))
		logging.FromContext(ctx).Infow("deleted expired requests", "count", count)
	}
	return nil
}

func (c *Controller) removeOldMetrics(ctx context.Context) error {
	cutoff := c.clk.Now().Add(-c.cfg.MetricAge).Unix()
	count, err := c.metrics.RemoveOld(ctx, cutoff)
	if err != nil {
		return err
	}
	if count > 0 {
		logging.FromContext(ctx).Debugw("pruned metric records", "count", count)
	}
	return nil
}

// removeDanglingData deletes staging objects whose owning request no longer
// exists, whatever deleted it
func (c *Controller) removeDanglingData(ctx context.Context) error {
	objects, err := c.staging.List(ctx)
	if err != nil {
		return err
	}
	for _, object := range objects {
		r, err := c.store.Get(ctx, object.RequestID)
		if err != nil {
			return err
		}
		if r != nil {
			continue
		}
		if err := c.staging.Delete(ctx, object.RequestID); err != nil && !errors.IsNotFound(err) {
			return err
		}
		BytesReclaimed.WithLabelValues("dangling").Add(float64(object.Size))
		logging.FromContext(ctx).Infow("deleted dangling artefact", "key", object.Key, "size", object.Size)
	}
	return nil
}

// removeBySize evicts oldest-first until staging fits under the threshold
func (c *Controller) removeBySize(ctx context.Context) error {
	objects, err := c.staging.List(ctx)
	if err != nil {
		return err
	}
	total := staging.TotalSize(objects)
	if total <= c.threshold {
		return nil
	}
	logging.FromContext(ctx).Warnw("staging over threshold, evicting oldest artefacts", "total", total, "threshold", c.threshold)
	sort.Slice(objects, func(i, j int) bool {
		return objects[i].LastModified.Before(objects[j].LastModified)
	})
	for _, object := range objects {
		if total <= c.threshold {
			break
		}
		if err := c.staging.Delete(ctx, object.RequestID); err != nil && !errors.IsNotFound(err) {
			return err
		}
		// the owning request goes with its artefact
		if err := c.store.Remove(ctx, object.RequestID); err != nil && !errors.IsNotFound(err) {
			return err
		}
		total -= object.Size
		BytesReclaimed.WithLabelValues("evicted").Add(float64(object.Size))
		RequestsDeleted.WithLabelValues("evicted").Inc()
		logging.FromContext(ctx).Infow("evicted artefact", "key", object.Key, "size", object.Size)
	}
	return nil
}
