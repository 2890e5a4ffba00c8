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

// Package lifecycle couples status transitions to their bookkeeping: the
// store persists the new state and the metric store gets one record per
// transition. Controllers go through here instead of mutating status
// directly.
package lifecycle

import (
	"context"

	"knative.dev/pkg/logging"

	"github.com/datagate-io/datagate/pkg/api"
	"github.com/datagate-io/datagate/pkg/metricstore"
	"github.com/datagate-io/datagate/pkg/store"
)

type Tracker struct {
	store   store.Interface
	metrics metricstore.Interface
}

func NewTracker(s store.Interface, m metricstore.Interface) *Tracker {
	return &Tracker{store: s, metrics: m}
}

// Transition moves the request to the new status and persists it. The metric
// record is best-effort; a metric store outage never blocks the lifecycle.
func (t *Tracker) Transition(ctx context.Context, r *api.Request, to api.Status) error {
	if err := r.SetStatus(to); err != nil {
		return err
	}
	if err := t.store.Update(ctx, r); err != nil {
		return err
	}
	if err := t.metrics.Add(ctx, metricstore.NewRecord(r, r.LastModified)); err != nil {
		logging.FromContext(ctx).Warnf("recording %s transition for request %s, %s", to, r.ID, err)
	}
	return nil
}

// Record persists a request without a status change, refreshing last_modified
func (t *Tracker) Record(ctx context.Context, r *api.Request) error {
	return t.store.Update(ctx, r)
}
