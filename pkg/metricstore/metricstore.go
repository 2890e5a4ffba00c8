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

// Package metricstore records one row per status transition, giving the
// lifecycle an auditable trail independent of the mutable request record. The
// garbage collector prunes rows past their configured age.
package metricstore

import (
	"context"
	"encoding/json"
	"fmt"

	"k8s.io/utils/clock"

	"github.com/datagate-io/datagate/pkg/api"
	"github.com/datagate-io/datagate/pkg/config"
	"github.com/datagate-io/datagate/pkg/errors"
)

// Record is one status transition.
type Record struct {
	RequestID  string     `json:"request_id"`
	UserID     string     `json:"user_id"`
	Collection string     `json:"collection"`
	Status     api.Status `json:"status"`
	At         int64      `json:"at"`
}

// NewRecord snapshots a request's current status
func NewRecord(r *api.Request, at int64) Record {
	return Record{
		RequestID:  r.ID,
		UserID:     r.User.ID,
		Collection: r.Collection,
		Status:     r.Status,
		At:         at,
	}
}

func (r Record) Marshal() ([]byte, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshaling metric record for %s, %w", r.RequestID, err)
	}
	return raw, nil
}

func UnmarshalRecord(raw []byte) (Record, error) {
	r := Record{}
	if err := json.Unmarshal(raw, &r); err != nil {
		return Record{}, fmt.Errorf("unmarshaling metric record, %w", err)
	}
	return r, nil
}

// Interface is the metric store. RemoveOld deletes records with At before the
// cutoff and returns how many went away.
type Interface interface {
	Add(ctx context.Context, record Record) error
	List(ctx context.Context, requestID string) ([]Record, error)
	RemoveOld(ctx context.Context, cutoff int64) (int, error)
}

// Constructor builds a metric store backend from its configuration.
type Constructor func(ctx context.Context, backend config.Backend, clk clock.Clock) (Interface, error)

var constructors = map[string]Constructor{}

// Register installs a backend constructor under a type name
func Register(name string, ctor Constructor) {
	constructors[name] = ctor
}

// New builds the backend named by the configuration
func New(ctx context.Context, backend config.Backend, clk clock.Clock) (Interface, error) {
	ctor, ok := constructors[backend.Type]
	if !ok {
		return nil, errors.InvalidArgument("unknown metric store backend %q", backend.Type)
	}
	return ctor(ctx, backend, clk)
}
