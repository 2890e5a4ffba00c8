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

// Package store defines the durable request store contract and the
// constructor registry through which backends plug in.
package store

import (
	"context"
	"sort"
	"time"

	"github.com/samber/lo"
	"k8s.io/utils/clock"

	"github.com/datagate-io/datagate/pkg/api"
	"github.com/datagate-io/datagate/pkg/config"
	"github.com/datagate-io/datagate/pkg/errors"
)

// RevokeAll is the sentinel id that revokes every revocable request of a user.
const RevokeAll = "all"

// Query filters and orders a listing. At most one of SortAsc/SortDesc may be
// set; both at once is an InvalidArgument.
type Query struct {
	Status        []api.Status
	UserID        string
	Collection    string
	ID            string
	ContentLength *int64
	SortAsc       string
	SortDesc      string
	Limit         int
}

// Interface is the durable store of request records. Add and Revoke are
// atomic per id; Update is last-writer-wins and refreshes last_modified.
type Interface interface {
	Add(ctx context.Context, r *api.Request) error
	Get(ctx context.Context, id string) (*api.Request, error)
	GetMany(ctx context.Context, q Query) ([]*api.Request, error)
	Update(ctx context.Context, r *api.Request) error
	Remove(ctx context.Context, id string) error
	Revoke(ctx context.Context, user *api.User, id string) (int, error)
	RemoveOld(ctx context.Context, cutoff time.Time) (int, error)
	GetActive(ctx context.Context) ([]*api.Request, error)
}

// Constructor builds a store backend from its configuration.
type Constructor func(ctx context.Context, backend config.Backend, clk clock.Clock) (Interface, error)

var constructors = map[string]Constructor{}

// Register installs a backend constructor under a type name; called from
// backend package init functions
func Register(name string, ctor Constructor) {
	constructors[name] = ctor
}

// New builds the store backend named by the configuration
func New(ctx context.Context, backend config.Backend, clk clock.Clock) (Interface, error) {
	ctor, ok := constructors[backend.Type]
	if !ok {
		return nil, errors.InvalidArgument("unknown store backend %q", backend.Type)
	}
	return ctor(ctx, backend, clk)
}

// Matches evaluates the query filter against a request
func (q Query) Matches(r *api.Request) bool {
	if len(q.Status) > 0 && !lo.Contains(q.Status, r.Status) {
		return false
	}
	if q.UserID != "" && r.User.ID != q.UserID {
		return false
	}
	if q.Collection != "" && r.Collection != q.Collection {
		return false
	}
	if q.ID != "" && r.ID != q.ID {
		return false
	}
	if q.ContentLength != nil && r.ContentLength != *q.ContentLength {
		return false
	}
	return true
}

// Apply filters, orders and truncates the given records in place of a backend
// that has no native query support
func (q Query) Apply(requests []*api.Request) ([]*api.Request, error) {
	out := lo.Filter(requests, func(r *api.Request, _ int) bool { return q.Matches(r) })
	if q.SortAsc != "" && q.SortDesc != "" {
		return nil, errors.InvalidArgument("cannot sort ascending by %q and descending by %q at once", q.SortAsc, q.SortDesc)
	}
	field, ascending := q.SortAsc, true
	if q.SortDesc != "" {
		field, ascending = q.SortDesc, false
	}
	if field != "" {
		less, err := lessFunc(field)
		if err != nil {
			return nil, err
		}
		sort.SliceStable(out, func(i, j int) bool {
			if ascending {
				return less(out[i], out[j])
			}
			return less(out[j], out[i])
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func lessFunc(field string) (func(a, b *api.Request) bool, error) {
	switch field {
	case "id":
		return func(a, b *api.Request) bool { return a.ID < b.ID }, nil
	case "timestamp":
		return func(a, b *api.Request) bool { return a.Timestamp < b.Timestamp }, nil
	case "last_modified":
		return func(a, b *api.Request) bool { return a.LastModified < b.LastModified }, nil
	case "content_length":
		return func(a, b *api.Request) bool { return a.ContentLength < b.ContentLength }, nil
	case "status":
		return func(a, b *api.Request) bool { return a.Status < b.Status }, nil
	case "collection":
		return func(a, b *api.Request) bool { return a.Collection < b.Collection }, nil
	case "user":
		return func(a, b *api.Request) bool { return a.User.ID < b.User.ID }, nil
	default:
		return nil, errors.InvalidArgument("unknown sort field %q", field)
	}
}

// Revocable returns true if the user may delete the request through revoke
func Revocable(r *api.Request) bool {
	return r.Status == api.StatusWaiting || r.Status == api.StatusQueued
}

// CheckRevoke validates the revoke guard for a single record, mapping the
// failure modes onto the error taxonomy
func CheckRevoke(user *api.User, r *api.Request) error {
	if user == nil || user.ID == "" {
		return errors.Unauthorized("revoking requires an authenticated user")
	}
	if r == nil {
		return errors.NotFound("no such request")
	}
	if r.User.ID != user.ID {
		return errors.Forbidden("request %s belongs to another user", r.ID)
	}
	if !Revocable(r) {
		return errors.Conflict("request %s is %s; only waiting or queued requests can be revoked", r.ID, r.Status)
	}
	return nil
}
