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

package store

import (
	"context"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/datagate-io/datagate/pkg/api"
	"github.com/datagate-io/datagate/pkg/config"
	"github.com/datagate-io/datagate/pkg/errors"
)

func init() {
	Register("memory", func(_ context.Context, _ config.Backend, clk clock.Clock) (Interface, error) {
		return NewMemory(clk), nil
	})
}

// Memory is the in-process store backend, used by tests and single-node
// deployments. Every method copies records on the way in and out.
type Memory struct {
	mu       sync.RWMutex
	requests map[string]*api.Request
	clk      clock.Clock
}

func NewMemory(clk clock.Clock) *Memory {
	return &Memory{
		requests: map[string]*api.Request{},
		clk:      clk,
	}
}

func (m *Memory) Add(_ context.Context, r *api.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[r.ID]; ok {
		return errors.Conflict("request %s already exists", r.ID)
	}
	m.requests[r.ID] = r.DeepCopy()
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*api.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, nil
	}
	return r.DeepCopy(), nil
}

func (m *Memory) GetMany(_ context.Context, q Query) ([]*api.Request, error) {
	m.mu.RLock()
	all := make([]*api.Request, 0, len(m.requests))
	for _, r := range m.requests {
		all = append(all, r.DeepCopy())
	}
	m.mu.RUnlock()
	return q.Apply(all)
}

func (m *Memory) Update(_ context.Context, r *api.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.requests[r.ID]
	if !ok {
		return errors.NotFound("request %s not found", r.ID)
	}
	updated := r.DeepCopy()
	// last_modified never goes backwards, even under clock skew
	updated.LastModified = max(m.clk.Now().Unix(), existing.LastModified)
	m.requests[r.ID] = updated
	r.LastModified = updated.LastModified
	return nil
}

func (m *Memory) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[id]; !ok {
		return errors.NotFound("request %s not found", id)
	}
	delete(m.requests, id)
	return nil
}

func (m *Memory) Revoke(_ context.Context, user *api.User, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == RevokeAll {
		if user == nil || user.ID == "" {
			return 0, errors.Unauthorized("revoking requires an authenticated user")
		}
		count := 0
		for rid, r := range m.requests {
			if r.User.ID == user.ID && Revocable(r) {
				delete(m.requests, rid)
				count++
			}
		}
		return count, nil
	}
	r := m.requests[id]
	if err := CheckRevoke(user, r); err != nil {
		return 0, err
	}
	delete(m.requests, id)
	return 1, nil
}

func (m *Memory) RemoveOld(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for id, r := range m.requests {
		if r.Status.Terminal() && r.LastModified < cutoff.Unix() {
			delete(m.requests, id)
			count++
		}
	}
	return count, nil
}

func (m *Memory) GetActive(ctx context.Context) ([]*api.Request, error) {
	return m.GetMany(ctx, Query{Status: api.ActiveStatuses()})
}
