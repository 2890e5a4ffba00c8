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

package metricstore

import (
	"context"
	"sync"

	"k8s.io/utils/clock"

	"github.com/datagate-io/datagate/pkg/config"
)

func init() {
	Register("memory", func(_ context.Context, _ config.Backend, _ clock.Clock) (Interface, error) {
		return NewMemory(), nil
	})
}

// Memory is the in-process metric store for tests and single-node runs.
type Memory struct {
	mu      sync.RWMutex
	records []Record
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Add(_ context.Context, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, record)
	return nil
}

func (m *Memory) List(_ context.Context, requestID string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, r := range m.records {
		if requestID == "" || r.RequestID == requestID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) RemoveOld(_ context.Context, cutoff int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.records[:0]
	removed := 0
	for _, r := range m.records {
		if r.At < cutoff {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	m.records = kept
	return removed, nil
}
