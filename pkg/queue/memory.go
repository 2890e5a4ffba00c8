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

package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/datagate-io/datagate/pkg/config"
)

const defaultVisibilityTimeout = 120 * time.Second

func init() {
	Register("memory", func(_ context.Context, backend config.Backend, clk clock.Clock) (Interface, error) {
		cfg := MemoryConfig{}
		if err := backend.Decode(&cfg); err != nil {
			return nil, err
		}
		return NewMemory(clk, cfg.VisibilityTimeout), nil
	})
}

type MemoryConfig struct {
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
}

type delivered struct {
	msg      *Message
	deadline time.Time
}

// Memory is the in-process queue backend. Delivered-but-unacknowledged
// messages return to the head of the queue once their visibility deadline
// passes, mimicking the redelivery behavior of the durable backends.
type Memory struct {
	mu         sync.Mutex
	ready      []*Message
	inflight   map[string]delivered
	visibility time.Duration
	clk        clock.Clock
}

func NewMemory(clk clock.Clock, visibility time.Duration) *Memory {
	if visibility <= 0 {
		visibility = defaultVisibilityTimeout
	}
	return &Memory{
		inflight:   map[string]delivered{},
		visibility: visibility,
		clk:        clk,
	}
}

func (q *Memory) Enqueue(_ context.Context, m *Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ready = append(q.ready, m)
	return nil
}

func (q *Memory) Dequeue(_ context.Context) (*Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.redeliverExpired()
	if len(q.ready) == 0 {
		return nil, nil
	}
	m := q.ready[0]
	q.ready = q.ready[1:]
	token := uuid.NewString()
	q.inflight[token] = delivered{msg: m, deadline: q.clk.Now().Add(q.visibility)}
	return m.WithReceipt(token), nil
}

func (q *Memory) Ack(_ context.Context, m *Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if token, ok := m.Receipt().(string); ok {
		delete(q.inflight, token)
	}
	return nil
}

func (q *Memory) Nack(_ context.Context, m *Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if token, ok := m.Receipt().(string); ok {
		if _, held := q.inflight[token]; held {
			delete(q.inflight, token)
			q.ready = append([]*Message{m.WithReceipt(nil)}, q.ready...)
		}
	}
	return nil
}

func (q *Memory) Count(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.redeliverExpired()
	return len(q.ready) + len(q.inflight), nil
}

func (q *Memory) KeepAlive(_ context.Context) error {
	return nil
}

func (q *Memory) Close() error {
	return nil
}

// redeliverExpired returns timed-out deliveries to the head of the queue;
// callers hold the mutex
func (q *Memory) redeliverExpired() {
	now := q.clk.Now()
	for token, d := range q.inflight {
		if now.After(d.deadline) {
			delete(q.inflight, token)
			q.ready = append([]*Message{d.msg.WithReceipt(nil)}, q.ready...)
		}
	}
}
