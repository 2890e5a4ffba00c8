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

// Package redis implements the queue on Redis lists: a ready list plus a
// processing list, with a deadline hash driving redelivery of messages whose
// consumer went away. Dequeue moves atomically between the two lists, so a
// message is held by at most one consumer until acked or timed out.
package redis

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"k8s.io/utils/clock"

	"github.com/datagate-io/datagate/pkg/config"
	"github.com/datagate-io/datagate/pkg/errors"
	"github.com/datagate-io/datagate/pkg/queue"
)

const (
	readyKey      = "datagate:queue"
	processingKey = "datagate:queue:processing"
	deadlinesKey  = "datagate:queue:deadlines"

	defaultVisibilityTimeout = 120 * time.Second
)

func init() {
	queue.Register("redis", func(ctx context.Context, backend config.Backend, clk clock.Clock) (queue.Interface, error) {
		cfg := Config{}
		if err := backend.Decode(&cfg); err != nil {
			return nil, err
		}
		return NewQueue(ctx, cfg, clk)
	})
}

type Config struct {
	Address           string        `mapstructure:"address"`
	Password          string        `mapstructure:"password"`
	DB                int           `mapstructure:"db"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
}

type Queue struct {
	client     *redis.Client
	clk        clock.Clock
	visibility time.Duration

	mu   sync.Mutex
	held map[string]struct{} // raw payloads this consumer has in flight
}

func NewQueue(ctx context.Context, cfg Config, clk clock.Clock) (*Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.ServiceUnavailable("connecting to redis queue at %s, %s", cfg.Address, err)
	}
	return NewQueueWithClient(client, clk, cfg.VisibilityTimeout), nil
}

// NewQueueWithClient wires an existing client; used by tests against miniredis
func NewQueueWithClient(client *redis.Client, clk clock.Clock, visibility time.Duration) *Queue {
	if visibility <= 0 {
		visibility = defaultVisibilityTimeout
	}
	return &Queue{
		client:     client,
		clk:        clk,
		visibility: visibility,
		held:       map[string]struct{}{},
	}
}

func (q *Queue) Enqueue(ctx context.Context, m *queue.Message) error {
	raw, err := m.Marshal()
	if err != nil {
		return err
	}
	if err := q.client.RPush(ctx, readyKey, raw).Err(); err != nil {
		return errors.ServiceUnavailable("enqueueing request %s, %s", m.RequestID, err)
	}
	return nil
}

func (q *Queue) Dequeue(ctx context.Context) (*queue.Message, error) {
	if err := q.redeliverExpired(ctx); err != nil {
		return nil, err
	}
	raw, err := q.client.LMove(ctx, readyKey, processingKey, "LEFT", "RIGHT").Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.ServiceUnavailable("dequeueing, %s", err)
	}
	deadline := q.clk.Now().Add(q.visibility).Unix()
	if err := q.client.HSet(ctx, deadlinesKey, raw, deadline).Err(); err != nil {
		return nil, errors.ServiceUnavailable("recording delivery deadline, %s", err)
	}
	m, err := queue.UnmarshalMessage([]byte(raw))
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	q.held[raw] = struct{}{}
	q.mu.Unlock()
	return m.WithReceipt(raw), nil
}

func (q *Queue) Ack(ctx context.Context, m *queue.Message) error {
	raw, ok := m.Receipt().(string)
	if !ok {
		return errors.InvalidArgument("message for request %s carries no receipt", m.RequestID)
	}
	q.release(raw)
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, processingKey, 1, raw)
		pipe.HDel(ctx, deadlinesKey, raw)
		return nil
	})
	if err != nil {
		return errors.ServiceUnavailable("acking request %s, %s", m.RequestID, err)
	}
	return nil
}

func (q *Queue) Nack(ctx context.Context, m *queue.Message) error {
	raw, ok := m.Receipt().(string)
	if !ok {
		return errors.InvalidArgument("message for request %s carries no receipt", m.RequestID)
	}
	q.release(raw)
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, processingKey, 1, raw)
		pipe.HDel(ctx, deadlinesKey, raw)
		pipe.LPush(ctx, readyKey, raw)
		return nil
	})
	if err != nil {
		return errors.ServiceUnavailable("nacking request %s, %s", m.RequestID, err)
	}
	return nil
}

func (q *Queue) Count(ctx context.Context) (int, error) {
	var ready, processing int64
	var err error
	if ready, err = q.client.LLen(ctx, readyKey).Result(); err != nil {
		return 0, errors.ServiceUnavailable("counting queue, %s", err)
	}
	if processing, err = q.client.LLen(ctx, processingKey).Result(); err != nil {
		return 0, errors.ServiceUnavailable("counting queue, %s", err)
	}
	return int(ready + processing), nil
}

// KeepAlive pings the backend and pushes out the deadline of every message
// this consumer holds, so long-running dispatches are not redelivered
func (q *Queue) KeepAlive(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return errors.ServiceUnavailable("pinging redis queue, %s", err)
	}
	q.mu.Lock()
	held := make([]string, 0, len(q.held))
	for raw := range q.held {
		held = append(held, raw)
	}
	q.mu.Unlock()
	deadline := q.clk.Now().Add(q.visibility).Unix()
	for _, raw := range held {
		if err := q.client.HSet(ctx, deadlinesKey, raw, deadline).Err(); err != nil {
			return errors.ServiceUnavailable("extending delivery deadline, %s", err)
		}
	}
	return nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

func (q *Queue) release(raw string) {
	q.mu.Lock()
	delete(q.held, raw)
	q.mu.Unlock()
}

// redeliverExpired moves timed-out deliveries back to the head of the ready
// list. Runs before every dequeue; harmless if several consumers race it.
func (q *Queue) redeliverExpired(ctx context.Context) error {
	deadlines, err := q.client.HGetAll(ctx, deadlinesKey).Result()
	if err != nil {
		return errors.ServiceUnavailable("listing delivery deadlines, %s", err)
	}
	now := q.clk.Now().Unix()
	for raw, deadline := range deadlines {
		expiry, err := strconv.ParseInt(deadline, 10, 64)
		if err != nil || expiry >= now {
			continue
		}
		q.mu.Lock()
		_, ours := q.held[raw]
		q.mu.Unlock()
		if ours {
			continue
		}
		_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, processingKey, 1, raw)
			pipe.HDel(ctx, deadlinesKey, raw)
			pipe.LPush(ctx, readyKey, raw)
			return nil
		})
		if err != nil {
			return errors.ServiceUnavailable("redelivering expired message, %s", err)
		}
	}
	return nil
}
