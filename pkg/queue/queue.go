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

// Package queue defines the durable at-least-once message channel between the
// broker and the workers, and the registry through which backends plug in.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"k8s.io/utils/clock"

	"github.com/datagate-io/datagate/pkg/config"
	"github.com/datagate-io/datagate/pkg/errors"
)

// Message is the envelope the broker enqueues: just enough for a worker to
// fetch the live record from the store. The receipt is the backend's delivery
// token and never crosses the wire.
type Message struct {
	RequestID  string `json:"request_id"`
	Collection string `json:"collection"`
	EnqueuedAt int64  `json:"enqueued_at"`

	receipt interface{}
}

// Receipt returns the backend delivery token attached on dequeue
func (m *Message) Receipt() interface{} {
	return m.receipt
}

// WithReceipt attaches the backend delivery token; called by backends only
func (m *Message) WithReceipt(receipt interface{}) *Message {
	m.receipt = receipt
	return m
}

// Marshal serializes the wire envelope
func (m *Message) Marshal() ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshaling queue message for request %s, %w", m.RequestID, err)
	}
	return raw, nil
}

// UnmarshalMessage deserializes a wire envelope
func UnmarshalMessage(raw []byte) (*Message, error) {
	m := &Message{}
	if err := json.Unmarshal(raw, m); err != nil {
		return nil, fmt.Errorf("unmarshaling queue message, %w", err)
	}
	return m, nil
}

// Interface is the at-least-once channel. Dequeue returns (nil, nil) when no
// message is ready; unacknowledged messages become redeliverable after the
// backend's visibility timeout. Count is an approximate depth gauge.
type Interface interface {
	Enqueue(ctx context.Context, m *Message) error
	Dequeue(ctx context.Context) (*Message, error)
	Ack(ctx context.Context, m *Message) error
	Nack(ctx context.Context, m *Message) error
	Count(ctx context.Context) (int, error)
	KeepAlive(ctx context.Context) error
	Close() error
}

// Constructor builds a queue backend from its configuration.
type Constructor func(ctx context.Context, backend config.Backend, clk clock.Clock) (Interface, error)

var constructors = map[string]Constructor{}

// Register installs a backend constructor under a type name; called from
// backend package init functions
func Register(name string, ctor Constructor) {
	constructors[name] = ctor
}

// New builds the queue backend named by the configuration
func New(ctx context.Context, backend config.Backend, clk clock.Clock) (Interface, error) {
	ctor, ok := constructors[backend.Type]
	if !ok {
		return nil, errors.InvalidArgument("unknown queue backend %q", backend.Type)
	}
	return ctor(ctx, backend, clk)
}
