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

package staging

import (
	"bytes"
	"context"
	"io"
	"sync"

	"k8s.io/utils/clock"

	"github.com/datagate-io/datagate/pkg/config"
	"github.com/datagate-io/datagate/pkg/errors"
)

func init() {
	Register("memory", func(_ context.Context, backend config.Backend, clk clock.Clock) (Interface, error) {
		cfg := MemoryConfig{}
		if err := backend.Decode(&cfg); err != nil {
			return nil, err
		}
		return NewMemory(clk, cfg.BaseURL), nil
	})
}

type MemoryConfig struct {
	// BaseURL prefixes staged object ids to form download URLs. Workers fetch
	// archive input through these URLs, so deployments serving archives must
	// set an absolute address the worker can reach; the relative default only
	// suits retrieve-only setups behind a single frontend.
	BaseURL string `mapstructure:"base_url"`
}

type blob struct {
	object Object
	data   []byte
}

// Memory is the in-process staging backend for tests and single-node runs.
type Memory struct {
	mu      sync.RWMutex
	blobs   map[string]blob
	baseURL string
	clk     clock.Clock
}

func NewMemory(clk clock.Clock, baseURL string) *Memory {
	if baseURL == "" {
		baseURL = "/api/v1/downloads"
	}
	return &Memory{
		blobs:   map[string]blob{},
		baseURL: baseURL,
		clk:     clk,
	}
}

func (m *Memory) Create(_ context.Context, id string, r io.Reader, contentType string) (string, int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", 0, errors.ServiceUnavailable("reading staged data for %s, %s", id, err)
	}
	key := ObjectKey(id, contentType)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = blob{
		object: Object{
			Key:          key,
			RequestID:    id,
			ContentType:  contentType,
			Size:         int64(len(data)),
			LastModified: m.clk.Now(),
		},
		data: data,
	}
	return m.baseURL + "/" + id, int64(len(data)), nil
}

func (m *Memory) Open(_ context.Context, id string) (io.ReadCloser, *Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for key, b := range m.blobs {
		if RequestIDFromKey(key) == id {
			object := b.object
			return io.NopCloser(bytes.NewReader(b.data)), &object, nil
		}
	}
	return nil, nil, errors.NotFound("no staged data for request %s", id)
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.blobs {
		if RequestIDFromKey(key) == id || key == id {
			delete(m.blobs, key)
			return nil
		}
	}
	return errors.NotFound("no staged data for request %s", id)
}

func (m *Memory) List(_ context.Context) ([]Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Object, 0, len(m.blobs))
	for _, b := range m.blobs {
		out = append(out, b.object)
	}
	return out, nil
}

