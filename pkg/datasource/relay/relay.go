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

// Package relay implements a data source that forwards requests to an
// upstream HTTP service and streams its response back as the result.
// Transient upstream failures are retried with backoff before the dispatch is
// reported failed.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"k8s.io/utils/clock"

	"github.com/datagate-io/datagate/pkg/api"
	"github.com/datagate-io/datagate/pkg/config"
	"github.com/datagate-io/datagate/pkg/datasource"
	"github.com/datagate-io/datagate/pkg/errors"
)

func init() {
	datasource.Register("relay", func(_ context.Context, cfg config.DataSource, clk clock.Clock) (datasource.Interface, error) {
		return NewDataSource(cfg, clk)
	})
}

type Config struct {
	URL      string        `mapstructure:"url"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Attempts uint          `mapstructure:"attempts"`
}

type DataSource struct {
	datasource.Base

	url      string
	client   *http.Client
	attempts uint

	mu        sync.Mutex
	responses map[string]*http.Response
}

func NewDataSource(cfg config.DataSource, clk clock.Clock) (*DataSource, error) {
	rc := Config{}
	if err := decode(cfg, &rc); err != nil {
		return nil, err
	}
	if rc.URL == "" {
		return nil, errors.InvalidArgument("relay datasource %q requires a url", cfg.Name)
	}
	if rc.Timeout <= 0 {
		rc.Timeout = 5 * time.Minute
	}
	if rc.Attempts == 0 {
		rc.Attempts = 3
	}
	return &DataSource{
		Base:      datasource.NewBase(cfg, clk),
		url:       rc.URL,
		client:    &http.Client{Timeout: rc.Timeout},
		attempts:  rc.Attempts,
		responses: map[string]*http.Response{},
	}, nil
}

func (d *DataSource) Dispatch(ctx context.Context, request *api.Request, input []byte) error {
	body, err := json.Marshal(map[string]interface{}{
		"verb":    request.Verb,
		"request": request.UserRequest,
	})
	if err != nil {
		return errors.Internal("encoding upstream payload for %s, %s", request.ID, err)
	}
	if len(input) > 0 {
		body = input
	}
	var resp *http.Response
	err = retry.Do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
		if err != nil {
			return retry.Unrecoverable(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err = d.client.Do(req) //nolint:bodyclose // the result stream owns the body
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			return fmt.Errorf("upstream returned %s", resp.Status)
		}
		if resp.StatusCode >= 400 {
			resp.Body.Close()
			return retry.Unrecoverable(fmt.Errorf("upstream rejected the request with %s", resp.Status))
		}
		return nil
	}, retry.Attempts(d.attempts), retry.Context(ctx), retry.LastErrorOnly(true))
	if err != nil {
		return errors.ServiceUnavailable("relaying request %s to %s, %s", request.ID, d.url, err)
	}
	request.AppendMessage("upstream %s accepted the request", d.url)
	d.mu.Lock()
	d.responses[request.ID] = resp
	d.mu.Unlock()
	return nil
}

func (d *DataSource) Result(_ context.Context, request *api.Request) (io.ReadCloser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	resp, ok := d.responses[request.ID]
	if !ok {
		return nil, errors.Internal("no upstream response held for request %s", request.ID)
	}
	return resp.Body, nil
}

func (d *DataSource) MimeType() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, resp := range d.responses {
		if ct := resp.Header.Get("Content-Type"); ct != "" {
			return ct
		}
	}
	return "application/octet-stream"
}

func (d *DataSource) Destroy(_ context.Context, request *api.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if resp, ok := d.responses[request.ID]; ok {
		resp.Body.Close()
		delete(d.responses, request.ID)
	}
}

func decode(cfg config.DataSource, out interface{}) error {
	backend := config.Backend{Type: cfg.Type, Options: cfg.Options}
	return backend.Decode(out)
}
