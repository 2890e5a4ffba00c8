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

// Package echo implements a self-contained data source that answers a
// RETRIEVE with the coerced payload rendered as JSON and accepts any ARCHIVE
// input. It exists for smoke tests and as the reference adapter.
package echo

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"

	"k8s.io/utils/clock"

	"github.com/datagate-io/datagate/pkg/api"
	"github.com/datagate-io/datagate/pkg/config"
	"github.com/datagate-io/datagate/pkg/datasource"
	"github.com/datagate-io/datagate/pkg/errors"
)

func init() {
	datasource.Register("echo", func(_ context.Context, cfg config.DataSource, clk clock.Clock) (datasource.Interface, error) {
		return NewDataSource(cfg, clk), nil
	})
}

type DataSource struct {
	datasource.Base

	mu      sync.Mutex
	results map[string][]byte
}

func NewDataSource(cfg config.DataSource, clk clock.Clock) *DataSource {
	return &DataSource{
		Base:    datasource.NewBase(cfg, clk),
		results: map[string][]byte{},
	}
}

func (d *DataSource) Dispatch(_ context.Context, request *api.Request, input []byte) error {
	switch request.Verb {
	case api.VerbArchive:
		// archive is accept-and-discard; the payload already describes the data
		request.AppendMessage("archived %d bytes", len(input))
		return nil
	default:
		// string payloads echo back verbatim; mappings render as JSON
		var rendered []byte
		if s, ok := request.UserRequest.(string); ok {
			rendered = []byte(s)
		} else {
			var err error
			if rendered, err = json.Marshal(request.UserRequest); err != nil {
				return errors.Internal("rendering payload for %s, %s", request.ID, err)
			}
		}
		d.mu.Lock()
		d.results[request.ID] = rendered
		d.mu.Unlock()
		return nil
	}
}

func (d *DataSource) Result(_ context.Context, request *api.Request) (io.ReadCloser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rendered, ok := d.results[request.ID]
	if !ok {
		return nil, errors.Internal("no result prepared for request %s", request.ID)
	}
	return io.NopCloser(bytes.NewReader(rendered)), nil
}

func (d *DataSource) MimeType() string {
	return "application/json"
}

func (d *DataSource) Destroy(_ context.Context, request *api.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.results, request.ID)
}
