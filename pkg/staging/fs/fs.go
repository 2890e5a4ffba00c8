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

// Package fs implements staging on a local directory. One file per object,
// named by the staging key; content types round-trip through the key
// extension. Writes go through a temp file and rename so readers never see a
// partial object.
package fs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"k8s.io/utils/clock"

	"github.com/datagate-io/datagate/pkg/config"
	"github.com/datagate-io/datagate/pkg/errors"
	"github.com/datagate-io/datagate/pkg/staging"
)

func init() {
	staging.Register("fs", func(_ context.Context, backend config.Backend, _ clock.Clock) (staging.Interface, error) {
		cfg := Config{}
		if err := backend.Decode(&cfg); err != nil {
			return nil, err
		}
		return NewStaging(cfg)
	})
}

type Config struct {
	Root string `mapstructure:"root"`
	// BaseURL prefixes staged object ids to form download URLs. Workers fetch
	// archive input through these URLs, so deployments serving archives must
	// set an absolute address the worker can reach; the relative default only
	// suits retrieve-only setups behind a single frontend.
	BaseURL string `mapstructure:"base_url"`
}

type Staging struct {
	root    string
	baseURL string
}

func NewStaging(cfg Config) (*Staging, error) {
	if cfg.Root == "" {
		return nil, errors.InvalidArgument("fs staging requires a root directory")
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("creating staging root %s, %w", cfg.Root, err)
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "/api/v1/downloads"
	}
	return &Staging{root: cfg.Root, baseURL: baseURL}, nil
}

func (s *Staging) Create(_ context.Context, id string, r io.Reader, contentType string) (string, int64, error) {
	key := staging.ObjectKey(id, contentType)
	tmp, err := os.CreateTemp(s.root, "."+id+"-*")
	if err != nil {
		return "", 0, fmt.Errorf("creating staging temp file for %s, %w", id, err)
	}
	defer os.Remove(tmp.Name())
	size, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return "", 0, fmt.Errorf("writing staged data for %s, %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("closing staging temp file for %s, %w", id, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.root, key)); err != nil {
		return "", 0, fmt.Errorf("publishing staged data for %s, %w", id, err)
	}
	return s.baseURL + "/" + id, size, nil
}

func (s *Staging) Open(_ context.Context, id string) (io.ReadCloser, *staging.Object, error) {
	key, info, err := s.find(id)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(filepath.Join(s.root, key))
	if err != nil {
		return nil, nil, fmt.Errorf("opening staged data for %s, %w", id, err)
	}
	return f, &staging.Object{
		Key:          key,
		RequestID:    id,
		ContentType:  staging.ContentTypeFromKey(key),
		Size:         info.Size(),
		LastModified: info.ModTime(),
	}, nil
}

func (s *Staging) Delete(_ context.Context, id string) error {
	key, _, err := s.find(id)
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(s.root, key)); err != nil {
		return fmt.Errorf("deleting staged data for %s, %w", id, err)
	}
	return nil
}

func (s *Staging) List(_ context.Context) ([]staging.Object, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("listing staging root, %w", err)
	}
	out := make([]staging.Object, 0, len(entries))
	for _, entry := range entries {
		// temp files still being written are dot-prefixed
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		out = append(out, staging.Object{
			Key:          entry.Name(),
			RequestID:    staging.RequestIDFromKey(entry.Name()),
			ContentType:  staging.ContentTypeFromKey(entry.Name()),
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
	}
	return out, nil
}

func (s *Staging) find(id string) (string, os.FileInfo, error) {
	matches, err := filepath.Glob(filepath.Join(s.root, id+"*"))
	if err != nil {
		return "", nil, fmt.Errorf("globbing staging root for %s, %w", id, err)
	}
	for _, match := range matches {
		key := filepath.Base(match)
		if staging.RequestIDFromKey(key) != id {
			continue
		}
		info, err := os.Stat(match)
		if err != nil {
			continue
		}
		return key, info, nil
	}
	return "", nil, errors.NotFound("no staged data for request %s", id)
}
