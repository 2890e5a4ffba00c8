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

// Package staging defines the object store holding request inputs and
// outputs. Objects are keyed by request id plus a mime-derived extension;
// each object is exclusively owned by its request.
package staging

import (
	"context"
	"io"
	"strings"
	"time"

	"k8s.io/utils/clock"

	"github.com/datagate-io/datagate/pkg/config"
	"github.com/datagate-io/datagate/pkg/errors"
)

// Object describes a staged blob.
type Object struct {
	Key          string
	RequestID    string
	ContentType  string
	Size         int64
	LastModified time.Time
}

// Interface is the staging store. Create consumes the reader fully and
// returns the externally resolvable URL plus the byte count written. Open and
// Delete address objects by owning request id regardless of extension.
type Interface interface {
	Create(ctx context.Context, id string, r io.Reader, contentType string) (string, int64, error)
	Open(ctx context.Context, id string) (io.ReadCloser, *Object, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Object, error)
}

// Constructor builds a staging backend from its configuration.
type Constructor func(ctx context.Context, backend config.Backend, clk clock.Clock) (Interface, error)

var constructors = map[string]Constructor{}

// Register installs a backend constructor under a type name; called from
// backend package init functions
func Register(name string, ctor Constructor) {
	constructors[name] = ctor
}

// New builds the staging backend named by the configuration
func New(ctx context.Context, backend config.Backend, clk clock.Clock) (Interface, error) {
	ctor, ok := constructors[backend.Type]
	if !ok {
		return nil, errors.InvalidArgument("unknown staging backend %q", backend.Type)
	}
	return ctor(ctx, backend, clk)
}

// extensions maps mime types onto the suffix appended to object keys. Types
// outside this table get no suffix.
var extensions = map[string]string{
	"application/octet-stream": "bin",
	"application/json":         "json",
	"application/x-grib":       "grib",
	"application/netcdf":       "nc",
	"application/x-netcdf":     "nc",
	"application/zip":          "zip",
	"application/x-tar":        "tar",
	"text/plain":               "txt",
	"text/csv":                 "csv",
}

// ObjectKey derives the staging key for a request id and content type
func ObjectKey(id string, contentType string) string {
	mediaType, _, _ := strings.Cut(contentType, ";")
	if ext, ok := extensions[strings.TrimSpace(mediaType)]; ok {
		return id + "." + ext
	}
	return id
}

// RequestIDFromKey strips the extension suffix from an object key, recovering
// the owning request id
func RequestIDFromKey(key string) string {
	if id, _, found := strings.Cut(key, "."); found {
		return id
	}
	return key
}

var contentTypes = map[string]string{
	"bin":  "application/octet-stream",
	"json": "application/json",
	"grib": "application/x-grib",
	"nc":   "application/netcdf",
	"zip":  "application/zip",
	"tar":  "application/x-tar",
	"txt":  "text/plain",
	"csv":  "text/csv",
}

// ContentTypeFromKey recovers the content type recorded in the key extension
func ContentTypeFromKey(key string) string {
	if _, ext, found := strings.Cut(key, "."); found {
		if mediaType, ok := contentTypes[ext]; ok {
			return mediaType
		}
	}
	return "application/octet-stream"
}

// TotalSize sums the sizes of the given objects
func TotalSize(objects []Object) int64 {
	var total int64
	for _, o := range objects {
		total += o.Size
	}
	return total
}
