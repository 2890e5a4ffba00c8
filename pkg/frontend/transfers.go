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

package frontend

import (
	"bytes"
	"crypto/md5"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"knative.dev/pkg/logging"

	"github.com/datagate-io/datagate/pkg/api"
	"github.com/datagate-io/datagate/pkg/errors"
)

// download streams a staged artefact to the caller
func (f *Frontend) download(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := userFrom(ctx)
	id := chi.URLParam(r, "id")
	request, err := f.store.Get(ctx, id)
	if err != nil {
		renderError(w, err)
		return
	}
	if request == nil {
		renderError(w, errors.NotFound("no request %s", id))
		return
	}
	if request.User.ID != user.ID {
		renderError(w, errors.Forbidden("request %s belongs to another user", id))
		return
	}
	stream, object, err := f.staging.Open(ctx, id)
	if err != nil {
		renderError(w, err)
		return
	}
	defer stream.Close()
	w.Header().Set("Content-Type", object.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(object.Size, 10))
	w.WriteHeader(http.StatusOK)
	if n, err := io.Copy(w, stream); err != nil {
		logging.FromContext(ctx).Warnw("download interrupted", "request-id", id, "written", n, "error", err)
		return
	}
	BytesServed.Add(float64(object.Size))
}

// upload ingests the body of an UPLOADING archive request, verifies its
// checksum, and hands the request over to the broker
func (f *Frontend) upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := userFrom(ctx)
	id := chi.URLParam(r, "id")
	request, err := f.store.Get(ctx, id)
	if err != nil {
		renderError(w, err)
		return
	}
	if request == nil {
		renderError(w, errors.NotFound("no request %s", id))
		return
	}
	if request.User.ID != user.ID {
		renderError(w, errors.Forbidden("request %s belongs to another user", id))
		return
	}
	if request.Status != api.StatusUploading {
		renderError(w, errors.Conflict("request %s is %s, not awaiting an upload", id, request.Status))
		return
	}
	checksum := r.Header.Get("X-Checksum")
	if checksum == "" {
		renderError(w, errors.InvalidArgument("upload requires an X-Checksum header"))
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		renderError(w, errors.InvalidArgument("reading upload body, %s", err))
		return
	}
	digest := fmt.Sprintf("%x", md5.Sum(body))
	if digest != checksum {
		renderError(w, errors.InvalidArgument("upload checksum %s does not match body digest %s", checksum, digest))
		return
	}
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	url, size, err := f.staging.Create(ctx, id, bytes.NewReader(body), contentType)
	if err != nil {
		renderError(w, err)
		return
	}
	request.URL = url
	request.MD5 = digest
	request.ContentLength = size
	request.ContentType = contentType
	if err := f.tracker.Transition(ctx, request, api.StatusWaiting); err != nil {
		renderError(w, err)
		return
	}
	BytesUploaded.Add(float64(size))
	logging.FromContext(ctx).Infow("upload complete", "request-id", id, "size", size)
	renderJSON(w, http.StatusOK, request)
}
