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
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"knative.dev/pkg/logging"

	"github.com/datagate-io/datagate/pkg/api"
	"github.com/datagate-io/datagate/pkg/errors"
	"github.com/datagate-io/datagate/pkg/store"
)

type submission struct {
	Verb    string      `json:"verb"`
	Request interface{} `json:"request"`
	URL     string      `json:"url,omitempty"`
}

// postRequest accepts a new request into the lifecycle
func (f *Frontend) postRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := userFrom(ctx)
	name := chi.URLParam(r, "ref")
	coll, err := f.catalog.Get(name)
	if err != nil {
		renderError(w, err)
		return
	}
	if !coll.Authorized(user) {
		renderError(w, errors.Forbidden("user %s may not use collection %s", user, name))
		return
	}
	body := submission{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		renderError(w, errors.InvalidArgument("decoding request body, %s", err))
		return
	}
	if body.Verb == "" || body.Request == nil {
		renderError(w, errors.InvalidArgument("request body must carry verb and request"))
		return
	}
	verb, err := api.ParseVerb(body.Verb)
	if err != nil {
		renderError(w, err)
		return
	}
	request := api.NewRequest(user, verb, name, body.Request, body.URL, f.clk.Now())
	if err := f.store.Add(ctx, request); err != nil {
		renderError(w, err)
		return
	}
	Submissions.WithLabelValues(name, string(verb)).Inc()
	logging.FromContext(ctx).Infow("accepted request", "request-id", request.ID, "collection", name, "user", user.String())
	w.Header().Set("Location", "./"+request.ID)
	w.Header().Set("Retry-After", retryAfter)
	renderJSON(w, http.StatusAccepted, request)
}

// getRequests serves both listing by collection and polling a single id; the
// path parameter is tried as a collection name first
func (f *Frontend) getRequests(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := userFrom(ctx)
	ref := chi.URLParam(r, "ref")
	if _, err := f.catalog.Get(ref); err == nil {
		requests, err := f.store.GetMany(ctx, store.Query{
			UserID:     user.ID,
			Collection: ref,
			SortAsc:    "timestamp",
		})
		if err != nil {
			renderError(w, err)
			return
		}
		renderJSON(w, http.StatusOK, requests)
		return
	}
	f.getRequest(w, r, ref)
}

// getRequest polls one request, steering the caller per its status
func (f *Frontend) getRequest(w http.ResponseWriter, r *http.Request, id string) {
	ctx := r.Context()
	user := userFrom(ctx)
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
	switch request.Status {
	case api.StatusProcessed:
		w.Header().Set("Location", request.URL)
		renderJSON(w, http.StatusSeeOther, request)
	case api.StatusFailed:
		renderJSON(w, http.StatusBadRequest, request)
	default:
		w.Header().Set("Retry-After", retryAfter)
		renderJSON(w, http.StatusAccepted, request)
	}
}

// deleteRequest revokes a waiting or queued request; "all" revokes every
// revocable request the caller owns
func (f *Frontend) deleteRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := userFrom(ctx)
	id := chi.URLParam(r, "ref")
	count, err := f.store.Revoke(ctx, user, id)
	if err != nil {
		renderError(w, err)
		return
	}
	// any staged upload for the revoked request is now dangling; drop it
	if id != store.RevokeAll {
		if err := f.staging.Delete(ctx, id); err != nil && !errors.IsNotFound(err) {
			logging.FromContext(ctx).Warnf("deleting staged data for revoked request %s, %s", id, err)
		}
	}
	Revocations.Add(float64(count))
	logging.FromContext(ctx).Infow("revoked requests", "count", count, "user", user.String())
	renderJSON(w, http.StatusOK, map[string]int{"revoked": count})
}
