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
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"knative.dev/pkg/logging"

	"github.com/datagate-io/datagate/pkg/api"
	"github.com/datagate-io/datagate/pkg/errors"
)

type contextKey string

const userKey contextKey = "user"

// authenticate resolves the Authorization header into a principal and stores
// it on the request context
func (f *Frontend) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		material := r.Header.Get("Authorization")
		if material == "" {
			w.Header().Set("WWW-Authenticate", `Basic realm="datagate"`)
			renderError(w, errors.Unauthorized("authorization required"))
			return
		}
		user, err := f.authenticator.Authenticate(r.Context(), material)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="datagate"`)
			renderError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	})
}

// userFrom returns the authenticated principal stored by the middleware
func userFrom(ctx context.Context) *api.User {
	user, _ := ctx.Value(userKey).(*api.User)
	return user
}

// observe logs each request and records the handler metrics. The logger is
// taken from the daemon context so handlers can use logging.FromContext.
func (f *Frontend) observe(ctx context.Context) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(logging.WithLogger(r.Context(), logging.FromContext(ctx))))
			elapsed := time.Since(start)
			RequestDuration.WithLabelValues(r.Method).Observe(elapsed.Seconds())
			logging.FromContext(ctx).Debugw("handled http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", elapsed)
		})
	}
}
