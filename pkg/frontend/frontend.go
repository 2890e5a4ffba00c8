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

// Package frontend exposes the request lifecycle over HTTP: submission,
// status polling, revocation, artefact download and ingress upload, plus the
// health and metrics listeners. Handlers only do bounded I/O against the
// store and staging; the actors do the heavy lifting.
package frontend

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/utils/clock"
	"knative.dev/pkg/logging"

	"github.com/datagate-io/datagate/pkg/auth"
	"github.com/datagate-io/datagate/pkg/collection"
	"github.com/datagate-io/datagate/pkg/lifecycle"
	"github.com/datagate-io/datagate/pkg/metrics"
	"github.com/datagate-io/datagate/pkg/queue"
	"github.com/datagate-io/datagate/pkg/staging"
	"github.com/datagate-io/datagate/pkg/store"
)

const retryAfter = "5"

type Frontend struct {
	store         store.Interface
	queue         queue.Interface
	staging       staging.Interface
	catalog       collection.Catalog
	tracker       *lifecycle.Tracker
	authenticator auth.Authenticator
	clk           clock.Clock
}

func New(s store.Interface, q queue.Interface, stg staging.Interface, catalog collection.Catalog, tracker *lifecycle.Tracker, authenticator auth.Authenticator, clk clock.Clock) *Frontend {
	return &Frontend{
		store:         s,
		queue:         q,
		staging:       stg,
		catalog:       catalog,
		tracker:       tracker,
		authenticator: authenticator,
		clk:           clk,
	}
}

// Router builds the HTTP surface
func (f *Frontend) Router(ctx context.Context) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Checksum"},
	}))
	r.Use(f.observe(ctx))

	r.Get("/health", f.health)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(f.authenticate)
		// the one path parameter names a collection (submit, list) or a
		// request id (poll, revoke)
		r.Post("/requests/{ref}", f.postRequest)
		r.Get("/requests/{ref}", f.getRequests)
		r.Delete("/requests/{ref}", f.deleteRequest)
		r.Get("/downloads/{id}", f.download)
		r.Post("/uploads/{id}", f.upload)
	})
	return r
}

// Serve runs the listener until the context is cancelled, then drains
func (f *Frontend) Serve(ctx context.Context, address string) error {
	server := &http.Server{
		Addr:              address,
		Handler:           f.Router(ctx),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		logging.FromContext(ctx).Infow("serving http", "address", address)
		errCh <- server.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

// health reports backend reachability
func (f *Frontend) health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checks := map[string]string{"store": "ok", "queue": "ok", "staging": "ok"}
	healthy := true
	if _, err := f.store.GetMany(ctx, store.Query{Limit: 1}); err != nil {
		checks["store"], healthy = err.Error(), false
	}
	if err := f.queue.KeepAlive(ctx); err != nil {
		checks["queue"], healthy = err.Error(), false
	}
	if _, err := f.staging.List(ctx); err != nil {
		checks["staging"], healthy = err.Error(), false
	}
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	renderJSON(w, status, checks)
}
