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

// Package operator assembles the process: it loads configuration, builds the
// configured backends through their registries, and runs whichever actors
// this instance is responsible for until a termination signal arrives.
package operator

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"k8s.io/utils/clock"
	"knative.dev/pkg/logging"

	"github.com/datagate-io/datagate/pkg/auth"
	"github.com/datagate-io/datagate/pkg/collection"
	"github.com/datagate-io/datagate/pkg/config"
	"github.com/datagate-io/datagate/pkg/controllers/broker"
	"github.com/datagate-io/datagate/pkg/controllers/gc"
	"github.com/datagate-io/datagate/pkg/controllers/worker"
	"github.com/datagate-io/datagate/pkg/frontend"
	"github.com/datagate-io/datagate/pkg/lifecycle"
	"github.com/datagate-io/datagate/pkg/metricstore"
	"github.com/datagate-io/datagate/pkg/operator/options"
	"github.com/datagate-io/datagate/pkg/queue"
	"github.com/datagate-io/datagate/pkg/staging"
	"github.com/datagate-io/datagate/pkg/store"
)

// Operator holds every component the configured actors share.
type Operator struct {
	Options       *options.Options
	Config        *config.Config
	Clock         clock.Clock
	Store         store.Interface
	Queue         queue.Interface
	Staging       staging.Interface
	MetricStore   metricstore.Interface
	Authenticator auth.Authenticator
	Catalog       collection.Catalog
	Tracker       *lifecycle.Tracker
}

// New builds the operator from configuration. Every backend named in the
// config file must have been registered by an imported backend package.
func New(ctx context.Context, opts *options.Options) (*Operator, error) {
	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		return nil, err
	}
	clk := clock.RealClock{}
	s, err := store.New(ctx, cfg.Store, clk)
	if err != nil {
		return nil, fmt.Errorf("building store backend, %w", err)
	}
	q, err := queue.New(ctx, cfg.Queue, clk)
	if err != nil {
		return nil, fmt.Errorf("building queue backend, %w", err)
	}
	stg, err := staging.New(ctx, cfg.Staging, clk)
	if err != nil {
		return nil, fmt.Errorf("building staging backend, %w", err)
	}
	ms, err := metricstore.New(ctx, cfg.MetricStore, clk)
	if err != nil {
		return nil, fmt.Errorf("building metric store backend, %w", err)
	}
	authenticator, err := auth.New(ctx, cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("building auth provider, %w", err)
	}
	catalog, err := collection.NewCatalog(ctx, cfg.Collections, clk)
	if err != nil {
		return nil, fmt.Errorf("building collection catalog, %w", err)
	}
	return &Operator{
		Options:       opts,
		Config:        cfg,
		Clock:         clk,
		Store:         s,
		Queue:         q,
		Staging:       stg,
		MetricStore:   ms,
		Authenticator: auth.NewCached(authenticator, opts.AuthCacheTTL),
		Catalog:       catalog,
		Tracker:       lifecycle.NewTracker(s, ms),
	}, nil
}

// Run starts the enabled actors and blocks until the context is cancelled
// and they have drained
func (o *Operator) Run(ctx context.Context) error {
	log := logging.FromContext(ctx)
	log.Infow("starting", "actors", o.Options.ActorList())
	var wg sync.WaitGroup
	var frontendErr error
	if o.Options.RunsActor(options.ActorBroker) {
		c := broker.NewController(o.Store, o.Queue, o.Catalog, o.Tracker, o.Config.Broker, o.Clock)
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Start(ctx)
		}()
	}
	if o.Options.RunsActor(options.ActorWorker) {
		c := worker.NewController(o.Store, o.Queue, o.Staging, o.Catalog, o.Tracker, o.Config.Worker, o.Clock)
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Start(ctx)
		}()
	}
	if o.Options.RunsActor(options.ActorGC) {
		c, err := gc.NewController(o.Store, o.MetricStore, o.Staging, o.Config.GC, o.Clock)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Start(ctx)
		}()
	}
	if o.Options.RunsActor(options.ActorFrontend) {
		f := frontend.New(o.Store, o.Queue, o.Staging, o.Catalog, o.Tracker, o.Authenticator, o.Clock)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.Serve(ctx, o.Options.ListenAddress); err != nil {
				frontendErr = err
				log.Errorf("frontend stopped, %s", err)
			}
		}()
	}
	wg.Wait()
	if err := o.Queue.Close(); err != nil {
		log.Errorf("closing queue, %s", err)
	}
	log.Info("shutdown complete")
	return frontendErr
}

// NewLogger builds the process logger at the configured level
func NewLogger(level string) (*zap.SugaredLogger, error) {
	cfg := zap.NewProductionConfig()
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level %q, %w", level, err)
	}
	cfg.Level = lvl
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger, %w", err)
	}
	return logger.Sugar(), nil
}
