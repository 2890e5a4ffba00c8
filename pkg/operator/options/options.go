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

package options

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/samber/lo"
	"go.uber.org/multierr"

	"github.com/datagate-io/datagate/pkg/utils/env"
)

// Actor names accepted by --actors.
const (
	ActorFrontend = "frontend"
	ActorBroker   = "broker"
	ActorWorker   = "worker"
	ActorGC       = "gc"
)

var knownActors = []string{ActorFrontend, ActorBroker, ActorWorker, ActorGC}

// Options for running this binary
type Options struct {
	*flag.FlagSet

	ConfigFile    string
	ListenAddress string
	LogLevel      string
	Actors        string
	AuthCacheTTL  time.Duration
}

// New creates an Options struct and registers CLI flags and environment variables to fill-in the Options struct fields
func New() *Options {
	opts := &Options{}
	f := flag.NewFlagSet("datagate", flag.ContinueOnError)
	opts.FlagSet = f

	f.StringVar(&opts.ConfigFile, "config", env.WithDefaultString("DATAGATE_CONFIG", "datagate.yaml"), "Path to the configuration file with backend wiring and the collection catalog")
	f.StringVar(&opts.ListenAddress, "listen-address", env.WithDefaultString("DATAGATE_LISTEN_ADDRESS", ":8080"), "The address the HTTP frontend binds to")
	f.StringVar(&opts.LogLevel, "log-level", env.WithDefaultString("DATAGATE_LOG_LEVEL", "info"), "Log level: debug, info, warn or error")
	f.StringVar(&opts.Actors, "actors", env.WithDefaultString("DATAGATE_ACTORS", strings.Join(knownActors, ",")), "Comma-separated list of actors to run in this process")
	f.DurationVar(&opts.AuthCacheTTL, "auth-cache-ttl", env.WithDefaultDuration("DATAGATE_AUTH_CACHE_TTL", 2*time.Minute), "How long authenticated principals are cached")
	return opts
}

// MustParse reads the user passed flags, environment variables, and default values.
// Options are validated and panics if an error is returned
func (o *Options) MustParse() *Options {
	err := o.Parse(os.Args[1:])

	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		panic(err)
	}
	if err := o.Validate(); err != nil {
		panic(err)
	}
	return o
}

func (o Options) Validate() (err error) {
	if o.ConfigFile == "" {
		err = multierr.Append(err, fmt.Errorf("DATAGATE_CONFIG is required"))
	}
	if !lo.Contains([]string{"debug", "info", "warn", "error"}, o.LogLevel) {
		err = multierr.Append(err, fmt.Errorf("log-level may only be debug, info, warn or error"))
	}
	if len(o.ActorList()) == 0 {
		err = multierr.Append(err, fmt.Errorf("actors must name at least one actor"))
	}
	for _, actor := range o.ActorList() {
		if !lo.Contains(knownActors, actor) {
			err = multierr.Append(err, fmt.Errorf("unknown actor %q; choose from %s", actor, strings.Join(knownActors, ", ")))
		}
	}
	return err
}

// ActorList splits the --actors flag into actor names
func (o Options) ActorList() []string {
	return lo.FilterMap(strings.Split(o.Actors, ","), func(s string, _ int) (string, bool) {
		trimmed := strings.TrimSpace(s)
		return trimmed, trimmed != ""
	})
}

// RunsActor returns true when the named actor is enabled for this process
func (o Options) RunsActor(name string) bool {
	return lo.Contains(o.ActorList(), name)
}
