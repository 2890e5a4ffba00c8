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

// Package datasource defines the adapter contract a collection dispatches
// through. A data source first answers whether it can serve a request at all
// (Match, a pure predicate over the coerced payload), then performs the work
// (Dispatch) and exposes the result stream. Adapters register constructors by
// type name.
package datasource

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/samber/lo"
	"k8s.io/utils/clock"

	"github.com/datagate-io/datagate/pkg/api"
	"github.com/datagate-io/datagate/pkg/coerce"
	"github.com/datagate-io/datagate/pkg/config"
	"github.com/datagate-io/datagate/pkg/errors"
)

// Interface is implemented by concrete adapters. Match must be side-effect
// free; Dispatch performs the retrieve or archive and may append progress to
// the request's user message. Result is consumed once, after a successful
// RETRIEVE dispatch. Destroy releases transient resources and must be safe
// after any other method, including after failures.
type Interface interface {
	Name() string
	Match(request *api.Request, user *api.User) error
	Dispatch(ctx context.Context, request *api.Request, input []byte) error
	Result(ctx context.Context, request *api.Request) (io.ReadCloser, error)
	MimeType() string
	Destroy(ctx context.Context, request *api.Request)
}

// Constructor builds an adapter from its collection-level configuration.
type Constructor func(ctx context.Context, cfg config.DataSource, clk clock.Clock) (Interface, error)

var constructors = map[string]Constructor{}

// Register installs an adapter constructor under a type name
func Register(name string, ctor Constructor) {
	constructors[name] = ctor
}

// New builds the adapter named by the configuration
func New(ctx context.Context, cfg config.DataSource, clk clock.Clock) (Interface, error) {
	ctor, ok := constructors[cfg.Type]
	if !ok {
		return nil, errors.InvalidArgument("unknown datasource type %q", cfg.Type)
	}
	return ctor(ctx, cfg, clk)
}

// Base carries the configuration shared by all adapters and implements the
// generic per-key match rules. Adapters embed it and provide the rest.
type Base struct {
	Config config.DataSource
	Clock  clock.Clock
}

func NewBase(cfg config.DataSource, clk clock.Clock) Base {
	return Base{Config: cfg, Clock: clk}
}

func (b *Base) Name() string {
	if b.Config.Name != "" {
		return b.Config.Name
	}
	return b.Config.Type
}

// Match evaluates the configured per-key rules against the coerced payload.
// The date key uses offset predicates; every other key requires the payload
// values to be covered by the rule values. A nil return means the adapter can
// serve the request.
func (b *Base) Match(request *api.Request, _ *api.User) error {
	payload := request.Payload()
	if payload == nil && len(b.Config.Match) > 0 {
		return errors.InvalidArgument("match rules need a mapping payload")
	}
	return MatchRules(b.Config.Match, payload, b.Clock.Now())
}

// MatchRules checks a payload against match rules, one rule per payload key
func MatchRules(rules map[string]interface{}, payload api.Payload, now time.Time) error {
	for key, rule := range rules {
		raw, ok := payload[key]
		if !ok {
			return errors.InvalidArgument("request has no %s to match on", key)
		}
		value := stringify(raw)
		if key == "date" {
			if err := coerce.CheckDateRule(rule, value, now); err != nil {
				return err
			}
			continue
		}
		allowed := ruleValues(rule)
		// range syntax keywords and step counts are not values
		if body, _, found := strings.Cut(value, "/by/"); found {
			value = body
		}
		for _, el := range strings.Split(value, "/") {
			if el == "to" {
				continue
			}
			if !lo.Contains(allowed, el) {
				return errors.InvalidArgument("%s %q is not one of %s", key, el, strings.Join(allowed, ", "))
			}
		}
	}
	return nil
}

func ruleValues(rule interface{}) []string {
	switch r := rule.(type) {
	case []interface{}:
		return lo.Map(r, func(el interface{}, _ int) string { return stringify(el) })
	case []string:
		return r
	default:
		return []string{stringify(rule)}
	}
}

func stringify(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
