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

// Package collection binds a named configuration bundle together: who may use
// it, how many requests it admits, and the ordered data sources that can
// serve it. Dispatch walks the data sources in priority order; the first one
// to match and succeed wins.
package collection

import (
	"context"
	"strings"

	"github.com/samber/lo"
	"k8s.io/utils/clock"

	"github.com/datagate-io/datagate/pkg/api"
	"github.com/datagate-io/datagate/pkg/coerce"
	"github.com/datagate-io/datagate/pkg/config"
	"github.com/datagate-io/datagate/pkg/datasource"
	"github.com/datagate-io/datagate/pkg/errors"
)

type Collection struct {
	name        string
	cfg         config.Collection
	dataSources []datasource.Interface
	coercers    []*coerce.Coercer
	clk         clock.Clock
}

// New builds a collection and its data-source adapters from configuration.
// Each data source gets its own coercer so per-source options apply before
// matching.
func New(ctx context.Context, name string, cfg config.Collection, clk clock.Clock) (*Collection, error) {
	c := &Collection{name: name, cfg: cfg, clk: clk}
	for _, dsCfg := range cfg.DataSources {
		ds, err := datasource.New(ctx, dsCfg, clk)
		if err != nil {
			return nil, errors.InvalidArgument("collection %q, %s", name, err)
		}
		c.dataSources = append(c.dataSources, ds)
		c.coercers = append(c.coercers, coerce.New(clk, coerce.Options{AllowZeroNumber: dsCfg.AllowZeroNumber}))
	}
	return c, nil
}

func (c *Collection) Name() string {
	return c.name
}

// Authorized reports whether the user may touch the collection at all. A
// collection with no role configuration is open to everyone; otherwise the
// user needs one of the roles listed for their realm.
func (c *Collection) Authorized(user *api.User) bool {
	if len(c.cfg.Roles) == 0 {
		return true
	}
	allowed, ok := c.cfg.Roles[user.Realm]
	if !ok {
		return false
	}
	return len(lo.Intersect(allowed, user.Roles)) > 0
}

// Limit returns the collection-wide active request cap, zero meaning none
func (c *Collection) Limit() int {
	return c.cfg.Limits.Total
}

// UserLimit returns the per-user active request cap for this user: the
// highest per-role limit the user qualifies for in their realm, falling back
// to the per-user default when no role matches. Zero means unlimited.
func (c *Collection) UserLimit(user *api.User) int {
	best, matched := 0, false
	if byRole, ok := c.cfg.Limits.PerRole[user.Realm]; ok {
		for _, role := range user.Roles {
			if n, ok := byRole[role]; ok {
				matched = true
				if n > best {
					best = n
				}
			}
		}
	}
	if matched {
		return best
	}
	return c.cfg.Limits.PerUser
}

// Dispatch walks the data sources in order. For each, the payload is coerced
// with that source's options, the source's match rules are evaluated, and on
// match the work is performed. Mismatch and failure reasons accumulate on the
// request's user message. The winning data source is returned so the caller
// can stream its result and release it.
func (c *Collection) Dispatch(ctx context.Context, request *api.Request, input []byte) (datasource.Interface, error) {
	var mismatches []string
	matched := false
	for i, ds := range c.dataSources {
		coerced, err := c.coerce(c.coercers[i], request)
		if err != nil {
			mismatches = append(mismatches, ds.Name()+": "+err.Error())
			request.AppendMessage("%s: %s", ds.Name(), err)
			continue
		}
		if err := ds.Match(coerced, &request.User); err != nil {
			mismatches = append(mismatches, ds.Name()+": "+err.Error())
			request.AppendMessage("%s: %s", ds.Name(), err)
			continue
		}
		matched = true
		request.AppendMessage("%s: dispatching", ds.Name())
		if err := ds.Dispatch(ctx, request, input); err != nil {
			request.AppendMessage("%s: %s", ds.Name(), err)
			ds.Destroy(ctx, request)
			continue
		}
		return ds, nil
	}
	if !matched {
		return nil, errors.InvalidArgument("no data source can serve the request: %s", strings.Join(mismatches, "; "))
	}
	return nil, errors.Internal("every matching data source failed")
}

// coerce normalizes the payload on a copy so the stored record keeps the
// user's original form. Scalar payloads have nothing to normalize.
func (c *Collection) coerce(coercer *coerce.Coercer, request *api.Request) (*api.Request, error) {
	mapping := request.Payload()
	if mapping == nil {
		return request, nil
	}
	payload, err := coercer.Payload(mapping)
	if err != nil {
		return nil, err
	}
	out := request.DeepCopy()
	out.UserRequest = payload
	return out, nil
}
