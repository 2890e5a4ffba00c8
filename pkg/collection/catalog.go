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

package collection

import (
	"context"

	"k8s.io/utils/clock"

	"github.com/datagate-io/datagate/pkg/api"
	"github.com/datagate-io/datagate/pkg/config"
	"github.com/datagate-io/datagate/pkg/errors"
)

// Catalog is the set of collections the service exposes, built once at
// startup from configuration.
type Catalog map[string]*Collection

func NewCatalog(ctx context.Context, cfgs map[string]config.Collection, clk clock.Clock) (Catalog, error) {
	catalog := Catalog{}
	for name, cfg := range cfgs {
		coll, err := New(ctx, name, cfg, clk)
		if err != nil {
			return nil, err
		}
		catalog[name] = coll
	}
	return catalog, nil
}

// Get resolves a collection by name
func (c Catalog) Get(name string) (*Collection, error) {
	coll, ok := c[name]
	if !ok {
		return nil, errors.NotFound("unknown collection %q", name)
	}
	return coll, nil
}

// Authorized lists the collections the user may touch
func (c Catalog) Authorized(user *api.User) []string {
	var out []string
	for name, coll := range c {
		if coll.Authorized(user) {
			out = append(out, name)
		}
	}
	return out
}
