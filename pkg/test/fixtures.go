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

// Package test provides builders shared by the package test suites.
package test

import (
	"fmt"
	"time"

	"github.com/samber/lo"

	"github.com/datagate-io/datagate/pkg/api"
	"github.com/datagate-io/datagate/pkg/config"
)

// RequestOptions customizes a test request; zero values fall back to the
// fixture defaults.
type RequestOptions struct {
	ID         string
	User       *api.User
	Verb       api.Verb
	Collection string
	Status     api.Status
	Payload    interface{}
	Timestamp  int64
	URL        string
}

var sequence int

// Request builds a request fixture
func Request(overrides ...RequestOptions) *api.Request {
	opts := RequestOptions{}
	if len(overrides) > 0 {
		opts = overrides[0]
	}
	opts.User = lo.Ternary(opts.User != nil, opts.User, User())
	opts.Verb = lo.Ternary(opts.Verb != "", opts.Verb, api.VerbRetrieve)
	opts.Collection = lo.Ternary(opts.Collection != "", opts.Collection, "observations")
	if opts.Payload == nil {
		opts.Payload = api.Payload{"date": "20240101", "param": "temperature"}
	}
	if opts.Timestamp == 0 {
		// matches the fake clocks the suites pin to
		opts.Timestamp = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC).Unix()
	}
	r := api.NewRequest(opts.User, opts.Verb, opts.Collection, opts.Payload, opts.URL, time.Unix(opts.Timestamp, 0))
	if opts.ID != "" {
		r.ID = opts.ID
	}
	if opts.Status != "" {
		r.Status = opts.Status
	}
	return r
}

// User builds a distinct user fixture per call
func User() *api.User {
	sequence++
	user := api.NewUser(fmt.Sprintf("user-%d", sequence), "test")
	user.Roles = []string{"default"}
	return user
}

// NamedUser builds a user fixture with a fixed identity
func NamedUser(username string, roles ...string) *api.User {
	user := api.NewUser(username, "test")
	user.Roles = roles
	return user
}

// Collection builds a collection configuration around the given data sources
func Collection(limits config.Limits, dataSources ...config.DataSource) config.Collection {
	if len(dataSources) == 0 {
		dataSources = []config.DataSource{{Type: "echo"}}
	}
	return config.Collection{
		DataSources: dataSources,
		Limits:      limits,
	}
}
