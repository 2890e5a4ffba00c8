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

// Package auth defines the single operation the core needs from an identity
// provider: given authorization material, return an authenticated principal
// or fail. Concrete providers plug in through the registry; the frontend
// wraps whichever is configured in a TTL cache.
package auth

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/datagate-io/datagate/pkg/api"
	"github.com/datagate-io/datagate/pkg/config"
	"github.com/datagate-io/datagate/pkg/errors"
)

// Authenticator resolves authorization material (the Authorization header
// value) into a principal.
type Authenticator interface {
	Authenticate(ctx context.Context, material string) (*api.User, error)
}

// Constructor builds an authenticator from its configuration.
type Constructor func(ctx context.Context, backend config.Backend) (Authenticator, error)

var constructors = map[string]Constructor{}

// Register installs a provider constructor under a type name
func Register(name string, ctor Constructor) {
	constructors[name] = ctor
}

// New builds the provider named by the configuration
func New(ctx context.Context, backend config.Backend) (Authenticator, error) {
	ctor, ok := constructors[backend.Type]
	if !ok {
		return nil, errors.InvalidArgument("unknown auth provider %q", backend.Type)
	}
	return ctor(ctx, backend)
}

// ParseBasic decodes Basic authorization material into its credential pair
func ParseBasic(material string) (string, string, error) {
	scheme, encoded, found := strings.Cut(material, " ")
	if !found || !strings.EqualFold(scheme, "Basic") {
		return "", "", errors.Unauthorized("authorization is not Basic")
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", "", errors.Unauthorized("authorization is not valid base64")
	}
	username, password, found := strings.Cut(string(decoded), ":")
	if !found || username == "" {
		return "", "", errors.Unauthorized("authorization carries no credentials")
	}
	return username, password, nil
}
