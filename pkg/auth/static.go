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

package auth

import (
	"context"
	"crypto/subtle"

	"github.com/datagate-io/datagate/pkg/api"
	"github.com/datagate-io/datagate/pkg/config"
	"github.com/datagate-io/datagate/pkg/errors"
)

func init() {
	Register("none", func(_ context.Context, backend config.Backend) (Authenticator, error) {
		cfg := NoneConfig{}
		if err := backend.Decode(&cfg); err != nil {
			return nil, err
		}
		return NewNone(cfg), nil
	})
	Register("static", func(_ context.Context, backend config.Backend) (Authenticator, error) {
		cfg := StaticConfig{}
		if err := backend.Decode(&cfg); err != nil {
			return nil, err
		}
		return NewStatic(cfg), nil
	})
}

type NoneConfig struct {
	Realm string   `mapstructure:"realm"`
	Roles []string `mapstructure:"roles"`
}

// None trusts Basic credentials without checking a password. Intended for
// development and single-user deployments.
type None struct {
	realm string
	roles []string
}

func NewNone(cfg NoneConfig) *None {
	realm := cfg.Realm
	if realm == "" {
		realm = "default"
	}
	roles := cfg.Roles
	if len(roles) == 0 {
		roles = []string{"default"}
	}
	return &None{realm: realm, roles: roles}
}

func (n *None) Authenticate(_ context.Context, material string) (*api.User, error) {
	username, _, err := ParseBasic(material)
	if err != nil {
		return nil, err
	}
	user := api.NewUser(username, n.realm)
	user.Roles = append([]string{}, n.roles...)
	return user, nil
}

type StaticConfig struct {
	Realm string                `mapstructure:"realm"`
	Users map[string]StaticUser `mapstructure:"users"`
}

type StaticUser struct {
	Password   string            `mapstructure:"password"`
	Roles      []string          `mapstructure:"roles"`
	Attributes map[string]string `mapstructure:"attributes"`
}

// Static authenticates against a credential table from configuration.
type Static struct {
	realm string
	users map[string]StaticUser
}

func NewStatic(cfg StaticConfig) *Static {
	realm := cfg.Realm
	if realm == "" {
		realm = "default"
	}
	return &Static{realm: realm, users: cfg.Users}
}

func (s *Static) Authenticate(_ context.Context, material string) (*api.User, error) {
	username, password, err := ParseBasic(material)
	if err != nil {
		return nil, err
	}
	entry, ok := s.users[username]
	// compare even when the user is unknown so both paths cost the same
	expected := entry.Password
	match := subtle.ConstantTimeCompare([]byte(password), []byte(expected)) == 1
	if !ok || !match {
		return nil, errors.Unauthorized("invalid credentials for %q", username)
	}
	user := api.NewUser(username, s.realm)
	user.Roles = append([]string{}, entry.Roles...)
	if len(entry.Attributes) > 0 {
		user.Attributes = map[string]string{}
		for k, v := range entry.Attributes {
			user.Attributes[k] = v
		}
	}
	return user, nil
}
