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
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/datagate-io/datagate/pkg/api"
)

const (
	DefaultCacheTTL      = 2 * time.Minute
	cacheCleanupInterval = 10 * time.Minute
)

// Cached decorates an authenticator with a TTL cache keyed by a digest of the
// authorization material, so repeated requests by the same client skip the
// underlying provider. Failures are never cached.
type Cached struct {
	delegate Authenticator
	cache    *cache.Cache
}

func NewCached(delegate Authenticator, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cached{
		delegate: delegate,
		cache:    cache.New(ttl, cacheCleanupInterval),
	}
}

func (c *Cached) Authenticate(ctx context.Context, material string) (*api.User, error) {
	// digest rather than raw material so credentials never sit in the cache
	key := fmt.Sprintf("%x", sha256.Sum256([]byte(material)))
	if cached, ok := c.cache.Get(key); ok {
		return cached.(*api.User), nil
	}
	user, err := c.delegate.Authenticate(ctx, material)
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(key, user)
	return user, nil
}
