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

package auth_test

import (
	"context"
	"encoding/base64"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/datagate-io/datagate/pkg/api"
	"github.com/datagate-io/datagate/pkg/auth"
	"github.com/datagate-io/datagate/pkg/config"
	"github.com/datagate-io/datagate/pkg/errors"
)

var ctx context.Context

func basic(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}

var _ = BeforeEach(func() {
	ctx = context.Background()
})

var _ = Describe("ParseBasic", func() {
	It("should decode a credential pair", func() {
		username, password, err := auth.ParseBasic(basic("alice", "s3cret"))
		Expect(err).ToNot(HaveOccurred())
		Expect(username).To(Equal("alice"))
		Expect(password).To(Equal("s3cret"))
	})
	It("should reject non-basic schemes", func() {
		_, _, err := auth.ParseBasic("Bearer abc123")
		Expect(errors.IsUnauthorized(err)).To(BeTrue())
	})
	It("should reject malformed base64", func() {
		_, _, err := auth.ParseBasic("Basic not-base64!!!")
		Expect(errors.IsUnauthorized(err)).To(BeTrue())
	})
	It("should reject material without a username", func() {
		_, _, err := auth.ParseBasic("Basic " + base64.StdEncoding.EncodeToString([]byte(":password")))
		Expect(errors.IsUnauthorized(err)).To(BeTrue())
	})
})

var _ = Describe("None", func() {
	It("should trust any credentials", func() {
		provider := auth.NewNone(auth.NoneConfig{})
		user, err := provider.Authenticate(ctx, basic("alice", "whatever"))
		Expect(err).ToNot(HaveOccurred())
		Expect(user.Username).To(Equal("alice"))
		Expect(user.Realm).To(Equal("default"))
		Expect(user.Roles).To(ConsistOf("default"))
	})
	It("should apply the configured realm and roles", func() {
		provider := auth.NewNone(auth.NoneConfig{Realm: "dev", Roles: []string{"science", "ops"}})
		user, err := provider.Authenticate(ctx, basic("alice", ""))
		Expect(err).ToNot(HaveOccurred())
		Expect(user.Realm).To(Equal("dev"))
		Expect(user.Roles).To(ConsistOf("science", "ops"))
	})
	It("should still require well-formed material", func() {
		provider := auth.NewNone(auth.NoneConfig{})
		_, err := provider.Authenticate(ctx, "garbage")
		Expect(errors.IsUnauthorized(err)).To(BeTrue())
	})
})

var _ = Describe("Static", func() {
	var provider *auth.Static

	BeforeEach(func() {
		provider = auth.NewStatic(auth.StaticConfig{
			Realm: "staff",
			Users: map[string]auth.StaticUser{
				"alice": {Password: "s3cret", Roles: []string{"science"}, Attributes: map[string]string{"team": "obs"}},
			},
		})
	})

	It("should authenticate a known user", func() {
		user, err := provider.Authenticate(ctx, basic("alice", "s3cret"))
		Expect(err).ToNot(HaveOccurred())
		Expect(user.Username).To(Equal("alice"))
		Expect(user.Realm).To(Equal("staff"))
		Expect(user.Roles).To(ConsistOf("science"))
		Expect(user.Attributes).To(HaveKeyWithValue("team", "obs"))
	})
	It("should reject a wrong password", func() {
		_, err := provider.Authenticate(ctx, basic("alice", "nope"))
		Expect(errors.IsUnauthorized(err)).To(BeTrue())
	})
	It("should reject an unknown user", func() {
		_, err := provider.Authenticate(ctx, basic("mallory", "s3cret"))
		Expect(errors.IsUnauthorized(err)).To(BeTrue())
	})
})

// countingAuthenticator records how often the delegate is consulted
type countingAuthenticator struct {
	calls int
	fail  bool
}

func (c *countingAuthenticator) Authenticate(_ context.Context, material string) (*api.User, error) {
	c.calls++
	if c.fail {
		return nil, errors.Unauthorized("no")
	}
	username, _, err := auth.ParseBasic(material)
	if err != nil {
		return nil, err
	}
	return api.NewUser(username, "test"), nil
}

var _ = Describe("Cached", func() {
	It("should consult the delegate once per distinct material", func() {
		delegate := &countingAuthenticator{}
		cached := auth.NewCached(delegate, time.Minute)

		for i := 0; i < 3; i++ {
			user, err := cached.Authenticate(ctx, basic("alice", "s3cret"))
			Expect(err).ToNot(HaveOccurred())
			Expect(user.Username).To(Equal("alice"))
		}
		Expect(delegate.calls).To(Equal(1))

		_, err := cached.Authenticate(ctx, basic("bob", "s3cret"))
		Expect(err).ToNot(HaveOccurred())
		Expect(delegate.calls).To(Equal(2))
	})
	It("should never cache failures", func() {
		delegate := &countingAuthenticator{fail: true}
		cached := auth.NewCached(delegate, time.Minute)

		for i := 0; i < 3; i++ {
			_, err := cached.Authenticate(ctx, basic("alice", "s3cret"))
			Expect(errors.IsUnauthorized(err)).To(BeTrue())
		}
		Expect(delegate.calls).To(Equal(3))
	})
	It("should expire entries after the ttl", func() {
		delegate := &countingAuthenticator{}
		cached := auth.NewCached(delegate, 10*time.Millisecond)

		_, err := cached.Authenticate(ctx, basic("alice", "s3cret"))
		Expect(err).ToNot(HaveOccurred())
		Eventually(func() int {
			_, err := cached.Authenticate(ctx, basic("alice", "s3cret"))
			Expect(err).ToNot(HaveOccurred())
			return delegate.calls
		}, time.Second, 20*time.Millisecond).Should(BeNumerically(">", 1))
	})
})

var _ = Describe("Registry", func() {
	It("should build registered providers", func() {
		provider, err := auth.New(ctx, config.Backend{Type: "none"})
		Expect(err).ToNot(HaveOccurred())
		Expect(provider).ToNot(BeNil())
	})
	It("should decode provider options from configuration", func() {
		provider, err := auth.New(ctx, config.Backend{Type: "static", Options: map[string]interface{}{
			"realm": "staff",
			"users": map[string]interface{}{
				"alice": map[string]interface{}{"password": "s3cret", "roles": []string{"science"}},
			},
		}})
		Expect(err).ToNot(HaveOccurred())
		user, err := provider.Authenticate(ctx, basic("alice", "s3cret"))
		Expect(err).ToNot(HaveOccurred())
		Expect(user.Realm).To(Equal("staff"))
	})
	It("should reject unknown providers", func() {
		_, err := auth.New(ctx, config.Backend{Type: "saml"})
		Expect(errors.IsInvalidArgument(err)).To(BeTrue())
	})
})
