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

package collection_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/datagate-io/datagate/pkg/api"
	"github.com/datagate-io/datagate/pkg/collection"
	"github.com/datagate-io/datagate/pkg/config"
	"github.com/datagate-io/datagate/pkg/errors"
	"github.com/datagate-io/datagate/pkg/test"
	_ "github.com/datagate-io/datagate/pkg/datasource/echo"
)

var (
	ctx       context.Context
	fakeClock *clocktesting.FakeClock
)

var _ = BeforeEach(func() {
	ctx = context.Background()
	fakeClock = clocktesting.NewFakeClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
})

func build(cfg config.Collection) *collection.Collection {
	coll, err := collection.New(ctx, "observations", cfg, fakeClock)
	Expect(err).ToNot(HaveOccurred())
	return coll
}

var _ = Describe("Authorized", func() {
	It("should open collections without role configuration to everyone", func() {
		coll := build(test.Collection(config.Limits{}))
		Expect(coll.Authorized(test.User())).To(BeTrue())
	})
	It("should require a matching role in the user's realm", func() {
		coll := build(config.Collection{
			DataSources: []config.DataSource{{Type: "echo"}},
			Roles:       map[string][]string{"test": {"science"}},
		})
		Expect(coll.Authorized(test.NamedUser("alice", "science"))).To(BeTrue())
		Expect(coll.Authorized(test.NamedUser("bob", "ops"))).To(BeFalse())
	})
	It("should deny realms with no role listing", func() {
		coll := build(config.Collection{
			DataSources: []config.DataSource{{Type: "echo"}},
			Roles:       map[string][]string{"ldap": {"science"}},
		})
		Expect(coll.Authorized(test.NamedUser("alice", "science"))).To(BeFalse())
	})
})

var _ = Describe("UserLimit", func() {
	It("should fall back to the per-user default", func() {
		coll := build(test.Collection(config.Limits{PerUser: 3}))
		Expect(coll.UserLimit(test.User())).To(Equal(3))
	})
	It("should prefer the highest matching per-role limit", func() {
		coll := build(test.Collection(config.Limits{
			PerUser: 3,
			PerRole: map[string]map[string]int{"test": {"science": 10, "ops": 5}},
		}))
		Expect(coll.UserLimit(test.NamedUser("alice", "science", "ops"))).To(Equal(10))
		Expect(coll.UserLimit(test.NamedUser("bob", "ops"))).To(Equal(5))
	})
	It("should ignore per-role limits the user does not hold", func() {
		coll := build(test.Collection(config.Limits{
			PerUser: 3,
			PerRole: map[string]map[string]int{"test": {"science": 10}},
		}))
		Expect(coll.UserLimit(test.NamedUser("bob", "ops"))).To(Equal(3))
	})
})

var _ = Describe("Dispatch", func() {
	It("should dispatch to the first matching data source", func() {
		coll := build(config.Collection{DataSources: []config.DataSource{
			{Type: "echo", Name: "recent", Match: map[string]interface{}{"date": "< 30d"}},
			{Type: "echo", Name: "archive", Match: map[string]interface{}{"date": "> 30d"}},
		}})

		r := test.Request(test.RequestOptions{Payload: api.Payload{"date": "20240101"}})
		ds, err := coll.Dispatch(ctx, r, nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(ds.Name()).To(Equal("archive"))
		Expect(r.UserMessage).To(ContainSubstring("recent:"))
		Expect(r.UserMessage).To(ContainSubstring("archive: dispatching"))
	})
	It("should report every mismatch when nothing can serve", func() {
		coll := build(config.Collection{DataSources: []config.DataSource{
			{Type: "echo", Name: "a", Match: map[string]interface{}{"param": []interface{}{"temperature"}}},
			{Type: "echo", Name: "b", Match: map[string]interface{}{"param": []interface{}{"pressure"}}},
		}})

		r := test.Request(test.RequestOptions{Payload: api.Payload{"date": "20240101", "param": "humidity"}})
		_, err := coll.Dispatch(ctx, r, nil)
		Expect(errors.IsInvalidArgument(err)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("a:"))
		Expect(err.Error()).To(ContainSubstring("b:"))
	})
	It("should coerce the payload before matching", func() {
		coll := build(config.Collection{DataSources: []config.DataSource{
			{Type: "echo", Match: map[string]interface{}{"param": []interface{}{"temperature"}}},
		}})

		// uppercase params normalize to lowercase before the rules apply
		r := test.Request(test.RequestOptions{Payload: api.Payload{"date": "20240101", "param": "TEMPERATURE"}})
		_, err := coll.Dispatch(ctx, r, nil)
		Expect(err).ToNot(HaveOccurred())
		// the stored payload keeps the user's original form
		Expect(r.Payload()["param"]).To(Equal("TEMPERATURE"))
	})
	It("should pass scalar payloads through untouched", func() {
		coll := build(config.Collection{DataSources: []config.DataSource{{Type: "echo"}}})
		r := test.Request(test.RequestOptions{Payload: "hello"})
		_, err := coll.Dispatch(ctx, r, nil)
		Expect(err).ToNot(HaveOccurred())
	})
	It("should surface coercion failures as mismatches", func() {
		coll := build(config.Collection{DataSources: []config.DataSource{{Type: "echo"}}})
		r := test.Request(test.RequestOptions{Payload: api.Payload{"date": "not-a-date"}})
		_, err := coll.Dispatch(ctx, r, nil)
		Expect(errors.IsInvalidArgument(err)).To(BeTrue())
	})
})

var _ = Describe("Catalog", func() {
	It("should resolve configured collections", func() {
		catalog, err := collection.NewCatalog(ctx, map[string]config.Collection{
			"observations": test.Collection(config.Limits{}),
		}, fakeClock)
		Expect(err).ToNot(HaveOccurred())

		coll, err := catalog.Get("observations")
		Expect(err).ToNot(HaveOccurred())
		Expect(coll.Name()).To(Equal("observations"))
	})
	It("should fail for unknown collections", func() {
		catalog, err := collection.NewCatalog(ctx, nil, fakeClock)
		Expect(err).ToNot(HaveOccurred())
		_, err = catalog.Get("nope")
		Expect(errors.IsNotFound(err)).To(BeTrue())
	})
	It("should list only collections the user may use", func() {
		catalog, err := collection.NewCatalog(ctx, map[string]config.Collection{
			"open": test.Collection(config.Limits{}),
			"restricted": {
				DataSources: []config.DataSource{{Type: "echo"}},
				Roles:       map[string][]string{"test": {"science"}},
			},
		}, fakeClock)
		Expect(err).ToNot(HaveOccurred())

		Expect(catalog.Authorized(test.NamedUser("alice", "science"))).To(ConsistOf("open", "restricted"))
		Expect(catalog.Authorized(test.NamedUser("bob", "ops"))).To(ConsistOf("open"))
	})
})
