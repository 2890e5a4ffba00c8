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

// Package redis implements the request store on a Redis instance: one JSON
// value per request plus a set indexing the known ids. Guarded mutations use
// optimistic WATCH transactions keyed on the single record, which gives the
// per-id compare-and-set the contract asks for.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"k8s.io/utils/clock"

	"github.com/datagate-io/datagate/pkg/api"
	"github.com/datagate-io/datagate/pkg/config"
	"github.com/datagate-io/datagate/pkg/errors"
	"github.com/datagate-io/datagate/pkg/store"
)

const (
	keyPrefix = "datagate:request:"
	indexKey  = "datagate:requests"
)

func init() {
	store.Register("redis", func(ctx context.Context, backend config.Backend, clk clock.Clock) (store.Interface, error) {
		cfg := Config{}
		if err := backend.Decode(&cfg); err != nil {
			return nil, err
		}
		return NewStore(ctx, cfg, clk)
	})
}

type Config struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type Store struct {
	client *redis.Client
	clk    clock.Clock
}

func NewStore(ctx context.Context, cfg Config, clk clock.Clock) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.ServiceUnavailable("connecting to redis store at %s, %s", cfg.Address, err)
	}
	return &Store{client: client, clk: clk}, nil
}

// NewStoreWithClient wires an existing client; used by tests against miniredis
func NewStoreWithClient(client *redis.Client, clk clock.Clock) *Store {
	return &Store{client: client, clk: clk}
}

func requestKey(id string) string {
	return keyPrefix + id
}

func (s *Store) Add(ctx context.Context, r *api.Request) error {
	raw, err := r.Marshal()
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, requestKey(r.ID), raw, 0).Result()
	if err != nil {
		return errors.ServiceUnavailable("adding request %s, %s", r.ID, err)
	}
	if !ok {
		return errors.Conflict("request %s already exists", r.ID)
	}
	if err := s.client.SAdd(ctx, indexKey, r.ID).Err(); err != nil {
		return errors.ServiceUnavailable("indexing request %s, %s", r.ID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*api.Request, error) {
	raw, err := s.client.Get(ctx, requestKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.ServiceUnavailable("getting request %s, %s", id, err)
	}
	return api.UnmarshalRequest(raw)
}

func (s *Store) GetMany(ctx context.Context, q store.Query) ([]*api.Request, error) {
	all, err := s.list(ctx)
	if err != nil {
		return nil, err
	}
	return q.Apply(all)
}

func (s *Store) Update(ctx context.Context, r *api.Request) error {
	key := requestKey(r.ID)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return errors.NotFound("request %s not found", r.ID)
		}
		if err != nil {
			return err
		}
		existing, err := api.UnmarshalRequest(raw)
		if err != nil {
			return err
		}
		r.LastModified = max(s.clk.Now().Unix(), existing.LastModified)
		updated, err := r.Marshal()
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		return err
	}, key)
	if err != nil && !errors.IsNotFound(err) {
		return errors.ServiceUnavailable("updating request %s, %s", r.ID, err)
	}
	return err
}

func (s *Store) Remove(ctx context.Context, id string) error {
	removed, err := s.client.Del(ctx, requestKey(id)).Result()
	if err != nil {
		return errors.ServiceUnavailable("removing request %s, %s", id, err)
	}
	if err := s.client.SRem(ctx, indexKey, id).Err(); err != nil {
		return errors.ServiceUnavailable("unindexing request %s, %s", id, err)
	}
	if removed == 0 {
		return errors.NotFound("request %s not found", id)
	}
	return nil
}

func (s *Store) Revoke(ctx context.Context, user *api.User, id string) (int, error) {
	if id == store.RevokeAll {
		if user == nil || user.ID == "" {
			return 0, errors.Unauthorized("revoking requires an authenticated user")
		}
		all, err := s.list(ctx)
		if err != nil {
			return 0, err
		}
		count := 0
		for _, r := range all {
			if r.User.ID != user.ID || !store.Revocable(r) {
				continue
			}
			if err := s.guardedDelete(ctx, user, r.ID); err == nil {
				count++
			}
		}
		return count, nil
	}
	if err := s.guardedDelete(ctx, user, id); err != nil {
		return 0, err
	}
	return 1, nil
}

// guardedDelete re-reads the record inside a WATCH transaction so a
// concurrent status change aborts the delete
func (s *Store) guardedDelete(ctx context.Context, user *api.User, id string) error {
	key := requestKey(id)
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		var r *api.Request
		if err == nil {
			if r, err = api.UnmarshalRequest(raw); err != nil {
				return err
			}
		} else if err != redis.Nil {
			return errors.ServiceUnavailable("getting request %s, %s", id, err)
		}
		if err := store.CheckRevoke(user, r); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.SRem(ctx, indexKey, id)
			return nil
		})
		return err
	}, key)
}

func (s *Store) RemoveOld(ctx context.Context, cutoff time.Time) (int, error) {
	all, err := s.list(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, r := range all {
		if !r.Status.Terminal() || r.LastModified >= cutoff.Unix() {
			continue
		}
		if err := s.Remove(ctx, r.ID); err == nil {
			count++
		}
	}
	return count, nil
}

func (s *Store) GetActive(ctx context.Context) ([]*api.Request, error) {
	return s.GetMany(ctx, store.Query{Status: api.ActiveStatuses()})
}

func (s *Store) list(ctx context.Context) ([]*api.Request, error) {
	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, errors.ServiceUnavailable("listing request ids, %s", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, requestKey(id))
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.ServiceUnavailable("fetching requests, %s", err)
	}
	out := make([]*api.Request, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// id indexed but record deleted between the two reads
			continue
		}
		r, err := api.UnmarshalRequest([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("decoding request %s, %w", ids[i], err)
		}
		out = append(out, r)
	}
	return out, nil
}
