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

// Package redis implements the metric store on a Redis sorted set scored by
// transition time, so age-based pruning is a single range removal.
package redis

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
	"k8s.io/utils/clock"

	"github.com/datagate-io/datagate/pkg/config"
	"github.com/datagate-io/datagate/pkg/errors"
	"github.com/datagate-io/datagate/pkg/metricstore"
)

const metricsKey = "datagate:metrics"

func init() {
	metricstore.Register("redis", func(ctx context.Context, backend config.Backend, _ clock.Clock) (metricstore.Interface, error) {
		cfg := Config{}
		if err := backend.Decode(&cfg); err != nil {
			return nil, err
		}
		return NewStore(ctx, cfg)
	})
}

type Config struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type Store struct {
	client *redis.Client
}

func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.ServiceUnavailable("connecting to redis metric store at %s, %s", cfg.Address, err)
	}
	return &Store{client: client}, nil
}

// NewStoreWithClient wires an existing client; used by tests against miniredis
func NewStoreWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Add(ctx context.Context, record metricstore.Record) error {
	raw, err := record.Marshal()
	if err != nil {
		return err
	}
	err = s.client.ZAdd(ctx, metricsKey, redis.Z{Score: float64(record.At), Member: raw}).Err()
	if err != nil {
		return errors.ServiceUnavailable("adding metric record for %s, %s", record.RequestID, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, requestID string) ([]metricstore.Record, error) {
	members, err := s.client.ZRange(ctx, metricsKey, 0, -1).Result()
	if err != nil {
		return nil, errors.ServiceUnavailable("listing metric records, %s", err)
	}
	var out []metricstore.Record
	for _, member := range members {
		record, err := metricstore.UnmarshalRecord([]byte(member))
		if err != nil {
			return nil, err
		}
		if requestID == "" || record.RequestID == requestID {
			out = append(out, record)
		}
	}
	return out, nil
}

func (s *Store) RemoveOld(ctx context.Context, cutoff int64) (int, error) {
	// exclusive upper bound: records at exactly the cutoff stay
	removed, err := s.client.ZRemRangeByScore(ctx, metricsKey, "-inf", "("+strconv.FormatInt(cutoff, 10)).Result()
	if err != nil {
		return 0, errors.ServiceUnavailable("pruning metric records, %s", err)
	}
	return int(removed), nil
}
