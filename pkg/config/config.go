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

// Package config loads the service configuration file: backend wiring for the
// store, queue and staging, the actor settings, and the collection catalog.
package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/datagate-io/datagate/pkg/errors"
)

type Config struct {
	Broker      Broker                `mapstructure:"broker"`
	Worker      Worker                `mapstructure:"worker"`
	GC          GC                    `mapstructure:"gc"`
	Store       Backend               `mapstructure:"store"`
	Queue       Backend               `mapstructure:"queue"`
	Staging     Backend               `mapstructure:"staging"`
	MetricStore Backend               `mapstructure:"metric_store"`
	Auth        Backend               `mapstructure:"auth"`
	Collections map[string]Collection `mapstructure:"collections"`
}

type Broker struct {
	Interval     time.Duration `mapstructure:"interval"`
	MaxQueueSize int           `mapstructure:"max_queue_size"`
}

type Worker struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type GC struct {
	Interval  time.Duration `mapstructure:"interval"`
	Age       time.Duration `mapstructure:"age"`
	MetricAge time.Duration `mapstructure:"metric_age"`
	Threshold string        `mapstructure:"threshold"`
}

// ThresholdBytes parses the staging size threshold, accepting K/M/G/T suffixes
func (g GC) ThresholdBytes() (int64, error) {
	return ParseBytes(g.Threshold)
}

// Backend selects a pluggable implementation by type name; the remaining keys
// are passed to the implementation's constructor untouched.
type Backend struct {
	Type    string                 `mapstructure:"type"`
	Options map[string]interface{} `mapstructure:",remain"`
}

// Decode unmarshals the backend's free-form options into an
// implementation-specific config struct
func (b Backend) Decode(out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.StringToTimeDurationHookFunc(),
		Result:     out,
	})
	if err != nil {
		return fmt.Errorf("building decoder for %s backend options, %w", b.Type, err)
	}
	if err := decoder.Decode(b.Options); err != nil {
		return fmt.Errorf("decoding %s backend options, %w", b.Type, err)
	}
	return nil
}

type Collection struct {
	DataSources []DataSource        `mapstructure:"datasources"`
	Roles       map[string][]string `mapstructure:"roles"`
	Limits      Limits              `mapstructure:"limits"`
}

type Limits struct {
	Total   int                       `mapstructure:"total"`
	PerUser int                       `mapstructure:"per-user"`
	PerRole map[string]map[string]int `mapstructure:"per-role"`
}

type DataSource struct {
	Type            string                 `mapstructure:"type"`
	Name            string                 `mapstructure:"name"`
	Match           map[string]interface{} `mapstructure:"match"`
	AllowZeroNumber bool                   `mapstructure:"allow_zero_number"`
	Options         map[string]interface{} `mapstructure:",remain"`
}

// Load reads and validates the configuration file
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetDefault("broker.interval", 10*time.Second)
	v.SetDefault("broker.max_queue_size", 100)
	v.SetDefault("worker.poll_interval", time.Second)
	v.SetDefault("gc.interval", time.Minute)
	v.SetDefault("gc.age", 24*time.Hour)
	v.SetDefault("gc.metric_age", 7*24*time.Hour)
	v.SetDefault("gc.threshold", "10G")
	v.SetDefault("store.type", "memory")
	v.SetDefault("queue.type", "memory")
	v.SetDefault("staging.type", "memory")
	v.SetDefault("metric_store.type", "memory")
	v.SetDefault("auth.type", "none")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file %s, %w", path, err)
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config file %s, %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config file %s, %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Broker.Interval <= 0 {
		return errors.InvalidArgument("broker.interval must be positive")
	}
	if c.Broker.MaxQueueSize <= 0 {
		return errors.InvalidArgument("broker.max_queue_size must be positive")
	}
	if c.Worker.PollInterval <= 0 {
		return errors.InvalidArgument("worker.poll_interval must be positive")
	}
	if c.GC.Interval <= 0 || c.GC.Age <= 0 || c.GC.MetricAge <= 0 {
		return errors.InvalidArgument("gc intervals and ages must be positive")
	}
	if _, err := c.GC.ThresholdBytes(); err != nil {
		return err
	}
	for name, coll := range c.Collections {
		if len(coll.DataSources) == 0 {
			return errors.InvalidArgument("collection %q has no datasources", name)
		}
		for _, ds := range coll.DataSources {
			if ds.Type == "" {
				return errors.InvalidArgument("collection %q has a datasource with no type", name)
			}
		}
	}
	return nil
}

var bytesPattern = regexp.MustCompile(`^(\d+)([KMGT]?)$`)

// ParseBytes parses a byte count with an optional K/M/G/T suffix (powers of 1024)
func ParseBytes(s string) (int64, error) {
	m := bytesPattern.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(s)))
	if m == nil {
		return 0, errors.InvalidArgument("size %q is not a byte count with an optional K/M/G/T suffix", s)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, errors.InvalidArgument("size %q overflows, %s", s, err)
	}
	shift := map[string]uint{"": 0, "K": 10, "M": 20, "G": 30, "T": 40}[m[2]]
	return n << shift, nil
}
