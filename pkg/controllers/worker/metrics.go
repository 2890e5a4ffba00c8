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

package worker

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/datagate-io/datagate/pkg/metrics"
)

const subsystem = "worker"

var (
	Outcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: subsystem,
		Name:      "outcomes_total",
		Help:      "Terminal outcomes recorded by the worker, by collection and result.",
	}, []string{metrics.CollectionLabel, metrics.ResultLabel})
	Duration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metrics.Namespace,
		Subsystem: subsystem,
		Name:      "processing_duration_seconds",
		Help:      "Seconds between picking a request up and recording its outcome.",
		Buckets:   metrics.DurationBuckets(),
	}, []string{metrics.CollectionLabel})
)

func init() {
	metrics.Registry.MustRegister(Outcomes, Duration)
}
