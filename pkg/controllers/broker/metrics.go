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

package broker

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/datagate-io/datagate/pkg/metrics"
)

const subsystem = "broker"

var (
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Subsystem: subsystem,
		Name:      "queue_depth",
		Help:      "Approximate number of messages in the work queue, sampled each broker tick.",
	})
	Admissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: subsystem,
		Name:      "admissions_total",
		Help:      "Number of waiting requests admitted into the queue.",
	}, []string{metrics.CollectionLabel})
	Rejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: subsystem,
		Name:      "rejections_total",
		Help:      "Number of quota rejections; rejected requests stay waiting and are reconsidered next tick.",
	}, []string{metrics.CollectionLabel, metrics.ResultLabel})
	Recovered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: subsystem,
		Name:      "recovered_total",
		Help:      "Number of orphaned requests sent back to the waiting set.",
	}, []string{metrics.CollectionLabel})
)

func init() {
	metrics.Registry.MustRegister(QueueDepth, Admissions, Rejections, Recovered)
}
