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

package frontend

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/datagate-io/datagate/pkg/metrics"
)

const subsystem = "frontend"

var (
	Submissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: subsystem,
		Name:      "submissions_total",
		Help:      "Requests accepted into the lifecycle, by collection and verb.",
	}, []string{metrics.CollectionLabel, metrics.VerbLabel})
	Revocations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: subsystem,
		Name:      "revocations_total",
		Help:      "Requests deleted through the revoke endpoint.",
	})
	BytesServed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: subsystem,
		Name:      "download_bytes_total",
		Help:      "Artefact bytes streamed to callers.",
	})
	BytesUploaded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: subsystem,
		Name:      "upload_bytes_total",
		Help:      "Ingress bytes accepted through the upload endpoint.",
	})
	RequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metrics.Namespace,
		Subsystem: subsystem,
		Name:      "request_duration_seconds",
		Help:      "HTTP handler latency by method.",
		Buckets:   metrics.DurationBuckets(),
	}, []string{"method"})
)

func init() {
	metrics.Registry.MustRegister(Submissions, Revocations, BytesServed, BytesUploaded, RequestDuration)
}
