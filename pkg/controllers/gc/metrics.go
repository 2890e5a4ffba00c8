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

package gc

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/datagate-io/datagate/pkg/metrics"
)

const subsystem = "gc"

var (
	RequestsDeleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: subsystem,
		Name:      "requests_deleted_total",
		Help:      "Requests deleted by the garbage collector, by reason.",
	}, []string{metrics.ResultLabel})
	BytesReclaimed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: subsystem,
		Name:      "bytes_reclaimed_total",
		Help:      "Staging bytes reclaimed by the garbage collector, by reason.",
	}, []string{metrics.ResultLabel})
)

func init() {
	metrics.Registry.MustRegister(RequestsDeleted, BytesReclaimed)
}
