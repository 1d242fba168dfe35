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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	Namespace = "zae_limiter"

	ResultLabel    = "result"
	OperationLabel = "operation"
	PathLabel      = "path"
)

var (
	AcquireResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "acquire_results_total",
			Help:      "Acquire outcomes by result (allowed, exceeded, unavailable, degraded).",
		},
		[]string{ResultLabel},
	)
	WritePaths = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "write_paths_total",
			Help:      "Bucket writes by path (create, normal, retry, adjust).",
		},
		[]string{PathLabel},
	)
	StoreOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "store_operation_duration_seconds",
			Help:      "Latency of store calls by operation.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{OperationLabel},
	)
	ConfigCacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "config_cache_requests_total",
			Help:      "Config resolver cache lookups by result (hit, miss, negative_hit).",
		},
		[]string{ResultLabel},
	)
)

func init() {
	prometheus.MustRegister(AcquireResults, WritePaths, StoreOperationDuration, ConfigCacheHits)
}
