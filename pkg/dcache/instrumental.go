/*
 Copyright 2023 NanaFS Authors.

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

package dcache

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/basenana/vfscache/pkg/types"
)

var (
	cacheOperationLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vfscache_operation_latency_seconds",
			Help:    "The latency of cache operation.",
			Buckets: prometheus.ExponentialBuckets(0.000001, 5, 8),
		},
		[]string{"operation"},
	)
	cacheOperationErrorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vfscache_operation_errors",
			Help: "This count of cache operation encountering errors",
		},
		[]string{"operation"},
	)
	cacheEntriesGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vfscache_entries",
			Help: "Live entries per cache instance.",
		},
		[]string{"instance"},
	)
	cacheNegativeGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vfscache_negative_entries",
			Help: "Cached negative entries per cache instance.",
		},
		[]string{"instance"},
	)
	cacheUnusedGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vfscache_unused_entries",
			Help: "Entries parked on the unused list per cache instance.",
		},
		[]string{"instance"},
	)
	cacheObjectsGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vfscache_objects",
			Help: "Live objects per cache instance.",
		},
		[]string{"instance"},
	)
)

func init() {
	prometheus.MustRegister(
		cacheOperationLatency,
		cacheOperationErrorCounter,
		cacheEntriesGauge,
		cacheNegativeGauge,
		cacheUnusedGauge,
		cacheObjectsGauge,
	)
}

func logOperationLatency(operation string, startAt time.Time) {
	cacheOperationLatency.WithLabelValues(operation).Observe(time.Since(startAt).Seconds())
}

func logOperationError(operation string, err error) error {
	if err != nil {
		cacheOperationErrorCounter.WithLabelValues(operation).Inc()
	}
	return err
}

func updateInstanceGauges(instance string, stat types.CacheStat) {
	cacheEntriesGauge.WithLabelValues(instance).Set(float64(stat.Entries))
	cacheNegativeGauge.WithLabelValues(instance).Set(float64(stat.NegativeEntries))
	cacheUnusedGauge.WithLabelValues(instance).Set(float64(stat.UnusedEntries))
	cacheObjectsGauge.WithLabelValues(instance).Set(float64(stat.Objects))
}
