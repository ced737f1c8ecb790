/*
Copyright 2025 The Urpo Authors.

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

package app

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	"github.com/yairfalse/urpo/pkg/degradation"
	"github.com/yairfalse/urpo/pkg/storage"
)

// initMetrics registers the daemon gauges and serves promhttp plus a
// liveness endpoint on its own listener.
func initMetrics(address string, store *storage.Store, writer *storage.Writer, ctrl *degradation.Controller) {
	gauges := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "urpo", Subsystem: "storage", Name: "memory_bytes",
			Help: "Accounted span memory in bytes",
		}, func() float64 { return float64(store.GetStats().MemoryBytes) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "urpo", Subsystem: "storage", Name: "memory_pressure",
			Help: "Accounted memory over the configured ceiling",
		}, store.MemoryPressure),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "urpo", Subsystem: "storage", Name: "span_count",
			Help: "Number of indexed spans",
		}, func() float64 { return float64(store.SpanCount()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "urpo", Subsystem: "storage", Name: "spans_evicted_total",
			Help: "Spans evicted by cleanup and capacity limits",
		}, func() float64 { return float64(store.GetStats().SpansEvicted) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "urpo", Subsystem: "storage", Name: "cleanup_operations_total",
			Help: "Tiered cleanup passes performed",
		}, func() float64 { return float64(store.GetStats().CleanupOps) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "urpo", Subsystem: "buffer", Name: "utilization",
			Help: "Ingest ring occupancy in [0,1]",
		}, func() float64 { return writer.Stats().Utilization }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "urpo", Subsystem: "buffer", Name: "spans_flushed_total",
			Help: "Spans flushed from the ring into the store",
		}, func() float64 { return float64(writer.Stats().TotalFlushed) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "urpo", Subsystem: "buffer", Name: "spans_dropped_total",
			Help: "Spans dropped by the write path",
		}, func() float64 { return float64(writer.Stats().TotalDropped) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "urpo", Subsystem: "buffer", Name: "spans_sampled_total",
			Help: "Spans intentionally dropped by the sampling gate",
		}, func() float64 { return float64(writer.Stats().DroppedSampled) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "urpo", Subsystem: "buffer", Name: "failed_flushes_total",
			Help: "Batches dropped after exhausting flush retries",
		}, func() float64 { return float64(writer.Stats().FailedFlushes) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "urpo", Subsystem: "degradation", Name: "mode",
			Help: "Active degradation mode (0=normal .. 4=emergency)",
		}, func() float64 { return float64(ctrl.Mode()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "urpo", Subsystem: "degradation", Name: "sampling_rate",
			Help: "Active pre-ingest sampling rate",
		}, ctrl.SamplingRate),
	}
	for _, g := range gauges {
		prometheus.MustRegister(g)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		fmt.Fprintf(w, "ok (%v)\n", time.Now())
	})

	go func() {
		if err := http.ListenAndServe(address, mux); err != nil {
			klog.Fatalf("Error starting metrics server: %v", err)
		}
	}()
}
