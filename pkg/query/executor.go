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

// Package query is the read-only surface serving the terminal UI and the
// HTTP API. All operations are concurrent-safe with ingest and cleanup and
// never surface storage errors; missing keys yield empty results.
package query

import (
	"time"

	"github.com/yairfalse/urpo/pkg/degradation"
	"github.com/yairfalse/urpo/pkg/metrics"
	"github.com/yairfalse/urpo/pkg/storage"
	"github.com/yairfalse/urpo/pkg/trace"
)

// Stats is the combined system snapshot served by /health and the stats
// view.
type Stats struct {
	Storage     storage.Stats
	Writer      storage.WriterStats
	Pool        storage.PoolStats
	Degradation degradation.Stats
}

// Executor answers reads against the store and the aggregators. One-shot
// requests use the storage-derived metrics path; continuous refreshers use
// the streaming windows.
type Executor struct {
	store  *storage.Store
	writer *storage.Writer
	agg    *metrics.Aggregator
	ctrl   *degradation.Controller
	window time.Duration
}

// NewExecutor wires the read surface. writer, agg, and ctrl may be nil in
// reduced setups (tests, offline tools); the corresponding reads then
// return zero values.
func NewExecutor(store *storage.Store, writer *storage.Writer, agg *metrics.Aggregator, ctrl *degradation.Controller) *Executor {
	return &Executor{
		store:  store,
		writer: writer,
		agg:    agg,
		ctrl:   ctrl,
		window: metrics.DefaultWindow,
	}
}

// ListRecentTraces lists trace summaries, most recent first.
func (e *Executor) ListRecentTraces(limit int, serviceFilter trace.ServiceName) []storage.TraceInfo {
	return e.store.ListRecentTraces(limit, serviceFilter)
}

// SearchTraces free-text-matches spans and returns their traces.
func (e *Executor) SearchTraces(q string, limit int) []storage.TraceInfo {
	return e.store.SearchTraces(q, limit)
}

// GetErrorTraces lists traces containing error spans.
func (e *Executor) GetErrorTraces(limit int) []storage.TraceInfo {
	return e.store.GetErrorTraces(limit)
}

// GetSlowTraces lists traces at or above the duration threshold.
func (e *Executor) GetSlowTraces(threshold time.Duration, limit int) []storage.TraceInfo {
	return e.store.GetSlowTraces(threshold, limit)
}

// GetTraceSpans returns the trace's spans in start-time order.
func (e *Executor) GetTraceSpans(id trace.TraceID) []*trace.Span {
	return e.store.GetTraceSpans(id)
}

// GetServiceMetrics derives fresh metrics from storage for every service.
func (e *Executor) GetServiceMetrics() []metrics.ServiceMetrics {
	return metrics.CalculateServiceMetrics(e.store, e.window)
}

// GetServiceMetricsMap is GetServiceMetrics keyed by service name.
func (e *Executor) GetServiceMetricsMap() map[trace.ServiceName]metrics.ServiceMetrics {
	list := e.GetServiceMetrics()
	out := make(map[trace.ServiceName]metrics.ServiceMetrics, len(list))
	for _, m := range list {
		out[m.Name] = m
	}
	return out
}

// GetStreamingMetrics serves the low-staleness windows for continuous
// refresh.
func (e *Executor) GetStreamingMetrics() []metrics.ServiceMetrics {
	if e.agg == nil {
		return nil
	}
	return e.agg.GetAll()
}

// ListServices returns every service known to the span index.
func (e *Executor) ListServices() []trace.ServiceName {
	return e.store.ListServices()
}

// GetStats snapshots storage, write path, and degradation state.
func (e *Executor) GetStats() Stats {
	s := Stats{Storage: e.store.GetStats()}
	if e.writer != nil {
		s.Writer = e.writer.Stats()
		s.Pool = e.writer.Pool().Stats()
	}
	if e.ctrl != nil {
		s.Degradation = e.ctrl.Stats()
	}
	return s
}
