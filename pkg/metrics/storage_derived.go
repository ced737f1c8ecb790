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

package metrics

import (
	"sort"
	"time"

	"github.com/yairfalse/urpo/pkg/storage"
	"github.com/yairfalse/urpo/pkg/trace"
)

// CalculateServiceMetrics derives metrics for every known service from the
// spans stored in the given window. Services with no recent spans get a
// zero-valued entry so they stay visible. Results are sorted by name.
func CalculateServiceMetrics(store *storage.Store, window time.Duration) []ServiceMetrics {
	since := time.Now().Add(-window)
	services := store.ListServices()

	out := make([]ServiceMetrics, 0, len(services))
	for _, name := range services {
		spans := store.GetServiceSpans(name, since)
		out = append(out, deriveServiceMetrics(name, spans, window))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CalculateForService derives metrics for one service.
func CalculateForService(store *storage.Store, name trace.ServiceName, window time.Duration) ServiceMetrics {
	spans := store.GetServiceSpans(name, time.Now().Add(-window))
	return deriveServiceMetrics(name, spans, window)
}

func deriveServiceMetrics(name trace.ServiceName, spans []*trace.Span, window time.Duration) ServiceMetrics {
	m := ServiceMetrics{Name: name}
	if len(spans) == 0 {
		return m
	}

	latencies := make([]float64, 0, len(spans))
	var errorCount uint64
	var sum float64
	minMs, maxMs := -1.0, 0.0
	var lastSeen time.Time

	for _, sp := range spans {
		ms := durationMillis(sp.Duration)
		latencies = append(latencies, ms)
		sum += ms
		if minMs < 0 || ms < minMs {
			minMs = ms
		}
		if ms > maxMs {
			maxMs = ms
		}
		if sp.Status.IsError() {
			errorCount++
		}
		if sp.StartTime.After(lastSeen) {
			lastSeen = sp.StartTime
		}
	}

	count := uint64(len(spans))
	p50, p95, p99 := computePercentiles(latencies)

	m.SpanCount = count
	m.ErrorCount = errorCount
	m.RequestRate = float64(count) / window.Seconds()
	m.ErrorRate = clampRate(float64(errorCount) / float64(count))
	m.LatencyP50 = millisDuration(p50)
	m.LatencyP95 = millisDuration(p95)
	m.LatencyP99 = millisDuration(p99)
	m.AvgDuration = millisDuration(sum / float64(count))
	m.MinDuration = millisDuration(minMs)
	m.MaxDuration = millisDuration(maxMs)
	m.LastSeen = lastSeen
	return m
}

func clampRate(r float64) float64 {
	if r < 0 {
		return 0
	}
	if r > 1 {
		return 1
	}
	return r
}
