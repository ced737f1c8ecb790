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

// Package metrics computes per-service rolling statistics: request rate,
// error rate, and latency percentiles over a sliding window. Two modes
// coexist: a storage-derived pass for one-shot queries and streaming
// sliding windows fed by the ingest path for continuous refresh.
package metrics

import (
	"math"
	"sort"
	"time"

	"github.com/yairfalse/urpo/pkg/trace"
)

// DefaultWindow is the rolling-statistics horizon.
const DefaultWindow = 60 * time.Second

// latencyBuckets is the histogram resolution used above the exact-sort
// cutoff.
const latencyBuckets = 50

// exactSortCutoff is the sample count up to which percentiles are computed
// by in-place sort rather than histogram approximation.
const exactSortCutoff = 1000

// ServiceMetrics is the derived per-service record. Latencies are computed
// in milliseconds and converted to Durations only at the boundary.
type ServiceMetrics struct {
	Name        trace.ServiceName
	RequestRate float64 // requests per second over the window
	ErrorRate   float64 // 0..1
	LatencyP50  time.Duration
	LatencyP95  time.Duration
	LatencyP99  time.Duration
	SpanCount   uint64
	ErrorCount  uint64
	AvgDuration time.Duration
	MinDuration time.Duration
	MaxDuration time.Duration
	LastSeen    time.Time
}

// computePercentiles returns p50/p95/p99 in milliseconds. Small samples
// sort in place; larger ones go through an equal-width histogram with
// linear interpolation inside the selected bucket, which keeps the result
// within one bucket of the exact answer.
func computePercentiles(latencies []float64) (p50, p95, p99 float64) {
	if len(latencies) == 0 {
		return 0, 0, 0
	}
	if len(latencies) <= exactSortCutoff {
		sort.Float64s(latencies)
		return percentileSorted(latencies, 0.50),
			percentileSorted(latencies, 0.95),
			percentileSorted(latencies, 0.99)
	}
	return histogramPercentiles(latencies)
}

// percentileSorted indexes a sorted sample at floor((N-1)*q).
func percentileSorted(sorted []float64, q float64) float64 {
	idx := int(float64(len(sorted)-1) * q)
	return sorted[idx]
}

func histogramPercentiles(latencies []float64) (p50, p95, p99 float64) {
	min, max := math.Inf(1), math.Inf(-1)
	for _, v := range latencies {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	if min == max {
		return min, min, min
	}

	width := (max - min) / latencyBuckets
	var counts [latencyBuckets]int
	for _, v := range latencies {
		b := int((v - min) / width)
		if b >= latencyBuckets {
			b = latencyBuckets - 1
		}
		counts[b]++
	}

	total := len(latencies)
	p50 = histogramQuantile(counts[:], total, min, width, 0.50)
	p95 = histogramQuantile(counts[:], total, min, width, 0.95)
	p99 = histogramQuantile(counts[:], total, min, width, 0.99)
	return p50, p95, p99
}

// histogramQuantile walks the cumulative distribution and interpolates
// linearly within the bucket holding the quantile.
func histogramQuantile(counts []int, total int, min, width float64, q float64) float64 {
	target := q * float64(total)
	cum := 0
	for i, c := range counts {
		if float64(cum+c) >= target {
			within := 0.0
			if c > 0 {
				within = (target - float64(cum)) / float64(c)
			}
			return min + (float64(i)+within)*width
		}
		cum += c
	}
	return min + float64(len(counts))*width
}

func durationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func millisDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}
