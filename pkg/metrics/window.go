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
	"sync"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
	"k8s.io/klog/v2"

	"github.com/yairfalse/urpo/pkg/intern"
	"github.com/yairfalse/urpo/pkg/trace"
)

// maxWindowPoints bounds each service's sliding window.
const maxWindowPoints = 10000

// cacheStaleness is how old a cached window read may be before recompute.
const cacheStaleness = time.Second

// point is one per-batch aggregate in a sliding window.
type point struct {
	ts        time.Time
	requests  uint64
	errors    uint64
	latencyMs float64 // mean latency of the batch slice
}

// slidingWindow holds a bounded deque of aggregates for one service and a
// cached metric that is recomputed once it is older than cacheStaleness or
// a new point has been added.
type slidingWindow struct {
	name     trace.ServiceName
	window   time.Duration
	points   []point
	cached   ServiceMetrics
	cachedAt time.Time
	lastSeen time.Time
}

func newSlidingWindow(name trace.ServiceName, window time.Duration) *slidingWindow {
	return &slidingWindow{name: name, window: window}
}

func (w *slidingWindow) add(ts time.Time, requests, errors uint64, latencyMs float64) {
	w.expire(ts)
	w.points = append(w.points, point{ts, requests, errors, latencyMs})
	if over := len(w.points) - maxWindowPoints; over > 0 {
		w.points = w.points[over:]
	}
	w.cachedAt = time.Time{}
	w.lastSeen = ts
}

func (w *slidingWindow) expire(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.points) && w.points[i].ts.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.points = w.points[i:]
	}
}

func (w *slidingWindow) metrics(now time.Time) ServiceMetrics {
	if !w.cachedAt.IsZero() && now.Sub(w.cachedAt) < cacheStaleness {
		return w.cached
	}
	w.expire(now)

	var requests, errors uint64
	latencies := make([]float64, 0, len(w.points))
	var sum float64
	minMs, maxMs := -1.0, 0.0

	for _, p := range w.points {
		requests += p.requests
		errors += p.errors
		latencies = append(latencies, p.latencyMs)
		sum += p.latencyMs
		if minMs < 0 || p.latencyMs < minMs {
			minMs = p.latencyMs
		}
		if p.latencyMs > maxMs {
			maxMs = p.latencyMs
		}
	}

	m := ServiceMetrics{Name: w.name, LastSeen: w.lastSeen}
	if requests > 0 {
		p50, p95, p99 := computePercentiles(latencies)
		m.SpanCount = requests
		m.ErrorCount = errors
		m.RequestRate = float64(requests) / w.window.Seconds()
		m.ErrorRate = clampRate(float64(errors) / float64(requests))
		m.LatencyP50 = millisDuration(p50)
		m.LatencyP95 = millisDuration(p95)
		m.LatencyP99 = millisDuration(p99)
		if n := len(latencies); n > 0 {
			m.AvgDuration = millisDuration(sum / float64(n))
			m.MinDuration = millisDuration(minMs)
			m.MaxDuration = millisDuration(maxMs)
		}
	}
	w.cached = m
	w.cachedAt = now
	return m
}

// Aggregator maintains streaming sliding windows per service. It is fed by
// the buffered writer with each flushed batch and serves reads with at most
// one second of staleness. Service names are interned so the windows key on
// 4-byte IDs rather than repeated strings.
type Aggregator struct {
	window time.Duration

	mu      sync.Mutex
	windows map[intern.ID]*slidingWindow

	statsd statsd.ClientInterface
}

// NewAggregator creates an aggregator with the given window duration.
func NewAggregator(window time.Duration) *Aggregator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Aggregator{
		window:  window,
		windows: make(map[intern.ID]*slidingWindow),
	}
}

// SetStatsd enables per-service statsd emission on every observed batch.
func (a *Aggregator) SetStatsd(client statsd.ClientInterface) {
	a.statsd = client
}

// ObserveBatch folds one flushed batch into the per-service windows,
// appending one aggregate point per service. Spans are not retained.
func (a *Aggregator) ObserveBatch(spans []*trace.Span) {
	if len(spans) == 0 {
		return
	}
	now := time.Now()

	type acc struct {
		requests uint64
		errors   uint64
		sumMs    float64
	}
	perService := make(map[trace.ServiceName]*acc)
	for _, sp := range spans {
		entry := perService[sp.ServiceName]
		if entry == nil {
			entry = &acc{}
			perService[sp.ServiceName] = entry
		}
		entry.requests++
		if sp.Status.IsError() {
			entry.errors++
		}
		entry.sumMs += durationMillis(sp.Duration)
	}

	a.mu.Lock()
	for name, entry := range perService {
		id := intern.Intern(string(name))
		w := a.windows[id]
		if w == nil {
			w = newSlidingWindow(name, a.window)
			a.windows[id] = w
		}
		mean := entry.sumMs / float64(entry.requests)
		w.add(now, entry.requests, entry.errors, mean)
	}
	a.mu.Unlock()

	if a.statsd != nil {
		for name, entry := range perService {
			a.emit(name, entry.requests, entry.errors, entry.sumMs/float64(entry.requests))
		}
	}
}

func (a *Aggregator) emit(name trace.ServiceName, requests, errors uint64, meanMs float64) {
	tags := []string{"service:" + string(name)}
	if err := a.statsd.Count("urpo.spans.received", int64(requests), tags, 1); err != nil {
		klog.V(4).Infof("statsd count error: %v", err)
	}
	if errors > 0 {
		if err := a.statsd.Count("urpo.spans.errors", int64(errors), tags, 1); err != nil {
			klog.V(4).Infof("statsd count error: %v", err)
		}
	}
	if err := a.statsd.Histogram("urpo.latency", meanMs, tags, 1); err != nil {
		klog.V(4).Infof("statsd histogram error: %v", err)
	}
}

// GetAll returns the current windowed metrics for every tracked service,
// sorted by name.
func (a *Aggregator) GetAll() []ServiceMetrics {
	now := time.Now()
	a.mu.Lock()
	out := make([]ServiceMetrics, 0, len(a.windows))
	for _, w := range a.windows {
		out = append(out, w.metrics(now))
	}
	a.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetService returns the windowed metrics for one service.
func (a *Aggregator) GetService(name trace.ServiceName) (ServiceMetrics, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	w, ok := a.windows[intern.Intern(string(name))]
	if !ok {
		return ServiceMetrics{}, false
	}
	return w.metrics(time.Now()), true
}

// CleanupInactive drops windows of services unseen since cutoff. Interned
// names stay in the table; the table is append-only.
func (a *Aggregator) CleanupInactive(cutoff time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, w := range a.windows {
		if w.lastSeen.Before(cutoff) {
			delete(a.windows, id)
		}
	}
}
