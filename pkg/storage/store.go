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

// Package storage implements the bounded in-memory span store: three
// indices over accepted spans, memory accounting with tiered cleanup, the
// span pool, the ingest ring, and the buffered write path in front of it.
package storage

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yairfalse/urpo/pkg/trace"
)

// timedSpan orders a span ID by its start time.
type timedSpan struct {
	ts time.Time
	id trace.SpanID
}

// Store is the authoritative in-memory index of accepted spans. It owns
// every span it accepts; the indices hold IDs only. Reads are infallible
// and return empty on missing keys; StoreSpan is the only operation that
// can fail, with trace.ErrOverflow under emergency memory pressure.
type Store struct {
	maxSpans           int
	maxSpansPerService int
	cfg                CleanupConfig

	// mu guards the three index maps.
	mu       sync.RWMutex
	spans    map[trace.SpanID]*trace.Span
	traces   map[trace.TraceID][]trace.SpanID
	services map[trace.ServiceName][]timedSpan

	// orderMu guards the insertion-order queue and activity tracking.
	// Never held together with mu.
	orderMu        sync.Mutex
	spanOrder      spanDeque
	activeServices map[trace.ServiceName]time.Time
	lastCleanup    time.Time

	// retentionNanos, when set, overrides the configured retention. The
	// degradation controller tightens it under pressure.
	retentionNanos atomic.Int64

	memoryBytes      atomic.Int64
	spansProcessed   atomic.Uint64
	spansEvicted     atomic.Uint64
	spansDropped     atomic.Uint64
	processingErrors atomic.Uint64
	cleanupOps       atomic.Uint64
	startTime        time.Time
}

// NewStore creates a store capped at maxSpans with default cleanup config.
func NewStore(maxSpans int) *Store {
	return NewStoreWithConfig(maxSpans, DefaultCleanupConfig())
}

// NewStoreWithConfig creates a store with a custom cleanup configuration.
func NewStoreWithConfig(maxSpans int, cfg CleanupConfig) *Store {
	perService := maxSpans / 10
	if perService < 1 {
		perService = 1
	}
	return &Store{
		maxSpans:           maxSpans,
		maxSpansPerService: perService,
		cfg:                cfg,
		spans:              make(map[trace.SpanID]*trace.Span),
		traces:             make(map[trace.TraceID][]trace.SpanID),
		services:           make(map[trace.ServiceName][]timedSpan),
		activeServices:     make(map[trace.ServiceName]time.Time),
		lastCleanup:        time.Now(),
		startTime:          time.Now(),
	}
}

// StoreSpan indexes one span. The store takes a private copy, so callers
// may recycle the argument afterwards. Under Warning pressure it evicts a
// slice of the oldest spans first; under Critical it runs the tiered
// cleanup; at or above Emergency the span is rejected with
// trace.ErrOverflow.
func (s *Store) StoreSpan(in *trace.Span) error {
	s.spansProcessed.Add(1)

	pressure := s.MemoryPressure()
	switch {
	case pressure >= s.cfg.EmergencyThreshold:
		s.processingErrors.Add(1)
		s.spansDropped.Add(1)
		return fmt.Errorf("%w: pressure %.2f", trace.ErrOverflow, pressure)
	case pressure >= s.cfg.CriticalThreshold:
		s.EmergencyCleanup()
	case pressure >= s.cfg.WarningThreshold:
		toEvict := s.maxSpans / 20
		if toEvict < 10 {
			toEvict = 10
		}
		s.evictOldest(toEvict)
	}

	if s.SpanCount() >= s.maxSpans {
		toEvict := s.maxSpans / 10
		if toEvict < 1 {
			toEvict = 1
		}
		s.evictOldest(toEvict)
	}

	span := cloneSpan(in)
	est := estimateSpanMemory(span)

	s.mu.Lock()
	if _, exists := s.spans[span.SpanID]; exists {
		// Duplicate span ID: replace the record, keep the indices.
		old := s.spans[span.SpanID]
		s.spans[span.SpanID] = span
		s.memoryBytes.Add(est - estimateSpanMemory(old))
		s.mu.Unlock()
		return nil
	}
	s.spans[span.SpanID] = span
	s.traces[span.TraceID] = append(s.traces[span.TraceID], span.SpanID)
	s.services[span.ServiceName] = append(s.services[span.ServiceName], timedSpan{span.StartTime, span.SpanID})
	overCap := len(s.services[span.ServiceName]) > s.maxSpansPerService
	s.mu.Unlock()

	s.memoryBytes.Add(est)

	s.orderMu.Lock()
	s.spanOrder.pushBack(timedSpan{span.StartTime, span.SpanID})
	s.activeServices[span.ServiceName] = span.StartTime
	s.orderMu.Unlock()

	if overCap {
		s.enforceServiceLimit(span.ServiceName)
	}
	return nil
}

// GetSpan returns the stored span, or nil when absent.
func (s *Store) GetSpan(id trace.SpanID) *trace.Span {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.spans[id]
}

// GetTraceSpans returns all spans of the trace sorted ascending by start
// time. An unknown trace yields an empty slice.
func (s *Store) GetTraceSpans(id trace.TraceID) []*trace.Span {
	s.mu.RLock()
	ids := s.traces[id]
	spans := make([]*trace.Span, 0, len(ids))
	for _, sid := range ids {
		if sp, ok := s.spans[sid]; ok {
			spans = append(spans, sp)
		}
	}
	s.mu.RUnlock()

	sort.Slice(spans, func(i, j int) bool {
		return spans[i].StartTime.Before(spans[j].StartTime)
	})
	return spans
}

// GetServiceSpans returns spans of the service whose start time is at or
// after since.
func (s *Store) GetServiceSpans(service trace.ServiceName, since time.Time) []*trace.Span {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.services[service]
	spans := make([]*trace.Span, 0, len(entries))
	for _, e := range entries {
		if e.ts.Before(since) {
			continue
		}
		if sp, ok := s.spans[e.id]; ok {
			spans = append(spans, sp)
		}
	}
	return spans
}

// ListRecentTraces materializes TraceInfo for known traces, optionally
// filtered by service participation, most recent first.
func (s *Store) ListRecentTraces(limit int, serviceFilter trace.ServiceName) []TraceInfo {
	s.mu.RLock()
	infos := make([]TraceInfo, 0, len(s.traces))
	for id, ids := range s.traces {
		info, ok := s.buildTraceInfoLocked(id, ids)
		if !ok {
			continue
		}
		if serviceFilter != "" && !containsService(info.Services, serviceFilter) {
			continue
		}
		infos = append(infos, info)
	}
	s.mu.RUnlock()

	sortTracesByStart(infos)
	if len(infos) > limit {
		infos = infos[:limit]
	}
	return infos
}

// SearchTraces matches query case-insensitively against operation names,
// attribute keys and values, and tag keys and values of any span in a
// trace. An empty query matches nothing. A trace is returned once no
// matter how many of its fields match.
func (s *Store) SearchTraces(query string, limit int) []TraceInfo {
	if query == "" {
		return nil
	}
	needle := strings.ToLower(query)

	s.mu.RLock()
	var infos []TraceInfo
	for id, ids := range s.traces {
		matched := false
		for _, sid := range ids {
			sp, ok := s.spans[sid]
			if !ok {
				continue
			}
			if spanMatches(sp, needle) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		if info, ok := s.buildTraceInfoLocked(id, ids); ok {
			infos = append(infos, info)
		}
	}
	s.mu.RUnlock()

	sortTracesByStart(infos)
	if len(infos) > limit {
		infos = infos[:limit]
	}
	return infos
}

// GetErrorTraces returns traces containing at least one error span, most
// recent first.
func (s *Store) GetErrorTraces(limit int) []TraceInfo {
	s.mu.RLock()
	var infos []TraceInfo
	for id, ids := range s.traces {
		if info, ok := s.buildTraceInfoLocked(id, ids); ok && info.HasError {
			infos = append(infos, info)
		}
	}
	s.mu.RUnlock()

	sortTracesByStart(infos)
	if len(infos) > limit {
		infos = infos[:limit]
	}
	return infos
}

// GetSlowTraces returns traces whose earliest-start-to-latest-end duration
// is at or above threshold, slowest first.
func (s *Store) GetSlowTraces(threshold time.Duration, limit int) []TraceInfo {
	s.mu.RLock()
	var infos []TraceInfo
	for id, ids := range s.traces {
		if info, ok := s.buildTraceInfoLocked(id, ids); ok && info.Duration >= threshold {
			infos = append(infos, info)
		}
	}
	s.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Duration != infos[j].Duration {
			return infos[i].Duration > infos[j].Duration
		}
		return infos[i].TraceID < infos[j].TraceID
	})
	if len(infos) > limit {
		infos = infos[:limit]
	}
	return infos
}

// ListServices returns every service present in the span index, sorted.
// This intentionally includes services whose activity record was pruned
// from the idle tracker: a service with indexed spans stays queryable.
func (s *Store) ListServices() []trace.ServiceName {
	s.mu.RLock()
	names := make([]trace.ServiceName, 0, len(s.services))
	for name := range s.services {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// ListActiveServices returns services with a recent activity record.
func (s *Store) ListActiveServices() []trace.ServiceName {
	s.orderMu.Lock()
	names := make([]trace.ServiceName, 0, len(s.activeServices))
	for name := range s.activeServices {
		names = append(names, name)
	}
	s.orderMu.Unlock()
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// SetRetention overrides the age-based eviction horizon at runtime.
func (s *Store) SetRetention(d time.Duration) {
	s.retentionNanos.Store(int64(d))
}

// Retention is the effective age-based eviction horizon.
func (s *Store) Retention() time.Duration {
	if v := s.retentionNanos.Load(); v > 0 {
		return time.Duration(v)
	}
	return s.cfg.Retention
}

// SpanCount is the number of indexed spans.
func (s *Store) SpanCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.spans)
}

// MemoryPressure is accounted bytes over the configured ceiling.
func (s *Store) MemoryPressure() float64 {
	return float64(s.memoryBytes.Load()) / float64(s.cfg.MaxMemoryBytes)
}

// HealthStatus maps memory pressure onto the health tiers.
func (s *Store) HealthStatus() Health {
	p := s.MemoryPressure()
	switch {
	case p >= s.cfg.CriticalThreshold:
		return Critical
	case p >= s.cfg.WarningThreshold:
		return Degraded
	default:
		return Healthy
	}
}

// EnforceLimits evicts until the span count is within maxSpans and returns
// the number evicted.
func (s *Store) EnforceLimits() int {
	over := s.SpanCount() - s.maxSpans
	if over <= 0 {
		return 0
	}
	return s.evictOldest(over)
}

// ShouldCleanup reports whether a background cleanup pass is due, either
// because pressure crossed the critical threshold or the interval elapsed.
func (s *Store) ShouldCleanup() bool {
	if s.MemoryPressure() >= s.cfg.CriticalThreshold {
		return true
	}
	s.orderMu.Lock()
	defer s.orderMu.Unlock()
	return time.Since(s.lastCleanup) >= s.cfg.CleanupInterval
}

// GetStats snapshots the store counters.
func (s *Store) GetStats() Stats {
	s.mu.RLock()
	spanCount := len(s.spans)
	traceCount := len(s.traces)
	serviceCount := len(s.services)
	s.mu.RUnlock()

	var oldest, newest time.Time
	s.orderMu.Lock()
	if f, ok := s.spanOrder.front(); ok {
		oldest = f.ts
	}
	if b, ok := s.spanOrder.back(); ok {
		newest = b.ts
	}
	s.orderMu.Unlock()

	processed := s.spansProcessed.Load()
	errors := s.processingErrors.Load()
	elapsed := time.Since(s.startTime)
	rate := 0.0
	if secs := elapsed.Seconds(); secs > 0 {
		rate = float64(processed) / secs
	}
	errRate := 0.0
	if processed > 0 {
		errRate = float64(errors) / float64(processed)
	}

	return Stats{
		TraceCount:     traceCount,
		SpanCount:      spanCount,
		ServiceCount:   serviceCount,
		MemoryBytes:    s.memoryBytes.Load(),
		MemoryPressure: s.MemoryPressure(),
		OldestSpan:     oldest,
		NewestSpan:     newest,
		ProcessingRate: rate,
		ErrorRate:      errRate,
		SpansProcessed: processed,
		SpansEvicted:   s.spansEvicted.Load(),
		SpansDropped:   s.spansDropped.Load(),
		CleanupOps:     s.cleanupOps.Load(),
		Uptime:         elapsed,
		Health:         s.HealthStatus(),
	}
}

// buildTraceInfoLocked computes the trace summary; caller holds mu (read).
func (s *Store) buildTraceInfoLocked(id trace.TraceID, ids []trace.SpanID) (TraceInfo, bool) {
	var (
		root     *trace.Span
		earliest *trace.Span
		minStart time.Time
		maxEnd   time.Time
		hasError bool
		count    int
	)
	serviceSet := map[trace.ServiceName]struct{}{}

	for _, sid := range ids {
		sp, ok := s.spans[sid]
		if !ok {
			continue
		}
		count++
		serviceSet[sp.ServiceName] = struct{}{}
		if sp.Status.IsError() {
			hasError = true
		}
		if earliest == nil || sp.StartTime.Before(earliest.StartTime) {
			earliest = sp
		}
		if sp.ParentSpanID == "" && (root == nil || sp.StartTime.Before(root.StartTime)) {
			root = sp
		}
		if minStart.IsZero() || sp.StartTime.Before(minStart) {
			minStart = sp.StartTime
		}
		if end := sp.EndTime(); end.After(maxEnd) {
			maxEnd = end
		}
	}
	if count == 0 {
		return TraceInfo{}, false
	}
	// A trace whose real root was never received still gets a stable
	// synthetic root: the earliest span.
	if root == nil {
		root = earliest
	}

	services := make([]trace.ServiceName, 0, len(serviceSet))
	for name := range serviceSet {
		services = append(services, name)
	}
	sort.Slice(services, func(i, j int) bool { return services[i] < services[j] })

	return TraceInfo{
		TraceID:       id,
		RootService:   root.ServiceName,
		RootOperation: root.OperationName,
		SpanCount:     count,
		Duration:      maxEnd.Sub(minStart),
		StartTime:     minStart,
		HasError:      hasError,
		Services:      services,
	}, true
}

// cloneSpan copies the span and its attribute/tag entries so the store
// never aliases pool-owned backing arrays.
func cloneSpan(in *trace.Span) *trace.Span {
	cp := new(trace.Span)
	*cp = *in
	if len(in.Attributes) > 0 {
		cp.Attributes = append([]trace.KeyValue(nil), in.Attributes...)
	} else {
		cp.Attributes = nil
	}
	if len(in.Tags) > 0 {
		cp.Tags = append([]trace.KeyValue(nil), in.Tags...)
	} else {
		cp.Tags = nil
	}
	return cp
}

func spanMatches(sp *trace.Span, needle string) bool {
	if strings.Contains(strings.ToLower(sp.OperationName), needle) {
		return true
	}
	for _, kv := range sp.Attributes {
		if strings.Contains(strings.ToLower(kv.Key), needle) ||
			strings.Contains(strings.ToLower(kv.Value), needle) {
			return true
		}
	}
	for _, kv := range sp.Tags {
		if strings.Contains(strings.ToLower(kv.Key), needle) ||
			strings.Contains(strings.ToLower(kv.Value), needle) {
			return true
		}
	}
	return false
}

func containsService(services []trace.ServiceName, want trace.ServiceName) bool {
	for _, s := range services {
		if s == want {
			return true
		}
	}
	return false
}

// sortTracesByStart orders most recent first, tie-broken by trace ID so
// results are deterministic.
func sortTracesByStart(infos []TraceInfo) {
	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].StartTime.Equal(infos[j].StartTime) {
			return infos[i].StartTime.After(infos[j].StartTime)
		}
		return infos[i].TraceID < infos[j].TraceID
	})
}

// spanDeque is a grow-only slice used as a double-ended queue, compacted
// when the dead prefix dominates.
type spanDeque struct {
	items []timedSpan
	head  int
}

func (d *spanDeque) pushBack(ts timedSpan) {
	d.items = append(d.items, ts)
}

func (d *spanDeque) popFront() (timedSpan, bool) {
	if d.head >= len(d.items) {
		return timedSpan{}, false
	}
	ts := d.items[d.head]
	d.head++
	d.maybeCompact()
	return ts, true
}

func (d *spanDeque) front() (timedSpan, bool) {
	if d.head >= len(d.items) {
		return timedSpan{}, false
	}
	return d.items[d.head], true
}

func (d *spanDeque) back() (timedSpan, bool) {
	if d.head >= len(d.items) {
		return timedSpan{}, false
	}
	return d.items[len(d.items)-1], true
}

func (d *spanDeque) len() int {
	return len(d.items) - d.head
}

// retain keeps entries for which keep returns true, resetting the head.
func (d *spanDeque) retain(keep func(timedSpan) bool) {
	live := d.items[d.head:]
	out := d.items[:0]
	for _, ts := range live {
		if keep(ts) {
			out = append(out, ts)
		}
	}
	d.items = out
	d.head = 0
}

func (d *spanDeque) maybeCompact() {
	if d.head > 1024 && d.head > len(d.items)/2 {
		n := copy(d.items, d.items[d.head:])
		d.items = d.items[:n]
		d.head = 0
	}
}
