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

package storage

import (
	"runtime"
	"time"

	"k8s.io/klog/v2"

	"github.com/yairfalse/urpo/pkg/trace"
)

// cleanupBatchSize caps how many removals happen per lock acquisition so a
// concurrent reader stays responsive.
const cleanupBatchSize = 100

// spanOverheadBytes is the fixed per-span accounting overhead on top of the
// struct and string payloads.
const spanOverheadBytes = 200

// spanBaseBytes approximates the span struct itself (headers, time fields,
// status, slice headers).
const spanBaseBytes = 176

// orphanTraceAge is how old a single-span trace must be before it is
// considered abandoned.
const orphanTraceAge = 5 * time.Minute

// idleServiceAge is how long a service may go unseen before its spans are
// dropped wholesale.
const idleServiceAge = 15 * time.Minute

// estimateSpanMemory is the accounting estimate charged at insertion and
// credited back verbatim at removal.
func estimateSpanMemory(sp *trace.Span) int64 {
	size := spanBaseBytes + spanOverheadBytes
	size += len(sp.TraceID) + len(sp.SpanID) + len(sp.ParentSpanID)
	size += len(sp.ServiceName) + len(sp.OperationName) + len(sp.Status.Message)
	for _, kv := range sp.Attributes {
		size += len(kv.Key) + len(kv.Value)
	}
	for _, kv := range sp.Tags {
		size += len(kv.Key) + len(kv.Value)
	}
	return int64(size)
}

// evictOldest removes up to count spans in LRU order, batched so neither
// lock is held across the whole sweep. Returns the number evicted.
func (s *Store) evictOldest(count int) int {
	total := 0
	for count > 0 {
		n := count
		if n > cleanupBatchSize {
			n = cleanupBatchSize
		}

		s.orderMu.Lock()
		ids := make([]trace.SpanID, 0, n)
		for len(ids) < n {
			e, ok := s.spanOrder.popFront()
			if !ok {
				break
			}
			ids = append(ids, e.id)
		}
		s.orderMu.Unlock()

		if len(ids) == 0 {
			break
		}
		removed := s.removeSpans(ids)
		total += removed
		count -= len(ids)
		if count > 0 {
			runtime.Gosched()
		}
	}
	if total > 0 {
		klog.V(4).Infof("Evicted %d spans, memory now %dKB", total, s.memoryBytes.Load()/1024)
	}
	return total
}

// removeSpans deletes the given IDs from the span, trace, and service
// indices and credits the memory counter. The caller has already detached
// them from spanOrder (or purges it afterwards).
func (s *Store) removeSpans(ids []trace.SpanID) int {
	removed := 0
	s.mu.Lock()
	for _, id := range ids {
		sp, ok := s.spans[id]
		if !ok {
			continue
		}
		delete(s.spans, id)
		s.memoryBytes.Add(-estimateSpanMemory(sp))

		if rest := removeSpanID(s.traces[sp.TraceID], id); len(rest) == 0 {
			delete(s.traces, sp.TraceID)
		} else {
			s.traces[sp.TraceID] = rest
		}
		if rest := removeTimedSpan(s.services[sp.ServiceName], id); len(rest) == 0 {
			delete(s.services, sp.ServiceName)
		} else {
			s.services[sp.ServiceName] = rest
		}
		removed++
	}
	s.mu.Unlock()
	s.spansEvicted.Add(uint64(removed))
	return removed
}

func removeSpanID(ids []trace.SpanID, id trace.SpanID) []trace.SpanID {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func removeTimedSpan(entries []timedSpan, id trace.SpanID) []timedSpan {
	out := entries[:0]
	for _, e := range entries {
		if e.id != id {
			out = append(out, e)
		}
	}
	return out
}

// purgeOrder drops order entries whose spans were removed out of LRU order.
func (s *Store) purgeOrder(removed map[trace.SpanID]struct{}) {
	if len(removed) == 0 {
		return
	}
	s.orderMu.Lock()
	s.spanOrder.retain(func(e timedSpan) bool {
		_, gone := removed[e.id]
		return !gone
	})
	s.orderMu.Unlock()
}

// enforceServiceLimit trims a service back to its per-service cap, oldest
// first.
func (s *Store) enforceServiceLimit(service trace.ServiceName) {
	var victims []trace.SpanID
	s.mu.Lock()
	entries := s.services[service]
	if over := len(entries) - s.maxSpansPerService; over > 0 {
		victims = make([]trace.SpanID, over)
		for i := 0; i < over; i++ {
			victims[i] = entries[i].id
		}
	}
	s.mu.Unlock()
	if len(victims) == 0 {
		return
	}

	s.removeSpans(victims)
	removed := make(map[trace.SpanID]struct{}, len(victims))
	for _, id := range victims {
		removed[id] = struct{}{}
	}
	s.purgeOrder(removed)
	klog.V(3).Infof("Service %s over per-service cap, trimmed %d spans", service, len(victims))
}

// EmergencyCleanup reclaims memory in tiers: expired spans first, then
// abandoned single-span traces, then idle services, and finally LRU
// eviction down to 80% of the ceiling if pressure is still at or above the
// critical threshold. Returns the number of spans removed.
func (s *Store) EmergencyCleanup() int {
	removed := 0
	removed += s.cleanupExpired(time.Now().Add(-s.Retention()))
	removed += s.cleanupOrphanTraces()
	removed += s.cleanupIdleServices()

	if s.MemoryPressure() >= s.cfg.CriticalThreshold {
		target := int64(float64(s.cfg.MaxMemoryBytes) * 0.8)
		for s.memoryBytes.Load() > target {
			n := s.evictOldest(cleanupBatchSize)
			if n == 0 {
				break
			}
			removed += n
		}
	}

	s.cleanupOps.Add(1)
	s.orderMu.Lock()
	s.lastCleanup = time.Now()
	s.orderMu.Unlock()

	if removed > 0 {
		klog.V(2).Infof("Cleanup removed %d spans, memory %dMB",
			removed, s.memoryBytes.Load()/1024/1024)
	}
	return removed
}

// cleanupExpired removes spans older than cutoff from the front of the
// order queue. spanOrder is insertion-ordered, so the sweep stops at the
// first young-enough entry.
func (s *Store) cleanupExpired(cutoff time.Time) int {
	total := 0
	for {
		s.orderMu.Lock()
		ids := make([]trace.SpanID, 0, cleanupBatchSize)
		for len(ids) < cleanupBatchSize {
			e, ok := s.spanOrder.front()
			if !ok || !e.ts.Before(cutoff) {
				break
			}
			s.spanOrder.popFront()
			ids = append(ids, e.id)
		}
		s.orderMu.Unlock()

		if len(ids) == 0 {
			return total
		}
		total += s.removeSpans(ids)
		runtime.Gosched()
	}
}

// cleanupOrphanTraces drops traces consisting of exactly one span older
// than orphanTraceAge.
func (s *Store) cleanupOrphanTraces() int {
	cutoff := time.Now().Add(-orphanTraceAge)

	s.mu.RLock()
	var victims []trace.SpanID
	for _, ids := range s.traces {
		if len(ids) != 1 {
			continue
		}
		if sp, ok := s.spans[ids[0]]; ok && sp.StartTime.Before(cutoff) {
			victims = append(victims, ids[0])
		}
	}
	s.mu.RUnlock()

	return s.removeBatched(victims)
}

// cleanupIdleServices drops every span of services unseen for
// idleServiceAge, and their activity records.
func (s *Store) cleanupIdleServices() int {
	cutoff := time.Now().Add(-idleServiceAge)

	s.orderMu.Lock()
	var idle []trace.ServiceName
	for name, lastSeen := range s.activeServices {
		if lastSeen.Before(cutoff) {
			idle = append(idle, name)
		}
	}
	for _, name := range idle {
		delete(s.activeServices, name)
	}
	s.orderMu.Unlock()

	if len(idle) == 0 {
		return 0
	}

	var victims []trace.SpanID
	s.mu.RLock()
	for _, name := range idle {
		for _, e := range s.services[name] {
			victims = append(victims, e.id)
		}
	}
	s.mu.RUnlock()

	n := s.removeBatched(victims)
	klog.V(2).Infof("Dropped %d idle services (%d spans)", len(idle), n)
	return n
}

// removeBatched removes spans in cleanup-sized batches, purging the order
// queue once at the end, yielding between batches.
func (s *Store) removeBatched(victims []trace.SpanID) int {
	if len(victims) == 0 {
		return 0
	}
	total := 0
	for start := 0; start < len(victims); start += cleanupBatchSize {
		end := start + cleanupBatchSize
		if end > len(victims) {
			end = len(victims)
		}
		total += s.removeSpans(victims[start:end])
		runtime.Gosched()
	}
	removed := make(map[trace.SpanID]struct{}, len(victims))
	for _, id := range victims {
		removed[id] = struct{}{}
	}
	s.purgeOrder(removed)
	return total
}
