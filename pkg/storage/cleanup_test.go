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
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/urpo/pkg/trace"
)

func TestEstimateSpanMemory(t *testing.T) {
	sp := testSpan("t1", "s1", "api", time.Now(), time.Millisecond)
	base := estimateSpanMemory(sp)
	assert.Greater(t, base, int64(spanOverheadBytes))

	sp.Attributes = []trace.KeyValue{{Key: "12345", Value: "12345"}}
	assert.Equal(t, base+10, estimateSpanMemory(sp))
}

func TestRetentionCleanup(t *testing.T) {
	cfg := DefaultCleanupConfig()
	cfg.Retention = time.Minute
	s := NewStoreWithConfig(100000, cfg)
	now := time.Now()

	// Spans spread over ten minutes, ingested oldest first; only the last
	// minute survives.
	for i := 99; i >= 0; i-- {
		age := time.Duration(i) * 6 * time.Second
		require.NoError(t, s.StoreSpan(testSpan(fmt.Sprintf("t%d", i), fmt.Sprintf("s%d", i), "api",
			now.Add(-age), time.Millisecond)))
	}

	memBefore := s.GetStats().MemoryBytes
	removed := s.EmergencyCleanup()
	assert.Greater(t, removed, 0)

	cutoff := time.Now().Add(-time.Minute)
	for _, id := range s.ListServices() {
		for _, sp := range s.GetServiceSpans(id, time.Time{}.Add(time.Nanosecond)) {
			assert.False(t, sp.StartTime.Before(cutoff), "span %s too old to survive", sp.SpanID)
		}
	}
	stats := s.GetStats()
	assert.Less(t, stats.MemoryBytes, memBefore)
	assert.GreaterOrEqual(t, stats.MemoryBytes, int64(0))
	assert.Equal(t, uint64(1), stats.CleanupOps)
}

func TestOrphanTraceCleanup(t *testing.T) {
	s := NewStore(100000)
	now := time.Now()

	// An old single-span trace, an old multi-span trace, and a fresh
	// single-span trace.
	require.NoError(t, s.StoreSpan(testSpan("orphan", "s-orphan", "api", now.Add(-10*time.Minute), time.Millisecond)))
	require.NoError(t, s.StoreSpan(testSpan("pair", "s-pair-1", "api", now.Add(-10*time.Minute), time.Millisecond)))
	require.NoError(t, s.StoreSpan(testSpan("pair", "s-pair-2", "api", now.Add(-10*time.Minute), time.Millisecond)))
	require.NoError(t, s.StoreSpan(testSpan("fresh", "s-fresh", "api", now, time.Millisecond)))

	removed := s.cleanupOrphanTraces()
	assert.Equal(t, 1, removed)
	assert.Len(t, s.GetTraceSpans("orphan"), 0)
	assert.Len(t, s.GetTraceSpans("pair"), 2)
	assert.Len(t, s.GetTraceSpans("fresh"), 1)
}

func TestIdleServiceCleanup(t *testing.T) {
	s := NewStore(100000)
	now := time.Now()

	require.NoError(t, s.StoreSpan(testSpan("t1", "s1", "idle-svc", now.Add(-30*time.Minute), time.Millisecond)))
	require.NoError(t, s.StoreSpan(testSpan("t2", "s2", "busy-svc", now, time.Millisecond)))

	removed := s.cleanupIdleServices()
	assert.Equal(t, 1, removed)
	assert.Len(t, s.GetServiceSpans("idle-svc", time.Time{}.Add(time.Nanosecond)), 0)
	assert.Len(t, s.GetServiceSpans("busy-svc", time.Time{}.Add(time.Nanosecond)), 1)

	// Idle service is gone from the activity tracker but the busy one
	// stays.
	assert.Equal(t, []trace.ServiceName{"busy-svc"}, s.ListActiveServices())
}

func TestEmergencyCleanupEvictsToTargetMemory(t *testing.T) {
	cfg := DefaultCleanupConfig()
	cfg.Retention = 24 * time.Hour // retention must not be the reason
	s := NewStoreWithConfig(100000, cfg)
	now := time.Now()

	// StoreSpan refuses spans at emergency pressure, so fill under the
	// default ceiling and then shrink it to put the store at 150%.
	for i := 0; s.GetStats().MemoryBytes < 30000; i++ {
		s.StoreSpan(testSpan(fmt.Sprintf("t%d", i), fmt.Sprintf("s%d", i), "api",
			now.Add(time.Duration(i)*time.Millisecond), time.Millisecond))
	}
	s.cfg.MaxMemoryBytes = 20000

	s.EmergencyCleanup()
	assert.LessOrEqual(t, s.GetStats().MemoryBytes, int64(20000))
}

func TestCleanupUpdatesAllIndices(t *testing.T) {
	s := NewStore(100000)
	now := time.Now()

	require.NoError(t, s.StoreSpan(testSpan("t1", "s1", "api", now.Add(-time.Hour), time.Millisecond)))
	require.NoError(t, s.StoreSpan(testSpan("t1", "s2", "db", now, time.Millisecond)))

	s.evictOldest(1)

	assert.Nil(t, s.GetSpan("s1"))
	assert.Len(t, s.GetTraceSpans("t1"), 1)
	assert.Len(t, s.GetServiceSpans("api", time.Time{}.Add(time.Nanosecond)), 0)
	assert.NotContains(t, s.ListServices(), trace.ServiceName("api"))
	assert.Contains(t, s.ListServices(), trace.ServiceName("db"))
}

func TestShouldCleanup(t *testing.T) {
	cfg := DefaultCleanupConfig()
	cfg.CleanupInterval = time.Hour
	cfg.MaxMemoryBytes = 1000
	s := NewStoreWithConfig(100, cfg)

	assert.False(t, s.ShouldCleanup())
	s.memoryBytes.Store(900) // over critical
	assert.True(t, s.ShouldCleanup())
}

func TestSetRetentionOverride(t *testing.T) {
	cfg := DefaultCleanupConfig()
	cfg.Retention = time.Hour
	s := NewStoreWithConfig(100, cfg)

	assert.Equal(t, time.Hour, s.Retention())
	s.SetRetention(time.Minute)
	assert.Equal(t, time.Minute, s.Retention())
}
