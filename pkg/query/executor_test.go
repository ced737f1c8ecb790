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

package query

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/urpo/pkg/degradation"
	"github.com/yairfalse/urpo/pkg/metrics"
	"github.com/yairfalse/urpo/pkg/storage"
	"github.com/yairfalse/urpo/pkg/trace"
)

func seededExecutor(t *testing.T) (*Executor, *storage.Store) {
	t.Helper()
	store := storage.NewStore(10000)
	now := time.Now()
	for i := 0; i < 10; i++ {
		sp := &trace.Span{
			TraceID:       trace.TraceID(fmt.Sprintf("trace-%d", i)),
			SpanID:        trace.SpanID(fmt.Sprintf("span-%d", i)),
			ServiceName:   "api",
			OperationName: fmt.Sprintf("op-%d", i),
			StartTime:     now.Add(time.Duration(i) * time.Second),
			Duration:      time.Duration(i+1) * 10 * time.Millisecond,
			Status:        trace.SpanStatus{Code: trace.StatusOk},
		}
		if i == 3 {
			sp.Status = trace.SpanStatus{Code: trace.StatusError, Message: "boom"}
		}
		require.NoError(t, store.StoreSpan(sp))
	}
	ctrl := degradation.NewController(degradation.DefaultConfig())
	agg := metrics.NewAggregator(metrics.DefaultWindow)
	return NewExecutor(store, nil, agg, ctrl), store
}

func TestExecutorReads(t *testing.T) {
	exec, _ := seededExecutor(t)

	infos := exec.ListRecentTraces(5, "")
	assert.Len(t, infos, 5)
	assert.Equal(t, trace.TraceID("trace-9"), infos[0].TraceID)

	assert.Len(t, exec.SearchTraces("op-4", 10), 1)
	assert.Len(t, exec.GetErrorTraces(10), 1)

	slow := exec.GetSlowTraces(50*time.Millisecond, 10)
	assert.Len(t, slow, 6) // 50..100ms

	spans := exec.GetTraceSpans("trace-2")
	require.Len(t, spans, 1)
	assert.Equal(t, trace.SpanID("span-2"), spans[0].SpanID)

	assert.Equal(t, []trace.ServiceName{"api"}, exec.ListServices())
}

func TestExecutorServiceMetrics(t *testing.T) {
	exec, _ := seededExecutor(t)

	list := exec.GetServiceMetrics()
	require.Len(t, list, 1)
	assert.Equal(t, uint64(10), list[0].SpanCount)

	m := exec.GetServiceMetricsMap()
	require.Contains(t, m, trace.ServiceName("api"))
	assert.Equal(t, uint64(1), m["api"].ErrorCount)
}

func TestExecutorStats(t *testing.T) {
	exec, _ := seededExecutor(t)

	stats := exec.GetStats()
	assert.Equal(t, 10, stats.Storage.SpanCount)
	assert.Equal(t, 10, stats.Storage.TraceCount)
	assert.Equal(t, degradation.Normal, stats.Degradation.Mode)
}

func TestExecutorStreamingMetricsNilAggregator(t *testing.T) {
	store := storage.NewStore(10)
	exec := NewExecutor(store, nil, nil, nil)
	assert.Nil(t, exec.GetStreamingMetrics())
	assert.Equal(t, 0, exec.GetStats().Storage.SpanCount)
}
