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
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/urpo/pkg/storage"
	"github.com/yairfalse/urpo/pkg/trace"
)

func TestPercentileSorted(t *testing.T) {
	values := []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}
	assert.Equal(t, 10.0, percentileSorted(values, 0.0))
	assert.Equal(t, 50.0, percentileSorted(values, 0.5))
	assert.Equal(t, 90.0, percentileSorted(values, 0.9))
	assert.Equal(t, 100.0, percentileSorted(values, 1.0))
}

func TestComputePercentilesSmallSample(t *testing.T) {
	values := make([]float64, 101)
	for i := range values {
		values[i] = float64(i + 1) // 1..101 ms
	}
	rand.Shuffle(len(values), func(i, j int) { values[i], values[j] = values[j], values[i] })

	p50, p95, p99 := computePercentiles(values)
	assert.Equal(t, 51.0, p50)
	assert.Equal(t, 96.0, p95)
	assert.Equal(t, 100.0, p99)
}

func TestComputePercentilesEmpty(t *testing.T) {
	p50, p95, p99 := computePercentiles(nil)
	assert.Equal(t, 0.0, p50)
	assert.Equal(t, 0.0, p95)
	assert.Equal(t, 0.0, p99)
}

func TestHistogramAgreesWithExactWithinOneBucket(t *testing.T) {
	values := make([]float64, 10001)
	for i := range values {
		values[i] = float64(i + 1) // 1..10001 ms, uniform
	}
	bucketWidth := (values[len(values)-1] - values[0]) / latencyBuckets

	h50, h95, h99 := histogramPercentiles(values)
	e50 := percentileSorted(values, 0.50)
	e95 := percentileSorted(values, 0.95)
	e99 := percentileSorted(values, 0.99)

	assert.InDelta(t, e50, h50, bucketWidth)
	assert.InDelta(t, e95, h95, bucketWidth)
	assert.InDelta(t, e99, h99, bucketWidth)
}

func TestHistogramConstantSample(t *testing.T) {
	values := make([]float64, 2000)
	for i := range values {
		values[i] = 42
	}
	p50, p95, p99 := histogramPercentiles(values)
	assert.Equal(t, 42.0, p50)
	assert.Equal(t, 42.0, p95)
	assert.Equal(t, 42.0, p99)
}

func storeWithSpans(t *testing.T, service string, durations []time.Duration, errEvery int) *storage.Store {
	t.Helper()
	// Ten times the span count so the per-service cap never trims the
	// seeded data.
	s := storage.NewStore(len(durations)*10 + 10)
	now := time.Now()
	for i, d := range durations {
		sp := &trace.Span{
			TraceID:       trace.TraceID(fmt.Sprintf("trace-%s-%d", service, i)),
			SpanID:        trace.SpanID(fmt.Sprintf("span-%s-%d", service, i)),
			ServiceName:   trace.ServiceName(service),
			OperationName: "op",
			StartTime:     now.Add(-time.Duration(i) * time.Microsecond),
			Duration:      d,
			Status:        trace.SpanStatus{Code: trace.StatusOk},
		}
		if errEvery > 0 && i%errEvery == 0 {
			sp.Status = trace.SpanStatus{Code: trace.StatusError, Message: "boom"}
		}
		require.NoError(t, s.StoreSpan(sp))
	}
	return s
}

func TestCalculateServiceMetrics(t *testing.T) {
	durations := make([]time.Duration, 100)
	for i := range durations {
		durations[i] = time.Duration(10+(i%50)*2) * time.Millisecond
	}
	s := storeWithSpans(t, "api-gateway", durations, 20) // 5% errors

	list := CalculateServiceMetrics(s, DefaultWindow)
	require.Len(t, list, 1)
	m := list[0]

	assert.Equal(t, trace.ServiceName("api-gateway"), m.Name)
	assert.Equal(t, uint64(100), m.SpanCount)
	assert.Equal(t, uint64(5), m.ErrorCount)
	assert.InDelta(t, 0.05, m.ErrorRate, 0.001)
	assert.Greater(t, m.RequestRate, 0.0)
	assert.Greater(t, m.LatencyP50, time.Duration(0))
	assert.GreaterOrEqual(t, m.LatencyP95, m.LatencyP50)
	assert.GreaterOrEqual(t, m.LatencyP99, m.LatencyP95)
	assert.Equal(t, 10*time.Millisecond, m.MinDuration)
	assert.Equal(t, 108*time.Millisecond, m.MaxDuration)
}

func TestCalculateServiceMetricsEmptyService(t *testing.T) {
	s := storeWithSpans(t, "quiet", []time.Duration{time.Millisecond}, 0)

	// A service whose spans fall outside the window still gets an entry.
	list := CalculateServiceMetrics(s, time.Nanosecond)
	require.Len(t, list, 1)
	assert.Equal(t, uint64(0), list[0].SpanCount)
	assert.Equal(t, 0.0, list[0].ErrorRate)
	assert.Equal(t, time.Duration(0), list[0].LatencyP50)
}

func TestPercentileAccuracyScenario(t *testing.T) {
	durations := make([]time.Duration, 10001)
	for i := range durations {
		durations[i] = time.Duration(i+1) * time.Millisecond
	}
	s := storeWithSpans(t, "single", durations, 0)

	list := CalculateServiceMetrics(s, DefaultWindow)
	require.Len(t, list, 1)
	m := list[0]

	// Histogram approximation is allowed one bucket of error.
	bucket := 10000.0 / latencyBuckets
	assert.InDelta(t, 5001, durationMillis(m.LatencyP50), bucket)
	assert.InDelta(t, 9501, durationMillis(m.LatencyP95), bucket)
	assert.InDelta(t, 9901, durationMillis(m.LatencyP99), bucket)
}

func TestAggregatorWindow(t *testing.T) {
	a := NewAggregator(DefaultWindow)

	spans := make([]*trace.Span, 0, 100)
	for i := 0; i < 100; i++ {
		status := trace.SpanStatus{Code: trace.StatusOk}
		if i < 10 {
			status = trace.SpanStatus{Code: trace.StatusError, Message: "boom"}
		}
		spans = append(spans, &trace.Span{
			TraceID:       trace.TraceID(fmt.Sprintf("t%d", i)),
			SpanID:        trace.SpanID(fmt.Sprintf("s%d", i)),
			ServiceName:   "api",
			OperationName: "op",
			StartTime:     time.Now(),
			Duration:      50 * time.Millisecond,
			Status:        status,
		})
	}
	a.ObserveBatch(spans)

	m, ok := a.GetService("api")
	require.True(t, ok)
	assert.Equal(t, uint64(100), m.SpanCount)
	assert.Equal(t, uint64(10), m.ErrorCount)
	assert.InDelta(t, 0.1, m.ErrorRate, 0.001)
	assert.InDelta(t, 50, durationMillis(m.LatencyP50), 0.5)

	all := a.GetAll()
	require.Len(t, all, 1)
	assert.Equal(t, trace.ServiceName("api"), all[0].Name)
}

func TestAggregatorUnknownService(t *testing.T) {
	a := NewAggregator(DefaultWindow)
	_, ok := a.GetService("missing")
	assert.False(t, ok)
}

func TestAggregatorExpiresOldPoints(t *testing.T) {
	a := NewAggregator(50 * time.Millisecond)

	a.ObserveBatch([]*trace.Span{{
		TraceID: "t1", SpanID: "s1", ServiceName: "api", OperationName: "op",
		StartTime: time.Now(), Duration: 10 * time.Millisecond,
		Status: trace.SpanStatus{Code: trace.StatusOk},
	}})

	m, ok := a.GetService("api")
	require.True(t, ok)
	assert.Equal(t, uint64(1), m.SpanCount)

	time.Sleep(1100 * time.Millisecond) // past window and cache staleness

	m, ok = a.GetService("api")
	require.True(t, ok)
	assert.Equal(t, uint64(0), m.SpanCount)
}

func TestAggregatorCleanupInactive(t *testing.T) {
	a := NewAggregator(DefaultWindow)
	a.ObserveBatch([]*trace.Span{{
		TraceID: "t1", SpanID: "s1", ServiceName: "api", OperationName: "op",
		StartTime: time.Now(), Duration: time.Millisecond,
		Status: trace.SpanStatus{Code: trace.StatusOk},
	}})

	a.CleanupInactive(time.Now().Add(time.Minute))
	_, ok := a.GetService("api")
	assert.False(t, ok)
}
