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

package degradation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Cooldown = time.Millisecond
	return cfg
}

func TestModeTable(t *testing.T) {
	assert.Equal(t, 1.0, Normal.SamplingRate())
	assert.Equal(t, 0.8, Conservative.SamplingRate())
	assert.Equal(t, 0.5, Reduced.SamplingRate())
	assert.Equal(t, 0.2, Survival.SamplingRate())
	assert.Equal(t, 0.0, Emergency.SamplingRate())

	assert.Equal(t, 100*time.Millisecond, Normal.MetricsInterval())
	assert.Equal(t, 5*time.Second, Emergency.MetricsInterval())

	assert.Equal(t, time.Hour, Normal.Retention())
	assert.Equal(t, time.Minute, Emergency.Retention())
}

func TestPressureToMode(t *testing.T) {
	cfg := DefaultConfig()
	for _, tc := range []struct {
		pressure float64
		want     Mode
	}{
		{0.0, Normal},
		{0.69, Normal},
		{0.70, Conservative},
		{0.84, Conservative},
		{0.85, Reduced},
		{0.90, Reduced},
		{0.95, Survival},
		{0.98, Emergency},
		{1.0, Emergency},
	} {
		assert.Equal(t, tc.want, modeFor(tc.pressure, cfg.Memory), "pressure %v", tc.pressure)
	}
}

func TestMaxSeverityInputWins(t *testing.T) {
	c := NewController(fastConfig())

	// CPU alone demands Reduced while memory and errors are calm.
	c.UpdatePressure(0.10, 0.80, 0.0)
	assert.Equal(t, Reduced, c.Mode())
}

func TestDegradationStepScenario(t *testing.T) {
	c := NewController(fastConfig())

	c.UpdatePressure(0.90, 0.0, 0.0)
	assert.GreaterOrEqual(t, c.Mode(), Reduced)
	assert.LessOrEqual(t, c.SamplingRate(), 0.5)

	time.Sleep(5 * time.Millisecond) // wait out the cooldown
	c.UpdatePressure(0.10, 0.0, 0.0)
	assert.Equal(t, Normal, c.Mode())
	assert.Equal(t, 1.0, c.SamplingRate())
}

func TestCooldownBlocksFlapping(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cooldown = time.Hour
	c := NewController(cfg)

	c.UpdatePressure(0.90, 0.0, 0.0)
	assert.Equal(t, Reduced, c.Mode())

	// Pressure recovered but the cooldown pins the mode.
	c.UpdatePressure(0.0, 0.0, 0.0)
	assert.Equal(t, Reduced, c.Mode())
}

func TestDegradationMonotonicity(t *testing.T) {
	cfg := DefaultConfig()
	for _, base := range []float64{0.0, 0.5, 0.75, 0.9} {
		lower := maxMode(modeFor(base, cfg.Memory), modeFor(0.2, cfg.CPU), modeFor(0.0, cfg.Errors))
		higher := maxMode(modeFor(base+0.05, cfg.Memory), modeFor(0.2, cfg.CPU), modeFor(0.0, cfg.Errors))
		assert.GreaterOrEqual(t, higher, lower, "base %v", base)
	}
}

func TestFeatureShedding(t *testing.T) {
	c := NewController(fastConfig())
	assert.True(t, c.Enabled(Histograms))
	assert.True(t, c.Enabled(Percentiles))
	assert.True(t, c.Enabled(SpanIndexing))

	c.ForceMode(Conservative)
	assert.False(t, c.Enabled(Histograms))
	assert.True(t, c.Enabled(Percentiles))

	c.ForceMode(Reduced)
	assert.False(t, c.Enabled(Percentiles))
	assert.False(t, c.Enabled(TraceCorrelation))
	assert.True(t, c.Enabled(DetailedMetrics))

	c.ForceMode(Survival)
	assert.False(t, c.Enabled(DetailedMetrics))
	assert.False(t, c.Enabled(ServiceDiscovery))
	assert.True(t, c.Enabled(RealtimeUpdates))

	c.ForceMode(Emergency)
	assert.False(t, c.Enabled(RealtimeUpdates))
	assert.False(t, c.Enabled(SpanIndexing))

	c.ForceMode(Normal)
	assert.True(t, c.Enabled(Histograms))
}

func TestSamplerExtremes(t *testing.T) {
	s := NewSampler()

	s.SetRate(1.0)
	for i := 0; i < 100; i++ {
		assert.True(t, s.ShouldSample("api"))
	}

	s.SetRate(0.0)
	for i := 0; i < 100; i++ {
		assert.False(t, s.ShouldSample("api"))
	}

	offered, taken := s.Counts()
	assert.Equal(t, uint64(200), offered)
	assert.Equal(t, uint64(100), taken)
}

func TestSamplerApproximatesRate(t *testing.T) {
	s := NewSampler()
	s.SetRate(0.5)

	taken := 0
	const n = 10000
	for i := 0; i < n; i++ {
		if s.ShouldSample("api") {
			taken++
		}
	}
	assert.InDelta(t, 0.5, float64(taken)/n, 0.05)
}

func TestControllerStats(t *testing.T) {
	c := NewController(fastConfig())
	c.UpdatePressure(0.90, 0.1, 0.01)

	stats := c.Stats()
	assert.Equal(t, Reduced, stats.Mode)
	assert.InDelta(t, 0.90, stats.MemoryPressure, 0.001)
	assert.InDelta(t, 0.1, stats.CPUPressure, 0.001)
	assert.Equal(t, 1, stats.ModeChanges)
	assert.Equal(t, Reduced, stats.History[0].Mode)
}

func TestEmergencyDropsEverything(t *testing.T) {
	c := NewController(fastConfig())
	c.UpdatePressure(0.99, 0.0, 0.0)
	assert.Equal(t, Emergency, c.Mode())

	for i := 0; i < 50; i++ {
		assert.False(t, c.Sampler().ShouldSample("api"))
	}
}

func TestReset(t *testing.T) {
	c := NewController(fastConfig())
	c.UpdatePressure(0.99, 0.0, 0.0)
	assert.Equal(t, Emergency, c.Mode())

	c.Reset()
	assert.Equal(t, Normal, c.Mode())
	assert.Equal(t, 1.0, c.SamplingRate())
	offered, _ := c.Sampler().Counts()
	assert.Equal(t, uint64(0), offered)
}
