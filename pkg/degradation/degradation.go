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

// Package degradation tracks system pressure and maps it onto a discrete
// service level: each level sets the pre-ingest sampling rate, the metrics
// refresh cadence, the retention horizon, and which features stay enabled.
package degradation

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/klog/v2"

	"github.com/yairfalse/urpo/pkg/trace"
)

// Mode is a degradation level, ordered by severity.
type Mode int32

const (
	Normal Mode = iota
	Conservative
	Reduced
	Survival
	Emergency
)

func (m Mode) String() string {
	switch m {
	case Normal:
		return "normal"
	case Conservative:
		return "conservative"
	case Reduced:
		return "reduced"
	case Survival:
		return "survival"
	default:
		return "emergency"
	}
}

// SamplingRate is the pre-ingest admit fraction for the mode.
func (m Mode) SamplingRate() float64 {
	switch m {
	case Normal:
		return 1.0
	case Conservative:
		return 0.8
	case Reduced:
		return 0.5
	case Survival:
		return 0.2
	default:
		return 0.0
	}
}

// MetricsInterval is the metrics refresh cadence for the mode.
func (m Mode) MetricsInterval() time.Duration {
	switch m {
	case Normal:
		return 100 * time.Millisecond
	case Conservative:
		return 200 * time.Millisecond
	case Reduced:
		return 500 * time.Millisecond
	case Survival:
		return time.Second
	default:
		return 5 * time.Second
	}
}

// Retention is the span retention horizon for the mode.
func (m Mode) Retention() time.Duration {
	switch m {
	case Normal:
		return time.Hour
	case Conservative:
		return 30 * time.Minute
	case Reduced:
		return 15 * time.Minute
	case Survival:
		return 5 * time.Minute
	default:
		return time.Minute
	}
}

// Feature is one of the capabilities shed progressively under pressure.
// Downstream components consult the controller instead of hard-coding
// behavior per mode.
type Feature uint32

const (
	DetailedMetrics Feature = 1 << iota
	TraceCorrelation
	ServiceDiscovery
	RealtimeUpdates
	SpanIndexing
	Histograms
	Percentiles
	LogCorrelation

	allFeatures = DetailedMetrics | TraceCorrelation | ServiceDiscovery |
		RealtimeUpdates | SpanIndexing | Histograms | Percentiles | LogCorrelation
)

// featuresFor is the shedding table: each level keeps strictly fewer
// features than the one before it.
func featuresFor(m Mode) Feature {
	f := allFeatures
	switch m {
	case Normal:
	case Conservative:
		f &^= LogCorrelation | Histograms
	case Reduced:
		f &^= LogCorrelation | Histograms | Percentiles | TraceCorrelation
	case Survival:
		f &^= LogCorrelation | Histograms | Percentiles | TraceCorrelation |
			DetailedMetrics | ServiceDiscovery
	case Emergency:
		f = 0
	}
	return f
}

// Thresholds is one input's trigger vector, in ascending severity.
type Thresholds struct {
	Conservative float64
	Reduced      float64
	Survival     float64
	Emergency    float64
}

// Config tunes the controller.
type Config struct {
	Memory      Thresholds
	CPU         Thresholds
	Errors      Thresholds
	Cooldown    time.Duration // minimum time between mode changes
	HistorySize int
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		Memory:      Thresholds{Conservative: 0.70, Reduced: 0.85, Survival: 0.95, Emergency: 0.98},
		CPU:         Thresholds{Conservative: 0.60, Reduced: 0.80, Survival: 0.90, Emergency: 0.95},
		Errors:      Thresholds{Conservative: 0.05, Reduced: 0.10, Survival: 0.20, Emergency: 0.50},
		Cooldown:    30 * time.Second,
		HistorySize: 10,
	}
}

// fixedPointScale converts pressures to integers so reads never block.
const fixedPointScale = 10000

// Transition records one mode change.
type Transition struct {
	At   time.Time
	Mode Mode
}

// Stats is a controller snapshot for monitoring.
type Stats struct {
	Mode           Mode
	MemoryPressure float64
	CPUPressure    float64
	ErrorRate      float64
	SamplingRate   float64
	ActualRate     float64
	SamplesOffered uint64
	SamplesTaken   uint64
	ModeChanges    int
	History        []Transition
}

// Controller evaluates pressure inputs against per-input threshold vectors
// and holds the resulting mode. The active mode is the most severe mode any
// single input requires. Mode changes are rate-limited by the cooldown.
type Controller struct {
	cfg Config

	mode     atomic.Int32
	features atomic.Uint32

	memory atomic.Uint64 // fixed-point x10000
	cpu    atomic.Uint64
	errors atomic.Uint64

	sampler *Sampler

	mu         sync.Mutex
	lastChange time.Time
	history    []Transition
}

// NewController starts in Normal mode with everything enabled.
func NewController(cfg Config) *Controller {
	c := &Controller{
		cfg:     cfg,
		sampler: NewSampler(),
	}
	c.features.Store(uint32(allFeatures))
	// A fresh controller may degrade immediately; only subsequent changes
	// wait out the cooldown.
	c.lastChange = time.Now().Add(-cfg.Cooldown)
	return c
}

// UpdatePressure feeds one observation of each input and re-evaluates the
// mode. All values are clamped to [0, 1].
func (c *Controller) UpdatePressure(memory, cpu, errors float64) {
	c.memory.Store(toFixed(memory))
	c.cpu.Store(toFixed(cpu))
	c.errors.Store(toFixed(errors))
	c.evaluate()
}

func (c *Controller) evaluate() {
	required := maxMode(
		modeFor(fromFixed(c.memory.Load()), c.cfg.Memory),
		modeFor(fromFixed(c.cpu.Load()), c.cfg.CPU),
		modeFor(fromFixed(c.errors.Load()), c.cfg.Errors),
	)
	current := c.Mode()
	if required == current {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Since(c.lastChange) < c.cfg.Cooldown {
		return
	}
	c.changeModeLocked(required)
}

func (c *Controller) changeModeLocked(next Mode) {
	prev := Mode(c.mode.Swap(int32(next)))
	c.lastChange = time.Now()
	c.history = append(c.history, Transition{At: c.lastChange, Mode: next})
	if len(c.history) > c.cfg.HistorySize {
		c.history = c.history[len(c.history)-c.cfg.HistorySize:]
	}
	c.sampler.SetRate(next.SamplingRate())
	c.features.Store(uint32(featuresFor(next)))

	klog.Infof("Degradation mode %s -> %s (memory %.0f%%, cpu %.0f%%, errors %.0f%%)",
		prev, next,
		fromFixed(c.memory.Load())*100,
		fromFixed(c.cpu.Load())*100,
		fromFixed(c.errors.Load())*100)
}

// ForceMode switches modes immediately, bypassing the cooldown.
func (c *Controller) ForceMode(m Mode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	klog.Warningf("Forcing degradation mode to %s", m)
	c.changeModeLocked(m)
}

// Reset clears pressures and returns to Normal.
func (c *Controller) Reset() {
	c.memory.Store(0)
	c.cpu.Store(0)
	c.errors.Store(0)
	c.mu.Lock()
	c.changeModeLocked(Normal)
	c.mu.Unlock()
	c.sampler.ResetStats()
}

// Mode returns the active level without blocking.
func (c *Controller) Mode() Mode {
	return Mode(c.mode.Load())
}

// Enabled reports whether the feature is currently on.
func (c *Controller) Enabled(f Feature) bool {
	return Feature(c.features.Load())&f != 0
}

// SamplingRate is the active pre-ingest admit fraction.
func (c *Controller) SamplingRate() float64 {
	return c.sampler.Rate()
}

// Sampler exposes the gate for the write path.
func (c *Controller) Sampler() *Sampler {
	return c.sampler
}

// Stats snapshots the controller.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	history := append([]Transition(nil), c.history...)
	c.mu.Unlock()
	offered, taken := c.sampler.Counts()
	actual := 0.0
	if offered > 0 {
		actual = float64(taken) / float64(offered)
	}
	return Stats{
		Mode:           c.Mode(),
		MemoryPressure: fromFixed(c.memory.Load()),
		CPUPressure:    fromFixed(c.cpu.Load()),
		ErrorRate:      fromFixed(c.errors.Load()),
		SamplingRate:   c.sampler.Rate(),
		ActualRate:     actual,
		SamplesOffered: offered,
		SamplesTaken:   taken,
		ModeChanges:    len(history),
		History:        history,
	}
}

func modeFor(pressure float64, t Thresholds) Mode {
	switch {
	case pressure >= t.Emergency:
		return Emergency
	case pressure >= t.Survival:
		return Survival
	case pressure >= t.Reduced:
		return Reduced
	case pressure >= t.Conservative:
		return Conservative
	default:
		return Normal
	}
}

func maxMode(modes ...Mode) Mode {
	max := Normal
	for _, m := range modes {
		if m > max {
			max = m
		}
	}
	return max
}

func toFixed(v float64) uint64 {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return uint64(v * fixedPointScale)
}

func fromFixed(v uint64) float64 {
	return float64(v) / fixedPointScale
}

// Sampler is the adaptive pre-ingest gate. The rate lives in a fixed-point
// atomic so the hot path never takes a lock. At rate 0 every span is
// dropped; at rate 1 every span is admitted.
type Sampler struct {
	rate    atomic.Uint64 // fixed-point x10000
	offered atomic.Uint64
	taken   atomic.Uint64
}

// NewSampler starts fully open (rate 1.0).
func NewSampler() *Sampler {
	s := &Sampler{}
	s.rate.Store(fixedPointScale)
	return s
}

// SetRate updates the admit fraction.
func (s *Sampler) SetRate(rate float64) {
	s.rate.Store(toFixed(rate))
}

// Rate returns the target admit fraction.
func (s *Sampler) Rate() float64 {
	return fromFixed(s.rate.Load())
}

// ShouldSample decides for one span. The service argument allows per-service
// rates later; the decision is currently global.
func (s *Sampler) ShouldSample(_ trace.ServiceName) bool {
	s.offered.Add(1)
	rate := s.rate.Load()
	if rate >= fixedPointScale {
		s.taken.Add(1)
		return true
	}
	if rate == 0 {
		return false
	}
	if uint64(rand.Intn(fixedPointScale)) < rate {
		s.taken.Add(1)
		return true
	}
	return false
}

// Counts returns offered and taken totals.
func (s *Sampler) Counts() (offered, taken uint64) {
	return s.offered.Load(), s.taken.Load()
}

// ResetStats zeroes the counters.
func (s *Sampler) ResetStats() {
	s.offered.Store(0)
	s.taken.Store(0)
}
