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

// Package options holds the flag-driven configuration of the urpo daemon.
package options

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/yairfalse/urpo/pkg/degradation"
)

// UrpoConfig is the daemon configuration.
type UrpoConfig struct {
	// Listen addresses.
	OTLPGRPCAddress string
	OTLPHTTPAddress string
	APIAddress      string
	MetricsAddress  string

	// Storage limits.
	MaxSpans        int
	MaxMemoryMB     int
	Retention       time.Duration
	CleanupInterval time.Duration

	// Write path.
	RingCapacity  int
	PoolCapacity  int
	BatchSize     int
	FlushInterval time.Duration

	// Sampling and degradation.
	SamplingRate     float64
	Cooldown         time.Duration
	MemoryThresholds []float64
	CPUThresholds    []float64
	ErrorThresholds  []float64

	// Metrics.
	MetricsWindow time.Duration
	StatsdAddress string
}

// NewUrpoConfig returns the defaults.
func NewUrpoConfig() *UrpoConfig {
	return &UrpoConfig{
		OTLPGRPCAddress: ":4317",
		OTLPHTTPAddress: ":4318",
		APIAddress:      ":8080",
		MetricsAddress:  ":9090",

		MaxSpans:        1000000,
		MaxMemoryMB:     512,
		Retention:       time.Hour,
		CleanupInterval: 30 * time.Second,

		RingCapacity:  16384,
		PoolCapacity:  8192,
		BatchSize:     1000,
		FlushInterval: time.Second,

		SamplingRate: 1.0,
		Cooldown:     30 * time.Second,

		MetricsWindow: 60 * time.Second,
	}
}

// AddFlags registers all flags with fs.
func (c *UrpoConfig) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.OTLPGRPCAddress, "otlp-grpc-address", c.OTLPGRPCAddress,
		"listen address of the OTLP gRPC receiver")
	fs.StringVar(&c.OTLPHTTPAddress, "otlp-http-address", c.OTLPHTTPAddress,
		"listen address of the OTLP HTTP receiver")
	fs.StringVar(&c.APIAddress, "api-address", c.APIAddress,
		"listen address of the read-only HTTP API")
	fs.StringVar(&c.MetricsAddress, "metrics-address", c.MetricsAddress,
		"listen address for prometheus metrics and health checks")

	fs.IntVar(&c.MaxSpans, "max-spans", c.MaxSpans,
		"hard cap of indexed spans")
	fs.IntVar(&c.MaxMemoryMB, "max-memory-mb", c.MaxMemoryMB,
		"hard cap of span memory accounting, in MiB")
	fs.DurationVar(&c.Retention, "retention", c.Retention,
		"age-based span eviction horizon")
	fs.DurationVar(&c.CleanupInterval, "cleanup-interval", c.CleanupInterval,
		"background cleanup cadence")

	fs.IntVar(&c.RingCapacity, "ring-capacity", c.RingCapacity,
		"ingest ring buffer slot count, must be a power of two")
	fs.IntVar(&c.PoolCapacity, "pool-capacity", c.PoolCapacity,
		"pre-warmed span pool size")
	fs.IntVar(&c.BatchSize, "batch-size", c.BatchSize,
		"spans flushed from the ring per batch")
	fs.DurationVar(&c.FlushInterval, "flush-interval", c.FlushInterval,
		"periodic flush cadence")

	fs.Float64Var(&c.SamplingRate, "sampling-rate", c.SamplingRate,
		"default pre-ingest sampling rate in [0,1]")
	fs.DurationVar(&c.Cooldown, "degradation-cooldown", c.Cooldown,
		"minimum time between degradation mode changes")
	fs.Float64SliceVar(&c.MemoryThresholds, "memory-thresholds", c.MemoryThresholds,
		"memory pressure thresholds (conservative,reduced,survival,emergency)")
	fs.Float64SliceVar(&c.CPUThresholds, "cpu-thresholds", c.CPUThresholds,
		"cpu pressure thresholds (conservative,reduced,survival,emergency)")
	fs.Float64SliceVar(&c.ErrorThresholds, "error-thresholds", c.ErrorThresholds,
		"error rate thresholds (conservative,reduced,survival,emergency)")

	fs.DurationVar(&c.MetricsWindow, "metrics-window", c.MetricsWindow,
		"sliding window for per-service metrics")
	fs.StringVar(&c.StatsdAddress, "statsd-address", c.StatsdAddress,
		"optional statsd endpoint for per-service metric emission")
}

// Validate rejects impossible configurations.
func (c *UrpoConfig) Validate() error {
	if c.MaxSpans < 1 {
		return fmt.Errorf("--max-spans must be at least 1, got %d", c.MaxSpans)
	}
	if c.MaxMemoryMB < 1 {
		return fmt.Errorf("--max-memory-mb must be at least 1, got %d", c.MaxMemoryMB)
	}
	if c.RingCapacity <= 0 || c.RingCapacity&(c.RingCapacity-1) != 0 {
		return fmt.Errorf("--ring-capacity must be a power of two, got %d", c.RingCapacity)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("--batch-size must be at least 1, got %d", c.BatchSize)
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("--sampling-rate must be in [0,1], got %f", c.SamplingRate)
	}
	for _, v := range [][]float64{c.MemoryThresholds, c.CPUThresholds, c.ErrorThresholds} {
		if len(v) != 0 && len(v) != 4 {
			return fmt.Errorf("threshold vectors need exactly 4 values, got %d", len(v))
		}
		for i := 1; i < len(v); i++ {
			if v[i] < v[i-1] {
				return fmt.Errorf("threshold vector must be non-decreasing, got %v", v)
			}
		}
	}
	return nil
}

// DegradationConfig folds the threshold flags into the controller config.
func (c *UrpoConfig) DegradationConfig() degradation.Config {
	cfg := degradation.DefaultConfig()
	cfg.Cooldown = c.Cooldown
	if t, ok := thresholdsOf(c.MemoryThresholds); ok {
		cfg.Memory = t
	}
	if t, ok := thresholdsOf(c.CPUThresholds); ok {
		cfg.CPU = t
	}
	if t, ok := thresholdsOf(c.ErrorThresholds); ok {
		cfg.Errors = t
	}
	return cfg
}

func thresholdsOf(v []float64) (degradation.Thresholds, bool) {
	if len(v) != 4 {
		return degradation.Thresholds{}, false
	}
	return degradation.Thresholds{
		Conservative: v[0],
		Reduced:      v[1],
		Survival:     v[2],
		Emergency:    v[3],
	}, true
}
