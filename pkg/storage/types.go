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
	"time"

	"github.com/yairfalse/urpo/pkg/trace"
)

// TraceInfo is the denormalized summary of one trace, computed on query from
// the span store. Duration runs from the earliest start to the latest end.
type TraceInfo struct {
	TraceID       trace.TraceID
	RootService   trace.ServiceName
	RootOperation string
	SpanCount     int
	Duration      time.Duration
	StartTime     time.Time
	HasError      bool
	Services      []trace.ServiceName
}

// Health is the coarse state of the store derived from memory pressure.
type Health int

const (
	Healthy Health = iota
	Degraded
	Critical
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	default:
		return "critical"
	}
}

// Stats is a snapshot of store counters for monitoring.
type Stats struct {
	TraceCount     int
	SpanCount      int
	ServiceCount   int
	MemoryBytes    int64
	MemoryPressure float64
	OldestSpan     time.Time
	NewestSpan     time.Time
	ProcessingRate float64
	ErrorRate      float64
	SpansProcessed uint64
	SpansEvicted   uint64
	SpansDropped   uint64
	CleanupOps     uint64
	Uptime         time.Duration
	Health         Health
}

// CleanupConfig bounds the store's footprint and drives tiered cleanup.
type CleanupConfig struct {
	// MaxMemoryBytes is the accounting ceiling.
	MaxMemoryBytes int64
	// Pressure thresholds as fractions of MaxMemoryBytes.
	WarningThreshold   float64
	CriticalThreshold  float64
	EmergencyThreshold float64
	// Retention is the age-based eviction horizon.
	Retention time.Duration
	// CleanupInterval is the background cleanup cadence.
	CleanupInterval time.Duration
}

// DefaultCleanupConfig mirrors the documented defaults: 512 MiB ceiling,
// 0.70/0.85/0.95 thresholds, 1 h retention.
func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{
		MaxMemoryBytes:     512 * 1024 * 1024,
		WarningThreshold:   0.70,
		CriticalThreshold:  0.85,
		EmergencyThreshold: 0.95,
		Retention:          time.Hour,
		CleanupInterval:    30 * time.Second,
	}
}
