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
	"sync/atomic"

	"github.com/yairfalse/urpo/pkg/trace"
)

// SpanPool is a fixed-capacity pool of reusable span records. Get falls back
// to allocation when the pool is empty; the miss is observable so steady
// state can be verified allocation-free after warm-up.
type SpanPool struct {
	free chan *trace.Span

	hits    atomic.Uint64
	misses  atomic.Uint64
	returns atomic.Uint64
}

// PoolStats reports pool traffic.
type PoolStats struct {
	Capacity  int
	Available int
	Hits      uint64
	Misses    uint64
	Returns   uint64
}

// NewSpanPool creates a pool of the given capacity, pre-warmed so the hot
// path does not allocate.
func NewSpanPool(capacity int) *SpanPool {
	p := &SpanPool{free: make(chan *trace.Span, capacity)}
	for i := 0; i < capacity; i++ {
		p.free <- &trace.Span{}
	}
	return p
}

// Get pops a cleared span from the pool, allocating on miss.
func (p *SpanPool) Get() *trace.Span {
	select {
	case s := <-p.free:
		p.hits.Add(1)
		return s
	default:
		p.misses.Add(1)
		return &trace.Span{}
	}
}

// Put clears the span and returns it to the pool. Spans beyond capacity are
// dropped for the garbage collector; the pool tolerates leaked spans the
// same way (the next Get simply allocates).
func (p *SpanPool) Put(s *trace.Span) {
	if s == nil {
		return
	}
	s.Reset()
	select {
	case p.free <- s:
		p.returns.Add(1)
	default:
	}
}

// Stats returns a snapshot of pool counters.
func (p *SpanPool) Stats() PoolStats {
	return PoolStats{
		Capacity:  cap(p.free),
		Available: len(p.free),
		Hits:      p.hits.Load(),
		Misses:    p.misses.Load(),
		Returns:   p.returns.Load(),
	}
}
