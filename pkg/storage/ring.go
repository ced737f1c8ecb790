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
	"sync/atomic"

	"github.com/yairfalse/urpo/pkg/trace"
)

// ringCell pairs a slot with its sequence number. seq == pos means the cell
// is free for the producer claiming pos; seq == pos+1 means it holds data
// for the consumer at pos.
type ringCell struct {
	seq  atomic.Uint64
	span *trace.Span
}

// Ring is a bounded lock-free multi-producer queue of pending spans.
// Capacity must be a power of two. Push fails when full; the caller decides
// how to react.
type Ring struct {
	_    [64]byte
	head atomic.Uint64
	_    [64]byte
	tail atomic.Uint64
	_    [64]byte

	mask  uint64
	cells []ringCell

	totalPushed  atomic.Uint64
	totalDropped atomic.Uint64
}

// NewRing creates a ring with the given power-of-two capacity.
func NewRing(capacity int) (*Ring, error) {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("ring capacity must be a power of two, got %d", capacity)
	}
	r := &Ring{
		mask:  uint64(capacity - 1),
		cells: make([]ringCell, capacity),
	}
	for i := range r.cells {
		r.cells[i].seq.Store(uint64(i))
	}
	return r, nil
}

// Push enqueues a span. Returns false when the ring is full.
func (r *Ring) Push(s *trace.Span) bool {
	for {
		pos := r.tail.Load()
		cell := &r.cells[pos&r.mask]
		seq := cell.seq.Load()
		switch {
		case seq == pos:
			if r.tail.CompareAndSwap(pos, pos+1) {
				cell.span = s
				cell.seq.Store(pos + 1)
				r.totalPushed.Add(1)
				return true
			}
		case seq < pos:
			// The cell one full lap behind is still occupied: ring full.
			r.totalDropped.Add(1)
			return false
		default:
			// Another producer claimed pos; reload and retry.
		}
	}
}

// Pop dequeues one span, or nil when the ring is empty.
func (r *Ring) Pop() *trace.Span {
	for {
		pos := r.head.Load()
		cell := &r.cells[pos&r.mask]
		seq := cell.seq.Load()
		switch {
		case seq == pos+1:
			if r.head.CompareAndSwap(pos, pos+1) {
				s := cell.span
				cell.span = nil
				cell.seq.Store(pos + r.mask + 1)
				return s
			}
		case seq < pos+1:
			return nil
		default:
		}
	}
}

// DrainBatch pops up to max spans into a fresh slice.
func (r *Ring) DrainBatch(max int) []*trace.Span {
	batch := make([]*trace.Span, 0, max)
	for len(batch) < max {
		s := r.Pop()
		if s == nil {
			break
		}
		batch = append(batch, s)
	}
	return batch
}

// Len is the approximate number of queued spans.
func (r *Ring) Len() int {
	tail := r.tail.Load()
	head := r.head.Load()
	if tail < head {
		return 0
	}
	return int(tail - head)
}

// Capacity is the slot count.
func (r *Ring) Capacity() int {
	return len(r.cells)
}

// Utilization is Len over Capacity in [0, 1].
func (r *Ring) Utilization() float64 {
	return float64(r.Len()) / float64(len(r.cells))
}

// TotalPushed is the count of successful pushes since creation.
func (r *Ring) TotalPushed() uint64 {
	return r.totalPushed.Load()
}

// TotalDropped is the count of rejected pushes since creation.
func (r *Ring) TotalDropped() uint64 {
	return r.totalDropped.Load()
}
