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
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/klog/v2"

	"github.com/yairfalse/urpo/pkg/trace"
)

// Gate admits or rejects a span before it is buffered. The degradation
// controller's sampler implements it.
type Gate interface {
	ShouldSample(service trace.ServiceName) bool
}

// BatchObserver is handed every successfully flushed batch, synchronously,
// before the spans return to the pool. Implementations must copy what they
// keep.
type BatchObserver interface {
	ObserveBatch(spans []*trace.Span)
}

// WriterConfig sizes the buffered write path.
type WriterConfig struct {
	RingCapacity  int           // power of two
	BatchSize     int           // spans per flush
	FlushInterval time.Duration // periodic flush cadence
	MaxRetries    int           // flush attempts before dropping a batch
	PoolCapacity  int           // pre-warmed span records
}

// DefaultWriterConfig mirrors the documented defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		RingCapacity:  16384,
		BatchSize:     1000,
		FlushInterval: time.Second,
		MaxRetries:    3,
		PoolCapacity:  8192,
	}
}

// WriterStats snapshots the write-path counters.
type WriterStats struct {
	BufferSize     int
	Utilization    float64
	TotalBuffered  uint64
	TotalFlushed   uint64
	TotalDropped   uint64
	DroppedSampled uint64
	FlushCount     uint64
	FailedFlushes  uint64
	LastFlush      time.Time
}

// Writer bridges producers to the store: spans land on the lock-free ring
// and a background flusher drains them in batches. The producer-side path
// never blocks; a full ring yields once and retries before giving up with
// trace.ErrBufferFull.
type Writer struct {
	ring     *Ring
	store    *Store
	pool     *SpanPool
	gate     Gate
	observer BatchObserver
	cfg      WriterConfig

	signal chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup

	totalFlushed   atomic.Uint64
	flushCount     atomic.Uint64
	failedFlushes  atomic.Uint64
	droppedFull    atomic.Uint64
	droppedSampled atomic.Uint64
	lastFlush      atomic.Int64 // unix nanos

	started  atomic.Bool
	shutdown atomic.Bool
}

// NewWriter builds a writer over the store. Call Start to launch the
// background flusher.
func NewWriter(store *Store, cfg WriterConfig) (*Writer, error) {
	ring, err := NewRing(cfg.RingCapacity)
	if err != nil {
		return nil, err
	}
	return &Writer{
		ring:   ring,
		store:  store,
		pool:   NewSpanPool(cfg.PoolCapacity),
		cfg:    cfg,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}, nil
}

// SetGate installs the pre-ingest sampling gate. Must be called before
// Start.
func (w *Writer) SetGate(g Gate) {
	w.gate = g
}

// SetObserver installs the flushed-batch observer. Must be called before
// Start.
func (w *Writer) SetObserver(o BatchObserver) {
	w.observer = o
}

// Start launches the background flusher.
func (w *Writer) Start() {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	w.wg.Add(1)
	go w.run()
}

// GetSpan hands out a cleared span record for the caller to fill and pass
// to StoreSpan. The record cycles back to the pool after flush.
func (w *Writer) GetSpan() *trace.Span {
	return w.pool.Get()
}

// ReleaseSpan returns a span that will not be submitted.
func (w *Writer) ReleaseSpan(s *trace.Span) {
	w.pool.Put(s)
}

// StoreSpan validates, samples, and buffers one span. It never blocks: on
// a full ring it signals the flusher, yields once, retries once, and then
// fails with trace.ErrBufferFull. Spans rejected by the sampling gate are
// counted and dropped with trace.ErrSampled so the caller can observe the
// drop without treating the request as failed. While the store is at or
// above its emergency memory pressure, spans are counted as dropped and
// refused with trace.ErrOverflow.
func (w *Writer) StoreSpan(span *trace.Span) error {
	if err := span.Validate(); err != nil {
		w.pool.Put(span)
		return err
	}
	if w.gate != nil && !w.gate.ShouldSample(span.ServiceName) {
		w.droppedSampled.Add(1)
		w.pool.Put(span)
		return trace.ErrSampled
	}
	if w.store.MemoryPressure() >= w.store.cfg.EmergencyThreshold {
		w.droppedFull.Add(1)
		w.pool.Put(span)
		return trace.ErrOverflow
	}
	if w.ring.Push(span) {
		if w.ring.Len()*10 >= w.ring.Capacity()*9 {
			w.kick()
		}
		return nil
	}
	w.kick()
	runtime.Gosched()
	if w.ring.Push(span) {
		return nil
	}
	w.droppedFull.Add(1)
	w.pool.Put(span)
	return trace.ErrBufferFull
}

// kick nudges the flusher without blocking.
func (w *Writer) kick() {
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *Writer) run() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			// Drain what is left so accepted spans are not lost on
			// shutdown.
			for w.flushOnce() > 0 {
			}
			return
		case <-ticker.C:
			w.flushOnce()
		case <-w.signal:
			w.flushOnce()
		}
	}
}

// flushOnce drains up to one batch and submits it, retrying with
// exponential backoff. After exhausting retries the batch is dropped and
// counted. Returns the number of spans drained.
func (w *Writer) flushOnce() int {
	batch := w.ring.DrainBatch(w.cfg.BatchSize)
	if len(batch) == 0 {
		return 0
	}

	var err error
	for attempt := 1; ; attempt++ {
		err = w.storeBatch(batch)
		if err == nil {
			break
		}
		if attempt >= w.cfg.MaxRetries {
			w.failedFlushes.Add(1)
			w.droppedFull.Add(uint64(len(batch)))
			klog.Errorf("Dropping batch of %d spans after %d flush attempts: %v",
				len(batch), attempt, err)
			w.release(batch)
			return len(batch)
		}
		backoff := 100 * time.Millisecond << (attempt - 1)
		klog.Warningf("Flush attempt %d failed (%v), retrying in %v", attempt, err, backoff)
		time.Sleep(backoff)
	}

	w.totalFlushed.Add(uint64(len(batch)))
	w.flushCount.Add(1)
	w.lastFlush.Store(time.Now().UnixNano())
	if w.observer != nil {
		w.observer.ObserveBatch(batch)
	}
	w.release(batch)
	klog.V(4).Infof("Flushed %d spans", len(batch))
	return len(batch)
}

// storeBatch submits every span; duplicate submissions on retry are
// absorbed by the store's duplicate-ID path.
func (w *Writer) storeBatch(batch []*trace.Span) error {
	for _, sp := range batch {
		if err := w.store.StoreSpan(sp); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) release(batch []*trace.Span) {
	for _, sp := range batch {
		w.pool.Put(sp)
	}
}

// ForceFlush drains the ring to empty, synchronously.
func (w *Writer) ForceFlush() {
	for w.flushOnce() > 0 {
	}
}

// Close sets the shutdown flag, stops the flusher after a final drain, and
// waits for it to exit.
func (w *Writer) Close() {
	if !w.shutdown.CompareAndSwap(false, true) {
		return
	}
	if w.started.Load() {
		close(w.done)
		w.wg.Wait()
	}
}

// Pool exposes the writer's span pool for monitoring.
func (w *Writer) Pool() *SpanPool {
	return w.pool
}

// Ring exposes the writer's ring for monitoring.
func (w *Writer) Ring() *Ring {
	return w.ring
}

// Stats snapshots the writer counters.
func (w *Writer) Stats() WriterStats {
	var last time.Time
	if ns := w.lastFlush.Load(); ns != 0 {
		last = time.Unix(0, ns)
	}
	return WriterStats{
		BufferSize:     w.ring.Len(),
		Utilization:    w.ring.Utilization(),
		TotalBuffered:  w.ring.TotalPushed(),
		TotalFlushed:   w.totalFlushed.Load(),
		TotalDropped:   w.droppedFull.Load(),
		DroppedSampled: w.droppedSampled.Load(),
		FlushCount:     w.flushCount.Load(),
		FailedFlushes:  w.failedFlushes.Load(),
		LastFlush:      last,
	}
}
