// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package batch implements the batch manager: a single pre-registered
// memory region sliced into fixed-size batches that result datagrams
// are appended into before being posted to receivers.
package batch // import "github.com/bhill-slac/lcls2/batch"

import (
	"fmt"
	"io"
	"sync"

	"github.com/bhill-slac/lcls2/internal/mmap"
	"github.com/bhill-slac/lcls2/pulseid"
	"golang.org/x/xerrors"
)

// align rounds n up to the next multiple of cache-line granularity.
const cacheLine = 64

func align(n int) int {
	if n%cacheLine == 0 {
		return n
	}
	return n + (cacheLine - n%cacheLine)
}

// Batch is a contiguous slice of the manager's region holding a
// pulse-ID window of at most Duration microseconds worth of result
// datagrams.
type Batch struct {
	mgr      *Manager
	index    int
	id       pulseid.PulseId // first pulse id in this batch
	extent   int             // bytes written so far
	flushed  bool
}

// Index returns this batch's slot index within the manager's region.
func (b *Batch) Index() int { return b.index }

// Id returns the first pulse ID this batch was allocated for.
func (b *Batch) Id() pulseid.PulseId { return b.id }

// Extent returns the number of bytes written into this batch so far.
func (b *Batch) Extent() int { return b.extent }

// Buffer returns the whole backing slice for this batch's slot
// (MaxBatchSize bytes: MaxEntries*MaxResultSize rounded up to a
// 64-byte cache line), regardless of Extent.
func (b *Batch) Buffer() []byte {
	return b.mgr.slot(b.index)
}

// Expired reports whether pid falls outside this batch's duration
// window.
func (b *Batch) Expired(pid pulseid.PulseId, duration uint64) bool {
	return b.id.Value()/duration != pid.Value()/duration
}

// Allocate reserves maxResultSize bytes inside this batch and returns
// a slice into the region for the caller to fill in. It returns an
// error if the batch has no more room for MaxEntries.
func (b *Batch) Allocate(maxResultSize int) ([]byte, error) {
	capacity := b.mgr.maxEntries * b.mgr.maxResultSz
	if b.extent+maxResultSize > capacity {
		return nil, xerrors.Errorf("batch: batch %d is full (extent=%d, size=%d, max=%d)",
			b.index, b.extent, maxResultSize, capacity)
	}
	slot := b.mgr.slot(b.index)
	out := slot[b.extent : b.extent+maxResultSize]
	b.extent += maxResultSize
	return out, nil
}

// Manager owns the single contiguous region of MaxBatches*MaxEntries*
// maxResultSize bytes (each batch's share rounded up to a 64-byte cache
// line), sliced into MaxBatches batches.
type Manager struct {
	mu sync.Mutex

	region       *mmap.Handle
	maxBatches   int
	maxEntries   int
	maxResultSz  int
	maxBatchSize int // maxEntries * maxResultSz

	free    []int // indices of free batches, FIFO
	current *Batch

	allocCnt uint64
	freeCnt  uint64
	waiting  uint64
}

// New creates a batch manager with maxBatches slots of maxEntries
// entries of maxResultSize bytes each, backed by one anonymous memory
// mapping (the region shared with remote peers via EbLfLink.preparePoster).
func New(maxBatches, maxEntries, maxResultSize int) (*Manager, error) {
	maxBatchSize := align(maxEntries * maxResultSize)
	region, err := mmap.NewAnon(maxBatches * maxBatchSize)
	if err != nil {
		return nil, xerrors.Errorf("batch: could not allocate batch region: %w", err)
	}

	m := &Manager{
		region:       region,
		maxBatches:   maxBatches,
		maxEntries:   maxEntries,
		maxResultSz:  maxResultSize,
		maxBatchSize: maxBatchSize,
		free:         make([]int, maxBatches),
	}
	for i := range m.free {
		m.free[i] = i
	}
	return m, nil
}

func (m *Manager) slot(idx int) []byte {
	off := idx * m.maxBatchSize
	return m.region.Bytes()[off : off+m.maxBatchSize]
}

// Region returns the whole batch region, to be registered with the
// fabric for remote writes.
func (m *Manager) Region() []byte { return m.region.Bytes() }

// RegionSize returns the total size of the batch region in bytes.
func (m *Manager) RegionSize() int { return m.maxBatches * m.maxBatchSize }

// MaxBatchSize returns the per-batch stride in bytes, used by callers
// to compute a peer's region offset for a given batch index.
func (m *Manager) MaxBatchSize() int { return m.maxBatchSize }

// Fetch returns the current active (allocating) batch, or nil if none
// is allocated.
func (m *Manager) Fetch() *Batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Allocate claims the next free batch slot, keyed to pid, and makes it
// the current batch. If none is available it spins, counting every
// spin in the batchWaiting metric, and returns an error once that
// count (cumulative over the manager's lifetime) exceeds 1000 spins
// per batch slot.
func (m *Manager) Allocate(pid pulseid.PulseId) (*Batch, error) {
	for {
		m.mu.Lock()
		if len(m.free) > 0 {
			idx := m.free[0]
			m.free = m.free[1:]
			b := &Batch{mgr: m, index: idx, id: pid}
			m.current = b
			m.allocCnt++
			m.mu.Unlock()
			return b, nil
		}
		m.waiting++
		m.mu.Unlock()

		// Revisit: a real deployment would back off here (e.g. via
		// runtime.Gosched or a short sleep); MAX_BATCHES is sized so
		// this loop should resolve in well under a microsecond.
		if m.waiting > uint64(m.maxBatches)*1000 {
			return nil, xerrors.Errorf("batch: no free batch available after %d spins", m.waiting)
		}
	}
}

// Flush marks the current batch as no-longer-appendable; it is a
// no-op on the region itself (kept for parity with BatchManager::flush,
// called just before posting).
func (m *Manager) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.current.flushed = true
	}
}

// Release returns b to the freelist. Per spec.md §5, this is
// intentionally called before the remote-write transmit completes: the
// freelist depth (MaxBatches) must exceed the in-flight transmit time
// so the slot isn't reused before the wire has drained it. Callers
// that cannot guarantee that timing assumption should track in-flight
// completions themselves (e.g. a completion-count fence) before
// calling Release.
func (m *Manager) Release(b *Batch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == b {
		m.current = nil
	}
	m.free = append(m.free, b.index)
	m.freeCnt++
}

// Shutdown tears down the region. It is only safe to call when every
// batch has been released.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.free) != m.maxBatches {
		return fmt.Errorf("batch: shutdown with %d/%d batches still outstanding",
			m.maxBatches-len(m.free), m.maxBatches)
	}
	return m.region.Close()
}

// Dump writes a one-line-per-batch occupancy report to w, for
// postmortem diagnosis on shutdown.
func (m *Manager) Dump(w io.Writer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	freeSet := make(map[int]bool, len(m.free))
	for _, idx := range m.free {
		freeSet[idx] = true
	}
	for i := 0; i < m.maxBatches; i++ {
		state := "free"
		if !freeSet[i] {
			state = "in-use"
		}
		fmt.Fprintf(w, "batch[%3d]: %s\n", i, state)
	}
}

// BatchAllocCnt, BatchFreeCnt and BatchWaiting back the TEB_BtAlCt,
// TEB_BtFrCt and TEB_BtWtg metrics.
func (m *Manager) BatchAllocCnt() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocCnt
}

func (m *Manager) BatchFreeCnt() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.freeCnt
}

func (m *Manager) BatchWaiting() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waiting
}
