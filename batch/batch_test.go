// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package batch

import (
	"bytes"
	"testing"

	"github.com/bhill-slac/lcls2/pulseid"
)

func TestAllocateReleaseCycle(t *testing.T) {
	mgr, err := New(2, 4, 32)
	if err != nil {
		t.Fatalf("New: %+v", err)
	}
	defer mgr.Shutdown()

	if got := mgr.Fetch(); got != nil {
		t.Fatalf("Fetch() on empty manager = %v, want nil", got)
	}

	b, err := mgr.Allocate(pulseid.New(100, true, 0))
	if err != nil {
		t.Fatalf("Allocate: %+v", err)
	}
	if got, want := mgr.BatchAllocCnt(), uint64(1); got != want {
		t.Fatalf("BatchAllocCnt()=%d, want %d", got, want)
	}

	buf, err := b.Allocate(32)
	if err != nil {
		t.Fatalf("Batch.Allocate: %+v", err)
	}
	copy(buf, []byte("0123456789012345678901234567890"))
	if got, want := b.Extent(), 32; got != want {
		t.Fatalf("Extent()=%d, want %d", got, want)
	}

	mgr.Flush()
	mgr.Release(b)
	if got, want := mgr.BatchFreeCnt(), uint64(1); got != want {
		t.Fatalf("BatchFreeCnt()=%d, want %d", got, want)
	}
	if got := mgr.Fetch(); got != nil {
		t.Fatalf("Fetch() after release = %v, want nil", got)
	}
}

func TestBatchExpired(t *testing.T) {
	b := &Batch{id: pulseid.New(100, true, 0)}
	const duration = 1000

	if b.Expired(pulseid.New(500, true, 0), duration) {
		t.Fatalf("Expired: unexpected true for same window")
	}
	if !b.Expired(pulseid.New(1500, true, 0), duration) {
		t.Fatalf("Expired: unexpected false for next window")
	}
}

func TestAllocateFullBatchFails(t *testing.T) {
	mgr, err := New(1, 1, 16)
	if err != nil {
		t.Fatalf("New: %+v", err)
	}
	defer mgr.Shutdown()

	b, err := mgr.Allocate(pulseid.New(1, true, 0))
	if err != nil {
		t.Fatalf("Allocate: %+v", err)
	}
	if _, err := b.Allocate(16); err != nil {
		t.Fatalf("first Batch.Allocate: %+v", err)
	}
	if _, err := b.Allocate(16); err == nil {
		t.Fatalf("second Batch.Allocate: expected error, got nil")
	}
	mgr.Release(b)
}

func TestDump(t *testing.T) {
	mgr, err := New(2, 1, 16)
	if err != nil {
		t.Fatalf("New: %+v", err)
	}
	defer mgr.Shutdown()

	b, _ := mgr.Allocate(pulseid.New(1, true, 0))

	var buf bytes.Buffer
	mgr.Dump(&buf)
	if buf.Len() == 0 {
		t.Fatalf("Dump: empty output")
	}
	mgr.Release(b)
}
