// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package statsmon

import (
	"encoding/json"
	"testing"
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/sub"
	_ "go.nanomsg.org/mangos/v3/transport/tcp"
)

func TestPublishSnapshot(t *testing.T) {
	var evAlloc, evFree uint64 = 10, 7

	src := Sources{
		EventCnt:      func() uint64 { return 42 },
		BatchCnt:      func() uint64 { return 6 },
		EventAllocCnt: func() uint64 { return evAlloc },
		EventFreeCnt:  func() uint64 { return evFree },
		EpochAllocCnt: func() uint64 { return 3 },
		EpochFreeCnt:  func() uint64 { return 2 },
		BatchAllocCnt: func() uint64 { return 5 },
		BatchFreeCnt:  func() uint64 { return 4 },
		BatchWaiting:  func() uint64 { return 0 },
		TxPending:     func() uint64 { return 1 },
		RxPending:     func() uint64 { return 2 },
	}

	mon, err := New("tcp://127.0.0.1:40899", 10*time.Millisecond, src, nil)
	if err != nil {
		t.Fatalf("New: %+v", err)
	}
	defer mon.Stop()
	go mon.Run()

	sock, err := sub.NewSocket()
	if err != nil {
		t.Fatalf("sub.NewSocket: %+v", err)
	}
	defer sock.Close()
	if err := sock.SetOption(mangos.OptionSubscribe, []byte("")); err != nil {
		t.Fatalf("SetOption: %+v", err)
	}
	if err := sock.SetOption(mangos.OptionRecvDeadline, 2*time.Second); err != nil {
		t.Fatalf("SetOption: %+v", err)
	}
	if err := sock.Dial("tcp://127.0.0.1:40899"); err != nil {
		t.Fatalf("Dial: %+v", err)
	}

	msg, err := sock.Recv()
	if err != nil {
		t.Fatalf("Recv: %+v", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(msg, &snap); err != nil {
		t.Fatalf("Unmarshal: %+v", err)
	}
	if got, want := snap.EventAllocCnt, evAlloc; got != want {
		t.Fatalf("EventAllocCnt=%d, want %d", got, want)
	}
	if got, want := snap.EventCnt, uint64(42); got != want {
		t.Fatalf("EventCnt=%d, want %d", got, want)
	}
	if got, want := snap.BatchCnt, uint64(6); got != want {
		t.Fatalf("BatchCnt=%d, want %d", got, want)
	}
	if got, want := snap.BatchWaiting, uint64(0); got != want {
		t.Fatalf("BatchWaiting=%d, want %d", got, want)
	}
}

func TestEWMAConvergesToConstantRate(t *testing.T) {
	e := newEWMA(0.5)
	var val uint64
	dt := time.Second
	var rate float64
	for i := 0; i < 50; i++ {
		val += 100
		rate = e.update(val, dt)
	}
	if rate < 90 || rate > 110 {
		t.Fatalf("rate=%v, want close to 100", rate)
	}
}
