// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package transport

import (
	"net"
	"testing"
	"time"
)

func TestPostDeliversCompletionAndPayload(t *testing.T) {
	region := make([]byte, 64)
	srv, err := NewServer("127.0.0.1:0", 4, 0)
	if err != nil {
		t.Fatalf("NewServer: %+v", err)
	}
	defer srv.Shutdown()

	errc := make(chan error, 1)
	var pender *Link
	done := make(chan struct{})
	go func() {
		l, err := srv.Accept(1, region, true)
		pender = l
		errc <- err
		close(done)
	}()

	cli := NewClient(4)
	defer cli.Shutdown()

	_, port, _ := net.SplitHostPort(srv.Addr().String())
	poster, err := cli.Connect("127.0.0.1", port, 2*time.Second, 2, make([]byte, 64))
	if err != nil {
		t.Fatalf("Connect: %+v", err)
	}

	<-done
	if err := <-errc; err != nil {
		t.Fatalf("Accept: %+v", err)
	}
	if pender == nil {
		t.Fatalf("pender link is nil")
	}

	payload := []byte("hello, event builder")
	buf := make([]byte, 64)
	copy(buf, payload)
	if err := poster.Post(buf, len(payload), 0, 0xdeadbeef); err != nil {
		t.Fatalf("Post: %+v", err)
	}

	c, err := cli.CQ().Pend(0)
	_ = c
	_ = err // poster's own CQ sees nothing; completions land on the pender's CQ

	comp, err := srv.CQ().Pend(2 * time.Second)
	if err != nil {
		t.Fatalf("Pend: %+v", err)
	}
	if got, want := comp.Immediate, uint64(0xdeadbeef); got != want {
		t.Fatalf("Immediate=%#x, want %#x", got, want)
	}
	if got, want := string(region[:len(payload)]), string(payload); got != want {
		t.Fatalf("region=%q, want %q", got, want)
	}

	if got, want := poster.Id(), uint32(1); got != want {
		t.Fatalf("poster.Id()=%d, want %d", got, want)
	}
	if got, want := pender.Id(), uint32(2); got != want {
		t.Fatalf("pender.Id()=%d, want %d", got, want)
	}
}

func TestCQPendWouldBlock(t *testing.T) {
	cq := NewCQ(1)
	if _, err := cq.Pend(0); err != ErrWouldBlock {
		t.Fatalf("Pend(0)=%v, want ErrWouldBlock", err)
	}
	if _, err := cq.Pend(10 * time.Millisecond); err != ErrWouldBlock {
		t.Fatalf("Pend(tmo)=%v, want ErrWouldBlock", err)
	}
}

func TestCQCloseSignalsNotConnected(t *testing.T) {
	cq := NewCQ(1)
	cq.Close()
	if _, err := cq.Pend(0); err != ErrNotConnected {
		t.Fatalf("Pend after Close=%v, want ErrNotConnected", err)
	}
}

func TestManualCreditGatesDelivery(t *testing.T) {
	region := make([]byte, 16)
	srv, err := NewServer("127.0.0.1:0", 4, 0)
	if err != nil {
		t.Fatalf("NewServer: %+v", err)
	}
	defer srv.Shutdown()

	errc := make(chan error, 1)
	go func() {
		_, err := srv.Accept(1, region, false) // manual credit: MRQ-style link
		errc <- err
	}()

	cli := NewClient(4)
	defer cli.Shutdown()
	_, port, _ := net.SplitHostPort(srv.Addr().String())
	poster, err := cli.Connect("127.0.0.1", port, 2*time.Second, 2, nil)
	if err != nil {
		t.Fatalf("Connect: %+v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("Accept: %+v", err)
	}

	l, ok := srv.Link(2)
	if !ok {
		t.Fatalf("Link(2) not found")
	}
	if err := l.postCompRecv(); err != nil {
		t.Fatalf("postCompRecv: %+v", err)
	}

	if err := poster.Post(nil, 0, 0, 42); err != nil {
		t.Fatalf("Post: %+v", err)
	}
	comp, err := srv.CQ().Pend(2 * time.Second)
	if err != nil {
		t.Fatalf("Pend: %+v", err)
	}
	if comp.Immediate != 42 {
		t.Fatalf("Immediate=%d, want 42", comp.Immediate)
	}
}
