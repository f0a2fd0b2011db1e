// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pulseid

import "testing"

func TestNewAndAccessors(t *testing.T) {
	for _, tc := range []struct {
		value   uint64
		isEvent bool
		group   uint8
	}{
		{value: 100, isEvent: true, group: 0},
		{value: 200, isEvent: false, group: 3},
		{value: 1 << 55, isEvent: true, group: 15},
	} {
		p := New(tc.value, tc.isEvent, tc.group)
		if got, want := p.Value(), tc.value&valueMask; got != want {
			t.Fatalf("Value()=%x, want %x", got, want)
		}
		if got, want := p.IsEvent(), tc.isEvent; got != want {
			t.Fatalf("IsEvent()=%v, want %v", got, want)
		}
		if got, want := p.Group(), tc.group&groupMask; got != want {
			t.Fatalf("Group()=%x, want %x", got, want)
		}
	}
}

func TestLessIgnoresControlBits(t *testing.T) {
	a := New(100, true, 5)
	b := New(101, false, 2)
	if !Less(a, b) {
		t.Fatalf("Less(%v, %v) = false, want true", a, b)
	}
	if Less(b, a) {
		t.Fatalf("Less(%v, %v) = true, want false", b, a)
	}
}

func TestEpoch(t *testing.T) {
	p := New(0x1234500, true, 0)
	if got, want := p.Epoch(12), uint64(0x1234500)>>12; got != want {
		t.Fatalf("Epoch()=%x, want %x", got, want)
	}
}
