// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wire

import (
	"testing"

	"github.com/bhill-slac/lcls2/pulseid"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	hdr := Header{
		PulseId:    pulseid.New(100, true, 2),
		Transition: pulseid.TransitionL1Accept,
		Env:        0xcafe,
		Src:        Src{Id: 3, Level: 1},
	}
	dg := NewResultDgram(hdr, 3)
	dg.SetResult(WrtIdx, 1)
	dg.SetResult(MonIdx, 0xdeadbeef)
	dg.Xtc.Damage.Increase(DamageMissingContribution)

	buf := make([]byte, dg.Size())
	n, err := dg.Encode(buf)
	if err != nil {
		t.Fatalf("Encode: %+v", err)
	}
	if n != dg.Size() {
		t.Fatalf("Encode returned %d, want %d", n, dg.Size())
	}

	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %+v", err)
	}

	if got.Header.PulseId != dg.Header.PulseId {
		t.Fatalf("pulse id mismatch: got=%v, want=%v", got.Header.PulseId, dg.Header.PulseId)
	}
	if got.Xtc.Damage != dg.Xtc.Damage {
		t.Fatalf("damage mismatch: got=%v, want=%v", got.Xtc.Damage, dg.Xtc.Damage)
	}
	res := got.Result()
	if res[WrtIdx] != 1 || res[MonIdx] != 0xdeadbeef {
		t.Fatalf("result mismatch: got=%v", res)
	}
}

func TestImmData(t *testing.T) {
	v := ImmValue(ImmResponse, 7, 42)
	if got, want := ImmFlg(v), ImmResponse; got != want {
		t.Fatalf("ImmFlg()=%v, want %v", got, want)
	}
	if got, want := ImmSrc(v), uint32(7); got != want {
		t.Fatalf("ImmSrc()=%d, want %d", got, want)
	}
	if got, want := ImmBufferIdx(v), uint32(42); got != want {
		t.Fatalf("ImmBufferIdx()=%d, want %d", got, want)
	}
}

func TestDecodeShortBuffer(t *testing.T) {
	if _, err := Decode(make([]byte, 4)); err == nil {
		t.Fatalf("Decode: expected error on short buffer")
	}
}
