// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ebparams

import (
	"strconv"
	"testing"
)

func baseBody() ConnectBody {
	return ConnectBody{
		Teb: map[string]TebEntry{
			"0": {TebId: 0, ConnectInfo: connectInfo{NicIP: "10.0.0.1"}},
		},
		Drp: map[string]DrpEntry{
			"0": {DrpId: 0, ConnectInfo: connectInfo{NicIP: "10.0.0.2"}},
			"1": {DrpId: 1, ConnectInfo: connectInfo{NicIP: "10.0.0.3"}},
		},
	}
}

func TestParseDerivesPortsAndMasks(t *testing.T) {
	p, err := Parse(2, 0, baseBody(), 1024, 256)
	if err != nil {
		t.Fatalf("Parse: %+v", err)
	}

	tebBase, drpBase, _ := PortBases(2)
	if got, want := p.EbPort, strconv.Itoa(tebBase); got != want {
		t.Fatalf("EbPort=%q, want %q", got, want)
	}
	if got, want := len(p.Drps), 2; got != want {
		t.Fatalf("len(Drps)=%d, want %d", got, want)
	}
	if got, want := p.Drps[0].Port, strconv.Itoa(drpBase); got != want {
		t.Fatalf("Drps[0].Port=%q, want %q", got, want)
	}
	if got, want := p.Contributors, uint64(0b11); got != want {
		t.Fatalf("Contributors=%#x, want %#x", got, want)
	}
	if got, want := p.Contractors[0], uint64(0b11); got != want {
		t.Fatalf("Contractors[0]=%#x, want %#x", got, want)
	}
	if got, want := p.Receivers[0], uint64(0b11); got != want {
		t.Fatalf("Receivers[0]=%#x, want %#x", got, want)
	}
}

func TestParseRejectsOutOfRangeTebId(t *testing.T) {
	body := baseBody()
	body.Teb["0"] = TebEntry{TebId: MaxTebs, ConnectInfo: connectInfo{NicIP: "10.0.0.1"}}
	if _, err := Parse(0, 0, body, 1024, 256); err == nil {
		t.Fatalf("Parse: expected error for out-of-range TEB id")
	}
}

func TestParseRejectsMissingDrps(t *testing.T) {
	body := baseBody()
	body.Drp = nil
	if _, err := Parse(0, 0, body, 1024, 256); err == nil {
		t.Fatalf("Parse: expected error for missing DRPs")
	}
}

func TestParseRejectsOutOfRangeDrpId(t *testing.T) {
	body := baseBody()
	body.Drp["0"] = DrpEntry{DrpId: MaxDrps, ConnectInfo: connectInfo{NicIP: "10.0.0.2"}}
	if _, err := Parse(0, 0, body, 1024, 256); err == nil {
		t.Fatalf("Parse: expected error for out-of-range DRP id")
	}
}

func TestYAMLRendersParams(t *testing.T) {
	p, err := Parse(0, 0, baseBody(), 1024, 256)
	if err != nil {
		t.Fatalf("Parse: %+v", err)
	}
	b, err := p.YAML()
	if err != nil {
		t.Fatalf("YAML: %+v", err)
	}
	if len(b) == 0 {
		t.Fatalf("YAML: empty output")
	}
}

