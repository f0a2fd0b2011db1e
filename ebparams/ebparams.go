// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ebparams derives and validates the connection parameters a
// trigger event builder needs once the coordinator hands it a
// partition's connect body: per-peer addresses and ports, the
// contractor/receiver masks for each readout group, and the batch
// pool sizing.
package ebparams // import "github.com/bhill-slac/lcls2/ebparams"

import (
	"fmt"
	"math/bits"
	"sort"
	"time"

	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

// Deployment-wide sizing constants, mirroring the fixed pool and
// port-range sizing of the system this module reimplements.
const (
	MaxDrps = 64
	MaxTebs = 64
	MaxMebs = 64

	TebPortBase = 32334
	DrpPortBase = 32333
	MrqPortBase = 32335

	BatchDuration = 1 << 13 // microseconds spanned by one batch window
	MaxBatches    = 8192
	MaxEntries    = 100

	// EpochShift is the number of low bits of a pulse ID's value that
	// fall within one epoch bucket.
	EpochShift = 8

	// StaleTimeout bounds how long the event builder's head event waits
	// for its missing contributors before being force-completed; see
	// eventbuilder.Builder.PromoteStale.
	StaleTimeout = 100 * time.Millisecond

	// MaxEvents and MaxEpochs bound the event and epoch freelists,
	// mirroring teb.cc's EbAppBase construction, which ties the event
	// pool directly to the batch pool's total capacity (MAX_BATCHES *
	// MAX_ENTRIES).
	MaxEvents = MaxBatches * MaxEntries
	MaxEpochs = MaxBatches
)

// numPorts is the per-partition port stride: every partition reserves
// this many consecutive ports for DRPs, both directions of TEB-to-TEB
// traffic, and MEBs.
const numPorts = MaxDrps + MaxTebs + MaxTebs + MaxMebs

// Peer describes one contributor or monitor-request endpoint's
// connection info, as handed down in the coordinator's connect body.
type Peer struct {
	Id      uint32
	Addr    string
	Port    string
	Group   uint8 // readout group, meaningful for DRP peers only
}

// Params holds the fully-resolved, validated configuration for one
// trigger event builder instance.
type Params struct {
	Partition uint32
	Id        uint32 // this TEB's id, 0..MaxTebs-1

	IfAddr  string
	EbPort  string // this TEB's listening port for DRP contributions
	MrqPort string // this TEB's listening port for MEB requests

	Drps []Peer
	Mebs []Peer

	Contributors     uint64 // union of all DRP ids, as a bitmask
	FullContributors uint64 // same as Contributors; the expected-arrival mask for transitions
	Contractors      [16]uint64
	Receivers        [16]uint64

	EpochShift   uint
	StaleTimeout time.Duration
	MaxEvents    int
	MaxEpochs    int

	MaxResultSize int
	MaxTrSize     int
}

// PortBases returns the first port in each of the TEB, DRP and MRQ
// port ranges for the given partition.
func PortBases(partition uint32) (teb, drp, mrq int) {
	base := int(numPorts) * int(partition)
	return TebPortBase + base, DrpPortBase + base, MrqPortBase + base
}

// ConnectBody is the minimal shape of the coordinator's connect
// message body this package needs: per-role maps keyed by the
// stringified endpoint id, as delivered over the JSON control bus (see
// package coordinator).
type ConnectBody struct {
	Teb map[string]TebEntry `json:"teb"`
	Drp map[string]DrpEntry `json:"drp"`
	Meb map[string]MebEntry `json:"meb"`
}

type connectInfo struct {
	NicIP string `json:"nic_ip"`
}

type TebEntry struct {
	TebId      uint32      `json:"teb_id"`
	ConnectInfo connectInfo `json:"connect_info"`
}

type DrpEntry struct {
	DrpId       uint32      `json:"drp_id"`
	ConnectInfo connectInfo `json:"connect_info"`
	DetInfo     struct {
		Readout uint8 `json:"readout"`
	} `json:"det_info"`
}

type MebEntry struct {
	MebId       uint32      `json:"meb_id"`
	ConnectInfo connectInfo `json:"connect_info"`
}

// Parse derives Params for tebId from body, validating every
// constraint the original connect-time parameter derivation enforces:
// a TEB id in range, at least one DRP, every DRP id in range, and a
// non-empty, self-consistent contractor/receiver mask for every
// readout group that appears among the DRPs.
func Parse(partition uint32, selfId uint32, body ConnectBody, maxResultSize, maxTrSize int) (Params, error) {
	tebPortBase, drpPortBase, mrqPortBase := PortBases(partition)

	entry, ok := body.Teb[fmt.Sprint(selfId)]
	if !ok {
		return Params{}, xerrors.Errorf("ebparams: no teb entry for id %d", selfId)
	}
	if entry.TebId >= MaxTebs {
		return Params{}, xerrors.Errorf("ebparams: TEB id %d is out of range 0-%d", entry.TebId, MaxTebs-1)
	}

	p := Params{
		Partition:     partition,
		Id:            entry.TebId,
		IfAddr:        entry.ConnectInfo.NicIP,
		EbPort:        fmt.Sprint(tebPortBase + int(entry.TebId)),
		MrqPort:       fmt.Sprint(mrqPortBase + int(entry.TebId)),
		EpochShift:    EpochShift,
		StaleTimeout:  StaleTimeout,
		MaxEvents:     MaxEvents,
		MaxEpochs:     MaxEpochs,
		MaxResultSize: maxResultSize,
		MaxTrSize:     maxTrSize,
	}

	var groups uint16
	for _, it := range body.Drp {
		if it.DrpId > MaxDrps-1 {
			return Params{}, xerrors.Errorf("ebparams: DRP id %d is out of range 0-%d", it.DrpId, MaxDrps-1)
		}
		p.Contributors |= 1 << it.DrpId
		p.Drps = append(p.Drps, Peer{
			Id:    it.DrpId,
			Addr:  it.ConnectInfo.NicIP,
			Port:  fmt.Sprint(drpPortBase + int(it.DrpId)),
			Group: it.DetInfo.Readout,
		})
		groups |= 1 << it.DetInfo.Readout
	}
	sort.Slice(p.Drps, func(i, j int) bool { return p.Drps[i].Id < p.Drps[j].Id })
	if len(p.Drps) == 0 {
		return Params{}, xerrors.New("ebparams: missing required DRP address(es)")
	}
	p.FullContributors = p.Contributors

	for groups != 0 {
		group := bits.TrailingZeros16(groups)
		groups &^= 1 << uint(group)

		// Revisit: contractor/receiver masks should come from the
		// configuration database (see package cfgdb); until a per-group
		// policy is wired up, every DRP in the partition contracts and
		// receives for every group.
		contractors := p.Contributors
		receivers := p.Contributors

		if contractors == 0 {
			return Params{}, xerrors.Errorf("ebparams: no trigger input data contractors found for readout group %d", group)
		}
		if receivers == 0 {
			return Params{}, xerrors.Errorf("ebparams: no trigger result receivers found for readout group %d", group)
		}
		if contractors&receivers != contractors {
			return Params{}, xerrors.Errorf(
				"ebparams: readout group %d's receivers (%#016x) must contain its contractors (%#016x)",
				group, receivers, contractors)
		}

		p.Contractors[group] = contractors
		p.Receivers[group] = receivers
	}

	for _, it := range body.Meb {
		p.Mebs = append(p.Mebs, Peer{Id: it.MebId, Addr: it.ConnectInfo.NicIP})
	}

	return p, nil
}

// YAML renders Params as YAML; cmd/teb logs it after a successful
// connect.
func (p Params) YAML() ([]byte, error) {
	b, err := yaml.Marshal(p)
	if err != nil {
		return nil, xerrors.Errorf("ebparams: could not marshal params: %w", err)
	}
	return b, nil
}
