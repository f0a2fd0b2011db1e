// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pulseid holds the 64-bit pulse identifier used to time-order
// contributions and events flowing through the trigger event builder.
package pulseid // import "github.com/bhill-slac/lcls2/pulseid"

import "fmt"

// PulseId is a 64-bit, timestamp-derived identifier. The low 56 bits
// carry the time-ordered value; the high 8 bits carry control flags,
// including the isEvent bit and a readout-group tag.
type PulseId uint64

const (
	valueMask   = 0x00ffffffffffffff
	controlMask = 0xff00000000000000
	controlShift = 56

	isEventBit = 1 << 7 // within the control byte
	groupMask  = 0x0f   // low nibble of the control byte
)

// Value returns the time-ordered 56-bit value used for ordering.
func (p PulseId) Value() uint64 {
	return uint64(p) & valueMask
}

// Control returns the raw 8-bit control byte.
func (p PulseId) Control() uint8 {
	return uint8((uint64(p) & controlMask) >> controlShift)
}

// IsEvent reports whether this pulse ID identifies a normal event
// (true) as opposed to a lifecycle transition (false).
func (p PulseId) IsEvent() bool {
	return p.Control()&isEventBit != 0
}

// Group returns the readout-group tag carried in the control byte.
func (p PulseId) Group() uint8 {
	return p.Control() & groupMask
}

// New builds a PulseId from a 56-bit value, an isEvent flag and a
// readout-group tag.
func New(value uint64, isEvent bool, group uint8) PulseId {
	ctl := group & groupMask
	if isEvent {
		ctl |= isEventBit
	}
	return PulseId((value & valueMask) | (uint64(ctl) << controlShift))
}

// Less orders two pulse IDs by their value bits only, per spec: control
// bits never participate in ordering.
func Less(a, b PulseId) bool {
	return a.Value() < b.Value()
}

// Epoch returns the epoch key used by the event builder's epoch table:
// the pulse ID value right-shifted by shift bits.
func (p PulseId) Epoch(shift uint) uint64 {
	return p.Value() >> shift
}

func (p PulseId) String() string {
	return fmt.Sprintf("%014x/ctl=%02x", p.Value(), p.Control())
}

// TransitionId identifies a lifecycle transition, carried in a
// datagram header's transition-id field.
type TransitionId uint32

const (
	TransitionClear TransitionId = iota
	TransitionConfigure
	TransitionUnconfigure
	TransitionEnable
	TransitionDisable
	TransitionL1Accept
)

func (t TransitionId) String() string {
	switch t {
	case TransitionClear:
		return "Clear"
	case TransitionConfigure:
		return "Configure"
	case TransitionUnconfigure:
		return "Unconfigure"
	case TransitionEnable:
		return "Enable"
	case TransitionDisable:
		return "Disable"
	case TransitionL1Accept:
		return "L1Accept"
	default:
		return fmt.Sprintf("TransitionId(%d)", uint32(t))
	}
}
