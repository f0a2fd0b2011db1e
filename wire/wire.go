// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package wire describes the bit-exact on-wire datagram format shared
// by contributors, the trigger event builder and its receivers: a
// fixed header followed by a self-describing extensible container
// (XTC) carrying a typed payload.
package wire // import "github.com/bhill-slac/lcls2/wire"

import (
	"encoding/binary"

	"github.com/bhill-slac/lcls2/pulseid"
	"golang.org/x/xerrors"
)

const (
	// HeaderSize is the size, in bytes, of the fixed Datagram header.
	HeaderSize = 8 /*pulse id*/ + 4 /*transition*/ + 4 /*env*/ + 8 /*xtc Src*/

	// XtcHeaderSize is the size, in bytes, of the XTC container header
	// that follows the Datagram header.
	XtcHeaderSize = 4 /*TypeId*/ + 4 /*damage*/ + 4 /*extent*/

	// ResultWords is the number of 32-bit result words carried by a
	// result datagram's payload.
	ResultWords = 2

	// WrtIdx and MonIdx index into the two result words.
	WrtIdx = 0
	MonIdx = 1
)

// Damage is a bitmask recorded on an XTC container indicating degraded
// or missing information in the associated payload.
type Damage uint32

const (
	DamageNone Damage = 0

	DamageMissingContribution Damage = 1 << (iota - 1)
	DamageDuplicateContribution
	DamageOutOfOrder
	DamageTimedOut
	DamageNoDecide
)

// Increase ORs dmg's bits into d.
func (d *Damage) Increase(dmg Damage) {
	*d |= dmg
}

// Value returns the raw bitmask.
func (d Damage) Value() uint32 { return uint32(d) }

// Src identifies the source of an XTC container: a small id plus a
// level (Event, Control, ...).
type Src struct {
	Id    uint32
	Level uint32
}

// Header is the fixed 24-byte datagram header.
type Header struct {
	PulseId    pulseid.PulseId
	Transition pulseid.TransitionId
	Env        uint32
	Src        Src
}

// Xtc is the self-describing container following a Header: a TypeId
// (type + version), a damage mask, and an extent counting the total
// number of bytes including the XTC header itself.
type Xtc struct {
	TypeId uint32
	Damage Damage
	Extent uint32
}

// SizeofPayload returns the number of payload bytes described by
// Extent, i.e. Extent minus the XTC header itself.
func (x Xtc) SizeofPayload() uint32 {
	if x.Extent < XtcHeaderSize {
		return 0
	}
	return x.Extent - XtcHeaderSize
}

// Dgram is a full datagram: header, XTC container, and payload bytes.
type Dgram struct {
	Header
	Xtc     Xtc
	Payload []byte
}

// Size returns the total wire size of dg, header plus XTC plus
// payload.
func (dg *Dgram) Size() int {
	return HeaderSize + XtcHeaderSize + len(dg.Payload)
}

// NewResultDgram builds a result datagram for transition/id, with a
// zeroed two-word result payload, as teb.cc's ResultDgram constructor
// does.
func NewResultDgram(hdr Header, srcId uint32) *Dgram {
	dg := &Dgram{
		Header: hdr,
		Xtc: Xtc{
			TypeId: 0,
			Damage: DamageNone,
			Extent: XtcHeaderSize + ResultWords*4,
		},
		Payload: make([]byte, ResultWords*4),
	}
	dg.Header.Src = Src{Id: srcId, Level: 1 /*Level.Event*/}
	return dg
}

// Result returns the two result words as a convenience view over the
// payload bytes.
func (dg *Dgram) Result() [ResultWords]uint32 {
	var r [ResultWords]uint32
	for i := range r {
		if (i+1)*4 <= len(dg.Payload) {
			r[i] = binary.LittleEndian.Uint32(dg.Payload[i*4:])
		}
	}
	return r
}

// SetResult writes v into the idx'th result word.
func (dg *Dgram) SetResult(idx int, v uint32) {
	if (idx+1)*4 > len(dg.Payload) {
		return
	}
	binary.LittleEndian.PutUint32(dg.Payload[idx*4:], v)
}

// Encode serializes dg into buf, which must have at least dg.Size()
// bytes of capacity. It returns the number of bytes written.
func (dg *Dgram) Encode(buf []byte) (int, error) {
	n := dg.Size()
	if len(buf) < n {
		return 0, xerrors.Errorf("wire: buffer too small (have=%d, want=%d)", len(buf), n)
	}

	binary.LittleEndian.PutUint64(buf[0:8], uint64(dg.Header.PulseId))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(dg.Header.Transition))
	binary.LittleEndian.PutUint32(buf[12:16], dg.Header.Env)
	binary.LittleEndian.PutUint32(buf[16:20], dg.Header.Src.Id)
	binary.LittleEndian.PutUint32(buf[20:24], dg.Header.Src.Level)

	binary.LittleEndian.PutUint32(buf[24:28], dg.Xtc.TypeId)
	binary.LittleEndian.PutUint32(buf[28:32], dg.Xtc.Damage.Value())
	binary.LittleEndian.PutUint32(buf[32:36], dg.Xtc.Extent)

	copy(buf[36:], dg.Payload)

	return n, nil
}

// Decode reads a Dgram from buf. buf must contain at least the header
// and XTC container; the payload slice aliases buf's backing array.
func Decode(buf []byte) (*Dgram, error) {
	if len(buf) < HeaderSize+XtcHeaderSize {
		return nil, xerrors.Errorf("wire: short buffer (len=%d, want>=%d)", len(buf), HeaderSize+XtcHeaderSize)
	}

	dg := &Dgram{
		Header: Header{
			PulseId:    pulseid.PulseId(binary.LittleEndian.Uint64(buf[0:8])),
			Transition: pulseid.TransitionId(binary.LittleEndian.Uint32(buf[8:12])),
			Env:        binary.LittleEndian.Uint32(buf[12:16]),
			Src: Src{
				Id:    binary.LittleEndian.Uint32(buf[16:20]),
				Level: binary.LittleEndian.Uint32(buf[20:24]),
			},
		},
		Xtc: Xtc{
			TypeId: binary.LittleEndian.Uint32(buf[24:28]),
			Damage: Damage(binary.LittleEndian.Uint32(buf[28:32])),
			Extent: binary.LittleEndian.Uint32(buf[32:36]),
		},
	}

	payloadLen := int(dg.Xtc.SizeofPayload())
	if len(buf) < HeaderSize+int(dg.Xtc.Extent) {
		return nil, xerrors.Errorf("wire: truncated payload (len=%d, want=%d)",
			len(buf), HeaderSize+int(dg.Xtc.Extent))
	}
	dg.Payload = buf[HeaderSize+XtcHeaderSize : HeaderSize+XtcHeaderSize+payloadLen]

	return dg, nil
}

// ImmKind is the kind field carried inside the 64-bit completion
// immediate data word.
type ImmKind uint64

const (
	ImmBuffer   ImmKind = 0
	ImmResponse ImmKind = 1
)

const (
	immKindShift = 30
	immSrcShift  = 24
	immSrcMask   = 0x3f // 6 bits, src in [0, 63]
	immBufMask   = 0x00ffffff
)

// ImmValue composes a 64-bit immediate-data word from a kind, a source
// id and a buffer index, per ImmData::value(kind, src, buffer).
func ImmValue(kind ImmKind, src uint32, buffer uint32) uint64 {
	return (uint64(kind) << immKindShift) |
		(uint64(src&immSrcMask) << immSrcShift) |
		uint64(buffer&immBufMask)
}

// ImmFlg decodes the kind field from an immediate-data word.
func ImmFlg(v uint64) ImmKind {
	return ImmKind((v >> immKindShift) & 0x3)
}

// ImmSrc decodes the source-id field from an immediate-data word.
func ImmSrc(v uint64) uint32 {
	return uint32((v >> immSrcShift) & immSrcMask)
}

// ImmBufferIdx decodes the buffer-index field from an immediate-data
// word.
func ImmBufferIdx(v uint64) uint32 {
	return uint32(v & immBufMask)
}
