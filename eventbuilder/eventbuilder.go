// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package eventbuilder sorts arriving contributions by pulse ID,
// aggregates them into events, and delivers completed events to the
// application in strict pulse-ID order.
package eventbuilder // import "github.com/bhill-slac/lcls2/eventbuilder"

import (
	"sort"
	"sync"
	"time"

	"github.com/bhill-slac/lcls2/pulseid"
	"github.com/bhill-slac/lcls2/wire"
	"golang.org/x/xerrors"
)

// Contribution is one contributor's datagram for one event.
type Contribution struct {
	CtrbId    uint32
	Dgram     *wire.Dgram
	Immediate uint64 // raw completion immediate data this contribution arrived with
}

// Event is the set of contributions for one pulse ID from the
// contractors assigned to that pulse ID's readout group.
type Event struct {
	PulseId   pulseid.PulseId
	Expected  uint64 // contractor mask for this event's readout group
	Arrived   uint64 // bitmask of contributors seen so far
	Complete  bool
	Damage    wire.Damage
	Receivers uint64 // union of receiver masks for this event
	Contribs  []Contribution
	Creator   *wire.Dgram // first contribution received for this event
	Immediate uint64      // creator contribution's immediate data
	allocated time.Time
}

// Begin returns the ordered list of contributions gathered for this
// event, the range EbEvent::begin()/end() spans.
func (e *Event) Begin() []Contribution { return e.Contribs }

type epochBucket struct {
	key    uint64
	events []*Event // sorted ascending by PulseId.Value()
}

// Processor receives events in strict pulse-ID order as the event
// builder flushes its epoch table.
type Processor interface {
	Process(ev *Event)
}

// Params configures a Builder.
type Params struct {
	EpochShift   uint          // bits to shift off the pulse-id value to get an epoch key
	StaleTimeout time.Duration // wall-clock age at which the head event is force-completed
	MaxEvents    int           // event pool size; 0 disables the limit
	MaxEpochs    int           // epoch pool size; 0 disables the limit

	// Contractors and Receivers are indexed by readout group (0..15).
	Contractors [16]uint64
	Receivers   [16]uint64

	// FullContributors is the expected-arrival mask for transitions
	// (isEvent == 0), which are singleton events requiring every
	// configured contributor, not just one readout group's contractors.
	FullContributors uint64
}

// Builder implements the epoch-table event assembly algorithm of
// spec.md §4.2.
type Builder struct {
	mu     sync.Mutex
	params Params

	epochs      []*epochBucket // sorted ascending by key
	lastFlushed pulseid.PulseId
	haveFlushed bool

	eventAllocCnt uint64
	eventFreeCnt  uint64
	epochAllocCnt uint64
	epochFreeCnt  uint64

	liveEvents int
	liveEpochs int

	proc Processor
}

// New creates a Builder with the given parameters.
func New(params Params, proc Processor) *Builder {
	return &Builder{params: params, proc: proc}
}

// ErrPoolExhausted is returned (and should trigger the fatal handling
// described in spec.md §7) when the event or epoch pool cannot grow
// further.
var ErrPoolExhausted = xerrors.New("eventbuilder: pool exhausted")

func (b *Builder) findEpoch(key uint64) (int, bool) {
	i := sort.Search(len(b.epochs), func(i int) bool { return b.epochs[i].key >= key })
	if i < len(b.epochs) && b.epochs[i].key == key {
		return i, true
	}
	return i, false
}

func (b *Builder) allocEpoch(key uint64) (*epochBucket, error) {
	i, ok := b.findEpoch(key)
	if ok {
		return b.epochs[i], nil
	}
	if b.params.MaxEpochs > 0 && b.liveEpochs >= b.params.MaxEpochs {
		return nil, ErrPoolExhausted
	}
	ep := &epochBucket{key: key}
	b.epochs = append(b.epochs, nil)
	copy(b.epochs[i+1:], b.epochs[i:])
	b.epochs[i] = ep
	b.epochAllocCnt++
	b.liveEpochs++
	return ep, nil
}

func findEvent(ep *epochBucket, val uint64) (int, bool) {
	i := sort.Search(len(ep.events), func(i int) bool { return ep.events[i].PulseId.Value() >= val })
	if i < len(ep.events) && ep.events[i].PulseId.Value() == val {
		return i, true
	}
	return i, false
}

func (b *Builder) allocEvent(ep *epochBucket, pid pulseid.PulseId) (*Event, error) {
	i, ok := findEvent(ep, pid.Value())
	if ok {
		return ep.events[i], nil
	}
	if b.params.MaxEvents > 0 && b.liveEvents >= b.params.MaxEvents {
		return nil, ErrPoolExhausted
	}

	var expected, receivers uint64
	if pid.IsEvent() {
		expected = b.params.Contractors[pid.Group()]
		receivers = b.params.Receivers[pid.Group()]
	} else {
		expected = b.params.FullContributors
		for g := range b.params.Receivers {
			receivers |= b.params.Receivers[g]
		}
	}

	ev := &Event{
		PulseId:   pid,
		Expected:  expected,
		Receivers: receivers,
		allocated: time.Now(),
	}
	ep.events = append(ep.events, nil)
	copy(ep.events[i+1:], ep.events[i:])
	ep.events[i] = ev
	b.eventAllocCnt++
	b.liveEvents++
	return ev, nil
}

// Arrival processes one contribution's arrival: it locates or
// allocates the owning epoch and event, folds the contributor's bit
// into the arrived mask, and then flushes any contiguous prefix of
// complete events now available at the head of the epoch table.
//
// ctrb's pulse ID must already have been decoded from the completion's
// immediate data by the caller (see wire.ImmData).
func (b *Builder) Arrival(ctrb Contribution) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	pid := ctrb.Dgram.Header.PulseId

	if b.haveFlushed && pid.Value() <= b.lastFlushed.Value() {
		return xerrors.Errorf("eventbuilder: %w: pulse id %v at or older than last flushed %v",
			errOutOfOrder, pid, b.lastFlushed)
	}

	key := pid.Epoch(b.params.EpochShift)
	ep, err := b.allocEpoch(key)
	if err != nil {
		return err
	}
	ev, err := b.allocEvent(ep, pid)
	if err != nil {
		return err
	}

	bit := uint64(1) << uint(ctrb.CtrbId)
	if ev.Arrived&bit != 0 {
		ev.Damage.Increase(wire.DamageDuplicateContribution)
		return nil
	}
	ev.Arrived |= bit
	ev.Contribs = append(ev.Contribs, ctrb)
	if ev.Creator == nil {
		ev.Creator = ctrb.Dgram
		ev.Immediate = ctrb.Immediate
	}

	if ev.Arrived&ev.Expected == ev.Expected {
		ev.Complete = true
	}

	b.flushPrefix()

	return nil
}

var errOutOfOrder = xerrors.New("out of order")

// IsOutOfOrder reports whether err denotes a dropped, out-of-order
// contribution (damage::OutOfOrder).
func IsOutOfOrder(err error) bool {
	return xerrors.Is(err, errOutOfOrder)
}

// flushPrefix walks the epoch table in pulse-ID order, delivering a
// contiguous prefix of complete events to the Processor. Incomplete
// events behind (i.e. ahead in order but not yet complete) a complete
// one hold the line: flushing stops at the first incomplete event.
func (b *Builder) flushPrefix() {
	for len(b.epochs) > 0 {
		ep := b.epochs[0]
		for len(ep.events) > 0 {
			ev := ep.events[0]
			if !ev.Complete {
				return
			}
			ep.events = ep.events[1:]
			b.eventFreeCnt++
			b.liveEvents--

			b.lastFlushed = ev.PulseId
			b.haveFlushed = true

			if b.proc != nil {
				b.proc.Process(ev)
			}
		}
		// epoch is drained; drop it and continue into the next one
		b.epochs = b.epochs[1:]
		b.epochFreeCnt++
		b.liveEpochs--
	}
}

// PromoteStale inspects the head event (the oldest incomplete event in
// the table) and, if it has been waiting longer than StaleTimeout,
// marks it complete with damage::MissingContribution so the head never
// stalls the stream indefinitely. It returns true if it promoted an
// event.
func (b *Builder) PromoteStale(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.epochs) == 0 || len(b.epochs[0].events) == 0 {
		return false
	}
	ev := b.epochs[0].events[0]
	if ev.Complete {
		return false
	}
	if b.params.StaleTimeout <= 0 || now.Sub(ev.allocated) < b.params.StaleTimeout {
		return false
	}

	ev.Complete = true
	ev.Damage.Increase(wire.DamageMissingContribution)
	ev.Damage.Increase(wire.DamageTimedOut)
	if ev.Creator == nil {
		// No contribution ever arrived; synthesize an empty header so
		// downstream processing has something to key off of.
		ev.Creator = &wire.Dgram{Header: wire.Header{PulseId: ev.PulseId}}
	}

	b.flushPrefix()
	return true
}

// Metrics backing TEB_EpAlCt, TEB_EpFrCt, TEB_EvAlCt, TEB_EvFrCt.
func (b *Builder) EpochAllocCnt() uint64 { b.mu.Lock(); defer b.mu.Unlock(); return b.epochAllocCnt }
func (b *Builder) EpochFreeCnt() uint64  { b.mu.Lock(); defer b.mu.Unlock(); return b.epochFreeCnt }
func (b *Builder) EventAllocCnt() uint64 { b.mu.Lock(); defer b.mu.Unlock(); return b.eventAllocCnt }
func (b *Builder) EventFreeCnt() uint64  { b.mu.Lock(); defer b.mu.Unlock(); return b.eventFreeCnt }
