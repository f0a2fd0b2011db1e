// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package tebapp assembles the transport, batch, event-builder and
// decide packages into the trigger event builder's hot loop: receive
// a contribution, feed the event builder, and on every completed
// event run the configured Decide policy and post a result batch to
// the event's receivers. This mirrors teb.cc's Teb::connect/run/
// process/post.
package tebapp // import "github.com/bhill-slac/lcls2/tebapp"

import (
	"context"
	"math/bits"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bhill-slac/lcls2/batch"
	"github.com/bhill-slac/lcls2/decide"
	"github.com/bhill-slac/lcls2/ebparams"
	"github.com/bhill-slac/lcls2/eventbuilder"
	"github.com/bhill-slac/lcls2/internal/mmap"
	"github.com/bhill-slac/lcls2/internal/xlog"
	"github.com/bhill-slac/lcls2/transport"
	"github.com/bhill-slac/lcls2/wire"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/xerrors"
)

// maxConcurrentPosts bounds the number of receiver links a single
// post() fans out to at once, so a batch with many receivers can't
// spawn an unbounded number of goroutines.
const maxConcurrentPosts = 16

// MaxResultSize and MaxContribSize are the fixed per-entry sizes of
// the batch manager's result pool and the contribution receive
// region, mirroring teb.cc's max_result_size/max_contrib_size (a
// Dgram header, an XTC header, and a fixed number of 32-bit words).
const (
	MaxResultSize  = wire.HeaderSize + wire.XtcHeaderSize + wire.ResultWords*4
	InputExtent    = 2
	MaxContribSize = wire.HeaderSize + wire.XtcHeaderSize + InputExtent*4

	ctrbRegionDepth = 4096 // number of in-flight contribution slots
)

// Teb is one trigger event builder instance.
type Teb struct {
	id      uint32
	verbose int
	msg     *xlog.Msg

	batMan *batch.Manager
	decMgr *decide.Manager
	eb     *eventbuilder.Builder

	l3Client *transport.Client
	l3Links  map[uint32]*transport.Link

	mrqServer *transport.Server
	mrqLinks  map[uint32]*transport.Link

	ctrbServer *transport.Server
	ctrbRegion *mmap.Handle

	mu        sync.Mutex // guards l3Links, mrqLinks and receivers
	receivers uint64

	eventCount uint64 // atomic
	batchCount uint64 // atomic

	acceptGrp *errgroup.Group
	postSem   *semaphore.Weighted

	running  int32
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a Teb bound to id, ready to Connect once the
// coordinator hands down connection parameters.
func New(id uint32, verbose int, msg *xlog.Msg, maxBatches, maxEntries int) (*Teb, error) {
	batMan, err := batch.New(maxBatches, maxEntries, MaxResultSize)
	if err != nil {
		return nil, xerrors.Errorf("tebapp: could not create batch manager: %w", err)
	}

	t := &Teb{
		id:       id,
		verbose:  verbose,
		msg:      msg,
		batMan:   batMan,
		decMgr:   decide.NewManager(),
		l3Links:  make(map[uint32]*transport.Link),
		mrqLinks: make(map[uint32]*transport.Link),
		postSem:  semaphore.NewWeighted(maxConcurrentPosts),
		done:     make(chan struct{}),
	}
	t.eb = eventbuilder.New(eventbuilder.Params{}, t)
	return t, nil
}

// Decide returns the manager owning the currently-configured trigger
// policy, for the coordinator's configure handler to drive.
func (t *Teb) Decide() *decide.Manager { return t.decMgr }

// Reconfigure replaces the event builder's parameters (contractor and
// receiver masks, epoch shift, stale timeout); cmd/teb applies it on
// every connect.
func (t *Teb) Reconfigure(params eventbuilder.Params) {
	t.eb = eventbuilder.New(params, t)
}

// Connect dials every contributor as a poster of results, starts the
// server that receives monitor requests, and starts the server that
// receives contributions.
func (t *Teb) Connect(prms ebparams.Params) error {
	const tmo = 120 * time.Second

	t.l3Client = transport.NewClient(len(prms.Drps) + 1)
	region := t.batMan.Region()
	for _, d := range prms.Drps {
		link, err := t.l3Client.Connect(d.Addr, d.Port, tmo, t.id, region)
		if err != nil {
			return xerrors.Errorf("tebapp: could not connect to contributor at %s:%s: %w", d.Addr, d.Port, err)
		}
		t.mu.Lock()
		t.l3Links[link.Id()] = link
		t.mu.Unlock()
		if t.msg != nil {
			t.msg.Infof("outbound link with ctrb id %d connected", link.Id())
		}
	}

	ctrbRegion, err := mmap.NewAnon(ctrbRegionDepth * MaxContribSize)
	if err != nil {
		return xerrors.Errorf("tebapp: could not allocate contribution region: %w", err)
	}
	t.ctrbRegion = ctrbRegion

	ctrbSrv, err := transport.NewServer(net.JoinHostPort(prms.IfAddr, prms.EbPort), 2*ctrbRegionDepth, t.verbose)
	if err != nil {
		return xerrors.Errorf("tebapp: could not start contribution server: %w", err)
	}
	t.ctrbServer = ctrbSrv

	mrqSrv, err := transport.NewServer(net.JoinHostPort(prms.IfAddr, prms.MrqPort), len(prms.Mebs)+1, t.verbose)
	if err != nil {
		return xerrors.Errorf("tebapp: could not start monreq server: %w", err)
	}
	t.mrqServer = mrqSrv

	// The accepted links live for the lifetime of the run, so these
	// goroutines are not waited on here; acceptGrp lets Wait join them
	// once Shutdown closes the listeners out from under the Accept
	// calls, the same shutdown join teb.cc's destructor performs on its
	// EbLfServer threads.
	grp, _ := errgroup.WithContext(context.Background())
	t.acceptGrp = grp
	for range prms.Drps {
		grp.Go(func() error {
			if _, err := ctrbSrv.Accept(t.id, t.ctrbRegion.Bytes(), true); err != nil {
				return xerrors.Errorf("tebapp: contribution accept failed: %w", err)
			}
			return nil
		})
	}
	for range prms.Mebs {
		grp.Go(func() error {
			link, err := mrqSrv.Accept(t.id, nil, false)
			if err != nil {
				return xerrors.Errorf("tebapp: monreq accept failed: %w", err)
			}
			t.mu.Lock()
			t.mrqLinks[link.Id()] = link
			t.mu.Unlock()
			return link.PostCompRecv()
		})
	}

	return nil
}

// Wait joins every background accept goroutine started by Connect,
// returning the first error any of them reported (typically the
// listener closing during Shutdown).
func (t *Teb) Wait() error {
	if t.acceptGrp == nil {
		return nil
	}
	return t.acceptGrp.Wait()
}

// Shutdown tears down both servers and the outbound client, unblocking
// every goroutine Wait is joining.
func (t *Teb) Shutdown() {
	if t.ctrbServer != nil {
		t.ctrbServer.Shutdown()
	}
	if t.mrqServer != nil {
		t.mrqServer.Shutdown()
	}
	if t.l3Client != nil {
		t.l3Client.Shutdown()
	}
}

// Run pins the calling goroutine's work to the hot loop: pend on the
// contribution completion queue, decode a contribution and hand it to
// the event builder, and periodically promote stale head events. It
// returns when Stop is called or the contribution transport reports
// NOT_CONNECTED.
func (t *Teb) Run() error {
	atomic.StoreInt32(&t.running, 1)
	defer atomic.StoreInt32(&t.running, 0)
	defer t.batMan.Dump(os.Stdout)

	staleTick := time.NewTicker(time.Millisecond)
	defer staleTick.Stop()

	waitMode := true
	for {
		select {
		case <-t.done:
			return nil
		case <-staleTick.C:
			t.eb.PromoteStale(time.Now())
			continue
		default:
		}

		tmo := time.Duration(0)
		if waitMode {
			tmo = time.Millisecond
		}
		comp, err := t.ctrbServer.CQ().Pend(tmo)
		switch {
		case err == transport.ErrNotConnected:
			return xerrors.Errorf("tebapp: contribution transport disconnected: %w", err)
		case err == transport.ErrWouldBlock:
			waitMode = true
			continue
		case err != nil:
			return xerrors.Errorf("tebapp: pend failed: %w", err)
		}
		waitMode = false // hot path: keep polling while completions are flowing

		if err := t.arrive(comp); err != nil && t.msg != nil {
			t.msg.Warnf("dropped contribution: %+v", err)
		}
	}
}

func (t *Teb) arrive(comp transport.Completion) error {
	offset := int(wire.ImmBufferIdx(comp.Immediate)) * MaxContribSize
	if offset+MaxContribSize > t.ctrbRegion.Len() {
		return xerrors.Errorf("tebapp: contribution offset %d out of range", offset)
	}
	dg, err := wire.Decode(t.ctrbRegion.Bytes()[offset : offset+MaxContribSize])
	if err != nil {
		return xerrors.Errorf("tebapp: could not decode contribution: %w", err)
	}
	ctrb := eventbuilder.Contribution{
		CtrbId:    wire.ImmSrc(comp.Immediate),
		Dgram:     dg,
		Immediate: comp.Immediate,
	}
	return t.eb.Arrival(ctrb)
}

// Stop signals Run to return.
func (t *Teb) Stop() {
	t.stopOnce.Do(func() { close(t.done) })
}

// Process implements eventbuilder.Processor: it is called once per
// completed event, in strict pulse-ID order, from the same goroutine
// that calls Run.
func (t *Teb) Process(ev *eventbuilder.Event) {
	atomic.AddUint64(&t.eventCount, 1)

	dg := ev.Creator
	if dg == nil {
		return
	}
	damage := ev.Damage

	dec := t.decMgr.Current()
	if dec == nil {
		damage.Increase(wire.DamageNoDecide)
	}

	if wire.ImmFlg(ev.Immediate) != wire.ImmResponse {
		if dec != nil {
			for _, c := range ev.Contribs {
				_, _, _ = dec.Event([]wire.Dgram{*c.Dgram}, nil)
			}
		}
		return
	}

	rdg := wire.NewResultDgram(dg.Header, t.id)
	if dec != nil {
		for _, c := range ev.Contribs {
			_, _, err := dec.Event([]wire.Dgram{*c.Dgram}, rdg.Payload)
			if err != nil {
				damage.Increase(wire.DamageNoDecide)
			}
		}
	}

	if dg.PulseId.IsEvent() {
		if rdg.Result()[wire.MonIdx] != 0 {
			t.pollMrq(rdg)
		}
	} else {
		rdg.SetResult(wire.WrtIdx, 1)
		rdg.SetResult(wire.MonIdx, 1)
	}
	rdg.Xtc.Damage.Increase(wire.Damage(damage.Value()))

	b := t.batMan.Fetch()
	if b == nil || b.Expired(dg.PulseId, ebparams.BatchDuration) {
		if b != nil {
			t.post(b)
		}
		var err error
		b, err = t.batMan.Allocate(dg.PulseId)
		if err != nil {
			if t.msg != nil {
				t.msg.Errorf("could not allocate batch: %+v", err)
			}
			return
		}
	}

	buf, err := b.Allocate(MaxResultSize)
	if err != nil {
		if t.msg != nil {
			t.msg.Errorf("could not allocate result entry: %+v", err)
		}
		return
	}
	if _, err := rdg.Encode(buf); err != nil {
		if t.msg != nil {
			t.msg.Errorf("could not encode result: %+v", err)
		}
		return
	}

	t.mu.Lock()
	t.receivers |= ev.Receivers
	t.mu.Unlock()

	if !dg.PulseId.IsEvent() {
		t.post(b)
	}
}

func (t *Teb) pollMrq(rdg *wire.Dgram) {
	comp, err := t.mrqServer.CQ().Pend(0)
	if err != nil {
		rdg.SetResult(wire.MonIdx, 0)
		return
	}
	rdg.SetResult(wire.MonIdx, uint32(comp.Immediate))

	t.mu.Lock()
	link, ok := t.mrqLinks[wire.ImmSrc(comp.Immediate)]
	t.mu.Unlock()
	if ok {
		if err := link.PostCompRecv(); err != nil && t.msg != nil {
			t.msg.Warnf("could not repost mrq credit: %+v", err)
		}
	}
}

// post flushes b's remaining capacity, writes it to every accumulated
// receiver, and releases it back to the pool. Per spec.md §5, release
// happens before the transmit completes; MaxBatches must stay large
// enough that a slot is never reused before the wire has drained it.
func (t *Teb) post(b *batch.Batch) {
	t.batMan.Flush()

	idx := b.Index()
	data := wire.ImmValue(wire.ImmBuffer, t.id, uint32(idx))
	extent := b.Extent()
	offset := idx * t.batMan.MaxBatchSize()
	buffer := b.Buffer()

	t.mu.Lock()
	destns := t.receivers
	t.receivers = 0
	links := make(map[uint32]*transport.Link, len(t.l3Links))
	for k, v := range t.l3Links {
		links[k] = v
	}
	t.mu.Unlock()

	var wg sync.WaitGroup
	ctx := context.Background()
	for destns != 0 {
		dst := uint32(bits.TrailingZeros64(destns))
		destns &^= 1 << dst
		link, ok := links[dst]
		if !ok {
			continue
		}

		if err := t.postSem.Acquire(ctx, 1); err != nil {
			continue
		}
		wg.Add(1)
		go func(link *transport.Link, dst uint32) {
			defer wg.Done()
			defer t.postSem.Release(1)
			if err := link.Post(buffer, extent, offset, data); err != nil && t.msg != nil {
				t.msg.Warnf("post to receiver %d failed: %+v", dst, err)
			}
		}(link, dst)
	}
	wg.Wait()

	atomic.AddUint64(&t.batchCount, 1)
	t.batMan.Release(b)
}

// Metrics accessors backing package statsmon's Sources.
func (t *Teb) EventCount() uint64 { return atomic.LoadUint64(&t.eventCount) }
func (t *Teb) BatchCount() uint64 { return atomic.LoadUint64(&t.batchCount) }

// EpochAllocCnt, EpochFreeCnt, EventAllocCnt and EventFreeCnt delegate
// to the current event builder's epoch/event pool counters.
func (t *Teb) EpochAllocCnt() uint64 { return t.eb.EpochAllocCnt() }
func (t *Teb) EpochFreeCnt() uint64  { return t.eb.EpochFreeCnt() }
func (t *Teb) EventAllocCnt() uint64 { return t.eb.EventAllocCnt() }
func (t *Teb) EventFreeCnt() uint64  { return t.eb.EventFreeCnt() }

// BatchAllocCnt, BatchFreeCnt and BatchWaiting delegate to the batch
// manager's pool counters.
func (t *Teb) BatchAllocCnt() uint64 { return t.batMan.BatchAllocCnt() }
func (t *Teb) BatchFreeCnt() uint64  { return t.batMan.BatchFreeCnt() }
func (t *Teb) BatchWaiting() uint64  { return t.batMan.BatchWaiting() }

func (t *Teb) TxPending() uint64 {
	if t.l3Client == nil {
		return 0
	}
	return uint64(t.l3Client.Pending())
}
func (t *Teb) RxPending() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return uint64(len(t.mrqLinks))
}
