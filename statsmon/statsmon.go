// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package statsmon publishes the trigger event builder's runtime
// metrics to a statistics-collecting peer over a PUB/SUB message bus,
// the same transport (go.nanomsg.org/mangos/v3) package coordinator
// uses for control traffic.
package statsmon // import "github.com/bhill-slac/lcls2/statsmon"

import (
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/sbinet/pmon"
	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/pub"
	_ "go.nanomsg.org/mangos/v3/transport/tcp"
	"golang.org/x/xerrors"
	"gonum.org/v1/gonum/stat"
)

// Counter is a monotonically increasing value sampled at publish time.
type Counter func() uint64

// Gauge is an instantaneous value sampled at publish time.
type Gauge func() uint64

// Snapshot is the wire shape of one published sample, covering the
// twelve named metrics the event builder reports (TEB_EvtRt, TEB_EvtCt,
// TEB_BatCt, TEB_BtAlCt, TEB_BtFrCt, TEB_BtWtg, TEB_EpAlCt, TEB_EpFrCt,
// TEB_EvAlCt, TEB_EvFrCt, TEB_TxPdg, TEB_RxPdg): the processed event and
// posted batch counts, the event and epoch table's alloc/free counters,
// the batch manager's alloc/free/waiting counters, the transport
// layer's posted/pending counts, and the derived event rate.
type Snapshot struct {
	Time time.Time `json:"time"`

	EventCnt      uint64 `json:"teb_evt_ct"`
	BatchCnt      uint64 `json:"teb_bat_ct"`
	EventAllocCnt uint64 `json:"teb_ev_al_ct"`
	EventFreeCnt  uint64 `json:"teb_ev_fr_ct"`
	EpochAllocCnt uint64 `json:"teb_ep_al_ct"`
	EpochFreeCnt  uint64 `json:"teb_ep_fr_ct"`
	BatchAllocCnt uint64 `json:"teb_bt_al_ct"`
	BatchFreeCnt  uint64 `json:"teb_bt_fr_ct"`
	BatchWaiting  uint64 `json:"teb_bt_wtg"`
	TxPending     uint64 `json:"teb_tx_pdg"`
	RxPending     uint64 `json:"teb_rx_pdg"`

	EventRateHz float64 `json:"teb_rate_ev"`
	// DataRateBps is a supplemental metric beyond the twelve named
	// ones, published only when Sources.BytesSent is set.
	DataRateBps float64 `json:"teb_rate_data"`
}

// Sources bundles the accessor closures a Monitor samples on every
// publish. It is bound once, at construction, to the event builder's
// live counters (package eventbuilder, batch and transport) rather
// than re-resolved on every tick.
type Sources struct {
	EventCnt      Counter
	BatchCnt      Counter
	EventAllocCnt Counter
	EventFreeCnt  Counter
	EpochAllocCnt Counter
	EpochFreeCnt  Counter
	BatchAllocCnt Counter
	BatchFreeCnt  Counter
	BatchWaiting  Gauge
	TxPending     Gauge
	RxPending     Gauge

	// BytesSent is cumulative bytes posted to receivers, used to derive
	// DataRateBps.
	BytesSent Counter
}

// ewma tracks an exponentially-weighted moving rate of change for one
// monotonic counter, smoothing the per-period delta the way gonum's
// stat package smooths a weighted sample mean.
type ewma struct {
	alpha   float64
	rate    float64
	lastVal uint64
	have    bool
}

func newEWMA(alpha float64) *ewma { return &ewma{alpha: alpha} }

func (e *ewma) update(val uint64, dt time.Duration) float64 {
	if !e.have {
		e.lastVal = val
		e.have = true
		return 0
	}
	delta := float64(val - e.lastVal)
	e.lastVal = val
	instant := delta / dt.Seconds()
	e.rate = stat.Mean([]float64{instant, e.rate}, []float64{e.alpha, 1 - e.alpha})
	return e.rate
}

// Monitor periodically samples Sources and publishes a Snapshot.
type Monitor struct {
	src    Sources
	sock   mangos.Socket
	period time.Duration

	evRate   *ewma
	dataRate *ewma

	done chan struct{}
}

// New binds a Monitor to src, publishing a snapshot every period over
// a PUB socket listening at addr (e.g. "tcp://*:40899"). procLog, if
// non-nil, receives the periodic /proc sampling that package
// sbinet/pmon performs for the running process (CPU and RSS).
func New(addr string, period time.Duration, src Sources, procLog io.Writer) (*Monitor, error) {
	sock, err := pub.NewSocket()
	if err != nil {
		return nil, xerrors.Errorf("statsmon: could not create pub socket: %w", err)
	}
	if err := sock.Listen(addr); err != nil {
		sock.Close()
		return nil, xerrors.Errorf("statsmon: could not listen on %q: %w", addr, err)
	}

	if procLog != nil {
		p, err := pmon.Monitor(os.Getpid())
		if err != nil {
			sock.Close()
			return nil, xerrors.Errorf("statsmon: could not start process monitor: %w", err)
		}
		p.W = procLog
		p.Freq = period
		go p.Run()
	}

	return &Monitor{
		src:      src,
		sock:     sock,
		period:   period,
		evRate:   newEWMA(0.3),
		dataRate: newEWMA(0.3),
		done:     make(chan struct{}),
	}, nil
}

// Run publishes one Snapshot every period until Stop is called.
func (m *Monitor) Run() {
	ticker := time.NewTicker(m.period)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.publish()
		}
	}
}

func (m *Monitor) publish() {
	snap := Snapshot{
		Time:          time.Now(),
		EventCnt:      m.src.EventCnt(),
		BatchCnt:      m.src.BatchCnt(),
		EventAllocCnt: m.src.EventAllocCnt(),
		EventFreeCnt:  m.src.EventFreeCnt(),
		EpochAllocCnt: m.src.EpochAllocCnt(),
		EpochFreeCnt:  m.src.EpochFreeCnt(),
		BatchAllocCnt: m.src.BatchAllocCnt(),
		BatchFreeCnt:  m.src.BatchFreeCnt(),
		BatchWaiting:  m.src.BatchWaiting(),
		TxPending:     m.src.TxPending(),
		RxPending:     m.src.RxPending(),
	}
	snap.EventRateHz = m.evRate.update(snap.EventFreeCnt, m.period)
	if m.src.BytesSent != nil {
		snap.DataRateBps = m.dataRate.update(m.src.BytesSent(), m.period)
	}

	b, err := json.Marshal(snap)
	if err != nil {
		return
	}
	_ = m.sock.Send(b)
}

// Stop halts the publish loop and releases the underlying socket. The
// process monitor started by New, if any, is not stopped.
func (m *Monitor) Stop() error {
	close(m.done)
	return m.sock.Close()
}
