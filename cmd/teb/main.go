// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command teb runs one trigger event builder instance: it joins the
// collection control bus, waits for connect/configure/enable/disable/
// unconfigure/disconnect/reset transitions, and in between runs the
// event-building hot loop described in spec.md.
package main // import "github.com/bhill-slac/lcls2/cmd/teb"

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/bhill-slac/lcls2/cfgdb"
	"github.com/bhill-slac/lcls2/coordinator"
	"github.com/bhill-slac/lcls2/ebparams"
	"github.com/bhill-slac/lcls2/eventbuilder"
	"github.com/bhill-slac/lcls2/internal/xlog"
	"github.com/bhill-slac/lcls2/statsmon"
	"github.com/bhill-slac/lcls2/tebapp"
	"golang.org/x/sys/unix"
)

func main() {
	log.SetPrefix("teb: ")
	log.SetFlags(0)

	var (
		id        = flag.Uint("id", 0, "this TEB's id within its partition, 0..ebparams.MaxTebs-1")
		partition = flag.Uint("p", 0, "partition number")
		subAddr   = flag.String("sub", "tcp://127.0.0.1:29980", "collection control bus: address to subscribe to for transitions")
		pushAddr  = flag.String("push", "tcp://127.0.0.1:29981", "collection control bus: address to push replies to")
		statsAddr = flag.String("stats-addr", "tcp://*:40899", "address to publish runtime metrics on")
		dbName    = flag.String("db", "configdb", "configuration database name")
		core      = flag.Int("core", -1, "CPU core to pin the hot loop to, or -1 to leave unpinned")
		verbose   = countFlag("v", "increase verbosity (may be repeated)")
	)

	flag.Parse()

	msg := xlog.New(os.Stdout, "teb: ", *verbose)

	if err := run(uint32(*id), uint32(*partition), *subAddr, *pushAddr, *statsAddr, *dbName, *core, msg); err != nil {
		log.Fatalf("%+v", err)
	}
}

// countFlag registers a bool flag that can be repeated (-v -v -v) and
// returns a pointer to the number of times it was seen, mirroring the
// teacher's verbosity-counter command-line convention.
func countFlag(name, usage string) *int {
	n := new(countValue)
	flag.Var(n, name, usage)
	return (*int)(n)
}

// countValue is a boolean flag.Value counting how often it is given.
type countValue int

func (c *countValue) String() string {
	if c == nil {
		return "0"
	}
	return fmt.Sprint(int(*c))
}

func (c *countValue) Set(string) error { *c++; return nil }

func (c *countValue) IsBoolFlag() bool { return true }

func run(id, partition uint32, subAddr, pushAddr, statsAddr, dbName string, core int, msg *xlog.Msg) error {
	if core >= 0 {
		if err := pinToCore(core); err != nil {
			msg.Warnf("could not pin to core %d: %+v", core, err)
		}
	}

	teb, err := tebapp.New(id, msg.Verbose(), msg, ebparams.MaxBatches, ebparams.MaxEntries)
	if err != nil {
		return fmt.Errorf("could not create teb: %w", err)
	}

	db, err := cfgdb.Open(dbName)
	if err != nil {
		return fmt.Errorf("could not open configuration database: %w", err)
	}
	defer db.Close()

	h := &handler{id: id, partition: partition, teb: teb, db: db, msg: msg}

	mon, err := statsmon.New(statsAddr, time.Second, statsmon.Sources{
		EventCnt:      teb.EventCount,
		BatchCnt:      teb.BatchCount,
		EventAllocCnt: teb.EventAllocCnt,
		EventFreeCnt:  teb.EventFreeCnt,
		EpochAllocCnt: teb.EpochAllocCnt,
		EpochFreeCnt:  teb.EpochFreeCnt,
		BatchAllocCnt: teb.BatchAllocCnt,
		BatchFreeCnt:  teb.BatchFreeCnt,
		BatchWaiting:  teb.BatchWaiting,
		TxPending:     teb.TxPending,
		RxPending:     teb.RxPending,
	}, nil)
	if err != nil {
		return fmt.Errorf("could not start stats monitor: %w", err)
	}
	go mon.Run()
	defer mon.Stop()

	client, err := coordinator.Dial(subAddr, pushAddr, id, h)
	if err != nil {
		return fmt.Errorf("could not dial coordinator bus: %w", err)
	}
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	go func() {
		<-sig
		msg.Infof("interrupt received, shutting down")
		cancel()
		teb.Stop()
		teb.Shutdown()
		<-sig
		msg.Errorf("second interrupt received, aborting")
		os.Exit(1)
	}()

	return client.Run(ctx)
}

func pinToCore(core int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(core)
	return unix.SchedSetaffinity(0, &set)
}

// handler implements coordinator.Handler, dispatching the collection
// control bus's transitions to the running Teb and its Decide manager.
type handler struct {
	id        uint32
	partition uint32

	teb *tebapp.Teb
	db  *cfgdb.DB
	msg *xlog.Msg

	alias string // configuration alias named by the last Configure body
}

func (h *handler) HandleConnect(body json.RawMessage) error {
	var cb ebparams.ConnectBody
	if err := json.Unmarshal(body, &cb); err != nil {
		return fmt.Errorf("could not parse connect body: %w", err)
	}

	prms, err := ebparams.Parse(h.partition, h.id, cb, tebapp.MaxResultSize, tebapp.MaxContribSize)
	if err != nil {
		return fmt.Errorf("could not derive connection parameters: %w", err)
	}

	h.teb.Reconfigure(eventbuilder.Params{
		EpochShift:       prms.EpochShift,
		StaleTimeout:     prms.StaleTimeout,
		MaxEvents:        prms.MaxEvents,
		MaxEpochs:        prms.MaxEpochs,
		Contractors:      prms.Contractors,
		Receivers:        prms.Receivers,
		FullContributors: prms.FullContributors,
	})

	if err := h.teb.Connect(prms); err != nil {
		return fmt.Errorf("could not connect: %w", err)
	}

	go func() {
		if err := h.teb.Run(); err != nil {
			h.msg.Errorf("run loop exited: %+v", err)
		}
	}()

	if b, err := prms.YAML(); err == nil {
		h.msg.Infof("connected with params:\n%s", b)
	}
	return nil
}

func (h *handler) HandlePhase1(key string, body json.RawMessage) error {
	switch key {
	case coordinator.KeyConfigure:
		return h.handleConfigure(body)
	case coordinator.KeyUnconfigure, coordinator.KeyEnable, coordinator.KeyDisable:
		// No per-transition action beyond acknowledging: the decide
		// policy and event builder parameters stay as configured until
		// the next Configure.
		return nil
	default:
		return fmt.Errorf("unknown transition key %q", key)
	}
}

func (h *handler) handleConfigure(body json.RawMessage) error {
	var cfg struct {
		Alias string `json:"alias"`
	}
	if err := json.Unmarshal(body, &cfg); err != nil {
		return fmt.Errorf("could not parse configure body: %w", err)
	}
	h.alias = cfg.Alias

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	soname, err := h.db.Soname(ctx, cfg.Alias)
	if err != nil {
		return fmt.Errorf("could not look up decide plugin for alias %q: %w", cfg.Alias, err)
	}

	if err := h.teb.Decide().Configure(soname, body); err != nil {
		return fmt.Errorf("could not configure decide plugin %q: %w", soname, err)
	}
	return nil
}

func (h *handler) HandleDisconnect(body json.RawMessage) error {
	h.teb.Stop()
	h.teb.Shutdown()
	if err := h.teb.Wait(); err != nil {
		h.msg.Warnf("run loop join: %+v", err)
	}
	return nil
}

func (h *handler) HandleReset(body json.RawMessage) error {
	return h.HandleDisconnect(body)
}
