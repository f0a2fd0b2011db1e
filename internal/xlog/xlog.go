// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package xlog provides a small leveled logger, modeled on the
// tdaq.Context.Msg logger used throughout the teacher's command
// handlers: Debugf/Infof/Warnf/Errorf gated by a verbosity counter.
package xlog // import "github.com/bhill-slac/lcls2/internal/xlog"

import (
	"io"
	"log"
)

// Msg is a leveled logger gated by a verbosity counter bumped once per
// repeated "-v" flag on the command line.
type Msg struct {
	lvl int
	log *log.Logger
}

// New creates a Msg writing to w with the given prefix and verbosity.
func New(w io.Writer, prefix string, verbose int) *Msg {
	return &Msg{
		lvl: verbose,
		log: log.New(w, prefix, log.LstdFlags|log.Lmicroseconds),
	}
}

func (m *Msg) Debugf(format string, args ...interface{}) {
	if m.lvl > 1 {
		m.log.Printf("DBG "+format, args...)
	}
}

func (m *Msg) Infof(format string, args ...interface{}) {
	m.log.Printf("INF "+format, args...)
}

// Tracef logs at the highest verbosity, matching teb.cc's
// "_verbose > 3" per-event dump gate.
func (m *Msg) Tracef(format string, args ...interface{}) {
	if m.lvl > 3 {
		m.log.Printf("TRC "+format, args...)
	}
}

func (m *Msg) Warnf(format string, args ...interface{}) {
	m.log.Printf("WRN "+format, args...)
}

func (m *Msg) Errorf(format string, args ...interface{}) {
	m.log.Printf("ERR "+format, args...)
}

// Verbose returns the current verbosity level.
func (m *Msg) Verbose() int { return m.lvl }

// Bump increments the verbosity level by one, e.g. once per repeated
// "-v" flag.
func (m *Msg) Bump() { m.lvl++ }
