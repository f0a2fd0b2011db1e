// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package decide loads and runs the pluggable trigger-decision policy
// evaluated once per event by the trigger event builder's hot loop.
//
// The system this module reimplements dispatches to a policy compiled
// as a shared C library, resolved at configure time through dlopen and
// two well-known symbols (create/destroy). Go's ecosystem has no dlopen
// binding in this corpus, but the standard library's plugin package
// gives the same shape: a .so resolved by path, exposing well-known
// symbols looked up by name. A Decide value, once built, behaves
// exactly like the in-process interface trait spec.md explicitly
// allows as an alternative to the C ABI.
package decide // import "github.com/bhill-slac/lcls2/decide"

import (
	"plugin"
	"sync"

	"github.com/bhill-slac/lcls2/wire"
	"golang.org/x/xerrors"
)

// Decide is the trigger-decision policy interface. Implementations are
// neither required to be safe for concurrent use nor expected to be:
// the event builder's hot loop calls Event from a single goroutine.
type Decide interface {
	// Configure is called once per transition carrying configuration
	// data (e.g. a Configure transition's JSON payload), before any
	// call to Event.
	Configure(configJSON []byte) error

	// Event evaluates the trigger decision for one event's gathered
	// contributions, writing at most len(result) bytes of
	// application-defined result payload into result and returning the
	// number of bytes written, along with whether the event should be
	// kept (persisted/forwarded) downstream.
	Event(contribs []wire.Dgram, result []byte) (n int, keep bool, err error)
}

// Factory is the symbol every decide plugin must export: a package-level
// function named "New" with this signature.
type Factory func() (Decide, error)

const factorySymbol = "New"

// ErrNoSuchSymbol is returned when a loaded plugin does not export the
// expected factory symbol.
var ErrNoSuchSymbol = xerrors.New("decide: plugin does not export New() (Decide, error)")

// Load opens the shared object at path and resolves its factory symbol.
// The returned Decide is not yet configured; callers must call
// Configure before the first Event.
func Load(path string) (Decide, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("decide: could not open plugin %q: %w", path, err)
	}
	sym, err := p.Lookup(factorySymbol)
	if err != nil {
		return nil, xerrors.Errorf("decide: %w: %q: %v", ErrNoSuchSymbol, path, err)
	}
	factory, ok := sym.(func() (Decide, error))
	if !ok {
		return nil, xerrors.Errorf("decide: %w: %q has wrong signature", ErrNoSuchSymbol, path)
	}
	dec, err := factory()
	if err != nil {
		return nil, xerrors.Errorf("decide: plugin %q factory failed: %w", path, err)
	}
	return dec, nil
}

// Manager owns the currently-loaded Decide, swapping it in atomically
// across Configure transitions. A Decide stays open across Unconfigure
// (its Go plugin handle cannot be released anyway: plugin.Open never
// unloads); a new Configure that names a different library loads the
// new one and only then drops the reference to the old, matching the
// C++ policy of closing the old library only once the new one is live.
type Manager struct {
	mu      sync.RWMutex
	path    string
	current Decide

	load func(path string) (Decide, error) // overridable in tests
}

// NewManager creates an empty Manager. Current returns nil until the
// first successful Configure.
func NewManager() *Manager {
	return &Manager{load: Load}
}

// Configure loads path if it differs from the currently-loaded plugin,
// then calls Configure on the (possibly just-loaded) Decide with
// configJSON. Re-configuring the same path without a reload in between
// simply re-runs Configure on the existing instance, mirroring a
// repeated Configure transition against one library.
func (m *Manager) Configure(path string, configJSON []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil || m.path != path {
		dec, err := m.load(path)
		if err != nil {
			return err
		}
		m.current = dec
		m.path = path
	}
	if err := m.current.Configure(configJSON); err != nil {
		return xerrors.Errorf("decide: configure failed for %q: %w", path, err)
	}
	return nil
}

// Current returns the currently-configured Decide, or nil if none has
// been configured yet.
func (m *Manager) Current() Decide {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Path returns the path of the currently-loaded plugin, or "" if none.
func (m *Manager) Path() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.path
}
