// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cfgdb

import (
	"context"
	"database/sql/driver"
	"testing"

	"github.com/bhill-slac/lcls2/internal/fakedb"
)

func init() {
	drvName = "fakedb"
}

func TestOpen(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open cfgdb: %+v", err)
	}
	defer db.Close()
}

func TestSoname(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open cfgdb: %+v", err)
	}
	defer db.Close()

	_ = fakedb.Run(context.Background(), fakedb.Rows{
		Names: []string{"soname"},
		Values: [][]driver.Value{
			{"libdecide_plat.so"},
		},
	}, func(ctx context.Context) error {
		soname, err := db.Soname(ctx, "plat")
		if err != nil {
			t.Fatalf("could not retrieve soname: %+v", err)
		}
		if got, want := soname, "libdecide_plat.so"; got != want {
			t.Fatalf("soname=%q, want %q", got, want)
		}
		return nil
	})
}

func TestSonameNotFound(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open cfgdb: %+v", err)
	}
	defer db.Close()

	_ = fakedb.Run(context.Background(), fakedb.Rows{
		Names:  []string{"soname"},
		Values: [][]driver.Value{},
	}, func(ctx context.Context) error {
		if _, err := db.Soname(ctx, "missing"); err == nil {
			t.Fatalf("Soname: expected error for unconfigured alias")
		}
		return nil
	})
}

func TestGroupMasks(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open cfgdb: %+v", err)
	}
	defer db.Close()

	_ = fakedb.Run(context.Background(), fakedb.Rows{
		Names: []string{"contractors", "receivers"},
		Values: [][]driver.Value{
			{uint64(0b11), uint64(0b111)},
		},
	}, func(ctx context.Context) error {
		contractors, receivers, err := db.GroupMasks(ctx, "plat", 0)
		if err != nil {
			t.Fatalf("could not retrieve group masks: %+v", err)
		}
		if got, want := contractors, uint64(0b11); got != want {
			t.Fatalf("contractors=%#x, want %#x", got, want)
		}
		if got, want := receivers, uint64(0b111); got != want {
			t.Fatalf("receivers=%#x, want %#x", got, want)
		}
		return nil
	})
}
