// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cfgdb looks up the per-partition configuration the trigger
// event builder needs at configure time: the decide-plugin shared
// object to load for the active configuration alias, and the
// contractor/receiver masks for each readout group. This replaces the
// embedded Python interpreter the system this module reimplements uses
// for the same lookups (see spec.md's Design Notes) with a plain SQL
// query.
package cfgdb // import "github.com/bhill-slac/lcls2/cfgdb"

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"golang.org/x/xerrors"
)

const (
	host = "localhost"
)

var drvName = "mysql"

var (
	usr = "username"
	pwd = "s3cr3t"
)

// DB exposes the configuration lookups the TEB needs from the
// partition's configuration database.
type DB struct {
	db   *sql.DB
	name string
}

// Open opens a connection to the named configuration database.
func Open(dbname string) (*DB, error) {
	db, err := sql.Open(drvName, dsn(dbname))
	if err != nil {
		return nil, xerrors.Errorf("cfgdb: could not open %q db: %w", dbname, err)
	}
	if err := ping(db, dbname); err != nil {
		return nil, err
	}
	return &DB{db: db, name: dbname}, nil
}

func dsn(db string) string {
	return fmt.Sprintf("%s:%s@tcp(%s)/%s", usr, pwd, host, db)
}

func ping(db *sql.DB, dbname string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return xerrors.Errorf("cfgdb: could not ping %q db: %w", dbname, err)
	}
	return nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.db.Close()
}

// Soname returns the decide-plugin shared object path configured for
// alias (the configuration name handed down in a Configure
// transition's body), the newest one on record.
func (db *DB) Soname(ctx context.Context, alias string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var soname string
	rows, err := db.db.QueryContext(
		ctx,
		"SELECT soname FROM trigger_configs WHERE alias=? ORDER BY datetime DESC LIMIT 1",
		alias,
	)
	if err != nil {
		return "", xerrors.Errorf("cfgdb: could not query soname for %q: %w", alias, err)
	}
	defer rows.Close()

	for rows.Next() {
		if err := rows.Scan(&soname); err != nil {
			return "", xerrors.Errorf("cfgdb: could not scan soname for %q: %w", alias, err)
		}
	}
	if err := rows.Err(); err != nil {
		return "", xerrors.Errorf("cfgdb: could not scan db for soname: %w", err)
	}
	if soname == "" {
		return "", xerrors.Errorf("cfgdb: no trigger configuration found for alias %q", alias)
	}
	return soname, nil
}

// GroupMasks returns the contractor and receiver bitmasks configured
// for readout group.
func (db *DB) GroupMasks(ctx context.Context, alias string, group uint8) (contractors, receivers uint64, err error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := db.db.QueryContext(
		ctx,
		"SELECT contractors, receivers FROM readout_groups WHERE alias=? AND grp=?",
		alias, group,
	)
	if err != nil {
		return 0, 0, xerrors.Errorf("cfgdb: could not query group masks for %q/%d: %w", alias, group, err)
	}
	defer rows.Close()

	found := false
	for rows.Next() {
		if err := rows.Scan(&contractors, &receivers); err != nil {
			return 0, 0, xerrors.Errorf("cfgdb: could not scan group masks for %q/%d: %w", alias, group, err)
		}
		found = true
	}
	if err := rows.Err(); err != nil {
		return 0, 0, xerrors.Errorf("cfgdb: could not scan db for group masks: %w", err)
	}
	if !found {
		return 0, 0, xerrors.Errorf("cfgdb: no readout group %d found for alias %q", group, alias)
	}
	return contractors, receivers, nil
}
