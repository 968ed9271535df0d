// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package eventlog records door state transitions in a SQLite database so
// operators can reconstruct what the door did and when.
package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/Thermoquad/dosa/pkg/door"
)

const schema = `
CREATE TABLE IF NOT EXISTS transitions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	at TEXT NOT NULL,
	state TEXT NOT NULL,
	position_mm REAL NOT NULL,
	position_percent REAL NOT NULL,
	alarm_code TEXT NOT NULL DEFAULT '',
	fault_message TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_transitions_at ON transitions(at);
`

// Entry is one recorded transition.
type Entry struct {
	ID              int64
	At              time.Time
	State           door.State
	PositionMM      float64
	PositionPercent float64
	AlarmCode       string
	FaultMessage    string
}

// Log is an open transition database.
type Log struct {
	db *sql.DB
}

// Open opens (creating if needed) the transition database at path.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening event log %s: %w", path, err)
	}
	// The writer is a single goroutine; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing event log schema: %w", err)
	}
	return &Log{db: db}, nil
}

// Close closes the database.
func (l *Log) Close() error {
	return l.db.Close()
}

// Record writes one transition.
func (l *Log) Record(st door.Status) error {
	_, err := l.db.Exec(
		`INSERT INTO transitions (at, state, position_mm, position_percent, alarm_code, fault_message)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339Nano),
		string(st.State), st.PositionMM, st.PositionPercent, st.AlarmCode, st.FaultMessage,
	)
	if err != nil {
		return fmt.Errorf("recording transition: %w", err)
	}
	return nil
}

// Recent returns up to n transitions, newest first.
func (l *Log) Recent(n int) ([]Entry, error) {
	rows, err := l.db.Query(
		`SELECT id, at, state, position_mm, position_percent, alarm_code, fault_message
		 FROM transitions ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("querying transitions: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var at, state string
		if err := rows.Scan(&e.ID, &at, &state, &e.PositionMM, &e.PositionPercent, &e.AlarmCode, &e.FaultMessage); err != nil {
			return nil, fmt.Errorf("scanning transition: %w", err)
		}
		e.At, err = time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("parsing transition timestamp %q: %w", at, err)
		}
		e.State = door.State(state)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Run records every snapshot arriving on updates until ctx is cancelled or
// the channel closes. Recording failures are logged, not fatal: the door
// keeps working without its history.
func (l *Log) Run(ctx context.Context, updates <-chan door.Status) {
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-updates:
			if !ok {
				return
			}
			if err := l.Record(st); err != nil {
				log.Warn().Err(err).Msg("event log write failed")
			}
		}
	}
}
