// Package capture is the SQLite-backed store for captured devices and the
// local journal of exported events.
package capture

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"bluescan/internal/scan"
	"bluescan/internal/storage/repo"
)

type Store struct {
	db  *sql.DB
	log *zap.Logger
}

var (
	_ repo.Captures  = (*Store)(nil)
	_ repo.Events    = (*Store)(nil)
	_ scan.Persister = (*Store)(nil)
)

// Open opens (creating if needed) the database at path and migrates it.
func Open(path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("capture: open %s: %w", path, err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("capture: pragmas: %w", err)
	}
	if err := migrateUp(db, log); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, log: log}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Save inserts recs in one transaction.
func (s *Store) Save(ctx context.Context, recs []scan.Record) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("capture: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO captures (device_id, address, name, captured_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("capture: prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range recs {
		if _, err := stmt.ExecContext(ctx, r.ID, r.Address, r.Name, r.CapturedAt.UnixMilli()); err != nil {
			return fmt.Errorf("capture: insert %s: %w", r.Address, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("capture: commit: %w", err)
	}
	s.log.Debug("captures saved", zap.Int("count", len(recs)))
	return nil
}

func (s *Store) List(ctx context.Context) ([]repo.Capture, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, device_id, address, name, captured_at FROM captures ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("capture: list: %w", err)
	}
	defer rows.Close()

	out := []repo.Capture{}
	for rows.Next() {
		var c repo.Capture
		var ms int64
		if err := rows.Scan(&c.ID, &c.DeviceID, &c.Address, &c.Name, &ms); err != nil {
			return nil, fmt.Errorf("capture: scan row: %w", err)
		}
		c.CapturedAt = time.UnixMilli(ms).UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

// Clear deletes every capture and reports how many were removed.
func (s *Store) Clear(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM captures`)
	if err != nil {
		return 0, fmt.Errorf("capture: clear: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) Drain(ctx context.Context, fn func(context.Context, repo.Capture) error) (int, error) {
	pending, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range pending {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if err := fn(ctx, c); err != nil {
			return n, fmt.Errorf("capture: hand off %d: %w", c.ID, err)
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM captures WHERE id = ?`, c.ID); err != nil {
			return n, fmt.Errorf("capture: delete %d: %w", c.ID, err)
		}
		n++
	}
	return n, nil
}

func (s *Store) InsertEvent(ctx context.Context, ts time.Time, subject, address string, payloadPB []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (ts, subject, address, payload_pb) VALUES (?, ?, ?, ?)`,
		ts.UnixMilli(), subject, address, payloadPB)
	if err != nil {
		return fmt.Errorf("capture: insert event: %w", err)
	}
	return nil
}

// RecentEvents returns up to limit journal entries, newest first.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]repo.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, subject, address, payload_pb FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("capture: events: %w", err)
	}
	defer rows.Close()

	out := []repo.Event{}
	for rows.Next() {
		var e repo.Event
		var ms int64
		if err := rows.Scan(&e.ID, &ms, &e.Subject, &e.Address, &e.PayloadPB); err != nil {
			return nil, fmt.Errorf("capture: scan event: %w", err)
		}
		e.TS = time.UnixMilli(ms).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
