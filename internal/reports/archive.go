// Package reports archives report snapshots in SQLite. Snapshots are
// insert-only: there is no update path.
package reports

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/gustycube/spyder-atlas/internal/aggregate"
	"github.com/gustycube/spyder-atlas/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	target TEXT NOT NULL,
	report_type TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	summary TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS snapshots_created ON snapshots (created_at DESC, id);`

// Archive handles snapshot persistence
type Archive struct {
	db *sql.DB
}

// Open opens (creating if needed) the archive at path. ":memory:" gives a
// private in-process archive.
func Open(path string) (*Archive, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite serializes writers anyway, and ":memory:" is per connection.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return &Archive{db: db}, nil
}

func (a *Archive) Close() error { return a.db.Close() }

func (a *Archive) Ping(ctx context.Context) error { return a.db.PingContext(ctx) }

// Save stores a snapshot. Saving an id twice fails with ErrConflict.
func (a *Archive) Save(ctx context.Context, s aggregate.Snapshot) error {
	if s.ID == "" {
		return fmt.Errorf("snapshot without id: %w", types.ErrInvalidShape)
	}
	summary, err := json.Marshal(s.Summary)
	if err != nil {
		return err
	}
	_, err = a.db.ExecContext(ctx,
		`INSERT INTO snapshots (id, title, target, report_type, created_at, summary) VALUES (?, ?, ?, ?, ?, ?)`,
		s.ID, s.Title, s.Target, string(s.ReportType), s.CreatedAt.UTC().UnixNano(), string(summary))
	var serr sqlite3.Error
	if errors.As(err, &serr) && serr.Code == sqlite3.ErrConstraint {
		return fmt.Errorf("snapshot %s already archived: %w", s.ID, types.ErrConflict)
	}
	return err
}

// Get loads one snapshot.
func (a *Archive) Get(ctx context.Context, id string) (aggregate.Snapshot, error) {
	row := a.db.QueryRowContext(ctx,
		`SELECT id, title, target, report_type, created_at, summary FROM snapshots WHERE id = ?`, id)
	s, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return aggregate.Snapshot{}, fmt.Errorf("snapshot %s: %w", id, types.ErrNotFound)
	}
	return s, err
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Target string
	Type   aggregate.ReportType
	Since  time.Time
	Limit  int
}

// List returns snapshots newest first; ties fall back to id.
func (a *Archive) List(ctx context.Context, f Filter) ([]aggregate.Snapshot, error) {
	var (
		where []string
		args  []any
	)
	if t := strings.ToLower(strings.TrimSpace(f.Target)); t != "" {
		where = append(where, "instr(lower(target), ?) > 0")
		args = append(args, t)
	}
	if f.Type != "" {
		where = append(where, "report_type = ?")
		args = append(args, string(f.Type))
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UTC().UnixNano())
	}
	q := `SELECT id, title, target, report_type, created_at, summary FROM snapshots`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := a.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []aggregate.Snapshot{}
	for rows.Next() {
		s, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(r scanner) (aggregate.Snapshot, error) {
	var (
		s       aggregate.Snapshot
		typ     string
		created int64
		summary string
	)
	if err := r.Scan(&s.ID, &s.Title, &s.Target, &typ, &created, &summary); err != nil {
		return aggregate.Snapshot{}, err
	}
	s.ReportType = aggregate.ReportType(typ)
	s.CreatedAt = time.Unix(0, created).UTC()
	if err := json.Unmarshal([]byte(summary), &s.Summary); err != nil {
		return aggregate.Snapshot{}, fmt.Errorf("decode summary of %s: %w", s.ID, err)
	}
	return s, nil
}
