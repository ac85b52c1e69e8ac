// Package statsdb keeps a history of program runs and the JIT activity
// they caused in a SQLite database.
package statsdb

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/chazu/bbv/jit"
)

// ErrRunNotFound indicates the requested run doesn't exist.
var ErrRunNotFound = errors.New("run not found")

// Run is one recorded execution of a program entry point.
type Run struct {
	ID       uuid.UUID
	Program  string
	Entry    string
	JIT      bool
	Started  time.Time
	Duration time.Duration
	Result   string // printString of the returned value
	Err      string // empty when the run succeeded
	Stats    jit.Stats
}

// DB handles SQLite storage for runs.
type DB struct {
	db *sql.DB
	mu sync.Mutex
}

const schema = `CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	program     TEXT NOT NULL,
	entry       TEXT NOT NULL,
	jit         INTEGER NOT NULL,
	started     INTEGER NOT NULL,
	duration    INTEGER NOT NULL,
	result      TEXT NOT NULL,
	error       TEXT NOT NULL,
	compiled    INTEGER NOT NULL,
	side_exits  INTEGER NOT NULL,
	stats       BLOB NOT NULL
)`

// Open opens or creates the database at path.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "creating %s", dir)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "setting busy timeout")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating table")
	}
	return &DB{db: db}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// Record stores r, assigning it an ID if it has none.
func (d *DB) Record(ctx context.Context, r *Run) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	blob, err := cbor.Marshal(r.Stats)
	if err != nil {
		return errors.Wrap(err, "encoding stats")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO runs (id, program, entry, jit, started, duration, result, error, compiled, side_exits, stats)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(), r.Program, r.Entry, r.JIT, r.Started.UnixNano(), int64(r.Duration),
		r.Result, r.Err, int64(r.Stats.BlocksCompiled), int64(r.Stats.SideExits), blob,
	)
	if err != nil {
		return errors.Wrap(err, "saving run")
	}
	return nil
}

const columns = `id, program, entry, jit, started, duration, result, error, stats`

// Get retrieves a run by ID.
func (d *DB) Get(ctx context.Context, id uuid.UUID) (*Run, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+columns+` FROM runs WHERE id = ?`, id.String())
	r, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrRunNotFound, "%s", id)
	}
	return r, err
}

// Recent returns up to limit runs, newest first. An empty program matches
// every program.
func (d *DB) Recent(ctx context.Context, program string, limit int) ([]*Run, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+columns+` FROM runs WHERE ? = '' OR program = ? ORDER BY started DESC LIMIT ?`,
		program, program, limit)
	if err != nil {
		return nil, errors.Wrap(err, "querying runs")
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		r, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "reading runs")
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(s scanner) (*Run, error) {
	var (
		r        Run
		id       string
		started  int64
		duration int64
		blob     []byte
	)
	if err := s.Scan(&id, &r.Program, &r.Entry, &r.JIT, &started, &duration, &r.Result, &r.Err, &blob); err != nil {
		return nil, err
	}
	var err error
	if r.ID, err = uuid.Parse(id); err != nil {
		return nil, errors.Wrapf(err, "run id %q", id)
	}
	r.Started = time.Unix(0, started)
	r.Duration = time.Duration(duration)
	if err := cbor.Unmarshal(blob, &r.Stats); err != nil {
		return nil, errors.Wrapf(err, "decoding stats of run %s", id)
	}
	return &r, nil
}
