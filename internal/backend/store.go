package backend

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	livesync "github.com/bacx00/mrvl-livesync"
)

var ErrNotFound = errors.New("match not found")

const schema = `
CREATE TABLE IF NOT EXISTS matches (
	id         TEXT PRIMARY KEY,
	data       TEXT NOT NULL,
	version    INTEGER NOT NULL,
	updated_at TEXT NOT NULL
)`

// MatchStore keeps the authoritative match state with a version per match.
type MatchStore struct {
	db *sql.DB
}

// OpenStore opens (and migrates) the SQLite database at path. ":memory:" gives
// a private in-memory database.
func OpenStore(path string) (*MatchStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection: serializes writers and keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &MatchStore{db: db}, nil
}

func (s *MatchStore) Close() error {
	return s.db.Close()
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func get(ctx context.Context, q querier, id livesync.MatchID) (livesync.MatchData, int64, error) {
	var (
		raw     string
		version int64
	)
	err := q.QueryRowContext(ctx, `SELECT data, version FROM matches WHERE id = ?`, string(id)).Scan(&raw, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return livesync.MatchData{}, 0, ErrNotFound
	}
	if err != nil {
		return livesync.MatchData{}, 0, fmt.Errorf("query match: %w", err)
	}
	data, err := livesync.SanitizeJSON([]byte(raw))
	if err != nil {
		return livesync.MatchData{}, 0, err
	}
	return data, version, nil
}

// Get returns the match and its version.
func (s *MatchStore) Get(ctx context.Context, id livesync.MatchID) (livesync.MatchData, int64, error) {
	return get(ctx, s.db, id)
}

// Put replaces the match, creating it if needed, and returns the new version.
func (s *MatchStore) Put(ctx context.Context, id livesync.MatchID, data livesync.MatchData) (int64, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("marshal match: %w", err)
	}
	var version int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO matches (id, data, version, updated_at) VALUES (?, ?, 1, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, version = matches.version + 1, updated_at = excluded.updated_at
		RETURNING version`,
		string(id), string(raw), time.Now().UTC().Format(time.RFC3339Nano),
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("put match: %w", err)
	}
	return version, nil
}

// ApplyResult is the outcome of a versioned patch.
type ApplyResult struct {
	Data     livesync.MatchData
	Version  int64
	Conflict bool
}

// Apply merges patch into the match if expected is still its version. When
// the version moved on, nothing is written and the current state comes back
// with Conflict set.
func (s *MatchStore) Apply(ctx context.Context, id livesync.MatchID, patch livesync.MatchData, expected int64) (ApplyResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	current, version, err := get(ctx, tx, id)
	if err != nil {
		return ApplyResult{}, err
	}
	if version != expected {
		return ApplyResult{Data: current, Version: version, Conflict: true}, nil
	}

	next := current.Merge(patch)
	raw, err := json.Marshal(next)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("marshal match: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE matches SET data = ?, version = ?, updated_at = ? WHERE id = ?`,
		string(raw), version+1, time.Now().UTC().Format(time.RFC3339Nano), string(id),
	); err != nil {
		return ApplyResult{}, fmt.Errorf("update match: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return ApplyResult{}, fmt.Errorf("commit: %w", err)
	}
	return ApplyResult{Data: next, Version: version + 1}, nil
}
