package livesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultDebounce       = 500 * time.Millisecond
	DefaultMinSaveSpacing = 100 * time.Millisecond
	DefaultSaveRetries    = 2
	DefaultRetryDelay     = 250 * time.Millisecond
)

var ErrSessionClosed = errors.New("edit session closed")

// SessionConfig holds the timing contract of an EditSession.
type SessionConfig struct {
	// Debounce is the quiet period after the last local change before a save.
	Debounce time.Duration
	// MinSpacing is the minimum time between two saves reaching the backend.
	MinSpacing time.Duration
	// Retries is how many times a retryable failure is retried.
	Retries    int
	RetryDelay time.Duration
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.Debounce <= 0 {
		c.Debounce = DefaultDebounce
	}
	if c.MinSpacing <= 0 {
		c.MinSpacing = DefaultMinSaveSpacing
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	return c
}

// SaveOutcome resolves a queued change.
type SaveOutcome struct {
	Data    MatchData
	Version int64
	Err     error
}

// ConflictError is returned when the backend reports that the match changed
// since the session's version. The session's canonical state is left alone
// until AdoptServer or Overwrite is called.
type ConflictError struct {
	MatchID       MatchID
	ServerData    MatchData
	LocalData     MatchData
	ServerVersion int64

	session *EditSession
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("match %s was changed by someone else (server version %d)", e.MatchID, e.ServerVersion)
}

// AdoptServer discards the local data and takes the server's data and
// version as canonical. A conflict older than the session's current version
// only discards the local data; the newer canonical state is kept and
// returned.
func (e *ConflictError) AdoptServer() MatchData {
	s := e.session
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsaved = MatchData{}
	if e.ServerVersion > s.version {
		s.version = e.ServerVersion
		s.canonical = e.ServerData
		s.loaded = true
	}
	return s.canonical
}

// Overwrite saves the local data over the server's. When the session can
// fetch, the server is checked first: if it moved past the version this
// conflict reported, a new ConflictError is returned instead of overwriting
// changes the user has not seen.
func (e *ConflictError) Overwrite(ctx context.Context) (MatchData, error) {
	s := e.session
	version := e.ServerVersion
	if s.fetcher != nil {
		snap, err := s.fetcher.FetchMatch(ctx, s.MatchID)
		if err != nil {
			return MatchData{}, &SaveError{MatchID: s.MatchID, Attempts: 0, Err: err, Unsaved: e.LocalData}
		}
		if snap.Version != e.ServerVersion {
			return MatchData{}, &ConflictError{
				MatchID:       s.MatchID,
				ServerData:    snap.Data,
				LocalData:     e.LocalData,
				ServerVersion: snap.Version,
				session:       s,
			}
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return MatchData{}, ErrSessionClosed
	}
	s.version = version
	s.loaded = true
	s.mu.Unlock()

	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	s.waitSpacing(ctx)
	return s.submit(ctx, e.LocalData)
}

// SaveError is a save that failed for good. The attempted data is kept by the
// session and included in the next save.
type SaveError struct {
	MatchID  MatchID
	Attempts int
	Err      error
	Unsaved  MatchData
}

func (e *SaveError) Error() string {
	return fmt.Sprintf("save match %s failed after %d attempt(s): %v", e.MatchID, e.Attempts, e.Err)
}

func (e *SaveError) Unwrap() error {
	return e.Err
}

// ConfirmFunc is told about every save the backend accepted.
type ConfirmFunc func(id MatchID, data MatchData, version int64)

// EditSession coalesces local edits of one match into debounced, versioned
// saves.
type EditSession struct {
	ID      string
	MatchID MatchID

	saver     Saver
	fetcher   Fetcher
	confirmed ConfirmFunc
	clock     *Clock
	cfg       SessionConfig
	log       *slog.Logger

	// saveMu serializes requests to the backend.
	saveMu sync.Mutex

	mu         sync.Mutex
	loaded     bool
	version    int64
	canonical  MatchData
	lastSaveAt time.Time
	lastSaveTS int64
	pending    MatchData
	hasPending bool
	unsaved    MatchData
	waiters    []chan SaveOutcome
	timer      *time.Timer
	inflight   bool
	closed     bool
}

// NewEditSession creates a session for id. fetcher may be nil, in which case
// the session starts at version 0 unless Load is given a snapshot.
func NewEditSession(id MatchID, saver Saver, fetcher Fetcher, confirmed ConfirmFunc, clock *Clock, cfg SessionConfig, log *slog.Logger) *EditSession {
	if log == nil {
		log = slog.Default()
	}
	if clock == nil {
		clock = NewClock()
	}
	s := &EditSession{
		ID:        uuid.NewString(),
		MatchID:   id,
		saver:     saver,
		fetcher:   fetcher,
		confirmed: confirmed,
		clock:     clock,
		cfg:       cfg.withDefaults(),
	}
	s.log = log.With("component", "session", "match", id, "session", s.ID)
	return s
}

// Load sets the session's base state and version token.
func (s *EditSession) Load(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canonical = snap.Data
	s.version = snap.Version
	s.loaded = true
}

// Version returns the current version token.
func (s *EditSession) Version() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// LastSaveTimestamp returns the request timestamp of the last accepted save.
func (s *EditSession) LastSaveTimestamp() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSaveTS
}

// Current returns the optimistic view: canonical state with every local edit
// that is not yet confirmed applied on top.
func (s *EditSession) Current() MatchData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canonical.Merge(s.unsaved).Merge(s.pending)
}

// Unsaved returns local edits the backend has not accepted yet.
func (s *EditSession) Unsaved() MatchData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsaved.Merge(s.pending)
}

// Queue merges patch into the pending change and restarts the debounce
// window. The returned channel receives exactly one outcome: that of the save
// which carried this patch.
func (s *EditSession) Queue(patch MatchData) <-chan SaveOutcome {
	ch := make(chan SaveOutcome, 1)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		ch <- SaveOutcome{Err: ErrSessionClosed}
		return ch
	}
	s.pending = s.pending.Merge(patch)
	s.hasPending = true
	s.waiters = append(s.waiters, ch)
	s.schedule(s.cfg.Debounce)
	return ch
}

// Save queues patch and waits for its outcome.
func (s *EditSession) Save(ctx context.Context, patch MatchData) (MatchData, error) {
	select {
	case out := <-s.Queue(patch):
		return out.Data, out.Err
	case <-ctx.Done():
		return MatchData{}, ctx.Err()
	}
}

// schedule (re)arms the debounce timer. Callers hold s.mu.
func (s *EditSession) schedule(d time.Duration) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(d, s.flush)
}

func (s *EditSession) flush() {
	s.mu.Lock()
	if s.closed || s.inflight || !s.hasPending {
		// an in-flight save reschedules when it finishes
		s.mu.Unlock()
		return
	}
	if !s.lastSaveAt.IsZero() {
		if wait := s.cfg.MinSpacing - time.Since(s.lastSaveAt); wait > 0 {
			s.schedule(wait)
			s.mu.Unlock()
			return
		}
	}
	data := s.unsaved.Merge(s.pending)
	waiters := s.waiters
	s.pending = MatchData{}
	s.unsaved = MatchData{}
	s.hasPending = false
	s.waiters = nil
	s.inflight = true
	s.mu.Unlock()

	s.saveMu.Lock()
	saved, err := s.submit(context.Background(), data)
	s.saveMu.Unlock()

	s.mu.Lock()
	s.inflight = false
	out := SaveOutcome{Data: saved, Version: s.version, Err: err}
	var saveErr *SaveError
	if errors.As(err, &saveErr) {
		s.unsaved = data.Merge(s.unsaved)
	}
	if s.hasPending && !s.closed {
		s.schedule(0)
	}
	s.mu.Unlock()

	for _, ch := range waiters {
		ch <- out
	}
}

func (s *EditSession) waitSpacing(ctx context.Context) {
	s.mu.Lock()
	last := s.lastSaveAt
	s.mu.Unlock()
	if last.IsZero() {
		return
	}
	wait := s.cfg.MinSpacing - time.Since(last)
	if wait <= 0 {
		return
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// submit sends data with the session's version, retrying retryable failures.
// Callers hold s.saveMu.
func (s *EditSession) submit(ctx context.Context, data MatchData) (MatchData, error) {
	s.mu.Lock()
	loaded := s.loaded
	s.mu.Unlock()
	if !loaded && s.fetcher != nil {
		snap, err := s.fetcher.FetchMatch(ctx, s.MatchID)
		if err != nil {
			return MatchData{}, &SaveError{MatchID: s.MatchID, Err: fmt.Errorf("load version: %w", err), Unsaved: data}
		}
		s.Load(snap)
	}

	var (
		res SaveResult
		ts  int64
		err error
	)
	attempts := 0
	for {
		attempts++
		s.mu.Lock()
		version := s.version
		s.mu.Unlock()

		ts = s.clock.Next()
		res, err = s.saver.SaveMatch(ctx, s.MatchID, SaveRequest{MatchData: data, Version: version, Timestamp: ts})
		s.mu.Lock()
		s.lastSaveAt = time.Now()
		s.mu.Unlock()
		if err == nil {
			break
		}
		if !retryable(err) || attempts > s.cfg.Retries {
			s.log.Error("save failed", "attempts", attempts, "error", err)
			return MatchData{}, &SaveError{MatchID: s.MatchID, Attempts: attempts, Err: err, Unsaved: data}
		}
		s.log.Warn("save failed, retrying", "attempt", attempts, "error", err)

		t := time.NewTimer(s.cfg.RetryDelay * time.Duration(attempts))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return MatchData{}, &SaveError{MatchID: s.MatchID, Attempts: attempts, Err: ctx.Err(), Unsaved: data}
		}
	}

	if res.Status == SaveStatusConflict {
		s.log.Info("save conflict", "server_version", res.Version)
		return MatchData{}, &ConflictError{
			MatchID:       s.MatchID,
			ServerData:    res.CurrentData,
			LocalData:     data,
			ServerVersion: res.Version,
			session:       s,
		}
	}

	confirmed := res.Data
	if confirmed.IsZero() {
		confirmed = data
	}

	s.mu.Lock()
	// A response older than what we already hold must not regress state.
	fresh := res.Version > s.version || (res.Version == s.version && ts > s.lastSaveTS)
	if fresh {
		s.version = res.Version
		s.canonical = s.canonical.Merge(confirmed)
		s.lastSaveTS = ts
	}
	active := !s.closed
	version := s.version
	canonical := s.canonical
	s.mu.Unlock()

	if fresh && active && s.confirmed != nil {
		s.confirmed(s.MatchID, confirmed, version)
	}
	return canonical, nil
}

// Close releases the debounce timer. Queued changes that were not sent are
// dropped and their waiters receive ErrSessionClosed.
func (s *EditSession) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
	}
	waiters := s.waiters
	s.waiters = nil
	s.pending = MatchData{}
	s.hasPending = false
	s.mu.Unlock()

	for _, ch := range waiters {
		ch <- SaveOutcome{Err: ErrSessionClosed}
	}
}
