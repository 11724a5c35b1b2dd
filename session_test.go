package livesync

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"
)

var fastSession = SessionConfig{
	Debounce:   20 * time.Millisecond,
	MinSpacing: 5 * time.Millisecond,
	Retries:    2,
	RetryDelay: 5 * time.Millisecond,
}

type confirmation struct {
	data    MatchData
	version int64
}

type confirmLog struct {
	mu  sync.Mutex
	got []confirmation
}

func (c *confirmLog) confirm(_ MatchID, data MatchData, version int64) {
	c.mu.Lock()
	c.got = append(c.got, confirmation{data, version})
	c.mu.Unlock()
}

func (c *confirmLog) all() []confirmation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]confirmation(nil), c.got...)
}

func outcome(t *testing.T, ch <-chan SaveOutcome) SaveOutcome {
	t.Helper()
	select {
	case out := <-ch:
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("no save outcome")
		return SaveOutcome{}
	}
}

func TestSessionCoalescesRapidEdits(t *testing.T) {
	f := &fakeBackend{}
	f.set(score(0, 0), 1)
	var confirms confirmLog
	s := NewEditSession("42", f, f, confirms.confirm, NewClock(), fastSession, discardLogger())
	defer s.Close()

	var chans []<-chan SaveOutcome
	for i := 1; i <= 10; i++ {
		chans = append(chans, s.Queue(MatchData{Team1Score: Ptr(i)}))
		if i == 5 {
			chans = append(chans, s.Queue(MatchData{Team2Score: Ptr(3)}))
		}
	}
	for _, ch := range chans {
		if out := outcome(t, ch); out.Err != nil {
			t.Fatalf("save failed: %v", out.Err)
		}
	}

	if n := f.saveCount(); n != 1 {
		t.Fatalf("backend saw %d saves, want 1", n)
	}
	req := f.saves[0]
	if req.Version != 1 || *req.Team1Score != 10 || *req.Team2Score != 3 || req.Timestamp <= 0 {
		t.Errorf("unexpected request %+v", req)
	}
	if s.Version() != 2 {
		t.Errorf("version = %d, want 2", s.Version())
	}
	got := confirms.all()
	if len(got) != 1 || got[0].version != 2 || *got[0].data.Team1Score != 10 {
		t.Errorf("confirmations %+v", got)
	}
	if !s.Unsaved().IsZero() {
		t.Errorf("unsaved left: %+v", s.Unsaved())
	}
}

func TestSessionSpacesSaves(t *testing.T) {
	f := &fakeBackend{}
	cfg := fastSession
	cfg.Debounce = time.Millisecond
	cfg.MinSpacing = 80 * time.Millisecond
	s := NewEditSession("42", f, f, nil, NewClock(), cfg, discardLogger())
	defer s.Close()

	outcome(t, s.Queue(score(1, 0)))
	start := time.Now()
	outcome(t, s.Queue(score(2, 0)))
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Errorf("second save after %v, expected spacing", elapsed)
	}
	if f.saveCount() != 2 {
		t.Errorf("saves = %d", f.saveCount())
	}
}

func TestSessionConflict(t *testing.T) {
	f := &fakeBackend{}
	f.set(score(5, 5), 7)
	var confirms confirmLog
	s := NewEditSession("42", f, f, confirms.confirm, NewClock(), fastSession, discardLogger())
	defer s.Close()
	s.Load(Snapshot{Data: score(1, 1), Version: 6})

	_, err := s.Save(context.Background(), MatchData{Team1Score: Ptr(2)})
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected a conflict, got %v", err)
	}
	if conflict.ServerVersion != 7 || *conflict.ServerData.Team1Score != 5 || *conflict.LocalData.Team1Score != 2 {
		t.Errorf("unexpected conflict %+v", conflict)
	}
	if len(confirms.all()) != 0 {
		t.Error("a conflicting save was confirmed")
	}
	if s.Version() != 6 || *s.Current().Team1Score != 1 {
		t.Errorf("canonical state changed on conflict: version %d current %+v", s.Version(), s.Current())
	}

	adopted := conflict.AdoptServer()
	if *adopted.Team1Score != 5 || s.Version() != 7 || *s.Current().Team1Score != 5 {
		t.Errorf("AdoptServer: %+v, version %d", adopted, s.Version())
	}

	// the next save goes through at the adopted version
	saved, err := s.Save(context.Background(), MatchData{Team2Score: Ptr(6)})
	if err != nil {
		t.Fatal(err)
	}
	if *saved.Team1Score != 5 || *saved.Team2Score != 6 || s.Version() != 8 {
		t.Errorf("saved %+v at version %d", saved, s.Version())
	}

	// resolving the old conflict again keeps the newer state
	adopted = conflict.AdoptServer()
	if s.Version() != 8 || *adopted.Team2Score != 6 || *s.Current().Team2Score != 6 {
		t.Errorf("stale AdoptServer moved the session back: %+v, version %d", adopted, s.Version())
	}
}

func TestSessionOverwrite(t *testing.T) {
	f := &fakeBackend{}
	f.set(score(5, 5), 7)
	var confirms confirmLog
	s := NewEditSession("42", f, f, confirms.confirm, NewClock(), fastSession, discardLogger())
	defer s.Close()
	s.Load(Snapshot{Data: score(1, 1), Version: 6})

	_, err := s.Save(context.Background(), MatchData{Team1Score: Ptr(2)})
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected a conflict, got %v", err)
	}

	// someone else saved again after the conflict was reported
	f.set(score(9, 9), 8)
	_, err = conflict.Overwrite(context.Background())
	var again *ConflictError
	if !errors.As(err, &again) || again.ServerVersion != 8 {
		t.Fatalf("expected a fresh conflict at version 8, got %v", err)
	}

	data, err := again.Overwrite(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if *data.Team1Score != 2 || s.Version() != 9 {
		t.Errorf("overwrite saved %+v at version %d", data, s.Version())
	}
	if got := confirms.all(); len(got) != 1 || got[0].version != 9 {
		t.Errorf("confirmations %+v", got)
	}
}

func TestSessionRetriesThenKeepsUnsaved(t *testing.T) {
	f := &fakeBackend{
		saveErrs: []error{
			&APIError{StatusCode: http.StatusServiceUnavailable, Code: "UNAVAILABLE"},
			errors.New("connection reset"),
			&APIError{StatusCode: http.StatusBadGateway, Code: "BAD_GATEWAY"},
		},
	}
	s := NewEditSession("42", f, f, nil, NewClock(), fastSession, discardLogger())
	defer s.Close()

	out := outcome(t, s.Queue(MatchData{Team1Score: Ptr(3)}))
	var saveErr *SaveError
	if !errors.As(out.Err, &saveErr) {
		t.Fatalf("expected a SaveError, got %v", out.Err)
	}
	if saveErr.Attempts != 3 || f.saveCount() != 3 {
		t.Errorf("attempts %d, backend saves %d", saveErr.Attempts, f.saveCount())
	}
	var apiErr *APIError
	if !errors.As(out.Err, &apiErr) || apiErr.StatusCode != http.StatusBadGateway {
		t.Errorf("underlying error %v", saveErr.Err)
	}
	if u := s.Unsaved(); u.Team1Score == nil || *u.Team1Score != 3 {
		t.Errorf("unsaved edits lost: %+v", u)
	}

	// the next save carries the earlier edit too
	out = outcome(t, s.Queue(MatchData{Team2Score: Ptr(1)}))
	if out.Err != nil {
		t.Fatal(out.Err)
	}
	last := f.saves[len(f.saves)-1]
	if *last.Team1Score != 3 || *last.Team2Score != 1 {
		t.Errorf("retried save %+v", last)
	}
	if !s.Unsaved().IsZero() {
		t.Errorf("unsaved left: %+v", s.Unsaved())
	}
}

func TestSessionDoesNotRetryClientErrors(t *testing.T) {
	f := &fakeBackend{saveErrs: []error{&APIError{StatusCode: http.StatusBadRequest, Code: "INVALID_BODY"}}}
	s := NewEditSession("42", f, f, nil, NewClock(), fastSession, discardLogger())
	defer s.Close()

	_, err := s.Save(context.Background(), score(1, 0))
	var saveErr *SaveError
	if !errors.As(err, &saveErr) || saveErr.Attempts != 1 {
		t.Fatalf("expected one attempt, got %v", err)
	}
}

func TestSessionIgnoresStaleResponses(t *testing.T) {
	s := NewEditSession("42", &fakeBackend{}, nil, nil, NewClock(), fastSession, discardLogger())
	defer s.Close()
	s.Load(Snapshot{Data: score(4, 4), Version: 10})

	s.saveMu.Lock()
	s.saver = staleSaver{}
	data, err := s.submit(context.Background(), score(1, 1))
	s.saveMu.Unlock()
	if err != nil {
		t.Fatal(err)
	}
	if s.Version() != 10 || *data.Team1Score != 4 {
		t.Errorf("stale response applied: version %d data %+v", s.Version(), data)
	}
}

type staleSaver struct{}

func (staleSaver) SaveMatch(context.Context, MatchID, SaveRequest) (SaveResult, error) {
	return SaveResult{Status: SaveStatusOK, Data: score(0, 0), Version: 3}, nil
}

func TestSessionClose(t *testing.T) {
	f := &fakeBackend{}
	cfg := fastSession
	cfg.Debounce = time.Hour
	s := NewEditSession("42", f, f, nil, NewClock(), cfg, discardLogger())

	ch := s.Queue(score(1, 0))
	s.Close()
	s.Close()
	if out := outcome(t, ch); !errors.Is(out.Err, ErrSessionClosed) {
		t.Errorf("pending waiter got %v", out.Err)
	}
	if out := outcome(t, s.Queue(score(2, 0))); !errors.Is(out.Err, ErrSessionClosed) {
		t.Errorf("queue after close got %v", out.Err)
	}
	if f.saveCount() != 0 {
		t.Errorf("closed session saved %d times", f.saveCount())
	}
}
