package livesync

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type delivery struct {
	env    Envelope
	source string
}

// recorder is a Callback that keeps what it was given.
type recorder struct {
	mu   sync.Mutex
	got  []delivery
	seen chan struct{}
}

func newRecorder() *recorder {
	return &recorder{seen: make(chan struct{}, 1024)}
}

func (r *recorder) callback(env Envelope, source string) {
	r.mu.Lock()
	r.got = append(r.got, delivery{env: env, source: source})
	r.mu.Unlock()
	select {
	case r.seen <- struct{}{}:
	default:
	}
}

func (r *recorder) deliveries() []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]delivery(nil), r.got...)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

// waitFor polls cond until it holds or timeout passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before timeout")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func score(t1, t2 int) MatchData {
	return MatchData{Team1Score: Ptr(t1), Team2Score: Ptr(t2)}
}
