package livesync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeConn struct {
	updates chan Envelope
	closed  chan struct{}
	once    sync.Once
}

func (c *fakeConn) Recv(ctx context.Context) (Envelope, error) {
	select {
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	case <-c.closed:
		return Envelope{}, errors.New("connection closed by server")
	case env := <-c.updates:
		return env, nil
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// fakeDialer fails the first failures dials, then hands out fakeConns.
type fakeDialer struct {
	mu       sync.Mutex
	failures int
	dials    int
	conns    []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, id MatchID) (PushConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failures > 0 {
		d.failures--
		return nil, errors.New("connection refused")
	}
	c := &fakeConn{updates: make(chan Envelope, 16), closed: make(chan struct{})}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) latest() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) connCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func connected(tr *PushTransport, id MatchID) func() bool {
	return func() bool {
		st, ok := tr.Status(id)
		return ok && st.Connected
	}
}

func TestPushSharesConnection(t *testing.T) {
	d := &fakeDialer{}
	tr := NewPushTransport(d, 10*time.Millisecond, 50*time.Millisecond, discardLogger())
	defer tr.Close()

	var mu sync.Mutex
	counts := make([]int, 3)
	handles := make([]*PushHandle, 3)
	for i := range handles {
		i := i
		handles[i] = tr.Connect("42", func(Envelope) {
			mu.Lock()
			counts[i]++
			mu.Unlock()
		})
	}
	waitFor(t, time.Second, connected(tr, "42"))
	if d.dialCount() != 1 {
		t.Fatalf("dialed %d times for one match", d.dialCount())
	}
	if tr.Subscribers("42") != 3 {
		t.Fatalf("subscribers = %d", tr.Subscribers("42"))
	}

	handles[0].Close()
	handles[1].Close()
	handles[1].Close()
	if n := tr.Subscribers("42"); n != 1 {
		t.Fatalf("subscribers after closing two = %d", n)
	}
	if _, ok := tr.Status("42"); !ok {
		t.Fatal("connection closed while a handle is still open")
	}

	d.latest().updates <- Envelope{MatchID: "42", Timestamp: 1, Type: TypeLiveUpdate, Source: SourcePush}
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return counts[2] == 1
	})
	mu.Lock()
	if counts[0] != 0 || counts[1] != 0 {
		t.Errorf("closed handles received updates: %v", counts)
	}
	mu.Unlock()

	handles[2].Close()
	if _, ok := tr.Status("42"); ok {
		t.Error("connection kept after the last handle closed")
	}
	if n := tr.Subscribers("42"); n != 0 {
		t.Errorf("subscribers = %d", n)
	}
	waitFor(t, time.Second, func() bool {
		select {
		case <-d.latest().closed:
			return true
		default:
			return false
		}
	})
}

func TestPushRetriesFailedDials(t *testing.T) {
	d := &fakeDialer{failures: 3}
	tr := NewPushTransport(d, 5*time.Millisecond, 20*time.Millisecond, discardLogger())
	defer tr.Close()

	h := tr.Connect("42", func(Envelope) {})
	defer h.Close()

	waitFor(t, 2*time.Second, connected(tr, "42"))
	if d.dialCount() != 4 {
		t.Errorf("dialed %d times, want 4", d.dialCount())
	}
}

func TestPushReconnectsAfterStreamEnds(t *testing.T) {
	d := &fakeDialer{}
	tr := NewPushTransport(d, 5*time.Millisecond, 20*time.Millisecond, discardLogger())
	defer tr.Close()

	h := tr.Connect("42", func(Envelope) {})
	defer h.Close()
	waitFor(t, time.Second, connected(tr, "42"))

	d.latest().Close()
	waitFor(t, time.Second, func() bool {
		st, _ := tr.Status("42")
		return st.Connected && st.Connects == 2
	})
}

func TestPushForceReconnect(t *testing.T) {
	d := &fakeDialer{}
	tr := NewPushTransport(d, time.Hour, time.Hour, discardLogger())
	defer tr.Close()

	h := tr.Connect("42", func(Envelope) {})
	defer h.Close()
	waitFor(t, time.Second, connected(tr, "42"))
	first := d.latest()

	tr.ForceReconnect("42")
	waitFor(t, time.Second, func() bool { return d.connCount() == 2 })
	select {
	case <-first.closed:
	case <-time.After(time.Second):
		t.Error("old stream not closed")
	}

	tr.ForceReconnect("unknown")
}

func TestPushDropsInvalidMessages(t *testing.T) {
	d := &fakeDialer{}
	tr := NewPushTransport(d, 10*time.Millisecond, 50*time.Millisecond, discardLogger())
	defer tr.Close()

	got := make(chan Envelope, 4)
	h := tr.Connect("42", func(e Envelope) { got <- e })
	defer h.Close()
	waitFor(t, time.Second, connected(tr, "42"))

	c := d.latest()
	c.updates <- Envelope{MatchID: "42"}
	c.updates <- Envelope{MatchID: "43", Timestamp: 1}
	c.updates <- Envelope{MatchID: "42", Timestamp: 2}

	select {
	case e := <-got:
		if e.Timestamp != 2 {
			t.Errorf("unexpected update %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("valid update not delivered")
	}
	select {
	case e := <-got:
		t.Errorf("extra update %+v", e)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestPushMessageNormalize(t *testing.T) {
	clock := NewClock()
	env := pushMessage{EventType: TypeScoreUpdate, Data: score(1, 1)}.normalize("42", clock)
	if env.MatchID != "42" || env.Type != TypeScoreUpdate || env.Source != SourcePush || env.Timestamp <= 0 {
		t.Errorf("unexpected envelope %+v", env)
	}
	env = pushMessage{}.normalize("42", clock)
	if env.Type != TypeLiveUpdate {
		t.Errorf("type = %q", env.Type)
	}
}

func TestCodecsRoundTripPushFrames(t *testing.T) {
	in := Envelope{MatchID: "42", Timestamp: 9, Type: TypeScoreUpdate, Data: score(2, 1), Version: 3}
	for _, name := range []string{"json", "msgpack"} {
		c, err := CodecByName(name)
		if err != nil {
			t.Fatal(err)
		}
		frame, err := EncodePush(c, in)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		var msg pushMessage
		if err := c.Unmarshal(frame, &msg); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		out := msg.normalize("42", NewClock())
		if out.Timestamp != 9 || out.Version != 3 || *out.Data.Team1Score != 2 {
			t.Errorf("%s: got %+v", name, out)
		}
	}
	if _, err := CodecByName("xml"); err == nil {
		t.Error("expected an error for an unknown codec")
	}
}
