package livesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// PushConn is an established push stream for one match.
type PushConn interface {
	// Recv blocks for the next update.
	Recv(ctx context.Context) (Envelope, error)
	Close() error
}

// Dialer opens push streams.
type Dialer interface {
	Dial(ctx context.Context, id MatchID) (PushConn, error)
}

// ConnectionStatus describes the shared push connection of a match.
type ConnectionStatus struct {
	MatchID      MatchID   `json:"matchId"`
	Connected    bool      `json:"connected"`
	Subscribers  int       `json:"subscribers"`
	LastUpdateAt time.Time `json:"lastUpdateAt"`
	Connects     int       `json:"connects"`
}

type liveConnection struct {
	status   ConnectionStatus
	handlers map[uint64]func(Envelope)
	cancel   context.CancelFunc
	done     chan struct{}
	force    chan struct{}
}

// PushTransport shares one push connection per match between any number of
// handles. The connection is opened by the first Connect and torn down when
// the last handle is closed. Dial and stream failures are logged and retried
// with exponential backoff; they never reach the caller.
type PushTransport struct {
	dialer     Dialer
	backoffMin time.Duration
	backoffMax time.Duration
	log        *slog.Logger

	mu    sync.Mutex
	conns map[MatchID]*liveConnection
	next  uint64
}

func NewPushTransport(dialer Dialer, backoffMin, backoffMax time.Duration, log *slog.Logger) *PushTransport {
	if log == nil {
		log = slog.Default()
	}
	if backoffMin <= 0 {
		backoffMin = time.Second
	}
	if backoffMax < backoffMin {
		backoffMax = 30 * time.Second
	}
	return &PushTransport{
		dialer:     dialer,
		backoffMin: backoffMin,
		backoffMax: backoffMax,
		log:        log.With("component", "push"),
		conns:      make(map[MatchID]*liveConnection),
	}
}

// PushHandle is one subscriber's share of a match connection.
type PushHandle struct {
	t    *PushTransport
	id   MatchID
	key  uint64
	once sync.Once
}

// Close releases the handle. Closing twice is a no-op.
func (h *PushHandle) Close() {
	h.once.Do(func() { h.t.release(h.id, h.key) })
}

// Connect registers onUpdate for pushes on id, opening the connection if this
// is its first handle.
func (t *PushTransport) Connect(id MatchID, onUpdate func(Envelope)) *PushHandle {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.next++
	h := &PushHandle{t: t, id: id, key: t.next}

	if conn, ok := t.conns[id]; ok {
		conn.handlers[h.key] = onUpdate
		conn.status.Subscribers = len(conn.handlers)
		t.log.Debug("reusing live connection", "match", id, "subscribers", conn.status.Subscribers)
		return h
	}

	ctx, cancel := context.WithCancel(context.Background())
	conn := &liveConnection{
		status:   ConnectionStatus{MatchID: id, Subscribers: 1},
		handlers: map[uint64]func(Envelope){h.key: onUpdate},
		cancel:   cancel,
		done:     make(chan struct{}),
		force:    make(chan struct{}, 1),
	}
	t.conns[id] = conn
	go t.run(ctx, id, conn)
	t.log.Info("opening live connection", "match", id)
	return h
}

func (t *PushTransport) release(id MatchID, key uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	conn, ok := t.conns[id]
	if !ok {
		return
	}
	if _, ok := conn.handlers[key]; !ok {
		return
	}
	delete(conn.handlers, key)
	conn.status.Subscribers = len(conn.handlers)
	if len(conn.handlers) > 0 {
		return
	}
	delete(t.conns, id)
	conn.cancel()
	t.log.Info("closing live connection", "match", id)
}

// Subscribers returns the number of open handles for id.
func (t *PushTransport) Subscribers(id MatchID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if conn, ok := t.conns[id]; ok {
		return len(conn.handlers)
	}
	return 0
}

// Status returns the connection state for id, and false if there is none.
func (t *PushTransport) Status(id MatchID) (ConnectionStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	conn, ok := t.conns[id]
	if !ok {
		return ConnectionStatus{}, false
	}
	return conn.status, true
}

// ForceReconnect drops the current stream for id and dials again immediately.
func (t *PushTransport) ForceReconnect(id MatchID) {
	t.mu.Lock()
	conn, ok := t.conns[id]
	t.mu.Unlock()
	if !ok {
		return
	}
	select {
	case conn.force <- struct{}{}:
	default:
	}
	t.log.Info("forcing reconnect", "match", id)
}

// Close tears down every connection and waits for them to finish.
func (t *PushTransport) Close() {
	t.mu.Lock()
	conns := t.conns
	t.conns = make(map[MatchID]*liveConnection)
	t.mu.Unlock()
	for _, conn := range conns {
		conn.cancel()
		<-conn.done
	}
}

func (t *PushTransport) setConnected(conn *liveConnection, connected bool) {
	t.mu.Lock()
	conn.status.Connected = connected
	if connected {
		conn.status.Connects++
	}
	t.mu.Unlock()
}

var errForcedReconnect = errors.New("forced reconnect")

func (t *PushTransport) run(ctx context.Context, id MatchID, conn *liveConnection) {
	defer close(conn.done)

	backoff := t.backoffMin
	for {
		if ctx.Err() != nil {
			return
		}

		pc, err := t.dialer.Dial(ctx, id)
		if err == nil {
			t.setConnected(conn, true)
			backoff = t.backoffMin
			err = t.pump(ctx, conn, pc)
			pc.Close()
			t.setConnected(conn, false)
		}
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, errForcedReconnect) {
			continue
		}
		t.log.WarnContext(ctx, "live connection unavailable", "match", id, "error", err, "retry_in", backoff)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-conn.force:
			timer.Stop()
		case <-timer.C:
		}
		backoff *= 2
		if backoff > t.backoffMax {
			backoff = t.backoffMax
		}
	}
}

func (t *PushTransport) pump(ctx context.Context, conn *liveConnection, pc PushConn) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var forced atomic.Bool
	go func() {
		select {
		case <-conn.force:
			forced.Store(true)
			cancel()
		case <-streamCtx.Done():
		}
	}()

	for {
		env, err := pc.Recv(streamCtx)
		if err != nil {
			if forced.Load() {
				return errForcedReconnect
			}
			return err
		}
		if err := env.Validate(); err != nil {
			t.log.Warn("discarding push message", "error", err)
			continue
		}
		if env.MatchID != conn.status.MatchID {
			t.log.Warn("discarding push message for another match", "match", conn.status.MatchID, "got", env.MatchID)
			continue
		}

		t.mu.Lock()
		conn.status.LastUpdateAt = time.Now()
		handlers := make([]func(Envelope), 0, len(conn.handlers))
		for _, h := range conn.handlers {
			handlers = append(handlers, h)
		}
		t.mu.Unlock()

		for _, h := range handlers {
			h(env)
		}
	}
}

// WSDialer dials the backend's websocket live endpoint,
// {BaseURL}/matches/{id}/live.
type WSDialer struct {
	BaseURL    string
	Codec      Codec
	Header     http.Header
	HTTPClient *http.Client
	Clock      *Clock
}

func (d *WSDialer) Dial(ctx context.Context, id MatchID) (PushConn, error) {
	codec := d.Codec
	if codec == nil {
		codec = JSONCodec
	}
	clock := d.Clock
	if clock == nil {
		clock = NewClock()
	}

	u := strings.TrimSuffix(d.BaseURL, "/") + "/matches/" + url.PathEscape(string(id)) + "/live?codec=" + codec.Name()
	c, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: d.Header,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket.Dial: %w", err)
	}
	c.SetReadLimit(1 << 20)
	return &wsConn{c: c, id: id, codec: codec, clock: clock}, nil
}

type wsConn struct {
	c     *websocket.Conn
	id    MatchID
	codec Codec
	clock *Clock
}

func (w *wsConn) Recv(ctx context.Context) (Envelope, error) {
	for {
		typ, data, err := w.c.Read(ctx)
		if err != nil {
			return Envelope{}, err
		}

		codec := JSONCodec
		if typ == websocket.MessageBinary {
			codec = MsgpackCodec
		}
		var msg pushMessage
		if err := codec.Unmarshal(data, &msg); err != nil {
			slog.DebugContext(ctx, "undecodable push frame", "match", w.id, "error", err)
			continue
		}
		return msg.normalize(w.id, w.clock), nil
	}
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "")
}
