package livesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

var ErrClosed = errors.New("manager disposed")

// SourceEditor tags envelopes produced from confirmed editor saves.
const SourceEditor = "editor"

// DefaultQueueDelay is the pause between queued events during delivery.
const DefaultQueueDelay = 10 * time.Millisecond

// Options configure a Manager. Only Store is needed for cross-tab delivery;
// polling needs Fetcher, edit sessions need Saver and push needs Dialer.
type Options struct {
	Store   Store
	Fetcher Fetcher
	Saver   Saver
	Dialer  Dialer

	PollInterval time.Duration
	// QueueDelay of zero selects DefaultQueueDelay; negative disables it.
	QueueDelay   time.Duration
	Session      SessionConfig
	ReconnectMin time.Duration
	ReconnectMax time.Duration

	Logger *slog.Logger
}

type subscribeConfig struct {
	updateType UpdateType
	noLive     bool
}

// SubscribeOption tunes SubscribeToMatch.
type SubscribeOption func(*subscribeConfig)

// WithUpdateType only delivers envelopes of type t.
func WithUpdateType(t UpdateType) SubscribeOption {
	return func(c *subscribeConfig) { c.updateType = t }
}

// WithoutLiveConnection keeps the subscription off the push transport.
func WithoutLiveConnection() SubscribeOption {
	return func(c *subscribeConfig) { c.noLive = true }
}

type subscriberState struct {
	matchID MatchID
	push    *PushHandle
}

type sessionKey struct {
	view  string
	match MatchID
}

// Manager is the single entry point views use: it owns the Broadcaster and
// the transports, and ties background work for a match to the lifetime of
// that match's subscribers.
type Manager struct {
	log      *slog.Logger
	clock    *Clock
	bus      *Broadcaster
	crossTab *CrossTab
	poller   *Poller
	push     *PushTransport
	opts     Options

	mu       sync.Mutex
	subs     map[string]*subscriberState
	matches  map[MatchID]int
	sessions map[sessionKey]*EditSession
	lastPush map[MatchID]int64
	disposed bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Manager. Call Init to start listening to other instances.
func New(opts Options) *Manager {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.Store == nil {
		opts.Store = NewMemBroker().Open()
	}
	if opts.QueueDelay < 0 {
		opts.QueueDelay = 0
	} else if opts.QueueDelay == 0 {
		opts.QueueDelay = DefaultQueueDelay
	}

	m := &Manager{
		log:      log.With("component", "manager"),
		clock:    NewClock(),
		opts:     opts,
		subs:     make(map[string]*subscriberState),
		matches:  make(map[MatchID]int),
		sessions: make(map[sessionKey]*EditSession),
		lastPush: make(map[MatchID]int64),
	}
	m.bus = NewBroadcaster(opts.QueueDelay, log)
	m.crossTab = NewCrossTab(opts.Store, m.bus, m.clock, log)
	if opts.Fetcher != nil {
		m.poller = NewPoller(opts.Fetcher, m.bus, m.clock, opts.PollInterval, log)
		m.bus.OnDeliver(m.poller.Remember)
	}
	if opts.Dialer != nil {
		m.push = NewPushTransport(opts.Dialer, opts.ReconnectMin, opts.ReconnectMax, log)
	}
	return m
}

// Init starts the cross-tab listener. It returns once the listener runs.
func (m *Manager) Init(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return ErrClosed
	}
	if m.cancel != nil {
		return nil
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.crossTab.Listen(ctx); err != nil {
			m.log.ErrorContext(ctx, "cross-tab listener stopped", "error", err)
		}
	}()
	m.log.Info("live sync initialized",
		"polling", m.poller != nil, "push", m.push != nil, "origin", m.crossTab.Origin())
	return nil
}

// Dispose stops every timer, connection and listener. The Manager cannot be
// used afterwards.
func (m *Manager) Dispose() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	sessions := m.sessions
	m.sessions = make(map[sessionKey]*EditSession)
	m.subs = make(map[string]*subscriberState)
	m.matches = make(map[MatchID]int)
	cancel := m.cancel
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	if cancel != nil {
		cancel()
	}
	if m.poller != nil {
		m.poller.Close()
	}
	if m.push != nil {
		m.push.Close()
	}
	m.bus.Close()
	m.wg.Wait()
	m.log.Info("live sync disposed")
}

// Subscribe registers an unfiltered consumer: it receives every match.
func (m *Manager) Subscribe(componentID string, cb Callback, opts ...SubscribeOption) (*Subscription, error) {
	return m.subscribe(componentID, "", cb, opts)
}

// SubscribeToMatch registers componentID for updates of matchID. The first
// subscriber of a match starts its polling loop; each subscriber also holds a
// share of the match's push connection unless WithoutLiveConnection is given.
// Subscribing an existing componentID replaces its registration.
func (m *Manager) SubscribeToMatch(componentID string, matchID MatchID, cb Callback, opts ...SubscribeOption) (*Subscription, error) {
	if !matchID.Valid() {
		return nil, fmt.Errorf("subscribe %q: invalid match id %q", componentID, matchID)
	}
	return m.subscribe(componentID, matchID, cb, opts)
}

func (m *Manager) subscribe(componentID string, matchID MatchID, cb Callback, opts []SubscribeOption) (*Subscription, error) {
	if componentID == "" || cb == nil {
		return nil, errors.New("subscribe: component id and callback are required")
	}
	var cfg subscribeConfig
	for _, o := range opts {
		o(&cfg)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return nil, ErrClosed
	}

	if prev, ok := m.subs[componentID]; ok {
		m.releaseLocked(prev)
	}
	sub := m.bus.Subscribe(componentID, cb, SubscribeOptions{MatchID: matchID, UpdateType: cfg.updateType})

	st := &subscriberState{matchID: matchID}
	if matchID != "" {
		m.matches[matchID]++
		if m.matches[matchID] == 1 && m.poller != nil {
			m.poller.StartPolling(matchID)
		}
		if m.push != nil && !cfg.noLive {
			st.push = m.push.Connect(matchID, m.ingestPush)
		}
	}
	m.subs[componentID] = st
	return sub, nil
}

// Unsubscribe removes componentID. Unknown ids are ignored. When it was the
// last subscriber of its match, polling and push for that match stop.
func (m *Manager) Unsubscribe(componentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bus.Unsubscribe(componentID)
	st, ok := m.subs[componentID]
	if !ok {
		return
	}
	delete(m.subs, componentID)
	m.releaseLocked(st)
}

func (m *Manager) releaseLocked(st *subscriberState) {
	if st.push != nil {
		st.push.Close()
		st.push = nil
	}
	if st.matchID == "" {
		return
	}
	n, ok := m.matches[st.matchID]
	if !ok {
		return
	}
	if n > 1 {
		m.matches[st.matchID] = n - 1
		return
	}
	delete(m.matches, st.matchID)
	delete(m.lastPush, st.matchID)
	if m.poller != nil {
		m.poller.StopPolling(st.matchID)
	}
	m.log.Debug("last subscriber left", "match", st.matchID)
}

// ingestPush receives updates from every push handle of a match; the shared
// connection calls it once per handle, so repeats are dropped here.
func (m *Manager) ingestPush(env Envelope) {
	m.mu.Lock()
	if m.disposed || env.Timestamp <= m.lastPush[env.MatchID] {
		m.mu.Unlock()
		return
	}
	m.lastPush[env.MatchID] = env.Timestamp
	m.mu.Unlock()

	m.bus.Publish(env, SourcePush)
	m.crossTab.Persist(env)
}

// OpenSession returns the edit session viewID holds for matchID, creating it
// on first use.
func (m *Manager) OpenSession(viewID string, matchID MatchID) (*EditSession, error) {
	if m.opts.Saver == nil {
		return nil, errors.New("open session: no saver configured")
	}
	if !matchID.Valid() {
		return nil, fmt.Errorf("open session: invalid match id %q", matchID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return nil, ErrClosed
	}
	key := sessionKey{view: viewID, match: matchID}
	if s, ok := m.sessions[key]; ok {
		return s, nil
	}
	s := NewEditSession(matchID, m.opts.Saver, m.opts.Fetcher, m.confirmSave, m.clock, m.opts.Session, m.log)
	m.sessions[key] = s
	return s, nil
}

// CloseSession closes the session viewID holds for matchID, if any.
func (m *Manager) CloseSession(viewID string, matchID MatchID) {
	m.mu.Lock()
	key := sessionKey{view: viewID, match: matchID}
	s, ok := m.sessions[key]
	delete(m.sessions, key)
	m.mu.Unlock()
	if ok {
		s.Close()
	}
}

// ReportLocalChange sanitizes partial and queues it on viewID's session for
// matchID. The channel receives the outcome of the save carrying it.
func (m *Manager) ReportLocalChange(viewID string, matchID MatchID, partial any) (<-chan SaveOutcome, error) {
	patch, err := Sanitize(partial)
	if err != nil {
		return nil, err
	}
	s, err := m.OpenSession(viewID, matchID)
	if err != nil {
		return nil, err
	}
	return s.Queue(patch), nil
}

func (m *Manager) confirmSave(id MatchID, data MatchData, version int64) {
	m.crossTab.Broadcast(id, data, Metadata{Source: SourceEditor, Type: TypeScoreUpdate, Version: version})
}

// Broadcast sends data to every subscriber of id in this and other instances.
func (m *Manager) Broadcast(id MatchID, data MatchData, meta Metadata) Envelope {
	return m.crossTab.Broadcast(id, data, meta)
}

// Cached returns the last stored score and general envelopes for id.
func (m *Manager) Cached(id MatchID) (score, general *Envelope) {
	return m.crossTab.Cached(id)
}

// ClearMatchCache removes the stored envelopes of id.
func (m *Manager) ClearMatchCache(id MatchID) {
	m.crossTab.Clear(id)
}

// ForceReconnect redials the push connection of id, if there is one.
func (m *Manager) ForceReconnect(id MatchID) {
	if m.push != nil {
		m.push.ForceReconnect(id)
	}
}

// Pause stops polling ticks, for instance while no view is visible.
func (m *Manager) Pause() {
	if m.poller != nil {
		m.poller.Pause()
	}
}

func (m *Manager) Resume() {
	if m.poller != nil {
		m.poller.Resume()
	}
}

// MatchStatus describes the background work running for a match.
type MatchStatus struct {
	MatchID     MatchID           `json:"matchId"`
	Subscribers int               `json:"subscribers"`
	Polling     bool              `json:"polling"`
	Live        *ConnectionStatus `json:"live,omitempty"`
}

// ConnectionStatus reports the subscribers and transports active for id.
func (m *Manager) ConnectionStatus(id MatchID) MatchStatus {
	m.mu.Lock()
	st := MatchStatus{MatchID: id, Subscribers: m.matches[id]}
	m.mu.Unlock()
	if m.poller != nil {
		st.Polling = m.poller.Polling(id)
	}
	if m.push != nil {
		if cs, ok := m.push.Status(id); ok {
			st.Live = &cs
		}
	}
	return st
}

// DebugInfo is a snapshot of the manager's bookkeeping.
type DebugInfo struct {
	Origin      string        `json:"origin"`
	Subscribers []string      `json:"subscribers"`
	Sessions    int           `json:"sessions"`
	Matches     []MatchStatus `json:"matches"`
}

func (m *Manager) DebugInfo() DebugInfo {
	m.mu.Lock()
	info := DebugInfo{Origin: m.crossTab.Origin(), Sessions: len(m.sessions)}
	for id := range m.subs {
		info.Subscribers = append(info.Subscribers, id)
	}
	ids := make([]MatchID, 0, len(m.matches))
	for id := range m.matches {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	sort.Strings(info.Subscribers)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		info.Matches = append(info.Matches, m.ConnectionStatus(id))
	}
	return info
}
