package livesync

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Callback receives a delivered envelope and the transport it arrived through.
type Callback func(env Envelope, source string)

// SubscribeOptions scope a subscription. A zero value receives everything.
type SubscribeOptions struct {
	MatchID    MatchID
	UpdateType UpdateType
}

// Subscription is a registered consumer of the Broadcaster.
type Subscription struct {
	ID         string
	MatchID    MatchID
	UpdateType UpdateType

	callback Callback
	active   atomic.Bool
	// high-water mark per match; only touched with Broadcaster.mu held
	lastApplied map[MatchID]int64
}

// Active reports whether the subscription still receives callbacks.
func (s *Subscription) Active() bool {
	return s.active.Load()
}

func (s *Subscription) wants(env Envelope) bool {
	if s.MatchID != "" && s.MatchID != env.MatchID {
		return false
	}
	if s.UpdateType != "" && s.UpdateType != "all" && s.UpdateType != env.Type {
		return false
	}
	return env.Timestamp > s.lastApplied[env.MatchID]
}

type queuedEvent struct {
	env    Envelope
	source string
	subIDs []string
}

// Broadcaster fans envelopes out to subscriptions. Delivery runs on a single
// drain goroutine in publish order, so callbacks never run concurrently with
// each other and Publish never blocks on them.
type Broadcaster struct {
	mu       sync.Mutex
	subs     map[string]*Subscription
	queue    []queuedEvent
	draining bool
	closed   bool
	done     chan struct{}
	idle     *sync.Cond

	delay time.Duration
	tap   func(Envelope)
	log   *slog.Logger
}

// NewBroadcaster returns a Broadcaster that waits delay between queued events.
func NewBroadcaster(delay time.Duration, log *slog.Logger) *Broadcaster {
	if log == nil {
		log = slog.Default()
	}
	b := &Broadcaster{
		subs:  make(map[string]*Subscription),
		done:  make(chan struct{}),
		delay: delay,
		log:   log.With("component", "broadcaster"),
	}
	b.idle = sync.NewCond(&b.mu)
	return b
}

// OnDeliver registers fn to observe each envelope once, when it is first
// accepted by a subscription and before that subscription's callback runs.
// Envelopes no subscription accepts are never observed.
func (b *Broadcaster) OnDeliver(fn func(Envelope)) {
	b.mu.Lock()
	b.tap = fn
	b.mu.Unlock()
}

// Subscribe registers cb under id. Subscribing an id that already exists
// replaces the earlier registration and keeps its high-water marks, so nothing
// already delivered is delivered again.
func (b *Broadcaster) Subscribe(id string, cb Callback, opts SubscribeOptions) *Subscription {
	sub := &Subscription{
		ID:          id,
		MatchID:     opts.MatchID,
		UpdateType:  opts.UpdateType,
		callback:    cb,
		lastApplied: make(map[MatchID]int64),
	}
	sub.active.Store(true)

	b.mu.Lock()
	defer b.mu.Unlock()
	if prev, ok := b.subs[id]; ok {
		prev.active.Store(false)
		for m, ts := range prev.lastApplied {
			sub.lastApplied[m] = ts
		}
	}
	b.subs[id] = sub
	b.log.Debug("subscribed", "id", id, "match", opts.MatchID)
	return sub
}

// Unsubscribe removes id. Events already queued for it are not delivered.
// It returns the removed subscription, or nil if id was unknown.
func (b *Broadcaster) Unsubscribe(id string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[id]
	if !ok {
		return nil
	}
	sub.active.Store(false)
	delete(b.subs, id)
	b.log.Debug("unsubscribed", "id", id)
	return sub
}

// Len returns the number of active subscriptions.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Publish queues env for every subscription that wants it. Invalid envelopes
// are discarded.
func (b *Broadcaster) Publish(env Envelope, source string) {
	if err := env.Validate(); err != nil {
		b.log.Warn("discarding envelope", "source", source, "error", err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	var ids []string
	for id, sub := range b.subs {
		if sub.wants(env) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return
	}
	b.queue = append(b.queue, queuedEvent{env: env, source: source, subIDs: ids})
	if !b.draining {
		b.draining = true
		go b.drain()
	}
}

func (b *Broadcaster) drain() {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 || b.closed {
			b.queue = nil
			b.draining = false
			b.idle.Broadcast()
			b.mu.Unlock()
			return
		}
		ev := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()

		tapped := false
		for _, id := range ev.subIDs {
			b.deliver(id, ev, &tapped)
		}

		if b.delay > 0 {
			t := time.NewTimer(b.delay)
			select {
			case <-t.C:
			case <-b.done:
				t.Stop()
			}
		}
	}
}

func (b *Broadcaster) deliver(id string, ev queuedEvent, tapped *bool) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if !ok || !sub.active.Load() || !sub.wants(ev.env) {
		b.mu.Unlock()
		return
	}
	sub.lastApplied[ev.env.MatchID] = ev.env.Timestamp
	cb := sub.callback
	tap := b.tap
	b.mu.Unlock()

	if !*tapped && tap != nil {
		*tapped = true
		tap(ev.env)
	}

	defer func() {
		if r := recover(); r != nil {
			b.log.Error("subscriber callback panicked", "id", id, "match", ev.env.MatchID, "panic", r)
		}
	}()
	cb(ev.env, ev.source)
}

// Wait blocks until the queue is empty and the drain goroutine has exited.
func (b *Broadcaster) Wait() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.draining {
		b.idle.Wait()
	}
}

// Close drops queued events, stops delivery and ignores later publishes.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		sub.active.Store(false)
	}
	close(b.done)
	b.mu.Unlock()
	b.Wait()
}
