package livesync

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultPollInterval is how often a polled match is fetched.
const DefaultPollInterval = 2 * time.Second

type pollLoop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Poller periodically fetches matches from the backend and publishes an
// envelope when the fetched state materially differs from what is already
// known about the match.
type Poller struct {
	fetcher  Fetcher
	bus      *Broadcaster
	clock    *Clock
	interval time.Duration
	log      *slog.Logger

	mu       sync.Mutex
	loops    map[MatchID]*pollLoop
	baseline map[MatchID]MatchData
	paused   atomic.Bool
}

func NewPoller(fetcher Fetcher, bus *Broadcaster, clock *Clock, interval time.Duration, log *slog.Logger) *Poller {
	if log == nil {
		log = slog.Default()
	}
	if clock == nil {
		clock = NewClock()
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		fetcher:  fetcher,
		bus:      bus,
		clock:    clock,
		interval: interval,
		log:      log.With("component", "poller"),
		loops:    make(map[MatchID]*pollLoop),
		baseline: make(map[MatchID]MatchData),
	}
}

// StartPolling starts the loop for id, replacing any loop already running.
func (p *Poller) StartPolling(id MatchID) {
	p.StopPolling(id)

	ctx, cancel := context.WithCancel(context.Background())
	loop := &pollLoop{cancel: cancel, done: make(chan struct{})}

	p.mu.Lock()
	p.loops[id] = loop
	p.mu.Unlock()

	go func() {
		defer close(loop.done)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.tick(ctx, id)
			}
		}
	}()
	p.log.Debug("started polling", "match", id, "interval", p.interval)
}

// StopPolling stops the loop for id and waits for it to exit. It is a no-op if
// id is not being polled.
func (p *Poller) StopPolling(id MatchID) {
	p.mu.Lock()
	loop, ok := p.loops[id]
	if ok {
		delete(p.loops, id)
		delete(p.baseline, id)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	loop.cancel()
	<-loop.done
	p.log.Debug("stopped polling", "match", id)
}

// Polling reports whether id has a running loop.
func (p *Poller) Polling(id MatchID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.loops[id]
	return ok
}

// Pause skips ticks until Resume is called.
func (p *Poller) Pause() {
	p.paused.Store(true)
}

func (p *Poller) Resume() {
	p.paused.Store(false)
}

// Remember folds an envelope delivered from any source into the baseline of a
// polled match, so the next tick does not republish state already delivered.
func (p *Poller) Remember(env Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.loops[env.MatchID]; !ok {
		return
	}
	p.baseline[env.MatchID] = p.baseline[env.MatchID].Merge(env.Data)
}

func (p *Poller) tick(ctx context.Context, id MatchID) {
	if p.paused.Load() {
		return
	}

	snap, err := p.fetcher.FetchMatch(ctx, id)
	if err != nil {
		if ctx.Err() == nil {
			p.log.WarnContext(ctx, "poll failed", "match", id, "error", err)
		}
		return
	}

	p.mu.Lock()
	if ctx.Err() != nil {
		p.mu.Unlock()
		return
	}
	base, known := p.baseline[id]
	merged := base.Merge(snap.Data)
	changed := !known || base.MateriallyDiffers(merged)
	p.baseline[id] = merged
	p.mu.Unlock()

	if !changed {
		return
	}
	p.bus.Publish(Envelope{
		MatchID:   id,
		Timestamp: p.clock.Next(),
		Source:    SourcePoll,
		Type:      TypeMatchUpdate,
		Data:      snap.Data,
		Version:   snap.Version,
	}, SourcePoll)
}

// Close stops every loop.
func (p *Poller) Close() {
	p.mu.Lock()
	ids := make([]MatchID, 0, len(p.loops))
	for id := range p.loops {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	for _, id := range ids {
		p.StopPolling(id)
	}
}
