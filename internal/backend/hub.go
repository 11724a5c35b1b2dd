package backend

import (
	"sync"

	livesync "github.com/bacx00/mrvl-livesync"
)

// Hub fans accepted updates out to the live streams of each match.
type Hub struct {
	mu          sync.Mutex
	subscribers map[livesync.MatchID]map[chan livesync.Envelope]struct{}
}

func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[livesync.MatchID]map[chan livesync.Envelope]struct{}),
	}
}

// AddSubscriber adds a new stream for id.
func (h *Hub) AddSubscriber(id livesync.MatchID) chan livesync.Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan livesync.Envelope, 16)
	if h.subscribers[id] == nil {
		h.subscribers[id] = make(map[chan livesync.Envelope]struct{})
	}
	h.subscribers[id][ch] = struct{}{}
	return ch
}

// Remove removes a stream and closes its channel.
func (h *Hub) Remove(id livesync.MatchID, ch chan livesync.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.subscribers[id]
	if !ok {
		return
	}
	if _, ok := subs[ch]; !ok {
		return
	}
	delete(subs, ch)
	close(ch)
	if len(subs) == 0 {
		delete(h.subscribers, id)
	}
}

// Count returns the number of streams open for id.
func (h *Hub) Count(id livesync.MatchID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers[id])
}

// Broadcast sends env to every stream of its match.
func (h *Hub) Broadcast(env livesync.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subscribers[env.MatchID] {
		select {
		case ch <- env:
		default:
			// if the stream is blocked, skip it; clients still poll
		}
	}
}
