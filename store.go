package livesync

import (
	"context"
	"errors"
	"sync"
)

var ErrNotFound = errors.New("not found")

// StorageEvent reports a change to a key made by another store handle.
// Value is nil when the key was removed.
type StorageEvent struct {
	Key   string
	Value []byte
}

// Store is a key-value store shared between independent instances ("tabs").
// Implementations notify every watcher except the handle that made the write;
// the writer is expected to deliver its own update in-process.
type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Remove(key string) error
	// Watch calls fn for changes made by other handles until ctx is done.
	Watch(ctx context.Context, fn func(StorageEvent)) error
}

// MemBroker is an in-process shared store. Each handle returned by Open
// behaves like a separate tab.
type MemBroker struct {
	mu      sync.RWMutex
	data    map[string][]byte
	handles map[*MemStore]struct{}
}

func NewMemBroker() *MemBroker {
	return &MemBroker{
		data:    make(map[string][]byte),
		handles: make(map[*MemStore]struct{}),
	}
}

// Open returns a new handle onto the shared data.
func (b *MemBroker) Open() *MemStore {
	s := &MemStore{broker: b, events: make(chan StorageEvent, 64)}
	b.mu.Lock()
	b.handles[s] = struct{}{}
	b.mu.Unlock()
	return s
}

func (b *MemBroker) notify(from *MemStore, ev StorageEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for h := range b.handles {
		if h == from {
			continue
		}
		select {
		case h.events <- ev:
		default:
			// watcher is lagging; storage holds the latest value anyway
		}
	}
}

// MemStore is one handle onto a MemBroker.
type MemStore struct {
	broker *MemBroker
	events chan StorageEvent
}

func (s *MemStore) Get(key string) ([]byte, error) {
	s.broker.mu.RLock()
	defer s.broker.mu.RUnlock()
	v, ok := s.broker.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *MemStore) Set(key string, value []byte) error {
	v := append([]byte(nil), value...)
	s.broker.mu.Lock()
	s.broker.data[key] = v
	s.broker.mu.Unlock()
	s.broker.notify(s, StorageEvent{Key: key, Value: v})
	return nil
}

func (s *MemStore) Remove(key string) error {
	s.broker.mu.Lock()
	_, ok := s.broker.data[key]
	delete(s.broker.data, key)
	s.broker.mu.Unlock()
	if ok {
		s.broker.notify(s, StorageEvent{Key: key})
	}
	return nil
}

func (s *MemStore) Watch(ctx context.Context, fn func(StorageEvent)) error {
	defer func() {
		s.broker.mu.Lock()
		delete(s.broker.handles, s)
		s.broker.mu.Unlock()
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.events:
			fn(ev)
		}
	}
}
