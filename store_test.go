package livesync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type eventLog struct {
	mu     sync.Mutex
	events []StorageEvent
}

func (l *eventLog) add(ev StorageEvent) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []StorageEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]StorageEvent(nil), l.events...)
}

func TestMemStoreNotifiesOtherHandles(t *testing.T) {
	broker := NewMemBroker()
	a, b := broker.Open(), broker.Open()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var fromA, fromB eventLog
	go a.Watch(ctx, fromA.add)
	go b.Watch(ctx, fromB.add)

	if err := a.Set("k", []byte("v1")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool { return len(fromB.snapshot()) == 1 })

	if got := fromB.snapshot()[0]; got.Key != "k" || string(got.Value) != "v1" {
		t.Errorf("unexpected event %+v", got)
	}
	if len(fromA.snapshot()) != 0 {
		t.Error("writer was notified of its own write")
	}

	v, err := b.Get("k")
	if err != nil || string(v) != "v1" {
		t.Errorf("Get = %q, %v", v, err)
	}

	if err := a.Remove("k"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool { return len(fromB.snapshot()) == 2 })
	if got := fromB.snapshot()[1]; got.Value != nil {
		t.Errorf("removal should carry a nil value, got %q", got.Value)
	}
	if _, err := b.Get("k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDirStoreGetSet(t *testing.T) {
	s, err := NewDirStore(t.TempDir(), discardLogger())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.Set("match_update_42", []byte(`{"a":1}`)); err != nil {
		t.Fatal(err)
	}
	v, err := s.Get("match_update_42")
	if err != nil || string(v) != `{"a":1}` {
		t.Errorf("Get = %q, %v", v, err)
	}
	if err := s.Set("../escape", []byte("x")); err == nil {
		t.Error("expected an invalid key error")
	}

	entries, err := os.ReadDir(s.Dir())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "match_update_42.json" {
		t.Errorf("unexpected files left behind: %v", entries)
	}

	if err := s.Remove("match_update_42"); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove("match_update_42"); err != nil {
		t.Errorf("removing a missing key: %v", err)
	}
}

func TestDirStoreWatchSeesOtherHandles(t *testing.T) {
	dir := t.TempDir()
	writer, err := NewDirStore(dir, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	reader, err := NewDirStore(dir, discardLogger())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var fromReader, fromWriter eventLog
	go reader.Watch(ctx, fromReader.add)
	go writer.Watch(ctx, fromWriter.add)

	// the watchers start asynchronously; keep writing until one write lands
	deadline := time.Now().Add(5 * time.Second)
	for i := 0; len(fromReader.snapshot()) == 0; i++ {
		if time.Now().After(deadline) {
			t.Fatal("reader never saw a write")
		}
		if err := writer.Set("match_update_42", []byte(fmt.Sprintf(`{"n":%d}`, i))); err != nil {
			t.Fatal(err)
		}
		time.Sleep(50 * time.Millisecond)
	}

	for _, ev := range fromReader.snapshot() {
		if ev.Key != "match_update_42" || len(ev.Value) == 0 {
			t.Errorf("unexpected event %+v", ev)
		}
	}
	for _, ev := range fromWriter.snapshot() {
		if ev.Value != nil {
			t.Errorf("writer saw its own write: %+v", ev)
		}
	}
}

func TestDirStoreWatchIgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewDirStore(dir, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var events eventLog
	go s.Watch(ctx, events.add)

	other, err := NewDirStore(dir, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for i := 0; len(events.snapshot()) == 0; i++ {
		if time.Now().After(deadline) {
			t.Fatal("watcher never started")
		}
		os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644)
		other.Set("probe", []byte(fmt.Sprint(i)))
		time.Sleep(50 * time.Millisecond)
	}
	for _, ev := range events.snapshot() {
		if ev.Key != "probe" {
			t.Errorf("unexpected key %q", ev.Key)
		}
	}
}
