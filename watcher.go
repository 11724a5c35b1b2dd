package livesync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

const tmpPrefix = ".tmp-"

// DirStore is a Store backed by a directory shared between processes: one file
// per key, written atomically, with change notification through fsnotify.
type DirStore struct {
	dir string
	log *slog.Logger

	mu      sync.Mutex
	written map[string]string // last value this handle wrote per key
}

// NewDirStore creates dir if needed and returns a handle onto it.
func NewDirStore(dir string, log *slog.Logger) (*DirStore, error) {
	if log == nil {
		log = slog.Default()
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed getting path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &DirStore{
		dir:     abs,
		log:     log.With("component", "dirstore"),
		written: make(map[string]string),
	}, nil
}

// Dir returns the absolute directory backing the store.
func (s *DirStore) Dir() string {
	return s.dir
}

func (s *DirStore) path(key string) (string, error) {
	if !keyPattern.MatchString(key) {
		return "", fmt.Errorf("invalid store key %q", key)
	}
	return filepath.Join(s.dir, key+".json"), nil
}

func (s *DirStore) Get(key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

// Set writes value under key using a temp file and rename, so readers in other
// processes never observe a partial write.
func (s *DirStore) Set(key string, value []byte) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, tmpPrefix+"*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	s.mu.Lock()
	s.written[key] = string(value)
	s.mu.Unlock()

	if err := os.Rename(tmpName, p); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func (s *DirStore) Remove(key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.written, key)
	s.mu.Unlock()
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Watch reports writes and removals made by other handles until ctx is done.
func (s *DirStore) Watch(ctx context.Context, fn func(StorageEvent)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("failed adding directory to watcher: %w", err)
	}

	// Some file operations trigger several events for one write; remember the
	// last value reported per key and skip repeats.
	recent := make(map[string]string)

	s.log.InfoContext(ctx, "started watching store", "dir", s.dir)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			name := filepath.Base(event.Name)
			if strings.HasPrefix(name, tmpPrefix) || !strings.HasSuffix(name, ".json") {
				continue
			}
			key := strings.TrimSuffix(name, ".json")
			if !keyPattern.MatchString(key) {
				continue
			}

			switch {
			case event.Has(fsnotify.Remove):
				delete(recent, key)
				fn(StorageEvent{Key: key})
			case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
				value, err := os.ReadFile(event.Name)
				if err != nil {
					// removed again before we got to it
					if !errors.Is(err, fs.ErrNotExist) {
						s.log.ErrorContext(ctx, "read store entry", "key", key, "error", err)
					}
					continue
				}
				if len(value) == 0 || recent[key] == string(value) || s.ownWrite(key, value) {
					continue
				}
				recent[key] = string(value)
				fn(StorageEvent{Key: key, Value: value})
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.ErrorContext(ctx, "watcher error", "error", err)
		}
	}
}

func (s *DirStore) ownWrite(key string, value []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written[key] == string(value)
}
