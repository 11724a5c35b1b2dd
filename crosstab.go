package livesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// Storage key namespaces. Score-type updates and general match updates are kept
// apart so a reader can tell them from the key alone.
const (
	ScoreKeyPrefix = "match_update_"
	DataKeyPrefix  = "match_data_"
)

// StorageKey returns the key an update of type t for id is stored under.
func StorageKey(id MatchID, t UpdateType) string {
	if t.general() {
		return DataKeyPrefix + string(id)
	}
	return ScoreKeyPrefix + string(id)
}

func parseStorageKey(key string) (MatchID, bool) {
	for _, prefix := range []string{ScoreKeyPrefix, DataKeyPrefix} {
		if rest, ok := strings.CutPrefix(key, prefix); ok && MatchID(rest).Valid() {
			return MatchID(rest), true
		}
	}
	return "", false
}

// Metadata describes a broadcast.
type Metadata struct {
	Source  string
	Type    UpdateType
	Version int64
}

// CrossTab propagates envelopes to other instances sharing a Store and
// delivers them to this instance's Broadcaster directly.
type CrossTab struct {
	store  Store
	bus    *Broadcaster
	clock  *Clock
	origin string
	log    *slog.Logger
}

func NewCrossTab(store Store, bus *Broadcaster, clock *Clock, log *slog.Logger) *CrossTab {
	if log == nil {
		log = slog.Default()
	}
	if clock == nil {
		clock = NewClock()
	}
	return &CrossTab{
		store:  store,
		bus:    bus,
		clock:  clock,
		origin: uuid.NewString(),
		log:    log.With("component", "crosstab"),
	}
}

// Origin identifies this instance in the envelopes it writes.
func (c *CrossTab) Origin() string {
	return c.origin
}

// Broadcast stores an envelope for data and publishes it locally. Storage
// failures are logged and otherwise ignored; the local publish still happens.
func (c *CrossTab) Broadcast(id MatchID, data MatchData, meta Metadata) Envelope {
	env := Envelope{
		MatchID:   id,
		Timestamp: c.clock.Next(),
		Source:    meta.Source,
		Type:      meta.Type,
		Data:      data,
		Version:   meta.Version,
		Origin:    c.origin,
	}
	if env.Source == "" {
		env.Source = "unknown"
	}
	if env.Type == "" {
		env.Type = TypeScoreUpdate
	}
	if err := env.Validate(); err != nil {
		c.log.Error("invalid broadcast", "match", id, "error", err)
		return env
	}

	c.write(env)
	c.bus.Publish(env, SourceEvent)
	c.log.Debug("broadcast", "match", id, "type", env.Type, "source", env.Source)
	return env
}

// BroadcastFields sanitizes an arbitrary payload and broadcasts the result.
func (c *CrossTab) BroadcastFields(id MatchID, fields any, meta Metadata) (Envelope, error) {
	data, err := Sanitize(fields)
	if err != nil {
		return Envelope{}, err
	}
	return c.Broadcast(id, data, meta), nil
}

// Persist writes an envelope produced elsewhere (for example a push update)
// to storage for other instances, without delivering it locally again.
func (c *CrossTab) Persist(env Envelope) {
	if err := env.Validate(); err != nil {
		return
	}
	env.Origin = c.origin
	c.write(env)
}

func (c *CrossTab) write(env Envelope) {
	raw, err := json.Marshal(env)
	if err != nil {
		c.log.Error("encode envelope", "match", env.MatchID, "error", err)
		return
	}
	if err := c.store.Set(StorageKey(env.MatchID, env.Type), raw); err != nil {
		c.log.Error("store envelope", "match", env.MatchID, "error", err)
	}
}

// Listen republishes envelopes written by other instances until ctx is done.
func (c *CrossTab) Listen(ctx context.Context) error {
	return c.store.Watch(ctx, c.handleStorage)
}

func (c *CrossTab) handleStorage(ev StorageEvent) {
	if ev.Value == nil {
		return
	}
	id, ok := parseStorageKey(ev.Key)
	if !ok {
		return
	}
	env, err := decodeStored(ev.Value, id)
	if err != nil {
		c.log.Warn("discarding storage entry", "key", ev.Key, "error", err)
		return
	}
	if env.Origin == c.origin {
		return
	}
	c.bus.Publish(env, SourceStorage)
}

func decodeStored(raw []byte, id MatchID) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if env.MatchID == "" {
		env.MatchID = id
	}
	if env.MatchID != id {
		return Envelope{}, fmt.Errorf("%w: key is for match %q, envelope for %q", ErrInvalidEnvelope, id, env.MatchID)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Cached returns the last stored score and general envelopes for id. Missing
// or unreadable entries come back nil.
func (c *CrossTab) Cached(id MatchID) (score, general *Envelope) {
	load := func(key string) *Envelope {
		raw, err := c.store.Get(key)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				c.log.Error("read cached entry", "key", key, "error", err)
			}
			return nil
		}
		env, err := decodeStored(raw, id)
		if err != nil {
			c.log.Warn("discarding cached entry", "key", key, "error", err)
			return nil
		}
		return &env
	}
	return load(ScoreKeyPrefix + string(id)), load(DataKeyPrefix + string(id))
}

// Clear removes both stored entries for id.
func (c *CrossTab) Clear(id MatchID) {
	for _, key := range []string{ScoreKeyPrefix + string(id), DataKeyPrefix + string(id)} {
		if err := c.store.Remove(key); err != nil {
			c.log.Error("clear cached entry", "key", key, "error", err)
		}
	}
}
