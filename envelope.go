// Package livesync keeps live match scores consistent across the views of one
// process, other instances on the same host, and the match backend. Updates
// flow through a single Broadcaster; a cross-instance store, a polling loop and
// a push stream feed it, and an EditSession saves local edits with optimistic
// versioning.
package livesync

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"
)

// MatchID identifies a match. It is opaque to the sync layer but must be usable
// as part of a storage key.
type MatchID string

// Valid reports whether the id can be broadcast and stored.
func (id MatchID) Valid() bool {
	s := string(id)
	return s != "" && !strings.ContainsAny(s, `/\. `)
}

// UpdateType distinguishes envelope payload semantics.
type UpdateType string

const (
	TypeScoreUpdate UpdateType = "score_update"
	TypeMatchUpdate UpdateType = "match_update"
	TypeHeroUpdate  UpdateType = "hero_update"
	TypeStatUpdate  UpdateType = "stat_update"
	TypeLiveUpdate  UpdateType = "live_update"
	TypeConflict    UpdateType = "conflict"
)

// general reports whether updates of this type belong to the general match
// namespace rather than the score namespace.
func (t UpdateType) general() bool {
	return t == TypeMatchUpdate
}

// Transport tags passed to subscriber callbacks.
const (
	SourceEvent   = "event"
	SourceStorage = "storage"
	SourcePoll    = "poll"
	SourcePush    = "push"
)

var ErrInvalidEnvelope = errors.New("invalid envelope")

// PlayerState is the allowlisted per-player payload.
type PlayerState struct {
	PlayerID      int64  `json:"player_id,omitempty"`
	Name          string `json:"name,omitempty"`
	Hero          string `json:"hero,omitempty"`
	Role          string `json:"role,omitempty"`
	Kills         int    `json:"kills"`
	Deaths        int    `json:"deaths"`
	Assists       int    `json:"assists"`
	Damage        int    `json:"damage,omitempty"`
	Healing       int    `json:"healing,omitempty"`
	DamageBlocked int    `json:"damage_blocked,omitempty"`
}

// MapState is the allowlisted per-map payload.
type MapState struct {
	MapNumber        int           `json:"map_number"`
	MapName          string        `json:"map_name,omitempty"`
	Mode             string        `json:"mode,omitempty"`
	Status           string        `json:"status,omitempty"`
	Team1Score       int           `json:"team1_score"`
	Team2Score       int           `json:"team2_score"`
	Team1Composition []PlayerState `json:"team1_composition,omitempty"`
	Team2Composition []PlayerState `json:"team2_composition,omitempty"`
}

// MatchData holds the recognized match fields. Scalars are pointers so a value
// can describe a partial update; nil means "not part of this update".
type MatchData struct {
	Team1Score       *int          `json:"team1_score,omitempty"`
	Team2Score       *int          `json:"team2_score,omitempty"`
	SeriesScoreTeam1 *int          `json:"series_score_team1,omitempty"`
	SeriesScoreTeam2 *int          `json:"series_score_team2,omitempty"`
	Status           *string       `json:"status,omitempty"`
	CurrentMap       *int          `json:"current_map,omitempty"`
	TotalMaps        *int          `json:"total_maps,omitempty"`
	MatchTimer       *string       `json:"match_timer,omitempty"`
	Maps             []MapState    `json:"maps,omitempty"`
	Team1Players     []PlayerState `json:"team1_players,omitempty"`
	Team2Players     []PlayerState `json:"team2_players,omitempty"`
}

// Ptr returns a pointer to v, for building partial MatchData values.
func Ptr[T any](v T) *T {
	return &v
}

// IsZero reports whether d carries no fields at all.
func (d MatchData) IsZero() bool {
	return reflect.DeepEqual(d, MatchData{})
}

// Merge returns d with every field present in patch applied on top.
func (d MatchData) Merge(patch MatchData) MatchData {
	out := d
	if patch.Team1Score != nil {
		out.Team1Score = patch.Team1Score
	}
	if patch.Team2Score != nil {
		out.Team2Score = patch.Team2Score
	}
	if patch.SeriesScoreTeam1 != nil {
		out.SeriesScoreTeam1 = patch.SeriesScoreTeam1
	}
	if patch.SeriesScoreTeam2 != nil {
		out.SeriesScoreTeam2 = patch.SeriesScoreTeam2
	}
	if patch.Status != nil {
		out.Status = patch.Status
	}
	if patch.CurrentMap != nil {
		out.CurrentMap = patch.CurrentMap
	}
	if patch.TotalMaps != nil {
		out.TotalMaps = patch.TotalMaps
	}
	if patch.MatchTimer != nil {
		out.MatchTimer = patch.MatchTimer
	}
	if patch.Maps != nil {
		out.Maps = patch.Maps
	}
	if patch.Team1Players != nil {
		out.Team1Players = patch.Team1Players
	}
	if patch.Team2Players != nil {
		out.Team2Players = patch.Team2Players
	}
	return out
}

// MateriallyDiffers reports whether any field that matters to a display differs
// between d and other: scores, status, current map, maps and rosters. The match
// timer and total map count are ignored.
func (d MatchData) MateriallyDiffers(other MatchData) bool {
	switch {
	case !eqPtr(d.Team1Score, other.Team1Score),
		!eqPtr(d.Team2Score, other.Team2Score),
		!eqPtr(d.SeriesScoreTeam1, other.SeriesScoreTeam1),
		!eqPtr(d.SeriesScoreTeam2, other.SeriesScoreTeam2),
		!eqPtr(d.Status, other.Status),
		!eqPtr(d.CurrentMap, other.CurrentMap):
		return true
	}
	return !eqSlice(d.Maps, other.Maps) ||
		!eqSlice(d.Team1Players, other.Team1Players) ||
		!eqSlice(d.Team2Players, other.Team2Players)
}

func eqPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func eqSlice[T any](a, b []T) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

// SanitizeJSON decodes raw into MatchData. Anything outside the recognized
// fields, at any depth, is dropped.
func SanitizeJSON(raw []byte) (MatchData, error) {
	var d MatchData
	if err := json.Unmarshal(raw, &d); err != nil {
		return MatchData{}, fmt.Errorf("sanitize: %w", err)
	}
	return d, nil
}

// Sanitize reduces an arbitrary value (typically a map decoded from a view's
// form state) to the recognized fields.
func Sanitize(v any) (MatchData, error) {
	switch t := v.(type) {
	case MatchData:
		return t, nil
	case *MatchData:
		if t == nil {
			return MatchData{}, nil
		}
		return *t, nil
	case []byte:
		return SanitizeJSON(t)
	case json.RawMessage:
		return SanitizeJSON(t)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return MatchData{}, fmt.Errorf("sanitize: %w", err)
	}
	return SanitizeJSON(raw)
}

// Envelope is the unit of propagation between producers and subscribers.
type Envelope struct {
	MatchID   MatchID    `json:"matchId"`
	Timestamp int64      `json:"timestamp"`
	Source    string     `json:"source"`
	Type      UpdateType `json:"type"`
	Data      MatchData  `json:"data"`
	Version   int64      `json:"version,omitempty"`
	// Origin is the writer instance, used to ignore our own storage writes.
	Origin string `json:"origin,omitempty"`
}

// Validate checks the fields every transport relies on.
func (e Envelope) Validate() error {
	if !e.MatchID.Valid() {
		return fmt.Errorf("%w: bad match id %q", ErrInvalidEnvelope, e.MatchID)
	}
	if e.Timestamp <= 0 {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidEnvelope)
	}
	return nil
}

// Clock hands out strictly increasing millisecond timestamps, so two envelopes
// produced in the same millisecond still order.
type Clock struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// Next returns a timestamp greater than every previous one from this clock.
func (c *Clock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := c.now().UnixMilli()
	if ts <= c.last {
		ts = c.last + 1
	}
	c.last = ts
	return ts
}
