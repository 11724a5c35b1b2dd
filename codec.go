package livesync

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec encodes push frames. Binary codecs are sent as binary websocket
// messages, the others as text.
type Codec interface {
	Name() string
	Binary() bool
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type jsonCodec struct{}

func (jsonCodec) Name() string                       { return "json" }
func (jsonCodec) Binary() bool                       { return false }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// msgpackCodec reuses the json struct tags so both codecs share field names.
type msgpackCodec struct{}

func (msgpackCodec) Name() string { return "msgpack" }
func (msgpackCodec) Binary() bool { return true }

func (msgpackCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (msgpackCodec) Unmarshal(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}

var (
	JSONCodec    Codec = jsonCodec{}
	MsgpackCodec Codec = msgpackCodec{}
)

// CodecByName returns the codec registered under name; an empty name means JSON.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec, nil
	case "msgpack":
		return MsgpackCodec, nil
	}
	return nil, fmt.Errorf("unknown codec %q", name)
}

// pushMessage is what a backend sends on the push stream. Older producers tag
// the payload with eventType instead of type, and may omit the match id or
// timestamp.
type pushMessage struct {
	MatchID   MatchID    `json:"matchId"`
	Type      UpdateType `json:"type"`
	EventType UpdateType `json:"eventType,omitempty"`
	Timestamp int64      `json:"timestamp"`
	Data      MatchData  `json:"data"`
	Version   int64      `json:"version,omitempty"`
}

// normalize turns a push message received on the stream for id into an
// Envelope shaped like those from every other transport.
func (m pushMessage) normalize(id MatchID, clock *Clock) Envelope {
	env := Envelope{
		MatchID:   m.MatchID,
		Timestamp: m.Timestamp,
		Source:    SourcePush,
		Type:      m.Type,
		Data:      m.Data,
		Version:   m.Version,
	}
	if env.MatchID == "" {
		env.MatchID = id
	}
	if env.Type == "" {
		env.Type = m.EventType
	}
	if env.Type == "" {
		env.Type = TypeLiveUpdate
	}
	if env.Timestamp <= 0 {
		env.Timestamp = clock.Next()
	}
	return env
}

// EncodePush encodes env as a push frame.
func EncodePush(c Codec, env Envelope) ([]byte, error) {
	return c.Marshal(pushMessage{
		MatchID:   env.MatchID,
		Type:      env.Type,
		Timestamp: env.Timestamp,
		Data:      env.Data,
		Version:   env.Version,
	})
}
