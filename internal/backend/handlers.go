package backend

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	livesync "github.com/bacx00/mrvl-livesync"
)

const pingInterval = 30 * time.Second

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Code: code, Message: message})
}

func matchID(r *http.Request) (livesync.MatchID, bool) {
	id := livesync.MatchID(chi.URLParam(r, "id"))
	return id, id.Valid()
}

type matchBody struct {
	ID livesync.MatchID `json:"id"`
	livesync.MatchData
	Version int64 `json:"version"`
}

func newGetMatchHandler(s *MatchStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := matchID(r)
		if !ok {
			writeError(w, http.StatusBadRequest, "INVALID_ID", "invalid match id")
			return
		}
		data, version, err := s.Get(r.Context(), id)
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
			return
		}
		if err != nil {
			slog.ErrorContext(r.Context(), "get match", "match", id, "err", err)
			writeError(w, http.StatusInternalServerError, "INTERNAL", "could not load match")
			return
		}
		writeJSON(w, http.StatusOK, matchBody{ID: id, MatchData: data, Version: version})
	}
}

func newPutMatchHandler(s *MatchStore, h *Hub, clock *livesync.Clock) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := matchID(r)
		if !ok {
			writeError(w, http.StatusBadRequest, "INVALID_ID", "invalid match id")
			return
		}
		var data livesync.MatchData
		if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
			return
		}
		version, err := s.Put(r.Context(), id, data)
		if err != nil {
			slog.ErrorContext(r.Context(), "put match", "match", id, "err", err)
			writeError(w, http.StatusInternalServerError, "INTERNAL", "could not store match")
			return
		}
		h.Broadcast(livesync.Envelope{
			MatchID:   id,
			Timestamp: clock.Next(),
			Source:    "backend",
			Type:      livesync.TypeMatchUpdate,
			Data:      data,
			Version:   version,
		})
		writeJSON(w, http.StatusOK, matchBody{ID: id, MatchData: data, Version: version})
	}
}

func newLiveUpdateHandler(s *MatchStore, h *Hub, clock *livesync.Clock) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := matchID(r)
		if !ok {
			writeError(w, http.StatusBadRequest, "INVALID_ID", "invalid match id")
			return
		}
		var req livesync.SaveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
			return
		}

		res, err := s.Apply(r.Context(), id, req.MatchData, req.Version)
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
			return
		}
		if err != nil {
			slog.ErrorContext(r.Context(), "apply live update", "match", id, "err", err)
			writeError(w, http.StatusInternalServerError, "INTERNAL", "could not save match")
			return
		}
		if res.Conflict {
			slog.InfoContext(r.Context(), "live update conflict", "match", id,
				"client_version", req.Version, "server_version", res.Version)
			writeJSON(w, http.StatusConflict, livesync.SaveResult{
				Status:      livesync.SaveStatusConflict,
				CurrentData: res.Data,
				Version:     res.Version,
				Message:     "match changed since your last update",
			})
			return
		}

		h.Broadcast(livesync.Envelope{
			MatchID:   id,
			Timestamp: clock.Next(),
			Source:    "backend",
			Type:      livesync.TypeScoreUpdate,
			Data:      res.Data,
			Version:   res.Version,
		})
		writeJSON(w, http.StatusOK, livesync.SaveResult{
			Status:  livesync.SaveStatusOK,
			Data:    res.Data,
			Version: res.Version,
		})
	}
}

func newLiveHandler(h *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := matchID(r)
		if !ok {
			writeError(w, http.StatusBadRequest, "INVALID_ID", "invalid match id")
			return
		}
		codec, err := livesync.CodecByName(r.URL.Query().Get("codec"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_CODEC", err.Error())
			return
		}

		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			slog.Error("websocket.Accept", "err", err)
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")

		slog.Info("live stream connected", "match", id, "codec", codec.Name())
		updates := h.AddSubscriber(id)
		defer h.Remove(id, updates)

		pingTicker := time.NewTicker(pingInterval)
		defer pingTicker.Stop()

		msgType := websocket.MessageText
		if codec.Binary() {
			msgType = websocket.MessageBinary
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		go func() {
			defer cancel()
			for {
				_, _, err := c.Reader(ctx)
				if err != nil {
					slog.Debug("websocket client disconnected or read error", "err", err)
					return
				}
			}
		}()

		for {
			select {
			case <-ctx.Done():
				slog.Debug("live stream closed", "match", id)
				return
			case <-pingTicker.C:
				if err := c.Ping(ctx); err != nil {
					slog.Debug("websocket ping error", "err", err)
					return
				}
			case env, ok := <-updates:
				if !ok {
					return
				}
				frame, err := livesync.EncodePush(codec, env)
				if err != nil {
					slog.Error("encode push frame", "match", id, "err", err)
					continue
				}
				if err := c.Write(ctx, msgType, frame); err != nil {
					slog.Debug("websocket.Write", "err", err)
					return
				}
			}
		}
	}
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
