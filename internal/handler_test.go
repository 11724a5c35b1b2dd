package internal

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestHandlerFormatsRecords(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf, &ColorOptions{Level: slog.LevelDebug}))

	log.With("component", "poller").WithGroup("req").Info("poll failed", "match", "42", "error", "backend down")

	line := buf.String()
	for _, want := range []string{"INF", "poll failed", "component=poller", "req.match=42", `req.error="backend down"`} {
		if !strings.Contains(line, want) {
			t.Errorf("%q missing from %q", want, line)
		}
	}
	if strings.Contains(line, "\x1b[") {
		t.Error("colors written to a non-terminal")
	}
}

func TestHandlerLevel(t *testing.T) {
	var buf bytes.Buffer
	var level slog.LevelVar
	level.Set(slog.LevelWarn)
	log := slog.New(NewHandler(&buf, &ColorOptions{Level: &level}))

	log.Info("hidden")
	log.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "WRN shown") {
		t.Errorf("output %q", buf.String())
	}

	level.Set(slog.LevelDebug)
	log.Debug("now visible")
	if !strings.Contains(buf.String(), "DBG now visible") {
		t.Errorf("output %q", buf.String())
	}
}
