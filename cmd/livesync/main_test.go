package main

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	livesync "github.com/bacx00/mrvl-livesync"
)

func TestParseFields(t *testing.T) {
	d, err := parseFields([]string{"team1_score=2", "status=live", "match_timer=12:30"})
	if err != nil {
		t.Fatal(err)
	}
	if *d.Team1Score != 2 || *d.Status != "live" || *d.MatchTimer != "12:30" || d.Team2Score != nil {
		t.Errorf("parsed %+v", d)
	}

	for _, bad := range [][]string{{"team1_score"}, {"team1_score=two"}, {"owner=me"}, {"=1"}} {
		if _, err := parseFields(bad); err == nil {
			t.Errorf("parseFields(%q) should fail", bad)
		}
	}
}

func TestStrToLogLevel(t *testing.T) {
	if strToLogLevel("debug") != slog.LevelDebug || strToLogLevel("WARN") != slog.LevelWarn {
		t.Error("unexpected level")
	}
	defer func() {
		if recover() == nil {
			t.Error("expected a panic for an unknown level")
		}
	}()
	strToLogLevel("loud")
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := versionCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.String(), "livesync dev") {
		t.Errorf("output %q", out.String())
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestWriteServerState(t *testing.T) {
	var out bytes.Buffer
	writeServerState(&out, livesync.MatchData{Team1Score: livesync.Ptr(5)})
	if !strings.Contains(out.String(), `"team1_score":5`) {
		t.Errorf("output %q", out.String())
	}

	var logs bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&logs, nil)))
	defer slog.SetDefault(prev)

	writeServerState(failingWriter{}, livesync.MatchData{})
	if !strings.Contains(logs.String(), "write server state") || !strings.Contains(logs.String(), "broken pipe") {
		t.Errorf("write error not logged: %q", logs.String())
	}
}
