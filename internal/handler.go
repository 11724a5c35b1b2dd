package internal

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

type ColorOptions struct {
	Level      slog.Leveler
	TimeFormat string
	// NoColor disables styling even when w is a terminal.
	NoColor bool
}

var (
	timeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	keyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	msgStyle   = lipgloss.NewStyle().Bold(true)
	levelStyle = map[slog.Level]lipgloss.Style{
		slog.LevelDebug: lipgloss.NewStyle().Foreground(lipgloss.Color("63")),
		slog.LevelInfo:  lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		slog.LevelWarn:  lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		slog.LevelError: lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
	}
)

type handler struct {
	mu     *sync.Mutex
	w      io.Writer
	opts   ColorOptions
	color  bool
	attrs  []slog.Attr
	groups []string
}

// NewHandler returns a text handler that colors levels when w is a terminal.
func NewHandler(w io.Writer, opts *ColorOptions) slog.Handler {
	h := &handler{mu: &sync.Mutex{}, w: w}
	if opts != nil {
		h.opts = *opts
	}
	if h.opts.Level == nil {
		h.opts.Level = slog.LevelInfo
	}
	if h.opts.TimeFormat == "" {
		h.opts.TimeFormat = time.DateTime
	}
	if f, ok := w.(*os.File); ok && !h.opts.NoColor {
		h.color = term.IsTerminal(int(f.Fd()))
	}
	return h
}

func (h *handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.Level.Level()
}

func (h *handler) render(s lipgloss.Style, text string) string {
	if !h.color {
		return text
	}
	return s.Render(text)
}

func levelName(l slog.Level) (string, slog.Level) {
	switch {
	case l >= slog.LevelError:
		return "ERR", slog.LevelError
	case l >= slog.LevelWarn:
		return "WRN", slog.LevelWarn
	case l >= slog.LevelInfo:
		return "INF", slog.LevelInfo
	}
	return "DBG", slog.LevelDebug
}

func (h *handler) Handle(_ context.Context, r slog.Record) error {
	var buf bytes.Buffer
	if !r.Time.IsZero() {
		buf.WriteString(h.render(timeStyle, r.Time.Format(h.opts.TimeFormat)))
		buf.WriteByte(' ')
	}
	name, bucket := levelName(r.Level)
	buf.WriteString(h.render(levelStyle[bucket], name))
	buf.WriteByte(' ')
	buf.WriteString(h.render(msgStyle, r.Message))

	for _, a := range h.attrs {
		h.appendAttr(&buf, "", a)
	}
	prefix := groupPrefix(h.groups)
	r.Attrs(func(a slog.Attr) bool {
		h.appendAttr(&buf, prefix, a)
		return true
	})
	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf.Bytes())
	return err
}

func groupPrefix(groups []string) string {
	var p string
	for _, g := range groups {
		p += g + "."
	}
	return p
}

func (h *handler) appendAttr(buf *bytes.Buffer, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		if a.Key != "" {
			prefix += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			h.appendAttr(buf, prefix, ga)
		}
		return
	}
	buf.WriteByte(' ')
	buf.WriteString(h.render(keyStyle, prefix+a.Key+"="))
	val := a.Value.String()
	if a.Value.Kind() == slog.KindString && needsQuote(val) {
		val = fmt.Sprintf("%q", val)
	}
	buf.WriteString(val)
}

func needsQuote(s string) bool {
	if s == "" {
		return true
	}
	for _, r := range s {
		if r == ' ' || r == '"' || r == '=' || r < 0x20 {
			return true
		}
	}
	return false
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	h2 := *h
	prefix := groupPrefix(h.groups)
	h2.attrs = slices.Clone(h.attrs)
	for _, a := range attrs {
		if prefix != "" {
			a.Key = prefix + a.Key
		}
		h2.attrs = append(h2.attrs, a)
	}
	return &h2
}

func (h *handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := *h
	h2.groups = append(slices.Clone(h.groups), name)
	return &h2
}
