// Package config loads the TOML configuration shared by the livesync
// commands.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	livesync "github.com/bacx00/mrvl-livesync"
)

// Duration is a time.Duration written as a string ("2s", "500ms") in TOML.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

type Sync struct {
	// StoreDir is shared by every instance on the host. Empty keeps the
	// cross-instance store in memory.
	StoreDir       string   `toml:"store_dir"`
	PollInterval   Duration `toml:"poll_interval"`
	QueueDelay     Duration `toml:"queue_delay"`
	Debounce       Duration `toml:"debounce"`
	MinSaveSpacing Duration `toml:"min_save_spacing"`
	SaveRetries    int      `toml:"save_retries"`
}

type Backend struct {
	URL   string `toml:"url"`
	Token string `toml:"token"`
}

type Push struct {
	Enabled      bool     `toml:"enabled"`
	Codec        string   `toml:"codec"`
	ReconnectMin Duration `toml:"reconnect_min"`
	ReconnectMax Duration `toml:"reconnect_max"`
}

type Server struct {
	Addr   string `toml:"addr"`
	DBPath string `toml:"db_path"`
}

type Log struct {
	Level string `toml:"level"`
}

type Config struct {
	Sync    Sync    `toml:"sync"`
	Backend Backend `toml:"backend"`
	Push    Push    `toml:"push"`
	Server  Server  `toml:"server"`
	Log     Log     `toml:"log"`
}

func Default() *Config {
	return &Config{
		Sync: Sync{
			PollInterval:   Duration(livesync.DefaultPollInterval),
			QueueDelay:     Duration(livesync.DefaultQueueDelay),
			Debounce:       Duration(livesync.DefaultDebounce),
			MinSaveSpacing: Duration(livesync.DefaultMinSaveSpacing),
			SaveRetries:    livesync.DefaultSaveRetries,
		},
		Backend: Backend{URL: "http://localhost:8080"},
		Push: Push{
			Enabled:      true,
			Codec:        "json",
			ReconnectMin: Duration(time.Second),
			ReconnectMax: Duration(30 * time.Second),
		},
		Server: Server{Addr: "localhost:8080", DBPath: "livesync.db"},
		Log:    Log{Level: "info"},
	}
}

// Path returns the default config location, $XDG_CONFIG_HOME/livesync/config.toml.
func Path() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "livesync.toml"
	}
	return filepath.Join(dir, "livesync", "config.toml")
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	md, err := toml.DecodeFile(path, cfg)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Sync.PollInterval <= 0 {
		return errors.New("sync.poll_interval must be positive")
	}
	if c.Sync.Debounce <= 0 {
		return errors.New("sync.debounce must be positive")
	}
	if c.Sync.MinSaveSpacing < 0 {
		return errors.New("sync.min_save_spacing must not be negative")
	}
	if c.Sync.SaveRetries < 0 {
		return errors.New("sync.save_retries must not be negative")
	}
	if c.Backend.URL == "" {
		return errors.New("backend.url is required")
	}
	if c.Push.Enabled {
		if _, err := livesync.CodecByName(c.Push.Codec); err != nil {
			return fmt.Errorf("push.codec: %w", err)
		}
		if c.Push.ReconnectMin <= 0 || c.Push.ReconnectMax < c.Push.ReconnectMin {
			return errors.New("push.reconnect_min must be positive and not above push.reconnect_max")
		}
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	return nil
}

// Redact returns a copy with the backend token masked for display.
func (c *Config) Redact() *Config {
	cp := *c
	if len(c.Backend.Token) > 8 {
		cp.Backend.Token = c.Backend.Token[:4] + "..." + c.Backend.Token[len(c.Backend.Token)-4:]
	} else if c.Backend.Token != "" {
		cp.Backend.Token = "****"
	}
	return &cp
}

// Options builds manager options talking to the configured backend.
func (c *Config) Options(log *slog.Logger) (livesync.Options, error) {
	client := livesync.NewClient(c.Backend.URL, c.Backend.Token)
	opts := livesync.Options{
		Fetcher:      client,
		Saver:        client,
		PollInterval: time.Duration(c.Sync.PollInterval),
		QueueDelay:   time.Duration(c.Sync.QueueDelay),
		Session: livesync.SessionConfig{
			Debounce:   time.Duration(c.Sync.Debounce),
			MinSpacing: time.Duration(c.Sync.MinSaveSpacing),
			Retries:    c.Sync.SaveRetries,
		},
		ReconnectMin: time.Duration(c.Push.ReconnectMin),
		ReconnectMax: time.Duration(c.Push.ReconnectMax),
		Logger:       log,
	}
	if c.Sync.QueueDelay == 0 {
		opts.QueueDelay = -1
	}

	if c.Sync.StoreDir != "" {
		store, err := livesync.NewDirStore(c.Sync.StoreDir, log)
		if err != nil {
			return livesync.Options{}, err
		}
		opts.Store = store
	}

	if c.Push.Enabled {
		codec, err := livesync.CodecByName(c.Push.Codec)
		if err != nil {
			return livesync.Options{}, err
		}
		header := http.Header{}
		if c.Backend.Token != "" {
			header.Set("Authorization", "Bearer "+c.Backend.Token)
		}
		opts.Dialer = &livesync.WSDialer{
			BaseURL: c.Backend.URL,
			Codec:   codec,
			Header:  header,
		}
	}
	return opts, nil
}
