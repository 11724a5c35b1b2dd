package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	livesync "github.com/bacx00/mrvl-livesync"
	"github.com/bacx00/mrvl-livesync/internal"
	"github.com/bacx00/mrvl-livesync/internal/backend"
	"github.com/bacx00/mrvl-livesync/internal/config"
)

// Set at build time via ldflags.
var (
	version = "dev"
	commit  = "none"
)

type globalOptions struct {
	configPath string
	logLevel   string
}

func (o *globalOptions) bind(fs *pflag.FlagSet) {
	fs.StringVar(&o.configPath, "config", config.Path(), "path to the TOML config file")
	fs.StringVar(&o.logLevel, "log.level", "", "slog log level to use (overrides log.level in the config)")
}

// load reads the config and installs the logger.
func (o *globalOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	setupSlog(strToLogLevel(cfg.Log.Level))
	return cfg, nil
}

func strToLogLevel(str string) slog.Level {
	switch strings.ToUpper(str) {
	case slog.LevelError.String():
		return slog.LevelError
	case slog.LevelWarn.String():
		return slog.LevelWarn
	case slog.LevelInfo.String():
		return slog.LevelInfo
	case slog.LevelDebug.String():
		return slog.LevelDebug
	}
	panic("invalid slog log level: " + str)
}

func setupSlog(level slog.Level) {
	var logLevel slog.LevelVar
	logLevel.Set(level)

	handler := internal.NewHandler(os.Stderr, &internal.ColorOptions{
		Level:      &logLevel,
		TimeFormat: time.DateTime,
	})

	logger := slog.New(handler)
	slog.SetDefault(logger)
}

func main() {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "livesync",
		Short:         "Live match score sync",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	opts.bind(root.PersistentFlags())
	root.AddCommand(serveCmd(opts), watchCmd(opts), scoreCmd(opts), clearCmd(opts), configCmd(opts), versionCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		slog.ErrorContext(ctx, "run failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func serveCmd(opts *globalOptions) *cobra.Command {
	var addr, dbPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the match backend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if dbPath != "" {
				cfg.Server.DBPath = dbPath
			}
			return runBackend(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "address to listen on")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path")
	return cmd
}

func runBackend(ctx context.Context, cfg *config.Config) error {
	store, err := backend.OpenStore(cfg.Server.DBPath)
	if err != nil {
		return fmt.Errorf("backend.OpenStore: %w", err)
	}
	defer store.Close()

	s := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: backend.NewRouter(store, backend.NewHub(), slog.Default()),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return runServer(ctx, s)
}

func runServer(ctx context.Context, s *http.Server) error {
	srvErr := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "listening for requests", "addr", s.Addr)
		if err := s.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	// Wait for interruption.
	select {
	case err := <-srvErr:
		return fmt.Errorf("server.ListenAndServe(): %w", err)
	case <-ctx.Done():
	}

	slog.InfoContext(ctx, "shutting down")
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(), 5*time.Second,
	)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

func newManager(ctx context.Context, cfg *config.Config) (*livesync.Manager, error) {
	mopts, err := cfg.Options(slog.Default())
	if err != nil {
		return nil, err
	}
	m := livesync.New(mopts)
	if err := m.Init(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func watchCmd(opts *globalOptions) *cobra.Command {
	var updateType string
	cmd := &cobra.Command{
		Use:   "watch <match-id>",
		Short: "Print every update of a match as a JSON line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			m, err := newManager(ctx, cfg)
			if err != nil {
				return err
			}
			defer m.Dispose()

			enc := json.NewEncoder(cmd.OutOrStdout())
			emit := func(env livesync.Envelope, source string) {
				line := struct {
					livesync.Envelope
					Via string `json:"via"`
				}{env, source}
				if err := enc.Encode(line); err != nil {
					slog.Error("write update", "err", err)
				}
			}

			id := livesync.MatchID(args[0])
			if score, general := m.Cached(id); general != nil {
				emit(*general, livesync.SourceStorage)
			} else if score != nil {
				emit(*score, livesync.SourceStorage)
			}

			var subOpts []livesync.SubscribeOption
			if updateType != "" {
				subOpts = append(subOpts, livesync.WithUpdateType(livesync.UpdateType(updateType)))
			}
			if _, err := m.SubscribeToMatch("cli-watch", id, emit, subOpts...); err != nil {
				return err
			}
			defer m.Unsubscribe("cli-watch")

			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&updateType, "type", "", "only print updates of this type")
	return cmd
}

// parseFields turns field=value pairs into a partial match update.
func parseFields(pairs []string) (livesync.MatchData, error) {
	fields := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return livesync.MatchData{}, fmt.Errorf("invalid field %q, expected name=value", p)
		}
		switch k {
		case "status", "match_timer":
			fields[k] = v
		case "team1_score", "team2_score", "series_score_team1", "series_score_team2", "current_map", "total_maps":
			n, err := strconv.Atoi(v)
			if err != nil {
				return livesync.MatchData{}, fmt.Errorf("field %s: %w", k, err)
			}
			fields[k] = n
		default:
			return livesync.MatchData{}, fmt.Errorf("unknown field %q", k)
		}
	}
	return livesync.Sanitize(fields)
}

func scoreCmd(opts *globalOptions) *cobra.Command {
	var (
		set   []string
		force bool
	)
	cmd := &cobra.Command{
		Use:   "score <match-id>",
		Short: "Save a score change to the backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			patch, err := parseFields(set)
			if err != nil {
				return err
			}
			if patch.IsZero() {
				return errors.New("nothing to save, pass --set name=value")
			}

			ctx := cmd.Context()
			m, err := newManager(ctx, cfg)
			if err != nil {
				return err
			}
			defer m.Dispose()

			id := livesync.MatchID(args[0])
			s, err := m.OpenSession("cli", id)
			if err != nil {
				return err
			}
			saved, err := s.Save(ctx, patch)

			var conflict *livesync.ConflictError
			if errors.As(err, &conflict) {
				if !force {
					writeServerState(cmd.OutOrStdout(), conflict.AdoptServer())
					return fmt.Errorf("%w; rerun with --force to overwrite", err)
				}
				slog.Warn("overwriting newer server data", "match", id, "server_version", conflict.ServerVersion)
				saved, err = conflict.Overwrite(ctx)
			}
			if err != nil {
				return err
			}
			slog.Info("saved", "match", id, "version", s.Version())
			return json.NewEncoder(cmd.OutOrStdout()).Encode(saved)
		},
	}
	cmd.Flags().StringArrayVar(&set, "set", nil, "field=value to change (repeatable)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the server data on conflict")
	return cmd
}

func clearCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <match-id>",
		Short: "Remove the cached entries of a match from the shared store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if cfg.Sync.StoreDir == "" {
				return errors.New("sync.store_dir is not set, nothing is shared")
			}
			cfg.Push.Enabled = false
			m, err := newManager(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer m.Dispose()
			m.ClearMatchCache(livesync.MatchID(args[0]))
			return nil
		},
	}
}

func configCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Show the effective config (token redacted)",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := config.Load(opts.configPath)
				if err != nil {
					return err
				}
				return toml.NewEncoder(cmd.OutOrStdout()).Encode(cfg.Redact())
			},
		},
		&cobra.Command{
			Use:   "path",
			Short: "Print the config file path",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), opts.configPath)
			},
		},
	)
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "livesync %s (commit: %s)\n", version, commit)
		},
	}
}

// writeServerState prints the state a conflicting save lost to.
func writeServerState(w io.Writer, current livesync.MatchData) {
	if err := json.NewEncoder(w).Encode(current); err != nil {
		slog.Error("write server state", "err", err)
	}
}
