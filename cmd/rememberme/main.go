// Command rememberme listens to a call, segments every speaker's audio into
// utterances and turns each one into a transcript, a summary and a stored
// conversation record that caregivers can query.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/rememberme/internal/app"
	"github.com/MrWong99/rememberme/internal/config"
	"github.com/MrWong99/rememberme/internal/observe"
	"github.com/MrWong99/rememberme/internal/segment"
	"github.com/MrWong99/rememberme/pkg/audio/livekit"
	"github.com/MrWong99/rememberme/pkg/audio/wavfile"
	"github.com/MrWong99/rememberme/pkg/memory"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// shutdownTimeout bounds the drain of in-flight segments on exit.
const shutdownTimeout = 30 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "rememberme",
		Short: "Conversation memory for a patient's calls",
		Long: `rememberme joins a LiveKit room, Discord voice channel or WebSocket ingest,
cuts every speaker's audio into utterances and stores a transcript, a
patient-facing summary and caregiver notes for each one.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML configuration file")

	root.AddCommand(
		newServeCmd(&configPath),
		newTokenCmd(&configPath),
		newReplayCmd(&configPath),
		newRecapCmd(&configPath),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), "rememberme", version)
			},
		},
	)
	return root
}

// ── serve ─────────────────────────────────────────────────────────────────────

func newServeCmd(configPath *string) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Listen to the configured call and serve the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(*configPath, watch)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", true, "reload log level, thresholds and people when the config file changes")
	return cmd
}

func runServe(configPath string, watch bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level := new(slog.LevelVar)
	slog.SetDefault(newLogger(os.Stderr, cfg.Server.LogLevel, level))
	slog.Info("rememberme starting",
		"version", version,
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"source", cfg.Source.Type,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers and source ─────────────────────────────────────────────────
	var cleanup cleanups
	defer cleanup.run()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	registerSources(reg, &cleanup)

	providers, err := buildProviders(cfg, reg, tel.Metrics)
	if err != nil {
		return err
	}
	if providers.Source, err = reg.CreateSource(cfg); err != nil {
		return fmt.Errorf("create %s source: %w", cfg.Source.Type, err)
	}

	printStartupSummary(os.Stdout, cfg)

	application, err := app.New(ctx, cfg, providers,
		app.WithMetrics(tel.Metrics),
		app.WithMetricsHandler(tel.MetricsHandler()),
		app.WithLogLevel(level),
		app.WithVersion(version),
	)
	if err != nil {
		return fmt.Errorf("initialise application: %w", err)
	}

	if watch {
		w, err := config.NewWatcher(configPath, application.ApplyConfig)
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")
	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, draining segments")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	slog.Info("goodbye")
	return nil
}

// ── token ─────────────────────────────────────────────────────────────────────

func newTokenCmd(configPath *string) *cobra.Command {
	var (
		identity string
		name     string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a LiveKit access token for the configured room",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = cfg.LiveKit.TokenTTL
			}
			tok, err := livekit.MintToken(livekit.TokenRequest{
				APIKey:    cfg.LiveKit.APIKey,
				APISecret: cfg.LiveKit.APISecret,
				Room:      cfg.LiveKit.Room,
				Identity:  identity,
				Name:      name,
				TTL:       ttl,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&identity, "identity", "unknown_user", "participant identity")
	cmd.Flags().StringVar(&name, "name", "", "display name (defaults to the identity)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token validity (defaults to livekit.token_ttl)")
	return cmd
}

// ── replay ────────────────────────────────────────────────────────────────────

func newReplayCmd(configPath *string) *cobra.Command {
	var realtime bool
	cmd := &cobra.Command{
		Use:   "replay FILE.wav...",
		Short: "Run WAV recordings through the full pipeline, one track per file",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd.OutOrStdout(), *configPath, args, realtime)
		},
	}
	cmd.Flags().BoolVar(&realtime, "realtime", false, "pace frames at playback speed")
	return cmd
}

func runReplay(out io.Writer, configPath string, files []string, realtime bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	slog.SetDefault(newLogger(os.Stderr, cfg.Server.LogLevel, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	providers, err := buildProviders(cfg, reg, nil)
	if err != nil {
		return err
	}
	providers.Source = wavfile.New(wavfile.FromPaths(files...),
		wavfile.WithRealtime(realtime),
		wavfile.WithTrailingSilence(replayTrailingSilence(cfg)),
	)

	var stored, failed atomic.Int64
	application, err := app.New(ctx, cfg, providers,
		app.WithVersion(version),
		app.WithCompletionHook(func(seg segment.Segment, rec *memory.Record, err error) {
			if err != nil {
				failed.Add(1)
				return
			}
			stored.Add(1)
			fmt.Fprintf(out, "[%s] %s: %s\n", seg.TrackID, rec.Conversation.Speaker, rec.Summary.SimpleSummary)
		}),
	)
	if err != nil {
		return fmt.Errorf("initialise application: %w", err)
	}

	replayErr := application.Replay(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Warn("shutdown error", "err", err)
	}
	if replayErr != nil {
		return fmt.Errorf("replay: %w", replayErr)
	}
	fmt.Fprintf(out, "replayed %d file(s): %d conversation(s) stored, %d failed\n", len(files), stored.Load(), failed.Load())
	return nil
}

// replayTrailingSilence is long enough for the last utterance of a file to
// reach the silence threshold, plus a small margin.
func replayTrailingSilence(cfg *config.Config) time.Duration {
	const frame = 20 * time.Millisecond
	return time.Duration(cfg.Segmentation.SilenceFrameThreshold+5) * frame
}

// ── recap ─────────────────────────────────────────────────────────────────────

func newRecapCmd(configPath *string) *cobra.Command {
	var (
		question string
		days     int
	)
	cmd := &cobra.Command{
		Use:   "recap",
		Short: "Print today's recap, or answer a caregiver question with --ask",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRecap(cmd.Context(), cmd.OutOrStdout(), *configPath, question, days)
		},
	}
	cmd.Flags().StringVar(&question, "ask", "", "answer this question instead of writing the daily recap")
	cmd.Flags().IntVar(&days, "days", 7, "days of history considered by --ask")
	return cmd
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger returns a text logger on w. When lv is non-nil it is set to level
// and the handler follows later changes to it.
func newLogger(w io.Writer, level config.LogLevel, lv *slog.LevelVar) *slog.Logger {
	if lv == nil {
		lv = new(slog.LevelVar)
	}
	lv.Set(app.SlogLevel(level))
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lv}))
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file %q not found; copy configs/example.yaml to get started", path)
		}
		return nil, err
	}
	return cfg, nil
}

// cleanups collects teardown functions of resources created outside the
// application, such as the Discord gateway session.
type cleanups []func() error

func (c *cleanups) add(fn func() error) { *c = append(*c, fn) }

func (c *cleanups) run() {
	for i := len(*c) - 1; i >= 0; i-- {
		if err := (*c)[i](); err != nil {
			slog.Warn("cleanup error", "err", err)
		}
	}
}
