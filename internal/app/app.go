// Package app wires all rememberme subsystems into a running service.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run listens to the configured call and serves HTTP until the
// context ends, and Shutdown tears everything down in order, draining
// segments that are still being transcribed and summarised.
//
// For testing, inject doubles via functional options (WithStore,
// WithMetrics, ...). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/rememberme/internal/api"
	"github.com/MrWong99/rememberme/internal/config"
	"github.com/MrWong99/rememberme/internal/dispatch"
	"github.com/MrWong99/rememberme/internal/health"
	"github.com/MrWong99/rememberme/internal/mcp"
	"github.com/MrWong99/rememberme/internal/observe"
	"github.com/MrWong99/rememberme/internal/segment"
	"github.com/MrWong99/rememberme/internal/speaker"
	"github.com/MrWong99/rememberme/internal/summarize"
	"github.com/MrWong99/rememberme/internal/track"
	"github.com/MrWong99/rememberme/pkg/audio"
	"github.com/MrWong99/rememberme/pkg/memory"
	"github.com/MrWong99/rememberme/pkg/memory/postgres"
	"github.com/MrWong99/rememberme/pkg/provider/embeddings"
	"github.com/MrWong99/rememberme/pkg/provider/llm"
	"github.com/MrWong99/rememberme/pkg/provider/stt"
)

// defaultEmbeddingDimensions matches OpenAI text-embedding-3-small.
const defaultEmbeddingDimensions = 1536

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	STT stt.Provider
	LLM llm.Provider

	// ClinicalLLM produces the structured caregiver fields. Nil uses LLM.
	ClinicalLLM llm.Provider

	// Embeddings is optional; without it summaries are stored unembedded.
	Embeddings embeddings.Provider

	// Source delivers the per-track audio frames. Nil runs the service
	// without listening, serving only the HTTP surface.
	Source audio.Platform
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems, initialised in New and torn down in Shutdown.
	store      memory.Store
	ping       func(context.Context) error
	roster     *speaker.Roster
	thresholds atomic.Pointer[segment.Thresholds]
	summariser *summarize.Summariser
	reporter   *summarize.Reporter
	dispatcher *dispatch.Dispatcher
	tracks     *track.Manager
	listener   *Listener
	mcp        *mcp.Server
	api        *api.Server

	metrics        *observe.Metrics
	metricsHandler http.Handler
	onSegment      dispatch.CompletionHook
	logLevel       *slog.LevelVar
	version        string

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a conversation store instead of connecting to
// PostgreSQL. The readiness check then always passes.
func WithStore(s memory.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics records into m instead of the global meter provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLogLevel lets config reloads change the verbosity of the handler
// that reads lv.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithCompletionHook is called after every dispatched segment finishes,
// successfully or not.
func WithCompletionHook(fn dispatch.CompletionHook) Option {
	return func(a *App) { a.onSegment = fn }
}

// WithVersion sets the version reported by the MCP server.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// New performs all initialisation synchronously: store connection and
// migration, summariser and dispatcher construction, MCP tool registration
// and HTTP route assembly. Nothing listens until [App.Run].
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		version:   "dev",
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	th := cfg.Segmentation.Thresholds
	if err := th.Validate(); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.thresholds.Store(&th)

	// ── 1. Memory store ──────────────────────────────────────────────────
	if err := a.initMemory(ctx); err != nil {
		return nil, fmt.Errorf("app: init memory: %w", err)
	}

	// ── 2. Roster + summariser ───────────────────────────────────────────
	if err := a.initSummariser(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init summariser: %w", err)
	}

	// ── 3. Dispatcher + track manager ────────────────────────────────────
	if err := a.initPipeline(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}

	// ── 4. MCP server ────────────────────────────────────────────────────
	if err := a.initMCP(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init mcp: %w", err)
	}

	// ── 5. HTTP surface ──────────────────────────────────────────────────
	a.initAPI()

	if a.providers.Source != nil {
		a.listener = NewListener(a.providers.Source, a.tracks, string(cfg.Source.Type))
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initMemory connects to PostgreSQL unless a store was injected.
func (a *App) initMemory(ctx context.Context) error {
	if a.store != nil {
		a.ping = func(context.Context) error { return nil }
		return nil
	}

	dsn := a.cfg.Memory.PostgresDSN
	if dsn == "" {
		return errors.New("memory.postgres_dsn is required when no store is injected")
	}
	dims := a.cfg.Memory.EmbeddingDimensions
	if dims == 0 {
		dims = defaultEmbeddingDimensions
	}

	store, err := postgres.NewStore(ctx, dsn, dims)
	if err != nil {
		return err
	}
	a.store = store
	a.ping = store.Ping
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	slog.Info("memory store connected", "embedding_dimensions", dims)
	return nil
}

func (a *App) initSummariser() error {
	if a.providers.LLM == nil {
		return errors.New("an llm provider is required")
	}
	a.roster = speaker.New(a.cfg.People)

	opts := []summarize.Option{summarize.WithRoster(a.roster)}
	if a.providers.ClinicalLLM != nil {
		opts = append(opts, summarize.WithClinicalProvider(a.providers.ClinicalLLM))
	}
	a.summariser = summarize.New(a.providers.LLM, opts...)
	a.reporter = summarize.NewReporter(a.store, a.providers.LLM, summarize.WithReporterRoster(a.roster))
	return nil
}

func (a *App) initPipeline() error {
	opts := []dispatch.Option{
		dispatch.WithRecordingsDir(a.cfg.Recordings.Dir),
		dispatch.WithPatientID(a.cfg.Patient.ID),
		dispatch.WithMetrics(a.metrics),
	}
	if a.providers.Embeddings != nil {
		opts = append(opts, dispatch.WithEmbedder(a.providers.Embeddings))
	}
	if a.onSegment != nil {
		opts = append(opts, dispatch.WithCompletionHook(a.onSegment))
	}
	if t := a.cfg.Segmentation.DispatchTimeout; t > 0 {
		opts = append(opts, dispatch.WithTimeout(t))
	}
	if n := a.cfg.Segmentation.MaxConcurrentDispatches; n > 0 {
		opts = append(opts, dispatch.WithMaxConcurrent(n))
	}

	d, err := dispatch.New(a.providers.STT, a.summariser, a.store, opts...)
	if err != nil {
		return err
	}
	a.dispatcher = d

	a.tracks = track.NewManager(d, a.Thresholds,
		track.WithSpeakerResolver(a.roster.Speaker),
		track.WithMetrics(a.metrics),
	)
	return nil
}

func (a *App) initMCP() error {
	if !a.cfg.MCP.Enabled {
		return nil
	}
	opts := []mcp.Option{mcp.WithMetrics(a.metrics), mcp.WithVersion(a.version)}
	if a.providers.Embeddings != nil {
		opts = append(opts, mcp.WithEmbedder(a.providers.Embeddings))
	}
	srv, err := mcp.NewServer(a.store, a.reporter, opts...)
	if err != nil {
		return err
	}
	a.mcp = srv
	return nil
}

func (a *App) initAPI() {
	h := health.New(
		health.WithChecker("database", a.ping),
		health.WithDetail("livekit_configured", func() any { return a.cfg.LiveKit.Configured() }),
		health.WithDetail("source", func() any { return string(a.cfg.Source.Type) }),
		health.WithDetail("active_tracks", func() any { return len(a.tracks.Tracks()) }),
	)

	opts := []api.Option{
		api.WithHealth(h),
		api.WithMetrics(a.metrics),
		api.WithTokenEndpoint(a.cfg.LiveKit),
	}
	if a.cfg.Server.TLS != nil {
		opts = append(opts, api.WithTLS(a.cfg.Server.TLS))
	}
	if a.metricsHandler != nil {
		opts = append(opts, api.WithMetricsHandler(a.metricsHandler))
	}
	if a.mcp != nil {
		opts = append(opts, api.WithHandler(a.cfg.MCP.Path, a.mcp.Handler()))
	}
	// Push-based sources such as the WebSocket ingest serve their own route.
	if ingest, ok := a.providers.Source.(http.Handler); ok && a.cfg.Source.Type == config.SourceWebSocket {
		opts = append(opts, api.WithHandler(a.cfg.Source.WebSocketPath, ingest))
	}
	a.api = api.New(a.cfg.Server.ListenAddr, opts...)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Thresholds returns the segmentation thresholds new tracks are opened with.
func (a *App) Thresholds() segment.Thresholds {
	return *a.thresholds.Load()
}

// Tracks returns the manager that owns the per-track segmentation sessions.
func (a *App) Tracks() *track.Manager { return a.tracks }

// Dispatcher returns the segment dispatcher.
func (a *App) Dispatcher() *dispatch.Dispatcher { return a.dispatcher }

// Reporter returns the recap and Q&A generator.
func (a *App) Reporter() *summarize.Reporter { return a.reporter }

// Roster returns the people roster used for speaker resolution.
func (a *App) Roster() *speaker.Roster { return a.roster }

// Listener returns the listening session manager, or nil when no source is
// configured.
func (a *App) Listener() *Listener { return a.listener }

// Handler returns the HTTP handler with every route and middleware applied.
func (a *App) Handler() http.Handler { return a.api.Handler() }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts listening to the configured channel and serves HTTP until ctx
// is cancelled. It returns ctx's error, or the HTTP server's error when
// serving fails first.
func (a *App) Run(ctx context.Context) error {
	if a.listener != nil {
		if err := a.listener.Start(ctx, a.channelID()); err != nil {
			return fmt.Errorf("app: %w", err)
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- a.api.Run(ctx) }()

	slog.Info("app running",
		"listen_addr", a.cfg.Server.ListenAddr,
		"source", a.cfg.Source.Type,
		"routes", a.api.Routes(),
	)

	select {
	case <-ctx.Done():
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("app: http server: %w", err)
		}
		<-ctx.Done()
		return ctx.Err()
	}
}

// Replay listens until every track of the source has ended and every
// resulting segment has been processed. It is meant for finite sources such
// as WAV files; a live call never ends on its own.
func (a *App) Replay(ctx context.Context) error {
	if a.listener == nil {
		return errors.New("app: replay: no source configured")
	}
	if err := a.listener.Start(ctx, a.channelID()); err != nil {
		return fmt.Errorf("app: replay: %w", err)
	}

	done := make(chan struct{})
	go func() {
		a.tracks.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return a.dispatcher.Wait(ctx)
}

// channelID picks the room or channel the source should join.
func (a *App) channelID() string {
	switch a.cfg.Source.Type {
	case config.SourceLiveKit:
		return a.cfg.LiveKit.Room
	case config.SourceDiscord:
		return a.cfg.Discord.ChannelID
	default:
		return ""
	}
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig applies the parts of a changed config that can change live.
// It has the signature of a [config.ReloadFunc].
func (a *App) ApplyConfig(_, new *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(d.NewLogLevel))
		slog.Info("config reload: log level changed", "level", d.NewLogLevel)
	}

	if d.SegmentationChanged {
		th := new.Segmentation.Thresholds
		if err := th.Validate(); err != nil {
			slog.Warn("config reload: segmentation thresholds rejected", "err", err)
		} else {
			a.thresholds.Store(&th)
			slog.Info("config reload: segmentation thresholds changed; applies to new tracks",
				"energy_threshold", th.EnergyThreshold,
				"min_speech_frames", th.MinSpeechFrames,
				"silence_frame_threshold", th.SilenceFrameThreshold,
			)
		}
	}

	if d.PeopleChanged {
		a.roster.Replace(new.People)
		slog.Info("config reload: roster updated", "added", d.PeopleAdded, "removed", d.PeopleRemoved)
	}

	if len(d.RestartRequired) > 0 {
		slog.Warn("config reload: changes need a restart", "sections", d.RestartRequired)
	}
}

// SlogLevel converts a configured log level. Unknown values map to info.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops listening, drains in-flight segments and closes the store.
// It respects the context deadline: segments still running when ctx expires
// are cancelled, and remaining closers are skipped.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		// Stop producing segments first. Open tracks discard their partial
		// buffers.
		if a.listener != nil && a.listener.IsActive() {
			if err := a.listener.Stop(ctx); err != nil {
				slog.Warn("listener stop error", "err", err)
			}
		}
		a.tracks.CloseAll()
		a.tracks.Wait()

		if err := a.dispatcher.Wait(ctx); err != nil {
			slog.Warn("segments still in flight at shutdown deadline", "err", err)
			shutdownErr = err
		}
		if err := a.dispatcher.Close(); err != nil {
			slog.Warn("dispatcher close error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers registered so far, for failures during New.
func (a *App) closeAll() {
	for _, closer := range a.closers {
		if err := closer(); err != nil {
			slog.Warn("closer error", "err", err)
		}
	}
}
