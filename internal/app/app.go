// Package app assembles the Kotoha agent server: graph nodes and executor,
// long-term memory, speech synthesis, the WebSocket push hub, and the HTTP
// surface. It owns subsystem lifecycles so main() only has to build
// providers, call [New], and run.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/kotoha-ai/kotoha/internal/config"
	"github.com/kotoha-ai/kotoha/internal/graph"
	"github.com/kotoha-ai/kotoha/internal/health"
	"github.com/kotoha-ai/kotoha/internal/llm"
	"github.com/kotoha-ai/kotoha/internal/nodes"
	"github.com/kotoha-ai/kotoha/internal/observe"
	"github.com/kotoha-ai/kotoha/internal/push/wshub"
	"github.com/kotoha-ai/kotoha/internal/session"
	"github.com/kotoha-ai/kotoha/internal/speech"
	"github.com/kotoha-ai/kotoha/internal/speech/voicevox"
	"github.com/kotoha-ai/kotoha/internal/statelog"
	"github.com/kotoha-ai/kotoha/internal/turn"
	"github.com/kotoha-ai/kotoha/pkg/memory"
	"github.com/kotoha-ai/kotoha/pkg/memory/postgres"
	embprov "github.com/kotoha-ai/kotoha/pkg/provider/embeddings"
	llmprov "github.com/kotoha-ai/kotoha/pkg/provider/llm"
)

// Providers holds the external model providers built from configuration.
// LLM is required; Embeddings may be nil, which disables vector memory.
type Providers struct {
	LLM        llmprov.Provider
	Embeddings embprov.Provider
}

// App is the assembled application. Create with [New], start with [Run],
// stop with [Shutdown].
type App struct {
	cfg       *config.Config
	providers *Providers
	logger    *slog.Logger
	metrics   *observe.Metrics

	store       memory.Store
	client      *llm.Client
	registry    *graph.Registry
	executor    *graph.Executor
	sink        graph.Sink
	sessions    *session.Manager
	synthesizer speech.Synthesizer
	dispatcher  *speech.Dispatcher
	hub         *wshub.Hub
	coordinator *turn.Coordinator
	server      *http.Server

	closers  []func() error
	stopOnce sync.Once
}

// Option overrides a subsystem before wiring, mainly for tests.
type Option func(*App)

// WithLogger sets the application logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// WithStore injects a memory store, bypassing the Postgres setup that the
// configuration would otherwise drive.
func WithStore(s memory.Store) Option {
	return func(a *App) { a.store = s }
}

// WithSynthesizer injects a speech synthesizer, bypassing VOICEVOX setup.
func WithSynthesizer(s speech.Synthesizer) Option {
	return func(a *App) { a.synthesizer = s }
}

// WithMetrics sets the metrics instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New wires every subsystem from cfg and providers. On error, anything
// already opened is closed before returning.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil {
		return nil, errors.New("app: an LLM provider is required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// 1. Long-term memory (optional).
	if err := a.initMemory(ctx); err != nil {
		a.closeAll()
		return nil, err
	}

	// 2. LLM client with request/response audit logging.
	a.initClient()

	// 3. Graph nodes, registry, and executor.
	if err := a.initGraph(); err != nil {
		a.closeAll()
		return nil, err
	}

	// 4. Inactivity session manager.
	a.sessions = session.NewManager(
		session.WithLogger(a.logger),
		session.WithMetrics(a.metrics),
	)

	// 5. Push hub. The activate/disconnect callbacks reach the coordinator
	// built two steps later; they cannot fire before Run starts the server.
	a.hub = wshub.New(
		func(ctx context.Context, transportID, sessionID string) {
			a.coordinator.Activate(ctx, transportID, sessionID)
		},
		func(transportID string) {
			a.coordinator.Disconnect(transportID)
		},
		wshub.WithLogger(a.logger),
	)

	// 6. Speech synthesis (optional).
	a.initSpeech()

	// 7. Turn coordinator.
	var convlog *turn.ConvLog
	if cfg.Logs.ConversationDir != "" {
		convlog = turn.NewConvLog(cfg.Logs.ConversationDir, turn.WithConvLogLogger(a.logger))
	}
	a.coordinator = turn.NewCoordinator(turn.Config{
		Executor:   a.executor,
		Registry:   a.registry,
		Sessions:   a.sessions,
		Store:      a.store,
		ConvLog:    convlog,
		Dispatcher: a.dispatcher,
		Push:       a.hub,
		Sink:       a.sink,
		Logger:     a.logger,
	})

	// 8. HTTP server.
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.buildMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

func (a *App) initMemory(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	dsn := a.cfg.Memory.PostgresDSN
	if dsn == "" {
		a.logger.Info("long-term memory disabled: no postgres_dsn configured")
		return nil
	}
	if a.providers.Embeddings == nil {
		a.logger.Warn("long-term memory disabled: postgres_dsn set but no embeddings provider built")
		return nil
	}

	store, err := postgres.NewStore(ctx, dsn, a.providers.Embeddings, postgres.WithLogger(a.logger))
	if err != nil {
		return fmt.Errorf("app: init memory store: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

func (a *App) initClient() {
	clientOpts := []llm.Option{
		llm.WithLogger(a.logger),
		llm.WithMetrics(a.metrics),
	}
	if dir := a.cfg.Logs.APIDir; dir != "" {
		clientOpts = append(clientOpts, llm.WithAPILogger(llm.NewAPILogger(dir, llm.WithAPILogLogger(a.logger))))
	}
	a.client = llm.NewClient(a.providers.LLM, clientOpts...)
}

func (a *App) initGraph() error {
	unifiedOpts := []nodes.UnifiedOption{
		nodes.WithUnifiedLogger(a.logger),
	}
	if p := a.cfg.Agent.Persona; p != "" {
		unifiedOpts = append(unifiedOpts, nodes.WithPersona(p))
	}
	if n := a.cfg.Agent.RecentConversations; n > 0 {
		unifiedOpts = append(unifiedOpts, nodes.WithRecentLimit(n))
	}
	unified, err := nodes.NewUnified(a.client, a.store, unifiedOpts...)
	if err != nil {
		return fmt.Errorf("app: init decision node: %w", err)
	}

	a.registry = graph.NewRegistry()
	registrations := []graph.Registration{
		unified.Registration(),
		nodes.NewWeather(&nodes.PseudoForecaster{}).Registration(),
	}
	if a.store != nil {
		registrations = append(registrations, nodes.NewMemorySearch(a.store).Registration())
	}
	for _, reg := range registrations {
		if err := a.registry.Register(reg); err != nil {
			return fmt.Errorf("app: register node %q: %w", reg.Name, err)
		}
	}

	execOpts := []graph.ExecutorOption{
		graph.WithLogger(a.logger),
		graph.WithMetrics(a.metrics),
	}
	if n := a.cfg.Agent.MaxAttempts; n > 0 {
		execOpts = append(execOpts, graph.WithMaxAttempts(n))
	}
	if dir := a.cfg.Logs.StateDir; dir != "" {
		a.sink = statelog.NewSink(dir, statelog.WithLogger(a.logger))
		execOpts = append(execOpts, graph.WithSink(a.sink))
	}
	a.executor = graph.NewExecutor(a.registry, execOpts...)
	return nil
}

func (a *App) initSpeech() {
	if a.synthesizer == nil {
		url := a.cfg.Speech.VoicevoxURL
		if url == "" {
			a.logger.Info("speech synthesis disabled: no voicevox_url configured")
			return
		}
		if err := voicevox.CleanTempDir(a.cfg.Speech.OutputDir); err != nil {
			a.logger.Warn("could not clean stale voice fragments", "err", err)
		}
		a.synthesizer = voicevox.New(url, a.cfg.Speech.OutputDir,
			voicevox.WithConcurrency(a.cfg.Speech.Concurrency),
			voicevox.WithLogger(a.logger),
			voicevox.WithMetrics(a.metrics),
		)
	}
	a.dispatcher = speech.NewDispatcher(a.synthesizer, a.hub,
		speech.WithVoiceID(a.cfg.Speech.VoiceID),
		speech.WithDispatcherLogger(a.logger),
	)
}

// Run starts the HTTP server and blocks until ctx is cancelled or the
// server fails. Cancellation returns ctx.Err(); call [App.Shutdown] after.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			a.logger.Info("listening with TLS", "addr", a.server.Addr)
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			a.logger.Info("listening", "addr", a.server.Addr)
			err = a.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("app: http server: %w", err)
	}
}

// Shutdown stops the HTTP server, waits for in-flight speech delivery, and
// closes every subsystem. Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		if a.server != nil {
			if serr := a.server.Shutdown(ctx); serr != nil {
				err = errors.Join(err, fmt.Errorf("app: shutdown http server: %w", serr))
			}
		}
		if a.sessions != nil {
			if active := a.sessions.Active(); active != "" {
				a.sessions.Cancel(active)
			}
		}
		if a.coordinator != nil {
			a.coordinator.Close()
		}
		err = errors.Join(err, a.closeAll())
	})
	return err
}

// closeAll runs the registered closers in reverse order.
func (a *App) closeAll() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = errors.Join(err, a.closers[i]())
	}
	a.closers = nil
	return err
}

// Coordinator exposes the turn coordinator, mainly for tests.
func (a *App) Coordinator() *turn.Coordinator { return a.coordinator }

func (a *App) readinessCheckers() []health.Checker {
	var checkers []health.Checker
	if a.store != nil {
		checkers = append(checkers, health.Checker{
			Name: "memory",
			Check: func(ctx context.Context) error {
				_, err := a.store.LoadLatestSnapshot(ctx)
				return err
			},
		})
	}
	return checkers
}
