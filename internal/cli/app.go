package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/harun/loom/internal/config"
	"github.com/harun/loom/internal/logger"
	"github.com/harun/loom/internal/observability"
	"github.com/harun/loom/internal/tracing"
	"github.com/harun/loom/pkg/agent"
	"github.com/harun/loom/pkg/coretools"
	"github.com/harun/loom/pkg/engine"
	"github.com/harun/loom/pkg/hooks"
	"github.com/harun/loom/pkg/session"
	"github.com/harun/loom/pkg/toolregistry"
	"github.com/spf13/cobra"
)

// shutdownGrace bounds how long closing the engine waits for running work.
const shutdownGrace = 5 * time.Second

// app is everything a command needs, built from config and flags.
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	engine  *engine.Engine
	cleanup *session.Cleanup
	metrics *http.Server
	tracing bool
}

// unavailableModel stands in when no credentials are configured so offline
// commands (tree, fork, compact) still work.
type unavailableModel struct{ err error }

func (m unavailableModel) Name() string { return "unavailable" }

func (m unavailableModel) Generate(context.Context, agent.Request) (*agent.Response, error) {
	return nil, m.err
}

func loadConfig(opts *rootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.dataDir != "" && opts.dataDir != cfg.DataDir {
		// Relocate every derived path under the new data directory.
		cfg.DataDir = opts.dataDir
		cfg.Sessions.Dir = ""
		cfg.Sessions.SQLitePath = ""
		cfg.Logging.File = ""
		cfg.Logging.AuditFile = ""
		cfg.WorkspacePath = ""
		cfg.ApplyPaths()
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.metricsAddr != "" {
		cfg.Metrics.Addr = opts.metricsAddr
	}
	if errs := config.NewValidator().ValidateConfig(cfg); len(errs) > 0 {
		return nil, fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return cfg, nil
}

// appSpec states what a command needs from the app.
type appSpec struct {
	// model makes missing credentials an error.
	model    bool
	observer agent.Observer
}

// newApp wires logging, telemetry, storage, tools, and the model.
func newApp(cmd *cobra.Command, opts *rootOptions, spec appSpec) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   true,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
		Output:    cmd.ErrOrStderr(),
		Secrets:   cfg.Secrets(),
		Patterns:  cfg.Logging.RedactPatterns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	a := &app{cfg: cfg, log: log}
	zl := log.Zerolog()

	if err := observability.InitAuditLogger(cfg.Logging.AuditFile); err != nil {
		zl.Warn().Err(err).Msg("Failed to initialize audit logger, audit events are discarded")
	}
	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName); err != nil {
			zl.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			a.tracing = true
		}
	}

	backend, err := openBackend(cfg)
	if err != nil {
		a.close()
		return nil, err
	}
	manager, err := session.NewManager(backend)
	if err != nil {
		_ = backend.Close()
		a.close()
		return nil, fmt.Errorf("failed to create session manager: %w", err)
	}

	tools, err := buildTools(cfg)
	if err != nil {
		_ = manager.Close()
		a.close()
		return nil, err
	}

	var model agent.Model
	if err := cfg.ValidateCredentials(); err != nil {
		if spec.model {
			_ = manager.Close()
			a.close()
			return nil, err
		}
		model = unavailableModel{err: err}
	} else {
		failover, err := agent.NewFailoverModel(cfg.AuthProfiles(), nil)
		if err != nil {
			_ = manager.Close()
			a.close()
			return nil, fmt.Errorf("failed to create model: %w", err)
		}
		model = failover
	}

	if retention := cfg.Retention(); retention > 0 {
		a.cleanup, err = session.NewCleanup(manager, retention, cfg.Sessions.CleanupSchedule)
		if err != nil {
			_ = manager.Close()
			a.close()
			return nil, err
		}
	}

	hookManager, err := hooks.NewManager(hooks.Config{
		Enabled: cfg.Hooks.Enabled,
		Hooks:   cfg.Hooks.Hooks,
		Logger:  zl,
	})
	if err != nil {
		_ = manager.Close()
		a.close()
		return nil, fmt.Errorf("failed to configure hooks: %w", err)
	}

	a.engine, err = engine.New(engine.Config{
		Sessions:      manager,
		Model:         model,
		Tools:         tools,
		Agent:         cfg.Agent,
		Logger:        zl,
		Observer:      spec.observer,
		Cleanup:       a.cleanup,
		Hooks:         hookManager,
		WorkspaceDir:  cfg.WorkspacePath,
		ShutdownGrace: shutdownGrace,
	})
	if err != nil {
		_ = manager.Close()
		a.close()
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	if cfg.Metrics.Addr != "" {
		if err := a.serveMetrics(cfg.Metrics.Addr); err != nil {
			a.close()
			return nil, err
		}
	}

	zl.Debug().
		Str("backend", backend.Name()).
		Str("model", model.Name()).
		Int("tools", tools.Len()).
		Int("hooks", hookManager.Len()).
		Msg("Application initialized")
	return a, nil
}

func openBackend(cfg *config.Config) (session.Backend, error) {
	switch cfg.Sessions.Backend {
	case config.BackendSQLite:
		return session.NewSQLiteBackend(cfg.Sessions.SQLitePath)
	default:
		return session.NewJSONLBackend(cfg.Sessions.Dir)
	}
}

func buildTools(cfg *config.Config) (*toolregistry.Registry, error) {
	builder := toolregistry.NewBuilder().
		WithTimeout(cfg.ToolTimeout()).
		WithMaxOutput(cfg.Tools.MaxOutputBytes)
	if err := coretools.Register(builder, coretools.Options{WorkspaceRoot: cfg.WorkspacePath}); err != nil {
		return nil, fmt.Errorf("failed to register builtin tools: %w", err)
	}
	registry, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build tool registry: %w", err)
	}
	policy := cfg.Tools.Policy
	policy.Validate()
	return registry.Filter(&policy), nil
}

func (a *app) serveMetrics(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on metrics address: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	a.metrics = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	zl := a.log.Zerolog()
	go func() {
		if err := a.metrics.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Error().Err(err).Msg("Metrics server stopped")
		}
	}()
	zl.Info().Str("addr", ln.Addr().String()).Msg("Serving metrics")
	return nil
}

func (a *app) close() {
	zl := a.log.Zerolog()
	if a.engine != nil {
		if err := a.engine.Close(); err != nil {
			zl.Warn().Err(err).Msg("Failed to close engine")
		}
	}
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.metrics.Shutdown(ctx)
		cancel()
	}
	if a.tracing {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = tracing.ShutdownOpenTelemetry(ctx)
		cancel()
	}
	_ = a.log.Close()
}

// withApp runs fn with a fully wired app and tears it down afterwards.
func withApp(cmd *cobra.Command, opts *rootOptions, spec appSpec, fn func(ctx context.Context, a *app) error) error {
	a, err := newApp(cmd, opts, spec)
	if err != nil {
		return err
	}
	defer a.close()
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(tracing.NewRequestContext(ctx), a)
}
