package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harun/sqlsaber/internal/config"
	"github.com/harun/sqlsaber/internal/logger"
	"github.com/harun/sqlsaber/internal/observability"
	"github.com/harun/sqlsaber/internal/tracing"
	"github.com/harun/sqlsaber/pkg/agent"
	"github.com/harun/sqlsaber/pkg/api"
	"github.com/harun/sqlsaber/pkg/commandqueue"
	"github.com/harun/sqlsaber/pkg/engine"
	"github.com/harun/sqlsaber/pkg/registry"
	"github.com/harun/sqlsaber/pkg/store"
)

const shutdownTimeout = 30 * time.Second

// Daemon wires the store, registry, agent runner, engine and API server
// into one service process
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	store     *store.SQLiteStore
	registry  *registry.Registry
	queue     *commandqueue.CommandQueue
	runner    *agent.Runner
	engine    *engine.Engine
	apiServer *api.Server
	lifecycle *LifecycleManager

	serveErr chan error

	startTime time.Time
	running   bool
	mu        sync.RWMutex
}

// Status is a point-in-time view of the daemon
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
}

// New creates a new daemon instance. Resources opened before a failure
// are released.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	observability.EnsureRegistered()

	d := &Daemon{
		config:   cfg,
		logger:   log,
		serveErr: make(chan error, 1),
	}
	built := false
	defer func() {
		if !built {
			d.release()
		}
	}()

	var err error

	if err := observability.InitAuditLogger(cfg.Logging.AuditFile); err != nil {
		logger := log.Component("daemon")
		logger.Warn().Err(err).Msg("Failed to open audit log, audit events are discarded")
	}

	d.store, err = store.NewSQLiteStore(store.Config{
		Path:   cfg.Store.Path,
		Logger: log.Component("store"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	d.registry, err = registry.New(registry.Config{
		Path:   cfg.Registry.Path,
		Watch:  cfg.Registry.Watch,
		Logger: log.GetZerolog(),
		OnReload: func(snap *registry.Snapshot) {
			f := snap.File()
			observability.RecordConfigAudit(context.Background(), "registry_reloaded", "watcher", map[string]interface{}{
				"databases": len(f.DatabaseConnections),
				"models":    len(f.ModelConfigs),
			})
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load registry: %w", err)
	}

	d.runner, err = agent.NewRunner(agent.Config{
		Store:          d.store,
		Logger:         log.GetZerolog(),
		TurnBudget:     cfg.Agent.TurnBudget,
		MaxRetries:     cfg.Agent.MaxRetries,
		RetryBaseDelay: cfg.Agent.RetryBaseDelay(),
		MaxTokens:      cfg.Agent.MaxTokens,
		ThinkingBudget: cfg.Agent.ThinkingBudgetTokens,
		RequestTimeout: cfg.Agent.RequestTimeout(),
		RowLimit:       cfg.Tools.RowLimit,
		ToolTimeout:    cfg.Tools.Timeout(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create agent runner: %w", err)
	}

	d.queue = commandqueue.New(commandqueue.Options{Workers: cfg.Queue.Workers})

	d.engine, err = engine.New(engine.Config{
		Store:            d.store,
		Registry:         d.registry,
		Runner:           d.runner,
		Queue:            d.queue,
		Logger:           log.GetZerolog(),
		StaleAfter:       cfg.Recovery.StaleAfter(),
		RecoverySchedule: cfg.Recovery.Schedule,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	d.apiServer, err = api.NewServer(api.Config{
		Host:               cfg.Server.Host,
		Port:               cfg.Server.Port,
		RateLimitPerMinute: cfg.Server.RateLimitPerMinute,
		TrustProxyHeaders:  cfg.Server.TrustProxyHeaders,
		Service:            d.engine,
		Logger:             log.GetZerolog(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create API server: %w", err)
	}

	d.lifecycle = NewLifecycleManager(d)

	built = true
	return d, nil
}

// release closes whatever New managed to open
func (d *Daemon) release() {
	if d.engine != nil {
		_ = d.engine.Close()
	} else if d.queue != nil {
		_ = d.queue.Close()
	}
	if d.registry != nil {
		_ = d.registry.Close()
	}
	if d.store != nil {
		_ = d.store.Close()
	}
	_ = observability.GetAuditLogger().Close()
}

// Start starts background services and the API listener
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	ctx := tracing.WithTraceID(context.Background(), tracing.NewTraceID())
	logger := tracing.LoggerFromContext(ctx, d.logger.Component("daemon"))
	logger.Info().Msg("Starting sqlsaber daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if err := d.registry.Start(); err != nil {
		logger.Warn().Err(err).Msg("Failed to watch registry, changes require a restart")
	}

	if err := d.engine.Start(ctx); err != nil {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		_ = d.lifecycle.Stop()
		return fmt.Errorf("failed to start engine: %w", err)
	}

	go func() {
		if err := d.apiServer.Start(); err != nil {
			d.serveErr <- err
		}
	}()

	logger.Info().
		Str("addr", d.config.Server.Addr()).
		Int("workers", d.queue.Stats().Workers).
		Msg("sqlsaber daemon started")
	return nil
}

// Stop drains the API server, cancels in-flight runs and closes resources
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	logger := d.logger.Component("daemon")
	logger.Info().Msg("Stopping sqlsaber daemon")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := d.apiServer.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop API server")
	}

	if err := d.engine.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop engine")
	}

	if err := d.registry.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop registry watcher")
	}

	if err := d.store.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close store")
	}

	if err := observability.GetAuditLogger().Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close audit log")
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	logger.Info().Msg("sqlsaber daemon stopped")
	return nil
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}

	return status
}

// Wait blocks until a termination signal arrives or the listener fails,
// then stops the daemon
func (d *Daemon) Wait() error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	logger := d.logger.Component("daemon")

	var serveErr error
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("Received signal")
	case serveErr = <-d.serveErr:
		logger.Error().Err(serveErr).Msg("API server failed")
	}

	if err := d.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop daemon")
	}
	return serveErr
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetEngine returns the thread engine
func (d *Daemon) GetEngine() *engine.Engine {
	return d.engine
}

// GetAPIServer returns the HTTP API server
func (d *Daemon) GetAPIServer() *api.Server {
	return d.apiServer
}
