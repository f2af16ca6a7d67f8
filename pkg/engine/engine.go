package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/sqlsaber/internal/observability"
	"github.com/harun/sqlsaber/internal/tracing"
	"github.com/harun/sqlsaber/pkg/agent"
	"github.com/harun/sqlsaber/pkg/commandqueue"
	"github.com/harun/sqlsaber/pkg/registry"
	"github.com/harun/sqlsaber/pkg/store"
	"github.com/harun/sqlsaber/pkg/thread"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	DefaultStaleAfter       = 15 * time.Minute
	DefaultRecoverySchedule = "@every 1m"

	interruptedMessage = "run interrupted"
)

var (
	// ErrEmptyPrompt is returned when a turn carries no prompt text
	ErrEmptyPrompt = errors.New("prompt is required")
	// ErrConfigurationRequired means no usable database or model is configured
	ErrConfigurationRequired = errors.New("configuration required")
)

// Runner executes one run of a pending thread
type Runner interface {
	Run(ctx context.Context, params agent.RunParams) error
}

// RegistrySource yields the current registry snapshot
type RegistrySource interface {
	Snapshot() *registry.Snapshot
}

// Config configures an Engine
type Config struct {
	Store    store.Store
	Registry RegistrySource
	Runner   Runner
	Queue    *commandqueue.CommandQueue
	Logger   zerolog.Logger

	// StaleAfter is how long an active thread may go without updates
	// before the reaper considers it orphaned.
	StaleAfter time.Duration
	// RecoverySchedule is a cron spec for the reaper.
	RecoverySchedule string
}

// TurnRequest is a prompt plus optional resource selection. Zero ids
// select nothing.
type TurnRequest struct {
	Prompt               string
	DatabaseConnectionID int64
	ModelConfigID        int64
}

// Engine coordinates thread admission, run scheduling and recovery
type Engine struct {
	store    store.Store
	registry RegistrySource
	runner   Runner
	queue    *commandqueue.CommandQueue
	logger   zerolog.Logger

	staleAfter       time.Duration
	recoverySchedule string
	cron             *cron.Cron
}

// New creates a new Engine
func New(cfg Config) (*Engine, error) {
	observability.EnsureRegistered()

	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if cfg.Queue == nil {
		cfg.Queue = commandqueue.New(commandqueue.Options{})
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.RecoverySchedule == "" {
		cfg.RecoverySchedule = DefaultRecoverySchedule
	}

	return &Engine{
		store:            cfg.Store,
		registry:         cfg.Registry,
		runner:           cfg.Runner,
		queue:            cfg.Queue,
		logger:           cfg.Logger.With().Str("component", "engine").Logger(),
		staleAfter:       cfg.StaleAfter,
		recoverySchedule: cfg.RecoverySchedule,
	}, nil
}

// Registry returns the current registry snapshot
func (e *Engine) Registry() *registry.Snapshot {
	return e.registry.Snapshot()
}

// Queue exposes the run queue for stats
func (e *Engine) Queue() *commandqueue.CommandQueue {
	return e.queue
}

func laneFor(threadID string) string {
	return "thread:" + threadID
}

// CreateThread creates a pending thread from a first prompt and queues its
// run. The thread is bound to the selected (or default) resources.
func (e *Engine) CreateThread(ctx context.Context, req TurnRequest) (*thread.Thread, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}

	db, model, err := e.selectResources(req.DatabaseConnectionID, req.ModelConfigID)
	if err != nil {
		return nil, err
	}

	th, promptMsg, err := e.store.CreateThread(ctx, store.NewThreadParams{
		Prompt:               prompt,
		DatabaseConnectionID: db,
		ModelConfigID:        model,
	})
	if err != nil {
		return nil, err
	}

	observability.RecordThreadAudit(ctx, "thread_created", th.ID, "ok", map[string]interface{}{
		"database_connection_id": db,
		"model_config_id":        model,
	})

	if err := e.enqueueRun(ctx, th.ID, promptMsg.ID); err != nil {
		return nil, err
	}
	return th, nil
}

// ContinueThread appends a follow-up prompt to a terminal thread and
// queues a run. Active threads yield *thread.ConflictError and nothing is
// written. Without a selection the thread keeps its current binding when
// that binding is still usable.
func (e *Engine) ContinueThread(ctx context.Context, threadID string, req TurnRequest) (*thread.Thread, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}

	current, err := e.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if current.Status.Active() {
		return nil, thread.NewConflictError(threadID, current.Status)
	}

	dbID := req.DatabaseConnectionID
	if dbID == 0 {
		dbID = current.DatabaseConnectionID
	}
	modelID := req.ModelConfigID
	if modelID == 0 {
		modelID = current.ModelConfigID
	}
	db, model, err := e.selectResources(dbID, modelID)
	if err != nil {
		return nil, err
	}

	th, promptMsg, err := e.store.AdmitTurn(ctx, store.TurnParams{
		ThreadID:             threadID,
		Prompt:               prompt,
		DatabaseConnectionID: db,
		ModelConfigID:        model,
	})
	if err != nil {
		return nil, err
	}

	observability.RecordThreadAudit(ctx, "thread_continued", th.ID, "ok", map[string]interface{}{
		"database_connection_id": db,
		"model_config_id":        model,
	})

	if err := e.enqueueRun(ctx, th.ID, promptMsg.ID); err != nil {
		return nil, err
	}
	return th, nil
}

func (e *Engine) selectResources(dbID, modelID int64) (int64, int64, error) {
	snap := e.registry.Snapshot()
	db, ok := snap.SelectDatabase(dbID)
	if !ok {
		return 0, 0, ErrConfigurationRequired
	}
	model, _, ok := snap.SelectModel(modelID)
	if !ok {
		return 0, 0, ErrConfigurationRequired
	}
	return db.ID, model.ID, nil
}

// enqueueRun queues the run admitted by promptID. If the queue refuses, the
// thread is failed so it does not stay pending forever.
func (e *Engine) enqueueRun(ctx context.Context, threadID string, promptID int64) error {
	taskID, err := e.queue.Submit(ctx, laneFor(threadID), func(taskCtx context.Context) (interface{}, error) {
		return nil, e.runThread(taskCtx, threadID, promptID)
	})
	if err != nil {
		e.failTurn(context.WithoutCancel(ctx), threadID, promptID, "failed to queue run: "+err.Error())
		return fmt.Errorf("failed to queue run: %w", err)
	}

	logger := tracing.LoggerFromContext(ctx, e.logger)
	logger.Info().
		Str("thread_id", threadID).
		Str("task_id", taskID).
		Msg("Run queued")
	return nil
}

// runThread is the queued job: it resolves the thread's binding and hands
// the run to the agent. Every exit leaves its own turn terminal; a turn
// admitted after this one was cancelled is never touched.
func (e *Engine) runThread(ctx context.Context, threadID string, promptID int64) error {
	logger := tracing.LoggerFromContext(ctx, e.logger).With().Str("thread_id", threadID).Logger()

	if ctx.Err() != nil {
		e.failTurn(context.WithoutCancel(ctx), threadID, promptID, agent.ErrCancelled.Error())
		return agent.ErrCancelled
	}

	th, err := e.store.GetThread(ctx, threadID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load thread for run")
		return err
	}

	params, err := e.runParams(th, promptID)
	if err != nil {
		e.failTurn(context.WithoutCancel(ctx), threadID, promptID, err.Error())
		return err
	}

	err = e.runner.Run(ctx, *params)
	if err != nil && !errors.Is(err, thread.ErrConflict) {
		// No-op when the runner already recorded the failure.
		e.failTurn(context.WithoutCancel(ctx), threadID, promptID, err.Error())
	}
	return err
}

func (e *Engine) runParams(th *thread.Thread, promptID int64) (*agent.RunParams, error) {
	rt, err := e.registry.Snapshot().Resolve(th.DatabaseConnectionID, th.ModelConfigID)
	if err != nil {
		return nil, err
	}

	provider, model, err := agent.SplitModelName(rt.Model.ModelName)
	if err != nil {
		return nil, err
	}

	return &agent.RunParams{
		ThreadID: th.ID,
		PromptID: promptID,
		Provider: agent.ProviderConfig{
			Provider: provider,
			APIKey:   strings.TrimSpace(rt.APIKey.APIKey),
		},
		Model:            model,
		ConnectionString: strings.TrimSpace(rt.Database.ConnectionString),
		Memory:           strings.TrimSpace(rt.Database.Memory),
	}, nil
}

// fail moves an active thread to error. A thread that already left the
// active states is left alone.
func (e *Engine) fail(ctx context.Context, threadID, msg string) {
	if _, err := e.store.Transition(ctx, threadID, thread.StatusError, msg); err != nil {
		if errors.Is(err, thread.ErrConflict) {
			return
		}
		e.logger.Error().Err(err).Str("thread_id", threadID).Msg("Failed to mark thread as failed")
		return
	}
	observability.RecordThreadAudit(ctx, "run_failed", threadID, "error", map[string]interface{}{
		"error": msg,
	})
}

// failTurn is fail scoped to the run admitted by promptID
func (e *Engine) failTurn(ctx context.Context, threadID string, promptID int64, msg string) {
	if _, err := e.store.FailTurn(ctx, threadID, promptID, msg); err != nil {
		if errors.Is(err, thread.ErrConflict) {
			return
		}
		e.logger.Error().Err(err).Str("thread_id", threadID).Msg("Failed to mark turn as failed")
		return
	}
	observability.RecordThreadAudit(ctx, "run_failed", threadID, "error", map[string]interface{}{
		"error": msg,
	})
}

// GetThread returns a thread by id
func (e *Engine) GetThread(ctx context.Context, threadID string) (*thread.Thread, error) {
	return e.store.GetThread(ctx, threadID)
}

// ListThreads returns threads, most recently updated first
func (e *Engine) ListThreads(ctx context.Context, limit int) ([]thread.Thread, error) {
	return e.store.ListThreads(ctx, limit)
}

// Poll returns the thread and its messages with id > after. The thread is
// read first: messages are appended before a run turns terminal, so a
// terminal status always comes with the run's full output.
func (e *Engine) Poll(ctx context.Context, threadID string, after int64) (*thread.Thread, []thread.Message, error) {
	th, err := e.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, nil, err
	}
	messages, err := e.store.ListMessages(ctx, threadID, after)
	if err != nil {
		return nil, nil, err
	}
	return th, messages, nil
}

// CancelThread stops the thread's active run. A run owned by the local
// queue ends on its own as "run cancelled"; a pending thread with no live
// job, or one left behind by another process, is failed directly. It
// reports whether the thread had an active run.
func (e *Engine) CancelThread(ctx context.Context, threadID string) (bool, error) {
	th, err := e.store.GetThread(ctx, threadID)
	if err != nil {
		return false, err
	}
	if !th.Status.Active() {
		return false, nil
	}

	live := e.queue.CancelLane(laneFor(threadID))
	if th.Status == thread.StatusPending || !live {
		e.fail(ctx, threadID, agent.ErrCancelled.Error())
	}

	observability.RecordThreadAudit(ctx, "run_cancel_requested", threadID, "ok", map[string]interface{}{
		"live": live,
	})
	logger := tracing.LoggerFromContext(ctx, e.logger)
	logger.Info().
		Str("thread_id", threadID).
		Bool("live", live).
		Msg("Run cancellation requested")
	return true, nil
}

// ReapStale fails active threads not owned by a local job whose last
// update is older than the stale threshold.
func (e *Engine) ReapStale(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-e.staleAfter)
	threads, err := e.store.ListActiveBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale threads: %w", err)
	}

	reaped := 0
	for _, th := range threads {
		if e.queue.IsActive(laneFor(th.ID)) {
			continue
		}
		if _, err := e.store.Transition(ctx, th.ID, thread.StatusError, interruptedMessage); err != nil {
			if !errors.Is(err, thread.ErrConflict) {
				e.logger.Error().Err(err).Str("thread_id", th.ID).Msg("Failed to reap stale thread")
			}
			continue
		}
		reaped++
		observability.RecordThreadAudit(ctx, "run_interrupted", th.ID, "error", map[string]interface{}{
			"last_update": th.UpdatedAt,
		})
		e.logger.Warn().Str("thread_id", th.ID).Str("status", string(th.Status)).Msg("Reaped stale run")
	}

	if reaped > 0 {
		observability.RecordStaleRunsReaped(reaped)
	}
	return reaped, nil
}

// Start reaps once and then on the recovery schedule
func (e *Engine) Start(ctx context.Context) error {
	if _, err := e.ReapStale(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("Initial stale run recovery failed")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser))
	if _, err := c.AddFunc(e.recoverySchedule, func() {
		if _, err := e.ReapStale(context.Background()); err != nil {
			e.logger.Warn().Err(err).Msg("Stale run recovery failed")
		}
	}); err != nil {
		return fmt.Errorf("invalid recovery schedule: %w", err)
	}
	c.Start()
	e.cron = c

	e.logger.Info().Str("schedule", e.recoverySchedule).Dur("stale_after", e.staleAfter).Msg("Engine started")
	return nil
}

// Close stops the reaper, cancels queued and running runs, and waits for
// them to record their terminal status.
func (e *Engine) Close() error {
	if e.cron != nil {
		<-e.cron.Stop().Done()
	}
	return e.queue.Close()
}
