package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/sqlsaber/internal/observability"
	"github.com/harun/sqlsaber/internal/tracing"
	"github.com/harun/sqlsaber/pkg/dbconn"
	"github.com/harun/sqlsaber/pkg/sqltools"
	"github.com/harun/sqlsaber/pkg/store"
	"github.com/harun/sqlsaber/pkg/thread"
	"github.com/harun/sqlsaber/pkg/toolexecutor"
	"github.com/rs/zerolog"
)

const (
	DefaultTurnBudget     = 12
	DefaultMaxRetries     = 2
	DefaultRetryBaseDelay = time.Second
)

// Runner executes agent runs: one run answers one user turn of a thread
type Runner struct {
	store           store.Store
	providerFactory ProviderCreator
	opener          sqltools.Opener
	logger          zerolog.Logger

	turnBudget     int
	maxRetries     int
	retryBaseDelay time.Duration
	maxTokens      int
	thinkingBudget int
	requestTimeout time.Duration
	rowLimit       int
	toolTimeout    time.Duration
}

// Config holds runner configuration
type Config struct {
	Store           store.Store
	ProviderFactory ProviderCreator
	// Opener opens user databases; dbconn.Open when nil.
	Opener sqltools.Opener
	Logger zerolog.Logger

	TurnBudget     int
	MaxRetries     int
	RetryBaseDelay time.Duration
	MaxTokens      int
	ThinkingBudget int
	RequestTimeout time.Duration
	RowLimit       int
	ToolTimeout    time.Duration
}

// RunParams identifies the thread to run and the resources bound to it
type RunParams struct {
	ThreadID string
	// PromptID is the user message that admitted the run. When set, a
	// failure is recorded only while it is still the latest prompt.
	PromptID         int64
	Provider         ProviderConfig
	Model            string
	ConnectionString string
	// Memory holds free-form notes about the database.
	Memory string
}

// NewRunner creates a new agent runner
func NewRunner(cfg Config) (*Runner, error) {
	observability.EnsureRegistered()

	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}

	providerFactory := cfg.ProviderFactory
	if providerFactory == nil {
		providerFactory = &ProviderFactory{}
	}
	if cfg.TurnBudget <= 0 {
		cfg.TurnBudget = DefaultTurnBudget
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if cfg.RowLimit <= 0 {
		cfg.RowLimit = sqltools.DefaultRowLimit
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = toolexecutor.DefaultTimeout
	}

	return &Runner{
		store:           cfg.Store,
		providerFactory: providerFactory,
		opener:          cfg.Opener,
		logger:          cfg.Logger.With().Str("component", "agent").Logger(),
		turnBudget:      cfg.TurnBudget,
		maxRetries:      cfg.MaxRetries,
		retryBaseDelay:  cfg.RetryBaseDelay,
		maxTokens:       cfg.MaxTokens,
		thinkingBudget:  cfg.ThinkingBudget,
		requestTimeout:  cfg.RequestTimeout,
		rowLimit:        cfg.RowLimit,
		toolTimeout:     cfg.ToolTimeout,
	}, nil
}

// TurnBudget returns the maximum number of LLM round-trips per run
func (r *Runner) TurnBudget() int {
	return r.turnBudget
}

// Run executes one run for a pending thread. It moves the thread to
// running, drives the tool loop and leaves the thread completed or
// errored. A thread that is not pending yields *thread.ConflictError and
// is left untouched.
func (r *Runner) Run(ctx context.Context, params RunParams) error {
	ctx = tracing.NewRunContext(ctx, params.ThreadID)
	logger := tracing.LoggerFromContext(ctx, r.logger)

	if _, err := r.store.Transition(ctx, params.ThreadID, thread.StatusRunning, ""); err != nil {
		logger.Warn().Err(err).Msg("Dropping run: thread is not pending")
		return err
	}

	done := observability.TrackActiveRun()
	defer done()

	start := time.Now()
	roundTrips, runErr := r.execute(ctx, logger, params)
	observability.RecordAgentRun(params.Provider.Provider, time.Since(start), roundTrips, runErr == nil)

	// the terminal transition must land even when the run was cancelled
	finishCtx := context.WithoutCancel(ctx)

	if runErr != nil {
		msg := runErr.Error()
		if errors.Is(runErr, ErrCancelled) {
			msg = ErrCancelled.Error()
		}
		if err := r.recordFailure(finishCtx, params, msg); err != nil {
			logger.Error().Err(err).Msg("Failed to record run failure")
		}
		observability.RecordThreadAudit(finishCtx, "run_failed", params.ThreadID, "error", map[string]interface{}{
			"error":       msg,
			"round_trips": roundTrips,
		})
		logger.Warn().Err(runErr).Int("round_trips", roundTrips).Msg("Run failed")
		return runErr
	}

	if _, err := r.store.Transition(finishCtx, params.ThreadID, thread.StatusCompleted, ""); err != nil {
		logger.Error().Err(err).Msg("Failed to record run completion")
		return err
	}
	observability.RecordThreadAudit(finishCtx, "run_completed", params.ThreadID, "ok", map[string]interface{}{
		"round_trips": roundTrips,
	})
	logger.Info().Int("round_trips", roundTrips).Dur("duration", time.Since(start)).Msg("Run completed")
	return nil
}

func (r *Runner) recordFailure(ctx context.Context, params RunParams, msg string) error {
	var err error
	if params.PromptID > 0 {
		_, err = r.store.FailTurn(ctx, params.ThreadID, params.PromptID, msg)
	} else {
		_, err = r.store.Transition(ctx, params.ThreadID, thread.StatusError, msg)
	}
	if errors.Is(err, thread.ErrConflict) {
		return nil
	}
	return err
}

// execute runs the tool loop and returns the number of LLM round-trips
func (r *Runner) execute(ctx context.Context, logger zerolog.Logger, params RunParams) (int, error) {
	provider, err := r.providerFactory.NewProvider(params.Provider)
	if err != nil {
		return 0, fmt.Errorf("failed to create provider: %w", err)
	}

	dialect, err := dbconn.ParseDialect(params.ConnectionString)
	if err != nil {
		return 0, &dbconn.ConnectionError{Err: err}
	}

	tools := sqltools.New(sqltools.Options{
		ConnectionString: params.ConnectionString,
		RowLimit:         r.rowLimit,
		Opener:           r.opener,
		Logger:           logger,
	})
	defer tools.Close()

	executor := toolexecutor.New()
	if err := tools.Register(executor); err != nil {
		return 0, err
	}

	specs := toolSpecs(executor)
	systemPrompt := SystemPrompt(dialect, r.rowLimit, params.Memory)
	execCtx := &toolexecutor.ExecutionContext{
		ThreadID: params.ThreadID,
		RunID:    tracing.GetRunID(ctx),
		Timeout:  r.toolTimeout,
	}

	for turn := 1; turn <= r.turnBudget; turn++ {
		if ctx.Err() != nil {
			return turn - 1, ErrCancelled
		}

		history, err := r.store.ListMessages(ctx, params.ThreadID, 0)
		if err != nil {
			return turn - 1, fmt.Errorf("failed to load history: %w", err)
		}

		response, err := r.callLLMWithRetry(ctx, logger, provider, LLMRequest{
			Model:          params.Model,
			SystemPrompt:   systemPrompt,
			Turns:          BuildTurns(history),
			Tools:          specs,
			MaxTokens:      r.maxTokens,
			ThinkingBudget: r.thinkingBudget,
		})
		if err != nil {
			if ctx.Err() != nil {
				return turn, ErrCancelled
			}
			return turn, err
		}

		logger.Debug().
			Int("turn", turn).
			Str("kind", response.Kind().String()).
			Int("input_tokens", response.Usage.InputTokens).
			Int("output_tokens", response.Usage.OutputTokens).
			Msg("LLM responded")

		// every message of this response shares one round so the history
		// replays it as a single assistant turn
		round := thread.LastRound(history) + 1

		for _, th := range response.Thinking {
			if th.empty() {
				continue
			}
			if err := r.append(ctx, params.ThreadID, round, thread.KindThinking, thread.ThinkingContent{
				Text:      th.Text,
				Signature: th.Signature,
				Redacted:  th.Redacted,
			}); err != nil {
				return turn, err
			}
		}

		if response.Kind() == ResponseFinal {
			if err := r.append(ctx, params.ThreadID, round, thread.KindAssistant, thread.TextContent{Text: response.Text}); err != nil {
				return turn, err
			}
			r.deriveTitle(ctx, logger, params.ThreadID, history)
			return turn, nil
		}

		// text that accompanies tool calls is narration, kept in order
		if response.Text != "" {
			if err := r.append(ctx, params.ThreadID, round, thread.KindAssistant, thread.TextContent{Text: response.Text}); err != nil {
				return turn, err
			}
		}

		for _, call := range response.ToolCalls {
			if ctx.Err() != nil {
				return turn, ErrCancelled
			}
			if err := r.runTool(ctx, logger, executor, execCtx, round, call); err != nil {
				return turn, err
			}
			if ctx.Err() != nil {
				return turn, ErrCancelled
			}
		}
	}

	return r.turnBudget, fmt.Errorf("%w: no final answer after %d round-trips", ErrBudgetExceeded, r.turnBudget)
}

// runTool appends the tool_call, executes it and appends the tool_result.
// Tool failures are reported to the model; only fatal ones end the run.
func (r *Runner) runTool(ctx context.Context, logger zerolog.Logger, executor *toolexecutor.ToolExecutor, execCtx *toolexecutor.ExecutionContext, round int64, call ToolCall) error {
	args := call.Parameters
	if args == nil {
		args = map[string]interface{}{}
	}

	if err := r.append(ctx, execCtx.ThreadID, round, thread.KindToolCall, thread.ToolCallContent{
		ToolName: call.Name,
		ToolArgs: args,
	}); err != nil {
		return err
	}

	result := executor.Execute(ctx, call.Name, args, execCtx)

	status := "ok"
	if !result.Success {
		status = "error"
	}
	observability.RecordToolAudit(ctx, call.Name, execCtx.ThreadID, status, map[string]interface{}{
		"fatal": result.Fatal,
	})

	if err := r.append(ctx, execCtx.ThreadID, round, thread.KindToolResult, thread.ToolResultContent{
		ToolName: call.Name,
		Result:   sqltools.ResultPayload(result),
	}); err != nil {
		return err
	}

	if result.Fatal {
		logger.Error().Str("tool", call.Name).Str("error", result.Error).Msg("Fatal tool failure")
		return errors.New(result.Error)
	}
	return nil
}

func (r *Runner) append(ctx context.Context, threadID string, round int64, kind thread.Kind, content interface{}) error {
	msg, err := thread.NewMessage(threadID, kind, content)
	if err != nil {
		return err
	}
	msg.Round = round
	// a message the loop already produced is persisted even if the run is
	// being cancelled
	if _, err := r.store.AppendMessage(context.WithoutCancel(ctx), msg); err != nil {
		return fmt.Errorf("failed to append %s message: %w", kind, err)
	}
	return nil
}

func (r *Runner) deriveTitle(ctx context.Context, logger zerolog.Logger, threadID string, history []thread.Message) {
	title := thread.DeriveTitle(thread.FirstUserPrompt(history))
	if title == "" {
		return
	}
	if err := r.store.SetTitleIfEmpty(context.WithoutCancel(ctx), threadID, title); err != nil {
		logger.Warn().Err(err).Msg("Failed to set thread title")
	}
}

// callLLMWithRetry calls the provider, retrying transient faults with
// exponential backoff
func (r *Runner) callLLMWithRetry(ctx context.Context, logger zerolog.Logger, provider LLMProvider, request LLMRequest) (*Response, error) {
	var lastErr error

	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		response, err := r.callLLM(ctx, provider, request)
		if err == nil {
			return response, nil
		}
		lastErr = err

		if ctx.Err() != nil || !IsRetryableError(err) {
			return nil, err
		}
		if attempt == r.maxRetries {
			break
		}

		delay := r.retryBaseDelay * time.Duration(1<<attempt)
		observability.RecordProviderRetry(provider.Provider())
		logger.Info().
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Err(err).
			Msg("Retrying after error")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return nil, fmt.Errorf("max retries (%d) exceeded: %w", r.maxRetries, lastErr)
}

// callLLM makes a single LLM API call
func (r *Runner) callLLM(ctx context.Context, provider LLMProvider, request LLMRequest) (*Response, error) {
	if r.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.requestTimeout)
		defer cancel()
	}
	response, err := provider.Call(ctx, request)
	if err != nil {
		return nil, err
	}
	if response == nil {
		return nil, &ProviderError{Provider: provider.Provider(), Err: errors.New("empty response")}
	}
	return response, nil
}

func toolSpecs(executor *toolexecutor.ToolExecutor) []ToolSpec {
	defs := executor.Definitions()
	specs := make([]ToolSpec, 0, len(defs))
	for _, def := range defs {
		specs = append(specs, ToolSpec{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: toolexecutor.InputSchema(def),
		})
	}
	return specs
}
