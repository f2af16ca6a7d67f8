package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/harun/sqlsaber/pkg/agent"
	"github.com/harun/sqlsaber/pkg/commandqueue"
	"github.com/harun/sqlsaber/pkg/registry"
	"github.com/harun/sqlsaber/pkg/store"
	"github.com/harun/sqlsaber/pkg/thread"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testRegistry = `
api_keys:
  - {id: 1, provider: anthropic, name: work, api_key: " sk-ant-one "}
  - {id: 2, provider: openai, name: other, api_key: sk-two}
database_connections:
  - {id: 1, name: analytics, connection_string: "sqlite:///tmp/analytics.db", memory: "amounts are in cents"}
  - {id: 2, name: reporting, connection_string: "postgres://r@db/rep"}
model_configs:
  - {id: 1, display_name: Sonnet, model_name: "anthropic:claude-sonnet-4-5", api_key_id: 1}
  - {id: 2, display_name: GPT, model_name: "openai:gpt-5.1", api_key_id: 2}
defaults: {database_connection_id: 1, model_config_id: 1}
`

type staticRegistry struct {
	mu   sync.Mutex
	snap *registry.Snapshot
}

func (r *staticRegistry) Snapshot() *registry.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap
}

func (r *staticRegistry) set(snap *registry.Snapshot) {
	r.mu.Lock()
	r.snap = snap
	r.mu.Unlock()
}

// fakeRunner follows the runner's status protocol without calling a model
type fakeRunner struct {
	store store.Store
	block bool

	mu     sync.Mutex
	params []agent.RunParams
}

func (f *fakeRunner) Run(ctx context.Context, params agent.RunParams) error {
	f.mu.Lock()
	f.params = append(f.params, params)
	f.mu.Unlock()

	if _, err := f.store.Transition(ctx, params.ThreadID, thread.StatusRunning, ""); err != nil {
		return err
	}

	if f.block {
		<-ctx.Done()
		_, _ = f.store.Transition(context.WithoutCancel(ctx), params.ThreadID, thread.StatusError, agent.ErrCancelled.Error())
		return agent.ErrCancelled
	}

	msg, err := thread.NewMessage(params.ThreadID, thread.KindAssistant, thread.TextContent{Text: "done"})
	if err != nil {
		return err
	}
	if _, err := f.store.AppendMessage(ctx, msg); err != nil {
		return err
	}
	_, err = f.store.Transition(ctx, params.ThreadID, thread.StatusCompleted, "")
	return err
}

func (f *fakeRunner) calls() []agent.RunParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]agent.RunParams(nil), f.params...)
}

type testEnv struct {
	engine   *Engine
	store    *store.SQLiteStore
	registry *staticRegistry
	runner   *fakeRunner
}

func setupEngine(t *testing.T, block bool) *testEnv {
	t.Helper()

	s, err := store.NewSQLiteStore(store.Config{
		Path:   filepath.Join(t.TempDir(), "sqlsaber.db"),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	snap, err := registry.Parse([]byte(testRegistry))
	require.NoError(t, err)
	reg := &staticRegistry{snap: snap}
	runner := &fakeRunner{store: s, block: block}

	e, err := New(Config{
		Store:      s,
		Registry:   reg,
		Runner:     runner,
		Queue:      commandqueue.New(commandqueue.Options{Workers: 2}),
		Logger:     zerolog.Nop(),
		StaleAfter: time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	return &testEnv{engine: e, store: s, registry: reg, runner: runner}
}

func waitForStatus(t *testing.T, s store.Store, id string, want thread.Status) *thread.Thread {
	t.Helper()
	var th *thread.Thread
	require.Eventually(t, func() bool {
		var err error
		th, err = s.GetThread(context.Background(), id)
		return err == nil && th.Status == want
	}, 3*time.Second, 5*time.Millisecond)
	return th
}

func TestNew(t *testing.T) {
	t.Run("should require collaborators", func(t *testing.T) {
		_, err := New(Config{})
		assert.Error(t, err)
	})
}

func TestCreateThread(t *testing.T) {
	t.Run("should reject an empty prompt", func(t *testing.T) {
		env := setupEngine(t, false)

		_, err := env.engine.CreateThread(context.Background(), TurnRequest{Prompt: "   "})
		assert.ErrorIs(t, err, ErrEmptyPrompt)
	})

	t.Run("should require configuration and create nothing", func(t *testing.T) {
		env := setupEngine(t, false)
		env.registry.set(registry.Empty())

		_, err := env.engine.CreateThread(context.Background(), TurnRequest{Prompt: "how many orders?"})
		assert.ErrorIs(t, err, ErrConfigurationRequired)

		threads, err := env.store.ListThreads(context.Background(), 10)
		require.NoError(t, err)
		assert.Empty(t, threads)
	})

	t.Run("should bind defaults and run to completion", func(t *testing.T) {
		env := setupEngine(t, false)

		th, err := env.engine.CreateThread(context.Background(), TurnRequest{Prompt: "how many orders?"})
		require.NoError(t, err)
		assert.Equal(t, thread.StatusPending, th.Status)
		assert.Equal(t, int64(1), th.DatabaseConnectionID)
		assert.Equal(t, int64(1), th.ModelConfigID)

		waitForStatus(t, env.store, th.ID, thread.StatusCompleted)

		msgs, err := env.store.ListMessages(context.Background(), th.ID, 0)
		require.NoError(t, err)
		require.NotEmpty(t, msgs)

		calls := env.runner.calls()
		require.Len(t, calls, 1)
		assert.Equal(t, agent.RunParams{
			ThreadID:         th.ID,
			PromptID:         msgs[0].ID,
			Provider:         agent.ProviderConfig{Provider: "anthropic", APIKey: "sk-ant-one"},
			Model:            "claude-sonnet-4-5",
			ConnectionString: "sqlite:///tmp/analytics.db",
			Memory:           "amounts are in cents",
		}, calls[0])
	})

	t.Run("should honor an explicit selection", func(t *testing.T) {
		env := setupEngine(t, false)

		th, err := env.engine.CreateThread(context.Background(), TurnRequest{
			Prompt:               "top customers",
			DatabaseConnectionID: 2,
			ModelConfigID:        2,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(2), th.DatabaseConnectionID)
		assert.Equal(t, int64(2), th.ModelConfigID)

		waitForStatus(t, env.store, th.ID, thread.StatusCompleted)
		calls := env.runner.calls()
		require.Len(t, calls, 1)
		assert.Equal(t, "openai", calls[0].Provider.Provider)
		assert.Equal(t, "gpt-5.1", calls[0].Model)
	})

	t.Run("should fail the run when the binding disappears before it starts", func(t *testing.T) {
		env := setupEngine(t, false)

		// hold the worker slots so the run cannot start yet
		release := make(chan struct{})
		for _, lane := range []string{"a", "b"} {
			_, err := env.engine.Queue().Submit(context.Background(), lane, func(ctx context.Context) (interface{}, error) {
				<-release
				return nil, nil
			})
			require.NoError(t, err)
		}

		th, err := env.engine.CreateThread(context.Background(), TurnRequest{Prompt: "count rows"})
		require.NoError(t, err)
		env.registry.set(registry.Empty())
		close(release)

		failed := waitForStatus(t, env.store, th.ID, thread.StatusError)
		assert.Equal(t, registry.ErrNoDatabase.Error(), failed.Error)
		assert.Empty(t, env.runner.calls())
	})
}

func TestContinueThread(t *testing.T) {
	t.Run("should reject an unknown thread", func(t *testing.T) {
		env := setupEngine(t, false)

		_, err := env.engine.ContinueThread(context.Background(), "missing", TurnRequest{Prompt: "more"})
		assert.ErrorIs(t, err, thread.ErrNotFound)
	})

	t.Run("should reject a thread with an active run and append nothing", func(t *testing.T) {
		env := setupEngine(t, true)

		th, err := env.engine.CreateThread(context.Background(), TurnRequest{Prompt: "slow question"})
		require.NoError(t, err)
		waitForStatus(t, env.store, th.ID, thread.StatusRunning)

		before, err := env.store.ListMessages(context.Background(), th.ID, 0)
		require.NoError(t, err)

		_, err = env.engine.ContinueThread(context.Background(), th.ID, TurnRequest{Prompt: "and now?"})
		require.ErrorIs(t, err, thread.ErrConflict)
		var conflict *thread.ConflictError
		require.True(t, errors.As(err, &conflict))
		assert.Equal(t, "Thread is currently running. Please wait for completion.", conflict.UserMessage())

		after, err := env.store.ListMessages(context.Background(), th.ID, 0)
		require.NoError(t, err)
		assert.Len(t, after, len(before))
	})

	t.Run("should run a follow-up and keep the current binding", func(t *testing.T) {
		env := setupEngine(t, false)

		th, err := env.engine.CreateThread(context.Background(), TurnRequest{Prompt: "first", DatabaseConnectionID: 2})
		require.NoError(t, err)
		waitForStatus(t, env.store, th.ID, thread.StatusCompleted)

		next, err := env.engine.ContinueThread(context.Background(), th.ID, TurnRequest{Prompt: "second"})
		require.NoError(t, err)
		assert.Equal(t, thread.StatusPending, next.Status)
		assert.Equal(t, int64(2), next.DatabaseConnectionID)

		waitForStatus(t, env.store, th.ID, thread.StatusCompleted)
		require.Len(t, env.runner.calls(), 2)

		messages, err := env.store.ListMessages(context.Background(), th.ID, 0)
		require.NoError(t, err)
		kinds := make([]thread.Kind, len(messages))
		for i, m := range messages {
			kinds[i] = m.Kind
		}
		assert.Equal(t, []thread.Kind{thread.KindUser, thread.KindAssistant, thread.KindUser, thread.KindAssistant}, kinds)
	})

	t.Run("should rebind to a new selection", func(t *testing.T) {
		env := setupEngine(t, false)

		th, err := env.engine.CreateThread(context.Background(), TurnRequest{Prompt: "first"})
		require.NoError(t, err)
		waitForStatus(t, env.store, th.ID, thread.StatusCompleted)

		next, err := env.engine.ContinueThread(context.Background(), th.ID, TurnRequest{Prompt: "second", ModelConfigID: 2})
		require.NoError(t, err)
		assert.Equal(t, int64(2), next.ModelConfigID)
	})
}

func TestCancelThread(t *testing.T) {
	t.Run("should cancel a running job", func(t *testing.T) {
		env := setupEngine(t, true)

		th, err := env.engine.CreateThread(context.Background(), TurnRequest{Prompt: "slow question"})
		require.NoError(t, err)
		waitForStatus(t, env.store, th.ID, thread.StatusRunning)

		cancelled, err := env.engine.CancelThread(context.Background(), th.ID)
		require.NoError(t, err)
		assert.True(t, cancelled)

		failed := waitForStatus(t, env.store, th.ID, thread.StatusError)
		assert.Equal(t, "run cancelled", failed.Error)
	})

	t.Run("should fail a pending thread without a job", func(t *testing.T) {
		env := setupEngine(t, false)

		orphan, _, err := env.store.CreateThread(context.Background(), store.NewThreadParams{Prompt: "left behind"})
		require.NoError(t, err)

		cancelled, err := env.engine.CancelThread(context.Background(), orphan.ID)
		require.NoError(t, err)
		assert.True(t, cancelled)

		th, err := env.store.GetThread(context.Background(), orphan.ID)
		require.NoError(t, err)
		assert.Equal(t, thread.StatusError, th.Status)
		assert.Equal(t, "run cancelled", th.Error)
	})

	t.Run("should report terminal threads as not cancelled", func(t *testing.T) {
		env := setupEngine(t, false)

		th, err := env.engine.CreateThread(context.Background(), TurnRequest{Prompt: "quick"})
		require.NoError(t, err)
		waitForStatus(t, env.store, th.ID, thread.StatusCompleted)

		cancelled, err := env.engine.CancelThread(context.Background(), th.ID)
		require.NoError(t, err)
		assert.False(t, cancelled)
	})
}

func TestPoll(t *testing.T) {
	env := setupEngine(t, false)

	th, err := env.engine.CreateThread(context.Background(), TurnRequest{Prompt: "how many orders?"})
	require.NoError(t, err)
	waitForStatus(t, env.store, th.ID, thread.StatusCompleted)

	polled, messages, err := env.engine.Poll(context.Background(), th.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, thread.StatusCompleted, polled.Status)
	require.Len(t, messages, 2)

	_, rest, err := env.engine.Poll(context.Background(), th.ID, messages[0].ID)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, thread.KindAssistant, rest[0].Kind)

	_, none, err := env.engine.Poll(context.Background(), th.ID, messages[1].ID)
	require.NoError(t, err)
	assert.Empty(t, none)

	_, _, err = env.engine.Poll(context.Background(), "missing", 0)
	assert.ErrorIs(t, err, thread.ErrNotFound)
}

func TestReapStale(t *testing.T) {
	t.Run("should fail orphaned active threads", func(t *testing.T) {
		env := setupEngine(t, false)

		orphan, _, err := env.store.CreateThread(context.Background(), store.NewThreadParams{Prompt: "left behind"})
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)

		n, err := env.engine.ReapStale(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		th, err := env.store.GetThread(context.Background(), orphan.ID)
		require.NoError(t, err)
		assert.Equal(t, thread.StatusError, th.Status)
		assert.Equal(t, "run interrupted", th.Error)
	})

	t.Run("should leave runs owned by the local queue alone", func(t *testing.T) {
		env := setupEngine(t, true)

		th, err := env.engine.CreateThread(context.Background(), TurnRequest{Prompt: "slow question"})
		require.NoError(t, err)
		waitForStatus(t, env.store, th.ID, thread.StatusRunning)
		time.Sleep(5 * time.Millisecond)

		n, err := env.engine.ReapStale(context.Background())
		require.NoError(t, err)
		assert.Zero(t, n)

		current, err := env.store.GetThread(context.Background(), th.ID)
		require.NoError(t, err)
		assert.Equal(t, thread.StatusRunning, current.Status)
	})
}

func TestStart(t *testing.T) {
	t.Run("should reject an invalid schedule", func(t *testing.T) {
		env := setupEngine(t, false)
		env.engine.recoverySchedule = "not a schedule"

		assert.Error(t, env.engine.Start(context.Background()))
	})

	t.Run("should reap on start", func(t *testing.T) {
		env := setupEngine(t, false)

		orphan, _, err := env.store.CreateThread(context.Background(), store.NewThreadParams{Prompt: "left behind"})
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)

		require.NoError(t, env.engine.Start(context.Background()))

		th, err := env.store.GetThread(context.Background(), orphan.ID)
		require.NoError(t, err)
		assert.Equal(t, thread.StatusError, th.Status)
	})
}

func TestClose(t *testing.T) {
	env := setupEngine(t, true)

	th, err := env.engine.CreateThread(context.Background(), TurnRequest{Prompt: "slow question"})
	require.NoError(t, err)
	waitForStatus(t, env.store, th.ID, thread.StatusRunning)

	require.NoError(t, env.engine.Close())

	current, err := env.store.GetThread(context.Background(), th.ID)
	require.NoError(t, err)
	assert.Equal(t, thread.StatusError, current.Status)
	assert.Equal(t, "run cancelled", current.Error)
}

// gatedRunner holds its first run before the pending to running move, the
// way a job does when it is cancelled right after starting
type gatedRunner struct {
	fakeRunner
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedRunner) Run(ctx context.Context, params agent.RunParams) error {
	first := false
	g.once.Do(func() { first = true })
	if !first {
		return g.fakeRunner.Run(ctx, params)
	}

	close(g.entered)
	<-g.release
	_, err := g.store.Transition(ctx, params.ThreadID, thread.StatusRunning, "")
	return err
}

func TestCancelThenContinue(t *testing.T) {
	env := setupEngine(t, false)
	runner := &gatedRunner{
		fakeRunner: fakeRunner{store: env.store},
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	env.engine.runner = runner

	th, err := env.engine.CreateThread(context.Background(), TurnRequest{Prompt: "first"})
	require.NoError(t, err)
	<-runner.entered

	cancelled, err := env.engine.CancelThread(context.Background(), th.ID)
	require.NoError(t, err)
	assert.True(t, cancelled)
	failed, err := env.store.GetThread(context.Background(), th.ID)
	require.NoError(t, err)
	assert.Equal(t, thread.StatusError, failed.Status)

	_, err = env.engine.ContinueThread(context.Background(), th.ID, TurnRequest{Prompt: "second"})
	require.NoError(t, err)

	// the cancelled job now fails its own CAS and must not touch the new turn
	close(runner.release)

	t.Run("should answer the turn admitted after the cancel", func(t *testing.T) {
		done := waitForStatus(t, env.store, th.ID, thread.StatusCompleted)
		assert.Empty(t, done.Error)

		msgs, err := env.store.ListMessages(context.Background(), th.ID, 0)
		require.NoError(t, err)
		kinds := make([]thread.Kind, 0, len(msgs))
		for _, m := range msgs {
			kinds = append(kinds, m.Kind)
		}
		assert.Equal(t, []thread.Kind{thread.KindUser, thread.KindUser, thread.KindAssistant}, kinds)
		assert.Len(t, runner.calls(), 1)
	})
}

func TestFailTurnIsScopedToItsPrompt(t *testing.T) {
	env := setupEngine(t, false)

	th, first, err := env.store.CreateThread(context.Background(), store.NewThreadParams{Prompt: "first"})
	require.NoError(t, err)
	_, err = env.store.Transition(context.Background(), th.ID, thread.StatusError, "run cancelled")
	require.NoError(t, err)
	_, second, err := env.store.AdmitTurn(context.Background(), store.TurnParams{ThreadID: th.ID, Prompt: "second"})
	require.NoError(t, err)

	t.Run("should ignore a stale run", func(t *testing.T) {
		env.engine.failTurn(context.Background(), th.ID, first.ID, "context canceled")

		current, err := env.store.GetThread(context.Background(), th.ID)
		require.NoError(t, err)
		assert.Equal(t, thread.StatusPending, current.Status)
	})

	t.Run("should fail the current run", func(t *testing.T) {
		env.engine.failTurn(context.Background(), th.ID, second.ID, "boom")

		current, err := env.store.GetThread(context.Background(), th.ID)
		require.NoError(t, err)
		assert.Equal(t, thread.StatusError, current.Status)
		assert.Equal(t, "boom", current.Error)
	})
}

type mockRunner struct {
	mock.Mock
}

func (m *mockRunner) Run(ctx context.Context, params agent.RunParams) error {
	return m.Called(ctx, params).Error(0)
}

func TestRunnerFailureLeavesThreadTerminal(t *testing.T) {
	s, err := store.NewSQLiteStore(store.Config{
		Path:   filepath.Join(t.TempDir(), "sqlsaber.db"),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	snap, err := registry.Parse([]byte(testRegistry))
	require.NoError(t, err)

	runner := &mockRunner{}
	runner.On("Run", mock.Anything, mock.MatchedBy(func(p agent.RunParams) bool {
		return p.Provider.Provider == "anthropic" && p.Model == "claude-sonnet-4-5"
	})).Return(errors.New("provider exploded")).Once()

	e, err := New(Config{
		Store:    s,
		Registry: &staticRegistry{snap: snap},
		Runner:   runner,
		Queue:    commandqueue.New(commandqueue.Options{Workers: 1}),
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	th, err := e.CreateThread(context.Background(), TurnRequest{Prompt: "count orders"})
	require.NoError(t, err)

	failed := waitForStatus(t, s, th.ID, thread.StatusError)
	assert.Equal(t, "provider exploded", failed.Error)
	runner.AssertExpectations(t)
}
