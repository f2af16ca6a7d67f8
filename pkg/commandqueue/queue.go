package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/sqlsaber/internal/observability"
	"github.com/harun/sqlsaber/internal/tracing"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultWorkers bounds concurrently executing tasks
	DefaultWorkers = 4
	defaultName    = "runs"
)

var (
	// ErrClosed is returned by Submit after Close
	ErrClosed = errors.New("command queue is closed")
	// ErrLaneCancelled is delivered to waiters of tasks dropped by CancelLane
	ErrLaneCancelled = errors.New("lane cancelled")
)

// Task represents an asynchronous operation to be executed
type Task func(ctx context.Context) (interface{}, error)

// Options configures a CommandQueue
type Options struct {
	// Workers is the maximum number of tasks executing at once.
	Workers int
	// Name labels the queue's metrics.
	Name string
}

// taskRecord tracks a task's execution state
type taskRecord struct {
	id         string
	lane       string
	task       Task
	ctx        context.Context
	cancel     context.CancelFunc
	enqueuedAt time.Time
	result     chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

// laneState holds the running task and the FIFO backlog of one lane
type laneState struct {
	running *taskRecord
	queue   []*taskRecord
}

// Stats is a point-in-time view of the queue
type Stats struct {
	Workers int `json:"workers"`
	Lanes   int `json:"lanes"`
	Running int `json:"running"`
	Queued  int `json:"queued"`
}

// CommandQueue provides lane-based task serialization on a worker pool
type CommandQueue struct {
	name      string
	workers   chan struct{}
	lanes     map[string]*laneState
	taskIDSeq int
	closed    bool
	mu        sync.Mutex
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates a new CommandQueue
func New(opts Options) *CommandQueue {
	observability.EnsureRegistered()

	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Name == "" {
		opts.Name = defaultName
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &CommandQueue{
		name:    opts.Name,
		workers: make(chan struct{}, opts.Workers),
		lanes:   make(map[string]*laneState),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Submit queues task on lane and returns its id without waiting. The task
// context carries ctx's trace values and is cancelled by CancelLane or
// Close.
func (cq *CommandQueue) Submit(ctx context.Context, lane string, task Task) (string, error) {
	record, err := cq.submit(ctx, lane, task)
	if err != nil {
		return "", err
	}
	return record.id, nil
}

// Enqueue queues task on lane and waits for its result
func (cq *CommandQueue) Enqueue(ctx context.Context, lane string, task Task) (interface{}, error) {
	record, err := cq.submit(ctx, lane, task)
	if err != nil {
		return nil, err
	}
	result := <-record.result
	return result.value, result.err
}

func (cq *CommandQueue) submit(ctx context.Context, lane string, task Task) (*taskRecord, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if task == nil {
		return nil, fmt.Errorf("task cannot be nil")
	}

	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil, ErrClosed
	}

	cq.taskIDSeq++
	taskCtx, cancel := context.WithCancel(tracing.Detach(cq.ctx, ctx))
	record := &taskRecord{
		id:         fmt.Sprintf("%s-%d", lane, cq.taskIDSeq),
		lane:       lane,
		task:       task,
		ctx:        taskCtx,
		cancel:     cancel,
		enqueuedAt: time.Now(),
		result:     make(chan taskResult, 1),
	}

	ls, exists := cq.lanes[lane]
	if !exists {
		ls = &laneState{}
		cq.lanes[lane] = ls
	}
	if ls.running == nil {
		ls.running = record
		cq.wg.Add(1)
		go cq.executeTask(record)
	} else {
		ls.queue = append(ls.queue, record)
	}
	queued := cq.queuedLocked()
	cq.mu.Unlock()

	observability.RecordQueueEnqueue(cq.name, queued)
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Str("lane", lane).
		Str("taskId", record.id).
		Int("queued", queued).
		Msg("Task enqueued")

	return record, nil
}

// executeTask waits for a worker slot, runs the task and hands the lane to
// the next queued task
func (cq *CommandQueue) executeTask(record *taskRecord) {
	defer cq.wg.Done()

	logger := tracing.LoggerFromContext(record.ctx, log.Logger).With().Str("lane", record.lane).Str("taskId", record.id).Logger()

	acquired := false
	select {
	case cq.workers <- struct{}{}:
		acquired = true
	case <-record.ctx.Done():
	}

	startTime := time.Now()
	value, err := runTask(record)
	duration := time.Since(startTime)

	if acquired {
		<-cq.workers
	}
	record.cancel()

	cq.mu.Lock()
	ls := cq.lanes[record.lane]
	ls.running = nil
	if len(ls.queue) > 0 {
		next := ls.queue[0]
		ls.queue = ls.queue[1:]
		ls.running = next
		cq.wg.Add(1)
		go cq.executeTask(next)
	} else {
		delete(cq.lanes, record.lane)
	}
	queued := cq.queuedLocked()
	cq.mu.Unlock()

	record.result <- taskResult{value: value, err: err}
	close(record.result)

	if err != nil {
		logger.Warn().
			Dur("wait", startTime.Sub(record.enqueuedAt)).
			Dur("duration", duration).
			Err(err).
			Msg("Task failed")
	} else {
		logger.Debug().
			Dur("wait", startTime.Sub(record.enqueuedAt)).
			Dur("duration", duration).
			Msg("Task completed")
	}

	observability.RecordQueueCompletion(cq.name, duration, err == nil, queued)
}

func runTask(record *taskRecord) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return record.task(record.ctx)
}

func (cq *CommandQueue) queuedLocked() int {
	n := 0
	for _, ls := range cq.lanes {
		n += len(ls.queue)
	}
	return n
}

// CancelLane cancels the running task of lane and drops its backlog. It
// reports whether anything was cancelled.
func (cq *CommandQueue) CancelLane(lane string) bool {
	cq.mu.Lock()
	ls, exists := cq.lanes[lane]
	if !exists {
		cq.mu.Unlock()
		return false
	}
	dropped := ls.queue
	ls.queue = nil
	running := ls.running
	queued := cq.queuedLocked()
	cq.mu.Unlock()

	if running != nil {
		running.cancel()
	}
	for _, record := range dropped {
		record.cancel()
		record.result <- taskResult{err: ErrLaneCancelled}
		close(record.result)
	}

	observability.SetQueueSize(cq.name, queued)
	log.Info().Str("lane", lane).Int("dropped", len(dropped)).Msg("Lane cancelled")

	return running != nil || len(dropped) > 0
}

// IsActive reports whether lane has a running or queued task
func (cq *CommandQueue) IsActive(lane string) bool {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	_, exists := cq.lanes[lane]
	return exists
}

// Stats returns queue statistics
func (cq *CommandQueue) Stats() Stats {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	stats := Stats{Workers: cap(cq.workers), Lanes: len(cq.lanes)}
	for _, ls := range cq.lanes {
		if ls.running != nil {
			stats.Running++
		}
		stats.Queued += len(ls.queue)
	}
	return stats
}

// WaitForActive waits for all tasks to finish, up to timeout
func (cq *CommandQueue) WaitForActive(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		cq.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("All active tasks completed")
		return true
	case <-time.After(timeout):
		log.Warn().Dur("timeout", timeout).Msg("Timeout waiting for active tasks")
		return false
	}
}

// Close stops accepting tasks, cancels running ones and waits for every
// submitted task to return.
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil
	}
	cq.closed = true
	cq.mu.Unlock()

	cq.cancel()
	cq.wg.Wait()
	return nil
}
