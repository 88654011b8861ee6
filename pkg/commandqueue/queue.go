package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/loom/internal/observability"
	"github.com/harun/loom/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "loom.commandqueue"

var (
	ErrClosed      = errors.New("command queue closed")
	ErrLaneCleared = errors.New("lane cleared")
)

// Task represents an asynchronous operation to be executed
type Task func(ctx context.Context) (interface{}, error)

// TaskOptions provides configuration for task execution
type TaskOptions struct {
	WarnAfter time.Duration
	OnWait    func(wait time.Duration, queuePos int)
}

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	options    TaskOptions
	result     chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

// laneState manages execution state for a single lane. Lanes are created on
// first use and dropped once idle.
type laneState struct {
	mu      sync.Mutex
	queue   []*taskRecord
	running bool
	removed bool
}

// LaneStats is a point-in-time view of one lane.
type LaneStats struct {
	Queued  int `json:"queued"`
	Running int `json:"running"`
}

// CommandQueue runs tasks in named lanes. Tasks in one lane run one at a
// time in FIFO order; lanes are independent.
type CommandQueue struct {
	mu        sync.Mutex
	lanes     map[string]*laneState
	taskIDSeq int
	closed    bool
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates an empty CommandQueue.
func New() *CommandQueue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	return &CommandQueue{
		lanes:  make(map[string]*laneState),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Enqueue adds a task to the specified lane and waits for its result.
func (cq *CommandQueue) Enqueue(lane string, task Task, options *TaskOptions) (interface{}, error) {
	return cq.EnqueueWithContext(context.Background(), lane, task, options)
}

// EnqueueWithContext adds a task to the specified lane and waits for its
// result. If ctx ends while the task is still queued, the task is dropped and
// ctx.Err() returned; a running task receives the cancellation through its
// own context and its result is returned.
func (cq *CommandQueue) EnqueueWithContext(ctx context.Context, lane string, task Task, options *TaskOptions) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if task == nil {
		return nil, fmt.Errorf("task cannot be nil")
	}

	ctx, span := tracing.StartSpan(ctx, tracerName, "commandqueue.enqueue", attribute.String("lane", lane))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("lane", lane).Logger()

	opts := TaskOptions{}
	if options != nil {
		opts = *options
	}

	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil, tracing.FailSpan(span, ErrClosed)
	}
	ls := cq.laneLocked(lane)
	cq.taskIDSeq++
	record := &taskRecord{
		id:         fmt.Sprintf("%s-%d", lane, cq.taskIDSeq),
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		options:    opts,
		result:     make(chan taskResult, 1),
	}
	ls.mu.Lock()
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	ls.mu.Unlock()
	if opts.WarnAfter > 0 {
		cq.wg.Add(1)
		go cq.startWarnTimer(ls, record, lane)
	}
	cq.mu.Unlock()

	logger.Debug().
		Str("taskId", record.id).
		Int("queueSize", queueSize).
		Msg("Task enqueued")
	observability.RecordLaneEnqueue(lane, queueSize)

	cq.processLane(lane, ls)

	var res taskResult
	select {
	case res = <-record.result:
	case <-ctx.Done():
		if cq.dequeue(ls, record) {
			logger.Debug().Str("taskId", record.id).Msg("Task abandoned while queued")
			cq.collect(lane, ls)
			return nil, tracing.FailSpan(span, ctx.Err())
		}
		res = <-record.result
	}
	if res.err != nil {
		tracing.FailSpan(span, res.err)
	}
	return res.value, res.err
}

// laneLocked returns the named lane, creating it if needed. cq.mu must be held.
func (cq *CommandQueue) laneLocked(lane string) *laneState {
	if ls, ok := cq.lanes[lane]; ok {
		return ls
	}
	ls := &laneState{}
	cq.lanes[lane] = ls
	log.Debug().Str("lane", lane).Msg("Lane initialized")
	return ls
}

func (cq *CommandQueue) lookup(lane string) (*laneState, bool) {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	ls, ok := cq.lanes[lane]
	return ls, ok
}

func (cq *CommandQueue) dequeue(ls *laneState, record *taskRecord) bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for i, r := range ls.queue {
		if r == record {
			ls.queue = append(ls.queue[:i], ls.queue[i+1:]...)
			return true
		}
	}
	return false
}

// processLane starts the next queued task if the lane is idle.
func (cq *CommandQueue) processLane(lane string, ls *laneState) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if ls.running || len(ls.queue) == 0 {
		return
	}
	record := ls.queue[0]
	ls.queue = ls.queue[1:]
	ls.running = true

	logger := tracing.LoggerFromContext(record.ctx, log.Logger)
	logger.Debug().
		Str("lane", lane).
		Str("taskId", record.id).
		Int("queued", len(ls.queue)).
		Msg("Task started")

	cq.wg.Add(1)
	go cq.executeTask(lane, ls, record)
}

func (cq *CommandQueue) executeTask(lane string, ls *laneState, record *taskRecord) {
	defer cq.wg.Done()

	taskCtx, span := tracing.StartSpan(
		record.ctx,
		tracerName,
		"commandqueue.execute_task",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(taskCtx, log.Logger).With().Str("lane", lane).Logger()

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(cq.ctx, cancel)
	defer func() {
		stopCancel()
		cancel()
	}()

	startTime := time.Now()
	value, err := runTask(runCtx, record.task)
	duration := time.Since(startTime)

	ls.mu.Lock()
	ls.running = false
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	record.result <- taskResult{value: value, err: err}

	if err != nil {
		tracing.FailSpan(span, err)
		logger.Debug().
			Str("taskId", record.id).
			Dur("duration", duration).
			Err(err).
			Msg("Task failed")
	} else {
		logger.Debug().
			Str("taskId", record.id).
			Dur("duration", duration).
			Msg("Task completed")
	}

	observability.RecordLaneCompletion(lane, duration, err == nil, queueSize)

	cq.processLane(lane, ls)
	cq.collect(lane, ls)
}

func runTask(ctx context.Context, task Task) (value interface{}, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task panicked: %v", p)
		}
	}()
	return task(ctx)
}

// collect drops an idle lane.
func (cq *CommandQueue) collect(lane string, ls *laneState) {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if ls.removed || ls.running || len(ls.queue) > 0 {
		return
	}
	if cq.lanes[lane] == ls {
		delete(cq.lanes, lane)
	}
	ls.removed = true
	observability.DeleteLane(lane)
}

func (cq *CommandQueue) startWarnTimer(ls *laneState, record *taskRecord, lane string) {
	defer cq.wg.Done()
	timer := time.NewTimer(record.options.WarnAfter)
	defer timer.Stop()

	select {
	case <-timer.C:
		ls.mu.Lock()
		queuePos := -1
		for i, r := range ls.queue {
			if r == record {
				queuePos = i
				break
			}
		}
		ls.mu.Unlock()

		if queuePos >= 0 {
			wait := time.Since(record.enqueuedAt)
			log.Warn().
				Str("lane", lane).
				Str("taskId", record.id).
				Dur("wait", wait).
				Int("queuePos", queuePos).
				Msg("Task waiting longer than expected")

			if record.options.OnWait != nil {
				record.options.OnWait(wait, queuePos)
			}
		}
	case <-record.ctx.Done():
	case <-cq.ctx.Done():
	}
}

// QueueSize returns the number of queued tasks for a lane
func (cq *CommandQueue) QueueSize(lane string) int {
	ls, ok := cq.lookup(lane)
	if !ok {
		return 0
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.queue)
}

// Stats returns queued and running counts for every live lane.
func (cq *CommandQueue) Stats() map[string]LaneStats {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	stats := make(map[string]LaneStats, len(cq.lanes))
	for lane, ls := range cq.lanes {
		ls.mu.Lock()
		st := LaneStats{Queued: len(ls.queue)}
		if ls.running {
			st.Running = 1
		}
		ls.mu.Unlock()
		stats[lane] = st
	}
	return stats
}

// ClearLane rejects all queued (not running) tasks in a lane with ErrLaneCleared.
func (cq *CommandQueue) ClearLane(lane string) int {
	ls, ok := cq.lookup(lane)
	if !ok {
		return 0
	}

	ls.mu.Lock()
	count := len(ls.queue)
	for _, record := range ls.queue {
		record.result <- taskResult{err: ErrLaneCleared}
	}
	ls.queue = nil
	ls.mu.Unlock()

	log.Info().Str("lane", lane).Int("cleared", count).Msg("Lane cleared")
	observability.SetLaneQueueSize(lane, 0)
	cq.collect(lane, ls)
	return count
}

// WaitForActive waits for all running tasks to complete, up to timeout.
func (cq *CommandQueue) WaitForActive(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		active := 0
		cq.mu.Lock()
		for _, ls := range cq.lanes {
			ls.mu.Lock()
			if ls.running {
				active++
			}
			ls.mu.Unlock()
		}
		cq.mu.Unlock()

		if active == 0 {
			return true
		}
		if time.Now().After(deadline) {
			log.Warn().Dur("timeout", timeout).Int("active", active).Msg("Timeout waiting for active tasks")
			return false
		}
		<-ticker.C
	}
}

// Close rejects queued tasks, cancels running ones and waits for them to return.
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil
	}
	cq.closed = true
	for _, ls := range cq.lanes {
		ls.mu.Lock()
		for _, record := range ls.queue {
			record.result <- taskResult{err: ErrClosed}
		}
		ls.queue = nil
		ls.mu.Unlock()
	}
	cq.mu.Unlock()

	cq.cancel()
	cq.wg.Wait()
	return nil
}
