// Package commandqueue provides lane-based task execution with FIFO ordering per lane.
//
// Invariants:
// - Tasks in the same lane execute one at a time in FIFO order.
// - Tasks in different lanes may execute concurrently.
// - A caller whose context ends while its task is still queued gets ctx.Err() and the task never runs.
// - ClearLane rejects queued tasks with ErrLaneCleared; the running task is left alone.
// - Lanes are created on first use and dropped once idle.
//
// Usage:
//
//	queue := commandqueue.New()
//	defer queue.Close()
//	result, err := queue.EnqueueWithContext(ctx, "session:abc", func(ctx context.Context) (interface{}, error) {
//		return "ok", nil
//	}, nil)
package commandqueue
