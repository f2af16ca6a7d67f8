// Package commandqueue executes background tasks on a bounded worker pool
// with FIFO ordering per lane.
//
// Invariants:
// - Tasks in the same lane execute one at a time in submission order.
// - Tasks in different lanes run concurrently, up to the worker limit.
// - Every submitted task is invoked exactly once; a task cancelled before
//   it started sees an already-done context.
// - Task contexts keep the submitter's trace values but not its deadline.
//
// Usage:
//
//	queue := commandqueue.New(commandqueue.Options{Workers: 4})
//	defer queue.Close()
//	id, err := queue.Submit(ctx, "thread:abc", func(ctx context.Context) (interface{}, error) {
//		return nil, runner.Run(ctx, params)
//	})
package commandqueue
