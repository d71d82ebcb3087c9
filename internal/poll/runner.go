package poll

import (
	"context"
	"errors"
	"runtime/debug"
	"time"

	logx "pollhub/pkg/logx"
)

type invocation struct {
	e       *entry
	task    Task
	guard   *runGuard
	runID   string
	started time.Time
	timeout time.Duration
	holds   *int // guarded by Manager.mu
}

type outcome struct {
	inv      invocation
	duration time.Duration
	err      error // nil or *ExecutionError
}

// invoke runs one callback and reports its outcome to the coordinator.
// The outcome is reported as soon as the callback returns or ctx ends,
// while the in-flight guard stays held until the callback really returns.
func (m *Manager) invoke(ctx context.Context, inv invocation) {
	done := make(chan error, 1)
	go func() {
		defer func() {
			inv.guard.release()
			m.callReturned(inv)
		}()
		done <- m.call(ctx, inv)
	}()

	var err error
	select {
	case err = <-done:
		var xe *ExecutionError
		if errors.As(err, &xe) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			xe.Timeout = true
		}
	case <-ctx.Done():
		cause := ctx.Err()
		err = &ExecutionError{
			Task:    inv.task.Name(),
			RunID:   inv.runID,
			Timeout: errors.Is(cause, context.DeadlineExceeded),
			Err:     cause,
		}
	}

	out := outcome{inv: inv, duration: time.Since(inv.started), err: err}
	select {
	case m.results <- out:
	case <-m.quit:
	}
}

// call runs the callback with panic recovery.
func (m *Manager) call(ctx context.Context, inv invocation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("task panicked",
				logx.String("task", inv.task.Name()),
				logx.String("run_id", inv.runID),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
			err = &ExecutionError{Task: inv.task.Name(), RunID: inv.runID, Panic: r}
		}
	}()
	if rerr := inv.task.Run(ctx); rerr != nil {
		var xe *ExecutionError
		if errors.As(rerr, &xe) {
			return rerr
		}
		return &ExecutionError{Task: inv.task.Name(), RunID: inv.runID, Err: rerr}
	}
	return nil
}
