package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/openkcm/common-sdk/pkg/logger"

	slogctx "github.com/veqryn/slog-context"
)

type (
	// Func defines the signature for a unit of work to be executed.
	Func func(ctx context.Context) error

	// Runner executes each Work periodically until it is stopped.
	Runner struct {
		Works []Work

		mu         sync.Mutex
		cancelFunc context.CancelFunc
		wg         sync.WaitGroup
	}

	// Work defines a periodic unit of work.
	Work struct {
		Name         string        // Name identifies the work in logs.
		Fn           Func          // Fn is the function to execute.
		ExecInterval time.Duration // ExecInterval is the interval between two executions.
		Timeout      time.Duration // Timeout bounds a single execution.
	}
)

var (
	ErrRunnerAlreadyRunning = errors.New("runner is already running")
	ErrRunnerNotRunning     = errors.New("runner is not running")
	ErrInvalidWork          = errors.New("work needs a function and positive interval and timeout")
)

// Run starts one goroutine per Work. It returns an error if the Runner is
// already running or a Work is invalid.
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelFunc != nil {
		return ErrRunnerAlreadyRunning
	}
	for _, work := range r.Works {
		if work.Fn == nil || work.ExecInterval <= 0 || work.Timeout <= 0 {
			return ErrInvalidWork
		}
	}

	ctxCancel, cancel := context.WithCancel(ctx)
	r.cancelFunc = cancel
	for _, work := range r.Works {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			run(ctxCancel, work)
		}()
	}
	return nil
}

// Stop cancels all works and waits until they return or ctx is done.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.cancelFunc == nil {
		r.mu.Unlock()
		return ErrRunnerNotRunning
	}
	r.cancelFunc()
	r.cancelFunc = nil
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slogctx.Info(ctx, "runner stopped gracefully")
		return nil
	case <-ctx.Done():
		slogctx.Error(ctx, "runner shutdown timed out")
		return ctx.Err()
	}
}

// run executes work on every tick. An execution running past its timeout is
// abandoned to its own goroutine and the loop continues.
func run(ctx context.Context, work Work) {
	ticker := time.NewTicker(work.ExecInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slogctx.Debug(ctx, "worker canceled", "name", work.Name)
			return
		case <-ticker.C:
			execute(ctx, work)
		}
	}
}

func execute(ctx context.Context, work Work) {
	ctxTimeout, cancel := context.WithTimeout(ctx, work.Timeout)
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		slogctx.Log(ctx, logger.LevelTrace, "worker started", "name", work.Name)
		errChan <- work.Fn(ctxTimeout)
	}()

	select {
	case err := <-errChan:
		if err != nil {
			slogctx.Error(ctx, "worker error", "name", work.Name, "error", err)
		}
	case <-ctxTimeout.Done():
		slogctx.Error(ctx, "worker timeout", "name", work.Name)
	}
}
