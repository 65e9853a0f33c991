package distributor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/openkcm/common-sdk/pkg/logger"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/distributor/internal/clock"
)

var (
	ErrStateLocked       = errors.New("state directory is locked by another process")
	ErrWorkerIDMissing   = errors.New("worker id is missing")
	ErrDistributorClosed = errors.New("distributor is closed")
)

type (
	// Distributor hands out the lines of one task file to workers.
	// It owns the task cursor and the worker statistics of a state
	// directory and serializes all calls on them.
	Distributor struct {
		mu     sync.Mutex
		closed bool

		config         Config
		countExhausted bool
		statsEnabled   bool
		now            clock.Func

		lock     *flock.Flock
		tasks    *os.File
		taskSize int64
		offset   *DurableValue[int64]
		cursor   *TaskCursor
		counts   *DurableValue[WorkerCounts]
		stats    *WorkerStats
	}

	// Option configures a Distributor.
	Option func(d *Distributor)

	// Progress describes how far the task file has been dispensed.
	Progress struct {
		Offset    int64 `json:"offset"`
		Size      int64 `json:"size"`
		Exhausted bool  `json:"exhausted"`
	}
)

// WithCountExhausted sets whether workers are credited for end-of-tasks responses.
// Default is true.
func WithCountExhausted(count bool) Option {
	return func(d *Distributor) {
		d.countExhausted = count
	}
}

// WithoutWorkerStats disables worker statistics. No worker-stats file is opened.
func WithoutWorkerStats() Option {
	return func(d *Distributor) {
		d.statsEnabled = false
	}
}

// WithClock sets the clock used to timestamp assignments.
func WithClock(now clock.Func) Option {
	return func(d *Distributor) {
		d.now = now
	}
}

// Open opens the task file and the state kept in cfg.StateDir.
// The state directory must exist. It is locked for the lifetime of the
// Distributor so that a second process cannot dispense from the same state.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Distributor, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	info, err := os.Stat(cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("%w: state directory %q: %w", ErrStorage, cfg.StateDir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: state directory %q is not a directory", ErrInvalidConfig, cfg.StateDir)
	}

	d := &Distributor{
		config:         cfg,
		countExhausted: defCountExhausted,
		statsEnabled:   defWorkerStatsActive,
		now:            clock.Now,
	}
	for _, opt := range opts {
		opt(d)
	}

	d.lock = flock.New(filepath.Join(cfg.StateDir, StateLockFileName))
	locked, err := d.lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("%w: locking %q: %w", ErrStorage, d.lock.Path(), err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %q", ErrStateLocked, d.lock.Path())
	}

	if err := d.open(); err != nil {
		return nil, errors.Join(err, d.release())
	}

	slogctx.Info(ctx, "distributor opened",
		"taskFile", cfg.TaskFile,
		"stateDir", cfg.StateDir,
		"offset", d.cursor.Offset(),
		"size", d.taskSize,
		"workerStats", d.statsEnabled)
	return d, nil
}

func (d *Distributor) open() error {
	var err error
	d.tasks, err = os.Open(d.config.TaskFile)
	if err != nil {
		return fmt.Errorf("%w: opening task file: %w", ErrStorage, err)
	}
	info, err := d.tasks.Stat()
	if err != nil {
		return fmt.Errorf("%w: task file: %w", ErrStorage, err)
	}
	d.taskSize = info.Size()

	maxSize := WithMaxSize(d.config.MaxValueSize)

	d.offset, err = OpenDurableValue(d.statePath(OffsetFileName), OffsetCodec{}, int64(0), maxSize)
	if err != nil {
		return err
	}
	d.cursor, err = OpenTaskCursor(d.tasks, d.offset)
	if err != nil {
		return err
	}

	if !d.statsEnabled {
		return nil
	}
	d.counts, err = OpenDurableValue(d.statePath(WorkerStatsFileName), WorkerCountsCodec{}, WorkerCounts{}, maxSize)
	if err != nil {
		return err
	}
	d.stats = NewWorkerStats(d.counts)
	return nil
}

// AssignTask hands the next line to worker. When the task file is
// exhausted the returned Assignment has EndOfTasks set.
//
// The cursor and, if enabled, the worker count are persisted before
// AssignTask returns. No line is consumed when ctx is done or when the
// credit would not fit the worker stats. A storage failure while crediting
// is returned as an error although the line has already been consumed; such
// a line is not dispensed again.
func (d *Distributor) AssignTask(ctx context.Context, worker string) (Assignment, error) {
	if worker == "" {
		return Assignment{}, ErrWorkerIDMissing
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return Assignment{}, ErrDistributorClosed
	}
	if err := ctx.Err(); err != nil {
		return Assignment{}, err
	}

	ctx = slogctx.With(ctx, "worker", worker)

	if d.stats != nil && (d.countExhausted || d.cursor.State() != CursorExhausted) {
		if err := d.stats.CanCredit(worker); err != nil {
			slogctx.Error(ctx, "cannot credit worker, no task assigned", "error", err)
			return Assignment{}, err
		}
	}

	line, err := d.cursor.Next()
	exhausted := errors.Is(err, ErrEndOfTasks)
	if err != nil && !exhausted {
		slogctx.Error(ctx, "failed to read next task", "error", err)
		return Assignment{}, err
	}

	a := Assignment{
		ID:         uuid.New(),
		Worker:     worker,
		Line:       line,
		EndOfTasks: exhausted,
		Offset:     d.cursor.Offset(),
		AssignedAt: d.now(),
	}
	ctx = slogctx.With(ctx, "assignmentID", a.ID, "offset", a.Offset)

	if d.stats != nil && (!exhausted || d.countExhausted) {
		count, err := d.stats.Credit(worker)
		if err != nil {
			slogctx.Error(ctx, "failed to credit worker, task is lost", "error", err)
			return Assignment{}, err
		}
		ctx = slogctx.With(ctx, "count", count)
	}

	if exhausted {
		slogctx.Debug(ctx, "no task left")
	} else {
		slogctx.Log(ctx, logger.LevelTrace, "task assigned")
	}
	return a, nil
}

// Stats returns a copy of the worker counts, empty when statistics are disabled.
func (d *Distributor) Stats() WorkerCounts {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stats == nil {
		return WorkerCounts{}
	}
	return d.stats.Snapshot()
}

// Progress returns the cursor position within the task file.
func (d *Distributor) Progress() Progress {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Progress{
		Offset:    d.cursor.Offset(),
		Size:      d.taskSize,
		Exhausted: d.cursor.State() == CursorExhausted || d.cursor.Offset() >= d.taskSize,
	}
}

// LogProgress logs the current Progress and the number of credited lines.
// Its signature fits a periodic worker function.
func (d *Distributor) LogProgress(ctx context.Context) error {
	p := d.Progress()
	var credited int64
	d.mu.Lock()
	if d.stats != nil {
		credited = d.stats.Total()
	}
	d.mu.Unlock()

	slogctx.Info(ctx, "distribution progress",
		"offset", p.Offset,
		"size", p.Size,
		"exhausted", p.Exhausted,
		"credited", credited)
	return nil
}

// Close closes all files and releases the state directory lock.
func (d *Distributor) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.release()
}

func (d *Distributor) release() error {
	var errs []error
	if d.counts != nil {
		errs = append(errs, d.counts.Close())
	}
	if d.offset != nil {
		errs = append(errs, d.offset.Close())
	}
	if d.tasks != nil {
		if err := d.tasks.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%w: closing task file: %w", ErrStorage, err))
		}
	}
	if err := d.lock.Unlock(); err != nil {
		errs = append(errs, fmt.Errorf("%w: unlocking %q: %w", ErrStorage, d.lock.Path(), err))
	}
	return errors.Join(errs...)
}

func (d *Distributor) statePath(name string) string {
	return filepath.Join(d.config.StateDir, name)
}
