package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/quillforge/internal/store"
	"github.com/kiranshivaraju/quillforge/pkg/models"
)

type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

const (
	statusTTL            = 24 * time.Hour
	outcomeWriteAttempts = 3
)

// Observer is told about terminal job outcomes inside the transaction that records them,
// so follow-up work (chaining, cancellation) commits or rolls back with the outcome.
type Observer interface {
	JobCompleted(ctx context.Context, tx store.Store, job *models.Job) error
	JobFailed(ctx context.Context, tx store.Store, job *models.Job, cause error) error
}

// StatusPublisher mirrors job status to a fast lookup cache. cache.Cache satisfies it.
type StatusPublisher interface {
	SetJobStatus(ctx context.Context, jobID uuid.UUID, status string, ttl time.Duration) error
}

type Config struct {
	PollInterval   time.Duration
	MaxBackoff     time.Duration
	MaxAttempts    int
	StaleThreshold time.Duration
	Logger         *slog.Logger
	Observer       Observer
	StatusCache    StatusPublisher
}

// Worker runs the single poll, execute, record loop.
type Worker struct {
	store    store.Store
	registry *Registry
	cfg      Config
	logger   *slog.Logger

	mu        sync.Mutex
	state     State
	recovered bool
	current   *run
}

// run is the bookkeeping of one Start/Stop cycle.
type run struct {
	ctx       context.Context
	cancel    context.CancelFunc
	stop      chan struct{}
	done      chan struct{}
	abandoned atomic.Bool
}

type outcome int

const (
	outcomeIdle outcome = iota
	outcomeDone
	outcomeRetry
)

func NewWorker(s store.Store, registry *Registry, cfg Config) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxBackoff < cfg.PollInterval {
		cfg.MaxBackoff = cfg.PollInterval
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Logger = logger.With("component", "worker")
	return &Worker{
		store:    s,
		registry: registry,
		cfg:      cfg,
		logger:   cfg.Logger,
		state:    StateStopped,
	}
}

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Start recovers stale jobs (once per Worker) and then begins polling in the background.
// Cancelling ctx does not stop the loop; call Stop.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.state != StateStopped {
		state := w.state
		w.mu.Unlock()
		return fmt.Errorf("start worker: worker is %s: %w", state, ErrWorkerState)
	}
	w.state = StateStarting
	needRecovery := !w.recovered
	w.mu.Unlock()

	if needRecovery {
		if _, err := w.Recover(ctx); err != nil {
			w.setState(StateStopped)
			return err
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{
		ctx:    runCtx,
		cancel: cancel,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	w.mu.Lock()
	w.recovered = true
	w.current = r
	w.state = StateRunning
	w.mu.Unlock()

	go w.loop(r)
	w.logger.Info("worker started",
		"poll_interval", w.cfg.PollInterval.String(),
		"max_attempts", w.cfg.MaxAttempts,
		"job_types", w.registry.Types())
	return nil
}

// Recover runs stale-job recovery with the worker's threshold, attempt cap and observer.
// Start calls it once per Worker.
func (w *Worker) Recover(ctx context.Context) (int64, error) {
	return RecoverStaleJobs(ctx, w.store, w.cfg)
}

// Stop lets the in-flight job finish and stops polling. If the job is still running after
// timeout, its context is cancelled, its outcome is discarded (the row stays running for
// stale recovery on the next start) and ErrShutdownTimeout is returned. The worker then
// stays stopping until the abandoned handler returns.
func (w *Worker) Stop(timeout time.Duration) error {
	w.mu.Lock()
	switch w.state {
	case StateStopped:
		w.mu.Unlock()
		return nil
	case StateRunning:
	default:
		state := w.state
		w.mu.Unlock()
		return fmt.Errorf("stop worker: worker is %s: %w", state, ErrWorkerState)
	}
	w.state = StateStopping
	r := w.current
	w.mu.Unlock()

	close(r.stop)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-r.done:
		r.cancel()
		w.markStopped(r)
		w.logger.Info("worker stopped")
		return nil
	case <-timer.C:
	}

	r.abandoned.Store(true)
	r.cancel()
	w.logger.Warn("worker stop timed out; abandoning in-flight job", "timeout", timeout.String())
	go func() {
		<-r.done
		w.markStopped(r)
		w.logger.Info("worker stopped after abandoned job returned")
	}()
	return ErrShutdownTimeout
}

func (w *Worker) markStopped(r *run) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == r {
		w.current = nil
		w.state = StateStopped
	}
}

// ProcessNext claims and executes at most one job. It reports whether a job was claimed.
// The error is non-nil only for store failures.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	o, err := w.process(ctx, nil)
	return o != outcomeIdle, err
}

// Drain processes jobs until none is pending and returns how many were executed.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		processed, err := w.ProcessNext(ctx)
		if err != nil {
			return n, err
		}
		if !processed {
			return n, nil
		}
		n++
	}
}

func (w *Worker) loop(r *run) {
	defer close(r.done)

	backoff := w.cfg.PollInterval
	for {
		select {
		case <-r.stop:
			return
		default:
		}

		var wait time.Duration
		o, err := w.process(r.ctx, r)
		switch {
		case err != nil:
			wait = backoff
			w.logger.Error("worker poll failed; backing off", "error", err, "backoff", backoff.String())
			backoff = min(backoff*2, w.cfg.MaxBackoff)
		case o == outcomeDone:
			backoff = w.cfg.PollInterval
		default:
			backoff = w.cfg.PollInterval
			wait = w.cfg.PollInterval
		}
		if wait == 0 {
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-r.stop:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (w *Worker) process(ctx context.Context, r *run) (outcome, error) {
	job, err := w.store.ClaimNextJob(ctx)
	if err != nil {
		return outcomeIdle, err
	}
	if job == nil {
		return outcomeIdle, nil
	}

	logger := w.logger.With(
		"job_id", job.ID,
		"job_type", job.Type,
		"target_id", job.TargetID,
		"attempt", job.Attempts,
	)
	logger.Info("job started")
	w.publishStatus(ctx, job.ID, models.JobStatusRunning)

	start := time.Now()
	runErr := w.execute(ctx, job, logger)

	if r != nil && r.abandoned.Load() {
		logger.Warn("job abandoned at shutdown; left running for stale recovery")
		return outcomeDone, nil
	}

	// Record the outcome even if the caller's context was cancelled mid-job.
	wctx := context.WithoutCancel(ctx)
	if runErr == nil {
		return outcomeDone, w.succeed(wctx, job, logger, time.Since(start))
	}
	return w.fail(wctx, job, runErr, logger)
}

func (w *Worker) execute(ctx context.Context, job *models.Job, logger *slog.Logger) (err error) {
	h, ok := w.registry.Lookup(job.Type)
	if !ok {
		return Permanent(fmt.Errorf("%w: %s", ErrUnknownJobType, job.Type))
	}
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("job handler panicked", "panic", rec, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return h(ctx, job)
}

func (w *Worker) succeed(ctx context.Context, job *models.Job, logger *slog.Logger, took time.Duration) error {
	err := w.writeOutcome(ctx, func() error {
		return w.store.InTx(ctx, func(tx store.Store) error {
			if err := tx.CompleteJob(ctx, job.ID); err != nil {
				return err
			}
			job.Status = models.JobStatusCompleted
			if w.cfg.Observer != nil {
				return w.cfg.Observer.JobCompleted(ctx, tx, job)
			}
			return nil
		})
	})
	if isSuperseded(err) {
		logger.Warn("job was cancelled while running; result discarded", "error", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}

	logger.Info("job completed", "duration_ms", took.Milliseconds())
	w.publishStatus(ctx, job.ID, models.JobStatusCompleted)
	return nil
}

func (w *Worker) fail(ctx context.Context, job *models.Job, runErr error, logger *slog.Logger) (outcome, error) {
	msg := runErr.Error()
	permanent := IsPermanent(runErr) || errors.Is(runErr, store.ErrNotFound)

	if !permanent && job.Attempts < w.cfg.MaxAttempts {
		err := w.writeOutcome(ctx, func() error {
			return w.store.RetryJob(ctx, job.ID, msg)
		})
		if isSuperseded(err) {
			logger.Warn("job was cancelled while running; retry skipped", "error", err)
			return outcomeDone, nil
		}
		if err != nil {
			return outcomeDone, fmt.Errorf("retry job %s: %w", job.ID, err)
		}
		logger.Warn("job failed; will retry", "error", msg, "max_attempts", w.cfg.MaxAttempts)
		w.publishStatus(ctx, job.ID, models.JobStatusPending)
		return outcomeRetry, nil
	}

	err := w.writeOutcome(ctx, func() error {
		return w.store.InTx(ctx, func(tx store.Store) error {
			if err := tx.FailJob(ctx, job.ID, msg); err != nil {
				return err
			}
			job.Status = models.JobStatusFailed
			job.Error = &msg
			if w.cfg.Observer != nil {
				return w.cfg.Observer.JobFailed(ctx, tx, job, runErr)
			}
			return nil
		})
	})
	if isSuperseded(err) {
		logger.Warn("job was cancelled while running", "error", err)
		return outcomeDone, nil
	}
	if err != nil {
		return outcomeDone, fmt.Errorf("fail job %s: %w", job.ID, err)
	}

	logger.Error("job failed", "error", msg, "permanent", permanent, "max_attempts", w.cfg.MaxAttempts)
	w.publishStatus(ctx, job.ID, models.JobStatusFailed)
	return outcomeDone, nil
}

// writeOutcome retries a failed outcome write. A write that lost to a cancellation is
// returned at once.
func (w *Worker) writeOutcome(ctx context.Context, write func() error) error {
	return retry.Do(write,
		retry.Context(ctx),
		retry.Attempts(outcomeWriteAttempts),
		retry.Delay(w.cfg.PollInterval),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return !isSuperseded(err) }),
	)
}

func (w *Worker) publishStatus(ctx context.Context, id uuid.UUID, status string) {
	publishStatus(ctx, w.cfg.StatusCache, w.logger, id, status)
}

func publishStatus(ctx context.Context, cache StatusPublisher, logger *slog.Logger, id uuid.UUID, status string) {
	if cache == nil {
		return
	}
	if err := cache.SetJobStatus(ctx, id, status, statusTTL); err != nil {
		logger.Debug("job status cache update failed", "job_id", id, "error", err)
	}
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// isSuperseded reports whether a guarded write lost to a concurrent cancellation or delete.
func isSuperseded(err error) bool {
	return errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrNotFound)
}
