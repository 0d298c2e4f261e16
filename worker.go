package que

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// JobRecord is the full row a Runner loads for a locked Handle: everything
// a WorkFunc needs to actually do the job.
type JobRecord struct {
	Handle
	Queue      string
	JobClass   string
	Args       []byte
	ErrorCount int32
}

// WorkFunc executes one job. Returning an error fails the job (bumping its
// error count and rescheduling it); panicking is recovered and treated the
// same way, with the panic message and a stack trace recorded as the
// job's last error.
type WorkFunc func(ctx context.Context, j *JobRecord) error

// WorkMap is a registry of job_class name to the WorkFunc that handles it.
// This is the explicit registry spec.md §9 calls for in place of the
// source's runtime-reflective job-class lookup.
type WorkMap map[string]WorkFunc

// Runner is the Job runtime collaborator spec.md §1 treats as external to
// the Locker core: given a Handle, it is responsible for loading the job
// record, dispatching it, and recording success (delete) or failure
// (set_error) — the Locker and Worker neither know nor care how.
type Runner interface {
	Run(ctx context.Context, h Handle)
}

// DefaultRunner is the reference Job runtime: a WorkMap-based dispatcher
// with panic recovery and exponential backoff, generalizing the teacher's
// inline Worker.WorkOne logic (talon-one-que-go) into a standalone
// component that the Locker's Worker pool calls through the Runner
// interface.
type DefaultRunner struct {
	pool          *Pool
	workMap       WorkMap
	delayFunction func(int32) int
	logger        *zap.SugaredLogger
}

// NewDefaultRunner builds a DefaultRunner. delayFunction may be nil, in
// which case the teacher's default (retries^4 + 3 seconds) is used.
func NewDefaultRunner(pool *Pool, wm WorkMap, delayFunction func(int32) int, logger *zap.SugaredLogger) *DefaultRunner {
	if delayFunction == nil {
		delayFunction = defaultDelayFunction
	}
	return &DefaultRunner{pool: pool, workMap: wm, delayFunction: delayFunction, logger: logger}
}

// Run loads the job by handle on a fresh checkout from the pool (never the
// Locker's dedicated session — spec.md §2's "Workers... consult B for a
// separate session"), dispatches it, and records the outcome. It never
// returns an error: every failure mode here (missing row, unknown type,
// panic, WorkFunc error) is handled by recording state in Postgres, not by
// propagating to the caller. The caller (Worker) always proceeds to
// release the advisory lock regardless of outcome.
func (r *DefaultRunner) Run(ctx context.Context, h Handle) {
	err := r.pool.Checkout(ctx, func(ctx context.Context, s *Session) error {
		rec, found, err := r.loadJob(ctx, s, h)
		if err != nil {
			if r.logger != nil {
				r.logger.Errorw("failed to load locked job", "job_id", h.JobID, "error", err)
			}
			return nil
		}
		if !found {
			// get_job returned no row: the job was destroyed between lock
			// acquisition and load. Treated as success, not an error.
			return nil
		}

		r.dispatch(ctx, s, rec)
		return nil
	})
	if err != nil && r.logger != nil {
		r.logger.Errorw("checkout failed while running job", "job_id", h.JobID, "error", err)
	}
}

func (r *DefaultRunner) loadJob(ctx context.Context, s *Session, h Handle) (*JobRecord, bool, error) {
	rec := &JobRecord{}
	err := s.QueryRow(ctx, "que_get_job", h.Priority, h.RunAt, h.JobID).Scan(
		&rec.Priority, &rec.RunAt, &rec.JobID, &rec.JobClass, &rec.Args, &rec.ErrorCount, &rec.Queue,
	)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

func (r *DefaultRunner) dispatch(ctx context.Context, s *Session, rec *JobRecord) {
	fn, ok := r.workMap[rec.JobClass]
	if !ok {
		r.fail(ctx, s, rec, fmt.Sprintf("unknown job type: %q", rec.JobClass))
		return
	}

	err := r.invoke(ctx, fn, rec)
	if err != nil {
		r.fail(ctx, s, rec, err.Error())
		return
	}

	if _, err := s.Exec(ctx, "que_destroy_job", rec.Priority, rec.RunAt, rec.JobID); err != nil && r.logger != nil {
		r.logger.Errorw("failed to destroy completed job", "job_id", rec.JobID, "error", err)
	}
}

// invoke calls fn, recovering a panic into an error carrying both the
// panic message and a stack trace, matching the teacher's
// TestWorkerWorkRescuesPanic expectations.
func (r *DefaultRunner) invoke(ctx context.Context, fn WorkFunc, rec *JobRecord) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%v\n%s", p, debug.Stack())
		}
	}()
	return fn(ctx, rec)
}

func (r *DefaultRunner) fail(ctx context.Context, s *Session, rec *JobRecord, msg string) {
	errorCount := rec.ErrorCount + 1
	delay := r.delayFunction(rec.ErrorCount)
	if _, err := s.Exec(ctx, "que_set_error", errorCount, delay, msg, rec.Priority, rec.RunAt, rec.JobID); err != nil && r.logger != nil {
		r.logger.Errorw("failed to record job error", "job_id", rec.JobID, "error", err)
	}
}

// Worker is the in-process consumer of JobBuffer (spec.md §4.5): it pops
// one handle at a time, respecting its priority ceiling, hands it to a
// Runner, and unconditionally pushes the handle to the ResultQueue
// afterward. It does not distinguish success, failure, or
// destroyed-between-lock-and-load — releasing the advisory lock is always
// correct in every case.
type Worker struct {
	buffer  *JobBuffer
	results *ResultQueue
	runner  Runner
	ceiling *int16
	logger  *zap.SugaredLogger

	done chan struct{}
}

// NewWorker builds a Worker bound to a shared buffer and result queue.
// ceiling is the maximum (numerically largest) priority this worker will
// accept; nil means any priority.
func NewWorker(buffer *JobBuffer, results *ResultQueue, runner Runner, ceiling *int16, logger *zap.SugaredLogger) *Worker {
	return &Worker{
		buffer:  buffer,
		results: results,
		runner:  runner,
		ceiling: ceiling,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Work loops: pop, run, push to the result queue, until the buffer is
// stopped and has nothing left for this worker's ceiling. Pop only ever
// returns ok=false once the buffer is closed and drained, so a false
// WorkOne always means "exit".
func (w *Worker) Work(ctx context.Context) {
	defer close(w.done)
	for {
		if !w.WorkOne(ctx) {
			return
		}
	}
}

// WorkOne pops and runs a single job, reporting whether it did any work.
// Pop blocks until either a job arrives or the buffer is stopped, so this
// call blocks too; it returns false only once the buffer has been stopped
// and has nothing left for this worker's ceiling.
func (w *Worker) WorkOne(ctx context.Context) bool {
	h, ok := w.buffer.Pop(w.ceiling)
	if !ok {
		return false
	}

	if w.logger != nil {
		w.logger.Debugw("dispatching job", "job_id", h.JobID, "priority", h.Priority)
	}
	w.runner.Run(ctx, h)
	w.results.Push(h)
	return true
}

// Shutdown stops the shared buffer (waking every worker sharing it) and
// blocks until this worker's Work loop has returned. Intended for
// single-worker standalone use (as in the teacher's tests); a multi-worker
// Locker instead stops the buffer once and waits on all workers itself.
func (w *Worker) Shutdown() {
	w.buffer.Stop()
	<-w.done
}
