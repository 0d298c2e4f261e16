package que

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/quelocker/que/internal/logx"
)

// QueueConfig pairs a queue name with its own poll cadence: each configured
// queue keeps an independent clock, so a busy queue with a short interval
// doesn't starve a quiet one with a longer interval or vice versa.
type QueueConfig struct {
	Name         string
	PollInterval time.Duration
}

// Config holds everything a Locker needs to run. Any numeric or duration
// field left at its Go zero value (or negative) is replaced by its default
// in NewLocker; there is no separate "unset" sentinel.
type Config struct {
	// WorkerCount is the number of workers spawned. Default 6.
	WorkerCount int

	// WorkerPriorities are the per-worker priority ceilings, in worker
	// order; nil means unlimited. Padded with nil or truncated to exactly
	// WorkerCount entries. Default [10, 30, 50, nil, nil, nil].
	WorkerPriorities []*int16

	// Queues lists the queues to poll and each one's cadence. Default is
	// a single queue (the empty/default queue name) polled at
	// PollInterval.
	Queues []QueueConfig

	// PollInterval is the default cadence used for Queues entries that
	// don't specify their own, and the floor validated against (must be
	// at least 10ms). Default 5s.
	PollInterval time.Duration

	// WaitPeriod is how long the poll loop sleeps between ticks when
	// nothing wakes it early. Default 50ms.
	WaitPeriod time.Duration

	// MinimumBufferSize is the buffer level that triggers a refill.
	// Default 2.
	MinimumBufferSize int

	// MaximumBufferSize bounds how many handles the buffer is ever asked
	// to hold. Default 8. Must be >= MinimumBufferSize.
	MaximumBufferSize int

	// Connection overrides the dedicated session the Locker would
	// otherwise acquire from Pool itself. Mainly useful for tests.
	Connection *Session

	// WorkMap is handed to the default Runner. Ignored if a custom Runner
	// is supplied via NewLockerWithRunner.
	WorkMap WorkMap

	// DelayFunction overrides the default Runner's retry backoff
	// (retries^4 + 3 seconds).
	DelayFunction func(int32) int

	// Logger is the root logger components are named off of
	// ("que.locker", "que.worker", "que.runner"). A no-op logger is used
	// if nil.
	Logger *zap.Logger
}

func (cfg Config) withDefaults() (Config, error) {
	out := cfg

	if out.WorkerCount <= 0 {
		out.WorkerCount = 6
	}

	if out.WorkerPriorities == nil {
		ten, thirty, fifty := int16(10), int16(30), int16(50)
		out.WorkerPriorities = []*int16{&ten, &thirty, &fifty, nil, nil, nil}
	}
	out.WorkerPriorities = padOrTruncatePriorities(out.WorkerPriorities, out.WorkerCount)

	if out.PollInterval <= 0 {
		out.PollInterval = 5 * time.Second
	}
	if out.PollInterval < minPollInterval {
		return Config{}, newConfigError("poll_interval", fmt.Errorf("must be >= %s, got %s", minPollInterval, out.PollInterval))
	}

	if out.Queues == nil {
		out.Queues = []QueueConfig{{Name: "", PollInterval: out.PollInterval}}
	}
	for i, q := range out.Queues {
		if q.PollInterval <= 0 {
			out.Queues[i].PollInterval = out.PollInterval
		}
		if out.Queues[i].PollInterval < minPollInterval {
			return Config{}, newConfigError("queues", fmt.Errorf("queue %q poll_interval must be >= %s", q.Name, minPollInterval))
		}
	}

	if out.WaitPeriod <= 0 {
		out.WaitPeriod = 50 * time.Millisecond
	}

	if out.MinimumBufferSize <= 0 {
		out.MinimumBufferSize = 2
	}
	if out.MaximumBufferSize <= 0 {
		out.MaximumBufferSize = 8
	}
	if out.MaximumBufferSize < out.MinimumBufferSize {
		return Config{}, newConfigError("maximum_buffer_size", fmt.Errorf("must be >= minimum_buffer_size (%d), got %d", out.MinimumBufferSize, out.MaximumBufferSize))
	}

	if out.WorkMap == nil {
		out.WorkMap = WorkMap{}
	}
	if out.DelayFunction == nil {
		out.DelayFunction = defaultDelayFunction
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}

	return out, nil
}

// minPollInterval is the floor spec.md §4.6 sets on poll_interval and every
// queue's own cadence.
const minPollInterval = 10 * time.Millisecond

func padOrTruncatePriorities(priorities []*int16, count int) []*int16 {
	out := make([]*int16, count)
	for i := 0; i < count && i < len(priorities); i++ {
		out[i] = priorities[i]
	}
	return out
}

type lockerState int32

const (
	lockerStarting lockerState = iota
	lockerRunning
	lockerStopping
	lockerStopped
)

func (s lockerState) String() string {
	switch s {
	case lockerStarting:
		return "starting"
	case lockerRunning:
		return "running"
	case lockerStopping:
		return "stopping"
	case lockerStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Locker is the coordination engine (spec.md §4.6): it owns a dedicated
// Postgres session, a bounded job buffer, a result queue, and a fixed pool
// of workers, and reconciles advisory-lock state with buffer/result/
// in-flight state on every poll tick and at shutdown.
type Locker struct {
	pool   *Pool
	cfg    Config
	root   *zap.Logger
	logger *zap.SugaredLogger

	dedicated *Session

	buffer  *JobBuffer
	results *ResultQueue

	inFlightMu sync.Mutex
	inFlight   idSet

	queueClocks map[string]time.Time

	workers  []*Worker
	workerWG sync.WaitGroup

	state atomic.Int32

	stopOnce      sync.Once
	stopRequested chan struct{}
	stoppedCh     chan struct{}
}

// NewLocker validates cfg (applying defaults for anything left zero) and
// builds an idle Locker in the "starting" state. It performs no I/O; call
// Start to run the startup sequence and begin polling.
func NewLocker(pool *Pool, cfg Config) (*Locker, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	l := &Locker{
		pool:          pool,
		cfg:           cfg,
		root:          cfg.Logger,
		logger:        logx.Component(cfg.Logger, "que.locker"),
		buffer:        NewJobBuffer(),
		results:       NewResultQueue(),
		inFlight:      newIDSet(),
		queueClocks:   make(map[string]time.Time, len(cfg.Queues)),
		stopRequested: make(chan struct{}),
		stoppedCh:     make(chan struct{}),
	}
	l.state.Store(int32(lockerStarting))
	return l, nil
}

// State reports the Locker's current lifecycle state.
func (l *Locker) State() string {
	return lockerState(l.state.Load()).String()
}

// Start runs the startup sequence (spec.md §4.6): acquire the dedicated
// session, clean stale locker rows, register this one, spawn workers, and
// enter the poll loop in a background goroutine. ctx governs both the
// startup calls and, via its cancellation, the poll loop's shutdown signal.
func (l *Locker) Start(ctx context.Context) error {
	if lockerState(l.state.Load()) == lockerStopped {
		return ErrLockerStopped
	}

	dedicated := l.cfg.Connection
	if dedicated == nil {
		s, err := l.pool.AcquireDedicated(ctx)
		if err != nil {
			return errors.Mark(errors.Wrap(err, "acquire dedicated session"), ErrNoDedicatedConnection)
		}
		dedicated = s
	}
	l.dedicated = dedicated

	if _, err := l.dedicated.Exec(ctx, "que_clean_lockers"); err != nil {
		return errors.Wrap(err, "clean lockers")
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if _, err := l.dedicated.Exec(ctx, "que_register_locker",
		l.cfg.WorkerCount, os.Getpid(), hostname, false,
	); err != nil {
		return errors.Wrap(err, "register locker")
	}

	workerLogger := logx.Component(l.root, "que.worker")
	runnerLogger := logx.Component(l.root, "que.runner")
	base := NewDefaultRunner(l.pool, l.cfg.WorkMap, l.cfg.DelayFunction, runnerLogger)
	tracked := &trackingRunner{inner: base, locker: l}

	// Workers get their own background context, independent of ctx: their
	// exit is driven entirely by the buffer closing (see shutdown), not by
	// context cancellation. If ctx were threaded through here, a SIGINT/
	// SIGTERM-cancelled ctx would abort an in-flight DefaultRunner.Run call
	// mid-job instead of letting it finish, violating the "no worker is
	// forcibly interrupted" shutdown contract (spec.md §5).
	workCtx := context.Background()
	l.workers = make([]*Worker, l.cfg.WorkerCount)
	for i, ceiling := range l.cfg.WorkerPriorities {
		w := NewWorker(l.buffer, l.results, tracked, ceiling, workerLogger)
		l.workers[i] = w
		l.workerWG.Add(1)
		go func(w *Worker) {
			defer l.workerWG.Done()
			w.Work(workCtx)
		}(w)
	}

	l.state.Store(int32(lockerRunning))
	l.logger.Infow("locker started",
		logx.FieldPid, l.dedicated.BackendPID(),
		"worker_count", l.cfg.WorkerCount,
	)

	go l.run(ctx)
	return nil
}

// run is the poll loop (spec.md §4.6): drain results, decide refills, wait,
// repeat, until ctx is cancelled or Stop/StopNow is called.
func (l *Locker) run(ctx context.Context) {
	defer close(l.stoppedCh)

	ticker := time.NewTicker(l.cfg.WaitPeriod)
	defer ticker.Stop()

	for {
		l.drainResults(ctx)
		l.refill(ctx)

		select {
		case <-ctx.Done():
			l.shutdown(context.Background())
			return
		case <-l.stopRequested:
			l.shutdown(context.Background())
			return
		case <-ticker.C:
		}
	}
}

// drainResults pops every available handle from the result queue and
// releases its advisory lock on the dedicated session, until the queue is
// momentarily empty.
func (l *Locker) drainResults(ctx context.Context) {
	for {
		h, ok := l.results.TryPop()
		if !ok {
			return
		}
		l.unlock(ctx, h)
	}
}

func (l *Locker) unlock(ctx context.Context, h Handle) {
	var ok bool
	if err := l.dedicated.QueryRow(ctx, "que_unlock_job", h.JobID).Scan(&ok); err != nil {
		l.logger.Errorw("failed to release advisory lock",
			logx.FieldJobID, h.JobID, logx.FieldError, err,
		)
	}
}

// refill implements the per-tick refill decision. Whether the buffer needs
// topping up at all is decided once, at the start of the tick: a queue
// whose own interval has elapsed is still polled this tick even if an
// earlier queue's poll already brought the buffer back up, since each queue
// keeps its own cadence clock (spec.md §4.6's tie-break rule).
func (l *Locker) refill(ctx context.Context) {
	if l.buffer.Size() >= l.cfg.MinimumBufferSize {
		return
	}

	now := time.Now()
	for _, q := range l.cfg.Queues {
		last, seen := l.queueClocks[q.Name]
		if seen && now.Sub(last) < q.PollInterval {
			continue
		}

		if limit := l.cfg.MaximumBufferSize - l.pipelineSize(); limit > 0 {
			l.pollQueue(ctx, q.Name, limit)
		}
		l.queueClocks[q.Name] = now
	}
}

// pollQueue issues poll_jobs on the dedicated session — advisory locks are
// session-scoped, so acquisition has to happen on the same session that
// will later release them — and pushes whatever it locks into the buffer.
func (l *Locker) pollQueue(ctx context.Context, queue string, limit int) {
	rows, err := l.dedicated.Query(ctx, "que_poll_jobs", queue, l.pipelineIDs(), limit)
	if err != nil {
		l.logger.Errorw("poll_jobs failed", logx.FieldQueue, queue, logx.FieldError, err)
		return
	}
	defer rows.Close()

	var handles []Handle
	for rows.Next() {
		var rec JobRecord
		if err := rows.Scan(&rec.Priority, &rec.RunAt, &rec.JobID, &rec.JobClass, &rec.Args, &rec.ErrorCount, &rec.Queue); err != nil {
			l.logger.Errorw("poll_jobs scan failed", logx.FieldQueue, queue, logx.FieldError, err)
			return
		}
		handles = append(handles, rec.Handle)
	}
	if err := rows.Err(); err != nil {
		l.logger.Errorw("poll_jobs rows failed", logx.FieldQueue, queue, logx.FieldError, err)
		return
	}

	if len(handles) > 0 {
		l.buffer.Push(handles)
		l.logger.Debugw("locked jobs", logx.FieldQueue, queue, "count", len(handles))
	}
}

// pipelineIDs is the held job_id set: buffer ∪ result queue ∪ in-flight,
// recomputed on demand rather than kept as its own synchronized structure
// (spec.md §5/§9).
func (l *Locker) pipelineIDs() []int64 {
	ids := newIDSet()
	for _, h := range l.buffer.ToA() {
		ids[h.JobID] = struct{}{}
	}
	for _, h := range l.results.ToA() {
		ids[h.JobID] = struct{}{}
	}

	l.inFlightMu.Lock()
	for id := range l.inFlight {
		ids[id] = struct{}{}
	}
	l.inFlightMu.Unlock()

	return ids.slice()
}

func (l *Locker) pipelineSize() int {
	return len(l.pipelineIDs())
}

func (l *Locker) addInFlight(id int64) {
	l.inFlightMu.Lock()
	l.inFlight[id] = struct{}{}
	l.inFlightMu.Unlock()
}

func (l *Locker) removeInFlight(id int64) {
	l.inFlightMu.Lock()
	delete(l.inFlight, id)
	l.inFlightMu.Unlock()
}

// trackingRunner brackets each handle's in-flight window around the inner
// Runner's work, so pipelineIDs can account for jobs a worker has taken off
// the buffer but not yet pushed to the result queue.
type trackingRunner struct {
	inner  Runner
	locker *Locker
}

func (r *trackingRunner) Run(ctx context.Context, h Handle) {
	r.locker.addInFlight(h.JobID)
	defer r.locker.removeInFlight(h.JobID)
	r.inner.Run(ctx, h)
}

// Stop requests the shutdown sequence and returns immediately. It is safe
// to call more than once; only the first call has any effect.
func (l *Locker) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopRequested)
	})
}

// StopNow is the synchronous variant ("stop!"): it requests shutdown and
// blocks until the full sequence has completed (or ctx is done first). No
// advisory lock acquired by this process remains held once it returns
// without error.
func (l *Locker) StopNow(ctx context.Context) error {
	l.Stop()
	select {
	case <-l.stoppedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed once the shutdown sequence has completed.
func (l *Locker) Done() <-chan struct{} {
	return l.stoppedCh
}

// shutdown runs the shutdown sequence (spec.md §4.6 steps 1-7). ctx is used
// for its remaining database calls; a background context is passed in from
// run so shutdown completes even if the Locker's own ctx was what triggered
// it.
func (l *Locker) shutdown(ctx context.Context) {
	l.state.Store(int32(lockerStopping))
	l.logger.Infow("locker stopping")

	// Harvest before closing: once Stop is called on the buffer, a worker
	// blocked in Pop would otherwise drain and run whatever's left itself.
	// Harvesting first guarantees those handles are released, not worked.
	harvested := l.buffer.Clear()
	l.buffer.Stop()

	l.workerWG.Wait()

	l.drainResults(ctx)

	for _, h := range harvested {
		l.unlock(ctx, h)
	}

	if _, err := l.dedicated.Exec(ctx, "que_delete_locker"); err != nil {
		l.logger.Errorw("failed to delete locker row", logx.FieldError, err)
	}

	l.dedicated.Release()

	l.state.Store(int32(lockerStopped))
	l.logger.Infow("locker stopped")
}
