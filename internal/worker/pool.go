package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrPoolClosed is returned by Submit after Shutdown.
	ErrPoolClosed = errors.New("worker pool is shut down")
	// ErrUnknownJob is returned for IDs the pool never issued.
	ErrUnknownJob = errors.New("unknown job")
	// ErrJobFinished is returned when cancelling a job that already ended.
	ErrJobFinished = errors.New("job already finished")
)

// Pool runs tasks on a fixed number of goroutines and reports what happens to
// them on an event channel. Progress events are dropped when nobody keeps up;
// terminal events are always delivered unless the pool is being torn down.
type Pool struct {
	logger  *slog.Logger
	workers int
	timeout time.Duration
	now     func() time.Time

	ch     chan *Job
	events chan Event
	wg     sync.WaitGroup
	once   sync.Once

	ctx  context.Context
	stop context.CancelFunc

	// closeMu guards closed and sending on ch
	closeMu sync.RWMutex
	closed  bool

	mu       sync.Mutex
	statuses map[string]*Status
	jobs     map[string]*Job
}

type Option func(*Pool)

func WithWorkers(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.ch = make(chan *Job, n)
		}
	}
}

func WithEventBuffer(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.events = make(chan Event, n)
		}
	}
}

// WithTimeout bounds each task. Zero means no limit.
func WithTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d >= 0 {
			p.timeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		p.now = now
	}
}

// NewPool creates a pool and starts its workers.
func NewPool(opts ...Option) *Pool {
	p := &Pool{
		logger:   slog.Default(),
		workers:  2,
		timeout:  5 * time.Minute,
		now:      time.Now,
		ch:       make(chan *Job, 16),
		events:   make(chan Event, 64),
		statuses: make(map[string]*Status),
		jobs:     make(map[string]*Job),
	}
	for _, o := range opts {
		o(p)
	}
	p.ctx, p.stop = context.WithCancel(context.Background())
	p.start()
	return p
}

func (p *Pool) start() {
	p.once.Do(func() {
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go func(workerID int) {
				defer p.wg.Done()
				p.logger.Debug("worker started", "worker_id", workerID)
				for job := range p.ch {
					p.run(workerID, job)
				}
				p.logger.Debug("worker stopped", "worker_id", workerID)
			}(i + 1)
		}
	})
}

// Submit queues task and returns the job ID. It blocks while the queue is
// full, until ctx is done.
func (p *Pool) Submit(ctx context.Context, name string, task Task) (string, error) {
	job := &Job{ID: uuid.NewString(), Name: name, task: task, pool: p}

	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		return "", ErrPoolClosed
	}

	p.mu.Lock()
	p.jobs[job.ID] = job
	p.statuses[job.ID] = &Status{ID: job.ID, Name: name, State: StateQueued, Submitted: p.now()}
	p.mu.Unlock()

	select {
	case p.ch <- job:
	default:
		p.logger.Warn("queue full, applying backpressure", "job_id", job.ID, "name", name)
		select {
		case p.ch <- job:
		case <-ctx.Done():
			p.mu.Lock()
			delete(p.jobs, job.ID)
			delete(p.statuses, job.ID)
			p.mu.Unlock()
			return "", fmt.Errorf("queueing %s: %w", name, ctx.Err())
		}
	}

	p.logger.Info("queued job", "job_id", job.ID, "name", name)
	return job.ID, nil
}

// Cancel flags a job. A queued job never starts; a running job stops at its
// next cancellation check.
func (p *Pool) Cancel(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	job, ok := p.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	if p.statuses[id].State.Finished() {
		return fmt.Errorf("%w: %s", ErrJobFinished, id)
	}
	job.cancelled.Store(true)
	p.logger.Info("cancel requested", "job_id", id)
	return nil
}

// Status returns a snapshot of the job with id.
func (p *Pool) Status(id string) (Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.statuses[id]
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	return *st, nil
}

// Events delivers job events. It is closed once Shutdown has stopped every worker.
func (p *Pool) Events() <-chan Event {
	return p.events
}

// Shutdown stops accepting jobs and waits for queued and running ones to
// finish. When ctx ends first, running tasks are cancelled.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return nil
	}
	p.closed = true
	close(p.ch)
	p.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(p.events)
		close(done)
	}()

	select {
	case <-done:
		p.stop()
		p.logger.Info("queue drained, shutdown complete")
		return nil
	case <-ctx.Done():
		p.logger.Warn("shutdown interrupted by context, cancelling running jobs")
		p.stop()
		return ctx.Err()
	}
}

func (p *Pool) run(workerID int, job *Job) {
	if job.Cancelled() {
		p.finish(job, StateCancelled, nil, nil)
		return
	}

	started := p.now()
	p.update(job.ID, func(st *Status) {
		st.State = StateRunning
		st.Started = &started
	})
	p.emit(Event{JobID: job.ID, Name: job.Name, Kind: EventStarted, At: started}, false)
	p.logger.Info("processing job", "worker_id", workerID, "job_id", job.ID, "name", job.Name)

	ctx, cancel := p.ctx, context.CancelFunc(func() {})
	if p.timeout > 0 {
		ctx, cancel = context.WithTimeout(p.ctx, p.timeout)
	}
	result, err := p.call(ctx, job)
	cancel()

	switch {
	case err == nil:
		p.logger.Info("job succeeded", "worker_id", workerID, "job_id", job.ID, "duration", p.now().Sub(started))
		p.finish(job, StateSucceeded, result, nil)
	case job.Cancelled():
		p.logger.Info("job cancelled", "worker_id", workerID, "job_id", job.ID)
		p.finish(job, StateCancelled, nil, err)
	default:
		p.logger.Error("job failed", "worker_id", workerID, "job_id", job.ID, "error", err)
		p.finish(job, StateFailed, nil, err)
	}
}

// call runs the task and turns a panic into an error
func (p *Pool) call(ctx context.Context, job *Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return job.task(ctx, job)
}

func (p *Pool) progress(job *Job, stage string) {
	p.update(job.ID, func(st *Status) {
		st.Stage = stage
	})
	p.emit(Event{JobID: job.ID, Name: job.Name, Kind: EventProgress, Stage: stage, At: p.now()}, false)
}

func (p *Pool) finish(job *Job, state State, result any, err error) {
	finished := p.now()
	var stage string
	p.update(job.ID, func(st *Status) {
		st.State = state
		st.Result = result
		st.Finished = &finished
		if err != nil {
			st.Error = err.Error()
		}
		stage = st.Stage
	})

	kind := EventSucceeded
	switch state {
	case StateFailed:
		kind = EventFailed
	case StateCancelled:
		kind = EventCancelled
	}
	p.emit(Event{JobID: job.ID, Name: job.Name, Kind: kind, Stage: stage, Result: result, Err: err, At: finished}, true)
}

func (p *Pool) update(id string, fn func(*Status)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.statuses[id]; ok {
		fn(st)
	}
}

// emit sends ev, dropping it when the buffer is full unless it must be delivered
func (p *Pool) emit(ev Event, mustDeliver bool) {
	select {
	case p.events <- ev:
		return
	default:
	}
	if !mustDeliver {
		p.logger.Debug("dropping progress event", "job_id", ev.JobID, "kind", ev.Kind)
		return
	}

	select {
	case p.events <- ev:
	case <-p.ctx.Done():
		p.logger.Warn("dropping event during shutdown", "job_id", ev.JobID, "kind", ev.Kind)
	}
}
