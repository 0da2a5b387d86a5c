package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/suever/MATL-Online/internal/domain"
	"github.com/suever/MATL-Online/internal/matl"
	"github.com/suever/MATL-Online/internal/metrics"
	"github.com/suever/MATL-Online/internal/octave"
)

// errHardLimit is the cause used when a task outlives the hard time limit.
var errHardLimit = fmt.Errorf("hard time limit exceeded: %w", ErrCancelled)

// Kills for jobs that have not started are remembered for revokeTTL, up to
// maxRevoked ids.
const (
	revokeTTL  = 10 * time.Minute
	maxRevoked = 4096
)

// Acknowledger confirms a job was handled so it is not redelivered.
type Acknowledger interface {
	Acknowledge(ctx context.Context, rawID string) error
}

// PoolConfig holds the execution limits shared by all workers.
type PoolConfig struct {
	Concurrency int
	SoftLimit   time.Duration
	HardLimit   time.Duration
	ScratchDir  string
}

// Pool implements a fixed-size worker pool. Each worker owns one interpreter
// session and runs one job at a time.
type Pool struct {
	cfg         PoolConfig
	initializer *Initializer
	sources     matl.FolderResolver
	emitter     domain.Emitter
	results     domain.ResultStore
	acker       Acknowledger
	metrics     *metrics.Metrics
	log         *slog.Logger

	// tasksCh is the queue for incoming jobs.
	tasksCh chan domain.Job
	// wg tracks active workers to ensure graceful shutdown.
	wg sync.WaitGroup

	// slots holds one token per idle worker.
	slots chan struct{}

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
	revoked map[string]time.Time
	now     func() time.Time
}

// PoolDeps are the collaborators the pool hands to every task. results and
// acker may be nil.
type PoolDeps struct {
	Initializer *Initializer
	Sources     matl.FolderResolver
	Emitter     domain.Emitter
	Results     domain.ResultStore
	Acker       Acknowledger
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// NewPool initializes the worker pool with a fixed concurrency limit.
func NewPool(cfg PoolConfig, deps PoolDeps) *Pool {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		cfg:         cfg,
		initializer: deps.Initializer,
		sources:     deps.Sources,
		emitter:     deps.Emitter,
		results:     deps.Results,
		acker:       deps.Acker,
		metrics:     deps.Metrics,
		log:         log,
		// Buffer the channel to allow non-blocking submission up to a certain point.
		tasksCh: make(chan domain.Job, cfg.Concurrency),
		slots:   make(chan struct{}, cfg.Concurrency),
		running: make(map[string]context.CancelCauseFunc),
		revoked: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Start launches one session per worker and spawns the worker goroutines.
// It fails if any session cannot be launched.
func (p *Pool) Start(ctx context.Context) error {
	p.log.Info("Starting worker pool", "concurrency", p.cfg.Concurrency)

	sessions := make([]*octave.Session, 0, p.cfg.Concurrency)
	for i := 0; i < p.cfg.Concurrency; i++ {
		s, err := p.initializer.Initialize(ctx)
		if err != nil {
			for _, started := range sessions {
				_ = started.Terminate()
			}
			return fmt.Errorf("failed to start worker %d: %w", i, err)
		}
		sessions = append(sessions, s)
	}

	for i, s := range sessions {
		p.wg.Add(1)
		go p.worker(ctx, i, s)
		p.release()
	}
	return nil
}

// Ready yields one token per idle worker. A consumer that takes a token
// before reading each job never holds more jobs than the pool can run.
func (p *Pool) Ready() <-chan struct{} {
	return p.slots
}

func (p *Pool) release() {
	select {
	case p.slots <- struct{}{}:
	default:
	}
}

// Stop closes the job channel and blocks until every worker has finished its
// current task and terminated its session.
func (p *Pool) Stop() {
	p.log.Info("Stopping worker pool, waiting for tasks to drain...")
	close(p.tasksCh)
	p.wg.Wait()
	p.log.Info("Worker pool stopped")
}

// Submit adds a job to the queue.
// It blocks if the queue (and workers) are fully saturated.
func (p *Pool) Submit(job domain.Job) {
	p.tasksCh <- job
}

// Cancel interrupts the running job with the given id. It reports whether
// the job was running on this pool. Otherwise the id is revoked, and the job
// is dropped without output if it reaches this pool later.
func (p *Pool) Cancel(jobID string) bool {
	p.mu.Lock()
	cancel, ok := p.running[jobID]
	if !ok {
		p.revoke(jobID)
	}
	p.mu.Unlock()
	if ok {
		cancel(ErrCancelled)
	}
	return ok
}

// revoke must be called with mu held.
func (p *Pool) revoke(jobID string) {
	now := p.now()
	for id, at := range p.revoked {
		if now.Sub(at) > revokeTTL {
			delete(p.revoked, id)
		}
	}
	if len(p.revoked) >= maxRevoked {
		oldest, oldestAt := "", now
		for id, at := range p.revoked {
			if at.Before(oldestAt) {
				oldest, oldestAt = id, at
			}
		}
		delete(p.revoked, oldest)
	}
	p.revoked[jobID] = now
}

// track registers cancel for jobID. It returns false when the job was revoked
// before it started.
func (p *Pool) track(jobID string, cancel context.CancelCauseFunc) (func(), bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if at, ok := p.revoked[jobID]; ok {
		delete(p.revoked, jobID)
		if p.now().Sub(at) <= revokeTTL {
			return nil, false
		}
	}
	p.running[jobID] = cancel
	return func() {
		p.mu.Lock()
		delete(p.running, jobID)
		p.mu.Unlock()
	}, true
}

// worker is the core logic that runs inside a goroutine.
func (p *Pool) worker(ctx context.Context, id int, session *octave.Session) {
	defer p.wg.Done()
	log := p.log.With("workerId", id)
	log.Info("Worker started")

	// Range over the channel continuously reads jobs until the channel is closed.
	for job := range p.tasksCh {
		p.process(ctx, log, session, job)
		p.release()
	}

	if err := session.Terminate(); err != nil {
		log.Warn("Failed to terminate interpreter", "error", err)
	}
	log.Info("Worker stopped")
}

func (p *Pool) process(ctx context.Context, log *slog.Logger, session *octave.Session, job domain.Job) {
	log = log.With("jobID", job.ID)
	log.Debug("Processing job", "mode", job.Params.Mode)

	// Acknowledge regardless of outcome: tasks are never retried.
	defer p.acknowledge(ctx, log, job)

	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	untrack, ok := p.track(job.ID, cancel)
	if !ok {
		log.Info("Skipping revoked job")
		return
	}
	defer untrack()

	if !session.Running() {
		if err := p.initializer.Reinitialize(ctx, session); err != nil {
			log.Error("Interpreter unavailable", "error", err)
			p.fail(ctx, job, "Interpreter unavailable")
			return
		}
		p.metrics.SessionRestarted("replaced")
	}

	if p.cfg.HardLimit > 0 {
		hard := time.AfterFunc(p.cfg.HardLimit, func() {
			log.Warn("Task exceeded hard time limit", "limit", p.cfg.HardLimit)
			cancel(errHardLimit)
			if err := session.Terminate(); err != nil {
				log.Error("Failed to kill interpreter", "error", err)
			}
		})
		defer hard.Stop()
	}

	task := NewTask(job.ID, job.Params, Deps{
		Session: session,
		Restart: func(ctx context.Context) error {
			return p.initializer.Reinitialize(ctx, session)
		},
		Sources:    p.sources,
		Emitter:    p.emitter,
		ScratchDir: p.cfg.ScratchDir,
		SoftLimit:  p.cfg.SoftLimit,
		Metrics:    p.metrics,
		Logger:     log,
	})

	result, err := task.Execute(jobCtx)
	if err != nil {
		log.Info("Task finished", "state", task.State(), "error", err)
	} else {
		log.Info("Task finished", "state", task.State())
	}

	if job.Params.Mode == domain.ModeExplain && p.results != nil {
		if err := p.results.StoreResult(context.WithoutCancel(ctx), job.ID, result); err != nil {
			log.Error("Failed to store result", "error", err)
		}
	}
}

// fail reports a job that could not be started.
func (p *Pool) fail(ctx context.Context, job domain.Job, message string) {
	ctx = context.WithoutCancel(ctx)
	if p.emitter != nil && job.Params.SessionID != "" {
		if err := p.emitter.Emit(ctx, job.Params.SessionID, domain.EventComplete, domain.Failed(message)); err != nil {
			p.log.Error("Failed to emit completion", "jobID", job.ID, "error", err)
		}
	}
	if job.Params.Mode == domain.ModeExplain && p.results != nil {
		payload := domain.StatusPayload{
			Data:    []domain.Fragment{{Type: domain.FragmentStderr, Value: message}},
			Session: job.Params.SessionID,
		}
		if err := p.results.StoreResult(ctx, job.ID, payload); err != nil {
			p.log.Error("Failed to store result", "jobID", job.ID, "error", err)
		}
	}
}

func (p *Pool) acknowledge(ctx context.Context, log *slog.Logger, job domain.Job) {
	if p.acker == nil || job.RawID == "" {
		return
	}
	if err := p.acker.Acknowledge(context.WithoutCancel(ctx), job.RawID); err != nil {
		log.Error("Failed to acknowledge job", "error", err)
	}
}
