package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/suever/MATL-Online/internal/domain"
	"github.com/suever/MATL-Online/internal/matl"
	"github.com/suever/MATL-Online/internal/metrics"
	"github.com/suever/MATL-Online/internal/octave"
)

var (
	// ErrCancelled is the cancellation cause for user-initiated kills.
	ErrCancelled = errors.New("job cancelled")
	// ErrTimedOut is the cancellation cause for the soft time limit.
	ErrTimedOut = errors.New("operation timed out")
)

// Messages shown to the user when a task does not complete.
const (
	cancelledMessage = "Job cancelled"
	timedOutMessage  = "Operation timed out"
)

// State is the lifecycle position of a Task.
type State string

const (
	StateCreated   State = "created"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateKilled    State = "killed"
)

// Outcome classifies how an execution ended.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeCancelled
	OutcomeTimedOut
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeTimedOut:
		return "timed_out"
	default:
		return "failed"
	}
}

// Interpreter is the worker session as seen by a task.
type Interpreter interface {
	matl.Interpreter
	Terminate() error
}

// Deps are the per-worker collaborators shared by every task.
type Deps struct {
	Session Interpreter
	// Restart relaunches and reinitializes Session after a timeout.
	Restart    func(ctx context.Context) error
	Sources    matl.FolderResolver
	Emitter    domain.Emitter
	ScratchDir string
	SoftLimit  time.Duration
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Task is one execution of one job against the worker's session.
type Task struct {
	id      string
	params  domain.Params
	deps    Deps
	handler *matl.Handler
	log     *slog.Logger

	mu     sync.Mutex
	state  State
	folder string
}

// NewTask binds params to the worker's collaborators.
func NewTask(id string, params domain.Params, deps Deps) *Task {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("jobID", id, "session", params.SessionID)
	return &Task{
		id:      id,
		params:  params,
		deps:    deps,
		handler: matl.NewHandler(deps.Emitter, log),
		log:     log,
		state:   StateCreated,
	}
}

// State returns the current lifecycle state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Task) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// Folder returns the task's scratch directory, creating it on first use.
// A task with a subscriber id always maps to the same directory.
func (t *Task) Folder() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	root := t.deps.ScratchDir
	if root == "" {
		root = os.TempDir()
	}

	if t.folder == "" {
		if t.params.SessionID != "" {
			t.folder = filepath.Join(root, scratchName(t.params.SessionID))
		} else {
			dir, err := os.MkdirTemp(root, "matl-")
			if err != nil {
				return "", fmt.Errorf("failed to create scratch folder: %w", err)
			}
			t.folder = dir
		}
	}
	if err := os.MkdirAll(t.folder, 0o755); err != nil {
		return "", fmt.Errorf("failed to create scratch folder: %w", err)
	}
	return t.folder, nil
}

// Execute runs the task to a terminal state. The buffered fragments are
// returned in every case; the error is ErrCancelled, ErrTimedOut or the
// failure cause when the task did not complete.
func (t *Task) Execute(ctx context.Context) (result domain.StatusPayload, err error) {
	t.setState(StateRunning)
	t.handler.Bind(t.params.SessionID)
	t.handler.Clear()
	t.deps.Metrics.TaskStarted()
	start := time.Now()

	// Terminal events must go out even when ctx is already cancelled.
	finalCtx := context.WithoutCancel(ctx)
	outcome := OutcomeFailed

	defer func() {
		t.finalize()
		t.deps.Metrics.TaskFinished(string(t.params.Mode), outcome.String(), time.Since(start))
	}()
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("Task panicked", "panic", r)
			outcome = OutcomeFailed
			result = t.handler.Send(finalCtx)
			t.complete(finalCtx, domain.Failed(""))
			t.setState(StateFailed)
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()

	runCtx := ctx
	if t.deps.SoftLimit > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeoutCause(ctx, t.deps.SoftLimit, ErrTimedOut)
		defer cancel()
	}

	runErr := t.run(runCtx)
	outcome = classify(runCtx, runErr)

	switch outcome {
	case OutcomeCompleted:
		result = t.handler.Send(finalCtx)
		t.complete(finalCtx, domain.Completed())
		t.setState(StateSucceeded)
		return result, nil

	case OutcomeCancelled:
		t.log.Warn("Task cancelled")
		t.handler.ProcessMessage(finalCtx, matl.TagStderr+cancelledMessage)
		// The worker is expected to replace the session before the next job.
		if err := t.deps.Session.Terminate(); err != nil {
			t.log.Error("Failed to terminate interpreter", "error", err)
		}
		result = t.handler.Send(finalCtx)
		t.complete(finalCtx, domain.Failed(""))
		t.setState(StateKilled)
		return result, ErrCancelled

	case OutcomeTimedOut:
		t.log.Warn("Task exceeded soft time limit", "limit", t.deps.SoftLimit)
		t.handler.ProcessMessage(finalCtx, matl.TagStderr+timedOutMessage)
		if t.deps.Restart != nil {
			if err := t.deps.Restart(finalCtx); err != nil {
				t.log.Error("Failed to restart interpreter", "error", err)
			}
			t.deps.Metrics.SessionRestarted("timeout")
		}
		result = t.handler.Send(finalCtx)
		t.complete(finalCtx, domain.Failed(""))
		t.setState(StateFailed)
		return result, ErrTimedOut

	default:
		t.log.Error("Task failed", "error", runErr)
		result = t.handler.Send(finalCtx)
		t.complete(finalCtx, domain.Failed(""))
		t.setState(StateFailed)
		return result, fmt.Errorf("task %s failed: %w", t.id, runErr)
	}
}

func (t *Task) run(ctx context.Context) error {
	folder, err := t.Folder()
	if err != nil {
		return err
	}

	err = matl.Run(ctx, t.deps.Session, t.deps.Sources, t.params, folder, t.handler.Sink(ctx))

	// Errors raised by the program itself are output, not task failures.
	var evalErr *octave.EvalError
	if errors.As(err, &evalErr) {
		t.handler.ProcessMessage(ctx, matl.TagStderr+evalErr.Message)
		return nil
	}
	return err
}

func classify(ctx context.Context, err error) Outcome {
	if err == nil {
		return OutcomeCompleted
	}
	cause := context.Cause(ctx)
	switch {
	case errors.Is(err, ErrCancelled), errors.Is(cause, ErrCancelled):
		return OutcomeCancelled
	case errors.Is(err, ErrTimedOut), errors.Is(cause, ErrTimedOut):
		return OutcomeTimedOut
	default:
		return OutcomeFailed
	}
}

func (t *Task) complete(ctx context.Context, payload domain.CompletePayload) {
	if t.deps.Emitter == nil || t.params.SessionID == "" {
		return
	}
	if err := t.deps.Emitter.Emit(ctx, t.params.SessionID, domain.EventComplete, payload); err != nil {
		t.log.Error("Failed to emit completion", "error", err)
	}
}

func (t *Task) finalize() {
	t.mu.Lock()
	folder := t.folder
	t.mu.Unlock()

	if folder != "" {
		if err := os.RemoveAll(folder); err != nil {
			t.log.Warn("Failed to remove scratch folder", "folder", folder, "error", err)
		}
	}
	t.handler.Clear()
}

// scratchName maps a subscriber id to a safe directory name.
func scratchName(id string) string {
	safe := id != "" && !strings.HasPrefix(id, ".")
	for _, r := range id {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_' || r == '.') {
			safe = false
			break
		}
	}
	if safe {
		return id
	}
	sum := sha256.Sum256([]byte(id))
	return "session-" + hex.EncodeToString(sum[:16])
}
