package worker

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suever/MATL-Online/internal/domain"
	"github.com/suever/MATL-Online/internal/octave"
	"github.com/suever/MATL-Online/internal/octave/octavetest"
)

type taskFixture struct {
	it          *octavetest.Interpreter
	initializer *Initializer
	session     *octave.Session
	emitter     *recordingEmitter
	scratch     string
}

func newTaskFixture(t *testing.T, handle func(string) octavetest.Response) *taskFixture {
	t.Helper()

	it := octavetest.New("/home/octave")
	it.Handle = handle
	initializer := &Initializer{Launcher: it, Paths: []string{"/wrappers"}}
	session, err := initializer.Initialize(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Terminate() })

	return &taskFixture{
		it:          it,
		initializer: initializer,
		session:     session,
		emitter:     &recordingEmitter{},
		scratch:     t.TempDir(),
	}
}

func (f *taskFixture) deps(soft time.Duration) Deps {
	return Deps{
		Session: f.session,
		Restart: func(ctx context.Context) error {
			return f.initializer.Reinitialize(ctx, f.session)
		},
		Sources:    staticFolders{testVersion: "/matl/" + testVersion},
		Emitter:    f.emitter,
		ScratchDir: f.scratch,
		SoftLimit:  soft,
	}
}

func runnerStatement(statement string) bool {
	return strings.HasPrefix(statement, "matl_runner(")
}

func scratchEntries(t *testing.T, dir string) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	return entries
}

func TestExecuteStreamsAndCompletes(t *testing.T) {
	t.Parallel()

	f := newTaskFixture(t, func(statement string) octavetest.Response {
		if statement == `matl_runner("-or", {"D"}, "12");` {
			return octavetest.Response{Lines: []string{"12"}}
		}
		return octavetest.Response{}
	})

	params := domain.RunParams("D", testVersion).WithInputs("12").WithSession("abc")
	task := NewTask("job-1", params, f.deps(0))
	assert.Equal(t, StateCreated, task.State())

	result, err := task.Execute(context.Background())
	require.NoError(t, err)

	want := []domain.Fragment{{Type: domain.FragmentStdout, Value: "12"}}
	assert.Equal(t, want, result.Data)
	assert.Equal(t, "abc", result.Session)
	assert.Equal(t, StateSucceeded, task.State())

	assert.Equal(t, []string{domain.EventStatus, domain.EventComplete}, f.emitter.names())
	for _, e := range f.emitter.all() {
		assert.Equal(t, "abc", e.room)
	}
	assert.Equal(t, []domain.CompletePayload{domain.Completed()}, f.emitter.completes())
	assert.Empty(t, scratchEntries(t, f.scratch))
}

func TestExecuteRunsInsideScratchFolder(t *testing.T) {
	t.Parallel()

	var cwd string
	var f *taskFixture
	f = newTaskFixture(t, func(statement string) octavetest.Response {
		if runnerStatement(statement) {
			cwd = f.it.Cwd()
		}
		return octavetest.Response{}
	})

	params := domain.RunParams("1", testVersion).WithSession("abc")
	task := NewTask("job-1", params, f.deps(0))
	_, err := task.Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(f.scratch, "abc"), cwd)
	assert.Equal(t, "/home/octave", f.it.Cwd())
	assert.Equal(t, []string{"/wrappers"}, f.it.Paths())
}

func TestExecuteInterpreterErrorIsOutput(t *testing.T) {
	t.Parallel()

	f := newTaskFixture(t, func(statement string) octavetest.Response {
		if runnerStatement(statement) {
			return octavetest.Response{Lines: []string{"1"}, Err: "undefined near line 1"}
		}
		return octavetest.Response{}
	})

	params := domain.RunParams("X", testVersion).WithSession("abc")
	task := NewTask("job-1", params, f.deps(0))
	result, err := task.Execute(context.Background())
	require.NoError(t, err)

	want := []domain.Fragment{
		{Type: domain.FragmentStdout, Value: "1"},
		{Type: domain.FragmentStderr, Value: "undefined near line 1"},
	}
	assert.Equal(t, want, result.Data)
	assert.Equal(t, []domain.CompletePayload{domain.Completed()}, f.emitter.completes())
}

func TestExecuteCancelled(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	defer close(block)
	f := newTaskFixture(t, func(statement string) octavetest.Response {
		if runnerStatement(statement) {
			return octavetest.Response{Lines: []string{"partial"}, Block: block}
		}
		return octavetest.Response{}
	})
	before := f.it.Processes()[0]

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	go func() {
		assert.Eventually(t, func() bool {
			for _, stmt := range f.it.Statements() {
				if runnerStatement(stmt) {
					return true
				}
			}
			return false
		}, time.Second, 5*time.Millisecond)
		// Give the session time to deliver the first line.
		time.Sleep(20 * time.Millisecond)
		cancel(ErrCancelled)
	}()

	params := domain.RunParams("`T", testVersion).WithSession("abc")
	task := NewTask("job-1", params, f.deps(0))
	result, err := task.Execute(ctx)
	require.ErrorIs(t, err, ErrCancelled)

	want := []domain.Fragment{
		{Type: domain.FragmentStdout, Value: "partial"},
		{Type: domain.FragmentStderr, Value: "Job cancelled"},
	}
	assert.Equal(t, want, result.Data)
	assert.Equal(t, StateKilled, task.State())

	assert.Equal(t, []string{domain.EventStatus, domain.EventComplete}, f.emitter.names())
	assert.Equal(t, want, f.emitter.lastStatus().Data)
	assert.Equal(t, []domain.CompletePayload{domain.Failed("")}, f.emitter.completes())

	// Cancellation kills the interpreter without replacing it.
	assert.False(t, f.session.Running())
	assert.True(t, before.Killed())
	assert.Equal(t, 1, f.it.Launches())
	assert.Empty(t, scratchEntries(t, f.scratch))
}

func TestExecuteTimedOut(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	defer close(block)
	f := newTaskFixture(t, func(statement string) octavetest.Response {
		if runnerStatement(statement) {
			return octavetest.Response{Block: block}
		}
		return octavetest.Response{}
	})
	before := f.session.Process()

	params := domain.RunParams("`T", testVersion).WithSession("abc")
	task := NewTask("job-1", params, f.deps(50*time.Millisecond))
	result, err := task.Execute(context.Background())
	require.ErrorIs(t, err, ErrTimedOut)

	want := []domain.Fragment{{Type: domain.FragmentStderr, Value: "Operation timed out"}}
	assert.Equal(t, want, result.Data)
	assert.Equal(t, StateFailed, task.State())
	assert.Equal(t, []domain.CompletePayload{domain.Failed("")}, f.emitter.completes())

	// The session is replaced in place and is immediately usable.
	require.True(t, f.session.Running())
	assert.NotSame(t, before, f.session.Process())
	assert.Equal(t, 2, f.it.Launches())
	_, err = f.session.Pwd(context.Background())
	require.NoError(t, err)
	assert.Empty(t, scratchEntries(t, f.scratch))
}

func TestExecuteUnknownVersionFails(t *testing.T) {
	t.Parallel()

	f := newTaskFixture(t, nil)

	params := domain.RunParams("D", "0.0.1").WithSession("abc")
	task := NewTask("job-1", params, f.deps(0))
	_, err := task.Execute(context.Background())
	require.Error(t, err)

	assert.Equal(t, StateFailed, task.State())
	assert.Equal(t, []domain.CompletePayload{domain.Failed("")}, f.emitter.completes())
	assert.True(t, f.session.Running())
}

func TestExecuteWithoutSubscriberEmitsNothing(t *testing.T) {
	t.Parallel()

	f := newTaskFixture(t, func(statement string) octavetest.Response {
		if runnerStatement(statement) {
			return octavetest.Response{Lines: []string{"[STDOUT]push 1"}}
		}
		return octavetest.Response{}
	})

	task := NewTask("job-1", domain.ExplainParams("1", testVersion), f.deps(0))
	result, err := task.Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []domain.Fragment{{Type: domain.FragmentStdout2, Value: "push 1"}}, result.Data)
	assert.Empty(t, f.emitter.all())
	assert.Empty(t, scratchEntries(t, f.scratch))
}

func TestFolderIsCreatedLazily(t *testing.T) {
	t.Parallel()

	scratch := t.TempDir()
	task := NewTask("job-1", domain.RunParams("1", testVersion).WithSession("abc"), Deps{ScratchDir: scratch})
	assert.Empty(t, scratchEntries(t, scratch))

	folder, err := task.Folder()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(scratch, "abc"), folder)
	assert.DirExists(t, folder)

	again, err := task.Folder()
	require.NoError(t, err)
	assert.Equal(t, folder, again)
}

func TestFolderWithoutSubscriberIsUnique(t *testing.T) {
	t.Parallel()

	scratch := t.TempDir()
	a, err := NewTask("a", domain.ExplainParams("1", testVersion), Deps{ScratchDir: scratch}).Folder()
	require.NoError(t, err)
	b, err := NewTask("b", domain.ExplainParams("1", testVersion), Deps{ScratchDir: scratch}).Folder()
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.Equal(t, scratch, filepath.Dir(a))
}

func TestScratchName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "3f2a-b_c", scratchName("3f2a-b_c"))

	for _, id := range []string{"../escape", "a/b", ".hidden", "with space"} {
		name := scratchName(id)
		assert.True(t, strings.HasPrefix(name, "session-"), id)
		assert.NotContains(t, name, "/")
		assert.Equal(t, name, scratchName(id))
	}
}
