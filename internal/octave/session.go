// Package octave owns a long-lived Octave interpreter and the statement
// protocol used to drive it.
package octave

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrNotRunning is returned when the session has no live interpreter.
	ErrNotRunning = errors.New("interpreter is not running")
	// ErrProcessExited is returned when the interpreter output closes mid-evaluation.
	ErrProcessExited = errors.New("interpreter exited")
	// ErrTainted is returned after an evaluation was abandoned; the session must be restarted.
	ErrTainted = errors.New("interpreter was abandoned mid-evaluation and must be restarted")
)

// EvalError is an error reported by the interpreter itself.
type EvalError struct {
	Statement string
	Message   string
}

func (e *EvalError) Error() string {
	return "interpreter error: " + e.Message
}

// LineHandler receives each line of interpreter output as it is produced.
type LineHandler func(line string)

// Options configures a Session.
type Options struct {
	// Startup is an optional script sourced after every launch.
	Startup string
	// Paths are added to the search path after every launch.
	Paths  []string
	Logger *slog.Logger
}

// Session wraps one interpreter process. There is at most one live process
// per Session; Terminate always clears it.
type Session struct {
	launcher Launcher
	startup  string
	paths    []string
	log      *slog.Logger

	// evalMu serialises statements; mu guards the process fields so that
	// Terminate can interrupt an evaluation in progress.
	evalMu  sync.Mutex
	mu      sync.Mutex
	proc    Process
	lines   <-chan string
	stop    chan struct{}
	tainted bool
}

// NewSession creates a Session. Call Launch to start the interpreter.
func NewSession(launcher Launcher, opts Options) *Session {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		launcher: launcher,
		startup:  opts.Startup,
		paths:    append([]string(nil), opts.Paths...),
		log:      log.With("component", "octave"),
	}
}

// Startup returns the configured startup script.
func (s *Session) Startup() string { return s.startup }

// DefaultPaths returns the search paths added on every launch.
func (s *Session) DefaultPaths() []string { return append([]string(nil), s.paths...) }

// Process returns the live interpreter handle, or nil.
func (s *Session) Process() Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc
}

// Running reports whether the session holds a usable interpreter.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc != nil && !s.tainted
}

// Launch starts a fresh interpreter, replacing any existing one, then sources
// the startup script and adds the default paths.
func (s *Session) Launch(ctx context.Context) error {
	if err := s.Terminate(); err != nil {
		s.log.Warn("failed to stop previous interpreter", "error", err)
	}

	proc, err := s.launcher.Launch(ctx)
	if err != nil {
		return fmt.Errorf("failed to launch interpreter: %w", err)
	}

	lines := make(chan string)
	stop := make(chan struct{})
	go readLines(proc.Output(), lines, stop)

	s.mu.Lock()
	s.proc = proc
	s.lines = lines
	s.stop = stop
	s.tainted = false
	s.mu.Unlock()

	s.log.Info("interpreter launched")

	if _, err := s.Eval(ctx, "more off; page_screen_output(false); page_output_immediately(true);", nil); err != nil {
		return fmt.Errorf("failed to configure interpreter: %w", err)
	}
	if s.startup != "" {
		if _, err := s.Run(ctx, nil, "source", Quote(s.startup)); err != nil {
			return fmt.Errorf("failed to source %s: %w", s.startup, err)
		}
	}
	for _, dir := range s.paths {
		if _, err := s.Run(ctx, nil, "addpath", Quote(dir)); err != nil {
			return fmt.Errorf("failed to add path %s: %w", dir, err)
		}
	}
	return nil
}

// Restart terminates the interpreter and launches a new one.
func (s *Session) Restart(ctx context.Context) error {
	if err := s.Terminate(); err != nil {
		s.log.Warn("failed to stop interpreter during restart", "error", err)
	}
	return s.Launch(ctx)
}

// Terminate kills the interpreter. It is a no-op when nothing is running.
func (s *Session) Terminate() error {
	s.mu.Lock()
	proc, stop := s.proc, s.stop
	s.proc, s.lines, s.stop = nil, nil, nil
	s.tainted = false
	s.mu.Unlock()

	if proc == nil {
		return nil
	}
	close(stop)
	s.log.Info("terminating interpreter")
	return proc.Kill()
}

// Run invokes command with pre-quoted args as one statement. args must be
// rendered with Quote or Cell; they are inserted verbatim.
func (s *Session) Run(ctx context.Context, handler LineHandler, command string, args ...string) (string, error) {
	return s.Eval(ctx, Call(command, args...), handler)
}

// Eval submits statement and blocks until the interpreter finishes it.
//
// handler, when non-nil, is called inline for every output line as it
// arrives. The captured output is returned with one trailing newline per line.
// If ctx ends first the context cause is returned and the session is marked
// tainted until it is restarted.
func (s *Session) Eval(ctx context.Context, statement string, handler LineHandler) (string, error) {
	s.evalMu.Lock()
	defer s.evalMu.Unlock()

	s.mu.Lock()
	proc, lines, tainted := s.proc, s.lines, s.tainted
	s.mu.Unlock()

	if proc == nil {
		return "", ErrNotRunning
	}
	if tainted {
		return "", ErrTainted
	}

	sentinel := "__session_" + strings.ReplaceAll(uuid.NewString(), "-", "") + "__"
	if _, err := io.WriteString(proc.Stdin(), wrapStatement(statement, sentinel)); err != nil {
		return "", fmt.Errorf("failed to send statement: %w", err)
	}

	errorPrefix := sentinel + errorTag
	var out strings.Builder
	var evalErr error
	for {
		select {
		case <-ctx.Done():
			s.taint(proc)
			return out.String(), context.Cause(ctx)
		case line, ok := <-lines:
			if !ok {
				s.taint(proc)
				return out.String(), ErrProcessExited
			}
			// Output without a trailing newline shares a line with the marker.
			if i := strings.Index(line, errorPrefix); i >= 0 {
				if i > 0 {
					s.emit(&out, line[:i], handler)
				}
				evalErr = &EvalError{Statement: statement, Message: line[i+len(errorPrefix):]}
				continue
			}
			if text, done := strings.CutSuffix(line, sentinel); done {
				if text != "" {
					s.emit(&out, text, handler)
				}
				return out.String(), evalErr
			}
			s.emit(&out, line, handler)
		}
	}
}

func (s *Session) emit(out *strings.Builder, line string, handler LineHandler) {
	s.log.Debug("interpreter output", "line", line)
	out.WriteString(line)
	out.WriteByte('\n')
	if handler != nil {
		handler(line)
	}
}

func (s *Session) taint(proc Process) {
	s.mu.Lock()
	if s.proc == proc {
		s.tainted = true
	}
	s.mu.Unlock()
}

// Pwd returns the interpreter's working directory.
func (s *Session) Pwd(ctx context.Context) (string, error) {
	out, err := s.Eval(ctx, "disp(pwd());", nil)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(out, "\n"), nil
}

// CurrentDirectory switches the interpreter to dir while fn runs and always
// switches back afterwards.
func (s *Session) CurrentDirectory(ctx context.Context, dir string, fn func() error) (err error) {
	previous, err := s.Pwd(ctx)
	if err != nil {
		return fmt.Errorf("failed to read working directory: %w", err)
	}
	if _, err := s.Run(ctx, nil, "cd", Quote(dir)); err != nil {
		return fmt.Errorf("failed to enter %s: %w", dir, err)
	}
	defer func() {
		if _, restoreErr := s.Run(context.WithoutCancel(ctx), nil, "cd", Quote(previous)); restoreErr != nil {
			s.log.Warn("failed to restore working directory", "dir", previous, "error", restoreErr)
			if err == nil {
				err = restoreErr
			}
		}
	}()
	return fn()
}

// Paths adds dirs to the search path while fn runs and removes exactly those
// dirs afterwards.
func (s *Session) Paths(ctx context.Context, dirs []string, fn func() error) (err error) {
	added := make([]string, 0, len(dirs))
	defer func() {
		for i := len(added) - 1; i >= 0; i-- {
			if _, removeErr := s.Run(context.WithoutCancel(ctx), nil, "rmpath", Quote(added[i])); removeErr != nil {
				s.log.Warn("failed to remove path", "dir", added[i], "error", removeErr)
				if err == nil {
					err = removeErr
				}
			}
		}
	}()
	for _, dir := range dirs {
		if _, err := s.Run(ctx, nil, "addpath", Quote(dir)); err != nil {
			return fmt.Errorf("failed to add path %s: %w", dir, err)
		}
		added = append(added, dir)
	}
	return fn()
}

const errorTag = ":error:"

// wrapStatement makes the interpreter report errors and completion on stdout.
func wrapStatement(statement, sentinel string) string {
	return fmt.Sprintf("try\n%s\ncatch session_err__\ndisp([%s strrep(session_err__.message, \"\\n\", \" \")]);\nend\ndisp(%s); fflush(stdout);\n",
		statement, Quote(sentinel+errorTag), Quote(sentinel))
}

func readLines(r io.Reader, out chan<- string, stop <-chan struct{}) {
	defer close(out)
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			select {
			case out <- strings.TrimRight(line, "\r\n"):
			case <-stop:
				return
			}
		}
		if err != nil {
			return
		}
	}
}
