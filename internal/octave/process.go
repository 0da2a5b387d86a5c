package octave

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Process is a running interpreter.
type Process interface {
	// Stdin receives statements.
	Stdin() io.Writer
	// Output streams the merged stdout and stderr of the interpreter.
	Output() io.Reader
	// Kill stops the interpreter and releases its pipes. It is safe to call twice.
	Kill() error
}

// Launcher starts interpreter processes.
type Launcher interface {
	Launch(ctx context.Context) (Process, error)
}

// ExecLauncher runs the interpreter as a local child process.
type ExecLauncher struct {
	Executable string
	Args       []string
	Env        []string
}

var _ Launcher = ExecLauncher{}

// killGrace bounds how long Kill waits for the child to be reaped.
const killGrace = 5 * time.Second

// Launch starts the executable with stdout and stderr sharing one pipe, the way
// a terminal would interleave them.
func (l ExecLauncher) Launch(ctx context.Context) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Not CommandContext: the interpreter must outlive the launching request.
	cmd := exec.Command(l.Executable, l.Args...)
	if len(l.Env) > 0 {
		cmd.Env = append(os.Environ(), l.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin: %w", err)
	}

	outR, outW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to open output pipe: %w", err)
	}
	cmd.Stdout = outW
	cmd.Stderr = outW

	if err := cmd.Start(); err != nil {
		stdin.Close()
		outR.Close()
		outW.Close()
		return nil, fmt.Errorf("failed to start %s: %w", l.Executable, err)
	}
	// The child holds its own copy of the write end.
	outW.Close()

	p := &execProcess{
		cmd:    cmd,
		stdin:  stdin,
		output: outR,
		exited: make(chan struct{}),
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	output *os.File

	exited  chan struct{}
	waitErr error

	killOnce sync.Once
	killErr  error
}

func (p *execProcess) Stdin() io.Writer  { return p.stdin }
func (p *execProcess) Output() io.Reader { return p.output }

func (p *execProcess) Kill() error {
	p.killOnce.Do(func() {
		p.stdin.Close()
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.killErr = fmt.Errorf("failed to kill interpreter: %w", err)
		}
		select {
		case <-p.exited:
		case <-time.After(killGrace):
			p.killErr = fmt.Errorf("interpreter pid %d did not exit after kill", p.cmd.Process.Pid)
		}
		p.output.Close()
	})
	return p.killErr
}
