// Package octavetest provides an in-memory interpreter for tests that drive an
// octave.Session without a real Octave installation.
package octavetest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"

	"github.com/suever/MATL-Online/internal/octave"
)

// Response is what the fake interpreter prints for one statement.
type Response struct {
	Lines []string
	// Partial is printed after Lines with no trailing newline.
	Partial string
	// Err makes the statement fail with this interpreter error message.
	Err string
	// Block, when non-nil, holds the statement open after Lines are printed
	// until it is closed or the process is killed.
	Block <-chan struct{}
}

// Interpreter is a Launcher whose processes understand the session protocol
// plus pwd, cd, addpath and rmpath.
type Interpreter struct {
	// Handle answers every other statement. A nil Handle prints nothing.
	Handle func(statement string) Response
	// LaunchErr makes Launch fail.
	LaunchErr error

	mu         sync.Mutex
	cwd        string
	paths      []string
	statements []string
	processes  []*Process
}

var _ octave.Launcher = (*Interpreter)(nil)

// New returns an Interpreter starting in dir.
func New(dir string) *Interpreter {
	return &Interpreter{cwd: dir}
}

// Launch starts a new fake process.
func (it *Interpreter) Launch(ctx context.Context) (octave.Process, error) {
	if it.LaunchErr != nil {
		return nil, it.LaunchErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := newProcess()
	it.mu.Lock()
	it.processes = append(it.processes, p)
	it.mu.Unlock()
	go it.serve(p)
	return p, nil
}

// Launches returns how many processes were started.
func (it *Interpreter) Launches() int {
	it.mu.Lock()
	defer it.mu.Unlock()
	return len(it.processes)
}

// Processes returns every process started so far.
func (it *Interpreter) Processes() []*Process {
	it.mu.Lock()
	defer it.mu.Unlock()
	return append([]*Process(nil), it.processes...)
}

// Statements returns every statement received, in order.
func (it *Interpreter) Statements() []string {
	it.mu.Lock()
	defer it.mu.Unlock()
	return append([]string(nil), it.statements...)
}

// Cwd returns the current working directory.
func (it *Interpreter) Cwd() string {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.cwd
}

// Paths returns the current search path additions.
func (it *Interpreter) Paths() []string {
	it.mu.Lock()
	defer it.mu.Unlock()
	return append([]string(nil), it.paths...)
}

var (
	callPattern     = regexp.MustCompile(`^(\w+)\((.*)\);$`)
	sentinelPattern = regexp.MustCompile(`^disp\((".*")\); fflush\(stdout\);$`)
)

func (it *Interpreter) serve(p *Process) {
	reader := bufio.NewReader(p.stdinR)
	var statement string
	expectStatement := false
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\n")

		switch {
		case line == "try":
			expectStatement = true
			continue
		case expectStatement:
			statement = line
			expectStatement = false
			continue
		}

		m := sentinelPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		sentinel, err := Unquote(m[1])
		if err != nil {
			return
		}

		resp := it.respond(statement)
		for _, out := range resp.Lines {
			if !p.println(out) {
				return
			}
		}
		if resp.Partial != "" && !p.print(resp.Partial) {
			return
		}
		if resp.Block != nil {
			select {
			case <-resp.Block:
			case <-p.killed:
				return
			}
		}
		if resp.Err != "" && !p.println(sentinel+":error:"+resp.Err) {
			return
		}
		if !p.println(sentinel) {
			return
		}
	}
}

func (it *Interpreter) respond(statement string) Response {
	it.mu.Lock()
	it.statements = append(it.statements, statement)
	it.mu.Unlock()

	if statement == "disp(pwd());" {
		return Response{Lines: []string{it.Cwd()}}
	}
	if m := callPattern.FindStringSubmatch(statement); m != nil {
		switch m[1] {
		case "cd", "addpath", "rmpath":
			arg, err := Unquote(m[2])
			if err != nil {
				return Response{Err: err.Error()}
			}
			it.mu.Lock()
			defer it.mu.Unlock()
			switch m[1] {
			case "cd":
				it.cwd = arg
			case "addpath":
				it.paths = append(it.paths, arg)
			case "rmpath":
				for i, p := range it.paths {
					if p == arg {
						it.paths = append(it.paths[:i], it.paths[i+1:]...)
						break
					}
				}
			}
			return Response{}
		}
	}
	if it.Handle == nil {
		return Response{}
	}
	return it.Handle(statement)
}

// Process is one fake interpreter process.
type Process struct {
	stdinR *io.PipeReader
	stdinW *io.PipeWriter
	outR   *io.PipeReader
	outW   *io.PipeWriter

	killOnce sync.Once
	killed   chan struct{}
}

func newProcess() *Process {
	stdinR, stdinW := io.Pipe()
	outR, outW := io.Pipe()
	return &Process{
		stdinR: stdinR,
		stdinW: stdinW,
		outR:   outR,
		outW:   outW,
		killed: make(chan struct{}),
	}
}

func (p *Process) Stdin() io.Writer  { return p.stdinW }
func (p *Process) Output() io.Reader { return p.outR }

// Kill closes both pipes.
func (p *Process) Kill() error {
	p.killOnce.Do(func() {
		close(p.killed)
		p.stdinW.Close()
		p.stdinR.Close()
		p.outW.Close()
	})
	return nil
}

// Killed reports whether Kill was called.
func (p *Process) Killed() bool {
	select {
	case <-p.killed:
		return true
	default:
		return false
	}
}

func (p *Process) println(line string) bool {
	return p.print(line + "\n")
}

func (p *Process) print(text string) bool {
	_, err := io.WriteString(p.outW, text)
	return err == nil
}

// Unquote decodes a double-quoted Octave string literal the way the
// interpreter does.
func Unquote(lit string) (string, error) {
	if len(lit) < 2 || lit[0] != '"' || lit[len(lit)-1] != '"' {
		return "", fmt.Errorf("not a double-quoted literal: %s", lit)
	}
	body := lit[1 : len(lit)-1]
	var b strings.Builder
	for i := 0; i < len(body); i++ {
		c := body[i]
		switch c {
		case '"':
			if i+1 < len(body) && body[i+1] == '"' {
				b.WriteByte('"')
				i++
				continue
			}
			return "", errors.New("unescaped quote terminates the literal early")
		case '\n', '\r':
			return "", errors.New("raw line break inside literal")
		case '\\':
			if i+1 >= len(body) {
				return "", errors.New("dangling escape")
			}
			i++
			switch e := body[i]; e {
			case '"', '\\', '\'':
				b.WriteByte(e)
			case 'n':
				b.WriteByte('\n')
			case 'r':
				b.WriteByte('\r')
			case 't':
				b.WriteByte('\t')
			case 'a':
				b.WriteByte('\a')
			case '0', '1', '2', '3', '4', '5', '6', '7':
				v := 0
				n := 0
				for n < 3 && i < len(body) && body[i] >= '0' && body[i] <= '7' {
					v = v*8 + int(body[i]-'0')
					i++
					n++
				}
				i--
				b.WriteByte(byte(v))
			default:
				return "", fmt.Errorf("unknown escape \\%c", e)
			}
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}
