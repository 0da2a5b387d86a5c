package matl

import (
	"context"
	"fmt"

	"github.com/suever/MATL-Online/internal/domain"
	"github.com/suever/MATL-Online/internal/octave"
)

// RunnerFunction is the interpreter entry point.
const RunnerFunction = "matl_runner"

// Interpreter is the part of an octave.Session a program run needs.
type Interpreter interface {
	CurrentDirectory(ctx context.Context, dir string, fn func() error) error
	Paths(ctx context.Context, dirs []string, fn func() error) error
	Run(ctx context.Context, handler octave.LineHandler, command string, args ...string) (string, error)
}

// FolderResolver maps a version tag to its interpreter source folder.
type FolderResolver interface {
	Folder(ctx context.Context, version string) (string, error)
}

// Arguments renders the runner arguments: flags, the code as a cell array with
// one element per line, then one argument per input line.
func Arguments(params domain.Params) []string {
	args := []string{
		octave.Quote(params.Flags()),
		octave.Cell(params.CodeLines()),
	}
	for _, input := range params.InputLines() {
		args = append(args, octave.Quote(input))
	}
	return args
}

// Statement renders the full runner invocation.
func Statement(params domain.Params) string {
	return octave.Call(RunnerFunction, Arguments(params)...)
}

// Run executes params inside dir with the version's source folder on the
// search path. Output lines go to handler as they are produced.
func Run(ctx context.Context, interp Interpreter, sources FolderResolver, params domain.Params, dir string, handler octave.LineHandler) error {
	folder, err := sources.Folder(ctx, params.Version)
	if err != nil {
		return fmt.Errorf("failed to resolve version %q: %w", params.Version, err)
	}

	return interp.CurrentDirectory(ctx, dir, func() error {
		return interp.Paths(ctx, []string{folder}, func() error {
			_, err := interp.Run(ctx, handler, RunnerFunction, Arguments(params)...)
			return err
		})
	})
}
