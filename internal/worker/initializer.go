package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/suever/MATL-Online/internal/octave"
)

// Initializer prepares the interpreter session each worker process owns.
type Initializer struct {
	Launcher octave.Launcher
	// Startup is the octaverc sourced after launch.
	Startup string
	// Paths are the wrapper directories added after launch.
	Paths  []string
	Logger *slog.Logger
}

// Initialize launches a fresh session with the startup script and default
// paths applied.
func (i *Initializer) Initialize(ctx context.Context) (*octave.Session, error) {
	s := octave.NewSession(i.Launcher, octave.Options{
		Startup: i.Startup,
		Paths:   i.Paths,
		Logger:  i.logger(),
	})
	if err := s.Launch(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize interpreter: %w", err)
	}
	i.logger().Info("Interpreter initialized", "startup", i.Startup, "paths", i.Paths)
	return s, nil
}

// Reinitialize replaces the process behind s. The session value is kept so
// tasks holding it see the new process.
func (i *Initializer) Reinitialize(ctx context.Context, s *octave.Session) error {
	if err := s.Restart(ctx); err != nil {
		return fmt.Errorf("failed to reinitialize interpreter: %w", err)
	}
	i.logger().Info("Interpreter reinitialized")
	return nil
}

func (i *Initializer) logger() *slog.Logger {
	if i.Logger == nil {
		return slog.Default()
	}
	return i.Logger
}
