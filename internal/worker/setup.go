package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/suever/MATL-Online/internal/config"
	"github.com/suever/MATL-Online/internal/matl"
	"github.com/suever/MATL-Online/internal/octave"
	"github.com/suever/MATL-Online/internal/platform/docker"
)

// NewLauncher returns the interpreter launcher selected by cfg.Runtime.
func NewLauncher(ctx context.Context, cfg config.Config, log *slog.Logger) (octave.Launcher, error) {
	switch cfg.Runtime {
	case config.RuntimeExec:
		return octave.ExecLauncher{
			Executable: cfg.OctaveExecutable,
			Args:       cfg.OctaveOptions,
		}, nil
	case config.RuntimeDocker:
		mounts, err := hostMounts(cfg)
		if err != nil {
			return nil, err
		}
		return docker.NewLauncher(ctx, docker.Config{
			Image:            cfg.Image,
			Cmd:              cfg.OctaveCommand(),
			Mounts:           mounts,
			MemoryLimitBytes: cfg.MemoryLimitBytes,
		}, log)
	default:
		return nil, fmt.Errorf("unknown interpreter runtime %q", cfg.Runtime)
	}
}

// NewSources resolves interpreter versions under cfg.MATLFolder, downloading
// missing ones from cfg.Repo.
func NewSources(cfg config.Config, log *slog.Logger) (*matl.Sources, error) {
	root, err := filepath.Abs(cfg.MATLFolder)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", cfg.MATLFolder, err)
	}
	return &matl.Sources{
		Root:      root,
		Installer: &matl.GitHubInstaller{Repo: cfg.Repo},
		Log:       log,
	}, nil
}

// ScratchDir returns the absolute scratch root, creating it if needed.
func ScratchDir(cfg config.Config) (string, error) {
	dir := cfg.ScratchDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "matl-online")
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create scratch dir: %w", err)
	}
	return dir, nil
}

// hostMounts lists the host directories the container must see at the same
// paths: sources, wrappers, scratch space and the startup script's folder.
func hostMounts(cfg config.Config) ([]string, error) {
	scratch, err := ScratchDir(cfg)
	if err != nil {
		return nil, err
	}
	candidates := []string{cfg.MATLFolder, cfg.WrapDir, scratch}
	if cfg.OctaveRC != "" {
		candidates = append(candidates, filepath.Dir(cfg.OctaveRC))
	}

	var mounts []string
	for _, dir := range candidates {
		if dir == "" {
			continue
		}
		abs, err := filepath.Abs(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", dir, err)
		}
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", abs, err)
		}
		mounts = append(mounts, abs)
	}
	return mounts, nil
}
