package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	specs "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/suever/MATL-Online/internal/octave"
)

// apiClient is the subset of the Docker SDK the launcher needs.
type apiClient interface {
	Ping(ctx context.Context) (types.Ping, error)
	ImagePull(ctx context.Context, ref string, opts image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *specs.Platform, containerName string) (container.CreateResponse, error)
	ContainerAttach(ctx context.Context, containerID string, options container.AttachOptions) (types.HijackedResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// Config describes the interpreter container.
type Config struct {
	Image string
	Cmd   []string
	// Mounts are host directories bind-mounted at the same path inside the
	// container, so working directories and search paths resolve identically.
	Mounts           []string
	MemoryLimitBytes int64
}

// Launcher starts the interpreter inside an ephemeral Docker container.
type Launcher struct {
	cli apiClient
	cfg Config
	log *slog.Logger

	pullOnce sync.Once
	pullErr  error
}

// Check if Launcher implements octave.Launcher
var _ octave.Launcher = (*Launcher)(nil)

// removeTimeout bounds container cleanup after a kill.
const removeTimeout = 10 * time.Second

// NewLauncher initializes a Docker client and verifies the daemon is reachable (Fail-Fast).
func NewLauncher(ctx context.Context, cfg Config, log *slog.Logger) (*Launcher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return newLauncher(ctx, cli, cfg, log)
}

func newLauncher(ctx context.Context, cli apiClient, cfg Config, log *slog.Logger) (*Launcher, error) {
	if cfg.Image == "" {
		return nil, fmt.Errorf("interpreter image must be provided")
	}
	if log == nil {
		log = slog.Default()
	}

	// Ping Docker to ensure connection
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to docker daemon: %w", err)
	}

	log.Info("Docker launcher initialized", "image", cfg.Image)
	return &Launcher{cli: cli, cfg: cfg, log: log}, nil
}

func (l *Launcher) pull(ctx context.Context) error {
	l.pullOnce.Do(func() {
		l.log.Info("Pulling image", "image", l.cfg.Image)
		reader, err := l.cli.ImagePull(ctx, l.cfg.Image, image.PullOptions{})
		if err != nil {
			l.pullErr = fmt.Errorf("failed to pull image: %w", err)
			return
		}
		// Drain the response body to ensure the pull completes properly.
		defer reader.Close()
		_, l.pullErr = io.Copy(io.Discard, reader)
	})
	return l.pullErr
}

// Launch creates, attaches and starts a fresh interpreter container.
func (l *Launcher) Launch(ctx context.Context) (octave.Process, error) {
	if err := l.pull(ctx); err != nil {
		return nil, err
	}

	binds := make([]string, 0, len(l.cfg.Mounts))
	for _, dir := range l.cfg.Mounts {
		binds = append(binds, dir+":"+dir)
	}

	resp, err := l.cli.ContainerCreate(ctx, &container.Config{
		Image:        l.cfg.Image,
		Cmd:          l.cfg.Cmd,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		OpenStdin:    true,
	}, &container.HostConfig{
		Binds:       binds,
		NetworkMode: "none",
		Resources: container.Resources{
			Memory: l.cfg.MemoryLimitBytes,
		},
	}, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	remove := func() {
		ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
		defer cancel()
		if err := l.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); err != nil {
			l.log.Warn("Failed to remove container", "containerID", resp.ID, "error", err)
		}
	}

	attach, err := l.cli.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		remove()
		return nil, fmt.Errorf("failed to attach container: %w", err)
	}

	if err := l.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		attach.Close()
		remove()
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	l.log.Info("Interpreter container started", "containerID", resp.ID)

	// Without a TTY the attach stream is multiplexed; merge both streams back
	// into one ordered output.
	outR, outW := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(outW, outW, attach.Reader)
		outW.CloseWithError(err)
	}()

	return &containerProcess{
		id:     resp.ID,
		attach: attach,
		output: outR,
		remove: remove,
	}, nil
}

type containerProcess struct {
	id     string
	attach types.HijackedResponse
	output *io.PipeReader
	remove func()

	once sync.Once
}

func (p *containerProcess) Stdin() io.Writer  { return p.attach.Conn }
func (p *containerProcess) Output() io.Reader { return p.output }

func (p *containerProcess) Kill() error {
	p.once.Do(func() {
		p.attach.Close()
		p.remove()
		p.output.Close()
	})
	return nil
}
