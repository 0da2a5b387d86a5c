package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/suever/MATL-Online/internal/config"
	"github.com/suever/MATL-Online/internal/domain"
	"github.com/suever/MATL-Online/internal/matl"
	"github.com/suever/MATL-Online/internal/platform/queue"
	"github.com/suever/MATL-Online/internal/worker"
)

func main() {
	app := &cli.App{
		Name:  "matl",
		Usage: "run MATL programs locally or through a MATL Online deployment",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Print results as JSON instead of text.",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Run a program with a local interpreter",
				Flags:  programFlags(true),
				Action: func(c *cli.Context) error { return local(c, domain.ModeRun) },
			},
			{
				Name:   "explain",
				Usage:  "Explain a program with a local interpreter",
				Flags:  programFlags(false),
				Action: func(c *cli.Context) error { return local(c, domain.ModeExplain) },
			},
			{
				Name:  "submit",
				Usage: "Queue a program on a deployment and stream its output",
				Flags: append(programFlags(true), &cli.StringFlag{
					Name:  "session",
					Usage: "Subscriber id to publish results to (default: random).",
				}),
				Action: submit,
			},
			{
				Name:  "install",
				Usage: "Install an interpreter version into MATL_FOLDER",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "version", Aliases: []string{"v"}, Usage: "Interpreter version (default: MATL_DEFAULT_VERSION)."},
					&cli.BoolFlag{Name: "refresh", Usage: "Replace an existing install, e.g. after a release was republished."},
				},
				Action: install,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func programFlags(withInputs bool) []cli.Flag {
	flags := []cli.Flag{
		&cli.StringFlag{Name: "code", Aliases: []string{"c"}, Usage: "Program source.", Required: true},
		&cli.StringFlag{Name: "version", Aliases: []string{"v"}, Usage: "Interpreter version (default: MATL_DEFAULT_VERSION)."},
	}
	if withInputs {
		flags = append(flags, &cli.StringFlag{Name: "inputs", Aliases: []string{"i"}, Usage: "Newline-separated inputs."})
	}
	return flags
}

func loadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	// Logs go to stderr so program output stays clean.
	logger := cfg.SetupLogger(os.Stderr)
	if err != nil {
		return cfg, logger, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, logger, nil
}

func params(c *cli.Context, cfg config.Config, mode domain.Mode) domain.Params {
	version := c.String("version")
	if version == "" {
		version = cfg.DefaultVersion
	}
	if mode == domain.ModeExplain {
		return domain.ExplainParams(c.String("code"), version)
	}
	return domain.RunParams(c.String("code"), version).WithInputs(c.String("inputs"))
}

// interruptible returns a context cancelled as a user kill on SIGINT/SIGTERM.
func interruptible(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(parent)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel(worker.ErrCancelled)
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(signals)
		cancel(nil)
	}
}

func local(c *cli.Context, mode domain.Mode) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := interruptible(c.Context)
	defer stop()

	launcher, err := worker.NewLauncher(ctx, cfg, log)
	if err != nil {
		return err
	}
	sources, err := worker.NewSources(cfg, log)
	if err != nil {
		return err
	}
	scratch, err := worker.ScratchDir(cfg)
	if err != nil {
		return err
	}

	initializer := &worker.Initializer{Launcher: launcher, Startup: cfg.OctaveRC, Paths: cfg.DefaultPaths(), Logger: log}
	session, err := initializer.Initialize(ctx)
	if err != nil {
		return err
	}
	defer session.Terminate()

	task := worker.NewTask(uuid.NewString(), params(c, cfg, mode), worker.Deps{
		Session: session,
		Restart: func(ctx context.Context) error {
			return initializer.Reinitialize(ctx, session)
		},
		Sources:    sources,
		ScratchDir: scratch,
		SoftLimit:  cfg.SoftTimeLimit,
		Logger:     log,
	})

	result, runErr := task.Execute(ctx)
	if err := printStatus(os.Stdout, os.Stderr, result, c.Bool("json")); err != nil {
		return err
	}
	if errors.Is(runErr, worker.ErrCancelled) || errors.Is(runErr, worker.ErrTimedOut) {
		return cli.Exit("", 1)
	}
	return runErr
}

func submit(c *cli.Context) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := interruptible(c.Context)
	defer stop()

	redisQ, err := queue.NewRedisQueue(ctx, queue.Config{
		Addr:          cfg.RedisAddr,
		Stream:        cfg.Stream,
		Group:         cfg.Group,
		EventsChannel: cfg.EventsChannel,
		CancelChannel: cfg.CancelChannel,
	}, log)
	if err != nil {
		return err
	}
	defer redisQ.Close()

	session := c.String("session")
	if session == "" {
		session = uuid.NewString()
	}

	// Subscribe before publishing so no event is missed.
	events, err := redisQ.SubscribeEvents(ctx)
	if err != nil {
		return err
	}

	job := domain.Job{ID: uuid.NewString(), Params: params(c, cfg, domain.ModeRun).WithSession(session)}
	log.Info("Publishing job", "jobID", job.ID, "session", session)
	if err := redisQ.Publish(ctx, job); err != nil {
		return err
	}

	asJSON := c.Bool("json")
	var last domain.StatusPayload
	for {
		select {
		case <-ctx.Done():
			if errors.Is(context.Cause(ctx), worker.ErrCancelled) {
				killCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				return redisQ.Cancel(killCtx, job.ID)
			}
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				return errors.New("event stream closed")
			}
			if event.Room != session {
				continue
			}
			switch event.Name {
			case domain.EventStatus:
				if err := json.Unmarshal(event.Payload, &last); err != nil {
					return fmt.Errorf("malformed status: %w", err)
				}
			case domain.EventComplete:
				var done domain.CompletePayload
				if err := json.Unmarshal(event.Payload, &done); err != nil {
					return fmt.Errorf("malformed completion: %w", err)
				}
				if err := printStatus(os.Stdout, os.Stderr, last, asJSON); err != nil {
					return err
				}
				if !done.Success {
					if done.Message != nil && *done.Message != "" {
						return cli.Exit(*done.Message, 1)
					}
					return cli.Exit("", 1)
				}
				return nil
			}
		}
	}
}

func install(c *cli.Context) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	sources, err := worker.NewSources(cfg, log)
	if err != nil {
		return err
	}
	version := c.String("version")
	if version == "" {
		version = cfg.DefaultVersion
	}
	folder, err := installVersion(c.Context, sources, version, c.Bool("refresh"))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, folder)
	return err
}

func installVersion(ctx context.Context, sources *matl.Sources, version string, refresh bool) (string, error) {
	if refresh {
		if err := sources.Remove(version); err != nil {
			return "", fmt.Errorf("failed to remove %s: %w", version, err)
		}
	}
	return sources.Folder(ctx, version)
}

// printStatus writes stdout fragments to out and everything else to errOut.
func printStatus(out, errOut io.Writer, status domain.StatusPayload, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(out).Encode(status)
	}
	for _, fragment := range status.Data {
		var err error
		switch fragment.Type {
		case domain.FragmentStdout, domain.FragmentStdout2:
			_, err = fmt.Fprintln(out, fragment.Value)
		case domain.FragmentStderr:
			_, err = fmt.Fprintln(errOut, fragment.Value)
		default:
			_, err = fmt.Fprintf(errOut, "[%s: %d bytes]\n", fragment.Type, len(fragment.Value))
		}
		if err != nil {
			return err
		}
	}
	return nil
}
