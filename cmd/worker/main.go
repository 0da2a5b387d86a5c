package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/suever/MATL-Online/internal/config"
	"github.com/suever/MATL-Online/internal/metrics"
	"github.com/suever/MATL-Online/internal/platform/queue"
	"github.com/suever/MATL-Online/internal/worker"
)

func main() {
	cfg, err := config.Load()
	logger := cfg.SetupLogger(os.Stdout)
	if err != nil {
		logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting MATL worker...", "runtime", cfg.Runtime, "concurrency", cfg.Concurrency)
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Worker failed", "error", err)
		os.Exit(1)
	}
	logger.Info("Worker exited")
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	// 1. Redis (fail fast)
	redisQ, err := queue.NewRedisQueue(ctx, queue.Config{
		Addr:          cfg.RedisAddr,
		Stream:        cfg.Stream,
		Group:         cfg.Group,
		EventsChannel: cfg.EventsChannel,
		CancelChannel: cfg.CancelChannel,
		ResultTTL:     cfg.HardTimeLimit,
	}, log)
	if err != nil {
		return err
	}
	defer redisQ.Close()

	// 2. Interpreter runtime
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

	// 3. Pool. In-flight tasks are allowed to finish on shutdown.
	m := metrics.New(nil)
	pool := worker.NewPool(worker.PoolConfig{
		Concurrency: cfg.Concurrency,
		SoftLimit:   cfg.SoftTimeLimit,
		HardLimit:   cfg.HardTimeLimit,
		ScratchDir:  scratch,
	}, worker.PoolDeps{
		Initializer: &worker.Initializer{
			Launcher: launcher,
			Startup:  cfg.OctaveRC,
			Paths:    cfg.DefaultPaths(),
			Logger:   log,
		},
		Sources: sources,
		Emitter: redisQ,
		Results: redisQ,
		Acker:   redisQ,
		Metrics: m,
		Logger:  log,
	})
	if err := pool.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	defer pool.Stop()

	// 4. Subscriptions
	jobs, err := redisQ.Subscribe(ctx, pool.Ready())
	if err != nil {
		return err
	}
	cancels, err := redisQ.SubscribeCancels(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for job := range jobs {
			pool.Submit(job)
		}
		return nil
	})

	g.Go(func() error {
		for jobID := range cancels {
			// Every worker hears every cancel; only the one running the job acts.
			if pool.Cancel(jobID) {
				log.Info("Cancelled job", "jobID", jobID)
			}
		}
		return nil
	})

	g.Go(func() error {
		redisQ.StartRecoveryRoutine(gctx, time.Minute, max(2*cfg.HardTimeLimit, time.Minute))
		return nil
	})

	g.Go(func() error {
		return serveMetrics(gctx, cfg.MetricsAddr, m.Handler(), log)
	})

	return g.Wait()
}

func serveMetrics(ctx context.Context, addr string, handler http.Handler, log *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("Metrics server starting", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return nil
}
