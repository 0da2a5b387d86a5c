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
	"github.com/suever/MATL-Online/internal/platform/queue"
	"github.com/suever/MATL-Online/internal/platform/web"
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

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
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

	events, err := redisQ.SubscribeEvents(ctx)
	if err != nil {
		return err
	}

	limiter := web.NewRateLimiter(cfg.SubmitRate, cfg.SubmitBurst)
	hub := web.NewHub(web.HubConfig{
		Queue:          redisQ,
		Cancels:        redisQ,
		Results:        redisQ,
		Limiter:        limiter,
		AllowedOrigins: cfg.AllowedOrigins,
		DefaultVersion: cfg.DefaultVersion,
		// Explain waits for a worker to pick the job up and run it.
		ExplainTimeout: cfg.HardTimeLimit + 5*time.Second,
	}, log)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           hub.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		limiter.Run(gctx)
		return nil
	})

	g.Go(func() error {
		log.Info("Starting event broadcaster...")
		hub.Run(gctx, events)
		if gctx.Err() == nil {
			return errors.New("event subscription closed")
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		log.Info("API server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
		}
		return nil
	})

	return g.Wait()
}
