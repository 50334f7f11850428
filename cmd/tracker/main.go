package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/rachhen/khqr-webhook/internal/api"
	"github.com/rachhen/khqr-webhook/internal/bakong"
	"github.com/rachhen/khqr-webhook/internal/circuitbreaker"
	"github.com/rachhen/khqr-webhook/internal/config"
	"github.com/rachhen/khqr-webhook/internal/notifier"
	"github.com/rachhen/khqr-webhook/internal/poller"
	"github.com/rachhen/khqr-webhook/internal/queue"
	"github.com/rachhen/khqr-webhook/internal/queue/memqueue"
	"github.com/rachhen/khqr-webhook/internal/queue/redisqueue"
	"github.com/rachhen/khqr-webhook/internal/ratelimit"
	"github.com/rachhen/khqr-webhook/internal/tokencache"
	"github.com/rachhen/khqr-webhook/internal/tracing"
	"github.com/rachhen/khqr-webhook/internal/tracker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	logger.Info("starting khqr-webhook",
		"bakong_url", cfg.Bakong.BaseURL,
		"redis", cfg.Redis.URL != "",
		"poll_concurrency", cfg.Workers.PollConcurrency,
		"webhook_concurrency", cfg.Workers.WebhookConcurrency,
		"staleness_window", cfg.Workers.StalenessWindow.String(),
		"port", cfg.Server.Port,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		ServiceName: cfg.Tracing.ServiceName,
		Endpoint:    cfg.Tracing.OTLPEndpoint,
		Insecure:    cfg.Tracing.Insecure,
	})
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()

	jobQueue, cache, err := buildBackends(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize backends", "error", err)
		os.Exit(1)
	}

	client := bakong.NewClient(cfg.Bakong.BaseURL, cfg.Bakong.Timeout, logger)
	client.SetRateLimiter(ratelimit.NewLimiter(cfg.Bakong.RateLimitRPS, cfg.Bakong.RateLimitBurst))

	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		FailureThreshold: cfg.Webhook.BreakerFailures,
		OpenTimeout:      cfg.Webhook.BreakerCooldown,
		OnStateChange: func(host string, from, to circuitbreaker.State) {
			logger.Warn("webhook circuit state change",
				"host", host, "from", from.String(), "to", to.String())
		},
	})

	dispatcher := notifier.NewDispatcher(jobQueue, logger)
	deliverer := notifier.NewDeliverer(cfg.Webhook.Timeout, breakers, logger)
	pollWorker := poller.New(client, dispatcher, cfg.Workers.StalenessWindow, logger)

	if err := jobQueue.RegisterWorker(poller.QueueName, cfg.Workers.PollConcurrency, pollWorker.Handle); err != nil {
		logger.Error("failed to register poll worker", "error", err)
		os.Exit(1)
	}
	if err := jobQueue.RegisterWorker(notifier.QueueName, cfg.Workers.WebhookConcurrency, deliverer.Handle); err != nil {
		logger.Error("failed to register webhook worker", "error", err)
		os.Exit(1)
	}

	svc := tracker.NewService(jobQueue, cache, client, cfg.Bakong.RegisteredEmail, logger)
	server := api.NewServer(svc, cfg.Server.APIKey, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runAPIServer(gCtx, cfg.Server.Port, server.Handler(), logger)
	})

	g.Go(func() error {
		return jobQueue.Run(gCtx)
	})

	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("tracker exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("tracker shut down gracefully")
}

// buildBackends selects the queue and token cache implementations. With a
// redis URL both are durable; without one everything lives in process and
// tracking state is lost on restart.
func buildBackends(cfg *config.Config, logger *slog.Logger) (queue.Queue, tokencache.Cache, error) {
	if cfg.Redis.URL == "" {
		logger.Warn("REDIS_URL not set, using in-process queue; tracking state will not survive restarts")
		return memqueue.New(logger), tokencache.NewMemoryCache(), nil
	}

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	return redisqueue.New(client, logger), tokencache.NewRedisCache(client), nil
}

func runAPIServer(ctx context.Context, port int, handler http.Handler, logger *slog.Logger) error {
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: handler,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("api server shutdown error", "error", err)
		}
	}()

	logger.Info("api server started", "port", port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}
