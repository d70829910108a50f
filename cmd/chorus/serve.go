package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/chorus/internal/config"
	"github.com/jkaninda/chorus/internal/gateway/httpapi"
	"github.com/jkaninda/chorus/internal/queue"
	"github.com/jkaninda/chorus/internal/ratelimit"
	"github.com/jkaninda/chorus/internal/trigger"
	goutils "github.com/jkaninda/go-utils"
)

var (
	serveConfigPath string
	servePort       string
	logFormat       string
	logDebug        bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API, cron triggers and queue consumer",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `chorus --config path` and `chorus serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "log format: json or text")
	rootCmd.PersistentFlags().BoolVar(&logDebug, "debug", false, "enable debug logging")
}

// runServe starts Chorus as a long-running service.
func runServe(_ *cobra.Command, _ []string) error {
	logger := newLogger(logFormat, logDebug)

	cfg, err := config.Load(goutils.Env("CHORUS_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}
	if servePort != "" {
		cfg.HTTP.ListenAddr = servePort
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting chorus", slog.String("config", serveConfigPath), slog.String("version", version))

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// With a queue configured, triggers enqueue instead of submitting
	// directly so that any replica may run the job.
	var submitter trigger.Submitter = sc.Engine
	if sc.Redis != nil {
		submitter = queue.NewProducer(sc.Redis, cfg.Redis.StreamName(), logger)
	}

	// Cron triggers (optional).
	var triggers *trigger.Scheduler
	if cfg.Triggers != nil && cfg.Triggers.Enabled {
		triggers = trigger.New(sc.Store, submitter, trigger.NewMetrics(sc.Obs.Metrics.Registry), logger, cfg.Triggers)
		if err := triggers.Sync(ctx, cfg.Triggers.Jobs); err != nil {
			return err
		}
		cancelTriggers := triggers.Start(ctx)
		defer cancelTriggers()
	}

	// Queue consumer (optional).
	consumerDone := make(chan struct{})
	if sc.Redis != nil {
		consumer, err := queue.NewConsumer(ctx, sc.Redis, queue.ConsumerConfig{
			Stream:   cfg.Redis.StreamName(),
			Group:    cfg.Redis.GroupName(),
			Consumer: cfg.Redis.ConsumerName(),
		}, sc.Engine, logger)
		if err != nil {
			return err
		}
		go func() {
			defer close(consumerDone)
			if err := consumer.Run(ctx); err != nil {
				logger.Error("queue consumer exited", slog.String("error", err.Error()))
			}
		}()
	} else {
		close(consumerDone)
	}

	gw := httpapi.NewGateway(httpapi.Config{
		ListenAddr:      cfg.HTTP.Addr(),
		EnableDocs:      cfg.HTTP.EnableDocs,
		MaxRequestSize:  cfg.HTTP.MaxRequestSizeBytes,
		MetricsRegistry: sc.Obs.Metrics.Registry,
		HealthChecker:   sc.Obs.Health,
		Metrics:         sc.Obs.Metrics,
		Tracer:          tracerOf(sc),
		Limiter: ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: cfg.HTTP.SubmitsPerMinute,
			BurstSize:         cfg.HTTP.SubmitBurst,
		}),
	}, sc.Engine, logger).WithStore(sc.Store)
	if triggers != nil {
		gw.WithTriggers(triggers)
	}

	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http api exited with error", slog.String("error", err.Error()))
		}
	}
	stop()

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping http api", slog.String("error", err.Error()))
	}
	<-consumerDone
	if err := sc.Engine.Shutdown(shutdownCtx); err != nil {
		logger.Error("stopping engine", slog.String("error", err.Error()))
	}
	logger.Info("chorus stopped")
	return nil
}

func tracerOf(sc *SharedComponents) trace.Tracer {
	if ts := sc.Obs.TracerOrNil(); ts != nil {
		return ts.Tracer()
	}
	return nil
}
