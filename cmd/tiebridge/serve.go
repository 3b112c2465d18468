package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glimte/tiebridge"
	"github.com/glimte/tiebridge/health"
	"github.com/glimte/tiebridge/interceptors"
	"github.com/glimte/tiebridge/internal/config"
	"github.com/glimte/tiebridge/internal/reliability"
	"github.com/glimte/tiebridge/messaging"
	"github.com/glimte/tiebridge/transports/httpapi"
	"github.com/glimte/tiebridge/transports/rabbitmq"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCommand() *cobra.Command {
	var (
		addr    string
		amqpURL string
		verbose bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and optional AMQP ingress",
		Long: `Serve loads its settings from TIEBRIDGE_* environment variables; flags
override them. The demo operations echo and sum are registered.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTPAddr = addr
			}
			if amqpURL != "" {
				cfg.AMQPURL = amqpURL
			}
			if verbose {
				cfg.LogLevel = "debug"
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger, err := cfg.NewLogger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, logger)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "", "HTTP listen address (overrides TIEBRIDGE_HTTP_ADDR)")
	cmd.Flags().StringVarP(&amqpURL, "url", "u", "", "RabbitMQ connection URL (overrides TIEBRIDGE_AMQP_URL)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	return cmd
}

// serve wires the bridge to its transports and runs until ctx ends or
// the HTTP server is asked to shut down
func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	metrics := interceptors.NewCounters()
	bridge, err := tiebridge.New(
		tiebridge.WithLogger(logger),
		tiebridge.WithMiddleware(operationMiddleware(cfg, logger, metrics)...),
		tiebridge.WithBatchSize(cfg.BatchSize),
		tiebridge.WithPollInterval(cfg.PollInterval),
		tiebridge.WithCacheCapacity(cfg.CacheCapacity),
	)
	if err != nil {
		return err
	}
	if err := registerDemoOperations(bridge); err != nil {
		return err
	}

	registry := health.NewRegistry()
	registry.Register(health.NewBridgeChecker(bridge.Consumer(), 0))
	registry.Register(health.NewCacheChecker(bridge.Cache()))

	httpWorker, err := bridge.NewWorker("http")
	if err != nil {
		return err
	}
	server, err := httpapi.NewServer(httpWorker, bridge.Dispatcher(), bridge.Cache(),
		httpapi.WithAddr(cfg.HTTPAddr),
		httpapi.WithHealthHandler(health.NewHandler(registry, 5*time.Second)),
		httpapi.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	var ingress *rabbitmq.Ingress
	var manager *rabbitmq.ConnectionManager
	if cfg.AMQPEnabled() {
		manager = rabbitmq.NewConnectionManager(cfg.AMQPURL, rabbitmq.WithLogger(logger))
		if err := manager.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		defer manager.Close()
		registry.Register(health.NewConnectionChecker("rabbitmq", manager))

		amqpWorker, err := bridge.NewWorker("amqp")
		if err != nil {
			return err
		}
		ingress, err = rabbitmq.NewIngress(manager, amqpWorker, bridge.Cache(),
			rabbitmq.WithQueue(cfg.AMQPQueue),
			rabbitmq.WithPrefetchCount(cfg.AMQPPrefetch),
			rabbitmq.WithPublishBreaker(reliability.NewCircuitBreaker(
				reliability.WithName("reply-publish"),
				reliability.WithStateChange(logStateChange(logger)),
			)),
			rabbitmq.WithIngressLogger(logger),
		)
		if err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancel := context.WithCancel(gctx)
	defer cancel()

	g.Go(func() error {
		return bridge.Run(runCtx)
	})
	g.Go(func() error {
		// The server also returns after an HTTP shutdown request
		defer cancel()
		return server.ListenAndServe(runCtx)
	})
	if ingress != nil {
		g.Go(func() error {
			return ingress.Run(runCtx)
		})
	}

	logger.Info("tiebridge serving",
		"http", cfg.HTTPAddr,
		"amqp", cfg.AMQPEnabled(),
		"version", version)

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	for _, m := range metrics.Snapshot() {
		logger.Info("operation totals",
			"messageType", m.Type,
			"processed", m.Processed,
			"failed", m.Failed,
			"totalTime", m.TotalTime)
	}
	logger.Info("tiebridge stopped")
	return err
}

// operationMiddleware logs and counts every operation run. With a breaker
// threshold set, operations also run behind a circuit breaker so a failing
// dependency stops being called until the cooldown passes.
func operationMiddleware(cfg config.Config, logger *slog.Logger, metrics *interceptors.Counters) []messaging.MiddlewareFunc {
	middleware := []messaging.MiddlewareFunc{
		interceptors.Logging(logger),
		interceptors.Metrics(metrics),
	}
	if cfg.BreakerThreshold > 0 {
		middleware = append(middleware, interceptors.CircuitBreaker(reliability.NewCircuitBreaker(
			reliability.WithName("operations"),
			reliability.WithFailureThreshold(cfg.BreakerThreshold),
			reliability.WithCooldown(cfg.BreakerCooldown),
			reliability.WithStateChange(logStateChange(logger)),
		)))
	}
	return middleware
}

func logStateChange(logger *slog.Logger) reliability.StateChangeFunc {
	return func(name string, from, to reliability.State) {
		logger.Warn("circuit breaker state changed", "breaker", name, "from", from, "to", to)
	}
}
