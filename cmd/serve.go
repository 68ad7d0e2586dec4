package cmd

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

	"payment-reconciler/internal/config"
	"payment-reconciler/internal/db"
	"payment-reconciler/internal/kafka"
	"payment-reconciler/internal/logging"
	"payment-reconciler/internal/metrics"
	"payment-reconciler/internal/outbox"
	"payment-reconciler/internal/processor"
	"payment-reconciler/internal/rabbitmq"
	"payment-reconciler/internal/reconciler"
	"payment-reconciler/internal/webhook"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook endpoint, the outbox relay and the optional ingress consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*configPath)
			if err != nil {
				return err
			}

			logger := logging.GetLogger(cfg.Logs)
			metrics.Setup(cfg.Metrics, logger)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	connStr := cfg.Database.ConnString()
	if cfg.Database.RunMigrations {
		if err := db.RunMigrations(connStr); err != nil {
			return err
		}
	}

	pool, err := db.GetPool(ctx, connStr, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := db.Ping(ctx, pool); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}

	reservations := db.NewReservationRepository(pool)
	outboxRepo := db.NewOutboxRepository(pool)
	journal := db.NewEventJournal(pool)

	dispatcher := outbox.NewDispatcher(outboxRepo, logger)
	api := processor.NewClient(cfg.Processor)
	rec := reconciler.New(reservations, dispatcher, processor.NewSessionFinder(api, cfg.Processor), cfg.Reconciler, logger)
	pipeline := webhook.NewPipeline(processor.NewVerifier(cfg.Processor), rec, journal, logger)

	publisher, err := newPublisher(cfg)
	if err != nil {
		return err
	}
	defer publisher.Close()

	var workers []<-chan struct{}
	workers = append(workers, outbox.NewRelay(outboxRepo, publisher, cfg.Dispatcher.Relay, logger).Start(ctx))
	workers = append(workers, outbox.NewRepairer(outboxRepo, dispatcher, cfg.Reconciler.TaskName, cfg.Dispatcher.Repair, logger).Start(ctx))

	if cfg.Kafka.Topic.InboundEvents != "" {
		reader := kafka.NewReader(cfg.Kafka)
		defer reader.Close()

		ingressDone := make(chan struct{})
		go func() {
			defer close(ingressDone)
			kafka.NewIngress(reader, pipeline, logger).Run(ctx)
		}()
		workers = append(workers, ingressDone)
		logger.Info("Consuming inbound events", "topic", cfg.Kafka.Topic.InboundEvents)
	}

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      routes(pipeline, pool, cfg.Server, logger),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutMs) * time.Millisecond,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutMs) * time.Millisecond,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		return err
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutMs)*time.Millisecond)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error shutting down http server", "error", err)
	}
	for _, done := range workers {
		select {
		case <-done:
		case <-shutdownCtx.Done():
			return shutdownCtx.Err()
		}
	}
	return nil
}

func routes(pipeline *webhook.Pipeline, pool *pgxpool.Pool, cfg config.Server, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /api/stripe", webhook.NewHandler(pipeline, cfg.MaxBodyBytes, logger))
	mux.HandleFunc("GET /liveness", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /readiness", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context(), pool); err != nil {
			logger.WarnContext(r.Context(), "Readiness check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

func newPublisher(cfg *config.Config) (outbox.Publisher, error) {
	switch cfg.Dispatcher.Broker {
	case "rabbitmq":
		return rabbitmq.NewPublisher(cfg.RabbitMQ)
	default:
		return kafka.NewPublisher(kafka.NewWriter(cfg.Kafka)), nil
	}
}
