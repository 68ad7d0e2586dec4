package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"payment-reconciler/internal/config"
	"payment-reconciler/internal/db"
	"payment-reconciler/internal/logging"
	"payment-reconciler/internal/mockprocessor"
	"payment-reconciler/internal/model"
	"payment-reconciler/internal/payload"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newMockCmd(configPath *string) *cobra.Command {
	var (
		listen string
		target string
		copies int
	)

	cmd := &cobra.Command{
		Use:   "mock",
		Short: "Run a mock payment processor and optionally fire duplicate signed deliveries",
		Long: "Serves the checkout session listing the reconciler queries. Point processor.api-url at --listen.\n" +
			"With --copies > 0 an unpaid reservation is seeded and both success events are delivered\n" +
			"--copies times each, concurrently, to --target.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			logger := logging.GetLogger(cfg.Logs)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			mock := mockprocessor.NewServer(logger)
			server := &http.Server{Addr: listen, Handler: mock.Routes()}
			go func() {
				logger.Info("Mock processor listening", "addr", listen)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("Mock processor stopped", "error", err)
					cancel()
				}
			}()

			if copies > 0 {
				if err := deliverDuplicates(ctx, cfg, mock, target, copies, logger); err != nil {
					logger.Error("Duplicate delivery failed", "error", err)
				}
			}

			<-ctx.Done()
			shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			return server.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", ":8085", "mock processor listen address")
	cmd.Flags().StringVar(&target, "target", "http://localhost:8080/api/stripe", "reconciler webhook url")
	cmd.Flags().IntVar(&copies, "copies", 0, "concurrent copies of each success event to deliver")
	return cmd
}

func deliverDuplicates(ctx context.Context, cfg *config.Config, mock *mockprocessor.Server, target string, copies int, logger *slog.Logger) error {
	pool, err := db.GetPool(ctx, cfg.Database.ConnString(), cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()
	reservations := db.NewReservationRepository(pool)

	reservation := &model.Reservation{ID: uuid.New(), PaymentLinkToken: "plink_" + uuid.NewString()}
	if err := reservations.Create(ctx, reservation); err != nil {
		return err
	}

	suffix := reservation.ID.String()[:8]
	session := payload.CheckoutSession{
		ID:            "cs_mock_" + suffix,
		Status:        "complete",
		PaymentStatus: "paid",
		PaymentIntent: payload.Ref{ID: "pi_mock_" + suffix},
		Metadata:      map[string]string{payload.BookingIDKey: reservation.ID.String()},
	}
	mock.AddSession(session)

	completed, err := mockprocessor.CheckoutEvent("evt_mock_cs_"+suffix, model.EventCheckoutCompleted, session)
	if err != nil {
		return err
	}
	succeeded, err := mockprocessor.PaymentSucceededEvent("evt_mock_pi_"+suffix, session.PaymentIntentID())
	if err != nil {
		return err
	}

	deliverer := mockprocessor.NewDeliverer(target, cfg.Processor.WebhookSecret)
	statuses := deliverer.Deliver(ctx, completed, copies)
	statuses = append(statuses, deliverer.Deliver(ctx, succeeded, copies)...)

	stored, err := reservations.GetByID(ctx, reservation.ID)
	if err != nil {
		return err
	}
	logger.Info("Duplicate deliveries finished",
		"reservationId", reservation.ID,
		"statuses", statuses,
		"paymentStatus", stored.PaymentStatus,
		"paidAt", stored.PaidAt,
		"tokenCleared", stored.PaymentLinkToken == "",
	)
	return nil
}
