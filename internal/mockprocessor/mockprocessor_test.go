package mockprocessor_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"payment-reconciler/internal/config"
	"payment-reconciler/internal/mockprocessor"
	"payment-reconciler/internal/model"
	"payment-reconciler/internal/payload"
	"payment-reconciler/internal/processor"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestServer_ServesSessionsToTheProcessorClient(t *testing.T) {
	bookingID := uuid.NewString()
	mock := mockprocessor.NewServer(discard())
	mock.AddSession(payload.CheckoutSession{
		ID:            "cs_mock_1",
		Status:        "complete",
		PaymentStatus: "paid",
		PaymentIntent: payload.Ref{ID: "pi_mock_1"},
		Metadata:      map[string]string{payload.BookingIDKey: bookingID},
	})

	srv := httptest.NewServer(mock.Routes())
	defer srv.Close()

	cfg := config.Processor{SecretKey: "sk_test_mock", APIURL: srv.URL, LookupTimeoutMs: 2_000}
	finder := processor.NewSessionFinder(processor.NewClient(cfg), cfg)

	sessions, err := finder.FindByPaymentIntent(context.Background(), "pi_mock_1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "cs_mock_1", sessions[0].ID)
	assert.Equal(t, "pi_mock_1", sessions[0].PaymentIntentID())
	assert.Equal(t, bookingID, sessions[0].BookingID())

	sessions, err = finder.FindByPaymentIntent(context.Background(), "pi_unknown")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestDeliverer_SignsEveryCopy(t *testing.T) {
	const secret = "whsec_mock"
	verifier := processor.NewVerifier(config.Processor{WebhookSecret: secret, ToleranceSec: 300})

	var verified atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		event, err := verifier.Verify(body, r.Header.Get("Stripe-Signature"))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if event.Type == model.EventCheckoutCompleted {
			verified.Add(1)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	body, err := mockprocessor.CheckoutEvent("evt_mock_1", model.EventCheckoutCompleted, payload.CheckoutSession{
		ID:       "cs_mock_1",
		Metadata: map[string]string{payload.BookingIDKey: uuid.NewString()},
	})
	require.NoError(t, err)

	statuses := mockprocessor.NewDeliverer(srv.URL, secret).Deliver(context.Background(), body, 8)

	assert.Len(t, statuses, 8)
	for _, status := range statuses {
		assert.Equal(t, http.StatusOK, status)
	}
	assert.Equal(t, int32(8), verified.Load())
}
