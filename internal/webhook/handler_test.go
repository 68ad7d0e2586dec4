package webhook_test

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"payment-reconciler/internal/config"
	"payment-reconciler/internal/model"
	"payment-reconciler/internal/processor"
	"payment-reconciler/internal/reconciler"
	"payment-reconciler/internal/webhook"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "whsec_handler_test"

var eventBody = []byte(`{"id":"evt_42","object":"event","type":"checkout.session.completed","created":1700000000,"data":{"object":{"id":"cs_1","object":"checkout.session","metadata":{"bookingId":"x"}}}}`)

func sign(body []byte) string {
	now := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", now, body)
	return fmt.Sprintf("t=%d,v1=%s", now, hex.EncodeToString(mac.Sum(nil)))
}

type fakeReconciler struct {
	mu     sync.Mutex
	events []model.VerifiedEvent
	err    error
}

func (f *fakeReconciler) Reconcile(_ context.Context, event model.VerifiedEvent) (reconciler.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	if f.err != nil {
		return reconciler.Result{}, f.err
	}
	return reconciler.Result{Outcome: reconciler.OutcomeTransitioned}, nil
}

type fakeJournal struct {
	recorded  map[string]int
	processed map[string]error
	recordErr error
}

func newFakeJournal() *fakeJournal {
	return &fakeJournal{recorded: map[string]int{}, processed: map[string]error{}}
}

func (j *fakeJournal) Record(_ context.Context, id, _, _ string) (bool, error) {
	if j.recordErr != nil {
		return false, j.recordErr
	}
	j.recorded[id]++
	return j.recorded[id] == 1, nil
}

func (j *fakeJournal) MarkProcessed(_ context.Context, id string, err error) error {
	j.processed[id] = err
	return nil
}

func newHandler(rec webhook.EventReconciler, journal webhook.Journal, maxBody int64) *webhook.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	verifier := processor.NewVerifier(config.Processor{WebhookSecret: secret, ToleranceSec: 300})
	return webhook.NewHandler(webhook.NewPipeline(verifier, rec, journal, logger), maxBody, logger)
}

func post(h http.Handler, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/stripe", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set(webhook.SignatureHeader, signature)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHandler_OutcomeClasses(t *testing.T) {
	tests := []struct {
		name         string
		body         []byte
		signature    string
		reconcileErr error
		wantStatus   int
		wantBody     string
		wantCalls    int
	}{
		{
			name:       "Accepted",
			body:       eventBody,
			signature:  sign(eventBody),
			wantStatus: http.StatusOK,
			wantBody:   `{"received":true}`,
			wantCalls:  1,
		},
		{
			name:       "MissingSignature",
			body:       eventBody,
			wantStatus: http.StatusBadRequest,
			wantBody:   `{"error":"invalid signature"}`,
		},
		{
			name:       "ForgedSignature",
			body:       eventBody,
			signature:  "t=1700000000,v1=deadbeef",
			wantStatus: http.StatusBadRequest,
			wantBody:   `{"error":"invalid signature"}`,
		},
		{
			name:         "UnresolvableReservation",
			body:         eventBody,
			signature:    sign(eventBody),
			reconcileErr: fmt.Errorf("%w: missing bookingId", reconciler.ErrUnresolvableReservation),
			wantStatus:   http.StatusInternalServerError,
			wantBody:     `{"error":"processing failed"}`,
			wantCalls:    1,
		},
		{
			name:         "StoreUnavailable",
			body:         eventBody,
			signature:    sign(eventBody),
			reconcileErr: fmt.Errorf("%w: %w", reconciler.ErrStoreUnavailable, errors.New("timeout")),
			wantStatus:   http.StatusInternalServerError,
			wantBody:     `{"error":"processing failed"}`,
			wantCalls:    1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &fakeReconciler{err: tt.reconcileErr}
			rr := post(newHandler(rec, nil, 1<<16), tt.body, tt.signature)

			assert.Equal(t, tt.wantStatus, rr.Code)
			assert.JSONEq(t, tt.wantBody, rr.Body.String())
			assert.Len(t, rec.events, tt.wantCalls)
		})
	}
}

func TestHandler_BodyTooLarge(t *testing.T) {
	rec := &fakeReconciler{}
	body := []byte(strings.Repeat("x", 2048))

	rr := post(newHandler(rec, nil, 1024), body, sign(body))

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Empty(t, rec.events)
}

func TestHandler_JournalRecordsEveryDelivery(t *testing.T) {
	rec := &fakeReconciler{}
	journal := newFakeJournal()
	h := newHandler(rec, journal, 1<<16)

	for i := 0; i < 3; i++ {
		rr := post(h, eventBody, sign(eventBody))
		require.Equal(t, http.StatusOK, rr.Code)
	}

	// redeliveries are still reconciled
	assert.Len(t, rec.events, 3)
	assert.Equal(t, 3, journal.recorded["evt_42"])
	assert.Contains(t, journal.processed, "evt_42")
	assert.NoError(t, journal.processed["evt_42"])
}

func TestHandler_JournalFailureDoesNotBlock(t *testing.T) {
	rec := &fakeReconciler{}
	journal := newFakeJournal()
	journal.recordErr = errors.New("journal down")

	rr := post(newHandler(rec, journal, 1<<16), eventBody, sign(eventBody))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, rec.events, 1)
}

func TestPipeline_RecordsProcessingError(t *testing.T) {
	rec := &fakeReconciler{err: reconciler.ErrLookupUnavailable}
	journal := newFakeJournal()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	verifier := processor.NewVerifier(config.Processor{WebhookSecret: secret, ToleranceSec: 300})
	pipeline := webhook.NewPipeline(verifier, rec, journal, logger)

	_, err := pipeline.Handle(context.Background(), eventBody, sign(eventBody))

	assert.ErrorIs(t, err, reconciler.ErrLookupUnavailable)
	assert.ErrorIs(t, journal.processed["evt_42"], reconciler.ErrLookupUnavailable)
}
