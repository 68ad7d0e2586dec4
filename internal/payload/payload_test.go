package payload_test

import (
	"encoding/json"
	"testing"

	"payment-reconciler/internal/payload"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeCheckoutSession_PaymentIntentShapes(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		wantPI string
	}{
		{name: "id", raw: `{"id":"cs_1","payment_intent":"pi_1","metadata":{"bookingId":"b"}}`, wantPI: "pi_1"},
		{name: "expanded", raw: `{"id":"cs_1","payment_intent":{"id":"pi_2","object":"payment_intent"},"metadata":{"bookingId":"b"}}`, wantPI: "pi_2"},
		{name: "null", raw: `{"id":"cs_1","payment_intent":null,"metadata":{"bookingId":"b"}}`},
		{name: "absent", raw: `{"id":"cs_1","metadata":{"bookingId":"b"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session, err := payload.DecodeCheckoutSession([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, "cs_1", session.ID)
			assert.Equal(t, "b", session.BookingID())
			assert.Equal(t, tt.wantPI, session.PaymentIntentID())
		})
	}
}

func TestDecodeCheckoutSession_WithoutMetadata(t *testing.T) {
	session, err := payload.DecodeCheckoutSession([]byte(`{"id":"cs_1"}`))

	require.NoError(t, err)
	assert.Empty(t, session.BookingID())
}

func TestDecodeCheckoutSession_Malformed(t *testing.T) {
	_, err := payload.DecodeCheckoutSession([]byte(`"cs_1"`))
	assert.Error(t, err)
}

func TestDecodePaymentIntent(t *testing.T) {
	pi, err := payload.DecodePaymentIntent([]byte(`{"id":"pi_1","status":"succeeded"}`))
	require.NoError(t, err)
	assert.Equal(t, "pi_1", pi.ID)

	_, err = payload.DecodePaymentIntent([]byte(`{"status":"succeeded"}`))
	assert.Error(t, err)
}

func TestRef_MarshalsAsID(t *testing.T) {
	out, err := json.Marshal(payload.CheckoutSession{ID: "cs_1", PaymentIntent: payload.Ref{ID: "pi_1"}})
	require.NoError(t, err)
	assert.Contains(t, string(out), `"payment_intent":"pi_1"`)

	out, err = json.Marshal(payload.CheckoutSession{ID: "cs_1"})
	require.NoError(t, err)
	assert.Contains(t, string(out), `"payment_intent":null`)
}
