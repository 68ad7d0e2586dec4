package processor

import (
	"net/http"
	"time"

	"payment-reconciler/internal/config"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

// NewClient builds the processor API client. APIURL points every backend at
// another host, which the mock command and tests use.
func NewClient(cfg config.Processor) *client.API {
	backendConfig := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: time.Duration(cfg.LookupTimeoutMs) * time.Millisecond},
		MaxNetworkRetries: stripe.Int64(cfg.MaxRetries),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	if cfg.APIURL != "" {
		backendConfig.URL = stripe.String(cfg.APIURL)
	}

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, backendConfig)
	return client.New(cfg.SecretKey, &stripe.Backends{
		API:     backend,
		Connect: backend,
		Uploads: backend,
	})
}
