package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const captureBody = `{
	"id": "5O190127TN364715T",
	"status": "COMPLETED",
	"payer": {"payer_id": "QYR5Z8XDVJNXQ", "email_address": "buyer@example.com"},
	"purchase_units": [{
		"payments": {"captures": [{
			"id": "3C679366HH908993F",
			"status": "COMPLETED",
			"amount": {"currency_code": "SGD", "value": "28.00"},
			"create_time": "2024-03-01T10:00:00Z"
		}]}
	}]
}`

func newPayPalServer(t *testing.T, handler http.HandlerFunc) (*PayPalClient, *int32) {
	t.Helper()

	var tokenCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&tokenCalls, 1)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "client", user)
		assert.Equal(t, "secret", pass)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"token-1","expires_in":3600}`))
	})
	mux.HandleFunc("/", handler)

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client := NewPayPalClient(PayPalConfig{
		BaseURL:      server.URL,
		ClientID:     "client",
		ClientSecret: "secret",
		WebhookID:    "WH-1",
	})
	return client, &tokenCalls
}

func TestDecodePayPalCapture_Completed(t *testing.T) {
	// Act
	conf, err := DecodePayPalCapture([]byte(captureBody))

	// Assert
	require.NoError(t, err)
	assert.Equal(t, ProviderPayPal, conf.Provider)
	assert.Equal(t, "5O190127TN364715T", conf.ProviderOrderID)
	assert.Equal(t, "3C679366HH908993F", conf.CaptureID)
	assert.True(t, conf.Completed())
	assert.True(t, decimal.RequireFromString("28").Equal(conf.Amount))
	assert.Equal(t, "SGD", conf.Currency)
	assert.Equal(t, "QYR5Z8XDVJNXQ", conf.PayerID)
	require.NotNil(t, conf.CapturedAt)
}

func TestDecodePayPalCapture_Pending(t *testing.T) {
	// Arrange
	body := `{"id":"O-1","status":"COMPLETED","purchase_units":[{"payments":{"captures":[{"id":"C-1","status":"PENDING","amount":{"currency_code":"SGD","value":"10.00"}}]}}]}`

	// Act
	conf, err := DecodePayPalCapture([]byte(body))

	// Assert
	require.NoError(t, err)
	assert.Equal(t, StatusPending, conf.Status)
	assert.False(t, conf.Completed())
	assert.Nil(t, conf.CapturedAt)
}

func TestDecodePayPalCapture_Malformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "invalid json", body: `{`},
		{name: "missing order id", body: `{"purchase_units":[]}`},
		{name: "no captures", body: `{"id":"O-1","purchase_units":[{"payments":{"captures":[]}}]}`},
		{name: "capture without id", body: `{"id":"O-1","purchase_units":[{"payments":{"captures":[{"amount":{"currency_code":"SGD","value":"1.00"}}]}}]}`},
		{name: "bad amount", body: `{"id":"O-1","purchase_units":[{"payments":{"captures":[{"id":"C-1","amount":{"currency_code":"SGD","value":"abc"}}]}}]}`},
		{name: "missing currency", body: `{"id":"O-1","purchase_units":[{"payments":{"captures":[{"id":"C-1","amount":{"value":"1.00"}}]}}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodePayPalCapture([]byte(tt.body))
			assert.ErrorIs(t, err, ErrMalformedPayload)
		})
	}
}

func TestPayPalClient_CaptureOrder(t *testing.T) {
	// Arrange
	client, tokenCalls := newPayPalServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/checkout/orders/5O190127TN364715T/capture", r.URL.Path)
		assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(captureBody))
	})

	// Act
	conf, err := client.CaptureOrder(context.Background(), "5O190127TN364715T")
	require.NoError(t, err)
	_, err = client.CaptureOrder(context.Background(), "5O190127TN364715T")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "3C679366HH908993F", conf.CaptureID)
	assert.Equal(t, int32(1), atomic.LoadInt32(tokenCalls))
}

func TestPayPalClient_CreateOrder(t *testing.T) {
	// Arrange
	client, _ := newPayPalServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/checkout/orders", r.URL.Path)

		var body struct {
			Intent        string `json:"intent"`
			PurchaseUnits []struct {
				Amount paypalAmount `json:"amount"`
			} `json:"purchase_units"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "CAPTURE", body.Intent)
		require.Len(t, body.PurchaseUnits, 1)
		assert.Equal(t, "28.00", body.PurchaseUnits[0].Amount.Value)
		assert.Equal(t, "SGD", body.PurchaseUnits[0].Amount.CurrencyCode)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"O-NEW","status":"CREATED"}`))
	})

	// Act
	id, err := client.CreateOrder(context.Background(), decimal.RequireFromString("28"), "SGD")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "O-NEW", id)
}

func TestPayPalClient_RefundCapture(t *testing.T) {
	// Arrange
	client, _ := newPayPalServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/payments/captures/C-1/refund", r.URL.Path)
		assert.Equal(t, "refund-r1", r.Header.Get("PayPal-Request-Id"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"R-1","status":"COMPLETED","amount":{"currency_code":"SGD","value":"18.00"}}`))
	})

	// Act
	result, err := client.RefundCapture(context.Background(), RefundRequest{
		CaptureID:      "C-1",
		Amount:         decimal.RequireFromString("18"),
		Currency:       "SGD",
		IdempotencyKey: "refund-r1",
	})

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "R-1", result.ID)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.True(t, decimal.RequireFromString("18").Equal(result.Amount))
	assert.NotEmpty(t, result.Raw)
}

func TestPayPalClient_RefundCapture_ProviderError(t *testing.T) {
	// Arrange
	client, _ := newPayPalServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"name":"UNPROCESSABLE_ENTITY","message":"The requested action could not be performed.","details":[{"issue":"CAPTURE_FULLY_REFUNDED","description":"The capture has already been fully refunded"}]}`))
	})

	// Act
	_, err := client.RefundCapture(context.Background(), RefundRequest{CaptureID: "C-1", Amount: decimal.RequireFromString("5"), Currency: "SGD"})

	// Assert
	var perr *ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, http.StatusUnprocessableEntity, perr.StatusCode)
	assert.Equal(t, "UNPROCESSABLE_ENTITY", perr.Name)
	assert.Contains(t, perr.Error(), "CAPTURE_FULLY_REFUNDED")
}

func TestPayPalClient_VerifyWebhook(t *testing.T) {
	tests := []struct {
		name    string
		status  string
		wantErr error
	}{
		{name: "verified", status: "SUCCESS"},
		{name: "rejected", status: "FAILURE", wantErr: ErrInvalidWebhookSignature},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			client, _ := newPayPalServer(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v1/notifications/verify-webhook-signature", r.URL.Path)
				var body map[string]any
				require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
				assert.Equal(t, "WH-1", body["webhook_id"])
				assert.Equal(t, "sig", body["transmission_sig"])
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{"verification_status":"` + tt.status + `"}`))
			})
			headers := http.Header{}
			headers.Set("PAYPAL-TRANSMISSION-SIG", "sig")

			// Act
			err := client.VerifyWebhook(context.Background(), headers, []byte(`{"id":"WH-EVENT"}`))

			// Assert
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestPayPalClient_VerifyWebhook_NotConfigured(t *testing.T) {
	// Arrange
	client := NewPayPalClient(PayPalConfig{BaseURL: "http://127.0.0.1:0"})

	// Act
	err := client.VerifyWebhook(context.Background(), http.Header{}, []byte(`{}`))

	// Assert
	assert.ErrorIs(t, err, ErrWebhookNotConfigured)
}

func TestDecodeRefundEvent(t *testing.T) {
	// Arrange
	body := `{
		"id": "WH-58D329510W468432D",
		"event_type": "PAYMENT.CAPTURE.REFUNDED",
		"resource": {
			"id": "1Y107995YT783435V",
			"status": "COMPLETED",
			"amount": {"currency_code": "SGD", "value": "10.00"},
			"links": [
				{"href": "https://api.paypal.com/v2/payments/refunds/1Y107995YT783435V", "rel": "self"},
				{"href": "https://api.paypal.com/v2/payments/captures/0JF852973C016714D", "rel": "up"}
			]
		}
	}`

	// Act
	event, err := DecodeRefundEvent([]byte(body))

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "1Y107995YT783435V", event.RefundID)
	assert.Equal(t, "0JF852973C016714D", event.CaptureID)
	assert.Equal(t, StatusCompleted, event.Status)
	assert.True(t, decimal.RequireFromString("10").Equal(event.Amount))
}

func TestDecodeRefundEvent_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr error
	}{
		{name: "other event", body: `{"id":"WH-1","event_type":"CHECKOUT.ORDER.APPROVED"}`, wantErr: ErrUnsupportedWebhookEvent},
		{name: "missing capture link", body: `{"id":"WH-1","event_type":"PAYMENT.CAPTURE.REFUNDED","resource":{"id":"R-1","amount":{"value":"1.00"}}}`, wantErr: ErrMalformedPayload},
		{name: "invalid json", body: `not json`, wantErr: ErrMalformedPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeRefundEvent([]byte(tt.body))
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestPayPalConfigValidate(t *testing.T) {
	assert.NoError(t, PayPalConfig{Timeout: 15 * time.Second}.Validate())
	assert.ErrorIs(t, PayPalConfig{}.Validate(), ErrInvalidConfig)
}
