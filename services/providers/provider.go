package providers

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrMalformedPayload        = errors.New("malformed provider payload")
	ErrPaymentTimeout          = errors.New("payment status polling timed out")
	ErrWebhookNotConfigured    = errors.New("webhook verification is not configured")
	ErrInvalidWebhookSignature = errors.New("webhook signature verification failed")
	ErrUnsupportedWebhookEvent = errors.New("unsupported webhook event")
	ErrInvalidConfig           = errors.New("invalid provider configuration")
)

// Provedores suportados
const (
	ProviderPayPal = "paypal"
	ProviderNETS   = "nets"
)

// Status normalizados de uma confirmação de pagamento
const (
	StatusCompleted = "completed"
	StatusPending   = "pending"
	StatusFailed    = "failed"
)

// Confirmation é a confirmação de pagamento validada na borda do sistema.
// CaptureID é a chave de idempotência da liquidação.
type Confirmation struct {
	Provider        string          `json:"provider"`
	ProviderOrderID string          `json:"provider_order_id"`
	CaptureID       string          `json:"capture_id"`
	Status          string          `json:"status"`
	PayerID         string          `json:"payer_id,omitempty"`
	PayerEmail      string          `json:"payer_email,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	CapturedAt      *time.Time      `json:"captured_at,omitempty"`
}

// Completed indica se o provedor confirmou a captura
func (c Confirmation) Completed() bool {
	return c.Status == StatusCompleted
}

// RefundRequest é o pedido de estorno enviado ao provedor
type RefundRequest struct {
	CaptureID string
	Amount    decimal.Decimal
	Currency  string
	// IdempotencyKey evita estorno duplicado quando a chamada é repetida
	IdempotencyKey string
}

// RefundResult é a resposta do provedor a um estorno aceito
type RefundResult struct {
	ID       string          `json:"id"`
	Status   string          `json:"status"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	Raw      []byte          `json:"-"`
}

// ProviderError preserva a mensagem do provedor para diagnóstico
type ProviderError struct {
	Provider   string
	StatusCode int
	Name       string
	Message    string
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s request failed", e.Provider)
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, " (%d", e.StatusCode)
		if e.Name != "" {
			fmt.Fprintf(&b, " %s", e.Name)
		}
		b.WriteString(")")
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	return b.String()
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedPayload, fmt.Sprintf(format, args...))
}

func normalizeStatus(status string) string {
	switch strings.ToUpper(status) {
	case "COMPLETED":
		return StatusCompleted
	case "PENDING", "CREATED", "SAVED", "APPROVED", "PAYER_ACTION_REQUIRED":
		return StatusPending
	case "DECLINED", "FAILED", "VOIDED":
		return StatusFailed
	}
	return strings.ToLower(status)
}
