package transactions

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrDuplicateCapture    = errors.New("a transaction already exists for this provider capture")
)

// Transaction é o registro de auditoria de um pagamento capturado no provedor.
// Nunca é alterado depois de criado.
type Transaction struct {
	ID                string          `json:"id"`
	LocalOrderID      string          `json:"local_order_id"`
	Provider          string          `json:"provider"`
	ProviderOrderID   string          `json:"provider_order_id"`
	ProviderCaptureID string          `json:"provider_capture_id"`
	PayerID           string          `json:"payer_id"`
	PayerEmail        string          `json:"payer_email"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Status            string          `json:"status"`
	CapturedAt        *time.Time      `json:"captured_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}
