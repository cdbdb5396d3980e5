package refunds

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrRefundNotFound   = errors.New("refund not found")
	ErrRefundNotPending = errors.New("refund is no longer pending")
	ErrInvalidStatus    = errors.New("invalid refund status")
	ErrInvalidAmount    = errors.New("refund amount must be positive")
)

// Status do reembolso. completed e rejected são terminais.
const (
	StatusRequested = "requested"
	StatusCompleted = "completed"
	StatusRejected  = "rejected"
)

// DefaultCurrency é a moeda usada quando o pedido não informa outra
const DefaultCurrency = "SGD"

// Refund representa um pedido de reembolso e sua resolução
type Refund struct {
	ID               string          `json:"id"`
	OrderID          string          `json:"order_id"`
	TransactionID    *string         `json:"transaction_id,omitempty"`
	UserID           *string         `json:"user_id,omitempty"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	Method           string          `json:"method"`
	ProviderRef      *string         `json:"provider_ref,omitempty"`
	Status           string          `json:"status"`
	Reason           string          `json:"reason,omitempty"`
	ProviderResponse *string         `json:"provider_response,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// NewRefund cria um reembolso com o status informado
func NewRefund(id, orderID string, transactionID, userID *string, amount decimal.Decimal, currency, method, status string) *Refund {
	if currency == "" {
		currency = DefaultCurrency
	}
	now := time.Now()
	return &Refund{
		ID:            id,
		OrderID:       orderID,
		TransactionID: transactionID,
		UserID:        userID,
		Amount:        amount,
		Currency:      currency,
		Method:        method,
		Status:        status,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Terminal indica se o reembolso já foi resolvido
func (r *Refund) Terminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusRejected
}

// WithRejection acrescenta o motivo da recusa ao motivo do cliente
func WithRejection(reason, rejection string) string {
	if rejection == "" {
		return reason
	}
	if reason == "" {
		return "rejected: " + rejection
	}
	return reason + " | rejected: " + rejection
}

// PendingRefund é um reembolso solicitado junto com dados do pedido
type PendingRefund struct {
	Refund
	OrderUserID *string         `json:"order_user_id,omitempty"`
	OrderTotal  decimal.Decimal `json:"order_total"`
}

// Remaining é o saldo ainda reembolsável de um pedido
func Remaining(orderTotal, completed decimal.Decimal) decimal.Decimal {
	return orderTotal.Sub(completed)
}

// CapAmount devolve min(requested, remaining); sem valor solicitado usa o saldo inteiro
func CapAmount(requested *decimal.Decimal, remaining decimal.Decimal) decimal.Decimal {
	if requested == nil || requested.GreaterThan(remaining) {
		return remaining
	}
	return *requested
}
