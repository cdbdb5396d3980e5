package refunds

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/matheusmosca/checkout-settlement/pkg/postgres"
)

const refundColumns = `id, order_id, transaction_id, user_id, amount, currency, method,
	provider_ref, status, reason, provider_response, created_at, updated_at`

// Repository define as operações de banco de dados de reembolsos
type Repository interface {
	Create(ctx context.Context, q postgres.Querier, refund *Refund) error
	GetByID(ctx context.Context, q postgres.Querier, id string) (*Refund, error)
	GetPending(ctx context.Context, q postgres.Querier) ([]PendingRefund, error)
	SumCompletedByOrder(ctx context.Context, q postgres.Querier, orderID string) (decimal.Decimal, error)
	UpdateStatus(ctx context.Context, q postgres.Querier, id, status string, providerRef, providerResponse *string) error
	CompleteRequestedByOrderID(ctx context.Context, q postgres.Querier, orderID, status string, providerRef, providerResponse *string) (int64, error)
	FindRequestedByOrderID(ctx context.Context, q postgres.Querier, orderID string) (*Refund, error)
	FindByProviderRef(ctx context.Context, q postgres.Querier, providerRef string) (*Refund, error)
	SetAmount(ctx context.Context, q postgres.Querier, id string, amount decimal.Decimal) error
	SetReason(ctx context.Context, q postgres.Querier, id, reason string) error
}

// PostgresRepository implementa Repository usando PostgreSQL
type PostgresRepository struct{}

// NewRepository cria uma nova instância de PostgresRepository
func NewRepository() Repository {
	return &PostgresRepository{}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRefund(row scanner, extra ...any) (*Refund, error) {
	var r Refund
	dest := []any{
		&r.ID,
		&r.OrderID,
		&r.TransactionID,
		&r.UserID,
		&r.Amount,
		&r.Currency,
		&r.Method,
		&r.ProviderRef,
		&r.Status,
		&r.Reason,
		&r.ProviderResponse,
		&r.CreatedAt,
		&r.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	return &r, nil
}

// Create insere o reembolso
func (r *PostgresRepository) Create(ctx context.Context, q postgres.Querier, refund *Refund) error {
	_, err := q.Exec(ctx, `
		INSERT INTO refunds (`+refundColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		refund.ID,
		refund.OrderID,
		refund.TransactionID,
		refund.UserID,
		refund.Amount.String(),
		refund.Currency,
		refund.Method,
		refund.ProviderRef,
		refund.Status,
		refund.Reason,
		refund.ProviderResponse,
		refund.CreatedAt,
		refund.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert refund: %w", err)
	}
	return nil
}

func (r *PostgresRepository) findOne(ctx context.Context, q postgres.Querier, query, arg string) (*Refund, error) {
	refund, err := scanRefund(q.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRefundNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get refund: %w", err)
	}
	return refund, nil
}

// GetByID busca um reembolso pelo id
func (r *PostgresRepository) GetByID(ctx context.Context, q postgres.Querier, id string) (*Refund, error) {
	return r.findOne(ctx, q, `SELECT `+refundColumns+` FROM refunds WHERE id = $1`, id)
}

// FindRequestedByOrderID busca o reembolso ainda solicitado mais recente do pedido
func (r *PostgresRepository) FindRequestedByOrderID(ctx context.Context, q postgres.Querier, orderID string) (*Refund, error) {
	return r.findOne(ctx, q, `
		SELECT `+refundColumns+`
		FROM refunds
		WHERE order_id = $1 AND status = 'requested'
		ORDER BY created_at DESC
		LIMIT 1
	`, orderID)
}

// FindByProviderRef busca um reembolso já registrado para a referência do provedor
func (r *PostgresRepository) FindByProviderRef(ctx context.Context, q postgres.Querier, providerRef string) (*Refund, error) {
	return r.findOne(ctx, q, `
		SELECT `+refundColumns+`
		FROM refunds
		WHERE provider_ref = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, providerRef)
}

// GetPending lista os reembolsos solicitados, mais recentes primeiro
func (r *PostgresRepository) GetPending(ctx context.Context, q postgres.Querier) ([]PendingRefund, error) {
	rows, err := q.Query(ctx, `
		SELECT r.id, r.order_id, r.transaction_id, r.user_id, r.amount, r.currency, r.method,
			r.provider_ref, r.status, r.reason, r.provider_response, r.created_at, r.updated_at,
			o.user_id, o.total
		FROM refunds r
		JOIN orders o ON o.id = r.order_id
		WHERE r.status = 'requested'
		ORDER BY r.created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending refunds: %w", err)
	}
	defer rows.Close()

	var pending []PendingRefund
	for rows.Next() {
		var p PendingRefund
		refund, err := scanRefund(rows, &p.OrderUserID, &p.OrderTotal)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending refund: %w", err)
		}
		p.Refund = *refund
		pending = append(pending, p)
	}
	return pending, rows.Err()
}

// SumCompletedByOrder soma os reembolsos concluídos do pedido
func (r *PostgresRepository) SumCompletedByOrder(ctx context.Context, q postgres.Querier, orderID string) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := q.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM refunds
		WHERE order_id = $1 AND status = 'completed'
	`, orderID).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum completed refunds: %w", err)
	}
	return total, nil
}

// UpdateStatus resolve um reembolso solicitado. Repetir o mesmo status terminal
// não é erro; tentar outro status terminal retorna ErrRefundNotPending.
func (r *PostgresRepository) UpdateStatus(ctx context.Context, q postgres.Querier, id, status string, providerRef, providerResponse *string) error {
	if status != StatusCompleted && status != StatusRejected {
		return ErrInvalidStatus
	}

	tag, err := q.Exec(ctx, `
		UPDATE refunds
		SET status = $1,
		    provider_ref = COALESCE($2, provider_ref),
		    provider_response = COALESCE($3, provider_response),
		    updated_at = NOW()
		WHERE id = $4 AND status = 'requested'
	`, status, providerRef, providerResponse, id)
	if err != nil {
		return fmt.Errorf("failed to update refund status: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var current string
	err = q.QueryRow(ctx, `SELECT status FROM refunds WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrRefundNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read refund status: %w", err)
	}
	if current == status {
		return nil
	}
	return ErrRefundNotPending
}

// CompleteRequestedByOrderID move todos os reembolsos ainda solicitados do pedido
// para um status terminal e retorna quantos foram alterados
func (r *PostgresRepository) CompleteRequestedByOrderID(ctx context.Context, q postgres.Querier, orderID, status string, providerRef, providerResponse *string) (int64, error) {
	if status != StatusCompleted && status != StatusRejected {
		return 0, ErrInvalidStatus
	}

	tag, err := q.Exec(ctx, `
		UPDATE refunds
		SET status = $1,
		    provider_ref = COALESCE($2, provider_ref),
		    provider_response = COALESCE($3, provider_response),
		    updated_at = NOW()
		WHERE order_id = $4 AND status = 'requested'
	`, status, providerRef, providerResponse, orderID)
	if err != nil {
		return 0, fmt.Errorf("failed to complete requested refunds: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SetAmount ajusta o valor de um reembolso ainda solicitado
func (r *PostgresRepository) SetAmount(ctx context.Context, q postgres.Querier, id string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}

	tag, err := q.Exec(ctx, `
		UPDATE refunds
		SET amount = $1, updated_at = NOW()
		WHERE id = $2 AND status = 'requested'
	`, amount.String(), id)
	if err != nil {
		return fmt.Errorf("failed to update refund amount: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRefundNotPending
	}
	return nil
}

// SetReason grava o motivo de um reembolso ainda solicitado
func (r *PostgresRepository) SetReason(ctx context.Context, q postgres.Querier, id, reason string) error {
	tag, err := q.Exec(ctx, `
		UPDATE refunds
		SET reason = $1, updated_at = NOW()
		WHERE id = $2 AND status = 'requested'
	`, reason, id)
	if err != nil {
		return fmt.Errorf("failed to update refund reason: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRefundNotPending
	}
	return nil
}
