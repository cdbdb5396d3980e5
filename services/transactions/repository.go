package transactions

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/matheusmosca/checkout-settlement/pkg/postgres"
)

const captureConstraint = "transactions_provider_capture_id_key"

const transactionColumns = `id, local_order_id, provider, provider_order_id, provider_capture_id,
	payer_id, payer_email, amount, currency, status, captured_at, created_at`

// Repository é o ledger append-only de transações: não existe update
type Repository interface {
	Create(ctx context.Context, q postgres.Querier, t *Transaction) error
	FindByOrderID(ctx context.Context, q postgres.Querier, orderID string) (*Transaction, error)
	FindByCaptureID(ctx context.Context, q postgres.Querier, captureID string) (*Transaction, error)
}

// PostgresRepository implementa Repository usando PostgreSQL
type PostgresRepository struct{}

// NewRepository cria uma nova instância de PostgresRepository
func NewRepository() Repository {
	return &PostgresRepository{}
}

// Create registra a transação
func (r *PostgresRepository) Create(ctx context.Context, q postgres.Querier, t *Transaction) error {
	_, err := q.Exec(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		t.ID,
		t.LocalOrderID,
		t.Provider,
		t.ProviderOrderID,
		t.ProviderCaptureID,
		t.PayerID,
		t.PayerEmail,
		t.Amount.String(),
		t.Currency,
		t.Status,
		t.CapturedAt,
		t.CreatedAt,
	)
	if postgres.IsUniqueViolation(err, captureConstraint) {
		return ErrDuplicateCapture
	}
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func (r *PostgresRepository) findOne(ctx context.Context, q postgres.Querier, query, arg string) (*Transaction, error) {
	var t Transaction
	err := q.QueryRow(ctx, query, arg).Scan(
		&t.ID,
		&t.LocalOrderID,
		&t.Provider,
		&t.ProviderOrderID,
		&t.ProviderCaptureID,
		&t.PayerID,
		&t.PayerEmail,
		&t.Amount,
		&t.Currency,
		&t.Status,
		&t.CapturedAt,
		&t.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return &t, nil
}

// FindByOrderID retorna a transação mais recente do pedido
func (r *PostgresRepository) FindByOrderID(ctx context.Context, q postgres.Querier, orderID string) (*Transaction, error) {
	return r.findOne(ctx, q, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE local_order_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, orderID)
}

// FindByCaptureID busca a transação pelo id de captura do provedor
func (r *PostgresRepository) FindByCaptureID(ctx context.Context, q postgres.Querier, captureID string) (*Transaction, error) {
	return r.findOne(ctx, q, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE provider_capture_id = $1
	`, captureID)
}
