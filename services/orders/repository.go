package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/matheusmosca/checkout-settlement/pkg/postgres"
)

const paymentRefConstraint = "orders_payment_ref_key"

const orderColumns = `id, user_id, address, delivery_type, delivery_fee, status, total,
	payment_method, payment_ref, pickup_collected, created_at, updated_at`

// Repository define as operações de banco de dados de pedidos
type Repository interface {
	Create(ctx context.Context, q postgres.Querier, order *Order) error
	GetByID(ctx context.Context, q postgres.Querier, id string) (*Order, error)
	GetByIDForUpdate(ctx context.Context, q postgres.Querier, id string) (*Order, error)
	FindByPaymentRef(ctx context.Context, q postgres.Querier, paymentRef string) (*Order, error)
	ListByUser(ctx context.Context, q postgres.Querier, userID string) ([]*Order, error)
	ListAll(ctx context.Context, q postgres.Querier) ([]*Order, error)
	UpdateStatus(ctx context.Context, q postgres.Querier, id, status string) error
	UpdatePickupCollected(ctx context.Context, q postgres.Querier, id string, collected bool) error
	Delete(ctx context.Context, q postgres.Querier, id string) error
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

func scanOrder(row scanner) (*Order, error) {
	var o Order
	err := row.Scan(
		&o.ID,
		&o.UserID,
		&o.Address,
		&o.DeliveryType,
		&o.DeliveryFee,
		&o.Status,
		&o.Total,
		&o.PaymentMethod,
		&o.PaymentRef,
		&o.PickupCollected,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// Create insere o cabeçalho e as linhas do pedido. Deve rodar dentro de uma
// transação para que cabeçalho e linhas sejam persistidos juntos.
func (r *PostgresRepository) Create(ctx context.Context, q postgres.Querier, order *Order) error {
	_, err := q.Exec(ctx, `
		INSERT INTO orders (id, user_id, address, delivery_type, delivery_fee, status, total,
			payment_method, payment_ref, pickup_collected, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		order.ID,
		order.UserID,
		order.Address,
		order.DeliveryType,
		order.DeliveryFee.String(),
		order.Status,
		order.Total.String(),
		order.PaymentMethod,
		order.PaymentRef,
		order.PickupCollected,
		order.CreatedAt,
		order.UpdatedAt,
	)
	if postgres.IsUniqueViolation(err, paymentRefConstraint) {
		return ErrDuplicatePaymentRef
	}
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	for _, line := range order.Lines {
		_, err := q.Exec(ctx, `
			INSERT INTO order_items (order_id, product_id, product_name, quantity, price)
			VALUES ($1, $2, $3, $4, $5)
		`, order.ID, line.ProductID, line.ProductName, line.Quantity, line.UnitPrice.String())
		if err != nil {
			return fmt.Errorf("failed to insert order item %s: %w", line.ProductID, err)
		}
	}

	return nil
}

func (r *PostgresRepository) getOne(ctx context.Context, q postgres.Querier, query string, arg string) (*Order, error) {
	order, err := scanOrder(q.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	lines, err := r.loadLines(ctx, q, []string{order.ID})
	if err != nil {
		return nil, err
	}
	order.Lines = lines[order.ID]
	return order, nil
}

// GetByID busca um pedido com suas linhas
func (r *PostgresRepository) GetByID(ctx context.Context, q postgres.Querier, id string) (*Order, error) {
	return r.getOne(ctx, q, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
}

// GetByIDForUpdate busca o pedido com lock pessimista (FOR UPDATE)
func (r *PostgresRepository) GetByIDForUpdate(ctx context.Context, q postgres.Querier, id string) (*Order, error) {
	return r.getOne(ctx, q, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id)
}

// FindByPaymentRef busca o pedido liquidado por uma captura do provedor
func (r *PostgresRepository) FindByPaymentRef(ctx context.Context, q postgres.Querier, paymentRef string) (*Order, error) {
	return r.getOne(ctx, q, `SELECT `+orderColumns+` FROM orders WHERE payment_ref = $1`, paymentRef)
}

// ListByUser lista os pedidos de um usuário, mais recentes primeiro
func (r *PostgresRepository) ListByUser(ctx context.Context, q postgres.Querier, userID string) ([]*Order, error) {
	return r.list(ctx, q, `SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY created_at DESC`, userID)
}

// ListAll lista todos os pedidos, mais recentes primeiro
func (r *PostgresRepository) ListAll(ctx context.Context, q postgres.Querier) ([]*Order, error) {
	return r.list(ctx, q, `SELECT `+orderColumns+` FROM orders ORDER BY created_at DESC`)
}

func (r *PostgresRepository) list(ctx context.Context, q postgres.Querier, query string, args ...any) ([]*Order, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var (
		result []*Order
		ids    []string
	)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		result = append(result, order)
		ids = append(ids, order.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate orders: %w", err)
	}

	if len(ids) == 0 {
		return result, nil
	}

	lines, err := r.loadLines(ctx, q, ids)
	if err != nil {
		return nil, err
	}
	for _, order := range result {
		order.Lines = lines[order.ID]
	}
	return result, nil
}

func (r *PostgresRepository) loadLines(ctx context.Context, q postgres.Querier, orderIDs []string) (map[string][]Line, error) {
	rows, err := q.Query(ctx, `
		SELECT order_id, product_id, product_name, quantity, price
		FROM order_items
		WHERE order_id = ANY($1)
		ORDER BY id
	`, orderIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load order items: %w", err)
	}
	defer rows.Close()

	lines := make(map[string][]Line, len(orderIDs))
	for rows.Next() {
		var (
			orderID string
			line    Line
		)
		if err := rows.Scan(&orderID, &line.ProductID, &line.ProductName, &line.Quantity, &line.UnitPrice); err != nil {
			return nil, fmt.Errorf("failed to scan order item: %w", err)
		}
		lines[orderID] = append(lines[orderID], line)
	}
	return lines, rows.Err()
}

// UpdateStatus altera o status do pedido
func (r *PostgresRepository) UpdateStatus(ctx context.Context, q postgres.Querier, id, status string) error {
	tag, err := q.Exec(ctx, `
		UPDATE orders
		SET status = $1, updated_at = NOW()
		WHERE id = $2
	`, status, id)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// UpdatePickupCollected marca (ou desmarca) a retirada do pedido
func (r *PostgresRepository) UpdatePickupCollected(ctx context.Context, q postgres.Querier, id string, collected bool) error {
	tag, err := q.Exec(ctx, `
		UPDATE orders
		SET pickup_collected = $1, updated_at = NOW()
		WHERE id = $2
	`, collected, id)
	if err != nil {
		return fmt.Errorf("failed to update pickup flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// Delete remove linhas e cabeçalho. Pedidos com transação registrada não podem ser removidos.
func (r *PostgresRepository) Delete(ctx context.Context, q postgres.Querier, id string) error {
	var referenced bool
	err := q.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM transactions
			WHERE local_order_id = $1
		)
	`, id).Scan(&referenced)
	if err != nil {
		return fmt.Errorf("failed to check order transactions: %w", err)
	}
	if referenced {
		return ErrOrderReferenced
	}

	if _, err := q.Exec(ctx, `DELETE FROM order_items WHERE order_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete order items: %w", err)
	}

	tag, err := q.Exec(ctx, `DELETE FROM orders WHERE id = $1`, id)
	if postgres.IsForeignKeyViolation(err) {
		return ErrOrderReferenced
	}
	if err != nil {
		return fmt.Errorf("failed to delete order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}
