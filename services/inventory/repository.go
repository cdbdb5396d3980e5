package inventory

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/matheusmosca/checkout-settlement/pkg/postgres"
)

// Repository define as operações de banco de dados do inventário
type Repository interface {
	ReduceQuantity(ctx context.Context, q postgres.Querier, productID string, amount int, orderID string) error
	IncreaseQuantity(ctx context.Context, q postgres.Querier, productID string, amount int, orderID string) error
	GetProduct(ctx context.Context, q postgres.Querier, productID string) (*Product, error)
	DeleteProduct(ctx context.Context, q postgres.Querier, productID string) error
}

// PostgresRepository implementa Repository usando PostgreSQL
type PostgresRepository struct{}

// NewRepository cria uma nova instância de PostgresRepository
func NewRepository() Repository {
	return &PostgresRepository{}
}

// ReduceQuantity diminui o estoque somente se houver quantidade suficiente.
// O UPDATE condicional é a única proteção contra venda acima do estoque.
func (r *PostgresRepository) ReduceQuantity(ctx context.Context, q postgres.Querier, productID string, amount int, orderID string) error {
	if amount <= 0 {
		return ErrInvalidQuantity
	}

	tag, err := q.Exec(ctx, `
		UPDATE products
		SET quantity = quantity - $1,
		    updated_at = NOW()
		WHERE id = $2 AND quantity >= $1
	`, amount, productID)
	if err != nil {
		return fmt.Errorf("failed to decrease stock: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrInsufficientStock
	}

	return r.insertMovement(ctx, q, NewMovement(productID, orderID, amount, MovementTypeDecrease))
}

// IncreaseQuantity devolve estoque; é a operação de compensação do ReduceQuantity
func (r *PostgresRepository) IncreaseQuantity(ctx context.Context, q postgres.Querier, productID string, amount int, orderID string) error {
	if amount <= 0 {
		return ErrInvalidQuantity
	}

	tag, err := q.Exec(ctx, `
		UPDATE products
		SET quantity = quantity + $1,
		    updated_at = NOW()
		WHERE id = $2
	`, amount, productID)
	if err != nil {
		return fmt.Errorf("failed to increase stock: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrProductNotFound
	}

	return r.insertMovement(ctx, q, NewMovement(productID, orderID, amount, MovementTypeIncrease))
}

func (r *PostgresRepository) insertMovement(ctx context.Context, q postgres.Querier, m InventoryMovement) error {
	_, err := q.Exec(ctx, `
		INSERT INTO inventory_movements (id, product_id, order_id, change_quantity, movement_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, m.ID, m.ProductID, m.OrderID, m.ChangeQuantity, m.MovementType, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert movement record: %w", err)
	}
	return nil
}

// GetProduct busca um produto pelo id
func (r *PostgresRepository) GetProduct(ctx context.Context, q postgres.Querier, productID string) (*Product, error) {
	var p Product
	err := q.QueryRow(ctx, `
		SELECT id, name, quantity, price, image, created_at, updated_at
		FROM products
		WHERE id = $1
	`, productID).Scan(&p.ID, &p.Name, &p.Quantity, &p.Price, &p.Image, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	return &p, nil
}

// DeleteProduct remove um produto que nunca foi comprado
func (r *PostgresRepository) DeleteProduct(ctx context.Context, q postgres.Querier, productID string) error {
	var purchased bool
	err := q.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM order_items
			WHERE product_id = $1
		)
	`, productID).Scan(&purchased)
	if err != nil {
		return fmt.Errorf("failed to check purchase history: %w", err)
	}

	if purchased {
		return ErrProductPurchased
	}

	tag, err := q.Exec(ctx, `DELETE FROM products WHERE id = $1`, productID)
	if err != nil {
		return fmt.Errorf("failed to delete product: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrProductNotFound
	}
	return nil
}
