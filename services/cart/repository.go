package cart

import (
	"context"
	"fmt"

	"github.com/matheusmosca/checkout-settlement/pkg/postgres"
)

// UserRepository guarda os carrinhos persistentes de usuários autenticados
type UserRepository interface {
	ItemsByUser(ctx context.Context, userID string) ([]Line, error)
	Clear(ctx context.Context, userID string) error
}

// PostgresRepository implementa UserRepository usando PostgreSQL
type PostgresRepository struct {
	db postgres.Querier
}

// NewRepository cria uma nova instância de PostgresRepository
func NewRepository(db postgres.Querier) UserRepository {
	return &PostgresRepository{db: db}
}

// ItemsByUser lista os itens do carrinho na ordem em que foram adicionados
func (r *PostgresRepository) ItemsByUser(ctx context.Context, userID string) ([]Line, error) {
	rows, err := r.db.Query(ctx, `
		SELECT product_id, product_name, price, quantity
		FROM cart_items
		WHERE user_id = $1
		ORDER BY created_at, product_id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load cart: %w", err)
	}
	defer rows.Close()

	var lines []Line
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.ProductID, &l.ProductName, &l.UnitPrice, &l.Quantity); err != nil {
			return nil, fmt.Errorf("failed to scan cart item: %w", err)
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// Clear esvazia o carrinho do usuário
func (r *PostgresRepository) Clear(ctx context.Context, userID string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM cart_items WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("failed to clear cart: %w", err)
	}
	return nil
}
