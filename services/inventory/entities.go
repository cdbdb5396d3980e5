package inventory

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrProductNotFound   = errors.New("product not found")
	ErrProductPurchased  = errors.New("product has purchase history and cannot be deleted")
	ErrInvalidQuantity   = errors.New("quantity must be positive")
)

// Product representa um item de inventário
type Product struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Image     string          `json:"image"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// InventoryMovement representa uma movimentação de estoque vinculada a um pedido
type InventoryMovement struct {
	ID             string    `json:"id"`
	ProductID      string    `json:"product_id"`
	OrderID        string    `json:"order_id"`
	ChangeQuantity int       `json:"change_quantity"`
	MovementType   string    `json:"movement_type"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewMovement cria o registro de auditoria de uma alteração de estoque
func NewMovement(productID, orderID string, quantity int, movementType string) InventoryMovement {
	return InventoryMovement{
		ID:             uuid.New().String(),
		ProductID:      productID,
		OrderID:        orderID,
		ChangeQuantity: quantity,
		MovementType:   movementType,
		CreatedAt:      time.Now().UTC(),
	}
}

// MovementType representa os tipos de movimentação de estoque
const (
	MovementTypeDecrease = "decrease"
	MovementTypeIncrease = "increase"
)

// Reservation é uma linha a ser reservada (ou devolvida) no estoque
type Reservation struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// ReservationError identifica qual produto impediu a reserva
type ReservationError struct {
	ProductID string
	Err       error
}

func (e *ReservationError) Error() string {
	return fmt.Sprintf("reserve product %s: %v", e.ProductID, e.Err)
}

func (e *ReservationError) Unwrap() error {
	return e.Err
}
