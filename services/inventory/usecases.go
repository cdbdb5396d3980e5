package inventory

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/matheusmosca/checkout-settlement/pkg/postgres"
)

// Ledger reserva e devolve estoque para as linhas de um pedido
type Ledger struct {
	repository Repository
	logger     *zap.Logger
}

// NewLedger cria uma nova instância de Ledger
func NewLedger(repository Repository, logger *zap.Logger) *Ledger {
	return &Ledger{
		repository: repository,
		logger:     logger,
	}
}

// Reserve decrementa cada linha na ordem do carrinho. Se alguma linha falhar,
// as linhas já decrementadas são devolvidas em ordem reversa antes de retornar,
// então o estoque nunca fica parcialmente reservado mesmo fora de transação.
func (l *Ledger) Reserve(ctx context.Context, q postgres.Querier, orderID string, lines []Reservation) error {
	reserved := make([]Reservation, 0, len(lines))

	for _, line := range lines {
		err := l.repository.ReduceQuantity(ctx, q, line.ProductID, line.Quantity, orderID)
		if err != nil {
			l.logger.Warn("❌ [RESERVE] Failed",
				zap.String("order_id", orderID),
				zap.String("product_id", line.ProductID),
				zap.Int("quantity", line.Quantity),
				zap.Error(err),
			)

			if releaseErr := l.Release(ctx, q, orderID, reserved); releaseErr != nil {
				err = errors.Join(err, releaseErr)
			}
			return &ReservationError{ProductID: line.ProductID, Err: err}
		}
		reserved = append(reserved, line)
	}

	l.logger.Info("✅ [RESERVE] Success", zap.String("order_id", orderID), zap.Int("lines", len(lines)))
	return nil
}

// Release devolve as linhas ao estoque em ordem reversa
func (l *Ledger) Release(ctx context.Context, q postgres.Querier, orderID string, lines []Reservation) error {
	var errs []error
	for i := len(lines) - 1; i >= 0; i-- {
		line := lines[i]
		if err := l.repository.IncreaseQuantity(ctx, q, line.ProductID, line.Quantity, orderID); err != nil {
			l.logger.Error("🔥 [RELEASE] CRITICAL: failed to restore stock",
				zap.String("order_id", orderID),
				zap.String("product_id", line.ProductID),
				zap.Int("quantity", line.Quantity),
				zap.Error(err),
			)
			errs = append(errs, err)
			continue
		}
		l.logger.Info("↩️ [RELEASE] Stock restored",
			zap.String("order_id", orderID),
			zap.String("product_id", line.ProductID),
			zap.Int("quantity", line.Quantity),
		)
	}
	return errors.Join(errs...)
}

// DeleteProduct remove o produto quando não existe histórico de compra
func (l *Ledger) DeleteProduct(ctx context.Context, q postgres.Querier, productID string) error {
	product, err := l.repository.GetProduct(ctx, q, productID)
	if err != nil {
		return err
	}
	if err := l.repository.DeleteProduct(ctx, q, productID); err != nil {
		return err
	}
	l.logger.Info("🗑️ [PRODUCT] Deleted",
		zap.String("product_id", product.ID),
		zap.String("name", product.Name),
		zap.Int("discarded_stock", product.Quantity),
	)
	return nil
}
