package settlement

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/matheusmosca/checkout-settlement/pkg/postgres"
	"github.com/matheusmosca/checkout-settlement/services/inventory"
	"github.com/matheusmosca/checkout-settlement/services/orders"
	"github.com/matheusmosca/checkout-settlement/services/refunds"
)

// OrderAdmin reúne as consultas de pedidos e as alterações administrativas
type OrderAdmin struct {
	db      postgres.DB
	ledger  *inventory.Ledger
	orders  orders.Repository
	refunds refunds.Repository
	logger  *zap.Logger
}

// NewOrderAdmin cria uma nova instância de OrderAdmin
func NewOrderAdmin(
	db postgres.DB,
	ledger *inventory.Ledger,
	orderRepository orders.Repository,
	refundRepository refunds.Repository,
	logger *zap.Logger,
) *OrderAdmin {
	return &OrderAdmin{
		db:      db,
		ledger:  ledger,
		orders:  orderRepository,
		refunds: refundRepository,
		logger:  logger,
	}
}

// Viewer identifica quem está consultando um pedido
type Viewer struct {
	UserID string
	Admin  bool
}

func (a *OrderAdmin) visible(order *orders.Order, viewer Viewer) error {
	if viewer.Admin || order.BelongsTo(viewer.UserID) {
		return nil
	}
	return ErrForbidden
}

// GetOrder retorna o pedido se o usuário puder vê-lo
func (a *OrderAdmin) GetOrder(ctx context.Context, orderID string, viewer Viewer) (*orders.Order, error) {
	order, err := a.orders.GetByID(ctx, a.db, orderID)
	if err != nil {
		return nil, err
	}
	if err := a.visible(order, viewer); err != nil {
		return nil, err
	}
	return order, nil
}

// Invoice monta a nota do pedido com o valor já reembolsado
func (a *OrderAdmin) Invoice(ctx context.Context, orderID string, viewer Viewer) (*orders.Invoice, error) {
	order, err := a.GetOrder(ctx, orderID, viewer)
	if err != nil {
		return nil, err
	}

	refunded, err := a.refunds.SumCompletedByOrder(ctx, a.db, order.ID)
	if err != nil {
		return nil, err
	}

	invoice := orders.NewInvoice(order, refunded)
	return &invoice, nil
}

// UserOrders lista os pedidos do usuário
func (a *OrderAdmin) UserOrders(ctx context.Context, userID string) ([]*orders.Order, error) {
	return a.orders.ListByUser(ctx, a.db, userID)
}

// ListOrders lista todos os pedidos
func (a *OrderAdmin) ListOrders(ctx context.Context) ([]*orders.Order, error) {
	return a.orders.ListAll(ctx, a.db)
}

// PendingRefunds lista os reembolsos aguardando decisão
func (a *OrderAdmin) PendingRefunds(ctx context.Context) ([]refunds.PendingRefund, error) {
	return a.refunds.GetPending(ctx, a.db)
}

// UpdateStatus altera o status do pedido respeitando as transições permitidas.
// Cancelar um pedido em aberto devolve as linhas ao estoque na mesma transação.
func (a *OrderAdmin) UpdateStatus(ctx context.Context, orderID, status string) (*orders.Order, error) {
	ctx, span := tracer.Start(ctx, "settlement.UpdateOrderStatus", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("order.status", status),
	))
	defer span.End()

	if !orders.ValidStatus(status) {
		return nil, fmt.Errorf("%w: %q", orders.ErrInvalidStatus, status)
	}

	tx, err := a.db.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	order, err := a.orders.GetByIDForUpdate(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status == status {
		return order, nil
	}
	if !orders.CanTransition(order.Status, status) {
		return nil, fmt.Errorf("%w: %s -> %s", orders.ErrInvalidStatusTransition, order.Status, status)
	}

	if status == orders.StatusCancelled && order.Open() {
		lines := make([]inventory.Reservation, 0, len(order.Lines))
		for _, l := range order.Lines {
			lines = append(lines, inventory.Reservation{ProductID: l.ProductID, Quantity: l.Quantity})
		}
		if err := a.ledger.Release(ctx, tx, order.ID, lines); err != nil {
			span.RecordError(err)
			return nil, err
		}
	}

	if err := a.orders.UpdateStatus(ctx, tx, order.ID, status); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit status update: %w", err)
	}

	a.logger.Info("🔄 [ORDER] Status updated",
		zap.String("order_id", order.ID),
		zap.String("from", order.Status),
		zap.String("to", status),
	)
	order.Status = status
	return order, nil
}

// MarkPickupCollected registra a retirada de um pedido de pickup
func (a *OrderAdmin) MarkPickupCollected(ctx context.Context, orderID string) (*orders.Order, error) {
	tx, err := a.db.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	order, err := a.orders.GetByIDForUpdate(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if order.DeliveryType != orders.DeliveryTypePickup {
		return nil, orders.ErrNotPickupOrder
	}
	if order.PickupCollected && order.Status == orders.StatusCollected {
		return order, nil
	}
	if order.Status != orders.StatusCollected && !orders.CanTransition(order.Status, orders.StatusCollected) {
		return nil, fmt.Errorf("%w: %s -> %s", orders.ErrInvalidStatusTransition, order.Status, orders.StatusCollected)
	}

	if err := a.orders.UpdatePickupCollected(ctx, tx, order.ID, true); err != nil {
		return nil, err
	}
	if err := a.orders.UpdateStatus(ctx, tx, order.ID, orders.StatusCollected); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit pickup: %w", err)
	}

	a.logger.Info("📦 [ORDER] Pickup collected", zap.String("order_id", order.ID))
	order.PickupCollected = true
	order.Status = orders.StatusCollected
	return order, nil
}

// DeleteOrder remove linhas e cabeçalho do pedido numa transação
func (a *OrderAdmin) DeleteOrder(ctx context.Context, orderID string) error {
	tx, err := a.db.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := a.orders.Delete(ctx, tx, orderID); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit order deletion: %w", err)
	}

	a.logger.Info("🗑️ [ORDER] Deleted", zap.String("order_id", orderID))
	return nil
}

// DeleteProduct remove um produto sem histórico de compra
func (a *OrderAdmin) DeleteProduct(ctx context.Context, productID string) error {
	return a.ledger.DeleteProduct(ctx, a.db, productID)
}
