package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/matheusmosca/checkout-settlement/pkg/postgres"
	"github.com/matheusmosca/checkout-settlement/services/cart"
	"github.com/matheusmosca/checkout-settlement/services/inventory"
	"github.com/matheusmosca/checkout-settlement/services/orders"
	"github.com/matheusmosca/checkout-settlement/services/providers"
	"github.com/matheusmosca/checkout-settlement/services/refunds"
	"github.com/matheusmosca/checkout-settlement/services/transactions"
)

// CartClearer esvazia o carrinho depois da liquidação
type CartClearer interface {
	Clear(ctx context.Context, owner cart.Owner) error
}

// SettleRequest é tudo o que a liquidação precisa. O carrinho chega como snapshot
// já resolvido; nada é lido de sessão.
type SettleRequest struct {
	Confirmation  providers.Confirmation
	Cart          cart.Snapshot
	Owner         cart.Owner
	Address       string
	DeliveryType  string
	DeliveryFee   decimal.Decimal
	PaymentMethod string
	// ExpectedTotal, quando presente, é o valor cotado ao cliente; o pedido
	// só é criado se o total do carrinho bater
	ExpectedTotal *decimal.Decimal
}

// SettleResult é a resposta da liquidação
type SettleResult struct {
	OrderID             string          `json:"order_id"`
	Total               decimal.Decimal `json:"total"`
	InvoiceURL          string          `json:"invoice_url"`
	Duplicate           bool            `json:"duplicate"`
	TransactionRecorded bool            `json:"transaction_recorded"`
	CartCleared         bool            `json:"cart_cleared"`
}

// Orchestrator transforma um carrinho e uma confirmação de pagamento em pedido
type Orchestrator struct {
	db           postgres.DB
	ledger       *inventory.Ledger
	orders       orders.Repository
	transactions transactions.Repository
	carts        CartClearer
	metrics      *Metrics
	logger       *zap.Logger
}

// NewOrchestrator cria uma nova instância de Orchestrator
func NewOrchestrator(
	db postgres.DB,
	ledger *inventory.Ledger,
	orderRepository orders.Repository,
	transactionRepository transactions.Repository,
	carts CartClearer,
	metrics *Metrics,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		db:           db,
		ledger:       ledger,
		orders:       orderRepository,
		transactions: transactionRepository,
		carts:        carts,
		metrics:      metrics,
		logger:       logger,
	}
}

// InvoiceURL é o caminho da nota de um pedido
func InvoiceURL(orderID string) string {
	return "/invoice/" + orderID
}

// PaymentMethodFor mapeia o provedor para o método de pagamento gravado no pedido
func PaymentMethodFor(provider string) string {
	if provider == providers.ProviderNETS {
		return orders.PaymentMethodNETSQR
	}
	return orders.PaymentMethodPayPal
}

// Settle valida a confirmação, reserva o estoque e cria o pedido numa única
// transação, depois registra a transação de pagamento e limpa o carrinho.
// A transação de pagamento e a limpeza do carrinho não desfazem o pedido.
func (o *Orchestrator) Settle(ctx context.Context, req SettleRequest) (*SettleResult, error) {
	ctx, span := tracer.Start(ctx, "settlement.Settle", trace.WithAttributes(
		attribute.String("payment.provider", req.Confirmation.Provider),
		attribute.String("payment.capture_id", req.Confirmation.CaptureID),
	))
	defer span.End()

	result, err := o.settle(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("order.id", result.OrderID), attribute.Bool("order.duplicate", result.Duplicate))
	return result, nil
}

func (o *Orchestrator) settle(ctx context.Context, req SettleRequest) (*SettleResult, error) {
	conf := req.Confirmation

	if !conf.Completed() {
		o.logger.Warn("⛔ [SETTLE] Payment not completed",
			zap.String("provider", conf.Provider),
			zap.String("provider_order_id", conf.ProviderOrderID),
			zap.String("status", conf.Status),
		)
		o.metrics.settlement(ctx, OutcomeRejected)
		return nil, fmt.Errorf("%w: provider status %q", ErrPaymentNotCompleted, conf.Status)
	}
	if conf.CaptureID == "" {
		o.metrics.settlement(ctx, OutcomeRejected)
		return nil, fmt.Errorf("%w: confirmation without capture id", ErrMalformedProviderPayload)
	}

	existing, err := o.orders.FindByPaymentRef(ctx, o.db, conf.CaptureID)
	if err == nil {
		return o.duplicate(ctx, existing, conf), nil
	}
	if !errors.Is(err, orders.ErrOrderNotFound) {
		o.metrics.settlement(ctx, OutcomeFailed)
		return nil, fmt.Errorf("failed to check existing order: %w", err)
	}

	if req.Cart.Empty() {
		o.metrics.settlement(ctx, OutcomeRejected)
		return nil, ErrEmptyCart
	}

	order, err := o.buildOrder(req)
	if err != nil {
		o.metrics.settlement(ctx, OutcomeRejected)
		return nil, err
	}
	if req.ExpectedTotal != nil && !order.Total.Equal(*req.ExpectedTotal) {
		o.logger.Warn("⛔ [SETTLE] Cart total differs from quoted amount",
			zap.String("capture_id", conf.CaptureID),
			zap.String("total", order.Total.String()),
			zap.String("quoted", req.ExpectedTotal.String()),
		)
		o.metrics.settlement(ctx, OutcomeRejected)
		return nil, fmt.Errorf("%w: cart total %s, quoted %s", ErrAmountMismatch, order.Total, *req.ExpectedTotal)
	}

	o.logger.Info("➡️ [SETTLE] Starting",
		zap.String("order_id", order.ID),
		zap.String("capture_id", conf.CaptureID),
		zap.String("total", order.Total.String()),
		zap.Int("lines", len(order.Lines)),
	)

	if err := o.persist(ctx, order); err != nil {
		switch {
		case errors.Is(err, orders.ErrDuplicatePaymentRef):
			existing, findErr := o.orders.FindByPaymentRef(ctx, o.db, conf.CaptureID)
			if findErr != nil {
				o.metrics.settlement(ctx, OutcomeFailed)
				return nil, fmt.Errorf("%w: %w", ErrOrderPersistenceFailure, errors.Join(err, findErr))
			}
			return o.duplicate(ctx, existing, conf), nil
		case errors.Is(err, inventory.ErrInsufficientStock):
			o.logger.Warn("❌ [SETTLE] Insufficient stock", zap.String("order_id", order.ID), zap.Error(err))
			o.metrics.settlement(ctx, OutcomeOutOfStock)
			return nil, err
		default:
			o.logger.Error("❌ [SETTLE] Failed to persist order", zap.String("order_id", order.ID), zap.Error(err))
			o.metrics.settlement(ctx, OutcomeFailed)
			return nil, fmt.Errorf("%w: %w", ErrOrderPersistenceFailure, err)
		}
	}

	result := &SettleResult{
		OrderID:    order.ID,
		Total:      order.Total,
		InvoiceURL: InvoiceURL(order.ID),
	}
	result.TransactionRecorded = o.recordTransaction(ctx, order, conf)
	result.CartCleared = o.clearCart(ctx, req.Owner)

	o.logger.Info("✅ [SETTLE] Order settled",
		zap.String("order_id", order.ID),
		zap.String("total", order.Total.String()),
		zap.Bool("transaction_recorded", result.TransactionRecorded),
		zap.Bool("cart_cleared", result.CartCleared),
	)
	o.metrics.settlement(ctx, OutcomeSettled)
	return result, nil
}

func (o *Orchestrator) buildOrder(req SettleRequest) (*orders.Order, error) {
	if req.DeliveryFee.IsNegative() {
		return nil, fmt.Errorf("%w: delivery fee cannot be negative", ErrInvalidCheckout)
	}

	deliveryType := req.DeliveryType
	if deliveryType == "" {
		deliveryType = orders.DeliveryTypeDoorstep
	}
	if deliveryType != orders.DeliveryTypeDoorstep && deliveryType != orders.DeliveryTypePickup {
		return nil, fmt.Errorf("%w: unknown delivery type %q", ErrInvalidCheckout, deliveryType)
	}

	paymentMethod := req.PaymentMethod
	if paymentMethod == "" {
		paymentMethod = PaymentMethodFor(req.Confirmation.Provider)
	}

	lines := make([]orders.Line, 0, len(req.Cart.Lines))
	for _, l := range req.Cart.Lines {
		if l.Quantity <= 0 {
			return nil, fmt.Errorf("%w: quantity for product %s must be positive", ErrInvalidCheckout, l.ProductID)
		}
		lines = append(lines, orders.Line{
			ProductID:   l.ProductID,
			ProductName: l.ProductName,
			Quantity:    l.Quantity,
			UnitPrice:   l.UnitPrice,
		})
	}

	order := orders.NewOrder(
		uuid.New().String(),
		req.Owner.UserIDPtr(),
		req.Address,
		deliveryType,
		req.DeliveryFee,
		paymentMethod,
		req.Confirmation.CaptureID,
		lines,
	)
	if err := order.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCheckout, err)
	}
	return order, nil
}

// persist reserva o estoque e cria o pedido na mesma transação. Qualquer erro
// desfaz as duas coisas.
func (o *Orchestrator) persist(ctx context.Context, order *orders.Order) error {
	tx, err := o.db.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	reservations := make([]inventory.Reservation, 0, len(order.Lines))
	for _, l := range order.Lines {
		reservations = append(reservations, inventory.Reservation{ProductID: l.ProductID, Quantity: l.Quantity})
	}

	if err := o.ledger.Reserve(ctx, tx, order.ID, reservations); err != nil {
		return err
	}
	if err := o.orders.Create(ctx, tx, order); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		if postgres.IsUniqueViolation(err, "") {
			return fmt.Errorf("%w: %w", orders.ErrDuplicatePaymentRef, err)
		}
		return fmt.Errorf("failed to commit settlement: %w", err)
	}
	return nil
}

// duplicate devolve o pedido já liquidado. Se a primeira liquidação não
// conseguiu gravar a transação, ela é gravada agora.
func (o *Orchestrator) duplicate(ctx context.Context, existing *orders.Order, conf providers.Confirmation) *SettleResult {
	o.logger.Info("🔁 [SETTLE] Payment already settled",
		zap.String("order_id", existing.ID),
		zap.String("payment_ref", existing.PaymentRef),
	)
	o.metrics.settlement(ctx, OutcomeDuplicate)

	recorded := true
	_, err := o.transactions.FindByCaptureID(ctx, o.db, conf.CaptureID)
	switch {
	case errors.Is(err, transactions.ErrTransactionNotFound):
		o.logger.Warn("🔧 [TRANSACTION] Missing for settled order, recording", zap.String("order_id", existing.ID))
		recorded = o.recordTransaction(ctx, existing, conf)
	case err != nil:
		o.logger.Warn("⚠️ [TRANSACTION] Failed to look up capture", zap.String("order_id", existing.ID), zap.Error(err))
		recorded = false
	}

	return &SettleResult{
		OrderID:             existing.ID,
		Total:               existing.Total,
		InvoiceURL:          InvoiceURL(existing.ID),
		Duplicate:           true,
		TransactionRecorded: recorded,
	}
}

// recordTransaction grava a transação de pagamento. O pedido já é a fonte da
// verdade: falhas aqui são registradas e não desfazem nada.
func (o *Orchestrator) recordTransaction(ctx context.Context, order *orders.Order, conf providers.Confirmation) bool {
	amount := conf.Amount
	if amount.IsZero() {
		amount = order.Total
	} else if !amount.Equal(order.Total) {
		o.logger.Warn("⚠️ [TRANSACTION] Captured amount differs from order total",
			zap.String("order_id", order.ID),
			zap.String("captured", amount.String()),
			zap.String("order_total", order.Total.String()),
		)
	}

	currency := conf.Currency
	if currency == "" {
		currency = refunds.DefaultCurrency
	}

	txn := &transactions.Transaction{
		ID:                uuid.New().String(),
		LocalOrderID:      order.ID,
		Provider:          conf.Provider,
		ProviderOrderID:   conf.ProviderOrderID,
		ProviderCaptureID: conf.CaptureID,
		PayerID:           conf.PayerID,
		PayerEmail:        conf.PayerEmail,
		Amount:            amount,
		Currency:          currency,
		Status:            conf.Status,
		CapturedAt:        conf.CapturedAt,
		CreatedAt:         time.Now().UTC(),
	}

	err := o.transactions.Create(ctx, o.db, txn)
	if errors.Is(err, transactions.ErrDuplicateCapture) {
		o.logger.Info("🔁 [TRANSACTION] Already recorded", zap.String("order_id", order.ID), zap.String("capture_id", conf.CaptureID))
		return true
	}
	if err != nil {
		o.logger.Error("🔥 [TRANSACTION] Failed to record payment transaction",
			zap.String("order_id", order.ID),
			zap.String("capture_id", conf.CaptureID),
			zap.Error(fmt.Errorf("%w: %w", ErrTransactionPersistenceFailure, err)),
		)
		o.metrics.transactionRecordFailed(ctx)
		return false
	}

	o.logger.Info("✅ [TRANSACTION] Recorded",
		zap.String("order_id", order.ID),
		zap.String("transaction_id", txn.ID),
	)
	return true
}

func (o *Orchestrator) clearCart(ctx context.Context, owner cart.Owner) bool {
	if o.carts == nil {
		return false
	}
	if err := o.carts.Clear(ctx, owner); err != nil {
		o.logger.Warn("⚠️ [CART] Failed to clear cart after settlement",
			zap.String("user_id", owner.UserID),
			zap.String("session_id", owner.SessionID),
			zap.Error(err),
		)
		return false
	}
	return true
}
