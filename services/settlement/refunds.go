package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/matheusmosca/checkout-settlement/pkg/postgres"
	"github.com/matheusmosca/checkout-settlement/services/orders"
	"github.com/matheusmosca/checkout-settlement/services/providers"
	"github.com/matheusmosca/checkout-settlement/services/refunds"
	"github.com/matheusmosca/checkout-settlement/services/transactions"
)

// Refunder é o provedor capaz de estornar uma captura
type Refunder interface {
	RefundCapture(ctx context.Context, req providers.RefundRequest) (*providers.RefundResult, error)
}

// RequestRefundInput é o pedido de reembolso feito pelo cliente
type RequestRefundInput struct {
	OrderID string
	UserID  string
	Amount  *decimal.Decimal
	Reason  string
}

// RefundOrderInput é o reembolso direto feito por um administrador
type RefundOrderInput struct {
	OrderID string
	AdminID string
	Amount  *decimal.Decimal
	Reason  string
}

// RefundOutcome descreve o reembolso resultante
type RefundOutcome struct {
	Refund    *refunds.Refund `json:"refund"`
	Amount    decimal.Decimal `json:"amount"`
	Remaining decimal.Decimal `json:"remaining"`
	Applied   bool            `json:"applied"`
}

// RefundOrchestrator conduz pedidos de reembolso até o provedor e de volta
type RefundOrchestrator struct {
	db           postgres.DB
	orders       orders.Repository
	transactions transactions.Repository
	refunds      refunds.Repository
	provider     Refunder
	metrics      *Metrics
	logger       *zap.Logger
}

// NewRefundOrchestrator cria uma nova instância de RefundOrchestrator
func NewRefundOrchestrator(
	db postgres.DB,
	orderRepository orders.Repository,
	transactionRepository transactions.Repository,
	refundRepository refunds.Repository,
	provider Refunder,
	metrics *Metrics,
	logger *zap.Logger,
) *RefundOrchestrator {
	return &RefundOrchestrator{
		db:           db,
		orders:       orderRepository,
		transactions: transactionRepository,
		refunds:      refundRepository,
		provider:     provider,
		metrics:      metrics,
		logger:       logger,
	}
}

// refundable é o estado calculado antes de chamar o provedor
type refundable struct {
	order     *orders.Order
	txn       *transactions.Transaction
	completed decimal.Decimal
	amount    decimal.Decimal
}

func (r *RefundOrchestrator) prepare(ctx context.Context, orderID string, requested *decimal.Decimal) (*refundable, error) {
	if requested != nil && !requested.IsPositive() {
		return nil, refunds.ErrInvalidAmount
	}

	order, err := r.orders.GetByID(ctx, r.db, orderID)
	if err != nil {
		return nil, err
	}
	if order.PaymentMethod != orders.PaymentMethodPayPal {
		return nil, fmt.Errorf("%w: %s", ErrRefundNotSupported, order.PaymentMethod)
	}

	txn, err := r.transactions.FindByOrderID(ctx, r.db, order.ID)
	if errors.Is(err, transactions.ErrTransactionNotFound) {
		return nil, ErrNoCaptureID
	}
	if err != nil {
		return nil, err
	}
	if txn.ProviderCaptureID == "" {
		return nil, ErrNoCaptureID
	}

	completed, err := r.refunds.SumCompletedByOrder(ctx, r.db, order.ID)
	if err != nil {
		return nil, err
	}

	remaining := refunds.Remaining(order.Total, completed)
	if !remaining.IsPositive() {
		return nil, ErrNothingToRefund
	}

	return &refundable{
		order:     order,
		txn:       txn,
		completed: completed,
		amount:    refunds.CapAmount(requested, remaining),
	}, nil
}

// callProvider estorna no provedor. Uma falha aqui não toca em nenhuma linha local.
func (r *RefundOrchestrator) callProvider(ctx context.Context, rf *refundable, idempotencyKey string) (*providers.RefundResult, error) {
	ctx, span := tracer.Start(ctx, "settlement.RefundCapture", trace.WithAttributes(
		attribute.String("order.id", rf.order.ID),
		attribute.String("payment.capture_id", rf.txn.ProviderCaptureID),
		attribute.String("refund.amount", rf.amount.String()),
	))
	defer span.End()

	result, err := r.provider.RefundCapture(ctx, providers.RefundRequest{
		CaptureID:      rf.txn.ProviderCaptureID,
		Amount:         rf.amount,
		Currency:       rf.txn.Currency,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Error("❌ [REFUND] Provider refund failed",
			zap.String("order_id", rf.order.ID),
			zap.String("capture_id", rf.txn.ProviderCaptureID),
			zap.String("amount", rf.amount.String()),
			zap.Error(err),
		)
		r.metrics.refund(ctx, OutcomeProviderFailure)
		return nil, fmt.Errorf("%w: %w", ErrProviderRefundFailure, err)
	}
	if result.Status == providers.StatusFailed {
		r.metrics.refund(ctx, OutcomeProviderFailure)
		return nil, fmt.Errorf("%w: refund %s returned status %s", ErrProviderRefundFailure, result.ID, result.Status)
	}

	r.logger.Info("💸 [REFUND] Provider refund accepted",
		zap.String("order_id", rf.order.ID),
		zap.String("provider_refund_id", result.ID),
		zap.String("status", result.Status),
		zap.String("amount", result.Amount.String()),
	)
	return result, nil
}

// confirmedAmount é o valor que o provedor diz ter estornado. Uma repetição com a
// mesma chave de idempotência devolve o estorno original, que pode ter outro valor.
func (r *RefundOrchestrator) confirmedAmount(rf *refundable, result *providers.RefundResult) decimal.Decimal {
	if !result.Amount.IsPositive() || result.Amount.Equal(rf.amount) {
		return rf.amount
	}
	r.logger.Warn("⚠️ [REFUND] Provider refunded a different amount than requested",
		zap.String("order_id", rf.order.ID),
		zap.String("provider_refund_id", result.ID),
		zap.String("requested", rf.amount.String()),
		zap.String("refunded", result.Amount.String()),
	)
	return result.Amount
}

// completion é o que a transação de conclusão grava
type completion struct {
	orderID     string
	refundID    string
	txnID       *string
	userID      *string
	method      string
	currency    string
	amount      decimal.Decimal
	providerRef string
	response    *string
	reason      string
	// capToRemaining reduz o valor ao saldo em vez de falhar
	capToRemaining bool
}

// complete grava o reembolso concluído e marca o pedido como reembolsado numa
// única transação. A linha do pedido fica travada enquanto o saldo é conferido,
// então reembolsos concorrentes do mesmo pedido são serializados.
func (r *RefundOrchestrator) complete(ctx context.Context, c completion) (*RefundOutcome, error) {
	tx, err := r.db.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	order, err := r.orders.GetByIDForUpdate(ctx, tx, c.orderID)
	if err != nil {
		return nil, err
	}

	completed, err := r.refunds.SumCompletedByOrder(ctx, tx, order.ID)
	if err != nil {
		return nil, err
	}
	remaining := refunds.Remaining(order.Total, completed)

	existing, err := r.refunds.FindByProviderRef(ctx, tx, c.providerRef)
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("failed to commit refund: %w", err)
		}
		r.logger.Info("🔁 [REFUND] Provider refund already recorded",
			zap.String("order_id", order.ID),
			zap.String("refund_id", existing.ID),
			zap.String("provider_ref", c.providerRef),
		)
		return &RefundOutcome{Refund: existing, Amount: existing.Amount, Remaining: remaining}, nil
	}
	if !errors.Is(err, refunds.ErrRefundNotFound) {
		return nil, err
	}

	amount := c.amount
	if c.capToRemaining {
		if !remaining.IsPositive() {
			return &RefundOutcome{Amount: decimal.Zero, Remaining: remaining}, nil
		}
		amount = refunds.CapAmount(&amount, remaining)
	} else if amount.GreaterThan(remaining) {
		r.logger.Error("🔥 [REFUND] CRITICAL: provider refunded more than the remaining balance, manual reconciliation needed",
			zap.String("order_id", order.ID),
			zap.String("provider_ref", c.providerRef),
			zap.String("amount", amount.String()),
			zap.String("remaining", remaining.String()),
		)
		return nil, fmt.Errorf("%w: %s > %s", ErrRefundExceedsBalance, amount, remaining)
	}

	refund, err := r.markCompleted(ctx, tx, c, amount)
	if err != nil {
		return nil, err
	}

	if order.Status != orders.StatusRefunded {
		if err := r.orders.UpdateStatus(ctx, tx, order.ID, orders.StatusRefunded); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit refund: %w", err)
	}

	return &RefundOutcome{
		Refund:    refund,
		Amount:    amount,
		Remaining: remaining.Sub(amount),
		Applied:   true,
	}, nil
}

func (r *RefundOrchestrator) markCompleted(ctx context.Context, q postgres.Querier, c completion, amount decimal.Decimal) (*refunds.Refund, error) {
	ref := c.providerRef

	// reembolso solicitado específico (aprovação)
	if c.refundID != "" {
		refund, err := r.refunds.GetByID(ctx, q, c.refundID)
		if err != nil {
			return nil, err
		}
		if !refund.Amount.Equal(amount) {
			if err := r.refunds.SetAmount(ctx, q, refund.ID, amount); err != nil {
				return nil, err
			}
		}
		if err := r.refunds.UpdateStatus(ctx, q, refund.ID, refunds.StatusCompleted, &ref, c.response); err != nil {
			return nil, err
		}
		refund.Amount = amount
		refund.Status = refunds.StatusCompleted
		refund.ProviderRef = &ref
		refund.ProviderResponse = c.response
		return refund, nil
	}

	// o solicitado pendente passa a refletir o valor efetivamente estornado
	requested, err := r.refunds.FindRequestedByOrderID(ctx, q, c.orderID)
	switch {
	case err == nil:
		if !requested.Amount.Equal(amount) {
			if err := r.refunds.SetAmount(ctx, q, requested.ID, amount); err != nil {
				return nil, err
			}
		}
	case !errors.Is(err, refunds.ErrRefundNotFound):
		return nil, err
	}

	n, err := r.refunds.CompleteRequestedByOrderID(ctx, q, c.orderID, refunds.StatusCompleted, &ref, c.response)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		r.logger.Info("🧾 [REFUND] Completed requested refunds", zap.String("order_id", c.orderID), zap.Int64("rows", n))
		return r.refunds.FindByProviderRef(ctx, q, ref)
	}

	refund := refunds.NewRefund(uuid.New().String(), c.orderID, c.txnID, c.userID, amount, c.currency, c.method, refunds.StatusCompleted)
	refund.ProviderRef = &ref
	refund.ProviderResponse = c.response
	refund.Reason = c.reason
	if err := r.refunds.Create(ctx, q, refund); err != nil {
		return nil, err
	}
	return refund, nil
}

// RequestRefund registra o pedido de reembolso do cliente para aprovação
func (r *RefundOrchestrator) RequestRefund(ctx context.Context, in RequestRefundInput) (*refunds.Refund, error) {
	ctx, span := tracer.Start(ctx, "settlement.RequestRefund", trace.WithAttributes(attribute.String("order.id", in.OrderID)))
	defer span.End()

	refund, err := r.requestRefund(ctx, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	r.metrics.refund(ctx, OutcomeRequested)
	return refund, nil
}

func (r *RefundOrchestrator) requestRefund(ctx context.Context, in RequestRefundInput) (*refunds.Refund, error) {
	order, err := r.orders.GetByID(ctx, r.db, in.OrderID)
	if err != nil {
		return nil, err
	}
	if !order.BelongsTo(in.UserID) {
		return nil, ErrForbidden
	}

	_, err = r.refunds.FindRequestedByOrderID(ctx, r.db, order.ID)
	if err == nil {
		return nil, ErrRefundAlreadyRequested
	}
	if !errors.Is(err, refunds.ErrRefundNotFound) {
		return nil, err
	}

	rf, err := r.prepare(ctx, order.ID, in.Amount)
	if err != nil {
		return nil, err
	}

	userID := in.UserID
	refund := refunds.NewRefund(
		uuid.New().String(),
		order.ID,
		&rf.txn.ID,
		&userID,
		rf.amount,
		rf.txn.Currency,
		order.PaymentMethod,
		refunds.StatusRequested,
	)
	refund.Reason = in.Reason

	if err := r.refunds.Create(ctx, r.db, refund); err != nil {
		return nil, err
	}

	r.logger.Info("📝 [REFUND] Requested",
		zap.String("order_id", order.ID),
		zap.String("refund_id", refund.ID),
		zap.String("amount", refund.Amount.String()),
	)
	return refund, nil
}

// ApproveRefund estorna no provedor e conclui o reembolso solicitado
func (r *RefundOrchestrator) ApproveRefund(ctx context.Context, refundID, adminID string) (*RefundOutcome, error) {
	ctx, span := tracer.Start(ctx, "settlement.ApproveRefund", trace.WithAttributes(attribute.String("refund.id", refundID)))
	defer span.End()

	out, err := r.approveRefund(ctx, refundID, adminID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	r.metrics.refund(ctx, OutcomeCompleted)
	return out, nil
}

func (r *RefundOrchestrator) approveRefund(ctx context.Context, refundID, adminID string) (*RefundOutcome, error) {
	refund, err := r.refunds.GetByID(ctx, r.db, refundID)
	if err != nil {
		return nil, err
	}
	if refund.Terminal() {
		return nil, refunds.ErrRefundNotPending
	}

	rf, err := r.prepare(ctx, refund.OrderID, &refund.Amount)
	if err != nil {
		return nil, err
	}

	result, err := r.callProvider(ctx, rf, "refund-"+refund.ID)
	if err != nil {
		return nil, err
	}

	out, err := r.complete(ctx, completion{
		orderID:     rf.order.ID,
		refundID:    refund.ID,
		amount:      r.confirmedAmount(rf, result),
		providerRef: result.ID,
		response:    rawResponse(result),
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("✅ [REFUND] Approved",
		zap.String("refund_id", refund.ID),
		zap.String("order_id", rf.order.ID),
		zap.String("admin_id", adminID),
		zap.String("amount", out.Amount.String()),
	)
	return out, nil
}

// RejectRefund recusa um reembolso solicitado sem chamar o provedor. Recusar de
// novo um reembolso já recusado não altera nada.
func (r *RefundOrchestrator) RejectRefund(ctx context.Context, refundID, adminID, reason string) (*refunds.Refund, error) {
	ctx, span := tracer.Start(ctx, "settlement.RejectRefund", trace.WithAttributes(attribute.String("refund.id", refundID)))
	defer span.End()

	refund, err := r.rejectRefund(ctx, refundID, reason)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	r.logger.Info("🚫 [REFUND] Rejected",
		zap.String("refund_id", refundID),
		zap.String("order_id", refund.OrderID),
		zap.String("admin_id", adminID),
		zap.String("reason", reason),
	)
	r.metrics.refund(ctx, OutcomeRejected)
	return refund, nil
}

func (r *RefundOrchestrator) rejectRefund(ctx context.Context, refundID, reason string) (*refunds.Refund, error) {
	tx, err := r.db.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	refund, err := r.refunds.GetByID(ctx, tx, refundID)
	if err != nil {
		return nil, err
	}
	if refund.Terminal() {
		if refund.Status == refunds.StatusRejected {
			return refund, nil
		}
		return nil, refunds.ErrRefundNotPending
	}

	refund.Reason = refunds.WithRejection(refund.Reason, reason)
	if err := r.refunds.SetReason(ctx, tx, refund.ID, refund.Reason); err != nil {
		return nil, err
	}
	if err := r.refunds.UpdateStatus(ctx, tx, refund.ID, refunds.StatusRejected, nil, nil); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit refund rejection: %w", err)
	}

	refund.Status = refunds.StatusRejected
	return refund, nil
}

// RefundOrder é o reembolso direto do administrador, sem pedido prévio do cliente
func (r *RefundOrchestrator) RefundOrder(ctx context.Context, in RefundOrderInput) (*RefundOutcome, error) {
	ctx, span := tracer.Start(ctx, "settlement.RefundOrder", trace.WithAttributes(attribute.String("order.id", in.OrderID)))
	defer span.End()

	out, err := r.refundOrder(ctx, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	r.metrics.refund(ctx, OutcomeCompleted)
	return out, nil
}

func (r *RefundOrchestrator) refundOrder(ctx context.Context, in RefundOrderInput) (*RefundOutcome, error) {
	rf, err := r.prepare(ctx, in.OrderID, in.Amount)
	if err != nil {
		return nil, err
	}

	// a mesma chave enquanto o saldo não muda torna a repetição segura
	key := fmt.Sprintf("refund-%s-%s", rf.order.ID, rf.completed.StringFixed(2))
	result, err := r.callProvider(ctx, rf, key)
	if err != nil {
		return nil, err
	}

	reason := in.Reason
	if reason == "" {
		reason = "admin refund"
	}

	out, err := r.complete(ctx, completion{
		orderID:     rf.order.ID,
		txnID:       &rf.txn.ID,
		userID:      rf.order.UserID,
		method:      rf.order.PaymentMethod,
		currency:    rf.txn.Currency,
		amount:      r.confirmedAmount(rf, result),
		providerRef: result.ID,
		response:    rawResponse(result),
		reason:      reason,
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("✅ [REFUND] Order refunded",
		zap.String("order_id", rf.order.ID),
		zap.String("admin_id", in.AdminID),
		zap.String("amount", out.Amount.String()),
	)
	return out, nil
}

// ReconcileProviderRefund aplica um estorno informado pelo webhook do provedor.
// Um estorno já registrado com a mesma referência não altera nada.
func (r *RefundOrchestrator) ReconcileProviderRefund(ctx context.Context, event providers.RefundEvent) (*RefundOutcome, error) {
	ctx, span := tracer.Start(ctx, "settlement.ReconcileProviderRefund", trace.WithAttributes(
		attribute.String("payment.capture_id", event.CaptureID),
		attribute.String("refund.provider_ref", event.RefundID),
	))
	defer span.End()

	if event.Status != providers.StatusCompleted {
		r.logger.Info("⏭️ [REFUND] Ignoring provider refund that is not completed",
			zap.String("provider_ref", event.RefundID),
			zap.String("status", event.Status),
		)
		r.metrics.refund(ctx, OutcomeIgnored)
		return &RefundOutcome{}, nil
	}
	if !event.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: refund %s amount %s", ErrMalformedProviderPayload, event.RefundID, event.Amount)
	}

	txn, err := r.transactions.FindByCaptureID(ctx, r.db, event.CaptureID)
	if errors.Is(err, transactions.ErrTransactionNotFound) {
		r.logger.Warn("⚠️ [REFUND] Provider refund for unknown capture",
			zap.String("capture_id", event.CaptureID),
			zap.String("provider_ref", event.RefundID),
		)
		r.metrics.refund(ctx, OutcomeIgnored)
		return nil, ErrNoCaptureID
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	var response *string
	if len(event.Raw) > 0 {
		raw := string(event.Raw)
		response = &raw
	}

	currency := event.Currency
	if currency == "" {
		currency = txn.Currency
	}

	out, err := r.complete(ctx, completion{
		orderID:        txn.LocalOrderID,
		txnID:          &txn.ID,
		method:         orders.PaymentMethodPayPal,
		currency:       currency,
		amount:         event.Amount,
		providerRef:    event.RefundID,
		response:       response,
		reason:         "provider refund " + event.EventID,
		capToRemaining: true,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if out.Applied {
		r.logger.Info("✅ [REFUND] Provider refund reconciled",
			zap.String("order_id", txn.LocalOrderID),
			zap.String("provider_ref", event.RefundID),
			zap.String("amount", out.Amount.String()),
		)
		r.metrics.refund(ctx, OutcomeReconciled)
	} else {
		r.metrics.refund(ctx, OutcomeIgnored)
	}
	return out, nil
}

func rawResponse(result *providers.RefundResult) *string {
	if len(result.Raw) == 0 {
		return nil
	}
	raw := string(result.Raw)
	return &raw
}
