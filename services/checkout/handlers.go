package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/matheusmosca/checkout-settlement/services/cart"
	"github.com/matheusmosca/checkout-settlement/services/inventory"
	"github.com/matheusmosca/checkout-settlement/services/orders"
	"github.com/matheusmosca/checkout-settlement/services/providers"
	"github.com/matheusmosca/checkout-settlement/services/refunds"
	"github.com/matheusmosca/checkout-settlement/services/settlement"
)

// Cabeçalhos de identidade preenchidos pelo gateway
const (
	headerUserID    = "X-User-ID"
	headerUserRole  = "X-User-Role"
	headerSessionID = "X-Session-ID"
	roleAdmin       = "admin"
)

// CartReader lê o carrinho atual do cliente
type CartReader interface {
	Snapshot(ctx context.Context, owner cart.Owner) (cart.Snapshot, error)
}

// QuoteStore guarda o valor cotado para cada QR code emitido
type QuoteStore interface {
	Save(ctx context.Context, ref string, quote cart.Quote) error
	Get(ctx context.Context, ref string) (cart.Quote, error)
}

// Settler liquida um pagamento confirmado
type Settler interface {
	Settle(ctx context.Context, req settlement.SettleRequest) (*settlement.SettleResult, error)
}

// RefundUseCase define os fluxos de reembolso
type RefundUseCase interface {
	RequestRefund(ctx context.Context, in settlement.RequestRefundInput) (*refunds.Refund, error)
	ApproveRefund(ctx context.Context, refundID, adminID string) (*settlement.RefundOutcome, error)
	RejectRefund(ctx context.Context, refundID, adminID, reason string) (*refunds.Refund, error)
	RefundOrder(ctx context.Context, in settlement.RefundOrderInput) (*settlement.RefundOutcome, error)
	ReconcileProviderRefund(ctx context.Context, event providers.RefundEvent) (*settlement.RefundOutcome, error)
}

// OrderUseCase define as consultas e alterações de pedidos
type OrderUseCase interface {
	GetOrder(ctx context.Context, orderID string, viewer settlement.Viewer) (*orders.Order, error)
	Invoice(ctx context.Context, orderID string, viewer settlement.Viewer) (*orders.Invoice, error)
	UserOrders(ctx context.Context, userID string) ([]*orders.Order, error)
	ListOrders(ctx context.Context) ([]*orders.Order, error)
	PendingRefunds(ctx context.Context) ([]refunds.PendingRefund, error)
	UpdateStatus(ctx context.Context, orderID, status string) (*orders.Order, error)
	MarkPickupCollected(ctx context.Context, orderID string) (*orders.Order, error)
	DeleteOrder(ctx context.Context, orderID string) error
	DeleteProduct(ctx context.Context, productID string) error
}

// PayPalGateway é o que os handlers usam do PayPal
type PayPalGateway interface {
	CreateOrder(ctx context.Context, amount decimal.Decimal, currency string) (string, error)
	CaptureOrder(ctx context.Context, providerOrderID string) (providers.Confirmation, error)
	VerifyWebhook(ctx context.Context, headers http.Header, body []byte) error
}

// NETSGateway é o que os handlers usam do NETS QR
type NETSGateway interface {
	RequestQR(ctx context.Context, amount decimal.Decimal) (*providers.QRCode, error)
	QueryStatus(ctx context.Context, ref string, frontendTimeout bool) (providers.NETSStatus, error)
	AwaitPayment(ctx context.Context, ref string, onPoll func(attempt int, status providers.NETSStatus)) (providers.NETSStatus, error)
}

// Handler contém os handlers HTTP
type Handler struct {
	carts    CartReader
	quotes   QuoteStore
	settler  Settler
	refunds  RefundUseCase
	orders   OrderUseCase
	paypal   PayPalGateway
	nets     NETSGateway
	currency string
	logger   *zap.Logger
}

// NewHandler cria uma nova instância de Handler
func NewHandler(
	carts CartReader,
	quotes QuoteStore,
	settler Settler,
	refundUseCase RefundUseCase,
	orderUseCase OrderUseCase,
	paypal PayPalGateway,
	nets NETSGateway,
	currency string,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		carts:    carts,
		quotes:   quotes,
		settler:  settler,
		refunds:  refundUseCase,
		orders:   orderUseCase,
		paypal:   paypal,
		nets:     nets,
		currency: currency,
		logger:   logger,
	}
}

// Register registra as rotas no router
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/health", h.HealthCheck)

	checkout := r.Group("/api/checkout")
	checkout.POST("/paypal/orders", h.CreatePayPalOrder)
	checkout.POST("/paypal/capture", h.CapturePayPalOrder)
	checkout.POST("/nets/qr", h.RequestNETSQR)
	checkout.GET("/nets/status/:ref", h.StreamNETSStatus)
	checkout.POST("/nets/complete", h.CompleteNETSPayment)

	user := r.Group("/api/orders", requireUser)
	user.GET("", h.ListUserOrders)
	user.GET("/:id", h.GetOrder)
	user.GET("/:id/invoice", h.GetInvoice)
	user.POST("/:id/refunds", h.RequestRefund)

	admin := r.Group("/api/admin", requireUser, requireAdmin)
	admin.GET("/orders", h.ListAllOrders)
	admin.PATCH("/orders/:id/status", h.UpdateOrderStatus)
	admin.POST("/orders/:id/pickup", h.MarkPickupCollected)
	admin.DELETE("/orders/:id", h.DeleteOrder)
	admin.POST("/orders/:id/refund", h.RefundOrder)
	admin.GET("/refunds", h.ListPendingRefunds)
	admin.POST("/refunds/:id/approve", h.ApproveRefund)
	admin.POST("/refunds/:id/reject", h.RejectRefund)
	admin.DELETE("/products/:id", h.DeleteProduct)

	r.POST("/api/webhooks/paypal", h.PayPalWebhook)
}

func requireUser(c *gin.Context) {
	if c.GetHeader(headerUserID) == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	c.Next()
}

func requireAdmin(c *gin.Context) {
	if c.GetHeader(headerUserRole) != roleAdmin {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin role required"})
		return
	}
	c.Next()
}

func owner(c *gin.Context) cart.Owner {
	return cart.Owner{
		UserID:    c.GetHeader(headerUserID),
		SessionID: c.GetHeader(headerSessionID),
	}
}

func viewer(c *gin.Context) settlement.Viewer {
	return settlement.Viewer{
		UserID: c.GetHeader(headerUserID),
		Admin:  c.GetHeader(headerUserRole) == roleAdmin,
	}
}

// statusFor mapeia os erros de domínio para status HTTP
func statusFor(err error) int {
	var providerErr *providers.ProviderError
	switch {
	case errors.Is(err, settlement.ErrPaymentNotCompleted):
		return http.StatusPaymentRequired
	case errors.Is(err, settlement.ErrEmptyCart),
		errors.Is(err, settlement.ErrInvalidCheckout),
		errors.Is(err, cart.ErrNoOwner),
		errors.Is(err, refunds.ErrInvalidAmount),
		errors.Is(err, orders.ErrInvalidStatus):
		return http.StatusBadRequest
	case errors.Is(err, settlement.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, orders.ErrOrderNotFound),
		errors.Is(err, cart.ErrQuoteNotFound),
		errors.Is(err, refunds.ErrRefundNotFound),
		errors.Is(err, inventory.ErrProductNotFound):
		return http.StatusNotFound
	case errors.Is(err, settlement.ErrInsufficientStock),
		errors.Is(err, settlement.ErrAmountMismatch),
		errors.Is(err, settlement.ErrRefundAlreadyRequested),
		errors.Is(err, settlement.ErrNothingToRefund),
		errors.Is(err, settlement.ErrRefundExceedsBalance),
		errors.Is(err, refunds.ErrRefundNotPending),
		errors.Is(err, orders.ErrInvalidStatusTransition),
		errors.Is(err, orders.ErrOrderReferenced),
		errors.Is(err, orders.ErrNotPickupOrder),
		errors.Is(err, inventory.ErrProductPurchased):
		return http.StatusConflict
	case errors.Is(err, settlement.ErrRefundNotSupported),
		errors.Is(err, settlement.ErrNoCaptureID):
		return http.StatusUnprocessableEntity
	case errors.Is(err, settlement.ErrProviderRefundFailure),
		errors.Is(err, settlement.ErrMalformedProviderPayload),
		errors.As(err, &providerErr):
		return http.StatusBadGateway
	case errors.Is(err, providers.ErrPaymentTimeout):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway && status != http.StatusGatewayTimeout {
		h.logger.Error("❌ Request failed", zap.String("path", c.FullPath()), zap.Error(err))
		_ = c.Error(err)
		c.JSON(status, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// HealthCheck verifica se o serviço está funcionando
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "checkout"})
}

// CheckoutRequest são os dados de entrega enviados no checkout
type CheckoutRequest struct {
	Address      string          `json:"address"`
	DeliveryType string          `json:"delivery_type"`
	DeliveryFee  decimal.Decimal `json:"delivery_fee"`
}

func (r CheckoutRequest) validate() error {
	if r.DeliveryFee.IsNegative() {
		return fmt.Errorf("%w: delivery fee cannot be negative", settlement.ErrInvalidCheckout)
	}
	return nil
}

// CaptureRequest confirma um pedido aprovado no PayPal
type CaptureRequest struct {
	CheckoutRequest
	OrderID string `json:"order_id" binding:"required"`
}

// NETSCompleteRequest confirma um pagamento NETS QR
type NETSCompleteRequest struct {
	CheckoutRequest
	TxnRetrievalRef string `json:"txn_retrieval_ref" binding:"required"`
}

// cartTotal é o valor a cobrar: subtotal do carrinho mais a entrega
func (h *Handler) cartTotal(c *gin.Context, req CheckoutRequest) (decimal.Decimal, error) {
	if err := req.validate(); err != nil {
		return decimal.Zero, err
	}
	snapshot, err := h.carts.Snapshot(c.Request.Context(), owner(c))
	if err != nil {
		return decimal.Zero, err
	}
	if snapshot.Empty() {
		return decimal.Zero, settlement.ErrEmptyCart
	}
	return snapshot.Subtotal().Add(req.DeliveryFee), nil
}

func (h *Handler) settle(c *gin.Context, conf providers.Confirmation, snapshot cart.Snapshot, req CheckoutRequest, quoted *decimal.Decimal) {
	result, err := h.settler.Settle(c.Request.Context(), settlement.SettleRequest{
		Confirmation:  conf,
		Cart:          snapshot,
		Owner:         owner(c),
		Address:       req.Address,
		DeliveryType:  req.DeliveryType,
		DeliveryFee:   req.DeliveryFee,
		PaymentMethod: settlement.PaymentMethodFor(conf.Provider),
		ExpectedTotal: quoted,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

// CreatePayPalOrder cria o pedido no PayPal pelo total do carrinho mais a entrega
func (h *Handler) CreatePayPalOrder(c *gin.Context) {
	var req CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	amount, err := h.cartTotal(c, req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	id, err := h.paypal.CreateOrder(c.Request.Context(), amount, h.currency)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": id, "amount": amount, "currency": h.currency})
}

// CapturePayPalOrder captura o pedido aprovado e liquida o carrinho
func (h *Handler) CapturePayPalOrder(c *gin.Context) {
	var req CaptureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conf, err := h.paypal.CaptureOrder(c.Request.Context(), req.OrderID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	snapshot, err := h.carts.Snapshot(c.Request.Context(), owner(c))
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.settle(c, conf, snapshot, req.CheckoutRequest, nil)
}

// RequestNETSQR gera o QR code NETS para o total do carrinho mais a entrega
func (h *Handler) RequestNETSQR(c *gin.Context) {
	var req CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	amount, err := h.cartTotal(c, req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	qr, err := h.nets.RequestQR(c.Request.Context(), amount)
	if err != nil {
		h.writeError(c, err)
		return
	}

	if err := h.quotes.Save(c.Request.Context(), qr.TxnRetrievalRef, cart.Quote{Owner: owner(c), Amount: amount}); err != nil {
		h.logger.Error("❌ [NETS] Failed to store payment quote", zap.String("txn_retrieval_ref", qr.TxnRetrievalRef), zap.Error(err))
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, qr)
}

// StreamNETSStatus envia por SSE cada consulta de status até o pagamento
// terminar ou as tentativas acabarem
func (h *Handler) StreamNETSStatus(c *gin.Context) {
	ref := c.Param("ref")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	final, err := h.nets.AwaitPayment(c.Request.Context(), ref, func(attempt int, status providers.NETSStatus) {
		c.SSEvent("status", gin.H{"attempt": attempt, "status": status.Status, "response_code": status.ResponseCode})
		c.Writer.Flush()
	})

	switch {
	case errors.Is(err, providers.ErrPaymentTimeout):
		c.SSEvent("timeout", gin.H{"txn_retrieval_ref": ref, "error": err.Error()})
	case errors.Is(err, context.Canceled):
		h.logger.Info("🔌 [NETS] Client closed status stream", zap.String("txn_retrieval_ref", ref))
		return
	case err != nil:
		h.logger.Warn("⚠️ [NETS] Status polling failed", zap.String("txn_retrieval_ref", ref), zap.Error(err))
		c.SSEvent("error", gin.H{"txn_retrieval_ref": ref, "error": err.Error()})
	default:
		c.SSEvent(final.Status, final)
	}
	c.Writer.Flush()
}

// CompleteNETSPayment confirma o status no NETS pelo servidor e liquida o
// carrinho pelo valor cotado na emissão do QR code
func (h *Handler) CompleteNETSPayment(c *gin.Context) {
	var req NETSCompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := req.validate(); err != nil {
		h.writeError(c, err)
		return
	}

	ctx := c.Request.Context()
	quote, err := h.quotes.Get(ctx, req.TxnRetrievalRef)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if quote.Owner != owner(c) {
		h.logger.Warn("⛔ [NETS] Payment reference belongs to another cart", zap.String("txn_retrieval_ref", req.TxnRetrievalRef))
		h.writeError(c, settlement.ErrForbidden)
		return
	}

	status, err := h.nets.QueryStatus(ctx, req.TxnRetrievalRef, false)
	if err != nil {
		h.writeError(c, err)
		return
	}

	// o carrinho já pode ter sido limpo por uma liquidação anterior
	snapshot, err := h.carts.Snapshot(ctx, quote.Owner)
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.settle(c, status.Confirmation(quote.Amount, h.currency), snapshot, req.CheckoutRequest, &quote.Amount)
}

// ListUserOrders lista os pedidos do usuário autenticado
func (h *Handler) ListUserOrders(c *gin.Context) {
	list, err := h.orders.UserOrders(c.Request.Context(), c.GetHeader(headerUserID))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": list})
}

// GetOrder retorna um pedido do usuário
func (h *Handler) GetOrder(c *gin.Context) {
	order, err := h.orders.GetOrder(c.Request.Context(), c.Param("id"), viewer(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// GetInvoice retorna a nota do pedido
func (h *Handler) GetInvoice(c *gin.Context) {
	invoice, err := h.orders.Invoice(c.Request.Context(), c.Param("id"), viewer(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, invoice)
}

// RefundBody é o corpo dos pedidos de reembolso
type RefundBody struct {
	Amount *decimal.Decimal `json:"amount"`
	Reason string           `json:"reason"`
}

// RequestRefund registra o pedido de reembolso do cliente
func (h *Handler) RequestRefund(c *gin.Context) {
	var body RefundBody
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	refund, err := h.refunds.RequestRefund(c.Request.Context(), settlement.RequestRefundInput{
		OrderID: c.Param("id"),
		UserID:  c.GetHeader(headerUserID),
		Amount:  body.Amount,
		Reason:  body.Reason,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, refund)
}

// ListAllOrders lista todos os pedidos
func (h *Handler) ListAllOrders(c *gin.Context) {
	list, err := h.orders.ListOrders(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": list})
}

// UpdateOrderStatus altera o status de um pedido
func (h *Handler) UpdateOrderStatus(c *gin.Context) {
	var body struct {
		Status string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	order, err := h.orders.UpdateStatus(c.Request.Context(), c.Param("id"), body.Status)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// MarkPickupCollected registra a retirada do pedido
func (h *Handler) MarkPickupCollected(c *gin.Context) {
	order, err := h.orders.MarkPickupCollected(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// DeleteOrder remove um pedido
func (h *Handler) DeleteOrder(c *gin.Context) {
	if err := h.orders.DeleteOrder(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RefundOrder reembolsa o pedido direto no provedor
func (h *Handler) RefundOrder(c *gin.Context) {
	var body RefundBody
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	out, err := h.refunds.RefundOrder(c.Request.Context(), settlement.RefundOrderInput{
		OrderID: c.Param("id"),
		AdminID: c.GetHeader(headerUserID),
		Amount:  body.Amount,
		Reason:  body.Reason,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// ListPendingRefunds lista os reembolsos aguardando decisão
func (h *Handler) ListPendingRefunds(c *gin.Context) {
	pending, err := h.orders.PendingRefunds(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refunds": pending})
}

// ApproveRefund aprova e executa um reembolso solicitado
func (h *Handler) ApproveRefund(c *gin.Context) {
	out, err := h.refunds.ApproveRefund(c.Request.Context(), c.Param("id"), c.GetHeader(headerUserID))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// RejectRefund recusa um reembolso solicitado
func (h *Handler) RejectRefund(c *gin.Context) {
	var body RefundBody
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	refund, err := h.refunds.RejectRefund(c.Request.Context(), c.Param("id"), c.GetHeader(headerUserID), body.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, refund)
}

// DeleteProduct remove um produto nunca comprado
func (h *Handler) DeleteProduct(c *gin.Context) {
	if err := h.orders.DeleteProduct(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// PayPalWebhook reconcilia estornos feitos direto no PayPal. Eventos que não
// dizem respeito a este serviço recebem 200 para o PayPal não reenviar.
func (h *Handler) PayPalWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.paypal.VerifyWebhook(c.Request.Context(), c.Request.Header, body); err != nil {
		h.logger.Warn("⛔ [WEBHOOK] Rejected", zap.Error(err))
		switch {
		case errors.Is(err, providers.ErrWebhookNotConfigured):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		case errors.Is(err, providers.ErrInvalidWebhookSignature), errors.Is(err, providers.ErrMalformedPayload):
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		default:
			h.writeError(c, err)
		}
		return
	}

	event, err := providers.DecodeRefundEvent(body)
	if errors.Is(err, providers.ErrUnsupportedWebhookEvent) {
		c.JSON(http.StatusOK, gin.H{"ignored": true})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	out, err := h.refunds.ReconcileProviderRefund(c.Request.Context(), event)
	if errors.Is(err, settlement.ErrNoCaptureID) {
		c.JSON(http.StatusOK, gin.H{"ignored": true})
		return
	}
	if err != nil {
		h.logger.Error("❌ [WEBHOOK] Reconciliation failed", zap.String("event_id", event.EventID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"applied": out.Applied})
}
