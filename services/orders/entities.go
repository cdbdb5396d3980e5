package orders

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrOrderNotFound           = errors.New("order not found")
	ErrDuplicatePaymentRef     = errors.New("an order already exists for this payment reference")
	ErrOrderReferenced         = errors.New("order is referenced by a payment transaction")
	ErrInvalidStatus           = errors.New("invalid order status")
	ErrInvalidStatusTransition = errors.New("invalid order status transition")
	ErrInvalidOrder            = errors.New("invalid order")
	ErrNotPickupOrder          = errors.New("order is not a pickup order")
)

// Status do pedido
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusDelivered  = "delivered"
	StatusCollected  = "collected"
	StatusRefunded   = "refunded"
	StatusCancelled  = "cancelled"
)

// Tipos de entrega
const (
	DeliveryTypeDoorstep = "doorstep"
	DeliveryTypePickup   = "pickup"
)

// Métodos de pagamento
const (
	PaymentMethodPayPal = "paypal"
	PaymentMethodNETSQR = "nets_qr"
)

// transitions lista os destinos permitidos para uma alteração administrativa.
// refunded só é alcançado pelo fluxo de reembolso.
var transitions = map[string][]string{
	StatusPending:    {StatusProcessing, StatusDelivered, StatusCollected, StatusCancelled},
	StatusProcessing: {StatusDelivered, StatusCollected, StatusCancelled},
}

// Line é uma linha do pedido, com o preço congelado no momento da compra
type Line struct {
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

// Subtotal retorna quantidade * preço unitário
func (l Line) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Order representa um pedido liquidado
type Order struct {
	ID              string          `json:"id"`
	UserID          *string         `json:"user_id,omitempty"`
	Address         string          `json:"address"`
	DeliveryType    string          `json:"delivery_type"`
	DeliveryFee     decimal.Decimal `json:"delivery_fee"`
	Status          string          `json:"status"`
	Total           decimal.Decimal `json:"total"`
	PaymentMethod   string          `json:"payment_method"`
	PaymentRef      string          `json:"payment_ref"`
	PickupCollected bool            `json:"pickup_collected"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	Lines           []Line          `json:"lines"`
}

// NewOrder cria um pedido pendente com o total calculado a partir das linhas
func NewOrder(id string, userID *string, address, deliveryType string, deliveryFee decimal.Decimal, paymentMethod, paymentRef string, lines []Line) *Order {
	now := time.Now()
	return &Order{
		ID:            id,
		UserID:        userID,
		Address:       address,
		DeliveryType:  deliveryType,
		DeliveryFee:   deliveryFee,
		Status:        StatusPending,
		Total:         Subtotal(lines).Add(deliveryFee),
		PaymentMethod: paymentMethod,
		PaymentRef:    paymentRef,
		CreatedAt:     now,
		UpdatedAt:     now,
		Lines:         lines,
	}
}

// Subtotal soma quantidade * preço de todas as linhas
func Subtotal(lines []Line) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.Subtotal())
	}
	return total
}

// Validate verifica as invariantes do pedido antes de persistir
func (o *Order) Validate() error {
	if len(o.Lines) == 0 {
		return errors.Join(ErrInvalidOrder, errors.New("order has no lines"))
	}
	for _, l := range o.Lines {
		if l.ProductID == "" || l.Quantity <= 0 || l.UnitPrice.IsNegative() {
			return errors.Join(ErrInvalidOrder, errors.New("invalid line for product "+l.ProductID))
		}
	}
	if o.DeliveryFee.IsNegative() {
		return errors.Join(ErrInvalidOrder, errors.New("delivery fee cannot be negative"))
	}
	if !o.Total.Equal(Subtotal(o.Lines).Add(o.DeliveryFee)) {
		return errors.Join(ErrInvalidOrder, errors.New("total does not match lines plus delivery fee"))
	}
	if o.PaymentRef == "" {
		return errors.Join(ErrInvalidOrder, errors.New("payment reference is required"))
	}
	return nil
}

// BelongsTo indica se o pedido é do usuário informado
func (o *Order) BelongsTo(userID string) bool {
	return o.UserID != nil && userID != "" && *o.UserID == userID
}

// Open indica se o pedido ainda não chegou a um estado terminal
func (o *Order) Open() bool {
	return o.Status == StatusPending || o.Status == StatusProcessing
}

// ValidStatus indica se o status é conhecido
func ValidStatus(status string) bool {
	switch status {
	case StatusPending, StatusProcessing, StatusDelivered, StatusCollected, StatusRefunded, StatusCancelled:
		return true
	}
	return false
}

// CanTransition indica se um administrador pode mover o pedido de from para to
func CanTransition(from, to string) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Invoice é a visão consumida pelo gerador de notas
type Invoice struct {
	Order       *Order          `json:"order"`
	Lines       []Line          `json:"lines"`
	Subtotal    decimal.Decimal `json:"subtotal"`
	DeliveryFee decimal.Decimal `json:"delivery_fee"`
	Total       decimal.Decimal `json:"total"`
	Refunded    decimal.Decimal `json:"refunded"`
	Balance     decimal.Decimal `json:"balance"`
}

// NewInvoice monta a nota de um pedido considerando o valor já reembolsado
func NewInvoice(order *Order, refunded decimal.Decimal) Invoice {
	return Invoice{
		Order:       order,
		Lines:       order.Lines,
		Subtotal:    Subtotal(order.Lines),
		DeliveryFee: order.DeliveryFee,
		Total:       order.Total,
		Refunded:    refunded,
		Balance:     order.Total.Sub(refunded),
	}
}
