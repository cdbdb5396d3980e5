package settlement

import (
	"errors"

	"github.com/matheusmosca/checkout-settlement/services/inventory"
	"github.com/matheusmosca/checkout-settlement/services/providers"
)

var (
	ErrPaymentNotCompleted           = errors.New("payment not completed")
	ErrEmptyCart                     = errors.New("cart is empty")
	ErrInsufficientStock             = inventory.ErrInsufficientStock
	ErrOrderPersistenceFailure       = errors.New("failed to persist order")
	ErrTransactionPersistenceFailure = errors.New("failed to record payment transaction")
	ErrMalformedProviderPayload      = providers.ErrMalformedPayload
	ErrInvalidCheckout               = errors.New("invalid checkout request")
	ErrAmountMismatch                = errors.New("cart total does not match the amount paid")

	ErrNoCaptureID            = errors.New("order has no captured payment to refund")
	ErrNothingToRefund        = errors.New("nothing left to refund")
	ErrProviderRefundFailure  = errors.New("payment provider refund failed")
	ErrRefundNotSupported     = errors.New("refunds are not supported for this payment method")
	ErrRefundAlreadyRequested = errors.New("a refund is already pending for this order")
	ErrRefundExceedsBalance   = errors.New("refund exceeds remaining balance")
	ErrForbidden              = errors.New("order does not belong to user")
)
