package inventory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/matheusmosca/checkout-settlement/pkg/postgres"
)

// MockRepository simula o repositório de inventário
type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) ReduceQuantity(ctx context.Context, q postgres.Querier, productID string, amount int, orderID string) error {
	args := m.Called(ctx, q, productID, amount, orderID)
	return args.Error(0)
}

func (m *MockRepository) IncreaseQuantity(ctx context.Context, q postgres.Querier, productID string, amount int, orderID string) error {
	args := m.Called(ctx, q, productID, amount, orderID)
	return args.Error(0)
}

func (m *MockRepository) GetProduct(ctx context.Context, q postgres.Querier, productID string) (*Product, error) {
	args := m.Called(ctx, q, productID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Product), args.Error(1)
}

func (m *MockRepository) DeleteProduct(ctx context.Context, q postgres.Querier, productID string) error {
	args := m.Called(ctx, q, productID)
	return args.Error(0)
}

func TestLedgerReserve_AllLines(t *testing.T) {
	// Arrange
	repo := new(MockRepository)
	ledger := NewLedger(repo, zap.NewNop())
	lines := []Reservation{{ProductID: "p1", Quantity: 2}, {ProductID: "p2", Quantity: 1}}

	repo.On("ReduceQuantity", mock.Anything, mock.Anything, "p1", 2, "order-1").Return(nil).Once()
	repo.On("ReduceQuantity", mock.Anything, mock.Anything, "p2", 1, "order-1").Return(nil).Once()

	// Act
	err := ledger.Reserve(context.Background(), nil, "order-1", lines)

	// Assert
	require.NoError(t, err)
	repo.AssertExpectations(t)
	repo.AssertNotCalled(t, "IncreaseQuantity", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestLedgerReserve_ReleasesReservedLinesOnFailure(t *testing.T) {
	// Arrange
	repo := new(MockRepository)
	ledger := NewLedger(repo, zap.NewNop())
	lines := []Reservation{
		{ProductID: "p1", Quantity: 2},
		{ProductID: "p2", Quantity: 1},
		{ProductID: "p3", Quantity: 5},
	}

	repo.On("ReduceQuantity", mock.Anything, mock.Anything, "p1", 2, "order-1").Return(nil).Once()
	repo.On("ReduceQuantity", mock.Anything, mock.Anything, "p2", 1, "order-1").Return(nil).Once()
	repo.On("ReduceQuantity", mock.Anything, mock.Anything, "p3", 5, "order-1").Return(ErrInsufficientStock).Once()

	var released []string
	repo.On("IncreaseQuantity", mock.Anything, mock.Anything, mock.Anything, mock.Anything, "order-1").
		Run(func(args mock.Arguments) { released = append(released, args.String(2)) }).
		Return(nil)

	// Act
	err := ledger.Reserve(context.Background(), nil, "order-1", lines)

	// Assert
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientStock)

	var reservationErr *ReservationError
	require.True(t, errors.As(err, &reservationErr))
	assert.Equal(t, "p3", reservationErr.ProductID)

	assert.Equal(t, []string{"p2", "p1"}, released)
	repo.AssertCalled(t, "IncreaseQuantity", mock.Anything, mock.Anything, "p1", 2, "order-1")
	repo.AssertCalled(t, "IncreaseQuantity", mock.Anything, mock.Anything, "p2", 1, "order-1")
}

func TestLedgerReserve_FirstLineFailsReleasesNothing(t *testing.T) {
	// Arrange
	repo := new(MockRepository)
	ledger := NewLedger(repo, zap.NewNop())

	repo.On("ReduceQuantity", mock.Anything, mock.Anything, "p1", 3, "order-1").Return(ErrInsufficientStock).Once()

	// Act
	err := ledger.Reserve(context.Background(), nil, "order-1", []Reservation{{ProductID: "p1", Quantity: 3}})

	// Assert
	assert.ErrorIs(t, err, ErrInsufficientStock)
	repo.AssertNotCalled(t, "IncreaseQuantity", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestLedgerRelease_ReportsRestoreFailures(t *testing.T) {
	// Arrange
	repo := new(MockRepository)
	ledger := NewLedger(repo, zap.NewNop())
	restoreErr := errors.New("connection reset")

	repo.On("IncreaseQuantity", mock.Anything, mock.Anything, "p2", 1, "order-1").Return(restoreErr).Once()
	repo.On("IncreaseQuantity", mock.Anything, mock.Anything, "p1", 2, "order-1").Return(nil).Once()

	// Act
	err := ledger.Release(context.Background(), nil, "order-1", []Reservation{
		{ProductID: "p1", Quantity: 2},
		{ProductID: "p2", Quantity: 1},
	})

	// Assert
	assert.ErrorIs(t, err, restoreErr)
	repo.AssertExpectations(t)
}

func TestLedgerDeleteProduct(t *testing.T) {
	// Arrange
	repo := new(MockRepository)
	ledger := NewLedger(repo, zap.NewNop())
	repo.On("GetProduct", mock.Anything, mock.Anything, "p1").Return(&Product{ID: "p1", Name: "Apple", Quantity: 3}, nil).Once()
	repo.On("DeleteProduct", mock.Anything, mock.Anything, "p1").Return(nil).Once()

	// Act
	err := ledger.DeleteProduct(context.Background(), nil, "p1")

	// Assert
	require.NoError(t, err)
	repo.AssertExpectations(t)
}

func TestLedgerDeleteProduct_UnknownProduct(t *testing.T) {
	// Arrange
	repo := new(MockRepository)
	ledger := NewLedger(repo, zap.NewNop())
	repo.On("GetProduct", mock.Anything, mock.Anything, "p404").Return(nil, ErrProductNotFound).Once()

	// Act
	err := ledger.DeleteProduct(context.Background(), nil, "p404")

	// Assert
	assert.ErrorIs(t, err, ErrProductNotFound)
	repo.AssertNotCalled(t, "DeleteProduct", mock.Anything, mock.Anything, mock.Anything)
}
