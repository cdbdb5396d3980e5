package refunds

import (
	"context"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockQuerier simula o pool/transação do PostgreSQL
type MockQuerier struct {
	mock.Mock
}

func (m *MockQuerier) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}

func (m *MockQuerier) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	return nil, args.Error(1)
}

func (m *MockQuerier) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgx.Row)
}

type statusRow struct {
	status string
	err    error
}

func (r statusRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*string)) = r.status
	return nil
}

func sqlContains(fragment string) any {
	return mock.MatchedBy(func(sql string) bool { return strings.Contains(sql, fragment) })
}

func TestUpdateStatus_TransitionsRequested(t *testing.T) {
	q := new(MockQuerier)
	q.On("Exec", mock.Anything, sqlContains("status = 'requested'"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil).Once()

	err := NewRepository().UpdateStatus(context.Background(), q, "r-1", StatusCompleted, nil, nil)

	require.NoError(t, err)
	q.AssertNotCalled(t, "QueryRow", mock.Anything, mock.Anything, mock.Anything)
}

func TestUpdateStatus_SameTerminalStatusIsNoop(t *testing.T) {
	// Arrange
	q := new(MockQuerier)
	q.On("Exec", mock.Anything, mock.Anything, mock.Anything).Return(pgconn.NewCommandTag("UPDATE 0"), nil).Once()
	q.On("QueryRow", mock.Anything, sqlContains("SELECT status"), mock.Anything).
		Return(statusRow{status: StatusRejected}).Once()

	// Act
	err := NewRepository().UpdateStatus(context.Background(), q, "r-1", StatusRejected, nil, nil)

	// Assert
	assert.NoError(t, err)
}

func TestUpdateStatus_OtherTerminalStatusFails(t *testing.T) {
	q := new(MockQuerier)
	q.On("Exec", mock.Anything, mock.Anything, mock.Anything).Return(pgconn.NewCommandTag("UPDATE 0"), nil).Once()
	q.On("QueryRow", mock.Anything, sqlContains("SELECT status"), mock.Anything).
		Return(statusRow{status: StatusCompleted}).Once()

	err := NewRepository().UpdateStatus(context.Background(), q, "r-1", StatusRejected, nil, nil)

	assert.ErrorIs(t, err, ErrRefundNotPending)
}

func TestUpdateStatus_Unknown(t *testing.T) {
	q := new(MockQuerier)
	q.On("Exec", mock.Anything, mock.Anything, mock.Anything).Return(pgconn.NewCommandTag("UPDATE 0"), nil).Once()
	q.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).Return(statusRow{err: pgx.ErrNoRows}).Once()

	err := NewRepository().UpdateStatus(context.Background(), q, "missing", StatusCompleted, nil, nil)

	assert.ErrorIs(t, err, ErrRefundNotFound)
}

func TestUpdateStatus_RejectsNonTerminalStatus(t *testing.T) {
	q := new(MockQuerier)

	err := NewRepository().UpdateStatus(context.Background(), q, "r-1", StatusRequested, nil, nil)

	assert.ErrorIs(t, err, ErrInvalidStatus)
	q.AssertNotCalled(t, "Exec", mock.Anything, mock.Anything, mock.Anything)
}

func TestCompleteRequestedByOrderID_ReturnsAffectedRows(t *testing.T) {
	q := new(MockQuerier)
	ref := "REFUND-1"
	q.On("Exec", mock.Anything, sqlContains("WHERE order_id = $4"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 2"), nil).Once()

	n, err := NewRepository().CompleteRequestedByOrderID(context.Background(), q, "order-1", StatusCompleted, &ref, nil)

	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestSetReason_OnlyRequested(t *testing.T) {
	q := new(MockQuerier)
	q.On("Exec", mock.Anything, sqlContains("SET reason"), []any{"rejected: outside window", "r-1"}).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil).Once()
	q.On("Exec", mock.Anything, sqlContains("SET reason"), []any{"late", "r-2"}).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil).Once()

	require.NoError(t, NewRepository().SetReason(context.Background(), q, "r-1", "rejected: outside window"))
	assert.ErrorIs(t, NewRepository().SetReason(context.Background(), q, "r-2", "late"), ErrRefundNotPending)
	q.AssertExpectations(t)
}
