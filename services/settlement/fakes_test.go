package settlement

import (
	"context"
	"errors"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/matheusmosca/checkout-settlement/pkg/postgres"
	"github.com/matheusmosca/checkout-settlement/services/cart"
	"github.com/matheusmosca/checkout-settlement/services/inventory"
	"github.com/matheusmosca/checkout-settlement/services/orders"
	"github.com/matheusmosca/checkout-settlement/services/providers"
	"github.com/matheusmosca/checkout-settlement/services/refunds"
	"github.com/matheusmosca/checkout-settlement/services/transactions"
)

// state é o "banco" em memória usado pelos testes
type state struct {
	stock   map[string]int
	orders  map[string]*orders.Order
	txns    []*transactions.Transaction
	refunds []*refunds.Refund
}

func newState() *state {
	return &state{
		stock:  map[string]int{},
		orders: map[string]*orders.Order{},
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.stock {
		c.stock[k] = v
	}
	for k, v := range s.orders {
		o := *v
		c.orders[k] = &o
	}
	for _, t := range s.txns {
		cp := *t
		c.txns = append(c.txns, &cp)
	}
	for _, r := range s.refunds {
		cp := *r
		c.refunds = append(c.refunds, &cp)
	}
	return c
}

// memDB implementa postgres.DB; cada transação tira um snapshot do estado e
// o rollback devolve o estado ao snapshot
type memDB struct {
	st        *state
	commitErr error
	begins    int
	commits   int
	rollbacks int
}

func newMemDB() *memDB {
	return &memDB{st: newState()}
}

func (db *memDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (db *memDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not supported in memory")
}

func (db *memDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return nil
}

func (db *memDB) BeginTx(ctx context.Context) (postgres.Tx, error) {
	db.begins++
	return &memTx{memDB: db, snapshot: db.st.clone()}, nil
}

type memTx struct {
	*memDB
	snapshot *state
	done     bool
}

func (tx *memTx) Commit(ctx context.Context) error {
	if tx.done {
		return pgx.ErrTxClosed
	}
	if tx.commitErr != nil {
		return tx.commitErr
	}
	tx.done = true
	tx.commits++
	return nil
}

func (tx *memTx) Rollback(ctx context.Context) error {
	if tx.done {
		return nil
	}
	tx.done = true
	tx.rollbacks++
	*tx.st = *tx.snapshot
	return nil
}

func (db *memDB) order(id string) *orders.Order {
	return db.st.orders[id]
}

func (db *memDB) refundsFor(orderID string) []*refunds.Refund {
	var out []*refunds.Refund
	for _, r := range db.st.refunds {
		if r.OrderID == orderID {
			out = append(out, r)
		}
	}
	return out
}

// inventoryRepo é o repositório de estoque em memória
type inventoryRepo struct {
	db *memDB
}

func (r *inventoryRepo) ReduceQuantity(ctx context.Context, q postgres.Querier, productID string, amount int, orderID string) error {
	current, ok := r.db.st.stock[productID]
	if !ok {
		return inventory.ErrProductNotFound
	}
	if current < amount {
		return inventory.ErrInsufficientStock
	}
	r.db.st.stock[productID] = current - amount
	return nil
}

func (r *inventoryRepo) IncreaseQuantity(ctx context.Context, q postgres.Querier, productID string, amount int, orderID string) error {
	if _, ok := r.db.st.stock[productID]; !ok {
		return inventory.ErrProductNotFound
	}
	r.db.st.stock[productID] += amount
	return nil
}

func (r *inventoryRepo) GetProduct(ctx context.Context, q postgres.Querier, productID string) (*inventory.Product, error) {
	qty, ok := r.db.st.stock[productID]
	if !ok {
		return nil, inventory.ErrProductNotFound
	}
	return &inventory.Product{ID: productID, Quantity: qty}, nil
}

func (r *inventoryRepo) DeleteProduct(ctx context.Context, q postgres.Querier, productID string) error {
	for _, o := range r.db.st.orders {
		for _, l := range o.Lines {
			if l.ProductID == productID {
				return inventory.ErrProductPurchased
			}
		}
	}
	if _, ok := r.db.st.stock[productID]; !ok {
		return inventory.ErrProductNotFound
	}
	delete(r.db.st.stock, productID)
	return nil
}

// orderRepo é o repositório de pedidos em memória
type orderRepo struct {
	db        *memDB
	createErr error
}

func (r *orderRepo) Create(ctx context.Context, q postgres.Querier, order *orders.Order) error {
	if r.createErr != nil {
		return r.createErr
	}
	for _, o := range r.db.st.orders {
		if o.PaymentRef == order.PaymentRef {
			return orders.ErrDuplicatePaymentRef
		}
	}
	cp := *order
	r.db.st.orders[order.ID] = &cp
	return nil
}

func (r *orderRepo) GetByID(ctx context.Context, q postgres.Querier, id string) (*orders.Order, error) {
	o, ok := r.db.st.orders[id]
	if !ok {
		return nil, orders.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (r *orderRepo) GetByIDForUpdate(ctx context.Context, q postgres.Querier, id string) (*orders.Order, error) {
	return r.GetByID(ctx, q, id)
}

func (r *orderRepo) FindByPaymentRef(ctx context.Context, q postgres.Querier, paymentRef string) (*orders.Order, error) {
	for _, o := range r.db.st.orders {
		if o.PaymentRef == paymentRef {
			cp := *o
			return &cp, nil
		}
	}
	return nil, orders.ErrOrderNotFound
}

func (r *orderRepo) ListByUser(ctx context.Context, q postgres.Querier, userID string) ([]*orders.Order, error) {
	var out []*orders.Order
	for _, o := range r.db.st.orders {
		if o.BelongsTo(userID) {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *orderRepo) ListAll(ctx context.Context, q postgres.Querier) ([]*orders.Order, error) {
	var out []*orders.Order
	for _, o := range r.db.st.orders {
		cp := *o
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *orderRepo) UpdateStatus(ctx context.Context, q postgres.Querier, id, status string) error {
	o, ok := r.db.st.orders[id]
	if !ok {
		return orders.ErrOrderNotFound
	}
	o.Status = status
	return nil
}

func (r *orderRepo) UpdatePickupCollected(ctx context.Context, q postgres.Querier, id string, collected bool) error {
	o, ok := r.db.st.orders[id]
	if !ok {
		return orders.ErrOrderNotFound
	}
	o.PickupCollected = collected
	return nil
}

func (r *orderRepo) Delete(ctx context.Context, q postgres.Querier, id string) error {
	for _, t := range r.db.st.txns {
		if t.LocalOrderID == id {
			return orders.ErrOrderReferenced
		}
	}
	if _, ok := r.db.st.orders[id]; !ok {
		return orders.ErrOrderNotFound
	}
	delete(r.db.st.orders, id)
	return nil
}

// transactionRepo é o ledger de transações em memória
type transactionRepo struct {
	db        *memDB
	createErr error
}

func (r *transactionRepo) Create(ctx context.Context, q postgres.Querier, t *transactions.Transaction) error {
	if r.createErr != nil {
		return r.createErr
	}
	for _, existing := range r.db.st.txns {
		if existing.ProviderCaptureID == t.ProviderCaptureID {
			return transactions.ErrDuplicateCapture
		}
	}
	cp := *t
	r.db.st.txns = append(r.db.st.txns, &cp)
	return nil
}

func (r *transactionRepo) FindByOrderID(ctx context.Context, q postgres.Querier, orderID string) (*transactions.Transaction, error) {
	for i := len(r.db.st.txns) - 1; i >= 0; i-- {
		if r.db.st.txns[i].LocalOrderID == orderID {
			cp := *r.db.st.txns[i]
			return &cp, nil
		}
	}
	return nil, transactions.ErrTransactionNotFound
}

func (r *transactionRepo) FindByCaptureID(ctx context.Context, q postgres.Querier, captureID string) (*transactions.Transaction, error) {
	for _, t := range r.db.st.txns {
		if t.ProviderCaptureID == captureID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, transactions.ErrTransactionNotFound
}

// refundRepo é o ledger de reembolsos em memória
type refundRepo struct {
	db *memDB
}

func (r *refundRepo) find(match func(*refunds.Refund) bool) (*refunds.Refund, error) {
	for i := len(r.db.st.refunds) - 1; i >= 0; i-- {
		if match(r.db.st.refunds[i]) {
			cp := *r.db.st.refunds[i]
			return &cp, nil
		}
	}
	return nil, refunds.ErrRefundNotFound
}

func (r *refundRepo) Create(ctx context.Context, q postgres.Querier, refund *refunds.Refund) error {
	if !refund.Amount.IsPositive() {
		return refunds.ErrInvalidAmount
	}
	cp := *refund
	r.db.st.refunds = append(r.db.st.refunds, &cp)
	return nil
}

func (r *refundRepo) GetByID(ctx context.Context, q postgres.Querier, id string) (*refunds.Refund, error) {
	return r.find(func(rf *refunds.Refund) bool { return rf.ID == id })
}

func (r *refundRepo) GetPending(ctx context.Context, q postgres.Querier) ([]refunds.PendingRefund, error) {
	var out []refunds.PendingRefund
	for i := len(r.db.st.refunds) - 1; i >= 0; i-- {
		rf := r.db.st.refunds[i]
		if rf.Status != refunds.StatusRequested {
			continue
		}
		p := refunds.PendingRefund{Refund: *rf}
		if o, ok := r.db.st.orders[rf.OrderID]; ok {
			p.OrderUserID = o.UserID
			p.OrderTotal = o.Total
		}
		out = append(out, p)
	}
	return out, nil
}

func (r *refundRepo) SumCompletedByOrder(ctx context.Context, q postgres.Querier, orderID string) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, rf := range r.db.st.refunds {
		if rf.OrderID == orderID && rf.Status == refunds.StatusCompleted {
			total = total.Add(rf.Amount)
		}
	}
	return total, nil
}

func (r *refundRepo) UpdateStatus(ctx context.Context, q postgres.Querier, id, status string, providerRef, providerResponse *string) error {
	for _, rf := range r.db.st.refunds {
		if rf.ID != id {
			continue
		}
		if rf.Status == status {
			return nil
		}
		if rf.Status != refunds.StatusRequested {
			return refunds.ErrRefundNotPending
		}
		rf.Status = status
		if providerRef != nil {
			rf.ProviderRef = providerRef
		}
		if providerResponse != nil {
			rf.ProviderResponse = providerResponse
		}
		return nil
	}
	return refunds.ErrRefundNotFound
}

func (r *refundRepo) CompleteRequestedByOrderID(ctx context.Context, q postgres.Querier, orderID, status string, providerRef, providerResponse *string) (int64, error) {
	var n int64
	for _, rf := range r.db.st.refunds {
		if rf.OrderID == orderID && rf.Status == refunds.StatusRequested {
			rf.Status = status
			rf.ProviderRef = providerRef
			rf.ProviderResponse = providerResponse
			n++
		}
	}
	return n, nil
}

func (r *refundRepo) FindRequestedByOrderID(ctx context.Context, q postgres.Querier, orderID string) (*refunds.Refund, error) {
	return r.find(func(rf *refunds.Refund) bool {
		return rf.OrderID == orderID && rf.Status == refunds.StatusRequested
	})
}

func (r *refundRepo) FindByProviderRef(ctx context.Context, q postgres.Querier, providerRef string) (*refunds.Refund, error) {
	return r.find(func(rf *refunds.Refund) bool {
		return rf.ProviderRef != nil && *rf.ProviderRef == providerRef
	})
}

func (r *refundRepo) SetAmount(ctx context.Context, q postgres.Querier, id string, amount decimal.Decimal) error {
	for _, rf := range r.db.st.refunds {
		if rf.ID == id {
			if rf.Status != refunds.StatusRequested {
				return refunds.ErrRefundNotPending
			}
			rf.Amount = amount
			return nil
		}
	}
	return refunds.ErrRefundNotFound
}

func (r *refundRepo) SetReason(ctx context.Context, q postgres.Querier, id, reason string) error {
	for _, rf := range r.db.st.refunds {
		if rf.ID == id {
			if rf.Status != refunds.StatusRequested {
				return refunds.ErrRefundNotPending
			}
			rf.Reason = reason
			return nil
		}
	}
	return refunds.ErrRefundNotFound
}

// cartClearer registra quais carrinhos foram limpos
type cartClearer struct {
	err     error
	cleared []cart.Owner
}

func (c *cartClearer) Clear(ctx context.Context, owner cart.Owner) error {
	if c.err != nil {
		return c.err
	}
	c.cleared = append(c.cleared, owner)
	return nil
}

// MockRefunder simula o provedor de pagamento
type MockRefunder struct {
	mock.Mock
}

func (m *MockRefunder) RefundCapture(ctx context.Context, req providers.RefundRequest) (*providers.RefundResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*providers.RefundResult), args.Error(1)
}

// fixture monta todos os use cases sobre o mesmo banco em memória
type fixture struct {
	db           *memDB
	inventory    *inventoryRepo
	orders       *orderRepo
	transactions *transactionRepo
	refunds      *refundRepo
	carts        *cartClearer
	provider     *MockRefunder

	settlement *Orchestrator
	refunder   *RefundOrchestrator
	admin      *OrderAdmin
}

func newFixture() *fixture {
	db := newMemDB()
	f := &fixture{
		db:           db,
		inventory:    &inventoryRepo{db: db},
		orders:       &orderRepo{db: db},
		transactions: &transactionRepo{db: db},
		refunds:      &refundRepo{db: db},
		carts:        &cartClearer{},
		provider:     new(MockRefunder),
	}

	logger := zap.NewNop()
	metrics, err := NewMetrics(noop.NewMeterProvider().Meter("test"))
	if err != nil {
		panic(err)
	}
	ledger := inventory.NewLedger(f.inventory, logger)

	f.settlement = NewOrchestrator(db, ledger, f.orders, f.transactions, f.carts, metrics, logger)
	f.refunder = NewRefundOrchestrator(db, f.orders, f.transactions, f.refunds, f.provider, metrics, logger)
	f.admin = NewOrderAdmin(db, ledger, f.orders, f.refunds, logger)
	return f
}

func strPtr(s string) *string {
	return &s
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

// seedPaidOrder grava um pedido PayPal já liquidado com sua transação
func (f *fixture) seedPaidOrder(id, userID string, total decimal.Decimal) *orders.Order {
	order := orders.NewOrder(id, strPtr(userID), "1 Main St", orders.DeliveryTypeDoorstep, decimal.Zero,
		orders.PaymentMethodPayPal, "CAP-"+id,
		[]orders.Line{{ProductID: "p1", ProductName: "Apple", Quantity: 1, UnitPrice: total}},
	)
	f.db.st.orders[id] = order
	f.db.st.txns = append(f.db.st.txns, &transactions.Transaction{
		ID:                "txn-" + id,
		LocalOrderID:      id,
		Provider:          providers.ProviderPayPal,
		ProviderOrderID:   "PP-" + id,
		ProviderCaptureID: "CAP-" + id,
		Amount:            total,
		Currency:          "SGD",
		Status:            providers.StatusCompleted,
	})
	return order
}

func (f *fixture) seedRefund(id, orderID, status string, amount decimal.Decimal) *refunds.Refund {
	refund := refunds.NewRefund(id, orderID, strPtr("txn-"+orderID), nil, amount, "SGD", orders.PaymentMethodPayPal, status)
	if status == refunds.StatusCompleted {
		refund.ProviderRef = strPtr("PREV-" + id)
	}
	f.db.st.refunds = append(f.db.st.refunds, refund)
	return refund
}
