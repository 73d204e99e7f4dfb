package mocks

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
)

// MockLedger is an in-memory orders.Ledger. Transactions are serialized
// and rolled back by restoring a snapshot when the callback fails.
type MockLedger struct {
	mu sync.Mutex

	nextOrderID int64
	nextItemID  int64
	products    map[int64]orders.Product
	carts       map[int64][]orders.CartLine // user id -> lines
	rows        map[int64]*orders.Order
	outbox      []OutboxRecord

	// For tracking calls in tests
	TxCalls       int
	CommitCount   int
	RollbackCount int
	UpdateCalls   int

	// Failure injection
	SaveOrderErr error
	EnqueueErr   error
}

// OutboxRecord is an enqueued event.
type OutboxRecord struct {
	Topic    string
	Envelope orders.Envelope
}

func NewMockLedger() *MockLedger {
	return &MockLedger{
		products: make(map[int64]orders.Product),
		carts:    make(map[int64][]orders.CartLine),
		rows:     make(map[int64]*orders.Order),
	}
}

// ---- seeding & inspection helpers ----

func (m *MockLedger) SeedProduct(p orders.Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[p.ID] = p
}

// SeedCart creates the user's cart (possibly empty) with the given lines.
func (m *MockLedger) SeedCart(userID int64, lines ...orders.CartLine) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]orders.CartLine, len(lines))
	copy(cp, lines)
	m.carts[userID] = cp
}

// SeedOrder stores o as-is, assigning an id when it has none.
func (m *MockLedger) SeedOrder(o *orders.Order) *orders.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.ID == 0 {
		m.nextOrderID++
		o.ID = m.nextOrderID
	} else if o.ID > m.nextOrderID {
		m.nextOrderID = o.ID
	}
	if o.Version == 0 {
		o.Version = 1
	}
	m.rows[o.ID] = o.Clone()
	return o.Clone()
}

func (m *MockLedger) Product(id int64) (orders.Product, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	return p, ok
}

func (m *MockLedger) Cart(userID int64) ([]orders.CartLine, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lines, ok := m.carts[userID]
	return append([]orders.CartLine(nil), lines...), ok
}

func (m *MockLedger) Order(id int64) (*orders.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.rows[id]
	if !ok {
		return nil, false
	}
	return o.Clone(), true
}

func (m *MockLedger) OrderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func (m *MockLedger) Outbox() []OutboxRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]OutboxRecord(nil), m.outbox...)
}

// MutateOrder simulates a concurrent writer: fn runs against the stored row
// and the version is bumped.
func (m *MockLedger) MutateOrder(id int64, fn func(o *orders.Order)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.rows[id]; ok {
		fn(o)
		o.Version++
	}
}

// ---- orders.Ledger ----

type snapshot struct {
	nextOrderID int64
	nextItemID  int64
	products    map[int64]orders.Product
	carts       map[int64][]orders.CartLine
	rows        map[int64]*orders.Order
	outboxLen   int
}

func (m *MockLedger) snapshot() snapshot {
	s := snapshot{
		nextOrderID: m.nextOrderID,
		nextItemID:  m.nextItemID,
		products:    make(map[int64]orders.Product, len(m.products)),
		carts:       make(map[int64][]orders.CartLine, len(m.carts)),
		rows:        make(map[int64]*orders.Order, len(m.rows)),
		outboxLen:   len(m.outbox),
	}
	for k, v := range m.products {
		s.products[k] = v
	}
	for k, v := range m.carts {
		s.carts[k] = append([]orders.CartLine(nil), v...)
	}
	for k, v := range m.rows {
		s.rows[k] = v.Clone()
	}
	return s
}

func (m *MockLedger) restore(s snapshot) {
	m.nextOrderID = s.nextOrderID
	m.nextItemID = s.nextItemID
	m.products = s.products
	m.carts = s.carts
	m.rows = s.rows
	m.outbox = m.outbox[:s.outboxLen]
}

func (m *MockLedger) InTx(ctx context.Context, fn func(ctx context.Context, tx orders.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TxCalls++

	snap := m.snapshot()
	if err := fn(ctx, &memTx{m: m}); err != nil {
		m.restore(snap)
		m.RollbackCount++
		return err
	}
	m.CommitCount++
	return nil
}

func (m *MockLedger) FindOrder(ctx context.Context, id int64) (*orders.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.rows[id]
	if !ok {
		return nil, orders.ErrOrderNotFound
	}
	return o.Clone(), nil
}

func (m *MockLedger) FindOrderByNumber(ctx context.Context, number string) (*orders.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.rows {
		if o.OrderNumber == number {
			return o.Clone(), nil
		}
	}
	return nil, orders.ErrOrderNotFound
}

func (m *MockLedger) ListOrdersByUser(ctx context.Context, userID int64) ([]orders.Order, error) {
	return m.list(func(o *orders.Order) bool { return o.UserID == userID }), nil
}

func (m *MockLedger) ListOrders(ctx context.Context) ([]orders.Order, error) {
	return m.list(func(*orders.Order) bool { return true }), nil
}

func (m *MockLedger) list(keep func(o *orders.Order) bool) []orders.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []orders.Order{}
	for _, o := range m.rows {
		if keep(o) {
			out = append(out, *o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

// memTx runs with m.mu held by InTx.
type memTx struct{ m *MockLedger }

func (t *memTx) CartLines(ctx context.Context, userID int64) ([]orders.CartLine, error) {
	lines, ok := t.m.carts[userID]
	if !ok {
		return nil, orders.ErrCartNotFound
	}
	return append([]orders.CartLine(nil), lines...), nil
}

func (t *memTx) ClearCart(ctx context.Context, userID int64) error {
	if _, ok := t.m.carts[userID]; ok {
		t.m.carts[userID] = nil
	}
	return nil
}

func (t *memTx) LockProducts(ctx context.Context, ids []int64) (map[int64]orders.Product, error) {
	out := make(map[int64]orders.Product, len(ids))
	for _, id := range ids {
		if p, ok := t.m.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (t *memTx) ReserveStock(ctx context.Context, productID int64, qty int) error {
	if qty <= 0 {
		return fmt.Errorf("%w: invalid qty %d", orders.ErrValidation, qty)
	}
	p, ok := t.m.products[productID]
	if !ok {
		return fmt.Errorf("%w: %d", orders.ErrProductNotFound, productID)
	}
	if p.Stock < qty {
		return &orders.InsufficientStockError{ProductID: productID, Requested: qty, Available: p.Stock}
	}
	p.Stock -= qty
	t.m.products[productID] = p
	return nil
}

func (t *memTx) SaveOrder(ctx context.Context, o *orders.Order) error {
	if t.m.SaveOrderErr != nil {
		return t.m.SaveOrderErr
	}
	if err := t.referenceTaken(o); err != nil {
		return err
	}
	t.m.nextOrderID++
	o.ID = t.m.nextOrderID
	o.Version = 1
	for i := range o.Items {
		t.m.nextItemID++
		o.Items[i].ID = t.m.nextItemID
		o.Items[i].OrderID = o.ID
	}
	t.m.rows[o.ID] = o.Clone()
	return nil
}

func (t *memTx) UpdateOrder(ctx context.Context, o *orders.Order) error {
	t.m.UpdateCalls++
	cur, ok := t.m.rows[o.ID]
	if !ok {
		return orders.ErrOrderNotFound
	}
	if cur.Version != o.Version {
		return orders.ErrConcurrentUpdate
	}
	if err := t.referenceTaken(o); err != nil {
		return err
	}
	o.Version++
	cur.Status = o.Status
	cur.PaymentStatus = o.PaymentStatus
	cur.PaymentReference = o.Clone().PaymentReference
	cur.UpdatedAt = o.UpdatedAt
	cur.Version = o.Version
	return nil
}

// referenceTaken mirrors the unique index on orders.payment_reference.
func (t *memTx) referenceTaken(o *orders.Order) error {
	ref := o.Reference()
	if ref == "" {
		return nil
	}
	for id, row := range t.m.rows {
		if id != o.ID && row.Reference() == ref {
			return fmt.Errorf("%w: payment reference %s already belongs to another order", orders.ErrInvalidStateTransition, ref)
		}
	}
	return nil
}

func (t *memTx) Enqueue(ctx context.Context, topic string, ev orders.Envelope) error {
	if t.m.EnqueueErr != nil {
		return t.m.EnqueueErr
	}
	t.m.outbox = append(t.m.outbox, OutboxRecord{Topic: topic, Envelope: ev})
	return nil
}
