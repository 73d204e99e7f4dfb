package orders

import "context"

// Ledger is the persistent side of checkout: orders, stock, carts and the
// event outbox. Everything that must commit together runs inside InTx.
type Ledger interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	FindOrder(ctx context.Context, id int64) (*Order, error)
	FindOrderByNumber(ctx context.Context, number string) (*Order, error)
	ListOrdersByUser(ctx context.Context, userID int64) ([]Order, error)
	ListOrders(ctx context.Context) ([]Order, error)
}

// Tx is a single transactional unit of work. A non-nil error returned from
// the InTx callback discards every write made through Tx.
type Tx interface {
	// CartLines returns ErrCartNotFound when the user has no cart.
	CartLines(ctx context.Context, userID int64) ([]CartLine, error)
	ClearCart(ctx context.Context, userID int64) error

	// LockProducts locks the given products until the transaction ends.
	// Missing ids are absent from the result.
	LockProducts(ctx context.Context, ids []int64) (map[int64]Product, error)
	// ReserveStock decrements stock only if it stays non-negative.
	ReserveStock(ctx context.Context, productID int64, qty int) error

	// SaveOrder inserts the order and its items, filling in generated ids.
	SaveOrder(ctx context.Context, o *Order) error
	// UpdateOrder writes status fields if o.Version still matches the stored
	// row, then bumps o.Version. A mismatch yields ErrConcurrentUpdate.
	UpdateOrder(ctx context.Context, o *Order) error

	Enqueue(ctx context.Context, topic string, ev Envelope) error
}
