package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repo is the Postgres Ledger.
type Repo struct{ DB *pgxpool.Pool }

var _ Ledger = (*Repo)(nil)

// uniq index dari migration 000002
const paymentReferenceIndex = "idx_orders_payment_reference"

// referenceTaken maps the unique payment reference violation onto the
// domain error; anything else comes back unchanged.
func referenceTaken(err error, o *Order) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == paymentReferenceIndex {
		return fmt.Errorf("%w: payment reference %s already belongs to another order", ErrInvalidStateTransition, o.Reference())
	}
	return err
}

func (r *Repo) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const orderColumns = `id, order_number, user_id, total_amount, shipping_address, payment_method,
	status, payment_status, payment_reference, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*Order, error) {
	var o Order
	var status, paymentStatus string
	if err := row.Scan(&o.ID, &o.OrderNumber, &o.UserID, &o.TotalAmount, &o.ShippingAddress, &o.PaymentMethod,
		&status, &paymentStatus, &o.PaymentReference, &o.Version, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.Status = Status(status)
	o.PaymentStatus = PaymentStatus(paymentStatus)
	return &o, nil
}

func (r *Repo) FindOrder(ctx context.Context, id int64) (*Order, error) {
	return r.findOne(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, id)
}

func (r *Repo) FindOrderByNumber(ctx context.Context, number string) (*Order, error) {
	return r.findOne(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_number=$1`, number)
}

func (r *Repo) findOne(ctx context.Context, query string, arg any) (*Order, error) {
	o, err := scanOrder(r.DB.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := r.attachItems(ctx, []*Order{o}); err != nil {
		return nil, err
	}
	return o, nil
}

func (r *Repo) ListOrdersByUser(ctx context.Context, userID int64) ([]Order, error) {
	return r.list(ctx, `SELECT `+orderColumns+` FROM orders WHERE user_id=$1 ORDER BY created_at DESC, id DESC`, userID)
}

func (r *Repo) ListOrders(ctx context.Context) ([]Order, error) {
	return r.list(ctx, `SELECT `+orderColumns+` FROM orders ORDER BY created_at DESC, id DESC`)
}

func (r *Repo) list(ctx context.Context, query string, args ...any) ([]Order, error) {
	rows, err := r.DB.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var ptrs []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		ptrs = append(ptrs, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := r.attachItems(ctx, ptrs); err != nil {
		return nil, err
	}
	out := make([]Order, 0, len(ptrs))
	for _, o := range ptrs {
		out = append(out, *o)
	}
	return out, nil
}

// attachItems loads items for all given orders in one query.
func (r *Repo) attachItems(ctx context.Context, list []*Order) error {
	if len(list) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(list))
	byID := make(map[int64]*Order, len(list))
	for _, o := range list {
		ids = append(ids, o.ID)
		byID[o.ID] = o
		o.Items = []OrderItem{}
	}
	rows, err := r.DB.Query(ctx, `
		SELECT id, order_id, product_id, product_name, quantity, price
		FROM order_items WHERE order_id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var it OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.ProductName, &it.Quantity, &it.Price); err != nil {
			return err
		}
		if o, ok := byID[it.OrderID]; ok {
			o.Items = append(o.Items, it)
		}
	}
	return rows.Err()
}

type pgTx struct{ tx pgx.Tx }

func (t *pgTx) CartLines(ctx context.Context, userID int64) ([]CartLine, error) {
	// lock cart row: checkout paralel utk user yg sama harus antri
	var cartID int64
	err := t.tx.QueryRow(ctx, `SELECT id FROM shopping_carts WHERE user_id=$1 FOR UPDATE`, userID).Scan(&cartID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCartNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := t.tx.Query(ctx, `SELECT id, product_id, quantity, price FROM cart_items WHERE cart_id=$1 ORDER BY id`, cartID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CartLine
	for rows.Next() {
		var l CartLine
		if err := rows.Scan(&l.ID, &l.ProductID, &l.Quantity, &l.Price); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (t *pgTx) ClearCart(ctx context.Context, userID int64) error {
	_, err := t.tx.Exec(ctx, `
		DELETE FROM cart_items
		WHERE cart_id IN (SELECT id FROM shopping_carts WHERE user_id=$1)`, userID)
	return err
}

func (t *pgTx) SaveOrder(ctx context.Context, o *Order) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO orders(order_number, user_id, total_amount, shipping_address, payment_method,
		                   status, payment_status, payment_reference, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING id, version`,
		o.OrderNumber, o.UserID, o.TotalAmount, o.ShippingAddress, o.PaymentMethod,
		string(o.Status), string(o.PaymentStatus), o.PaymentReference, o.CreatedAt, o.UpdatedAt,
	).Scan(&o.ID, &o.Version)
	if err != nil {
		return fmt.Errorf("insert order: %w", referenceTaken(err, o))
	}

	for i := range o.Items {
		it := &o.Items[i]
		it.OrderID = o.ID
		if err := t.tx.QueryRow(ctx, `
			INSERT INTO order_items(order_id, product_id, product_name, quantity, price, created_at)
			VALUES ($1,$2,$3,$4,$5,$6)
			RETURNING id`,
			it.OrderID, it.ProductID, it.ProductName, it.Quantity, it.Price, o.CreatedAt,
		).Scan(&it.ID); err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}
	return nil
}

func (t *pgTx) UpdateOrder(ctx context.Context, o *Order) error {
	ct, err := t.tx.Exec(ctx, `
		UPDATE orders
		SET status=$3, payment_status=$4, payment_reference=$5, updated_at=$6, version=version+1
		WHERE id=$1 AND version=$2`,
		o.ID, o.Version, string(o.Status), string(o.PaymentStatus), o.PaymentReference, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update order: %w", referenceTaken(err, o))
	}
	if ct.RowsAffected() == 1 {
		o.Version++
		return nil
	}

	var exists bool
	if err := t.tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE id=$1)`, o.ID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrOrderNotFound
	}
	return ErrConcurrentUpdate
}

func (t *pgTx) Enqueue(ctx context.Context, topic string, ev Envelope) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO outbox(event_id, topic, key, payload)
		VALUES ($1,$2,$3,$4)`, ev.EventID, topic, ev.CorrelationID, b)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", ev.EventType, err)
	}
	return nil
}
