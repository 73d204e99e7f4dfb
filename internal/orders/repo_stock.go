package orders

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"
)

// LockProducts: lock stok per product (FOR UPDATE), urut id supaya dua
// checkout yg overlap tidak deadlock.
func (t *pgTx) LockProducts(ctx context.Context, ids []int64) (map[int64]Product, error) {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	rows, err := t.tx.Query(ctx, `
		SELECT id, name, price, stock_quantity
		FROM products WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE`, sorted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64]Product, len(sorted))
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Price, &p.Stock); err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

// ReserveStock is a compare-and-decrement: the row only changes when enough
// stock remains, so the counter can never go negative.
func (t *pgTx) ReserveStock(ctx context.Context, productID int64, qty int) error {
	if qty <= 0 {
		return fmt.Errorf("%w: invalid qty %d for product %d", ErrValidation, qty, productID)
	}
	ct, err := t.tx.Exec(ctx, `
		UPDATE products SET stock_quantity = stock_quantity - $2, updated_at = now()
		WHERE id=$1 AND stock_quantity >= $2`, productID, qty)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 1 {
		return nil
	}

	var stock int
	err = t.tx.QueryRow(ctx, `SELECT stock_quantity FROM products WHERE id=$1`, productID).Scan(&stock)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %d", ErrProductNotFound, productID)
	}
	if err != nil {
		return err
	}
	return &InsufficientStockError{ProductID: productID, Requested: qty, Available: stock}
}
