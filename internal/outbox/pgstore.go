package outbox

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore reads the outbox table filled by orders.Tx.Enqueue.
type PGStore struct{ DB *pgxpool.Pool }

var _ Store = (*PGStore)(nil)

// Batch locks up to limit unsent rows with SKIP LOCKED, so several relays
// can run side by side without publishing the same row twice.
func (s *PGStore) Batch(ctx context.Context, limit int, fn func(ctx context.Context, recs []Record) []Outcome) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT id, event_id::text, topic, key, payload, attempts
		FROM outbox
		WHERE sent_at IS NULL
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return fmt.Errorf("fetch outbox: %w", err)
	}
	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var r Record
		err := row.Scan(&r.ID, &r.EventID, &r.Topic, &r.Key, &r.Payload, &r.Attempts)
		return r, err
	})
	if err != nil {
		return fmt.Errorf("scan outbox: %w", err)
	}
	if len(recs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, o := range fn(ctx, recs) {
		switch {
		case o.Skipped:
		case o.Err != nil:
			batch.Queue(`UPDATE outbox SET attempts = attempts + 1, last_error = $2 WHERE id = $1`, o.ID, o.Err.Error())
		default:
			batch.Queue(`UPDATE outbox SET sent_at = now(), attempts = attempts + 1, last_error = NULL WHERE id = $1`, o.ID)
		}
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("mark outbox: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
