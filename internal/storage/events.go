package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"ambulance/internal/dispatch"
)

// The outbox doubles as the per-booking event history.

const outboxSelect = `SELECT id, booking_id, channel, kind, target, payload, created_at, sent_at FROM outbox`

func scanOutbox(rows pgx.Rows) ([]dispatch.OutboxMessage, error) {
	defer rows.Close()
	var out []dispatch.OutboxMessage
	for rows.Next() {
		var m dispatch.OutboxMessage
		if err := rows.Scan(&m.ID, &m.BookingID, &m.Channel, &m.Kind, &m.Target, &m.Payload, &m.CreatedAt, &m.SentAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *Postgres) ListOutbox(ctx context.Context, bookingID string, limit, offset int) ([]dispatch.OutboxMessage, error) {
	rows, err := p.pool.Query(ctx, outboxSelect+`
WHERE booking_id = $1
ORDER BY created_at ASC, id
LIMIT NULLIF($2::int, 0) OFFSET $3`, bookingID, limit, offset)
	if err != nil {
		return nil, err
	}
	return scanOutbox(rows)
}

func (t *pgTx) AppendOutbox(ctx context.Context, msgs ...dispatch.OutboxMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, m := range msgs {
		batch.Queue(`
INSERT INTO outbox (id, booking_id, channel, kind, target, payload, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)`, m.ID, m.BookingID, m.Channel, m.Kind, m.Target, []byte(m.Payload), m.CreatedAt)
	}
	return t.tx.SendBatch(ctx, batch).Close()
}

// PendingOutbox skips rows another relay already holds.
func (t *pgTx) PendingOutbox(ctx context.Context, limit int) ([]dispatch.OutboxMessage, error) {
	rows, err := t.tx.Query(ctx, outboxSelect+`
WHERE sent_at IS NULL
ORDER BY created_at, id
LIMIT $1
FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, err
	}
	return scanOutbox(rows)
}

func (t *pgTx) MarkOutboxSent(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := t.tx.Exec(ctx, `UPDATE outbox SET sent_at = $2 WHERE id = ANY($1)`, ids, at)
	return err
}
