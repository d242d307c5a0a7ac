package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pebble-core/pkg/types"
)

// InsertBatch creates a settlement batch and its trade membership rows.
func (q *queries) InsertBatch(b *types.SettlementBatch) error {
	_, err := q.db.Exec(`
		INSERT INTO settlement_batches (id, status, retry_count, last_error, created_at, processed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		b.ID, b.Status, b.RetryCount, b.LastError, fmtTime(b.CreatedAt), nullTime(b.ProcessedAt))
	if err != nil {
		return fmt.Errorf("insert batch %s: %w", b.ID, err)
	}
	for _, tradeID := range b.TradeIDs {
		if _, err := q.db.Exec(`
			INSERT INTO settlement_batch_trades (batch_id, trade_id) VALUES (?, ?)`,
			b.ID, tradeID); err != nil {
			return fmt.Errorf("insert batch trade %s/%s: %w", b.ID, tradeID, err)
		}
	}
	return nil
}

// GetBatch returns a batch with its trade ids.
func (q *queries) GetBatch(id string) (*types.SettlementBatch, error) {
	var (
		b           types.SettlementBatch
		createdAt   string
		processedAt sql.NullString
	)
	err := q.db.QueryRow(`
		SELECT id, status, retry_count, last_error, created_at, processed_at
		FROM settlement_batches WHERE id = ?`, id).
		Scan(&b.ID, &b.Status, &b.RetryCount, &b.LastError, &createdAt, &processedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("batch %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get batch %s: %w", id, err)
	}
	b.CreatedAt = parseTime(createdAt)
	b.ProcessedAt = scanNullTime(processedAt)

	rows, err := q.db.Query(`SELECT trade_id FROM settlement_batch_trades WHERE batch_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get batch trades %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var tradeID string
		if err := rows.Scan(&tradeID); err != nil {
			return nil, fmt.Errorf("scan batch trade: %w", err)
		}
		b.TradeIDs = append(b.TradeIDs, tradeID)
	}
	return &b, rows.Err()
}

// UpdateBatch records the batch's state transition.
func (q *queries) UpdateBatch(id string, status types.BatchStatus, retryCount int, lastError string, processedAt *time.Time) error {
	_, err := q.db.Exec(`
		UPDATE settlement_batches SET status = ?, retry_count = ?, last_error = ?, processed_at = ?
		WHERE id = ?`,
		status, retryCount, lastError, nullTime(processedAt), id)
	if err != nil {
		return fmt.Errorf("update batch %s: %w", id, err)
	}
	return nil
}

// CountBatchesByStatus returns batch counts per state for the health
// snapshot.
func (q *queries) CountBatchesByStatus() (map[types.BatchStatus]int, error) {
	rows, err := q.db.Query(`SELECT status, COUNT(*) FROM settlement_batches GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count batches: %w", err)
	}
	defer rows.Close()

	out := make(map[types.BatchStatus]int)
	for rows.Next() {
		var status types.BatchStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan batch counts: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

// InsertSettlementEvent appends an audit row for a batch phase transition.
func (q *queries) InsertSettlementEvent(batchID, phase, detail string, now time.Time) error {
	_, err := q.db.Exec(`
		INSERT INTO settlement_events (batch_id, phase, detail, created_at)
		VALUES (?, ?, ?, ?)`,
		batchID, phase, detail, fmtTime(now))
	if err != nil {
		return fmt.Errorf("insert settlement event: %w", err)
	}
	return nil
}

// InsertCompensationFailure records a trade whose compensation could not be
// applied; operators resolve these by hand.
func (q *queries) InsertCompensationFailure(f *types.CompensationFailure) error {
	_, err := q.db.Exec(`
		INSERT INTO compensation_failures (batch_id, trade_id, user_id, amount, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		f.BatchID, f.TradeID, f.UserID, f.Amount.String(), f.Reason, fmtTime(f.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert compensation failure: %w", err)
	}
	return nil
}

// ListCompensationFailures returns recorded failures, newest first.
func (q *queries) ListCompensationFailures(limit int) ([]*types.CompensationFailure, error) {
	query := `SELECT id, batch_id, trade_id, user_id, amount, reason, created_at
		FROM compensation_failures ORDER BY id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := q.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list compensation failures: %w", err)
	}
	defer rows.Close()

	var out []*types.CompensationFailure
	for rows.Next() {
		var (
			f         types.CompensationFailure
			amount    string
			createdAt string
		)
		if err := rows.Scan(&f.ID, &f.BatchID, &f.TradeID, &f.UserID, &amount, &f.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("scan compensation failure: %w", err)
		}
		f.Amount = parseDec(amount)
		f.CreatedAt = parseTime(createdAt)
		out = append(out, &f)
	}
	return out, rows.Err()
}
