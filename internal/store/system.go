package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"pebble-core/pkg/types"
)

const keyLastProcessedOffset = "last_processed_offset"

// GetLastProcessedOffset returns the event-stream checkpoint; zero when no
// events have ever been processed.
func (q *queries) GetLastProcessedOffset() (int64, error) {
	var raw string
	err := q.db.QueryRow(`SELECT value FROM system_state WHERE key = ?`, keyLastProcessedOffset).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get last processed offset: %w", err)
	}
	offset, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse last processed offset %q: %w", raw, err)
	}
	return offset, nil
}

// SetLastProcessedOffset advances the checkpoint. The guard keeps it
// monotonic: a replayed transaction can never move it backwards.
func (q *queries) SetLastProcessedOffset(offset int64) error {
	_, err := q.db.Exec(`
		INSERT INTO system_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
		WHERE CAST(excluded.value AS INTEGER) > CAST(system_state.value AS INTEGER)`,
		keyLastProcessedOffset, strconv.FormatInt(offset, 10))
	if err != nil {
		return fmt.Errorf("set last processed offset: %w", err)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Idempotency cache
// ————————————————————————————————————————————————————————————————————————

// IdempotencyState is the lookup outcome for a (user, key) pair.
type IdempotencyState int

const (
	// IdempotencyMiss means the key has never been seen (or expired).
	IdempotencyMiss IdempotencyState = iota
	// IdempotencyPending means the key is reserved but the operation has not
	// recorded its response yet: a concurrent duplicate is in flight.
	IdempotencyPending
	// IdempotencyHit means a cached response exists.
	IdempotencyHit
)

// LookupIdempotency checks the cache for (user, key). Expired entries read
// as misses.
func (q *queries) LookupIdempotency(userID, key string, now time.Time) (IdempotencyState, []byte, error) {
	var (
		response  sql.NullString
		expiresAt string
	)
	err := q.db.QueryRow(`
		SELECT response, expires_at FROM idempotency_cache WHERE user_id = ? AND key = ?`,
		userID, key).Scan(&response, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return IdempotencyMiss, nil, nil
	}
	if err != nil {
		return IdempotencyMiss, nil, fmt.Errorf("lookup idempotency: %w", err)
	}
	if parseTime(expiresAt).Before(now) {
		return IdempotencyMiss, nil, nil
	}
	if !response.Valid {
		return IdempotencyPending, nil, nil
	}
	return IdempotencyHit, []byte(response.String), nil
}

// ReserveIdempotency claims (user, key) before the operation runs, so a
// concurrent duplicate sees a pending entry rather than executing twice.
// Returns false when the key is already held and unexpired.
func (q *queries) ReserveIdempotency(userID, key string, expiresAt time.Time) (bool, error) {
	res, err := q.db.Exec(`
		INSERT INTO idempotency_cache (user_id, key, response, expires_at)
		VALUES (?, ?, NULL, ?)
		ON CONFLICT(user_id, key) DO UPDATE SET response = NULL, expires_at = excluded.expires_at
		WHERE idempotency_cache.expires_at < ?`,
		userID, key, fmtTime(expiresAt), fmtTime(time.Now().UTC()))
	if err != nil {
		return false, fmt.Errorf("reserve idempotency: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// StoreIdempotencyResponse records the response for a reserved key.
func (q *queries) StoreIdempotencyResponse(userID, key string, response []byte) error {
	_, err := q.db.Exec(`
		UPDATE idempotency_cache SET response = ? WHERE user_id = ? AND key = ?`,
		string(response), userID, key)
	if err != nil {
		return fmt.Errorf("store idempotency response: %w", err)
	}
	return nil
}

// ReleaseIdempotency drops a reservation after a failed operation so the
// client can retry with the same key.
func (q *queries) ReleaseIdempotency(userID, key string) error {
	_, err := q.db.Exec(`
		DELETE FROM idempotency_cache WHERE user_id = ? AND key = ? AND response IS NULL`,
		userID, key)
	if err != nil {
		return fmt.Errorf("release idempotency: %w", err)
	}
	return nil
}

// PruneIdempotency deletes expired entries.
func (q *queries) PruneIdempotency(now time.Time) (int64, error) {
	res, err := q.db.Exec(`DELETE FROM idempotency_cache WHERE expires_at < ?`, fmtTime(now))
	if err != nil {
		return 0, fmt.Errorf("prune idempotency: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ————————————————————————————————————————————————————————————————————————
// Reconciliation history
// ————————————————————————————————————————————————————————————————————————

// InsertReconciliationRecord appends one audit row from a reconciliation
// sweep.
func (q *queries) InsertReconciliationRecord(r *types.ReconciliationRecord) error {
	reconciled := 0
	if r.Reconciled {
		reconciled = 1
	}
	_, err := q.db.Exec(`
		INSERT INTO reconciliation_history
			(user_id, previous_available, previous_locked, onchain_available,
			 onchain_locked, drift, relative_drift, reconciled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.UserID, r.PreviousAvailable.String(), r.PreviousLocked.String(),
		r.OnchainAvailable.String(), r.OnchainLocked.String(),
		r.Drift.String(), r.RelativeDrift.String(), reconciled, fmtTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert reconciliation record: %w", err)
	}
	return nil
}

// ListReconciliationHistory returns audit rows for a user, newest first.
func (q *queries) ListReconciliationHistory(userID string, limit int) ([]*types.ReconciliationRecord, error) {
	query := `SELECT id, user_id, previous_available, previous_locked, onchain_available,
		onchain_locked, drift, relative_drift, reconciled, created_at
		FROM reconciliation_history WHERE user_id = ? ORDER BY id DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := q.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list reconciliation history: %w", err)
	}
	defer rows.Close()

	var out []*types.ReconciliationRecord
	for rows.Next() {
		var (
			r                        types.ReconciliationRecord
			prevA, prevL, onA, onL   string
			drift, relDrift          string
			reconciled               int
			createdAt                string
		)
		if err := rows.Scan(&r.ID, &r.UserID, &prevA, &prevL, &onA, &onL,
			&drift, &relDrift, &reconciled, &createdAt); err != nil {
			return nil, fmt.Errorf("scan reconciliation record: %w", err)
		}
		r.PreviousAvailable = parseDec(prevA)
		r.PreviousLocked = parseDec(prevL)
		r.OnchainAvailable = parseDec(onA)
		r.OnchainLocked = parseDec(onL)
		r.Drift = parseDec(drift)
		r.RelativeDrift = parseDec(relDrift)
		r.Reconciled = reconciled != 0
		r.CreatedAt = parseTime(createdAt)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// ————————————————————————————————————————————————————————————————————————
// Faucet
// ————————————————————————————————————————————————————————————————————————

// InsertFaucetRequest records a faucet grant.
func (q *queries) InsertFaucetRequest(userID string, amount decimal.Decimal, now time.Time) error {
	_, err := q.db.Exec(`
		INSERT INTO faucet_requests (user_id, amount, created_at) VALUES (?, ?, ?)`,
		userID, amount.String(), fmtTime(now))
	if err != nil {
		return fmt.Errorf("insert faucet request: %w", err)
	}
	return nil
}

// SumFaucetSince totals a user's faucet grants since the cutoff, for the
// daily cap.
func (q *queries) SumFaucetSince(userID string, since time.Time) (decimal.Decimal, error) {
	rows, err := q.db.Query(`
		SELECT amount FROM faucet_requests WHERE user_id = ? AND created_at >= ?`,
		userID, fmtTime(since))
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum faucet: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var amount string
		if err := rows.Scan(&amount); err != nil {
			return decimal.Zero, fmt.Errorf("scan faucet amount: %w", err)
		}
		total = total.Add(parseDec(amount))
	}
	return total, rows.Err()
}
