package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"pebble-core/pkg/types"
)

const tradeCols = `id, market_id, buyer_id, seller_id, side, price, quantity,
	buyer_order_id, seller_order_id, trade_type, settlement_status, settlement_id,
	retry_count, created_at, settled_at`

func scanTrade(row interface{ Scan(...any) error }) (*types.Trade, error) {
	var (
		t          types.Trade
		price, qty string
		createdAt  string
		settledAt  sql.NullString
		retries    int
	)
	err := row.Scan(&t.ID, &t.MarketID, &t.BuyerID, &t.SellerID, &t.Side, &price, &qty,
		&t.BuyerOrderID, &t.SellerOrderID, &t.Type, &t.SettlementStatus, &t.SettlementID,
		&retries, &createdAt, &settledAt)
	if err != nil {
		return nil, err
	}
	t.Price = parseDec(price)
	t.Quantity = parseDec(qty)
	t.CreatedAt = parseTime(createdAt)
	t.SettledAt = scanNullTime(settledAt)
	return &t, nil
}

// InsertTrade creates a trade row.
func (q *queries) InsertTrade(t *types.Trade) error {
	_, err := q.db.Exec(`
		INSERT INTO trades (`+tradeCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		t.ID, t.MarketID, t.BuyerID, t.SellerID, t.Side,
		t.Price.String(), t.Quantity.String(),
		t.BuyerOrderID, t.SellerOrderID, t.Type, t.SettlementStatus, t.SettlementID,
		fmtTime(t.CreatedAt), nullTime(t.SettledAt))
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", t.ID, err)
	}
	return nil
}

// GetTrade returns a trade by id.
func (q *queries) GetTrade(id string) (*types.Trade, error) {
	t, err := scanTrade(q.db.QueryRow(`SELECT `+tradeCols+` FROM trades WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("trade %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get trade %s: %w", id, err)
	}
	return t, nil
}

// ListTradesByMarket returns a market's trades, newest first.
func (q *queries) ListTradesByMarket(marketID string, limit int) ([]*types.Trade, error) {
	query := `SELECT ` + tradeCols + ` FROM trades WHERE market_id = ? ORDER BY created_at DESC`
	args := []any{marketID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return q.queryTrades(query, args...)
}

// ListTradesForUser returns trades where the user is buyer or seller.
func (q *queries) ListTradesForUser(userID string, limit int) ([]*types.Trade, error) {
	query := `SELECT ` + tradeCols + ` FROM trades
		WHERE buyer_id = ? OR seller_id = ? ORDER BY created_at DESC`
	args := []any{userID, userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return q.queryTrades(query, args...)
}

// ListTradesByIDs returns the named trades, insertion order not guaranteed.
func (q *queries) ListTradesByIDs(ids []string) ([]*types.Trade, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	return q.queryTrades(
		`SELECT `+tradeCols+` FROM trades WHERE id IN (`+placeholders+`)`, args...)
}

// ListPendingTrades returns up to limit trades awaiting settlement that are
// not already claimed by a non-failed batch, oldest first.
func (q *queries) ListPendingTrades(limit int) ([]*types.Trade, error) {
	return q.queryTrades(`
		SELECT `+tradeCols+` FROM trades t
		WHERE t.settlement_status = 'pending'
		AND NOT EXISTS (
			SELECT 1 FROM settlement_batch_trades bt
			JOIN settlement_batches b ON b.id = bt.batch_id
			WHERE bt.trade_id = t.id AND b.status NOT IN ('failed')
		)
		ORDER BY t.created_at ASC LIMIT ?`, limit)
}

// SetTradesSettlementStatus updates settlement status for a set of trades.
// settlementID and settledAt apply only when non-zero.
func (q *queries) SetTradesSettlementStatus(ids []string, status types.SettlementStatus, settlementID string, settledAt *time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	args := []any{status}
	sets := `settlement_status = ?`
	if settlementID != "" {
		sets += `, settlement_id = ?`
		args = append(args, settlementID)
	}
	if settledAt != nil {
		sets += `, settled_at = ?`
		args = append(args, fmtTime(*settledAt))
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := q.db.Exec(`UPDATE trades SET `+sets+` WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("set trades settlement status: %w", err)
	}
	return nil
}

// BumpTradeRetries increments retry_count for the named trades and returns
// the new counts keyed by trade id.
func (q *queries) BumpTradeRetries(ids []string) (map[string]int, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	_, err := q.db.Exec(`UPDATE trades SET retry_count = retry_count + 1 WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("bump trade retries: %w", err)
	}

	rows, err := q.db.Query(`SELECT id, retry_count FROM trades WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("read trade retries: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int, len(ids))
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("scan trade retries: %w", err)
		}
		out[id] = n
	}
	return out, rows.Err()
}

// CountTradesBySettlementStatus returns how many trades sit in each
// settlement status; used for the health snapshot.
func (q *queries) CountTradesBySettlementStatus() (map[types.SettlementStatus]int, error) {
	rows, err := q.db.Query(`SELECT settlement_status, COUNT(*) FROM trades GROUP BY settlement_status`)
	if err != nil {
		return nil, fmt.Errorf("count trades: %w", err)
	}
	defer rows.Close()

	out := make(map[types.SettlementStatus]int)
	for rows.Next() {
		var status types.SettlementStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan trade counts: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

func (q *queries) queryTrades(query string, args ...any) ([]*types.Trade, error) {
	rows, err := q.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []*types.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
