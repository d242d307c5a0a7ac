package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pebble-core/pkg/apperr"
	"pebble-core/pkg/types"
)

const orderCols = `id, market_id, user_id, side, action, order_type, price, quantity,
	filled_quantity, status, locked_amount, idempotency_key, created_at, updated_at`

func scanOrder(row interface{ Scan(...any) error }) (*types.Order, error) {
	var (
		o                    types.Order
		price, idemKey       sql.NullString
		qty, filled, locked  string
		createdAt, updatedAt string
	)
	err := row.Scan(&o.ID, &o.MarketID, &o.UserID, &o.Side, &o.Action, &o.Type,
		&price, &qty, &filled, &o.Status, &locked, &idemKey, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if price.Valid {
		p := parseDec(price.String)
		o.Price = &p
	}
	o.Quantity = parseDec(qty)
	o.FilledQuantity = parseDec(filled)
	o.LockedAmount = parseDec(locked)
	o.IdempotencyKey = idemKey.String
	o.CreatedAt = parseTime(createdAt)
	o.UpdatedAt = parseTime(updatedAt)
	return &o, nil
}

// InsertOrder creates an order row.
func (q *queries) InsertOrder(o *types.Order) error {
	var price any
	if o.Price != nil {
		price = o.Price.String()
	}
	var idemKey any
	if o.IdempotencyKey != "" {
		idemKey = o.IdempotencyKey
	}
	_, err := q.db.Exec(`
		INSERT INTO orders (`+orderCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.MarketID, o.UserID, o.Side, o.Action, o.Type, price,
		o.Quantity.String(), o.FilledQuantity.String(), o.Status,
		o.LockedAmount.String(), idemKey, fmtTime(o.CreatedAt), fmtTime(o.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert order %s: %w", o.ID, err)
	}
	return nil
}

// GetOrder returns an order by id, or a NotFound error.
func (q *queries) GetOrder(id string) (*types.Order, error) {
	o, err := scanOrder(q.db.QueryRow(`SELECT `+orderCols+` FROM orders WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, apperr.CodeOrderNotFound, "order %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return o, nil
}

// GetOrderForUser returns an order only if it belongs to userID. Another
// user's order reads as not found, never as forbidden.
func (q *queries) GetOrderForUser(id, userID string) (*types.Order, error) {
	o, err := q.GetOrder(id)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, apperr.New(apperr.NotFound, apperr.CodeOrderNotFound, "order %s not found", id)
	}
	return o, nil
}

// UpdateOrderFill records fill progress and the resulting status.
func (q *queries) UpdateOrderFill(o *types.Order, now time.Time) error {
	_, err := q.db.Exec(`
		UPDATE orders SET filled_quantity = ?, status = ?, locked_amount = ?, updated_at = ?
		WHERE id = ?`,
		o.FilledQuantity.String(), o.Status, o.LockedAmount.String(), fmtTime(now), o.ID)
	if err != nil {
		return fmt.Errorf("update order %s: %w", o.ID, err)
	}
	return nil
}

// UpdateOrderStatus sets just the lifecycle status.
func (q *queries) UpdateOrderStatus(id string, status types.OrderStatus, now time.Time) error {
	_, err := q.db.Exec(`
		UPDATE orders SET status = ?, updated_at = ? WHERE id = ?`, status, fmtTime(now), id)
	if err != nil {
		return fmt.Errorf("update order status %s: %w", id, err)
	}
	return nil
}

// OrderFilter narrows ListOrders.
type OrderFilter struct {
	MarketID string
	Status   types.OrderStatus
	Limit    int
}

// ListOrders returns a user's orders, newest first.
func (q *queries) ListOrders(userID string, f OrderFilter) ([]*types.Order, error) {
	query := `SELECT ` + orderCols + ` FROM orders WHERE user_id = ?`
	args := []any{userID}
	if f.MarketID != "" {
		query += ` AND market_id = ?`
		args = append(args, f.MarketID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := q.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var out []*types.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ListRestingOrders returns all open and partial orders across markets,
// oldest first so rehydration preserves time priority.
func (q *queries) ListRestingOrders() ([]*types.Order, error) {
	rows, err := q.db.Query(`
		SELECT ` + orderCols + ` FROM orders
		WHERE status IN ('open', 'partial') ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list resting orders: %w", err)
	}
	defer rows.Close()

	var out []*types.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// OrderIDsWithInFlightTrades returns the ids of orders that participate in a
// trade whose settlement may already be on the ledger. Rehydration skips
// them: re-matching could double-settle.
func (q *queries) OrderIDsWithInFlightTrades() (map[string]bool, error) {
	rows, err := q.db.Query(`
		SELECT buyer_order_id, seller_order_id FROM trades
		WHERE settlement_status IN ('pending', 'settling')`)
	if err != nil {
		return nil, fmt.Errorf("list in-flight order ids: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var buyID, sellID string
		if err := rows.Scan(&buyID, &sellID); err != nil {
			return nil, fmt.Errorf("scan order ids: %w", err)
		}
		out[buyID] = true
		out[sellID] = true
	}
	return out, rows.Err()
}
