package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"pebble-core/pkg/apperr"
	"pebble-core/pkg/types"
)

const positionCols = `id, user_id, market_id, side, quantity, locked_quantity,
	avg_cost_basis, contract_id, is_archived, last_updated`

func scanPosition(row interface{ Scan(...any) error }) (*types.Position, error) {
	var (
		p                 types.Position
		qty, locked, avg  string
		archived          int
		updated           string
	)
	err := row.Scan(&p.ID, &p.UserID, &p.MarketID, &p.Side, &qty, &locked, &avg,
		&p.ContractID, &archived, &updated)
	if err != nil {
		return nil, err
	}
	p.Quantity = parseDec(qty)
	p.LockedQuantity = parseDec(locked)
	p.AvgCostBasis = parseDec(avg)
	p.IsArchived = archived != 0
	p.LastUpdated = parseTime(updated)
	return &p, nil
}

// GetActivePosition returns the live position for (user, market, side), or a
// NotFound error. Archived rows are invisible here.
func (q *queries) GetActivePosition(userID, marketID string, side types.Side) (*types.Position, error) {
	p, err := scanPosition(q.db.QueryRow(`
		SELECT `+positionCols+` FROM positions
		WHERE user_id = ? AND market_id = ? AND side = ? AND is_archived = 0`,
		userID, marketID, side))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, apperr.CodePositionNotFound,
			"no %s position in market %s", side, marketID)
	}
	if err != nil {
		return nil, fmt.Errorf("get position: %w", err)
	}
	return p, nil
}

// ListPositions returns a user's active positions.
func (q *queries) ListPositions(userID string) ([]*types.Position, error) {
	rows, err := q.db.Query(`
		SELECT `+positionCols+` FROM positions
		WHERE user_id = ? AND is_archived = 0 ORDER BY last_updated DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	var out []*types.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListPositionsByMarket returns all active positions in a market, for
// redemption sweeps after resolution.
func (q *queries) ListPositionsByMarket(marketID string) ([]*types.Position, error) {
	rows, err := q.db.Query(`
		SELECT `+positionCols+` FROM positions
		WHERE market_id = ? AND is_archived = 0`, marketID)
	if err != nil {
		return nil, fmt.Errorf("list market positions: %w", err)
	}
	defer rows.Close()

	var out []*types.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// AddToPosition adds quantity at the given price to the active position for
// (user, market, side), creating it when absent, and recomputes the average
// cost basis over the combined quantity.
func (q *queries) AddToPosition(userID, marketID string, side types.Side, quantity, price decimal.Decimal, now time.Time) (*types.Position, error) {
	p, err := q.GetActivePosition(userID, marketID, side)
	if apperr.IsKind(err, apperr.NotFound) {
		p = &types.Position{
			ID:           uuid.NewString(),
			UserID:       userID,
			MarketID:     marketID,
			Side:         side,
			Quantity:     quantity,
			AvgCostBasis: price,
			LastUpdated:  now,
		}
		_, err := q.db.Exec(`
			INSERT INTO positions (`+positionCols+`)
			VALUES (?, ?, ?, ?, ?, '0', ?, '', 0, ?)`,
			p.ID, p.UserID, p.MarketID, p.Side,
			p.Quantity.String(), p.AvgCostBasis.String(), fmtTime(now))
		if err != nil {
			return nil, fmt.Errorf("insert position: %w", err)
		}
		return p, nil
	}
	if err != nil {
		return nil, err
	}

	total := p.Quantity.Add(quantity)
	avg := p.AvgCostBasis.Mul(p.Quantity).Add(price.Mul(quantity)).Div(total)
	_, err = q.db.Exec(`
		UPDATE positions SET quantity = ?, avg_cost_basis = ?, last_updated = ?
		WHERE id = ?`,
		total.String(), avg.String(), fmtTime(now), p.ID)
	if err != nil {
		return nil, fmt.Errorf("grow position %s: %w", p.ID, err)
	}
	p.Quantity = total
	p.AvgCostBasis = avg
	p.LastUpdated = now
	return p, nil
}

// LockPosition reserves quantity under a resting sell order, conditional on
// enough free (unlocked) shares.
func (q *queries) LockPosition(userID, marketID string, side types.Side, quantity decimal.Decimal, now time.Time) error {
	p, err := q.GetActivePosition(userID, marketID, side)
	if apperr.IsKind(err, apperr.NotFound) {
		return apperr.New(apperr.InsufficientPosition, apperr.CodeInsufficientPositions,
			"no %s shares in market %s", side, marketID)
	}
	if err != nil {
		return err
	}
	if p.Free().LessThan(quantity) {
		return apperr.New(apperr.InsufficientPosition, apperr.CodeInsufficientPositions,
			"free %s < required %s", p.Free(), quantity)
	}
	_, err = q.db.Exec(`
		UPDATE positions SET locked_quantity = ?, last_updated = ? WHERE id = ?`,
		p.LockedQuantity.Add(quantity).String(), fmtTime(now), p.ID)
	if err != nil {
		return fmt.Errorf("lock position %s: %w", p.ID, err)
	}
	return nil
}

// UnlockPosition releases a share lock, clamping at zero.
func (q *queries) UnlockPosition(userID, marketID string, side types.Side, quantity decimal.Decimal, now time.Time) error {
	p, err := q.GetActivePosition(userID, marketID, side)
	if err != nil {
		return err
	}
	release := decimal.Min(quantity, p.LockedQuantity)
	_, err = q.db.Exec(`
		UPDATE positions SET locked_quantity = ?, last_updated = ? WHERE id = ?`,
		p.LockedQuantity.Sub(release).String(), fmtTime(now), p.ID)
	if err != nil {
		return fmt.Errorf("unlock position %s: %w", p.ID, err)
	}
	return nil
}

// ReducePosition removes quantity shares, consuming the lock first. The row
// is archived when the remaining quantity reaches zero.
func (q *queries) ReducePosition(userID, marketID string, side types.Side, quantity decimal.Decimal, now time.Time) error {
	p, err := q.GetActivePosition(userID, marketID, side)
	if err != nil {
		return err
	}
	nextQty := p.Quantity.Sub(quantity)
	if nextQty.IsNegative() {
		nextQty = decimal.Zero
	}
	nextLocked := p.LockedQuantity.Sub(quantity)
	if nextLocked.IsNegative() {
		nextLocked = decimal.Zero
	}
	archived := 0
	if nextQty.IsZero() {
		archived = 1
	}
	_, err = q.db.Exec(`
		UPDATE positions SET quantity = ?, locked_quantity = ?, is_archived = ?, last_updated = ?
		WHERE id = ?`,
		nextQty.String(), nextLocked.String(), archived, fmtTime(now), p.ID)
	if err != nil {
		return fmt.Errorf("reduce position %s: %w", p.ID, err)
	}
	return nil
}

// ApplyPositionEvent upserts the projection from a ledger Position create.
// Ledger positions evolve archive+create, so the row is keyed on
// (user, market, side) and the contract id is replaced in place.
func (q *queries) ApplyPositionEvent(p *types.Position) error {
	existing, err := q.GetActivePosition(p.UserID, p.MarketID, p.Side)
	if apperr.IsKind(err, apperr.NotFound) {
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		_, err := q.db.Exec(`
			INSERT INTO positions (`+positionCols+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
			p.ID, p.UserID, p.MarketID, p.Side,
			p.Quantity.String(), p.LockedQuantity.String(), p.AvgCostBasis.String(),
			p.ContractID, fmtTime(p.LastUpdated))
		if err != nil {
			return fmt.Errorf("insert position event: %w", err)
		}
		return nil
	}
	if err != nil {
		return err
	}
	_, err = q.db.Exec(`
		UPDATE positions SET quantity = ?, locked_quantity = ?, avg_cost_basis = ?,
			contract_id = ?, last_updated = ?
		WHERE id = ?`,
		p.Quantity.String(), p.LockedQuantity.String(), p.AvgCostBasis.String(),
		p.ContractID, fmtTime(p.LastUpdated), existing.ID)
	if err != nil {
		return fmt.Errorf("update position event: %w", err)
	}
	return nil
}

// ArchivePositionByContract archives the row holding contractID, but only
// when its quantity is zero. An archive mid-evolution (the create replacing
// it arrives in the same transaction) must not hide a live holding.
func (q *queries) ArchivePositionByContract(contractID string, now time.Time) (bool, error) {
	res, err := q.db.Exec(`
		UPDATE positions SET is_archived = 1, last_updated = ?
		WHERE contract_id = ? AND is_archived = 0 AND CAST(quantity AS REAL) <= 0`,
		fmtTime(now), contractID)
	if err != nil {
		return false, fmt.Errorf("archive position %s: %w", contractID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
