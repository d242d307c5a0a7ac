package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"pebble-core/pkg/apperr"
	"pebble-core/pkg/types"
)

const marketCols = `id, question, description, status, outcome, yes_price, no_price,
	volume_24h, total_volume, open_interest, contract_id, version, resolution_time, created_at`

func scanMarket(row interface{ Scan(...any) error }) (*types.Market, error) {
	var (
		m                                                 types.Market
		outcome                                           sql.NullBool
		yesPrice, noPrice, vol24h, totalVol, openInterest string
		resolutionTime, createdAt                         string
	)
	err := row.Scan(&m.ID, &m.Question, &m.Description, &m.Status, &outcome,
		&yesPrice, &noPrice, &vol24h, &totalVol, &openInterest,
		&m.ContractID, &m.Version, &resolutionTime, &createdAt)
	if err != nil {
		return nil, err
	}
	if outcome.Valid {
		m.Outcome = &outcome.Bool
	}
	m.YesPrice = parseDec(yesPrice)
	m.NoPrice = parseDec(noPrice)
	m.Volume24h = parseDec(vol24h)
	m.TotalVolume = parseDec(totalVol)
	m.OpenInterest = parseDec(openInterest)
	m.ResolutionTime = parseTime(resolutionTime)
	m.CreatedAt = parseTime(createdAt)
	return &m, nil
}

// InsertMarket creates a market row.
func (q *queries) InsertMarket(m *types.Market) error {
	var outcome any
	if m.Outcome != nil {
		outcome = *m.Outcome
	}
	_, err := q.db.Exec(`
		INSERT INTO markets (`+marketCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Question, m.Description, m.Status, outcome,
		m.YesPrice.String(), m.NoPrice.String(), m.Volume24h.String(),
		m.TotalVolume.String(), m.OpenInterest.String(),
		m.ContractID, m.Version, fmtTime(m.ResolutionTime), fmtTime(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert market %s: %w", m.ID, err)
	}
	return nil
}

// GetMarket returns a market by id, or a NotFound error.
func (q *queries) GetMarket(id string) (*types.Market, error) {
	m, err := scanMarket(q.db.QueryRow(`SELECT `+marketCols+` FROM markets WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, apperr.CodeMarketNotFound, "market %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	return m, nil
}

// ListMarkets returns markets, optionally filtered by status, newest first.
func (q *queries) ListMarkets(status types.MarketStatus) ([]*types.Market, error) {
	query := `SELECT ` + marketCols + ` FROM markets`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := q.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list markets: %w", err)
	}
	defer rows.Close()

	var out []*types.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan market: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateMarketState moves a market through its lifecycle. Outcome may be nil.
func (q *queries) UpdateMarketState(id string, status types.MarketStatus, outcome *bool, version int64) error {
	var o any
	if outcome != nil {
		o = *outcome
	}
	_, err := q.db.Exec(`
		UPDATE markets SET status = ?, outcome = ?, version = ? WHERE id = ?`,
		status, o, version, id)
	if err != nil {
		return fmt.Errorf("update market %s: %w", id, err)
	}
	return nil
}

// SetMarketContract records the on-ledger contract id for a market.
func (q *queries) SetMarketContract(id, contractID string) error {
	_, err := q.db.Exec(`UPDATE markets SET contract_id = ? WHERE id = ?`, contractID, id)
	if err != nil {
		return fmt.Errorf("set market contract %s: %w", id, err)
	}
	return nil
}

// ApplyMarketEvent upserts a market projection from a ledger event.
// Last-write-wins on version: stale events (version <= stored) are dropped.
// Returns true when the row changed.
func (q *queries) ApplyMarketEvent(m *types.Market) (bool, error) {
	var outcome any
	if m.Outcome != nil {
		outcome = *m.Outcome
	}
	res, err := q.db.Exec(`
		INSERT INTO markets (`+marketCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, '0', '0', '0', ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			outcome = excluded.outcome,
			contract_id = excluded.contract_id,
			version = excluded.version,
			resolution_time = excluded.resolution_time
		WHERE excluded.version > markets.version`,
		m.ID, m.Question, m.Description, m.Status, outcome,
		m.YesPrice.String(), m.NoPrice.String(),
		m.ContractID, m.Version, fmtTime(m.ResolutionTime), fmtTime(m.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("apply market event %s: %w", m.ID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ApplyTradeToMarket folds one trade into the market's price and volume
// stats. Stored prices live in the YES frame: a same-side NO trade carries
// the NO price, so yes_price is its complement. Open interest grows only
// when a cross-match mints new pairs; burns are netted out at settlement.
func (q *queries) ApplyTradeToMarket(tr *types.Trade, mint bool) error {
	yes := tr.Price
	if tr.Side == types.SideNo {
		yes = types.One.Sub(tr.Price)
	}
	oiDelta := decimal.Zero
	if tr.Type == types.TradeShareCreation && mint {
		oiDelta = tr.Quantity
	}
	m, err := q.GetMarket(tr.MarketID)
	if err != nil {
		return err
	}
	notional := tr.Price.Mul(tr.Quantity)
	_, err = q.db.Exec(`
		UPDATE markets SET
			yes_price = ?, no_price = ?,
			total_volume = ?, volume_24h = ?, open_interest = ?
		WHERE id = ?`,
		yes.String(), types.One.Sub(yes).String(),
		m.TotalVolume.Add(notional).String(),
		m.Volume24h.Add(notional).String(),
		m.OpenInterest.Add(oiDelta).String(),
		tr.MarketID)
	if err != nil {
		return fmt.Errorf("apply trade to market %s: %w", tr.MarketID, err)
	}
	return nil
}

// RefreshVolume24h recomputes volume_24h from the trades table. Called
// periodically so the rolling window actually rolls. Summed in decimal, not
// SQL: the monetary columns are text and must never round-trip through
// binary floats.
func (q *queries) RefreshVolume24h(marketID, since string) error {
	rows, err := q.db.Query(`
		SELECT price, quantity FROM trades
		WHERE market_id = ? AND created_at >= ?`, marketID, since)
	if err != nil {
		return fmt.Errorf("refresh 24h volume %s: %w", marketID, err)
	}
	total := decimal.Zero
	for rows.Next() {
		var price, qty string
		if err := rows.Scan(&price, &qty); err != nil {
			rows.Close()
			return fmt.Errorf("refresh 24h volume %s: %w", marketID, err)
		}
		total = total.Add(parseDec(price).Mul(parseDec(qty)))
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return fmt.Errorf("refresh 24h volume %s: %w", marketID, err)
	}

	if _, err := q.db.Exec(`UPDATE markets SET volume_24h = ? WHERE id = ?`, total.String(), marketID); err != nil {
		return fmt.Errorf("refresh 24h volume %s: %w", marketID, err)
	}
	return nil
}

// ReduceOpenInterest shrinks open interest after a redeem or merge.
func (q *queries) ReduceOpenInterest(marketID string, qty decimal.Decimal) error {
	m, err := q.GetMarket(marketID)
	if err != nil {
		return err
	}
	next := m.OpenInterest.Sub(qty)
	if next.IsNegative() {
		next = decimal.Zero
	}
	_, err = q.db.Exec(`UPDATE markets SET open_interest = ? WHERE id = ?`, next.String(), marketID)
	if err != nil {
		return fmt.Errorf("reduce open interest %s: %w", marketID, err)
	}
	return nil
}
