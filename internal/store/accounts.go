package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"pebble-core/pkg/apperr"
	"pebble-core/pkg/types"
)

const accountCols = `user_id, party_id, account_contract_id, authorization_contract_id,
	available_balance, locked_balance, last_updated`

func scanAccount(row interface{ Scan(...any) error }) (*types.Account, error) {
	var (
		a                    types.Account
		avail, locked, upd   string
	)
	err := row.Scan(&a.UserID, &a.PartyID, &a.AccountContractID, &a.AuthorizationContractID,
		&avail, &locked, &upd)
	if err != nil {
		return nil, err
	}
	a.AvailableBalance = parseDec(avail)
	a.LockedBalance = parseDec(locked)
	a.LastUpdated = parseTime(upd)
	return &a, nil
}

// UpsertAccount creates or replaces an account projection row.
func (q *queries) UpsertAccount(a *types.Account) error {
	_, err := q.db.Exec(`
		INSERT INTO accounts (`+accountCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			party_id = excluded.party_id,
			account_contract_id = excluded.account_contract_id,
			authorization_contract_id = excluded.authorization_contract_id,
			available_balance = excluded.available_balance,
			locked_balance = excluded.locked_balance,
			last_updated = excluded.last_updated`,
		a.UserID, a.PartyID, a.AccountContractID, a.AuthorizationContractID,
		a.AvailableBalance.String(), a.LockedBalance.String(), fmtTime(a.LastUpdated))
	if err != nil {
		return fmt.Errorf("upsert account %s: %w", a.UserID, err)
	}
	return nil
}

// GetAccount returns the account for a user, or a NotFound error.
func (q *queries) GetAccount(userID string) (*types.Account, error) {
	a, err := scanAccount(q.db.QueryRow(`SELECT `+accountCols+` FROM accounts WHERE user_id = ?`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, apperr.CodeAccountNotFound, "account %s not found", userID)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", userID, err)
	}
	return a, nil
}

// GetAccountByParty returns the account owning a party id.
func (q *queries) GetAccountByParty(partyID string) (*types.Account, error) {
	a, err := scanAccount(q.db.QueryRow(`SELECT `+accountCols+` FROM accounts WHERE party_id = ?`, partyID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, apperr.CodeAccountNotFound, "no account for party %s", partyID)
	}
	if err != nil {
		return nil, fmt.Errorf("get account by party %s: %w", partyID, err)
	}
	return a, nil
}

// LockFunds moves amount from available to locked. The update is conditional
// on sufficient available balance; an InsufficientFunds error means nothing
// changed.
func (q *queries) LockFunds(userID string, amount decimal.Decimal, now time.Time) error {
	a, err := q.GetAccount(userID)
	if err != nil {
		return err
	}
	if a.AvailableBalance.LessThan(amount) {
		return apperr.New(apperr.InsufficientFunds, apperr.CodeInsufficientBalance,
			"available %s < required %s", a.AvailableBalance, amount)
	}
	_, err = q.db.Exec(`
		UPDATE accounts SET available_balance = ?, locked_balance = ?, last_updated = ?
		WHERE user_id = ?`,
		a.AvailableBalance.Sub(amount).String(), a.LockedBalance.Add(amount).String(),
		fmtTime(now), userID)
	if err != nil {
		return fmt.Errorf("lock funds %s: %w", userID, err)
	}
	return nil
}

// UnlockFunds returns amount from locked to available, clamping at zero so
// a double release cannot drive locked negative.
func (q *queries) UnlockFunds(userID string, amount decimal.Decimal, now time.Time) error {
	a, err := q.GetAccount(userID)
	if err != nil {
		return err
	}
	release := decimal.Min(amount, a.LockedBalance)
	_, err = q.db.Exec(`
		UPDATE accounts SET available_balance = ?, locked_balance = ?, last_updated = ?
		WHERE user_id = ?`,
		a.AvailableBalance.Add(release).String(), a.LockedBalance.Sub(release).String(),
		fmtTime(now), userID)
	if err != nil {
		return fmt.Errorf("unlock funds %s: %w", userID, err)
	}
	return nil
}

// ConsumeLocked burns amount out of the locked balance after a settlement
// debit. The funds left the ledger account; they do not return to available.
func (q *queries) ConsumeLocked(userID string, amount decimal.Decimal, now time.Time) error {
	a, err := q.GetAccount(userID)
	if err != nil {
		return err
	}
	next := a.LockedBalance.Sub(amount)
	if next.IsNegative() {
		next = decimal.Zero
	}
	_, err = q.db.Exec(`
		UPDATE accounts SET locked_balance = ?, last_updated = ? WHERE user_id = ?`,
		next.String(), fmtTime(now), userID)
	if err != nil {
		return fmt.Errorf("consume locked %s: %w", userID, err)
	}
	return nil
}

// CreditAvailable adds amount to the available balance.
func (q *queries) CreditAvailable(userID string, amount decimal.Decimal, now time.Time) error {
	a, err := q.GetAccount(userID)
	if err != nil {
		return err
	}
	_, err = q.db.Exec(`
		UPDATE accounts SET available_balance = ?, last_updated = ? WHERE user_id = ?`,
		a.AvailableBalance.Add(amount).String(), fmtTime(now), userID)
	if err != nil {
		return fmt.Errorf("credit %s: %w", userID, err)
	}
	return nil
}

// DebitAvailable removes amount from the available balance, conditional on
// sufficiency.
func (q *queries) DebitAvailable(userID string, amount decimal.Decimal, now time.Time) error {
	a, err := q.GetAccount(userID)
	if err != nil {
		return err
	}
	if a.AvailableBalance.LessThan(amount) {
		return apperr.New(apperr.InsufficientFunds, apperr.CodeInsufficientBalance,
			"available %s < required %s", a.AvailableBalance, amount)
	}
	_, err = q.db.Exec(`
		UPDATE accounts SET available_balance = ?, last_updated = ? WHERE user_id = ?`,
		a.AvailableBalance.Sub(amount).String(), fmtTime(now), userID)
	if err != nil {
		return fmt.Errorf("debit %s: %w", userID, err)
	}
	return nil
}

// SetBalances overwrites both balances; used by reconciliation and the event
// processor, where the ledger value is authoritative.
func (q *queries) SetBalances(userID string, available, locked decimal.Decimal, now time.Time) error {
	_, err := q.db.Exec(`
		UPDATE accounts SET available_balance = ?, locked_balance = ?, last_updated = ?
		WHERE user_id = ?`,
		available.String(), locked.String(), fmtTime(now), userID)
	if err != nil {
		return fmt.Errorf("set balances %s: %w", userID, err)
	}
	return nil
}

// ListStaleAccounts returns accounts not updated since the cutoff, oldest
// first; the reconciliation loop sweeps these against the ledger.
func (q *queries) ListStaleAccounts(cutoff time.Time) ([]*types.Account, error) {
	rows, err := q.db.Query(`
		SELECT `+accountCols+` FROM accounts
		WHERE last_updated < ? ORDER BY last_updated ASC`, fmtTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("list stale accounts: %w", err)
	}
	defer rows.Close()

	var out []*types.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
