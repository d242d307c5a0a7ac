// Package reconcile periodically compares the local balance projection
// against the ledger's TradingAccount contracts and converges drift.
//
// The ledger is authoritative. Accounts that have not been touched recently
// are swept oldest-first; when the combined drift across both balances
// exceeds the tolerance, the projection is overwritten with on-chain values
// and an audit row records both sides. Within tolerance, only the audit row
// is written.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"pebble-core/internal/ledger"
	"pebble-core/internal/store"
	"pebble-core/pkg/types"
)

// Config tunes the reconciliation loop.
type Config struct {
	Interval       time.Duration   // sweep cadence
	StaleThreshold time.Duration   // accounts idle longer than this are swept
	Tolerance      decimal.Decimal // relative drift allowed before overwrite
}

// DefaultConfig matches the production cadence.
func DefaultConfig() Config {
	return Config{
		Interval:       time.Minute,
		StaleThreshold: 5 * time.Minute,
		Tolerance:      decimal.RequireFromString("0.001"),
	}
}

// Reconciler is the balance reconciliation loop.
type Reconciler struct {
	store    *store.Store
	ledger   ledger.Client
	operator string
	cfg      Config
	logger   *slog.Logger
}

// NewReconciler wires the reconciliation loop.
func NewReconciler(st *store.Store, lc ledger.Client, operator string, cfg Config, logger *slog.Logger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = DefaultConfig().StaleThreshold
	}
	if cfg.Tolerance.IsZero() {
		cfg.Tolerance = DefaultConfig().Tolerance
	}
	return &Reconciler{
		store:    st,
		ledger:   lc,
		operator: operator,
		cfg:      cfg,
		logger:   logger.With("component", "reconcile"),
	}
}

// Run sweeps until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info("reconciler started",
		"interval", r.cfg.Interval, "tolerance", r.cfg.Tolerance)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := r.SweepOnce(ctx); err != nil {
				r.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce reconciles every stale account against the ledger.
func (r *Reconciler) SweepOnce(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-r.cfg.StaleThreshold)
	stale, err := r.store.ListStaleAccounts(cutoff)
	if err != nil {
		return fmt.Errorf("list stale accounts: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}
	r.logger.Debug("sweeping stale accounts", "count", len(stale))

	for _, account := range stale {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := r.reconcileAccount(ctx, account); err != nil {
			r.logger.Error("account not reconciled",
				"user_id", account.UserID, "error", err)
		}
	}
	return nil
}

// reconcileAccount fetches the on-chain balances for one account and
// converges the projection when drift exceeds tolerance.
func (r *Reconciler) reconcileAccount(ctx context.Context, account *types.Account) error {
	contracts, err := r.ledger.GetActiveContracts(ctx, ledger.ContractFilter{
		TemplateID: ledger.TplTradingAccount,
		Party:      account.PartyID,
	})
	if err != nil {
		return fmt.Errorf("active contracts: %w", err)
	}

	var onchain *ledger.TradingAccountPayload
	for _, c := range contracts {
		var payload ledger.TradingAccountPayload
		if json.Unmarshal(c.Payload, &payload) != nil {
			continue
		}
		if payload.Owner == account.PartyID {
			onchain = &payload
			break
		}
	}
	if onchain == nil {
		// No contract visible: either onboarding never completed on-ledger
		// or visibility is lagging. Leave the projection alone.
		r.logger.Warn("no trading account contract on ledger",
			"user_id", account.UserID, "party", account.PartyID)
		return nil
	}

	drift := account.AvailableBalance.Sub(onchain.AvailableBalance).Abs().
		Add(account.LockedBalance.Sub(onchain.LockedBalance).Abs())
	total := decimal.Max(onchain.AvailableBalance.Add(onchain.LockedBalance), types.One)
	relative := drift.Div(total)
	reconciled := relative.GreaterThan(r.cfg.Tolerance)

	now := time.Now().UTC()
	err = r.store.Transact(func(tx *store.Tx) error {
		if reconciled {
			if err := tx.SetBalances(account.UserID, onchain.AvailableBalance, onchain.LockedBalance, now); err != nil {
				return err
			}
		} else {
			// Touch last_updated so the account leaves the stale window
			// until the next threshold expires.
			if err := tx.SetBalances(account.UserID, account.AvailableBalance, account.LockedBalance, now); err != nil {
				return err
			}
		}
		return tx.InsertReconciliationRecord(&types.ReconciliationRecord{
			UserID:            account.UserID,
			PreviousAvailable: account.AvailableBalance,
			PreviousLocked:    account.LockedBalance,
			OnchainAvailable:  onchain.AvailableBalance,
			OnchainLocked:     onchain.LockedBalance,
			Drift:             drift,
			RelativeDrift:     relative,
			Reconciled:        reconciled,
			CreatedAt:         now,
		})
	})
	if err != nil {
		return err
	}

	if reconciled {
		r.logger.Warn("balance drift corrected",
			"user_id", account.UserID, "drift", drift, "relative", relative)
	}
	return nil
}
