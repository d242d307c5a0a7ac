package positions

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"pebble-core/internal/hub"
	"pebble-core/internal/ledger"
	"pebble-core/internal/ledger/ledgertest"
	"pebble-core/internal/store"
	"pebble-core/pkg/apperr"
	"pebble-core/pkg/types"
)

type fixture struct {
	svc    *Service
	store  *store.Store
	ledger *ledgertest.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.Default()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), true, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	fake := ledgertest.New()
	return &fixture{
		svc:    NewService(st, fake, hub.New(logger), "operator::1", logger),
		store:  st,
		ledger: fake,
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func (f *fixture) seedMarket(t *testing.T, status types.MarketStatus, outcome *bool) string {
	t.Helper()
	id := "market-" + string(status)
	m := &types.Market{
		ID:             id,
		Question:       "q",
		Status:         types.MarketOpen,
		YesPrice:       dec("0.5"),
		NoPrice:        dec("0.5"),
		Version:        1,
		ResolutionTime: time.Now().Add(time.Hour),
		CreatedAt:      time.Now(),
	}
	if err := f.store.InsertMarket(m); err != nil {
		t.Fatalf("seed market: %v", err)
	}
	if status != types.MarketOpen {
		if err := f.store.UpdateMarketState(id, status, outcome, 2); err != nil {
			t.Fatalf("seed market state: %v", err)
		}
	}
	return id
}

func (f *fixture) seedAccount(t *testing.T, userID, available string) {
	t.Helper()
	err := f.store.UpsertAccount(&types.Account{
		UserID:           userID,
		PartyID:          userID + "::party",
		AvailableBalance: dec(available),
		LockedBalance:    decimal.Zero,
		LastUpdated:      time.Now(),
	})
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}
}

func (f *fixture) seedPosition(t *testing.T, userID, marketID string, side types.Side, qty, price string) {
	t.Helper()
	if _, err := f.store.AddToPosition(userID, marketID, side, dec(qty), dec(price), time.Now()); err != nil {
		t.Fatalf("seed position: %v", err)
	}
}

func boolPtr(b bool) *bool { return &b }

func TestRedeemWinningShares(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	marketID := f.seedMarket(t, types.MarketResolved, boolPtr(true))
	f.seedAccount(t, "alice", "10")
	f.seedPosition(t, "alice", marketID, types.SideYes, "8", "0.6")

	result, err := f.svc.Redeem(context.Background(), "alice", marketID)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if result.Side != types.SideYes || !result.Quantity.Equal(dec("8")) || !result.Payout.Equal(dec("8")) {
		t.Fatalf("result: %+v", result)
	}

	account, _ := f.store.GetAccount("alice")
	if !account.AvailableBalance.Equal(dec("18")) {
		t.Fatalf("balance after redeem: %s", account.AvailableBalance)
	}
	// Full redemption archives the position.
	if _, err := f.store.GetActivePosition("alice", marketID, types.SideYes); !apperr.IsKind(err, apperr.NotFound) {
		t.Fatalf("position survived full redemption: %v", err)
	}
	// A second redemption finds nothing.
	if _, err := f.svc.Redeem(context.Background(), "alice", marketID); !apperr.IsKind(err, apperr.NotFound) {
		t.Fatalf("double redeem: %v", err)
	}
}

func TestRedeemLosingSideHasNothing(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	marketID := f.seedMarket(t, types.MarketResolved, boolPtr(true))
	f.seedAccount(t, "bob", "0")
	f.seedPosition(t, "bob", marketID, types.SideNo, "5", "0.4")

	// Outcome is YES; bob holds only NO.
	if _, err := f.svc.Redeem(context.Background(), "bob", marketID); !apperr.IsKind(err, apperr.NotFound) {
		t.Fatalf("got %v", err)
	}
	account, _ := f.store.GetAccount("bob")
	if !account.AvailableBalance.IsZero() {
		t.Fatalf("losing side paid out: %s", account.AvailableBalance)
	}
}

func TestRedeemRequiresResolution(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	marketID := f.seedMarket(t, types.MarketOpen, nil)
	f.seedAccount(t, "alice", "0")
	f.seedPosition(t, "alice", marketID, types.SideYes, "5", "0.5")

	if _, err := f.svc.Redeem(context.Background(), "alice", marketID); apperr.CodeOf(err) != apperr.CodeMarketNotResolved {
		t.Fatalf("got %v", err)
	}
}

func TestRedeemExercisesSettlementContract(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	marketID := f.seedMarket(t, types.MarketResolved, boolPtr(false))
	f.seedAccount(t, "alice", "0")
	f.seedPosition(t, "alice", marketID, types.SideNo, "3", "0.4")

	f.ledger.SetActiveContracts(ledger.TplMarketSettlement, []ledger.Contract{{
		ContractID:  "settle-cid-1",
		TemplateID:  ledger.TplMarketSettlement,
		Payload:     ledgertest.MustPayload(ledger.MarketSettlementPayload{MarketID: marketID, Outcome: false, Oracle: "oracle::1"}),
		Signatories: []string{"operator::1"},
	}})

	if _, err := f.svc.Redeem(context.Background(), "alice", marketID); err != nil {
		t.Fatalf("redeem: %v", err)
	}
	choices := f.ledger.SubmittedChoices()
	if len(choices) != 1 || choices[0] != ledger.ChoiceRedeemPosition {
		t.Fatalf("submitted choices: %v", choices)
	}
}

func TestMergeBurnsPairs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	marketID := f.seedMarket(t, types.MarketOpen, nil)
	f.seedAccount(t, "alice", "0")
	f.seedPosition(t, "alice", marketID, types.SideYes, "10", "0.6")
	f.seedPosition(t, "alice", marketID, types.SideNo, "4", "0.4")

	result, err := f.svc.Merge(context.Background(), "alice", marketID)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if !result.Pairs.Equal(dec("4")) || !result.Payout.Equal(dec("4")) {
		t.Fatalf("result: %+v", result)
	}

	account, _ := f.store.GetAccount("alice")
	if !account.AvailableBalance.Equal(dec("4")) {
		t.Fatalf("balance after merge: %s", account.AvailableBalance)
	}
	yes, err := f.store.GetActivePosition("alice", marketID, types.SideYes)
	if err != nil {
		t.Fatalf("yes position: %v", err)
	}
	if !yes.Quantity.Equal(dec("6")) {
		t.Fatalf("yes remaining: %s", yes.Quantity)
	}
	// The NO side burned to zero and archived.
	if _, err := f.store.GetActivePosition("alice", marketID, types.SideNo); !apperr.IsKind(err, apperr.NotFound) {
		t.Fatalf("no position survived: %v", err)
	}

	// Propose then execute on the ledger.
	choices := f.ledger.SubmittedChoices()
	if len(choices) != 1 || choices[0] != ledger.ChoiceExecuteMerge {
		t.Fatalf("submitted choices: %v", choices)
	}
}

func TestMergeSkipsLockedShares(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	marketID := f.seedMarket(t, types.MarketOpen, nil)
	f.seedAccount(t, "alice", "0")
	f.seedPosition(t, "alice", marketID, types.SideYes, "5", "0.6")
	f.seedPosition(t, "alice", marketID, types.SideNo, "5", "0.4")
	if err := f.store.LockPosition("alice", marketID, types.SideNo, dec("5"), time.Now()); err != nil {
		t.Fatalf("lock: %v", err)
	}

	// All NO shares locked under a resting sell: nothing to merge.
	if _, err := f.svc.Merge(context.Background(), "alice", marketID); !apperr.IsKind(err, apperr.InsufficientPosition) {
		t.Fatalf("got %v", err)
	}
}

func TestMergeRejectedOnResolvedMarket(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	marketID := f.seedMarket(t, types.MarketResolved, boolPtr(true))
	f.seedAccount(t, "alice", "0")

	if _, err := f.svc.Merge(context.Background(), "alice", marketID); apperr.CodeOf(err) != apperr.CodeMarketAlreadyResolved {
		t.Fatalf("got %v", err)
	}
}
