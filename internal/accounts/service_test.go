package accounts

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"pebble-core/internal/hub"
	"pebble-core/internal/ledger"
	"pebble-core/internal/ledger/ledgertest"
	"pebble-core/internal/store"
	"pebble-core/pkg/apperr"
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

func TestOnboardCreatesAccount(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	account, err := f.svc.Onboard(ctx, "alice")
	if err != nil {
		t.Fatalf("onboard: %v", err)
	}
	if account.PartyID == "" || account.AccountContractID == "" || account.AuthorizationContractID == "" {
		t.Fatalf("incomplete account: %+v", account)
	}
	if !account.AvailableBalance.IsZero() || !account.LockedBalance.IsZero() {
		t.Fatalf("new account must start empty: %+v", account)
	}

	// Request, accept, authorization: three ledger submissions in order.
	if len(f.ledger.Commands) != 3 {
		t.Fatalf("expected 3 ledger commands, got %d", len(f.ledger.Commands))
	}
	if f.ledger.Commands[1].Choice != ledger.ChoiceAcceptRequest {
		t.Fatalf("second command: %+v", f.ledger.Commands[1])
	}

	// Repeat onboarding is a no-op returning the existing account.
	again, err := f.svc.Onboard(ctx, "alice")
	if err != nil {
		t.Fatalf("re-onboard: %v", err)
	}
	if again.PartyID != account.PartyID || len(f.ledger.Commands) != 3 {
		t.Fatal("re-onboarding must not touch the ledger")
	}
}

func TestOnboardRequiresUserID(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if _, err := f.svc.Onboard(context.Background(), ""); !apperr.IsKind(err, apperr.Validation) {
		t.Fatalf("got %v", err)
	}
}

func TestDepositAndWithdraw(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Onboard(ctx, "alice"); err != nil {
		t.Fatalf("onboard: %v", err)
	}
	account, err := f.svc.Deposit(ctx, "alice", "ext-1", dec("250"))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if !account.AvailableBalance.Equal(dec("250")) {
		t.Fatalf("after deposit: %s", account.AvailableBalance)
	}

	account, err = f.svc.Withdraw(ctx, "alice", "", dec("100"))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if !account.AvailableBalance.Equal(dec("150")) {
		t.Fatalf("after withdraw: %s", account.AvailableBalance)
	}

	if _, err := f.svc.Withdraw(ctx, "alice", "", dec("151")); !apperr.IsKind(err, apperr.InsufficientFunds) {
		t.Fatalf("overdraw: got %v", err)
	}
	if _, err := f.svc.Deposit(ctx, "alice", "", dec("-5")); !apperr.IsKind(err, apperr.Validation) {
		t.Fatalf("negative deposit: got %v", err)
	}
}

func TestDepositRejectedByLedgerLeavesBalance(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Onboard(ctx, "alice"); err != nil {
		t.Fatalf("onboard: %v", err)
	}
	f.ledger.FailChoice(ledger.ChoiceCreditFromDeposit,
		apperr.New(apperr.LedgerRejected, apperr.CodeCantonRejected, "injected"))

	if _, err := f.svc.Deposit(ctx, "alice", "ext-1", dec("50")); !apperr.IsKind(err, apperr.LedgerRejected) {
		t.Fatalf("got %v", err)
	}
	account, err := f.store.GetAccount("alice")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if !account.AvailableBalance.IsZero() {
		t.Fatalf("balance credited despite ledger rejection: %s", account.AvailableBalance)
	}
}

func TestWithdrawValidatesBeforeLedger(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Onboard(ctx, "alice"); err != nil {
		t.Fatalf("onboard: %v", err)
	}
	before := len(f.ledger.Commands)
	if _, err := f.svc.Withdraw(ctx, "alice", "", dec("10")); !apperr.IsKind(err, apperr.InsufficientFunds) {
		t.Fatalf("got %v", err)
	}
	if len(f.ledger.Commands) != before {
		t.Fatal("rejected withdrawal reached the ledger")
	}
}

func TestWithdrawCommandIDDerivedFromWithdrawalID(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Onboard(ctx, "alice"); err != nil {
		t.Fatalf("onboard: %v", err)
	}
	if _, err := f.svc.Deposit(ctx, "alice", "ext-1", dec("200")); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	if _, err := f.svc.Withdraw(ctx, "alice", "wd-1", dec("50")); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	last := f.ledger.Commands[len(f.ledger.Commands)-1]
	if last.CommandID != "withdraw-wd-1" {
		t.Fatalf("command id: %s", last.CommandID)
	}

	// A retry with the same withdrawal id is deduplicated at the ledger.
	before := len(f.ledger.Commands)
	if _, err := f.svc.Withdraw(ctx, "alice", "wd-1", dec("50")); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(f.ledger.Commands) != before {
		t.Fatal("retried withdrawal executed twice on the ledger")
	}
}

func TestFaucetDailyCap(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Onboard(ctx, "alice"); err != nil {
		t.Fatalf("onboard: %v", err)
	}
	account, err := f.svc.Faucet(ctx, "alice", dec("9000"))
	if err != nil {
		t.Fatalf("faucet: %v", err)
	}
	if !account.AvailableBalance.Equal(dec("9000")) {
		t.Fatalf("after faucet: %s", account.AvailableBalance)
	}

	if _, err := f.svc.Faucet(ctx, "alice", dec("2000")); apperr.CodeOf(err) != apperr.CodeFaucetLimitReached {
		t.Fatalf("over cap: got %v", err)
	}
	// Up to the cap still works.
	if _, err := f.svc.Faucet(ctx, "alice", dec("1000")); err != nil {
		t.Fatalf("fill to cap: %v", err)
	}

	// The cap is per user.
	if _, err := f.svc.Onboard(ctx, "bob"); err != nil {
		t.Fatalf("onboard bob: %v", err)
	}
	if _, err := f.svc.Faucet(ctx, "bob", dec("100")); err != nil {
		t.Fatalf("bob faucet: %v", err)
	}
}

func TestBootstrapTestParties(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	if err := f.svc.BootstrapTestParties(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	for _, userID := range []string{"alice", "bob", "carol"} {
		account, err := f.store.GetAccount(userID)
		if err != nil {
			t.Fatalf("get %s: %v", userID, err)
		}
		if !account.AvailableBalance.Equal(dec("1000")) {
			t.Fatalf("%s balance: %s", userID, account.AvailableBalance)
		}
	}

	// Second run leaves funded accounts alone.
	if err := f.svc.BootstrapTestParties(context.Background()); err != nil {
		t.Fatalf("re-bootstrap: %v", err)
	}
	account, _ := f.store.GetAccount("alice")
	if !account.AvailableBalance.Equal(dec("1000")) {
		t.Fatalf("re-bootstrap double funded: %s", account.AvailableBalance)
	}
}
