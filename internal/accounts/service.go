// Package accounts handles onboarding, deposits, withdrawals, and the test
// faucet.
//
// Onboarding allocates a ledger party, creates the TradingAccount via the
// request/accept pattern, and records the projection row. Balance mutations
// always submit the ledger command first; the projection is updated only
// after the ledger accepts.
package accounts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"pebble-core/internal/hub"
	"pebble-core/internal/ledger"
	"pebble-core/internal/store"
	"pebble-core/pkg/apperr"
	"pebble-core/pkg/types"
)

// FaucetDailyLimit caps test-money grants per user per day.
var FaucetDailyLimit = decimal.NewFromInt(10_000)

// Service is the account service.
type Service struct {
	store    *store.Store
	ledger   ledger.Client
	hub      *hub.Hub
	operator string
	logger   *slog.Logger
}

// NewService wires the account service.
func NewService(st *store.Store, lc ledger.Client, h *hub.Hub, operator string, logger *slog.Logger) *Service {
	return &Service{
		store:    st,
		ledger:   lc,
		hub:      h,
		operator: operator,
		logger:   logger.With("component", "accounts"),
	}
}

// Onboard provisions a ledger party and trading account for a new user.
// Calling it again for an existing user returns the existing account.
func (s *Service) Onboard(ctx context.Context, userID string) (*types.Account, error) {
	if userID == "" {
		return nil, apperr.New(apperr.Validation, apperr.CodeInvalidRequest, "userId is required")
	}
	if existing, err := s.store.GetAccount(userID); err == nil {
		return existing, nil
	}

	party, err := s.ledger.AllocateParty(ctx, userID, userID)
	if err != nil {
		return nil, err
	}
	if err := s.ledger.GrantPartyRights(ctx, party.Party, ""); err != nil {
		return nil, err
	}

	// Request/accept: the user proposes, the operator countersigns.
	reqResult, err := s.ledger.SubmitCommand(ctx, ledger.CommandRequest{
		CommandID:  "account-request-" + userID,
		Kind:       ledger.CommandCreate,
		TemplateID: ledger.TplTradingAccountRequest,
		ActAs:      []string{party.Party},
		Payload:    map[string]string{"owner": party.Party, "operator": s.operator},
	})
	if err != nil {
		return nil, err
	}
	acceptResult, err := s.ledger.SubmitCommand(ctx, ledger.CommandRequest{
		CommandID:  "account-accept-" + userID,
		Kind:       ledger.CommandExercise,
		TemplateID: ledger.TplTradingAccountRequest,
		ContractID: reqResult.ContractID,
		Choice:     ledger.ChoiceAcceptRequest,
		ActAs:      []string{s.operator},
	})
	if err != nil {
		return nil, err
	}
	authResult, err := s.ledger.SubmitCommand(ctx, ledger.CommandRequest{
		CommandID:  "account-auth-" + userID,
		Kind:       ledger.CommandCreate,
		TemplateID: ledger.TplAuthorization,
		ActAs:      []string{party.Party},
		Payload:    map[string]string{"user": party.Party, "operator": s.operator},
	})
	if err != nil {
		return nil, err
	}

	account := &types.Account{
		UserID:                  userID,
		PartyID:                 party.Party,
		AccountContractID:       acceptResult.ContractID,
		AuthorizationContractID: authResult.ContractID,
		AvailableBalance:        decimal.Zero,
		LockedBalance:           decimal.Zero,
		LastUpdated:             time.Now().UTC(),
	}
	if err := s.store.UpsertAccount(account); err != nil {
		return nil, err
	}
	s.logger.Info("account onboarded", "user_id", userID, "party", party.Party)
	return account, nil
}

// Deposit credits external funds. The ledger command carries the external
// transaction id so replays after partial failure are deduplicated.
func (s *Service) Deposit(ctx context.Context, userID, externalTxID string, amount decimal.Decimal) (*types.Account, error) {
	if !amount.IsPositive() {
		return nil, apperr.New(apperr.Validation, apperr.CodeInvalidQuantity, "amount must be positive")
	}
	account, err := s.store.GetAccount(userID)
	if err != nil {
		return nil, err
	}
	if externalTxID == "" {
		externalTxID = uuid.NewString()
	}

	if account.AccountContractID != "" {
		_, err = s.ledger.SubmitCommand(ctx, ledger.CommandRequest{
			CommandID:  "deposit-" + externalTxID,
			Kind:       ledger.CommandExercise,
			TemplateID: ledger.TplTradingAccount,
			ContractID: account.AccountContractID,
			Choice:     ledger.ChoiceCreditFromDeposit,
			ActAs:      []string{s.operator},
			Payload:    map[string]string{"amount": amount.String()},
		})
		if err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	if err := s.store.CreditAvailable(userID, amount, now); err != nil {
		return nil, err
	}
	return s.notifyBalance(userID)
}

// Withdraw debits available funds after the ledger accepts the withdrawal.
// The ledger command carries the caller's withdrawal id so a retry after an
// ambiguous failure cannot debit twice.
func (s *Service) Withdraw(ctx context.Context, userID, withdrawalID string, amount decimal.Decimal) (*types.Account, error) {
	if !amount.IsPositive() {
		return nil, apperr.New(apperr.Validation, apperr.CodeInvalidQuantity, "amount must be positive")
	}
	account, err := s.store.GetAccount(userID)
	if err != nil {
		return nil, err
	}
	if account.AvailableBalance.LessThan(amount) {
		return nil, apperr.New(apperr.InsufficientFunds, apperr.CodeInsufficientBalance,
			"available %s < requested %s", account.AvailableBalance, amount)
	}
	if withdrawalID == "" {
		withdrawalID = uuid.NewString()
	}

	if account.AccountContractID != "" {
		_, err = s.ledger.SubmitCommand(ctx, ledger.CommandRequest{
			CommandID:  "withdraw-" + withdrawalID,
			Kind:       ledger.CommandExercise,
			TemplateID: ledger.TplTradingAccount,
			ContractID: account.AccountContractID,
			Choice:     ledger.ChoiceWithdrawFunds,
			ActAs:      []string{account.PartyID},
			Payload:    map[string]string{"amount": amount.String()},
		})
		if err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	if err := s.store.DebitAvailable(userID, amount, now); err != nil {
		return nil, err
	}
	return s.notifyBalance(userID)
}

// Faucet grants test money, capped per user per day.
func (s *Service) Faucet(ctx context.Context, userID string, amount decimal.Decimal) (*types.Account, error) {
	if !amount.IsPositive() {
		return nil, apperr.New(apperr.Validation, apperr.CodeInvalidQuantity, "amount must be positive")
	}
	dayStart := time.Now().UTC().Truncate(24 * time.Hour)
	granted, err := s.store.SumFaucetSince(userID, dayStart)
	if err != nil {
		return nil, err
	}
	if granted.Add(amount).GreaterThan(FaucetDailyLimit) {
		return nil, apperr.New(apperr.RateLimited, apperr.CodeFaucetLimitReached,
			"daily faucet limit %s reached", FaucetDailyLimit)
	}

	account, err := s.Deposit(ctx, userID, "faucet-"+uuid.NewString(), amount)
	if err != nil {
		return nil, err
	}
	if err := s.store.InsertFaucetRequest(userID, amount, time.Now().UTC()); err != nil {
		return nil, err
	}
	return account, nil
}

// Get returns the account projection for a user.
func (s *Service) Get(userID string) (*types.Account, error) {
	return s.store.GetAccount(userID)
}

// BootstrapTestParties onboards and funds a fixed set of development
// parties at startup.
func (s *Service) BootstrapTestParties(ctx context.Context) error {
	for i, userID := range []string{"alice", "bob", "carol"} {
		account, err := s.Onboard(ctx, userID)
		if err != nil {
			return fmt.Errorf("bootstrap %s: %w", userID, err)
		}
		if account.AvailableBalance.IsPositive() {
			continue // already funded from a previous run
		}
		if _, err := s.Deposit(ctx, userID, fmt.Sprintf("bootstrap-%d", i), decimal.NewFromInt(1000)); err != nil {
			return fmt.Errorf("fund %s: %w", userID, err)
		}
	}
	s.logger.Info("test parties bootstrapped")
	return nil
}

func (s *Service) notifyBalance(userID string) (*types.Account, error) {
	account, err := s.store.GetAccount(userID)
	if err != nil {
		return nil, err
	}
	s.hub.SendToUser(userID, "balance", hub.Event{Type: "balance_update", Data: account})
	return account, nil
}
