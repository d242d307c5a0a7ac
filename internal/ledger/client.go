// Package ledger defines the distributed-ledger client used by the trading
// core and its Canton JSON API implementation.
//
// The core never talks to the ledger directly; every collaborator depends on
// the Client interface so tests can substitute the in-memory fake from the
// ledgertest package. Commands carry a unique commandId for ledger-side
// idempotency: repeating a submission after an ambiguous failure is safe.
package ledger

import (
	"context"
	"encoding/json"
	"time"
)

// CommandKind selects between contract creation and choice exercise.
type CommandKind string

const (
	CommandCreate   CommandKind = "create"
	CommandExercise CommandKind = "exercise"
)

// CommandRequest is a single create or exercise submission.
type CommandRequest struct {
	CommandID  string      // unique; ledger deduplicates on it
	Kind       CommandKind
	TemplateID string      // template for create, or the exercised contract's template
	ContractID string      // exercise only
	Choice     string      // exercise only
	ActAs      []string    // submitting parties
	Payload    any         // create arguments or choice argument, JSON-encodable
}

// CommandResult is the ledger's response to a successful submission.
type CommandResult struct {
	TransactionID  string
	Offset         int64
	ContractID     string          // created contract, when applicable
	ExerciseResult json.RawMessage // choice return value, when applicable
}

// ContractFilter selects active contracts by template and visibility.
type ContractFilter struct {
	TemplateID string
	Party      string
}

// Contract is one active contract on the ledger.
type Contract struct {
	ContractID  string
	TemplateID  string
	Payload     json.RawMessage
	CreatedAt   time.Time
	Signatories []string
	Observers   []string
}

// StreamFilter bounds a transaction stream.
type StreamFilter struct {
	BeginOffset int64 // exclusive; stream starts after this offset
	TemplateIDs []string
	Parties     []string
}

// EventKind distinguishes contract creation from archival.
type EventKind string

const (
	EventCreated  EventKind = "created"
	EventArchived EventKind = "archived"
)

// Event is one create or archive within a ledger transaction.
type Event struct {
	Kind         EventKind
	ContractID   string
	TemplateID   string
	Payload      json.RawMessage // nil for archives
	Stakeholders []string
}

// TransactionEvent is one atomic ledger transaction.
type TransactionEvent struct {
	TransactionID string
	Offset        int64
	Events        []Event
}

// Stream is a lazy sequence of transactions. Recv blocks until the next
// transaction, returns io.EOF on clean close, and any other error on
// failure. Close releases the underlying connection and unblocks Recv.
type Stream interface {
	Recv() (*TransactionEvent, error)
	Close() error
}

// PartyDetails describes an allocated party.
type PartyDetails struct {
	Party       string
	DisplayName string
	IsLocal     bool
}

// Client is the abstract distributed-ledger interface (spec'd collaborator;
// the Canton JSON API implementation lives in this package, the in-memory
// fake in ledgertest).
type Client interface {
	// SubmitCommand creates or exercises a contract and waits for the result.
	SubmitCommand(ctx context.Context, req CommandRequest) (*CommandResult, error)
	// GetActiveContracts returns the active contract set matching the filter.
	GetActiveContracts(ctx context.Context, filter ContractFilter) ([]Contract, error)
	// StreamTransactions opens a restartable transaction stream.
	StreamTransactions(ctx context.Context, filter StreamFilter) (Stream, error)
	// AllocateParty registers a new party.
	AllocateParty(ctx context.Context, hint, displayName string) (*PartyDetails, error)
	// GrantPartyRights grants actAs/readAs rights on a party to a user.
	GrantPartyRights(ctx context.Context, partyID, userID string) error
	// GetLedgerEnd returns the current end offset.
	GetLedgerEnd(ctx context.Context) (int64, error)
}
