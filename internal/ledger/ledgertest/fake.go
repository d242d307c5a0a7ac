// Package ledgertest provides an in-memory ledger.Client for tests.
//
// The fake records every submitted command, serves scripted active-contract
// sets, and exposes a transaction stream fed by PushTransaction. Failure
// injection is per-choice: FailChoice makes the next submission of that
// choice return an error.
package ledgertest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"pebble-core/internal/ledger"
	"pebble-core/pkg/apperr"
)

// Fake is an in-memory ledger.Client.
type Fake struct {
	mu sync.Mutex

	Commands   []ledger.CommandRequest          // every submission, in order
	commandIDs map[string]*ledger.CommandResult // dedup by commandId
	contracts  map[string][]ledger.Contract     // templateID -> active set
	failures   map[string]error                 // choice (or "create:<tpl>") -> injected error
	nextOffset int64

	streamCh chan ledger.TransactionEvent
	closed   bool
}

// New creates an empty fake ledger.
func New() *Fake {
	return &Fake{
		commandIDs: make(map[string]*ledger.CommandResult),
		contracts:  make(map[string][]ledger.Contract),
		failures:   make(map[string]error),
		streamCh:   make(chan ledger.TransactionEvent, 256),
		nextOffset: 1,
	}
}

// FailChoice injects an error for the next submissions exercising choice.
func (f *Fake) FailChoice(choice string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[choice] = err
}

// ClearFailures removes all injected errors.
func (f *Fake) ClearFailures() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = make(map[string]error)
}

// SetActiveContracts replaces the scripted active set for a template.
func (f *Fake) SetActiveContracts(templateID string, contracts []ledger.Contract) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contracts[templateID] = contracts
}

// SubmittedChoices returns the choices exercised so far, in order.
func (f *Fake) SubmittedChoices() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.Commands))
	for _, cmd := range f.Commands {
		if cmd.Kind == ledger.CommandExercise {
			out = append(out, cmd.Choice)
		}
	}
	return out
}

// SubmitCommand records the command and returns a synthetic result.
// Duplicate commandIds return the original result without re-recording.
func (f *Fake) SubmitCommand(_ context.Context, req ledger.CommandRequest) (*ledger.CommandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if req.CommandID == "" {
		return nil, apperr.New(apperr.Validation, apperr.CodeCantonSubmitFailed, "commandId is required")
	}
	if prev, ok := f.commandIDs[req.CommandID]; ok {
		return prev, nil
	}

	key := req.Choice
	if req.Kind == ledger.CommandCreate {
		key = "create:" + req.TemplateID
	}
	if err, ok := f.failures[key]; ok {
		return nil, err
	}

	f.Commands = append(f.Commands, req)
	f.nextOffset++
	result := &ledger.CommandResult{
		TransactionID: fmt.Sprintf("tx-%d", f.nextOffset),
		Offset:        f.nextOffset,
		ContractID:    fmt.Sprintf("contract-%d", f.nextOffset),
	}
	f.commandIDs[req.CommandID] = result
	return result, nil
}

// GetActiveContracts serves the scripted set, filtered by observer party.
func (f *Fake) GetActiveContracts(_ context.Context, filter ledger.ContractFilter) ([]ledger.Contract, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	set := f.contracts[filter.TemplateID]
	if filter.Party == "" {
		return append([]ledger.Contract(nil), set...), nil
	}
	var out []ledger.Contract
	for _, c := range set {
		for _, p := range append(c.Signatories, c.Observers...) {
			if p == filter.Party {
				out = append(out, c)
				break
			}
		}
	}
	return out, nil
}

type fakeStream struct {
	fake   *Fake
	after  int64
	ctx    context.Context
	cancel context.CancelFunc
}

// StreamTransactions returns a stream over transactions pushed after
// filter.BeginOffset.
func (f *Fake) StreamTransactions(ctx context.Context, filter ledger.StreamFilter) (ledger.Stream, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	return &fakeStream{fake: f, after: filter.BeginOffset, ctx: streamCtx, cancel: cancel}, nil
}

func (s *fakeStream) Recv() (*ledger.TransactionEvent, error) {
	for {
		select {
		case <-s.ctx.Done():
			return nil, io.EOF
		case tx, ok := <-s.fake.streamCh:
			if !ok {
				return nil, io.EOF
			}
			if tx.Offset <= s.after {
				continue
			}
			return &tx, nil
		}
	}
}

func (s *fakeStream) Close() error {
	s.cancel()
	return nil
}

// PushTransaction feeds the stream with a transaction at the next offset
// and returns that offset.
func (f *Fake) PushTransaction(events ...ledger.Event) int64 {
	f.mu.Lock()
	f.nextOffset++
	offset := f.nextOffset
	f.mu.Unlock()

	f.streamCh <- ledger.TransactionEvent{
		TransactionID: fmt.Sprintf("tx-%d", offset),
		Offset:        offset,
		Events:        events,
	}
	return offset
}

// PushTransactionAt feeds the stream with a transaction at an explicit
// offset (for replay and monotonicity tests).
func (f *Fake) PushTransactionAt(offset int64, events ...ledger.Event) {
	f.streamCh <- ledger.TransactionEvent{
		TransactionID: fmt.Sprintf("tx-%d", offset),
		Offset:        offset,
		Events:        events,
	}
}

// CloseStream ends all open streams with io.EOF.
func (f *Fake) CloseStream() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.streamCh)
	}
}

// AllocateParty returns a deterministic party id derived from the hint.
func (f *Fake) AllocateParty(_ context.Context, hint, displayName string) (*ledger.PartyDetails, error) {
	return &ledger.PartyDetails{Party: hint + "::fake", DisplayName: displayName, IsLocal: true}, nil
}

// GrantPartyRights is a no-op.
func (f *Fake) GrantPartyRights(context.Context, string, string) error { return nil }

// GetLedgerEnd returns the highest offset handed out so far.
func (f *Fake) GetLedgerEnd(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nextOffset, nil
}

// MustPayload marshals v or panics; test helper for contract payloads.
func MustPayload(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

var _ ledger.Client = (*Fake)(nil)
