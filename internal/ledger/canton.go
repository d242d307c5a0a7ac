package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"pebble-core/pkg/apperr"
)

const (
	defaultTimeout = 30 * time.Second
	streamPageSize = 100
	streamPollWait = 250 * time.Millisecond
)

// CantonClient talks to the Canton JSON Ledger API. Every request carries
// the configured bearer token; transient 5xx responses are retried by the
// underlying resty client.
type CantonClient struct {
	http   *resty.Client
	logger *slog.Logger
}

// NewCantonClient creates a JSON API client for the given base URL.
func NewCantonClient(baseURL, jwtToken string, logger *slog.Logger) *CantonClient {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(defaultTimeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")
	if jwtToken != "" {
		httpClient.SetAuthToken(jwtToken)
	}

	return &CantonClient{
		http:   httpClient,
		logger: logger.With("component", "canton"),
	}
}

type submitRequest struct {
	CommandID  string   `json:"commandId"`
	ActAs      []string `json:"actAs,omitempty"`
	Kind       string   `json:"kind"`
	TemplateID string   `json:"templateId"`
	ContractID string   `json:"contractId,omitempty"`
	Choice     string   `json:"choice,omitempty"`
	Payload    any      `json:"payload,omitempty"`
}

// Payload-bearing fields are json.RawMessage: the ledger returns JSON
// objects there, which a []byte field would reject as invalid base64.
type submitResponse struct {
	TransactionID  string          `json:"transactionId"`
	Offset         int64           `json:"offset"`
	ContractID     string          `json:"contractId,omitempty"`
	ExerciseResult json.RawMessage `json:"exerciseResult,omitempty"`
}

// SubmitCommand creates or exercises a contract and waits for completion.
func (c *CantonClient) SubmitCommand(ctx context.Context, req CommandRequest) (*CommandResult, error) {
	if req.CommandID == "" {
		return nil, apperr.New(apperr.Validation, apperr.CodeCantonSubmitFailed, "commandId is required")
	}

	var result submitResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(submitRequest{
			CommandID:  req.CommandID,
			ActAs:      req.ActAs,
			Kind:       string(req.Kind),
			TemplateID: req.TemplateID,
			ContractID: req.ContractID,
			Choice:     req.Choice,
			Payload:    req.Payload,
		}).
		SetResult(&result).
		Post("/v2/commands/submit-and-wait")
	if err != nil {
		return nil, apperr.Wrap(err, apperr.LedgerUnavailable, apperr.CodeCantonSubmitFailed,
			"submit %s", req.CommandID)
	}
	if resp.StatusCode() >= 400 && resp.StatusCode() < 500 {
		return nil, apperr.New(apperr.LedgerRejected, apperr.CodeCantonRejected,
			"submit %s: status %d: %s", req.CommandID, resp.StatusCode(), resp.String())
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, apperr.New(apperr.LedgerUnavailable, apperr.CodeCantonSubmitFailed,
			"submit %s: status %d", req.CommandID, resp.StatusCode())
	}

	return &CommandResult{
		TransactionID:  result.TransactionID,
		Offset:         result.Offset,
		ContractID:     result.ContractID,
		ExerciseResult: result.ExerciseResult,
	}, nil
}

type activeContractsResponse struct {
	Contracts []struct {
		ContractID  string          `json:"contractId"`
		TemplateID  string          `json:"templateId"`
		Payload     json.RawMessage `json:"payload"`
		CreatedAt   string          `json:"createdAt"`
		Signatories []string        `json:"signatories"`
		Observers   []string        `json:"observers"`
	} `json:"contracts"`
}

// GetActiveContracts returns the active contract set matching the filter.
func (c *CantonClient) GetActiveContracts(ctx context.Context, filter ContractFilter) ([]Contract, error) {
	var result activeContractsResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"templateIds": []string{filter.TemplateID},
			"party":       filter.Party,
		}).
		SetResult(&result).
		Post("/v2/state/active-contracts")
	if err != nil {
		return nil, apperr.Wrap(err, apperr.LedgerUnavailable, apperr.CodeCantonQueryFailed, "active contracts")
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, apperr.New(apperr.LedgerUnavailable, apperr.CodeCantonQueryFailed,
			"active contracts: status %d: %s", resp.StatusCode(), resp.String())
	}

	out := make([]Contract, 0, len(result.Contracts))
	for _, raw := range result.Contracts {
		createdAt, _ := time.Parse(time.RFC3339, raw.CreatedAt)
		out = append(out, Contract{
			ContractID:  raw.ContractID,
			TemplateID:  raw.TemplateID,
			Payload:     raw.Payload,
			CreatedAt:   createdAt,
			Signatories: raw.Signatories,
			Observers:   raw.Observers,
		})
	}
	return out, nil
}

type updatesResponse struct {
	Transactions []struct {
		TransactionID string `json:"transactionId"`
		Offset        int64  `json:"offset"`
		Events        []struct {
			Kind         string          `json:"kind"`
			ContractID   string          `json:"contractId"`
			TemplateID   string          `json:"templateId"`
			Payload      json.RawMessage `json:"payload,omitempty"`
			Stakeholders []string        `json:"stakeholders"`
		} `json:"events"`
	} `json:"transactions"`
}

// cantonStream pages /v2/updates/flats from an offset, buffering one page at
// a time. Recv blocks on an empty ledger by polling with a short wait.
type cantonStream struct {
	client *CantonClient
	filter StreamFilter

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	buf    []TransactionEvent
	offset int64
	closed bool
}

// StreamTransactions opens a transaction stream beginning after
// filter.BeginOffset. The stream is restartable from any offset.
func (c *CantonClient) StreamTransactions(ctx context.Context, filter StreamFilter) (Stream, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	return &cantonStream{
		client: c,
		filter: filter,
		ctx:    streamCtx,
		cancel: cancel,
		offset: filter.BeginOffset,
	}, nil
}

func (s *cantonStream) Recv() (*TransactionEvent, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, io.EOF
		}
		if len(s.buf) > 0 {
			tx := s.buf[0]
			s.buf = s.buf[1:]
			s.offset = tx.Offset
			s.mu.Unlock()
			return &tx, nil
		}
		offset := s.offset
		s.mu.Unlock()

		page, err := s.fetchPage(offset)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			select {
			case <-s.ctx.Done():
				return nil, io.EOF
			case <-time.After(streamPollWait):
				continue
			}
		}

		s.mu.Lock()
		s.buf = append(s.buf, page...)
		s.mu.Unlock()
	}
}

func (s *cantonStream) fetchPage(after int64) ([]TransactionEvent, error) {
	var result updatesResponse
	resp, err := s.client.http.R().
		SetContext(s.ctx).
		SetBody(map[string]any{
			"beginExclusive": after,
			"pageSize":       streamPageSize,
			"templateIds":    s.filter.TemplateIDs,
			"parties":        s.filter.Parties,
		}).
		SetResult(&result).
		Post("/v2/updates/flats")
	if err != nil {
		if s.ctx.Err() != nil {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("fetch updates: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("fetch updates: status %d: %s", resp.StatusCode(), resp.String())
	}

	out := make([]TransactionEvent, 0, len(result.Transactions))
	for _, raw := range result.Transactions {
		tx := TransactionEvent{
			TransactionID: raw.TransactionID,
			Offset:        raw.Offset,
		}
		for _, ev := range raw.Events {
			tx.Events = append(tx.Events, Event{
				Kind:         EventKind(ev.Kind),
				ContractID:   ev.ContractID,
				TemplateID:   ev.TemplateID,
				Payload:      ev.Payload,
				Stakeholders: ev.Stakeholders,
			})
		}
		out = append(out, tx)
	}
	return out, nil
}

func (s *cantonStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	return nil
}

// AllocateParty registers a new party on the ledger.
func (c *CantonClient) AllocateParty(ctx context.Context, hint, displayName string) (*PartyDetails, error) {
	var result struct {
		Party       string `json:"party"`
		DisplayName string `json:"displayName"`
		IsLocal     bool   `json:"isLocal"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"identifierHint": hint, "displayName": displayName}).
		SetResult(&result).
		Post("/v2/parties")
	if err != nil {
		return nil, apperr.Wrap(err, apperr.LedgerUnavailable, apperr.CodeCantonSubmitFailed, "allocate party %s", hint)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, apperr.New(apperr.LedgerRejected, apperr.CodeCantonRejected,
			"allocate party %s: status %d: %s", hint, resp.StatusCode(), resp.String())
	}
	return &PartyDetails{Party: result.Party, DisplayName: result.DisplayName, IsLocal: result.IsLocal}, nil
}

// GrantPartyRights grants actAs rights on a party to a ledger user.
func (c *CantonClient) GrantPartyRights(ctx context.Context, partyID, userID string) error {
	if userID == "" {
		userID = partyID
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{"rights": []map[string]string{{"type": "CanActAs", "party": partyID}}}).
		Post(fmt.Sprintf("/v2/users/%s/rights", userID))
	if err != nil {
		return apperr.Wrap(err, apperr.LedgerUnavailable, apperr.CodeCantonSubmitFailed, "grant rights %s", partyID)
	}
	if resp.StatusCode() != http.StatusOK {
		return apperr.New(apperr.LedgerRejected, apperr.CodeCantonRejected,
			"grant rights %s: status %d: %s", partyID, resp.StatusCode(), resp.String())
	}
	return nil
}

// GetLedgerEnd returns the current end offset of the ledger.
func (c *CantonClient) GetLedgerEnd(ctx context.Context) (int64, error) {
	var result struct {
		Offset int64 `json:"offset"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/v2/state/ledger-end")
	if err != nil {
		return 0, apperr.Wrap(err, apperr.LedgerUnavailable, apperr.CodeCantonQueryFailed, "ledger end")
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, apperr.New(apperr.LedgerUnavailable, apperr.CodeCantonQueryFailed,
			"ledger end: status %d", resp.StatusCode())
	}
	return result.Offset, nil
}

var _ Client = (*CantonClient)(nil)
