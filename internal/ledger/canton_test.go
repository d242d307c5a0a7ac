package ledger

import (
	"encoding/json"
	"testing"
)

// The JSON API returns contract arguments and choice results as JSON
// objects, not strings; the wire structs must accept them as-is.

func TestSubmitResponseDecodesObjectResult(t *testing.T) {
	t.Parallel()
	body := `{
		"transactionId": "tx-1",
		"offset": 42,
		"contractId": "c-1",
		"exerciseResult": {"newBalance": "150.00"}
	}`
	var resp submitResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.TransactionID != "tx-1" || resp.Offset != 42 {
		t.Fatalf("response %+v", resp)
	}
	var result struct {
		NewBalance string `json:"newBalance"`
	}
	if err := json.Unmarshal(resp.ExerciseResult, &result); err != nil {
		t.Fatalf("decode exercise result: %v", err)
	}
	if result.NewBalance != "150.00" {
		t.Fatalf("exercise result %+v", result)
	}
}

func TestActiveContractsDecodeObjectPayloads(t *testing.T) {
	t.Parallel()
	body := `{
		"contracts": [{
			"contractId": "c-1",
			"templateId": "Pebble.Account:TradingAccount",
			"payload": {
				"owner": "alice::party",
				"operator": "operator::1",
				"availableBalance": "100.50",
				"lockedBalance": "5"
			},
			"createdAt": "2026-08-26T12:00:00Z",
			"signatories": ["operator::1"],
			"observers": ["alice::party"]
		}]
	}`
	var resp activeContractsResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Contracts) != 1 {
		t.Fatalf("contracts: %d", len(resp.Contracts))
	}
	var payload TradingAccountPayload
	if err := json.Unmarshal(resp.Contracts[0].Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Owner != "alice::party" || payload.AvailableBalance.String() != "100.5" {
		t.Fatalf("payload %+v", payload)
	}
}

func TestUpdatesDecodeObjectPayloads(t *testing.T) {
	t.Parallel()
	body := `{
		"transactions": [{
			"transactionId": "tx-9",
			"offset": 7,
			"events": [
				{
					"kind": "created",
					"contractId": "c-2",
					"templateId": "Pebble.Account:TradingAccount",
					"payload": {"owner": "bob::party", "operator": "operator::1", "availableBalance": "0", "lockedBalance": "0"},
					"stakeholders": ["operator::1", "bob::party"]
				},
				{
					"kind": "archived",
					"contractId": "c-1",
					"templateId": "Pebble.Account:TradingAccount",
					"stakeholders": ["operator::1"]
				}
			]
		}]
	}`
	var resp updatesResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	tx := resp.Transactions[0]
	if tx.Offset != 7 || len(tx.Events) != 2 {
		t.Fatalf("transaction %+v", tx)
	}
	var payload TradingAccountPayload
	if err := json.Unmarshal(tx.Events[0].Payload, &payload); err != nil {
		t.Fatalf("decode created payload: %v", err)
	}
	if payload.Owner != "bob::party" {
		t.Fatalf("payload %+v", payload)
	}
	if tx.Events[1].Payload != nil {
		t.Fatalf("archive carried a payload: %s", tx.Events[1].Payload)
	}
}
