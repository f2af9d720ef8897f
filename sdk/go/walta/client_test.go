package walta

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAuthenticateAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/agents" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		var reg AgentRegistration
		if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if reg.Handle != "buyer" || reg.Profile.PriceCeilingCt != 5000 {
			t.Fatalf("unexpected registration: %+v", reg)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Agent{
			DID:      "did:walta:abc",
			Handle:   "buyer",
			WalletID: "wal-1",
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	agent, err := client.AuthenticateAgent(context.Background(), AgentRegistration{
		Handle:  "buyer",
		Profile: &Profile{Name: "buyer", PriceCeilingCt: 5000},
	})
	if err != nil {
		t.Fatalf("authenticate agent: %v", err)
	}
	if agent.DID != "did:walta:abc" || agent.WalletID != "wal-1" {
		t.Fatalf("unexpected agent: %+v", agent)
	}
}

func TestSubmitProposalSendsBearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/proposals" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer opaque-token" {
			t.Fatalf("expected bearer token, got %q", got)
		}
		_ = json.NewEncoder(w).Encode(Decision{
			ProposalID: "prop-1",
			Choice:     "accept",
			TradeID:    "trade-1",
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	client.SetAccessToken("opaque-token")

	decision, err := client.SubmitProposal(context.Background(), ProposalSubmission{
		InitiatorDID:    "did:walta:buyer",
		CounterpartyDID: "did:walta:seller",
		Service:         "translation",
		PriceCents:      2500,
	})
	if err != nil {
		t.Fatalf("submit proposal: %v", err)
	}
	if decision.TradeID != "trade-1" {
		t.Fatalf("unexpected decision: %+v", decision)
	}
}

func TestSettleTradeIdempotentReplay(t *testing.T) {
	calls := 0
	settledAt := time.Now().UTC().Truncate(time.Second)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/trades/trade-1/settle" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		calls++
		_ = json.NewEncoder(w).Encode(SettlementReceipt{
			TradeID:    "trade-1",
			LedgerTxID: "tx-1",
			Amount:     2500,
			SettledAt:  settledAt,
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	first, err := client.SettleTrade(context.Background(), "trade-1")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	second, err := client.SettleTrade(context.Background(), "trade-1")
	if err != nil {
		t.Fatalf("settle replay: %v", err)
	}
	if first.LedgerTxID != second.LedgerTxID || !first.SettledAt.Equal(second.SettledAt) {
		t.Fatalf("replay returned a different receipt: %+v vs %+v", first, second)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestListTradesEncodesFilters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if query.Get("status") != "settled" || query.Get("party") != "did:walta:buyer" || query.Get("limit") != "5" {
			t.Fatalf("unexpected query: %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode(TradeList{
			Trades: []Trade{{ID: "trade-1", Status: "settled"}},
			Count:  1,
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	listing, err := client.ListTrades(context.Background(), ListTradesOptions{
		Limit:  5,
		Status: "settled",
		Party:  "did:walta:buyer",
	})
	if err != nil {
		t.Fatalf("list trades: %v", err)
	}
	if listing.Count != 1 || listing.Trades[0].ID != "trade-1" {
		t.Fatalf("unexpected listing: %+v", listing)
	}
}

func TestGetTradeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error": "trade not found",
			"code":  "TRADE_NOT_FOUND",
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	_, err := client.GetTrade(context.Background(), "trade-404")
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Code != "TRADE_NOT_FOUND" || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}
