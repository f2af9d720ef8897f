package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"Walta-Core/sdk/go/walta"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/agents", func(w http.ResponseWriter, r *http.Request) {
		var reg walta.AgentRegistration
		_ = json.NewDecoder(r.Body).Decode(&reg)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(walta.Agent{
			DID:      "did:walta:" + reg.Handle,
			Handle:   reg.Handle,
			WalletID: "wal-" + reg.Handle,
		})
	})
	mux.HandleFunc("/api/v1/proposals", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(walta.Decision{
			ProposalID: "prop-demo",
			Choice:     "accept",
			Rationale:  "within expertise and price ceiling",
			TradeID:    "trade-demo",
		})
	})
	mux.HandleFunc("/api/v1/trades/trade-demo/settle", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(walta.SettlementReceipt{
			TradeID:    "trade-demo",
			LedgerTxID: "tx-demo",
			Amount:     2500,
			SettledAt:  time.Now().UTC(),
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := walta.NewClient(srv.URL, srv.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	buyer, err := client.AuthenticateAgent(ctx, walta.AgentRegistration{
		Handle:  "buyer",
		Profile: &walta.Profile{Name: "buyer", PriceCeilingCt: 5000},
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("authenticated %s wallet=%s\n", buyer.DID, buyer.WalletID)

	decision, err := client.SubmitProposal(ctx, walta.ProposalSubmission{
		InitiatorDID:    buyer.DID,
		CounterpartyDID: "did:walta:seller",
		Service:         "translation",
		PriceCents:      2500,
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("proposal %s -> %s (trade=%s)\n", decision.ProposalID, decision.Choice, decision.TradeID)

	receipt, err := client.SettleTrade(ctx, decision.TradeID)
	if err != nil {
		panic(err)
	}
	fmt.Printf("settled %s tx=%s amount=%d\n", receipt.TradeID, receipt.LedgerTxID, receipt.Amount)
}
