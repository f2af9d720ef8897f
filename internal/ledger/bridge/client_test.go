package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"Walta-Core/internal/ledger"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error when api key is missing")
	}
}

func TestTransferSendsIdempotencyKey(t *testing.T) {
	var captured struct {
		APIKey  string
		IdemKey string
		Body    map[string]any
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.APIKey = r.Header.Get("Api-Key")
		captured.IdemKey = r.Header.Get("Idempotency-Key")
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&captured.Body); err != nil {
			t.Fatalf("failed to decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":         "transfer_123",
			"state":      "payment_processed",
			"created_at": time.Now().Format(time.RFC3339),
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	receipt, err := client.Transfer(context.Background(), "wallet_a", "wallet_b", 7_500, "transfer:trade-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if receipt.LedgerTxID != "transfer_123" {
		t.Fatalf("unexpected tx id %s", receipt.LedgerTxID)
	}
	if receipt.Status != ledger.TransferCompleted {
		t.Fatalf("unexpected status %s", receipt.Status)
	}
	if captured.APIKey != "test" {
		t.Fatalf("api key header missing: %q", captured.APIKey)
	}
	if captured.IdemKey != "transfer:trade-1" {
		t.Fatalf("idempotency key header missing: %q", captured.IdemKey)
	}
	if captured.Body["amount"] != "75.00" {
		t.Fatalf("unexpected amount field: %v", captured.Body["amount"])
	}
}

func TestTransferServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = client.Transfer(context.Background(), "wallet_a", "wallet_b", 100, "transfer:trade-1")
	if !errors.Is(err, ledger.ErrUnavailable) {
		t.Fatalf("expected ledger unavailable, got %v", err)
	}
}

func TestTransferClientErrorIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid destination", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = client.Transfer(context.Background(), "wallet_a", "wallet_b", 100, "transfer:trade-1")
	if !errors.Is(err, ledger.ErrRejected) {
		t.Fatalf("expected ledger rejected, got %v", err)
	}
}

func TestTransferInsufficientFunds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":"insufficient_funds"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = client.Transfer(context.Background(), "wallet_a", "wallet_b", 100, "transfer:trade-1")
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
}

func TestFindTransferNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []any{}})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = client.FindTransfer(context.Background(), "transfer:trade-missing")
	if !errors.Is(err, ledger.ErrTransferNotFound) {
		t.Fatalf("expected transfer not found, got %v", err)
	}
}
