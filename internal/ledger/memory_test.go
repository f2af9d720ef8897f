package ledger

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryLedgerIdempotentFund(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLedger()

	wallet, err := m.CreateWallet(ctx, "agent_buyer")
	if err != nil {
		t.Fatalf("create wallet: %v", err)
	}

	if _, err := m.Fund(ctx, wallet.ID, 5_000, "fund:trade-1"); err != nil {
		t.Fatalf("fund: %v", err)
	}
	balance, err := m.Fund(ctx, wallet.ID, 5_000, "fund:trade-1")
	if err != nil {
		t.Fatalf("replayed fund: %v", err)
	}
	if balance != 5_000 {
		t.Fatalf("replayed fund must not double credit, balance %d", balance)
	}
}

func TestMemoryLedgerIdempotentTransfer(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLedger()

	buyer, _ := m.CreateWallet(ctx, "agent_buyer")
	seller, _ := m.CreateWallet(ctx, "agent_seller")
	if _, err := m.Fund(ctx, buyer.ID, 5_000, "fund:trade-1"); err != nil {
		t.Fatalf("fund: %v", err)
	}

	first, err := m.Transfer(ctx, buyer.ID, seller.ID, 2_000, "transfer:trade-1")
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	second, err := m.Transfer(ctx, buyer.ID, seller.ID, 2_000, "transfer:trade-1")
	if err != nil {
		t.Fatalf("replayed transfer: %v", err)
	}
	if first.LedgerTxID != second.LedgerTxID {
		t.Fatalf("expected identical receipts, got %s and %s", first.LedgerTxID, second.LedgerTxID)
	}
	if got := m.TransferCalls(); got != 1 {
		t.Fatalf("expected 1 effective transfer, got %d", got)
	}

	balance, _ := m.Balance(ctx, seller.ID)
	if balance != 2_000 {
		t.Fatalf("unexpected seller balance %d", balance)
	}
}

func TestMemoryLedgerInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLedger()

	buyer, _ := m.CreateWallet(ctx, "agent_buyer")
	seller, _ := m.CreateWallet(ctx, "agent_seller")

	if _, err := m.Transfer(ctx, buyer.ID, seller.ID, 100, "transfer:trade-1"); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
}

func TestMemoryLedgerAmbiguousTransfer(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLedger()

	buyer, _ := m.CreateWallet(ctx, "agent_buyer")
	seller, _ := m.CreateWallet(ctx, "agent_seller")
	if _, err := m.Fund(ctx, buyer.ID, 5_000, "fund:trade-1"); err != nil {
		t.Fatalf("fund: %v", err)
	}

	m.AmbiguousOnce()
	_, err := m.Transfer(ctx, buyer.ID, seller.ID, 2_000, "transfer:trade-1")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected unavailable on ambiguous transfer, got %v", err)
	}

	// 响应虽然丢失，账本侧已经落账，对账接口必须能查到。
	receipt, err := m.FindTransfer(ctx, "transfer:trade-1")
	if err != nil {
		t.Fatalf("find transfer after ambiguity: %v", err)
	}
	if receipt.Amount != 2_000 {
		t.Fatalf("unexpected reconciled amount %d", receipt.Amount)
	}

	balance, _ := m.Balance(ctx, seller.ID)
	if balance != 2_000 {
		t.Fatalf("value must have moved exactly once, seller balance %d", balance)
	}
}
