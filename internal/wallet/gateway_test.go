package wallet

import (
	"context"
	"errors"
	"testing"
	"time"

	"Walta-Core/internal/ledger"
)

func newFundedPair(t *testing.T, g *Gateway, m *ledger.MemoryLedger, amount ledger.Amount) (buyer, seller *ledger.Wallet) {
	t.Helper()
	ctx := context.Background()

	buyer, err := g.CreateWallet(ctx, "agent_buyer")
	if err != nil {
		t.Fatalf("create buyer wallet: %v", err)
	}
	seller, err = g.CreateWallet(ctx, "agent_seller")
	if err != nil {
		t.Fatalf("create seller wallet: %v", err)
	}
	if amount > 0 {
		if _, err := g.Fund(context.Background(), buyer.ID, amount, "seed"); err != nil {
			t.Fatalf("seed buyer wallet: %v", err)
		}
	}
	return buyer, seller
}

// flakyLedger 让若干次入金先返回可重试错误，用于验证网关的退避重试。
type flakyLedger struct {
	*ledger.MemoryLedger
	failFunds int
	fundCalls int
}

func (f *flakyLedger) Fund(ctx context.Context, walletID string, amount ledger.Amount, idemKey string) (ledger.Amount, error) {
	f.fundCalls++
	if f.failFunds > 0 {
		f.failFunds--
		return 0, ledger.ErrUnavailable
	}
	return f.MemoryLedger.Fund(ctx, walletID, amount, idemKey)
}

func TestFundRetriesTransientFailures(t *testing.T) {
	m := &flakyLedger{MemoryLedger: ledger.NewMemoryLedger(), failFunds: 2}
	g := NewGateway(m, WithMaxRetries(3), WithBackoffBase(time.Millisecond))

	buyer, err := g.CreateWallet(context.Background(), "agent_buyer")
	if err != nil {
		t.Fatalf("create wallet: %v", err)
	}

	balance, err := g.Fund(context.Background(), buyer.ID, 5_000, "trade-1")
	if err != nil {
		t.Fatalf("fund should survive transient failures: %v", err)
	}
	if balance != 5_000 {
		t.Fatalf("unexpected balance %d", balance)
	}
	if m.fundCalls != 3 {
		t.Fatalf("expected 3 fund attempts, got %d", m.fundCalls)
	}
}

func TestTransferDoesNotRetry(t *testing.T) {
	m := ledger.NewMemoryLedger()
	g := NewGateway(m, WithMaxRetries(3), WithBackoffBase(time.Millisecond))

	buyer, seller := newFundedPair(t, g, m, 5_000)

	calls := m.TransferCalls()
	m.FailUnavailable(1)
	_, err := g.Transfer(context.Background(), buyer.ID, seller.ID, 1_000, "trade-1")
	if !errors.Is(err, ledger.ErrUnavailable) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
	if got := m.TransferCalls(); got != calls {
		t.Fatalf("transfer must not be retried blindly, effective calls went from %d to %d", calls, got)
	}
}

func TestFindTransferAfterAmbiguity(t *testing.T) {
	m := ledger.NewMemoryLedger()
	g := NewGateway(m, WithBackoffBase(time.Millisecond))

	buyer, seller := newFundedPair(t, g, m, 5_000)

	m.AmbiguousOnce()
	if _, err := g.Transfer(context.Background(), buyer.ID, seller.ID, 1_000, "trade-1"); err == nil {
		t.Fatal("expected ambiguous transfer to surface an error")
	}

	receipt, err := g.FindTransfer(context.Background(), "trade-1")
	if err != nil {
		t.Fatalf("reconciliation lookup failed: %v", err)
	}
	if receipt.Amount != 1_000 {
		t.Fatalf("unexpected reconciled amount %d", receipt.Amount)
	}
}

func TestEnsureFundsAutoFundsDeficit(t *testing.T) {
	m := ledger.NewMemoryLedger()
	g := NewGateway(m, WithBackoffBase(time.Millisecond), WithMaxAutoFund(10_000))

	buyer, _ := newFundedPair(t, g, m, 2_000)

	if err := g.EnsureFunds(context.Background(), buyer.ID, 7_500, "trade-1"); err != nil {
		t.Fatalf("ensure funds: %v", err)
	}
	balance, err := g.Balance(context.Background(), buyer.ID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 7_500 {
		t.Fatalf("expected topped-up balance 7500, got %d", balance)
	}
}

func TestEnsureFundsDeniesLargeDeficit(t *testing.T) {
	m := ledger.NewMemoryLedger()
	g := NewGateway(m, WithBackoffBase(time.Millisecond), WithMaxAutoFund(1_000))

	buyer, _ := newFundedPair(t, g, m, 0)

	err := g.EnsureFunds(context.Background(), buyer.ID, 50_000, "trade-1")
	if !errors.Is(err, ErrFundingDenied) {
		t.Fatalf("expected funding denied, got %v", err)
	}
}

func TestLastKnownBalanceIsAdvisory(t *testing.T) {
	m := ledger.NewMemoryLedger()
	g := NewGateway(m, WithBackoffBase(time.Millisecond))

	buyer, seller := newFundedPair(t, g, m, 5_000)

	if _, ok := g.LastKnownBalance(seller.ID); ok {
		t.Fatal("seller balance should not be cached before any query")
	}
	if _, err := g.Balance(context.Background(), buyer.ID); err != nil {
		t.Fatalf("balance: %v", err)
	}
	if cached, ok := g.LastKnownBalance(buyer.ID); !ok || cached != 5_000 {
		t.Fatalf("expected cached balance 5000, got %d (%v)", cached, ok)
	}

	// 转账会使参与双方的缓存失效。
	if _, err := g.Transfer(context.Background(), buyer.ID, seller.ID, 1_000, "trade-1"); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if _, ok := g.LastKnownBalance(buyer.ID); ok {
		t.Fatal("buyer cache should be invalidated after transfer")
	}
}
