package trade

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"Walta-Core/internal/identity"
	"Walta-Core/internal/ledger"
	"Walta-Core/internal/observability/alerting"
	"Walta-Core/internal/wallet"
)

type fakeDirectory struct {
	mu      sync.Mutex
	entries map[string][2]string
}

func (d *fakeDirectory) add(did, handle, walletID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.entries == nil {
		d.entries = make(map[string][2]string)
	}
	d.entries[did] = [2]string{handle, walletID}
}

func (d *fakeDirectory) Party(_ context.Context, did string) (string, string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.entries[did]
	if !ok {
		return "", "", identity.ErrUnresolvable
	}
	return entry[0], entry[1], nil
}

type fakeAlerter struct {
	events atomic.Int32
}

func (a *fakeAlerter) Notify(_ context.Context, _ alerting.Event) error {
	a.events.Add(1)
	return nil
}

type settlementFixture struct {
	store     *MemoryStore
	ledger    *ledger.MemoryLedger
	gateway   *wallet.Gateway
	registry  *identity.StaticRegistry
	directory *fakeDirectory
	alerter   *fakeAlerter
	orch      *Orchestrator
	payerDID  string
	payeeDID  string
}

func newSettlementFixture(t *testing.T, balance ledger.Amount) *settlementFixture {
	t.Helper()
	ctx := context.Background()

	f := &settlementFixture{
		store:     NewMemoryStore(),
		ledger:    ledger.NewMemoryLedger(),
		registry:  identity.NewStaticRegistry(time.Hour),
		directory: &fakeDirectory{},
		alerter:   &fakeAlerter{},
	}
	f.gateway = wallet.NewGateway(f.ledger,
		wallet.WithBackoffBase(time.Millisecond),
		wallet.WithMaxAutoFund(0),
	)

	payerDID, err := f.registry.Register("buyer")
	if err != nil {
		t.Fatalf("register buyer: %v", err)
	}
	payeeDID, err := f.registry.Register("seller")
	if err != nil {
		t.Fatalf("register seller: %v", err)
	}
	f.payerDID = payerDID
	f.payeeDID = payeeDID

	payerWallet, err := f.gateway.CreateWallet(ctx, payerDID)
	if err != nil {
		t.Fatalf("create payer wallet: %v", err)
	}
	payeeWallet, err := f.gateway.CreateWallet(ctx, payeeDID)
	if err != nil {
		t.Fatalf("create payee wallet: %v", err)
	}
	f.directory.add(payerDID, "buyer", payerWallet.ID)
	f.directory.add(payeeDID, "seller", payeeWallet.ID)

	if balance > 0 {
		if _, err := f.gateway.Fund(ctx, payerWallet.ID, balance, "seed"); err != nil {
			t.Fatalf("seed payer wallet: %v", err)
		}
	}

	verifier := identity.NewVerifier(f.registry, identity.NewMemoryCache())
	f.orch = NewOrchestrator(f.store, f.gateway, verifier, f.directory,
		WithMaxRetries(3),
		WithBackoffBase(time.Millisecond),
		WithAlertDispatcher(f.alerter),
	)
	return f
}

func (f *settlementFixture) newTrade(t *testing.T, amount ledger.Amount) *Trade {
	t.Helper()
	tr, err := f.orch.Create(context.Background(), "proposal-1", f.payerDID, f.payeeDID, amount)
	if err != nil {
		t.Fatalf("create trade: %v", err)
	}
	return tr
}

func TestSettleHappyPath(t *testing.T) {
	f := newSettlementFixture(t, 10_000)
	tr := f.newTrade(t, 2_500)

	receipt, err := f.orch.Settle(context.Background(), tr.ID)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if receipt.TradeID != tr.ID || receipt.Amount != 2_500 {
		t.Fatalf("unexpected receipt %+v", receipt)
	}

	stored, err := f.store.GetTrade(context.Background(), tr.ID)
	if err != nil {
		t.Fatalf("get trade: %v", err)
	}
	if stored.Status != StatusSettled {
		t.Fatalf("expected settled, got %s", stored.Status)
	}
	if got := f.ledger.TransferCalls(); got != 1 {
		t.Fatalf("expected exactly one transfer, got %d", got)
	}
}

func TestSettleReplayReturnsSameReceipt(t *testing.T) {
	f := newSettlementFixture(t, 10_000)
	tr := f.newTrade(t, 2_500)

	first, err := f.orch.Settle(context.Background(), tr.ID)
	if err != nil {
		t.Fatalf("first settle: %v", err)
	}
	second, err := f.orch.Settle(context.Background(), tr.ID)
	if err != nil {
		t.Fatalf("replayed settle: %v", err)
	}
	if first.LedgerTxID != second.LedgerTxID || first.SettledAt != second.SettledAt {
		t.Fatalf("replay must return the stored receipt, got %+v and %+v", first, second)
	}
	if got := f.ledger.TransferCalls(); got != 1 {
		t.Fatalf("replay must not move funds again, transfers %d", got)
	}
}

func TestSettleConcurrentCallersProduceOneReceipt(t *testing.T) {
	f := newSettlementFixture(t, 10_000)
	tr := f.newTrade(t, 2_500)

	const callers = 8
	receipts := make([]*SettlementReceipt, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			receipts[idx], errs[idx] = f.orch.Settle(context.Background(), tr.ID)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if receipts[i].LedgerTxID != receipts[0].LedgerTxID {
			t.Fatalf("caller %d received a different receipt", i)
		}
	}
	if got := f.ledger.TransferCalls(); got != 1 {
		t.Fatalf("concurrent settlement must move funds exactly once, got %d transfers", got)
	}
}

func TestSettleAmbiguousOutcomeIsReconciled(t *testing.T) {
	f := newSettlementFixture(t, 10_000)
	tr := f.newTrade(t, 2_500)

	// 转账在账本侧落账，但响应丢失。结算必须通过对账确认，
	// 而不是重发第二笔转账。
	f.ledger.AmbiguousOnce()

	receipt, err := f.orch.Settle(context.Background(), tr.ID)
	if err != nil {
		t.Fatalf("settle with ambiguous outcome: %v", err)
	}
	if receipt.TradeID != tr.ID {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	if got := f.ledger.TransferCalls(); got != 1 {
		t.Fatalf("reconciliation must not duplicate the transfer, got %d", got)
	}

	stored, _ := f.store.GetTrade(context.Background(), tr.ID)
	if stored.Status != StatusSettled {
		t.Fatalf("expected settled after reconciliation, got %s", stored.Status)
	}
}

func TestSettleTransientFailureRetriesWithSameKey(t *testing.T) {
	f := newSettlementFixture(t, 10_000)
	tr := f.newTrade(t, 2_500)

	// 前两次尝试账本不可用且未落账，第三次成功。
	f.ledger.FailUnavailable(2)

	receipt, err := f.orch.Settle(context.Background(), tr.ID)
	if err != nil {
		t.Fatalf("settle after transient failures: %v", err)
	}
	if receipt.Amount != 2_500 {
		t.Fatalf("unexpected receipt amount %d", receipt.Amount)
	}
	if got := f.ledger.TransferCalls(); got != 1 {
		t.Fatalf("expected one effective transfer, got %d", got)
	}
}

func TestSettleExhaustedRetriesCompensates(t *testing.T) {
	f := newSettlementFixture(t, 10_000)
	tr := f.newTrade(t, 2_500)

	f.ledger.FailUnavailable(100)

	_, err := f.orch.Settle(context.Background(), tr.ID)
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected retries exhausted, got %v", err)
	}

	stored, _ := f.store.GetTrade(context.Background(), tr.ID)
	if stored.Status != StatusCompensated {
		t.Fatalf("expected compensated, got %s", stored.Status)
	}
	if f.alerter.events.Load() == 0 {
		t.Fatal("compensation must raise an alert")
	}
	if got := f.ledger.TransferCalls(); got != 0 {
		t.Fatalf("no funds must have moved, got %d transfers", got)
	}
}

func TestSettleTerminalRejectionFailsImmediately(t *testing.T) {
	f := newSettlementFixture(t, 10_000)
	tr := f.newTrade(t, 2_500)

	f.ledger.FailRejected(true)

	_, err := f.orch.Settle(context.Background(), tr.ID)
	if !errors.Is(err, ledger.ErrRejected) {
		t.Fatalf("expected ledger rejection, got %v", err)
	}

	stored, _ := f.store.GetTrade(context.Background(), tr.ID)
	if stored.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", stored.Status)
	}
	if got := f.ledger.TransferCalls(); got != 0 {
		t.Fatalf("rejected transfer must not move funds, got %d", got)
	}
}

func TestSettleTerminalFundingRejectionFailsTrade(t *testing.T) {
	f := newSettlementFixture(t, 10_000)
	tr := f.newTrade(t, 2_500)

	// 付款方的目录条目指向账本不认识的钱包，
	// 资金保障阶段会收到终态拒绝。
	f.directory.add(f.payerDID, "buyer", "wallet_missing")

	_, err := f.orch.Settle(context.Background(), tr.ID)
	if !errors.Is(err, ledger.ErrRejected) {
		t.Fatalf("expected ledger rejection, got %v", err)
	}

	stored, _ := f.store.GetTrade(context.Background(), tr.ID)
	if stored.Status != StatusFailed {
		t.Fatalf("terminal funding rejection must fail the trade, got %s", stored.Status)
	}
	if got := f.ledger.TransferCalls(); got != 0 {
		t.Fatalf("no funds must move, got %d transfers", got)
	}
}

func TestSettleResumesPersistedRetryBudget(t *testing.T) {
	f := newSettlementFixture(t, 10_000)
	tr := f.newTrade(t, 2_500)

	// 模拟上一个进程已经消耗两次尝试后崩溃：
	// 交易停在 funded，尝试计数已落库。
	if _, err := f.store.Transition(context.Background(), tr.ID, []Status{StatusPending}, StatusFunded, "", false); err != nil {
		t.Fatalf("transition to funded: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := f.store.RecordAttempt(context.Background(), tr.ID); err != nil {
			t.Fatalf("record attempt: %v", err)
		}
	}

	// 最多还剩一次尝试。若预算被重置，第二次尝试就会成功结算。
	f.ledger.FailUnavailable(1)

	_, err := f.orch.Settle(context.Background(), tr.ID)
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected retries exhausted, got %v", err)
	}

	stored, _ := f.store.GetTrade(context.Background(), tr.ID)
	if stored.Status != StatusCompensated {
		t.Fatalf("expected compensated, got %s", stored.Status)
	}
	if stored.Attempts != 3 {
		t.Fatalf("expected 3 persisted attempts, got %d", stored.Attempts)
	}
}

func TestSettleReleasesTradeLock(t *testing.T) {
	f := newSettlementFixture(t, 10_000)
	tr := f.newTrade(t, 2_500)

	if _, err := f.orch.Settle(context.Background(), tr.ID); err != nil {
		t.Fatalf("settle: %v", err)
	}

	f.orch.mu.Lock()
	remaining := len(f.orch.locks)
	f.orch.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("trade locks must be reclaimed after settlement, %d left", remaining)
	}
}

func TestSettleUnverifiedIdentityFails(t *testing.T) {
	f := newSettlementFixture(t, 10_000)
	tr := f.newTrade(t, 2_500)

	f.registry.Tamper("seller")

	_, err := f.orch.Settle(context.Background(), tr.ID)
	if !errors.Is(err, ErrIdentityNotVerified) {
		t.Fatalf("expected identity not verified, got %v", err)
	}

	stored, _ := f.store.GetTrade(context.Background(), tr.ID)
	if stored.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", stored.Status)
	}
	if got := f.ledger.TransferCalls(); got != 0 {
		t.Fatalf("no funds must move for unverified parties, got %d", got)
	}
}

func TestSettleFundingDeniedFails(t *testing.T) {
	// 付款方余额为零且自动入金上限为零。
	f := newSettlementFixture(t, 0)
	tr := f.newTrade(t, 2_500)

	_, err := f.orch.Settle(context.Background(), tr.ID)
	if !errors.Is(err, wallet.ErrFundingDenied) {
		t.Fatalf("expected funding denied, got %v", err)
	}

	stored, _ := f.store.GetTrade(context.Background(), tr.ID)
	if stored.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", stored.Status)
	}
}

func TestCancelOnlyWhilePending(t *testing.T) {
	f := newSettlementFixture(t, 10_000)

	pending := f.newTrade(t, 2_500)
	if err := f.orch.Cancel(context.Background(), pending.ID); err != nil {
		t.Fatalf("cancel pending trade: %v", err)
	}
	stored, _ := f.store.GetTrade(context.Background(), pending.ID)
	if stored.Status != StatusFailed || stored.Reason != "已取消" {
		t.Fatalf("unexpected cancelled trade %+v", stored)
	}

	settled := f.newTrade(t, 2_500)
	if _, err := f.orch.Settle(context.Background(), settled.ID); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if err := f.orch.Cancel(context.Background(), settled.ID); !errors.Is(err, ErrTradeConflict) {
		t.Fatalf("expected conflict cancelling settled trade, got %v", err)
	}
}

func TestCreateValidation(t *testing.T) {
	f := newSettlementFixture(t, 0)
	ctx := context.Background()

	if _, err := f.orch.Create(ctx, "p", "", f.payeeDID, 100); err == nil {
		t.Fatal("expected error for empty payer")
	}
	if _, err := f.orch.Create(ctx, "p", f.payerDID, f.payerDID, 100); err == nil {
		t.Fatal("expected error for self trade")
	}
	if _, err := f.orch.Create(ctx, "p", f.payerDID, f.payeeDID, 0); err == nil {
		t.Fatal("expected error for non-positive amount")
	}
}
