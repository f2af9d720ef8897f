package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"Walta-Core/internal/identity"
	"Walta-Core/internal/ledger"
	"Walta-Core/internal/negotiation"
	"Walta-Core/internal/reason"
	"Walta-Core/internal/trade"
	"Walta-Core/internal/wallet"
)

func newTestManager(t *testing.T) (*Manager, *ledger.MemoryLedger) {
	t.Helper()
	ml := ledger.NewMemoryLedger()
	gateway := wallet.NewGateway(ml, wallet.WithBackoffBase(time.Millisecond))
	registry := identity.NewStaticRegistry(time.Hour)
	verifier := identity.NewVerifier(registry, identity.NewMemoryCache())
	channel := negotiation.NewMemoryChannel(16)
	store := trade.NewMemoryStore()

	m, err := NewManager(ManagerConfig{
		Minter:   registry,
		Verifier: verifier,
		Gateway:  gateway,
		Channel:  channel,
		Store:    store,
		EngineOpts: []negotiation.EngineOption{
			negotiation.WithDecisionWindow(2 * time.Second),
		},
	}, trade.WithBackoffBase(time.Millisecond))
	if err != nil {
		t.Fatalf("构造会话管理器失败: %v", err)
	}
	t.Cleanup(func() {
		channel.Close()
	})
	return m, ml
}

func serveSession(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func authenticate(t *testing.T, m *Manager, handle string, ceiling int64) *Session {
	t.Helper()
	profile := &reason.Profile{Name: handle, PriceCeilingCt: ceiling}
	s, err := m.Authenticate(context.Background(), handle, profile, reason.NewScriptedDecider(profile))
	if err != nil {
		t.Fatalf("认证 %s 失败: %v", handle, err)
	}
	return s
}

func TestAuthenticateMintsIdentityAndWallet(t *testing.T) {
	m, _ := newTestManager(t)

	s := authenticate(t, m, "buyer", 0)
	if s.DID() == "" {
		t.Fatal("会话缺少 DID")
	}
	if s.WalletID() == "" {
		t.Fatal("会话缺少钱包")
	}
	if s.Handle() != "buyer" {
		t.Fatalf("句柄不匹配: %s", s.Handle())
	}

	again := authenticate(t, m, "buyer", 0)
	if again != s {
		t.Fatal("重复认证同一句柄应返回既有会话")
	}
}

func TestPartyDirectoryResolvesSessions(t *testing.T) {
	m, _ := newTestManager(t)
	s := authenticate(t, m, "seller", 0)

	handle, walletID, err := m.Party(context.Background(), s.DID())
	if err != nil {
		t.Fatalf("解析参与方失败: %v", err)
	}
	if handle != "seller" || walletID != s.WalletID() {
		t.Fatalf("参与方信息不匹配: %s %s", handle, walletID)
	}

	if _, _, err := m.Party(context.Background(), "did:walta:unknown"); !errors.Is(err, identity.ErrUnresolvable) {
		t.Fatalf("未知 DID 期望 ErrUnresolvable，实际 %v", err)
	}
}

func TestProposeAcceptAndSettle(t *testing.T) {
	m, ml := newTestManager(t)
	buyer := authenticate(t, m, "buyer", 0)
	seller := authenticate(t, m, "seller", 10_000)
	serveSession(t, buyer)
	serveSession(t, seller)

	ctx := context.Background()
	if _, err := ml.Fund(ctx, buyer.WalletID(), 10_000, "seed"); err != nil {
		t.Fatalf("注资失败: %v", err)
	}

	decision, err := buyer.SubmitProposal(ctx, seller.DID(), "translation", 2_500)
	if err != nil {
		t.Fatalf("提案失败: %v", err)
	}
	if decision.Choice != reason.ChoiceAccept {
		t.Fatalf("期望接受，实际 %s (%s)", decision.Choice, decision.Rationale)
	}
	if decision.TradeID == "" {
		t.Fatal("接受的提案应携带交易 ID")
	}

	receipt, err := buyer.Settle(ctx, decision.TradeID)
	if err != nil {
		t.Fatalf("结算失败: %v", err)
	}
	if receipt.Amount != 2_500 {
		t.Fatalf("回执金额不匹配: %d", receipt.Amount)
	}

	tr, err := buyer.GetTradeStatus(ctx, decision.TradeID)
	if err != nil {
		t.Fatalf("查询交易失败: %v", err)
	}
	if tr.Status != trade.StatusSettled {
		t.Fatalf("期望 settled，实际 %s", tr.Status)
	}

	sellerBalance, err := seller.Balance(ctx)
	if err != nil {
		t.Fatalf("查询余额失败: %v", err)
	}
	if sellerBalance != 2_500 {
		t.Fatalf("收款方余额不匹配: %d", sellerBalance)
	}
}

func TestHistoryAndDecisionLog(t *testing.T) {
	m, ml := newTestManager(t)
	buyer := authenticate(t, m, "buyer", 0)
	seller := authenticate(t, m, "seller", 10_000)
	serveSession(t, buyer)
	serveSession(t, seller)

	ctx := context.Background()
	if _, err := ml.Fund(ctx, buyer.WalletID(), 5_000, "seed"); err != nil {
		t.Fatalf("注资失败: %v", err)
	}

	decision, err := buyer.SubmitProposal(ctx, seller.DID(), "translation", 1_000)
	if err != nil {
		t.Fatalf("提案失败: %v", err)
	}
	if _, err := buyer.Settle(ctx, decision.TradeID); err != nil {
		t.Fatalf("结算失败: %v", err)
	}

	buyerTrades, err := buyer.History(ctx)
	if err != nil {
		t.Fatalf("查询历史失败: %v", err)
	}
	if len(buyerTrades) != 1 || buyerTrades[0].ID != decision.TradeID {
		t.Fatalf("付款方历史不匹配: %+v", buyerTrades)
	}
	sellerTrades, err := seller.History(ctx)
	if err != nil {
		t.Fatalf("查询历史失败: %v", err)
	}
	if len(sellerTrades) != 1 {
		t.Fatalf("收款方历史不匹配: %+v", sellerTrades)
	}

	outbound := buyer.Decisions()
	if len(outbound) != 1 || outbound[0].Direction != DirectionOutbound {
		t.Fatalf("付款方决策日志不匹配: %+v", outbound)
	}
	inbound := seller.Decisions()
	if len(inbound) != 1 || inbound[0].Direction != DirectionInbound {
		t.Fatalf("收款方决策日志不匹配: %+v", inbound)
	}
	if inbound[0].Choice != reason.ChoiceAccept {
		t.Fatalf("收款方应记录接受决策: %+v", inbound[0])
	}
}

func TestRespondToProposalHookOverridesDecider(t *testing.T) {
	m, _ := newTestManager(t)
	buyer := authenticate(t, m, "buyer", 0)
	seller := authenticate(t, m, "seller", 10_000)
	serveSession(t, buyer)
	serveSession(t, seller)

	var mu sync.Mutex
	var seen []string
	seller.RespondToProposal(func(p negotiation.Proposal) (reason.Choice, string) {
		mu.Lock()
		seen = append(seen, p.ServiceDescriptor)
		mu.Unlock()
		return reason.ChoiceReject, "手动拒绝"
	})

	decision, err := buyer.SubmitProposal(context.Background(), seller.DID(), "translation", 1_000)
	if err != nil {
		t.Fatalf("提案失败: %v", err)
	}
	if decision.Choice != reason.ChoiceReject || decision.Rationale != "手动拒绝" {
		t.Fatalf("钩子未生效: %+v", decision)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != "translation" {
		t.Fatalf("钩子未收到提案: %v", seen)
	}
}

func TestManagerRequiresDependencies(t *testing.T) {
	if _, err := NewManager(ManagerConfig{}); err == nil {
		t.Fatal("缺少依赖时应报错")
	}
}
