package session

import (
	"context"
	"errors"
	"sync"
	"time"

	xerrors "Walta-Core/internal/errors"
	"Walta-Core/internal/identity"
	"Walta-Core/internal/ledger"
	"Walta-Core/internal/negotiation"
	"Walta-Core/internal/reason"
	"Walta-Core/internal/trade"
	"Walta-Core/internal/wallet"
	"Walta-Core/pkg/logger"
)

// DecisionRecord 是会话决策日志中的一条记录。
type DecisionRecord struct {
	ProposalID string        `json:"proposal_id"`
	Direction  string        `json:"direction"`
	Choice     reason.Choice `json:"choice"`
	Rationale  string        `json:"rationale"`
	TradeID    string        `json:"trade_id,omitempty"`
	DecidedAt  time.Time     `json:"decided_at"`
}

// 决策方向。
const (
	DirectionOutbound = "outbound"
	DirectionInbound  = "inbound"
)

// Session 代表一个已认证智能体的交易会话。
// 会话的消费循环由单个 Serve 协程驱动，决策日志内部加锁保护。
type Session struct {
	id      *identity.Identity
	wallet  *ledger.Wallet
	engine  *negotiation.Engine
	gateway *wallet.Gateway
	orch    *trade.Orchestrator
	store   trade.Store

	mu        sync.Mutex
	hook      ProposalHook
	decisions []DecisionRecord

	serveOnce sync.Once
}

// ProposalHook 允许调用方在收到提案时给出裁决，绕过默认决策器。
type ProposalHook func(p negotiation.Proposal) (reason.Choice, string)

// DID 返回会话身份的 DID。
func (s *Session) DID() string { return s.id.DID }

// Handle 返回会话身份的句柄。
func (s *Session) Handle() string { return s.id.Handle }

// WalletID 返回托管钱包 ID。
func (s *Session) WalletID() string { return s.wallet.ID }

// Identity 返回已验证的身份信息。
func (s *Session) Identity() *identity.Identity {
	clone := *s.id
	return &clone
}

// Serve 启动会话的消息消费循环，直到 ctx 取消。
func (s *Session) Serve(ctx context.Context) error {
	return s.engine.Serve(ctx, 1)
}

// StartServing 确保消费循环恰好启动一次，重复调用是安全的。
func (s *Session) StartServing(ctx context.Context) {
	s.serveOnce.Do(func() {
		go func() {
			if err := s.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Warn("会话消费循环退出", "did", s.id.DID, "error", err)
			}
		}()
	})
}

// SubmitProposal 向对方发起提案并等待裁决。
func (s *Session) SubmitProposal(ctx context.Context, counterpartyDID, service string, price ledger.Amount) (*negotiation.Decision, error) {
	decision, err := s.engine.Propose(ctx, negotiation.Proposal{
		ServiceDescriptor: service,
		Price:             price,
		Counterparty:      counterpartyDID,
	})
	if err != nil {
		return nil, err
	}
	s.record(DecisionRecord{
		ProposalID: decision.ProposalID,
		Direction:  DirectionOutbound,
		Choice:     decision.Choice,
		Rationale:  decision.Rationale,
		TradeID:    decision.TradeID,
		DecidedAt:  time.Now().UTC(),
	})
	return decision, nil
}

// RespondToProposal 注册提案裁决钩子。设置后收到的提案先经过钩子，
// 传入 nil 恢复默认决策器。
func (s *Session) RespondToProposal(hook ProposalHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = hook
}

// GetTradeStatus 查询交易的当前状态。
func (s *Session) GetTradeStatus(ctx context.Context, tradeID string) (*trade.Trade, error) {
	return s.store.GetTrade(ctx, tradeID)
}

// Settle 结算指定交易。
func (s *Session) Settle(ctx context.Context, tradeID string) (*trade.SettlementReceipt, error) {
	return s.orch.Settle(ctx, tradeID)
}

// History 返回本会话身份参与的交易。
func (s *Session) History(ctx context.Context) ([]*trade.Trade, error) {
	return s.store.List(ctx, trade.WithParty(s.id.DID))
}

// Decisions 返回会话的决策日志。
func (s *Session) Decisions() []DecisionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DecisionRecord, len(s.decisions))
	copy(out, s.decisions)
	return out
}

// Balance 查询会话钱包余额。
func (s *Session) Balance(ctx context.Context) (ledger.Amount, error) {
	return s.gateway.Balance(ctx, s.wallet.ID)
}

func (s *Session) record(rec DecisionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, rec)
}

// hookedDecider 把会话钩子与默认决策器串接：钩子存在时优先生效。
type hookedDecider struct {
	session  *Session
	fallback reason.Decider
}

func (d *hookedDecider) Decide(ctx context.Context, req reason.Request) (*reason.Decision, error) {
	d.session.mu.Lock()
	hook := d.session.hook
	d.session.mu.Unlock()

	var decision *reason.Decision
	var err error
	if hook != nil {
		choice, rationale := hook(negotiation.Proposal{
			ID:                req.Metadata["proposal_id"],
			ServiceDescriptor: req.Metadata["service"],
		})
		decision = &reason.Decision{Choice: choice, Rationale: rationale}
	} else {
		if d.fallback == nil {
			return nil, xerrors.New(xerrors.CodeInitializationFailure, "会话未配置决策器")
		}
		decision, err = d.fallback.Decide(ctx, req)
		if err != nil {
			return nil, err
		}
	}

	d.session.record(DecisionRecord{
		ProposalID: req.Metadata["proposal_id"],
		Direction:  DirectionInbound,
		Choice:     decision.Choice,
		Rationale:  decision.Rationale,
		DecidedAt:  time.Now().UTC(),
	})
	return decision, nil
}

// Minter 负责为新身份签发 DID 文档。
type Minter interface {
	Register(handle string) (did string, err error)
}

// Manager 负责智能体认证并派发会话。它同时充当结算编排器的
// 参与方目录，把 DID 解析为身份句柄与托管钱包。
type Manager struct {
	minter   Minter
	verifier *identity.Verifier
	gateway  *wallet.Gateway
	channel  negotiation.Channel
	store    trade.Store
	orch     *trade.Orchestrator

	engineOpts []negotiation.EngineOption

	mu       sync.RWMutex
	sessions map[string]*Session
}

// ManagerConfig 聚合构造 Manager 需要的依赖。
type ManagerConfig struct {
	Minter     Minter
	Verifier   *identity.Verifier
	Gateway    *wallet.Gateway
	Channel    negotiation.Channel
	Store      trade.Store
	EngineOpts []negotiation.EngineOption
}

// NewManager 构造会话管理器。编排器在这里组装，管理器自身即参与方目录。
func NewManager(cfg ManagerConfig, orchOpts ...trade.OrchestratorOption) (*Manager, error) {
	if cfg.Verifier == nil || cfg.Gateway == nil || cfg.Channel == nil || cfg.Store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "会话管理器依赖不完整")
	}
	m := &Manager{
		minter:     cfg.Minter,
		verifier:   cfg.Verifier,
		gateway:    cfg.Gateway,
		channel:    cfg.Channel,
		store:      cfg.Store,
		engineOpts: cfg.EngineOpts,
		sessions:   make(map[string]*Session),
	}
	m.orch = trade.NewOrchestrator(cfg.Store, cfg.Gateway, cfg.Verifier, m, orchOpts...)
	return m, nil
}

// Orchestrator 返回管理器内部的结算编排器。
func (m *Manager) Orchestrator() *trade.Orchestrator { return m.orch }

// Authenticate 认证一个智能体：签发 DID、验证身份、创建托管钱包，
// 返回可用的会话。重复认证同一句柄返回既有会话。
func (m *Manager) Authenticate(ctx context.Context, handle string, profile *reason.Profile, decider reason.Decider) (*Session, error) {
	m.mu.RLock()
	for _, existing := range m.sessions {
		if existing.Handle() == handle {
			m.mu.RUnlock()
			return existing, nil
		}
	}
	m.mu.RUnlock()

	// 远端注册中心自己负责签发，这里只对本地签发的场景生成 DID。
	if m.minter != nil {
		if _, err := m.minter.Register(handle); err != nil {
			return nil, xerrors.Wrap(identity.CodeUnresolvable, err, "签发 DID 失败")
		}
	}
	id, err := m.verifier.Verify(ctx, handle)
	if err != nil {
		return nil, err
	}
	w, err := m.gateway.CreateWallet(ctx, id.DID)
	if err != nil {
		return nil, err
	}

	s := &Session{
		id:      id,
		wallet:  w,
		gateway: m.gateway,
		orch:    m.orch,
		store:   m.store,
	}
	s.engine = negotiation.NewEngine(id.DID, m.channel,
		&hookedDecider{session: s, fallback: decider},
		&tradeOpener{orch: m.orch},
		append([]negotiation.EngineOption{negotiation.WithProfile(profile)}, m.engineOpts...)...,
	)

	m.mu.Lock()
	m.sessions[id.DID] = s
	m.mu.Unlock()

	logger.Audit().Info("智能体已认证",
		"handle", handle,
		"did", id.DID,
		"wallet_id", w.ID,
	)
	return s, nil
}

// Session 查找指定 DID 的会话。
func (m *Manager) Session(did string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[did]
	return s, ok
}

// Party 实现结算编排器的参与方目录。
func (m *Manager) Party(_ context.Context, did string) (handle, walletID string, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[did]
	if !ok {
		return "", "", xerrors.Wrap(identity.CodeUnresolvable, identity.ErrUnresolvable,
			"未知的交易参与方", xerrors.WithMetadata("did", did))
	}
	return s.Handle(), s.WalletID(), nil
}

// tradeOpener 在提案被接受时登记交易：付款方是发起人，收款方是受理人。
type tradeOpener struct {
	orch *trade.Orchestrator
}

func (o *tradeOpener) OpenTrade(ctx context.Context, p negotiation.Proposal) (string, error) {
	t, err := o.orch.Create(ctx, p.ID, p.Initiator, p.Counterparty, p.Price)
	if err != nil {
		return "", err
	}
	return t.ID, nil
}

var _ trade.PartyDirectory = (*Manager)(nil)
var _ negotiation.TradeOpener = (*tradeOpener)(nil)
var _ reason.Decider = (*hookedDecider)(nil)
