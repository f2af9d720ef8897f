package negotiation

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"Walta-Core/internal/reason"
	"Walta-Core/pkg/logger"

	"github.com/google/uuid"
)

const (
	defaultDecisionWindow = 30 * time.Second
	defaultDeciderTimeout = 10 * time.Second
)

// TradeOpener 在提案被接受时开启一笔待结算的交易。
type TradeOpener interface {
	OpenTrade(ctx context.Context, p Proposal) (tradeID string, err error)
}

// Engine 驱动一个智能体的协商流程：既能对外发起提案并等待裁决，
// 也能消费收件箱里的提案并给出裁决。
type Engine struct {
	did            string
	channel        Channel
	decider        reason.Decider
	profile        *reason.Profile
	opener         TradeOpener
	decisionWindow time.Duration
	deciderTimeout time.Duration

	mu      sync.Mutex
	pending map[string]chan Decision
	states  map[string]State
}

// EngineOption 定义协商引擎的可选配置。
type EngineOption func(*Engine)

// WithDecisionWindow 设置发起方等待裁决的窗口。
func WithDecisionWindow(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.decisionWindow = d
		}
	}
}

// WithDeciderTimeout 设置单次决策调用的超时。
func WithDeciderTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.deciderTimeout = d
		}
	}
}

// WithProfile 设置参与决策的人格画像。
func WithProfile(p *reason.Profile) EngineOption {
	return func(e *Engine) {
		e.profile = p
	}
}

// NewEngine 创建协商引擎。did 是本方身份，opener 在接受提案时开启交易。
func NewEngine(did string, channel Channel, decider reason.Decider, opener TradeOpener, opts ...EngineOption) *Engine {
	e := &Engine{
		did:            did,
		channel:        channel,
		decider:        decider,
		opener:         opener,
		decisionWindow: defaultDecisionWindow,
		deciderTimeout: defaultDeciderTimeout,
		pending:        make(map[string]chan Decision),
		states:         make(map[string]State),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Propose 将提案发给对方并等待裁决。窗口内未收到裁决时，
// 返回一个理由为 timeout 的强制拒绝，而不是错误。
func (e *Engine) Propose(ctx context.Context, p Proposal) (*Decision, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Initiator == "" {
		p.Initiator = e.did
	}
	if p.Currency == "" {
		p.Currency = "USDC"
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	if err := e.transition(p.ID, StateDraft, StateOffered); err != nil {
		return nil, err
	}

	waiter := make(chan Decision, 1)
	e.mu.Lock()
	e.pending[p.ID] = waiter
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.pending, p.ID)
		e.mu.Unlock()
	}()

	env, err := NewEnvelope(e.did, p.Counterparty, KindProposal, p)
	if err != nil {
		return nil, err
	}
	if err := e.channel.Send(ctx, env); err != nil {
		return nil, err
	}

	logger.L().Info("提案已发出",
		"proposal_id", p.ID,
		"counterparty", p.Counterparty,
		"price", p.Price.String(),
	)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case decision := <-waiter:
		e.markDecided(p.ID)
		e.closeProposal(p.ID)
		return &decision, nil
	case <-time.After(e.decisionWindow):
		e.markDecided(p.ID)
		e.closeProposal(p.ID)
		logger.L().Warn("等待裁决超时，按拒绝处理", "proposal_id", p.ID)
		return &Decision{
			ProposalID: p.ID,
			Choice:     reason.ChoiceReject,
			Rationale:  RationaleTimeout,
			Decider:    p.Counterparty,
		}, nil
	}
}

// Serve 消费本方收件箱，处理提案与裁决，直到 ctx 取消。
func (e *Engine) Serve(ctx context.Context, workerCount int) error {
	return e.channel.Receive(ctx, e.did, workerCount, e.handle)
}

func (e *Engine) handle(ctx context.Context, env Envelope) error {
	switch env.Kind {
	case KindProposal:
		return e.handleProposal(ctx, env)
	case KindDecision:
		return e.handleDecision(env)
	default:
		logger.L().Warn("忽略未知类型的信封", "kind", string(env.Kind), "from", env.From)
		return nil
	}
}

func (e *Engine) handleProposal(ctx context.Context, env Envelope) error {
	var p Proposal
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		logger.L().Warn("提案内容无法解析", "from", env.From, "error", err)
		return err
	}

	e.noteState(p.ID, StateOffered)
	if err := e.transition(p.ID, StateOffered, StateEvaluating); err != nil {
		return err
	}

	decision := e.evaluate(ctx, p)
	e.markDecided(p.ID)

	if decision.Choice == reason.ChoiceAccept && e.opener != nil {
		tradeID, err := e.opener.OpenTrade(ctx, p)
		if err != nil {
			logger.L().Error("开启交易失败，裁决降级为拒绝",
				"proposal_id", p.ID,
				"error", err,
			)
			decision = Decision{
				ProposalID: p.ID,
				Choice:     reason.ChoiceReject,
				Rationale:  "trade_open_failed",
				Decider:    e.did,
			}
		} else {
			decision.TradeID = tradeID
		}
	}

	reply, err := NewEnvelope(e.did, env.From, KindDecision, decision)
	if err != nil {
		return err
	}
	if err := e.channel.Send(ctx, reply); err != nil {
		return err
	}
	e.closeProposal(p.ID)
	return nil
}

// evaluate 在独立超时下调用决策引擎。畸形输出和超时都降级为拒绝，
// 对端永远能拿到一个结构合法的裁决。
func (e *Engine) evaluate(ctx context.Context, p Proposal) Decision {
	decideCtx, cancel := context.WithTimeout(ctx, e.deciderTimeout)
	defer cancel()

	req := reason.Request{
		Context: fmt.Sprintf("对方 %s 提议以 %s 购买服务：%s。是否接受？",
			p.Initiator, p.Price.String(), p.ServiceDescriptor),
		Options: []string{string(reason.ChoiceAccept), string(reason.ChoiceReject)},
		Profile: e.profile,
		Metadata: map[string]string{
			"proposal_id": p.ID,
			"service":     p.ServiceDescriptor,
			"price_cents": strconv.FormatInt(int64(p.Price), 10),
		},
	}

	result, err := e.decider.Decide(decideCtx, req)
	switch {
	case err == nil:
		return Decision{
			ProposalID: p.ID,
			Choice:     result.Choice,
			Rationale:  result.Rationale,
			Decider:    e.did,
		}
	case stdErrors.Is(err, reason.ErrInvalidDecision):
		logger.L().Warn("决策输出畸形，按拒绝处理", "proposal_id", p.ID)
		return Decision{
			ProposalID: p.ID,
			Choice:     reason.ChoiceReject,
			Rationale:  RationaleInvalidDecision,
			Decider:    e.did,
		}
	case stdErrors.Is(err, context.DeadlineExceeded):
		logger.L().Warn("决策调用超时，按拒绝处理", "proposal_id", p.ID)
		return Decision{
			ProposalID: p.ID,
			Choice:     reason.ChoiceReject,
			Rationale:  RationaleTimeout,
			Decider:    e.did,
		}
	default:
		logger.L().Error("决策调用失败，按拒绝处理", "proposal_id", p.ID, "error", err)
		return Decision{
			ProposalID: p.ID,
			Choice:     reason.ChoiceReject,
			Rationale:  "decider_error",
			Decider:    e.did,
		}
	}
}

func (e *Engine) handleDecision(env Envelope) error {
	var decision Decision
	if err := json.Unmarshal(env.Payload, &decision); err != nil {
		logger.L().Warn("裁决内容无法解析", "from", env.From, "error", err)
		return err
	}

	e.mu.Lock()
	waiter, ok := e.pending[decision.ProposalID]
	e.mu.Unlock()
	if !ok {
		logger.L().Warn("收到无人等待的裁决", "proposal_id", decision.ProposalID)
		return nil
	}
	select {
	case waiter <- decision:
	default:
	}
	return nil
}

func (e *Engine) noteState(proposalID string, state State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.states[proposalID]; !ok {
		e.states[proposalID] = state
	}
}

func (e *Engine) transition(proposalID string, from, to State) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	current, ok := e.states[proposalID]
	if !ok {
		current = from
	}
	if current != from || !CanTransition(from, to) {
		return fmt.Errorf("提案 %s 不允许从 %s 变更到 %s", proposalID, current, to)
	}
	e.states[proposalID] = to
	return nil
}

func (e *Engine) markDecided(proposalID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.states[proposalID] = StateDecided
}

// closeProposal 在裁决送达后把提案归档到 closed。closed 是终态，
// 状态记录随之回收，长期运行下状态表不会无界增长。
func (e *Engine) closeProposal(proposalID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	current, ok := e.states[proposalID]
	if !ok || !CanTransition(current, StateClosed) {
		return
	}
	delete(e.states, proposalID)
}

func (e *Engine) trackedProposals() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.states)
}
