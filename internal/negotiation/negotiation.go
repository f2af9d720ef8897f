package negotiation

import (
	"time"

	xerrors "Walta-Core/internal/errors"
	"Walta-Core/internal/ledger"
	"Walta-Core/internal/reason"
)

// State 表示一个提案在协商过程中的状态。
type State string

const (
	StateDraft      State = "draft"
	StateOffered    State = "offered"
	StateEvaluating State = "evaluating"
	StateDecided    State = "decided"
	StateClosed     State = "closed"
)

// CanTransition 约束提案状态只能向前推进。
func CanTransition(from, to State) bool {
	switch from {
	case StateDraft:
		return to == StateOffered
	case StateOffered:
		return to == StateEvaluating || to == StateDecided
	case StateEvaluating:
		return to == StateDecided
	case StateDecided:
		return to == StateClosed
	default:
		return false
	}
}

// Proposal 描述一次服务交易的提案。金额以 USDC 的分计。
type Proposal struct {
	ID                string        `json:"id"`
	ServiceDescriptor string        `json:"service_descriptor"`
	Price             ledger.Amount `json:"price"`
	Currency          string        `json:"currency"`
	Initiator         string        `json:"initiator"`
	Counterparty      string        `json:"counterparty"`
	CreatedAt         time.Time     `json:"created_at"`
}

// Decision 是对某个提案的最终裁决。
type Decision struct {
	ProposalID string        `json:"proposal_id"`
	Choice     reason.Choice `json:"choice"`
	Rationale  string        `json:"rationale"`
	Decider    string        `json:"decider"`
	TradeID    string        `json:"trade_id,omitempty"`
}

// 裁决理由的保留值。超时和格式错误都会被强制转化为拒绝。
const (
	RationaleTimeout         = "timeout"
	RationaleInvalidDecision = "invalid_decision_format"
)

const (
	CodeTimeout         xerrors.Code = "NEGOTIATION_TIMEOUT"
	CodeInvalidDecision xerrors.Code = "NEGOTIATION_INVALID_DECISION"
)

func init() {
	xerrors.Register(CodeTimeout, xerrors.Attributes{
		Message:   "negotiation timed out",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeInvalidDecision, xerrors.Attributes{
		Message:   "negotiation decision malformed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}
