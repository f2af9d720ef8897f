package trade

import (
	"time"

	xerrors "Walta-Core/internal/errors"
	"Walta-Core/internal/ledger"
)

// Status 表示交易在结算生命周期中的状态。
type Status string

const (
	StatusPending     Status = "pending"
	StatusFunded      Status = "funded"
	StatusSettled     Status = "settled"
	StatusFailed      Status = "failed"
	StatusCompensated Status = "compensated"
)

// CanTransition 约束交易状态只能沿结算路径向前推进。
// 唯一的"回头路"是 failed 到 compensated，用于重试耗尽后的补偿收尾。
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusFunded || to == StatusFailed
	case StatusFunded:
		return to == StatusSettled || to == StatusFailed
	case StatusFailed:
		return to == StatusCompensated
	default:
		return false
	}
}

// IsValidStatus 检查给定的交易状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusFunded, StatusSettled, StatusFailed, StatusCompensated:
		return true
	default:
		return false
	}
}

// Terminal 判断状态是否为终态。
func Terminal(status Status) bool {
	return status == StatusSettled || status == StatusCompensated
}

// Trade 描述一笔协商达成、等待结算的交易。金额以 USDC 的分计。
type Trade struct {
	ID         string        `json:"id"`
	ProposalID string        `json:"proposal_id"`
	Payer      string        `json:"payer"`
	Payee      string        `json:"payee"`
	Amount     ledger.Amount `json:"amount"`
	Status     Status        `json:"status"`
	Reason     string        `json:"reason,omitempty"`
	Attempts   int           `json:"attempts"`
	MaxRetries int           `json:"max_retries"`
	CreatedAt  int64         `json:"created_at"`
	UpdatedAt  int64         `json:"updated_at"`
}

// SettlementReceipt 是结算成功的唯一凭证，同时充当幂等标记：
// 一笔交易至多存在一张回执。
type SettlementReceipt struct {
	TradeID    string        `json:"trade_id"`
	LedgerTxID string        `json:"ledger_tx_id"`
	Amount     ledger.Amount `json:"amount"`
	SettledAt  time.Time     `json:"settled_at"`
}

var (
	// ErrTradeNotFound 表示指定的交易不存在。
	ErrTradeNotFound = xerrors.New(CodeTradeNotFound, "trade not found")
	// ErrTradeConflict 表示交易状态与期望不符，原子变更被拒绝。
	ErrTradeConflict = xerrors.New(CodeTradeConflict, "trade state conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrAlreadySettled 表示交易已经结算完成。
	ErrAlreadySettled = xerrors.New(CodeAlreadySettled, "trade already settled", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrReceiptExists 表示回执已存在，调用方应读取既有回执。
	ErrReceiptExists = xerrors.New(CodeReceiptExists, "settlement receipt exists", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrRetriesExhausted 表示结算重试次数已经耗尽。
	ErrRetriesExhausted = xerrors.New(CodeRetriesExhausted, "settlement retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
	// ErrIdentityNotVerified 表示参与方身份未通过结算前校验。
	ErrIdentityNotVerified = xerrors.New(CodeIdentityNotVerified, "counterparty identity not verified")
	// ErrSettlementAmbiguous 表示转账结果不明且对账未能确认。
	ErrSettlementAmbiguous = xerrors.New(CodeSettlementAmbiguous, "settlement outcome ambiguous", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeTradeNotFound       xerrors.Code = "TRADE_NOT_FOUND"
	CodeTradeConflict       xerrors.Code = "TRADE_CONFLICT"
	CodeAlreadySettled      xerrors.Code = "TRADE_ALREADY_SETTLED"
	CodeReceiptExists       xerrors.Code = "TRADE_RECEIPT_EXISTS"
	CodeRetriesExhausted    xerrors.Code = "TRADE_RETRIES_EXHAUSTED"
	CodeIdentityNotVerified xerrors.Code = "IDENTITY_NOT_VERIFIED"
	CodeSettlementAmbiguous xerrors.Code = "SETTLEMENT_AMBIGUOUS"
)

func init() {
	xerrors.Register(CodeTradeNotFound, xerrors.Attributes{
		Message:   "trade not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTradeConflict, xerrors.Attributes{
		Message:   "trade state conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeAlreadySettled, xerrors.Attributes{
		Message:   "trade already settled",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeReceiptExists, xerrors.Attributes{
		Message:   "settlement receipt exists",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRetriesExhausted, xerrors.Attributes{
		Message:   "settlement retries exhausted",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeIdentityNotVerified, xerrors.Attributes{
		Message:   "counterparty identity not verified",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSettlementAmbiguous, xerrors.Attributes{
		Message:   "settlement outcome ambiguous",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}
