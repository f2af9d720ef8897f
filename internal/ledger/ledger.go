package ledger

import (
	"context"
	"fmt"
	"time"

	xerrors "Walta-Core/internal/errors"
)

// Amount 以 USDC 分为单位表示金额，账务上不使用浮点数。
type Amount int64

// String 以 "12.34 USDC" 形式渲染金额。
func (a Amount) String() string {
	return fmt.Sprintf("%d.%02d USDC", a/100, a%100)
}

// Wallet 是外部账本托管的钱包句柄。
type Wallet struct {
	OwnerRef string `json:"owner_ref"`
	ID       string `json:"id"`
}

// TransferStatus 表示账本侧一笔转账的状态。
type TransferStatus string

const (
	TransferCompleted TransferStatus = "completed"
	TransferPending   TransferStatus = "pending"
)

// TransferReceipt 是账本对一笔转账的回执。
type TransferReceipt struct {
	LedgerTxID string         `json:"ledger_tx_id"`
	Amount     Amount         `json:"amount"`
	Status     TransferStatus `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Ledger 定义了结算所需的最小账本能力。
// 余额只是参考值，账本才是事实来源；FindTransfer 供对账流程
// 在转账结果不明时查询幂等键对应的权威记录。
type Ledger interface {
	CreateWallet(ctx context.Context, ownerRef string) (*Wallet, error)
	Fund(ctx context.Context, walletID string, amount Amount, idemKey string) (Amount, error)
	Transfer(ctx context.Context, from, to string, amount Amount, idemKey string) (*TransferReceipt, error)
	Balance(ctx context.Context, walletID string) (Amount, error)
	FindTransfer(ctx context.Context, idemKey string) (*TransferReceipt, error)
}

var (
	// ErrUnavailable 表示账本暂时不可用，可以带退避重试。
	ErrUnavailable = xerrors.New(CodeUnavailable, "ledger unavailable")
	// ErrRejected 表示账本明确拒绝了请求，重试没有意义。
	ErrRejected = xerrors.New(CodeRejected, "ledger rejected request")
	// ErrInsufficientFunds 表示付款方余额不足。
	ErrInsufficientFunds = xerrors.New(CodeInsufficientFunds, "insufficient funds")
	// ErrTransferNotFound 表示账本中没有幂等键对应的转账记录。
	ErrTransferNotFound = xerrors.New(CodeTransferNotFound, "transfer not found")
)

const (
	CodeUnavailable       xerrors.Code = "LEDGER_UNAVAILABLE"
	CodeRejected          xerrors.Code = "LEDGER_REJECTED"
	CodeInsufficientFunds xerrors.Code = "LEDGER_INSUFFICIENT_FUNDS"
	CodeTransferNotFound  xerrors.Code = "LEDGER_TRANSFER_NOT_FOUND"
)

func init() {
	xerrors.Register(CodeUnavailable, xerrors.Attributes{
		Message:   "ledger unavailable",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeRejected, xerrors.Attributes{
		Message:   "ledger rejected request",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeInsufficientFunds, xerrors.Attributes{
		Message:   "insufficient funds",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTransferNotFound, xerrors.Attributes{
		Message:   "transfer not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}
