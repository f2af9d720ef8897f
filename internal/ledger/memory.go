package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "Walta-Core/internal/errors"
)

// MemoryLedger 以内存方式模拟托管账本，主要用于测试与本地演示。
// 支持注入三类故障：暂时不可用、明确拒绝、以及"转账已执行但响应丢失"
// 的结果不明场景，用来验证编排器的重试与对账路径。
type MemoryLedger struct {
	mu        sync.Mutex
	wallets   map[string]Amount
	transfers map[string]*TransferReceipt

	failUnavailable int
	failRejected    bool
	ambiguousOnce   bool

	fundCalls     int
	transferCalls int
}

// NewMemoryLedger 创建内存账本。
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		wallets:   make(map[string]Amount),
		transfers: make(map[string]*TransferReceipt),
	}
}

// FailUnavailable 让接下来 n 次转账返回 ErrUnavailable。
func (m *MemoryLedger) FailUnavailable(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failUnavailable = n
}

// FailRejected 让后续转账返回 ErrRejected。
func (m *MemoryLedger) FailRejected(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failRejected = fail
}

// AmbiguousOnce 让下一次转账在账本侧完成后向调用方返回不可用错误，
// 模拟网络超时导致的结果不明。
func (m *MemoryLedger) AmbiguousOnce() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ambiguousOnce = true
}

// TransferCalls 返回实际触达账本的转账次数。
func (m *MemoryLedger) TransferCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transferCalls
}

// CreateWallet 实现 Ledger 接口。
func (m *MemoryLedger) CreateWallet(_ context.Context, ownerRef string) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := "wallet_" + uuid.NewString()
	m.wallets[id] = 0
	return &Wallet{OwnerRef: ownerRef, ID: id}, nil
}

// Fund 实现 Ledger 接口。同一幂等键的重复入金只生效一次。
func (m *MemoryLedger) Fund(_ context.Context, walletID string, amount Amount, idemKey string) (Amount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.wallets[walletID]; !ok {
		return 0, xerrors.Wrap(CodeRejected, ErrRejected, fmt.Sprintf("钱包 %s 不存在", walletID))
	}
	if amount <= 0 {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "入金金额必须为正数")
	}
	m.fundCalls++
	if idemKey != "" {
		if _, dup := m.transfers["fund:"+idemKey]; dup {
			return m.wallets[walletID], nil
		}
		m.transfers["fund:"+idemKey] = &TransferReceipt{
			LedgerTxID: "fund_" + uuid.NewString(),
			Amount:     amount,
			Status:     TransferCompleted,
			CreatedAt:  time.Now(),
		}
	}
	m.wallets[walletID] += amount
	return m.wallets[walletID], nil
}

// Transfer 实现 Ledger 接口。
func (m *MemoryLedger) Transfer(_ context.Context, from, to string, amount Amount, idemKey string) (*TransferReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failUnavailable > 0 {
		m.failUnavailable--
		return nil, ErrUnavailable
	}
	if m.failRejected {
		return nil, ErrRejected
	}

	// 幂等：同一键的重复请求返回首次的回执。
	if idemKey != "" {
		if receipt, dup := m.transfers[idemKey]; dup {
			clone := *receipt
			return &clone, nil
		}
	}

	fromBalance, ok := m.wallets[from]
	if !ok {
		return nil, xerrors.Wrap(CodeRejected, ErrRejected, fmt.Sprintf("付款钱包 %s 不存在", from))
	}
	if _, ok := m.wallets[to]; !ok {
		return nil, xerrors.Wrap(CodeRejected, ErrRejected, fmt.Sprintf("收款钱包 %s 不存在", to))
	}
	if amount <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "转账金额必须为正数")
	}
	if fromBalance < amount {
		return nil, ErrInsufficientFunds
	}

	m.transferCalls++
	m.wallets[from] -= amount
	m.wallets[to] += amount
	receipt := &TransferReceipt{
		LedgerTxID: "tx_" + uuid.NewString(),
		Amount:     amount,
		Status:     TransferCompleted,
		CreatedAt:  time.Now(),
	}
	if idemKey != "" {
		m.transfers[idemKey] = receipt
	}

	if m.ambiguousOnce {
		// 转账已入账，但让调用方以为失败了。
		m.ambiguousOnce = false
		return nil, ErrUnavailable
	}

	clone := *receipt
	return &clone, nil
}

// Balance 实现 Ledger 接口。
func (m *MemoryLedger) Balance(_ context.Context, walletID string) (Amount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	balance, ok := m.wallets[walletID]
	if !ok {
		return 0, xerrors.Wrap(CodeRejected, ErrRejected, fmt.Sprintf("钱包 %s 不存在", walletID))
	}
	return balance, nil
}

// FindTransfer 实现 Ledger 接口，对账时按幂等键查询权威记录。
func (m *MemoryLedger) FindTransfer(_ context.Context, idemKey string) (*TransferReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	receipt, ok := m.transfers[idemKey]
	if !ok {
		return nil, ErrTransferNotFound
	}
	clone := *receipt
	return &clone, nil
}

var _ Ledger = (*MemoryLedger)(nil)
