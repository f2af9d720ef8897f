package wallet

import (
	"context"
	"sync"
	"time"

	xerrors "Walta-Core/internal/errors"
	"Walta-Core/internal/ledger"
	"Walta-Core/pkg/logger"
)

const (
	defaultMaxRetries  = 3
	defaultBackoffBase = 200 * time.Millisecond
	defaultMaxAutoFund = ledger.Amount(100_000)
)

// CodeFundingDenied 表示补足资金的缺口超出了自动入金上限。
const CodeFundingDenied xerrors.Code = "FUNDING_DENIED"

// ErrFundingDenied 资金缺口超出自动入金上限，需要人工介入。
var ErrFundingDenied = xerrors.New(CodeFundingDenied, "funding denied: deficit exceeds auto-fund limit")

func init() {
	xerrors.Register(CodeFundingDenied, xerrors.Attributes{
		Message:   "funding denied",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}

// Gateway 在账本之上提供带重试和幂等键约定的资金操作。
// 入金与余额查询遇到暂时性错误会按指数退避重试；
// 转账只发起一次，结果不明时交由上层对账，避免盲目重发。
type Gateway struct {
	ledger      ledger.Ledger
	maxRetries  int
	backoffBase time.Duration
	maxAutoFund ledger.Amount

	mu       sync.Mutex
	balances map[string]ledger.Amount
}

// Option 定义网关的可选配置。
type Option func(*Gateway)

// WithMaxRetries 设置暂时性错误的最大重试次数。
func WithMaxRetries(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.maxRetries = n
		}
	}
}

// WithBackoffBase 设置退避的基准间隔。
func WithBackoffBase(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.backoffBase = d
		}
	}
}

// WithMaxAutoFund 设置单笔自动入金的上限。
func WithMaxAutoFund(limit ledger.Amount) Option {
	return func(g *Gateway) {
		if limit >= 0 {
			g.maxAutoFund = limit
		}
	}
}

// NewGateway 创建资金网关。
func NewGateway(l ledger.Ledger, opts ...Option) *Gateway {
	g := &Gateway{
		ledger:      l,
		maxRetries:  defaultMaxRetries,
		backoffBase: defaultBackoffBase,
		maxAutoFund: defaultMaxAutoFund,
		balances:    make(map[string]ledger.Amount),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// CreateWallet 为智能体创建托管钱包。
func (g *Gateway) CreateWallet(ctx context.Context, ownerRef string) (*ledger.Wallet, error) {
	return g.ledger.CreateWallet(ctx, ownerRef)
}

// Fund 以 fund:<tradeID> 作为幂等键入金，暂时性错误下重试是安全的。
func (g *Gateway) Fund(ctx context.Context, walletID string, amount ledger.Amount, tradeID string) (ledger.Amount, error) {
	idemKey := "fund:" + tradeID
	var balance ledger.Amount
	err := g.withRetry(ctx, "fund", func() error {
		var callErr error
		balance, callErr = g.ledger.Fund(ctx, walletID, amount, idemKey)
		return callErr
	})
	if err != nil {
		return 0, err
	}
	g.remember(walletID, balance)
	return balance, nil
}

// Transfer 以 transfer:<tradeID> 作为幂等键发起一次转账。
// 这里刻意不做重试：结果不明的失败必须走对账路径确认，
// 由调用方通过 FindTransfer 判断转账是否已经落账。
func (g *Gateway) Transfer(ctx context.Context, from, to string, amount ledger.Amount, tradeID string) (*ledger.TransferReceipt, error) {
	receipt, err := g.ledger.Transfer(ctx, from, to, amount, "transfer:"+tradeID)
	if err != nil {
		return nil, err
	}
	g.forget(from)
	g.forget(to)
	return receipt, nil
}

// FindTransfer 按交易 ID 回查账本侧的权威转账记录。
func (g *Gateway) FindTransfer(ctx context.Context, tradeID string) (*ledger.TransferReceipt, error) {
	return g.ledger.FindTransfer(ctx, "transfer:"+tradeID)
}

// Balance 查询余额并刷新本地缓存。
func (g *Gateway) Balance(ctx context.Context, walletID string) (ledger.Amount, error) {
	var balance ledger.Amount
	err := g.withRetry(ctx, "balance", func() error {
		var callErr error
		balance, callErr = g.ledger.Balance(ctx, walletID)
		return callErr
	})
	if err != nil {
		return 0, err
	}
	g.remember(walletID, balance)
	return balance, nil
}

// LastKnownBalance 返回最近一次成功查询到的余额，仅供展示参考。
func (g *Gateway) LastKnownBalance(walletID string) (ledger.Amount, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	balance, ok := g.balances[walletID]
	return balance, ok
}

// EnsureFunds 保证钱包余额足以覆盖 required。缺口在自动入金上限内时
// 自动补足，否则返回 ErrFundingDenied。
func (g *Gateway) EnsureFunds(ctx context.Context, walletID string, required ledger.Amount, tradeID string) error {
	balance, err := g.Balance(ctx, walletID)
	if err != nil {
		return err
	}
	if balance >= required {
		return nil
	}

	deficit := required - balance
	if deficit > g.maxAutoFund {
		return xerrors.Wrap(CodeFundingDenied, ErrFundingDenied, "资金缺口超出自动入金上限",
			xerrors.WithMetadata("wallet_id", walletID),
			xerrors.WithMetadata("deficit", deficit.String()),
		)
	}

	logger.L().Info("自动补足交易资金",
		"wallet_id", walletID,
		"deficit", deficit.String(),
		"trade_id", tradeID,
	)
	if _, err := g.Fund(ctx, walletID, deficit, tradeID); err != nil {
		return err
	}
	return nil
}

// withRetry 对暂时性错误执行有界指数退避。
func (g *Gateway) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < g.maxRetries; attempt++ {
		if attempt > 0 {
			delay := g.backoffBase << (attempt - 1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			logger.L().Warn("账本操作重试",
				"operation", op,
				"attempt", attempt+1,
				"error", lastErr,
			)
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !xerrors.RetryableError(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (g *Gateway) remember(walletID string, balance ledger.Amount) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.balances[walletID] = balance
}

func (g *Gateway) forget(walletID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.balances, walletID)
}
