package trade

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	xerrors "Walta-Core/internal/errors"
	"Walta-Core/internal/identity"
	"Walta-Core/internal/ledger"
	"Walta-Core/internal/observability/alerting"
	"Walta-Core/internal/wallet"
	"Walta-Core/pkg/logger"

	"github.com/google/uuid"
)

const (
	defaultMaxRetries  = 3
	defaultBackoffBase = 200 * time.Millisecond
)

// IdentityVerifier 定义结算前身份校验所需的能力。
type IdentityVerifier interface {
	Verify(ctx context.Context, handle string) (*identity.Identity, error)
}

// PartyDirectory 将交易参与方的 DID 解析为身份句柄与托管钱包。
type PartyDirectory interface {
	Party(ctx context.Context, did string) (handle, walletID string, err error)
}

// Orchestrator 负责交易的精确一次结算。核心约束：
//   - 每笔交易至多产生一张结算回执、至多移动一次资金；
//   - 结果不明的转账只能通过对账确认，绝不盲目重发；
//   - 重试耗尽后交易进入 compensated 并触发告警。
type Orchestrator struct {
	store       Store
	gateway     *wallet.Gateway
	verifier    IdentityVerifier
	directory   PartyDirectory
	alerter     alerting.Dispatcher
	maxRetries  int
	backoffBase time.Duration

	mu    sync.Mutex
	locks map[string]*tradeLock
}

// tradeLock 是带引用计数的交易级互斥锁，最后一个持有者释放时
// 从锁表中回收，长期运行下锁表不会无界增长。
type tradeLock struct {
	mu   sync.Mutex
	refs int
}

// OrchestratorOption 定义编排器的可选配置。
type OrchestratorOption func(*Orchestrator)

// WithMaxRetries 设置新建交易的默认重试上限。
func WithMaxRetries(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxRetries = n
		}
	}
}

// WithBackoffBase 设置结算重试的退避基准间隔。
func WithBackoffBase(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if d > 0 {
			o.backoffBase = d
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) OrchestratorOption {
	return func(o *Orchestrator) {
		o.alerter = dispatcher
	}
}

// NewOrchestrator 构造结算编排器。
func NewOrchestrator(store Store, gateway *wallet.Gateway, verifier IdentityVerifier, directory PartyDirectory, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		store:       store,
		gateway:     gateway,
		verifier:    verifier,
		directory:   directory,
		maxRetries:  defaultMaxRetries,
		backoffBase: defaultBackoffBase,
		locks:       make(map[string]*tradeLock),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Create 登记一笔待结算的交易。
func (o *Orchestrator) Create(ctx context.Context, proposalID, payer, payee string, amount ledger.Amount) (*Trade, error) {
	if payer == "" || payee == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "交易双方不能为空")
	}
	if payer == payee {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "交易双方不能相同")
	}
	if amount <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "交易金额必须为正")
	}

	t := &Trade{
		ID:         uuid.NewString(),
		ProposalID: proposalID,
		Payer:      payer,
		Payee:      payee,
		Amount:     amount,
		Status:     StatusPending,
		MaxRetries: o.maxRetries,
	}
	if err := o.store.CreateTrade(ctx, t); err != nil {
		return nil, err
	}
	logger.L().Info("交易已登记",
		slog.String("trade_id", t.ID),
		slog.String("payer", payer),
		slog.String("payee", payee),
		slog.String("amount", amount.String()),
	)
	return t, nil
}

// Settle 结算一笔交易。重复调用是安全的：已结算的交易原样返回回执。
func (o *Orchestrator) Settle(ctx context.Context, tradeID string) (*SettlementReceipt, error) {
	// 回执是幂等标记，存在即说明结算早已完成。
	if receipt, err := o.store.GetReceipt(ctx, tradeID); err == nil {
		return receipt, nil
	}

	lock := o.acquireLock(tradeID)
	defer o.releaseLock(tradeID, lock)

	// 拿到锁之后重读，竞争的调用可能已经完成结算。
	if receipt, err := o.store.GetReceipt(ctx, tradeID); err == nil {
		return receipt, nil
	}

	t, err := o.store.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}

	switch t.Status {
	case StatusSettled:
		return o.store.GetReceipt(ctx, tradeID)
	case StatusFailed, StatusCompensated:
		return nil, xerrors.Wrap(CodeTradeConflict, ErrTradeConflict,
			fmt.Sprintf("交易处于终态 %s，无法结算", t.Status))
	}

	if t.Status == StatusPending {
		if err := o.prepare(ctx, t); err != nil {
			return nil, err
		}
	}
	return o.execute(ctx, t)
}

// prepare 完成结算前置：身份复核与资金保障，成功后交易进入 funded。
func (o *Orchestrator) prepare(ctx context.Context, t *Trade) error {
	payerWallet, err := o.verifyParty(ctx, t, t.Payer)
	if err != nil {
		return err
	}
	if _, err := o.verifyParty(ctx, t, t.Payee); err != nil {
		return err
	}

	if err := o.gateway.EnsureFunds(ctx, payerWallet, t.Amount, t.ID); err != nil {
		if stdErrors.Is(err, context.Canceled) || stdErrors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if stdErrors.Is(err, wallet.ErrFundingDenied) {
			o.markFailed(ctx, t, StatusPending, wallet.CodeFundingDenied, "资金缺口超出自动入金上限", true)
			return err
		}
		// 账本侧的终态拒绝同样让交易失败，只有暂时性失败
		// 才保留 pending 等待下一次结算。
		if !xerrors.RetryableError(err) {
			o.markFailed(ctx, t, StatusPending, xerrors.CodeOf(err), err.Error(), true)
			return err
		}
		return err
	}

	updated, err := o.store.Transition(ctx, t.ID, []Status{StatusPending}, StatusFunded, "", false)
	if err != nil {
		return err
	}
	*t = *updated
	return nil
}

// verifyParty 在结算临界区内复核参与方身份。缓存过期会触发重新解析。
func (o *Orchestrator) verifyParty(ctx context.Context, t *Trade, did string) (walletID string, err error) {
	handle, walletID, err := o.directory.Party(ctx, did)
	if err != nil {
		o.markFailed(ctx, t, t.Status, CodeIdentityNotVerified, fmt.Sprintf("参与方 %s 无法解析", did), true)
		return "", xerrors.Wrap(CodeIdentityNotVerified, err, "参与方无法解析")
	}
	if _, err := o.verifier.Verify(ctx, handle); err != nil {
		o.markFailed(ctx, t, t.Status, CodeIdentityNotVerified, fmt.Sprintf("参与方 %s 身份校验失败", did), true)
		return "", xerrors.Wrap(CodeIdentityNotVerified, err, "参与方身份校验失败")
	}
	return walletID, nil
}

// execute 在 funded 状态下执行精确一次的转账。
func (o *Orchestrator) execute(ctx context.Context, t *Trade) (*SettlementReceipt, error) {
	_, payerWallet, err := o.directory.Party(ctx, t.Payer)
	if err != nil {
		return nil, xerrors.Wrap(CodeIdentityNotVerified, err, "付款方无法解析")
	}
	_, payeeWallet, err := o.directory.Party(ctx, t.Payee)
	if err != nil {
		return nil, xerrors.Wrap(CodeIdentityNotVerified, err, "收款方无法解析")
	}

	maxAttempts := t.MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = o.maxRetries
	}

	start := t.Attempts
	for t.Attempts < maxAttempts {
		if t.Attempts > start {
			delay := o.backoffBase << (t.Attempts - start - 1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		receipt, transferErr := o.gateway.Transfer(ctx, payerWallet, payeeWallet, t.Amount, t.ID)
		if transferErr == nil {
			return o.finalize(ctx, t, receipt)
		}

		// 终态拒绝没有重试的意义。
		if stdErrors.Is(transferErr, ledger.ErrRejected) || stdErrors.Is(transferErr, ledger.ErrInsufficientFunds) {
			o.markFailed(ctx, t, StatusFunded, xerrors.CodeOf(transferErr), transferErr.Error(), true)
			return nil, transferErr
		}

		// 结果不明：唯一可信的判据是账本侧的权威记录。
		logger.L().Warn("转账结果不明，进入对账",
			slog.String("trade_id", t.ID),
			slog.Int("attempt", t.Attempts+1),
			slog.Any("error", transferErr),
		)
		found, findErr := o.gateway.FindTransfer(ctx, t.ID)
		if findErr == nil {
			logger.Audit().Info("对账确认转账已落账",
				slog.String("trade_id", t.ID),
				slog.String("ledger_tx_id", found.LedgerTxID),
			)
			return o.finalize(ctx, t, found)
		}
		if !stdErrors.Is(findErr, ledger.ErrTransferNotFound) {
			// 对账本身失败，局面仍然不明，退避后重查。
			logger.L().Warn("对账查询失败", slog.String("trade_id", t.ID), slog.Any("error", findErr))
		}
		// 账本确认没有落账，带着同一幂等键重试是安全的。
		// 消耗掉的尝试先落库，进程崩溃后恢复不会重置重试预算。
		if err := o.store.RecordAttempt(ctx, t.ID); err != nil {
			logger.L().Error("持久化尝试次数失败", slog.String("trade_id", t.ID), slog.Any("error", err))
		}
		t.Attempts++
	}

	return nil, o.compensate(ctx, t)
}

// finalize 持久化回执并把交易推进到 settled。
// 回执写入遵循不存在才写入：并发竞争下以先写入者为准。
func (o *Orchestrator) finalize(ctx context.Context, t *Trade, lr *ledger.TransferReceipt) (*SettlementReceipt, error) {
	receipt := &SettlementReceipt{
		TradeID:    t.ID,
		LedgerTxID: lr.LedgerTxID,
		Amount:     lr.Amount,
		SettledAt:  time.Now().UTC(),
	}
	if err := o.store.SaveReceipt(ctx, receipt); err != nil {
		if stdErrors.Is(err, ErrReceiptExists) {
			return o.store.GetReceipt(ctx, t.ID)
		}
		return nil, err
	}
	if _, err := o.store.Transition(ctx, t.ID, []Status{StatusFunded}, StatusSettled, "", false); err != nil {
		// 回执已落库，资金侧结算已经完成，状态推进失败只记录不回滚。
		logger.L().Error("回执已保存但状态推进失败",
			slog.String("trade_id", t.ID),
			slog.Any("error", err),
		)
	}
	logger.Audit().Info("交易结算完成",
		slog.String("trade_id", t.ID),
		slog.String("ledger_tx_id", receipt.LedgerTxID),
		slog.String("amount", receipt.Amount.String()),
	)
	return receipt, nil
}

// compensate 在重试耗尽后收尾：对账确认资金未动，交易进入 compensated。
func (o *Orchestrator) compensate(ctx context.Context, t *Trade) error {
	// 每次尝试已在循环内记账，这里只推进状态。
	o.markFailed(ctx, t, StatusFunded, CodeRetriesExhausted, "结算重试耗尽", false)
	if _, err := o.store.Transition(ctx, t.ID, []Status{StatusFailed}, StatusCompensated, "结算重试耗尽，资金保持原位", false); err != nil {
		logger.L().Error("补偿状态推进失败", slog.String("trade_id", t.ID), slog.Any("error", err))
	}
	logger.Audit().Warn("交易进入补偿",
		slog.String("trade_id", t.ID),
		slog.Int("attempts", t.MaxRetries),
	)
	o.emitAlert(ctx, t, CodeRetriesExhausted, ErrRetriesExhausted, "compensated")
	return xerrors.Wrap(CodeRetriesExhausted, ErrRetriesExhausted,
		fmt.Sprintf("交易 %s 结算重试耗尽", t.ID))
}

// Cancel 取消一笔尚未进入结算的交易。
func (o *Orchestrator) Cancel(ctx context.Context, tradeID string) error {
	lock := o.acquireLock(tradeID)
	defer o.releaseLock(tradeID, lock)

	if _, err := o.store.Transition(ctx, tradeID, []Status{StatusPending}, StatusFailed, "已取消", false); err != nil {
		return err
	}
	logger.Audit().Info("交易已取消", slog.String("trade_id", tradeID))
	return nil
}

func (o *Orchestrator) markFailed(ctx context.Context, t *Trade, from Status, code xerrors.Code, reason string, bumpAttempt bool) {
	if _, err := o.store.Transition(ctx, t.ID, []Status{from}, StatusFailed, reason, bumpAttempt); err != nil {
		logger.L().Error("标记交易失败状态出错",
			slog.String("trade_id", t.ID),
			slog.Any("error", err),
		)
		return
	}
	logger.Audit().Warn("交易结算失败",
		slog.String("trade_id", t.ID),
		slog.String("error_code", string(code)),
		slog.String("reason", reason),
	)
	if attrs := xerrors.AttributesOf(code); attrs.Alert {
		o.emitAlert(ctx, t, code, xerrors.New(code, reason), "failed")
	}
}

// acquireLock 按交易惰性创建互斥锁并加锁。引用计数在注册表锁内更新，
// 等待者持有引用期间锁表项不会被回收。
func (o *Orchestrator) acquireLock(tradeID string) *tradeLock {
	o.mu.Lock()
	lock, ok := o.locks[tradeID]
	if !ok {
		lock = &tradeLock{}
		o.locks[tradeID] = lock
	}
	lock.refs++
	o.mu.Unlock()

	lock.mu.Lock()
	return lock
}

func (o *Orchestrator) releaseLock(tradeID string, lock *tradeLock) {
	lock.mu.Unlock()
	o.mu.Lock()
	defer o.mu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(o.locks, tradeID)
	}
}

func (o *Orchestrator) emitAlert(ctx context.Context, t *Trade, code xerrors.Code, cause error, stage string) {
	if o.alerter == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		TradeID:    t.ID,
		Attempts:   t.Attempts,
		MaxRetries: t.MaxRetries,
		Metadata:   map[string]string{"stage": stage},
		OccurredAt: time.Now(),
	}
	if err := o.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("派发告警失败", slog.String("trade_id", t.ID), slog.Any("error", err))
	}
}
