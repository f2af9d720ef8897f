package trade

import (
	"context"
	"strings"
)

// Store 抽象了交易与结算回执的持久化接口。
// Transition 是原子的检查并更新，SaveReceipt 是不存在才写入，
// 两者共同承担精确一次结算的持久化职责。
type Store interface {
	CreateTrade(ctx context.Context, t *Trade) error
	GetTrade(ctx context.Context, id string) (*Trade, error)
	// Transition 仅当交易当前处于 from 中的某个状态时才迁移到 to，
	// 否则返回 ErrTradeConflict。bumpAttempt 为真时累加尝试计数。
	Transition(ctx context.Context, id string, from []Status, to Status, reason string, bumpAttempt bool) (*Trade, error)
	// RecordAttempt 在状态不变的前提下累加尝试计数，
	// 结算循环每消耗一次重试预算就落库一次。
	RecordAttempt(ctx context.Context, id string) error
	// SaveReceipt 写入结算回执。若已存在则返回 ErrReceiptExists，
	// 调用方应当读取既有回执而不是覆盖。
	SaveReceipt(ctx context.Context, r *SettlementReceipt) error
	GetReceipt(ctx context.Context, tradeID string) (*SettlementReceipt, error)
	List(ctx context.Context, opts ...ListOption) ([]*Trade, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Stats 聚合了交易状态的统计信息，常用于仪表盘或健康检查。
type Stats struct {
	Total       int `json:"total"`
	Pending     int `json:"pending"`
	Funded      int `json:"funded"`
	Settled     int `json:"settled"`
	Failed      int `json:"failed"`
	Compensated int `json:"compensated"`
}

// ListOptions 控制交易列表查询。
type ListOptions struct {
	Limit    int
	Offset   int
	Statuses []Status
	Party    string
}

func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	opts.Party = strings.TrimSpace(opts.Party)
	if len(opts.Statuses) > 0 {
		filtered := opts.Statuses[:0]
		for _, status := range opts.Statuses {
			if IsValidStatus(status) {
				filtered = append(filtered, status)
			}
		}
		opts.Statuses = filtered
	}
}

// ListOption 修改查询参数。
type ListOption func(*ListOptions)

// WithLimit 限制返回的交易数量。
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset 跳过前若干条匹配记录。
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithStatuses 按状态过滤交易。
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithParty 过滤某个 DID 作为付款方或收款方参与的交易。
func WithParty(did string) ListOption {
	return func(opts *ListOptions) {
		opts.Party = did
	}
}

func buildListOptions(opts []ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}
