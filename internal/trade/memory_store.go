package trade

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "Walta-Core/internal/errors"
)

// MemoryStore 使用内存保存交易状态，主要用于测试与本地演示。
type MemoryStore struct {
	mu       sync.RWMutex
	trades   map[string]*Trade
	receipts map[string]*SettlementReceipt
}

// NewMemoryStore 创建内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trades:   make(map[string]*Trade),
		receipts: make(map[string]*SettlementReceipt),
	}
}

// CreateTrade 插入新的交易记录。
func (s *MemoryStore) CreateTrade(_ context.Context, t *Trade) error {
	if t == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "trade 不能为空")
	}
	if strings.TrimSpace(t.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "交易 ID 不能为空")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.trades[t.ID]; ok {
		return ErrTradeConflict
	}
	now := time.Now().Unix()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = StatusPending
	}
	clone := *t
	s.trades[t.ID] = &clone
	return nil
}

// GetTrade 查询指定交易。
func (s *MemoryStore) GetTrade(_ context.Context, id string) (*Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.trades[id]
	if !ok {
		return nil, ErrTradeNotFound
	}
	clone := *t
	return &clone, nil
}

// Transition 实现原子的检查并更新。
func (s *MemoryStore) Transition(_ context.Context, id string, from []Status, to Status, reason string, bumpAttempt bool) (*Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trades[id]
	if !ok {
		return nil, ErrTradeNotFound
	}

	matched := false
	for _, status := range from {
		if t.Status == status {
			matched = true
			break
		}
	}
	if !matched || !CanTransition(t.Status, to) {
		return nil, xerrors.Wrap(CodeTradeConflict, ErrTradeConflict,
			"交易状态不允许迁移",
			xerrors.WithMetadata("trade_id", id),
			xerrors.WithMetadata("current", string(t.Status)),
			xerrors.WithMetadata("target", string(to)),
		)
	}

	t.Status = to
	t.Reason = reason
	if bumpAttempt {
		t.Attempts++
	}
	t.UpdatedAt = time.Now().Unix()
	clone := *t
	return &clone, nil
}

// RecordAttempt 累加指定交易的尝试计数。
func (s *MemoryStore) RecordAttempt(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trades[id]
	if !ok {
		return ErrTradeNotFound
	}
	t.Attempts++
	t.UpdatedAt = time.Now().Unix()
	return nil
}

// SaveReceipt 以不存在才写入的语义保存回执。
func (s *MemoryStore) SaveReceipt(_ context.Context, r *SettlementReceipt) error {
	if r == nil || strings.TrimSpace(r.TradeID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "回执不完整")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.receipts[r.TradeID]; ok {
		return ErrReceiptExists
	}
	clone := *r
	s.receipts[r.TradeID] = &clone
	return nil
}

// GetReceipt 查询交易的结算回执。
func (s *MemoryStore) GetReceipt(_ context.Context, tradeID string) (*SettlementReceipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.receipts[tradeID]
	if !ok {
		return nil, ErrTradeNotFound
	}
	clone := *r
	return &clone, nil
}

// List 返回按更新时间倒序排列的交易。
func (s *MemoryStore) List(_ context.Context, opts ...ListOption) ([]*Trade, error) {
	options := buildListOptions(opts)

	s.mu.RLock()
	matched := make([]*Trade, 0, len(s.trades))
	for _, t := range s.trades {
		if !matchesFilter(t, options) {
			continue
		}
		clone := *t
		matched = append(matched, &clone)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].UpdatedAt != matched[j].UpdatedAt {
			return matched[i].UpdatedAt > matched[j].UpdatedAt
		}
		return matched[i].ID > matched[j].ID
	})

	if options.Offset >= len(matched) {
		return []*Trade{}, nil
	}
	matched = matched[options.Offset:]
	if len(matched) > options.Limit {
		matched = matched[:options.Limit]
	}
	return matched, nil
}

// Stats 返回交易状态的聚合信息。
func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats Stats
	for _, t := range s.trades {
		stats.Total++
		switch t.Status {
		case StatusPending:
			stats.Pending++
		case StatusFunded:
			stats.Funded++
		case StatusSettled:
			stats.Settled++
		case StatusFailed:
			stats.Failed++
		case StatusCompensated:
			stats.Compensated++
		}
	}
	return stats, nil
}

// Close 实现 Store 接口。
func (s *MemoryStore) Close() error { return nil }

func matchesFilter(t *Trade, opts ListOptions) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if t.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.Party != "" && t.Payer != opts.Party && t.Payee != opts.Party {
		return false
	}
	return true
}

var _ Store = (*MemoryStore)(nil)
