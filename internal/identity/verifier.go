package identity

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	xerrors "Walta-Core/internal/errors"
	"Walta-Core/pkg/logger"
)

// defaultVerifyTTL 是校验结果的默认缓存时长。
const defaultVerifyTTL = 5 * time.Minute

// Verifier 负责在任何商业行为发生前校验对端身份。
// 除缓存写入外没有其他副作用，是一个纯粹的校验边界。
type Verifier struct {
	registry       Registry
	cache          Cache
	ttl            time.Duration
	resolveTimeout time.Duration
	now            func() time.Time
}

// VerifierOption 定义可选的 Verifier 配置。
type VerifierOption func(*Verifier)

// WithCacheTTL 设置校验结果的缓存时长，超过后必须重新校验。
func WithCacheTTL(ttl time.Duration) VerifierOption {
	return func(v *Verifier) {
		if ttl > 0 {
			v.ttl = ttl
		}
	}
}

// WithResolveTimeout 设置单次注册中心解析的超时时间。
func WithResolveTimeout(timeout time.Duration) VerifierOption {
	return func(v *Verifier) {
		if timeout > 0 {
			v.resolveTimeout = timeout
		}
	}
}

// WithClock 替换时间源，仅供测试。
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewVerifier 创建身份校验器。cache 传 nil 时使用进程内缓存。
func NewVerifier(registry Registry, cache Cache, opts ...VerifierOption) *Verifier {
	if cache == nil {
		cache = NewMemoryCache()
	}
	v := &Verifier{
		registry: registry,
		cache:    cache,
		ttl:      defaultVerifyTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// Verify 解析并校验 handle 对应的身份。命中缓存时直接返回，避免重复访问注册中心。
func (v *Verifier) Verify(ctx context.Context, handle string) (*Identity, error) {
	if v.registry == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置身份注册中心")
	}
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "handle 不能为空")
	}

	if cached, ok := v.cache.Get(ctx, handle); ok {
		return cached, nil
	}

	resolveCtx := ctx
	if v.resolveTimeout > 0 {
		var cancel context.CancelFunc
		resolveCtx, cancel = context.WithTimeout(ctx, v.resolveTimeout)
		defer cancel()
	}

	doc, err := v.registry.Resolve(resolveCtx, handle)
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "身份解析超时")
		}
		return nil, err
	}

	now := v.now()
	if err := doc.Validate(now); err != nil {
		logger.Audit().Warn("身份校验失败",
			slog.String("handle", handle),
			slog.String("did", doc.DID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	id := &Identity{
		Handle:               handle,
		DID:                  doc.DID,
		PublicKeyFingerprint: Fingerprint(doc.PublicKey),
		VerifiedAt:           now,
	}

	// 缓存时长不超过文档剩余有效期，避免缓存里躺着一个已过期的身份。
	ttl := v.ttl
	if remaining := doc.Expires.Sub(now); remaining < ttl {
		ttl = remaining
	}
	if err := v.cache.Set(ctx, handle, id, ttl); err != nil {
		logger.L().Warn("写入身份缓存失败", slog.Any("error", err), slog.String("handle", handle))
	}
	return id, nil
}

// FreshWithin 判断身份记录是否仍在允许的校验窗口内。
func (v *Verifier) FreshWithin(id *Identity) bool {
	if id == nil {
		return false
	}
	return v.now().Sub(id.VerifiedAt) <= v.ttl
}

// Invalidate 显式废弃缓存的校验结果，例如发现对端轮换了密钥。
func (v *Verifier) Invalidate(ctx context.Context, handle string) error {
	return v.cache.Invalidate(ctx, handle)
}
