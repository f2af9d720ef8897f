package auth

import "context"

// subjectKey 是请求上下文中 API 调用方的键类型。
type subjectKey struct{}

// WithSubject 把通过令牌认证的 API 调用方写入请求上下文，
// 下游处理器和审计日志由此得知是谁在操作交易。
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	subject.normalise()
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext 取出当前请求的调用方，未经认证时返回 nil。
func SubjectFromContext(ctx context.Context) *Subject {
	if ctx == nil {
		return nil
	}
	if subject, ok := ctx.Value(subjectKey{}).(*Subject); ok {
		subject.normalise()
		return subject
	}
	return nil
}
