package dispatch

import "context"

type requestIDKey struct{}

// WithRequestID 在上下文中携带网关请求 ID，后端用它登记用量
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}
