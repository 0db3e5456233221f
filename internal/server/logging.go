package server

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey string

const requestIDKey ctxKey = "request_id"

// maxRequestIDLength bounds client-supplied X-Request-Id values.
const maxRequestIDLength = 128

// RequestIDFromContext returns the request id if present.
func RequestIDFromContext(ctx context.Context) string {
	v := ctx.Value(requestIDKey)
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func withRequestID(ctx context.Context, rid string) context.Context {
	return context.WithValue(ctx, requestIDKey, rid)
}

// generateRequestID returns a random v4 UUID.
func generateRequestID() string {
	return uuid.NewString()
}

// requestIDFor keeps a client-supplied X-Request-Id when it is a plain
// token; otherwise the connection's generated id stands.
func requestIDFor(req *Request, generated string) string {
	if req == nil {
		return generated
	}
	rid := req.Header.Get("X-Request-Id")
	if rid == "" || len(rid) > maxRequestIDLength {
		return generated
	}
	for i := 0; i < len(rid); i++ {
		c := rid[i]
		if c <= ' ' || c >= 0x7f || c == '"' || c == '\\' {
			return generated
		}
	}
	return rid
}
