package log

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// contextKey 是用于存储 RequestContext 的私有 key 类型
type contextKey string

const requestContextKey contextKey = "atelier_request_context"

// RequestContext carries per-request tracing information across functions
// and modules via context.Context.
type RequestContext struct {
	RequestID string                 // short random request id, e.g. mgrn0zfqda
	UserID    string                 // requesting user, when known
	PromptID  string                 // job the request is about, when known
	StartTime time.Time              // request start time
	Metadata  map[string]interface{} // extension metadata
}

var (
	randSource = rand.NewSource(time.Now().UnixNano())
	randMutex  sync.Mutex
	// base36 charset (lowercase letters + digits)
	base36Chars = "0123456789abcdefghijklmnopqrstuvwxyz"
)

// GenerateRequestID generates a 10-character random request id.
// base36 encoding keeps it short and avoids UUID overhead.
func GenerateRequestID() string {
	randMutex.Lock()
	defer randMutex.Unlock()

	b := make([]byte, 10)
	for i := range b {
		b[i] = base36Chars[randSource.Int63()%36]
	}
	return string(b)
}

// WithRequestContext injects a RequestContext into ctx. Typically called by
// middleware so the whole request lifecycle shares one trace.
func WithRequestContext(ctx context.Context, requestID, userID string) context.Context {
	reqCtx := &RequestContext{
		RequestID: requestID,
		UserID:    userID,
		StartTime: time.Now(),
		Metadata:  make(map[string]interface{}),
	}
	return context.WithValue(ctx, requestContextKey, reqCtx)
}

// GetRequestContext extracts the RequestContext from ctx. When absent it
// returns a default empty RequestContext so callers never need nil checks.
func GetRequestContext(ctx context.Context) *RequestContext {
	if ctx == nil {
		return &RequestContext{
			RequestID: "unknown",
			Metadata:  make(map[string]interface{}),
		}
	}

	if reqCtx, ok := ctx.Value(requestContextKey).(*RequestContext); ok {
		return reqCtx
	}

	return &RequestContext{
		RequestID: "unknown",
		Metadata:  make(map[string]interface{}),
	}
}

// GetRequestID extracts the request id from ctx.
func GetRequestID(ctx context.Context) string {
	return GetRequestContext(ctx).RequestID
}

// SetPromptID records the job a request ended up touching.
func SetPromptID(ctx context.Context, promptID string) {
	GetRequestContext(ctx).PromptID = promptID
}

// GetElapsedTime returns how long the request has been running, in milliseconds.
func GetElapsedTime(ctx context.Context) int64 {
	reqCtx := GetRequestContext(ctx)
	if reqCtx.StartTime.IsZero() {
		return 0
	}
	return time.Since(reqCtx.StartTime).Milliseconds()
}
