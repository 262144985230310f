// Package middleware holds HTTP server middleware.
package middleware

import (
	"context"
	"net"
	"strings"
	"time"

	pkglog "Atelier/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/middleware"
	"github.com/go-kratos/kratos/v2/transport"
	"github.com/go-kratos/kratos/v2/transport/http"
)

// slowRequestThreshold flags requests that likely hit worker latency.
const slowRequestThreshold = 10 * time.Second

// Logging returns a middleware that logs each request with method, path,
// duration and request id. A request id is taken from X-Request-ID or
// generated, then injected into the context for downstream log calls.
func Logging(logger log.Logger) middleware.Middleware {
	helper := log.NewHelper(logger)

	return func(handler middleware.Handler) middleware.Handler {
		return func(ctx context.Context, req interface{}) (interface{}, error) {
			var (
				method    string
				path      string
				ip        string
				requestID string
			)

			if tr, ok := transport.FromServerContext(ctx); ok {
				method = tr.Operation()
				path = tr.Operation()

				if ht, ok := tr.(http.Transporter); ok {
					httpReq := ht.Request()
					method = httpReq.Method
					path = httpReq.URL.Path
					ip = extractClientIP(httpReq.RemoteAddr, httpReq.Header.Get("X-Forwarded-For"))

					requestID = httpReq.Header.Get("X-Request-ID")
				}
			}
			if requestID == "" {
				requestID = pkglog.GenerateRequestID()
			}

			ctx = pkglog.WithRequestContext(ctx, requestID, "")

			reply, err := handler(ctx, req)

			elapsedMS := pkglog.GetElapsedTime(ctx)
			kvs := []interface{}{
				"msg", "http request",
				"method", method,
				"path", path,
				"ip", ip,
				"request_id", pkglog.GetRequestID(ctx),
				"duration_ms", elapsedMS,
			}
			if promptID := pkglog.GetRequestContext(ctx).PromptID; promptID != "" {
				kvs = append(kvs, "prompt_id", promptID)
			}
			if err != nil {
				kvs = append(kvs, "error", err.Error())
				helper.Warnw(kvs...)
			} else {
				helper.Infow(kvs...)
			}

			if elapsedMS > slowRequestThreshold.Milliseconds() {
				helper.Warnw("msg", "slow request",
					"method", method,
					"path", path,
					"request_id", pkglog.GetRequestID(ctx),
					"duration_ms", elapsedMS)
			}

			return reply, err
		}
	}
}

// extractClientIP prefers the first X-Forwarded-For hop over the socket peer.
func extractClientIP(remoteAddr, forwardedFor string) string {
	if forwardedFor != "" {
		parts := strings.Split(forwardedFor, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
