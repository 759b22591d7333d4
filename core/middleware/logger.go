package middleware

import (
	"time"

	"go.uber.org/zap"

	"github.com/searchktools/fastcore/core/http"
)

// Logger writes one access log line per request once the handler returned.
// Streaming bodies are still being produced at that point, so the duration
// covers time to first byte.
func Logger(log *zap.Logger) Func {
	if log == nil {
		log = zap.NewNop()
	}
	return func(req *http.Request, next Next) *http.Response {
		start := time.Now()
		resp := next.Run(req)

		fields := []zap.Field{
			zap.String("method", req.Method),
			zap.String("path", req.Path),
			zap.Int("status", resp.Status),
			zap.Duration("duration", time.Since(start)),
		}
		if id, ok := http.Ext[RequestID](req); ok {
			fields = append(fields, zap.String("request_id", string(id)))
		}
		if req.RemoteAddr != nil {
			fields = append(fields, zap.String("remote", req.RemoteAddr.String()))
		}

		switch {
		case resp.Status >= 500:
			log.Error("request_served", fields...)
		case resp.Status >= 400:
			log.Warn("request_served", fields...)
		default:
			log.Info("request_served", fields...)
		}
		return resp
	}
}
