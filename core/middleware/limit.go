package middleware

import (
	nethttp "net/http"

	"github.com/searchktools/fastcore/core/body"
	"github.com/searchktools/fastcore/core/http"
)

// DefaultBodyLimit applies when a limit of zero or less is configured.
const DefaultBodyLimit int64 = 10 << 20

// BodyLimit rejects request bodies over limit bytes.
func BodyLimit(limit int64) Func {
	return DynamicBodyLimit(func(*http.Request) int64 { return limit })
}

// DynamicBodyLimit computes the limit per request. A declared
// Content-Length over the limit is answered with 413 straight away; bodies
// of unknown length fail with body.ErrTooLarge once they cross it, which
// handlers surface as 413 too.
func DynamicBodyLimit(limitFor func(*http.Request) int64) Func {
	return func(req *http.Request, next Next) *http.Response {
		limit := limitFor(req)
		if limit <= 0 {
			limit = DefaultBodyLimit
		}
		if req.ContentLength > limit {
			return http.Error(nethttp.StatusRequestEntityTooLarge, "Body exceeds allowed size")
		}
		req.Body = body.Limit(req.TakeBody(), limit)
		return next.Run(req)
	}
}
