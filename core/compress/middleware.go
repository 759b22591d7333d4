package compress

import (
	nethttp "net/http"
	"strings"

	"github.com/searchktools/fastcore/core/body"
	"github.com/searchktools/fastcore/core/http"
	"github.com/searchktools/fastcore/core/middleware"
	"github.com/searchktools/fastcore/core/router"
)

// Middleware compresses eligible responses for clients that accept one of
// cfg.Enabled. Responses are skipped unless they are 2xx or 304, carry no
// Content-Encoding yet, have a compressible Content-Type and reach
// cfg.MinSize. When the compressor fails the body is sent as is.
func Middleware(cfg Config) middleware.Func {
	return func(req *http.Request, next middleware.Next) *http.Response {
		accept := req.Header.Get(http.HeaderAcceptEncoding)
		resp := next.Run(req)

		enc, ok := ChooseEncoding(accept, cfg.Enabled)
		if !ok || !eligible(resp) {
			return resp
		}
		if cfg.Stream {
			return compressStream(cfg, enc, resp)
		}
		return compressBuffered(req, cfg, enc, resp)
	}
}

func eligible(resp *http.Response) bool {
	if !http.IsSuccess(resp.Status) && resp.Status != nethttp.StatusNotModified {
		return false
	}
	if resp.Header.Get(http.HeaderContentEncoding) != "" {
		return false
	}
	return Compressible(resp.Header.Get(http.HeaderContentType))
}

// Compressible reports whether a Content-Type is worth compressing: text,
// JSON, JavaScript and XML, or no type at all.
func Compressible(contentType string) bool {
	if contentType == "" {
		return true
	}
	ct := strings.ToLower(contentType)
	return strings.HasPrefix(ct, "text/") ||
		strings.Contains(ct, "json") ||
		strings.Contains(ct, "javascript") ||
		strings.Contains(ct, "xml")
}

func compressBuffered(req *http.Request, cfg Config, enc Encoding, resp *http.Response) *http.Response {
	// An event stream never ends; collecting it would stall the response.
	if strings.HasPrefix(strings.ToLower(resp.Header.Get(http.HeaderContentType)), "text/event-stream") {
		return resp
	}

	data, trailers, err := body.Collect(req.Context(), resp.TakeBody(), 0)
	if err != nil {
		resp.Body = body.Fail(err)
		return resp
	}
	restore := func(b []byte) body.Body {
		if trailers != nil {
			return body.WithTrailers(body.Bytes(b), trailers)
		}
		return body.Bytes(b)
	}
	if len(data) < cfg.MinSize {
		resp.Body = restore(data)
		return resp
	}

	out, err := Buffered(enc, cfg.Level(enc), data)
	if err != nil {
		resp.Body = restore(data)
		return resp
	}
	resp.Body = restore(out)
	markEncoded(resp, enc)
	return resp
}

func compressStream(cfg Config, enc Encoding, resp *http.Response) *http.Response {
	if n, ok := resp.ContentLength(); ok && n < int64(cfg.MinSize) {
		return resp
	}
	if n, ok := resp.Body.SizeHint().Exact(); ok && n < uint64(cfg.MinSize) {
		return resp
	}

	b, err := Stream(enc, cfg.Level(enc), resp.Body)
	if err != nil {
		return resp
	}
	resp.Body = b
	markEncoded(resp, enc)
	return resp
}

func markEncoded(resp *http.Response, enc Encoding) {
	resp.Header.Set(http.HeaderContentEncoding, string(enc))
	resp.Header.Del(http.HeaderContentLength)
	if !http.HasToken(resp.Header, http.HeaderVary, http.HeaderAcceptEncoding) {
		resp.Header.Add(http.HeaderVary, http.HeaderAcceptEncoding)
	}
}

// Plugin installs Middleware as global router middleware.
type Plugin struct {
	cfg Config
}

// NewPlugin returns a compression plugin for cfg.
func NewPlugin(cfg Config) *Plugin {
	return &Plugin{cfg: cfg}
}

func (p *Plugin) Name() string { return "compression" }

func (p *Plugin) Setup(r *router.Router) error {
	r.Use(Middleware(p.cfg))
	return nil
}
