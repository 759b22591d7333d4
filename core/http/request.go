package http

import (
	"context"
	"net"
	nethttp "net/http"
	"net/url"
	"reflect"
	"strings"

	"github.com/searchktools/fastcore/core/body"
)

// Header is a canonical-key header map.
type Header = nethttp.Header

// Common header names
const (
	HeaderContentType      = "Content-Type"
	HeaderContentLength    = "Content-Length"
	HeaderContentEncoding  = "Content-Encoding"
	HeaderAcceptEncoding   = "Accept-Encoding"
	HeaderConnection       = "Connection"
	HeaderLocation         = "Location"
	HeaderVary             = "Vary"
	HeaderUpgrade          = "Upgrade"
	HeaderTransferEncoding = "Transfer-Encoding"
)

// Request is one decoded HTTP request. A request and its body are owned by
// a single goroutine for the duration of dispatch.
type Request struct {
	Method     string
	Path       string
	RawQuery   string
	Proto      string
	ProtoMajor int
	ProtoMinor int
	Host       string
	Header     Header
	Body       body.Body

	// ContentLength is -1 when the length is not known up front.
	ContentLength int64
	RemoteAddr    net.Addr

	ctx   context.Context
	ext   map[reflect.Type]any
	query url.Values
}

// NewRequest builds a request for target (path plus optional query). It is
// what bridges and tests use; the wire parser fills the fields directly.
func NewRequest(method, target string, b body.Body) *Request {
	if b == nil {
		b = body.Empty()
	}
	path, rawQuery, _ := strings.Cut(target, "?")
	cl := int64(-1)
	if n, ok := b.SizeHint().Exact(); ok {
		cl = int64(n)
	}
	return &Request{
		Method:        method,
		Path:          path,
		RawQuery:      rawQuery,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        make(Header),
		Body:          b,
		ContentLength: cl,
	}
}

// Context returns the request context; never nil.
func (r *Request) Context() context.Context {
	if r.ctx != nil {
		return r.ctx
	}
	return context.Background()
}

// SetContext replaces the request context.
func (r *Request) SetContext(ctx context.Context) {
	r.ctx = ctx
}

// URI returns the path with its query.
func (r *Request) URI() string {
	if r.RawQuery == "" {
		return r.Path
	}
	return r.Path + "?" + r.RawQuery
}

// Query returns the first value of the query parameter key.
func (r *Request) Query(key string) string {
	if r.query == nil {
		r.query, _ = url.ParseQuery(r.RawQuery)
	}
	return r.query.Get(key)
}

// TakeBody moves the body out of the request, leaving an empty one behind.
func (r *Request) TakeBody() body.Body {
	b := r.Body
	r.Body = body.Empty()
	if b == nil {
		return body.Empty()
	}
	return b
}

// ProtoAtLeast reports whether the request protocol is at least major.minor.
func (r *Request) ProtoAtLeast(major, minor int) bool {
	return r.ProtoMajor > major || r.ProtoMajor == major && r.ProtoMinor >= minor
}

// WantsClose reports whether the client asked to end the connection after
// this request.
func (r *Request) WantsClose() bool {
	if r.ProtoMajor == 1 && r.ProtoMinor == 0 {
		return !headerHasToken(r.Header, HeaderConnection, "keep-alive")
	}
	return headerHasToken(r.Header, HeaderConnection, "close")
}

// headerHasToken reports whether a comma separated header contains token,
// case-insensitively.
func headerHasToken(h Header, key, token string) bool {
	for _, v := range h.Values(key) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

// HasToken is headerHasToken for callers outside the package.
func HasToken(h Header, key, token string) bool {
	return headerHasToken(h, key, token)
}
