package http

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	nethttp "net/http"
	"strconv"

	"github.com/searchktools/fastcore/core/body"
)

// UpgradeFunc takes over a connection after a 101 response has been written.
// It owns conn from then on.
type UpgradeFunc func(conn net.Conn, rw *bufio.ReadWriter)

// Response is what handlers produce and middleware reshape on the way out.
type Response struct {
	Status  int
	Header  Header
	Body    body.Body
	Upgrade UpgradeFunc
}

// NewResponse returns a response with an empty header set. A nil body is
// treated as empty.
func NewResponse(status int, b body.Body) *Response {
	if b == nil {
		b = body.Empty()
	}
	return &Response{
		Status: status,
		Header: make(Header),
		Body:   b,
	}
}

// Status returns an empty-bodied response.
func Status(code int) *Response {
	return NewResponse(code, body.Empty())
}

// Text returns a text/plain response.
func Text(status int, s string) *Response {
	resp := NewResponse(status, body.String(s))
	resp.Header.Set(HeaderContentType, "text/plain; charset=utf-8")
	return resp
}

// Error returns a text response carrying msg, or the status text when msg is
// empty.
func Error(status int, msg string) *Response {
	if msg == "" {
		msg = nethttp.StatusText(status)
	}
	return Text(status, msg)
}

// JSON encodes v as an application/json response.
func JSON(status int, v any) (*Response, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json response: %w", err)
	}
	resp := NewResponse(status, body.Bytes(data))
	resp.Header.Set(HeaderContentType, "application/json")
	return resp, nil
}

// TakeBody moves the body out of the response, leaving an empty one behind.
func (r *Response) TakeBody() body.Body {
	b := r.Body
	r.Body = body.Empty()
	if b == nil {
		return body.Empty()
	}
	return b
}

// ContentLength returns the declared Content-Length header, if valid.
func (r *Response) ContentLength() (int64, bool) {
	v := r.Header.Get(HeaderContentLength)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// StatusText returns the reason phrase for code.
func StatusText(code int) string {
	if s := nethttp.StatusText(code); s != "" {
		return s
	}
	return "Unknown"
}

// IsSuccess reports a 2xx status.
func IsSuccess(code int) bool {
	return code >= 200 && code < 300
}
