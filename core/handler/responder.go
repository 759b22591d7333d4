package handler

import (
	"errors"
	"fmt"
	nethttp "net/http"

	"github.com/searchktools/fastcore/core/body"
	"github.com/searchktools/fastcore/core/codec"
	"github.com/searchktools/fastcore/core/http"
)

// Responder is implemented by values that know their HTTP representation.
type Responder interface {
	Respond() *http.Response
}

// Respond converts v to a response:
//
//	nil               -> 200 with an empty body
//	*http.Response    -> as is
//	Responder         -> v.Respond()
//	string            -> 200 text/plain
//	[]byte            -> 200 application/octet-stream
//	body.Body         -> 200 with the stream as body
//	error             -> StatusError status, 413 for oversized bodies, or 400
//
// Any other type is a programming error and panics; the engine turns that
// into a 500.
func Respond(v any) *http.Response {
	switch x := v.(type) {
	case nil:
		return http.Status(nethttp.StatusOK)
	case *http.Response:
		if x == nil {
			return http.Status(nethttp.StatusOK)
		}
		return x
	case Responder:
		return x.Respond()
	case string:
		return http.Text(nethttp.StatusOK, x)
	case []byte:
		resp := http.NewResponse(nethttp.StatusOK, body.Bytes(x))
		resp.Header.Set(http.HeaderContentType, "application/octet-stream")
		return resp
	case body.Body:
		return http.NewResponse(nethttp.StatusOK, x)
	case error:
		return errorResponse(x)
	default:
		panic(fmt.Sprintf("handler: cannot convert %T into a response", v))
	}
}

// StatusError is a domain error that carries its HTTP status.
type StatusError struct {
	Code int
	Msg  string
	Err  error
}

// Errorf returns a *StatusError with a formatted message.
func Errorf(code int, format string, args ...any) *StatusError {
	return &StatusError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// WrapStatus attaches a status to err, keeping it for errors.Is/As.
func WrapStatus(code int, err error) *StatusError {
	return &StatusError{Code: code, Msg: err.Error(), Err: err}
}

func (e *StatusError) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	return http.StatusText(e.Code)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

func errorResponse(err error) *http.Response {
	var se *StatusError
	if errors.As(err, &se) {
		return http.Error(se.Code, se.Error())
	}
	if errors.Is(err, body.ErrTooLarge) {
		return http.Error(nethttp.StatusRequestEntityTooLarge, "Body exceeds allowed size")
	}
	return http.Error(nethttp.StatusBadRequest, err.Error())
}

// Text pairs a status with a text body.
type Text struct {
	Code int
	Body string
}

func (t Text) Respond() *http.Response {
	return http.Text(t.Code, t.Body)
}

// Headers pairs a status with a set of headers and no body.
type Headers struct {
	Code   int
	Header http.Header
}

func (h Headers) Respond() *http.Response {
	resp := http.Status(h.Code)
	for k, vs := range h.Header {
		resp.Header[k] = append([]string(nil), vs...)
	}
	return resp
}

// Encoded answers with v in the encoding the client accepts: protobuf for
// proto messages when asked for, JSON otherwise.
func Encoded(req *http.Request, code int, v any) Responder {
	return encoded{code: code, v: v, c: codec.Negotiate(req.Header.Get("Accept"), v)}
}

// JSON answers with v encoded as JSON.
func JSON(code int, v any) Responder {
	return encoded{code: code, v: v, c: codec.JSON}
}

// Protobuf answers with v in protobuf wire format.
func Protobuf(code int, v any) Responder {
	return encoded{code: code, v: v, c: codec.Protobuf}
}

type encoded struct {
	code int
	v    any
	c    codec.Codec
}

func (e encoded) Respond() *http.Response {
	data, err := e.c.Encode(e.v)
	if err != nil {
		return errorResponse(WrapStatus(nethttp.StatusInternalServerError,
			fmt.Errorf("encode %s response: %w", e.c.Name(), err)))
	}
	resp := http.NewResponse(e.code, body.Bytes(data))
	resp.Header.Set(http.HeaderContentType, e.c.ContentType())
	return resp
}
