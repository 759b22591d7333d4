// Package handler adapts application functions to the single call shape the
// router dispatches to.
package handler

import (
	"github.com/searchktools/fastcore/core/http"
)

// Handler serves one request. One Handler value is shared by every request
// routed to it, so implementations keep no per-call state.
type Handler interface {
	Serve(req *http.Request) *http.Response
}

// Func is the plain function form of Handler.
type Func func(req *http.Request) *http.Response

// Serve calls f. A nil response becomes an empty 200.
func (f Func) Serve(req *http.Request) *http.Response {
	resp := f(req)
	if resp == nil {
		return http.Status(200)
	}
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	return resp
}

// Of adapts a function returning any value Respond understands.
func Of[T any](fn func(*http.Request) T) Handler {
	return Func(func(req *http.Request) *http.Response {
		return Respond(fn(req))
	})
}

// Try adapts a function returning a value and an error. A non-nil error is
// converted with Respond and the value is ignored.
func Try[T any](fn func(*http.Request) (T, error)) Handler {
	return Func(func(req *http.Request) *http.Response {
		v, err := fn(req)
		if err != nil {
			return Respond(err)
		}
		return Respond(v)
	})
}
