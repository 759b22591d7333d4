// Package middleware composes request wrappers around a terminal handler.
//
// A chain runs as nested continuations: the first middleware is the
// outermost layer, sees the request first and the response last.
package middleware

import (
	"sync"
	"sync/atomic"

	"github.com/searchktools/fastcore/core/handler"
	"github.com/searchktools/fastcore/core/http"
)

// Func wraps the rest of the chain. It either calls next.Run and reshapes the
// result, or returns its own response to short-circuit.
type Func func(req *http.Request, next Next) *http.Response

// Next is the remainder of a chain: the middleware still to run and the
// terminal handler.
type Next struct {
	mws     []Func
	handler handler.Handler
}

// Run invokes the next layer, or the handler once the layers are exhausted.
func (n Next) Run(req *http.Request) *http.Response {
	var resp *http.Response
	if len(n.mws) == 0 {
		resp = n.handler.Serve(req)
	} else {
		resp = n.mws[0](req, Next{mws: n.mws[1:], handler: n.handler})
	}
	if resp == nil {
		return http.Status(200)
	}
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	return resp
}

// Chain wraps h in mws. mws is not copied, callers pass a snapshot.
func Chain(mws []Func, h handler.Handler) handler.Handler {
	if len(mws) == 0 {
		return h
	}
	next := Next{mws: mws, handler: h}
	return handler.Func(next.Run)
}

// List is an append-only middleware list. Appends may race with Snapshot;
// a snapshot never changes after it is taken.
type List struct {
	mu  sync.Mutex
	cur atomic.Pointer[[]Func]
}

// NewList returns a list holding mws.
func NewList(mws ...Func) *List {
	l := &List{}
	if len(mws) > 0 {
		l.Append(mws...)
	}
	return l
}

// Append adds mws at the end. Requests already in flight keep the snapshot
// they started with.
func (l *List) Append(mws ...Func) {
	l.mu.Lock()
	defer l.mu.Unlock()

	old := l.Snapshot()
	next := make([]Func, 0, len(old)+len(mws))
	next = append(next, old...)
	next = append(next, mws...)
	l.cur.Store(&next)
}

// Snapshot returns the current middleware. The slice must not be modified.
func (l *List) Snapshot() []Func {
	if p := l.cur.Load(); p != nil {
		return *p
	}
	return nil
}

// Len returns the current number of middleware.
func (l *List) Len() int {
	return len(l.Snapshot())
}

// Concat joins snapshots into a fresh slice.
func Concat(parts ...[]Func) []Func {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	if n == 0 {
		return nil
	}
	out := make([]Func, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
