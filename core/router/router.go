// Package router maps (method, path) pairs to handlers and runs the
// matching middleware chain.
package router

import (
	"errors"
	"fmt"
	nethttp "net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/searchktools/fastcore/core/handler"
	"github.com/searchktools/fastcore/core/http"
	"github.com/searchktools/fastcore/core/middleware"
	"github.com/searchktools/fastcore/core/state"
)

// Plugin installs itself on a router, typically as global middleware.
type Plugin interface {
	Name() string
	Setup(r *Router) error
}

type routeKey struct {
	method  string
	pattern string
}

// candidates is a copy-on-write list of parameterised routes for one method,
// in registration order.
type candidates struct {
	list atomic.Pointer[[]*Route]
}

func (c *candidates) load() []*Route {
	if p := c.list.Load(); p != nil {
		return *p
	}
	return nil
}

// Match is the outcome of Resolve.
type Match struct {
	Route  *Route
	Params http.PathParams
	// Redirect is set when only the trailing-slash variant of the path
	// matched a route that allows redirects.
	Redirect string
}

// Router is safe for concurrent registration and lookup. Registration is
// expected to finish before the server starts; lookups then take no locks.
type Router struct {
	routes  *xsync.MapOf[routeKey, *Route]
	static  *xsync.MapOf[routeKey, *Route]
	dynamic *xsync.MapOf[string, *candidates]

	mu    sync.Mutex // serialises writers
	order []*Route

	global      *middleware.List
	plugins     []Plugin
	pluginsDone atomic.Bool
	state       *state.Store
}

// New returns an empty router.
func New() *Router {
	return &Router{
		routes:  xsync.NewMapOf[routeKey, *Route](),
		static:  xsync.NewMapOf[routeKey, *Route](),
		dynamic: xsync.NewMapOf[string, *candidates](),
		global:  middleware.NewList(),
		state:   state.New(),
	}
}

// Route registers h for method and pattern. Registering the same pair again
// replaces the earlier route. An invalid pattern panics: it is a programming
// error caught at startup.
func (r *Router) Route(method, pattern string, h handler.Handler) *Route {
	return r.add(method, pattern, h, false)
}

// RouteWithTSR is Route with trailing-slash redirects: a request for the
// pattern with the trailing slash toggled is redirected to it.
func (r *Router) RouteWithTSR(method, pattern string, h handler.Handler) *Route {
	if pattern == "/" {
		panic("router: trailing-slash redirect cannot be enabled for /")
	}
	return r.add(method, pattern, h, true)
}

func (r *Router) add(method, pattern string, h handler.Handler, tsr bool) *Route {
	if h == nil {
		panic("router: nil handler for " + method + " " + pattern)
	}
	rt, err := newRoute(strings.ToUpper(method), pattern, h, tsr)
	if err != nil {
		panic(fmt.Sprintf("router: %v", err))
	}
	r.insert(rt)
	return rt
}

func (r *Router) insert(rt *Route) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := routeKey{rt.Method, rt.Pattern}
	prev, replaced := r.routes.LoadAndStore(key, rt)

	if replaced {
		for i, o := range r.order {
			if o == prev {
				r.order[i] = rt
				break
			}
		}
	} else {
		r.order = append(r.order, rt)
	}

	if rt.re == nil {
		r.static.Store(key, rt)
		return
	}

	c, _ := r.dynamic.LoadOrCompute(rt.Method, func() *candidates { return &candidates{} })
	old := c.load()
	next := make([]*Route, 0, len(old)+1)
	next = append(next, old...)
	if replaced {
		for i, o := range next {
			if o == prev {
				next[i] = rt
			}
		}
	} else {
		next = append(next, rt)
	}
	c.list.Store(&next)
}

func (r *Router) GET(pattern string, h handler.Handler) *Route {
	return r.Route(nethttp.MethodGet, pattern, h)
}

func (r *Router) POST(pattern string, h handler.Handler) *Route {
	return r.Route(nethttp.MethodPost, pattern, h)
}

func (r *Router) PUT(pattern string, h handler.Handler) *Route {
	return r.Route(nethttp.MethodPut, pattern, h)
}

func (r *Router) PATCH(pattern string, h handler.Handler) *Route {
	return r.Route(nethttp.MethodPatch, pattern, h)
}

func (r *Router) DELETE(pattern string, h handler.Handler) *Route {
	return r.Route(nethttp.MethodDelete, pattern, h)
}

func (r *Router) HEAD(pattern string, h handler.Handler) *Route {
	return r.Route(nethttp.MethodHead, pattern, h)
}

func (r *Router) OPTIONS(pattern string, h handler.Handler) *Route {
	return r.Route(nethttp.MethodOptions, pattern, h)
}

// Use appends global middleware. Global middleware wraps every request,
// including the ones that end in 404 or a redirect.
func (r *Router) Use(mws ...middleware.Func) *Router {
	r.global.Append(mws...)
	return r
}

// Plugin queues p for SetupPlugins.
func (r *Router) Plugin(p Plugin) *Router {
	r.mu.Lock()
	r.plugins = append(r.plugins, p)
	r.mu.Unlock()
	return r
}

// Plugins returns the registered plugins.
func (r *Router) Plugins() []Plugin {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Plugin(nil), r.plugins...)
}

// SetupPlugins runs every plugin's Setup. Only the first call does anything.
func (r *Router) SetupPlugins() error {
	if r.pluginsDone.Swap(true) {
		return nil
	}
	var errs []error
	for _, p := range r.Plugins() {
		if err := p.Setup(r); err != nil {
			errs = append(errs, fmt.Errorf("plugin %s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// State returns the store shared with handlers through state.From.
func (r *Router) State() *state.Store {
	return r.state
}

// Routes returns the registered routes in registration order.
func (r *Router) Routes() []*Route {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Route(nil), r.order...)
}

// Merge copies other's routes into r. other's global middleware is put in
// front of each copied route's own middleware.
func (r *Router) Merge(other *Router) {
	outer := other.global.Snapshot()
	for _, rt := range other.Routes() {
		cp := *rt
		cp.mws = middleware.NewList(middleware.Concat(outer, rt.mws.Snapshot())...)
		r.insert(&cp)
	}
}

// Resolve finds the route for method and path.
func (r *Router) Resolve(method, path string) (Match, bool) {
	if rt, params, ok := r.lookup(method, path); ok {
		return Match{Route: rt, Params: params}, true
	}

	alt := toggleSlash(path)
	if alt == "" {
		return Match{}, false
	}
	if rt, _, ok := r.lookup(method, alt); ok && rt.tsr {
		return Match{Route: rt, Redirect: alt}, true
	}
	return Match{}, false
}

func (r *Router) lookup(method, path string) (*Route, http.PathParams, bool) {
	if rt, ok := r.static.Load(routeKey{method, path}); ok {
		return rt, nil, true
	}
	c, ok := r.dynamic.Load(method)
	if !ok {
		return nil, nil, false
	}
	for _, rt := range c.load() {
		if params, ok := rt.Match(path); ok {
			return rt, params, true
		}
	}
	return nil, nil, false
}

func toggleSlash(path string) string {
	if strings.HasSuffix(path, "/") {
		return strings.TrimRight(path, "/")
	}
	return path + "/"
}

// Serve makes the router a handler.Handler.
func (r *Router) Serve(req *http.Request) *http.Response {
	return r.Dispatch(req)
}

// Dispatch resolves req, attaches path parameters and the state store, and
// runs global plus route middleware around the route handler.
func (r *Router) Dispatch(req *http.Request) *http.Response {
	state.Attach(req, r.state)
	global := r.global.Snapshot()

	m, ok := r.Resolve(req.Method, req.Path)
	switch {
	case !ok:
		return middleware.Chain(global, notFound).Serve(req)
	case m.Redirect != "":
		loc := m.Redirect
		if req.RawQuery != "" {
			loc += "?" + req.RawQuery
		}
		return middleware.Chain(global, redirectTo(loc)).Serve(req)
	}

	if len(m.Params) > 0 {
		http.SetExt(req, m.Params)
	}
	mws := middleware.Concat(global, m.Route.mws.Snapshot())
	return middleware.Chain(mws, m.Route.handler).Serve(req)
}

var notFound = handler.Func(func(*http.Request) *http.Response {
	return http.Error(nethttp.StatusNotFound, "Not Found")
})

func redirectTo(loc string) handler.Handler {
	return handler.Func(func(*http.Request) *http.Response {
		return http.TemporaryRedirect(loc)
	})
}
