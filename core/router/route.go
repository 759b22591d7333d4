package router

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/searchktools/fastcore/core/handler"
	"github.com/searchktools/fastcore/core/http"
	"github.com/searchktools/fastcore/core/middleware"
)

// ErrInvalidPattern is returned by Compile for malformed route patterns.
var ErrInvalidPattern = errors.New("invalid route pattern")

// Route binds a method and pattern to a handler. Everything but the
// middleware list is fixed once the route is registered.
type Route struct {
	Method  string
	Pattern string

	re      *regexp.Regexp // nil for literal patterns
	prefix  string         // literal text before the first parameter
	params  []string
	handler handler.Handler
	mws     *middleware.List
	tsr     bool
}

func newRoute(method, pattern string, h handler.Handler, tsr bool) (*Route, error) {
	rt := &Route{
		Method:  method,
		Pattern: pattern,
		handler: h,
		mws:     middleware.NewList(),
		tsr:     tsr,
	}
	if !strings.ContainsAny(pattern, "{}") {
		if !strings.HasPrefix(pattern, "/") {
			return nil, fmt.Errorf("%w: %q must start with /", ErrInvalidPattern, pattern)
		}
		return rt, nil
	}

	re, names, err := Compile(pattern)
	if err != nil {
		return nil, err
	}
	rt.re, rt.params = re, names
	rt.prefix = pattern[:strings.IndexByte(pattern, '{')]
	return rt, nil
}

// Use appends route-level middleware. It runs after the router's global
// middleware and applies to requests that start after the call.
func (rt *Route) Use(mws ...middleware.Func) *Route {
	rt.mws.Append(mws...)
	return rt
}

// Params returns the parameter names in declaration order.
func (rt *Route) Params() []string {
	return rt.params
}

// TSR reports whether trailing-slash redirects are enabled.
func (rt *Route) TSR() bool {
	return rt.tsr
}

// Match tests path against the route pattern.
func (rt *Route) Match(path string) (http.PathParams, bool) {
	if rt.re == nil {
		return nil, path == rt.Pattern
	}
	if !strings.HasPrefix(path, rt.prefix) {
		return nil, false
	}
	m := rt.re.FindStringSubmatch(path)
	if m == nil {
		return nil, false
	}
	params := make(http.PathParams, len(rt.params))
	for i, name := range rt.params {
		params[name] = m[i+1]
	}
	return params, true
}

// Compile turns a pattern such as /users/{id}/posts into an anchored
// expression. Each {name} segment captures one non-empty path segment;
// everything else matches literally. The returned names line up with the
// capture groups.
func Compile(pattern string) (*regexp.Regexp, []string, error) {
	if !strings.HasPrefix(pattern, "/") {
		return nil, nil, fmt.Errorf("%w: %q must start with /", ErrInvalidPattern, pattern)
	}

	var (
		sb    strings.Builder
		names []string
	)
	sb.WriteByte('^')
	for _, seg := range strings.Split(pattern[1:], "/") {
		sb.WriteByte('/')
		if !strings.ContainsAny(seg, "{}") {
			sb.WriteString(regexp.QuoteMeta(seg))
			continue
		}

		name, ok := paramName(seg)
		if !ok {
			return nil, nil, fmt.Errorf("%w: bad segment %q in %q", ErrInvalidPattern, seg, pattern)
		}
		for _, n := range names {
			if n == name {
				return nil, nil, fmt.Errorf("%w: duplicate parameter %q in %q", ErrInvalidPattern, name, pattern)
			}
		}
		names = append(names, name)
		sb.WriteString("([^/]+)")
	}
	sb.WriteByte('$')

	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	return re, names, nil
}

func paramName(seg string) (string, bool) {
	if len(seg) < 3 || seg[0] != '{' || seg[len(seg)-1] != '}' {
		return "", false
	}
	name := seg[1 : len(seg)-1]
	if strings.ContainsAny(name, "{}") {
		return "", false
	}
	return name, true
}
