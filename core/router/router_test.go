package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchktools/fastcore/core/body"
	"github.com/searchktools/fastcore/core/handler"
	"github.com/searchktools/fastcore/core/http"
	"github.com/searchktools/fastcore/core/middleware"
	"github.com/searchktools/fastcore/core/state"
)

func text(s string) handler.Handler {
	return handler.Of(func(*http.Request) string { return s })
}

func bodyOf(t *testing.T, resp *http.Response) string {
	t.Helper()
	data, _, err := body.Collect(context.Background(), resp.Body, 0)
	require.NoError(t, err)
	return string(data)
}

func TestCompile(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		match   bool
		params  http.PathParams
	}{
		{"/users/{id}/posts", "/users/42/posts", true, http.PathParams{"id": "42"}},
		{"/users/{id}/posts", "/users//posts", false, nil},
		{"/users/{id}/posts", "/users/42/posts/", false, nil},
		{"/a/{x}/b/{y}", "/a/1/b/two", true, http.PathParams{"x": "1", "y": "two"}},
		{"/files/{name}.txt", "/files/a.txt", false, nil},
		{"/v1.0/{id}", "/v1x0/7", false, nil},
		{"/v1.0/{id}", "/v1.0/7", true, http.PathParams{"id": "7"}},
	}

	for _, tt := range tests {
		rt, err := newRoute("GET", tt.pattern, text(""), false)
		if tt.pattern == "/files/{name}.txt" {
			assert.ErrorIs(t, err, ErrInvalidPattern)
			continue
		}
		require.NoError(t, err, tt.pattern)
		params, ok := rt.Match(tt.path)
		if ok != tt.match {
			t.Errorf("%s on %s: expected match=%v", tt.pattern, tt.path, tt.match)
			continue
		}
		if ok {
			assert.Equal(t, tt.params, params)
		}
	}
}

func TestCompileInvalid(t *testing.T) {
	for _, p := range []string{"users", "/users/{id", "/users/id}", "/users/{}", "/a/{x}/{x}", "/{a{b}}"} {
		_, _, err := Compile(p)
		assert.ErrorIs(t, err, ErrInvalidPattern, p)
	}

	re, names, err := Compile("/org/{org}/repo/{repo}")
	require.NoError(t, err)
	assert.Equal(t, []string{"org", "repo"}, names)
	assert.Equal(t, len(names), re.NumSubexp())
}

func TestRouteRegistrationPanics(t *testing.T) {
	r := New()
	assert.Panics(t, func() { r.GET("/bad/{", text("")) })
	assert.Panics(t, func() { r.RouteWithTSR("GET", "/", text("")) })
	assert.Panics(t, func() { r.GET("/nil", nil) })
}

// TestDispatchBasic 测试基本路由分发
func TestDispatchBasic(t *testing.T) {
	r := New()
	r.GET("/", text("root"))
	r.GET("/hello", text("hello"))
	r.POST("/hello", text("posted"))
	r.GET("/users/{id}", handler.Of(func(req *http.Request) string { return "user " + req.Param("id") }))

	tests := []struct {
		method, path string
		status       int
		body         string
	}{
		{"GET", "/", 200, "root"},
		{"GET", "/hello", 200, "hello"},
		{"POST", "/hello", 200, "posted"},
		{"GET", "/users/42", 200, "user 42"},
		{"DELETE", "/hello", 404, "Not Found"},
		{"GET", "/nope", 404, "Not Found"},
		{"GET", "/users/42/extra", 404, "Not Found"},
	}
	for _, tt := range tests {
		resp := r.Dispatch(http.NewRequest(tt.method, tt.path, nil))
		assert.Equal(t, tt.status, resp.Status, "%s %s", tt.method, tt.path)
		assert.Equal(t, tt.body, bodyOf(t, resp), "%s %s", tt.method, tt.path)
	}
}

func TestStaticBeatsParam(t *testing.T) {
	r := New()
	r.GET("/users/{id}", text("param"))
	r.GET("/users/me", text("static"))

	assert.Equal(t, "static", bodyOf(t, r.Dispatch(http.NewRequest("GET", "/users/me", nil))))
	assert.Equal(t, "param", bodyOf(t, r.Dispatch(http.NewRequest("GET", "/users/you", nil))))
}

func TestParamRoutesInRegistrationOrder(t *testing.T) {
	r := New()
	r.GET("/{a}/x", text("first"))
	r.GET("/k/{b}", text("second"))

	assert.Equal(t, "first", bodyOf(t, r.Dispatch(http.NewRequest("GET", "/k/x", nil))))
}

func TestReplaceRoute(t *testing.T) {
	r := New()
	r.GET("/a", text("old"))
	r.GET("/a", text("new"))
	r.GET("/p/{id}", text("old"))
	r.GET("/p/{id}", text("new"))

	assert.Equal(t, "new", bodyOf(t, r.Dispatch(http.NewRequest("GET", "/a", nil))))
	assert.Equal(t, "new", bodyOf(t, r.Dispatch(http.NewRequest("GET", "/p/1", nil))))
	assert.Len(t, r.Routes(), 2)
}

func TestTrailingSlashRedirect(t *testing.T) {
	r := New()
	r.RouteWithTSR("GET", "/foo", text("foo"))
	r.RouteWithTSR("GET", "/dir/", text("dir"))
	r.GET("/plain", text("plain"))

	resp := r.Dispatch(http.NewRequest("GET", "/foo/?q=1", nil))
	assert.Equal(t, 307, resp.Status)
	assert.Equal(t, "/foo?q=1", resp.Header.Get("Location"))

	resp = r.Dispatch(http.NewRequest("GET", "/dir", nil))
	assert.Equal(t, 307, resp.Status)
	assert.Equal(t, "/dir/", resp.Header.Get("Location"))

	resp = r.Dispatch(http.NewRequest("GET", "/plain/", nil))
	assert.Equal(t, 404, resp.Status)

	m, ok := r.Resolve("GET", "/foo")
	require.True(t, ok)
	assert.Empty(t, m.Redirect)
}

func TestMiddlewareOrderGlobalThenRoute(t *testing.T) {
	var order []string
	mark := func(name string) middleware.Func {
		return func(req *http.Request, next middleware.Next) *http.Response {
			order = append(order, name)
			return next.Run(req)
		}
	}

	r := New()
	r.Use(mark("global"))
	r.GET("/x", text("x")).Use(mark("route"))

	r.Dispatch(http.NewRequest("GET", "/x", nil))
	assert.Equal(t, []string{"global", "route"}, order)

	// global middleware also wraps misses
	order = nil
	resp := r.Dispatch(http.NewRequest("GET", "/missing", nil))
	assert.Equal(t, 404, resp.Status)
	assert.Equal(t, []string{"global"}, order)
}

// TestMiddlewareOnBareResponse 测试中间件可以给没有头部的响应设置头部
func TestMiddlewareOnBareResponse(t *testing.T) {
	r := New()
	r.Use(middleware.WithRequestID())
	r.GET("/bare", handler.Func(func(*http.Request) *http.Response {
		return &http.Response{Status: 204}
	}))

	var resp *http.Response
	require.NotPanics(t, func() {
		resp = r.Dispatch(http.NewRequest("GET", "/bare", nil))
	})
	assert.Equal(t, 204, resp.Status)
	assert.NotEmpty(t, resp.Header.Get(middleware.HeaderRequestID))
}

func TestMerge(t *testing.T) {
	var order []string
	mark := func(name string) middleware.Func {
		return func(req *http.Request, next middleware.Next) *http.Response {
			order = append(order, name)
			return next.Run(req)
		}
	}

	api := New()
	api.Use(mark("api"))
	api.GET("/api/users", text("users")).Use(mark("users"))

	root := New()
	root.Use(mark("main"))
	root.GET("/", text("home"))
	root.Merge(api)

	resp := root.Dispatch(http.NewRequest("GET", "/api/users", nil))
	assert.Equal(t, "users", bodyOf(t, resp))
	assert.Equal(t, []string{"main", "api", "users"}, order)
	assert.Len(t, root.Routes(), 2)
}

type countingPlugin struct {
	calls int
	err   error
}

func (p *countingPlugin) Name() string { return "counting" }

func (p *countingPlugin) Setup(r *Router) error {
	p.calls++
	r.Use(func(req *http.Request, next middleware.Next) *http.Response {
		resp := next.Run(req)
		resp.Header.Set("X-Plugin", "on")
		return resp
	})
	return p.err
}

func TestSetupPluginsOnce(t *testing.T) {
	p := &countingPlugin{}
	r := New()
	r.GET("/", text("ok"))
	r.Plugin(p)

	require.NoError(t, r.SetupPlugins())
	require.NoError(t, r.SetupPlugins())
	assert.Equal(t, 1, p.calls)

	resp := r.Dispatch(http.NewRequest("GET", "/", nil))
	assert.Equal(t, "on", resp.Header.Get("X-Plugin"))
}

func TestSetupPluginsError(t *testing.T) {
	boom := errors.New("boom")
	r := New()
	r.Plugin(&countingPlugin{err: boom})
	err := r.SetupPlugins()
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "plugin counting")
}

func TestStateReachesHandlers(t *testing.T) {
	type version string
	r := New()
	state.Set(r.State(), version("1.2.3"))
	r.GET("/v", handler.Of(func(req *http.Request) string {
		return string(state.MustGet[version](state.From(req)))
	}))

	assert.Equal(t, "1.2.3", bodyOf(t, r.Dispatch(http.NewRequest("GET", "/v", nil))))
}

// TestConcurrentRoutes 测试并发路由解析
func TestConcurrentRoutes(t *testing.T) {
	methods := []string{"GET", "POST", "PUT", "PATCH", "DELETE"}
	const perMethod = 2000

	r := New()
	var wg sync.WaitGroup
	for _, m := range methods {
		wg.Add(1)
		go func(m string) {
			defer wg.Done()
			for i := 0; i < perMethod; i++ {
				want := fmt.Sprintf("%s-%d", m, i)
				r.Route(m, fmt.Sprintf("/res%d/item", i), text(want))
			}
		}(m)
	}
	wg.Wait()
	r.GET("/users/{id}/posts/{post}", handler.Of(func(req *http.Request) string {
		return req.Param("id") + "/" + req.Param("post")
	}))
	require.Len(t, r.Routes(), len(methods)*perMethod+1)

	errs := make(chan string, 64)
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := w; i < perMethod; i += 16 {
				for _, m := range methods {
					resp := r.Dispatch(http.NewRequest(m, fmt.Sprintf("/res%d/item", i), nil))
					data, _, _ := body.Collect(context.Background(), resp.Body, 0)
					if want := fmt.Sprintf("%s-%d", m, i); string(data) != want {
						select {
						case errs <- fmt.Sprintf("expected %s, got %s", want, data):
						default:
						}
					}
				}
				resp := r.Dispatch(http.NewRequest("GET", fmt.Sprintf("/users/%d/posts/%d", i, w), nil))
				data, _, _ := body.Collect(context.Background(), resp.Body, 0)
				if want := fmt.Sprintf("%d/%d", i, w); string(data) != want {
					select {
					case errs <- fmt.Sprintf("expected %s, got %s", want, data):
					default:
					}
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Error(e)
	}
}

// BenchmarkResolveStatic 静态路由基准测试
func BenchmarkResolveStatic(b *testing.B) {
	r := New()
	for i := 0; i < 100; i++ {
		r.GET(fmt.Sprintf("/static/%d", i), text(""))
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.Resolve("GET", "/static/50")
	}
}

// BenchmarkResolveParam 参数路由基准测试
func BenchmarkResolveParam(b *testing.B) {
	r := New()
	r.GET("/users/{id}/posts/{post}", text(""))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.Resolve("GET", "/users/123/posts/456")
	}
}
