// Package plugins holds router plugins for cross-origin requests, rate
// limiting and idempotent retries.
package plugins

import (
	nethttp "net/http"
	"strconv"
	"strings"

	"github.com/searchktools/fastcore/core/http"
	"github.com/searchktools/fastcore/core/middleware"
	"github.com/searchktools/fastcore/core/router"
)

// CORSConfig lists what cross-origin callers may do. An empty Origins list
// allows any origin.
type CORSConfig struct {
	Origins          []string
	Methods          []string
	Headers          []string
	AllowCredentials bool
	// MaxAge is the preflight cache lifetime in seconds; zero omits it.
	MaxAge int
}

// DefaultCORSConfig allows any origin with the common methods and a one
// hour preflight cache.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		Methods: []string{
			nethttp.MethodGet, nethttp.MethodPost, nethttp.MethodPut,
			nethttp.MethodPatch, nethttp.MethodDelete, nethttp.MethodOptions,
		},
		MaxAge: 3600,
	}
}

// CORS answers preflight requests and decorates every other response.
type CORS struct {
	cfg     CORSConfig
	methods string
	headers string
}

func NewCORS(cfg CORSConfig) *CORS {
	return &CORS{
		cfg:     cfg,
		methods: strings.Join(cfg.Methods, ","),
		headers: strings.Join(cfg.Headers, ","),
	}
}

func (c *CORS) Name() string { return "cors" }

func (c *CORS) Setup(r *router.Router) error {
	r.Use(c.Middleware())
	return nil
}

// Middleware short-circuits OPTIONS with 204 and adds the allow headers.
func (c *CORS) Middleware() middleware.Func {
	return func(req *http.Request, next middleware.Next) *http.Response {
		origin := req.Header.Get("Origin")
		var resp *http.Response
		if req.Method == nethttp.MethodOptions {
			resp = http.Status(nethttp.StatusNoContent)
		} else {
			resp = next.Run(req)
		}
		c.decorate(origin, resp.Header)
		return resp
	}
}

func (c *CORS) decorate(origin string, h http.Header) {
	allow := "*"
	if len(c.cfg.Origins) > 0 {
		if origin == "" || !c.allowed(origin) {
			return
		}
		allow = origin
		h.Add(http.HeaderVary, "Origin")
	}

	h.Set("Access-Control-Allow-Origin", allow)
	if c.methods != "" {
		h.Set("Access-Control-Allow-Methods", c.methods)
	}
	if c.headers != "" {
		h.Set("Access-Control-Allow-Headers", c.headers)
	}
	if c.cfg.AllowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	if c.cfg.MaxAge > 0 {
		h.Set("Access-Control-Max-Age", strconv.Itoa(c.cfg.MaxAge))
	}
}

func (c *CORS) allowed(origin string) bool {
	for _, o := range c.cfg.Origins {
		if o == origin {
			return true
		}
	}
	return false
}
