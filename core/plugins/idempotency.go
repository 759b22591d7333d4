package plugins

import (
	"context"
	"crypto/sha1"
	"errors"
	nethttp "net/http"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/searchktools/fastcore/core/body"
	"github.com/searchktools/fastcore/core/http"
	"github.com/searchktools/fastcore/core/middleware"
	"github.com/searchktools/fastcore/core/router"
)

// Scope decides what a cached response is keyed by.
type Scope uint8

const (
	// ScopeMethodAndPath keys by idempotency key, method and path.
	ScopeMethodAndPath Scope = iota
	// ScopeKeyOnly keys by the idempotency key alone.
	ScopeKeyOnly
)

type IdempotencyConfig struct {
	Header  string
	Methods []string
	TTL     time.Duration
	Scope   Scope
	// Coalesce makes retries wait for an in-flight original instead of
	// failing with 409.
	Coalesce bool
	// WaitTimeout bounds a coalesced wait; zero waits as long as the
	// request context allows.
	WaitTimeout    time.Duration
	MaxCachedBody  int64
	MaxRequestBody int64
	// VerifyPayload rejects a reused key whose request differs.
	VerifyPayload bool
	CacheErrors   bool
}

// DefaultIdempotencyConfig caches POST responses for 30 seconds.
func DefaultIdempotencyConfig() IdempotencyConfig {
	return IdempotencyConfig{
		Header:         "Idempotency-Key",
		Methods:        []string{nethttp.MethodPost},
		TTL:            30 * time.Second,
		Scope:          ScopeMethodAndPath,
		Coalesce:       true,
		MaxCachedBody:  1 << 20,
		MaxRequestBody: 1 << 20,
		VerifyPayload:  true,
		CacheErrors:    true,
	}
}

type cachedResponse struct {
	status int
	header http.Header
	data   []byte
}

func (c *cachedResponse) response() *http.Response {
	resp := http.NewResponse(c.status, body.Bytes(c.data))
	for k, vs := range c.header {
		resp.Header[k] = append([]string(nil), vs...)
	}
	return resp
}

// idemEntry is in flight until done is closed. cached and expires are
// written before that and read only after.
type idemEntry struct {
	sig     [sha1.Size]byte
	done    chan struct{}
	cached  *cachedResponse
	expires time.Time
}

func (e *idemEntry) finished() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

func (e *idemEntry) expired(now time.Time) bool {
	return e.finished() && !now.Before(e.expires)
}

// Idempotency replays the stored response when a client retries a request
// with the same key.
type Idempotency struct {
	cfg     IdempotencyConfig
	methods map[string]bool
	entries *xsync.MapOf[string, *idemEntry]
	log     *zap.Logger

	startOnce sync.Once
	stop      chan struct{}
	stopOnce  sync.Once
}

func NewIdempotency(cfg IdempotencyConfig, log *zap.Logger) *Idempotency {
	def := DefaultIdempotencyConfig()
	if cfg.Header == "" {
		cfg.Header = def.Header
	}
	if len(cfg.Methods) == 0 {
		cfg.Methods = def.Methods
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.MaxCachedBody <= 0 {
		cfg.MaxCachedBody = def.MaxCachedBody
	}
	if cfg.MaxRequestBody <= 0 {
		cfg.MaxRequestBody = def.MaxRequestBody
	}
	if log == nil {
		log = zap.NewNop()
	}
	methods := make(map[string]bool, len(cfg.Methods))
	for _, m := range cfg.Methods {
		methods[strings.ToUpper(m)] = true
	}
	return &Idempotency{
		cfg:     cfg,
		methods: methods,
		entries: xsync.NewMapOf[string, *idemEntry](),
		log:     log,
		stop:    make(chan struct{}),
	}
}

func (p *Idempotency) Name() string { return "idempotency" }

// Setup installs the middleware and starts the expiry janitor once.
func (p *Idempotency) Setup(r *router.Router) error {
	r.Use(p.Middleware())
	p.startOnce.Do(func() { go p.janitor() })
	return nil
}

// Close stops the janitor.
func (p *Idempotency) Close() error {
	p.stopOnce.Do(func() { close(p.stop) })
	return nil
}

func (p *Idempotency) Middleware() middleware.Func {
	return func(req *http.Request, next middleware.Next) *http.Response {
		if !p.methods[req.Method] {
			return next.Run(req)
		}
		key := req.Header.Get(p.cfg.Header)
		if key == "" {
			return next.Run(req)
		}

		data, _, err := body.Collect(req.Context(), req.TakeBody(), p.cfg.MaxRequestBody)
		if errors.Is(err, body.ErrTooLarge) {
			return http.Error(nethttp.StatusRequestEntityTooLarge, "Body exceeds allowed size")
		}
		if err != nil {
			return http.Error(nethttp.StatusBadRequest, "Invalid request body")
		}
		req.Body = body.Bytes(data)

		sig := p.signature(req, data)
		cacheKey := key
		if p.cfg.Scope == ScopeMethodAndPath {
			cacheKey = key + "|" + req.Method + "|" + req.Path
		}

		mine := &idemEntry{sig: sig, done: make(chan struct{})}
		now := time.Now()
		actual, _ := p.entries.Compute(cacheKey, func(old *idemEntry, loaded bool) (*idemEntry, bool) {
			if loaded && !old.expired(now) {
				return old, false
			}
			return mine, false
		})
		if actual != mine {
			return p.replay(req.Context(), actual, sig)
		}
		return p.lead(req, next, cacheKey, mine)
	}
}

func (p *Idempotency) signature(req *http.Request, data []byte) [sha1.Size]byte {
	var sig [sha1.Size]byte
	if !p.cfg.VerifyPayload {
		return sig
	}
	h := sha1.New()
	h.Write([]byte(req.Method))
	h.Write([]byte(req.Path))
	h.Write([]byte(req.Header.Get(http.HeaderContentType)))
	h.Write(data)
	copy(sig[:], h.Sum(nil))
	return sig
}

// replay answers a retry from an existing entry, waiting for it first when
// it is still in flight.
func (p *Idempotency) replay(ctx context.Context, e *idemEntry, sig [sha1.Size]byte) *http.Response {
	if !e.finished() {
		if !p.cfg.Coalesce {
			return inFlightConflict()
		}
		if p.cfg.VerifyPayload && e.sig != sig {
			return http.Status(nethttp.StatusConflict)
		}
		if p.cfg.WaitTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, p.cfg.WaitTimeout)
			defer cancel()
		}
		select {
		case <-e.done:
		case <-ctx.Done():
			return inFlightConflict()
		}
	}

	if e.cached == nil {
		return inFlightConflict()
	}
	if p.cfg.VerifyPayload && e.sig != sig {
		return http.Status(nethttp.StatusConflict)
	}
	return e.cached.response()
}

// lead runs the request that owns the entry and stores its response.
func (p *Idempotency) lead(req *http.Request, next middleware.Next, cacheKey string, mine *idemEntry) *http.Response {
	settled := false
	defer func() {
		if !settled {
			p.forget(cacheKey, mine)
		}
	}()

	resp := next.Run(req)

	cacheable := resp.Status < 400 || p.cfg.CacheErrors
	if !cacheable || resp.Upgrade != nil {
		return resp
	}
	b := resp.TakeBody()
	data, trailers, err := body.Collect(req.Context(), b, p.cfg.MaxCachedBody)
	if err != nil {
		// Too large or broken: hand the client what was read plus the rest,
		// without caching.
		rest := b
		if !errors.Is(err, body.ErrTooLarge) {
			rest = body.Fail(err)
		}
		resp.Body = body.Concat(body.Bytes(data), rest)
		return resp
	}
	if trailers != nil {
		resp.Body = body.WithTrailers(body.Bytes(data), trailers)
		return resp
	}

	mine.cached = &cachedResponse{status: resp.Status, header: replayable(resp.Header), data: data}
	mine.expires = time.Now().Add(p.cfg.TTL)
	settled = true
	close(mine.done)

	resp.Body = body.Bytes(data)
	return resp
}

func (p *Idempotency) forget(cacheKey string, mine *idemEntry) {
	p.entries.Compute(cacheKey, func(old *idemEntry, loaded bool) (*idemEntry, bool) {
		return old, !loaded || old == mine
	})
	close(mine.done)
}

func (p *Idempotency) janitor() {
	interval := p.cfg.TTL
	if interval < time.Minute {
		interval = time.Minute
	}
	if interval > time.Hour {
		interval = time.Hour
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-p.stop:
			return
		case now := <-t.C:
			if n := p.purge(now); n > 0 {
				p.log.Debug("idempotency_entries_expired", zap.Int("count", n))
			}
		}
	}
}

func (p *Idempotency) purge(now time.Time) int {
	n := 0
	p.entries.Range(func(key string, e *idemEntry) bool {
		if e.expired(now) {
			p.entries.Compute(key, func(old *idemEntry, loaded bool) (*idemEntry, bool) {
				return old, !loaded || old == e
			})
			n++
		}
		return true
	})
	return n
}

// Len returns the number of stored entries, in flight or completed.
func (p *Idempotency) Len() int {
	return p.entries.Size()
}

var hopByHop = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// replayable keeps Content-Type, Location and X- headers.
func replayable(h http.Header) http.Header {
	out := make(http.Header)
	for k, vs := range h {
		if hopByHop[k] || k == http.HeaderContentLength {
			continue
		}
		if k == http.HeaderContentType || k == http.HeaderLocation || strings.HasPrefix(k, "X-") {
			out[k] = append([]string(nil), vs...)
		}
	}
	return out
}

func inFlightConflict() *http.Response {
	resp := http.Error(nethttp.StatusConflict, "")
	resp.Header.Set("Retry-After", "3")
	return resp
}
