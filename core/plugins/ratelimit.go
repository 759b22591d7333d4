package plugins

import (
	"net"
	nethttp "net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/searchktools/fastcore/core/http"
	"github.com/searchktools/fastcore/core/middleware"
	"github.com/searchktools/fastcore/core/router"
)

// RateLimitConfig sizes the per-client token buckets.
type RateLimitConfig struct {
	Burst     int
	PerSecond float64
	// Status is sent when a bucket is empty.
	Status int
	// IdleTimeout drops buckets of clients not seen for that long.
	IdleTimeout time.Duration
	// Sweep is how often idle buckets are looked for.
	Sweep time.Duration
	// Key maps a request to its bucket; client IP by default.
	Key func(*http.Request) string
}

// DefaultRateLimitConfig allows bursts of 60 refilled at 60 per second.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Burst:       60,
		PerSecond:   60,
		Status:      nethttp.StatusTooManyRequests,
		IdleTimeout: 5 * time.Minute,
		Sweep:       30 * time.Second,
	}
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen atomic.Int64
}

// RateLimit keeps one token bucket per client.
type RateLimit struct {
	cfg     RateLimitConfig
	buckets *xsync.MapOf[string, *bucket]
	log     *zap.Logger

	startOnce sync.Once
	stop      chan struct{}
	stopOnce  sync.Once
}

func NewRateLimit(cfg RateLimitConfig, log *zap.Logger) *RateLimit {
	def := DefaultRateLimitConfig()
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.PerSecond <= 0 {
		cfg.PerSecond = def.PerSecond
	}
	if cfg.Status == 0 {
		cfg.Status = def.Status
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.Sweep <= 0 {
		cfg.Sweep = def.Sweep
	}
	if cfg.Key == nil {
		cfg.Key = ClientIP
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RateLimit{
		cfg:     cfg,
		buckets: xsync.NewMapOf[string, *bucket](),
		log:     log,
		stop:    make(chan struct{}),
	}
}

func (rl *RateLimit) Name() string { return "rate_limit" }

// Setup installs the middleware and starts the idle bucket sweeper.
func (rl *RateLimit) Setup(r *router.Router) error {
	r.Use(rl.Middleware())
	rl.startOnce.Do(func() { go rl.sweepLoop() })
	return nil
}

// Close stops the sweeper.
func (rl *RateLimit) Close() error {
	rl.stopOnce.Do(func() { close(rl.stop) })
	return nil
}

func (rl *RateLimit) Middleware() middleware.Func {
	return func(req *http.Request, next middleware.Next) *http.Response {
		if !rl.Allow(rl.cfg.Key(req)) {
			resp := http.Error(rl.cfg.Status, "")
			resp.Header.Set("Retry-After", strconv.Itoa(rl.retryAfter()))
			return resp
		}
		return next.Run(req)
	}
}

// Allow takes one token from key's bucket.
func (rl *RateLimit) Allow(key string) bool {
	b, _ := rl.buckets.LoadOrCompute(key, func() *bucket {
		return &bucket{lim: rate.NewLimiter(rate.Limit(rl.cfg.PerSecond), rl.cfg.Burst)}
	})
	b.lastSeen.Store(time.Now().UnixNano())
	return b.lim.Allow()
}

// Len returns the number of tracked clients.
func (rl *RateLimit) Len() int {
	return rl.buckets.Size()
}

func (rl *RateLimit) retryAfter() int {
	secs := int(1 / rl.cfg.PerSecond)
	if secs < 1 {
		return 1
	}
	return secs
}

func (rl *RateLimit) sweepLoop() {
	t := time.NewTicker(rl.cfg.Sweep)
	defer t.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case now := <-t.C:
			if n := rl.sweep(now); n > 0 {
				rl.log.Debug("rate_limit_buckets_purged", zap.Int("count", n))
			}
		}
	}
}

// sweep drops buckets idle since before now minus the idle timeout.
func (rl *RateLimit) sweep(now time.Time) int {
	cutoff := now.Add(-rl.cfg.IdleTimeout).UnixNano()
	purged := 0
	rl.buckets.Range(func(key string, b *bucket) bool {
		if b.lastSeen.Load() < cutoff {
			rl.buckets.Delete(key)
			purged++
		}
		return true
	})
	return purged
}

// ClientIP is the host part of the peer address, or 0.0.0.0 when the
// request did not come from a socket.
func ClientIP(req *http.Request) string {
	if req.RemoteAddr == nil {
		return "0.0.0.0"
	}
	if tcp, ok := req.RemoteAddr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr.String())
	if err != nil {
		return req.RemoteAddr.String()
	}
	return host
}
