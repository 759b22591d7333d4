package core

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	nethttp "net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/searchktools/fastcore/core/body"
	"github.com/searchktools/fastcore/core/http"
	"github.com/searchktools/fastcore/core/pools"
	"github.com/searchktools/fastcore/core/router"
)

// ErrServerClosed is returned by Serve once Shutdown has been called.
var ErrServerClosed = errors.New("engine: server closed")

// Options are the connection level limits.
type Options struct {
	// ReadTimeout bounds reading one request head and its body.
	ReadTimeout time.Duration
	// WriteTimeout bounds writing one response; zero never times out,
	// which streaming responses need.
	WriteTimeout time.Duration
	// IdleTimeout is how long a keep-alive connection may wait for the
	// next request.
	IdleTimeout    time.Duration
	MaxHeaderBytes int
	// MaxDrainBytes is how much of an unread request body is discarded to
	// keep the connection reusable; beyond it the connection is closed.
	MaxDrainBytes int64
	// ReusePort sets SO_REUSEPORT on listeners created by ListenAndServe.
	ReusePort bool
}

// DefaultOptions mirrors the framework defaults.
func DefaultOptions() Options {
	return Options{
		ReadTimeout:    10 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: http.DefaultMaxHeaderBytes,
		MaxDrainBytes:  256 << 10,
	}
}

const lingerTimeout = 500 * time.Millisecond

// connBuffers recycles per-connection read and write buffers. Upgraded
// connections keep theirs.
var connBuffers = pools.NewBufioPool(4096)

// Connection states
const (
	stateIdle int32 = iota
	stateActive
	stateHijacked
)

// connection is one accepted socket owned by its serving goroutine.
type connection struct {
	netConn net.Conn
	state   atomic.Int32
}

// Engine drives HTTP/1.x connections and hands each request to the router.
type Engine struct {
	router *router.Router
	log    *zap.Logger
	opts   Options

	mu          sync.Mutex
	listeners   map[net.Listener]struct{}
	connections map[*connection]struct{}
	inShutdown  atomic.Bool
	wg          sync.WaitGroup

	stats counters
}

// New returns an engine serving r. A nil logger discards output.
func New(r *router.Router, log *zap.Logger, opts Options) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	def := DefaultOptions()
	if opts.MaxHeaderBytes <= 0 {
		opts.MaxHeaderBytes = def.MaxHeaderBytes
	}
	if opts.MaxDrainBytes <= 0 {
		opts.MaxDrainBytes = def.MaxDrainBytes
	}
	return &Engine{
		router:      r,
		log:         log,
		opts:        opts,
		listeners:   make(map[net.Listener]struct{}),
		connections: make(map[*connection]struct{}),
	}
}

// Router returns the router requests are dispatched to.
func (e *Engine) Router() *router.Router {
	return e.router
}

// ListenAndServe listens on the TCP address addr and calls Serve.
func (e *Engine) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := e.Listen(ctx, addr)
	if err != nil {
		return err
	}
	return e.Serve(ctx, ln)
}

// Listen opens a TCP listener with the engine's socket options.
func (e *Engine) Listen(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{Control: socketControl(e.opts.ReusePort)}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return ln, nil
}

// Serve runs router plugins, then accepts connections on ln until ctx is
// done or Shutdown is called. Each connection gets its own goroutine.
func (e *Engine) Serve(ctx context.Context, ln net.Listener) error {
	if err := e.router.SetupPlugins(); err != nil {
		_ = ln.Close()
		return fmt.Errorf("setup plugins: %w", err)
	}
	if !e.trackListener(ln, true) {
		_ = ln.Close()
		return ErrServerClosed
	}
	defer e.trackListener(ln, false)

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	e.log.Info("server_listening", zap.String("addr", ln.Addr().String()))

	var backoff time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if e.inShutdown.Load() || ctx.Err() != nil {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = nextBackoff(backoff)
				e.log.Warn("accept_retry", zap.Error(err), zap.Duration("backoff", backoff))
				time.Sleep(backoff)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		backoff = 0

		if tc, ok := nc.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
			_ = tc.SetKeepAlive(true)
			_ = tc.SetKeepAlivePeriod(30 * time.Second)
		}

		c := &connection{netConn: nc}
		if !e.trackConn(c, true) {
			_ = nc.Close()
			return ErrServerClosed
		}
		e.stats.accepted.Add(1)
		e.wg.Add(1)
		go e.serveConn(ctx, c)
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}

// Shutdown stops accepting, closes idle connections and waits for active
// ones to finish. When ctx ends first the remaining connections are closed
// and ctx.Err() is returned.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.inShutdown.Store(true)

	e.mu.Lock()
	for ln := range e.listeners {
		_ = ln.Close()
	}
	e.mu.Unlock()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if e.closeIdle() == 0 {
			e.wg.Wait()
			return nil
		}
		select {
		case <-ctx.Done():
			e.closeAll()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// closeIdle closes idle connections and returns how many are still busy.
func (e *Engine) closeIdle() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	busy := 0
	for c := range e.connections {
		if c.state.Load() == stateIdle {
			_ = c.netConn.Close()
			delete(e.connections, c)
			continue
		}
		busy++
	}
	return busy
}

func (e *Engine) closeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for c := range e.connections {
		_ = c.netConn.Close()
		delete(e.connections, c)
	}
}

func (e *Engine) trackListener(ln net.Listener, add bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if add {
		if e.inShutdown.Load() {
			return false
		}
		e.listeners[ln] = struct{}{}
	} else {
		delete(e.listeners, ln)
	}
	return true
}

func (e *Engine) trackConn(c *connection, add bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if add {
		if e.inShutdown.Load() {
			return false
		}
		e.connections[c] = struct{}{}
		e.stats.active.Add(1)
	} else {
		delete(e.connections, c)
		e.stats.active.Add(-1)
	}
	return true
}

// serveConn is the keep-alive loop of one connection.
func (e *Engine) serveConn(ctx context.Context, c *connection) {
	nc := c.netConn
	br := connBuffers.GetReader(nc)
	bw := connBuffers.GetWriter(nc)
	hijacked := false
	defer func() {
		if v := recover(); v != nil {
			e.log.Error("connection_panic", zap.Any("panic", v), zap.Stack("stack"))
		}
		if !hijacked {
			_ = nc.Close()
			connBuffers.PutReader(br)
			connBuffers.PutWriter(bw)
		}
		e.trackConn(c, false)
		if !hijacked {
			e.wg.Done()
		}
	}()

	for {
		c.state.Store(stateIdle)
		if e.inShutdown.Load() {
			return
		}
		if e.opts.IdleTimeout > 0 {
			_ = nc.SetReadDeadline(time.Now().Add(e.opts.IdleTimeout))
		}
		if _, err := br.Peek(1); err != nil {
			return
		}
		c.state.Store(stateActive)
		if e.opts.ReadTimeout > 0 {
			_ = nc.SetReadDeadline(time.Now().Add(e.opts.ReadTimeout))
		} else {
			_ = nc.SetReadDeadline(time.Time{})
		}

		req, err := http.ReadRequest(br, e.opts.MaxHeaderBytes)
		if err != nil {
			if e.rejectRequest(bw, err) {
				lingerClose(nc)
			}
			return
		}
		req.RemoteAddr = nc.RemoteAddr()
		e.stats.requests.Add(1)

		if http.HasToken(req.Header, "Expect", "100-continue") && req.ProtoAtLeast(1, 1) {
			_, _ = bw.WriteString("HTTP/1.1 100 Continue\r\n\r\n")
			if err := bw.Flush(); err != nil {
				return
			}
		}

		reqCtx, cancel := context.WithCancel(ctx)
		req.SetContext(reqCtx)
		reqBody := req.Body

		resp := e.dispatch(req)

		if e.opts.WriteTimeout > 0 {
			_ = nc.SetWriteDeadline(time.Now().Add(e.opts.WriteTimeout))
		}

		if resp.Status == nethttp.StatusSwitchingProtocols && resp.Upgrade != nil {
			err := http.WriteHead(bw, resp)
			cancel()
			body.Release(resp.Body)
			if err != nil {
				return
			}
			c.state.Store(stateHijacked)
			e.hijack(c)
			hijacked = true
			_ = nc.SetDeadline(time.Time{})
			e.stats.upgraded.Add(1)
			resp.Upgrade(nc, bufio.NewReadWriter(br, bw))
			return
		}

		keep, err := http.WriteResponse(reqCtx, bw, req, resp)
		cancel()
		if err != nil {
			e.log.Debug("response_aborted",
				zap.String("path", req.Path),
				zap.Int("status", resp.Status),
				zap.Error(err))
			return
		}
		if !keep || e.inShutdown.Load() {
			return
		}
		if !e.drain(reqBody) {
			return
		}
	}
}

// hijack drops c from the tracked set so Shutdown neither closes nor waits
// for it.
func (e *Engine) hijack(c *connection) {
	e.mu.Lock()
	delete(e.connections, c)
	e.mu.Unlock()
	e.wg.Done()
}

// dispatch runs the router and converts a panic into the one place a
// generic 500 is produced.
func (e *Engine) dispatch(req *http.Request) (resp *http.Response) {
	defer func() {
		if v := recover(); v != nil {
			e.stats.panics.Add(1)
			e.log.Error("handler_panic",
				zap.String("method", req.Method),
				zap.String("path", req.Path),
				zap.Any("panic", v),
				zap.Stack("stack"))
			resp = http.Error(nethttp.StatusInternalServerError, "Internal Server Error")
		}
	}()
	resp = e.router.Dispatch(req)
	if resp == nil {
		resp = http.Status(nethttp.StatusOK)
	}
	return resp
}

// drain discards what the handler left of the request body. It reports
// whether the connection can carry another request.
func (e *Engine) drain(b body.Body) bool {
	if b == nil || b.IsEndStream() {
		return true
	}
	err := body.Discard(context.Background(), body.Limit(b, e.opts.MaxDrainBytes))
	return err == nil
}

// rejectRequest answers a request that could not be parsed. It reports
// whether a response was written.
func (e *Engine) rejectRequest(bw *bufio.Writer, err error) bool {
	var resp *http.Response
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return false
	case errors.Is(err, http.ErrHeaderTooLarge):
		resp = http.Error(nethttp.StatusRequestHeaderFieldsTooLarge, "")
	case errors.Is(err, http.ErrUnsupportedEncoding):
		resp = http.Error(nethttp.StatusNotImplemented, "")
	case errors.Is(err, http.ErrInvalidRequest):
		resp = http.Error(nethttp.StatusBadRequest, "")
	default:
		return false
	}
	e.log.Debug("request_rejected", zap.Int("status", resp.Status), zap.Error(err))
	closing := http.NewRequest(nethttp.MethodGet, "/", nil)
	closing.Header.Set(http.HeaderConnection, "close")
	_, werr := http.WriteResponse(context.Background(), bw, closing, resp)
	return werr == nil
}

// lingerClose half-closes nc and swallows what the peer still sends for a
// moment, so unread input does not turn the close into a reset that
// destroys the error response.
func lingerClose(nc net.Conn) {
	if cw, ok := nc.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
	_ = nc.SetReadDeadline(time.Now().Add(lingerTimeout))
	_, _ = io.Copy(io.Discard, io.LimitReader(nc, 256<<10))
}
