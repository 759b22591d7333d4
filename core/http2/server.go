// Package http2 serves routers over HTTP/2, with TLS (h2) or in cleartext
// (h2c), by bridging them onto net/http and golang.org/x/net/http2.
package http2

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	nethttp "net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/searchktools/fastcore/core/handler"
)

// ErrServerClosed is returned by ListenAndServe and Serve after Close or
// Shutdown.
var ErrServerClosed = errors.New("http2: server closed")

// Server provides HTTP/2 support with multiplexing and HPACK compression
type Server struct {
	addr   string
	log    *zap.Logger
	server *nethttp.Server
	h2     *http2.Server
	tls    bool

	stats struct {
		connections atomic.Uint64
		active      atomic.Int64
		streams     atomic.Uint64
	}

	mu     sync.Mutex
	closed bool
}

// Config contains HTTP/2 server configuration
type Config struct {
	Addr                 string
	Handler              handler.Handler
	TLSConfig            *tls.Config
	MaxConcurrentStreams uint32
	MaxReadFrameSize     uint32
	IdleTimeout          time.Duration
	Logger               *zap.Logger
}

// Stats is a snapshot of server counters.
type Stats struct {
	Connections uint64 `json:"connections"`
	Active      int64  `json:"active"`
	Streams     uint64 `json:"streams"`
}

// NewServer creates a new HTTP/2 server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Handler == nil {
		return nil, errors.New("http2: nil handler")
	}
	if cfg.MaxConcurrentStreams == 0 {
		cfg.MaxConcurrentStreams = 250
	}
	if cfg.MaxReadFrameSize == 0 {
		cfg.MaxReadFrameSize = 1 << 20 // 1MB
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 120 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	s := &Server{addr: cfg.Addr, log: log}
	s.h2 = &http2.Server{
		MaxConcurrentStreams: cfg.MaxConcurrentStreams,
		MaxReadFrameSize:     cfg.MaxReadFrameSize,
		IdleTimeout:          cfg.IdleTimeout,
	}

	var h nethttp.Handler = nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.ProtoMajor == 2 {
			s.stats.streams.Add(1)
		}
		bridge(w, r, cfg.Handler, log)
	})

	s.server = &nethttp.Server{
		Addr:        cfg.Addr,
		IdleTimeout: cfg.IdleTimeout,
		ConnState:   s.trackState,
		ErrorLog:    zap.NewStdLog(log.Named("http2")),
	}

	if cfg.TLSConfig != nil {
		s.tls = true
		s.server.TLSConfig = cfg.TLSConfig.Clone()
		s.server.Handler = h
		if err := http2.ConfigureServer(s.server, s.h2); err != nil {
			return nil, fmt.Errorf("configure http2: %w", err)
		}
	} else {
		s.server.Handler = h2c.NewHandler(h, s.h2)
	}
	return s, nil
}

// Handler adapts h to net/http without HTTP/2 framing of its own. Useful
// for mounting routes inside an existing net/http server.
func Handler(h handler.Handler, log *zap.Logger) nethttp.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		bridge(w, r, h, log)
	})
}

func (s *Server) trackState(_ net.Conn, st nethttp.ConnState) {
	switch st {
	case nethttp.StateNew:
		s.stats.connections.Add(1)
		s.stats.active.Add(1)
	case nethttp.StateClosed, nethttp.StateHijacked:
		s.stats.active.Add(-1)
	}
}

// ListenAndServe starts the HTTP/2 server
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until the server is closed.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrServerClosed
	}
	s.mu.Unlock()

	proto := "h2c"
	if s.tls {
		proto = "h2"
	}
	s.log.Info("http2_listening", zap.String("addr", ln.Addr().String()), zap.String("protocol", proto))

	var err error
	if s.tls {
		err = s.server.ServeTLS(ln, "", "")
	} else {
		err = s.server.Serve(ln)
	}
	if errors.Is(err, nethttp.ErrServerClosed) {
		return ErrServerClosed
	}
	return err
}

// Shutdown stops accepting and waits for active requests until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.markClosed() {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Close stops the server immediately.
func (s *Server) Close() error {
	if !s.markClosed() {
		return nil
	}
	return s.server.Close()
}

func (s *Server) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	return true
}

// Stats returns a snapshot of the server counters.
func (s *Server) Stats() Stats {
	return Stats{
		Connections: s.stats.connections.Load(),
		Active:      s.stats.active.Load(),
		Streams:     s.stats.streams.Load(),
	}
}
