package http2

import (
	"bufio"
	"errors"
	"io"
	"net"
	nethttp "net/http"
	"net/netip"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/searchktools/fastcore/core/body"
	"github.com/searchktools/fastcore/core/handler"
	"github.com/searchktools/fastcore/core/http"
)

// hopHeaders are connection-specific and must not appear in HTTP/2
// responses.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Transfer-Encoding",
	"Upgrade",
}

// convert turns a net/http request into a router request. The body is read
// lazily from r.Body.
func convert(r *nethttp.Request) *http.Request {
	b := body.Empty()
	if r.Body != nil && r.Body != nethttp.NoBody {
		if r.ContentLength > 0 {
			b = body.SizedReader(r.Body, r.ContentLength)
		} else if r.ContentLength < 0 {
			b = body.Reader(r.Body)
		}
	}

	req := &http.Request{
		Method:        r.Method,
		Path:          r.URL.Path,
		RawQuery:      r.URL.RawQuery,
		Proto:         r.Proto,
		ProtoMajor:    r.ProtoMajor,
		ProtoMinor:    r.ProtoMinor,
		Host:          r.Host,
		Header:        r.Header,
		Body:          b,
		ContentLength: r.ContentLength,
	}
	if ap, err := netip.ParseAddrPort(r.RemoteAddr); err == nil {
		req.RemoteAddr = net.TCPAddrFromAddrPort(ap)
	}
	req.SetContext(r.Context())
	return req
}

func bridge(w nethttp.ResponseWriter, r *nethttp.Request, h handler.Handler, log *zap.Logger) {
	req := convert(r)
	resp := dispatch(h, req, log)

	if resp.Upgrade != nil && resp.Status == nethttp.StatusSwitchingProtocols {
		upgrade(w, resp, log)
		return
	}

	hdr := w.Header()
	for k, vs := range resp.Header {
		hdr[k] = vs
	}
	if r.ProtoMajor >= 2 {
		for _, k := range hopHeaders {
			hdr.Del(k)
		}
	}

	b := resp.TakeBody()
	defer body.Release(b)
	if hdr.Get(http.HeaderContentLength) == "" {
		if n, ok := b.SizeHint().Exact(); ok {
			hdr.Set(http.HeaderContentLength, strconv.FormatUint(n, 10))
		}
	}
	w.WriteHeader(resp.Status)

	if r.Method == nethttp.MethodHead {
		return
	}
	if err := stream(w, r, b); err != nil && !errors.Is(err, r.Context().Err()) {
		log.Debug("response_aborted", zap.String("path", req.Path), zap.Error(err))
		// Aborting the handler resets the stream instead of ending it
		// cleanly, so the client sees a truncated body.
		panic(nethttp.ErrAbortHandler)
	}
}

func dispatch(h handler.Handler, req *http.Request, log *zap.Logger) (resp *http.Response) {
	defer func() {
		if v := recover(); v != nil {
			if v == nethttp.ErrAbortHandler {
				panic(v)
			}
			log.Error("handler_panic",
				zap.String("method", req.Method),
				zap.String("path", req.Path),
				zap.Any("panic", v),
			)
			resp = http.Error(nethttp.StatusInternalServerError, "")
		}
	}()
	resp = h.Serve(req)
	if resp == nil {
		resp = http.Status(nethttp.StatusOK)
	}
	return resp
}

// stream copies data frames to w, flushing after each one so server-sent
// events and chunked producers reach the client as they are produced.
func stream(w nethttp.ResponseWriter, r *nethttp.Request, b body.Body) error {
	rc := nethttp.NewResponseController(w)
	for {
		f, err := body.Next(r.Context(), b)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if f.IsTrailers() {
			for k, vs := range f.Trailers {
				for _, v := range vs {
					w.Header().Add(nethttp.TrailerPrefix+k, v)
				}
			}
			continue
		}
		if len(f.Data) == 0 {
			continue
		}
		if _, err := w.Write(f.Data); err != nil {
			return err
		}
		if err := rc.Flush(); err != nil && !errors.Is(err, nethttp.ErrNotSupported) {
			return err
		}
	}
}

// upgrade hands an HTTP/1.1 connection to resp.Upgrade. HTTP/2 streams
// cannot be hijacked and get 501 instead.
func upgrade(w nethttp.ResponseWriter, resp *http.Response, log *zap.Logger) {
	conn, rw, err := nethttp.NewResponseController(w).Hijack()
	if err != nil {
		nethttp.Error(w, "Upgrade not supported on this connection", nethttp.StatusNotImplemented)
		return
	}
	if err := http.WriteHead(rw.Writer, resp); err != nil {
		log.Debug("upgrade_failed", zap.Error(err))
		_ = conn.Close()
		return
	}
	_ = conn.SetDeadline(time.Time{})
	resp.Upgrade(conn, bufio.NewReadWriter(rw.Reader, rw.Writer))
}
