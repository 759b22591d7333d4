package http

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"strconv"
	"time"

	"github.com/searchktools/fastcore/core/body"
)

// ErrLengthMismatch is reported when a body produces a different number of
// bytes than its declared Content-Length.
var ErrLengthMismatch = errors.New("body length does not match Content-Length")

type framing uint8

const (
	framingNone framing = iota
	framingLength
	framingChunked
	framingClose
)

// WriteResponse serialises resp for req onto w. It reports whether the
// connection may be reused. A non-nil error means the response was cut
// short and the connection must be closed; errors coming from the body are
// *body.Error.
func WriteResponse(ctx context.Context, w *bufio.Writer, req *Request, resp *Response) (bool, error) {
	if resp.Header == nil {
		resp.Header = make(Header)
	}
	if resp.Body == nil {
		resp.Body = body.Empty()
	}
	// Bodies that are not sent, or cut short, still hold their source open.
	defer body.Release(resp.Body)
	h := resp.Header
	keepAlive := !req.WantsClose()

	var (
		mode   framing
		length int64
	)
	switch {
	case resp.Status == nethttp.StatusSwitchingProtocols:
		mode = framingNone
		keepAlive = false
	case !bodyAllowed(resp.Status):
		mode = framingNone
		h.Del(HeaderContentLength)
		h.Del(HeaderTransferEncoding)
	case req.Method == nethttp.MethodHead:
		mode = framingNone
		if _, ok := resp.ContentLength(); !ok {
			if n, exact := resp.Body.SizeHint().Exact(); exact {
				h.Set(HeaderContentLength, strconv.FormatUint(n, 10))
			}
		}
	default:
		if n, ok := resp.ContentLength(); ok {
			mode, length = framingLength, n
		} else if n, exact := resp.Body.SizeHint().Exact(); exact {
			mode, length = framingLength, int64(n)
			h.Set(HeaderContentLength, strconv.FormatInt(length, 10))
		} else if req.ProtoAtLeast(1, 1) {
			mode = framingChunked
			h.Del(HeaderContentLength)
			h.Set(HeaderTransferEncoding, "chunked")
		} else {
			mode = framingClose
			keepAlive = false
		}
	}

	if resp.Status != nethttp.StatusSwitchingProtocols {
		if !keepAlive {
			h.Set(HeaderConnection, "close")
		} else if !req.ProtoAtLeast(1, 1) {
			h.Set(HeaderConnection, "keep-alive")
		}
	}
	if _, ok := h["Date"]; !ok {
		h.Set("Date", time.Now().UTC().Format(nethttp.TimeFormat))
	}

	if err := writeHead(w, resp); err != nil {
		return false, err
	}

	var err error
	switch mode {
	case framingNone:
		err = w.Flush()
	case framingLength:
		err = writeLength(ctx, w, resp.Body, length)
	case framingChunked:
		err = writeChunked(ctx, w, resp.Body)
	case framingClose:
		err = writeUntilEnd(ctx, w, resp.Body)
	}
	if err != nil {
		return false, err
	}
	return keepAlive, nil
}

func bodyAllowed(status int) bool {
	switch {
	case status >= 100 && status < 200:
		return false
	case status == nethttp.StatusNoContent, status == nethttp.StatusNotModified:
		return false
	}
	return true
}

func writeHead(w *bufio.Writer, resp *Response) error {
	w.WriteString("HTTP/1.1 ")
	w.WriteString(strconv.Itoa(resp.Status))
	w.WriteByte(' ')
	w.WriteString(StatusText(resp.Status))
	w.WriteString("\r\n")
	if err := resp.Header.Write(w); err != nil {
		return err
	}
	_, err := w.WriteString("\r\n")
	return err
}

// WriteHead writes just the status line and headers and flushes.
func WriteHead(w *bufio.Writer, resp *Response) error {
	if err := writeHead(w, resp); err != nil {
		return err
	}
	return w.Flush()
}

func writeLength(ctx context.Context, w *bufio.Writer, b body.Body, length int64) error {
	var written int64
	for {
		f, err := body.Next(ctx, b)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if f.IsTrailers() || len(f.Data) == 0 {
			continue
		}
		written += int64(len(f.Data))
		if written > length {
			return body.Wrap(ErrLengthMismatch)
		}
		if _, err := w.Write(f.Data); err != nil {
			return err
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
	if written != length {
		return body.Wrap(ErrLengthMismatch)
	}
	return w.Flush()
}

func writeChunked(ctx context.Context, w *bufio.Writer, b body.Body) error {
	var trailers Header
	for {
		f, err := body.Next(ctx, b)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if f.IsTrailers() {
			trailers = f.Trailers
			continue
		}
		// A zero-length chunk would terminate the stream.
		if len(f.Data) == 0 {
			continue
		}
		fmt.Fprintf(w, "%x\r\n", len(f.Data))
		w.Write(f.Data)
		if _, err := w.WriteString("\r\n"); err != nil {
			return err
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	w.WriteString("0\r\n")
	if trailers != nil {
		if err := trailers.Write(w); err != nil {
			return err
		}
	}
	w.WriteString("\r\n")
	return w.Flush()
}

func writeUntilEnd(ctx context.Context, w *bufio.Writer, b body.Body) error {
	for {
		f, err := body.Next(ctx, b)
		if err == io.EOF {
			return w.Flush()
		}
		if err != nil {
			return err
		}
		if f.IsTrailers() {
			continue
		}
		if _, err := w.Write(f.Data); err != nil {
			return err
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
}
