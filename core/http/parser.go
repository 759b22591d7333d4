package http

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	nethttp "net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	"github.com/searchktools/fastcore/core/body"
)

// DefaultMaxHeaderBytes bounds the request line plus headers.
const DefaultMaxHeaderBytes = 1 << 20

var (
	ErrInvalidRequest      = errors.New("invalid HTTP request")
	ErrHeaderTooLarge      = errors.New("request header too large")
	ErrUnsupportedEncoding = errors.New("unsupported transfer encoding")
)

// ReadRequest decodes one HTTP/1.x request head from br and frames its body.
// The body reads straight from br, so it must be drained or abandoned (by
// closing the connection) before the next request is read. io.EOF is
// returned untouched when the peer closes between requests.
func ReadRequest(br *bufio.Reader, maxHeaderBytes int) (*Request, error) {
	if maxHeaderBytes <= 0 {
		maxHeaderBytes = DefaultMaxHeaderBytes
	}
	budget := maxHeaderBytes

	line, err := readLine(br, &budget)
	if err != nil {
		return nil, err
	}
	// Tolerate stray CRLFs between pipelined requests.
	for len(line) == 0 {
		if line, err = readLine(br, &budget); err != nil {
			return nil, err
		}
	}

	req := &Request{Header: make(Header, 8)}
	if err := parseRequestLine(req, line); err != nil {
		return nil, err
	}
	if err := readHeaders(br, req.Header, &budget); err != nil {
		return nil, err
	}
	req.Host = req.Header.Get("Host")

	if err := frameBody(req, br); err != nil {
		return nil, err
	}
	return req, nil
}

// parseRequestLine parses METHOD SP TARGET SP PROTO
func parseRequestLine(req *Request, line []byte) error {
	sp1 := bytes.IndexByte(line, ' ')
	if sp1 <= 0 {
		return ErrInvalidRequest
	}
	sp2 := bytes.IndexByte(line[sp1+1:], ' ')
	if sp2 <= 0 {
		return ErrInvalidRequest
	}
	sp2 += sp1 + 1

	method := string(line[:sp1])
	if !isToken(method) {
		return ErrInvalidRequest
	}
	target := string(line[sp1+1 : sp2])
	proto := string(line[sp2+1:])

	major, minor, ok := nethttp.ParseHTTPVersion(proto)
	if !ok || major != 1 {
		return ErrInvalidRequest
	}

	switch {
	case strings.HasPrefix(target, "/"):
		req.Path, req.RawQuery, _ = strings.Cut(target, "?")
	case target == "*" && method == nethttp.MethodOptions:
		req.Path = "*"
	case strings.HasPrefix(target, "http://"), strings.HasPrefix(target, "https://"):
		u, err := url.ParseRequestURI(target)
		if err != nil {
			return ErrInvalidRequest
		}
		req.Path = u.EscapedPath()
		if req.Path == "" {
			req.Path = "/"
		}
		req.RawQuery = u.RawQuery
	default:
		return ErrInvalidRequest
	}

	req.Method = method
	req.Proto = proto
	req.ProtoMajor = major
	req.ProtoMinor = minor
	return nil
}

// readHeaders reads header lines up to and including the blank line.
func readHeaders(br *bufio.Reader, h Header, budget *int) error {
	for {
		line, err := readLine(br, budget)
		if err != nil {
			if err == io.EOF {
				return io.ErrUnexpectedEOF
			}
			return err
		}
		if len(line) == 0 {
			return nil
		}
		// Obsolete line folding is rejected.
		if line[0] == ' ' || line[0] == '\t' {
			return ErrInvalidRequest
		}

		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			return ErrInvalidRequest
		}
		key := string(line[:colon])
		if !isToken(key) {
			return ErrInvalidRequest
		}
		value := string(bytes.TrimSpace(line[colon+1:]))
		h.Add(nethttp.CanonicalHeaderKey(key), value)
	}
}

// readLine returns the next line without its CRLF. The returned slice is a
// copy. budget is decremented by the bytes consumed.
func readLine(br *bufio.Reader, budget *int) ([]byte, error) {
	var line []byte
	for {
		frag, err := br.ReadSlice('\n')
		*budget -= len(frag)
		if *budget < 0 {
			return nil, ErrHeaderTooLarge
		}
		line = append(line, frag...)
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			if err == io.EOF && len(line) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		break
	}
	line = line[:len(line)-1]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line, nil
}

// frameBody picks the body framing from Transfer-Encoding or Content-Length.
func frameBody(req *Request, br *bufio.Reader) error {
	if te := req.Header.Values(HeaderTransferEncoding); len(te) > 0 {
		if !req.ProtoAtLeast(1, 1) {
			return ErrInvalidRequest
		}
		if len(te) != 1 || !strings.EqualFold(strings.TrimSpace(te[0]), "chunked") {
			return ErrUnsupportedEncoding
		}
		// Transfer-Encoding overrides Content-Length.
		req.Header.Del(HeaderContentLength)
		req.ContentLength = -1
		req.Body = body.Reader(&chunkedReader{r: httputil.NewChunkedReader(br), br: br})
		return nil
	}

	cls := req.Header.Values(HeaderContentLength)
	if len(cls) == 0 {
		req.Body = body.Empty()
		return nil
	}
	for _, v := range cls[1:] {
		if v != cls[0] {
			return ErrInvalidRequest
		}
	}
	n, err := strconv.ParseInt(strings.TrimSpace(cls[0]), 10, 64)
	if err != nil || n < 0 {
		return ErrInvalidRequest
	}
	req.ContentLength = n
	req.Body = body.SizedReader(io.LimitReader(br, n), n)
	return nil
}

// chunkedReader consumes the trailer section after the last chunk so the
// connection is positioned at the next request.
type chunkedReader struct {
	r    io.Reader
	br   *bufio.Reader
	done bool
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if c.done {
		return 0, io.EOF
	}
	n, err := c.r.Read(p)
	if err == io.EOF {
		budget := DefaultMaxHeaderBytes
		if terr := readHeaders(c.br, make(Header), &budget); terr != nil {
			return n, terr
		}
		c.done = true
	}
	return n, err
}

func isToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c <= ' ' || c >= 0x7f || strings.IndexByte(`"(),/:;<=>?@[\]{}`, c) >= 0 {
			return false
		}
	}
	return true
}
