package websocket

import (
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"net"
	nethttp "net/http"
	"strings"

	"github.com/searchktools/fastcore/core/handler"
	"github.com/searchktools/fastcore/core/http"
)

const magicGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// AcceptKey computes Sec-WebSocket-Accept for a client key.
func AcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key + magicGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// Options tune accepted connections.
type Options struct {
	MaxMessageSize int64
	// Subprotocols lists what the server speaks, in preference order.
	Subprotocols []string
}

// Handler validates the upgrade request and, when it is acceptable, answers
// 101 and runs fn on the connection. fn owns the connection; it is closed
// when fn returns.
func Handler(fn func(*Conn)) handler.Handler {
	return HandlerWith(Options{}, fn)
}

// HandlerWith is Handler with options.
func HandlerWith(opts Options, fn func(*Conn)) handler.Handler {
	return handler.Func(func(req *http.Request) *http.Response {
		if msg := checkUpgrade(req); msg != "" {
			return http.Error(nethttp.StatusBadRequest, msg)
		}

		resp := http.Status(nethttp.StatusSwitchingProtocols)
		resp.Header.Set(http.HeaderUpgrade, "websocket")
		resp.Header.Set(http.HeaderConnection, "Upgrade")
		resp.Header.Set("Sec-WebSocket-Accept", AcceptKey(req.Header.Get("Sec-WebSocket-Key")))
		if proto := chooseSubprotocol(req, opts.Subprotocols); proto != "" {
			resp.Header.Set("Sec-WebSocket-Protocol", proto)
		}

		resp.Upgrade = func(nc net.Conn, rw *bufio.ReadWriter) {
			c := newConn(nc, rw, false)
			c.req = req
			if opts.MaxMessageSize > 0 {
				c.maxMessageSize = opts.MaxMessageSize
			}
			defer c.Close()
			fn(c)
		}
		return resp
	})
}

func checkUpgrade(req *http.Request) string {
	switch {
	case req.Method != nethttp.MethodGet:
		return "WebSocket upgrade requires GET"
	case !http.HasToken(req.Header, http.HeaderUpgrade, "websocket"):
		return "Missing Upgrade: websocket"
	case !http.HasToken(req.Header, http.HeaderConnection, "upgrade"):
		return "Missing Connection: Upgrade"
	case req.Header.Get("Sec-WebSocket-Version") != "13":
		return "Unsupported Sec-WebSocket-Version"
	case req.Header.Get("Sec-WebSocket-Key") == "":
		return "Missing Sec-WebSocket-Key"
	}
	return ""
}

func chooseSubprotocol(req *http.Request, supported []string) string {
	if len(supported) == 0 {
		return ""
	}
	offered := map[string]bool{}
	for _, v := range req.Header.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(v, ",") {
			offered[strings.TrimSpace(p)] = true
		}
	}
	for _, p := range supported {
		if offered[p] {
			return p
		}
	}
	return ""
}
