package middleware

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/searchktools/fastcore/core/http"
)

const HeaderRequestID = "X-Request-ID"

// RequestID is the identifier attached to the request by the RequestID
// middleware. Read it with http.Ext[RequestID].
type RequestID string

// WithRequestID keeps a sane inbound X-Request-ID or mints a new one, stores
// it on the request and echoes it on the response.
func WithRequestID() Func {
	return func(req *http.Request, next Next) *http.Response {
		id := req.Header.Get(HeaderRequestID)
		if !validRequestID(id) {
			id = newRequestID()
			req.Header.Set(HeaderRequestID, id)
		}
		http.SetExt(req, RequestID(id))

		resp := next.Run(req)
		resp.Header.Set(HeaderRequestID, id)
		return resp
	}
}

func newRequestID() string {
	var b [16]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func validRequestID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}
