package app

import (
	"bytes"
	nethttp "net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/searchktools/fastcore/core/body"
	"github.com/searchktools/fastcore/core/handler"
	"github.com/searchktools/fastcore/core/http"
)

// MetricsHandler renders everything g gathers in the exposition format the
// client asks for (text by default, protobuf when accepted).
func MetricsHandler(g prometheus.Gatherer) handler.Handler {
	return handler.Func(func(req *http.Request) *http.Response {
		mfs, err := g.Gather()
		if err != nil && len(mfs) == 0 {
			return http.Error(nethttp.StatusInternalServerError, "gather metrics: "+err.Error())
		}

		format := expfmt.Negotiate(req.Header)
		var buf bytes.Buffer
		enc := expfmt.NewEncoder(&buf, format)
		for _, mf := range mfs {
			if err := enc.Encode(mf); err != nil {
				return http.Error(nethttp.StatusInternalServerError, "encode "+mf.GetName()+": "+err.Error())
			}
		}

		resp := http.NewResponse(nethttp.StatusOK, body.Bytes(buf.Bytes()))
		resp.Header.Set(http.HeaderContentType, string(format))
		return resp
	})
}
