package plugins

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/searchktools/fastcore/core/body"
	"github.com/searchktools/fastcore/core/handler"
	"github.com/searchktools/fastcore/core/http"
	"github.com/searchktools/fastcore/core/router"
)

func bodyOf(t *testing.T, resp *http.Response) string {
	t.Helper()
	data, _, err := body.Collect(context.Background(), resp.Body, 0)
	require.NoError(t, err)
	return string(data)
}

func text(s string) handler.Handler {
	return handler.Of(func(*http.Request) string { return s })
}

func from(req *http.Request, ip string) *http.Request {
	req.RemoteAddr = &net.TCPAddr{IP: net.ParseIP(ip), Port: 40000}
	return req
}

func withPlugin(t *testing.T, p router.Plugin, setup func(r *router.Router)) *router.Router {
	t.Helper()
	r := router.New()
	setup(r)
	r.Plugin(p)
	require.NoError(t, r.SetupPlugins())
	return r
}
