/*
Package fastcore is the request-handling core of an HTTP server framework.

A connection is read by the engine, each request is resolved by the router to
a handler wrapped in its middleware chain, and the handler's result is turned
into a streamed body written back to the client, optionally compressed on the
fly.

Quick Start

	package main

	import (
	    "context"

	    "github.com/searchktools/fastcore/app"
	    "github.com/searchktools/fastcore/config"
	    "github.com/searchktools/fastcore/core/handler"
	    "github.com/searchktools/fastcore/core/http"
	    "github.com/searchktools/fastcore/logger"
	)

	func main() {
	    cfg, _ := config.Load("")
	    a, _ := app.New(cfg, logger.Must("info", "json"))

	    a.Router().GET("/hello/{name}", handler.Of(func(req *http.Request) string {
	        return "Hello, " + req.Param("name")
	    }))

	    _ = a.Run(context.Background())
	}

Modules

  - app: wiring of config, plugins, metrics and graceful shutdown
  - config: defaults, YAML, .env and FASTCORE_* environment overrides
  - logger: zap logger construction
  - core: the HTTP/1.1 connection engine
  - core/body: pollable byte stream bodies
  - core/http: requests, responses and the wire codec
  - core/router: route table with {param} patterns and trailing slash redirects
  - core/middleware: onion middleware chain and common middleware
  - core/handler: handler adapters and response conversion
  - core/compress: gzip, brotli, deflate and zstd, buffered or streamed
  - core/plugins: CORS, rate limiting and idempotent retries
  - core/state: typed application state
  - core/websocket: RFC 6455 connections and a broadcast hub
  - core/sse: server-sent events and a broker
  - core/sendfile: file and byte range responses
  - core/http2: HTTP/2 and h2c through net/http
  - core/codec: JSON and protobuf payload codecs
  - core/pools: connection buffer reuse
*/
package fastcore
