package sse

import (
	nethttp "net/http"

	"github.com/searchktools/fastcore/core/body"
	"github.com/searchktools/fastcore/core/handler"
	"github.com/searchktools/fastcore/core/http"
)

const (
	prefix = "data: "
	suffix = "\n\n"
)

// Stream answers with an event stream in which every string received from
// ch becomes one "data: <msg>" event. The response ends when ch is closed.
func Stream(ch <-chan string) handler.Responder {
	return streamResponder{b: body.StreamFunc(ch, func(msg string) []byte {
		buf := make([]byte, 0, len(prefix)+len(msg)+len(suffix))
		buf = append(buf, prefix...)
		buf = append(buf, msg...)
		return append(buf, suffix...)
	})}
}

// Events answers with an event stream of fully formed events.
func Events(ch <-chan Event) handler.Responder {
	return streamResponder{b: body.StreamFunc(ch, Event.Format)}
}

// Raw answers with an event stream over already framed chunks.
func Raw(ch <-chan []byte) handler.Responder {
	return streamResponder{b: body.Stream(ch)}
}

type streamResponder struct {
	b body.Body
}

func (s streamResponder) Respond() *http.Response {
	resp := http.NewResponse(nethttp.StatusOK, s.b)
	setHeaders(resp.Header)
	return resp
}

func setHeaders(h http.Header) {
	h.Set(http.HeaderContentType, "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set(http.HeaderConnection, "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}
