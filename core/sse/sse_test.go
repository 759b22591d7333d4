package sse

import (
	"bufio"
	"context"
	"net"
	nethttp "net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchktools/fastcore/core"
	"github.com/searchktools/fastcore/core/body"
	"github.com/searchktools/fastcore/core/http"
	"github.com/searchktools/fastcore/core/router"
)

func collect(t *testing.T, resp *http.Response) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, _, err := body.Collect(ctx, resp.Body, 0)
	require.NoError(t, err)
	return string(data)
}

// TestFormatEvent 测试事件的线上格式
func TestFormatEvent(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
		want string
	}{
		{"all fields", Event{ID: "123", Event: "message", Data: "Hello, World!", Retry: 5000},
			"id: 123\nevent: message\nretry: 5000\ndata: Hello, World!\n\n"},
		{"data only", Message("hi"), "data: hi\n\n"},
		{"multi-line", Event{Data: "one\ntwo\r\nthree"}, "data: one\ndata: two\ndata: three\n\n"},
		{"empty", Event{}, "\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(tt.ev.Format()))
		})
	}
	assert.Equal(t, ": ping\n\n", string(Comment("ping")))
}

func TestStreamResponder(t *testing.T) {
	ch := make(chan string, 2)
	ch <- "first"
	ch <- "second"
	close(ch)

	resp := Stream(ch).Respond()
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "keep-alive", resp.Header.Get("Connection"))
	assert.Equal(t, "data: first\n\ndata: second\n\n", collect(t, resp))
}

func TestEventsResponder(t *testing.T) {
	ch := make(chan Event, 1)
	ch <- Event{Event: "tick", Data: "1"}
	close(ch)

	assert.Equal(t, "event: tick\ndata: 1\n\n", collect(t, Events(ch).Respond()))
}

func TestBrokerFanOut(t *testing.T) {
	b := NewBroker(BrokerConfig{Namespace: "orders", Buffer: 1}, nil)
	defer b.Close()

	a, err := b.Subscribe("a")
	require.NoError(t, err)
	c, err := b.Subscribe("c")
	require.NoError(t, err)

	assert.Equal(t, 2, b.Send("created", "42"))
	want := "id: orders-1\nevent: created\ndata: 42\n\n"
	assert.Equal(t, want, string(<-a.C()))
	assert.Equal(t, want, string(<-c.C()))

	// a full queue drops instead of blocking
	b.Publish(Message("x"))
	assert.Equal(t, 0, b.Publish(Message("y")))
	assert.Equal(t, int64(2), b.Stats().Dropped)

	assert.Error(t, b.PublishTo("a", Message("z")))
	assert.Equal(t, int64(3), b.Stats().Dropped)
}

func TestBrokerUnsubscribe(t *testing.T) {
	b := NewBroker(BrokerConfig{MaxClients: 1}, nil)
	defer b.Close()

	a, err := b.Subscribe("a")
	require.NoError(t, err)
	_, err = b.Subscribe("b")
	assert.ErrorIs(t, err, ErrBrokerFull)

	b.Unsubscribe(a)
	_, open := <-a.C()
	assert.False(t, open)
	assert.Equal(t, 0, b.ClientCount())
	assert.ErrorIs(t, b.PublishTo("a", Message("gone")), ErrClientNotFound)
}

func TestBrokerKeepalive(t *testing.T) {
	b := NewBroker(BrokerConfig{Keepalive: 10 * time.Millisecond}, nil)
	defer b.Close()

	c, err := b.Subscribe("a")
	require.NoError(t, err)
	select {
	case chunk := <-c.C():
		assert.Equal(t, ": keepalive\n\n", string(chunk))
	case <-time.After(2 * time.Second):
		t.Fatal("no keepalive")
	}
}

// TestBrokerHandlerThroughEngine 测试通过引擎推送事件并在断开时退订
func TestBrokerHandlerThroughEngine(t *testing.T) {
	b := NewBroker(BrokerConfig{}, nil)
	defer b.Close()

	r := router.New()
	r.GET("/events", b.Handler())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	e := core.New(r, nil, core.DefaultOptions())
	go e.Serve(context.Background(), ln)
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })

	resp, err := nethttp.Get("http://" + ln.Addr().String() + "/events?client_id=web")
	require.NoError(t, err)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	br := bufio.NewReader(resp.Body)
	readEvent := func() string {
		var lines []string
		for {
			line, err := br.ReadString('\n')
			require.NoError(t, err)
			if line == "\n" {
				return strings.Join(lines, "")
			}
			lines = append(lines, line)
		}
	}
	assert.Equal(t, "event: connected\ndata: client_id:web\n", readEvent())

	require.Eventually(t, func() bool { return b.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	b.Publish(Message("live"))
	assert.Equal(t, "data: live\n", readEvent())

	resp.Body.Close()
	require.Eventually(t, func() bool {
		b.Publish(Message("probe"))
		return b.ClientCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}
