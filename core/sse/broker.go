package sse

import (
	"errors"
	"fmt"
	nethttp "net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/searchktools/fastcore/core/handler"
	"github.com/searchktools/fastcore/core/http"
)

var (
	ErrBrokerFull     = errors.New("sse: max clients reached")
	ErrClientNotFound = errors.New("sse: client not found")
)

// Client is one subscriber. Its channel carries framed events and is closed
// when the client is unsubscribed.
type Client struct {
	ID string

	mu     sync.Mutex
	ch     chan []byte
	closed bool
}

func newClient(id string, buffer int) *Client {
	return &Client{ID: id, ch: make(chan []byte, buffer)}
}

// C returns the channel of framed events.
func (c *Client) C() <-chan []byte { return c.ch }

// send queues chunk without blocking. It reports false when the queue is
// full or the client is gone.
func (c *Client) send(chunk []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.ch <- chunk:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}

// BrokerConfig sizes a Broker.
type BrokerConfig struct {
	// Namespace prefixes generated event IDs.
	Namespace  string
	MaxClients int
	Buffer     int
	// Keepalive is the interval of comment lines sent to every client;
	// zero disables them.
	Keepalive time.Duration
}

// BrokerStats is a snapshot of broker counters.
type BrokerStats struct {
	TotalClients   int64  `json:"total_clients"`
	CurrentClients int    `json:"current_clients"`
	MessagesSent   int64  `json:"messages_sent"`
	Dropped        int64  `json:"messages_dropped"`
	LastEventID    uint64 `json:"event_id"`
}

// Broker fans events out to subscribed clients. A slow client misses
// events instead of holding the others back.
type Broker struct {
	cfg     BrokerConfig
	clients *xsync.MapOf[string, *Client]
	log     *zap.Logger

	seq          atomic.Uint64
	eventID      atomic.Uint64
	totalClients atomic.Int64
	messages     atomic.Int64
	dropped      atomic.Int64

	startOnce sync.Once
	stop      chan struct{}
	stopOnce  sync.Once
}

func NewBroker(cfg BrokerConfig, log *zap.Logger) *Broker {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = 10000
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 100
	}
	if log == nil {
		log = zap.NewNop()
	}
	b := &Broker{
		cfg:     cfg,
		clients: xsync.NewMapOf[string, *Client](),
		log:     log,
		stop:    make(chan struct{}),
	}
	if cfg.Keepalive > 0 {
		b.startOnce.Do(func() { go b.keepalive() })
	}
	return b
}

// Subscribe registers a client under id, replacing any previous one.
func (b *Broker) Subscribe(id string) (*Client, error) {
	if b.clients.Size() >= b.cfg.MaxClients {
		return nil, fmt.Errorf("%w (%d)", ErrBrokerFull, b.cfg.MaxClients)
	}
	c := newClient(id, b.cfg.Buffer)
	if prev, loaded := b.clients.LoadAndStore(id, c); loaded {
		prev.close()
	}
	b.totalClients.Add(1)
	return c, nil
}

// Unsubscribe removes c and closes its channel.
func (b *Broker) Unsubscribe(c *Client) {
	b.clients.Compute(c.ID, func(old *Client, loaded bool) (*Client, bool) {
		return old, !loaded || old == c
	})
	c.close()
}

// Publish sends ev to every client and returns how many accepted it.
func (b *Broker) Publish(ev Event) int {
	b.messages.Add(1)
	return b.broadcast(ev.Format())
}

// Send publishes an event of the given type with a generated ID.
func (b *Broker) Send(eventType, data string) int {
	return b.Publish(Event{ID: b.nextID(), Event: eventType, Data: data})
}

// PublishTo sends ev to a single client.
func (b *Broker) PublishTo(id string, ev Event) error {
	c, ok := b.clients.Load(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrClientNotFound, id)
	}
	if !c.send(ev.Format()) {
		b.dropped.Add(1)
		return fmt.Errorf("sse: client %s is not keeping up", id)
	}
	return nil
}

func (b *Broker) broadcast(chunk []byte) int {
	sent := 0
	b.clients.Range(func(_ string, c *Client) bool {
		if c.send(chunk) {
			sent++
		} else {
			b.dropped.Add(1)
		}
		return true
	})
	return sent
}

func (b *Broker) nextID() string {
	n := strconv.FormatUint(b.eventID.Add(1), 10)
	if b.cfg.Namespace == "" {
		return n
	}
	return b.cfg.Namespace + "-" + n
}

func (b *Broker) keepalive() {
	ticker := time.NewTicker(b.cfg.Keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.broadcast(Comment("keepalive"))
		}
	}
}

func (b *Broker) ClientCount() int {
	return b.clients.Size()
}

func (b *Broker) Stats() BrokerStats {
	return BrokerStats{
		TotalClients:   b.totalClients.Load(),
		CurrentClients: b.clients.Size(),
		MessagesSent:   b.messages.Load(),
		Dropped:        b.dropped.Load(),
		LastEventID:    b.eventID.Load(),
	}
}

// Close stops the keepalive loop and disconnects every client.
func (b *Broker) Close() error {
	b.stopOnce.Do(func() { close(b.stop) })
	b.clients.Range(func(_ string, c *Client) bool {
		b.Unsubscribe(c)
		return true
	})
	return nil
}

// Handler subscribes each request and streams its events until the client
// goes away. The client ID comes from the client_id query parameter when
// present.
func (b *Broker) Handler() handler.Handler {
	return handler.Func(func(req *http.Request) *http.Response {
		id := req.Query("client_id")
		if id == "" {
			id = "sse-" + strconv.FormatUint(b.seq.Add(1), 10)
		}
		c, err := b.Subscribe(id)
		if err != nil {
			b.log.Warn("sse_subscribe_rejected", zap.String("client_id", id), zap.Error(err))
			return http.Error(nethttp.StatusServiceUnavailable, err.Error())
		}
		c.send(Event{Event: "connected", Data: "client_id:" + id}.Format())

		if done := req.Context().Done(); done != nil {
			go func() {
				<-done
				b.Unsubscribe(c)
			}()
		}
		return Raw(c.ch).Respond()
	})
}
