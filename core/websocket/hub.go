package websocket

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

var (
	ErrHubFull        = errors.New("websocket: max clients reached")
	ErrClientNotFound = errors.New("websocket: client not found")
	ErrSendQueueFull  = errors.New("websocket: client send queue full")
)

type outbound struct {
	op      OpCode
	payload []byte
}

// Client is a connection registered with a Hub. Writes go through its send
// queue so a slow peer never blocks a broadcast.
type Client struct {
	ID   string
	Conn *Conn

	send      chan outbound
	closeOnce sync.Once
	done      chan struct{}
}

func newClient(id string, conn *Conn, queue int) *Client {
	return &Client{
		ID:   id,
		Conn: conn,
		send: make(chan outbound, queue),
		done: make(chan struct{}),
	}
}

func (c *Client) enqueue(m outbound) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- m:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.Conn.Close()
	})
}

func (c *Client) writePump() {
	for {
		select {
		case <-c.done:
			return
		case m := <-c.send:
			if err := c.Conn.WriteMessage(m.op, m.payload); err != nil {
				c.close()
				return
			}
		}
	}
}

// HubConfig sizes a Hub.
type HubConfig struct {
	MaxClients int
	SendQueue  int
	// OnMessage is called for every data message a client sends.
	OnMessage func(*Client, *Message)
	// ClientID names a new client; a sequence number is used when nil.
	ClientID func(*Conn) string
}

// HubStats is a snapshot of hub counters.
type HubStats struct {
	TotalClients   int64 `json:"total_clients"`
	CurrentClients int   `json:"current_clients"`
	MessagesSent   int64 `json:"messages_sent"`
	Dropped        int64 `json:"dropped"`
	Rooms          int   `json:"rooms"`
}

// Hub keeps the set of live clients and named rooms.
type Hub struct {
	cfg     HubConfig
	clients *xsync.MapOf[string, *Client]
	rooms   *xsync.MapOf[string, *Room]

	seq          atomic.Uint64
	totalClients atomic.Int64
	messageCount atomic.Int64
	dropped      atomic.Int64
}

func NewHub(cfg HubConfig) *Hub {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = 10000
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = 256
	}
	return &Hub{
		cfg:     cfg,
		clients: xsync.NewMapOf[string, *Client](),
		rooms:   xsync.NewMapOf[string, *Room](),
	}
}

// Serve registers conn, reads from it until it closes and unregisters it.
// It is meant to be passed to Handler.
func (h *Hub) Serve(conn *Conn) {
	id := ""
	if h.cfg.ClientID != nil {
		id = h.cfg.ClientID(conn)
	}
	if id == "" {
		id = fmt.Sprintf("client-%d", h.seq.Add(1))
	}

	client, err := h.Register(id, conn)
	if err != nil {
		_ = conn.CloseWith(CloseGoingAway, err.Error())
		return
	}
	defer h.unregister(client)

	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if h.cfg.OnMessage != nil {
			h.cfg.OnMessage(client, msg)
		}
	}
}

// Register adds conn under id and starts its writer.
func (h *Hub) Register(id string, conn *Conn) (*Client, error) {
	if h.clients.Size() >= h.cfg.MaxClients {
		return nil, fmt.Errorf("%w (%d)", ErrHubFull, h.cfg.MaxClients)
	}
	client := newClient(id, conn, h.cfg.SendQueue)
	if prev, loaded := h.clients.LoadAndStore(id, client); loaded {
		prev.close()
	}
	h.totalClients.Add(1)
	go client.writePump()
	return client, nil
}

// Unregister removes the client and closes its connection.
func (h *Hub) Unregister(id string) {
	if client, ok := h.clients.Load(id); ok {
		h.unregister(client)
	}
}

// unregister removes client unless id has been taken over by a newer one.
func (h *Hub) unregister(client *Client) {
	h.clients.Compute(client.ID, func(old *Client, loaded bool) (*Client, bool) {
		return old, !loaded || old == client
	})
	h.rooms.Range(func(_ string, r *Room) bool {
		r.members.Compute(client.ID, func(old *Client, loaded bool) (*Client, bool) {
			return old, !loaded || old == client
		})
		return true
	})
	client.close()
}

// Broadcast queues a message for every client, or for the members of room
// when it is not empty. Clients whose queue is full miss the message.
func (h *Hub) Broadcast(op OpCode, payload []byte, room string) int {
	h.messageCount.Add(1)
	m := outbound{op: op, payload: payload}
	sent := 0
	deliver := func(_ string, c *Client) bool {
		if c.enqueue(m) {
			sent++
		} else {
			h.dropped.Add(1)
		}
		return true
	}
	if room == "" {
		h.clients.Range(deliver)
	} else if r, ok := h.rooms.Load(room); ok {
		r.members.Range(deliver)
	}
	return sent
}

func (h *Hub) BroadcastText(text string, room string) int {
	return h.Broadcast(OpText, []byte(text), room)
}

func (h *Hub) SendTo(clientID string, op OpCode, payload []byte) error {
	client, ok := h.clients.Load(clientID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrClientNotFound, clientID)
	}
	if !client.enqueue(outbound{op: op, payload: payload}) {
		h.dropped.Add(1)
		return ErrSendQueueFull
	}
	return nil
}

func (h *Hub) Client(id string) (*Client, bool) {
	return h.clients.Load(id)
}

func (h *Hub) ClientCount() int {
	return h.clients.Size()
}

func (h *Hub) Stats() HubStats {
	return HubStats{
		TotalClients:   h.totalClients.Load(),
		CurrentClients: h.clients.Size(),
		MessagesSent:   h.messageCount.Load(),
		Dropped:        h.dropped.Load(),
		Rooms:          h.rooms.Size(),
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.clients.Range(func(id string, _ *Client) bool {
		h.Unregister(id)
		return true
	})
}

// Room is a named subset of a hub's clients.
type Room struct {
	Name    string
	members *xsync.MapOf[string, *Client]
}

// Room returns the room called name, creating it on first use.
func (h *Hub) Room(name string) *Room {
	r, _ := h.rooms.LoadOrCompute(name, func() *Room {
		return &Room{Name: name, members: xsync.NewMapOf[string, *Client]()}
	})
	return r
}

func (h *Hub) DeleteRoom(name string) {
	h.rooms.Delete(name)
}

// Join adds a registered client to the room.
func (h *Hub) Join(room, clientID string) error {
	client, ok := h.clients.Load(clientID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrClientNotFound, clientID)
	}
	h.Room(room).members.Store(clientID, client)
	return nil
}

func (h *Hub) Leave(room, clientID string) {
	if r, ok := h.rooms.Load(room); ok {
		r.members.Delete(clientID)
	}
}

func (r *Room) ClientCount() int {
	return r.members.Size()
}

func (r *Room) ClientIDs() []string {
	ids := make([]string, 0, r.members.Size())
	r.members.Range(func(id string, _ *Client) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}
