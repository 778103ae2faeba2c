// Package wsnotify pushes "something changed, go pull" pokes over a
// websocket connection, letting a client react to server-side writes
// immediately instead of waiting for its next polled pull.
package wsnotify

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// pokeMessage is the only payload this protocol ever sends: a bare poke.
// The client never needs to know what changed, only that it should pull.
const pokeMessage = "poke"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans out pokes to every connected client. Register it on a store's
// OnCommit hook to poke on every commit.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	log     *logrus.Entry
}

// NewHub builds an empty Hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		log:     logrus.WithField("component", "wsnotify"),
	}
}

type client struct {
	conn *websocket.Conn
	send chan struct{}
}

// ServeHTTP upgrades the request to a websocket and registers the
// connection until the client disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	c := &client{conn: conn, send: make(chan struct{}, 1)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) readPump(c *client) {
	defer h.drop(c)
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case _, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, []byte(pokeMessage)); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.conn.Close()
}

// OnCommit is a store commit hook: every commit pokes every connected
// client, regardless of which hash landed, since any client might care.
func (h *Hub) OnCommit(string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- struct{}{}:
		default:
			// a poke is already queued for this client; coalescing is fine,
			// the client will pull once and pick up everything pending.
		}
	}
}

// Close disconnects every connected client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		c.conn.Close()
	}
	h.clients = make(map[*client]struct{})
}
