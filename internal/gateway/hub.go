package gateway

import (
	"log"
	"net"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// client is one connected collaborator.
type client struct {
	conn     net.Conn
	outgoing chan []byte
	done     chan struct{}
	once     sync.Once
}

func newClient(conn net.Conn) *client {
	return &client{
		conn:     conn,
		outgoing: make(chan []byte, 64),
		done:     make(chan struct{}),
	}
}

func (c *client) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// send queues data, dropping it when the client is not keeping up.
func (c *client) send(data []byte) {
	select {
	case <-c.done:
	case c.outgoing <- data:
	default:
		log.Printf("Gateway client %s is not keeping up, dropping message", c.RemoteAddr())
	}
}

// close makes the write loop send a close frame and drop the connection.
func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// read returns the next text or binary message. Control frames are answered
// by wsutil.
func (c *client) read() ([]byte, error) {
	data, _, err := wsutil.ReadClientData(c.conn)
	return data, err
}

func (c *client) writeLoop() {
	defer c.conn.Close()
	for {
		select {
		case data := <-c.outgoing:
			if err := wsutil.WriteServerText(c.conn, data); err != nil {
				log.Printf("Failed to write to gateway client %s: %v", c.RemoteAddr(), err)
				c.close()
				return
			}
		case <-c.done:
			body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
			_ = wsutil.WriteServerMessage(c.conn, ws.OpClose, body)
			return
		}
	}
}

// Hub tracks the connected clients.
type Hub struct {
	clients map[*client]struct{}
	closed  bool
	mu      sync.RWMutex
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

// register adds c unless the hub has been closed. The client's read and
// write loops are counted in wg before closeAll can run.
func (h *Hub) register(c *client, wg *sync.WaitGroup) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	wg.Add(2)
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

// ClientCount returns number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues data for every client.
func (h *Hub) Broadcast(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.send(data)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		c.close()
	}
}
