package overlay

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/omochice/lanmesh/pkg/frame"
	"github.com/omochice/lanmesh/pkg/protocol"
)

const readBufferSize = 32 << 10

// peerConn is one live TCP link. subs is guarded by Bus.mu.
type peerConn struct {
	conn     net.Conn
	target   string // dial target for outbound links, empty for accepted ones
	queue    *frame.Queue
	outgoing chan []byte
	done     chan struct{}
	once     sync.Once
	subs     map[string]struct{}
	// unsent counts frames queued or being written.
	unsent atomic.Int64
}

func newPeerConn(conn net.Conn, target string, maxFrame int) *peerConn {
	return &peerConn{
		conn:     conn,
		target:   target,
		queue:    frame.NewQueue(maxFrame),
		outgoing: make(chan []byte, 64),
		done:     make(chan struct{}),
		subs:     make(map[string]struct{}),
	}
}

func (c *peerConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// send queues an encoded frame. It reports false once the link is closed.
func (c *peerConn) send(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	c.unsent.Add(1)
	select {
	case c.outgoing <- data:
		return true
	case <-c.done:
		c.unsent.Add(-1)
		return false
	}
}

func (c *peerConn) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *peerConn) writeLoop() error {
	for {
		select {
		case data := <-c.outgoing:
			_, err := c.conn.Write(data)
			c.unsent.Add(-1)
			if err != nil {
				return err
			}
		case <-c.done:
			return nil
		}
	}
}

// readFrames decodes frames until the link fails and hands each to fn.
// Undecodable frames are passed with their error and skipped by the caller.
func (c *peerConn) readFrames(fn func(protocol.Frame, error)) error {
	buf := make([]byte, readBufferSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if qerr := c.queue.Append(chunk); qerr != nil {
				return qerr
			}
			for c.queue.Ready() {
				var f protocol.Frame
				err := f.Decode(c.queue.Take())
				fn(f, err)
			}
			if qerr := c.queue.Err(); qerr != nil {
				return qerr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
