// Package overlay maintains the full-mesh TCP overlay and implements
// publish/subscribe on top of it.
package overlay

import (
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/omochice/lanmesh/pkg/frame"
	"github.com/omochice/lanmesh/pkg/protocol"
)

const (
	dialTimeout = 5 * time.Second
	drainPoll   = 10 * time.Millisecond
)

// Handler receives data events. All calls happen on one goroutine.
type Handler func(channel string, payload []byte)

// Config configures a Bus.
type Config struct {
	ListenAddr   string
	MaxFrameSize int
	Handler      Handler
	// OnDisconnect is called with the dial target of an outbound link after
	// it closes, so discovery can offer the peer again.
	OnDisconnect func(ip net.IP, port uint16)
}

type inbound struct {
	channel string
	payload []byte
}

// Bus owns the overlay links of this process.
type Bus struct {
	cfg      Config
	listener net.Listener
	inbound  chan inbound
	quit     chan struct{}
	wg       sync.WaitGroup

	// ctrl serialises subscription changes and link handshakes so control
	// frames leave in the order the local subscription set changed.
	ctrl sync.Mutex

	mu      sync.RWMutex
	subs    map[string]struct{}
	conns   map[*peerConn]struct{}
	targets map[string]struct{}
	stopped bool
}

// New creates a Bus. Call Start to begin listening.
func New(cfg Config) *Bus {
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = frame.DefaultMaxSize
	}
	return &Bus{
		cfg:     cfg,
		inbound: make(chan inbound, 256),
		quit:    make(chan struct{}),
		subs:    make(map[string]struct{}),
		conns:   make(map[*peerConn]struct{}),
		targets: make(map[string]struct{}),
	}
}

// Start opens the listening socket and begins accepting links.
func (b *Bus) Start() error {
	listener, err := net.Listen("tcp4", b.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to start overlay listener: %w", err)
	}
	b.listener = listener

	log.Printf("Overlay listening on %s", listener.Addr().String())

	b.wg.Add(2)
	go b.acceptLoop()
	go b.dispatchLoop()
	return nil
}

// Stop closes every link and waits for all goroutines to finish.
func (b *Bus) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	conns := make([]*peerConn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	close(b.quit)
	if b.listener != nil {
		b.listener.Close()
	}
	for _, c := range conns {
		c.close()
	}
	b.wg.Wait()
}

// Drain waits until every link has written its queued frames to the socket,
// or timeout passes. Used before Stop so a last announcement gets out.
func (b *Bus) Drain(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for {
		b.mu.RLock()
		var queued int64
		for c := range b.conns {
			queued += c.unsent.Load()
		}
		b.mu.RUnlock()
		if queued == 0 || !time.Now().Before(deadline) {
			return
		}
		time.Sleep(drainPoll)
	}
}

// Addr returns the listening address.
func (b *Bus) Addr() string {
	if b.listener != nil {
		return b.listener.Addr().String()
	}
	return ""
}

// Port returns the TCP listen port.
func (b *Bus) Port() uint16 {
	if b.listener == nil {
		return 0
	}
	return uint16(b.listener.Addr().(*net.TCPAddr).Port)
}

// PeerCount returns the number of live links.
func (b *Bus) PeerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.conns)
}

// Subscribers returns how many links have asked for channel.
func (b *Bus) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for c := range b.conns {
		if _, ok := c.subs[channel]; ok {
			n++
		}
	}
	return n
}

// Subscribed reports whether this process subscribes to channel.
func (b *Bus) Subscribed(channel string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.subs[channel]
	return ok
}

// AddPeer connects to a discovered peer unless the tie-break says the peer
// should connect to us, or a link to it already exists.
func (b *Bus) AddPeer(ip net.IP, port uint16) {
	local := ""
	if addr := subnetAddress(ip); addr != nil {
		local = addr.String()
	}
	if !ShouldInitiate(local, b.Port(), ip.String(), port) {
		return
	}

	target := net.JoinHostPort(ip.String(), strconv.Itoa(int(port)))
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	if _, ok := b.targets[target]; ok {
		b.mu.Unlock()
		return
	}
	b.targets[target] = struct{}{}
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		conn, err := net.DialTimeout("tcp4", target, dialTimeout)
		if err != nil {
			log.Printf("Failed to connect to peer %s: %v", target, err)
			b.mu.Lock()
			delete(b.targets, target)
			b.mu.Unlock()
			return
		}
		b.addConn(conn, target)
	}()
}

// Subscribe asks every peer to forward channel to us. Subscribing twice is a no-op.
func (b *Bus) Subscribe(channel string) {
	b.changeSubscription(protocol.Subscribe(channel))
}

// Unsubscribe withdraws a subscription. Unsubscribing an unknown channel is a no-op.
func (b *Bus) Unsubscribe(channel string) {
	b.changeSubscription(protocol.Unsubscribe(channel))
}

func (b *Bus) changeSubscription(f protocol.Frame) {
	data, err := encodeFrame(f)
	if err != nil {
		log.Printf("Failed to encode %s frame: %v", f.Op, err)
		return
	}

	b.ctrl.Lock()
	defer b.ctrl.Unlock()

	b.mu.Lock()
	_, had := b.subs[f.Channel]
	if f.Op == protocol.OpSubscribe {
		if had {
			b.mu.Unlock()
			return
		}
		b.subs[f.Channel] = struct{}{}
	} else {
		if !had {
			b.mu.Unlock()
			return
		}
		delete(b.subs, f.Channel)
	}
	conns := b.snapshot(nil)
	b.mu.Unlock()

	for _, c := range conns {
		c.send(data)
	}
}

// Publish sends payload to every link subscribed to channel. Nobody being
// subscribed is not an error.
func (b *Bus) Publish(channel string, payload []byte) error {
	b.mu.RLock()
	conns := b.snapshot(func(c *peerConn) bool {
		_, ok := c.subs[channel]
		return ok
	})
	b.mu.RUnlock()

	if len(conns) == 0 {
		return nil
	}
	data, err := encodeFrame(protocol.Data(channel, payload))
	if err != nil {
		return err
	}
	for _, c := range conns {
		c.send(data)
	}
	return nil
}

// snapshot must be called with b.mu held.
func (b *Bus) snapshot(keep func(*peerConn) bool) []*peerConn {
	out := make([]*peerConn, 0, len(b.conns))
	for c := range b.conns {
		if keep == nil || keep(c) {
			out = append(out, c)
		}
	}
	return out
}

func (b *Bus) acceptLoop() {
	defer b.wg.Done()

	for {
		conn, err := b.listener.Accept()
		if err != nil {
			select {
			case <-b.quit:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("Failed to accept overlay connection: %v", err)
			continue
		}
		b.addConn(conn, "")
	}
}

// addConn registers a link and sends it our current subscriptions.
func (b *Bus) addConn(conn net.Conn, target string) {
	c := newPeerConn(conn, target, b.cfg.MaxFrameSize)

	b.ctrl.Lock()
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		b.ctrl.Unlock()
		conn.Close()
		return
	}
	b.conns[c] = struct{}{}
	channels := make([]string, 0, len(b.subs))
	for ch := range b.subs {
		channels = append(channels, ch)
	}
	b.wg.Add(2)
	b.mu.Unlock()

	go b.readLoop(c)
	go b.writeLoop(c)

	for _, ch := range channels {
		data, err := encodeFrame(protocol.Subscribe(ch))
		if err != nil {
			log.Printf("Failed to encode subscribe frame: %v", err)
			continue
		}
		c.send(data)
	}
	b.ctrl.Unlock()

	log.Printf("Peer %s connected", c.RemoteAddr())
}

func (b *Bus) removeConn(c *peerConn, cause error) {
	c.close()

	b.mu.Lock()
	_, live := b.conns[c]
	delete(b.conns, c)
	c.subs = nil
	if c.target != "" {
		delete(b.targets, c.target)
	}
	stopped := b.stopped
	b.mu.Unlock()

	if !live {
		return
	}
	if cause != nil {
		log.Printf("Peer %s disconnected: %v", c.RemoteAddr(), cause)
	} else {
		log.Printf("Peer %s disconnected", c.RemoteAddr())
	}
	if c.target != "" && !stopped && b.cfg.OnDisconnect != nil {
		host, portStr, err := net.SplitHostPort(c.target)
		if err != nil {
			return
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return
		}
		b.cfg.OnDisconnect(net.ParseIP(host), uint16(port))
	}
}

func (b *Bus) readLoop(c *peerConn) {
	defer b.wg.Done()
	err := c.readFrames(func(f protocol.Frame, err error) {
		if err != nil {
			log.Printf("Failed to decode frame from %s: %v", c.RemoteAddr(), err)
			return
		}
		b.handleFrame(c, f)
	})
	b.removeConn(c, err)
}

func (b *Bus) writeLoop(c *peerConn) {
	defer b.wg.Done()
	if err := c.writeLoop(); err != nil {
		log.Printf("Failed to write to peer %s: %v", c.RemoteAddr(), err)
		c.close()
	}
}

func (b *Bus) handleFrame(c *peerConn, f protocol.Frame) {
	switch f.Op {
	case protocol.OpData:
		if !b.Subscribed(f.Channel) {
			return
		}
		select {
		case b.inbound <- inbound{channel: f.Channel, payload: f.Value}:
		case <-b.quit:
		}
	case protocol.OpSubscribe:
		b.mu.Lock()
		if c.subs != nil {
			c.subs[f.Channel] = struct{}{}
		}
		b.mu.Unlock()
	case protocol.OpUnsubscribe:
		b.mu.Lock()
		delete(c.subs, f.Channel)
		b.mu.Unlock()
	}
}

func (b *Bus) dispatchLoop() {
	defer b.wg.Done()
	for {
		select {
		case ev := <-b.inbound:
			if b.cfg.Handler != nil {
				b.cfg.Handler(ev.channel, ev.payload)
			}
		case <-b.quit:
			return
		}
	}
}

func encodeFrame(f protocol.Frame) ([]byte, error) {
	body, err := f.Encode()
	if err != nil {
		return nil, err
	}
	return frame.Encode(body), nil
}
