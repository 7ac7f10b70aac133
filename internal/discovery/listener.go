package discovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"

	"golang.org/x/net/ipv4"
)

// Peer is a directly reachable overlay endpoint.
type Peer struct {
	IP   net.IP
	Port uint16
}

func (p Peer) String() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(int(p.Port)))
}

// Listener receives announcements and reports each new peer once.
type Listener struct {
	ownPort    uint16
	conn       net.PacketConn
	pc         *ipv4.PacketConn
	localAddrs func() ([]net.IP, error)
	found      chan Peer

	mu    sync.Mutex
	known map[string]struct{}
}

// Listen binds the discovery address. ownPort is this node's overlay listen
// port, used to suppress its own announcements.
func Listen(ctx context.Context, addr string, ownPort uint16) (*Listener, error) {
	lc := net.ListenConfig{Control: reuseControl}
	conn, err := lc.ListenPacket(ctx, "udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind discovery port: %w", err)
	}
	pc := ipv4.NewPacketConn(conn)
	// Not every platform reports the receiving interface.
	_ = pc.SetControlMessage(ipv4.FlagInterface, true)

	return &Listener{
		ownPort:    ownPort,
		conn:       conn,
		pc:         pc,
		localAddrs: interfaceAddrs,
		found:      make(chan Peer, 16),
		known:      make(map[string]struct{}),
	}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.conn.LocalAddr()
}

// Found delivers newly discovered peers.
func (l *Listener) Found() <-chan Peer {
	return l.found
}

// Forget drops p from the known set so a later announcement reports it again.
func (l *Listener) Forget(p Peer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.known, p.String())
}

// Close unbinds the discovery port, which also ends Run.
func (l *Listener) Close() error {
	return l.pc.Close()
}

// Run reads announcements until the listener is closed or ctx is done.
func (l *Listener) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { l.pc.Close() })
	defer stop()

	buf := make([]byte, 64)
	for {
		n, cm, src, err := l.pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("failed to read discovery datagram: %w", err)
		}
		udp, ok := src.(*net.UDPAddr)
		if !ok {
			continue
		}
		peer, ok := l.handle(buf[:n], udp.IP, cm)
		if !ok {
			continue
		}
		select {
		case l.found <- peer:
		case <-ctx.Done():
			return nil
		}
	}
}

// handle applies the acceptance rules to one datagram.
func (l *Listener) handle(data []byte, src net.IP, cm *ipv4.ControlMessage) (Peer, bool) {
	port, ok := ParseDatagram(data)
	if !ok {
		return Peer{}, false
	}
	if port == l.ownPort && l.isLocal(src, cm) {
		return Peer{}, false
	}
	peer := Peer{IP: src, Port: port}

	l.mu.Lock()
	defer l.mu.Unlock()
	key := peer.String()
	if _, dup := l.known[key]; dup {
		return Peer{}, false
	}
	l.known[key] = struct{}{}
	return peer, true
}

func (l *Listener) isLocal(src net.IP, cm *ipv4.ControlMessage) bool {
	if src.IsLoopback() {
		return true
	}
	if cm != nil && cm.IfIndex > 0 {
		if iface, err := net.InterfaceByIndex(cm.IfIndex); err == nil && iface.Flags&net.FlagLoopback != 0 {
			return true
		}
	}
	addrs, err := l.localAddrs()
	if err != nil {
		log.Printf("Failed to list local addresses: %v", err)
		return false
	}
	for _, a := range addrs {
		if a.Equal(src) {
			return true
		}
	}
	return false
}

func interfaceAddrs() ([]net.IP, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok {
			ips = append(ips, ipnet.IP)
		}
	}
	return ips, nil
}
