// Package discovery finds overlay peers on the local broadcast domain.
//
// Every node periodically broadcasts its TCP listen port in a 2-byte datagram
// to a well-known UDP port, and listens on that port for other nodes doing the
// same.
package discovery

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"net"
	"strconv"
	"time"
)

// DatagramSize is the exact size of a discovery datagram.
const DatagramSize = 2

// Datagram encodes an announced TCP port.
func Datagram(port uint16) []byte {
	b := make([]byte, DatagramSize)
	binary.BigEndian.PutUint16(b, port)
	return b
}

// ParseDatagram decodes an announced TCP port. Datagrams of any other size
// are rejected.
func ParseDatagram(b []byte) (uint16, bool) {
	if len(b) != DatagramSize {
		return 0, false
	}
	return binary.BigEndian.Uint16(b), true
}

// Announcer broadcasts this node's listen port at a fixed interval.
type Announcer struct {
	port     uint16
	dest     *net.UDPAddr
	interval time.Duration
}

// NewAnnouncer creates an announcer advertising listenPort to host:discoveryPort.
func NewAnnouncer(listenPort uint16, host string, discoveryPort int, interval time.Duration) (*Announcer, error) {
	dest, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, strconv.Itoa(discoveryPort)))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve discovery address: %w", err)
	}
	return &Announcer{port: listenPort, dest: dest, interval: interval}, nil
}

// Run announces immediately and then on every tick until ctx is done.
func (a *Announcer) Run(ctx context.Context) error {
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return fmt.Errorf("failed to open announce socket: %w", err)
	}
	defer conn.Close()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	datagram := Datagram(a.port)
	for {
		if _, err := conn.WriteToUDP(datagram, a.dest); err != nil {
			log.Printf("Failed to announce on %s: %v", a.dest, err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
