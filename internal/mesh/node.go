// Package mesh assembles a node: the overlay bus, discovery feeding it, and
// the presence and file transfer protocols sharing it.
package mesh

import (
	"context"
	"errors"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/omochice/lanmesh/internal/config"
	"github.com/omochice/lanmesh/internal/discovery"
	"github.com/omochice/lanmesh/internal/overlay"
	"github.com/omochice/lanmesh/internal/presence"
	"github.com/omochice/lanmesh/internal/transfer"
	"github.com/omochice/lanmesh/pkg/protocol"
)

const drainTimeout = 500 * time.Millisecond

var ErrEmptyName = errors.New("name is empty")

// Event is a presence or transfer notification; exactly one field is set.
type Event struct {
	Presence *presence.Event
	Transfer *transfer.Event
}

// Node is one participant of the mesh.
type Node struct {
	cfg      config.Config
	bus      *overlay.Bus
	presence *presence.Service
	transfer *transfer.Service

	mu       sync.Mutex
	settings config.Settings
	listener *discovery.Listener
	watchers map[chan Event]struct{}

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a node for the persisted identity in settings.
func New(cfg config.Config, settings config.Settings) *Node {
	n := &Node{
		cfg:      cfg,
		settings: settings,
		watchers: make(map[chan Event]struct{}),
	}
	n.bus = overlay.New(overlay.Config{
		ListenAddr:   cfg.ListenAddr,
		MaxFrameSize: cfg.MaxFrameSize,
		Handler:      n.route,
		OnDisconnect: n.forget,
	})
	n.presence = presence.New(n.bus, presence.Config{
		ID:                settings.ID,
		Name:              settings.Name,
		HeartbeatInterval: cfg.HeartbeatInterval,
		SweepInterval:     cfg.SweepInterval,
		LivenessTimeout:   cfg.LivenessTimeout,
	})
	n.transfer = transfer.New(n.bus, transfer.Config{
		ID:              n.presence.ID(),
		Dir:             cfg.FilesDir,
		MaxFragmentSize: uint64(cfg.MaxFragmentSize),
	})
	n.presence.OnIDChange(n.identityChanged)
	return n
}

// Start brings the node onto the network. Discovery is skipped when the
// configured discovery port is 0; peers can then be added with Connect.
func (n *Node) Start(ctx context.Context) error {
	if err := n.bus.Start(); err != nil {
		return err
	}
	n.presence.Start()
	n.transfer.Start()

	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	if n.cfg.DiscoveryPort > 0 {
		if err := n.startDiscovery(ctx); err != nil {
			cancel()
			n.bus.Stop()
			return err
		}
	}

	n.wg.Add(2)
	go func() {
		defer n.wg.Done()
		n.presence.Run(ctx)
	}()
	go n.forwardEvents(ctx)

	log.Printf("Node %s (%s) started on port %d", n.presence.Name(), n.presence.ID(), n.bus.Port())
	return nil
}

// Stop announces that this node goes offline and leaves the network.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		n.presence.SetOnline(false)
		n.bus.Drain(drainTimeout)
		if n.cancel != nil {
			n.cancel()
		}
		n.bus.Stop()
		n.wg.Wait()

		n.mu.Lock()
		for ch := range n.watchers {
			close(ch)
		}
		n.watchers = make(map[chan Event]struct{})
		n.mu.Unlock()
		log.Println("Node stopped")
	})
}

func (n *Node) startDiscovery(ctx context.Context) error {
	addr := net.JoinHostPort("0.0.0.0", strconv.Itoa(n.cfg.DiscoveryPort))
	listener, err := discovery.Listen(ctx, addr, n.bus.Port())
	if err != nil {
		return err
	}
	announcer, err := discovery.NewAnnouncer(n.bus.Port(), n.cfg.BroadcastAddr, n.cfg.DiscoveryPort, n.cfg.AnnounceInterval)
	if err != nil {
		listener.Close()
		return err
	}

	n.mu.Lock()
	n.listener = listener
	n.mu.Unlock()

	n.wg.Add(3)
	go func() {
		defer n.wg.Done()
		if err := listener.Run(ctx); err != nil {
			log.Printf("Discovery listener stopped: %v", err)
		}
	}()
	go func() {
		defer n.wg.Done()
		if err := announcer.Run(ctx); err != nil {
			log.Printf("Announcer stopped: %v", err)
		}
	}()
	go func() {
		defer n.wg.Done()
		for {
			select {
			case p := <-listener.Found():
				log.Printf("Discovered peer %s", p)
				n.bus.AddPeer(p.IP, p.Port)
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Connect adds a peer by address, as if discovery had found it.
func (n *Node) Connect(ip net.IP, port uint16) {
	n.bus.AddPeer(ip, port)
}

// forget lets discovery report a peer again after its link dropped.
func (n *Node) forget(ip net.IP, port uint16) {
	n.mu.Lock()
	listener := n.listener
	n.mu.Unlock()
	if listener != nil {
		listener.Forget(discovery.Peer{IP: ip, Port: port})
	}
}

// route hands a data event to the protocol owning its channel kind.
func (n *Node) route(channel string, payload []byte) {
	switch kind, _ := protocol.SplitChannel(channel); kind {
	case protocol.KindUserInfo, protocol.KindMessage, protocol.KindTyping:
		n.presence.Handle(channel, payload)
	case protocol.KindFileInfo, protocol.KindFileContents:
		n.transfer.Handle(channel, payload)
	default:
		log.Printf("No handler for channel %s", channel)
	}
}

func (n *Node) identityChanged(oldID, newID string) {
	n.transfer.SetID(newID)

	n.mu.Lock()
	n.settings.ID = newID
	settings := n.settings
	n.mu.Unlock()
	n.saveSettings(settings)
}

func (n *Node) saveSettings(s config.Settings) {
	if n.cfg.SettingsPath == "" {
		return
	}
	if err := config.SaveSettings(n.cfg.SettingsPath, s); err != nil {
		log.Printf("Failed to save settings: %v", err)
	}
}

// Watch registers a consumer of node events. Events are dropped for a
// watcher that falls behind. Call the returned func to unregister.
func (n *Node) Watch() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	n.mu.Lock()
	n.watchers[ch] = struct{}{}
	n.mu.Unlock()

	return ch, func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if _, ok := n.watchers[ch]; ok {
			delete(n.watchers, ch)
			close(ch)
		}
	}
}

func (n *Node) forwardEvents(ctx context.Context) {
	defer n.wg.Done()
	for {
		var ev Event
		select {
		case pe := <-n.presence.Events():
			ev.Presence = &pe
		case te := <-n.transfer.Events():
			ev.Transfer = &te
		case <-ctx.Done():
			return
		}

		n.mu.Lock()
		for ch := range n.watchers {
			select {
			case ch <- ev:
			default:
			}
		}
		n.mu.Unlock()
	}
}

// ID returns the current local user id.
func (n *Node) ID() string { return n.presence.ID() }

// Name returns the local display name.
func (n *Node) Name() string { return n.presence.Name() }

// Port returns the overlay listen port.
func (n *Node) Port() uint16 { return n.bus.Port() }

// PeerCount returns the number of live overlay links.
func (n *Node) PeerCount() int { return n.bus.PeerCount() }

// SetName changes and persists the display name.
func (n *Node) SetName(name string) error {
	if name == "" {
		return ErrEmptyName
	}
	n.presence.SetName(name)

	n.mu.Lock()
	n.settings.Name = name
	settings := n.settings
	n.mu.Unlock()
	n.saveSettings(settings)
	return nil
}

func (n *Node) SetOnline(online bool)                   { n.presence.SetOnline(online) }
func (n *Node) Online() bool                            { return n.presence.Online() }
func (n *Node) Users() []presence.User                  { return n.presence.Users() }
func (n *Node) Messages(peer string) []presence.Message { return n.presence.Messages(peer) }
func (n *Node) Transfers() []transfer.Record            { return n.transfer.Records() }

func (n *Node) SendMessage(to, text string) error       { return n.presence.SendMessage(to, text) }
func (n *Node) SendTyping(to string, typing bool) error { return n.presence.SendTyping(to, typing) }
func (n *Node) SendFile(to, path string) error          { return n.transfer.SendFile(to, path) }
func (n *Node) Receive(peer, name string) error         { return n.transfer.Receive(peer, name) }
func (n *Node) Pause(peer, name string) error           { return n.transfer.Pause(peer, name) }
func (n *Node) Cancel(peer, name string) error          { return n.transfer.Cancel(peer, name) }
func (n *Node) Restart(peer, name string) error         { return n.transfer.Restart(peer, name) }
func (n *Node) Remove(peer, name string) error          { return n.transfer.Remove(peer, name) }
