// Package gateway exposes a node to local collaborators (user interfaces)
// over WebSocket: node events are pushed as JSON messages and clients send
// JSON commands, each answered by a result.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/omochice/lanmesh/internal/mesh"
	"github.com/omochice/lanmesh/internal/presence"
	"github.com/omochice/lanmesh/internal/transfer"
)

// Path is where the WebSocket endpoint is served.
const Path = "/ws"

var ErrUnknownCommand = errors.New("unknown command")

// Backend is the node surface the gateway drives. *mesh.Node implements it.
type Backend interface {
	Watch() (<-chan mesh.Event, func())
	ID() string
	Name() string
	SetName(name string) error
	SetOnline(online bool)
	Users() []presence.User
	Transfers() []transfer.Record
	SendMessage(to, text string) error
	SendTyping(to string, typing bool) error
	SendFile(to, path string) error
	Receive(peer, name string) error
	Pause(peer, name string) error
	Cancel(peer, name string) error
	Restart(peer, name string) error
	Remove(peer, name string) error
}

// Server accepts collaborator connections.
type Server struct {
	address  string
	backend  Backend
	hub      *Hub
	listener net.Listener
	server   *http.Server
	unwatch  func()
	wg       sync.WaitGroup
}

// New creates a gateway for backend listening on address.
func New(address string, backend Backend) *Server {
	return &Server{
		address: address,
		backend: backend,
		hub:     NewHub(),
	}
}

// Start begins accepting connections and forwarding node events.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc(Path, s.handleWebSocket)
	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	events, unwatch := s.backend.Watch()
	s.unwatch = unwatch

	log.Printf("Gateway listening on ws://%s%s", listener.Addr().String(), Path)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Gateway server error: %v", err)
		}
	}()
	go s.forward(events)
	return nil
}

// Stop disconnects every client and waits for them to finish.
func (s *Server) Stop() {
	if s.unwatch != nil {
		s.unwatch()
	}
	if s.server != nil {
		s.server.Close()
	}
	s.hub.closeAll()
	s.wg.Wait()
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	return s.hub.ClientCount()
}

func (s *Server) forward(events <-chan mesh.Event) {
	defer s.wg.Done()
	for ev := range events {
		msg, ok := messageOf(ev)
		if !ok {
			continue
		}
		data, err := json.Marshal(msg)
		if err != nil {
			log.Printf("Failed to encode %s event: %v", msg.Type, err)
			continue
		}
		s.hub.Broadcast(data)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("Failed to upgrade gateway connection: %v", err)
		return
	}

	// The greeting is queued before registering so it precedes any event.
	c := newClient(conn)
	self := User{ID: s.backend.ID(), Name: s.backend.Name()}
	s.reply(c, Message{Type: TypeHello, User: &self})
	if !s.hub.register(c, &s.wg) {
		conn.Close()
		return
	}
	log.Printf("Gateway client %s connected", c.RemoteAddr())

	go func() {
		defer s.wg.Done()
		c.writeLoop()
	}()
	go s.readLoop(c)
}

func (s *Server) readLoop(c *client) {
	defer s.wg.Done()
	defer func() {
		s.hub.unregister(c)
		c.close()
		log.Printf("Gateway client %s disconnected", c.RemoteAddr())
	}()

	for {
		data, err := c.read()
		if err != nil {
			var closed wsutil.ClosedError
			if !errors.As(err, &closed) && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Printf("Failed to read from gateway client %s: %v", c.RemoteAddr(), err)
			}
			return
		}

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.reply(c, Result{Type: TypeResult, Error: fmt.Sprintf("invalid command: %v", err)})
			continue
		}
		s.reply(c, s.execute(cmd))
	}
}

func (s *Server) reply(c *client, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("Failed to encode reply: %v", err)
		return
	}
	c.send(data)
}

// execute runs one command against the backend.
func (s *Server) execute(cmd Command) Result {
	res := Result{Type: TypeResult, ID: cmd.ID, Command: cmd.Type}
	var err error
	switch cmd.Type {
	case CmdSendMessage:
		err = s.backend.SendMessage(cmd.To, cmd.Text)
	case CmdSendTyping:
		err = s.backend.SendTyping(cmd.To, cmd.Typing)
	case CmdSetName:
		err = s.backend.SetName(cmd.Name)
	case CmdSetOnline:
		s.backend.SetOnline(cmd.Online)
	case CmdSendFile:
		err = s.backend.SendFile(cmd.To, cmd.Path)
	case CmdReceive:
		err = s.backend.Receive(cmd.Peer, cmd.File)
	case CmdPause:
		err = s.backend.Pause(cmd.Peer, cmd.File)
	case CmdCancel:
		err = s.backend.Cancel(cmd.Peer, cmd.File)
	case CmdRestart:
		err = s.backend.Restart(cmd.Peer, cmd.File)
	case CmdRemove:
		err = s.backend.Remove(cmd.Peer, cmd.File)
	case CmdUsers:
		for _, u := range s.backend.Users() {
			res.Users = append(res.Users, userOf(u))
		}
	case CmdTransfers:
		for _, r := range s.backend.Transfers() {
			res.Transfers = append(res.Transfers, transferOf(r))
		}
	default:
		err = fmt.Errorf("%w %q", ErrUnknownCommand, cmd.Type)
	}
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.OK = true
	return res
}
