// Package presence announces the local identity on the overlay, tracks remote
// identities by heartbeat, and carries direct messages and typing indicators.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/omochice/lanmesh/pkg/protocol"
)

// Bus is the overlay surface the service needs.
type Bus interface {
	Subscribe(channel string)
	Unsubscribe(channel string)
	Publish(channel string, payload []byte) error
}

// Config configures a Service.
type Config struct {
	ID                string
	Name              string
	HeartbeatInterval time.Duration
	SweepInterval     time.Duration
	LivenessTimeout   time.Duration
	// Now replaces time.Now, for tests.
	Now func() time.Time
}

var ErrEmptyRecipient = errors.New("recipient id is empty")

// Service is the presence protocol endpoint of one node.
type Service struct {
	bus    Bus
	cfg    Config
	events chan Event

	mu         sync.Mutex
	id         string
	name       string
	online     bool
	users      map[string]*User
	history    map[string][]Message
	typing     map[string]bool
	onIDChange func(oldID, newID string)
}

// New creates a Service. A missing ID is generated.
func New(bus Bus, cfg Config) *Service {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	if cfg.LivenessTimeout <= 0 {
		cfg.LivenessTimeout = 2 * time.Second
	}
	return &Service{
		bus:     bus,
		cfg:     cfg,
		events:  make(chan Event, 256),
		id:      cfg.ID,
		name:    cfg.Name,
		online:  true,
		users:   make(map[string]*User),
		history: make(map[string][]Message),
		typing:  make(map[string]bool),
	}
}

// Events delivers notifications for local consumers.
func (s *Service) Events() <-chan Event {
	return s.events
}

// OnIDChange registers fn to be called after a collision replaced the local id.
func (s *Service) OnIDChange(fn func(oldID, newID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onIDChange = fn
}

// Start subscribes to the identity channel and this identity's channels.
func (s *Service) Start() {
	s.mu.Lock()
	id := s.id
	s.mu.Unlock()

	s.bus.Subscribe(protocol.KindUserInfo)
	s.subscribeOwn(id)
}

// Run sends heartbeats and sweeps silent users until ctx is done.
func (s *Service) Run(ctx context.Context) {
	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	sweep := time.NewTicker(s.cfg.SweepInterval)
	defer sweep.Stop()

	s.Heartbeat()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			s.Heartbeat()
		case <-sweep.C:
			s.Sweep()
		}
	}
}

// ID returns the local user id.
func (s *Service) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Name returns the local display name.
func (s *Service) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// Online reports whether heartbeats are being sent.
func (s *Service) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// SetName changes the display name and announces it right away.
func (s *Service) SetName(name string) {
	s.mu.Lock()
	s.name = name
	s.mu.Unlock()
	s.Heartbeat()
}

// SetOnline starts or stops heartbeats. Going offline announces it once so
// peers need not wait for the liveness timeout.
func (s *Service) SetOnline(online bool) {
	s.mu.Lock()
	was := s.online
	s.online = online
	info := protocol.UserInfo{ID: s.id, Name: s.name, Online: online}
	s.mu.Unlock()

	if was && !online {
		if err := s.publish(protocol.KindUserInfo, &info); err != nil {
			log.Printf("Failed to announce going offline: %v", err)
		}
	}
	if online {
		s.Heartbeat()
	}
}

// Heartbeat announces the local identity if online.
func (s *Service) Heartbeat() {
	s.mu.Lock()
	if !s.online {
		s.mu.Unlock()
		return
	}
	info := protocol.UserInfo{ID: s.id, Name: s.name, Online: true}
	s.mu.Unlock()

	if err := s.publish(protocol.KindUserInfo, &info); err != nil {
		log.Printf("Failed to send heartbeat: %v", err)
	}
}

// Sweep removes users silent for longer than the liveness timeout.
func (s *Service) Sweep() {
	now := s.cfg.Now()

	s.mu.Lock()
	var removed []User
	for id, u := range s.users {
		if now.Sub(u.LastSeen) > s.cfg.LivenessTimeout {
			removed = append(removed, *u)
			delete(s.users, id)
			delete(s.typing, id)
		}
	}
	s.mu.Unlock()

	for _, u := range removed {
		log.Printf("User %s (%s) timed out", u.Name, u.ID)
		s.emit(Event{Kind: EventUserRemoved, User: u})
	}
}

// Users returns the known remote users ordered by name.
func (s *Service) Users() []User {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Messages returns the conversation with peer, oldest first.
func (s *Service) Messages(peer string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.history[peer]...)
}

// Typing reports the last typing state received from peer.
func (s *Service) Typing(peer string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typing[peer]
}

// SendMessage sends text to the user with id to and records it in history.
func (s *Service) SendMessage(to, text string) error {
	if to == "" {
		return ErrEmptyRecipient
	}
	s.mu.Lock()
	msg := protocol.Message{Sender: s.id, Text: text}
	s.history[to] = append(s.history[to], Message{Peer: to, Time: s.cfg.Now(), Text: text})
	s.mu.Unlock()

	return s.publish(protocol.Channel(protocol.KindMessage, to), &msg)
}

// SendTyping tells the user with id to whether we are typing to them.
func (s *Service) SendTyping(to string, typing bool) error {
	if to == "" {
		return ErrEmptyRecipient
	}
	s.mu.Lock()
	msg := protocol.Typing{Sender: s.id, Typing: typing}
	s.mu.Unlock()

	return s.publish(protocol.Channel(protocol.KindTyping, to), &msg)
}

// Handle processes a data event on a presence channel. Payloads that do not
// decode are dropped.
func (s *Service) Handle(channel string, payload []byte) {
	kind, _ := protocol.SplitChannel(channel)
	var err error
	switch kind {
	case protocol.KindUserInfo:
		var info protocol.UserInfo
		if err = info.Decode(payload); err == nil {
			s.handleUserInfo(info)
		}
	case protocol.KindMessage:
		var msg protocol.Message
		if err = msg.Decode(payload); err == nil {
			s.handleMessage(msg)
		}
	case protocol.KindTyping:
		var typing protocol.Typing
		if err = typing.Decode(payload); err == nil {
			s.handleTyping(typing)
		}
	default:
		err = fmt.Errorf("unexpected channel %q", channel)
	}
	if err != nil {
		log.Printf("Dropping presence event on %s: %v", channel, err)
	}
}

func (s *Service) handleUserInfo(info protocol.UserInfo) {
	if info.ID == "" {
		return
	}
	now := s.cfg.Now()

	s.mu.Lock()
	if info.ID == s.id {
		s.mu.Unlock()
		s.regenerateID()
		return
	}
	u, known := s.users[info.ID]
	switch {
	case !info.Online:
		if !known {
			s.mu.Unlock()
			return
		}
		delete(s.users, info.ID)
		delete(s.typing, info.ID)
		s.mu.Unlock()
		s.emit(Event{Kind: EventUserRemoved, User: *u})
	case !known:
		u = &User{ID: info.ID, Name: info.Name, LastSeen: now}
		s.users[info.ID] = u
		added := *u
		s.mu.Unlock()
		log.Printf("User %s (%s) appeared", added.Name, added.ID)
		s.emit(Event{Kind: EventUserAdded, User: added})
	default:
		u.LastSeen = now
		if u.Name == info.Name {
			s.mu.Unlock()
			return
		}
		previous := u.Name
		u.Name = info.Name
		renamed := *u
		s.mu.Unlock()
		s.emit(Event{Kind: EventUserRenamed, User: renamed, Previous: previous})
	}
}

// regenerateID replaces an id another node is also announcing.
func (s *Service) regenerateID() {
	s.mu.Lock()
	oldID := s.id
	s.id = uuid.NewString()
	newID := s.id
	self := User{ID: newID, Name: s.name}
	hook := s.onIDChange
	s.mu.Unlock()

	log.Printf("Identity %s is used by another node, switching to %s", oldID, newID)
	s.bus.Unsubscribe(protocol.Channel(protocol.KindMessage, oldID))
	s.bus.Unsubscribe(protocol.Channel(protocol.KindTyping, oldID))
	s.subscribeOwn(newID)

	s.emit(Event{Kind: EventIDChanged, User: self, Previous: oldID})
	if hook != nil {
		hook(oldID, newID)
	}
}

func (s *Service) handleMessage(msg protocol.Message) {
	entry := Message{Peer: msg.Sender, Incoming: true, Time: s.cfg.Now(), Text: msg.Text}
	s.mu.Lock()
	s.history[msg.Sender] = append(s.history[msg.Sender], entry)
	s.mu.Unlock()
	s.emit(Event{Kind: EventMessageReceived, Message: entry})
}

func (s *Service) handleTyping(t protocol.Typing) {
	s.mu.Lock()
	s.typing[t.Sender] = t.Typing
	s.mu.Unlock()
	s.emit(Event{Kind: EventTyping, User: User{ID: t.Sender}, Typing: t.Typing})
}

func (s *Service) subscribeOwn(id string) {
	s.bus.Subscribe(protocol.Channel(protocol.KindMessage, id))
	s.bus.Subscribe(protocol.Channel(protocol.KindTyping, id))
}

func (s *Service) publish(channel string, p protocol.Payload) error {
	data, err := p.Encode()
	if err != nil {
		return err
	}
	if err := s.bus.Publish(channel, data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", p.Kind(), err)
	}
	return nil
}

func (s *Service) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		log.Printf("Presence event queue full, dropping %s", ev.Kind)
	}
}
