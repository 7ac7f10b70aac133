// Package transfer implements the receiver-paced file transfer protocol: a
// sender announces a file, the receiver pulls it fragment by fragment and
// verifies every fragment lands exactly where the previous one ended.
package transfer

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/omochice/lanmesh/pkg/protocol"
)

const (
	DefaultDir             = "files"
	DefaultMaxFragmentSize = 1 << 20
)

// Bus is the overlay surface the service needs.
type Bus interface {
	Subscribe(channel string)
	Unsubscribe(channel string)
	Publish(channel string, payload []byte) error
}

// Config configures a Service.
type Config struct {
	// ID is the local user id; files are addressed to it.
	ID string
	// Dir is the receive root. Incoming files land in Dir/<sender>/<name>.
	Dir             string
	MaxFragmentSize uint64
}

var (
	ErrEmptyRecipient  = errors.New("recipient id is empty")
	ErrAlreadySending  = errors.New("file with this name already offered to peer")
	ErrUnknownTransfer = errors.New("unknown transfer")
	ErrNotFile         = errors.New("not a regular file")
	ErrInvalidStatus   = errors.New("operation not allowed in current status")
	ErrNotReceiving    = errors.New("not a receive transfer")
)

var (
	errPeerFailed = errors.New("sender could not serve fragment")
	errDesync     = errors.New("fragment out of sequence")
)

// Service is the file transfer protocol endpoint of one node.
type Service struct {
	bus         Bus
	dir         string
	maxFragment uint64
	events      chan Event

	mu      sync.Mutex
	id      string
	started bool
	records map[Key]*Record
}

// New creates a Service.
func New(bus Bus, cfg Config) *Service {
	if cfg.Dir == "" {
		cfg.Dir = DefaultDir
	}
	if cfg.MaxFragmentSize == 0 {
		cfg.MaxFragmentSize = DefaultMaxFragmentSize
	}
	dir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		dir = filepath.Clean(cfg.Dir)
	}
	return &Service{
		bus:         bus,
		dir:         dir,
		maxFragment: cfg.MaxFragmentSize,
		events:      make(chan Event, 256),
		id:          cfg.ID,
		records:     make(map[Key]*Record),
	}
}

// Events delivers notifications for local consumers.
func (s *Service) Events() <-chan Event {
	return s.events
}

// Start subscribes to the file channels of the local identity.
func (s *Service) Start() {
	s.mu.Lock()
	s.started = true
	id := s.id
	s.mu.Unlock()
	s.subscribeOwn(id)
}

// ID returns the identity files are addressed to.
func (s *Service) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// SetID moves the service to a new identity, re-subscribing if started.
func (s *Service) SetID(id string) {
	s.mu.Lock()
	old := s.id
	s.id = id
	started := s.started
	s.mu.Unlock()

	if !started || old == id {
		return
	}
	s.bus.Unsubscribe(protocol.Channel(protocol.KindFileInfo, old))
	s.bus.Unsubscribe(protocol.Channel(protocol.KindFileContents, old))
	s.subscribeOwn(id)
}

// SendFile offers the file at path to the user with id to. The file is
// identified to the peer by its base name only, so two files with the same
// base name cannot be offered to one peer at the same time.
func (s *Service) SendFile(to, path string) error {
	if to == "" {
		return ErrEmptyRecipient
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	st, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if !st.Mode().IsRegular() {
		return fmt.Errorf("%s: %w", path, ErrNotFile)
	}

	key := Key{Direction: Send, Peer: to, Name: filepath.Base(abs)}
	s.mu.Lock()
	if _, ok := s.records[key]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%s to %s: %w", key.Name, to, ErrAlreadySending)
	}
	rec := &Record{
		Key:     key,
		Path:    abs,
		Size:    uint64(st.Size()),
		ModTime: st.ModTime(),
		Status:  StatusPending,
	}
	s.records[key] = rec
	info := &protocol.FileInfo{
		Sender:           s.id,
		Name:             key.Name,
		ModificationDate: rec.ModTime,
		Size:             rec.Size,
	}
	s.mu.Unlock()

	if err := s.publish(to, info); err != nil {
		s.mu.Lock()
		delete(s.records, key)
		s.mu.Unlock()
		return err
	}
	log.Printf("Offered %s (%d bytes) to %s", key.Name, rec.Size, to)
	return nil
}

// Receive starts pulling a pending file, or resumes a paused one.
func (s *Service) Receive(peer, name string) error {
	s.mu.Lock()
	rec, err := s.receiving(peer, name)
	var req *protocol.FileContents
	if err == nil {
		switch rec.Status {
		case StatusStarted:
		case StatusPending:
			req, err = s.begin(rec)
		case StatusPaused:
			s.setStatus(rec, StatusStarted)
			req = s.issue(rec)
		default:
			err = fmt.Errorf("cannot receive %s in status %s: %w", name, rec.Status, ErrInvalidStatus)
		}
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.request(rec, peer, req)
}

// Pause stops pulling. A fragment already in flight is discarded on arrival.
func (s *Service) Pause(peer, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.receiving(peer, name)
	if err != nil {
		return err
	}
	switch rec.Status {
	case StatusPaused:
		return nil
	case StatusStarted:
		s.setStatus(rec, StatusPaused)
		return nil
	default:
		return fmt.Errorf("cannot pause %s in status %s: %w", name, rec.Status, ErrInvalidStatus)
	}
}

// Cancel deletes the partial file and returns the record to Pending.
func (s *Service) Cancel(peer, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.receiving(peer, name)
	if err != nil {
		return err
	}
	return s.reset(rec)
}

// Restart discards any progress and pulls the file again from the start.
func (s *Service) Restart(peer, name string) error {
	s.mu.Lock()
	rec, err := s.receiving(peer, name)
	var req *protocol.FileContents
	if err == nil {
		err = s.reset(rec)
	}
	if err == nil {
		req, err = s.begin(rec)
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.request(rec, peer, req)
}

// Remove forgets a transfer. For a received file the local copy is deleted
// too; for an offered file the peer is not told.
func (s *Service) Remove(peer, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := Key{Direction: Receive, Peer: peer, Name: name}
	if rec, ok := s.records[key]; ok {
		delete(s.records, key)
		if err := removeFile(rec.Path); err != nil {
			return err
		}
		log.Printf("Removed %s from %s", name, peer)
		return nil
	}
	key.Direction = Send
	if _, ok := s.records[key]; ok {
		delete(s.records, key)
		return nil
	}
	return fmt.Errorf("%s with %s: %w", name, peer, ErrUnknownTransfer)
}

// Rename moves the local file of a receive record. The protocol name the
// sender announced does not change.
func (s *Service) Rename(oldPath, newPath string) error {
	oldAbs, err := filepath.Abs(oldPath)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", oldPath, err)
	}
	newAbs, err := filepath.Abs(newPath)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", newPath, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.lookup(oldAbs)
	if rec == nil {
		return fmt.Errorf("%s: %w", oldPath, ErrUnknownTransfer)
	}
	if rec.Key.Direction != Receive {
		return fmt.Errorf("%s: %w", oldPath, ErrNotReceiving)
	}
	if err := os.Rename(oldAbs, newAbs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to rename %s: %w", oldPath, err)
	}
	rec.Path = newAbs
	return nil
}

// Paths returns the local paths of the transfers with peer, or of all
// transfers when peer is empty.
func (s *Service) Paths(peer string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for key, rec := range s.records {
		if peer == "" || key.Peer == peer {
			out = append(out, rec.Path)
		}
	}
	sort.Strings(out)
	return out
}

// Lookup finds the transfer a local path belongs to. Receive records win
// over send records sharing the path.
func (s *Service) Lookup(path string) (Key, bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Key{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec := s.lookup(abs); rec != nil {
		return rec.Key, true
	}
	return Key{}, false
}

// Record returns a copy of the record for key.
func (s *Service) Record(key Key) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Records returns copies of all records.
func (s *Service) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key, out[j].Key
		if a.Direction != b.Direction {
			return a.Direction < b.Direction
		}
		if a.Peer != b.Peer {
			return a.Peer < b.Peer
		}
		return a.Name < b.Name
	})
	return out
}

// Handle processes a data event on a file channel. Payloads that do not
// decode are dropped.
func (s *Service) Handle(channel string, payload []byte) {
	kind, _ := protocol.SplitChannel(channel)
	var err error
	switch kind {
	case protocol.KindFileInfo:
		var info protocol.FileInfo
		if err = info.Decode(payload); err == nil {
			s.handleFileInfo(info)
		}
	case protocol.KindFileContents:
		var contents protocol.FileContents
		if err = contents.Decode(payload); err == nil {
			if contents.IsRequest() {
				s.handleRequest(contents)
			} else {
				s.handleReply(contents)
			}
		}
	default:
		err = fmt.Errorf("unexpected channel %q", channel)
	}
	if err != nil {
		log.Printf("Dropping transfer event on %s: %v", channel, err)
	}
}

func (s *Service) handleFileInfo(info protocol.FileInfo) {
	if !validName(info.Sender) || !validName(info.Name) {
		log.Printf("Ignoring offer of %q from %q: invalid name", info.Name, info.Sender)
		return
	}
	key := Key{Direction: Receive, Peer: info.Sender, Name: info.Name}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[key]; ok {
		return
	}
	rec := &Record{
		Key:     key,
		Path:    s.receivePath(info.Sender, info.Name),
		Size:    info.Size,
		ModTime: info.ModificationDate,
		Status:  StatusPending,
	}
	s.records[key] = rec
	log.Printf("%s offers %s (%d bytes)", info.Sender, info.Name, info.Size)
	s.emit(Event{Kind: EventFileAboutToReceive, Key: key, Path: rec.Path, Status: rec.Status, Size: rec.Size})
}

// handleRequest serves a fragment of a file we offered. Requests for files
// we no longer offer are dropped.
func (s *Service) handleRequest(req protocol.FileContents) {
	key := Key{Direction: Send, Peer: req.Sender, Name: req.Name}
	s.mu.Lock()
	rec, ok := s.records[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	path := rec.Path
	id := s.id
	s.mu.Unlock()

	contents, err := readFragment(path, req.Offset, req.Size)
	if err != nil {
		log.Printf("Failed to serve %s to %s: %v", req.Name, req.Sender, err)
		contents = []byte{}
	}
	reply := &protocol.FileContents{
		Sender:   id,
		Name:     req.Name,
		Offset:   req.Offset,
		Size:     uint64(len(contents)),
		Contents: contents,
	}
	if err := s.publish(req.Sender, reply); err != nil {
		log.Printf("Failed to reply to %s: %v", req.Sender, err)
		return
	}
	if len(contents) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok = s.records[key]; !ok {
		return
	}
	rec.Offset = req.Offset + reply.Size
	if rec.Offset >= rec.Size {
		s.setStatus(rec, StatusFinished)
	} else {
		s.setStatus(rec, StatusStarted)
	}
	s.emit(Event{Kind: EventFragmentSent, Key: key, Path: rec.Path, Status: rec.Status, Offset: req.Offset, Size: reply.Size})
}

func (s *Service) handleReply(reply protocol.FileContents) {
	key := Key{Direction: Receive, Peer: reply.Sender, Name: reply.Name}
	s.mu.Lock()
	rec, ok := s.records[key]
	if !ok || !rec.inflight {
		s.mu.Unlock()
		return
	}
	rec.inflight = false

	var req *protocol.FileContents
	switch {
	case rec.deferred:
		// The reply answers a request of an abandoned pull loop.
		rec.deferred = false
		if rec.Status == StatusStarted {
			req = s.issue(rec)
		}
	case rec.Status != StatusStarted:
	default:
		var err error
		if req, err = s.appendFragment(rec, reply); err != nil {
			log.Printf("Receiving %s from %s failed: %v", reply.Name, reply.Sender, err)
			s.setStatus(rec, StatusError)
		}
	}
	s.mu.Unlock()

	if err := s.request(rec, reply.Sender, req); err != nil {
		log.Printf("Failed to request next fragment of %s: %v", reply.Name, err)
	}
}

// appendFragment writes a reply to the local file and returns the request
// for the next fragment, or nil once the file is complete.
func (s *Service) appendFragment(rec *Record, reply protocol.FileContents) (*protocol.FileContents, error) {
	if len(reply.Contents) == 0 {
		return nil, errPeerFailed
	}
	if reply.Offset != rec.Offset {
		return nil, fmt.Errorf("%w: got offset %d, expected %d", errDesync, reply.Offset, rec.Offset)
	}
	n := uint64(len(reply.Contents))
	if n > rec.Size-rec.Offset {
		return nil, fmt.Errorf("%w: %d bytes at %d overrun size %d", errDesync, n, rec.Offset, rec.Size)
	}

	f, err := os.OpenFile(rec.Path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", rec.Path, err)
	}
	pos, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to seek %s: %w", rec.Path, err)
	}
	if uint64(pos) != rec.Offset {
		f.Close()
		return nil, fmt.Errorf("%w: local file holds %d bytes, expected %d", errDesync, pos, rec.Offset)
	}
	_, err = f.Write(reply.Contents)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", rec.Path, err)
	}

	rec.Offset += n
	s.emit(Event{Kind: EventFragmentReceived, Key: rec.Key, Path: rec.Path, Status: rec.Status, Offset: reply.Offset, Size: n})
	if rec.Offset < rec.Size {
		return s.issue(rec), nil
	}
	return nil, s.finish(rec)
}

// begin starts a pending record from offset zero. Called with s.mu held.
func (s *Service) begin(rec *Record) (*protocol.FileContents, error) {
	if err := removeFile(rec.Path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(rec.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", rec.Path, err)
	}
	rec.Offset = 0
	if rec.Size == 0 {
		if err := os.WriteFile(rec.Path, nil, 0o644); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", rec.Path, err)
		}
		return nil, s.finish(rec)
	}
	s.setStatus(rec, StatusStarted)
	return s.issue(rec), nil
}

// reset deletes local progress and returns rec to Pending. Called with s.mu held.
func (s *Service) reset(rec *Record) error {
	if err := removeFile(rec.Path); err != nil {
		return err
	}
	rec.Offset = 0
	rec.deferred = false
	s.setStatus(rec, StatusPending)
	return nil
}

func (s *Service) finish(rec *Record) error {
	if err := os.Chtimes(rec.Path, rec.ModTime, rec.ModTime); err != nil {
		s.setStatus(rec, StatusError)
		return fmt.Errorf("failed to restore modification time of %s: %w", rec.Path, err)
	}
	s.setStatus(rec, StatusFinished)
	log.Printf("Received %s from %s", rec.Key.Name, rec.Key.Peer)
	return nil
}

// issue returns the request for the next fragment of rec. While an earlier
// request is unanswered it returns nil instead; that reply is then discarded
// and the request sent in its place. Called with s.mu held.
func (s *Service) issue(rec *Record) *protocol.FileContents {
	if rec.inflight {
		rec.deferred = true
		return nil
	}
	rec.inflight = true
	return s.nextRequest(rec)
}

func (s *Service) nextRequest(rec *Record) *protocol.FileContents {
	return &protocol.FileContents{
		Sender: s.id,
		Name:   rec.Key.Name,
		Offset: rec.Offset,
		Size:   min(rec.Size-rec.Offset, s.maxFragment),
	}
}

func (s *Service) receiving(peer, name string) (*Record, error) {
	rec, ok := s.records[Key{Direction: Receive, Peer: peer, Name: name}]
	if !ok {
		return nil, fmt.Errorf("%s from %s: %w", name, peer, ErrUnknownTransfer)
	}
	return rec, nil
}

func (s *Service) lookup(path string) *Record {
	var found *Record
	for _, rec := range s.records {
		if rec.Path != path {
			continue
		}
		if rec.Key.Direction == Receive {
			return rec
		}
		found = rec
	}
	return found
}

// receivePath picks Dir/<sender>/<name>, adding a "(n)" suffix before the
// extension while the path is taken on disk or by another record.
func (s *Service) receivePath(sender, name string) string {
	dir := filepath.Join(s.dir, sender)
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)

	path := filepath.Join(dir, name)
	for i := 1; s.occupied(path); i++ {
		path = filepath.Join(dir, fmt.Sprintf("%s(%d)%s", base, i, ext))
	}
	return path
}

func (s *Service) occupied(path string) bool {
	for _, rec := range s.records {
		if rec.Key.Direction == Receive && rec.Path == path {
			return true
		}
	}
	_, err := os.Lstat(path)
	return !errors.Is(err, fs.ErrNotExist)
}

func (s *Service) setStatus(rec *Record, status Status) {
	if rec.Status == status {
		return
	}
	rec.Status = status
	s.emit(Event{Kind: EventStatusChanged, Key: rec.Key, Path: rec.Path, Status: status, Offset: rec.Offset})
}

// request publishes req for rec. A request that never left cannot be
// answered, so rec no longer waits for it.
func (s *Service) request(rec *Record, peer string, req *protocol.FileContents) error {
	if req == nil {
		return nil
	}
	if err := s.publish(peer, req); err != nil {
		s.mu.Lock()
		rec.inflight = false
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Service) publish(to string, p protocol.Payload) error {
	data, err := p.Encode()
	if err != nil {
		return err
	}
	if err := s.bus.Publish(protocol.Channel(p.Kind(), to), data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", p.Kind(), err)
	}
	return nil
}

func (s *Service) subscribeOwn(id string) {
	s.bus.Subscribe(protocol.Channel(protocol.KindFileInfo, id))
	s.bus.Subscribe(protocol.Channel(protocol.KindFileContents, id))
}

func (s *Service) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		log.Printf("Transfer event queue full, dropping %s", ev.Kind)
	}
}

func readFragment(path string, offset, size uint64) ([]byte, error) {
	if size == 0 {
		return nil, errors.New("empty fragment requested")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat: %w", err)
	}
	total := uint64(st.Size())
	if offset > total || size > total-offset {
		return nil, fmt.Errorf("fragment %d+%d beyond %d bytes: %w", offset, size, total, io.ErrUnexpectedEOF)
	}
	buf := make([]byte, size)
	if n, err := f.ReadAt(buf, int64(offset)); n != len(buf) {
		return nil, fmt.Errorf("failed to read fragment: %w", err)
	}
	return buf, nil
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

// validName rejects names that would escape the sender's directory.
func validName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, `/\`)
}
