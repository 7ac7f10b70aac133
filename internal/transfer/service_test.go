package transfer_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/lanmesh/internal/transfer"
	"github.com/omochice/lanmesh/pkg/protocol"
)

const fragment = 1 << 20

var mtime = time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)

type message struct {
	from    *fakeBus
	channel string
	payload []byte
}

// network delivers published payloads to subscribed services one at a time,
// only when the test pumps it.
type network struct {
	t      *testing.T
	queue  []message
	buses  []*fakeBus
	tamper func(*message)

	requests int
	replies  int
}

type fakeBus struct {
	net  *network
	subs map[string]bool
	svc  *transfer.Service
}

func (b *fakeBus) Subscribe(channel string)   { b.subs[channel] = true }
func (b *fakeBus) Unsubscribe(channel string) { delete(b.subs, channel) }

func (b *fakeBus) Publish(channel string, payload []byte) error {
	b.net.queue = append(b.net.queue, message{from: b, channel: channel, payload: payload})
	return nil
}

func (n *network) join(id, dir string) *transfer.Service {
	b := &fakeBus{net: n, subs: make(map[string]bool)}
	b.svc = transfer.New(b, transfer.Config{ID: id, Dir: dir, MaxFragmentSize: fragment})
	b.svc.Start()
	n.buses = append(n.buses, b)
	return b.svc
}

func (n *network) step() bool {
	if len(n.queue) == 0 {
		return false
	}
	m := n.queue[0]
	n.queue = n.queue[1:]

	if kind, _ := protocol.SplitChannel(m.channel); kind == protocol.KindFileContents {
		var fc protocol.FileContents
		require.NoError(n.t, fc.Decode(m.payload))
		if fc.IsRequest() {
			n.requests++
		} else {
			n.replies++
			if n.tamper != nil {
				n.tamper(&m)
			}
		}
	}
	for _, b := range n.buses {
		if b != m.from && b.subs[m.channel] {
			b.svc.Handle(m.channel, m.payload)
		}
	}
	return true
}

func (n *network) drain() {
	for i := 0; n.step(); i++ {
		require.Less(n.t, i, 1000, "network did not settle")
	}
}

func drainEvents(svc *transfer.Service) []transfer.Event {
	var out []transfer.Event
	for {
		select {
		case ev := <-svc.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func writeSource(t *testing.T, name string, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i * 7 % 251)
	}
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
	return path, data
}

type pair struct {
	net   *network
	alice *transfer.Service
	bob   *transfer.Service
	inbox string
}

func newPair(t *testing.T) *pair {
	n := &network{t: t}
	inbox := t.TempDir()
	return &pair{
		net:   n,
		alice: n.join("alice", t.TempDir()),
		bob:   n.join("bob", inbox),
		inbox: inbox,
	}
}

// offer makes alice offer a file to bob and returns bob's receive key.
func (p *pair) offer(t *testing.T, name string, size int) (transfer.Key, []byte) {
	t.Helper()
	src, data := writeSource(t, name, size)
	require.NoError(t, p.alice.SendFile("bob", src))
	p.net.drain()
	return transfer.Key{Direction: transfer.Receive, Peer: "alice", Name: name}, data
}

func (p *pair) record(t *testing.T, key transfer.Key) transfer.Record {
	t.Helper()
	rec, ok := p.bob.Record(key)
	require.True(t, ok)
	return rec
}

func TestTransfer_FragmentedPull(t *testing.T) {
	p := newPair(t)
	key, data := p.offer(t, "data.bin", 3*fragment)

	rec := p.record(t, key)
	assert.Equal(t, transfer.StatusPending, rec.Status)
	assert.Equal(t, filepath.Join(p.inbox, "alice", "data.bin"), rec.Path)
	assert.Equal(t, uint64(3*fragment), rec.Size)

	events := drainEvents(p.bob)
	require.Len(t, events, 1)
	assert.Equal(t, transfer.EventFileAboutToReceive, events[0].Kind)
	assert.Equal(t, key, events[0].Key)

	require.NoError(t, p.bob.Receive("alice", "data.bin"))
	p.net.drain()

	assert.Equal(t, 3, p.net.requests)
	assert.Equal(t, 3, p.net.replies)

	rec = p.record(t, key)
	assert.Equal(t, transfer.StatusFinished, rec.Status)
	assert.Equal(t, uint64(3*fragment), rec.Offset)

	got, err := os.ReadFile(rec.Path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	st, err := os.Stat(rec.Path)
	require.NoError(t, err)
	assert.True(t, st.ModTime().Equal(mtime), "mtime %v", st.ModTime())

	var received int
	for _, ev := range drainEvents(p.bob) {
		if ev.Kind == transfer.EventFragmentReceived {
			assert.Equal(t, uint64(received*fragment), ev.Offset)
			assert.Equal(t, uint64(fragment), ev.Size)
			received++
		}
	}
	assert.Equal(t, 3, received)

	sent, ok := p.alice.Record(transfer.Key{Direction: transfer.Send, Peer: "bob", Name: "data.bin"})
	require.True(t, ok)
	assert.Equal(t, transfer.StatusFinished, sent.Status)
	var served int
	for _, ev := range drainEvents(p.alice) {
		if ev.Kind == transfer.EventFragmentSent {
			served++
		}
	}
	assert.Equal(t, 3, served)
}

func TestTransfer_LastFragmentShorter(t *testing.T) {
	p := newPair(t)
	key, data := p.offer(t, "odd.bin", 2*fragment+17)

	require.NoError(t, p.bob.Receive("alice", "odd.bin"))
	p.net.drain()

	assert.Equal(t, 3, p.net.requests)
	rec := p.record(t, key)
	assert.Equal(t, transfer.StatusFinished, rec.Status)
	got, err := os.ReadFile(rec.Path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestTransfer_OffsetMismatchThenRestart(t *testing.T) {
	p := newPair(t)
	key, data := p.offer(t, "data.bin", 3*fragment)

	replies := 0
	p.net.tamper = func(m *message) {
		replies++
		if replies != 2 {
			return
		}
		var fc protocol.FileContents
		require.NoError(t, fc.Decode(m.payload))
		fc.Offset++
		payload, err := fc.Encode()
		require.NoError(t, err)
		m.payload = payload
	}

	require.NoError(t, p.bob.Receive("alice", "data.bin"))
	p.net.drain()

	rec := p.record(t, key)
	assert.Equal(t, transfer.StatusError, rec.Status)
	assert.Equal(t, 2, p.net.requests, "no retry after a desync")
	assert.Equal(t, uint64(fragment), rec.Offset)

	assert.ErrorIs(t, p.bob.Receive("alice", "data.bin"), transfer.ErrInvalidStatus)

	p.net.tamper = nil
	p.net.requests = 0
	require.NoError(t, p.bob.Restart("alice", "data.bin"))

	rec = p.record(t, key)
	assert.Equal(t, transfer.StatusStarted, rec.Status)
	assert.Equal(t, uint64(0), rec.Offset)
	_, err := os.Stat(rec.Path)
	assert.True(t, os.IsNotExist(err), "restart truncates progress")

	p.net.drain()
	assert.Equal(t, 3, p.net.requests)
	rec = p.record(t, key)
	assert.Equal(t, transfer.StatusFinished, rec.Status)
	got, err := os.ReadFile(rec.Path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestTransfer_LocalFileTamperedWith(t *testing.T) {
	p := newPair(t)
	key, _ := p.offer(t, "data.bin", 2*fragment)

	require.NoError(t, p.bob.Receive("alice", "data.bin"))
	p.net.step() // request reaches alice
	p.net.step() // first fragment reaches bob, next request queued

	rec := p.record(t, key)
	f, err := os.OpenFile(rec.Path, os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = f.Write([]byte("junk"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	p.net.drain()
	assert.Equal(t, transfer.StatusError, p.record(t, key).Status)
}

func TestTransfer_RemoveMidTransfer(t *testing.T) {
	p := newPair(t)
	key, _ := p.offer(t, "data.bin", 3*fragment)

	require.NoError(t, p.bob.Receive("alice", "data.bin"))
	p.net.step()
	p.net.step()

	rec := p.record(t, key)
	st, err := os.Stat(rec.Path)
	require.NoError(t, err)
	assert.Equal(t, int64(fragment), st.Size())

	require.NoError(t, p.bob.Remove("alice", "data.bin"))
	_, err = os.Stat(rec.Path)
	assert.True(t, os.IsNotExist(err))
	_, ok := p.bob.Record(key)
	assert.False(t, ok)

	p.net.drain()
	_, err = os.Stat(rec.Path)
	assert.True(t, os.IsNotExist(err), "late fragment must not recreate the file")
	assert.ErrorIs(t, p.bob.Remove("alice", "data.bin"), transfer.ErrUnknownTransfer)
}

func TestTransfer_PauseDiscardsInflightReply(t *testing.T) {
	p := newPair(t)
	key, data := p.offer(t, "data.bin", 2*fragment)

	require.NoError(t, p.bob.Receive("alice", "data.bin"))
	p.net.step() // alice answers the first request
	require.NoError(t, p.bob.Pause("alice", "data.bin"))
	p.net.drain()

	rec := p.record(t, key)
	assert.Equal(t, transfer.StatusPaused, rec.Status)
	assert.Equal(t, uint64(0), rec.Offset)
	assert.Equal(t, 1, p.net.requests)

	require.NoError(t, p.bob.Receive("alice", "data.bin"))
	p.net.drain()

	rec = p.record(t, key)
	assert.Equal(t, transfer.StatusFinished, rec.Status)
	got, err := os.ReadFile(rec.Path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestTransfer_RestartWhileStarted(t *testing.T) {
	p := newPair(t)
	key, data := p.offer(t, "data.bin", 3*fragment)

	require.NoError(t, p.bob.Receive("alice", "data.bin"))
	p.net.step() // request reaches alice
	p.net.step() // first fragment appended, second request queued
	require.Equal(t, uint64(fragment), p.record(t, key).Offset)

	require.NoError(t, p.bob.Restart("alice", "data.bin"))
	rec := p.record(t, key)
	assert.Equal(t, transfer.StatusStarted, rec.Status)
	assert.Equal(t, uint64(0), rec.Offset)

	// The reply to the second request belongs to the old loop.
	p.net.drain()

	rec = p.record(t, key)
	assert.Equal(t, transfer.StatusFinished, rec.Status)
	assert.Equal(t, 5, p.net.requests)
	got, err := os.ReadFile(rec.Path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestTransfer_ResumeBeforeReplyArrives(t *testing.T) {
	p := newPair(t)
	key, data := p.offer(t, "data.bin", 2*fragment)

	require.NoError(t, p.bob.Receive("alice", "data.bin"))
	require.NoError(t, p.bob.Pause("alice", "data.bin"))
	require.NoError(t, p.bob.Receive("alice", "data.bin"))
	assert.Equal(t, 1, len(p.net.queue), "resuming waits for the outstanding reply")

	p.net.drain()

	rec := p.record(t, key)
	assert.Equal(t, transfer.StatusFinished, rec.Status)
	assert.Equal(t, 3, p.net.requests)
	got, err := os.ReadFile(rec.Path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestTransfer_RestartAfterCancelMidFlight(t *testing.T) {
	p := newPair(t)
	key, data := p.offer(t, "data.bin", 2*fragment)

	require.NoError(t, p.bob.Receive("alice", "data.bin"))
	require.NoError(t, p.bob.Cancel("alice", "data.bin"))
	require.NoError(t, p.bob.Receive("alice", "data.bin"))
	p.net.drain()

	rec := p.record(t, key)
	assert.Equal(t, transfer.StatusFinished, rec.Status)
	got, err := os.ReadFile(rec.Path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestTransfer_UnsolicitedReplyIgnored(t *testing.T) {
	p := newPair(t)
	key, _ := p.offer(t, "data.bin", 2*fragment)

	require.NoError(t, p.bob.Receive("alice", "data.bin"))
	p.net.drain()
	require.Equal(t, transfer.StatusFinished, p.record(t, key).Status)

	// A duplicate of the last reply.
	dup := &protocol.FileContents{Sender: "alice", Name: "data.bin", Offset: fragment, Size: 1, Contents: []byte{1}}
	payload, err := dup.Encode()
	require.NoError(t, err)
	p.bob.Handle(protocol.Channel(protocol.KindFileContents, "bob"), payload)

	assert.Equal(t, transfer.StatusFinished, p.record(t, key).Status)
}

func TestTransfer_Cancel(t *testing.T) {
	p := newPair(t)
	key, _ := p.offer(t, "data.bin", 3*fragment)

	require.NoError(t, p.bob.Receive("alice", "data.bin"))
	p.net.step()
	p.net.step()
	require.NoError(t, p.bob.Cancel("alice", "data.bin"))

	rec := p.record(t, key)
	assert.Equal(t, transfer.StatusPending, rec.Status)
	assert.Equal(t, uint64(0), rec.Offset)
	_, err := os.Stat(rec.Path)
	assert.True(t, os.IsNotExist(err))

	p.net.drain()
	assert.Equal(t, transfer.StatusPending, p.record(t, key).Status, "in-flight reply is ignored")
}

func TestTransfer_EmptyFileFinishesImmediately(t *testing.T) {
	p := newPair(t)
	key, _ := p.offer(t, "empty.txt", 0)

	require.NoError(t, p.bob.Receive("alice", "empty.txt"))
	assert.Empty(t, p.net.queue)

	rec := p.record(t, key)
	assert.Equal(t, transfer.StatusFinished, rec.Status)
	st, err := os.Stat(rec.Path)
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.Size())
	assert.True(t, st.ModTime().Equal(mtime))
}

func TestTransfer_SenderLostFile(t *testing.T) {
	p := newPair(t)
	src, _ := writeSource(t, "gone.bin", fragment)
	require.NoError(t, p.alice.SendFile("bob", src))
	p.net.drain()
	require.NoError(t, os.Remove(src))

	require.NoError(t, p.bob.Receive("alice", "gone.bin"))
	p.net.drain()

	rec := p.record(t, transfer.Key{Direction: transfer.Receive, Peer: "alice", Name: "gone.bin"})
	assert.Equal(t, transfer.StatusError, rec.Status)
}

func TestTransfer_UnknownRequestDropped(t *testing.T) {
	p := newPair(t)
	req := &protocol.FileContents{Sender: "bob", Name: "nothing.bin", Offset: 0, Size: 10}
	payload, err := req.Encode()
	require.NoError(t, err)

	p.alice.Handle("FileContents_alice", payload)
	assert.Empty(t, p.net.queue)
	assert.Empty(t, drainEvents(p.alice))
}

func TestTransfer_DuplicateAnnounce(t *testing.T) {
	p := newPair(t)
	src, _ := writeSource(t, "data.bin", 10)

	require.NoError(t, p.alice.SendFile("bob", src))
	assert.ErrorIs(t, p.alice.SendFile("bob", src), transfer.ErrAlreadySending)
	require.NoError(t, p.alice.SendFile("carol", src), "same name to another peer is fine")

	p.net.drain()
	payload, err := (&protocol.FileInfo{Sender: "alice", Name: "data.bin", Size: 10}).Encode()
	require.NoError(t, err)
	p.bob.Handle("FileInfo_bob", payload)

	events := drainEvents(p.bob)
	require.Len(t, events, 1)
	assert.Len(t, p.bob.Records(), 1)
}

func TestTransfer_SendFileErrors(t *testing.T) {
	p := newPair(t)
	assert.ErrorIs(t, p.alice.SendFile("", "x"), transfer.ErrEmptyRecipient)
	assert.ErrorIs(t, p.alice.SendFile("bob", t.TempDir()), transfer.ErrNotFile)
	assert.Error(t, p.alice.SendFile("bob", filepath.Join(t.TempDir(), "missing")))
	assert.Empty(t, p.alice.Records())
}

func TestTransfer_PathDisambiguation(t *testing.T) {
	p := newPair(t)
	dir := filepath.Join(p.inbox, "alice")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "report.txt"), []byte("old"), 0o644))

	key, _ := p.offer(t, "report.txt", 5)
	assert.Equal(t, filepath.Join(dir, "report(1).txt"), p.record(t, key).Path)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), nil, 0o644))
	key, _ = p.offer(t, "README", 5)
	assert.Equal(t, filepath.Join(dir, "README(1)"), p.record(t, key).Path)
}

func TestTransfer_RejectsEscapingNames(t *testing.T) {
	p := newPair(t)
	for _, name := range []string{"", ".", "..", "../evil", `a\b`} {
		payload, err := (&protocol.FileInfo{Sender: "alice", Name: name, Size: 1}).Encode()
		require.NoError(t, err)
		p.bob.Handle("FileInfo_bob", payload)
	}
	assert.Empty(t, p.bob.Records())
}

func TestTransfer_RenameAndLookup(t *testing.T) {
	p := newPair(t)
	key, data := p.offer(t, "data.bin", 100)

	rec := p.record(t, key)
	got, ok := p.bob.Lookup(rec.Path)
	require.True(t, ok)
	assert.Equal(t, key, got)
	assert.Equal(t, []string{rec.Path}, p.bob.Paths("alice"))
	assert.Empty(t, p.bob.Paths("carol"))

	newPath := filepath.Join(t.TempDir(), "renamed.bin")
	require.NoError(t, p.bob.Rename(rec.Path, newPath))
	require.NoError(t, p.bob.Receive("alice", "data.bin"))
	p.net.drain()

	out, err := os.ReadFile(newPath)
	require.NoError(t, err)
	assert.Equal(t, data, out)
	_, ok = p.bob.Lookup(rec.Path)
	assert.False(t, ok)

	sent := p.alice.Paths("bob")
	require.Len(t, sent, 1)
	assert.ErrorIs(t, p.alice.Rename(sent[0], newPath), transfer.ErrNotReceiving)
	assert.ErrorIs(t, p.bob.Rename("/nowhere", newPath), transfer.ErrUnknownTransfer)
}

func TestTransfer_RemoveSendRecordKeepsFile(t *testing.T) {
	p := newPair(t)
	src, _ := writeSource(t, "keep.bin", 10)
	require.NoError(t, p.alice.SendFile("bob", src))

	require.NoError(t, p.alice.Remove("bob", "keep.bin"))
	_, err := os.Stat(src)
	assert.NoError(t, err)
	assert.Empty(t, p.alice.Records())
}

func TestTransfer_SetIDResubscribes(t *testing.T) {
	n := &network{t: t}
	svc := n.join("old", t.TempDir())
	bus := n.buses[0]

	svc.SetID("new")
	assert.Equal(t, "new", svc.ID())
	assert.False(t, bus.subs["FileInfo_old"])
	assert.False(t, bus.subs["FileContents_old"])
	assert.True(t, bus.subs["FileInfo_new"])
	assert.True(t, bus.subs["FileContents_new"])
}

func TestTransfer_PauseRequiresStarted(t *testing.T) {
	p := newPair(t)
	p.offer(t, "data.bin", 10)
	assert.ErrorIs(t, p.bob.Pause("alice", "data.bin"), transfer.ErrInvalidStatus)
	assert.ErrorIs(t, p.bob.Pause("alice", "other.bin"), transfer.ErrUnknownTransfer)
}

func TestStatus_String(t *testing.T) {
	tests := []struct {
		status transfer.Status
		want   string
	}{
		{transfer.StatusPending, "pending"},
		{transfer.StatusStarted, "started"},
		{transfer.StatusPaused, "paused"},
		{transfer.StatusFinished, "finished"},
		{transfer.StatusError, "error"},
		{transfer.Status(42), "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.String())
		})
	}
}
