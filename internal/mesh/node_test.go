package mesh_test

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/lanmesh/internal/config"
	"github.com/omochice/lanmesh/internal/mesh"
	"github.com/omochice/lanmesh/internal/presence"
	"github.com/omochice/lanmesh/internal/transfer"
)

var loopback = net.ParseIP("127.0.0.1")

type testNode struct {
	*mesh.Node
	settingsPath string
	filesDir     string
}

func startNode(t *testing.T, id, name string, mutate ...func(*config.Config)) *testNode {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.DiscoveryPort = 0
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.SweepInterval = 50 * time.Millisecond
	cfg.LivenessTimeout = 500 * time.Millisecond
	cfg.MaxFragmentSize = 64 << 10
	cfg.FilesDir = filepath.Join(dir, "files")
	cfg.SettingsPath = filepath.Join(dir, "settings.json")
	for _, m := range mutate {
		m(&cfg)
	}

	n := mesh.New(cfg, config.Settings{ID: id, Name: name})
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(n.Stop)
	return &testNode{Node: n, settingsPath: cfg.SettingsPath, filesDir: cfg.FilesDir}
}

func link(t *testing.T, a, b *testNode) {
	t.Helper()
	a.Connect(loopback, b.Port())
	b.Connect(loopback, a.Port())
	require.Eventually(t, func() bool {
		return a.PeerCount() == 1 && b.PeerCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func knows(n *testNode, id string) bool {
	for _, u := range n.Users() {
		if u.ID == id {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, events <-chan mesh.Event, match func(mesh.Event) bool) mesh.Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "event stream closed")
			if match(ev) {
				return ev
			}
		case <-timeout:
			t.Fatal("timed out waiting for event")
			return mesh.Event{}
		}
	}
}

func TestNode_PresenceAndMessages(t *testing.T) {
	alice := startNode(t, "alice", "Alice")
	bob := startNode(t, "bob", "Bob")
	events, stop := bob.Watch()
	defer stop()

	link(t, alice, bob)
	require.Eventually(t, func() bool {
		return knows(alice, "bob") && knows(bob, "alice")
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, alice.SendMessage("bob", "hello bob"))
	ev := waitFor(t, events, func(ev mesh.Event) bool {
		return ev.Presence != nil && ev.Presence.Kind == presence.EventMessageReceived
	})
	assert.Equal(t, "alice", ev.Presence.Message.Peer)
	assert.Equal(t, "hello bob", ev.Presence.Message.Text)

	require.NoError(t, alice.SendTyping("bob", true))
	ev = waitFor(t, events, func(ev mesh.Event) bool {
		return ev.Presence != nil && ev.Presence.Kind == presence.EventTyping
	})
	assert.True(t, ev.Presence.Typing)

	require.NoError(t, alice.SetName("Alicia"))
	ev = waitFor(t, events, func(ev mesh.Event) bool {
		return ev.Presence != nil && ev.Presence.Kind == presence.EventUserRenamed
	})
	assert.Equal(t, "Alicia", ev.Presence.User.Name)

	saved, err := config.LoadSettings(alice.settingsPath)
	require.NoError(t, err)
	assert.Equal(t, config.Settings{ID: "alice", Name: "Alicia"}, saved)
	assert.ErrorIs(t, alice.SetName(""), mesh.ErrEmptyName)
}

func TestNode_FileTransfer(t *testing.T) {
	alice := startNode(t, "alice", "Alice")
	bob := startNode(t, "bob", "Bob")
	events, stop := bob.Watch()
	defer stop()
	link(t, alice, bob)
	require.Eventually(t, func() bool { return knows(alice, "bob") }, 2*time.Second, 10*time.Millisecond)

	data := bytes.Repeat([]byte("lanmesh "), 40<<10)
	src := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(src, data, 0o644))
	mtime := time.Date(2021, 6, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, os.Chtimes(src, mtime, mtime))

	require.NoError(t, alice.SendFile("bob", src))
	ev := waitFor(t, events, func(ev mesh.Event) bool {
		return ev.Transfer != nil && ev.Transfer.Kind == transfer.EventFileAboutToReceive
	})
	assert.Equal(t, filepath.Join(bob.filesDir, "alice", "notes.txt"), ev.Transfer.Path)

	require.NoError(t, bob.Receive("alice", "notes.txt"))
	waitFor(t, events, func(ev mesh.Event) bool {
		return ev.Transfer != nil && ev.Transfer.Kind == transfer.EventStatusChanged &&
			ev.Transfer.Status == transfer.StatusFinished
	})

	got, err := os.ReadFile(ev.Transfer.Path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	st, err := os.Stat(ev.Transfer.Path)
	require.NoError(t, err)
	assert.True(t, st.ModTime().Equal(mtime))

	records := alice.Transfers()
	require.Len(t, records, 1)
	assert.Equal(t, transfer.Send, records[0].Key.Direction)
	assert.Equal(t, transfer.StatusFinished, records[0].Status)
}

func TestNode_StopAnnouncesOffline(t *testing.T) {
	slow := func(c *config.Config) { c.LivenessTimeout = time.Minute }
	alice := startNode(t, "alice", "Alice", slow)
	bob := startNode(t, "bob", "Bob", slow)
	link(t, alice, bob)
	require.Eventually(t, func() bool { return knows(alice, "bob") }, 2*time.Second, 10*time.Millisecond)

	bob.Stop()
	require.Eventually(t, func() bool { return !knows(alice, "bob") }, 2*time.Second, 10*time.Millisecond)
}

func TestNode_OfflineThenOnline(t *testing.T) {
	alice := startNode(t, "alice", "Alice")
	bob := startNode(t, "bob", "Bob")
	link(t, alice, bob)
	require.Eventually(t, func() bool { return knows(alice, "bob") }, 2*time.Second, 10*time.Millisecond)

	bob.SetOnline(false)
	assert.False(t, bob.Online())
	require.Eventually(t, func() bool { return !knows(alice, "bob") }, 2*time.Second, 10*time.Millisecond)

	bob.SetOnline(true)
	require.Eventually(t, func() bool { return knows(alice, "bob") }, 2*time.Second, 10*time.Millisecond)
}

func TestNode_IdentityCollision(t *testing.T) {
	a := startNode(t, "dup", "A")
	b := startNode(t, "dup", "B")
	link(t, a, b)

	require.Eventually(t, func() bool {
		return a.ID() != b.ID()
	}, 3*time.Second, 10*time.Millisecond)

	for _, n := range []*testNode{a, b} {
		if n.ID() == "dup" {
			continue
		}
		require.Eventually(t, func() bool {
			saved, err := config.LoadSettings(n.settingsPath)
			return err == nil && saved.ID == n.ID()
		}, 2*time.Second, 10*time.Millisecond)
	}
}

func TestNode_WatchUnregister(t *testing.T) {
	n := startNode(t, "solo", "Solo")
	events, stop := n.Watch()
	stop()
	stop()
	_, ok := <-events
	assert.False(t, ok)
}
