package gateway

import (
	"time"

	"github.com/omochice/lanmesh/internal/mesh"
	"github.com/omochice/lanmesh/internal/presence"
	"github.com/omochice/lanmesh/internal/transfer"
)

// Command types accepted from clients.
const (
	CmdSendMessage = "send_message"
	CmdSendTyping  = "send_typing"
	CmdSetName     = "set_name"
	CmdSetOnline   = "set_online"
	CmdSendFile    = "send_file"
	CmdReceive     = "receive"
	CmdPause       = "pause"
	CmdCancel      = "cancel"
	CmdRestart     = "restart"
	CmdRemove      = "remove"
	CmdUsers       = "users"
	CmdTransfers   = "transfers"
)

const (
	TypeHello  = "hello"
	TypeResult = "result"
)

// Command is a request from a client. Which fields apply depends on Type:
// To for messages, typing and send_file; Peer and File name a transfer.
type Command struct {
	Type   string `json:"type"`
	ID     string `json:"id,omitempty"`
	To     string `json:"to,omitempty"`
	Peer   string `json:"peer,omitempty"`
	File   string `json:"file,omitempty"`
	Name   string `json:"name,omitempty"`
	Text   string `json:"text,omitempty"`
	Path   string `json:"path,omitempty"`
	Typing bool   `json:"typing,omitempty"`
	Online bool   `json:"online,omitempty"`
}

// Result answers exactly one Command.
type Result struct {
	Type      string     `json:"type"`
	ID        string     `json:"id,omitempty"`
	Command   string     `json:"command"`
	OK        bool       `json:"ok"`
	Error     string     `json:"error,omitempty"`
	Users     []User     `json:"users,omitempty"`
	Transfers []Transfer `json:"transfers,omitempty"`
}

// Message is a notification pushed to every client. Type is the presence or
// transfer event kind, or TypeHello right after connecting.
type Message struct {
	Type     string     `json:"type"`
	User     *User      `json:"user,omitempty"`
	Previous string     `json:"previous,omitempty"`
	Peer     string     `json:"peer,omitempty"`
	Text     string     `json:"text,omitempty"`
	Time     *time.Time `json:"time,omitempty"`
	Typing   bool       `json:"typing,omitempty"`
	Transfer *Transfer  `json:"transfer,omitempty"`
	Offset   uint64     `json:"offset,omitempty"`
	Size     uint64     `json:"size,omitempty"`
}

type User struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

type Transfer struct {
	Direction string `json:"direction"`
	Peer      string `json:"peer"`
	File      string `json:"file"`
	Path      string `json:"path"`
	Size      uint64 `json:"size"`
	Offset    uint64 `json:"offset"`
	Status    string `json:"status"`
}

func userOf(u presence.User) User {
	out := User{ID: u.ID, Name: u.Name}
	if !u.LastSeen.IsZero() {
		seen := u.LastSeen
		out.LastSeen = &seen
	}
	return out
}

func transferOf(r transfer.Record) Transfer {
	return Transfer{
		Direction: r.Key.Direction.String(),
		Peer:      r.Key.Peer,
		File:      r.Key.Name,
		Path:      r.Path,
		Size:      r.Size,
		Offset:    r.Offset,
		Status:    r.Status.String(),
	}
}

// messageOf converts a node event to its client representation.
func messageOf(ev mesh.Event) (Message, bool) {
	switch {
	case ev.Presence != nil:
		pe := ev.Presence
		msg := Message{Type: pe.Kind.String()}
		switch pe.Kind {
		case presence.EventMessageReceived:
			at := pe.Message.Time
			msg.Peer = pe.Message.Peer
			msg.Text = pe.Message.Text
			msg.Time = &at
		case presence.EventTyping:
			msg.Peer = pe.User.ID
			msg.Typing = pe.Typing
		default:
			u := userOf(pe.User)
			msg.User = &u
			msg.Previous = pe.Previous
		}
		return msg, true
	case ev.Transfer != nil:
		te := ev.Transfer
		t := Transfer{
			Direction: te.Key.Direction.String(),
			Peer:      te.Key.Peer,
			File:      te.Key.Name,
			Path:      te.Path,
			Status:    te.Status.String(),
		}
		msg := Message{Type: te.Kind.String(), Transfer: &t}
		switch te.Kind {
		case transfer.EventFileAboutToReceive:
			t.Size = te.Size
		case transfer.EventStatusChanged:
			t.Offset = te.Offset
		default:
			msg.Offset = te.Offset
			msg.Size = te.Size
		}
		return msg, true
	default:
		return Message{}, false
	}
}
