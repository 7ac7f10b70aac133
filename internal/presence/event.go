package presence

import "time"

// EventKind identifies what an Event reports.
type EventKind int

const (
	EventUserAdded EventKind = iota
	EventUserRenamed
	EventUserRemoved
	EventIDChanged
	EventMessageReceived
	EventTyping
)

// String returns the string representation of EventKind
func (k EventKind) String() string {
	switch k {
	case EventUserAdded:
		return "user_added"
	case EventUserRenamed:
		return "user_renamed"
	case EventUserRemoved:
		return "user_removed"
	case EventIDChanged:
		return "id_changed"
	case EventMessageReceived:
		return "message_received"
	case EventTyping:
		return "typing"
	default:
		return "unknown"
	}
}

// User is a remote identity seen on the overlay.
type User struct {
	ID       string
	Name     string
	LastSeen time.Time
}

// Message is one history entry of a conversation.
type Message struct {
	Peer     string
	Incoming bool
	Time     time.Time
	Text     string
}

// Event is a presence notification for local consumers. Which fields are set
// depends on Kind:
//   - user events: User, and Previous holds the old name for EventUserRenamed
//   - EventIDChanged: User holds the new local identity, Previous the old id
//   - EventMessageReceived: Message
//   - EventTyping: User.ID is the sender, Typing its state
type Event struct {
	Kind     EventKind
	User     User
	Previous string
	Message  Message
	Typing   bool
}
