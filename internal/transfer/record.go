package transfer

import "time"

// Direction tells whether a record tracks a file we offer or one we pull.
type Direction int

const (
	Send Direction = iota
	Receive
)

// String returns the string representation of Direction
func (d Direction) String() string {
	switch d {
	case Send:
		return "send"
	case Receive:
		return "receive"
	default:
		return "unknown"
	}
}

// Status is the state of a transfer record.
//
// Receive records move Pending -> Started -> {Paused -> Started, Finished,
// Error}. Finished and Error are left only through Restart. Send records
// report how far the peer has pulled: Pending until the first fragment is
// served, Started while serving, Finished once the last byte went out.
type Status int

const (
	StatusPending Status = iota
	StatusStarted
	StatusPaused
	StatusFinished
	StatusError
)

// String returns the string representation of Status
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusStarted:
		return "started"
	case StatusPaused:
		return "paused"
	case StatusFinished:
		return "finished"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Key identifies a transfer on the protocol level: the peer and the short
// file name the sender announced.
type Key struct {
	Direction Direction
	Peer      string
	Name      string
}

// Record is the bookkeeping for one transfer.
type Record struct {
	Key     Key
	Path    string
	Size    uint64
	ModTime time.Time
	Status  Status
	// Offset is the next byte to request when receiving, and the end of the
	// last fragment served when sending.
	Offset uint64

	// inflight is set while a fragment request is unanswered. deferred marks
	// a request held back until that answer arrives and is discarded.
	inflight bool
	deferred bool
}

// EventKind identifies what an Event reports.
type EventKind int

const (
	EventFileAboutToReceive EventKind = iota
	EventFragmentSent
	EventFragmentReceived
	EventStatusChanged
)

// String returns the string representation of EventKind
func (k EventKind) String() string {
	switch k {
	case EventFileAboutToReceive:
		return "file_about_to_receive"
	case EventFragmentSent:
		return "fragment_sent"
	case EventFragmentReceived:
		return "fragment_received"
	case EventStatusChanged:
		return "status_changed"
	default:
		return "unknown"
	}
}

// Event is a transfer notification for local consumers. Offset and Size
// describe the fragment for the fragment events.
type Event struct {
	Kind   EventKind
	Key    Key
	Path   string
	Status Status
	Offset uint64
	Size   uint64
}
