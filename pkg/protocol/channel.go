package protocol

import "strings"

// Event kinds. A channel name is either a bare kind, delivered to everyone
// subscribed to it, or "<kind>_<user-id>", targeted at one identity.
const (
	KindUserInfo     = "UserInfo"
	KindMessage      = "Message"
	KindTyping       = "Typing"
	KindFileInfo     = "FileInfo"
	KindFileContents = "FileContents"
)

// Channel returns the channel name of kind targeted at id.
func Channel(kind, id string) string {
	if id == "" {
		return kind
	}
	return kind + "_" + id
}

// SplitChannel splits a channel name into its kind and target id.
// The id is empty for broadcast channels.
func SplitChannel(name string) (kind, id string) {
	kind, id, _ = strings.Cut(name, "_")
	return kind, id
}
