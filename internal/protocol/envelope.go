// Package protocol defines the relay wire envelope exchanged between the hub
// and its clients, together with the JSON codec and timestamp source used to
// build it.
package protocol

import (
	"time"
)

// Kind tags an Envelope with the variant it carries.
type Kind string

const (
	// KindChat is a message authored by a client and relayed by the hub.
	KindChat Kind = "chat"
	// KindSystem is a notification produced by the hub itself.
	KindSystem Kind = "system"
	// KindError is a private error reply sent to a single client.
	KindError Kind = "error"
)

// DefaultSender is used when an inbound chat message carries no sender.
const DefaultSender = "anonymous"

// Envelope is the message unit delivered to clients. Construct it with
// NewChat, NewSystem or NewError; once built it is treated as immutable and
// may be encoded once and shared by every recipient of a broadcast.
type Envelope struct {
	Kind      Kind
	Timestamp time.Time

	// Chat payload.
	Sender  string
	Content string

	// System and error payload.
	Text string

	// ClientCount is optional and only meaningful for system notices.
	ClientCount *int
}

// NewChat builds a chat envelope stamped at ts.
func NewChat(sender, content string, ts time.Time) Envelope {
	return Envelope{
		Kind:      KindChat,
		Timestamp: ts,
		Sender:    sender,
		Content:   content,
	}
}

// NewSystem builds a system notice. A negative count leaves client_count
// off the wire.
func NewSystem(text string, count int, ts time.Time) Envelope {
	env := Envelope{
		Kind:      KindSystem,
		Timestamp: ts,
		Text:      text,
	}
	if count >= 0 {
		c := count
		env.ClientCount = &c
	}
	return env
}

// NewError builds a private error reply.
func NewError(text string, ts time.Time) Envelope {
	return Envelope{
		Kind:      KindError,
		Timestamp: ts,
		Text:      text,
	}
}

// Count returns the client count and whether one was set.
func (e Envelope) Count() (int, bool) {
	if e.ClientCount == nil {
		return 0, false
	}
	return *e.ClientCount, true
}

// String renders the envelope the way a chat transcript shows it.
func (e Envelope) String() string {
	switch e.Kind {
	case KindChat:
		return e.Sender + ": " + e.Content
	case KindSystem:
		return "[SYSTEM] " + e.Text
	case KindError:
		return "[ERROR] " + e.Text
	default:
		if e.Content != "" {
			return e.Content
		}
		return e.Text
	}
}
