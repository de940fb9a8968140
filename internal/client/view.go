// Package client implements the message reconciliation engine that a
// connected client runs locally. It merges three uncoordinated inputs
// into one duplicate-free, time-ordered conversation view: the REST
// history fetch, the optimistic local echo of an outgoing message, and
// the socket or REST confirmation of that same message. Neither
// transport guarantees ordering relative to the other.
package client

import "time"

// State is the delivery lifecycle of one message as the local client
// sees it. Failed is terminal and never auto-retried.
type State string

const (
	StateSending   State = "sending"
	StateSent      State = "sent"
	StateDelivered State = "delivered"
	StateRead      State = "read"
	StateFailed    State = "failed"
)

// rank orders the forward states so that merges only ever promote.
func (s State) rank() int {
	switch s {
	case StateSending:
		return 0
	case StateSent:
		return 1
	case StateDelivered:
		return 2
	case StateRead:
		return 3
	}
	return -1
}

// MessageView is one entry of the rendered conversation list. ID is the
// store-assigned identifier and stays empty while only the optimistic
// echo exists; TempID is the local placeholder assigned at send time.
type MessageView struct {
	ID         string
	TempID     string
	SenderID   string
	ReceiverID string
	Subject    string
	Content    string
	CreatedAt  time.Time
	State      State
	Read       bool
}

// Outgoing reports whether this entry was sent by the local user.
func (v MessageView) Outgoing(selfID string) bool {
	return v.SenderID == selfID
}
