// Package ws implements the realtime dispatch hub: it accepts websocket
// connections, binds them to user identities, and routes chat, read-receipt,
// presence, and notification events to the right recipients.
//
// This file defines the wire protocol. Every frame is a JSON envelope with an
// event name and an event-specific payload. The envelope is deliberately
// flat so browser clients can switch on `event` without a schema library.
package ws

import (
	"encoding/json"
	"time"
)

// Event names, client→server.
const (
	EvtAuthenticate = "authenticate"
	EvtHeartbeat    = "heartbeat"
	EvtSendMessage  = "sendMessage"
	EvtMarkAsRead   = "markAsRead"
)

// Event names, server→client.
const (
	EvtAuthenticated        = "authenticated"
	EvtOnlineUsers          = "onlineUsers"
	EvtOfflineUsersLastSeen = "offlineUsersLastSeen"
	EvtUserStatusChange     = "userStatusChange"
	EvtNewMessage           = "newMessage"
	EvtMessageSent          = "messageSent"
	EvtMessageRead          = "messageRead"
	EvtNewSuggestion        = "newSuggestion"
	EvtNewAnnouncement      = "newAnnouncement"
	EvtUnreadCount          = "unreadCount"
	EvtError                = "error"
)

// Envelope is the frame exchanged in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ParseEnvelope decodes a raw frame. An empty event name is rejected so a
// junk frame cannot silently dispatch to the zero handler.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, err
	}
	if env.Event == "" {
		return Envelope{}, errMissingEvent
	}
	return env, nil
}

// Encode marshals an event name and payload into a wire frame.
func Encode(event string, payload any) ([]byte, error) {
	env := Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Data = data
	}
	return json.Marshal(env)
}

// AuthenticatePayload is the first frame every connection must send.
type AuthenticatePayload struct {
	UserID string `json:"userId"`
}

// SendMessagePayload is the advisory socket send. Persistence is the REST
// path's job; this frame only buys latency.
type SendMessagePayload struct {
	Receiver string `json:"receiver"`
	Content  string `json:"content"`
	Subject  string `json:"subject,omitempty"`
}

// ChatMessage mirrors the stored message shape on the wire. ID is empty on
// the advisory socket path (the store has not assigned one); clients fall
// back to sender+content+time deduplication in that case.
type ChatMessage struct {
	ID        string    `json:"id,omitempty"`
	SenderID  string    `json:"sender_id"`
	Receiver  string    `json:"receiver_id"`
	Subject   string    `json:"subject,omitempty"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	Read      bool      `json:"read"`
}

// MarkAsReadPayload asks the hub to forward a read receipt to the original
// sender. The authoritative flag write happens over REST.
type MarkAsReadPayload struct {
	MessageID string `json:"messageId"`
}

// MessageReadPayload is the receipt delivered to the sender.
type MessageReadPayload struct {
	MessageID string `json:"messageId"`
}

// StatusChangePayload announces a presence transition. LastSeen is set only
// for offline transitions.
type StatusChangePayload struct {
	UserID   string     `json:"userId"`
	IsOnline bool       `json:"isOnline"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// UnreadCountPayload carries a badge update for one notification category.
type UnreadCountPayload struct {
	Category string `json:"category"`
	Count    int    `json:"count"`
}

// ErrorPayload is returned to the offending connection only; the connection
// itself stays open.
type ErrorPayload struct {
	Message string `json:"message"`
}
