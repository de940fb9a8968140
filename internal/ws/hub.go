// Hub: session registry and event routing.
//
// Each connection is one Session with a buffered outbound queue drained by
// its write pump. The hub serializes session bookkeeping under one RWMutex;
// event handling for a single session runs on that session's read loop, so
// no two operations for the same connection overlap. Payload delivery is a
// non-blocking channel send: a client too slow to drain its queue loses
// frames rather than stalling the hub (it catches up over REST).
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	errMissingEvent = errors.New("missing event name")

	// ErrNotAuthenticated is surfaced (as an error frame) when a routed
	// operation arrives before authenticate.
	ErrNotAuthenticated = errors.New("not authenticated")
)

// SessionState tracks the per-connection state machine:
// Connected → Authenticated → Closed, with Connected → Closed on abrupt
// disconnect. Routed operations other than authenticate are rejected
// outside Authenticated.
type SessionState int

const (
	StateConnected SessionState = iota
	StateAuthenticated
	StateClosed
)

// Session is one live transport connection. Created by Hub.Open, destroyed
// by Hub.CloseSession.
type Session struct {
	id          string
	connectedAt time.Time
	send        chan []byte

	// userID and state are guarded by the owning hub's mutex.
	userID string
	state  SessionState
}

// ID returns the connection identifier.
func (s *Session) ID() string { return s.id }

// Outbound exposes the frames queued for this connection; the transport's
// write pump drains it until CloseSession closes the channel.
func (s *Session) Outbound() <-chan []byte { return s.send }

// AuthorizeFunc validates a user identity at authenticate time. Identity
// management itself lives outside this service; the default wiring only
// rejects blank ids.
type AuthorizeFunc func(userID string) error

// SenderLookupFunc resolves the sender of a stored message so read receipts
// can be routed back to them. Backed by the REST message store; the hub
// refuses to start without it, which keeps the socket layer's dependency on
// the durable store explicit.
type SenderLookupFunc func(ctx context.Context, messageID string) (senderID string, err error)

// Presence is the slice of the tracker the hub drives.
type Presence interface {
	Register(connID, userID string) (first bool)
	Unregister(connID string)
	Heartbeat(connID string)
	OnlineUserIDs() []string
	LastSeenAll() map[string]time.Time
}

// Conf tunes the hub. Zero values are normalized.
type Conf struct {
	// SendBuffer is the per-connection outbound queue length. Default 64.
	SendBuffer int
	// Clock is injectable for tests; nil means time.Now.
	Clock func() time.Time
}

func (c *Conf) norm() {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Hub routes realtime events between authenticated sessions.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session            // connID -> session
	byUser   map[string]map[string]*Session // userID -> (connID -> session)

	tracker      Presence
	authorize    AuthorizeFunc
	senderLookup SenderLookupFunc
	conf         Conf
}

// NewHub builds the dispatch hub. tracker and senderLookup are required:
// the advisory socket paths are only sound when the durable store is
// reachable, so a socket-only wiring fails at startup instead of silently
// losing read state.
func NewHub(tracker Presence, authorize AuthorizeFunc, senderLookup SenderLookupFunc, conf Conf) *Hub {
	if tracker == nil {
		panic("ws: NewHub requires a presence tracker")
	}
	if senderLookup == nil {
		panic("ws: NewHub requires a sender lookup backed by the message store")
	}
	if authorize == nil {
		authorize = func(userID string) error {
			if strings.TrimSpace(userID) == "" {
				return errors.New("empty user id")
			}
			return nil
		}
	}
	conf.norm()
	return &Hub{
		sessions:     make(map[string]*Session),
		byUser:       make(map[string]map[string]*Session),
		tracker:      tracker,
		authorize:    authorize,
		senderLookup: senderLookup,
		conf:         conf,
	}
}

// Open registers a fresh, unauthenticated session.
func (h *Hub) Open() *Session {
	s := &Session{
		id:          uuid.NewString(),
		connectedAt: h.conf.Clock(),
		send:        make(chan []byte, h.conf.SendBuffer),
		state:       StateConnected,
	}
	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()

	connectionsGauge.Inc()
	log.Debug().Str("conn_id", s.id).Msg("ws: connection opened")
	return s
}

// CloseSession tears a session down: presence cleanup, index removal, and
// closing the outbound channel so the write pump exits. Idempotent.
func (h *Hub) CloseSession(s *Session) {
	h.mu.Lock()
	if s.state == StateClosed {
		h.mu.Unlock()
		return
	}
	wasAuthed := s.state == StateAuthenticated
	s.state = StateClosed
	delete(h.sessions, s.id)
	if set := h.byUser[s.userID]; set != nil {
		delete(set, s.id)
		if len(set) == 0 {
			delete(h.byUser, s.userID)
		}
	}
	// Closing under the lock is what makes enqueue safe: writers hold the
	// read lock for the state check and the channel send together.
	close(s.send)
	h.mu.Unlock()

	if wasAuthed {
		h.tracker.Unregister(s.id)
	}
	connectionsGauge.Dec()
	log.Debug().Str("conn_id", s.id).Str("user_id", s.userID).Msg("ws: connection closed")
}

// HandleEvent processes one inbound frame for a session. Malformed frames
// and protocol violations produce an error frame on that connection only;
// the connection is never closed for them.
func (h *Hub) HandleEvent(ctx context.Context, s *Session, raw []byte) {
	env, err := ParseEnvelope(raw)
	if err != nil {
		h.sendError(s, "malformed payload")
		return
	}
	switch env.Event {
	case EvtAuthenticate:
		eventsTotal.WithLabelValues(env.Event).Inc()
		h.handleAuthenticate(s, env)
	case EvtHeartbeat:
		eventsTotal.WithLabelValues(env.Event).Inc()
		h.tracker.Heartbeat(s.id)
	case EvtSendMessage:
		eventsTotal.WithLabelValues(env.Event).Inc()
		h.handleSendMessage(s, env)
	case EvtMarkAsRead:
		eventsTotal.WithLabelValues(env.Event).Inc()
		h.handleMarkAsRead(ctx, s, env)
	default:
		// Client-supplied event names never become label values.
		eventsTotal.WithLabelValues("unknown").Inc()
		h.sendError(s, "unknown event: "+env.Event)
	}
}

func (h *Hub) handleAuthenticate(s *Session, env Envelope) {
	var p AuthenticatePayload
	if err := unmarshalData(env, &p); err != nil || strings.TrimSpace(p.UserID) == "" {
		h.sendError(s, "authenticate requires a userId")
		return
	}
	if err := h.authorize(p.UserID); err != nil {
		h.sendError(s, "authentication failed")
		return
	}

	h.mu.Lock()
	if s.state == StateClosed {
		h.mu.Unlock()
		return
	}
	// Re-authentication rebinds: last write wins on the user binding.
	if s.state == StateAuthenticated && s.userID != p.UserID {
		if set := h.byUser[s.userID]; set != nil {
			delete(set, s.id)
			if len(set) == 0 {
				delete(h.byUser, s.userID)
			}
		}
	}
	s.userID = p.UserID
	s.state = StateAuthenticated
	set := h.byUser[p.UserID]
	if set == nil {
		set = make(map[string]*Session)
		h.byUser[p.UserID] = set
	}
	set[s.id] = s
	h.mu.Unlock()

	// Register after releasing the hub lock: the tracker's change callback
	// re-enters the hub to broadcast presence.
	h.tracker.Register(s.id, p.UserID)

	h.enqueue(s, mustEncode(EvtAuthenticated, struct{}{}))
	h.enqueue(s, mustEncode(EvtOnlineUsers, h.tracker.OnlineUserIDs()))
	h.enqueue(s, mustEncode(EvtOfflineUsersLastSeen, h.tracker.LastSeenAll()))
	log.Info().Str("conn_id", s.id).Str("user_id", p.UserID).Msg("ws: authenticated")
}

func (h *Hub) handleSendMessage(s *Session, env Envelope) {
	userID, ok := h.authedUser(s)
	if !ok {
		h.sendError(s, ErrNotAuthenticated.Error())
		return
	}
	var p SendMessagePayload
	if err := unmarshalData(env, &p); err != nil ||
		strings.TrimSpace(p.Receiver) == "" || strings.TrimSpace(p.Content) == "" {
		h.sendError(s, "sendMessage requires receiver and content")
		return
	}

	// Advisory only: no store id yet, no persistence here. The REST path
	// persists and produces the authoritative copy; clients reconcile the
	// two notifications.
	msg := ChatMessage{
		SenderID:  userID,
		Receiver:  p.Receiver,
		Subject:   p.Subject,
		Content:   p.Content,
		CreatedAt: h.conf.Clock().UTC(),
	}
	h.Route(EvtNewMessage, p.Receiver, msg)
	h.Route(EvtMessageSent, userID, msg)
}

func (h *Hub) handleMarkAsRead(ctx context.Context, s *Session, env Envelope) {
	if _, ok := h.authedUser(s); !ok {
		h.sendError(s, ErrNotAuthenticated.Error())
		return
	}
	var p MarkAsReadPayload
	if err := unmarshalData(env, &p); err != nil || strings.TrimSpace(p.MessageID) == "" {
		h.sendError(s, "markAsRead requires a messageId")
		return
	}
	senderID, err := h.senderLookup(ctx, p.MessageID)
	if err != nil {
		// Fire-and-forget semantics: the REST path still writes the flag.
		log.Debug().Str("message_id", p.MessageID).Err(err).Msg("ws: read receipt dropped, sender unknown")
		return
	}
	h.Route(EvtMessageRead, senderID, MessageReadPayload{MessageID: p.MessageID})
}

// Route delivers an event to every active connection of targetUserID and
// returns how many connections it reached. Zero recipients is not an error:
// persistence already happened upstream, the receiver catches up over REST.
func (h *Hub) Route(event, targetUserID string, payload any) int {
	frame, err := Encode(event, payload)
	if err != nil {
		log.Error().Str("event", event).Err(err).Msg("ws: encode failed")
		return 0
	}

	h.mu.RLock()
	targets := make([]*Session, 0, len(h.byUser[targetUserID]))
	for _, s := range h.byUser[targetUserID] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		routeDrops.WithLabelValues(event).Inc()
		log.Debug().Str("event", event).Str("user_id", targetUserID).Msg("ws: route dropped, no connections")
		return 0
	}
	delivered := 0
	for _, s := range targets {
		if h.enqueue(s, frame) {
			delivered++
		}
	}
	return delivered
}

// BroadcastPresence sends a userStatusChange to every authenticated
// connection. Presence payloads are small, so broadcasting beats keeping
// per-user subscription lists.
func (h *Hub) BroadcastPresence(userID string, online bool, lastSeen *time.Time) {
	frame := mustEncode(EvtUserStatusChange, StatusChangePayload{
		UserID:   userID,
		IsOnline: online,
		LastSeen: lastSeen,
	})

	h.mu.RLock()
	targets := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		// A user's own sessions are not told about their own transition.
		if s.state == StateAuthenticated && s.userID != userID {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		h.enqueue(s, frame)
	}
}

// SessionsOf returns the live sessions of a user. Used by the notification
// fan-out to push per-connection badge updates.
func (h *Hub) SessionsOf(userID string) []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.byUser[userID]))
	for _, s := range h.byUser[userID] {
		out = append(out, s)
	}
	return out
}

// AuthenticatedUserIDs returns the distinct users with at least one
// authenticated session.
func (h *Hub) AuthenticatedUserIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.byUser))
	for u := range h.byUser {
		out = append(out, u)
	}
	return out
}

func (h *Hub) authedUser(s *Session) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if s.state != StateAuthenticated {
		return "", false
	}
	return s.userID, true
}

// enqueue is a non-blocking delivery to one session. Slow clients lose the
// frame; they resynchronize over REST.
func (h *Hub) enqueue(s *Session, frame []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if s.state == StateClosed {
		return false
	}
	select {
	case s.send <- frame:
		return true
	default:
		slowDrops.Inc()
		log.Warn().Str("conn_id", s.id).Msg("ws: send queue full, frame dropped")
		return false
	}
}

func (h *Hub) sendError(s *Session, msg string) {
	h.enqueue(s, mustEncode(EvtError, ErrorPayload{Message: msg}))
}

func unmarshalData(env Envelope, v any) error {
	if len(env.Data) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(env.Data, v)
}

// mustEncode is for server-built payloads, which are always marshalable.
func mustEncode(event string, payload any) []byte {
	frame, err := Encode(event, payload)
	if err != nil {
		panic(err)
	}
	return frame
}
