package ws

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/campuslink/comms-backend/internal/presence"
)

func newTestHub(t *testing.T, lookup SenderLookupFunc) (*Hub, *presence.Tracker) {
	t.Helper()
	if lookup == nil {
		lookup = func(ctx context.Context, messageID string) (string, error) {
			return "", errors.New("unknown message")
		}
	}
	var hub *Hub
	tracker := presence.NewTracker(presence.Conf{
		HeartbeatTimeout: time.Minute,
		SweepEvery:       time.Hour,
	}, func(userID string, online bool, lastSeen *time.Time) {
		hub.BroadcastPresence(userID, online, lastSeen)
	})
	t.Cleanup(tracker.Close)
	hub = NewHub(tracker, nil, lookup, Conf{SendBuffer: 16})
	return hub, tracker
}

func send(t *testing.T, hub *Hub, s *Session, event string, payload any) {
	t.Helper()
	frame, err := Encode(event, payload)
	if err != nil {
		t.Fatalf("encode %s: %v", event, err)
	}
	hub.HandleEvent(context.Background(), s, frame)
}

func authenticate(t *testing.T, hub *Hub, s *Session, userID string) {
	t.Helper()
	send(t, hub, s, EvtAuthenticate, AuthenticatePayload{UserID: userID})
	env := nextFrame(t, s)
	if env.Event != EvtAuthenticated {
		t.Fatalf("expected authenticated, got %q", env.Event)
	}
	// Snapshot frames follow the ack.
	if env := nextFrame(t, s); env.Event != EvtOnlineUsers {
		t.Fatalf("expected onlineUsers, got %q", env.Event)
	}
	if env := nextFrame(t, s); env.Event != EvtOfflineUsersLastSeen {
		t.Fatalf("expected offlineUsersLastSeen, got %q", env.Event)
	}
}

// nextFrame pops the next queued frame for the session.
func nextFrame(t *testing.T, s *Session) Envelope {
	t.Helper()
	select {
	case raw, ok := <-s.Outbound():
		if !ok {
			t.Fatalf("outbound closed")
		}
		env, err := ParseEnvelope(raw)
		if err != nil {
			t.Fatalf("parse frame: %v", err)
		}
		return env
	case <-time.After(time.Second):
		t.Fatalf("no frame queued")
		return Envelope{}
	}
}

// noFrame asserts the session has nothing queued.
func noFrame(t *testing.T, s *Session) {
	t.Helper()
	select {
	case raw := <-s.Outbound():
		t.Fatalf("unexpected frame: %s", raw)
	default:
	}
}

func decode[T any](t *testing.T, env Envelope) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(env.Data, &v); err != nil {
		t.Fatalf("decode %s payload: %v", env.Event, err)
	}
	return v
}

func TestHandleEvent_BeforeAuthenticate_Rejected(t *testing.T) {
	hub, _ := newTestHub(t, nil)
	s := hub.Open()
	defer hub.CloseSession(s)

	send(t, hub, s, EvtSendMessage, SendMessagePayload{Receiver: "bob", Content: "hi"})

	env := nextFrame(t, s)
	if env.Event != EvtError {
		t.Fatalf("expected error frame, got %q", env.Event)
	}
	if p := decode[ErrorPayload](t, env); p.Message != ErrNotAuthenticated.Error() {
		t.Fatalf("unexpected error message: %q", p.Message)
	}
}

func TestHandleEvent_MalformedPayload_KeepsConnectionOpen(t *testing.T) {
	hub, _ := newTestHub(t, nil)
	s := hub.Open()
	defer hub.CloseSession(s)

	hub.HandleEvent(context.Background(), s, []byte("{not json"))
	if env := nextFrame(t, s); env.Event != EvtError {
		t.Fatalf("expected error frame, got %q", env.Event)
	}

	// The connection still works: authenticate succeeds afterwards.
	authenticate(t, hub, s, "alice")
}

func TestAuthenticate_EmptyUserID_Rejected(t *testing.T) {
	hub, _ := newTestHub(t, nil)
	s := hub.Open()
	defer hub.CloseSession(s)

	send(t, hub, s, EvtAuthenticate, AuthenticatePayload{UserID: "  "})
	if env := nextFrame(t, s); env.Event != EvtError {
		t.Fatalf("expected error frame, got %q", env.Event)
	}
	if _, ok := hub.authedUser(s); ok {
		t.Fatalf("session must stay unauthenticated")
	}
}

func TestAuthenticate_SendsSnapshotAndRegistersPresence(t *testing.T) {
	hub, tracker := newTestHub(t, nil)

	a := hub.Open()
	defer hub.CloseSession(a)
	authenticate(t, hub, a, "alice")

	if !tracker.IsOnline("alice") {
		t.Fatalf("authenticate must register presence")
	}

	// A second user's snapshot includes alice. The presence broadcast for
	// bob's own 0→1 transition reaches alice too.
	b := hub.Open()
	defer hub.CloseSession(b)
	send(t, hub, b, EvtAuthenticate, AuthenticatePayload{UserID: "bob"})

	env := nextFrame(t, a)
	if env.Event != EvtUserStatusChange {
		t.Fatalf("expected userStatusChange for alice, got %q", env.Event)
	}
	sc := decode[StatusChangePayload](t, env)
	if sc.UserID != "bob" || !sc.IsOnline || sc.LastSeen != nil {
		t.Fatalf("unexpected status change: %+v", sc)
	}

	if env := nextFrame(t, b); env.Event != EvtAuthenticated {
		t.Fatalf("expected authenticated, got %q", env.Event)
	}
	online := decode[[]string](t, nextFrame(t, b))
	found := map[string]bool{}
	for _, u := range online {
		found[u] = true
	}
	if !found["alice"] || !found["bob"] {
		t.Fatalf("snapshot missing users: %v", online)
	}
}

func TestSendMessage_RoutesToReceiverAndConfirmsSender(t *testing.T) {
	hub, _ := newTestHub(t, nil)

	a := hub.Open()
	b := hub.Open()
	defer hub.CloseSession(a)
	defer hub.CloseSession(b)
	authenticate(t, hub, a, "alice")
	authenticate(t, hub, b, "bob")
	// alice sees bob come online.
	if env := nextFrame(t, a); env.Event != EvtUserStatusChange {
		t.Fatalf("expected bob's status change, got %q", env.Event)
	}

	send(t, hub, a, EvtSendMessage, SendMessagePayload{Receiver: "bob", Content: "hi", Subject: "greeting"})

	env := nextFrame(t, b)
	if env.Event != EvtNewMessage {
		t.Fatalf("expected newMessage, got %q", env.Event)
	}
	msg := decode[ChatMessage](t, env)
	if msg.SenderID != "alice" || msg.Content != "hi" || msg.ID != "" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	noFrame(t, b) // exactly one delivery

	env = nextFrame(t, a)
	if env.Event != EvtMessageSent {
		t.Fatalf("expected messageSent confirmation, got %q", env.Event)
	}
}

func TestSendMessage_MissingFields_ErrorFrame(t *testing.T) {
	hub, _ := newTestHub(t, nil)
	s := hub.Open()
	defer hub.CloseSession(s)
	authenticate(t, hub, s, "alice")

	send(t, hub, s, EvtSendMessage, SendMessagePayload{Receiver: "", Content: "hi"})
	if env := nextFrame(t, s); env.Event != EvtError {
		t.Fatalf("expected error frame, got %q", env.Event)
	}
}

func TestRoute_NoConnections_DroppedSilently(t *testing.T) {
	hub, _ := newTestHub(t, nil)
	if n := hub.Route(EvtNewMessage, "ghost", ChatMessage{Content: "x"}); n != 0 {
		t.Fatalf("expected 0 deliveries, got %d", n)
	}
}

func TestMarkAsRead_ForwardsReceiptToOriginalSender(t *testing.T) {
	lookup := func(ctx context.Context, messageID string) (string, error) {
		if messageID == "m1" {
			return "alice", nil
		}
		return "", errors.New("unknown message")
	}
	hub, _ := newTestHub(t, lookup)

	a := hub.Open()
	b := hub.Open()
	defer hub.CloseSession(a)
	defer hub.CloseSession(b)
	authenticate(t, hub, a, "alice")
	authenticate(t, hub, b, "bob")
	nextFrame(t, a) // bob's online broadcast

	send(t, hub, b, EvtMarkAsRead, MarkAsReadPayload{MessageID: "m1"})

	env := nextFrame(t, a)
	if env.Event != EvtMessageRead {
		t.Fatalf("expected messageRead, got %q", env.Event)
	}
	if p := decode[MessageReadPayload](t, env); p.MessageID != "m1" {
		t.Fatalf("unexpected receipt: %+v", p)
	}

	// Unknown message: fire-and-forget, no frame anywhere.
	send(t, hub, b, EvtMarkAsRead, MarkAsReadPayload{MessageID: "mX"})
	noFrame(t, a)
	noFrame(t, b)
}

func TestCloseSession_GoesOfflineAndBroadcasts(t *testing.T) {
	hub, tracker := newTestHub(t, nil)

	a := hub.Open()
	b := hub.Open()
	defer hub.CloseSession(a)
	authenticate(t, hub, a, "alice")
	authenticate(t, hub, b, "bob")
	nextFrame(t, a) // bob online

	hub.CloseSession(b)
	if tracker.IsOnline("bob") {
		t.Fatalf("bob should be offline after close")
	}

	env := nextFrame(t, a)
	if env.Event != EvtUserStatusChange {
		t.Fatalf("expected offline broadcast, got %q", env.Event)
	}
	sc := decode[StatusChangePayload](t, env)
	if sc.UserID != "bob" || sc.IsOnline || sc.LastSeen == nil {
		t.Fatalf("unexpected status change: %+v", sc)
	}

	// Close is idempotent.
	hub.CloseSession(b)
}

func TestCloseSession_SecondConnectionStaysOnline(t *testing.T) {
	hub, tracker := newTestHub(t, nil)

	a1 := hub.Open()
	a2 := hub.Open()
	defer hub.CloseSession(a2)
	authenticate(t, hub, a1, "alice")
	authenticate(t, hub, a2, "alice") // no second online broadcast: 0→1 only
	noFrame(t, a1)

	hub.CloseSession(a1)
	if !tracker.IsOnline("alice") {
		t.Fatalf("alice still has a connection")
	}
	noFrame(t, a2) // 1→0 did not happen, nothing broadcast
}

func TestUnknownEvent_ErrorFrame(t *testing.T) {
	hub, _ := newTestHub(t, nil)
	s := hub.Open()
	defer hub.CloseSession(s)
	authenticate(t, hub, s, "alice")

	send(t, hub, s, "teleport", struct{}{})
	if env := nextFrame(t, s); env.Event != EvtError {
		t.Fatalf("expected error frame, got %q", env.Event)
	}
}

func TestUnknownEvent_CountedUnderFixedLabel(t *testing.T) {
	hub, _ := newTestHub(t, nil)
	s := hub.Open()
	defer hub.CloseSession(s)

	baseUnknown := testutil.ToFloat64(eventsTotal.WithLabelValues("unknown"))
	baseHeartbeat := testutil.ToFloat64(eventsTotal.WithLabelValues(EvtHeartbeat))

	send(t, hub, s, "teleport", struct{}{})
	send(t, hub, s, "../../etc/passwd", struct{}{})
	send(t, hub, s, EvtHeartbeat, struct{}{})

	if got := testutil.ToFloat64(eventsTotal.WithLabelValues("unknown")) - baseUnknown; got != 2 {
		t.Fatalf("expected 2 unknown-event increments, got %v", got)
	}
	if got := testutil.ToFloat64(eventsTotal.WithLabelValues(EvtHeartbeat)) - baseHeartbeat; got != 1 {
		t.Fatalf("expected 1 heartbeat increment, got %v", got)
	}
	// The raw client strings never became label values.
	for _, evt := range []string{"teleport", "../../etc/passwd"} {
		if got := testutil.ToFloat64(eventsTotal.WithLabelValues(evt)); got != 0 {
			t.Fatalf("client event %q leaked into metric labels", evt)
		}
	}
}

func TestParseEnvelope_RequiresEvent(t *testing.T) {
	if _, err := ParseEnvelope([]byte(`{"data":{}}`)); err == nil {
		t.Fatalf("expected error for missing event name")
	}
	env, err := ParseEnvelope([]byte(`{"event":"heartbeat"}`))
	if err != nil || env.Event != EvtHeartbeat {
		t.Fatalf("unexpected: %+v %v", env, err)
	}
}
