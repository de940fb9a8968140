package notify

import (
	"sync"
	"testing"

	"github.com/campuslink/comms-backend/internal/ws"
)

type routedFrame struct {
	event   string
	userID  string
	payload any
}

// fakeRouter records pushes; online controls the simulated delivery count.
type fakeRouter struct {
	mu     sync.Mutex
	frames []routedFrame
	online bool
}

func (r *fakeRouter) Route(event, targetUserID string, payload any) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, routedFrame{event, targetUserID, payload})
	if r.online {
		return 1
	}
	return 0
}

func (r *fakeRouter) last(t *testing.T) routedFrame {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.frames) == 0 {
		t.Fatalf("nothing routed")
	}
	return r.frames[len(r.frames)-1]
}

func TestBump_IncrementsAndPushes(t *testing.T) {
	router := &fakeRouter{online: true}
	f := NewFanout(router)

	if got := f.Bump("alice", CategoryMessages, 1); got != 1 {
		t.Fatalf("expected 1, got %d", got)
	}
	if got := f.Bump("alice", CategoryMessages, 1); got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}

	fr := router.last(t)
	if fr.event != ws.EvtUnreadCount || fr.userID != "alice" {
		t.Fatalf("unexpected frame: %+v", fr)
	}
	p, ok := fr.payload.(ws.UnreadCountPayload)
	if !ok || p.Category != CategoryMessages || p.Count != 2 {
		t.Fatalf("unexpected payload: %+v", fr.payload)
	}
}

func TestBump_NeverGoesNegative(t *testing.T) {
	f := NewFanout(&fakeRouter{})

	f.Bump("alice", CategoryMessages, 1)
	if got := f.Bump("alice", CategoryMessages, -5); got != 0 {
		t.Fatalf("expected clamp to 0, got %d", got)
	}
	// Decrementing a counter that was never set stays at zero.
	if got := f.Bump("bob", CategorySuggestions, -1); got != 0 {
		t.Fatalf("expected 0 for fresh user, got %d", got)
	}
	if got := f.Count("bob", CategorySuggestions); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}

func TestSet_SeedsAndClamps(t *testing.T) {
	router := &fakeRouter{online: true}
	f := NewFanout(router)

	f.Set("alice", CategoryAnnouncements, 7)
	if got := f.Count("alice", CategoryAnnouncements); got != 7 {
		t.Fatalf("expected 7, got %d", got)
	}

	f.Set("alice", CategoryAnnouncements, -3)
	if got := f.Count("alice", CategoryAnnouncements); got != 0 {
		t.Fatalf("expected clamp to 0, got %d", got)
	}
}

func TestReset_ZeroesAndPushes(t *testing.T) {
	router := &fakeRouter{online: true}
	f := NewFanout(router)

	f.Set("alice", CategoryMessages, 4)
	f.Reset("alice", CategoryMessages)

	if got := f.Count("alice", CategoryMessages); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
	p := router.last(t).payload.(ws.UnreadCountPayload)
	if p.Count != 0 {
		t.Fatalf("reset must push a zero, got %d", p.Count)
	}
}

func TestCounts_OmitsZeroes(t *testing.T) {
	f := NewFanout(&fakeRouter{})

	f.Set("alice", CategoryMessages, 3)
	f.Set("alice", CategorySuggestions, 1)
	f.Reset("alice", CategorySuggestions)

	got := f.Counts("alice")
	if len(got) != 1 || got[CategoryMessages] != 3 {
		t.Fatalf("unexpected counts: %v", got)
	}
}

func TestPushAll_ResendsEveryCounter(t *testing.T) {
	router := &fakeRouter{online: true}
	f := NewFanout(router)

	f.Set("alice", CategoryMessages, 2)
	f.Set("alice", CategoryAnnouncements, 1)
	router.mu.Lock()
	router.frames = nil
	router.mu.Unlock()

	f.PushAll("alice")

	router.mu.Lock()
	defer router.mu.Unlock()
	if len(router.frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(router.frames))
	}
	seen := map[string]int{}
	for _, fr := range router.frames {
		p := fr.payload.(ws.UnreadCountPayload)
		seen[p.Category] = p.Count
	}
	if seen[CategoryMessages] != 2 || seen[CategoryAnnouncements] != 1 {
		t.Fatalf("unexpected push set: %v", seen)
	}
}

func TestForget_DropsState(t *testing.T) {
	f := NewFanout(&fakeRouter{})

	f.Set("alice", CategoryMessages, 5)
	f.Forget("alice")

	if got := f.Count("alice", CategoryMessages); got != 0 {
		t.Fatalf("expected 0 after forget, got %d", got)
	}
	if got := f.Counts("alice"); len(got) != 0 {
		t.Fatalf("expected empty counts, got %v", got)
	}
}

func TestOfflineUser_PushIsSilentlyDropped(t *testing.T) {
	router := &fakeRouter{online: false}
	f := NewFanout(router)

	// No panic, no error: the count is kept and pushed on next occasion.
	if got := f.Bump("alice", CategoryMessages, 1); got != 1 {
		t.Fatalf("expected 1, got %d", got)
	}
}
