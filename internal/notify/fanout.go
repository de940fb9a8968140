// Package notify keeps per-user unread badge counts and pushes them to
// connected clients. Counts are advisory hints for the UI badge; the
// message store remains the authoritative source and callers re-seed
// from it on login.
package notify

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/campuslink/comms-backend/internal/ws"
)

// Badge categories. Each category carries its own counter per user.
const (
	CategoryMessages      = "messages"
	CategoryAnnouncements = "announcements"
	CategorySuggestions   = "suggestions"
)

// Router delivers a frame to every live session of a user. Satisfied by
// *ws.Hub.
type Router interface {
	Route(event, targetUserID string, payload any) int
}

// Fanout tracks unread counts per user and category. All methods are
// safe for concurrent use.
type Fanout struct {
	mu     sync.Mutex
	counts map[string]map[string]int

	router Router
}

func NewFanout(router Router) *Fanout {
	if router == nil {
		panic("notify: NewFanout requires a router")
	}
	return &Fanout{
		counts: make(map[string]map[string]int),
		router: router,
	}
}

// Bump adjusts a user's counter by delta, clamping at zero, and pushes
// the new value to their sessions. Returns the count after the change.
func (f *Fanout) Bump(userID, category string, delta int) int {
	f.mu.Lock()
	n := f.counts[userID][category] + delta
	if n < 0 {
		n = 0
	}
	f.setLocked(userID, category, n)
	f.mu.Unlock()

	f.push(userID, category, n)
	return n
}

// Set overwrites a user's counter, typically when seeding from the
// store after login. Negative values are clamped to zero.
func (f *Fanout) Set(userID, category string, count int) {
	if count < 0 {
		count = 0
	}
	f.mu.Lock()
	f.setLocked(userID, category, count)
	f.mu.Unlock()

	f.push(userID, category, count)
}

// Reset zeroes a user's counter, e.g. after a mark-all-read.
func (f *Fanout) Reset(userID, category string) {
	f.Set(userID, category, 0)
}

// Count returns the current value of one counter.
func (f *Fanout) Count(userID, category string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[userID][category]
}

// Counts returns a copy of every non-zero counter for a user.
func (f *Fanout) Counts(userID string) map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int, len(f.counts[userID]))
	for cat, n := range f.counts[userID] {
		if n > 0 {
			out[cat] = n
		}
	}
	return out
}

// PushAll re-sends every counter for a user, including zeroes for known
// categories. Used right after authentication so a reconnecting client
// starts from the server's numbers.
func (f *Fanout) PushAll(userID string) {
	f.mu.Lock()
	snapshot := make(map[string]int, len(f.counts[userID]))
	for cat, n := range f.counts[userID] {
		snapshot[cat] = n
	}
	f.mu.Unlock()

	for cat, n := range snapshot {
		f.push(userID, cat, n)
	}
}

// Forget drops all state for a user. Counters rebuild from the store on
// their next login.
func (f *Fanout) Forget(userID string) {
	f.mu.Lock()
	delete(f.counts, userID)
	f.mu.Unlock()
}

func (f *Fanout) setLocked(userID, category string, n int) {
	m := f.counts[userID]
	if m == nil {
		if n == 0 {
			return
		}
		m = make(map[string]int)
		f.counts[userID] = m
	}
	m[category] = n
}

// push delivers the badge update. A user with no live sessions simply
// misses the hint; their next login re-seeds from the store.
func (f *Fanout) push(userID, category string, n int) {
	delivered := f.router.Route(ws.EvtUnreadCount, userID, ws.UnreadCountPayload{
		Category: category,
		Count:    n,
	})
	if delivered == 0 {
		log.Debug().Str("user_id", userID).Str("category", category).
			Msg("notify: no live sessions for badge update")
	}
}
