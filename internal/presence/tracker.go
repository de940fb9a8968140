// Package presence maintains the process-wide set of connected user
// identities. It is the only shared mutable structure in the realtime core:
// every mutation funnels through Register/Unregister/Heartbeat under one
// lock, and online/offline transitions are reported through a single
// callback so the dispatch layer can broadcast them.
//
// A user is online iff at least one of their connections is registered.
// Only the 0→1 and 1→0 transitions emit a change event; adding a second tab
// or closing one of several is silent.
package presence

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Conf tunes the tracker. Zero values are normalized to defaults.
type Conf struct {
	// HeartbeatTimeout is how long a connection may go without a heartbeat
	// before the sweeper treats it as unregistered. Default 75s.
	HeartbeatTimeout time.Duration
	// SweepEvery is the sweeper interval. Default 10s.
	SweepEvery time.Duration
	// Clock is injectable for tests; nil means time.Now.
	Clock func() time.Time
}

func (c *Conf) norm() {
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 75 * time.Second
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 10 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// ChangeFunc receives online/offline transitions. lastSeen is non-nil only
// for offline events.
type ChangeFunc func(userID string, online bool, lastSeen *time.Time)

type entry struct {
	userID    string
	heartbeat time.Time
}

// Tracker owns the connection→user binding and derived presence state.
// Safe for concurrent use.
type Tracker struct {
	mu       sync.RWMutex
	conns    map[string]*entry          // connID -> binding
	byUser   map[string]map[string]bool // userID -> set(connID)
	lastSeen map[string]time.Time       // offline users only

	conf     Conf
	onChange ChangeFunc

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewTracker builds a Tracker and starts its heartbeat sweeper. Call Close
// to stop the sweeper.
func NewTracker(conf Conf, onChange ChangeFunc) *Tracker {
	conf.norm()
	t := &Tracker{
		conns:    make(map[string]*entry),
		byUser:   make(map[string]map[string]bool),
		lastSeen: make(map[string]time.Time),
		conf:     conf,
		onChange: onChange,
		stopCh:   make(chan struct{}),
	}
	go t.sweeper()
	return t
}

// Close stops the sweeper. Registered connections are left as-is; callers
// tear down their transports separately.
func (t *Tracker) Close() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}

// Register binds a connection to a user identity and reports whether this
// was the user's first active connection. Re-registering the same connection
// is idempotent; binding it to a different user moves it (last write wins).
func (t *Tracker) Register(connID, userID string) (first bool) {
	now := t.conf.Clock()

	var prevUser string
	var prevLast bool

	t.mu.Lock()
	if prev, ok := t.conns[connID]; ok && prev.userID != userID {
		// Rebinding can take the old user's only connection with it.
		prevUser, prevLast = t.dropLocked(connID, now)
	}
	e, existed := t.conns[connID]
	if existed {
		e.heartbeat = now
		t.mu.Unlock()
		return false
	}
	t.conns[connID] = &entry{userID: userID, heartbeat: now}
	set := t.byUser[userID]
	if set == nil {
		set = make(map[string]bool)
		t.byUser[userID] = set
	}
	set[connID] = true
	first = len(set) == 1
	if first {
		delete(t.lastSeen, userID)
	}
	t.mu.Unlock()

	if t.onChange != nil {
		if prevLast {
			ls := now
			t.onChange(prevUser, false, &ls)
		}
		if first {
			t.onChange(userID, true, nil)
		}
	}
	return first
}

// Unregister removes a connection. When the owning user's connection set
// becomes empty the current time is recorded as last-seen and an offline
// change is emitted. Unknown connections are a no-op.
func (t *Tracker) Unregister(connID string) {
	now := t.conf.Clock()

	t.mu.Lock()
	userID, last := t.dropLocked(connID, now)
	t.mu.Unlock()

	if last && t.onChange != nil {
		ls := now
		t.onChange(userID, false, &ls)
	}
}

// dropLocked removes connID and returns the owning user and whether that
// user just went offline. Caller holds t.mu.
func (t *Tracker) dropLocked(connID string, now time.Time) (userID string, last bool) {
	e, ok := t.conns[connID]
	if !ok {
		return "", false
	}
	delete(t.conns, connID)
	userID = e.userID
	if set := t.byUser[userID]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(t.byUser, userID)
			t.lastSeen[userID] = now
			last = true
		}
	}
	return userID, last
}

// Heartbeat refreshes the liveness timestamp of a connection. Unknown
// connections are ignored; the next sweep already removed them.
func (t *Tracker) Heartbeat(connID string) {
	now := t.conf.Clock()
	t.mu.Lock()
	if e, ok := t.conns[connID]; ok {
		e.heartbeat = now
	}
	t.mu.Unlock()
}

// IsOnline reports whether the user has at least one active connection.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byUser[userID]) > 0
}

// LastSeen returns the recorded last-seen time for an offline user. The
// second return value is false for users that are online or never connected.
func (t *Tracker) LastSeen(userID string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ts, ok := t.lastSeen[userID]
	return ts, ok
}

// OnlineUserIDs returns the identities with at least one active connection.
func (t *Tracker) OnlineUserIDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.byUser))
	for u := range t.byUser {
		out = append(out, u)
	}
	return out
}

// LastSeenAll returns a copy of the offline last-seen map, used for the
// post-authenticate snapshot sent to a fresh connection.
func (t *Tracker) LastSeenAll() map[string]time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]time.Time, len(t.lastSeen))
	for u, ts := range t.lastSeen {
		out[u] = ts
	}
	return out
}

// ConnectionsOf returns the active connection ids of a user.
func (t *Tracker) ConnectionsOf(userID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	set := t.byUser[userID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// sweeper unregisters connections whose heartbeat is older than the timeout.
// Failure semantics are silent cleanup: no error reaches the client, the next
// presence broadcast simply reflects offline.
func (t *Tracker) sweeper() {
	ticker := time.NewTicker(t.conf.SweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

func (t *Tracker) sweep() {
	now := t.conf.Clock()
	cutoff := now.Add(-t.conf.HeartbeatTimeout)

	t.mu.Lock()
	var stale []string
	for id, e := range t.conns {
		if e.heartbeat.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	type change struct {
		userID string
		last   bool
	}
	changes := make([]change, 0, len(stale))
	for _, id := range stale {
		u, last := t.dropLocked(id, now)
		changes = append(changes, change{userID: u, last: last})
	}
	t.mu.Unlock()

	for _, ch := range changes {
		log.Debug().Str("user_id", ch.userID).Msg("presence: swept stale connection")
		if ch.last && t.onChange != nil {
			ls := now
			t.onChange(ch.userID, false, &ls)
		}
	}
}
