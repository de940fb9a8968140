package client

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/campuslink/comms-backend/internal/ws"
)

const (
	// DefaultDedupWindow is the tolerance for recognizing a confirmation
	// of an optimistic echo by sender+content when no store id matches.
	DefaultDedupWindow = 5 * time.Second

	// DefaultDeliveredFallback promotes a REST-acknowledged send to
	// delivered when no socket confirmation arrives in time.
	DefaultDeliveredFallback = 3 * time.Second
)

// Conf tunes the engine. Zero values fall back to the defaults above.
type Conf struct {
	DedupWindow       time.Duration
	DeliveredFallback time.Duration

	// Clock is the time source for optimistic echoes. Injectable for
	// tests, defaults to time.Now.
	Clock func() time.Time
}

func (c *Conf) norm() {
	if c.DedupWindow <= 0 {
		c.DedupWindow = DefaultDedupWindow
	}
	if c.DeliveredFallback <= 0 {
		c.DeliveredFallback = DefaultDeliveredFallback
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Hooks are the engine's outward calls. All are optional and invoked
// outside the engine's lock; they are expected to be fire-and-forget
// REST calls whose failures the engine does not observe.
type Hooks struct {
	// MarkRead flags one message read on the server. Fired when a
	// message arrives for the currently open conversation.
	MarkRead func(messageID string)

	// MarkAllRead flags every unread message from a sender read on the
	// server. Fired once when their conversation is opened.
	MarkAllRead func(senderID string)
}

type entry struct {
	view  MessageView
	seq   int         // arrival order, tie-break for equal timestamps
	timer *time.Timer // delivered-fallback, armed on REST ack

	// readPending marks a message read locally before its store id was
	// known (the advisory copy arrived first for an open conversation).
	// The durable flag write fires as soon as an id lands.
	readPending bool
}

// Engine reconciles one user's message list. Every public method is a
// single atomic step: a user send and a concurrent broadcast can never
// interleave into a lost update.
type Engine struct {
	selfID string
	conf   Conf
	hooks  Hooks
	badge  *Badge

	mu       sync.Mutex
	entries  []*entry
	byID     map[string]*entry // store id index
	byTempID map[string]*entry
	openPeer string
	seq      int
}

func NewEngine(selfID string, conf Conf, hooks Hooks) *Engine {
	conf.norm()
	return &Engine{
		selfID:   selfID,
		conf:     conf,
		hooks:    hooks,
		badge:    NewBadge(),
		byID:     make(map[string]*entry),
		byTempID: make(map[string]*entry),
	}
}

// Badge exposes the local unread counters.
func (e *Engine) Badge() *Badge { return e.badge }

// LoadHistory merges an authoritative history batch. Entries already
// known by store id are updated in place, everything else is appended.
// A batch can also carry the store id a locally-read advisory copy was
// waiting on; the deferred read confirmation fires then.
func (e *Engine) LoadHistory(msgs []ws.ChatMessage) {
	var confirm []string
	e.mu.Lock()
	for _, m := range msgs {
		state := StateDelivered
		if m.Read {
			state = StateRead
		}
		ent, _ := e.mergeLocked(m, state)
		if ent.readPending && ent.view.ID != "" {
			ent.readPending = false
			confirm = append(confirm, ent.view.ID)
		}
	}
	e.mu.Unlock()

	if e.hooks.MarkRead != nil {
		for _, id := range confirm {
			e.hooks.MarkRead(id)
		}
	}
}

// Send records the optimistic local echo and returns its temporary id.
// The caller issues the REST create and reports back via AckSend or
// FailSend.
func (e *Engine) Send(receiverID, subject, content string) string {
	tempID := "tmp-" + uuid.NewString()
	now := e.conf.Clock()

	e.mu.Lock()
	e.seq++
	ent := &entry{
		view: MessageView{
			TempID:     tempID,
			SenderID:   e.selfID,
			ReceiverID: receiverID,
			Subject:    subject,
			Content:    content,
			CreatedAt:  now,
			State:      StateSending,
		},
		seq: e.seq,
	}
	e.entries = append(e.entries, ent)
	e.byTempID[tempID] = ent
	e.mu.Unlock()

	return tempID
}

// AckSend applies the REST create response to an optimistic echo: the
// store id replaces the temporary one and the view advances to sent. A
// fallback timer promotes it to delivered if no socket confirmation
// lands within the window.
func (e *Engine) AckSend(tempID string, confirmed ws.ChatMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ent, ok := e.byTempID[tempID]
	if !ok {
		return
	}
	if ent.view.State == StateFailed {
		return
	}
	e.adoptIDLocked(ent, confirmed.ID)
	if !confirmed.CreatedAt.IsZero() {
		ent.view.CreatedAt = confirmed.CreatedAt
	}
	e.promoteLocked(ent, StateSent)

	// A socket confirmation that raced ahead of the REST ack has already
	// promoted past sent; no fallback needed then.
	if ent.view.State == StateSent {
		id := ent.view.ID
		ent.timer = time.AfterFunc(e.conf.DeliveredFallback, func() {
			e.fallbackDeliver(id, tempID)
		})
	}
}

// FailSend marks an optimistic echo failed after a terminal REST error.
// Failed is sticky: later confirmations for the same temp id are
// ignored and the user resends manually.
func (e *Engine) FailSend(tempID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ent, ok := e.byTempID[tempID]
	if !ok {
		return
	}
	ent.view.State = StateFailed
	if ent.timer != nil {
		ent.timer.Stop()
		ent.timer = nil
	}
}

// ApplyBroadcast feeds one socket frame (newMessage or messageSent)
// into the view. Confirmations of own sends merge with the optimistic
// echo; messages from a peer either trigger an immediate read (open
// conversation) or bump the badge.
func (e *Engine) ApplyBroadcast(m ws.ChatMessage) {
	incoming := m.SenderID != e.selfID

	e.mu.Lock()
	ent, created := e.mergeLocked(m, StateDelivered)

	var markReadID string
	var bumpSender string
	if incoming && created && !ent.view.Read {
		if e.openPeer != "" && e.openPeer == m.SenderID {
			// Conversation is on screen: flip locally, confirm over REST.
			ent.view.Read = true
			e.promoteLocked(ent, StateRead)
			if ent.view.ID != "" {
				markReadID = ent.view.ID
			} else {
				ent.readPending = true
			}
		} else {
			bumpSender = m.SenderID
		}
	}
	// A deferred confirmation fires once the store id arrives, whichever
	// copy carried it.
	if ent.readPending && ent.view.ID != "" {
		ent.readPending = false
		markReadID = ent.view.ID
	}
	e.mu.Unlock()

	if bumpSender != "" {
		e.badge.Inc(bumpSender)
	}
	if markReadID != "" && e.hooks.MarkRead != nil {
		e.hooks.MarkRead(markReadID)
	}
}

// ApplyReadReceipt handles a messageRead frame: the recipient read one
// of our messages. The flag only ever flips false to true.
func (e *Engine) ApplyReadReceipt(messageID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ent, ok := e.byID[messageID]
	if !ok || ent.view.State == StateFailed {
		return
	}
	ent.view.Read = true
	e.promoteLocked(ent, StateRead)
}

// SetOpen switches the currently open conversation. Opening a peer with
// unread messages issues one bulk mark-all-read call and flips the
// local copies; closing passes an empty peer id.
func (e *Engine) SetOpen(peerID string) {
	e.mu.Lock()
	e.openPeer = peerID
	hadUnread := false
	if peerID != "" {
		for _, ent := range e.entries {
			if ent.view.SenderID == peerID && !ent.view.Read && ent.view.State != StateFailed {
				ent.view.Read = true
				e.promoteLocked(ent, StateRead)
				hadUnread = true
			}
		}
	}
	e.mu.Unlock()

	if peerID == "" {
		return
	}
	e.badge.Clear(peerID)
	if hadUnread && e.hooks.MarkAllRead != nil {
		e.hooks.MarkAllRead(peerID)
	}
}

// Views renders the conversation with one peer sorted ascending by
// creation time. Arrival order breaks timestamp ties.
func (e *Engine) Views(peerID string) []MessageView {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]MessageView, 0, len(e.entries))
	sorted := make([]*entry, 0, len(e.entries))
	for _, ent := range e.entries {
		if ent.view.SenderID == peerID || ent.view.ReceiverID == peerID {
			sorted = append(sorted, ent)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if !a.view.CreatedAt.Equal(b.view.CreatedAt) {
			return a.view.CreatedAt.Before(b.view.CreatedAt)
		}
		return a.seq < b.seq
	})
	for _, ent := range sorted {
		out = append(out, ent.view)
	}
	return out
}

// AllViews renders every known message, ascending.
func (e *Engine) AllViews() []MessageView {
	e.mu.Lock()
	defer e.mu.Unlock()

	sorted := make([]*entry, len(e.entries))
	copy(sorted, e.entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if !a.view.CreatedAt.Equal(b.view.CreatedAt) {
			return a.view.CreatedAt.Before(b.view.CreatedAt)
		}
		return a.seq < b.seq
	})
	out := make([]MessageView, len(sorted))
	for i, ent := range sorted {
		out[i] = ent.view
	}
	return out
}

// mergeLocked is the single append-or-merge step. It matches by store
// id first, then by the sender+content+time heuristic against an
// optimistic echo, and appends a new entry only when neither matches.
// Returns the entry and whether it was newly created.
func (e *Engine) mergeLocked(m ws.ChatMessage, atLeast State) (*entry, bool) {
	if m.ID != "" {
		if ent, ok := e.byID[m.ID]; ok {
			e.updateLocked(ent, m, atLeast)
			return ent, false
		}
	}
	if ent := e.heuristicMatchLocked(m); ent != nil {
		// Two distinct messages with the same sender, content and a
		// timestamp within the window collapse here. Accepted
		// imprecision of content+time deduplication.
		log.Debug().Str("id", m.ID).Str("sender_id", m.SenderID).
			Msg("client: merged confirmation into optimistic echo")
		e.adoptIDLocked(ent, m.ID)
		e.updateLocked(ent, m, atLeast)
		return ent, false
	}

	e.seq++
	state := atLeast
	if m.Read {
		state = StateRead
	}
	ent := &entry{
		view: MessageView{
			ID:         m.ID,
			SenderID:   m.SenderID,
			ReceiverID: m.Receiver,
			Subject:    m.Subject,
			Content:    m.Content,
			CreatedAt:  m.CreatedAt,
			State:      state,
			Read:       m.Read,
		},
		seq: e.seq,
	}
	e.entries = append(e.entries, ent)
	if m.ID != "" {
		e.byID[m.ID] = ent
	}
	return ent, true
}

// heuristicMatchLocked finds the optimistic echo a confirmation without
// a usable id match belongs to.
func (e *Engine) heuristicMatchLocked(m ws.ChatMessage) *entry {
	for _, ent := range e.entries {
		v := ent.view
		if v.State == StateFailed {
			continue
		}
		// Two differing store ids mean two different messages. A side
		// missing its id (the optimistic echo, or the advisory socket
		// copy) can still match by sender+content+time.
		if v.ID != "" && m.ID != "" {
			continue
		}
		if v.SenderID != m.SenderID {
			continue
		}
		if strings.TrimSpace(v.Content) != strings.TrimSpace(m.Content) {
			continue
		}
		ts := m.CreatedAt
		if ts.IsZero() {
			ts = e.conf.Clock()
		}
		d := ts.Sub(v.CreatedAt)
		if d < 0 {
			d = -d
		}
		if d <= e.conf.DedupWindow {
			return ent
		}
	}
	return nil
}

func (e *Engine) adoptIDLocked(ent *entry, id string) {
	if id == "" || ent.view.ID == id {
		return
	}
	if ent.view.ID != "" {
		delete(e.byID, ent.view.ID)
	}
	ent.view.ID = id
	e.byID[id] = ent
}

func (e *Engine) updateLocked(ent *entry, m ws.ChatMessage, atLeast State) {
	if ent.view.State == StateFailed {
		return
	}
	// The advisory copy's timestamp never overrides a store-stamped one.
	if !m.CreatedAt.IsZero() && (m.ID != "" || ent.view.ID == "") {
		ent.view.CreatedAt = m.CreatedAt
	}
	if m.Subject != "" {
		ent.view.Subject = m.Subject
	}
	if m.Read {
		ent.view.Read = true
		atLeast = StateRead
	}
	e.promoteLocked(ent, atLeast)
}

// promoteLocked moves a view forward, never backward. A confirmation
// arriving before the fallback timer fires cancels the timer.
func (e *Engine) promoteLocked(ent *entry, to State) {
	if ent.view.State == StateFailed {
		return
	}
	if to.rank() <= ent.view.State.rank() {
		return
	}
	ent.view.State = to
	if to.rank() >= StateDelivered.rank() && ent.timer != nil {
		ent.timer.Stop()
		ent.timer = nil
	}
}

// fallbackDeliver runs when the delivered-fallback window elapses with
// no socket confirmation. The REST acknowledgment alone is then taken
// as delivery.
func (e *Engine) fallbackDeliver(id, tempID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ent, ok := e.byID[id]
	if !ok {
		ent, ok = e.byTempID[tempID]
	}
	if !ok || ent.view.State != StateSent {
		return
	}
	ent.view.State = StateDelivered
	ent.timer = nil
	log.Debug().Str("id", id).Msg("client: delivered via fallback timer")
}
