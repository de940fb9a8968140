// Presence HTTP handler.
//
// GET /presence returns a point-in-time snapshot of who is online and
// when everyone else was last seen. Clients receive live updates over
// the socket; this endpoint covers the initial page load and socketless
// fallbacks.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// PresenceSource is the read-only view of the presence tracker the HTTP
// layer needs.
type PresenceSource interface {
	OnlineUserIDs() []string
	LastSeenAll() map[string]time.Time
}

// PresenceSnapshotResponse is the JSON shape of the presence snapshot.
type PresenceSnapshotResponse struct {
	Online   []string             `json:"online"`
	LastSeen map[string]time.Time `json:"last_seen"`
}

// PresenceSnapshot reports currently online users and last-seen
// timestamps for everyone who disconnected cleanly.
func (h *Handlers) PresenceSnapshot(c *gin.Context) {
	online := h.presence.OnlineUserIDs()
	if online == nil {
		online = []string{}
	}
	lastSeen := h.presence.LastSeenAll()
	if lastSeen == nil {
		lastSeen = map[string]time.Time{}
	}
	ok(c, http.StatusOK, PresenceSnapshotResponse{Online: online, LastSeen: lastSeen})
}
