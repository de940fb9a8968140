// Websocket transport binding: upgrades the HTTP request, then runs one
// read loop and one write pump per connection. The read loop is the only
// caller of HandleEvent for its session, which gives each connection
// in-order, non-overlapping event processing; different connections are
// fully independent.
package ws

import (
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	// writeWait bounds a single frame write to a client.
	writeWait = 10 * time.Second
	// maxFrameBytes caps inbound frames; chat payloads are small.
	maxFrameBytes = 64 << 10
)

// HandlerOptions configures the transport binding.
type HandlerOptions struct {
	// AllowedOrigins restricts the websocket handshake Origin. Empty allows
	// any origin (development posture, same default as the CORS layer).
	AllowedOrigins []string
	// ReadTimeout closes connections with no inbound traffic at all. The
	// client-side heartbeat keeps healthy connections under this. Zero
	// disables the deadline.
	ReadTimeout time.Duration
}

// Handler returns the gin route that upgrades to a websocket and attaches
// the connection to the hub.
func Handler(hub *Hub, opts HandlerOptions) gin.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}

	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// Gorilla already wrote the handshake error response.
			log.Debug().Err(err).Msg("ws: upgrade failed")
			return
		}

		sess := hub.Open()
		go writePump(conn, sess)
		readLoop(c, conn, hub, sess, opts.ReadTimeout)
	}
}

// readLoop consumes frames until the peer goes away, then tears the
// session down. Abrupt disconnects are an expected condition: presence
// cleanup runs, nothing is surfaced as an error.
func readLoop(c *gin.Context, conn *websocket.Conn, hub *Hub, sess *Session, readTimeout time.Duration) {
	defer hub.CloseSession(sess)

	conn.SetReadLimit(maxFrameBytes)
	for {
		if readTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		}
		mt, data, err := conn.ReadMessage()
		if err != nil {
			logReadExit(sess, err)
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		hub.HandleEvent(c.Request.Context(), sess, data)
	}
}

// writePump drains the session's outbound queue onto the wire. It owns all
// writes to the connection; it exits when CloseSession closes the queue and
// then closes the transport, which in turn unblocks the read loop.
func writePump(conn *websocket.Conn, sess *Session) {
	defer func() { _ = conn.Close() }()

	for frame := range sess.Outbound() {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			log.Debug().Str("conn_id", sess.ID()).Err(err).Msg("ws: write failed")
			return
		}
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func logReadExit(sess *Session, err error) {
	switch {
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		log.Debug().Str("conn_id", sess.ID()).Msg("ws: peer closed")
	default:
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			log.Debug().Str("conn_id", sess.ID()).Msg("ws: read timeout")
			return
		}
		log.Debug().Str("conn_id", sess.ID()).Err(err).Msg("ws: read error")
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Non-browser clients send no Origin.
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
