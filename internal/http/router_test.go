package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/campuslink/comms-backend/internal/config"
	"github.com/campuslink/comms-backend/internal/domain"
	"github.com/campuslink/comms-backend/internal/http/middleware"
	"github.com/campuslink/comms-backend/internal/notify"
	"github.com/campuslink/comms-backend/internal/presence"
	"github.com/campuslink/comms-backend/internal/repo"
	"github.com/campuslink/comms-backend/internal/ws"
)

// --- test DB helper (pure-Go sqlite, no CGO) ---
func newTestDB(t *testing.T, dsn string) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// newRealtime builds the tracker/hub/fanout trio the router needs, with the
// same wiring shape as cmd/server.
func newRealtime(t *testing.T, db *gorm.DB) (*ws.Hub, *presence.Tracker, *notify.Fanout) {
	t.Helper()
	var hub *ws.Hub
	tracker := presence.NewTracker(presence.Conf{SweepEvery: time.Hour},
		func(userID string, online bool, lastSeen *time.Time) {
			if hub != nil {
				hub.BroadcastPresence(userID, online, lastSeen)
			}
		})
	t.Cleanup(tracker.Close)
	hub = ws.NewHub(tracker, nil,
		func(ctx context.Context, messageID string) (string, error) {
			msg, err := repo.GetMessage(ctx, db, messageID)
			if err != nil {
				return "", err
			}
			return msg.SenderID, nil
		},
		ws.Conf{},
	)
	return hub, tracker, notify.NewFanout(hub)
}

func baseConfig() config.Config {
	return config.Config{
		APIBasePath: "/api/v1",
		RateRPS:     100,
		RateBurst:   10,
		CORS:        config.CORSConfig{},
		Security:    config.SecurityConfig{EnableHSTS: false},
		OTEL:        config.OTELConfig{ServiceName: "test-svc"},
	}
}

func TestRegisterRoutes_CORSAllowAll_Health_Metrics_Fallbacks(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	db := newTestDB(t, "file:routerdb?mode=memory&cache=shared")
	hub, tracker, fanout := newRealtime(t, db)
	RegisterRoutes(r, db, hub, tracker, fanout, baseConfig())

	// /health works
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	// CORS (AllowAllOrigins) → header "*"
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("AllowAllOrigins expected '*', got %q", got)
	}

	// /metrics is wired
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || len(w.Body.Bytes()) == 0 {
		t.Fatalf("GET /metrics bad: code=%d len=%d", w.Code, w.Body.Len())
	}

	// NoRoute → 404
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/nope", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("GET /nope expected 404, got %d", w.Code)
	}

	// NoMethod → 405 (POST /health)
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/health", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /health expected 405, got %d", w.Code)
	}
}

func TestRegisterRoutes_CORSWithOrigins_HeaderEcho(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	cfg := baseConfig()
	cfg.APIBasePath = "/api/v2"
	cfg.CORS = config.CORSConfig{AllowedOrigins: []string{"http://example.com"}}

	db := newTestDB(t, "file:routerdb_cors?mode=memory&cache=shared")
	hub, tracker, fanout := newRealtime(t, db)
	RegisterRoutes(r, db, hub, tracker, fanout, cfg)

	// Any request runs through CORS middleware; header should reflect origin.
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://example.com")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://example.com" {
		t.Fatalf("expected ACAO echo, got %q", got)
	}
}

// End-to-end through the real pipeline: persist a message over REST, read it
// back from the inbox, flip it read.
func TestRegisterRoutes_MessageLifecycle(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	db := newTestDB(t, "file:routerdb_msg?mode=memory&cache=shared")
	hub, tracker, fanout := newRealtime(t, db)
	RegisterRoutes(r, db, hub, tracker, fanout, baseConfig())

	// send alice -> bob
	body := bytes.NewBufferString(`{"receiver_id":"bob","content":"see you at the library"}`)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/messages", body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "alice")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("POST /messages = %d body=%s", w.Code, w.Body.String())
	}
	var sent struct {
		Message domain.Message `json:"message"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &sent); err != nil || sent.Message.ID == "" {
		t.Fatalf("send response missing id: %v %s", err, w.Body.String())
	}

	// bob's inbox contains it
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/v1/messages/inbox", nil)
	req.Header.Set("X-User-ID", "bob")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /messages/inbox = %d", w.Code)
	}
	var inbox struct {
		Messages []domain.Message `json:"messages"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &inbox); err != nil {
		t.Fatalf("decode inbox: %v", err)
	}
	if len(inbox.Messages) != 1 || inbox.Messages[0].ID != sent.Message.ID {
		t.Fatalf("inbox = %+v, want the sent message", inbox.Messages)
	}

	// bob marks it read
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPut, "/api/v1/messages/"+sent.Message.ID+"/read", nil)
	req.Header.Set("X-User-ID", "bob")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("PUT read = %d body=%s", w.Code, w.Body.String())
	}

	// unread summary is now empty
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/v1/messages/unread", nil)
	req.Header.Set("X-User-ID", "bob")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /messages/unread = %d", w.Code)
	}
	var unread struct {
		Total int64 `json:"total"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &unread); err != nil {
		t.Fatalf("decode unread: %v", err)
	}
	if unread.Total != 0 {
		t.Fatalf("unread total = %d, want 0", unread.Total)
	}
}

func TestRegisterRoutes_RealtimeConfig(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	cfg := baseConfig()
	cfg.WS.HeartbeatInterval = 30 * time.Second
	cfg.Client.DeliveredFallback = 3 * time.Second
	cfg.Client.DedupWindow = 5 * time.Second

	db := newTestDB(t, "file:routerdb_rtc?mode=memory&cache=shared")
	hub, tracker, fanout := newRealtime(t, db)
	RegisterRoutes(r, db, hub, tracker, fanout, cfg)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/realtime-config", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /realtime-config = %d", w.Code)
	}
	var got map[string]int64
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["heartbeat_interval_ms"] != 30000 || got["delivered_fallback_ms"] != 3000 || got["dedup_window_ms"] != 5000 {
		t.Fatalf("unexpected tuning values: %v", got)
	}
}

func TestRegisterRoutes_WebsocketRouteRejectsPlainGET(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	db := newTestDB(t, "file:routerdb_ws?mode=memory&cache=shared")
	hub, tracker, fanout := newRealtime(t, db)
	RegisterRoutes(r, db, hub, tracker, fanout, baseConfig())

	// No upgrade headers: gorilla writes the handshake failure itself.
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("GET /ws without upgrade = %d, want 400", w.Code)
	}
}

func Test_limitBody_Middleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	// tiny cap to trigger MaxBytesReader
	r.Use(limitBody(10))
	r.POST("/echo", func(c *gin.Context) {
		_, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.String(http.StatusRequestEntityTooLarge, "too big")
			return
		}
		c.String(http.StatusOK, "ok")
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/echo", bytes.NewBufferString("0123456789AB")) // 12 bytes
	r.ServeHTTP(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 from limitBody, got %d", w.Code)
	}
}

func Test_groupWithPrefix(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	// "/" and "" should mount at root
	root1 := groupWithPrefix(r, "/")
	root1.GET("/one", func(c *gin.Context) { c.String(http.StatusOK, "one") })
	root2 := groupWithPrefix(r, "")
	root2.GET("/two", func(c *gin.Context) { c.String(http.StatusOK, "two") })

	// non-root prefix
	api := groupWithPrefix(r, "/api")
	api.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	for path, want := range map[string]string{"/one": "one", "/two": "two", "/api/ping": "pong"} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		r.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK || rec.Body.String() != want {
			t.Fatalf("GET %s got %d %q", path, rec.Code, rec.Body.String())
		}
	}
}

func TestRegisterRoutes_IdempotencyCallback_MissAndHit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	db := newTestDB(t, "file:routerdb_idem?mode=memory&cache=shared")
	hub, tracker, fanout := newRealtime(t, db)
	RegisterRoutes(r, db, hub, tracker, fanout, baseConfig())

	const userID = "u1"
	const key = "key-hit"

	// --- MISS: record does not exist (executes 'rec == nil' branch) ---
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/health", bytes.NewBufferString("{}"))
	req.Header.Set("X-User-ID", userID)
	req.Header.Set(middleware.HeaderIdempotencyKey, key)
	r.ServeHTTP(w, req)
	// NoMethod is expected for POST /health, but middleware ran.

	// --- seed an idempotency record so the callback returns non-nil ---
	seed := &domain.Idempotency{
		ID:         "idem-seed-1",
		UserID:     userID,
		ReceiverID: "",
		Key:        key,
		MessageID:  "m-1",
		Status:     1,
		ExpiresAt:  time.Now().Add(time.Hour),
	}
	if err := db.Create(seed).Error; err != nil {
		t.Fatalf("seed idempotency: %v", err)
	}

	// --- HIT: record exists (executes 'return true, nil' branch) ---
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/health", bytes.NewBufferString("{}"))
	req.Header.Set("X-User-ID", userID)
	req.Header.Set(middleware.HeaderIdempotencyKey, key)
	r.ServeHTTP(w, req)
	// again, 405 is fine; goal is to drive the middleware branch.
}

func TestRegisterRoutes_IdempotencyCallback_ErrorBranch(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	db := newTestDB(t, "file:routerdb_err?mode=memory&cache=shared")
	hub, tracker, fanout := newRealtime(t, db)
	RegisterRoutes(r, db, hub, tracker, fanout, baseConfig())

	// Force queries to fail by closing the underlying connection.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db.DB(): %v", err)
	}
	_ = sqlDB.Close()

	// Now any repo.GetIdempotency call should error → drives (err != nil) branch.
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/health", bytes.NewBufferString("{}"))
	req.Header.Set("X-User-ID", "u1")
	req.Header.Set(middleware.HeaderIdempotencyKey, "force-error")
	r.ServeHTTP(w, req)

	// 405 is expected for POST /health; goal is to exercise the middleware branch.
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
}
