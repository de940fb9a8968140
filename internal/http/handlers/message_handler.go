// Message HTTP handlers.
//
// This file exposes REST endpoints for direct messages:
//   - POST /messages                          (send a message)
//   - GET  /messages/conversation/{contactId} (two-way history, paginated)
//   - GET  /messages/inbox                    (received messages, paginated)
//   - GET  /messages/unread                   (unread summary for badges)
//   - PUT  /messages/{id}/read                (flip one message to read)
//   - PUT  /messages/read-all/{senderId}      (bulk flip for one sender)
//
// Handlers are transport-thin:
//   - validate & normalize inputs (including newline and length constraints)
//   - delegate to application services (MessageService)
//   - implement idempotency semantics for sends
//
// The REST send path is the authoritative one; the socket sendMessage
// event is advisory. Clients reconcile the two notifications locally.
//
// Idempotency:
// If the client supplies an Idempotency-Key header and a previous
// successful result exists for (user, receiver, key), the handler
// returns that recorded message and sets `Idempotency-Replayed: true`.
// This makes optimistic client resends safe.
package handlers

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/campuslink/comms-backend/internal/domain"
	"github.com/campuslink/comms-backend/internal/repo"
	"github.com/campuslink/comms-backend/internal/services"
	"github.com/campuslink/comms-backend/internal/utils"
)

//
// Service contracts (context-aware)
//

// MessageService defines message operations consumed by HTTP handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type MessageService interface {
	// Send persists a direct message and triggers the realtime push.
	Send(ctx context.Context, senderID, receiverID, subject, content string) (*domain.Message, error)
	// Conversation returns a page of two-way history plus total count.
	Conversation(ctx context.Context, userID, contactID string, page, pageSize int) ([]domain.Message, int64, error)
	// Inbox returns a page of received messages plus total count.
	Inbox(ctx context.Context, userID string, page, pageSize int) ([]domain.Message, int64, error)
	// MarkRead flips one received message to read.
	MarkRead(ctx context.Context, userID, messageID string) error
	// MarkAllRead flips every unread message from senderID.
	MarkAllRead(ctx context.Context, userID, senderID string) (int64, error)
	// UnreadSummary returns badge totals per sender.
	UnreadSummary(ctx context.Context, userID string) (int64, []repo.UnreadCount, error)
}

//
// Handler wiring
//

// Handlers groups HTTP endpoints for messages, announcements,
// suggestions, and presence. It depends on abstract service interfaces
// to keep transport concerns separate from business logic.
type Handlers struct {
	msgSvc   MessageService
	boardSvc BoardService
	presence PresenceSource
}

// New constructs and returns a Handlers instance bound to the given services.
func New(msgSvc MessageService, boardSvc BoardService, presence PresenceSource) *Handlers {
	return &Handlers{msgSvc: msgSvc, boardSvc: boardSvc, presence: presence}
}

// userID extracts the authenticated user id from Gin context (set by upstream
// middleware). If absent, it falls back to "X-User-ID" header (tests use it),
// and finally to "demo-user". It never touches c.Request if it's nil.
func userID(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if c != nil && c.Request != nil {
		if h := strings.TrimSpace(c.GetHeader("X-User-ID")); h != "" {
			return h
		}
	}
	return "demo-user"
}

//
// DTOs
//

// SendMessageRequest is the JSON payload for sending a direct message.
//
// Content is normalized by the handler (line endings and excessive blank
// lines) before being passed to the service layer. The service also
// enforces a maximum rune count, which can be configured in
// MessageService.
type SendMessageRequest struct {
	// ReceiverID is the addressee. It must be non-empty.
	ReceiverID string `json:"receiver_id" binding:"required,min=1" example:"teacher-42"`
	// Subject optionally titles the message; auto-generated when empty.
	Subject string `json:"subject" example:"Field trip forms"`
	// Content is the message body. It must be non-empty.
	Content string `json:"content" binding:"required,min=1" example:"Please return the signed form by Friday."`
}

// SendMessageResponse is the JSON envelope for a newly stored message.
type SendMessageResponse struct {
	Message *domain.Message `json:"message"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListMessagesResponse contains a page of messages and pagination metadata.
type ListMessagesResponse struct {
	Messages   []domain.Message `json:"messages"`
	Pagination Pagination       `json:"pagination"`
}

// UnreadSummaryResponse reports unread totals for badge seeding.
type UnreadSummaryResponse struct {
	Total    int64              `json:"total"`
	BySender []repo.UnreadCount `json:"by_sender"`
}

// MarkAllReadResponse reports how many messages a bulk flip touched.
type MarkAllReadResponse struct {
	Updated int64 `json:"updated"`
}

//
// Helpers
//

// clampPagination parses page/page_size from query parameters, applies sane
// defaults and caps, and returns the validated (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.AtoiDefault(c.Query("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return
}

// nlCollapseRE collapses runs of 3+ newlines to two, preserving paragraphs.
var nlCollapseRE = regexp.MustCompile(`\n{3,}`)

// sanitizeContent normalizes user text for consistent downstream behavior:
//   - converts CRLF/CR to LF,
//   - collapses runs of 3+ LFs to exactly two (paragraph separation),
//   - trims surrounding whitespace.
func sanitizeContent(raw string) string {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = nlCollapseRE.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// discoverMaxContentRunes inspects the concrete MessageService for a
// configured length limit. If unavailable, it returns a conservative
// fallback.
func discoverMaxContentRunes(msgSvc MessageService) int {
	const fallback = 10000
	if ms, ok := msgSvc.(*services.MessageService); ok {
		if ms.MaxContentRunes > 0 {
			return ms.MaxContentRunes
		}
	}
	return fallback
}

func paginationMeta(page, pageSize int, total int64) Pagination {
	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
	}
}

//
// Handlers
//

// SendMessage stores a direct message and pushes it to the recipient's
// live sessions. Supports idempotent retries via the Idempotency-Key
// header (same key → same stored message).
func (h *Handlers) SendMessage(c *gin.Context) {
	ctx := c.Request.Context()

	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "receiver_id and content required")
		return
	}

	// Sanitize + early size cap to fail fast at the edge.
	content := sanitizeContent(req.Content)
	maxRunes := discoverMaxContentRunes(h.msgSvc)
	if maxRunes > 0 && utf8.RuneCountInString(content) > maxRunes {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("content too long: max %d runes", maxRunes))
		return
	}
	if content == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}

	currentUser := userID(c)

	// Idempotency (replay path) – read validated key if present.
	idemKey, _ := idempotencyKey(c)
	if idemKey != "" {
		if svc, okSvc := h.msgSvc.(*services.MessageService); okSvc && svc.DB != nil {
			if rec, err := repo.GetIdempotency(ctx, svc.DB, currentUser, req.ReceiverID, idemKey, time.Now().UTC()); err == nil && rec != nil {
				if prev, err2 := repo.GetMessage(ctx, svc.DB, rec.MessageID); err2 == nil {
					c.Header("Idempotency-Replayed", "true")
					ok(c, http.StatusOK, SendMessageResponse{Message: prev})
					return
				}
			}
		}
	}

	m, err := h.msgSvc.Send(ctx, currentUser, req.ReceiverID, req.Subject, content)
	if err != nil {
		switch err {
		case services.ErrEmptyReceiver, services.ErrEmptyContent, services.ErrSelfMessage:
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		case services.ErrTooLong:
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("content too long: max %d runes", maxRunes))
		default:
			fail(c, http.StatusInternalServerError, ErrCodeSendFailed, err.Error())
		}
		return
	}

	// Idempotency (store path) – best effort.
	if idemKey != "" {
		if svc, ok := h.msgSvc.(*services.MessageService); ok && svc.DB != nil {
			ttl := 24 * time.Hour
			_, _ = repo.CreateIdempotency(ctx, svc.DB, currentUser, req.ReceiverID, idemKey, m.ID, http.StatusOK, ttl)
		}
	}

	ok(c, http.StatusOK, SendMessageResponse{Message: m})
}

// Conversation returns the paginated two-way history with one contact,
// oldest first.
func (h *Handlers) Conversation(c *gin.Context) {
	ctx := c.Request.Context()
	contactID := strings.TrimSpace(c.Param("contactId"))
	if contactID == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "contact id required")
		return
	}

	page, pageSize := clampPagination(c)
	items, total, err := h.msgSvc.Conversation(ctx, userID(c), contactID, page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, ListMessagesResponse{
		Messages:   items,
		Pagination: paginationMeta(page, pageSize, total),
	})
}

// Inbox returns the paginated list of received messages, newest first.
func (h *Handlers) Inbox(c *gin.Context) {
	ctx := c.Request.Context()

	page, pageSize := clampPagination(c)
	items, total, err := h.msgSvc.Inbox(ctx, userID(c), page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, ListMessagesResponse{
		Messages:   items,
		Pagination: paginationMeta(page, pageSize, total),
	})
}

// UnreadSummary returns the unread totals used to seed client badges.
func (h *Handlers) UnreadSummary(c *gin.Context) {
	total, bySender, err := h.msgSvc.UnreadSummary(c.Request.Context(), userID(c))
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	if bySender == nil {
		bySender = []repo.UnreadCount{}
	}
	ok(c, http.StatusOK, UnreadSummaryResponse{Total: total, BySender: bySender})
}

// MarkRead flips one received message to read. The flag never reverts,
// repeated calls are no-ops.
func (h *Handlers) MarkRead(c *gin.Context) {
	messageID := c.Param("id")
	if _, err := uuid.Parse(messageID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "message id must be a UUID")
		return
	}

	if err := h.msgSvc.MarkRead(c.Request.Context(), userID(c), messageID); err != nil {
		switch err {
		case services.ErrMessageNotFound:
			fail(c, http.StatusNotFound, ErrCodeNotFound, "message not found")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		}
		return
	}
	noContent(c)
}

// MarkAllRead flips every unread message from one sender, the bulk call
// a client issues when opening that conversation.
func (h *Handlers) MarkAllRead(c *gin.Context) {
	senderID := strings.TrimSpace(c.Param("senderId"))
	if senderID == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "sender id required")
		return
	}

	updated, err := h.msgSvc.MarkAllRead(c.Request.Context(), userID(c), senderID)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, MarkAllReadResponse{Updated: updated})
}

// idempotencyKey extracts an idempotency key if an upstream middleware
// has already validated/stashed it. The fallback behavior reads the
// "Idempotency-Key" header directly when no dedicated middleware exists.
func idempotencyKey(c *gin.Context) (string, bool) {
	if v := strings.TrimSpace(c.GetHeader("Idempotency-Key")); v != "" {
		return v, true
	}
	return "", false
}
