// Announcement and suggestion HTTP handlers.
//
// This file exposes REST endpoints for the school-wide surfaces:
//   - POST /announcements  (publish, pushed to all connected users)
//   - GET  /announcements  (list, paginated)
//   - POST /suggestions    (submit, pushed to the recipient)
//   - GET  /suggestions    (list addressed to the caller, paginated)
package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/campuslink/comms-backend/internal/domain"
	"github.com/campuslink/comms-backend/internal/services"
)

// BoardService defines announcement and suggestion operations consumed
// by HTTP handlers.
type BoardService interface {
	CreateAnnouncement(ctx context.Context, authorID, title, body string) (*domain.Announcement, error)
	ListAnnouncements(ctx context.Context, page, pageSize int) ([]domain.Announcement, int64, error)
	CreateSuggestion(ctx context.Context, authorID, recipientID, content string) (*domain.Suggestion, error)
	SuggestionsFor(ctx context.Context, recipientID string, page, pageSize int) ([]domain.Suggestion, error)
}

//
// DTOs
//

// CreateAnnouncementRequest is the JSON payload for publishing an
// announcement.
type CreateAnnouncementRequest struct {
	Title string `json:"title" binding:"required,min=1,max=255" example:"Sports day"`
	Body  string `json:"body" binding:"required,min=1" example:"Friday on the main field, classes end at noon."`
}

// ListAnnouncementsResponse wraps a page of announcements.
type ListAnnouncementsResponse struct {
	Announcements []domain.Announcement `json:"announcements"`
	Pagination    Pagination            `json:"pagination"`
}

// CreateSuggestionRequest is the JSON payload for submitting a
// suggestion to one recipient.
type CreateSuggestionRequest struct {
	RecipientID string `json:"recipient_id" binding:"required,min=1" example:"head-teacher"`
	Content     string `json:"content" binding:"required,min=1" example:"Longer lunch breaks on exam days."`
}

// ListSuggestionsResponse wraps suggestions addressed to the caller.
type ListSuggestionsResponse struct {
	Suggestions []domain.Suggestion `json:"suggestions"`
}

//
// Handlers
//

// CreateAnnouncement publishes a school-wide announcement.
func (h *Handlers) CreateAnnouncement(c *gin.Context) {
	var req CreateAnnouncementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "title and body required")
		return
	}

	ann, err := h.boardSvc.CreateAnnouncement(c.Request.Context(), userID(c), req.Title, sanitizeContent(req.Body))
	if err != nil {
		switch err {
		case services.ErrEmptyTitle, services.ErrEmptyBody, services.ErrTooLong:
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		default:
			fail(c, http.StatusInternalServerError, ErrCodeCreateFailed, err.Error())
		}
		return
	}
	ok(c, http.StatusCreated, ann)
}

// ListAnnouncements returns the paginated announcement feed, newest
// first.
func (h *Handlers) ListAnnouncements(c *gin.Context) {
	page, pageSize := clampPagination(c)
	items, total, err := h.boardSvc.ListAnnouncements(c.Request.Context(), page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, ListAnnouncementsResponse{
		Announcements: items,
		Pagination:    paginationMeta(page, pageSize, total),
	})
}

// CreateSuggestion submits a private suggestion addressed to one user.
func (h *Handlers) CreateSuggestion(c *gin.Context) {
	var req CreateSuggestionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "recipient_id and content required")
		return
	}

	sug, err := h.boardSvc.CreateSuggestion(c.Request.Context(), userID(c), strings.TrimSpace(req.RecipientID), sanitizeContent(req.Content))
	if err != nil {
		switch err {
		case services.ErrEmptyReceiver, services.ErrEmptyContent, services.ErrTooLong:
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		default:
			fail(c, http.StatusInternalServerError, ErrCodeCreateFailed, err.Error())
		}
		return
	}
	ok(c, http.StatusCreated, sug)
}

// ListSuggestions returns suggestions addressed to the caller, newest
// first.
func (h *Handlers) ListSuggestions(c *gin.Context) {
	page, pageSize := clampPagination(c)
	items, err := h.boardSvc.SuggestionsFor(c.Request.Context(), userID(c), page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	if items == nil {
		items = []domain.Suggestion{}
	}
	ok(c, http.StatusOK, ListSuggestionsResponse{Suggestions: items})
}
