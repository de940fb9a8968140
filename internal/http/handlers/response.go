// Package handlers implements the REST endpoints of the messaging API:
// sending, inbox and conversation listings, read receipts, unread counters,
// announcements and suggestions.
//
// Every endpoint answers failures with the same envelope so clients can
// branch on a stable code:
//
//	HTTP/1.1 404 Not Found
//	{
//	  "request_id": "123e4567-e89b-12d3-a456-426614174000",
//	  "code": "not_found",
//	  "message": "message not found"
//	}
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/campuslink/comms-backend/internal/http/middleware"
)

// ErrorResponse is the error envelope shared by all endpoints. RequestID
// echoes X-Request-ID for correlating a client report with server logs;
// Code is one of the stable constants in errors.go; Message is safe to show
// to users.
type ErrorResponse struct {
	RequestID string `json:"request_id,omitempty" example:"123e4567-e89b-12d3-a456-426614174000"`
	Code      string `json:"code" example:"not_found"`
	Message   string `json:"message" example:"message not found"`
}

// fail aborts with the error envelope. 5xx responses are also logged through
// the request-scoped logger, 4xx are the client's problem and stay quiet.
func fail(c *gin.Context, status int, code, msg string) {
	resp := ErrorResponse{
		RequestID: c.Writer.Header().Get("X-Request-ID"),
		Code:      code,
		Message:   msg,
	}

	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}

	c.AbortWithStatusJSON(status, resp)
}

// Fail lets the router and other packages emit the same envelope without
// reaching into unexported helpers.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

func noContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}
