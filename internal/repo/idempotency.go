package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/campuslink/comms-backend/internal/domain"
)

// ErrDuplicate means a record already holds this (user, receiver, key)
// tuple: the send was already performed and the caller should serve the
// stored message instead of writing a new one.
var ErrDuplicate = errors.New("duplicate")

// GetIdempotency returns the non-expired record for a retried send, or
// ErrNotFound. An empty receiver can never match.
func GetIdempotency(ctx context.Context, db *gorm.DB, userID, receiverID, key string, now time.Time) (*domain.Idempotency, error) {
	if strings.TrimSpace(receiverID) == "" {
		return nil, ErrNotFound
	}
	var rec domain.Idempotency
	err := db.WithContext(ctx).
		Where("user_id = ? AND receiver_id = ? AND key = ? AND expires_at > ?", userID, receiverID, key, now).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &rec, err
}

// CreateIdempotency records a completed send under its key so later retries
// can be answered from the store. A unique violation maps to ErrDuplicate.
func CreateIdempotency(ctx context.Context, db *gorm.DB, userID, receiverID, key, messageID string, status int, ttl time.Duration) (*domain.Idempotency, error) {
	now := time.Now().UTC()
	rec := &domain.Idempotency{
		ID:         uuid.NewString(),
		UserID:     userID,
		ReceiverID: receiverID,
		Key:        key,
		MessageID:  messageID,
		Status:     status,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
		low := strings.ToLower(err.Error())
		if errors.Is(err, gorm.ErrDuplicatedKey) ||
			strings.Contains(low, "unique constraint failed") ||
			strings.Contains(low, "constraint failed: unique") {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return rec, nil
}
