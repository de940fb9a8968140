// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// Announcement and Suggestion models.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/campuslink/comms-backend/internal/domain"
)

// CreateAnnouncement inserts a new announcement row.
func CreateAnnouncement(ctx context.Context, db *gorm.DB, authorID, title, body string) (*domain.Announcement, error) {
	a := &domain.Announcement{
		ID:        uuid.NewString(),
		AuthorID:  authorID,
		Title:     title,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
	return a, db.WithContext(ctx).Create(a).Error
}

// ListAnnouncementsPage returns announcements newest first.
func ListAnnouncementsPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.Announcement, error) {
	var out []domain.Announcement
	err := db.WithContext(ctx).
		Order("created_at DESC, id DESC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// CountAnnouncements uses a raw COUNT so a missing table surfaces as an error.
func CountAnnouncements(ctx context.Context, db *gorm.DB) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw(
		"SELECT COUNT(*) FROM announcements WHERE deleted_at IS NULL",
	).Scan(&total).Error
	return total, err
}

// CreateSuggestion inserts a new suggestion row addressed to recipientID.
func CreateSuggestion(ctx context.Context, db *gorm.DB, authorID, recipientID, content string) (*domain.Suggestion, error) {
	s := &domain.Suggestion{
		ID:          uuid.NewString(),
		AuthorID:    authorID,
		RecipientID: recipientID,
		Content:     content,
		CreatedAt:   time.Now().UTC(),
	}
	return s, db.WithContext(ctx).Create(s).Error
}

// ListSuggestionsFor returns suggestions addressed to recipientID, newest
// first.
func ListSuggestionsFor(ctx context.Context, db *gorm.DB, recipientID string, offset, limit int) ([]domain.Suggestion, error) {
	var out []domain.Suggestion
	err := db.WithContext(ctx).
		Where("recipient_id = ?", recipientID).
		Order("created_at DESC, id DESC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}
