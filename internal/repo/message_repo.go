// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Message
// model: creation, conversation paging, inbox queries, and the one-way read
// flag transition.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/campuslink/comms-backend/internal/domain"
)

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("not found")

// CreateMessage inserts a new message row. The store assigns the identifier;
// the row starts unread.
func CreateMessage(ctx context.Context, db *gorm.DB, senderID, receiverID, subject, content string) (*domain.Message, error) {
	m := &domain.Message{
		ID:         uuid.NewString(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Subject:    subject,
		Content:    content,
		CreatedAt:  time.Now().UTC(),
	}
	return m, db.WithContext(ctx).Create(m).Error
}

// GetMessage fetches a message by ID.
func GetMessage(ctx context.Context, db *gorm.DB, id string) (*domain.Message, error) {
	var m domain.Message
	if err := db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

// conversationScope matches messages exchanged between two users in either
// direction.
func conversationScope(db *gorm.DB, userID, contactID string) *gorm.DB {
	return db.Where(
		"(sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)",
		userID, contactID, contactID, userID,
	)
}

// CountConversation uses a raw COUNT so a missing table surfaces as an error.
func CountConversation(ctx context.Context, db *gorm.DB, userID, contactID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM messages
		 WHERE deleted_at IS NULL
		   AND ((sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?))`,
		userID, contactID, contactID, userID,
	).Scan(&total).Error
	return total, err
}

// ListConversationPage returns a page of the two-party conversation ordered
// deterministically (CreatedAt ASC, ID ASC). Store identifiers are UUIDs and
// carry no order of their own; the timestamp is the display order.
func ListConversationPage(ctx context.Context, db *gorm.DB, userID, contactID string, offset, limit int) ([]domain.Message, error) {
	var out []domain.Message
	err := conversationScope(db.WithContext(ctx).Model(&domain.Message{}), userID, contactID).
		Order("created_at ASC, id ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// ListInboxPage returns messages received by userID, newest first.
func ListInboxPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.Message, error) {
	var out []domain.Message
	err := db.WithContext(ctx).
		Where("receiver_id = ?", userID).
		Order("created_at DESC, id DESC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// CountInbox returns the number of messages received by userID.
func CountInbox(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw(
		"SELECT COUNT(*) FROM messages WHERE deleted_at IS NULL AND receiver_id = ?", userID,
	).Scan(&total).Error
	return total, err
}

// MarkRead flips the read flag for one message. The `read = ?` guard makes
// the transition one-way and the call idempotent: a second call matches zero
// rows and reports flipped=false.
func MarkRead(ctx context.Context, db *gorm.DB, id, receiverID string) (flipped bool, err error) {
	res := db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("id = ? AND receiver_id = ? AND read = ?", id, receiverID, false).
		Update("read", true)
	return res.RowsAffected > 0, res.Error
}

// MarkAllReadFrom flips the read flag on every unread message sent by
// senderID to receiverID and returns how many rows changed. Issued once when
// the receiver opens that conversation.
func MarkAllReadFrom(ctx context.Context, db *gorm.DB, receiverID, senderID string) (int64, error) {
	res := db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("receiver_id = ? AND sender_id = ? AND read = ?", receiverID, senderID, false).
		Update("read", true)
	return res.RowsAffected, res.Error
}

// UnreadCount is one row of the per-sender unread summary.
type UnreadCount struct {
	SenderID string `json:"sender_id"`
	Count    int64  `json:"count"`
}

// CountUnread returns the total number of unread messages for userID.
func CountUnread(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw(
		"SELECT COUNT(*) FROM messages WHERE deleted_at IS NULL AND receiver_id = ? AND read = ?",
		userID, false,
	).Scan(&total).Error
	return total, err
}

// CountUnreadBySender groups the unread messages of userID by sender. The
// inbox renders this as the per-contact badge on first load, before any
// socket event has arrived.
func CountUnreadBySender(ctx context.Context, db *gorm.DB, userID string) ([]UnreadCount, error) {
	var out []UnreadCount
	err := db.WithContext(ctx).
		Model(&domain.Message{}).
		Select("sender_id, COUNT(*) AS count").
		Where("receiver_id = ? AND read = ?", userID, false).
		Group("sender_id").
		Order("sender_id ASC").
		Scan(&out).Error
	return out, err
}
