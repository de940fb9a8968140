// Package services – MessageService
//
// This file implements MessageService, the application-level component
// that owns the lifecycle of direct messages. It validates inputs,
// persists through the repository layer, and performs the best-effort
// realtime side effects: pushing the stored message to the recipient's
// live sessions and bumping their unread badge. Persistence is the
// authoritative path; a failed push or badge update never fails the
// request.
//
// Optional enhancement: it auto-generates a subject line from the
// message body when the sender left it blank.
//
// Observability: public methods are OpenTelemetry-instrumented; spans
// include sender/receiver identifiers and pagination parameters where
// applicable.
package services

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"

	"gorm.io/gorm"

	"github.com/campuslink/comms-backend/internal/domain"
	"github.com/campuslink/comms-backend/internal/notify"
	"github.com/campuslink/comms-backend/internal/repo"
	"github.com/campuslink/comms-backend/internal/ws"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// MessageRepo defines the repository contract required by MessageService.
type MessageRepo interface {
	CreateMessage(ctx context.Context, db *gorm.DB, senderID, receiverID, subject, content string) (*domain.Message, error)
	GetMessage(ctx context.Context, db *gorm.DB, id string) (*domain.Message, error)
	CountConversation(ctx context.Context, db *gorm.DB, userID, contactID string) (int64, error)
	ListConversationPage(ctx context.Context, db *gorm.DB, userID, contactID string, offset, limit int) ([]domain.Message, error)
	CountInbox(ctx context.Context, db *gorm.DB, userID string) (int64, error)
	ListInboxPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.Message, error)
	MarkRead(ctx context.Context, db *gorm.DB, id, receiverID string) (bool, error)
	MarkAllReadFrom(ctx context.Context, db *gorm.DB, receiverID, senderID string) (int64, error)
	CountUnread(ctx context.Context, db *gorm.DB, userID string) (int64, error)
	CountUnreadBySender(ctx context.Context, db *gorm.DB, userID string) ([]repo.UnreadCount, error)
}

// GormMessageRepo adapts the free functions in package repo to the
// MessageRepo interface.
type GormMessageRepo struct{}

func (GormMessageRepo) CreateMessage(ctx context.Context, db *gorm.DB, senderID, receiverID, subject, content string) (*domain.Message, error) {
	return repo.CreateMessage(ctx, db, senderID, receiverID, subject, content)
}
func (GormMessageRepo) GetMessage(ctx context.Context, db *gorm.DB, id string) (*domain.Message, error) {
	return repo.GetMessage(ctx, db, id)
}
func (GormMessageRepo) CountConversation(ctx context.Context, db *gorm.DB, userID, contactID string) (int64, error) {
	return repo.CountConversation(ctx, db, userID, contactID)
}
func (GormMessageRepo) ListConversationPage(ctx context.Context, db *gorm.DB, userID, contactID string, offset, limit int) ([]domain.Message, error) {
	return repo.ListConversationPage(ctx, db, userID, contactID, offset, limit)
}
func (GormMessageRepo) CountInbox(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	return repo.CountInbox(ctx, db, userID)
}
func (GormMessageRepo) ListInboxPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.Message, error) {
	return repo.ListInboxPage(ctx, db, userID, offset, limit)
}
func (GormMessageRepo) MarkRead(ctx context.Context, db *gorm.DB, id, receiverID string) (bool, error) {
	return repo.MarkRead(ctx, db, id, receiverID)
}
func (GormMessageRepo) MarkAllReadFrom(ctx context.Context, db *gorm.DB, receiverID, senderID string) (int64, error) {
	return repo.MarkAllReadFrom(ctx, db, receiverID, senderID)
}
func (GormMessageRepo) CountUnread(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	return repo.CountUnread(ctx, db, userID)
}
func (GormMessageRepo) CountUnreadBySender(ctx context.Context, db *gorm.DB, userID string) ([]repo.UnreadCount, error) {
	return repo.CountUnreadBySender(ctx, db, userID)
}

// Pusher delivers a frame to every live session of one user. Satisfied
// by *ws.Hub. Optional: a nil Pusher makes all pushes no-ops.
type Pusher interface {
	Route(event, targetUserID string, payload any) int
}

// Badges maintains server-side unread counters. Satisfied by
// *notify.Fanout. Optional like Pusher.
type Badges interface {
	Bump(userID, category string, delta int) int
	Set(userID, category string, count int)
	Reset(userID, category string)
}

// MessageService coordinates message persistence with the realtime
// layer.
type MessageService struct {
	DB   *gorm.DB
	Repo MessageRepo

	// Best-effort realtime side effects, both optional.
	Hub    Pusher
	Badges Badges

	// MaxContentRunes caps message bodies; 0 disables the guard.
	MaxContentRunes int

	// Subject generation config
	SubjectLocale language.Tag
	SubjectMaxLen int
}

// NewMessageService constructs a MessageService with sane defaults.
func NewMessageService(db *gorm.DB, hub Pusher, badges Badges) *MessageService {
	return &MessageService{
		DB:              db,
		Repo:            GormMessageRepo{},
		Hub:             hub,
		Badges:          badges,
		MaxContentRunes: 10000,
		SubjectMaxLen:   60,
	}
}

// Send validates and persists a direct message, then pushes it to the
// recipient's sessions and bumps their badge. The returned message
// carries the store-assigned id the client reconciles against.
func (s *MessageService) Send(ctx context.Context, senderID, receiverID, subject, content string) (*domain.Message, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "Send",
		trace.WithAttributes(
			attribute.String("sender.id", senderID),
			attribute.String("receiver.id", receiverID),
		),
	)
	defer span.End()

	receiverID = strings.TrimSpace(receiverID)
	content = strings.TrimSpace(content)
	if receiverID == "" {
		return nil, ErrEmptyReceiver
	}
	if content == "" {
		return nil, ErrEmptyContent
	}
	if receiverID == senderID {
		return nil, ErrSelfMessage
	}
	if s.MaxContentRunes > 0 && utf8.RuneCountInString(content) > s.MaxContentRunes {
		return nil, ErrTooLong
	}

	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = s.clipSubject(s.generateSubject(content))
	}

	msg, err := s.Repo.CreateMessage(ctx, s.DB, senderID, receiverID, subject, content)
	if err != nil {
		return nil, err
	}

	if s.Hub != nil {
		wire := wireMessage(msg)
		s.Hub.Route(ws.EvtNewMessage, receiverID, wire)
		s.Hub.Route(ws.EvtMessageSent, senderID, wire)
	}
	if s.Badges != nil {
		s.Badges.Bump(receiverID, notify.CategoryMessages, 1)
	}
	return msg, nil
}

// Conversation returns one page of the two-way history between userID
// and contactID, oldest first, plus the total count.
func (s *MessageService) Conversation(ctx context.Context, userID, contactID string, page, pageSize int) ([]domain.Message, int64, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "Conversation",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("contact.id", contactID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	page, pageSize = normPage(page, pageSize)
	total, err := s.Repo.CountConversation(ctx, s.DB, userID, contactID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Message{}, 0, nil
	}
	items, err := s.Repo.ListConversationPage(ctx, s.DB, userID, contactID, (page-1)*pageSize, pageSize)
	return items, total, err
}

// Inbox returns one page of messages received by userID, newest first.
func (s *MessageService) Inbox(ctx context.Context, userID string, page, pageSize int) ([]domain.Message, int64, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "Inbox",
		trace.WithAttributes(attribute.String("user.id", userID)),
	)
	defer span.End()

	page, pageSize = normPage(page, pageSize)
	total, err := s.Repo.CountInbox(ctx, s.DB, userID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Message{}, 0, nil
	}
	items, err := s.Repo.ListInboxPage(ctx, s.DB, userID, (page-1)*pageSize, pageSize)
	return items, total, err
}

// MarkRead flips one received message to read. Only the first flip has
// side effects: the badge decrements and the original sender's sessions
// get a read receipt. Repeats are no-ops, the flag never reverts.
func (s *MessageService) MarkRead(ctx context.Context, userID, messageID string) error {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "MarkRead",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("message.id", messageID),
		),
	)
	defer span.End()

	flipped, err := s.Repo.MarkRead(ctx, s.DB, messageID, userID)
	if err != nil {
		return err
	}
	if !flipped {
		// Distinguish "already read" (idempotent no-op) from "not
		// yours / does not exist".
		msg, err := s.Repo.GetMessage(ctx, s.DB, messageID)
		if err != nil || msg.ReceiverID != userID {
			return ErrMessageNotFound
		}
		return nil
	}

	if s.Badges != nil {
		s.Badges.Bump(userID, notify.CategoryMessages, -1)
	}
	if s.Hub != nil {
		if msg, err := s.Repo.GetMessage(ctx, s.DB, messageID); err == nil {
			s.Hub.Route(ws.EvtMessageRead, msg.SenderID, ws.MessageReadPayload{MessageID: messageID})
		}
	}
	return nil
}

// MarkAllRead flips every unread message from senderID to read and
// reconciles the badge against the store. Returns how many rows
// flipped.
func (s *MessageService) MarkAllRead(ctx context.Context, userID, senderID string) (int64, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "MarkAllRead",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("sender.id", senderID),
		),
	)
	defer span.End()

	rows, err := s.Repo.MarkAllReadFrom(ctx, s.DB, userID, senderID)
	if err != nil {
		return 0, err
	}
	if rows > 0 && s.Badges != nil {
		// Recount instead of subtracting: the store is authoritative.
		if n, err := s.Repo.CountUnread(ctx, s.DB, userID); err == nil {
			s.Badges.Set(userID, notify.CategoryMessages, int(n))
		}
	}
	return rows, nil
}

// UnreadSummary returns the total unread count and the per-sender
// breakdown, for seeding client badges after login.
func (s *MessageService) UnreadSummary(ctx context.Context, userID string) (int64, []repo.UnreadCount, error) {
	total, err := s.Repo.CountUnread(ctx, s.DB, userID)
	if err != nil {
		return 0, nil, err
	}
	bySender, err := s.Repo.CountUnreadBySender(ctx, s.DB, userID)
	if err != nil {
		return 0, nil, err
	}
	return total, bySender, nil
}

// SenderOf resolves a message's original sender. The dispatch layer
// uses it to forward read receipts.
func (s *MessageService) SenderOf(ctx context.Context, messageID string) (string, error) {
	msg, err := s.Repo.GetMessage(ctx, s.DB, messageID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", ErrMessageNotFound
		}
		return "", err
	}
	return msg.SenderID, nil
}

// wireMessage converts a stored message to its socket representation.
func wireMessage(m *domain.Message) ws.ChatMessage {
	return ws.ChatMessage{
		ID:        m.ID,
		SenderID:  m.SenderID,
		Receiver:  m.ReceiverID,
		Subject:   m.Subject,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
		Read:      m.Read,
	}
}

func normPage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	return page, pageSize
}

// generateSubject derives a concise subject from the message body.
func (s *MessageService) generateSubject(content string) string {
	toks := subjectWordRE.FindAllString(strings.ToLower(content), -1)
	if len(toks) == 0 {
		return ""
	}

	caser := cases.Title(s.subjectLocaleOrDefault())
	out := make([]string, 0, 8)
	for _, w := range toks {
		if _, skip := subjectStopWords[w]; skip {
			continue
		}
		out = append(out, caser.String(w))
		if len(out) >= 8 {
			break
		}
	}
	return strings.Join(out, " ")
}

// clipSubject truncates a generated subject to the configured maximum
// rune length.
func (s *MessageService) clipSubject(subject string) string {
	max := s.SubjectMaxLen
	if max <= 0 {
		max = 60
	}
	if utf8.RuneCountInString(subject) > max {
		return string([]rune(subject)[:max])
	}
	return subject
}

func (s *MessageService) subjectLocaleOrDefault() language.Tag {
	if s.SubjectLocale == language.Und {
		return language.English
	}
	return s.SubjectLocale
}

// Extract Unicode letters with optional trailing numbers (e.g., "term2025").
var subjectWordRE = regexp.MustCompile(`[\p{L}]+[\p{N}]*`)

// Minimal English stop-words set for compact subjects.
var subjectStopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "of": {}, "to": {}, "in": {},
	"is": {}, "are": {}, "for": {}, "on": {}, "with": {}, "by": {}, "from": {},
	"at": {}, "as": {}, "that": {}, "this": {}, "it": {}, "be": {}, "was": {}, "were": {},
}
