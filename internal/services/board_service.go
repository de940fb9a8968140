// Package services – BoardService
//
// BoardService owns the school-wide surfaces: announcements visible to
// everyone and private suggestions addressed to one recipient. Both
// persist first and push second; a missed push is caught up over REST.
package services

import (
	"context"
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
)

// BoardRepo defines the repository contract required by BoardService.
type BoardRepo interface {
	CreateAnnouncement(ctx context.Context, db *gorm.DB, authorID, title, body string) (*domain.Announcement, error)
	ListAnnouncementsPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.Announcement, error)
	CountAnnouncements(ctx context.Context, db *gorm.DB) (int64, error)
	CreateSuggestion(ctx context.Context, db *gorm.DB, authorID, recipientID, content string) (*domain.Suggestion, error)
	ListSuggestionsFor(ctx context.Context, db *gorm.DB, recipientID string, offset, limit int) ([]domain.Suggestion, error)
}

// GormBoardRepo adapts the free functions in package repo to the
// BoardRepo interface.
type GormBoardRepo struct{}

func (GormBoardRepo) CreateAnnouncement(ctx context.Context, db *gorm.DB, authorID, title, body string) (*domain.Announcement, error) {
	return repo.CreateAnnouncement(ctx, db, authorID, title, body)
}
func (GormBoardRepo) ListAnnouncementsPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.Announcement, error) {
	return repo.ListAnnouncementsPage(ctx, db, offset, limit)
}
func (GormBoardRepo) CountAnnouncements(ctx context.Context, db *gorm.DB) (int64, error) {
	return repo.CountAnnouncements(ctx, db)
}
func (GormBoardRepo) CreateSuggestion(ctx context.Context, db *gorm.DB, authorID, recipientID, content string) (*domain.Suggestion, error) {
	return repo.CreateSuggestion(ctx, db, authorID, recipientID, content)
}
func (GormBoardRepo) ListSuggestionsFor(ctx context.Context, db *gorm.DB, recipientID string, offset, limit int) ([]domain.Suggestion, error) {
	return repo.ListSuggestionsFor(ctx, db, recipientID, offset, limit)
}

// Broadcaster is the dispatch surface BoardService needs: targeted
// routing plus the set of currently authenticated users. Satisfied by
// *ws.Hub.
type Broadcaster interface {
	Route(event, targetUserID string, payload any) int
	AuthenticatedUserIDs() []string
}

// BoardService provides announcement and suggestion operations.
type BoardService struct {
	DB   *gorm.DB
	Repo BoardRepo

	// Best-effort realtime side effects, both optional.
	Hub    Broadcaster
	Badges Badges

	// MaxBodyRunes caps announcement and suggestion bodies; 0 disables.
	MaxBodyRunes int
}

// NewBoardService constructs a BoardService with sane defaults.
func NewBoardService(db *gorm.DB, hub Broadcaster, badges Badges) *BoardService {
	return &BoardService{
		DB:           db,
		Repo:         GormBoardRepo{},
		Hub:          hub,
		Badges:       badges,
		MaxBodyRunes: 20000,
	}
}

// CreateAnnouncement persists a school-wide announcement and pushes it
// to every authenticated user, bumping their announcement badge.
func (s *BoardService) CreateAnnouncement(ctx context.Context, authorID, title, body string) (*domain.Announcement, error) {
	tr := otel.Tracer("services/BoardService")
	ctx, span := tr.Start(ctx, "CreateAnnouncement",
		trace.WithAttributes(attribute.String("author.id", authorID)),
	)
	defer span.End()

	title = strings.TrimSpace(title)
	body = strings.TrimSpace(body)
	if title == "" {
		return nil, ErrEmptyTitle
	}
	if body == "" {
		return nil, ErrEmptyBody
	}
	if s.MaxBodyRunes > 0 && utf8.RuneCountInString(body) > s.MaxBodyRunes {
		return nil, ErrTooLong
	}

	ann, err := s.Repo.CreateAnnouncement(ctx, s.DB, authorID, title, body)
	if err != nil {
		return nil, err
	}

	if s.Hub != nil {
		for _, userID := range s.Hub.AuthenticatedUserIDs() {
			if userID == authorID {
				continue
			}
			s.Hub.Route(ws.EvtNewAnnouncement, userID, ann)
			if s.Badges != nil {
				s.Badges.Bump(userID, notify.CategoryAnnouncements, 1)
			}
		}
	}
	return ann, nil
}

// ListAnnouncements returns one page of announcements, newest first.
func (s *BoardService) ListAnnouncements(ctx context.Context, page, pageSize int) ([]domain.Announcement, int64, error) {
	tr := otel.Tracer("services/BoardService")
	ctx, span := tr.Start(ctx, "ListAnnouncements",
		trace.WithAttributes(attribute.Int("page", page), attribute.Int("page_size", pageSize)),
	)
	defer span.End()

	page, pageSize = normPage(page, pageSize)
	total, err := s.Repo.CountAnnouncements(ctx, s.DB)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Announcement{}, 0, nil
	}
	items, err := s.Repo.ListAnnouncementsPage(ctx, s.DB, (page-1)*pageSize, pageSize)
	return items, total, err
}

// CreateSuggestion persists a private suggestion and pushes it to the
// recipient.
func (s *BoardService) CreateSuggestion(ctx context.Context, authorID, recipientID, content string) (*domain.Suggestion, error) {
	tr := otel.Tracer("services/BoardService")
	ctx, span := tr.Start(ctx, "CreateSuggestion",
		trace.WithAttributes(
			attribute.String("author.id", authorID),
			attribute.String("recipient.id", recipientID),
		),
	)
	defer span.End()

	recipientID = strings.TrimSpace(recipientID)
	content = strings.TrimSpace(content)
	if recipientID == "" {
		return nil, ErrEmptyReceiver
	}
	if content == "" {
		return nil, ErrEmptyContent
	}
	if s.MaxBodyRunes > 0 && utf8.RuneCountInString(content) > s.MaxBodyRunes {
		return nil, ErrTooLong
	}

	sug, err := s.Repo.CreateSuggestion(ctx, s.DB, authorID, recipientID, content)
	if err != nil {
		return nil, err
	}

	if s.Hub != nil {
		s.Hub.Route(ws.EvtNewSuggestion, recipientID, sug)
	}
	if s.Badges != nil {
		s.Badges.Bump(recipientID, notify.CategorySuggestions, 1)
	}
	return sug, nil
}

// SuggestionsFor returns one page of suggestions addressed to a user,
// newest first.
func (s *BoardService) SuggestionsFor(ctx context.Context, recipientID string, page, pageSize int) ([]domain.Suggestion, error) {
	page, pageSize = normPage(page, pageSize)
	return s.Repo.ListSuggestionsFor(ctx, s.DB, recipientID, (page-1)*pageSize, pageSize)
}
