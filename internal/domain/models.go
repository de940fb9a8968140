// Package domain defines the persistence models for direct messages,
// announcements, and suggestions. These types are mapped with GORM and form
// the durable message store the realtime layer is reconciled against.
package domain

import (
	"time"

	"gorm.io/gorm"
)

// Message represents one direct message between two users. The row is the
// authoritative record: the realtime socket path only mirrors it, so every
// field a client needs to deduplicate (id, sender, content, created_at) lives
// here.
//
// Fields:
//   - ID: stable UUID primary key (char(36)), assigned by the store at
//     creation and immutable afterwards.
//   - SenderID / ReceiverID: identifiers of the two participants; indexed
//     together so a conversation page is a single range scan.
//   - Subject: short topic label, auto-generated from the content when the
//     sender leaves it blank.
//   - Content: full text of the message.
//   - Read: receiver-side read flag. Transitions false→true exactly once and
//     never reverts (the repository enforces the guard in the UPDATE).
//   - CreatedAt / UpdatedAt: timestamps managed by GORM.
//   - DeletedAt: soft deletion marker (retains row for audit/history).
type Message struct {
	ID         string         `json:"id"          gorm:"type:char(36);primaryKey"`
	SenderID   string         `json:"sender_id"   gorm:"type:varchar(64);not null;index:idx_conv,priority:1"`
	ReceiverID string         `json:"receiver_id" gorm:"type:varchar(64);not null;index:idx_conv,priority:2;index:idx_unread"`
	Subject    string         `json:"subject"     gorm:"type:varchar(255);not null;default:''"`
	Content    string         `json:"content"     gorm:"type:text;not null"`
	Read       bool           `json:"read"        gorm:"not null;default:false;index:idx_unread"`
	CreatedAt  time.Time      `json:"created_at"  gorm:"index:idx_conv,priority:3"`
	UpdatedAt  time.Time      `json:"updated_at"`
	DeletedAt  gorm.DeletedAt `json:"-"           gorm:"index"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// Announcement represents a staff-authored notice visible to the whole
// school. Creating one only fans out a badge update over the socket; readers
// fetch the body over REST.
//
// Fields:
//   - ID: UUID primary key (char(36)).
//   - AuthorID: identifier of the posting staff member; indexed for listing.
//   - Title / Body: displayed verbatim.
//   - CreatedAt / UpdatedAt: timestamps managed by GORM.
//   - DeletedAt: soft deletion marker.
type Announcement struct {
	ID        string         `json:"id"         gorm:"type:char(36);primaryKey"`
	AuthorID  string         `json:"author_id"  gorm:"type:varchar(64);not null;index"`
	Title     string         `json:"title"      gorm:"type:varchar(255);not null"`
	Body      string         `json:"body"       gorm:"type:text;not null"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-"          gorm:"index"`
}

// TableName returns the database table name for Announcement.
func (Announcement) TableName() string { return "announcements" }

// Suggestion represents a note dropped into the suggestion box, addressed to
// a single staff recipient who is pushed a realtime event when online.
//
// Fields:
//   - ID: UUID primary key (char(36)).
//   - AuthorID: identifier of the submitting user.
//   - RecipientID: staff member the suggestion is routed to; indexed.
//   - Content: suggestion text.
//   - CreatedAt / UpdatedAt: timestamps managed by GORM.
//   - DeletedAt: soft deletion marker.
type Suggestion struct {
	ID          string         `json:"id"           gorm:"type:char(36);primaryKey"`
	AuthorID    string         `json:"author_id"    gorm:"type:varchar(64);not null;index"`
	RecipientID string         `json:"recipient_id" gorm:"type:varchar(64);not null;index"`
	Content     string         `json:"content"      gorm:"type:text;not null"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `json:"-"            gorm:"index"`
}

// TableName returns the database table name for Suggestion.
func (Suggestion) TableName() string { return "suggestions" }
