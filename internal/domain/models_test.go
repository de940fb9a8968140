package domain

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newModelsDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Message{}, &Announcement{}, &Suggestion{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func TestTableNames(t *testing.T) {
	if got := (Message{}).TableName(); got != "messages" {
		t.Fatalf("Message table: %q", got)
	}
	if got := (Announcement{}).TableName(); got != "announcements" {
		t.Fatalf("Announcement table: %q", got)
	}
	if got := (Suggestion{}).TableName(); got != "suggestions" {
		t.Fatalf("Suggestion table: %q", got)
	}
}

func TestMessage_DefaultsAndSoftDelete(t *testing.T) {
	db := newModelsDB(t)
	now := time.Now().UTC()

	m := &Message{ID: "m1", SenderID: "a", ReceiverID: "b", Content: "hi", CreatedAt: now, UpdatedAt: now}
	if err := db.Create(m).Error; err != nil {
		t.Fatalf("insert: %v", err)
	}

	var got Message
	if err := db.First(&got, "id = ?", "m1").Error; err != nil {
		t.Fatalf("readback: %v", err)
	}
	if got.Read {
		t.Fatalf("read flag must default to false")
	}

	// Soft delete keeps the row but hides it from default queries.
	if err := db.Delete(&Message{}, "id = ?", "m1").Error; err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := db.First(&got, "id = ?", "m1").Error; err == nil {
		t.Fatalf("soft-deleted row visible in default scope")
	}
	var n int64
	if err := db.Unscoped().Model(&Message{}).Where("id = ?", "m1").Count(&n).Error; err != nil || n != 1 {
		t.Fatalf("expected row retained unscoped: n=%d err=%v", n, err)
	}
}
