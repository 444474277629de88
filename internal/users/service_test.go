package users

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/techhub-chat/internal/auth"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T, clock func() time.Time) (*Service, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "users.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Identity{}); err != nil {
		t.Fatalf("failed to migrate identity schema: %v", err)
	}
	service, err := NewService(ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, db
}

func TestRecordIdentityKeepsProfileFieldsWhenClaimsOmitThem(t *testing.T) {
	current := time.Unix(1, 0)
	service, db := newTestService(t, func() time.Time { return current })

	claims := auth.SessionClaims{
		UserID:          "user-12345",
		UserEmail:       "user@example.com",
		UserDisplayName: "Example User",
		UserAvatarURL:   "https://example.com/avatar.png",
	}
	identity, err := service.RecordIdentity(context.Background(), claims)
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if identity.UserID != "user-12345" || identity.DisplayName != "Example User" {
		t.Fatalf("unexpected identity %+v", identity)
	}

	current = time.Unix(60, 0)
	identity, err = service.RecordIdentity(context.Background(), auth.SessionClaims{UserID: "user-12345", UserDisplayName: "Renamed"})
	if err != nil {
		t.Fatalf("second record failed: %v", err)
	}
	if identity.DisplayName != "Renamed" {
		t.Fatalf("expected refreshed display name, got %q", identity.DisplayName)
	}
	if identity.Email != "user@example.com" {
		t.Fatalf("expected email to survive, got %q", identity.Email)
	}
	if !identity.LastSeenAt.Equal(time.Unix(60, 0)) {
		t.Fatalf("expected last seen to advance, got %v", identity.LastSeenAt)
	}

	var stored Identity
	if err := db.Where("user_id = ?", "user-12345").Take(&stored).Error; err != nil {
		t.Fatalf("failed to load stored identity: %v", err)
	}
	if stored.DisplayName != "Renamed" {
		t.Fatalf("unexpected stored identity %+v", stored)
	}
}

func TestRecordIdentityRequiresUserID(t *testing.T) {
	service, _ := newTestService(t, nil)

	if _, err := service.RecordIdentity(context.Background(), auth.SessionClaims{UserEmail: "a@example.com"}); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected invalid identity, got %v", err)
	}
}
