package users

import (
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/coedit/backend/internal/auth"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func TestResolveProfileCreatesIdentity(t *testing.T) {
	service, db := newTestUserService(t)

	claims := auth.SessionClaims{
		UserID:        "user-1",
		UserEmail:     "grace@example.com",
		UserFirstName: "Grace",
		UserLastName:  "Hopper",
		UserAvatarURL: "https://example.com/grace.png",
	}
	profile, err := service.ResolveProfile(claims)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if profile.UserID != "user-1" || profile.FirstName != "Grace" || profile.LastName != "Hopper" {
		t.Fatalf("unexpected profile %+v", profile)
	}

	var stored Identity
	if err := db.Where("user_id = ?", "user-1").Take(&stored).Error; err != nil {
		t.Fatalf("expected identity row: %v", err)
	}
	if stored.Email != "grace@example.com" {
		t.Fatalf("unexpected stored email %q", stored.Email)
	}

	// second call should hit the cache and not create a duplicate record.
	profile, err = service.ResolveProfile(claims)
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if profile.UserID != "user-1" {
		t.Fatalf("expected stable profile, got %+v", profile)
	}
	var count int64
	if err := db.Model(&Identity{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected single identity row, got %d", count)
	}
}

func TestResolveProfilePrefersFreshClaims(t *testing.T) {
	service, _ := newTestUserService(t)

	if _, err := service.ResolveProfile(auth.SessionClaims{
		UserID:        "user-1",
		UserEmail:     "old@example.com",
		UserFirstName: "Old",
	}); err != nil {
		t.Fatalf("initial resolve failed: %v", err)
	}

	profile, err := service.ResolveProfile(auth.SessionClaims{
		UserID:        "user-1",
		UserEmail:     "new@example.com",
		UserFirstName: "New",
	})
	if err != nil {
		t.Fatalf("refresh resolve failed: %v", err)
	}
	if profile.Email != "new@example.com" || profile.FirstName != "New" {
		t.Fatalf("fresh claims should win, got %+v", profile)
	}
}

func TestResolveProfileRejectsEmptyUserID(t *testing.T) {
	service, _ := newTestUserService(t)
	if _, err := service.ResolveProfile(auth.SessionClaims{UserEmail: "nobody@example.com"}); err != ErrInvalidIdentity {
		t.Fatalf("expected ErrInvalidIdentity, got %v", err)
	}
}

func newTestUserService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:coedit_users_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Identity{}); err != nil {
		t.Fatalf("failed to migrate identity schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock:    func() time.Time { return time.Unix(1, 0) },
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, db
}
