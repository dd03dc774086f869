package users

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/coedit/backend/internal/auth"
	"gorm.io/gorm"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// Profile carries the display fields resolved for a collaborating user.
type Profile struct {
	UserID    string
	Email     string
	FirstName string
	LastName  string
	AvatarURL string
}

// ServiceConfig describes the dependencies required for identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service resolves session claims to collaborator display fields, keeping the
// stored identity row fresh as a side effect of lookups.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// ResolveProfile returns the display profile for the provided session claims.
// Claims take precedence over stored fields; stored fields fill the gaps when
// a token omits them.
func (s *Service) ResolveProfile(claims auth.SessionClaims) (Profile, error) {
	userID := normalize(claims.UserID)
	if userID == "" {
		return Profile{}, ErrInvalidIdentity
	}

	if cached, ok := s.cache.Load(userID); ok {
		if profile, ok := cached.(Profile); ok {
			return mergeProfile(profile, claims), nil
		}
	}

	var identity Identity
	err := s.db.
		Where("user_id = ?", userID).
		First(&identity).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		identity = Identity{
			UserID:     userID,
			Email:      normalize(claims.UserEmail),
			FirstName:  normalize(claims.UserFirstName),
			LastName:   normalize(claims.UserLastName),
			AvatarURL:  normalize(claims.UserAvatarURL),
			LastSeenAt: s.now(),
		}
		if err := s.db.Create(&identity).Error; err != nil {
			return Profile{}, err
		}
	} else if err != nil {
		return Profile{}, err
	} else {
		updates := map[string]interface{}{}
		if email := normalize(claims.UserEmail); email != "" && email != identity.Email {
			updates["user_email"] = email
			identity.Email = email
		}
		if first := normalize(claims.UserFirstName); first != "" && first != identity.FirstName {
			updates["user_first_name"] = first
			identity.FirstName = first
		}
		if last := normalize(claims.UserLastName); last != "" && last != identity.LastName {
			updates["user_last_name"] = last
			identity.LastName = last
		}
		if avatar := normalize(claims.UserAvatarURL); avatar != "" && avatar != identity.AvatarURL {
			updates["user_avatar_url"] = avatar
			identity.AvatarURL = avatar
		}
		updates["last_seen_at"] = s.now()
		if len(updates) > 0 {
			_ = s.db.Model(&Identity{}).
				Where("user_id = ?", userID).
				Updates(updates).
				Error
		}
	}

	profile := Profile{
		UserID:    identity.UserID,
		Email:     identity.Email,
		FirstName: identity.FirstName,
		LastName:  identity.LastName,
		AvatarURL: identity.AvatarURL,
	}
	s.cache.Store(userID, profile)
	return profile, nil
}

// mergeProfile overlays non-empty claim fields onto a cached profile so a
// refreshed token is reflected without a database round trip.
func mergeProfile(stored Profile, claims auth.SessionClaims) Profile {
	merged := stored
	if email := normalize(claims.UserEmail); email != "" {
		merged.Email = email
	}
	if first := normalize(claims.UserFirstName); first != "" {
		merged.FirstName = first
	}
	if last := normalize(claims.UserLastName); last != "" {
		merged.LastName = last
	}
	if avatar := normalize(claims.UserAvatarURL); avatar != "" {
		merged.AvatarURL = avatar
	}
	return merged
}
