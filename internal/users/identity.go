package users

import (
	"strings"
	"time"
)

// Identity stores the last known profile for a platform user. It backs the
// pure-lookup identity collaborator used when constructing collaborators.
type Identity struct {
	UserID     string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Email      string    `gorm:"column:user_email;size:320"`
	FirstName  string    `gorm:"column:user_first_name;size:160"`
	LastName   string    `gorm:"column:user_last_name;size:160"`
	AvatarURL  string    `gorm:"column:user_avatar_url;size:512"`
	LastSeenAt time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
