package collab

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// EditType enumerates the supported edit payload shapes.
type EditType string

const (
	// EditTypeTitleUpdate replaces the note title only.
	EditTypeTitleUpdate EditType = "title_update"
	// EditTypeContentUpdate replaces the note content only.
	EditTypeContentUpdate EditType = "content_update"
	// EditTypeFullUpdate replaces both title and content.
	EditTypeFullUpdate EditType = "full_update"
)

// EventType enumerates the collaboration events broadcast to note subscribers.
type EventType string

const (
	// EventTypeUserJoined signals a collaborator entering the session.
	EventTypeUserJoined EventType = "user_joined"
	// EventTypeUserLeft signals a collaborator leaving the session.
	EventTypeUserLeft EventType = "user_left"
	// EventTypeUserTyping signals a collaborator starting to type.
	EventTypeUserTyping EventType = "user_typing"
	// EventTypeUserStoppedTyping signals a collaborator pausing.
	EventTypeUserStoppedTyping EventType = "user_stopped_typing"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidNoteID indicates that a note identifier is empty or exceeds storage bounds.
	ErrInvalidNoteID = errors.New("collab: invalid note id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("collab: invalid user id")
	// ErrInvalidEditType indicates an edit type outside the supported set.
	ErrInvalidEditType = errors.New("collab: invalid edit type")
	// ErrNoteNotFound indicates the durable store has no note to seed a session from.
	ErrNoteNotFound = errors.New("collab: note not found")
)

// NoteID represents a validated note identifier.
type NoteID string

// NewNoteID validates raw input and returns a NoteID.
func NewNoteID(rawInput string) (NoteID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidNoteID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidNoteID, maxIdentifierLength)
	}
	return NoteID(trimmed), nil
}

// String returns the underlying string identifier.
func (id NoteID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// ParseEditType maps a raw string onto the closed EditType set.
func ParseEditType(value string) (EditType, error) {
	switch EditType(strings.ToLower(strings.TrimSpace(value))) {
	case EditTypeTitleUpdate:
		return EditTypeTitleUpdate, nil
	case EditTypeContentUpdate:
		return EditTypeContentUpdate, nil
	case EditTypeFullUpdate:
		return EditTypeFullUpdate, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEditType, value)
	}
}

// UserProfile carries the display fields resolved by the identity collaborator.
type UserProfile struct {
	UserID    string
	Email     string
	FirstName string
	LastName  string
	AvatarURL string
}

// DisplayName derives the name shown next to a collaborator's cursor: first
// and last name when available, otherwise the local part of the email.
func (p UserProfile) DisplayName() string {
	first := strings.TrimSpace(p.FirstName)
	last := strings.TrimSpace(p.LastName)
	switch {
	case first != "" && last != "":
		return first + " " + last
	case first != "":
		return first
	case last != "":
		return last
	}
	email := strings.TrimSpace(p.Email)
	if at := strings.Index(email, "@"); at > 0 {
		return email[:at]
	}
	if email != "" {
		return email
	}
	return p.UserID
}

// Collaborator describes a user currently present in a note session.
type Collaborator struct {
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name"`
	AvatarURL    string    `json:"avatar_url,omitempty"`
	Color        string    `json:"color"`
	JoinedAt     time.Time `json:"joined_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// CursorPosition captures a collaborator's last reported caret and selection,
// denormalized with display fields so clients can render without a lookup.
type CursorPosition struct {
	UserID         string `json:"user_id"`
	Position       int    `json:"position"`
	SelectionStart int    `json:"selection_start"`
	SelectionEnd   int    `json:"selection_end"`
	Email          string `json:"email"`
	DisplayName    string `json:"display_name"`
	Color          string `json:"color"`
}

// EditOperation is the transient input describing one submitted edit.
type EditOperation struct {
	NoteID      NoteID
	UserID      UserID
	EditType    EditType
	Title       string
	Content     string
	BaseVersion int64
	Timestamp   time.Time
}

// EditResult reports the session state after an edit was processed. Conflicts
// are carried here as data, never as errors.
type EditResult struct {
	NoteID          string   `json:"note_id"`
	UserID          string   `json:"user_id"`
	EditType        EditType `json:"edit_type"`
	Title           string   `json:"title"`
	Content         string   `json:"content"`
	Version         int64    `json:"version"`
	Applied         bool     `json:"applied"`
	HasConflict     bool     `json:"has_conflict"`
	ConflictMessage string   `json:"conflict_message,omitempty"`
}

// CollaborationEvent is the transient presence/typing notification published
// to every subscriber of the affected note.
type CollaborationEvent struct {
	EventID           string       `json:"event_id"`
	Type              EventType    `json:"type"`
	NoteID            string       `json:"note_id"`
	Collaborator      Collaborator `json:"collaborator"`
	CollaboratorCount int          `json:"collaborator_count"`
	OccurredAt        time.Time    `json:"occurred_at"`
}

// SessionSnapshot is a consistent copy of one note session, complete enough
// for a newly joined client to render immediately.
type SessionSnapshot struct {
	NoteID         string           `json:"note_id"`
	OrganizationID string           `json:"organization_id"`
	Title          string           `json:"title"`
	Content        string           `json:"content"`
	Version        int64            `json:"version"`
	Collaborators  []Collaborator   `json:"collaborators"`
	Cursors        []CursorPosition `json:"cursors"`
	CreatedAt      time.Time        `json:"created_at"`
	LastModifiedAt time.Time        `json:"last_modified_at"`
}

// SeededNote carries the durable state used to initialize a fresh session.
type SeededNote struct {
	OrganizationID string
	Title          string
	Content        string
	Version        int64
}
