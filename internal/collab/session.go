package collab

import (
	"sort"
	"sync"
	"time"
)

// noteSession holds the live state for one actively edited note. Every
// mutation is serialized by the session mutex; the Store never holds this
// mutex together with its own registry lock.
type noteSession struct {
	mu sync.Mutex

	noteID         string
	organizationID string
	title          string
	content        string
	version        int64

	collaborators map[string]*Collaborator
	cursors       map[string]*CursorPosition

	createdAt      time.Time
	lastModifiedAt time.Time

	// evicted marks a session removed from the registry; callers holding a
	// stale reference must retry against the registry.
	evicted bool
}

func newNoteSession(noteID string, seed SeededNote, now time.Time) *noteSession {
	return &noteSession{
		noteID:         noteID,
		organizationID: seed.OrganizationID,
		title:          seed.Title,
		content:        seed.Content,
		version:        seed.Version,
		collaborators:  make(map[string]*Collaborator),
		cursors:        make(map[string]*CursorPosition),
		createdAt:      now,
		lastModifiedAt: now,
	}
}

// join adds or refreshes the collaborator and returns a snapshot plus the
// join event when the user is new. ok is false when the session was evicted.
func (s *noteSession) join(profile UserProfile, eventID string, now time.Time) (SessionSnapshot, *CollaborationEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.evicted {
		return SessionSnapshot{}, nil, false
	}

	existing, present := s.collaborators[profile.UserID]
	if present {
		existing.LastActiveAt = now
		return s.snapshotLocked(), nil, true
	}

	collaborator := &Collaborator{
		UserID:       profile.UserID,
		Email:        profile.Email,
		DisplayName:  profile.DisplayName(),
		AvatarURL:    profile.AvatarURL,
		Color:        paletteColor(len(s.collaborators)),
		JoinedAt:     now,
		LastActiveAt: now,
	}
	s.collaborators[profile.UserID] = collaborator

	event := &CollaborationEvent{
		EventID:           eventID,
		Type:              EventTypeUserJoined,
		NoteID:            s.noteID,
		Collaborator:      *collaborator,
		CollaboratorCount: len(s.collaborators),
		OccurredAt:        now,
	}
	return s.snapshotLocked(), event, true
}

// leave removes the collaborator and their cursor. When the session becomes
// empty it is marked evicted and the final state is returned so the caller
// can commit it durably. A nil event with ok=true means the user was not
// present.
func (s *noteSession) leave(userID string, eventID string, now time.Time) (event *CollaborationEvent, final *SessionSnapshot, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.evicted {
		return nil, nil, false
	}

	collaborator, present := s.collaborators[userID]
	if !present {
		return nil, nil, true
	}
	delete(s.collaborators, userID)
	delete(s.cursors, userID)

	if len(s.collaborators) == 0 {
		s.evicted = true
		finalState := s.snapshotLocked()
		final = &finalState
	}
	return &CollaborationEvent{
		EventID:           eventID,
		Type:              EventTypeUserLeft,
		NoteID:            s.noteID,
		Collaborator:      *collaborator,
		CollaboratorCount: len(s.collaborators),
		OccurredAt:        now,
	}, final, true
}

// applyEdit runs the resolver under the session lock so the version
// compare-and-increment is atomic per note. An editor who never joined is
// added as a collaborator first, so every live session holds at least one
// collaborator and stays evictable; the returned event is non-nil for that
// implicit join.
func (s *noteSession) applyEdit(profile UserProfile, operation EditOperation, eventID string, now time.Time) (EditResult, *CollaborationEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.evicted {
		return EditResult{}, nil, false
	}

	userID := operation.UserID.String()
	var joinEvent *CollaborationEvent
	collaborator, present := s.collaborators[userID]
	if !present {
		collaborator = &Collaborator{
			UserID:       userID,
			Email:        profile.Email,
			DisplayName:  profile.DisplayName(),
			AvatarURL:    profile.AvatarURL,
			Color:        paletteColor(len(s.collaborators)),
			JoinedAt:     now,
			LastActiveAt: now,
		}
		s.collaborators[userID] = collaborator
		joinEvent = &CollaborationEvent{
			EventID:           eventID,
			Type:              EventTypeUserJoined,
			NoteID:            s.noteID,
			Collaborator:      *collaborator,
			CollaboratorCount: len(s.collaborators),
			OccurredAt:        now,
		}
	}
	collaborator.LastActiveAt = now

	outcome := resolveEdit(editState{Title: s.title, Content: s.content, Version: s.version}, operation)
	if outcome.Applied {
		s.title = outcome.Title
		s.content = outcome.Content
		s.version = outcome.Version
		s.lastModifiedAt = now
	}

	return EditResult{
		NoteID:          s.noteID,
		UserID:          operation.UserID.String(),
		EditType:        operation.EditType,
		Title:           outcome.Title,
		Content:         outcome.Content,
		Version:         outcome.Version,
		Applied:         outcome.Applied,
		HasConflict:     outcome.HasConflict,
		ConflictMessage: outcome.ConflictMessage,
	}, joinEvent, true
}

// updateCursor overwrites the collaborator's cursor. A nil position with
// ok=true means the user is not a current collaborator and the update was
// dropped.
func (s *noteSession) updateCursor(userID string, position, selectionStart, selectionEnd int, now time.Time) (*CursorPosition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.evicted {
		return nil, false
	}

	collaborator, present := s.collaborators[userID]
	if !present {
		return nil, true
	}
	collaborator.LastActiveAt = now

	cursor := &CursorPosition{
		UserID:         userID,
		Position:       position,
		SelectionStart: selectionStart,
		SelectionEnd:   selectionEnd,
		Email:          collaborator.Email,
		DisplayName:    collaborator.DisplayName,
		Color:          collaborator.Color,
	}
	s.cursors[userID] = cursor

	copied := *cursor
	return &copied, true
}

// typingEvent relays typing state without mutating session content.
func (s *noteSession) typingEvent(userID string, typing bool, eventID string, now time.Time) (*CollaborationEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.evicted {
		return nil, false
	}

	collaborator, present := s.collaborators[userID]
	if !present {
		return nil, true
	}
	collaborator.LastActiveAt = now

	eventType := EventTypeUserTyping
	if !typing {
		eventType = EventTypeUserStoppedTyping
	}
	return &CollaborationEvent{
		EventID:           eventID,
		Type:              eventType,
		NoteID:            s.noteID,
		Collaborator:      *collaborator,
		CollaboratorCount: len(s.collaborators),
		OccurredAt:        now,
	}, true
}

func (s *noteSession) contains(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.evicted {
		return false
	}
	_, present := s.collaborators[userID]
	return present
}

func (s *noteSession) snapshot() (SessionSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.evicted {
		return SessionSnapshot{}, false
	}
	return s.snapshotLocked(), true
}

func (s *noteSession) collaboratorCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.evicted {
		return 0
	}
	return len(s.collaborators)
}

func (s *noteSession) snapshotLocked() SessionSnapshot {
	collaborators := make([]Collaborator, 0, len(s.collaborators))
	for _, collaborator := range s.collaborators {
		collaborators = append(collaborators, *collaborator)
	}
	sortCollaborators(collaborators)

	cursors := make([]CursorPosition, 0, len(s.cursors))
	for _, cursor := range s.cursors {
		cursors = append(cursors, *cursor)
	}
	sort.Slice(cursors, func(i, j int) bool {
		return cursors[i].UserID < cursors[j].UserID
	})

	return SessionSnapshot{
		NoteID:         s.noteID,
		OrganizationID: s.organizationID,
		Title:          s.title,
		Content:        s.content,
		Version:        s.version,
		Collaborators:  collaborators,
		Cursors:        cursors,
		CreatedAt:      s.createdAt,
		LastModifiedAt: s.lastModifiedAt,
	}
}

// sortCollaborators orders by join time with the user id as tie breaker so
// listings are stable across calls.
func sortCollaborators(collaborators []Collaborator) {
	sort.Slice(collaborators, func(i, j int) bool {
		if collaborators[i].JoinedAt.Equal(collaborators[j].JoinedAt) {
			return collaborators[i].UserID < collaborators[j].UserID
		}
		return collaborators[i].JoinedAt.Before(collaborators[j].JoinedAt)
	})
}
