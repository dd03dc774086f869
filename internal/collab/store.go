package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	errMissingLoader = errors.New("note loader is required")
	noOpLogger       = zap.NewNop()
)

// ServiceError couples a dotted operation code with its underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the dotted operation code for the failure.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opStoreNew         = "collab.store.new"
	opJoinNote         = "collab.join_note"
	opLeaveNote        = "collab.leave_note"
	opProcessEdit      = "collab.process_edit"
	opTypingEvent      = "collab.typing_event"
	opHandleDisconnect = "collab.handle_disconnect"

	reasonMissingLoader = "missing_loader"
	reasonSeedFailed    = "seed_failed"
	reasonNoteNotFound  = "note_not_found"
	reasonIDGeneration  = "id_generation_failed"

	defaultSeedTimeout = 5 * time.Second
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// NoteLoader reads the durable note state used to seed a fresh session. An
// unknown note must surface as an error matching ErrNoteNotFound.
type NoteLoader interface {
	LoadNote(ctx context.Context, noteID string) (SeededNote, error)
}

// IDProvider issues identifiers for broadcast events.
type IDProvider interface {
	NewID() (string, error)
}

// StoreConfig bundles the dependencies for a session store.
type StoreConfig struct {
	Loader      NoteLoader
	Clock       func() time.Time
	IDProvider  IDProvider
	Logger      *zap.Logger
	SeedTimeout time.Duration
}

// Store is the authoritative registry of live note sessions and the
// concurrency boundary for the whole subsystem. The registry map is guarded
// by a read-write mutex; all state within a session is serialized by that
// session's own mutex. The two locks are never held together, so multi-note
// operations cannot deadlock against per-note ones.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*noteSession

	loader      NoteLoader
	clock       func() time.Time
	idProvider  IDProvider
	logger      *zap.Logger
	seedTimeout time.Duration
}

// NewStore constructs a session store, validating required dependencies.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Loader == nil {
		return nil, newServiceError(opStoreNew, reasonMissingLoader, errMissingLoader)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	seedTimeout := cfg.SeedTimeout
	if seedTimeout <= 0 {
		seedTimeout = defaultSeedTimeout
	}
	return &Store{
		sessions:    make(map[string]*noteSession),
		loader:      cfg.Loader,
		clock:       clock,
		idProvider:  idProvider,
		logger:      logger,
		seedTimeout: seedTimeout,
	}, nil
}

// JoinNote adds the user to the note's session, creating and seeding the
// session if it does not exist yet. Re-joining only refreshes activity time.
// The returned event is nil for a refresh and non-nil for a first join.
func (s *Store) JoinNote(ctx context.Context, noteID NoteID, profile UserProfile) (SessionSnapshot, *CollaborationEvent, error) {
	eventID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opJoinNote, reasonIDGeneration, err, zap.String("note_id", noteID.String()))
		return SessionSnapshot{}, nil, newServiceError(opJoinNote, reasonIDGeneration, err)
	}

	for {
		session, err := s.findOrCreateSession(ctx, opJoinNote, noteID)
		if err != nil {
			return SessionSnapshot{}, nil, err
		}
		snapshot, event, ok := session.join(profile, eventID, s.clock().UTC())
		if ok {
			return snapshot, event, nil
		}
		// Session evicted between lookup and lock; start over.
	}
}

// LeaveResult reports the outcome of removing a collaborator from a session.
type LeaveResult struct {
	// Event is nil when the user was not a collaborator of the note.
	Event *CollaborationEvent
	// Evicted reports that the session became empty and was discarded.
	Evicted bool
	// Final holds the session state at eviction time so the boundary can
	// commit it to durable storage.
	Final *SessionSnapshot
}

// LeaveNote removes the user from the note's session, evicting the session
// when the last collaborator leaves. Leaving a note the user never joined is
// a no-op, not an error.
func (s *Store) LeaveNote(noteID NoteID, userID UserID) (LeaveResult, error) {
	session := s.lookupSession(noteID.String())
	if session == nil {
		return LeaveResult{}, nil
	}
	return s.leaveSession(opLeaveNote, session, userID.String())
}

func (s *Store) leaveSession(operation string, session *noteSession, userID string) (LeaveResult, error) {
	eventID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(operation, reasonIDGeneration, err, zap.String("note_id", session.noteID))
		return LeaveResult{}, newServiceError(operation, reasonIDGeneration, err)
	}

	event, final, ok := session.leave(userID, eventID, s.clock().UTC())
	if !ok {
		// Already evicted by a concurrent leave.
		return LeaveResult{}, nil
	}
	if final != nil {
		s.dropSession(session)
	}
	return LeaveResult{Event: event, Evicted: final != nil, Final: final}, nil
}

// ProcessEdit resolves the edit against the note's session, creating the
// session first when the edit arrives cold. A cold edit is an implicit join:
// an editor not yet in the session is registered as a collaborator and the
// returned event carries the join, nil otherwise. Conflicts are reported in
// the result, never as errors.
func (s *Store) ProcessEdit(ctx context.Context, profile UserProfile, operation EditOperation) (EditResult, *CollaborationEvent, error) {
	if profile.UserID == "" {
		profile.UserID = operation.UserID.String()
	}
	eventID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opProcessEdit, reasonIDGeneration, err, zap.String("note_id", operation.NoteID.String()))
		return EditResult{}, nil, newServiceError(opProcessEdit, reasonIDGeneration, err)
	}

	for {
		session, err := s.findOrCreateSession(ctx, opProcessEdit, operation.NoteID)
		if err != nil {
			return EditResult{}, nil, err
		}
		result, joinEvent, ok := session.applyEdit(profile, operation, eventID, s.clock().UTC())
		if ok {
			return result, joinEvent, nil
		}
	}
}

// UpdateCursor records the collaborator's caret and selection. Updates from
// users outside the session are dropped silently; disconnect races make them
// routine.
func (s *Store) UpdateCursor(noteID NoteID, userID UserID, position, selectionStart, selectionEnd int) *CursorPosition {
	session := s.lookupSession(noteID.String())
	if session == nil {
		return nil
	}
	cursor, ok := session.updateCursor(userID.String(), position, selectionStart, selectionEnd, s.clock().UTC())
	if !ok {
		return nil
	}
	return cursor
}

// CreateTypingEvent relays typing state for a current collaborator. Unknown
// participants yield nil.
func (s *Store) CreateTypingEvent(noteID NoteID, userID UserID, typing bool) (*CollaborationEvent, error) {
	session := s.lookupSession(noteID.String())
	if session == nil {
		return nil, nil
	}
	eventID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opTypingEvent, reasonIDGeneration, err, zap.String("note_id", noteID.String()))
		return nil, newServiceError(opTypingEvent, reasonIDGeneration, err)
	}
	event, ok := session.typingEvent(userID.String(), typing, eventID, s.clock().UTC())
	if !ok {
		return nil, nil
	}
	return event, nil
}

// HandleDisconnect removes the user from every session they belong to,
// evicting sessions left empty. Each session's lock is taken independently.
func (s *Store) HandleDisconnect(userID UserID) ([]LeaveResult, error) {
	member := s.sessionsForUser(userID.String())
	results := make([]LeaveResult, 0, len(member))
	for _, session := range member {
		result, err := s.leaveSession(opHandleDisconnect, session, userID.String())
		if err != nil {
			return results, err
		}
		if result.Event != nil {
			results = append(results, result)
		}
	}
	return results, nil
}

// GetSession returns a consistent snapshot of the note's session, or nil
// when no session is live.
func (s *Store) GetSession(noteID NoteID) *SessionSnapshot {
	session := s.lookupSession(noteID.String())
	if session == nil {
		return nil
	}
	snapshot, ok := session.snapshot()
	if !ok {
		return nil
	}
	return &snapshot
}

// GetCollaborators lists the note's collaborators ordered by join time.
func (s *Store) GetCollaborators(noteID NoteID) []Collaborator {
	session := s.lookupSession(noteID.String())
	if session == nil {
		return nil
	}
	snapshot, ok := session.snapshot()
	if !ok {
		return nil
	}
	return snapshot.Collaborators
}

// GetCollaboratorCount reports how many users are present in the note's
// session, zero when no session is live.
func (s *Store) GetCollaboratorCount(noteID NoteID) int {
	session := s.lookupSession(noteID.String())
	if session == nil {
		return 0
	}
	return session.collaboratorCount()
}

// SessionCount reports how many sessions are currently live.
func (s *Store) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Store) lookupSession(noteID string) *noteSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[noteID]
}

// findOrCreateSession makes find-or-create atomic without holding the
// registry lock across the seed read: the durable state is loaded first and
// discarded if another caller won the insert race.
func (s *Store) findOrCreateSession(ctx context.Context, operation string, noteID NoteID) (*noteSession, error) {
	key := noteID.String()
	if session := s.lookupSession(key); session != nil {
		return session, nil
	}

	seedCtx, cancel := context.WithTimeout(ctx, s.seedTimeout)
	defer cancel()
	seed, err := s.loader.LoadNote(seedCtx, key)
	if err != nil {
		if errors.Is(err, ErrNoteNotFound) {
			s.logError(operation, reasonNoteNotFound, err, zap.String("note_id", key))
			return nil, newServiceError(operation, reasonNoteNotFound, err)
		}
		s.logError(operation, reasonSeedFailed, err, zap.String("note_id", key))
		return nil, newServiceError(operation, reasonSeedFailed, err)
	}

	fresh := newNoteSession(key, seed, s.clock().UTC())
	s.mu.Lock()
	if existing, present := s.sessions[key]; present {
		s.mu.Unlock()
		return existing, nil
	}
	s.sessions[key] = fresh
	s.mu.Unlock()

	s.logger.Debug("collab session created",
		zap.String("note_id", key),
		zap.Int64("seed_version", seed.Version))
	return fresh, nil
}

func (s *Store) dropSession(session *noteSession) {
	s.mu.Lock()
	if current, present := s.sessions[session.noteID]; present && current == session {
		delete(s.sessions, session.noteID)
	}
	s.mu.Unlock()
	s.logger.Debug("collab session evicted", zap.String("note_id", session.noteID))
}

func (s *Store) sessionsForUser(userID string) []*noteSession {
	s.mu.RLock()
	candidates := make([]*noteSession, 0, len(s.sessions))
	for _, session := range s.sessions {
		candidates = append(candidates, session)
	}
	s.mu.RUnlock()

	member := make([]*noteSession, 0, len(candidates))
	for _, session := range candidates {
		if session.contains(userID) {
			member = append(member, session)
		}
	}
	return member
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("collab store error", attrs...)
}
