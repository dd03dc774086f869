package notes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingNoteID   = errors.New("note identifier is required")
	// ErrNoteNotFound indicates that no durable row exists for the note.
	ErrNoteNotFound = errors.New("notes: note not found")
	noOpLogger      = zap.NewNop()
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
	opServiceNew     = "notes.service.new"
	opLoadNote       = "notes.load_note"
	opSaveSnapshot   = "notes.save_snapshot"
	fieldNoteID      = "note_id"
	reasonMissingDB  = "missing_database"
	reasonNotFound   = "not_found"
	reasonQueryError = "query_failed"
	reasonSaveError  = "save_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig describes the dependencies for the durable note store.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service reads and writes the durable note rows backing live sessions.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the durable note service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDB, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// LoadNote returns the durable state for one note. Unknown notes surface as
// ErrNoteNotFound so callers can distinguish them from infrastructure
// failures.
func (s *Service) LoadNote(ctx context.Context, noteID string) (Note, error) {
	if noteID == "" {
		return Note{}, newServiceError(opLoadNote, reasonNotFound, errMissingNoteID)
	}

	var stored Note
	err := s.db.WithContext(ctx).
		Where("note_id = ?", noteID).
		Take(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Note{}, newServiceError(opLoadNote, reasonNotFound, fmt.Errorf("%w: %s", ErrNoteNotFound, noteID))
	}
	if err != nil {
		s.logError(opLoadNote, reasonQueryError, err, zap.String(fieldNoteID, noteID))
		return Note{}, newServiceError(opLoadNote, reasonQueryError, err)
	}
	return stored, nil
}

// SaveSnapshot commits the final state of an evicted session. The write is
// version guarded: a stored row that has already advanced past the snapshot
// is left untouched, so a slow eviction can never roll a note back.
func (s *Service) SaveSnapshot(ctx context.Context, noteID, organizationID, title, content string, version int64) error {
	if noteID == "" {
		return newServiceError(opSaveSnapshot, reasonSaveError, errMissingNoteID)
	}

	now := s.clock().UTC().Unix()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stored Note
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("note_id = ?", noteID).
			Take(&stored).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			created := Note{
				NoteID:           noteID,
				OrganizationID:   organizationID,
				Title:            title,
				Content:          content,
				Version:          version,
				CreatedAtSeconds: now,
				UpdatedAtSeconds: now,
			}
			if createErr := tx.Create(&created).Error; createErr != nil {
				s.logError(opSaveSnapshot, reasonSaveError, createErr, zap.String(fieldNoteID, noteID))
				return newServiceError(opSaveSnapshot, reasonSaveError, createErr)
			}
			return nil
		}
		if err != nil {
			s.logError(opSaveSnapshot, reasonQueryError, err, zap.String(fieldNoteID, noteID))
			return newServiceError(opSaveSnapshot, reasonQueryError, err)
		}

		if stored.Version > version {
			s.logger.Debug("snapshot behind stored note, skipping write",
				zap.String(fieldNoteID, noteID),
				zap.Int64("stored_version", stored.Version),
				zap.Int64("snapshot_version", version))
			return nil
		}

		stored.Title = title
		stored.Content = content
		stored.Version = version
		stored.UpdatedAtSeconds = now
		if saveErr := tx.Save(&stored).Error; saveErr != nil {
			s.logError(opSaveSnapshot, reasonSaveError, saveErr, zap.String(fieldNoteID, noteID))
			return newServiceError(opSaveSnapshot, reasonSaveError, saveErr)
		}
		return nil
	})
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("notes service error", attrs...)
}
