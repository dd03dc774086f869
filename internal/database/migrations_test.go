package database

import (
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/coedit/backend/internal/notes"
	"go.uber.org/zap"
)

func TestOpenSQLiteAppliesMigrationsOnce(t *testing.T) {
	dsn := fmt.Sprintf("file:coedit_migrations_%d?mode=memory&cache=shared", time.Now().UnixNano())

	db, err := OpenSQLite(dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	var applied int64
	if err := db.Model(&migrationRecord{}).Count(&applied).Error; err != nil {
		t.Fatalf("failed to count migrations: %v", err)
	}
	if applied != 1 {
		t.Fatalf("expected 1 recorded migration, got %d", applied)
	}

	// reopening the same database must not re-run recorded migrations.
	if _, err := OpenSQLite(dsn, zap.NewNop()); err != nil {
		t.Fatalf("failed to reopen database: %v", err)
	}
	if err := db.Model(&migrationRecord{}).Count(&applied).Error; err != nil {
		t.Fatalf("failed to recount migrations: %v", err)
	}
	if applied != 1 {
		t.Fatalf("expected migrations to remain at 1, got %d", applied)
	}
}

func TestBackfillNoteVersions(t *testing.T) {
	dsn := fmt.Sprintf("file:coedit_backfill_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := OpenSQLite(dsn, nil)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	legacy := notes.Note{NoteID: "legacy", Version: 0}
	if err := db.Create(&legacy).Error; err != nil {
		t.Fatalf("failed to seed legacy note: %v", err)
	}
	if err := backfillNoteVersions(db); err != nil {
		t.Fatalf("backfill failed: %v", err)
	}

	var repaired notes.Note
	if err := db.Where("note_id = ?", "legacy").Take(&repaired).Error; err != nil {
		t.Fatalf("failed to load repaired note: %v", err)
	}
	if repaired.Version != 1 {
		t.Fatalf("expected version backfilled to 1, got %d", repaired.Version)
	}
}
