package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/coedit/backend/internal/collab"
	"github.com/MarcoPoloResearchLab/coedit/backend/internal/notes"
)

type noteLoader struct {
	service *notes.Service
}

// NewNoteLoader adapts the durable note service to the session store's seed
// interface, translating the not-found sentinel across the boundary.
func NewNoteLoader(service *notes.Service) collab.NoteLoader {
	return &noteLoader{service: service}
}

func (l *noteLoader) LoadNote(ctx context.Context, noteID string) (collab.SeededNote, error) {
	record, err := l.service.LoadNote(ctx, noteID)
	if err != nil {
		if errors.Is(err, notes.ErrNoteNotFound) {
			return collab.SeededNote{}, fmt.Errorf("%w: %s", collab.ErrNoteNotFound, noteID)
		}
		return collab.SeededNote{}, err
	}
	return collab.SeededNote{
		OrganizationID: record.OrganizationID,
		Title:          record.Title,
		Content:        record.Content,
		Version:        record.Version,
	}, nil
}
