package collab

import "fmt"

// editState is the view of a session that the resolver reads and rewrites.
type editState struct {
	Title   string
	Content string
	Version int64
}

// editOutcome captures the decision from resolveEdit.
type editOutcome struct {
	Applied         bool
	Title           string
	Content         string
	Version         int64
	HasConflict     bool
	ConflictMessage string
}

// resolveEdit applies an edit against the current session state using
// versioned last-write-wins. An edit based on the current version applies
// cleanly. An edit based on an older version still applies, field by field,
// but is flagged as a conflict so the submitter can reconcile. An edit based
// on a version the session has never reached is rejected outright.
func resolveEdit(current editState, operation EditOperation) editOutcome {
	if operation.BaseVersion > current.Version {
		return editOutcome{
			Applied:     false,
			Title:       current.Title,
			Content:     current.Content,
			Version:     current.Version,
			HasConflict: true,
			ConflictMessage: fmt.Sprintf(
				"edit base version %d is ahead of note version %d; refresh the session snapshot",
				operation.BaseVersion, current.Version),
		}
	}

	updated := current
	switch operation.EditType {
	case EditTypeTitleUpdate:
		updated.Title = operation.Title
	case EditTypeContentUpdate:
		updated.Content = operation.Content
	case EditTypeFullUpdate:
		updated.Title = operation.Title
		updated.Content = operation.Content
	}
	updated.Version = current.Version + 1

	if operation.BaseVersion < current.Version {
		return editOutcome{
			Applied:     true,
			Title:       updated.Title,
			Content:     updated.Content,
			Version:     updated.Version,
			HasConflict: true,
			ConflictMessage: fmt.Sprintf(
				"edit was based on version %d but the note had advanced to version %d; the edit was applied last-write-wins",
				operation.BaseVersion, current.Version),
		}
	}

	return editOutcome{
		Applied: true,
		Title:   updated.Title,
		Content: updated.Content,
		Version: updated.Version,
	}
}
