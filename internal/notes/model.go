package notes

// Note models the durably stored note row. Live collaboration sessions are
// seeded from this state, and the boundary writes the final session state
// back here when a session is evicted.
type Note struct {
	NoteID           string `gorm:"column:note_id;primaryKey;size:190;not null"`
	OrganizationID   string `gorm:"column:organization_id;size:190;not null;index:idx_notes_org"`
	Title            string `gorm:"column:title;size:512;not null;default:''"`
	Content          string `gorm:"column:content;type:text;not null;default:''"`
	Version          int64  `gorm:"column:version;not null;default:1"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Note) TableName() string {
	return "notes"
}
