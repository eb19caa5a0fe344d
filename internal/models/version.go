package models

import "time"

// ContentKind selects which generated artifact a version snapshot holds.
type ContentKind string

const (
	KindHTML ContentKind = "html"
	KindCSS  ContentKind = "css"
)

// Valid reports whether k is one of the supported content kinds.
func (k ContentKind) Valid() bool {
	return k == KindHTML || k == KindCSS
}

// VersionEntry is one immutable snapshot in a project's history.
// Entries are append-only; restore never edits or removes them.
type VersionEntry struct {
	ID        string      `json:"id"`
	ProjectID string      `json:"project_id"`
	UserID    string      `json:"user_id"`
	Email     string      `json:"email"`
	Content   string      `json:"content"`
	Kind      ContentKind `json:"kind"`
	CreatedAt time.Time   `json:"created_at"`
}
