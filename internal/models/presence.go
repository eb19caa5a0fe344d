package models

// CursorPosition is a caret location inside the generated code editor.
type CursorPosition struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// SelectionRange covers [Start, End) offsets in the edited document.
type SelectionRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// UserPresence describes one user attached to a project's live session.
// Cursor and Selection are optional; the most recent update for a user
// supersedes prior ones field by field.
type UserPresence struct {
	UserID    string          `json:"user_id"`
	Email     string          `json:"email"`
	Cursor    *CursorPosition `json:"cursor,omitempty"`
	Selection *SelectionRange `json:"selection,omitempty"`
}

// PresenceSnapshot is the aggregate view handed to consumers.
// LastUpdate is epoch milliseconds of the latest mutation.
type PresenceSnapshot struct {
	Users      map[string]UserPresence `json:"users"`
	LastUpdate int64                   `json:"last_update"`
}

// CollabUser identifies the authenticated local user attaching to a project.
type CollabUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}
