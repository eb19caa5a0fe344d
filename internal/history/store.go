package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"codecanvas/internal/models"
)

// ErrVersionNotFound is returned when a restore names an unknown version id.
var ErrVersionNotFound = errors.New("version not found")

// ErrProjectNotFound is returned when an operation targets a missing project.
var ErrProjectNotFound = errors.New("project not found")

// Store is the durable, append-only version history per project. Entries are
// never edited, reordered, or deleted here; restore reads an entry and
// writes its content back into the project's live content column.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Commit persists a new version entry and returns it. The entry exists for
// callers only after the write is confirmed; on error no entry is produced.
func (s *Store) Commit(ctx context.Context, projectID string, author models.CollabUser, content string, kind models.ContentKind) (*models.VersionEntry, error) {
	if projectID == "" {
		return nil, errors.New("project id required")
	}
	if author.ID == "" {
		return nil, errors.New("author required")
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("unsupported content kind %q", kind)
	}

	entry := &models.VersionEntry{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		UserID:    author.ID,
		Email:     author.Email,
		Content:   content,
		Kind:      kind,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO project_history (id, project_id, user_id, email, content, kind, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.ProjectID, entry.UserID, entry.Email, entry.Content, string(entry.Kind), entry.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert version: %w", err)
	}
	return entry, nil
}

// History returns all version entries for the project, newest first. A
// project with no history yields an empty slice, not an error.
func (s *Store) History(ctx context.Context, projectID string) ([]models.VersionEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, user_id, email, content, kind, created_at
		 FROM project_history WHERE project_id = ? ORDER BY seq DESC`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	entries := make([]models.VersionEntry, 0)
	for rows.Next() {
		var entry models.VersionEntry
		var kind string
		if err := rows.Scan(&entry.ID, &entry.ProjectID, &entry.UserID, &entry.Email, &entry.Content, &kind, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		entry.Kind = models.ContentKind(kind)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return entries, nil
}

// Get looks up one version entry by id.
func (s *Store) Get(ctx context.Context, versionID string) (*models.VersionEntry, error) {
	var entry models.VersionEntry
	var kind string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, user_id, email, content, kind, created_at
		 FROM project_history WHERE id = ?`,
		versionID,
	).Scan(&entry.ID, &entry.ProjectID, &entry.UserID, &entry.Email, &entry.Content, &kind, &entry.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrVersionNotFound
		}
		return nil, fmt.Errorf("lookup version: %w", err)
	}
	entry.Kind = models.ContentKind(kind)
	return &entry, nil
}

// Restore writes the named version's content back into the project's live
// content column of the matching kind. The history itself is untouched, so
// restoring forward and backward repeatedly loses nothing.
func (s *Store) Restore(ctx context.Context, projectID, versionID string) (*models.VersionEntry, error) {
	entry, err := s.Get(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if entry.ProjectID != projectID {
		return nil, ErrVersionNotFound
	}

	column := "html_content"
	if entry.Kind == models.KindCSS {
		column = "css_content"
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE projects SET %s = ?, updated_at = ? WHERE id = ?`, column),
		entry.Content, time.Now().UTC(), projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("restore project content: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return nil, ErrProjectNotFound
	}
	return entry, nil
}

// CreateProject inserts a new project row.
func (s *Store) CreateProject(ctx context.Context, project *models.Project) error {
	if project.ID == "" {
		project.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if project.CreatedAt.IsZero() {
		project.CreatedAt = now
	}
	project.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, html_content, css_content, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		project.ID, project.Name, project.HTMLContent, project.CSSContent, project.CreatedAt, project.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

// Project fetches a project's live content.
func (s *Store) Project(ctx context.Context, projectID string) (*models.Project, error) {
	var p models.Project
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, html_content, css_content, created_at, updated_at
		 FROM projects WHERE id = ?`,
		projectID,
	).Scan(&p.ID, &p.Name, &p.HTMLContent, &p.CSSContent, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProjectNotFound
		}
		return nil, fmt.Errorf("lookup project: %w", err)
	}
	return &p, nil
}
