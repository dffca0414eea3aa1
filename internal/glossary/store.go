package glossary

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrNoSnapshot is returned by Store.Load for projects never saved.
var ErrNoSnapshot = errors.New("no glossary snapshot stored for project")

const schema = `
CREATE TABLE IF NOT EXISTS glossary_snapshots (
    project_id TEXT PRIMARY KEY,
    vocabulary_version INTEGER NOT NULL,
    mapping_count INTEGER NOT NULL DEFAULT 0,
    snapshot TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

// Store persists glossary snapshots in SQLite, one row per project.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) the snapshot database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening glossary database: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating glossary schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save writes the snapshot for s.ProjectID, replacing any previous one.
func (s *Store) Save(ctx context.Context, snap Snapshot) error {
	ctx, span := tracer.Start(ctx, "glossary.store.save",
		trace.WithAttributes(
			attribute.String("project_id", snap.ProjectID),
			attribute.Int("mappings", len(snap.Mappings)),
		))
	defer span.End()

	if snap.ProjectID == "" {
		return fmt.Errorf("%w: missing project id", ErrInvalidSnapshot)
	}
	data, err := EncodeSnapshot(snap)
	if err != nil {
		return fmt.Errorf("encoding glossary snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO glossary_snapshots (project_id, vocabulary_version, mapping_count, snapshot, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET
			vocabulary_version = excluded.vocabulary_version,
			mapping_count = excluded.mapping_count,
			snapshot = excluded.snapshot,
			updated_at = excluded.updated_at`,
		snap.ProjectID, snap.VocabularyVersion, len(snap.Mappings), string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("saving glossary snapshot: %w", err)
	}
	return nil
}

// Load returns the stored snapshot for projectID.
func (s *Store) Load(ctx context.Context, projectID string) (Snapshot, error) {
	ctx, span := tracer.Start(ctx, "glossary.store.load",
		trace.WithAttributes(attribute.String("project_id", projectID)))
	defer span.End()

	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM glossary_snapshots WHERE project_id = ?`, projectID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNoSnapshot, projectID)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("loading glossary snapshot: %w", err)
	}
	return DecodeSnapshot([]byte(data))
}

// ProjectSummary is one row of Store.List.
type ProjectSummary struct {
	ProjectID string    `json:"project_id"`
	Mappings  int       `json:"mappings"`
	UpdatedAt time.Time `json:"updated_at"`
}

// List returns every stored project ordered by id.
func (s *Store) List(ctx context.Context) ([]ProjectSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT project_id, mapping_count, updated_at FROM glossary_snapshots ORDER BY project_id`)
	if err != nil {
		return nil, fmt.Errorf("listing glossary snapshots: %w", err)
	}
	defer rows.Close()

	var out []ProjectSummary
	for rows.Next() {
		var p ProjectSummary
		if err := rows.Scan(&p.ProjectID, &p.Mappings, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning glossary snapshot: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Delete removes the snapshot of projectID, if any.
func (s *Store) Delete(ctx context.Context, projectID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM glossary_snapshots WHERE project_id = ?`, projectID); err != nil {
		return fmt.Errorf("deleting glossary snapshot: %w", err)
	}
	return nil
}
