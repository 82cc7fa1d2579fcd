// Package sqlite persists the generation history: one row per accepted
// image, keyed by batch.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS generations (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	batch_id    TEXT NOT NULL,
	idx         INTEGER NOT NULL,
	model       TEXT NOT NULL DEFAULT '',
	image_path  TEXT NOT NULL,
	metadata    TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_generations_batch ON generations(batch_id);
`

// Generation is one accepted image.
type Generation struct {
	ID        int64
	BatchID   string
	Index     int
	Model     string
	ImagePath string
	Metadata  string
	CreatedAt time.Time
}

// Store wraps the history database. Safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open creates or opens the history database at path and applies the
// schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply history schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Record inserts one generation row.
func (s *Store) Record(ctx context.Context, g Generation) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO generations (batch_id, idx, model, image_path, metadata) VALUES (?, ?, ?, ?, ?)`,
		g.BatchID, g.Index, g.Model, g.ImagePath, g.Metadata)
	if err != nil {
		return 0, fmt.Errorf("record generation: %w", err)
	}
	return res.LastInsertId()
}

// ListBatch returns every generation of a batch in index order.
func (s *Store) ListBatch(ctx context.Context, batchID string) ([]Generation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, batch_id, idx, model, image_path, metadata, created_at FROM generations WHERE batch_id = ? ORDER BY idx`,
		batchID)
	if err != nil {
		return nil, fmt.Errorf("list batch: %w", err)
	}
	defer rows.Close()
	var out []Generation
	for rows.Next() {
		var g Generation
		if err := rows.Scan(&g.ID, &g.BatchID, &g.Index, &g.Model, &g.ImagePath, &g.Metadata, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan generation: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
