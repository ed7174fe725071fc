package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/codebuildervaibhav/hebrew-whisper/internal/apperr"
	"github.com/codebuildervaibhav/hebrew-whisper/internal/types"
)

// MetadataDB handles SQLite database operations
type MetadataDB struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS transcripts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL UNIQUE,
	request_name TEXT NOT NULL,
	origin TEXT NOT NULL,
	model TEXT NOT NULL,
	language TEXT NOT NULL,
	gdrive_url TEXT NOT NULL DEFAULT '',
	local_path TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	duration REAL,
	word_count INTEGER
);

CREATE INDEX IF NOT EXISTS idx_created_at ON transcripts(created_at);
CREATE INDEX IF NOT EXISTS idx_request_name ON transcripts(request_name);
`

// NewMetadataDB opens (creating if needed) the database at dbPath.
func NewMetadataDB(dbPath string) (*MetadataDB, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer at a time; sqlite serializes anyway
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	return &MetadataDB{db: db}, nil
}

// RecordTranscript saves the metadata row of a finished job.
func (mdb *MetadataDB) RecordTranscript(ctx context.Context, rec types.TranscriptRecord) error {
	query := `
	INSERT INTO transcripts (job_id, request_name, origin, model, language, gdrive_url, local_path, created_at, duration, word_count)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := mdb.db.ExecContext(ctx, query, rec.JobID, rec.Name, string(rec.Origin), rec.Model, rec.Language,
		rec.GDriveURL, rec.LocalPath, createdAt, rec.Duration, rec.WordCount)
	if err != nil {
		return fmt.Errorf("failed to save transcript metadata: %w", err)
	}

	return nil
}

const selectColumns = `SELECT job_id, request_name, origin, model, language, gdrive_url, local_path, created_at, duration, word_count FROM transcripts`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (types.TranscriptRecord, error) {
	var (
		rec    types.TranscriptRecord
		origin string
	)
	err := row.Scan(&rec.JobID, &rec.Name, &origin, &rec.Model, &rec.Language, &rec.GDriveURL,
		&rec.LocalPath, &rec.CreatedAt, &rec.Duration, &rec.WordCount)
	rec.Origin = types.Origin(origin)
	return rec, err
}

// GetTranscript retrieves transcript metadata by job ID
func (mdb *MetadataDB) GetTranscript(ctx context.Context, jobID string) (types.TranscriptRecord, error) {
	row := mdb.db.QueryRowContext(ctx, selectColumns+` WHERE job_id = ?`, jobID)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.TranscriptRecord{}, apperr.NotFound("transcript", jobID)
	}
	if err != nil {
		return types.TranscriptRecord{}, fmt.Errorf("failed to get transcript: %w", err)
	}
	return rec, nil
}

// ListTranscripts returns the most recent transcripts, newest first.
func (mdb *MetadataDB) ListTranscripts(ctx context.Context, limit int) ([]types.TranscriptRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := mdb.db.QueryContext(ctx, selectColumns+` ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transcripts: %w", err)
	}
	defer rows.Close()

	transcripts := []types.TranscriptRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to read transcript row: %w", err)
		}
		transcripts = append(transcripts, rec)
	}
	return transcripts, rows.Err()
}

// Close closes the database connection
func (mdb *MetadataDB) Close() error {
	return mdb.db.Close()
}
