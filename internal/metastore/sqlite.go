package metastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// timeLayout is the canonical timestamp encoding in the database. A
// fixed-width fraction keeps the string comparisons in SQL correct;
// RFC3339Nano would trim trailing zeros and sort whole-second instants
// after sub-second ones. All values are formatted in UTC.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS libraries (
		name       TEXT PRIMARY KEY,
		state      TEXT NOT NULL DEFAULT 'active',
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS files (
		library     TEXT NOT NULL,
		id          TEXT NOT NULL,
		blob_uri    TEXT NOT NULL,
		metadata    TEXT NOT NULL DEFAULT '{}',
		status      TEXT NOT NULL,
		embed_model TEXT NOT NULL DEFAULT '',
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL,
		PRIMARY KEY (library, id)
	)`,
	`CREATE TABLE IF NOT EXISTS chunks (
		id         TEXT PRIMARY KEY,
		library    TEXT NOT NULL,
		file_id    TEXT NOT NULL,
		seq        INTEGER NOT NULL,
		text       TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE (library, file_id, seq)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chunks_file ON chunks (library, file_id)`,
	`CREATE TABLE IF NOT EXISTS chunk_embeddings (
		chunk_id   TEXT NOT NULL,
		model      TEXT NOT NULL,
		status     TEXT NOT NULL,
		claimed_at TEXT NOT NULL DEFAULT '',
		reason     TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL,
		PRIMARY KEY (chunk_id, model)
	)`,
}

// SQLiteStore is the durable Store implementation backed by modernc SQLite.
//
// The database is opened in WAL mode with a busy timeout so concurrent
// coordinators contend gracefully rather than erroring.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// SQLiteConfig configures the SQLite metadata store.
type SQLiteConfig struct {
	// Path is the database file path. The parent directory is created if
	// missing. Use ":memory:" for an ephemeral store.
	Path string
}

// Validate validates the configuration.
func (c SQLiteConfig) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("%w: path is required", ErrInvalidConfig)
	}
	return nil
}

// NewSQLiteStore opens (creating if necessary) the metadata database and
// applies the schema.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	dsn := cfg.Path
	if dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = cfg.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if cfg.Path == ":memory:" {
		// The pool would otherwise hand out separate in-memory databases.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying schema: %w", err)
		}
	}

	return &SQLiteStore{db: db, path: cfg.Path}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) PutLibrary(ctx context.Context, lib *Library) error {
	state := lib.State
	if state == "" {
		state = LibraryActive
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO libraries (name, state, created_at) VALUES (?, ?, ?)`,
		lib.Name, string(state), lib.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrLibraryExists, lib.Name)
		}
		return fmt.Errorf("inserting library: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetLibrary(ctx context.Context, name string) (*Library, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, state, created_at FROM libraries WHERE name = ?`, name)

	var lib Library
	var state, createdAt string
	if err := row.Scan(&lib.Name, &state, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrLibraryNotFound, name)
		}
		return nil, fmt.Errorf("querying library: %w", err)
	}
	lib.State = LibraryState(state)
	lib.CreatedAt = parseTime(createdAt)
	return &lib, nil
}

func (s *SQLiteStore) ListLibraries(ctx context.Context) ([]*Library, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, state, created_at FROM libraries ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing libraries: %w", err)
	}
	defer rows.Close()

	var libs []*Library
	for rows.Next() {
		var lib Library
		var state, createdAt string
		if err := rows.Scan(&lib.Name, &state, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning library: %w", err)
		}
		lib.State = LibraryState(state)
		lib.CreatedAt = parseTime(createdAt)
		libs = append(libs, &lib)
	}
	return libs, rows.Err()
}

func (s *SQLiteStore) MarkLibraryDeleting(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE libraries SET state = ? WHERE name = ?`,
		string(LibraryDeleting), name)
	if err != nil {
		return fmt.Errorf("marking library deleting: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrLibraryNotFound, name)
	}
	return nil
}

func (s *SQLiteStore) DeleteLibrary(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM libraries WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("deleting library: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrLibraryNotFound, name)
	}
	return nil
}

func (s *SQLiteStore) PutFile(ctx context.Context, f *File) error {
	meta, err := json.Marshal(f.Metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO files (library, id, blob_uri, metadata, status, embed_model, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(library, id) DO UPDATE SET
			blob_uri = excluded.blob_uri,
			metadata = excluded.metadata,
			status = excluded.status,
			embed_model = excluded.embed_model,
			updated_at = excluded.updated_at`,
		f.Library, f.ID, f.BlobURI, string(meta), string(f.Status), f.EmbedModel,
		f.CreatedAt.UTC().Format(timeLayout), f.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("upserting file: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetFile(ctx context.Context, library, fileID string) (*File, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT library, id, blob_uri, metadata, status, embed_model, created_at, updated_at
		 FROM files WHERE library = ? AND id = ?`, library, fileID)
	f, err := scanFile(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s/%s", ErrFileNotFound, library, fileID)
		}
		return nil, err
	}
	return f, nil
}

func (s *SQLiteStore) ListFilesByLibrary(ctx context.Context, library string) ([]*File, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT library, id, blob_uri, metadata, status, embed_model, created_at, updated_at
		 FROM files WHERE library = ? ORDER BY id`, library)
	if err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}
	defer rows.Close()

	var files []*File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func (s *SQLiteStore) DeleteFile(ctx context.Context, library, fileID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM files WHERE library = ? AND id = ?`, library, fileID)
	if err != nil {
		return fmt.Errorf("deleting file: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s/%s", ErrFileNotFound, library, fileID)
	}
	return nil
}

func (s *SQLiteStore) SetFileStatus(ctx context.Context, library, fileID string, status FileStatus, model string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE files SET status = ?, embed_model = ?, updated_at = ? WHERE library = ? AND id = ?`,
		string(status), model, now().Format(timeLayout), library, fileID)
	if err != nil {
		return fmt.Errorf("updating file status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s/%s", ErrFileNotFound, library, fileID)
	}
	return nil
}

func (s *SQLiteStore) PutChunks(ctx context.Context, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chunks (id, library, file_id, seq, text, created_at) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		if _, err := stmt.ExecContext(ctx,
			c.ID, c.Library, c.FileID, c.Seq, c.Text,
			c.CreatedAt.UTC().Format(timeLayout)); err != nil {
			return fmt.Errorf("inserting chunk %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListChunksByFile(ctx context.Context, library, fileID string) ([]*Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, library, file_id, seq, text, created_at
		 FROM chunks WHERE library = ? AND file_id = ? ORDER BY seq`, library, fileID)
	if err != nil {
		return nil, fmt.Errorf("listing chunks: %w", err)
	}
	defer rows.Close()
	return collectChunks(rows)
}

func (s *SQLiteStore) DeleteChunksByFile(ctx context.Context, library, fileID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chunk_embeddings WHERE chunk_id IN
		 (SELECT id FROM chunks WHERE library = ? AND file_id = ?)`,
		library, fileID); err != nil {
		return fmt.Errorf("deleting chunk embeddings: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chunks WHERE library = ? AND file_id = ?`, library, fileID); err != nil {
		return fmt.Errorf("deleting chunks: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListUnembeddedChunks(ctx context.Context, library, model string, staleBefore time.Time) ([]*PendingChunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.library, c.file_id, c.seq, c.text, c.created_at,
		        COALESCE(ce.status, 'pending')
		 FROM chunks c
		 LEFT JOIN chunk_embeddings ce ON ce.chunk_id = c.id AND ce.model = ?
		 WHERE c.library = ?
		   AND (ce.status IS NULL
		        OR ce.status IN ('pending', 'failed')
		        OR (ce.status = 'claimed' AND ce.claimed_at < ?))
		 ORDER BY c.file_id, c.seq`,
		model, library, staleBefore.UTC().Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("listing unembedded chunks: %w", err)
	}
	defer rows.Close()

	var pending []*PendingChunk
	for rows.Next() {
		var c Chunk
		var createdAt, status string
		if err := rows.Scan(&c.ID, &c.Library, &c.FileID, &c.Seq, &c.Text, &createdAt, &status); err != nil {
			return nil, fmt.Errorf("scanning pending chunk: %w", err)
		}
		c.CreatedAt = parseTime(createdAt)
		pending = append(pending, &PendingChunk{Chunk: &c, Status: ChunkEmbedStatus(status)})
	}
	return pending, rows.Err()
}

func (s *SQLiteStore) CountChunksByLibrary(ctx context.Context, library string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks WHERE library = ?`, library).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting chunks: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) ClaimChunk(ctx context.Context, chunkID, model string, claimTime, staleBefore time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chunk_embeddings (chunk_id, model, status, claimed_at, reason, updated_at)
		 VALUES (?, ?, 'claimed', ?, '', ?)
		 ON CONFLICT(chunk_id, model) DO UPDATE SET
			status = 'claimed',
			claimed_at = excluded.claimed_at,
			reason = '',
			updated_at = excluded.updated_at
		 WHERE chunk_embeddings.status IN ('pending', 'failed')
		    OR (chunk_embeddings.status = 'claimed' AND chunk_embeddings.claimed_at < ?)`,
		chunkID, model,
		claimTime.UTC().Format(timeLayout), claimTime.UTC().Format(timeLayout),
		staleBefore.UTC().Format(timeLayout))
	if err != nil {
		return false, fmt.Errorf("claiming chunk: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim result: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) CountLiveClaims(ctx context.Context, library, model string, staleBefore time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM chunk_embeddings ce
		 JOIN chunks c ON c.id = ce.chunk_id
		 WHERE c.library = ? AND ce.status = 'claimed' AND ce.claimed_at >= ?`
	args := []any{library, staleBefore.UTC().Format(timeLayout)}
	if model != "" {
		query += ` AND ce.model = ?`
		args = append(args, model)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting live claims: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) MarkChunkEmbedded(ctx context.Context, chunkID, model string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE chunk_embeddings SET status = 'embedded', claimed_at = '', reason = '', updated_at = ?
		 WHERE chunk_id = ? AND model = ? AND status = 'claimed'`,
		now().Format(timeLayout), chunkID, model)
	if err != nil {
		return fmt.Errorf("marking chunk embedded: %w", err)
	}
	return nil
}

func (s *SQLiteStore) MarkChunkFailed(ctx context.Context, chunkID, model, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE chunk_embeddings SET status = 'failed', claimed_at = '', reason = ?, updated_at = ?
		 WHERE chunk_id = ? AND model = ? AND status = 'claimed'`,
		reason, now().Format(timeLayout), chunkID, model)
	if err != nil {
		return fmt.Errorf("marking chunk failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DemoteChunkEmbedding(ctx context.Context, chunkID, model, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chunk_embeddings (chunk_id, model, status, claimed_at, reason, updated_at)
		 VALUES (?, ?, 'failed', '', ?, ?)
		 ON CONFLICT(chunk_id, model) DO UPDATE SET
			status = 'failed', claimed_at = '', reason = excluded.reason, updated_at = excluded.updated_at`,
		chunkID, model, reason, now().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("demoting chunk embedding: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ReleaseClaim(ctx context.Context, chunkID, model string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE chunk_embeddings SET status = 'pending', claimed_at = '', updated_at = ?
		 WHERE chunk_id = ? AND model = ? AND status = 'claimed'`,
		now().Format(timeLayout), chunkID, model)
	if err != nil {
		return fmt.Errorf("releasing claim: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetChunkEmbedding(ctx context.Context, chunkID, model string) (*ChunkEmbedding, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT chunk_id, model, status, claimed_at, reason, updated_at
		 FROM chunk_embeddings WHERE chunk_id = ? AND model = ?`, chunkID, model)
	ce, err := scanChunkEmbedding(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return ce, nil
}

func (s *SQLiteStore) ListChunkEmbeddingsByLibrary(ctx context.Context, library, model string) ([]*ChunkEmbedding, error) {
	query := `SELECT ce.chunk_id, ce.model, ce.status, ce.claimed_at, ce.reason, ce.updated_at
		 FROM chunk_embeddings ce
		 JOIN chunks c ON c.id = ce.chunk_id
		 WHERE c.library = ?`
	args := []any{library}
	if model != "" {
		query += ` AND ce.model = ?`
		args = append(args, model)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing chunk embeddings: %w", err)
	}
	defer rows.Close()

	var out []*ChunkEmbedding
	for rows.Next() {
		ce, err := scanChunkEmbedding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ce)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) EmbedStatusByLibrary(ctx context.Context, library string) ([]*EmbedStatusSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ce.model,
		        SUM(CASE WHEN ce.status = 'embedded' THEN 1 ELSE 0 END),
		        SUM(CASE WHEN ce.status = 'failed' THEN 1 ELSE 0 END),
		        MAX(ce.updated_at)
		 FROM chunk_embeddings ce
		 JOIN chunks c ON c.id = ce.chunk_id
		 WHERE c.library = ?
		 GROUP BY ce.model ORDER BY ce.model`, library)
	if err != nil {
		return nil, fmt.Errorf("aggregating embed status: %w", err)
	}
	defer rows.Close()

	var out []*EmbedStatusSummary
	for rows.Next() {
		var s EmbedStatusSummary
		var updatedAt string
		if err := rows.Scan(&s.Model, &s.EmbeddedChunks, &s.FailedChunks, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning embed status: %w", err)
		}
		s.UpdatedAt = parseTime(updatedAt)
		out = append(out, &s)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner) (*File, error) {
	var f File
	var meta, status, createdAt, updatedAt string
	if err := row.Scan(&f.Library, &f.ID, &f.BlobURI, &meta, &status, &f.EmbedModel, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if meta != "" && meta != "null" {
		if err := json.Unmarshal([]byte(meta), &f.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata: %w", err)
		}
	}
	f.Status = FileStatus(status)
	f.CreatedAt = parseTime(createdAt)
	f.UpdatedAt = parseTime(updatedAt)
	return &f, nil
}

func scanChunkEmbedding(row rowScanner) (*ChunkEmbedding, error) {
	var ce ChunkEmbedding
	var status, claimedAt, updatedAt string
	if err := row.Scan(&ce.ChunkID, &ce.Model, &status, &claimedAt, &ce.Reason, &updatedAt); err != nil {
		return nil, err
	}
	ce.Status = ChunkEmbedStatus(status)
	if claimedAt != "" {
		ce.ClaimedAt = parseTime(claimedAt)
	}
	ce.UpdatedAt = parseTime(updatedAt)
	return &ce, nil
}

func collectChunks(rows *sql.Rows) ([]*Chunk, error) {
	var chunks []*Chunk
	for rows.Next() {
		var c Chunk
		var createdAt string
		if err := rows.Scan(&c.ID, &c.Library, &c.FileID, &c.Seq, &c.Text, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		c.CreatedAt = parseTime(createdAt)
		chunks = append(chunks, &c)
	}
	return chunks, rows.Err()
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func now() time.Time {
	return time.Now().UTC()
}

// isUniqueViolation reports whether err is a SQLite unique constraint error.
// modernc.org/sqlite does not export typed errors, so we match the message.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "constraint failed")
}
