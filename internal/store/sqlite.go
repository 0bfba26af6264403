package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store provides SQLite-backed persistence for the content catalogue
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a new Store, opening the SQLite database and running migrations.
// The pool holds a single connection: SQLite serializes writers anyway, and
// it keeps ":memory:" databases alive across calls.
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	for _, pragma := range []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Debug("store initialized", "path", dbPath)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ============================================================================
// SyncRun Operations
// ============================================================================

// CreateSyncRun inserts a new SyncRun and sets its ID
func (s *Store) CreateSyncRun(run *SyncRun) error {
	const query = `
		INSERT INTO sync_runs (
			remote, repository, start_time, end_time, tags_synced, tags_failed,
			manifests_added, blobs_downloaded, blobs_skipped, signatures_synced,
			bytes_transferred, version_number, status, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.Exec(
		query,
		run.Remote, run.Repository, run.StartTime, run.EndTime, run.TagsSynced, run.TagsFailed,
		run.ManifestsAdded, run.BlobsDownloaded, run.BlobsSkipped, run.SignaturesSynced,
		run.BytesTransferred, run.VersionNumber, run.Status, run.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to insert sync run: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	run.ID = id
	return nil
}

// UpdateSyncRun updates an existing SyncRun by ID
func (s *Store) UpdateSyncRun(run *SyncRun) error {
	const query = `
		UPDATE sync_runs SET
			remote = ?, repository = ?, start_time = ?, end_time = ?, tags_synced = ?,
			tags_failed = ?, manifests_added = ?, blobs_downloaded = ?, blobs_skipped = ?,
			signatures_synced = ?, bytes_transferred = ?, version_number = ?, status = ?,
			error_message = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(
		query,
		run.Remote, run.Repository, run.StartTime, run.EndTime, run.TagsSynced,
		run.TagsFailed, run.ManifestsAdded, run.BlobsDownloaded, run.BlobsSkipped,
		run.SignaturesSynced, run.BytesTransferred, run.VersionNumber, run.Status,
		run.ErrorMessage, run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update sync run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("sync run %d: %w", run.ID, ErrNotFound)
	}

	return nil
}

const syncRunColumns = `
	id, remote, repository, start_time, end_time, tags_synced, tags_failed,
	manifests_added, blobs_downloaded, blobs_skipped, signatures_synced,
	bytes_transferred, version_number, status, error_message`

func scanSyncRun(row interface{ Scan(...any) error }) (*SyncRun, error) {
	run := &SyncRun{}
	var end sql.NullTime
	err := row.Scan(
		&run.ID, &run.Remote, &run.Repository, &run.StartTime, &end, &run.TagsSynced,
		&run.TagsFailed, &run.ManifestsAdded, &run.BlobsDownloaded, &run.BlobsSkipped,
		&run.SignaturesSynced, &run.BytesTransferred, &run.VersionNumber, &run.Status,
		&run.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}
	if end.Valid {
		run.EndTime = end.Time
	}
	return run, nil
}

// GetSyncRun retrieves a SyncRun by ID
func (s *Store) GetSyncRun(id int64) (*SyncRun, error) {
	run, err := scanSyncRun(s.db.QueryRow("SELECT "+syncRunColumns+" FROM sync_runs WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("sync run %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query sync run: %w", err)
	}
	return run, nil
}

// ListSyncRuns retrieves SyncRuns, optionally filtered by remote
func (s *Store) ListSyncRuns(remote string, limit int) ([]SyncRun, error) {
	query := "SELECT " + syncRunColumns + " FROM sync_runs"
	var args []interface{}

	if remote != "" {
		query += " WHERE remote = ?"
		args = append(args, remote)
	}

	query += " ORDER BY start_time DESC, id DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync runs: %w", err)
	}
	defer rows.Close()

	var runs []SyncRun
	for rows.Next() {
		run, err := scanSyncRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync run: %w", err)
		}
		runs = append(runs, *run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync runs: %w", err)
	}

	return runs, nil
}

// ============================================================================
// FailedContent Operations (Dead Letter Queue)
// ============================================================================

// AddFailedContent records a fetch failure, bumping the retry count of an
// existing unresolved entry for the same remote and reference.
func (s *Store) AddFailedContent(rec *FailedContent) error {
	now := time.Now().UTC()
	if rec.LastFailure.IsZero() {
		rec.LastFailure = now
	}
	if rec.FirstFailure.IsZero() {
		rec.FirstFailure = rec.LastFailure
	}

	const updateQuery = `
		UPDATE failed_content
		SET error = ?, retry_count = retry_count + 1, last_failure = ?,
		    url = COALESCE(NULLIF(?, ''), url),
		    expected_digest = COALESCE(NULLIF(?, ''), expected_digest)
		WHERE remote = ? AND reference = ? AND resolved = 0
	`

	result, err := s.db.Exec(
		updateQuery,
		rec.Error, rec.LastFailure, rec.URL, rec.ExpectedDigest,
		rec.Remote, rec.Reference,
	)
	if err != nil {
		return fmt.Errorf("failed to update failed content record: %w", err)
	}

	if rowsAffected, _ := result.RowsAffected(); rowsAffected > 0 {
		return nil
	}

	const insertQuery = `
		INSERT INTO failed_content (
			remote, reference, url, expected_digest, error, retry_count,
			first_failure, last_failure, resolved
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)
	`

	result, err = s.db.Exec(
		insertQuery,
		rec.Remote, rec.Reference, rec.URL, rec.ExpectedDigest, rec.Error,
		rec.RetryCount, rec.FirstFailure, rec.LastFailure,
	)
	if err != nil {
		return fmt.Errorf("failed to add failed content record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	rec.ID = id
	return nil
}

// ListFailedContent retrieves unresolved failures for a remote (all remotes when empty)
func (s *Store) ListFailedContent(remote string) ([]FailedContent, error) {
	query := `
		SELECT id, remote, reference, url, expected_digest, error, retry_count,
		       first_failure, last_failure, resolved
		FROM failed_content WHERE resolved = 0`
	var args []interface{}
	if remote != "" {
		query += " AND remote = ?"
		args = append(args, remote)
	}
	query += " ORDER BY last_failure DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed content: %w", err)
	}
	defer rows.Close()

	var records []FailedContent
	for rows.Next() {
		rec := FailedContent{}
		err := rows.Scan(
			&rec.ID, &rec.Remote, &rec.Reference, &rec.URL, &rec.ExpectedDigest,
			&rec.Error, &rec.RetryCount, &rec.FirstFailure, &rec.LastFailure, &rec.Resolved,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan failed content record: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating failed content records: %w", err)
	}

	return records, nil
}

// ResolveFailedContent marks every unresolved failure for remote+reference as resolved
func (s *Store) ResolveFailedContent(remote, reference string) error {
	const query = "UPDATE failed_content SET resolved = 1 WHERE remote = ? AND reference = ? AND resolved = 0"
	if _, err := s.db.Exec(query, remote, reference); err != nil {
		return fmt.Errorf("failed to resolve failed content: %w", err)
	}
	return nil
}
