package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ============================================================================
// Repository Operations
// ============================================================================

// EnsureRepository returns the named repository, creating it together with
// its empty version 0 on first use.
func (s *Store) EnsureRepository(ctx context.Context, name string) (*Repository, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO repositories (name, created_at) VALUES (?, ?)", name, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert repository: %w", err)
	}

	repo := &Repository{}
	err = tx.QueryRowContext(ctx, "SELECT id, name, created_at FROM repositories WHERE name = ?", name).
		Scan(&repo.ID, &repo.Name, &repo.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to query repository: %w", err)
	}

	if n, _ := res.RowsAffected(); n > 0 {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO repository_versions (repository_id, number, base_version_id, created_at) VALUES (?, 0, NULL, ?)",
			repo.ID, now,
		); err != nil {
			return nil, fmt.Errorf("failed to create initial version: %w", err)
		}
		s.logger.Info("repository created", "repository", name)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit repository: %w", err)
	}
	return repo, nil
}

// GetRepository returns the named repository or ErrNotFound.
func (s *Store) GetRepository(ctx context.Context, name string) (*Repository, error) {
	repo := &Repository{}
	err := s.db.QueryRowContext(ctx, "SELECT id, name, created_at FROM repositories WHERE name = ?", name).
		Scan(&repo.ID, &repo.Name, &repo.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("repository %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query repository: %w", err)
	}
	return repo, nil
}

// ListRepositories returns all repositories ordered by name.
func (s *Store) ListRepositories(ctx context.Context) ([]Repository, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, name, created_at FROM repositories ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to query repositories: %w", err)
	}
	defer rows.Close()

	var repos []Repository
	for rows.Next() {
		var r Repository
		if err := rows.Scan(&r.ID, &r.Name, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan repository: %w", err)
		}
		repos = append(repos, r)
	}
	return repos, rows.Err()
}

// ============================================================================
// Repository Version Operations
// ============================================================================

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const versionColumns = "id, repository_id, number, base_version_id, created_at"

func scanVersion(row interface{ Scan(...any) error }) (*RepositoryVersion, error) {
	v := &RepositoryVersion{}
	var base sql.NullInt64
	if err := row.Scan(&v.ID, &v.RepositoryID, &v.Number, &base, &v.CreatedAt); err != nil {
		return nil, err
	}
	v.BaseVersionID = base.Int64
	return v, nil
}

func latestVersion(ctx context.Context, q queryer, repoID int64) (*RepositoryVersion, error) {
	v, err := scanVersion(q.QueryRowContext(ctx,
		"SELECT "+versionColumns+" FROM repository_versions WHERE repository_id = ? ORDER BY number DESC LIMIT 1", repoID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("versions of repository %d: %w", repoID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest version: %w", err)
	}
	return v, nil
}

// LatestVersion returns the highest numbered version of a repository.
func (s *Store) LatestVersion(ctx context.Context, repoID int64) (*RepositoryVersion, error) {
	return latestVersion(ctx, s.db, repoID)
}

// GetVersion returns a specific version number of a repository.
func (s *Store) GetVersion(ctx context.Context, repoID int64, number int) (*RepositoryVersion, error) {
	v, err := scanVersion(s.db.QueryRowContext(ctx,
		"SELECT "+versionColumns+" FROM repository_versions WHERE repository_id = ? AND number = ?", repoID, number))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("version %d of repository %d: %w", number, repoID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query version: %w", err)
	}
	return v, nil
}

// ListVersions returns every version of a repository, oldest first.
func (s *Store) ListVersions(ctx context.Context, repoID int64) ([]RepositoryVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+versionColumns+" FROM repository_versions WHERE repository_id = ? ORDER BY number", repoID)
	if err != nil {
		return nil, fmt.Errorf("failed to query versions: %w", err)
	}
	defer rows.Close()

	var versions []RepositoryVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}
		versions = append(versions, *v)
	}
	return versions, rows.Err()
}

// VersionContent lists the content of a version ordered by type and id.
func (s *Store) VersionContent(ctx context.Context, versionID int64) ([]ContentRef, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT content_type, content_id FROM repository_content WHERE version_id = ? ORDER BY content_type, content_id", versionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query version content: %w", err)
	}
	defer rows.Close()

	var refs []ContentRef
	for rows.Next() {
		var ref ContentRef
		if err := rows.Scan(&ref.Type, &ref.ID); err != nil {
			return nil, fmt.Errorf("failed to scan content ref: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// ListTags returns the tags held by a version ordered by name.
func (s *Store) ListTags(ctx context.Context, versionID int64) ([]TagInfo, error) {
	const query = `
		SELECT t.id, t.name, m.id, m.digest, m.media_type
		FROM repository_content rc
		JOIN tags t ON rc.content_type = 'tag' AND t.id = rc.content_id
		JOIN manifests m ON m.id = t.manifest_id
		WHERE rc.version_id = ?
		ORDER BY t.name
	`
	rows, err := s.db.QueryContext(ctx, query, versionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tags: %w", err)
	}
	defer rows.Close()

	var tags []TagInfo
	for rows.Next() {
		var t TagInfo
		if err := rows.Scan(&t.TagID, &t.Name, &t.ManifestID, &t.ManifestDigest, &t.MediaType); err != nil {
			return nil, fmt.Errorf("failed to scan tag: %w", err)
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

// VersionArtifacts returns every stored file a version references: its
// blobs, manifests and signatures, ordered by digest.
func (s *Store) VersionArtifacts(ctx context.Context, versionID int64) ([]VersionArtifact, error) {
	const query = `
		SELECT 'blob', b.digest, b.size, b.artifact_path
		FROM repository_content rc JOIN blobs b ON rc.content_type = 'blob' AND b.id = rc.content_id
		WHERE rc.version_id = ?
		UNION ALL
		SELECT 'manifest', m.digest, m.size, m.artifact_path
		FROM repository_content rc JOIN manifests m ON rc.content_type = 'manifest' AND m.id = rc.content_id
		WHERE rc.version_id = ?
		UNION ALL
		SELECT 'signature', sg.digest, sg.size, sg.artifact_path
		FROM repository_content rc JOIN manifest_signatures sg ON rc.content_type = 'signature' AND sg.id = rc.content_id
		WHERE rc.version_id = ?
		ORDER BY 2, 1
	`
	rows, err := s.db.QueryContext(ctx, query, versionID, versionID, versionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query version artifacts: %w", err)
	}
	defer rows.Close()

	var out []VersionArtifact
	for rows.Next() {
		var a VersionArtifact
		if err := rows.Scan(&a.Type, &a.Digest, &a.Size, &a.ArtifactPath); err != nil {
			return nil, fmt.Errorf("failed to scan version artifact: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// VersionSignatures returns the signatures held by a version together with
// the digest of the manifest each one signs.
func (s *Store) VersionSignatures(ctx context.Context, versionID int64) ([]SignatureInfo, error) {
	const query = `
		SELECT m.digest, sg.name, sg.signature_type, sg.digest, sg.size
		FROM repository_content rc
		JOIN manifest_signatures sg ON rc.content_type = 'signature' AND sg.id = rc.content_id
		JOIN manifests m ON m.id = sg.manifest_id
		WHERE rc.version_id = ?
		ORDER BY m.digest, sg.name
	`
	rows, err := s.db.QueryContext(ctx, query, versionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query signatures: %w", err)
	}
	defer rows.Close()

	var out []SignatureInfo
	for rows.Next() {
		var si SignatureInfo
		if err := rows.Scan(&si.ManifestDigest, &si.Name, &si.Type, &si.Digest, &si.Size); err != nil {
			return nil, fmt.Errorf("failed to scan signature: %w", err)
		}
		out = append(out, si)
	}
	return out, rows.Err()
}

// ============================================================================
// Version transactions
// ============================================================================

// VersionTx builds the next version of a repository inside one SQL
// transaction. It starts as a copy of the latest version. Nothing is visible
// to readers until Commit.
//
// The store pool has one connection, so the transaction holds it: callers
// must not call other Store methods until Commit or Rollback returns.
type VersionTx struct {
	tx      *sql.Tx
	logger  *slog.Logger
	base    *RepositoryVersion
	version *RepositoryVersion
	done    bool
}

// OpenRepositoryVersion starts building the next version of repoID.
func (s *Store) OpenRepositoryVersion(ctx context.Context, repoID int64) (*VersionTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin version transaction: %w", err)
	}

	base, err := latestVersion(ctx, tx, repoID)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		"INSERT INTO repository_versions (repository_id, number, base_version_id, created_at) VALUES (?, ?, ?, ?)",
		repoID, base.Number+1, base.ID, now,
	)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("failed to create version: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("failed to get last insert id: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO repository_content (version_id, content_type, content_id)
		SELECT ?, content_type, content_id FROM repository_content WHERE version_id = ?`,
		id, base.ID,
	); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("failed to copy base content: %w", err)
	}

	return &VersionTx{
		tx:     tx,
		logger: s.logger,
		base:   base,
		version: &RepositoryVersion{
			ID:            id,
			RepositoryID:  repoID,
			Number:        base.Number + 1,
			BaseVersionID: base.ID,
			CreatedAt:     now,
		},
	}, nil
}

// Base is the version this one started from.
func (v *VersionTx) Base() *RepositoryVersion { return v.base }

// Number is the version number that Commit will create.
func (v *VersionTx) Number() int { return v.version.Number }

// AddContent adds refs to the version. Adding a tag drops any other tag
// with the same name so a version holds at most one tag per name.
func (v *VersionTx) AddContent(ctx context.Context, refs ...ContentRef) error {
	if v.done {
		return errors.New("version transaction already finished")
	}
	for _, ref := range refs {
		if ref.Type == ContentTag {
			if _, err := v.tx.ExecContext(ctx, `
				DELETE FROM repository_content
				WHERE version_id = ? AND content_type = 'tag' AND content_id IN (
					SELECT t.id FROM tags t JOIN tags n ON n.name = t.name
					WHERE n.id = ? AND t.id != ?
				)`,
				v.version.ID, ref.ID, ref.ID,
			); err != nil {
				return fmt.Errorf("failed to replace tag: %w", err)
			}
		}
		if _, err := v.tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO repository_content (version_id, content_type, content_id) VALUES (?, ?, ?)",
			v.version.ID, ref.Type, ref.ID,
		); err != nil {
			return fmt.Errorf("failed to add %s %d: %w", ref.Type, ref.ID, err)
		}
	}
	return nil
}

// RemoveContent removes refs from the version.
func (v *VersionTx) RemoveContent(ctx context.Context, refs ...ContentRef) error {
	if v.done {
		return errors.New("version transaction already finished")
	}
	for _, ref := range refs {
		if _, err := v.tx.ExecContext(ctx,
			"DELETE FROM repository_content WHERE version_id = ? AND content_type = ? AND content_id = ?",
			v.version.ID, ref.Type, ref.ID,
		); err != nil {
			return fmt.Errorf("failed to remove %s %d: %w", ref.Type, ref.ID, err)
		}
	}
	return nil
}

// Clear empties the version, for mirror syncs that replace all content.
func (v *VersionTx) Clear(ctx context.Context) error {
	if v.done {
		return errors.New("version transaction already finished")
	}
	if _, err := v.tx.ExecContext(ctx, "DELETE FROM repository_content WHERE version_id = ?", v.version.ID); err != nil {
		return fmt.Errorf("failed to clear version: %w", err)
	}
	return nil
}

// Commit makes the version visible. When its content is identical to the
// base version nothing is written and the base version is returned.
func (v *VersionTx) Commit(ctx context.Context) (*RepositoryVersion, error) {
	if v.done {
		return nil, errors.New("version transaction already finished")
	}

	var changed int
	err := v.tx.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM (
				SELECT content_type, content_id FROM repository_content WHERE version_id = ?1
				EXCEPT
				SELECT content_type, content_id FROM repository_content WHERE version_id = ?2
			)) + (SELECT COUNT(*) FROM (
				SELECT content_type, content_id FROM repository_content WHERE version_id = ?2
				EXCEPT
				SELECT content_type, content_id FROM repository_content WHERE version_id = ?1
			))`,
		v.version.ID, v.base.ID,
	).Scan(&changed)
	if err != nil {
		v.Rollback()
		return nil, fmt.Errorf("failed to compare version content: %w", err)
	}

	if changed == 0 {
		v.Rollback()
		return v.base, nil
	}

	v.done = true
	if err := v.tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit version: %w", err)
	}
	v.logger.Info("repository version created", "repository_id", v.version.RepositoryID, "number", v.version.Number)
	return v.version, nil
}

// Rollback discards the version. It is a no-op after Commit.
func (v *VersionTx) Rollback() error {
	if v.done {
		return nil
	}
	v.done = true
	return v.tx.Rollback()
}
