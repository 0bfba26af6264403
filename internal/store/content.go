package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Blob Operations
// ============================================================================

const blobColumns = "id, digest, media_type, size, artifact_path, created_at, last_touched"

func scanBlob(row interface{ Scan(...any) error }) (*Blob, error) {
	b := &Blob{}
	if err := row.Scan(&b.ID, &b.Digest, &b.MediaType, &b.Size, &b.ArtifactPath, &b.CreatedAt, &b.LastTouched); err != nil {
		return nil, err
	}
	return b, nil
}

// GetBlob returns the blob with the given digest or ErrNotFound.
func (s *Store) GetBlob(ctx context.Context, digest string) (*Blob, error) {
	b, err := scanBlob(s.db.QueryRowContext(ctx, "SELECT "+blobColumns+" FROM blobs WHERE digest = ?", digest))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("blob %s: %w", digest, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query blob: %w", err)
	}
	return b, nil
}

// CreateBlob inserts b unless a blob with its digest exists, and returns the
// stored row either way.
func (s *Store) CreateBlob(ctx context.Context, b *Blob) (*Blob, error) {
	now := time.Now().UTC()
	const query = `
		INSERT INTO blobs (digest, media_type, size, artifact_path, created_at, last_touched)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(digest) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, query, b.Digest, b.MediaType, b.Size, b.ArtifactPath, now, now); err != nil {
		return nil, fmt.Errorf("failed to insert blob: %w", err)
	}
	return s.GetBlob(ctx, b.Digest)
}

// TouchBlob bumps last_touched so garbage collection sees the blob as in use.
func (s *Store) TouchBlob(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, "UPDATE blobs SET last_touched = ? WHERE id = ?", time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to touch blob: %w", err)
	}
	return nil
}

// ListBlobs returns every blob ordered by id.
func (s *Store) ListBlobs(ctx context.Context) ([]Blob, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+blobColumns+" FROM blobs ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query blobs: %w", err)
	}
	defer rows.Close()

	var blobs []Blob
	for rows.Next() {
		b, err := scanBlob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan blob: %w", err)
		}
		blobs = append(blobs, *b)
	}
	return blobs, rows.Err()
}

// ============================================================================
// Manifest Operations
// ============================================================================

const manifestColumns = `id, digest, media_type, schema_version, config_blob_id, artifact_path, size,
	annotations, labels, architecture, os, is_bootable, is_flatpak, config_inline, created_at`

func scanManifest(row interface{ Scan(...any) error }) (*Manifest, error) {
	m := &Manifest{}
	var configID sql.NullInt64
	var inline sql.NullString
	var annotations, labels string
	err := row.Scan(
		&m.ID, &m.Digest, &m.MediaType, &m.SchemaVersion, &configID, &m.ArtifactPath, &m.Size,
		&annotations, &labels, &m.Architecture, &m.OS, &m.IsBootable, &m.IsFlatpak, &inline, &m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.ConfigBlobID = configID.Int64
	m.ConfigInline = inline.String
	if err := json.Unmarshal([]byte(annotations), &m.Annotations); err != nil {
		return nil, fmt.Errorf("decoding annotations of %s: %w", m.Digest, err)
	}
	if err := json.Unmarshal([]byte(labels), &m.Labels); err != nil {
		return nil, fmt.Errorf("decoding labels of %s: %w", m.Digest, err)
	}
	return m, nil
}

// GetManifest returns the manifest with the given digest or ErrNotFound.
func (s *Store) GetManifest(ctx context.Context, digest string) (*Manifest, error) {
	m, err := scanManifest(s.db.QueryRowContext(ctx, "SELECT "+manifestColumns+" FROM manifests WHERE digest = ?", digest))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("manifest %s: %w", digest, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query manifest: %w", err)
	}
	return m, nil
}

// GetManifestByID returns the manifest with the given id or ErrNotFound.
func (s *Store) GetManifestByID(ctx context.Context, id int64) (*Manifest, error) {
	m, err := scanManifest(s.db.QueryRowContext(ctx, "SELECT "+manifestColumns+" FROM manifests WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("manifest %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query manifest: %w", err)
	}
	return m, nil
}

// CreateOrGetManifest inserts m unless its digest is already catalogued.
// created reports whether a new row was written.
func (s *Store) CreateOrGetManifest(ctx context.Context, m *Manifest) (stored *Manifest, created bool, err error) {
	annotations, err := marshalMap(m.Annotations)
	if err != nil {
		return nil, false, err
	}
	labels, err := marshalMap(m.Labels)
	if err != nil {
		return nil, false, err
	}
	var configID, inline interface{}
	if m.ConfigBlobID != 0 {
		configID = m.ConfigBlobID
	}
	if m.ConfigInline != "" {
		inline = m.ConfigInline
	}

	const query = `
		INSERT INTO manifests (
			digest, media_type, schema_version, config_blob_id, artifact_path, size,
			annotations, labels, architecture, os, is_bootable, is_flatpak, config_inline, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(digest) DO NOTHING
	`
	result, err := s.db.ExecContext(ctx, query,
		m.Digest, m.MediaType, m.SchemaVersion, configID, m.ArtifactPath, m.Size,
		annotations, labels, m.Architecture, m.OS, m.IsBootable, m.IsFlatpak, inline, time.Now().UTC(),
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert manifest: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	stored, err = s.GetManifest(ctx, m.Digest)
	if err != nil {
		return nil, false, err
	}
	return stored, n > 0, nil
}

// ListManifests returns every manifest ordered by id.
func (s *Store) ListManifests(ctx context.Context) ([]Manifest, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+manifestColumns+" FROM manifests ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query manifests: %w", err)
	}
	defer rows.Close()

	var manifests []Manifest
	for rows.Next() {
		m, err := scanManifest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan manifest: %w", err)
		}
		manifests = append(manifests, *m)
	}
	return manifests, rows.Err()
}

// LinkManifestBlob records blobID as the layer at position in a manifest.
func (s *Store) LinkManifestBlob(ctx context.Context, manifestID, blobID int64, position int) error {
	const query = "INSERT OR IGNORE INTO manifest_blobs (manifest_id, position, blob_id) VALUES (?, ?, ?)"
	if _, err := s.db.ExecContext(ctx, query, manifestID, position, blobID); err != nil {
		return fmt.Errorf("failed to link manifest blob: %w", err)
	}
	return nil
}

// ManifestBlobs returns the layer blobs of a manifest in order.
func (s *Store) ManifestBlobs(ctx context.Context, manifestID int64) ([]Blob, error) {
	const query = `
		SELECT b.id, b.digest, b.media_type, b.size, b.artifact_path, b.created_at, b.last_touched
		FROM manifest_blobs mb JOIN blobs b ON b.id = mb.blob_id
		WHERE mb.manifest_id = ? ORDER BY mb.position
	`
	rows, err := s.db.QueryContext(ctx, query, manifestID)
	if err != nil {
		return nil, fmt.Errorf("failed to query manifest blobs: %w", err)
	}
	defer rows.Close()

	var blobs []Blob
	for rows.Next() {
		b, err := scanBlob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan blob: %w", err)
		}
		blobs = append(blobs, *b)
	}
	return blobs, rows.Err()
}

// LinkManifestListChild records childID as a member of a manifest list.
func (s *Store) LinkManifestListChild(ctx context.Context, listID, childID int64, p Platform) error {
	const query = `
		INSERT OR IGNORE INTO manifest_list_manifests (list_id, manifest_id, platform_os, platform_arch, platform_variant)
		VALUES (?, ?, ?, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, query, listID, childID, p.OS, p.Architecture, p.Variant); err != nil {
		return fmt.Errorf("failed to link manifest list child: %w", err)
	}
	return nil
}

// ManifestChildren returns the manifests referenced by a list.
func (s *Store) ManifestChildren(ctx context.Context, listID int64) ([]Manifest, error) {
	query := "SELECT " + prefixColumns("m", manifestColumns) + `
		FROM manifest_list_manifests l JOIN manifests m ON m.id = l.manifest_id
		WHERE l.list_id = ? ORDER BY m.id`
	rows, err := s.db.QueryContext(ctx, query, listID)
	if err != nil {
		return nil, fmt.Errorf("failed to query manifest children: %w", err)
	}
	defer rows.Close()

	var children []Manifest
	for rows.Next() {
		m, err := scanManifest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan manifest: %w", err)
		}
		children = append(children, *m)
	}
	return children, rows.Err()
}

// ============================================================================
// Tag Operations
// ============================================================================

// UpsertTag returns the tag row binding name to manifestID, creating it if needed.
func (s *Store) UpsertTag(ctx context.Context, name string, manifestID int64) (*Tag, error) {
	const insert = `
		INSERT INTO tags (name, manifest_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT(name, manifest_id) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, insert, name, manifestID, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("failed to insert tag: %w", err)
	}

	t := &Tag{}
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, manifest_id, created_at FROM tags WHERE name = ? AND manifest_id = ?",
		name, manifestID,
	).Scan(&t.ID, &t.Name, &t.ManifestID, &t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to query tag: %w", err)
	}
	return t, nil
}

// ============================================================================
// Signature Operations
// ============================================================================

// CreateSignature stores sig unless the manifest already has a signature
// with the same digest, and returns the stored row.
func (s *Store) CreateSignature(ctx context.Context, sig *Signature) (*Signature, error) {
	const insert = `
		INSERT INTO manifest_signatures (manifest_id, name, signature_type, digest, artifact_path, size, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(manifest_id, digest) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, insert,
		sig.ManifestID, sig.Name, sig.Type, sig.Digest, sig.ArtifactPath, sig.Size, time.Now().UTC(),
	); err != nil {
		return nil, fmt.Errorf("failed to insert signature: %w", err)
	}

	out := &Signature{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, manifest_id, name, signature_type, digest, artifact_path, size, created_at
		FROM manifest_signatures WHERE manifest_id = ? AND digest = ?`,
		sig.ManifestID, sig.Digest,
	).Scan(&out.ID, &out.ManifestID, &out.Name, &out.Type, &out.Digest, &out.ArtifactPath, &out.Size, &out.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to query signature: %w", err)
	}
	return out, nil
}

// ListSignatures returns the signatures recorded for a manifest.
func (s *Store) ListSignatures(ctx context.Context, manifestID int64) ([]Signature, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, manifest_id, name, signature_type, digest, artifact_path, size, created_at
		FROM manifest_signatures WHERE manifest_id = ? ORDER BY id`, manifestID)
	if err != nil {
		return nil, fmt.Errorf("failed to query signatures: %w", err)
	}
	defer rows.Close()

	var sigs []Signature
	for rows.Next() {
		var sig Signature
		if err := rows.Scan(&sig.ID, &sig.ManifestID, &sig.Name, &sig.Type, &sig.Digest, &sig.ArtifactPath, &sig.Size, &sig.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan signature: %w", err)
		}
		sigs = append(sigs, sig)
	}
	return sigs, rows.Err()
}

// Stats counts catalogue rows.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{}
	const query = `
		SELECT
			(SELECT COUNT(*) FROM repositories),
			(SELECT COUNT(*) FROM manifests),
			(SELECT COUNT(*) FROM blobs),
			(SELECT COUNT(*) FROM tags),
			(SELECT COUNT(*) FROM manifest_signatures),
			(SELECT COALESCE(SUM(size), 0) FROM blobs)
	`
	err := s.db.QueryRowContext(ctx, query).Scan(&st.Repositories, &st.Manifests, &st.Blobs, &st.Tags, &st.Signatures, &st.BlobBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}
	return st, nil
}

func marshalMap(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encoding map: %w", err)
	}
	return string(b), nil
}

// prefixColumns qualifies a comma separated column list with a table alias.
func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
