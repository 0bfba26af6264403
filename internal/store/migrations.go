package store

import (
	"fmt"
)

// migrate runs all pending migrations
func (s *Store) migrate() error {
	createMigrationsTableSQL := `
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY,
			version INTEGER NOT NULL UNIQUE,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`

	if _, err := s.db.Exec(createMigrationsTableSQL); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	s.logger.Debug("current schema version", "version", currentVersion)

	migrations := []struct {
		version int
		sql     string
	}{
		{
			version: 1,
			sql: `
				CREATE TABLE blobs (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					digest TEXT NOT NULL UNIQUE,
					media_type TEXT NOT NULL DEFAULT '',
					size INTEGER NOT NULL DEFAULT 0,
					artifact_path TEXT NOT NULL DEFAULT '',
					created_at DATETIME NOT NULL,
					last_touched DATETIME NOT NULL
				);

				CREATE TABLE manifests (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					digest TEXT NOT NULL UNIQUE,
					media_type TEXT NOT NULL,
					schema_version INTEGER NOT NULL DEFAULT 2,
					config_blob_id INTEGER REFERENCES blobs(id),
					artifact_path TEXT NOT NULL DEFAULT '',
					size INTEGER NOT NULL DEFAULT 0,
					annotations TEXT NOT NULL DEFAULT '{}',
					labels TEXT NOT NULL DEFAULT '{}',
					architecture TEXT NOT NULL DEFAULT '',
					os TEXT NOT NULL DEFAULT '',
					is_bootable BOOLEAN NOT NULL DEFAULT 0,
					is_flatpak BOOLEAN NOT NULL DEFAULT 0,
					config_inline TEXT,
					created_at DATETIME NOT NULL
				);

				CREATE TABLE manifest_blobs (
					manifest_id INTEGER NOT NULL REFERENCES manifests(id),
					position INTEGER NOT NULL,
					blob_id INTEGER NOT NULL REFERENCES blobs(id),
					PRIMARY KEY(manifest_id, position)
				);
				CREATE INDEX idx_manifest_blobs_blob ON manifest_blobs(blob_id);

				CREATE TABLE manifest_list_manifests (
					list_id INTEGER NOT NULL REFERENCES manifests(id),
					manifest_id INTEGER NOT NULL REFERENCES manifests(id),
					platform_os TEXT NOT NULL DEFAULT '',
					platform_arch TEXT NOT NULL DEFAULT '',
					platform_variant TEXT NOT NULL DEFAULT '',
					PRIMARY KEY(list_id, manifest_id)
				);

				CREATE TABLE tags (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					name TEXT NOT NULL,
					manifest_id INTEGER NOT NULL REFERENCES manifests(id),
					created_at DATETIME NOT NULL,
					UNIQUE(name, manifest_id)
				);

				CREATE TABLE repositories (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					name TEXT NOT NULL UNIQUE,
					created_at DATETIME NOT NULL
				);

				CREATE TABLE repository_versions (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					repository_id INTEGER NOT NULL REFERENCES repositories(id),
					number INTEGER NOT NULL,
					base_version_id INTEGER,
					created_at DATETIME NOT NULL,
					UNIQUE(repository_id, number)
				);

				CREATE TABLE repository_content (
					version_id INTEGER NOT NULL REFERENCES repository_versions(id),
					content_type TEXT NOT NULL,
					content_id INTEGER NOT NULL,
					PRIMARY KEY(version_id, content_type, content_id)
				);

				CREATE TABLE sync_runs (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					remote TEXT NOT NULL,
					repository TEXT NOT NULL DEFAULT '',
					start_time DATETIME NOT NULL,
					end_time DATETIME,
					tags_synced INTEGER DEFAULT 0,
					tags_failed INTEGER DEFAULT 0,
					manifests_added INTEGER DEFAULT 0,
					blobs_downloaded INTEGER DEFAULT 0,
					blobs_skipped INTEGER DEFAULT 0,
					signatures_synced INTEGER DEFAULT 0,
					bytes_transferred INTEGER DEFAULT 0,
					version_number INTEGER DEFAULT 0,
					status TEXT DEFAULT 'running',
					error_message TEXT DEFAULT ''
				);
			`,
		},
		{
			version: 2,
			sql: `
				CREATE TABLE manifest_signatures (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					manifest_id INTEGER NOT NULL REFERENCES manifests(id),
					name TEXT NOT NULL,
					signature_type TEXT NOT NULL,
					digest TEXT NOT NULL,
					artifact_path TEXT NOT NULL DEFAULT '',
					size INTEGER NOT NULL DEFAULT 0,
					created_at DATETIME NOT NULL,
					UNIQUE(manifest_id, digest)
				);

				CREATE TABLE failed_content (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					remote TEXT NOT NULL,
					reference TEXT NOT NULL,
					url TEXT DEFAULT '',
					expected_digest TEXT DEFAULT '',
					error TEXT DEFAULT '',
					retry_count INTEGER DEFAULT 0,
					first_failure DATETIME NOT NULL,
					last_failure DATETIME NOT NULL,
					resolved BOOLEAN DEFAULT 0
				);
			`,
		},
	}

	for _, mig := range migrations {
		if mig.version > currentVersion {
			s.logger.Info("running migration", "version", mig.version)

			if err := s.runMigration(mig.version, mig.sql); err != nil {
				return fmt.Errorf("failed to run migration %d: %w", mig.version, err)
			}
		}
	}

	return nil
}

// runMigration executes a migration and records it
func (s *Store) runMigration(version int, sql string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(sql); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	if _, err := tx.Exec("INSERT INTO migrations (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration transaction: %w", err)
	}

	return nil
}
