package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"

	"github.com/BadgerOps/ocistash/internal/artifact"
)

// CorruptArtifact is a catalogued file that is missing or no longer matches its digest.
type CorruptArtifact struct {
	Kind   string `json:"kind"` // "blob" or "manifest"
	Digest string `json:"digest"`
	Path   string `json:"path"`
	Error  string `json:"error"`
}

// ValidationReport summarizes a Validate run.
type ValidationReport struct {
	Checked int
	Valid   int
	Corrupt []CorruptArtifact
}

// Validate rehashes every catalogued blob and manifest file.
func (m *SyncManager) Validate(ctx context.Context) (*ValidationReport, error) {
	m.logger.Info("starting validation")

	blobs, err := m.store.ListBlobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	manifests, err := m.store.ListManifests(ctx)
	if err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	report := &ValidationReport{}
	check := func(kind, dgst, path string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		report.Checked++
		err := m.artifacts.Verify(digest.Digest(dgst))
		if err == nil {
			report.Valid++
			return nil
		}
		msg := err.Error()
		if errors.Is(err, artifact.ErrNotFound) {
			msg = "file missing"
		}
		m.logger.Warn("corrupt artifact", "kind", kind, "digest", dgst, "path", path, "error", msg)
		report.Corrupt = append(report.Corrupt, CorruptArtifact{Kind: kind, Digest: dgst, Path: path, Error: msg})
		return nil
	}

	for _, b := range blobs {
		if err := check("blob", b.Digest, b.ArtifactPath); err != nil {
			return report, err
		}
	}
	for _, mf := range manifests {
		if err := check("manifest", mf.Digest, mf.ArtifactPath); err != nil {
			return report, err
		}
	}

	m.logger.Info("validation completed",
		"checked", report.Checked,
		"valid", report.Valid,
		"corrupt", len(report.Corrupt),
	)
	return report, nil
}
