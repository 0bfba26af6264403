package engine

import (
	"archive/tar"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"
	"github.com/ulikunitz/xz"

	"github.com/BadgerOps/ocistash/internal/ingest"
	"github.com/BadgerOps/ocistash/internal/oci"
	"github.com/BadgerOps/ocistash/internal/safety"
	"github.com/BadgerOps/ocistash/internal/store"
)

// ImportOptions configures an import operation.
type ImportOptions struct {
	SourceDir  string
	VerifyOnly bool
	Mirror     bool // imported versions hold exactly the exported content
}

// ImportReport summarizes a completed import.
type ImportReport struct {
	ArchivesValidated int
	ArchivesFailed    int
	ArtifactsImported int
	ArtifactsSkipped  int
	TotalSize         int64
	Versions          map[string]int // repository -> version created
	Duration          time.Duration
	Errors            []string
}

// Import validates a transfer package, stores its content and creates a new
// version of every repository it carries.
func (m *SyncManager) Import(ctx context.Context, opts ImportOptions) (*ImportReport, error) {
	start := time.Now()

	manifest, err := readTransferManifest(opts.SourceDir)
	if err != nil {
		return nil, err
	}
	m.logger.Info("import starting",
		"source", opts.SourceDir,
		"archives", manifest.TotalArchives,
		"repositories", len(manifest.Repositories),
	)

	paths := make(map[string]string, len(manifest.Archives))
	for _, arch := range manifest.Archives {
		path, err := safety.JoinUnder(opts.SourceDir, arch.Name)
		if err != nil {
			return nil, fmt.Errorf("archive %q: %w", arch.Name, err)
		}
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("archive not found: %s", arch.Name)
		}
		paths[arch.Name] = path
	}

	report := &ImportReport{Versions: make(map[string]int)}
	for _, arch := range manifest.Archives {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		m.logger.Info("validating archive", "name", arch.Name)
		sum, _, err := hashFile(paths[arch.Name])
		if err != nil {
			report.ArchivesFailed++
			report.Errors = append(report.Errors, fmt.Sprintf("hashing %s: %v", arch.Name, err))
			continue
		}
		if sum != arch.SHA256 {
			report.ArchivesFailed++
			report.Errors = append(report.Errors, fmt.Sprintf("%s: expected sha256 %s, got %s", arch.Name, arch.SHA256, sum))
			continue
		}
		report.ArchivesValidated++
	}

	if report.ArchivesFailed > 0 {
		report.Duration = time.Since(start)
		return report, fmt.Errorf("%d archive(s) failed validation", report.ArchivesFailed)
	}
	if opts.VerifyOnly {
		report.Duration = time.Since(start)
		m.logger.Info("verify-only complete", "validated", report.ArchivesValidated)
		return report, nil
	}

	for _, arch := range manifest.Archives {
		m.logger.Info("extracting archive", "name", arch.Name)
		err := m.extractArchive(ctx, paths[arch.Name], report)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("extracting %s: %v", arch.Name, err))
			report.Duration = time.Since(start)
			return report, fmt.Errorf("extracting %s: %w", arch.Name, err)
		}
	}

	for _, a := range manifest.Inventory {
		d, err := digest.Parse(a.Digest)
		if err == nil && m.artifacts.Exists(d) {
			continue
		}
		report.Duration = time.Since(start)
		return report, fmt.Errorf("artifact %s listed in the manifest is not in any archive", a.Digest)
	}

	names := make([]string, 0, len(manifest.Repositories))
	for name := range manifest.Repositories {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		v, err := m.importRepository(ctx, name, manifest.Repositories[name], opts.Mirror)
		if err != nil {
			err = fmt.Errorf("repository %s: %w", name, err)
			errs = append(errs, err)
			report.Errors = append(report.Errors, err.Error())
			continue
		}
		report.Versions[name] = v.Number
		m.logger.Info("repository imported", "repository", name, "version", v.Number)
	}

	report.Duration = time.Since(start)
	m.logger.Info("import completed",
		"artifacts_imported", report.ArtifactsImported,
		"artifacts_skipped", report.ArtifactsSkipped,
		"total_size", report.TotalSize,
		"duration", report.Duration,
	)
	return report, errors.Join(errs...)
}

func readTransferManifest(dir string) (*TransferManifest, error) {
	path := filepath.Join(dir, transferManifestName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	if sidecar, err := os.ReadFile(path + ".sha256"); err == nil {
		want, _, _ := strings.Cut(string(sidecar), " ")
		if got := digest.SHA256.FromBytes(data).Encoded(); got != want {
			return nil, fmt.Errorf("manifest checksum mismatch: expected %s, got %s", want, got)
		}
	}

	var manifest TransferManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if manifest.Version != transferFormatVersion {
		return nil, fmt.Errorf("unsupported transfer format version %q", manifest.Version)
	}
	return &manifest, nil
}

// extractArchive stores every entry of a transfer archive. Each entry is
// hashed while it is written, so altered content never lands in the store.
func (m *SyncManager) extractArchive(ctx context.Context, path string, report *ImportReport) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()

	r, release, err := decompress(path, f)
	if err != nil {
		return err
	}
	defer release()

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading tar entry: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if hdr.Typeflag == tar.TypeDir {
			continue
		}
		if hdr.Typeflag != tar.TypeReg {
			return fmt.Errorf("unsupported tar entry type for %s: %c", hdr.Name, hdr.Typeflag)
		}
		d, err := parseArchiveEntry(hdr.Name)
		if err != nil {
			return err
		}

		if m.artifacts.Exists(d) {
			report.ArtifactsSkipped++
			continue
		}
		art, err := m.artifacts.Ingest(tr, d)
		if err != nil {
			return fmt.Errorf("storing %s: %w", hdr.Name, err)
		}
		report.ArtifactsImported++
		report.TotalSize += art.Size
	}
}

// decompress picks the decoder from the archive suffix.
func decompress(path string, r io.Reader) (io.Reader, func(), error) {
	switch {
	case strings.HasSuffix(path, archiveSuffixes["zstd"]):
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("creating zstd reader: %w", err)
		}
		return zr, zr.Close, nil
	case strings.HasSuffix(path, archiveSuffixes["xz"]):
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("creating xz reader: %w", err)
		}
		return xr, func() {}, nil
	}
	return nil, nil, fmt.Errorf("unsupported archive format: %s", filepath.Base(path))
}

// parseArchiveEntry maps "blobs/<algorithm>/<hex>" back to a digest.
func parseArchiveEntry(name string) (digest.Digest, error) {
	rest, ok := strings.CutPrefix(name, "blobs/")
	if !ok {
		return "", fmt.Errorf("unexpected archive entry %q", name)
	}
	algo, encoded, _ := strings.Cut(rest, "/")
	d := digest.NewDigestFromEncoded(digest.Algorithm(algo), encoded)
	if err := d.Validate(); err != nil {
		return "", fmt.Errorf("unexpected archive entry %q: %w", name, err)
	}
	return d, nil
}

// importRepository catalogues the exported tags and signatures from the
// artifact store and commits them as one new version.
func (m *SyncManager) importRepository(ctx context.Context, name string, tr TransferRepository, mirror bool) (*store.RepositoryVersion, error) {
	if err := oci.ValidateRepositoryName(name); err != nil {
		return nil, err
	}
	limit := int64(m.config.Limits.ManifestPayloadMaxSize)

	var refs []store.ContentRef
	for _, tag := range tr.Tags {
		d, err := digest.Parse(tag.Digest)
		if err != nil {
			return nil, fmt.Errorf("tag %s: %w", tag.Name, err)
		}
		body, err := m.artifacts.ReadAll(d, limit)
		if err != nil {
			return nil, fmt.Errorf("tag %s: %w", tag.Name, err)
		}
		p, err := m.ingester.Prepare(ctx, ingest.Request{
			Repository:     name,
			Tag:            tag.Name,
			Manifest:       body,
			MediaType:      tag.MediaType,
			ExpectedDigest: d,
		})
		if err != nil {
			return nil, fmt.Errorf("tag %s: %w", tag.Name, err)
		}
		refs = append(refs, p.Refs...)
	}

	for _, s := range tr.Signatures {
		target, err := m.store.GetManifest(ctx, s.Manifest)
		if err != nil {
			return nil, fmt.Errorf("signature %s: %w", s.Name, err)
		}
		d, err := digest.Parse(s.Digest)
		if err != nil {
			return nil, fmt.Errorf("signature %s: %w", s.Name, err)
		}
		art, err := m.artifacts.Stat(d)
		if err != nil {
			return nil, fmt.Errorf("signature %s: %w", s.Name, err)
		}
		sig, err := m.store.CreateSignature(ctx, &store.Signature{
			ManifestID:   target.ID,
			Name:         s.Name,
			Type:         s.Type,
			Digest:       s.Digest,
			ArtifactPath: art.Path,
			Size:         art.Size,
		})
		if err != nil {
			return nil, err
		}
		refs = append(refs, store.ContentRef{Type: store.ContentSignature, ID: sig.ID})
	}

	return m.ingester.CommitVersion(ctx, name, refs, mirror)
}
