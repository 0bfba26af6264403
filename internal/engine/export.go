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
)

// Compression formats for transfer archives and their file suffixes.
var archiveSuffixes = map[string]string{
	"zstd": ".tar.zst",
	"xz":   ".tar.xz",
}

// ExportOptions configures an export operation.
type ExportOptions struct {
	OutputDir    string
	Repositories []string // empty exports every repository
	SplitSize    int64    // 0 uses export.split_size
	Compression  string   // "zstd" (default) or "xz"
}

// ExportReport summarizes a completed export.
type ExportReport struct {
	Archives       []ArchiveInfo
	Repositories   int
	TotalArtifacts int
	TotalSize      int64
	ManifestPath   string
	Duration       time.Duration
}

// ArchiveInfo describes one split archive.
type ArchiveInfo struct {
	Name   string
	Size   int64
	SHA256 string
	Files  []string
}

type exportFile struct {
	digest digest.Digest
	size   int64
}

// Export writes the latest version of each requested repository into split
// compressed tar archives plus a manifest that Import replays on another host.
func (m *SyncManager) Export(ctx context.Context, opts ExportOptions) (*ExportReport, error) {
	start := time.Now()

	if opts.SplitSize == 0 {
		opts.SplitSize = int64(m.config.Export.SplitSize)
	}
	if opts.SplitSize <= 0 {
		return nil, errors.New("split size must be positive")
	}
	if opts.Compression == "" {
		opts.Compression = "zstd"
	}
	if _, ok := archiveSuffixes[opts.Compression]; !ok {
		return nil, fmt.Errorf("unsupported compression %q: use zstd or xz", opts.Compression)
	}
	if opts.OutputDir == "" {
		return nil, errors.New("output directory is required")
	}

	repos, files, err := m.collectExport(ctx, opts.Repositories)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, errors.New("no content to export")
	}

	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	archives, err := m.writeArchives(ctx, opts.OutputDir, opts.Compression, opts.SplitSize, files)
	if err != nil {
		return nil, err
	}

	hostname, _ := os.Hostname()
	manifest := &TransferManifest{
		Version:       transferFormatVersion,
		Created:       time.Now().UTC(),
		SourceHost:    hostname,
		Compression:   opts.Compression,
		Repositories:  repos,
		TotalArchives: len(archives),
	}
	for _, a := range archives {
		manifest.Archives = append(manifest.Archives, ManifestArchive(a))
	}
	for _, f := range files {
		manifest.Inventory = append(manifest.Inventory, TransferArtifact{Digest: f.digest.String(), Size: f.size})
		manifest.TotalSize += f.size
	}

	manifestPath := filepath.Join(opts.OutputDir, transferManifestName)
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling manifest: %w", err)
	}
	if err := os.WriteFile(manifestPath, data, 0o644); err != nil {
		return nil, fmt.Errorf("writing manifest: %w", err)
	}
	if _, err := writeSidecar(manifestPath); err != nil {
		return nil, fmt.Errorf("writing manifest checksum: %w", err)
	}
	readme := filepath.Join(opts.OutputDir, transferReadmeName)
	if err := os.WriteFile(readme, []byte(transferReadme(manifest)), 0o644); err != nil {
		return nil, fmt.Errorf("writing %s: %w", transferReadmeName, err)
	}

	report := &ExportReport{
		Archives:       archives,
		Repositories:   len(repos),
		TotalArtifacts: len(files),
		TotalSize:      manifest.TotalSize,
		ManifestPath:   manifestPath,
		Duration:       time.Since(start),
	}
	m.logger.Info("export completed",
		"repositories", report.Repositories,
		"archives", len(archives),
		"artifacts", report.TotalArtifacts,
		"total_size", report.TotalSize,
		"duration", report.Duration,
	)
	return report, nil
}

// collectExport resolves the latest version of each repository and the
// deduplicated set of stored files they reference.
func (m *SyncManager) collectExport(ctx context.Context, names []string) (map[string]TransferRepository, []exportFile, error) {
	if len(names) == 0 {
		all, err := m.store.ListRepositories(ctx)
		if err != nil {
			return nil, nil, err
		}
		for _, r := range all {
			names = append(names, r.Name)
		}
	}

	repos := make(map[string]TransferRepository)
	seen := make(map[string]bool)
	var files []exportFile

	for _, name := range names {
		repo, err := m.store.GetRepository(ctx, name)
		if err != nil {
			return nil, nil, err
		}
		v, err := m.store.LatestVersion(ctx, repo.ID)
		if err != nil {
			return nil, nil, err
		}
		if v.Number == 0 {
			m.logger.Warn("repository has no content, skipping", "repository", name)
			continue
		}

		tr := TransferRepository{Version: v.Number}
		tags, err := m.store.ListTags(ctx, v.ID)
		if err != nil {
			return nil, nil, err
		}
		for _, t := range tags {
			tr.Tags = append(tr.Tags, TransferTag{Name: t.Name, Digest: t.ManifestDigest, MediaType: t.MediaType})
		}
		sigs, err := m.store.VersionSignatures(ctx, v.ID)
		if err != nil {
			return nil, nil, err
		}
		for _, s := range sigs {
			tr.Signatures = append(tr.Signatures, TransferSignature{
				Manifest: s.ManifestDigest, Name: s.Name, Type: s.Type, Digest: s.Digest, Size: s.Size,
			})
		}

		arts, err := m.store.VersionArtifacts(ctx, v.ID)
		if err != nil {
			return nil, nil, err
		}
		for _, a := range arts {
			tr.ArtifactCount++
			tr.TotalSize += a.Size
			if seen[a.Digest] {
				continue
			}
			seen[a.Digest] = true
			d, err := digest.Parse(a.Digest)
			if err != nil {
				return nil, nil, fmt.Errorf("repository %s: %w", name, err)
			}
			files = append(files, exportFile{digest: d, size: a.Size})
		}
		repos[name] = tr
	}

	sort.Slice(files, func(i, j int) bool { return files[i].digest < files[j].digest })
	return repos, files, nil
}

func (m *SyncManager) writeArchives(ctx context.Context, dir, compression string, splitSize int64, files []exportFile) ([]ArchiveInfo, error) {
	w := &archiveWriter{dir: dir, compression: compression}
	defer w.abort()

	var archives []ArchiveInfo
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		// A single file larger than the split size still gets its own archive.
		if w.tw != nil && w.size > 0 && w.size+f.size > splitSize {
			info, err := w.close()
			if err != nil {
				return nil, err
			}
			archives = append(archives, *info)
		}
		if w.tw == nil {
			if err := w.open(); err != nil {
				return nil, err
			}
		}
		if err := m.addArtifact(w, f.digest); err != nil {
			return nil, err
		}
	}
	if w.tw != nil {
		info, err := w.close()
		if err != nil {
			return nil, err
		}
		archives = append(archives, *info)
	}
	return archives, nil
}

func (m *SyncManager) addArtifact(w *archiveWriter, d digest.Digest) error {
	art, err := m.artifacts.Stat(d)
	if err != nil {
		return fmt.Errorf("artifact %s: %w (run validate)", d, err)
	}
	rc, err := m.artifacts.Open(d)
	if err != nil {
		return fmt.Errorf("artifact %s: %w", d, err)
	}
	defer rc.Close()
	return w.add(archiveEntryName(d), rc, art.Size)
}

// archiveEntryName places content the way an OCI image layout does.
func archiveEntryName(d digest.Digest) string {
	return "blobs/" + d.Algorithm().String() + "/" + d.Encoded()
}

// archiveWriter streams entries into numbered compressed tar files.
type archiveWriter struct {
	dir         string
	compression string
	num         int
	path        string
	file        *os.File
	zw          io.WriteCloser
	tw          *tar.Writer
	size        int64
	entries     []string
}

func (w *archiveWriter) open() error {
	w.num++
	w.path = filepath.Join(w.dir, fmt.Sprintf(transferArchivePattern, w.num)+archiveSuffixes[w.compression])
	f, err := os.Create(w.path)
	if err != nil {
		return fmt.Errorf("creating archive: %w", err)
	}
	var zw io.WriteCloser
	if w.compression == "xz" {
		zw, err = xz.NewWriter(f)
	} else {
		zw, err = zstd.NewWriter(f)
	}
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("creating %s writer: %w", w.compression, err)
	}
	w.file, w.zw, w.tw = f, zw, tar.NewWriter(zw)
	w.size = 0
	w.entries = nil
	return nil
}

func (w *archiveWriter) add(name string, r io.Reader, size int64) error {
	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Size:     size,
		Mode:     0o644,
		ModTime:  time.Unix(0, 0).UTC(),
	}
	if err := w.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	if _, err := io.Copy(w.tw, r); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	w.size += size
	w.entries = append(w.entries, name)
	return nil
}

func (w *archiveWriter) close() (*ArchiveInfo, error) {
	tw, zw, f := w.tw, w.zw, w.file
	w.tw, w.zw, w.file = nil, nil, nil

	if err := tw.Close(); err != nil {
		_ = zw.Close()
		_ = f.Close()
		return nil, fmt.Errorf("closing tar writer: %w", err)
	}
	if err := zw.Close(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("closing %s writer: %w", w.compression, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("closing archive: %w", err)
	}

	sum, err := writeSidecar(w.path)
	if err != nil {
		return nil, fmt.Errorf("writing archive checksum: %w", err)
	}
	fi, err := os.Stat(w.path)
	if err != nil {
		return nil, err
	}
	return &ArchiveInfo{
		Name:   filepath.Base(w.path),
		Size:   fi.Size(),
		SHA256: sum,
		Files:  w.entries,
	}, nil
}

// abort removes a partially written archive.
func (w *archiveWriter) abort() {
	if w.tw == nil {
		return
	}
	_ = w.zw.Close()
	_ = w.file.Close()
	_ = os.Remove(w.path)
	w.tw, w.zw, w.file = nil, nil, nil
}

// hashFile returns the hex sha256 of a file and its size.
func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	dg := digest.SHA256.Digester()
	n, err := io.Copy(dg.Hash(), f)
	if err != nil {
		return "", 0, err
	}
	return dg.Digest().Encoded(), n, nil
}

// writeSidecar writes "<hex>  <name>" next to path, as sha256sum does.
func writeSidecar(path string) (string, error) {
	sum, _, err := hashFile(path)
	if err != nil {
		return "", err
	}
	line := fmt.Sprintf("%s  %s\n", sum, filepath.Base(path))
	return sum, os.WriteFile(path+".sha256", []byte(line), 0o644)
}

func transferReadme(m *TransferManifest) string {
	var b strings.Builder
	b.WriteString("OCISTASH TRANSFER PACKAGE\n")
	b.WriteString("=========================\n")
	fmt.Fprintf(&b, "Created: %s\n", m.Created.Format("2006-01-02 15:04 UTC"))
	fmt.Fprintf(&b, "Source: %s\n", m.SourceHost)
	fmt.Fprintf(&b, "Archives: %d parts\n", m.TotalArchives)
	fmt.Fprintf(&b, "Total size: %s\n", readmeSize(m.TotalSize))
	fmt.Fprintf(&b, "Artifacts: %d\n", len(m.Inventory))

	names := make([]string, 0, len(m.Repositories))
	for name := range m.Repositories {
		names = append(names, name)
	}
	sort.Strings(names)
	b.WriteString("\nRepositories included:\n")
	for _, name := range names {
		r := m.Repositories[name]
		fmt.Fprintf(&b, "  - %s (version %d, %d tags, %s)\n", name, r.Version, len(r.Tags), readmeSize(r.TotalSize))
	}

	b.WriteString("\nTO IMPORT:\n")
	b.WriteString("1. Mount this disk on the disconnected machine\n")
	b.WriteString("2. Run: ocistash import --from /mnt/usb\n")
	b.WriteString("3. Every archive is checked against its sha256 before anything is stored\n")
	b.WriteString("\nIF AN ARCHIVE IS CORRUPT:\n")
	b.WriteString("- The import tool lists the archive(s) that failed\n")
	b.WriteString("- Re-copy only those archives from the source machine\n")
	b.WriteString("- Re-run: ocistash import --from /mnt/usb\n")
	return b.String()
}

func readmeSize(n int64) string {
	const (
		gb = 1 << 30
		mb = 1 << 20
	)
	if n >= gb {
		return fmt.Sprintf("%.1f GB", float64(n)/gb)
	}
	return fmt.Sprintf("%.1f MB", float64(n)/mb)
}
