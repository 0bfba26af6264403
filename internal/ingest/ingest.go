// Package ingest records fetched manifests and blobs in the catalogue and
// attaches them to repository versions.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/BadgerOps/ocistash/internal/artifact"
	"github.com/BadgerOps/ocistash/internal/oci"
	"github.com/BadgerOps/ocistash/internal/store"
)

const (
	// configInlineMaxSize is the largest config blob copied into the catalogue row.
	configInlineMaxSize = 4 << 10
	// metadataReadMaxSize bounds config and child manifest reads from the artifact store.
	metadataReadMaxSize = 4_000_000
)

// ContentStore is the catalogue surface ingestion writes through.
type ContentStore interface {
	GetBlob(ctx context.Context, digest string) (*store.Blob, error)
	CreateBlob(ctx context.Context, b *store.Blob) (*store.Blob, error)
	TouchBlob(ctx context.Context, id int64) error
	CreateOrGetManifest(ctx context.Context, m *store.Manifest) (*store.Manifest, bool, error)
	LinkManifestBlob(ctx context.Context, manifestID, blobID int64, position int) error
	LinkManifestListChild(ctx context.Context, listID, childID int64, p store.Platform) error
	UpsertTag(ctx context.Context, name string, manifestID int64) (*store.Tag, error)
	EnsureRepository(ctx context.Context, name string) (*store.Repository, error)
	OpenRepositoryVersion(ctx context.Context, repoID int64) (*store.VersionTx, error)
}

// BlobSource supplies blobs that are not in the artifact store yet.
type BlobSource interface {
	FetchBlob(ctx context.Context, desc ocispec.Descriptor) (*artifact.Artifact, error)
}

// ManifestSource supplies child manifests of a list.
type ManifestSource interface {
	FetchManifest(ctx context.Context, desc ocispec.Descriptor) (body []byte, mediaType string, err error)
}

// Source supplies any content a manifest references.
type Source interface {
	BlobSource
	ManifestSource
}

// Prefetcher is implemented by sources that can download several blobs at
// once into the artifact store ahead of FetchBlob.
type Prefetcher interface {
	Prefetch(ctx context.Context, descs []ocispec.Descriptor) error
}

// ConsistencyError reports content whose digest differs from the digest it was requested by.
type ConsistencyError struct {
	Reference string
	Expected  digest.Digest
	Actual    digest.Digest
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("content %s: expected digest %s, computed %s", e.Reference, e.Expected, e.Actual)
}

// Request is one manifest to ingest.
type Request struct {
	Repository     string
	Tag            string // optional
	Manifest       []byte
	MediaType      string
	ExpectedDigest digest.Digest // optional
	Source         Source        // may be nil when all content is already stored
}

// Prepared is the catalogued result of a manifest, ready to be added to a version.
type Prepared struct {
	Manifest *store.Manifest
	Tag      *store.Tag
	Refs     []store.ContentRef
	Stats    Stats
}

// Stats counts what a Prepare call had to do. Added blobs are those that
// were not catalogued before, whether or not they had to be downloaded.
type Stats struct {
	ManifestsCreated int
	BlobsAdded       int
	BlobsReused      int
	BytesAdded       int64
}

func (s *Stats) add(o Stats) {
	s.ManifestsCreated += o.ManifestsCreated
	s.BlobsAdded += o.BlobsAdded
	s.BlobsReused += o.BlobsReused
	s.BytesAdded += o.BytesAdded
}

// Ingester turns manifests into catalogue rows and repository versions.
type Ingester struct {
	store     ContentStore
	artifacts *artifact.Store
	logger    *slog.Logger
}

// New creates an Ingester.
func New(cs ContentStore, artifacts *artifact.Store, logger *slog.Logger) *Ingester {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingester{store: cs, artifacts: artifacts, logger: logger}
}

// Artifacts returns the artifact store ingested content lands in.
func (i *Ingester) Artifacts() *artifact.Store {
	return i.artifacts
}

// Ingest catalogues req and commits a new repository version holding it.
func (i *Ingester) Ingest(ctx context.Context, req Request) (*store.RepositoryVersion, error) {
	prepared, err := i.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	return i.CommitVersion(ctx, req.Repository, prepared.Refs, false)
}

// Prepare catalogues the manifest, its blobs and children, and the tag,
// without touching any repository version. It is idempotent by digest.
func (i *Ingester) Prepare(ctx context.Context, req Request) (*Prepared, error) {
	key, err := manifestKey(req.Manifest, req.ExpectedDigest, req.Tag)
	if err != nil {
		return nil, err
	}

	p := &Prepared{}
	m, refs, stats, err := i.prepareManifest(ctx, key, req.MediaType, req.Manifest, req.Source, true)
	if err != nil {
		return nil, err
	}
	p.Manifest = m
	p.Refs = refs
	p.Stats = stats

	if req.Tag != "" {
		tag, err := i.store.UpsertTag(ctx, req.Tag, m.ID)
		if err != nil {
			return nil, err
		}
		p.Tag = tag
		p.Refs = append(p.Refs, store.ContentRef{Type: store.ContentTag, ID: tag.ID})
	}

	i.logger.Debug("manifest prepared", "repository", req.Repository, "tag", req.Tag, "digest", key,
		"blobs_added", stats.BlobsAdded, "blobs_reused", stats.BlobsReused)
	return p, nil
}

// CommitVersion adds refs to a new version of repository in one transaction.
// With mirror set the new version holds exactly refs.
func (i *Ingester) CommitVersion(ctx context.Context, repository string, refs []store.ContentRef, mirror bool) (*store.RepositoryVersion, error) {
	repo, err := i.store.EnsureRepository(ctx, repository)
	if err != nil {
		return nil, err
	}

	vtx, err := i.store.OpenRepositoryVersion(ctx, repo.ID)
	if err != nil {
		return nil, err
	}
	if mirror {
		if err := vtx.Clear(ctx); err != nil {
			vtx.Rollback()
			return nil, err
		}
	}
	if err := vtx.AddContent(ctx, refs...); err != nil {
		vtx.Rollback()
		return nil, err
	}
	return vtx.Commit(ctx)
}

// manifestKey verifies body against expected and returns the digest to key it by.
func manifestKey(body []byte, expected digest.Digest, ref string) (digest.Digest, error) {
	if expected == "" {
		return digest.FromBytes(body), nil
	}
	if err := expected.Validate(); err != nil {
		return "", fmt.Errorf("invalid expected digest %q: %w", expected, err)
	}
	actual := expected.Algorithm().FromBytes(body)
	if actual != expected {
		return "", &ConsistencyError{Reference: ref, Expected: expected, Actual: actual}
	}
	return expected, nil
}

func (i *Ingester) prepareManifest(ctx context.Context, key digest.Digest, mediaType string, body []byte, src Source, allowList bool) (*store.Manifest, []store.ContentRef, Stats, error) {
	var stats Stats

	parsed, err := oci.ParseManifest(mediaType, body)
	if err != nil {
		return nil, nil, stats, fmt.Errorf("manifest %s: %w", key, err)
	}
	if parsed.Kind == oci.KindList && !allowList {
		return nil, nil, stats, fmt.Errorf("manifest %s: nested manifest lists are not supported", key)
	}

	art, err := i.artifacts.Ingest(bytes.NewReader(body), key)
	if err != nil {
		return nil, nil, stats, fmt.Errorf("storing manifest %s: %w", key, err)
	}

	row := &store.Manifest{
		Digest:        key.String(),
		MediaType:     parsed.MediaType,
		SchemaVersion: parsed.SchemaVersion,
		ArtifactPath:  art.Path,
		Size:          art.Size,
		Annotations:   parsed.Annotations,
	}

	var refs []store.ContentRef
	var children []childLink

	switch parsed.Kind {
	case oci.KindList:
		for _, desc := range parsed.Manifests {
			child, childRefs, childStats, err := i.prepareChild(ctx, desc, src)
			if err != nil {
				return nil, nil, stats, err
			}
			stats.add(childStats)
			refs = append(refs, childRefs...)
			children = append(children, childLink{manifest: child, desc: desc})
		}

	case oci.KindImage:
		blobRefs, blobIDs, blobStats, err := i.prepareBlobs(ctx, parsed.Blobs(), src)
		if err != nil {
			return nil, nil, stats, fmt.Errorf("manifest %s: %w", key, err)
		}
		stats.add(blobStats)
		refs = append(refs, blobRefs...)

		layers := parsed.Layers
		if parsed.Config != nil {
			row.ConfigBlobID = blobIDs[parsed.Config.Digest]
			if err := i.applyConfigMetadata(row, parsed.Config.Digest); err != nil {
				i.logger.Warn("unable to read image config", "manifest", key, "error", err)
			}
		}
		stored, created, err := i.store.CreateOrGetManifest(ctx, row)
		if err != nil {
			return nil, nil, stats, err
		}
		if created {
			stats.ManifestsCreated++
		}
		position := 0
		for _, layer := range layers {
			id, ok := blobIDs[layer.Digest]
			if !ok {
				continue // foreign layer
			}
			if err := i.store.LinkManifestBlob(ctx, stored.ID, id, position); err != nil {
				return nil, nil, stats, err
			}
			position++
		}
		refs = append(refs, store.ContentRef{Type: store.ContentManifest, ID: stored.ID})
		return stored, refs, stats, nil
	}

	stored, created, err := i.store.CreateOrGetManifest(ctx, row)
	if err != nil {
		return nil, nil, stats, err
	}
	if created {
		stats.ManifestsCreated++
	}
	for _, c := range children {
		if err := i.store.LinkManifestListChild(ctx, stored.ID, c.manifest.ID, platformOf(c.desc)); err != nil {
			return nil, nil, stats, err
		}
	}
	refs = append(refs, store.ContentRef{Type: store.ContentManifest, ID: stored.ID})
	return stored, refs, stats, nil
}

type childLink struct {
	manifest *store.Manifest
	desc     ocispec.Descriptor
}

func platformOf(desc ocispec.Descriptor) store.Platform {
	if desc.Platform == nil {
		return store.Platform{}
	}
	return store.Platform{OS: desc.Platform.OS, Architecture: desc.Platform.Architecture, Variant: desc.Platform.Variant}
}

// prepareChild loads a list member from the artifact store, or from src when
// it has never been fetched, and catalogues it.
func (i *Ingester) prepareChild(ctx context.Context, desc ocispec.Descriptor, src Source) (*store.Manifest, []store.ContentRef, Stats, error) {
	body, err := i.artifacts.ReadAll(desc.Digest, metadataReadMaxSize)
	mediaType := desc.MediaType
	if errors.Is(err, artifact.ErrNotFound) {
		if src == nil {
			return nil, nil, Stats{}, fmt.Errorf("child manifest %s is not stored and no source is available", desc.Digest)
		}
		var served string
		body, served, err = src.FetchManifest(ctx, desc)
		if err != nil {
			return nil, nil, Stats{}, fmt.Errorf("fetching child manifest %s: %w", desc.Digest, err)
		}
		if served != "" {
			mediaType = served
		}
	} else if err != nil {
		return nil, nil, Stats{}, fmt.Errorf("reading child manifest %s: %w", desc.Digest, err)
	}

	key, err := manifestKey(body, desc.Digest, desc.Digest.String())
	if err != nil {
		return nil, nil, Stats{}, err
	}
	return i.prepareManifest(ctx, key, mediaType, body, src, false)
}

// prepareBlobs reuses catalogued blobs and fetches the rest. It returns a
// content ref per blob and the blob id for each digest.
func (i *Ingester) prepareBlobs(ctx context.Context, descs []ocispec.Descriptor, src Source) ([]store.ContentRef, map[digest.Digest]int64, Stats, error) {
	var stats Stats
	ids := make(map[digest.Digest]int64, len(descs))
	var refs []store.ContentRef
	var missing []ocispec.Descriptor

	for _, desc := range descs {
		if oci.IsForeignLayer(desc.MediaType) {
			continue
		}
		if _, seen := ids[desc.Digest]; seen {
			continue
		}
		b, err := i.store.GetBlob(ctx, desc.Digest.String())
		switch {
		case err == nil:
			if err := i.store.TouchBlob(ctx, b.ID); err != nil {
				return nil, nil, stats, err
			}
			ids[desc.Digest] = b.ID
			refs = append(refs, store.ContentRef{Type: store.ContentBlob, ID: b.ID})
			stats.BlobsReused++
		case errors.Is(err, store.ErrNotFound):
			ids[desc.Digest] = 0
			missing = append(missing, desc)
		default:
			return nil, nil, stats, err
		}
	}

	if len(missing) > 0 {
		if pf, ok := src.(Prefetcher); ok {
			if err := pf.Prefetch(ctx, missing); err != nil {
				return nil, nil, stats, err
			}
		}
	}

	for _, desc := range missing {
		art, err := i.blobArtifact(ctx, desc, src)
		if err != nil {
			return nil, nil, stats, err
		}
		b, err := i.store.CreateBlob(ctx, &store.Blob{
			Digest:       desc.Digest.String(),
			MediaType:    desc.MediaType,
			Size:         art.Size,
			ArtifactPath: art.Path,
		})
		if err != nil {
			return nil, nil, stats, err
		}
		ids[desc.Digest] = b.ID
		refs = append(refs, store.ContentRef{Type: store.ContentBlob, ID: b.ID})
		stats.BlobsAdded++
		stats.BytesAdded += art.Size
	}
	return refs, ids, stats, nil
}

// blobArtifact returns the stored file for desc, fetching it from src if needed.
func (i *Ingester) blobArtifact(ctx context.Context, desc ocispec.Descriptor, src Source) (*artifact.Artifact, error) {
	if art, err := i.artifacts.Stat(desc.Digest); err == nil {
		return art, nil
	}
	if src == nil {
		return nil, fmt.Errorf("blob %s is not stored and no source is available", desc.Digest)
	}
	art, err := src.FetchBlob(ctx, desc)
	if err != nil {
		return nil, fmt.Errorf("fetching blob %s: %w", desc.Digest, err)
	}
	if art.Digest != desc.Digest {
		return nil, &ConsistencyError{Reference: desc.Digest.String(), Expected: desc.Digest, Actual: art.Digest}
	}
	return art, nil
}

// applyConfigMetadata copies platform and label data from the config blob.
func (i *Ingester) applyConfigMetadata(row *store.Manifest, configDigest digest.Digest) error {
	body, err := i.artifacts.ReadAll(configDigest, metadataReadMaxSize)
	if err != nil {
		return err
	}
	cfg, err := oci.ParseImageConfig(body)
	if err != nil {
		return err
	}
	row.Architecture = cfg.Architecture
	row.OS = cfg.OS
	row.Labels = cfg.Config.Labels
	row.IsBootable = oci.IsBootable(cfg.Config.Labels)
	row.IsFlatpak = oci.IsFlatpak(cfg.Config.Labels)
	if len(body) <= configInlineMaxSize {
		row.ConfigInline = string(body)
	}
	return nil
}
