package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/errgroup"

	"github.com/BadgerOps/ocistash/internal/artifact"
	"github.com/BadgerOps/ocistash/internal/config"
	"github.com/BadgerOps/ocistash/internal/oci"
	"github.com/BadgerOps/ocistash/internal/store"
)

// pushConcurrency bounds parallel blob uploads to one target.
const pushConcurrency = 4

// ErrTargetNotFound is returned for a target name missing from the configuration.
var ErrTargetNotFound = errors.New("target not found")

// PushOptions configures pushing a repository version to a target registry.
type PushOptions struct {
	Repository string
	Target     string
	Version    int      // 0 pushes the latest version
	Tags       []string // empty pushes every tag of the version
	DryRun     bool
}

// PushReport summarizes a push operation.
type PushReport struct {
	Repository      string
	Destination     string
	Version         int
	DryRun          bool
	TagsPushed      []string
	ManifestsPushed int
	BlobsProcessed  int
	BytesProcessed  int64
	Failures        []string
	Duration        time.Duration
}

// pushPlan is the content reachable from the selected tags, manifests in
// children-first order so a registry never sees a list before its entries.
type pushPlan struct {
	manifests map[digest.Digest]*rawManifest
	order     []digest.Digest
	blobs     []ocispec.Descriptor
	seenBlobs map[digest.Digest]struct{}
	tags      []store.TagInfo
}

// Push uploads a repository version to a configured target registry: blobs
// first, then manifests, then tags.
func (m *SyncManager) Push(ctx context.Context, opts PushOptions) (*PushReport, error) {
	start := time.Now()
	if opts.Repository == "" {
		return nil, fmt.Errorf("repository is required")
	}
	target, ok := m.config.Targets[opts.Target]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTargetNotFound, opts.Target)
	}

	repo, err := m.store.GetRepository(ctx, opts.Repository)
	if err != nil {
		return nil, err
	}
	var version *store.RepositoryVersion
	if opts.Version == 0 {
		version, err = m.store.LatestVersion(ctx, repo.ID)
	} else {
		version, err = m.store.GetVersion(ctx, repo.ID, opts.Version)
	}
	if err != nil {
		return nil, err
	}

	tags, err := m.store.ListTags(ctx, version.ID)
	if err != nil {
		return nil, err
	}
	tags, err = pickTags(tags, opts.Tags)
	if err != nil {
		return nil, fmt.Errorf("version %d: %w", version.Number, err)
	}

	dest, err := name.NewRepository(target.Destination(opts.Repository), nameOptions(target)...)
	if err != nil {
		return nil, fmt.Errorf("invalid destination: %w", err)
	}

	report := &PushReport{
		Repository:  opts.Repository,
		Destination: dest.String(),
		Version:     version.Number,
		DryRun:      opts.DryRun,
	}
	logger := m.logger.With("repository", opts.Repository, "destination", report.Destination)

	plan := newPushPlan()
	for _, tag := range tags {
		if err := m.planManifest(ctx, plan, digest.Digest(tag.ManifestDigest)); err != nil {
			report.Failures = append(report.Failures, fmt.Sprintf("%s: %v", tag.Name, err))
			continue
		}
		plan.tags = append(plan.tags, tag)
	}
	for _, b := range plan.blobs {
		report.BytesProcessed += b.Size
	}

	logger.Info("push starting",
		"version", version.Number,
		"tags", len(plan.tags),
		"manifests", len(plan.order),
		"blobs", len(plan.blobs),
		"dry_run", opts.DryRun,
	)

	if opts.DryRun {
		report.BlobsProcessed = len(plan.blobs)
		report.ManifestsPushed = len(plan.order)
		for _, tag := range plan.tags {
			report.TagsPushed = append(report.TagsPushed, tag.Name)
		}
		report.Duration = time.Since(start)
		return report, pushFailures(report)
	}

	remoteOpts := m.remoteOptions(ctx, target)

	if err := m.pushBlobs(ctx, dest, plan.blobs, remoteOpts); err != nil {
		report.Failures = append(report.Failures, err.Error())
		report.Duration = time.Since(start)
		return report, err
	}
	report.BlobsProcessed = len(plan.blobs)

	for _, d := range plan.order {
		if err := remote.Put(dest.Digest(d.String()), plan.manifests[d], remoteOpts...); err != nil {
			err = fmt.Errorf("pushing manifest %s: %w", d, err)
			report.Failures = append(report.Failures, err.Error())
			report.Duration = time.Since(start)
			return report, err
		}
		report.ManifestsPushed++
		logger.Debug("manifest pushed", "digest", d)
	}

	for _, tag := range plan.tags {
		if err := ctx.Err(); err != nil {
			report.Duration = time.Since(start)
			return report, err
		}
		raw := plan.manifests[digest.Digest(tag.ManifestDigest)]
		if err := remote.Tag(dest.Tag(tag.Name), raw, remoteOpts...); err != nil {
			report.Failures = append(report.Failures, fmt.Sprintf("%s: tagging: %v", tag.Name, err))
			continue
		}
		report.TagsPushed = append(report.TagsPushed, tag.Name)
	}

	report.Duration = time.Since(start)
	logger.Info("push completed",
		"tags", len(report.TagsPushed),
		"manifests", report.ManifestsPushed,
		"blobs", report.BlobsProcessed,
		"failures", len(report.Failures),
		"duration", report.Duration,
	)
	return report, pushFailures(report)
}

func pushFailures(report *PushReport) error {
	if len(report.Failures) > 0 {
		return fmt.Errorf("failed to push %d tag(s)", len(report.Failures))
	}
	return nil
}

// pickTags keeps the requested tags, in catalogue order. Every requested
// tag must exist.
func pickTags(tags []store.TagInfo, want []string) ([]store.TagInfo, error) {
	if len(want) == 0 {
		return tags, nil
	}
	byName := make(map[string]store.TagInfo, len(tags))
	for _, t := range tags {
		byName[t.Name] = t
	}
	wanted := make(map[string]struct{}, len(want))
	for _, w := range want {
		if _, ok := byName[w]; !ok {
			return nil, fmt.Errorf("tag %q: %w", w, store.ErrNotFound)
		}
		wanted[w] = struct{}{}
	}
	var out []store.TagInfo
	for _, t := range tags {
		if _, ok := wanted[t.Name]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func nameOptions(target config.TargetConfig) []name.Option {
	if target.Insecure {
		return []name.Option{name.Insecure}
	}
	return nil
}

func (m *SyncManager) remoteOptions(ctx context.Context, target config.TargetConfig) []remote.Option {
	auth := authn.Anonymous
	if target.Username != "" {
		auth = authn.FromConfig(authn.AuthConfig{Username: target.Username, Password: target.Password})
	}
	opts := []remote.Option{remote.WithContext(ctx), remote.WithAuth(auth)}
	if m.httpClient != nil && m.httpClient.Transport != nil {
		opts = append(opts, remote.WithTransport(m.httpClient.Transport))
	}
	return opts
}

func newPushPlan() *pushPlan {
	return &pushPlan{
		manifests: make(map[digest.Digest]*rawManifest),
		seenBlobs: make(map[digest.Digest]struct{}),
	}
}

// planManifest adds d and everything it references to the plan.
func (m *SyncManager) planManifest(ctx context.Context, plan *pushPlan, d digest.Digest) error {
	if _, ok := plan.manifests[d]; ok {
		return nil
	}
	row, err := m.store.GetManifest(ctx, d.String())
	if err != nil {
		return err
	}
	body, err := m.artifacts.ReadAll(d, int64(m.config.Limits.ManifestPayloadMaxSize))
	if err != nil {
		return fmt.Errorf("reading manifest %s: %w", d, err)
	}
	parsed, err := oci.ParseManifest(row.MediaType, body)
	if err != nil {
		return fmt.Errorf("manifest %s: %w", d, err)
	}
	if parsed.SchemaVersion == 1 {
		return fmt.Errorf("manifest %s: schema1 manifests cannot be pushed", d)
	}

	for _, child := range parsed.Manifests {
		if err := m.planManifest(ctx, plan, child.Digest); err != nil {
			return err
		}
	}
	for _, b := range parsed.Blobs() {
		if oci.IsForeignLayer(b.MediaType) {
			continue
		}
		if _, ok := plan.seenBlobs[b.Digest]; ok {
			continue
		}
		if !m.artifacts.Exists(b.Digest) {
			return fmt.Errorf("blob %s: %w", b.Digest, artifact.ErrNotFound)
		}
		plan.seenBlobs[b.Digest] = struct{}{}
		plan.blobs = append(plan.blobs, b)
	}

	plan.manifests[d] = &rawManifest{body: body, mediaType: types.MediaType(parsed.MediaType)}
	plan.order = append(plan.order, d)
	return nil
}

// pushBlobs uploads every blob the target does not already hold.
func (m *SyncManager) pushBlobs(ctx context.Context, dest name.Repository, blobs []ocispec.Descriptor, remoteOpts []remote.Option) error {
	sorted := make([]ocispec.Descriptor, len(blobs))
	copy(sorted, blobs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Size > sorted[j].Size })

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(pushConcurrency)
	var mu sync.Mutex
	var errs []error
	for _, desc := range sorted {
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			layer := &storedBlob{artifacts: m.artifacts, desc: desc}
			if err := remote.WriteLayer(dest, layer, remoteOpts...); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("uploading blob %s: %w", desc.Digest, err))
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return errors.Join(errs...)
}

// rawManifest hands stored manifest bytes to the registry client unchanged,
// so the pushed digest equals the local one.
type rawManifest struct {
	body      []byte
	mediaType types.MediaType
}

func (r *rawManifest) RawManifest() ([]byte, error) { return r.body, nil }
func (r *rawManifest) MediaType() (types.MediaType, error) { return r.mediaType, nil }

// storedBlob streams a blob from the artifact store as a v1.Layer. Only the
// compressed form is ever read by an upload.
type storedBlob struct {
	artifacts *artifact.Store
	desc      ocispec.Descriptor
}

func (b *storedBlob) Digest() (v1.Hash, error) {
	return v1.NewHash(b.desc.Digest.String())
}

func (b *storedBlob) DiffID() (v1.Hash, error) {
	return v1.Hash{}, errors.New("diff id is not tracked for stored blobs")
}

func (b *storedBlob) Size() (int64, error) {
	if b.desc.Size > 0 {
		return b.desc.Size, nil
	}
	a, err := b.artifacts.Stat(b.desc.Digest)
	if err != nil {
		return 0, err
	}
	return a.Size, nil
}

func (b *storedBlob) MediaType() (types.MediaType, error) {
	return types.MediaType(b.desc.MediaType), nil
}

func (b *storedBlob) Compressed() (io.ReadCloser, error) {
	return b.artifacts.Open(b.desc.Digest)
}

func (b *storedBlob) Uncompressed() (io.ReadCloser, error) {
	return nil, errors.New("stored blobs are pushed as-is")
}
