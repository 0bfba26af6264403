package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/BadgerOps/ocistash/internal/artifact"
	"github.com/BadgerOps/ocistash/internal/config"
	"github.com/BadgerOps/ocistash/internal/download"
	"github.com/BadgerOps/ocistash/internal/ingest"
	"github.com/BadgerOps/ocistash/internal/oci"
	"github.com/BadgerOps/ocistash/internal/safety"
	"github.com/BadgerOps/ocistash/internal/store"
)

// maxSignaturesPerManifest bounds sigstore probing for one manifest.
const maxSignaturesPerManifest = 100

// ErrRemoteNotFound is returned for a remote name missing from the configuration.
var ErrRemoteNotFound = errors.New("remote not found")

// SyncOptions control a single sync run.
type SyncOptions struct {
	DryRun bool
	// Tags replaces the upstream tag list when set. Filters still apply.
	Tags []string
}

// FailedTag is a tag that could not be synced.
type FailedTag struct {
	Tag   string
	Error string
}

// SyncReport summarizes a sync run.
type SyncReport struct {
	Remote           string
	Repository       string
	StartTime        time.Time
	EndTime          time.Time
	DryRun           bool
	Tags             []string
	Failed           []FailedTag
	ManifestsAdded   int
	BlobsDownloaded  int
	BlobsSkipped     int
	SignaturesSynced int
	BytesTransferred int64
	Version          *store.RepositoryVersion
}

// RemoteStatus summarizes a remote's state.
type RemoteStatus struct {
	Name          string
	Repository    string
	LatestVersion int
	Tags          int
	LastSync      time.Time
	LastStatus    string
	FailedContent int
}

// SyncManager connects configured remotes to the downloader, the ingester and the store.
type SyncManager struct {
	store      *store.Store
	artifacts  *artifact.Store
	ingester   *ingest.Ingester
	config     *config.Config
	metrics    *download.Metrics
	httpClient *http.Client
	logger     *slog.Logger

	// The tracker stays set after a sync finishes so status readers see the
	// final snapshot until the next sync replaces it.
	trackerMu     sync.RWMutex
	activeTracker *SyncTracker
}

// NewSyncManager creates a new SyncManager. metrics may be nil.
func NewSyncManager(st *store.Store, artifacts *artifact.Store, cfg *config.Config, metrics *download.Metrics, logger *slog.Logger) *SyncManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncManager{
		store:     st,
		artifacts: artifacts,
		ingester:  ingest.New(st, artifacts, logger),
		config:    cfg,
		metrics:   metrics,
		logger:    logger,
	}
}

// WithHTTPClient makes every remote use c instead of a client built from its config.
func (m *SyncManager) WithHTTPClient(c *http.Client) *SyncManager {
	m.httpClient = c
	return m
}

// Ingester returns the ingester shared by syncs and builds.
func (m *SyncManager) Ingester() *ingest.Ingester {
	return m.ingester
}

// ActiveProgress returns the tracker of the current or last sync, or nil.
func (m *SyncManager) ActiveProgress() *SyncTracker {
	m.trackerMu.RLock()
	defer m.trackerMu.RUnlock()
	return m.activeTracker
}

func (m *SyncManager) newSource(rc config.RemoteConfig, tracker *SyncTracker) (*remoteSource, *download.Factory, error) {
	proxy, err := safety.ProxyURL(rc.ProxyURL, rc.ProxyUsername, rc.ProxyPassword)
	if err != nil {
		return nil, nil, err
	}
	limits := download.SizeLimits{
		Manifest:  int64(m.config.Limits.ManifestPayloadMaxSize),
		Signature: int64(m.config.Limits.SignaturePayloadMaxSize),
	}
	f := download.NewFactory(m.artifacts, download.RemoteOptions{
		Credentials: download.Credentials{Username: rc.Username, Password: rc.Password},
		Proxy:       proxy,
		RateLimit:   rc.RateLimit,
		Limits:      limits,
	}, m.metrics, m.logger)
	if m.httpClient != nil {
		f.WithHTTPClient(m.httpClient)
	}

	src := &remoteSource{
		base:      strings.TrimRight(rc.URL, "/"),
		name:      strings.Trim(rc.UpstreamName, "/"),
		dl:        f.Downloader(),
		pool:      download.NewPool(f.Downloader(), rc.Concurrency(), m.logger),
		artifacts: m.artifacts,
		limits:    limits,
		tracker:   tracker,
		logger:    m.logger.With("remote", rc.URL, "name", rc.UpstreamName),
	}
	return src, f, nil
}

// SyncRemote mirrors the tags of one configured remote into a new version of
// its local repository. Tags that fail are recorded and skipped; the others
// still land in the version.
func (m *SyncManager) SyncRemote(ctx context.Context, name string, opts SyncOptions) (*SyncReport, error) {
	rc, ok := m.config.Remotes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRemoteNotFound, name)
	}
	repo := rc.LocalRepository()
	m.logger.Info("starting sync", "remote", name, "repository", repo, "dry_run", opts.DryRun)

	tracker := NewSyncTracker(name)
	tracker.SetMessage("Listing tags for " + name)
	m.trackerMu.Lock()
	m.activeTracker = tracker
	m.trackerMu.Unlock()

	src, factory, err := m.newSource(rc, tracker)
	if err != nil {
		tracker.SetPhase(PhaseFailed)
		return nil, fmt.Errorf("configuring remote %s: %w", name, err)
	}

	report := &SyncReport{Remote: name, Repository: repo, StartTime: time.Now(), DryRun: opts.DryRun}
	run := &store.SyncRun{Remote: name, Repository: repo, StartTime: report.StartTime, Status: "running"}
	if !opts.DryRun {
		if err := m.store.CreateSyncRun(run); err != nil {
			return nil, fmt.Errorf("failed to create sync run: %w", err)
		}
	}
	fail := func(err error) (*SyncReport, error) {
		tracker.SetPhase(PhaseFailed)
		tracker.SetMessage(err.Error())
		if !opts.DryRun {
			run.Status = "failed"
			run.ErrorMessage = err.Error()
			run.EndTime = time.Now()
			if uerr := m.store.UpdateSyncRun(run); uerr != nil {
				m.logger.Error("failed to update sync run record", "remote", name, "error", uerr)
			}
		}
		m.logger.Error("sync failed", "remote", name, "error", err)
		return nil, err
	}

	tags := opts.Tags
	if len(tags) == 0 {
		tags, err = src.ListTags(ctx)
		if err != nil {
			return fail(err)
		}
	}
	regular, signatures := selectTags(tags, rc.IncludeTags, rc.ExcludeTags)
	tracker.SetTotalTags(len(regular) + len(signatures))
	m.logger.Info("tags selected", "remote", name, "tags", len(regular), "signature_tags", len(signatures))

	if opts.DryRun {
		report.Tags = append(regular, signatures...)
		report.EndTime = time.Now()
		tracker.SetPhase(PhaseComplete)
		tracker.SetMessage("Dry run complete")
		return report, nil
	}

	tracker.SetPhase(PhaseDownloading)
	var refs []store.ContentRef
	var probe []*store.Manifest
	synced := make(map[digest.Digest]bool)

	syncOne := func(tag string) {
		prepared, err := m.syncTag(ctx, repo, src, tag)
		if err != nil {
			tracker.TagFailed(tag, err.Error())
			report.Failed = append(report.Failed, FailedTag{Tag: tag, Error: err.Error()})
			m.recordFailure(name, src, tag, err)
			return
		}
		refs = append(refs, prepared.Refs...)
		synced[digest.Digest(prepared.Manifest.Digest)] = true
		if prepared.Manifest.IsList() {
			children, err := m.store.ManifestChildren(ctx, prepared.Manifest.ID)
			if err != nil {
				m.logger.Warn("listing manifest children", "tag", tag, "error", err)
			}
			for _, c := range children {
				synced[digest.Digest(c.Digest)] = true
			}
		}
		probe = append(probe, prepared.Manifest)
		report.Tags = append(report.Tags, tag)
		report.ManifestsAdded += prepared.Stats.ManifestsCreated
		report.BlobsDownloaded += prepared.Stats.BlobsAdded
		report.BlobsSkipped += prepared.Stats.BlobsReused
		tracker.BlobsSkipped(prepared.Stats.BlobsReused)
		tracker.TagSynced(tag, prepared.Manifest.Digest)
		if err := m.store.ResolveFailedContent(name, tag); err != nil {
			m.logger.Warn("failed to resolve failed content", "remote", name, "tag", tag, "error", err)
		}
	}

	for _, tag := range regular {
		if ctx.Err() != nil {
			break
		}
		syncOne(tag)
	}
	// Cosign signature tags only follow manifests synced in this run, including
	// the entries of synced lists.
	for _, tag := range signatures {
		if ctx.Err() != nil {
			break
		}
		if target, ok := cosignTarget(tag); ok && synced[target] {
			syncOne(tag)
			continue
		}
		tracker.TagSkipped(tag)
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	if rc.Sigstore != "" {
		tracker.SetPhase(PhaseSignatures)
		sigRefs, sigFailed, err := m.syncSignatures(ctx, name, rc, factory.SignatureDownloader(), probe)
		if err != nil {
			return fail(err)
		}
		refs = append(refs, sigRefs...)
		report.SignaturesSynced = len(sigRefs)
		report.Failed = append(report.Failed, sigFailed...)
	}

	report.BytesTransferred = src.bytesFetched.Load()
	if len(report.Tags) == 0 && len(report.Failed) > 0 {
		return fail(fmt.Errorf("all %d tags failed", len(report.Failed)))
	}

	tracker.SetPhase(PhaseCommitting)
	mirror := rc.Mirror
	if mirror && len(report.Failed) > 0 {
		m.logger.Warn("keeping previous content because some tags failed", "remote", name, "failed", len(report.Failed))
		mirror = false
	}
	version, err := m.ingester.CommitVersion(ctx, repo, refs, mirror)
	if err != nil {
		return fail(fmt.Errorf("committing repository version: %w", err))
	}
	report.Version = version
	report.EndTime = time.Now()

	run.EndTime = report.EndTime
	run.TagsSynced = len(report.Tags)
	run.TagsFailed = len(report.Failed)
	run.ManifestsAdded = report.ManifestsAdded
	run.BlobsDownloaded = report.BlobsDownloaded
	run.BlobsSkipped = report.BlobsSkipped
	run.SignaturesSynced = report.SignaturesSynced
	run.BytesTransferred = report.BytesTransferred
	run.VersionNumber = version.Number
	run.Status = "success"
	if len(report.Failed) > 0 {
		run.Status = "partial"
	}
	if err := m.store.UpdateSyncRun(run); err != nil {
		m.logger.Error("failed to update sync run record", "remote", name, "error", err)
	}

	tracker.SetPhase(PhaseComplete)
	tracker.SetMessage(fmt.Sprintf("Sync complete: version %d", version.Number))
	m.logger.Info("sync completed",
		"remote", name,
		"repository", repo,
		"version", version.Number,
		"tags", len(report.Tags),
		"failed", len(report.Failed),
		"blobs_downloaded", report.BlobsDownloaded,
		"bytes_transferred", report.BytesTransferred,
		"duration", report.EndTime.Sub(report.StartTime),
	)
	return report, nil
}

// syncTag catalogues one tag. When the registry reports a digest that is
// already stored, the manifest body is read locally instead of downloaded.
func (m *SyncManager) syncTag(ctx context.Context, repo string, src *remoteSource, tag string) (*ingest.Prepared, error) {
	var fm *fetchedManifest
	if known := src.HeadDigest(ctx, tag); known != "" {
		if stored, err := m.store.GetManifest(ctx, known.String()); err == nil {
			if body, err := m.artifacts.ReadAll(known, stored.Size+1); err == nil {
				fm = &fetchedManifest{Body: body, MediaType: stored.MediaType, Digest: known}
			}
		}
	}
	if fm == nil {
		var err error
		fm, err = src.Manifest(ctx, tag, "")
		if err != nil {
			return nil, err
		}
	}

	expected := fm.Digest
	// Signed schema1 digests cover the payload without its signatures.
	if fm.MediaType == oci.MediaTypeDockerManifestV1Signed {
		expected = ""
	}
	return m.ingester.Prepare(ctx, ingest.Request{
		Repository:     repo,
		Tag:            tag,
		Manifest:       fm.Body,
		MediaType:      fm.MediaType,
		ExpectedDigest: expected,
		Source:         src,
	})
}

// syncSignatures probes the sigstore for each synced manifest and its
// children, stopping per manifest at the first missing signature. A probe
// that fails for any reason other than absence is returned as a failure
// for that manifest and recorded as failed content.
func (m *SyncManager) syncSignatures(ctx context.Context, remote string, rc config.RemoteConfig, sigs *download.SignatureDownloader, manifests []*store.Manifest) ([]store.ContentRef, []FailedTag, error) {
	var targets []*store.Manifest
	seen := make(map[int64]bool)
	for _, mf := range manifests {
		if seen[mf.ID] {
			continue
		}
		seen[mf.ID] = true
		targets = append(targets, mf)
		if !mf.IsList() {
			continue
		}
		children, err := m.store.ManifestChildren(ctx, mf.ID)
		if err != nil {
			return nil, nil, err
		}
		for i := range children {
			if !seen[children[i].ID] {
				seen[children[i].ID] = true
				targets = append(targets, &children[i])
			}
		}
	}

	var refs []store.ContentRef
	var failed []FailedTag
	for _, mf := range targets {
		var probeErr error
		for n := 1; n <= maxSignaturesPerManifest; n++ {
			u := oci.SigstoreURL(rc.Sigstore, rc.UpstreamName, mf.Digest, n)
			out, err := sigs.Fetch(ctx, u)
			if err != nil {
				if ctx.Err() != nil {
					return nil, nil, ctx.Err()
				}
				m.logger.Warn("signature probe failed", "manifest", mf.Digest, "url", u, "error", err)
				probeErr = fmt.Errorf("signature probe: %w", err)
				failed = append(failed, FailedTag{Tag: mf.Digest, Error: probeErr.Error()})
				m.addFailedContent(remote, mf.Digest, u, "", probeErr)
				break
			}
			if !out.Found {
				break
			}
			art := out.Result.Artifact
			sig, err := m.store.CreateSignature(ctx, &store.Signature{
				ManifestID:   mf.ID,
				Name:         fmt.Sprintf("%s@%d", mf.Digest, n),
				Type:         "atomic",
				Digest:       art.Digest.String(),
				ArtifactPath: art.Path,
				Size:         art.Size,
			})
			if err != nil {
				return nil, nil, err
			}
			refs = append(refs, store.ContentRef{Type: store.ContentSignature, ID: sig.ID})
		}
		if probeErr == nil {
			if err := m.store.ResolveFailedContent(remote, mf.Digest); err != nil {
				m.logger.Warn("failed to resolve failed content", "remote", remote, "manifest", mf.Digest, "error", err)
			}
		}
	}
	return refs, failed, nil
}

func (m *SyncManager) recordFailure(remote string, src *remoteSource, tag string, cause error) {
	m.logger.Warn("tag sync failed", "remote", remote, "tag", tag, "error", cause)
	var expected string
	var ce *ingest.ConsistencyError
	if errors.As(cause, &ce) {
		expected = ce.Expected.String()
	}
	m.addFailedContent(remote, tag, oci.ManifestURL(src.base, src.name, tag), expected, cause)
}

func (m *SyncManager) addFailedContent(remote, reference, url, expected string, cause error) {
	rec := &store.FailedContent{
		Remote:         remote,
		Reference:      reference,
		URL:            url,
		ExpectedDigest: expected,
		Error:          cause.Error(),
	}
	if err := m.store.AddFailedContent(rec); err != nil {
		m.logger.Error("failed to record failed content", "remote", remote, "reference", reference, "error", err)
	}
}

// selectTags applies include/exclude globs and splits out cosign signature
// tags. An empty include list selects every tag.
func selectTags(tags, include, exclude []string) (regular, signatures []string) {
	seen := make(map[string]bool, len(tags))
	for _, tag := range tags {
		if seen[tag] {
			continue
		}
		seen[tag] = true
		if oci.IsCosignSignatureName(tag) {
			signatures = append(signatures, tag)
			continue
		}
		if len(include) > 0 && !matchAny(include, tag) {
			continue
		}
		if matchAny(exclude, tag) {
			continue
		}
		regular = append(regular, tag)
	}
	sort.Strings(regular)
	sort.Strings(signatures)
	return regular, signatures
}

func matchAny(patterns []string, tag string) bool {
	for _, p := range patterns {
		if ok, _ := path.Match(p, tag); ok {
			return true
		}
	}
	return false
}

// cosignTarget maps "sha256-<hex>.sig" to the digest it signs.
func cosignTarget(tag string) (digest.Digest, bool) {
	algo, rest, ok := strings.Cut(strings.TrimSuffix(tag, ".sig"), "-")
	if !ok {
		return "", false
	}
	d := digest.NewDigestFromEncoded(digest.Algorithm(algo), rest)
	if d.Validate() != nil {
		return "", false
	}
	return d, true
}

// SyncAll synchronizes every configured remote in name order. It continues
// past failures and reports them together.
func (m *SyncManager) SyncAll(ctx context.Context, opts SyncOptions) (map[string]*SyncReport, error) {
	reports := make(map[string]*SyncReport)
	var errs []error

	for _, name := range m.remoteNames() {
		report, err := m.SyncRemote(ctx, name, opts)
		if err != nil {
			errs = append(errs, fmt.Errorf("remote %s: %w", name, err))
		} else {
			reports[name] = report
		}
		if ctx.Err() != nil {
			m.logger.Info("sync all cancelled")
			return reports, ctx.Err()
		}
	}
	return reports, errors.Join(errs...)
}

func (m *SyncManager) remoteNames() []string {
	names := make([]string, 0, len(m.config.Remotes))
	for name := range m.config.Remotes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Status returns a summary of each remote by querying the store.
func (m *SyncManager) Status(ctx context.Context) map[string]RemoteStatus {
	statuses := make(map[string]RemoteStatus)

	for _, name := range m.remoteNames() {
		rc := m.config.Remotes[name]
		st := RemoteStatus{Name: name, Repository: rc.LocalRepository()}

		if repo, err := m.store.GetRepository(ctx, st.Repository); err == nil {
			if v, err := m.store.LatestVersion(ctx, repo.ID); err == nil {
				st.LatestVersion = v.Number
				if tags, err := m.store.ListTags(ctx, v.ID); err == nil {
					st.Tags = len(tags)
				} else {
					m.logger.Warn("failed to list tags", "remote", name, "error", err)
				}
			}
		} else if !errors.Is(err, store.ErrNotFound) {
			m.logger.Warn("failed to look up repository", "remote", name, "error", err)
		}

		if runs, err := m.store.ListSyncRuns(name, 1); err == nil && len(runs) > 0 {
			st.LastSync = runs[0].StartTime
			st.LastStatus = runs[0].Status
		} else if err != nil {
			m.logger.Warn("failed to list sync runs", "remote", name, "error", err)
		}

		if failed, err := m.store.ListFailedContent(name); err == nil {
			st.FailedContent = len(failed)
		} else {
			m.logger.Warn("failed to list failed content", "remote", name, "error", err)
		}

		statuses[name] = st
	}
	return statuses
}
