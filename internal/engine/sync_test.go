package engine

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BadgerOps/ocistash/internal/artifact"
	"github.com/BadgerOps/ocistash/internal/config"
	"github.com/BadgerOps/ocistash/internal/download"
	"github.com/BadgerOps/ocistash/internal/store"
)

const testRepo = "team/app"

type harness struct {
	reg       *fakeRegistry
	cfg       *config.Config
	store     *store.Store
	artifacts *artifact.Store
	metrics   *download.Metrics
	manager   *SyncManager
}

func newHarness(t *testing.T, mutate func(*config.RemoteConfig)) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := newFakeRegistry(t, testRepo)

	cfg := config.DefaultConfig()
	cfg.Server.DataDir = t.TempDir()
	rc := config.RemoteConfig{URL: reg.URL(), UpstreamName: testRepo, DownloadConcurrency: 3}
	if mutate != nil {
		mutate(&rc)
	}
	cfg.Remotes["upstream"] = rc
	require.NoError(t, cfg.Validate())

	st, err := store.New(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	arts, err := artifact.NewStore(cfg.ArtifactDir(), logger)
	require.NoError(t, err)

	metrics := download.NewMetrics(prometheus.NewRegistry())
	mgr := NewSyncManager(st, arts, cfg, metrics, logger).WithHTTPClient(reg.srv.Client())
	return &harness{reg: reg, cfg: cfg, store: st, artifacts: arts, metrics: metrics, manager: mgr}
}

func (h *harness) sync(t *testing.T) *SyncReport {
	t.Helper()
	report, err := h.manager.SyncRemote(context.Background(), "upstream", SyncOptions{})
	require.NoError(t, err)
	return report
}

func (h *harness) tagNames(t *testing.T, v *store.RepositoryVersion) []string {
	t.Helper()
	tags, err := h.store.ListTags(context.Background(), v.ID)
	require.NoError(t, err)
	var names []string
	for _, tag := range tags {
		names = append(names, tag.Name)
	}
	return names
}

func TestSyncRemoteImageAndList(t *testing.T) {
	h := newHarness(t, nil)
	shared := h.reg.addBlob([]byte("shared base layer"))
	solo := h.reg.addImage("amd64", h.reg.addBlob([]byte("solo layer")))
	amd := h.reg.addImage("amd64", shared)
	arm := h.reg.addImage("arm64", shared)
	index := h.reg.addIndex(amd, arm)
	h.reg.tag("1.0", solo.Digest)
	h.reg.tag("multi", index.Digest)

	report := h.sync(t)
	require.NotNil(t, report.Version)
	assert.Equal(t, 1, report.Version.Number)
	assert.ElementsMatch(t, []string{"1.0", "multi"}, report.Tags)
	assert.Empty(t, report.Failed)
	assert.Equal(t, 4, report.ManifestsAdded)
	// three configs (solo and amd64 share one), two layers
	assert.Equal(t, 1, h.reg.blobGets(shared.Digest))
	assert.Positive(t, report.BytesTransferred)

	assert.ElementsMatch(t, []string{"1.0", "multi"}, h.tagNames(t, report.Version))

	runs, err := h.store.ListSyncRuns("upstream", 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "success", runs[0].Status)
	assert.Equal(t, 2, runs[0].TagsSynced)
	assert.Equal(t, 1, runs[0].VersionNumber)

	assert.Positive(t, testutil.ToFloat64(h.metrics.Requests.WithLabelValues("GET", "2xx")))

	progress := h.manager.ActiveProgress().Snapshot()
	assert.Equal(t, PhaseComplete, progress.Phase)
	assert.Equal(t, 2, progress.CompletedTags)
}

func TestSyncRemoteSecondRunReusesEverything(t *testing.T) {
	h := newHarness(t, nil)
	layer := h.reg.addBlob([]byte("layer"))
	img := h.reg.addImage("amd64", layer)
	h.reg.tag("latest", img.Digest)

	first := h.sync(t)
	second := h.sync(t)

	assert.Equal(t, first.Version.ID, second.Version.ID, "no new version without changes")
	assert.Equal(t, 1, h.reg.manifestGets("latest"), "known manifest is read locally")
	assert.Equal(t, 1, h.reg.blobGets(layer.Digest))
	assert.Zero(t, second.BlobsDownloaded)
	assert.Equal(t, 2, second.BlobsSkipped)
}

func TestSyncRemoteRetagCreatesVersion(t *testing.T) {
	h := newHarness(t, nil)
	v1 := h.reg.addImage("amd64", h.reg.addBlob([]byte("v1")))
	v2 := h.reg.addImage("amd64", h.reg.addBlob([]byte("v2")))
	h.reg.tag("stable", v1.Digest)
	h.sync(t)

	h.reg.tag("stable", v2.Digest)
	report := h.sync(t)
	assert.Equal(t, 2, report.Version.Number)

	tags, err := h.store.ListTags(context.Background(), report.Version.ID)
	require.NoError(t, err)
	require.Len(t, tags, 1)
	assert.Equal(t, v2.Digest.String(), tags[0].ManifestDigest)
}

func TestSyncRemotePaginatedTagsAndFilters(t *testing.T) {
	h := newHarness(t, func(rc *config.RemoteConfig) {
		rc.IncludeTags = []string{"4.*", "latest"}
		rc.ExcludeTags = []string{"*-rc*"}
	})
	h.reg.configure(func(r *fakeRegistry) { r.pageSize = 2 })
	img := h.reg.addImage("amd64", h.reg.addBlob([]byte("l")))
	for _, tag := range []string{"4.1", "4.2", "4.3-rc1", "5.0", "latest"} {
		h.reg.tag(tag, img.Digest)
	}

	report := h.sync(t)
	assert.Equal(t, []string{"4.1", "4.2", "latest"}, report.Tags)
	assert.Equal(t, 3, h.reg.count("GET", "/v2/"+testRepo+"/tags/list"))
}

func TestSyncRemoteDryRun(t *testing.T) {
	h := newHarness(t, nil)
	img := h.reg.addImage("amd64")
	h.reg.tag("a", img.Digest)

	report, err := h.manager.SyncRemote(context.Background(), "upstream", SyncOptions{DryRun: true})
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Equal(t, []string{"a"}, report.Tags)
	assert.Nil(t, report.Version)
	assert.Zero(t, h.reg.manifestGets("a"))

	runs, err := h.store.ListSyncRuns("upstream", 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestSyncRemotePartialFailure(t *testing.T) {
	h := newHarness(t, nil)
	good := h.reg.addImage("amd64", h.reg.addBlob([]byte("good")))
	missing := h.reg.addBlob([]byte("flaky layer"))
	h.reg.removeBlob(missing.Digest)
	broken := h.reg.addImage("arm64", missing)
	h.reg.tag("good", good.Digest)
	h.reg.tag("broken", broken.Digest)

	report := h.sync(t)
	assert.Equal(t, []string{"good"}, report.Tags)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, "broken", report.Failed[0].Tag)
	assert.Equal(t, []string{"good"}, h.tagNames(t, report.Version))

	runs, err := h.store.ListSyncRuns("upstream", 1)
	require.NoError(t, err)
	assert.Equal(t, "partial", runs[0].Status)
	failed, err := h.store.ListFailedContent("upstream")
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "broken", failed[0].Reference)

	h.reg.addBlob([]byte("flaky layer"))
	report = h.sync(t)
	assert.Empty(t, report.Failed)
	assert.ElementsMatch(t, []string{"good", "broken"}, h.tagNames(t, report.Version))
	failed, err = h.store.ListFailedContent("upstream")
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestSyncRemoteAllTagsFail(t *testing.T) {
	h := newHarness(t, nil)
	missing := ocispec.Descriptor{MediaType: ocispec.MediaTypeImageLayerGzip, Digest: digest.FromString("gone"), Size: 4}
	h.reg.tag("only", h.reg.addImage("amd64", missing).Digest)

	_, err := h.manager.SyncRemote(context.Background(), "upstream", SyncOptions{})
	assert.ErrorContains(t, err, "all 1 tags failed")

	runs, err := h.store.ListSyncRuns("upstream", 1)
	require.NoError(t, err)
	assert.Equal(t, "failed", runs[0].Status)
}

func TestSyncRemoteMirrorDropsStaleTags(t *testing.T) {
	h := newHarness(t, func(rc *config.RemoteConfig) { rc.Mirror = true })
	a := h.reg.addImage("amd64", h.reg.addBlob([]byte("a")))
	b := h.reg.addImage("amd64", h.reg.addBlob([]byte("b")))
	h.reg.tag("a", a.Digest)
	h.reg.tag("b", b.Digest)
	h.sync(t)

	h.reg.untag("b")
	report := h.sync(t)
	assert.Equal(t, 2, report.Version.Number)
	assert.Equal(t, []string{"a"}, h.tagNames(t, report.Version))
}

func TestSyncRemoteWithBearerToken(t *testing.T) {
	h := newHarness(t, nil)
	h.reg.configure(func(r *fakeRegistry) { r.requireToken = true })
	img := h.reg.addImage("amd64", h.reg.addBlob([]byte("1")), h.reg.addBlob([]byte("2")), h.reg.addBlob([]byte("3")))
	h.reg.tag("v1", img.Digest)

	report := h.sync(t)
	assert.Equal(t, []string{"v1"}, report.Tags)
	assert.Equal(t, 1, h.reg.tokenCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.TokenRefresh))
}

func TestSyncRemoteSigstoreSignatures(t *testing.T) {
	h := newHarness(t, nil)
	rc := h.cfg.Remotes["upstream"]
	rc.Sigstore = h.reg.URL() + "/sigstore"
	h.cfg.Remotes["upstream"] = rc

	img := h.reg.addImage("amd64", h.reg.addBlob([]byte("signed")))
	h.reg.tag("signed", img.Digest)
	h.reg.addSignature(img.Digest, 1, []byte("sig-one"))
	h.reg.addSignature(img.Digest, 2, []byte("sig-two"))

	report := h.sync(t)
	assert.Equal(t, 2, report.SignaturesSynced)

	hex := img.Digest.Encoded()
	sigPath := func(n string) string { return "/sigstore/" + testRepo + "@sha256=" + hex + "/signature-" + n }
	assert.Equal(t, 1, h.reg.count("GET", sigPath("3")))
	assert.Zero(t, h.reg.count("GET", sigPath("4")), "probing stops at the first absence")

	m, err := h.store.GetManifest(context.Background(), img.Digest.String())
	require.NoError(t, err)
	sigs, err := h.store.ListSignatures(context.Background(), m.ID)
	require.NoError(t, err)
	require.Len(t, sigs, 2)
	assert.Equal(t, "atomic", sigs[0].Type)
	assert.Equal(t, digest.FromString("sig-one").String(), sigs[0].Digest)

	content, err := h.store.VersionContent(context.Background(), report.Version.ID)
	require.NoError(t, err)
	var sigRefs int
	for _, ref := range content {
		if ref.Type == store.ContentSignature {
			sigRefs++
		}
	}
	assert.Equal(t, 2, sigRefs)
}

func TestSyncRemoteCosignTagsFollowSyncedManifests(t *testing.T) {
	h := newHarness(t, func(rc *config.RemoteConfig) { rc.IncludeTags = []string{"v*"} })
	img := h.reg.addImage("amd64", h.reg.addBlob([]byte("app")))
	other := h.reg.addImage("arm64", h.reg.addBlob([]byte("other")))
	sig := h.reg.addImage("amd64", h.reg.addBlob([]byte("cosign payload")))
	orphan := h.reg.addImage("amd64", h.reg.addBlob([]byte("orphan payload")))

	sigTag := "sha256-" + img.Digest.Encoded() + ".sig"
	orphanTag := "sha256-" + other.Digest.Encoded() + ".sig"
	h.reg.tag("v1", img.Digest)
	h.reg.tag("other", other.Digest)
	h.reg.tag(sigTag, sig.Digest)
	h.reg.tag(orphanTag, orphan.Digest)

	report := h.sync(t)
	assert.Equal(t, []string{"v1", sigTag}, report.Tags)
	assert.Zero(t, h.reg.manifestGets(orphanTag))
}

func TestSyncRemoteSigstoreErrorIsNotSilent(t *testing.T) {
	sigstore := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "sigstore down", http.StatusInternalServerError)
	}))
	defer sigstore.Close()

	h := newHarness(t, func(rc *config.RemoteConfig) { rc.Sigstore = sigstore.URL })
	img := h.reg.addImage("amd64", h.reg.addBlob([]byte("signed")))
	h.reg.tag("signed", img.Digest)

	report := h.sync(t)
	assert.Equal(t, []string{"signed"}, report.Tags)
	assert.Zero(t, report.SignaturesSynced)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, img.Digest.String(), report.Failed[0].Tag)
	assert.Contains(t, report.Failed[0].Error, "signature probe")

	runs, err := h.store.ListSyncRuns("upstream", 1)
	require.NoError(t, err)
	assert.Equal(t, "partial", runs[0].Status)

	failed, err := h.store.ListFailedContent("upstream")
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, img.Digest.String(), failed[0].Reference)
	assert.Contains(t, failed[0].URL, sigstore.URL)
}

func TestSyncRemoteCosignTagsFollowListEntries(t *testing.T) {
	h := newHarness(t, nil)
	amd := h.reg.addImage("amd64", h.reg.addBlob([]byte("amd layer")))
	arm := h.reg.addImage("arm64", h.reg.addBlob([]byte("arm layer")))
	index := h.reg.addIndex(amd, arm)
	sig := h.reg.addImage("amd64", h.reg.addBlob([]byte("cosign payload")))

	sigTag := "sha256-" + arm.Digest.Encoded() + ".sig"
	h.reg.tag("multi", index.Digest)
	h.reg.tag(sigTag, sig.Digest)

	report := h.sync(t)
	assert.Equal(t, []string{"multi", sigTag}, report.Tags)
	assert.Empty(t, report.Failed)
	assert.Equal(t, 1, h.reg.manifestGets(sigTag))
}

func TestSyncUnknownRemote(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.manager.SyncRemote(context.Background(), "nope", SyncOptions{})
	assert.ErrorIs(t, err, ErrRemoteNotFound)
}

func TestSyncAllContinuesPastFailures(t *testing.T) {
	h := newHarness(t, nil)
	h.reg.tag("x", h.reg.addImage("amd64").Digest)
	h.cfg.Remotes["broken"] = config.RemoteConfig{URL: h.reg.URL(), UpstreamName: "does/not/exist"}

	reports, err := h.manager.SyncAll(context.Background(), SyncOptions{})
	assert.ErrorContains(t, err, "remote broken")
	require.Contains(t, reports, "upstream")
	assert.Equal(t, []string{"x"}, reports["upstream"].Tags)
}

func TestStatus(t *testing.T) {
	h := newHarness(t, nil)
	img := h.reg.addImage("amd64")
	h.reg.tag("a", img.Digest)
	h.reg.tag("b", img.Digest)

	before := h.manager.Status(context.Background())["upstream"]
	assert.Zero(t, before.LatestVersion)
	assert.Empty(t, before.LastStatus)

	h.sync(t)
	after := h.manager.Status(context.Background())["upstream"]
	assert.Equal(t, testRepo, after.Repository)
	assert.Equal(t, 1, after.LatestVersion)
	assert.Equal(t, 2, after.Tags)
	assert.Equal(t, "success", after.LastStatus)
	assert.Zero(t, after.FailedContent)
}

func TestValidate(t *testing.T) {
	h := newHarness(t, nil)
	layer := h.reg.addBlob([]byte("will be tampered"))
	img := h.reg.addImage("amd64", layer)
	h.reg.tag("v", img.Digest)
	h.sync(t)
	ctx := context.Background()

	report, err := h.manager.Validate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Checked)
	assert.Empty(t, report.Corrupt)

	b, err := h.store.GetBlob(ctx, layer.Digest.String())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(b.ArtifactPath, []byte("tampered"), 0644))
	m, err := h.store.GetManifest(ctx, img.Digest.String())
	require.NoError(t, err)
	require.NoError(t, os.Remove(m.ArtifactPath))

	report, err = h.manager.Validate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Valid)
	require.Len(t, report.Corrupt, 2)
	assert.Equal(t, "blob", report.Corrupt[0].Kind)
	assert.Equal(t, "manifest", report.Corrupt[1].Kind)
	assert.Equal(t, "file missing", report.Corrupt[1].Error)
}

func TestSelectTags(t *testing.T) {
	sig := "sha256-" + digest.FromString("x").Encoded() + ".sig"
	regular, signatures := selectTags(
		[]string{"b", "a", "a", "tmp-1", sig},
		nil,
		[]string{"tmp-*"},
	)
	assert.Equal(t, []string{"a", "b"}, regular)
	assert.Equal(t, []string{sig}, signatures)
}

func TestCosignTarget(t *testing.T) {
	d := digest.FromString("target")
	got, ok := cosignTarget("sha256-" + d.Encoded() + ".sig")
	require.True(t, ok)
	assert.Equal(t, d, got)

	_, ok = cosignTarget("sha256-short.sig")
	assert.False(t, ok)
	_, ok = cosignTarget("latest")
	assert.False(t, ok)
}
