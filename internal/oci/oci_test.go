package oci

import (
	"net/url"
	"strings"
	"testing"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

func TestParseReference(t *testing.T) {
	tests := []struct {
		raw      string
		registry string
		endpoint string
		repo     string
		ref      string
		digest   bool
	}{
		{"alpine", "docker.io", "registry-1.docker.io", "library/alpine", "latest", false},
		{"docker://busybox:1.36", "docker.io", "registry-1.docker.io", "library/busybox", "1.36", false},
		{"quay.io/org/app:v2", "quay.io", "quay.io", "org/app", "v2", false},
		{"localhost:5000/team/tool@sha256:" + strings.Repeat("a", 64), "localhost:5000", "localhost:5000", "team/tool", "sha256:" + strings.Repeat("a", 64), true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseReference(tt.raw)
			if err != nil {
				t.Fatalf("ParseReference(%q) error = %v", tt.raw, err)
			}
			if got.Registry != tt.registry || got.EndpointHost != tt.endpoint {
				t.Errorf("registry = %q endpoint = %q, want %q %q", got.Registry, got.EndpointHost, tt.registry, tt.endpoint)
			}
			if got.Repository != tt.repo {
				t.Errorf("repository = %q, want %q", got.Repository, tt.repo)
			}
			if got.Reference != tt.ref || got.IsDigest != tt.digest {
				t.Errorf("reference = %q digest=%v, want %q digest=%v", got.Reference, got.IsDigest, tt.ref, tt.digest)
			}
		})
	}
}

func TestParseReferenceRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"", "   ", "UPPER/case", "a b"} {
		if _, err := ParseReference(raw); err == nil {
			t.Errorf("ParseReference(%q) expected error", raw)
		}
	}
}

func TestURLs(t *testing.T) {
	if got := ManifestURL("https://r.example/", "/lib/app/", "v1"); got != "https://r.example/v2/lib/app/manifests/v1" {
		t.Errorf("ManifestURL = %q", got)
	}
	if got := BlobURL("https://r.example", "lib/app", "sha256:ab"); got != "https://r.example/v2/lib/app/blobs/sha256:ab" {
		t.Errorf("BlobURL = %q", got)
	}
	if got := TagsListURL("https://r.example", "lib/app"); got != "https://r.example/v2/lib/app/tags/list" {
		t.Errorf("TagsListURL = %q", got)
	}
	if got := SigstoreURL("https://sig.example/store/", "lib/app", "sha256:abcd", 2); got != "https://sig.example/store/lib/app@sha256=abcd/signature-2" {
		t.Errorf("SigstoreURL = %q", got)
	}
}

func TestNextLink(t *testing.T) {
	base, _ := url.Parse("https://r.example/v2/lib/app/tags/list")
	next, ok := NextLink(base, `</v2/lib/app/tags/list?n=2&last=b>; rel="next"`)
	if !ok {
		t.Fatal("expected next link")
	}
	if next.String() != "https://r.example/v2/lib/app/tags/list?n=2&last=b" {
		t.Errorf("next = %q", next)
	}
	if _, ok := NextLink(base, ""); ok {
		t.Error("empty header should have no next link")
	}
}

func TestKindOf(t *testing.T) {
	if KindOf(ocispec.MediaTypeImageIndex) != KindList {
		t.Error("OCI index should be a list")
	}
	if KindOf(MediaTypeDockerManifest+"; charset=utf-8") != KindImage {
		t.Error("parameters should be ignored")
	}
	if IsManifestMediaType("application/octet-stream") {
		t.Error("octet-stream is not a manifest")
	}
	if !strings.Contains(AcceptHeader, MediaTypeDockerManifestList) {
		t.Error("accept header missing docker list type")
	}
}

func TestParseManifestImage(t *testing.T) {
	body := []byte(`{
		"schemaVersion": 2,
		"mediaType": "application/vnd.oci.image.manifest.v1+json",
		"config": {"mediaType": "application/vnd.oci.image.config.v1+json", "digest": "sha256:` + strings.Repeat("c", 64) + `", "size": 10},
		"layers": [{"mediaType": "application/vnd.oci.image.layer.v1.tar+gzip", "digest": "sha256:` + strings.Repeat("1", 64) + `", "size": 20}],
		"annotations": {"org.opencontainers.image.title": "demo"}
	}`)
	p, err := ParseManifest("", body)
	if err != nil {
		t.Fatalf("ParseManifest() error = %v", err)
	}
	if p.Kind != KindImage || p.MediaType != ocispec.MediaTypeImageManifest {
		t.Errorf("kind = %v media = %q", p.Kind, p.MediaType)
	}
	if len(p.Blobs()) != 2 {
		t.Errorf("Blobs() len = %d, want 2", len(p.Blobs()))
	}
	if p.Annotations["org.opencontainers.image.title"] != "demo" {
		t.Errorf("annotations = %v", p.Annotations)
	}
}

func TestParseManifestList(t *testing.T) {
	body := []byte(`{"schemaVersion":2,"manifests":[{"mediaType":"application/vnd.docker.distribution.manifest.v2+json","digest":"sha256:` + strings.Repeat("d", 64) + `","size":5}]}`)
	p, err := ParseManifest(MediaTypeDockerManifestList, body)
	if err != nil {
		t.Fatalf("ParseManifest() error = %v", err)
	}
	if p.Kind != KindList || len(p.Manifests) != 1 {
		t.Errorf("kind = %v manifests = %d", p.Kind, len(p.Manifests))
	}
}

func TestParseManifestSchema1(t *testing.T) {
	a := "sha256:" + strings.Repeat("a", 64)
	b := "sha256:" + strings.Repeat("b", 64)
	body := []byte(`{"schemaVersion":1,"fsLayers":[{"blobSum":"` + b + `"},{"blobSum":"` + a + `"},{"blobSum":"` + a + `"}]}`)
	p, err := ParseManifest(MediaTypeDockerManifestV1Signed, body)
	if err != nil {
		t.Fatalf("ParseManifest() error = %v", err)
	}
	if len(p.Layers) != 2 || p.Layers[0].Digest.String() != a || p.Layers[1].Digest.String() != b {
		t.Errorf("layers = %v", p.Layers)
	}
}

func TestParseManifestErrors(t *testing.T) {
	if _, err := ParseManifest("", []byte("not json")); err == nil {
		t.Error("expected decode error")
	}
	if _, err := ParseManifest("", []byte(`{"schemaVersion":2}`)); err == nil {
		t.Error("expected unrecognized type error")
	}
	bad := []byte(`{"schemaVersion":2,"layers":[{"digest":"sha256:short"}]}`)
	if _, err := ParseManifest(ocispec.MediaTypeImageManifest, bad); err == nil {
		t.Error("expected invalid digest error")
	}
}

func TestLayerAndSignatureHelpers(t *testing.T) {
	if !IsForeignLayer(MediaTypeDockerForeignLayer) {
		t.Error("docker foreign layer not detected")
	}
	if IsForeignLayer(ocispec.MediaTypeImageLayerGzip) {
		t.Error("regular layer flagged as foreign")
	}
	if !IsCosignSignatureName("https://r/v2/x/manifests/sha256-abc.sig") {
		t.Error("cosign tag path not detected")
	}
	if IsCosignSignatureName("sha256-abc.att") {
		t.Error("attestation tag flagged as signature")
	}
}

func TestConfigLabels(t *testing.T) {
	cfg, err := ParseImageConfig([]byte(`{"architecture":"arm64","os":"linux","config":{"Labels":{"containers.bootc":"1","org.flatpak.ref":"app/x"}}}`))
	if err != nil {
		t.Fatalf("ParseImageConfig() error = %v", err)
	}
	if cfg.Architecture != "arm64" || cfg.OS != "linux" {
		t.Errorf("platform = %s/%s", cfg.OS, cfg.Architecture)
	}
	if !IsBootable(cfg.Config.Labels) || !IsFlatpak(cfg.Config.Labels) {
		t.Errorf("labels = %v", cfg.Config.Labels)
	}
}
