package oci

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/distribution/reference"
)

const defaultImageTag = "latest"

// ImageReference is a parsed image reference such as quay.io/org/app:1.0.
type ImageReference struct {
	Raw          string
	Registry     string
	EndpointHost string
	Repository   string
	Reference    string // tag or digest
	IsDigest     bool
}

// ParseReference parses a docker-style image reference, applying docker.io
// normalization (library/ prefix, registry-1 endpoint).
func ParseReference(raw string) (ImageReference, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ImageReference{}, fmt.Errorf("reference is empty")
	}
	s = strings.TrimPrefix(s, "docker://")

	named, err := reference.ParseNormalizedNamed(s)
	if err != nil {
		return ImageReference{}, fmt.Errorf("invalid image reference %q: %w", raw, err)
	}

	ref := ImageReference{
		Raw:        raw,
		Registry:   reference.Domain(named),
		Repository: reference.Path(named),
		Reference:  defaultImageTag,
	}
	switch r := named.(type) {
	case reference.Digested:
		ref.Reference = r.Digest().String()
		ref.IsDigest = true
	case reference.Tagged:
		ref.Reference = r.Tag()
	}

	ref.EndpointHost = ref.Registry
	if ref.Registry == "docker.io" {
		ref.EndpointHost = "registry-1.docker.io"
	}
	return ref, nil
}

// BaseURL returns the https endpoint that serves the /v2/ API for the reference.
func (r ImageReference) BaseURL() string {
	return "https://" + r.EndpointHost
}

// ValidateRepositoryName checks a bare repository path such as library/alpine.
func ValidateRepositoryName(name string) error {
	if _, err := reference.WithName(name); err != nil {
		return fmt.Errorf("invalid repository name %q: %w", name, err)
	}
	return nil
}

// ManifestURL builds {base}/v2/{name}/manifests/{reference}.
func ManifestURL(base, name, ref string) string {
	return fmt.Sprintf("%s/v2/%s/manifests/%s", strings.TrimRight(base, "/"), strings.Trim(name, "/"), ref)
}

// BlobURL builds {base}/v2/{name}/blobs/{digest}.
func BlobURL(base, name, dgst string) string {
	return fmt.Sprintf("%s/v2/%s/blobs/%s", strings.TrimRight(base, "/"), strings.Trim(name, "/"), dgst)
}

// TagsListURL builds {base}/v2/{name}/tags/list.
func TagsListURL(base, name string) string {
	return fmt.Sprintf("%s/v2/%s/tags/list", strings.TrimRight(base, "/"), strings.Trim(name, "/"))
}

// SigstoreURL builds the URL of the n-th (1-based) atomic signature of a manifest
// published on a sigstore lookaside server.
func SigstoreURL(sigstore, name, manifestDigest string, n int) string {
	algo, hex, _ := strings.Cut(manifestDigest, ":")
	return fmt.Sprintf("%s/%s@%s=%s/signature-%d", strings.TrimRight(sigstore, "/"), strings.Trim(name, "/"), algo, hex, n)
}

// NextLink extracts the rel="next" target of a Link header, resolved against base.
func NextLink(base *url.URL, linkHeader string) (*url.URL, bool) {
	for _, part := range strings.Split(linkHeader, ",") {
		part = strings.TrimSpace(part)
		if !strings.Contains(part, `rel="next"`) {
			continue
		}
		start := strings.Index(part, "<")
		end := strings.Index(part, ">")
		if start < 0 || end <= start {
			continue
		}
		next, err := url.Parse(part[start+1 : end])
		if err != nil {
			continue
		}
		return base.ResolveReference(next), true
	}
	return nil, false
}
