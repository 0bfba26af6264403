package oci

import (
	"mime"
	"path"
	"strings"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Docker media types that have no image-spec constant.
const (
	MediaTypeDockerManifest         = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeDockerManifestList     = "application/vnd.docker.distribution.manifest.list.v2+json"
	MediaTypeDockerManifestV1       = "application/vnd.docker.distribution.manifest.v1+json"
	MediaTypeDockerManifestV1Signed = "application/vnd.docker.distribution.manifest.v1+prettyjws"
	MediaTypeDockerConfig           = "application/vnd.docker.container.image.v1+json"
	MediaTypeDockerForeignLayer     = "application/vnd.docker.image.rootfs.foreign.diff.tar.gzip"
	mediaTypeOCINondistributable    = "application/vnd.oci.image.layer.nondistributable.v1.tar"
)

var (
	// ImageManifestTypes are the single-image manifest media types accepted from upstream.
	ImageManifestTypes = []string{
		ocispec.MediaTypeImageManifest,
		MediaTypeDockerManifest,
		MediaTypeDockerManifestV1Signed,
		MediaTypeDockerManifestV1,
	}

	// ManifestListTypes are the multi-platform list media types accepted from upstream.
	ManifestListTypes = []string{
		ocispec.MediaTypeImageIndex,
		MediaTypeDockerManifestList,
	}

	// AcceptHeader is sent with every registry request so manifests negotiate correctly.
	AcceptHeader = strings.Join(append(append([]string{}, ManifestListTypes...), ImageManifestTypes...), ", ")
)

// Kind classifies a manifest payload.
type Kind int

const (
	KindUnknown Kind = iota
	KindImage
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindList:
		return "list"
	default:
		return "unknown"
	}
}

// NormalizeMediaType strips parameters and whitespace from a Content-Type value.
func NormalizeMediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.Split(contentType, ";")[0]
	}
	return strings.ToLower(strings.TrimSpace(mt))
}

// KindOf reports the manifest kind for a media type.
func KindOf(mediaType string) Kind {
	mt := NormalizeMediaType(mediaType)
	for _, t := range ManifestListTypes {
		if mt == t {
			return KindList
		}
	}
	for _, t := range ImageManifestTypes {
		if mt == t {
			return KindImage
		}
	}
	return KindUnknown
}

// IsManifestMediaType reports whether mediaType is any recognized image manifest or list type.
func IsManifestMediaType(mediaType string) bool {
	return KindOf(mediaType) != KindUnknown
}

// IsForeignLayer reports whether a layer must not be fetched from the registry.
func IsForeignLayer(mediaType string) bool {
	switch NormalizeMediaType(mediaType) {
	case MediaTypeDockerForeignLayer, mediaTypeOCINondistributable,
		mediaTypeOCINondistributable + "+gzip", mediaTypeOCINondistributable + "+zstd":
		return true
	}
	return false
}

// IsCosignSignatureName reports whether the last element of a URL path or a tag
// names a cosign signature object.
func IsCosignSignatureName(name string) bool {
	ok, err := path.Match("sha256-*.sig", path.Base(name))
	return err == nil && ok
}
