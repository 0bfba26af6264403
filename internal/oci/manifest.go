package oci

import (
	"encoding/json"
	"fmt"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Parsed is the subset of a manifest or index needed to walk its references.
type Parsed struct {
	Kind          Kind
	MediaType     string
	SchemaVersion int
	Config        *ocispec.Descriptor
	Layers        []ocispec.Descriptor
	Manifests     []ocispec.Descriptor
	Annotations   map[string]string
}

// Blobs returns the config descriptor (when present) followed by every layer.
func (p *Parsed) Blobs() []ocispec.Descriptor {
	blobs := make([]ocispec.Descriptor, 0, len(p.Layers)+1)
	if p.Config != nil {
		blobs = append(blobs, *p.Config)
	}
	return append(blobs, p.Layers...)
}

// envelope covers every manifest shape; docker schema2 and OCI share field names.
type envelope struct {
	SchemaVersion int                  `json:"schemaVersion"`
	MediaType     string               `json:"mediaType,omitempty"`
	Config        *ocispec.Descriptor  `json:"config,omitempty"`
	Layers        []ocispec.Descriptor `json:"layers,omitempty"`
	Manifests     []ocispec.Descriptor `json:"manifests,omitempty"`
	Annotations   map[string]string    `json:"annotations,omitempty"`
	FSLayers      []struct {
		BlobSum digest.Digest `json:"blobSum"`
	} `json:"fsLayers,omitempty"`
}

// ParseManifest decodes a manifest body. declaredType is the Content-Type the
// body was served with; when it is empty or unrecognized the body's own
// mediaType field and shape decide.
func ParseManifest(declaredType string, body []byte) (*Parsed, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}

	mediaType := NormalizeMediaType(declaredType)
	if KindOf(mediaType) == KindUnknown {
		mediaType = NormalizeMediaType(env.MediaType)
	}
	kind := KindOf(mediaType)
	if kind == KindUnknown {
		switch {
		case len(env.Manifests) > 0:
			kind, mediaType = KindList, ocispec.MediaTypeImageIndex
		case env.Config != nil || len(env.Layers) > 0:
			kind, mediaType = KindImage, ocispec.MediaTypeImageManifest
		case env.SchemaVersion == 1 && len(env.FSLayers) > 0:
			kind, mediaType = KindImage, MediaTypeDockerManifestV1Signed
		default:
			return nil, fmt.Errorf("unrecognized manifest media type %q", declaredType)
		}
	}

	p := &Parsed{
		Kind:          kind,
		MediaType:     mediaType,
		SchemaVersion: env.SchemaVersion,
		Annotations:   env.Annotations,
	}

	switch kind {
	case KindList:
		p.Manifests = env.Manifests
	case KindImage:
		if env.SchemaVersion == 1 {
			// schema1 lists layers newest first and repeats empty layers
			seen := make(map[digest.Digest]struct{}, len(env.FSLayers))
			for i := len(env.FSLayers) - 1; i >= 0; i-- {
				d := env.FSLayers[i].BlobSum
				if _, ok := seen[d]; ok {
					continue
				}
				seen[d] = struct{}{}
				p.Layers = append(p.Layers, ocispec.Descriptor{Digest: d})
			}
			break
		}
		p.Config = env.Config
		p.Layers = env.Layers
	}

	for _, d := range p.Blobs() {
		if err := d.Digest.Validate(); err != nil {
			return nil, fmt.Errorf("invalid blob digest %q: %w", d.Digest, err)
		}
	}
	for _, d := range p.Manifests {
		if err := d.Digest.Validate(); err != nil {
			return nil, fmt.Errorf("invalid child manifest digest %q: %w", d.Digest, err)
		}
	}
	return p, nil
}

// ImageConfig is the part of an image config blob kept as manifest metadata.
type ImageConfig struct {
	Architecture string `json:"architecture"`
	OS           string `json:"os"`
	Config       struct {
		Labels map[string]string `json:"Labels"`
	} `json:"config"`
}

// ParseImageConfig decodes the metadata fields of a config blob.
func ParseImageConfig(body []byte) (*ImageConfig, error) {
	var cfg ImageConfig
	if err := json.Unmarshal(body, &cfg); err != nil {
		return nil, fmt.Errorf("decoding image config: %w", err)
	}
	return &cfg, nil
}

// IsBootable reports whether labels mark a bootable (bootc/ostree) image.
func IsBootable(labels map[string]string) bool {
	return labels["containers.bootc"] == "1" || labels["ostree.bootable"] == "true"
}

// IsFlatpak reports whether labels mark a flatpak image.
func IsFlatpak(labels map[string]string) bool {
	_, ok := labels["org.flatpak.ref"]
	return ok
}
