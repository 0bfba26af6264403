package builder

import (
	"context"
	"fmt"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/layout"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/BadgerOps/ocistash/internal/artifact"
	"github.com/BadgerOps/ocistash/internal/ingest"
	"github.com/BadgerOps/ocistash/internal/store"
)

// layoutSource serves content from an OCI image layout directory.
type layoutSource struct {
	path      layout.Path
	artifacts *artifact.Store
}

func (s layoutSource) FetchBlob(_ context.Context, desc ocispec.Descriptor) (*artifact.Artifact, error) {
	h, err := v1.NewHash(desc.Digest.String())
	if err != nil {
		return nil, err
	}
	rc, err := s.path.Blob(h)
	if err != nil {
		return nil, fmt.Errorf("reading layout blob %s: %w", desc.Digest, err)
	}
	defer rc.Close()
	return s.artifacts.Ingest(rc, desc.Digest)
}

func (s layoutSource) FetchManifest(_ context.Context, desc ocispec.Descriptor) ([]byte, string, error) {
	h, err := v1.NewHash(desc.Digest.String())
	if err != nil {
		return nil, "", err
	}
	body, err := s.path.Bytes(h)
	if err != nil {
		return nil, "", fmt.Errorf("reading layout manifest %s: %w", desc.Digest, err)
	}
	return body, desc.MediaType, nil
}

// ImportLayout ingests the image named refName (or the only image) from an
// OCI layout directory into repository under tag.
func ImportLayout(ctx context.Context, ing *ingest.Ingester, dir, refName, repository, tag string) (*store.RepositoryVersion, error) {
	p, err := layout.FromPath(dir)
	if err != nil {
		return nil, fmt.Errorf("opening OCI layout %s: %w", dir, err)
	}
	idx, err := p.ImageIndex()
	if err != nil {
		return nil, fmt.Errorf("reading OCI layout index: %w", err)
	}
	im, err := idx.IndexManifest()
	if err != nil {
		return nil, fmt.Errorf("reading OCI layout index: %w", err)
	}

	desc, err := pickManifest(im.Manifests, refName)
	if err != nil {
		return nil, err
	}
	body, err := p.Bytes(desc.Digest)
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", desc.Digest, err)
	}

	return ing.Ingest(ctx, ingest.Request{
		Repository:     repository,
		Tag:            tag,
		Manifest:       body,
		MediaType:      string(desc.MediaType),
		ExpectedDigest: digest.Digest(desc.Digest.String()),
		Source:         layoutSource{path: p, artifacts: ing.Artifacts()},
	})
}

func pickManifest(manifests []v1.Descriptor, refName string) (v1.Descriptor, error) {
	switch len(manifests) {
	case 0:
		return v1.Descriptor{}, fmt.Errorf("OCI layout contains no images")
	case 1:
		return manifests[0], nil
	}
	for _, m := range manifests {
		if refName != "" && m.Annotations[ocispec.AnnotationRefName] == refName {
			return m, nil
		}
	}
	return v1.Descriptor{}, fmt.Errorf("OCI layout holds %d images and none is named %q", len(manifests), refName)
}
