package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/BadgerOps/ocistash/internal/artifact"
	"github.com/BadgerOps/ocistash/internal/download"
	"github.com/BadgerOps/ocistash/internal/oci"
)

// maxTagPages stops runaway pagination from a misbehaving registry.
const maxTagPages = 1000

// remoteSource serves manifests and blobs of one upstream repository. It
// implements ingest.Source and ingest.Prefetcher.
type remoteSource struct {
	base      string
	name      string
	dl        *download.Downloader
	pool      *download.Pool
	artifacts *artifact.Store
	limits    download.SizeLimits
	tracker   *SyncTracker
	logger    *slog.Logger

	bytesFetched atomic.Int64
}

// fetchedManifest is a manifest body with what the registry said about it.
type fetchedManifest struct {
	Body      []byte
	MediaType string
	// Digest is the Docker-Content-Digest header, empty when absent.
	Digest digest.Digest
}

type tagList struct {
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

// ListTags returns every tag of the repository, following Link pagination.
func (s *remoteSource) ListTags(ctx context.Context) ([]string, error) {
	next, err := url.Parse(oci.TagsListURL(s.base, s.name))
	if err != nil {
		return nil, fmt.Errorf("invalid tags URL: %w", err)
	}

	var tags []string
	for page := 0; next != nil; page++ {
		if page >= maxTagPages {
			return nil, fmt.Errorf("tag list of %s exceeds %d pages", s.name, maxTagPages)
		}
		body, headers, err := s.dl.FetchBytes(ctx, download.Request{
			URL:      next.String(),
			RepoName: s.name,
			Headers:  http.Header{"Accept": {"application/json"}},
		}, s.tagListLimit())
		if err != nil {
			return nil, fmt.Errorf("listing tags of %s: %w", s.name, err)
		}
		var list tagList
		if err := json.Unmarshal(body, &list); err != nil {
			return nil, fmt.Errorf("decoding tag list of %s: %w", s.name, err)
		}
		tags = append(tags, list.Tags...)

		link, ok := oci.NextLink(next, headers.Get("Link"))
		if !ok {
			break
		}
		next = link
	}
	return tags, nil
}

// Manifest fetches the manifest for a tag or digest through the streaming
// handler, so the manifest size cap applies.
func (s *remoteSource) Manifest(ctx context.Context, reference string, expected digest.Digest) (*fetchedManifest, error) {
	res, err := s.dl.Fetch(ctx, download.Request{
		URL:            oci.ManifestURL(s.base, s.name, reference),
		RepoName:       s.name,
		ExpectedDigest: expected,
	})
	if err != nil {
		return nil, err
	}
	body, err := s.artifacts.ReadAll(res.Artifact.Digest, res.Artifact.Size+1)
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", reference, err)
	}
	s.bytesFetched.Add(res.Artifact.Size)

	fm := &fetchedManifest{Body: body, MediaType: oci.NormalizeMediaType(res.Headers.Get("Content-Type"))}
	if h := res.Headers.Get("Docker-Content-Digest"); h != "" {
		if d, err := digest.Parse(h); err == nil {
			fm.Digest = d
		} else {
			s.logger.Warn("ignoring malformed Docker-Content-Digest", "reference", reference, "value", h)
		}
	}
	return fm, nil
}

// HeadDigest returns the digest the registry reports for reference, or "".
func (s *remoteSource) HeadDigest(ctx context.Context, reference string) digest.Digest {
	head, err := s.dl.Head(ctx, download.Request{
		URL:      oci.ManifestURL(s.base, s.name, reference),
		RepoName: s.name,
	})
	if err != nil {
		s.logger.Debug("manifest HEAD failed", "reference", reference, "error", err)
		return ""
	}
	d, err := digest.Parse(head.Headers.Get("Docker-Content-Digest"))
	if err != nil {
		return ""
	}
	return d
}

// FetchManifest implements ingest.ManifestSource.
func (s *remoteSource) FetchManifest(ctx context.Context, desc ocispec.Descriptor) ([]byte, string, error) {
	fm, err := s.Manifest(ctx, desc.Digest.String(), desc.Digest)
	if err != nil {
		return nil, "", err
	}
	return fm.Body, fm.MediaType, nil
}

// FetchBlob implements ingest.BlobSource.
func (s *remoteSource) FetchBlob(ctx context.Context, desc ocispec.Descriptor) (*artifact.Artifact, error) {
	if art, err := s.artifacts.Stat(desc.Digest); err == nil {
		return art, nil
	}
	res, err := s.dl.Fetch(ctx, s.blobRequest(desc))
	if err != nil {
		return nil, err
	}
	s.blobDone(res.Artifact.Size)
	return res.Artifact, nil
}

// Prefetch implements ingest.Prefetcher by downloading descs through the pool.
func (s *remoteSource) Prefetch(ctx context.Context, descs []ocispec.Descriptor) error {
	jobs := make([]download.Job, 0, len(descs))
	for _, desc := range descs {
		if s.artifacts.Exists(desc.Digest) {
			continue
		}
		jobs = append(jobs, download.Job{Request: s.blobRequest(desc)})
	}
	if len(jobs) == 0 {
		return nil
	}

	var errs []error
	for _, r := range s.pool.Execute(ctx, jobs) {
		if !r.Success {
			errs = append(errs, r.Error)
			continue
		}
		s.blobDone(r.Download.Artifact.Size)
	}
	return errors.Join(errs...)
}

func (s *remoteSource) tagListLimit() int64 {
	if s.limits.Manifest > 0 {
		return s.limits.Manifest
	}
	return download.DefaultPayloadMaxSize
}

func (s *remoteSource) blobRequest(desc ocispec.Descriptor) download.Request {
	return download.Request{
		URL:            oci.BlobURL(s.base, s.name, desc.Digest.String()),
		RepoName:       s.name,
		ExpectedDigest: desc.Digest,
	}
}

func (s *remoteSource) blobDone(size int64) {
	s.bytesFetched.Add(size)
	if s.tracker != nil {
		s.tracker.BlobDownloaded(size)
	}
}
