package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/opencontainers/go-digest"

	"github.com/BadgerOps/ocistash/internal/artifact"
	"github.com/BadgerOps/ocistash/internal/oci"
)

const chunkSize = 1 << 20

// DefaultPayloadMaxSize caps manifest and signature bodies unless configured otherwise.
const DefaultPayloadMaxSize int64 = 4_000_000

// ContentClass selects which size cap applies to a body.
type ContentClass int

const (
	ClassBlob ContentClass = iota
	ClassManifest
	ClassSignature
)

func (c ContentClass) String() string {
	switch c {
	case ClassManifest:
		return "Manifest"
	case ClassSignature:
		return "Signature"
	default:
		return "Blob"
	}
}

// SizeLimits holds the byte caps per content class. Zero means unlimited.
type SizeLimits struct {
	Manifest  int64
	Signature int64
}

// DefaultSizeLimits returns the stock 4 MB caps.
func DefaultSizeLimits() SizeLimits {
	return SizeLimits{Manifest: DefaultPayloadMaxSize, Signature: DefaultPayloadMaxSize}
}

// SizePolicy decides the content class and cap for a response.
type SizePolicy struct {
	Limits SizeLimits
	// ForceSignature treats every body as a signature regardless of URL or type.
	ForceSignature bool
}

// Resolve returns the class and cap for resp.
func (p SizePolicy) Resolve(resp *http.Response) (ContentClass, int64) {
	if p.ForceSignature {
		return ClassSignature, p.Limits.Signature
	}
	if resp.Request != nil && resp.Request.URL != nil && oci.IsCosignSignatureName(resp.Request.URL.Path) {
		return ClassSignature, p.Limits.Signature
	}
	if oci.IsManifestMediaType(resp.Header.Get("Content-Type")) {
		return ClassManifest, p.Limits.Manifest
	}
	return ClassBlob, 0
}

// HeadersFunc observes response headers before the body is read.
type HeadersFunc func(http.Header)

// StreamResult describes a body that was fully read and committed.
type StreamResult struct {
	TotalBytes int64
	Digest     digest.Digest
	Path       string
	Headers    http.Header
	Artifact   *artifact.Artifact
}

// ConsumeOptions parameterize a single Consume call.
type ConsumeOptions struct {
	Class     ContentClass
	MaxSize   int64
	Expected  digest.Digest
	OnHeaders HeadersFunc
}

// Consume streams resp.Body into the artifact store in 1 MiB chunks. The
// partial file is removed on every failure path, including cancellation.
func Consume(ctx context.Context, artifacts *artifact.Store, resp *http.Response, opts ConsumeOptions) (*StreamResult, error) {
	if opts.OnHeaders != nil {
		opts.OnHeaders(resp.Header.Clone())
	}

	w, err := artifacts.NewWriter()
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			w.Cancel()
		}
	}()

	if opts.Expected != "" && opts.Expected.Algorithm() != digest.Canonical {
		if err := w.Track(opts.Expected.Algorithm()); err != nil {
			return nil, err
		}
	}

	buf := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, readErr := io.ReadFull(resp.Body, buf)
		if n > 0 {
			if opts.MaxSize > 0 && w.Size()+int64(n) > opts.MaxSize {
				return nil, &SizeExceededError{Class: opts.Class, Limit: opts.MaxSize}
			}
			if _, err := w.Write(buf[:n]); err != nil {
				return nil, fmt.Errorf("failed to write body: %w", err)
			}
		}
		if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
			break
		}
		if readErr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("failed to read body: %w", readErr)
		}
	}

	art, err := w.Commit(opts.Expected)
	committed = true
	if err != nil {
		return nil, err
	}
	return &StreamResult{
		TotalBytes: art.Size,
		Digest:     art.Digest,
		Path:       art.Path,
		Headers:    resp.Header,
		Artifact:   art,
	}, nil
}
