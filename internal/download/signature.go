package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/BadgerOps/ocistash/internal/artifact"
)

// SignatureOutcome is the result of probing for a detached signature.
// Found is false when the upstream answered 404.
type SignatureOutcome struct {
	Found  bool
	Result *DownloadResult
}

// SignatureDownloader fetches detached signatures with the remote's static
// credentials. It never negotiates tokens.
type SignatureDownloader struct {
	client    *http.Client
	creds     Credentials
	limiter   *rate.Limiter
	artifacts *artifact.Store
	policy    SizePolicy
	metrics   *Metrics
	logger    *slog.Logger
}

// Fetch downloads the signature at url.
func (s *SignatureDownloader) Fetch(ctx context.Context, url string) (SignatureOutcome, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return SignatureOutcome{}, fmt.Errorf("failed to create request: %w", err)
	}
	if !s.creds.Empty() {
		req.Header.Set("Authorization", s.creds.BasicHeader())
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return SignatureOutcome{}, fmt.Errorf("waiting for rate limiter: %w", err)
		}
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		s.metrics.request(http.MethodGet, 0)
		return SignatureOutcome{}, fmt.Errorf("request to %s failed: %w", url, err)
	}
	s.metrics.request(http.MethodGet, resp.StatusCode)

	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		s.metrics.signatureProbe(false)
		return SignatureOutcome{Found: false}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return SignatureOutcome{}, newHTTPError(resp, url)
	}
	defer resp.Body.Close()

	class, maxSize := s.policy.Resolve(resp)
	res, err := Consume(ctx, s.artifacts, resp, ConsumeOptions{Class: class, MaxSize: maxSize})
	if err != nil {
		var sizeErr *SizeExceededError
		if errors.As(err, &sizeErr) {
			s.metrics.sizeRejected(class)
		}
		return SignatureOutcome{}, fmt.Errorf("failed to download signature %s: %w", url, err)
	}
	s.metrics.signatureProbe(true)
	s.metrics.committed(class, res.TotalBytes, start)
	s.logger.Debug("signature downloaded", "url", url, "digest", res.Digest)

	return SignatureOutcome{
		Found: true,
		Result: &DownloadResult{
			URL:        url,
			StatusCode: resp.StatusCode,
			Class:      class,
			Artifact:   res.Artifact,
			Path:       res.Path,
			Headers:    res.Headers,
		},
	}, nil
}
