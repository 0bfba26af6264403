package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
	"golang.org/x/time/rate"

	"github.com/BadgerOps/ocistash/internal/artifact"
	"github.com/BadgerOps/ocistash/internal/oci"
	"github.com/BadgerOps/ocistash/internal/safety"
)

const maxErrorBodySize = 64 << 10

// retryReason records why a request is being sent again. At most one retry
// happens per Fetch.
type retryReason int

const (
	retryNone retryReason = iota
	retryTokenRefreshed
	retryBasicAttached
)

func (r retryReason) String() string {
	switch r {
	case retryTokenRefreshed:
		return "token refreshed"
	case retryBasicAttached:
		return "basic auth attached"
	default:
		return "none"
	}
}

// Request describes one fetch against a registry.
type Request struct {
	URL    string
	Method string // GET when empty
	// Headers are sent as given; Accept defaults to the manifest media types.
	Headers        http.Header
	RepoName       string
	ExpectedDigest digest.Digest
	OnHeaders      HeadersFunc
}

// DownloadResult is a completed GET whose body is in the artifact store.
type DownloadResult struct {
	URL        string
	StatusCode int
	Class      ContentClass
	Artifact   *artifact.Artifact
	Path       string
	Headers    http.Header
}

// HeadResult is a completed HEAD request.
type HeadResult struct {
	StatusCode int
	URL        string
	Headers    http.Header
}

// Downloader fetches registry content, answering 401 challenges through the
// shared AuthState.
type Downloader struct {
	client    *http.Client
	auth      *AuthState
	creds     Credentials
	limiter   *rate.Limiter
	artifacts *artifact.Store
	policy    SizePolicy
	metrics   *Metrics
	logger    *slog.Logger

	mu          sync.Mutex
	lastHeaders http.Header
}

// Fetch GETs req.URL and streams the body into the artifact store. A HEAD
// request is answered with a DownloadResult carrying no artifact; use Head
// for the typed result.
func (d *Downloader) Fetch(ctx context.Context, req Request) (*DownloadResult, error) {
	if req.Method == http.MethodHead {
		head, err := d.Head(ctx, req)
		if err != nil {
			return nil, err
		}
		return &DownloadResult{URL: head.URL, StatusCode: head.StatusCode, Headers: head.Headers}, nil
	}

	start := time.Now()
	resp, err := d.do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	class, maxSize := d.policy.Resolve(resp)
	res, err := Consume(ctx, d.artifacts, resp, ConsumeOptions{
		Class:     class,
		MaxSize:   maxSize,
		Expected:  req.ExpectedDigest,
		OnHeaders: req.OnHeaders,
	})
	if err != nil {
		var sizeErr *SizeExceededError
		if errors.As(err, &sizeErr) {
			d.metrics.sizeRejected(class)
		}
		return nil, fmt.Errorf("failed to download %s: %w", req.URL, err)
	}
	d.metrics.committed(class, res.TotalBytes, start)
	d.logger.Debug("download complete", "url", req.URL, "digest", res.Digest, "size", res.TotalBytes, "class", class)

	return &DownloadResult{
		URL:        resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Class:      class,
		Artifact:   res.Artifact,
		Path:       res.Path,
		Headers:    res.Headers,
	}, nil
}

// Head issues a HEAD request without reading a body.
func (d *Downloader) Head(ctx context.Context, req Request) (*HeadResult, error) {
	req.Method = http.MethodHead
	resp, err := d.do(ctx, req)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()
	return &HeadResult{StatusCode: resp.StatusCode, URL: resp.Request.URL.String(), Headers: resp.Header}, nil
}

// FetchBytes runs the same authenticated request but returns a small body
// in memory instead of storing it.
func (d *Downloader) FetchBytes(ctx context.Context, req Request, limit int64) ([]byte, http.Header, error) {
	resp, err := d.do(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	if req.OnHeaders != nil {
		req.OnHeaders(resp.Header.Clone())
	}
	body, err := safety.ReadAllWithLimit(resp.Body, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read %s: %w", req.URL, err)
	}
	return body, resp.Header, nil
}

// LastResponseHeaders returns the headers of the most recent upstream response.
func (d *Downloader) LastResponseHeaders() http.Header {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastHeaders.Clone()
}

// do sends req until it gets a 2xx or a non-retryable failure. The caller
// owns the returned body.
func (d *Downloader) do(ctx context.Context, req Request) (*http.Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	reason := retryNone
	for {
		authHeader, usedToken := d.auth.AuthorizationHeader()

		httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		for k, vs := range req.Headers {
			for _, v := range vs {
				httpReq.Header.Add(k, v)
			}
		}
		if httpReq.Header.Get("Accept") == "" {
			httpReq.Header.Set("Accept", oci.AcceptHeader)
		}
		if authHeader != "" {
			httpReq.Header.Set("Authorization", authHeader)
		}

		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("waiting for rate limiter: %w", err)
			}
		}

		resp, err := d.client.Do(httpReq)
		if err != nil {
			d.metrics.request(method, 0)
			return nil, fmt.Errorf("request to %s failed: %w", req.URL, err)
		}
		d.metrics.request(method, resp.StatusCode)
		d.recordHeaders(resp.Header)

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		httpErr := newHTTPError(resp, req.URL)
		if resp.StatusCode != http.StatusUnauthorized || reason != retryNone {
			return nil, httpErr
		}
		challenge := resp.Header.Get("WWW-Authenticate")
		if challenge == "" {
			return nil, httpErr
		}

		next, err := d.answerChallenge(ctx, challenge, usedToken, req.RepoName)
		if err != nil {
			return nil, fmt.Errorf("failed to answer auth challenge from %s: %w", req.URL, err)
		}
		if next == retryNone {
			return nil, httpErr
		}
		reason = next
		d.logger.Debug("retrying request", "url", req.URL, "reason", reason)
	}
}

func (d *Downloader) answerChallenge(ctx context.Context, challenge, usedToken, repoName string) (retryReason, error) {
	switch ParseChallenge(challenge).Scheme {
	case "bearer":
		if err := d.auth.UpdateToken(ctx, challenge, usedToken, repoName); err != nil {
			return retryNone, err
		}
		return retryTokenRefreshed, nil
	case "basic":
		if d.creds.Empty() {
			return retryNone, nil
		}
		d.auth.SetBasic()
		return retryBasicAttached, nil
	}
	return retryNone, nil
}

func (d *Downloader) recordHeaders(h http.Header) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastHeaders = h.Clone()
}

// newHTTPError drains up to 64 KiB of the body for the message and closes it.
func newHTTPError(resp *http.Response, url string) *HTTPError {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	return &HTTPError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		URL:        url,
		Body:       string(body),
	}
}
