package download

import (
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/BadgerOps/ocistash/internal/artifact"
	"github.com/BadgerOps/ocistash/internal/safety"
)

const userAgent = "ocistash/1.0"

// RemoteOptions configure every downloader built for one remote.
type RemoteOptions struct {
	Credentials Credentials
	Proxy       *url.URL
	// RateLimit is the request rate in requests per second. Zero disables throttling.
	RateLimit float64
	Limits    SizeLimits
	// Timeout bounds each request including its body. Zero means unbounded.
	Timeout time.Duration
}

// Factory builds downloaders that share one AuthState, HTTP client and
// throttle for a single remote.
type Factory struct {
	client    *http.Client
	auth      *AuthState
	limiter   *rate.Limiter
	artifacts *artifact.Store
	opts      RemoteOptions
	metrics   *Metrics
	logger    *slog.Logger
}

// NewFactory creates a downloader factory for one remote.
func NewFactory(artifacts *artifact.Store, opts RemoteOptions, metrics *Metrics, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	client := safety.NewHTTPClient(safety.ClientOptions{
		Timeout:   opts.Timeout,
		Proxy:     opts.Proxy,
		UserAgent: userAgent,
	})
	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		burst := int(opts.RateLimit)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return &Factory{
		client:    client,
		auth:      NewAuthState(client, opts.Credentials, metrics, logger),
		limiter:   limiter,
		artifacts: artifacts,
		opts:      opts,
		metrics:   metrics,
		logger:    logger,
	}
}

// WithHTTPClient replaces the HTTP client; used by tests and custom transports.
func (f *Factory) WithHTTPClient(c *http.Client) *Factory {
	f.client = c
	f.auth.client = c
	return f
}

// Auth returns the shared auth state.
func (f *Factory) Auth() *AuthState { return f.auth }

// Downloader returns a new authenticated downloader.
func (f *Factory) Downloader() *Downloader {
	return &Downloader{
		client:    f.client,
		auth:      f.auth,
		creds:     f.opts.Credentials,
		limiter:   f.limiter,
		artifacts: f.artifacts,
		policy:    SizePolicy{Limits: f.opts.Limits},
		metrics:   f.metrics,
		logger:    f.logger,
	}
}

// SignatureDownloader returns a downloader for detached signatures.
func (f *Factory) SignatureDownloader() *SignatureDownloader {
	return &SignatureDownloader{
		client:    f.client,
		creds:     f.opts.Credentials,
		limiter:   f.limiter,
		artifacts: f.artifacts,
		policy:    SizePolicy{Limits: f.opts.Limits, ForceSignature: true},
		metrics:   f.metrics,
		logger:    f.logger,
	}
}
