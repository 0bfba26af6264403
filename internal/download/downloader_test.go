package download

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BadgerOps/ocistash/internal/oci"
)

const testManifest = `{"schemaVersion":2,"mediaType":"application/vnd.docker.distribution.manifest.v2+json"}`

func newTestFactory(t *testing.T, opts RemoteOptions) *Factory {
	t.Helper()
	if opts.Limits == (SizeLimits{}) {
		opts.Limits = DefaultSizeLimits()
	}
	return NewFactory(newArtifactStore(t), opts, NewMetrics(prometheus.NewRegistry()), discardLogger())
}

func TestFetchBearerChallengeScenario(t *testing.T) {
	var registryCalls, tokenCalls atomic.Int32
	var gotAccept string

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		assert.Equal(t, "registry", r.URL.Query().Get("service"))
		assert.Equal(t, "repository:x:pull", r.URL.Query().Get("scope"))
		fmt.Fprint(w, `{"token":"tok"}`)
	}))
	defer tokenSrv.Close()

	registry := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		registryCalls.Add(1)
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="`+tokenSrv.URL+`/token",service="registry",scope="repository:x:pull"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		gotAccept = r.Header.Get("Accept")
		w.Header().Set("Content-Type", oci.MediaTypeDockerManifest)
		w.Header().Set("Docker-Content-Digest", digest.FromString(testManifest).String())
		fmt.Fprint(w, testManifest)
	}))
	defer registry.Close()

	dl := newTestFactory(t, RemoteOptions{}).Downloader()
	res, err := dl.Fetch(context.Background(), Request{URL: oci.ManifestURL(registry.URL, "x", "latest"), RepoName: "x"})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, ClassManifest, res.Class)
	assert.Equal(t, digest.FromString(testManifest), res.Artifact.Digest)
	// one 401, then one token fetch and one refetch
	assert.Equal(t, int32(2), registryCalls.Load())
	assert.Equal(t, int32(1), tokenCalls.Load())
	assert.Equal(t, oci.AcceptHeader, gotAccept)
	assert.Equal(t, digest.FromString(testManifest).String(), dl.LastResponseHeaders().Get("Docker-Content-Digest"))
}

func TestFetchRepeated401IsTransportError(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"token":"useless"}`)
	}))
	defer tokenSrv.Close()

	var calls atomic.Int32
	registry := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("WWW-Authenticate", `Bearer realm="`+tokenSrv.URL+`"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer registry.Close()

	dl := newTestFactory(t, RemoteOptions{}).Downloader()
	_, err := dl.Fetch(context.Background(), Request{URL: registry.URL + "/v2/x/manifests/a", RepoName: "x"})
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusUnauthorized, httpErr.StatusCode)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetchBasicChallenge(t *testing.T) {
	registry := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "bob" || pass != "pw" {
			w.Header().Set("WWW-Authenticate", `Basic realm="registry"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, "ok")
	}))
	defer registry.Close()

	factory := newTestFactory(t, RemoteOptions{Credentials: Credentials{Username: "bob", Password: "pw"}})
	_, err := factory.Downloader().Fetch(context.Background(), Request{URL: registry.URL + "/v2/x/blobs/a"})
	require.NoError(t, err)

	header, _ := factory.Auth().AuthorizationHeader()
	assert.True(t, strings.HasPrefix(header, "Basic "))
}

func TestFetchBasicChallengeWithoutCredentials(t *testing.T) {
	var calls atomic.Int32
	registry := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("WWW-Authenticate", `Basic realm="registry"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer registry.Close()

	_, err := newTestFactory(t, RemoteOptions{}).Downloader().Fetch(context.Background(), Request{URL: registry.URL})
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchServerErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	registry := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer registry.Close()

	_, err := newTestFactory(t, RemoteOptions{}).Downloader().Fetch(context.Background(), Request{URL: registry.URL})
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusInternalServerError, httpErr.StatusCode)
	assert.Contains(t, httpErr.Body, "boom")
	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, IsNotFound(err))
}

func TestFetchManifestOverLimit(t *testing.T) {
	registry := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", oci.MediaTypeDockerManifest)
		fmt.Fprint(w, strings.Repeat(" ", 2048)+"{}")
	}))
	defer registry.Close()

	factory := newTestFactory(t, RemoteOptions{Limits: SizeLimits{Manifest: 1024, Signature: 1024}})
	_, err := factory.Downloader().Fetch(context.Background(), Request{URL: registry.URL + "/v2/x/manifests/a"})

	var sizeErr *SizeExceededError
	require.ErrorAs(t, err, &sizeErr)
	assert.Equal(t, ClassManifest, sizeErr.Class)
	assert.Equal(t, float64(1), testutil.ToFloat64(factory.metrics.SizeRejected.WithLabelValues("Manifest")))
	assertNoPartialFiles(t, factory.artifacts)
}

func TestFetchBlobHasNoCap(t *testing.T) {
	body := strings.Repeat("x", 4096)
	registry := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		fmt.Fprint(w, body)
	}))
	defer registry.Close()

	factory := newTestFactory(t, RemoteOptions{Limits: SizeLimits{Manifest: 10, Signature: 10}})
	res, err := factory.Downloader().Fetch(context.Background(), Request{
		URL:            registry.URL + "/v2/x/blobs/a",
		ExpectedDigest: digest.FromString(body),
	})
	require.NoError(t, err)
	assert.Equal(t, ClassBlob, res.Class)
	assert.Equal(t, int64(4096), res.Artifact.Size)
}

func TestHead(t *testing.T) {
	registry := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.Header().Set("Docker-Content-Digest", "sha256:abc")
		w.WriteHeader(http.StatusOK)
	}))
	defer registry.Close()

	dl := newTestFactory(t, RemoteOptions{}).Downloader()
	head, err := dl.Head(context.Background(), Request{URL: registry.URL + "/v2/x/manifests/a"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, head.StatusCode)
	assert.Equal(t, "sha256:abc", head.Headers.Get("Docker-Content-Digest"))

	res, err := dl.Fetch(context.Background(), Request{URL: registry.URL + "/v2/x/manifests/a", Method: http.MethodHead})
	require.NoError(t, err)
	assert.Nil(t, res.Artifact)
}

func TestFetchBytes(t *testing.T) {
	registry := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Link", `</v2/x/tags/list?last=b>; rel="next"`)
		fmt.Fprint(w, `{"name":"x","tags":["a","b"]}`)
	}))
	defer registry.Close()

	dl := newTestFactory(t, RemoteOptions{}).Downloader()
	body, headers, err := dl.FetchBytes(context.Background(), Request{URL: registry.URL + "/v2/x/tags/list"}, 1024)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"tags"`)
	assert.NotEmpty(t, headers.Get("Link"))

	_, _, err = dl.FetchBytes(context.Background(), Request{URL: registry.URL + "/v2/x/tags/list"}, 5)
	assert.Error(t, err)
}

func TestRateLimitedFactory(t *testing.T) {
	registry := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	defer registry.Close()

	factory := newTestFactory(t, RemoteOptions{RateLimit: 1000})
	require.NotNil(t, factory.limiter)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := factory.Downloader().Fetch(ctx, Request{URL: registry.URL})
	assert.Error(t, err)
}
