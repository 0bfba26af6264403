package engine

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"
)

type servedManifest struct {
	mediaType string
	body      []byte
}

// fakeRegistry is a minimal distribution API for one repository plus a
// sigstore lookaside under /sigstore/.
type fakeRegistry struct {
	t    *testing.T
	name string
	srv  *httptest.Server

	mu           sync.Mutex
	tags         map[string]digest.Digest
	manifests    map[digest.Digest]servedManifest
	blobs        map[digest.Digest][]byte
	signatures   map[string][]byte // "<digest>/<n>"
	requireToken bool
	pageSize     int
	calls        map[string]int
	tokenCalls   int
}

func newFakeRegistry(t *testing.T, name string) *fakeRegistry {
	t.Helper()
	r := &fakeRegistry{
		t:          t,
		name:       name,
		tags:       map[string]digest.Digest{},
		manifests:  map[digest.Digest]servedManifest{},
		blobs:      map[digest.Digest][]byte{},
		signatures: map[string][]byte{},
		calls:      map[string]int{},
	}
	r.srv = httptest.NewServer(r)
	t.Cleanup(r.srv.Close)
	return r
}

func (r *fakeRegistry) URL() string { return r.srv.URL }

func (r *fakeRegistry) count(method, path string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[method+" "+path]
}

func (r *fakeRegistry) configure(fn func(*fakeRegistry)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r)
}

func (r *fakeRegistry) tokenCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tokenCalls
}

func (r *fakeRegistry) blobGets(d digest.Digest) int {
	return r.count(http.MethodGet, "/v2/"+r.name+"/blobs/"+d.String())
}

func (r *fakeRegistry) manifestGets(ref string) int {
	return r.count(http.MethodGet, "/v2/"+r.name+"/manifests/"+ref)
}

func (r *fakeRegistry) addBlob(body []byte) ocispec.Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := digest.FromBytes(body)
	r.blobs[d] = body
	return ocispec.Descriptor{MediaType: ocispec.MediaTypeImageLayerGzip, Digest: d, Size: int64(len(body))}
}

func (r *fakeRegistry) removeBlob(d digest.Digest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.blobs, d)
}

func (r *fakeRegistry) addManifest(mediaType string, body []byte) ocispec.Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := digest.FromBytes(body)
	r.manifests[d] = servedManifest{mediaType: mediaType, body: body}
	return ocispec.Descriptor{MediaType: mediaType, Digest: d, Size: int64(len(body))}
}

// addImage publishes a config and layers and returns the manifest descriptor.
// A layer descriptor with no served blob is allowed through missing.
func (r *fakeRegistry) addImage(arch string, layers ...ocispec.Descriptor) ocispec.Descriptor {
	r.t.Helper()
	cfg, err := json.Marshal(map[string]any{"architecture": arch, "os": "linux"})
	require.NoError(r.t, err)
	cfgDesc := r.addBlob(cfg)
	cfgDesc.MediaType = ocispec.MediaTypeImageConfig

	body, err := json.Marshal(ocispec.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: ocispec.MediaTypeImageManifest,
		Config:    cfgDesc,
		Layers:    layers,
	})
	require.NoError(r.t, err)
	desc := r.addManifest(ocispec.MediaTypeImageManifest, body)
	desc.Platform = &ocispec.Platform{OS: "linux", Architecture: arch}
	return desc
}

func (r *fakeRegistry) addIndex(children ...ocispec.Descriptor) ocispec.Descriptor {
	r.t.Helper()
	body, err := json.Marshal(ocispec.Index{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: ocispec.MediaTypeImageIndex,
		Manifests: children,
	})
	require.NoError(r.t, err)
	return r.addManifest(ocispec.MediaTypeImageIndex, body)
}

func (r *fakeRegistry) tag(name string, d digest.Digest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tags[name] = d
}

func (r *fakeRegistry) untag(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tags, name)
}

func (r *fakeRegistry) addSignature(d digest.Digest, n int, body []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signatures[fmt.Sprintf("%s/%d", d, n)] = body
}

func (r *fakeRegistry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[req.Method+" "+req.URL.Path]++

	if req.URL.Path == "/token" {
		r.tokenCalls++
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"token":"test-token"}`)
		return
	}
	if strings.HasPrefix(req.URL.Path, "/sigstore/") {
		r.serveSignature(w, req)
		return
	}
	if r.requireToken && req.Header.Get("Authorization") != "Bearer test-token" {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer realm="%s/token",service="fake"`, r.srv.URL))
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	rest, ok := strings.CutPrefix(req.URL.Path, "/v2/"+r.name+"/")
	if !ok {
		http.NotFound(w, req)
		return
	}
	switch {
	case rest == "tags/list":
		r.serveTags(w, req)
	case strings.HasPrefix(rest, "manifests/"):
		ref := strings.TrimPrefix(rest, "manifests/")
		d, isTag := r.tags[ref]
		if !isTag {
			d = digest.Digest(ref)
		}
		m, ok := r.manifests[d]
		if !ok {
			http.NotFound(w, req)
			return
		}
		w.Header().Set("Content-Type", m.mediaType)
		w.Header().Set("Docker-Content-Digest", d.String())
		w.Header().Set("Content-Length", strconv.Itoa(len(m.body)))
		if req.Method == http.MethodHead {
			return
		}
		w.Write(m.body)
	case strings.HasPrefix(rest, "blobs/"):
		body, ok := r.blobs[digest.Digest(strings.TrimPrefix(rest, "blobs/"))]
		if !ok {
			http.NotFound(w, req)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(body)
	default:
		http.NotFound(w, req)
	}
}

func (r *fakeRegistry) serveTags(w http.ResponseWriter, req *http.Request) {
	var all []string
	for t := range r.tags {
		all = append(all, t)
	}
	sort.Strings(all)

	last := req.URL.Query().Get("last")
	start := 0
	if last != "" {
		start = sort.SearchStrings(all, last) + 1
	}
	page := all[min(start, len(all)):]
	if r.pageSize > 0 && len(page) > r.pageSize {
		page = page[:r.pageSize]
		w.Header().Set("Link", fmt.Sprintf(`</v2/%s/tags/list?n=%d&last=%s>; rel="next"`, r.name, r.pageSize, page[len(page)-1]))
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"name": r.name, "tags": page})
}

// serveSignature answers /sigstore/<name>@<algo>=<hex>/signature-<n>.
func (r *fakeRegistry) serveSignature(w http.ResponseWriter, req *http.Request) {
	rest := strings.TrimPrefix(req.URL.Path, "/sigstore/"+r.name+"@")
	ref, file, ok := strings.Cut(rest, "/")
	if !ok {
		http.NotFound(w, req)
		return
	}
	algo, hex, _ := strings.Cut(ref, "=")
	n := strings.TrimPrefix(file, "signature-")
	body, ok := r.signatures[fmt.Sprintf("%s:%s/%s", algo, hex, n)]
	if !ok {
		http.NotFound(w, req)
		return
	}
	w.Write(body)
}
