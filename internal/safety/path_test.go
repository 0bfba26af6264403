package safety

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
)

func TestJoinUnder(t *testing.T) {
	root := t.TempDir()

	got, err := JoinUnder(root, "ocistash-transfer-001.tar.zst")
	if err != nil {
		t.Fatalf("JoinUnder returned error: %v", err)
	}
	if got != filepath.Join(root, "ocistash-transfer-001.tar.zst") {
		t.Fatalf("JoinUnder = %q", got)
	}

	for _, name := range []string{"", "  ", ".", "../escape.tar.zst", "a/../../escape", "/etc/passwd"} {
		if _, err := JoinUnder(root, name); err == nil {
			t.Errorf("JoinUnder(%q) should fail", name)
		}
	}
	if _, err := JoinUnder(root, "../x"); !errors.Is(err, ErrEscapesRoot) {
		t.Errorf("expected ErrEscapesRoot, got %v", err)
	}
}

func TestEnsureUnderRoot(t *testing.T) {
	root := t.TempDir()
	if _, err := EnsureUnderRoot(root, root+"/sha256/ab/abcd"); err != nil {
		t.Fatalf("EnsureUnderRoot failed for child path: %v", err)
	}
	if _, err := EnsureUnderRoot(root, root+"/../escape"); !errors.Is(err, ErrEscapesRoot) {
		t.Fatalf("expected ErrEscapesRoot, got %v", err)
	}
	if _, err := EnsureUnderRoot(root, root+"-sibling/file"); err == nil {
		t.Fatal("a sibling sharing the root prefix must fail")
	}
}

func TestReadAllWithLimit(t *testing.T) {
	_, err := ReadAllWithLimit(strings.NewReader("abc"), 2)
	if !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("expected ErrBodyTooLarge, got %v", err)
	}

	data, err := ReadAllWithLimit(io.NopCloser(strings.NewReader("abc")), 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "abc" {
		t.Fatalf("unexpected data: %q", string(data))
	}
}

func TestValidateHTTPURL(t *testing.T) {
	if _, err := ValidateHTTPURL("https://registry.example/v2/"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, raw := range []string{"ftp://x", "https://", "https://user:pw@host"} {
		if _, err := ValidateHTTPURL(raw); err == nil {
			t.Fatalf("expected %q to fail", raw)
		}
	}
}

func TestProxyURL(t *testing.T) {
	u, err := ProxyURL("http://proxy.local:3128", "bob", "s3cret")
	if err != nil {
		t.Fatalf("ProxyURL returned error: %v", err)
	}
	if u.User.Username() != "bob" {
		t.Fatalf("expected proxy user bob, got %q", u.User.Username())
	}
	if pw, _ := u.User.Password(); pw != "s3cret" {
		t.Fatalf("unexpected proxy password %q", pw)
	}

	u, err = ProxyURL("", "bob", "x")
	if err != nil || u != nil {
		t.Fatalf("empty proxy should yield nil, got %v %v", u, err)
	}
}

func TestNewHTTPClientSetsUserAgent(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	client := NewHTTPClient(ClientOptions{UserAgent: "ocistash-test"})
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if got != "ocistash-test" {
		t.Fatalf("expected user agent ocistash-test, got %q", got)
	}
}
