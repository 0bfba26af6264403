// Package artifact keeps downloaded bytes in a content-addressed tree on
// local disk. Files land under <root>/<algorithm>/<hex[:2]>/<hex> and are
// only ever created by an atomic rename of a fully written temp file.
package artifact

import (
	_ "crypto/sha256"
	_ "crypto/sha512"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"github.com/BadgerOps/ocistash/internal/safety"
)

const tmpDir = ".tmp"

// ErrNotFound is returned when no artifact exists for a digest.
var ErrNotFound = errors.New("artifact not found")

// DigestMismatchError reports content whose digest differs from the one requested.
type DigestMismatchError struct {
	Expected digest.Digest
	Actual   digest.Digest
}

func (e *DigestMismatchError) Error() string {
	return fmt.Sprintf("digest mismatch: expected %s, got %s", e.Expected, e.Actual)
}

// Artifact describes a committed file.
type Artifact struct {
	Digest digest.Digest
	Size   int64
	Path   string
}

// Store is a content-addressed file store.
type Store struct {
	root   string
	logger *slog.Logger
}

// NewStore creates the store root and its temp area.
func NewStore(root string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve artifact root: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(abs, tmpDir), 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact root: %w", err)
	}
	return &Store{root: abs, logger: logger}, nil
}

// Root returns the absolute store directory.
func (s *Store) Root() string { return s.root }

// Path returns where the artifact for d lives (or would live).
func (s *Store) Path(d digest.Digest) (string, error) {
	if err := d.Validate(); err != nil {
		return "", fmt.Errorf("invalid digest %q: %w", d, err)
	}
	hex := d.Encoded()
	return safety.EnsureUnderRoot(s.root, filepath.Join(s.root, d.Algorithm().String(), hex[:2], hex))
}

// Stat returns the committed artifact for d or ErrNotFound.
func (s *Store) Stat(d digest.Digest) (*Artifact, error) {
	p, err := s.Path(d)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat artifact %s: %w", d, err)
	}
	return &Artifact{Digest: d, Size: fi.Size(), Path: p}, nil
}

// Exists reports whether a committed artifact is present for d.
func (s *Store) Exists(d digest.Digest) bool {
	_, err := s.Stat(d)
	return err == nil
}

// Open returns a reader over the artifact for d.
func (s *Store) Open(d digest.Digest) (io.ReadCloser, error) {
	p, err := s.Path(d)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

// ReadAll loads a small artifact (manifests, configs, signatures) into memory.
func (s *Store) ReadAll(d digest.Digest, limit int64) ([]byte, error) {
	rc, err := s.Open(d)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return safety.ReadAllWithLimit(rc, limit)
}

// Ingest copies r into the store. When expected is non-empty the content
// must hash to it.
func (s *Store) Ingest(r io.Reader, expected digest.Digest) (*Artifact, error) {
	w, err := s.NewWriter()
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Cancel()
		return nil, fmt.Errorf("failed to write artifact: %w", err)
	}
	return w.Commit(expected)
}

// Verify rehashes the stored file for d.
func (s *Store) Verify(d digest.Digest) error {
	rc, err := s.Open(d)
	if err != nil {
		return err
	}
	defer rc.Close()
	v := d.Verifier()
	if _, err := io.Copy(v, rc); err != nil {
		return fmt.Errorf("failed to read artifact %s: %w", d, err)
	}
	if !v.Verified() {
		actual, _ := s.rehash(d)
		return &DigestMismatchError{Expected: d, Actual: actual}
	}
	return nil
}

func (s *Store) rehash(d digest.Digest) (digest.Digest, error) {
	rc, err := s.Open(d)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	return d.Algorithm().FromReader(rc)
}

// Walk calls fn for every committed artifact.
func (s *Store) Walk(fn func(Artifact) error) error {
	return filepath.WalkDir(s.root, func(p string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if e.IsDir() {
			if e.Name() == tmpDir {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		algo := filepath.Dir(filepath.Dir(rel))
		d := digest.NewDigestFromEncoded(digest.Algorithm(algo), e.Name())
		if d.Validate() != nil {
			s.logger.Debug("skipping stray file in artifact store", "path", p)
			return nil
		}
		info, err := e.Info()
		if err != nil {
			return err
		}
		return fn(Artifact{Digest: d, Size: info.Size(), Path: p})
	})
}

// NewWriter opens a temp file for streaming content into the store.
func (s *Store) NewWriter() (*Writer, error) {
	name := filepath.Join(s.root, tmpDir, uuid.NewString())
	f, err := os.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	return &Writer{
		store:     s,
		file:      f,
		tmpPath:   name,
		digesters: map[digest.Algorithm]digest.Digester{digest.Canonical: digest.Canonical.Digester()},
	}, nil
}
