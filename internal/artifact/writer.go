package artifact

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
)

// Writer accumulates content in a temp file while hashing it. Exactly one
// of Commit or Cancel must be called.
type Writer struct {
	store     *Store
	file      *os.File
	tmpPath   string
	size      int64
	digesters map[digest.Algorithm]digest.Digester
	done      bool
}

var _ io.Writer = (*Writer)(nil)

// Write appends p to the temp file and every running digest.
func (w *Writer) Write(p []byte) (int, error) {
	if w.done {
		return 0, errors.New("write to closed artifact writer")
	}
	n, err := w.file.Write(p)
	for _, dg := range w.digesters {
		dg.Hash().Write(p[:n])
	}
	w.size += int64(n)
	return n, err
}

// Size is the number of bytes written so far.
func (w *Writer) Size() int64 { return w.size }

// Digest returns the canonical (sha256) digest of what has been written.
func (w *Writer) Digest() digest.Digest {
	return w.DigestOf(digest.Canonical)
}

// DigestOf returns the running digest for algo, or "" if it is not tracked.
func (w *Writer) DigestOf(algo digest.Algorithm) digest.Digest {
	dg, ok := w.digesters[algo]
	if !ok {
		return ""
	}
	return dg.Digest()
}

// Track starts hashing with an additional algorithm. It must be called
// before the first Write.
func (w *Writer) Track(algo digest.Algorithm) error {
	if !algo.Available() {
		return fmt.Errorf("digest algorithm %q unavailable", algo)
	}
	if w.size > 0 {
		return errors.New("cannot add digest algorithm after writing")
	}
	if _, ok := w.digesters[algo]; !ok {
		w.digesters[algo] = algo.Digester()
	}
	return nil
}

// Commit fsyncs the temp file and renames it into place. If expected is set
// the content must match it, otherwise nothing is stored. When a file for
// the digest already exists the temp copy is discarded.
func (w *Writer) Commit(expected digest.Digest) (*Artifact, error) {
	if w.done {
		return nil, errors.New("artifact writer already closed")
	}

	actual := w.Digest()
	if expected != "" {
		if err := expected.Validate(); err != nil {
			w.Cancel()
			return nil, fmt.Errorf("invalid expected digest %q: %w", expected, err)
		}
		got := w.DigestOf(expected.Algorithm())
		if got == "" {
			w.Cancel()
			return nil, fmt.Errorf("digest algorithm %q was not tracked", expected.Algorithm())
		}
		if got != expected {
			w.Cancel()
			return nil, &DigestMismatchError{Expected: expected, Actual: got}
		}
		actual = expected
	}

	if err := w.file.Sync(); err != nil {
		w.Cancel()
		return nil, fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := w.file.Close(); err != nil {
		w.done = true
		os.Remove(w.tmpPath)
		return nil, fmt.Errorf("failed to close temp file: %w", err)
	}
	w.done = true

	final, err := w.store.Path(actual)
	if err != nil {
		os.Remove(w.tmpPath)
		return nil, err
	}
	art := &Artifact{Digest: actual, Size: w.size, Path: final}

	if _, err := os.Stat(final); err == nil {
		os.Remove(w.tmpPath)
		return art, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		os.Remove(w.tmpPath)
		return nil, fmt.Errorf("failed to stat %s: %w", final, err)
	}

	if err := os.MkdirAll(filepath.Dir(final), 0755); err != nil {
		os.Remove(w.tmpPath)
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	if err := os.Rename(w.tmpPath, final); err != nil {
		os.Remove(w.tmpPath)
		return nil, fmt.Errorf("failed to move artifact into place: %w", err)
	}
	w.store.logger.Debug("artifact committed", "digest", actual, "size", w.size)
	return art, nil
}

// Cancel discards the temp file. It is safe to call after Commit.
func (w *Writer) Cancel() {
	if w.done {
		return
	}
	w.done = true
	w.file.Close()
	os.Remove(w.tmpPath)
}
