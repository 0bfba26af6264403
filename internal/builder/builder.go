// Package builder turns a Containerfile into an image in a local repository
// by running podman and importing the resulting OCI layout.
package builder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/distribution/reference"
	"github.com/google/uuid"

	"github.com/BadgerOps/ocistash/internal/ingest"
	"github.com/BadgerOps/ocistash/internal/store"
)

// BuildError reports a build step that exited non-zero.
type BuildError struct {
	Step     string // "build" or "push"
	ExitCode int
	Stderr   string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("%s step exited with code %d: %s", e.Step, e.ExitCode, strings.TrimSpace(e.Stderr))
}

// Options configure the build tool.
type Options struct {
	Binary    string // podman when empty
	Isolation string // rootless when empty
	// WorkDir holds temporary layouts; the system temp dir when empty.
	WorkDir string
}

// Request is one image to build.
type Request struct {
	Containerfile string
	ContextDir    string
	Repository    string
	Tag           string
}

// Builder builds images and ingests them.
type Builder struct {
	runner   Runner
	ingester *ingest.Ingester
	opts     Options
	logger   *slog.Logger
}

// New creates a Builder. A nil runner uses ExecRunner.
func New(ingester *ingest.Ingester, opts Options, runner Runner, logger *slog.Logger) *Builder {
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Binary == "" {
		opts.Binary = "podman"
	}
	if opts.Isolation == "" {
		opts.Isolation = "rootless"
	}
	return &Builder{runner: runner, ingester: ingester, opts: opts, logger: logger}
}

// Build runs the Containerfile, exports the image as an OCI layout and adds
// it to req.Repository under req.Tag.
func (b *Builder) Build(ctx context.Context, req Request) (*store.RepositoryVersion, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	workDir, err := os.MkdirTemp(b.opts.WorkDir, "ocistash-build-")
	if err != nil {
		return nil, fmt.Errorf("creating build directory: %w", err)
	}
	defer os.RemoveAll(workDir)

	name := uuid.NewString()
	layoutDir := filepath.Join(workDir, "image")
	log := b.logger.With("image", name, "repository", req.Repository, "tag", req.Tag)

	log.Info("building image", "containerfile", req.Containerfile, "context", req.ContextDir)
	if err := b.step(ctx, "build",
		"build", "-f", req.Containerfile, "-t", name, "--isolation", b.opts.Isolation, req.ContextDir,
	); err != nil {
		return nil, err
	}
	defer func() {
		if _, err := b.runner.Run(context.WithoutCancel(ctx), b.opts.Binary, "rmi", name); err != nil {
			log.Warn("failed to remove build image", "error", err)
		}
	}()

	if err := b.step(ctx, "push", "push", "--format", "oci", name, "oci:"+layoutDir+":"+name); err != nil {
		return nil, err
	}

	v, err := ImportLayout(ctx, b.ingester, layoutDir, name, req.Repository, req.Tag)
	if err != nil {
		return nil, err
	}
	log.Info("image built", "version", v.Number)
	return v, nil
}

func (b *Builder) step(ctx context.Context, step string, args ...string) error {
	res, err := b.runner.Run(ctx, b.opts.Binary, args...)
	if err != nil {
		return fmt.Errorf("%s step: %w", step, err)
	}
	if res.ExitCode != 0 {
		return &BuildError{Step: step, ExitCode: res.ExitCode, Stderr: string(res.Stderr)}
	}
	return nil
}

func validateRequest(req Request) error {
	var errs []error
	if req.Containerfile == "" {
		errs = append(errs, errors.New("containerfile is required"))
	} else if _, err := os.Stat(req.Containerfile); err != nil {
		errs = append(errs, fmt.Errorf("containerfile: %w", err))
	}
	if req.ContextDir == "" {
		errs = append(errs, errors.New("context directory is required"))
	} else if fi, err := os.Stat(req.ContextDir); err != nil || !fi.IsDir() {
		errs = append(errs, fmt.Errorf("context %q is not a directory", req.ContextDir))
	}
	named, err := reference.WithName(req.Repository)
	if err != nil {
		errs = append(errs, fmt.Errorf("invalid repository %q: %w", req.Repository, err))
	} else if _, err := reference.WithTag(named, req.Tag); err != nil {
		errs = append(errs, fmt.Errorf("invalid tag %q: %w", req.Tag, err))
	}
	return errors.Join(errs...)
}
