package download

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Job is one fetch submitted to a Pool.
type Job struct {
	Request Request
}

// Result is the outcome of a Job. Results keep the order of the submitted jobs.
type Result struct {
	Job      Job
	Success  bool
	Error    error
	Download *DownloadResult
}

// Pool runs fetches concurrently with a bounded number of workers.
type Pool struct {
	downloader *Downloader
	workers    int
	logger     *slog.Logger
}

// NewPool creates a new download pool with the specified number of workers.
func NewPool(downloader *Downloader, workers int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		downloader: downloader,
		workers:    workers,
		logger:     logger,
	}
}

// Execute runs every job and waits for all of them. One failing job does
// not stop the others; a cancelled context marks unstarted jobs with the
// context error.
func (p *Pool) Execute(ctx context.Context, jobs []Job) []Result {
	results := make([]Result, len(jobs))
	if len(jobs) == 0 {
		return results
	}

	g := new(errgroup.Group)
	g.SetLimit(p.workers)
	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			results[i] = p.run(ctx, job)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (p *Pool) run(ctx context.Context, job Job) Result {
	result := Result{Job: job}
	if err := ctx.Err(); err != nil {
		result.Error = err
		return result
	}

	dl, err := p.downloader.Fetch(ctx, job.Request)
	if err != nil {
		result.Error = err
		p.logger.Error("download job failed", "url", job.Request.URL, "error", err)
		return result
	}
	result.Success = true
	result.Download = dl
	p.logger.Info("download job completed", "url", job.Request.URL, "digest", dl.Artifact.Digest, "size", dl.Artifact.Size)
	return result
}
