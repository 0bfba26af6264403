package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/BadgerOps/ocistash/internal/engine"
	"github.com/BadgerOps/ocistash/internal/store"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Error("health check failed", "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// RemoteStatusJSON is the JSON representation of a remote status.
type RemoteStatusJSON struct {
	Name          string    `json:"name"`
	Repository    string    `json:"repository"`
	LatestVersion int       `json:"latest_version"`
	Tags          int       `json:"tags"`
	LastSync      time.Time `json:"last_sync"`
	LastStatus    string    `json:"last_status"`
	FailedContent int       `json:"failed_content"`
}

// StatsJSON counts catalogued content.
type StatsJSON struct {
	Repositories int   `json:"repositories"`
	Manifests    int   `json:"manifests"`
	Blobs        int   `json:"blobs"`
	Tags         int   `json:"tags"`
	Signatures   int   `json:"signatures"`
	BlobBytes    int64 `json:"blob_bytes"`
}

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	Remotes  []RemoteStatusJSON   `json:"remotes"`
	Stats    *StatsJSON           `json:"stats,omitempty"`
	Progress *engine.SyncProgress `json:"progress,omitempty"`
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	statuses := s.engine.Status(r.Context())

	resp := StatusResponse{Remotes: make([]RemoteStatusJSON, 0, len(statuses))}
	for _, st := range statuses {
		resp.Remotes = append(resp.Remotes, RemoteStatusJSON(st))
	}
	sort.Slice(resp.Remotes, func(i, j int) bool { return resp.Remotes[i].Name < resp.Remotes[j].Name })

	if stats, err := s.store.Stats(r.Context()); err == nil {
		sj := StatsJSON(*stats)
		resp.Stats = &sj
	} else {
		s.logger.Warn("failed to collect catalogue stats", "error", err)
	}
	if t := s.engine.ActiveProgress(); t != nil {
		snap := t.Snapshot()
		resp.Progress = &snap
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// RepositoryJSON summarizes a repository and its latest version.
type RepositoryJSON struct {
	Name          string    `json:"name"`
	CreatedAt     time.Time `json:"created_at"`
	LatestVersion int       `json:"latest_version"`
}

func (s *Server) handleAPIRepositories(w http.ResponseWriter, r *http.Request) {
	repos, err := s.store.ListRepositories(r.Context())
	if err != nil {
		s.logger.Error("failed to list repositories", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list repositories")
		return
	}

	resp := make([]RepositoryJSON, 0, len(repos))
	for _, repo := range repos {
		rj := RepositoryJSON{Name: repo.Name, CreatedAt: repo.CreatedAt}
		if v, err := s.store.LatestVersion(r.Context(), repo.ID); err == nil {
			rj.LatestVersion = v.Number
		}
		resp = append(resp, rj)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// VersionJSON is one repository version.
type VersionJSON struct {
	Number    int       `json:"number"`
	CreatedAt time.Time `json:"created_at"`
}

// TagJSON is a tag in a repository version.
type TagJSON struct {
	Name      string `json:"name"`
	Digest    string `json:"digest"`
	MediaType string `json:"media_type"`
}

// RepositoryDetailJSON is returned by GET /api/repositories/{name}.
type RepositoryDetailJSON struct {
	Name     string        `json:"name"`
	Versions []VersionJSON `json:"versions"`
	Version  int           `json:"version"`
	Tags     []TagJSON     `json:"tags"`
}

// handleAPIRepository returns the versions of a repository and the tags of
// the requested (?version=N) or latest version.
func (s *Server) handleAPIRepository(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := r.PathValue("name")

	repo, err := s.store.GetRepository(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "repository not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to look up repository", "repository", name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to look up repository")
		return
	}

	var v *store.RepositoryVersion
	if raw := r.URL.Query().Get("version"); raw != "" {
		n, convErr := strconv.Atoi(raw)
		if convErr != nil {
			s.writeError(w, http.StatusBadRequest, "invalid version number")
			return
		}
		v, err = s.store.GetVersion(ctx, repo.ID, n)
	} else {
		v, err = s.store.LatestVersion(ctx, repo.ID)
	}
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "version not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to look up version", "repository", name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to look up version")
		return
	}

	versions, err := s.store.ListVersions(ctx, repo.ID)
	if err != nil {
		s.logger.Error("failed to list versions", "repository", name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list versions")
		return
	}
	tags, err := s.store.ListTags(ctx, v.ID)
	if err != nil {
		s.logger.Error("failed to list tags", "repository", name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list tags")
		return
	}

	resp := RepositoryDetailJSON{
		Name:     repo.Name,
		Version:  v.Number,
		Versions: make([]VersionJSON, 0, len(versions)),
		Tags:     make([]TagJSON, 0, len(tags)),
	}
	for _, rv := range versions {
		resp.Versions = append(resp.Versions, VersionJSON{Number: rv.Number, CreatedAt: rv.CreatedAt})
	}
	for _, t := range tags {
		resp.Tags = append(resp.Tags, TagJSON{Name: t.Name, Digest: t.ManifestDigest, MediaType: t.MediaType})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// SyncRequestBody is the expected request body for POST /api/sync. An empty
// remote syncs every configured remote.
type SyncRequestBody struct {
	Remote string   `json:"remote"`
	DryRun bool     `json:"dry_run"`
	Tags   []string `json:"tags"`
}

// SyncResponseBody is one remote's result from POST /api/sync.
type SyncResponseBody struct {
	Remote           string    `json:"remote"`
	Success          bool      `json:"success"`
	Message          string    `json:"message"`
	Tags             int       `json:"tags"`
	Failed           int       `json:"failed,omitempty"`
	ManifestsAdded   int       `json:"manifests_added,omitempty"`
	BlobsDownloaded  int       `json:"blobs_downloaded,omitempty"`
	BlobsSkipped     int       `json:"blobs_skipped,omitempty"`
	SignaturesSynced int       `json:"signatures_synced,omitempty"`
	BytesTransferred int64     `json:"bytes_transferred,omitempty"`
	Version          int       `json:"version,omitempty"`
	StartTime        time.Time `json:"start_time,omitempty"`
	EndTime          time.Time `json:"end_time,omitempty"`
}

func syncResponse(remote string, report *engine.SyncReport, err error) SyncResponseBody {
	if report == nil {
		return SyncResponseBody{Remote: remote, Message: err.Error()}
	}
	resp := SyncResponseBody{
		Remote:           report.Remote,
		Success:          err == nil,
		Message:          "sync completed",
		Tags:             len(report.Tags),
		Failed:           len(report.Failed),
		ManifestsAdded:   report.ManifestsAdded,
		BlobsDownloaded:  report.BlobsDownloaded,
		BlobsSkipped:     report.BlobsSkipped,
		SignaturesSynced: report.SignaturesSynced,
		BytesTransferred: report.BytesTransferred,
		StartTime:        report.StartTime,
		EndTime:          report.EndTime,
	}
	if report.Version != nil {
		resp.Version = report.Version.Number
	}
	switch {
	case err != nil:
		resp.Message = err.Error()
	case report.DryRun:
		resp.Message = "dry run"
	case resp.Failed > 0:
		resp.Message = fmt.Sprintf("sync completed with %d failed tags", resp.Failed)
	}
	return resp
}

// SyncResponse is returned by POST /api/sync.
type SyncResponse struct {
	Results []SyncResponseBody `json:"results"`
	Error   string             `json:"error,omitempty"`
}

// handleAPISync runs a sync and returns the per-remote results. Only one
// sync runs at a time; a second request gets 409.
func (s *Server) handleAPISync(w http.ResponseWriter, r *http.Request) {
	var req SyncRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if !s.syncing.CompareAndSwap(false, true) {
		s.writeError(w, http.StatusConflict, "a sync is already running")
		return
	}
	defer s.syncing.Store(false)

	opts := engine.SyncOptions{DryRun: req.DryRun, Tags: req.Tags}
	ctx := r.Context()

	if req.Remote != "" {
		report, err := s.engine.SyncRemote(ctx, req.Remote, opts)
		if errors.Is(err, engine.ErrRemoteNotFound) {
			s.writeError(w, http.StatusNotFound, "remote not found")
			return
		}
		resp := SyncResponse{Results: []SyncResponseBody{syncResponse(req.Remote, report, err)}}
		status := http.StatusOK
		if err != nil {
			resp.Error = err.Error()
			status = http.StatusInternalServerError
		}
		s.writeJSON(w, status, resp)
		return
	}

	reports, err := s.engine.SyncAll(ctx, opts)
	resp := SyncResponse{Results: make([]SyncResponseBody, 0, len(reports))}
	for name, report := range reports {
		resp.Results = append(resp.Results, syncResponse(name, report, nil))
	}
	sort.Slice(resp.Results, func(i, j int) bool { return resp.Results[i].Remote < resp.Results[j].Remote })
	status := http.StatusOK
	if err != nil {
		s.logger.Error("sync of all remotes reported errors", "error", err)
		resp.Error = err.Error()
		status = http.StatusInternalServerError
	}
	s.writeJSON(w, status, resp)
}

// handleAPISyncProgress streams progress snapshots of the active sync as
// server-sent events until it completes or fails.
func (s *Server) handleAPISyncProgress(w http.ResponseWriter, r *http.Request) {
	tracker := s.engine.ActiveProgress()
	if tracker == nil {
		s.writeError(w, http.StatusNotFound, "no sync has run")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sendEvent := func(event string, data any) {
		jsonData, _ := json.Marshal(data)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData)
		flusher.Flush()
	}

	for {
		// Take the channel before the snapshot so no update is missed.
		wait := tracker.Wait()
		snap := tracker.Snapshot()
		if snap.Phase == engine.PhaseComplete || snap.Phase == engine.PhaseFailed {
			sendEvent("done", snap)
			return
		}
		sendEvent("progress", snap)

		select {
		case <-r.Context().Done():
			return
		case <-wait:
		}
	}
}

// SyncRunJSON is a recorded sync run.
type SyncRunJSON struct {
	ID               int64     `json:"id"`
	Remote           string    `json:"remote"`
	Repository       string    `json:"repository"`
	StartTime        time.Time `json:"start_time"`
	EndTime          time.Time `json:"end_time"`
	Status           string    `json:"status"`
	TagsSynced       int       `json:"tags_synced"`
	TagsFailed       int       `json:"tags_failed"`
	ManifestsAdded   int       `json:"manifests_added"`
	BlobsDownloaded  int       `json:"blobs_downloaded"`
	BlobsSkipped     int       `json:"blobs_skipped"`
	SignaturesSynced int       `json:"signatures_synced"`
	BytesTransferred int64     `json:"bytes_transferred"`
	VersionNumber    int       `json:"version_number"`
	ErrorMessage     string    `json:"error_message,omitempty"`
}

func (s *Server) handleAPISyncRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	runs, err := s.store.ListSyncRuns(r.URL.Query().Get("remote"), limit)
	if err != nil {
		s.logger.Error("failed to list sync runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list sync runs")
		return
	}

	resp := make([]SyncRunJSON, 0, len(runs))
	for _, run := range runs {
		resp = append(resp, SyncRunJSON{
			ID:               run.ID,
			Remote:           run.Remote,
			Repository:       run.Repository,
			StartTime:        run.StartTime,
			EndTime:          run.EndTime,
			Status:           run.Status,
			TagsSynced:       run.TagsSynced,
			TagsFailed:       run.TagsFailed,
			ManifestsAdded:   run.ManifestsAdded,
			BlobsDownloaded:  run.BlobsDownloaded,
			BlobsSkipped:     run.BlobsSkipped,
			SignaturesSynced: run.SignaturesSynced,
			BytesTransferred: run.BytesTransferred,
			VersionNumber:    run.VersionNumber,
			ErrorMessage:     run.ErrorMessage,
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// FailedContentJSON is an unresolved failure.
type FailedContentJSON struct {
	Remote         string    `json:"remote"`
	Reference      string    `json:"reference"`
	URL            string    `json:"url"`
	ExpectedDigest string    `json:"expected_digest,omitempty"`
	Error          string    `json:"error"`
	RetryCount     int       `json:"retry_count"`
	FirstFailure   time.Time `json:"first_failure"`
	LastFailure    time.Time `json:"last_failure"`
}

func (s *Server) handleAPISyncFailures(w http.ResponseWriter, r *http.Request) {
	remote := r.URL.Query().Get("remote")
	if remote == "" {
		s.writeError(w, http.StatusBadRequest, "remote is required")
		return
	}
	records, err := s.store.ListFailedContent(remote)
	if err != nil {
		s.logger.Error("failed to list failed content", "remote", remote, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list failed content")
		return
	}

	resp := make([]FailedContentJSON, 0, len(records))
	for _, rec := range records {
		resp = append(resp, FailedContentJSON{
			Remote:         rec.Remote,
			Reference:      rec.Reference,
			URL:            rec.URL,
			ExpectedDigest: rec.ExpectedDigest,
			Error:          rec.Error,
			RetryCount:     rec.RetryCount,
			FirstFailure:   rec.FirstFailure,
			LastFailure:    rec.LastFailure,
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// ResolveRequestBody names a failure to mark resolved.
type ResolveRequestBody struct {
	Remote    string `json:"remote"`
	Reference string `json:"reference"`
}

func (s *Server) handleAPISyncFailureResolve(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Remote == "" || req.Reference == "" {
		s.writeError(w, http.StatusBadRequest, "remote and reference are required")
		return
	}
	if err := s.store.ResolveFailedContent(req.Remote, req.Reference); err != nil {
		s.logger.Error("failed to resolve failed content", "remote", req.Remote, "reference", req.Reference, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to resolve failed content")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ValidationResponse is returned by POST /api/validate.
type ValidationResponse struct {
	Checked int                      `json:"checked"`
	Valid   int                      `json:"valid"`
	Corrupt []engine.CorruptArtifact `json:"corrupt"`
}

func (s *Server) handleAPIValidate(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.Validate(r.Context())
	if err != nil {
		s.logger.Error("validation failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "validation failed")
		return
	}
	resp := ValidationResponse{Checked: report.Checked, Valid: report.Valid, Corrupt: report.Corrupt}
	if resp.Corrupt == nil {
		resp.Corrupt = []engine.CorruptArtifact{}
	}
	s.writeJSON(w, http.StatusOK, resp)
}
