package engine

import (
	"sync"
	"time"
)

// SyncPhase represents the current phase of a sync operation.
type SyncPhase string

const (
	PhaseListing     SyncPhase = "listing"
	PhaseDownloading SyncPhase = "downloading"
	PhaseSignatures  SyncPhase = "signatures"
	PhaseCommitting  SyncPhase = "committing"
	PhaseComplete    SyncPhase = "complete"
	PhaseFailed      SyncPhase = "failed"
)

const maxRecentEvents = 20

// TagEvent records a synced or failed tag for the recent activity log.
type TagEvent struct {
	Tag    string `json:"tag"`
	Status string `json:"status"` // "synced", "failed"
	Digest string `json:"digest,omitempty"`
	Error  string `json:"error,omitempty"`
}

// SyncProgress is a snapshot of the current sync state, safe for JSON serialization.
type SyncProgress struct {
	Remote          string     `json:"remote"`
	Phase           SyncPhase  `json:"phase"`
	TotalTags       int        `json:"total_tags"`
	CompletedTags   int        `json:"completed_tags"`
	FailedTags      int        `json:"failed_tags"`
	BlobsDownloaded int        `json:"blobs_downloaded"`
	BlobsSkipped    int        `json:"blobs_skipped"`
	BytesDownloaded int64      `json:"bytes_downloaded"`
	Percent         float64    `json:"percent"`
	RecentEvents    []TagEvent `json:"recent_events,omitempty"`
	BytesPerSecond  int64      `json:"bytes_per_second"`
	StartTime       time.Time  `json:"start_time"`
	Elapsed         string     `json:"elapsed"`
	Message         string     `json:"message,omitempty"`
}

// SyncTracker accumulates progress from sync workers in a thread-safe manner.
// Watchers use Wait() to block until new updates are available.
type SyncTracker struct {
	mu sync.Mutex

	remote          string
	phase           SyncPhase
	totalTags       int
	completedTags   int
	failedTags      int
	blobsDownloaded int
	blobsSkipped    int
	bytesDownloaded int64
	startTime       time.Time
	message         string
	recentEvents    []TagEvent

	// Closed and replaced on every update.
	notify chan struct{}
}

// NewSyncTracker creates a tracker for the given remote.
func NewSyncTracker(remote string) *SyncTracker {
	return &SyncTracker{
		remote:    remote,
		phase:     PhaseListing,
		startTime: time.Now(),
		notify:    make(chan struct{}),
	}
}

// Snapshot returns a copy of the current progress state.
func (t *SyncTracker) Snapshot() SyncProgress {
	t.mu.Lock()
	defer t.mu.Unlock()

	var pct float64
	if t.totalTags > 0 {
		pct = float64(t.completedTags+t.failedTags) / float64(t.totalTags) * 100
	}

	recent := make([]TagEvent, len(t.recentEvents))
	copy(recent, t.recentEvents)

	elapsed := time.Since(t.startTime)
	var bytesPerSecond int64
	if elapsed > time.Second && t.bytesDownloaded > 0 {
		bytesPerSecond = int64(float64(t.bytesDownloaded) / elapsed.Seconds())
	}

	return SyncProgress{
		Remote:          t.remote,
		Phase:           t.phase,
		TotalTags:       t.totalTags,
		CompletedTags:   t.completedTags,
		FailedTags:      t.failedTags,
		BlobsDownloaded: t.blobsDownloaded,
		BlobsSkipped:    t.blobsSkipped,
		BytesDownloaded: t.bytesDownloaded,
		Percent:         pct,
		RecentEvents:    recent,
		BytesPerSecond:  bytesPerSecond,
		StartTime:       t.startTime,
		Elapsed:         elapsed.Truncate(time.Second).String(),
		Message:         t.message,
	}
}

// Wait returns a channel that will be closed when the next update occurs.
func (t *SyncTracker) Wait() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.notify
}

// signal must be called with t.mu held.
func (t *SyncTracker) signal() {
	close(t.notify)
	t.notify = make(chan struct{})
}

// SetPhase updates the current sync phase.
func (t *SyncTracker) SetPhase(phase SyncPhase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.phase = phase
	t.signal()
}

// SetTotalTags sets how many tags the sync will process.
func (t *SyncTracker) SetTotalTags(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totalTags = n
	t.signal()
}

// SetMessage sets a human-readable status message.
func (t *SyncTracker) SetMessage(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.message = msg
	t.signal()
}

// BlobDownloaded counts one fetched blob.
func (t *SyncTracker) BlobDownloaded(size int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.blobsDownloaded++
	t.bytesDownloaded += size
	t.signal()
}

// BlobsSkipped counts blobs that were already stored.
func (t *SyncTracker) BlobsSkipped(n int) {
	if n == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.blobsSkipped += n
	t.signal()
}

func (t *SyncTracker) addRecentEvent(ev TagEvent) {
	t.recentEvents = append([]TagEvent{ev}, t.recentEvents...)
	if len(t.recentEvents) > maxRecentEvents {
		t.recentEvents = t.recentEvents[:maxRecentEvents]
	}
}

// TagSynced marks a tag as ingested.
func (t *SyncTracker) TagSynced(tag, digest string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completedTags++
	t.addRecentEvent(TagEvent{Tag: tag, Status: "synced", Digest: digest})
	t.signal()
}

// TagFailed marks a tag as failed with an error reason.
func (t *SyncTracker) TagFailed(tag, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failedTags++
	t.addRecentEvent(TagEvent{Tag: tag, Status: "failed", Error: errMsg})
	t.signal()
}

// TagSkipped marks a tag that was selected but needed no work.
func (t *SyncTracker) TagSkipped(tag string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completedTags++
	t.addRecentEvent(TagEvent{Tag: tag, Status: "skipped"})
	t.signal()
}
