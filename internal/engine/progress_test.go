package engine

import (
	"fmt"
	"testing"
	"time"
)

func TestSyncTrackerCounts(t *testing.T) {
	tr := NewSyncTracker("upstream")
	tr.SetTotalTags(4)
	tr.SetPhase(PhaseDownloading)
	tr.TagSynced("a", "sha256:aa")
	tr.TagFailed("b", "boom")
	tr.BlobDownloaded(100)
	tr.BlobDownloaded(50)
	tr.BlobsSkipped(3)
	tr.BlobsSkipped(0)

	snap := tr.Snapshot()
	if snap.Remote != "upstream" || snap.Phase != PhaseDownloading {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.CompletedTags != 1 || snap.FailedTags != 1 {
		t.Errorf("tags completed=%d failed=%d", snap.CompletedTags, snap.FailedTags)
	}
	if snap.Percent != 50 {
		t.Errorf("Percent = %v, want 50", snap.Percent)
	}
	if snap.BlobsDownloaded != 2 || snap.BytesDownloaded != 150 || snap.BlobsSkipped != 3 {
		t.Errorf("blobs = %d bytes = %d skipped = %d", snap.BlobsDownloaded, snap.BytesDownloaded, snap.BlobsSkipped)
	}
	if len(snap.RecentEvents) != 2 || snap.RecentEvents[0].Tag != "b" || snap.RecentEvents[0].Error != "boom" {
		t.Errorf("recent events = %+v", snap.RecentEvents)
	}
}

func TestSyncTrackerRecentEventsCapped(t *testing.T) {
	tr := NewSyncTracker("r")
	for i := 0; i < maxRecentEvents+5; i++ {
		tr.TagSynced(fmt.Sprintf("t%d", i), "")
	}
	snap := tr.Snapshot()
	if len(snap.RecentEvents) != maxRecentEvents {
		t.Fatalf("len(RecentEvents) = %d, want %d", len(snap.RecentEvents), maxRecentEvents)
	}
	if snap.RecentEvents[0].Tag != fmt.Sprintf("t%d", maxRecentEvents+4) {
		t.Errorf("newest event = %q", snap.RecentEvents[0].Tag)
	}
}

func TestSyncTrackerWaitIsSignalled(t *testing.T) {
	tr := NewSyncTracker("r")
	ch := tr.Wait()
	go tr.SetMessage("working")

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait channel was not closed by an update")
	}
	if got := tr.Snapshot().Message; got != "working" {
		t.Errorf("Message = %q", got)
	}
}
