package engine

import (
	"strings"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArchiveEntryNames(t *testing.T) {
	d := digest.FromString("layer")
	name := archiveEntryName(d)
	assert.Equal(t, "blobs/sha256/"+d.Encoded(), name)

	parsed, err := parseArchiveEntry(name)
	require.NoError(t, err)
	assert.Equal(t, d, parsed)

	for _, bad := range []string{
		"layers/app.tar.gz",
		"blobs/sha256/../../etc/passwd",
		"blobs/sha256/" + d.Encoded()[:10],
		"blobs/md5/" + d.Encoded(),
		"blobs/sha256",
	} {
		_, err := parseArchiveEntry(bad)
		assert.Error(t, err, bad)
	}
}

func TestTransferReadme(t *testing.T) {
	m := &TransferManifest{
		Version:    transferFormatVersion,
		Created:    time.Date(2026, 2, 19, 14, 30, 0, 0, time.UTC),
		SourceHost: "sync-server.example.com",
		Repositories: map[string]TransferRepository{
			"team/app":  {Version: 3, Tags: []TransferTag{{Name: "v1"}, {Name: "v2"}}, TotalSize: 3 << 30},
			"base/ubi9": {Version: 1, Tags: []TransferTag{{Name: "latest"}}, TotalSize: 5 << 20},
		},
		TotalArchives: 2,
		TotalSize:     3<<30 + 5<<20,
		Inventory:     make([]TransferArtifact, 7),
	}

	readme := transferReadme(m)
	assert.Contains(t, readme, "Created: 2026-02-19 14:30 UTC")
	assert.Contains(t, readme, "Archives: 2 parts")
	assert.Contains(t, readme, "Artifacts: 7")
	assert.Contains(t, readme, "  - team/app (version 3, 2 tags, 3.0 GB)")
	assert.Contains(t, readme, "  - base/ubi9 (version 1, 1 tags, 5.0 MB)")
	assert.Less(t, strings.Index(readme, "base/ubi9"), strings.Index(readme, "team/app"), "repositories are sorted")
	assert.Contains(t, readme, "ocistash import --from")
}
