package store

import (
	"time"

	"github.com/BadgerOps/ocistash/internal/oci"
)

// ContentType names the kind of row a repository version can hold.
type ContentType string

const (
	ContentBlob      ContentType = "blob"
	ContentManifest  ContentType = "manifest"
	ContentTag       ContentType = "tag"
	ContentSignature ContentType = "signature"
)

// ContentRef points at one content row.
type ContentRef struct {
	Type ContentType
	ID   int64
}

// Blob is a content-addressed binary unit (layer or config)
type Blob struct {
	ID           int64
	Digest       string
	MediaType    string
	Size         int64
	ArtifactPath string
	CreatedAt    time.Time
	LastTouched  time.Time
}

// Manifest is an image manifest or manifest list keyed by digest
type Manifest struct {
	ID            int64
	Digest        string
	MediaType     string
	SchemaVersion int
	ConfigBlobID  int64 // 0 when the manifest has no config (lists, schema1)
	ArtifactPath  string
	Size          int64
	Annotations   map[string]string
	Labels        map[string]string
	Architecture  string
	OS            string
	IsBootable    bool
	IsFlatpak     bool
	ConfigInline  string // config JSON when small enough to keep in the catalogue
	CreatedAt     time.Time
}

// IsList reports whether the manifest is a manifest list or image index.
func (m *Manifest) IsList() bool {
	return oci.KindOf(m.MediaType) == oci.KindList
}

// Platform identifies a child of a manifest list
type Platform struct {
	OS           string
	Architecture string
	Variant      string
}

// Tag binds a name to one manifest. Rows are never updated; re-tagging
// creates or reuses another row.
type Tag struct {
	ID         int64
	Name       string
	ManifestID int64
	CreatedAt  time.Time
}

// TagInfo is a tag as seen in a repository version
type TagInfo struct {
	TagID          int64
	Name           string
	ManifestID     int64
	ManifestDigest string
	MediaType      string
}

// VersionArtifact is a stored file referenced by a repository version
type VersionArtifact struct {
	Type         ContentType
	Digest       string
	Size         int64
	ArtifactPath string
}

// SignatureInfo is a signature as seen in a repository version
type SignatureInfo struct {
	ManifestDigest string
	Name           string
	Type           string
	Digest         string
	Size           int64
}

// Signature is a detached image signature for a manifest
type Signature struct {
	ID           int64
	ManifestID   int64
	Name         string // "<digest>@<id>" style key from the source
	Type         string // "atomic" or "cosign"
	Digest       string
	ArtifactPath string
	Size         int64
	CreatedAt    time.Time
}

// Repository is a named collection of versions
type Repository struct {
	ID        int64
	Name      string
	CreatedAt time.Time
}

// RepositoryVersion is an immutable snapshot of a repository's content
type RepositoryVersion struct {
	ID            int64
	RepositoryID  int64
	Number        int
	BaseVersionID int64
	CreatedAt     time.Time
}

// SyncRun records a sync execution
type SyncRun struct {
	ID               int64
	Remote           string
	Repository       string
	StartTime        time.Time
	EndTime          time.Time
	TagsSynced       int
	TagsFailed       int
	ManifestsAdded   int
	BlobsDownloaded  int
	BlobsSkipped     int
	SignaturesSynced int
	BytesTransferred int64
	VersionNumber    int
	Status           string // "running", "success", "partial", "failed"
	ErrorMessage     string
}

// FailedContent is a dead letter queue entry for content that could not be fetched
type FailedContent struct {
	ID             int64
	Remote         string
	Reference      string // tag or digest
	URL            string
	ExpectedDigest string
	Error          string
	RetryCount     int
	FirstFailure   time.Time
	LastFailure    time.Time
	Resolved       bool
}

// Stats summarizes catalogue size
type Stats struct {
	Repositories int
	Manifests    int
	Blobs        int
	Tags         int
	Signatures   int
	BlobBytes    int64
}
