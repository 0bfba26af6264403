package engine

import "time"

const (
	transferManifestName   = "ocistash-manifest.json"
	transferArchivePattern = "ocistash-transfer-%03d"
	transferReadmeName     = "TRANSFER-README.txt"
	transferFormatVersion  = "1.0"
)

// TransferManifest describes an export of repository versions for transfer
// to a disconnected ocistash instance.
type TransferManifest struct {
	Version       string                        `json:"version"`
	Created       time.Time                     `json:"created"`
	SourceHost    string                        `json:"source_host"`
	Compression   string                        `json:"compression"`
	Repositories  map[string]TransferRepository `json:"repositories"`
	Archives      []ManifestArchive             `json:"archives"`
	TotalArchives int                           `json:"total_archives"`
	TotalSize     int64                         `json:"total_size"`
	Inventory     []TransferArtifact            `json:"inventory"`
}

// TransferRepository is the exported state of one repository version.
type TransferRepository struct {
	Version       int                 `json:"version"`
	Tags          []TransferTag       `json:"tags"`
	Signatures    []TransferSignature `json:"signatures,omitempty"`
	ArtifactCount int                 `json:"artifact_count"`
	TotalSize     int64               `json:"total_size"`
}

// TransferTag binds a tag to the manifest it pointed at on export.
type TransferTag struct {
	Name      string `json:"name"`
	Digest    string `json:"digest"`
	MediaType string `json:"media_type"`
}

// TransferSignature is a detached signature of an exported manifest.
type TransferSignature struct {
	Manifest string `json:"manifest"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Digest   string `json:"digest"`
	Size     int64  `json:"size"`
}

// ManifestArchive describes a single split archive in the export.
type ManifestArchive struct {
	Name   string   `json:"name"`
	Size   int64    `json:"size"`
	SHA256 string   `json:"sha256"`
	Files  []string `json:"files"`
}

// TransferArtifact is one stored file carried by the export.
type TransferArtifact struct {
	Digest string `json:"digest"`
	Size   int64  `json:"size"`
}
