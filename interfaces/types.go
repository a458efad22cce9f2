package interfaces

import (
	"errors"
	"time"
)

var (
	// ErrSameProvider is returned when a migration source and target are the same provider.
	ErrSameProvider = errors.New("source and target are the same provider")

	// ErrMigrationInProgress is returned when a migration is requested while another one holds the lease.
	ErrMigrationInProgress = errors.New("migration already in progress")
)

// AddressMapping links a logical path to the content identifier assigned by
// the content network and to the local content fingerprint.
type AddressMapping struct {
	ContentID   string    `json:"contentId"`
	Path        string    `json:"path"`
	ContentHash string    `json:"contentHash"`
	Size        int64     `json:"size"`
	MimeType    string    `json:"mimeType"`
	Pinned      bool      `json:"pinned"`
	CreatedAt   time.Time `json:"createdAt"`
}

// MappingSnapshotVersion is the envelope version written by exports.
const MappingSnapshotVersion = 1

// MappingSnapshot is the persisted and exported mapping envelope.
type MappingSnapshot struct {
	Version  int              `json:"version"`
	Mappings []AddressMapping `json:"mappings"`
}

// MappingStats aggregates the registry contents.
type MappingStats struct {
	Count       int       `json:"count"`
	TotalBytes  int64     `json:"totalBytes"`
	PinnedCount int       `json:"pinnedCount"`
	Oldest      time.Time `json:"oldest,omitempty"`
	Newest      time.Time `json:"newest,omitempty"`
}

// QueueState is the lifecycle state of a queued upload.
type QueueState string

const (
	StatePending   QueueState = "pending"
	StateUploading QueueState = "uploading"
	StateCompleted QueueState = "completed"
	StateFailed    QueueState = "failed"
)

// QueueItem is a single background upload.
type QueueItem struct {
	ID         string     `json:"id"`
	Path       string     `json:"path"`
	Payload    []byte     `json:"-"`
	Size       int64      `json:"size"`
	State      QueueState `json:"state"`
	Progress   int        `json:"progress"`
	ContentID  string     `json:"contentId,omitempty"`
	Error      string     `json:"error,omitempty"`
	EnqueuedAt time.Time  `json:"enqueuedAt"`
}

// QueueStatus counts queue items per state.
type QueueStatus struct {
	Pending   int `json:"pending"`
	Uploading int `json:"uploading"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// ProgressUpdate reports the progress of one queue item.
type ProgressUpdate struct {
	ID       string     `json:"id"`
	Path     string     `json:"path"`
	State    QueueState `json:"state"`
	Progress int        `json:"progress"`
}

// MigrationStatus is the phase of a migration run.
type MigrationStatus string

const (
	MigrationIdle      MigrationStatus = "idle"
	MigrationPreparing MigrationStatus = "preparing"
	MigrationMigrating MigrationStatus = "migrating"
	MigrationCompleted MigrationStatus = "completed"
	MigrationFailed    MigrationStatus = "failed"
)

// MigrationError records a per-item migration failure.
type MigrationError struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// MigrationProgress is the mutable record of one migration run.
type MigrationProgress struct {
	TotalItems      int              `json:"totalItems"`
	ProcessedItems  int              `json:"processedItems"`
	SuccessfulItems int              `json:"successfulItems"`
	FailedItems     int              `json:"failedItems"`
	Status          MigrationStatus  `json:"status"`
	Errors          []MigrationError `json:"errors"`
}
