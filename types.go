package scansync

import "time"

// ScanStatus represents the sync lifecycle state of a queued scan.
// Valid values: pending, syncing, failed. A scan that synced
// successfully is deleted from the queue rather than given a
// terminal status.
type ScanStatus string

const (
	StatusPending ScanStatus = "pending"
	StatusSyncing ScanStatus = "syncing"
	StatusFailed  ScanStatus = "failed"
)

// ScanMetadata carries optional context captured alongside a scan.
// It is opaque to the sync engine and stored as JSON.
type ScanMetadata struct {
	KumbaraID  string `json:"kumbara_id,omitempty"`
	UserID     string `json:"user_id,omitempty"`
	DeviceInfo string `json:"device_info,omitempty"`
}

// QueuedScan is the persisted representation of one offline-captured
// QR scan awaiting submission to the server.
type QueuedScan struct {
	ID            string
	QRData        string
	ScannedAt     time.Time
	Status        ScanStatus
	RetryCount    int
	LastError     string
	LastAttemptAt *time.Time
	Metadata      *ScanMetadata
}

// QueueStats aggregates queue counts by status.
type QueueStats struct {
	Total        int
	Pending      int
	Syncing      int
	Failed       int
	OldestScanAt *time.Time
}

// SyncResult is the outcome of a single scan submission attempt.
type SyncResult struct {
	ScanID  string
	Success bool
	Error   string
}

// BatchSyncResult is the outcome of a batch sync operation. Results
// preserves the input scan order.
type BatchSyncResult struct {
	Total      int
	Successful int
	Failed     int
	Results    []SyncResult
}
