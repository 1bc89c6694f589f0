package scansync

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// SessionState is a snapshot of the queue counts and sync session
// fields, the single source of truth consumed by status UIs.
type SessionState struct {
	QueueCount     int
	PendingCount   int
	FailedCount    int
	SyncInProgress bool
	LastSyncAt     *time.Time
	LastSyncError  string
	DBAvailable    bool
}

// QueueStore mirrors queue counts and sync session state in memory and
// delegates persistence to a Queue. Persistence-backed operations fail
// soft: when the backend is unavailable they degrade to empty/nil/false
// results and record the error, so callers above the engine never have
// to care whether local storage works on this device.
type QueueStore struct {
	queue Queue
	log   *logrus.Entry

	mu             sync.RWMutex
	queueCount     int
	pendingCount   int
	failedCount    int
	syncInProgress bool
	lastSyncAt     *time.Time
	lastSyncError  string
	dbAvailable    bool
}

// NewQueueStore wraps queue. Call CheckDBAvailability before the first
// persistence operation.
func NewQueueStore(queue Queue, log *logrus.Entry) *QueueStore {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &QueueStore{
		queue: queue,
		log:   log.WithField("component", "queue-store"),
	}
}

// Snapshot returns the current session state.
func (s *QueueStore) Snapshot() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SessionState{
		QueueCount:     s.queueCount,
		PendingCount:   s.pendingCount,
		FailedCount:    s.failedCount,
		SyncInProgress: s.syncInProgress,
		LastSyncAt:     s.lastSyncAt,
		LastSyncError:  s.lastSyncError,
		DBAvailable:    s.dbAvailable,
	}
}

// CheckDBAvailability probes the backend and records the result.
func (s *QueueStore) CheckDBAvailability() bool {
	available := s.queue != nil && s.queue.Available()
	s.mu.Lock()
	s.dbAvailable = available
	s.mu.Unlock()
	if !available {
		s.log.Warn("offline scan storage is not available")
	}
	return available
}

// DBAvailable reports the result of the last availability check.
func (s *QueueStore) DBAvailable() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dbAvailable
}

// RefreshQueueStats recomputes the queue counts from the backend.
// Errors are swallowed: stale counts beat a broken status display.
func (s *QueueStore) RefreshQueueStats(ctx context.Context) {
	if !s.DBAvailable() {
		return
	}
	stats, err := s.queue.Stats(ctx)
	if err != nil {
		s.log.WithError(err).Debug("refresh queue stats failed")
		return
	}
	s.mu.Lock()
	s.queueCount = stats.Total
	s.pendingCount = stats.Pending
	s.failedCount = stats.Failed
	s.mu.Unlock()
}

// AddScanToQueue persists a new pending scan and refreshes counts.
// Returns nil (and records the error) when the backend is unavailable
// or the insert fails.
func (s *QueueStore) AddScanToQueue(ctx context.Context, qrData string, metadata *ScanMetadata) (*QueuedScan, error) {
	if !s.DBAvailable() {
		err := ErrStorageUnavailable
		s.SetLastSyncError(err.Error())
		return nil, err
	}
	scan, err := s.queue.AddScan(ctx, qrData, metadata)
	if err != nil {
		s.log.WithError(err).Warn("could not queue scan")
		s.SetLastSyncError(err.Error())
		return nil, err
	}
	s.RefreshQueueStats(ctx)
	return scan, nil
}

// RemoveScanFromQueue deletes one scan. Missing scans and unavailable
// storage are not errors.
func (s *QueueStore) RemoveScanFromQueue(ctx context.Context, id string) {
	s.RemoveScansFromQueue(ctx, []string{id})
}

// RemoveScansFromQueue deletes the given scans and refreshes counts.
// A no-op when ids is empty or storage is unavailable.
func (s *QueueStore) RemoveScansFromQueue(ctx context.Context, ids []string) {
	if !s.DBAvailable() || len(ids) == 0 {
		return
	}
	if err := s.queue.DeleteScans(ctx, ids); err != nil {
		s.log.WithError(err).WithField("count", len(ids)).Warn("could not remove scans")
		return
	}
	s.RefreshQueueStats(ctx)
}

// CheckDuplicate reports whether an equivalent scan was queued within
// the window. Best effort: unavailable storage or a backend error
// reads as "not a duplicate" rather than blocking the capture.
func (s *QueueStore) CheckDuplicate(ctx context.Context, qrData string, window time.Duration) bool {
	if !s.DBAvailable() {
		return false
	}
	dup, err := s.queue.IsDuplicate(ctx, qrData, window)
	if err != nil {
		s.log.WithError(err).Debug("duplicate check failed")
		return false
	}
	return dup
}

// GetPendingScans lists pending scans. Empty when storage is
// unavailable; backend errors are passed through so top-level sync
// operations can propagate them.
func (s *QueueStore) GetPendingScans(ctx context.Context) ([]QueuedScan, error) {
	if !s.DBAvailable() {
		return nil, nil
	}
	return s.queue.PendingScans(ctx)
}

// GetFailedScans lists failed scans, with the same availability
// semantics as GetPendingScans.
func (s *QueueStore) GetFailedScans(ctx context.Context) ([]QueuedScan, error) {
	if !s.DBAvailable() {
		return nil, nil
	}
	return s.queue.FailedScans(ctx)
}

// UpdateScanStatus transitions a scan and refreshes counts. A no-op
// when storage is unavailable; persistence errors are logged, not
// surfaced, so one bad write cannot abort a whole batch.
func (s *QueueStore) UpdateScanStatus(ctx context.Context, id string, status ScanStatus, errMsg string) {
	if !s.DBAvailable() {
		return
	}
	if err := s.queue.UpdateStatus(ctx, id, status, errMsg); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"scan_id": id,
			"status":  status,
		}).Warn("could not update scan status")
		return
	}
	s.RefreshQueueStats(ctx)
}

// SetSyncInProgress records the observable sync flag. Display only;
// the engine's mutual exclusion does not rely on it.
func (s *QueueStore) SetSyncInProgress(inProgress bool) {
	s.mu.Lock()
	s.syncInProgress = inProgress
	s.mu.Unlock()
}

// SetLastSyncAt records the time of the last successful sync.
func (s *QueueStore) SetLastSyncAt(t time.Time) {
	s.mu.Lock()
	s.lastSyncAt = &t
	s.mu.Unlock()
}

// SetLastSyncError records the most recent sync error. Empty clears it.
func (s *QueueStore) SetLastSyncError(msg string) {
	s.mu.Lock()
	s.lastSyncError = msg
	s.mu.Unlock()
}

// Reset returns all session and count state to initial values.
func (s *QueueStore) Reset() {
	s.mu.Lock()
	s.queueCount = 0
	s.pendingCount = 0
	s.failedCount = 0
	s.syncInProgress = false
	s.lastSyncAt = nil
	s.lastSyncError = ""
	s.dbAvailable = false
	s.mu.Unlock()
}
