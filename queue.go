package scansync

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// ErrScanNotFound is returned when a scan id does not exist in the queue.
var ErrScanNotFound = errors.New("scan not found")

// DefaultDuplicateWindow is the time window used by IsDuplicate when the
// caller passes zero.
const DefaultDuplicateWindow = 5 * time.Minute

// Queue abstracts durable local persistence of queued scans.
// Implementations must be safe for concurrent use.
type Queue interface {
	AddScan(ctx context.Context, qrData string, metadata *ScanMetadata) (*QueuedScan, error)
	GetScan(ctx context.Context, id string) (*QueuedScan, error)
	Stats(ctx context.Context) (QueueStats, error)
	PendingScans(ctx context.Context) ([]QueuedScan, error)
	FailedScans(ctx context.Context) ([]QueuedScan, error)
	UpdateStatus(ctx context.Context, id string, status ScanStatus, errMsg string) error
	ResetToPending(ctx context.Context, id string) error
	DeleteScan(ctx context.Context, id string) error
	DeleteScans(ctx context.Context, ids []string) error
	IsDuplicate(ctx context.Context, qrData string, window time.Duration) (bool, error)
	ExceedingRetries(ctx context.Context, maxRetries int) ([]QueuedScan, error)
	CleanupOldScans(ctx context.Context, maxAge time.Duration, maxRetries int) (int, error)
	ClearAll(ctx context.Context) error
	Available() bool
	Close() error
}

const scanQueueSchema = `
CREATE TABLE IF NOT EXISTS scan_queue (
	id              TEXT PRIMARY KEY,
	qr_data         TEXT NOT NULL,
	scanned_at      TIMESTAMP NOT NULL,
	status          TEXT NOT NULL,
	retry_count     INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT,
	last_attempt_at TIMESTAMP,
	metadata        TEXT
);
CREATE INDEX IF NOT EXISTS idx_scan_queue_status ON scan_queue(status);
CREATE INDEX IF NOT EXISTS idx_scan_queue_scanned_at ON scan_queue(scanned_at);
`

// SQLiteQueue is the reference Queue implementation backed by an
// embedded SQLite database, the local durable store that survives
// process restarts.
type SQLiteQueue struct {
	db *sql.DB
}

// NewSQLiteQueue opens (creating if necessary) the queue database at
// path and applies the schema. The parent directory is created when
// missing.
func NewSQLiteQueue(path string) (*SQLiteQueue, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create queue directory")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open queue database")
	}
	// SQLite allows a single writer; serialize access through one
	// connection instead of surfacing SQLITE_BUSY to callers.
	db.SetMaxOpenConns(1)

	q := &SQLiteQueue{db: db}
	if _, err := db.Exec(scanQueueSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "apply queue schema")
	}
	return q, nil
}

func (q *SQLiteQueue) Close() error { return q.db.Close() }

// Available reports whether the backing database can be used. The
// analog of the browser storage probe: a cheap round trip rather than
// a cached flag.
func (q *SQLiteQueue) Available() bool {
	if q == nil || q.db == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var one int
	return q.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one) == nil
}

func newScanID() string {
	return "scan_" + uuid.New().String()
}

func (q *SQLiteQueue) AddScan(ctx context.Context, qrData string, metadata *ScanMetadata) (*QueuedScan, error) {
	scan := &QueuedScan{
		ID:        newScanID(),
		QRData:    qrData,
		ScannedAt: time.Now().UTC(),
		Status:    StatusPending,
		Metadata:  metadata,
	}

	var metaJSON sql.NullString
	if metadata != nil {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return nil, errors.Wrap(err, "encode scan metadata")
		}
		metaJSON = sql.NullString{String: string(raw), Valid: true}
	}

	const query = `INSERT INTO scan_queue (id, qr_data, scanned_at, status, retry_count, metadata)
		VALUES (?, ?, ?, ?, 0, ?)`
	if _, err := q.db.ExecContext(ctx, query, scan.ID, scan.QRData, scan.ScannedAt, string(scan.Status), metaJSON); err != nil {
		return nil, errors.Wrap(err, "insert scan")
	}
	return scan, nil
}

func (q *SQLiteQueue) GetScan(ctx context.Context, id string) (*QueuedScan, error) {
	const query = `SELECT id, qr_data, scanned_at, status, retry_count, last_error, last_attempt_at, metadata
		FROM scan_queue WHERE id = ?`
	scan, err := scanRow(q.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrScanNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get scan")
	}
	return scan, nil
}

func (q *SQLiteQueue) Stats(ctx context.Context) (QueueStats, error) {
	const query = `SELECT
		COUNT(*),
		COALESCE(SUM(status = 'pending'), 0),
		COALESCE(SUM(status = 'syncing'), 0),
		COALESCE(SUM(status = 'failed'), 0),
		MIN(scanned_at)
		FROM scan_queue`

	var stats QueueStats
	var oldest sql.NullTime
	row := q.db.QueryRowContext(ctx, query)
	if err := row.Scan(&stats.Total, &stats.Pending, &stats.Syncing, &stats.Failed, &oldest); err != nil {
		return QueueStats{}, errors.Wrap(err, "queue stats")
	}
	if oldest.Valid {
		t := oldest.Time
		stats.OldestScanAt = &t
	}
	return stats, nil
}

func (q *SQLiteQueue) PendingScans(ctx context.Context) ([]QueuedScan, error) {
	return q.scansByStatus(ctx, StatusPending)
}

func (q *SQLiteQueue) FailedScans(ctx context.Context) ([]QueuedScan, error) {
	return q.scansByStatus(ctx, StatusFailed)
}

func (q *SQLiteQueue) scansByStatus(ctx context.Context, status ScanStatus) ([]QueuedScan, error) {
	const query = `SELECT id, qr_data, scanned_at, status, retry_count, last_error, last_attempt_at, metadata
		FROM scan_queue WHERE status = ? ORDER BY scanned_at`
	rows, err := q.db.QueryContext(ctx, query, string(status))
	if err != nil {
		return nil, errors.Wrapf(err, "list %s scans", status)
	}
	defer rows.Close()

	var scans []QueuedScan
	for rows.Next() {
		scan, err := scanRows(rows)
		if err != nil {
			return nil, errors.Wrap(err, "decode scan row")
		}
		scans = append(scans, *scan)
	}
	return scans, rows.Err()
}

// UpdateStatus transitions a scan and records the attempt time.
// retry_count increments only on transition to failed; an empty errMsg
// clears last_error.
func (q *SQLiteQueue) UpdateStatus(ctx context.Context, id string, status ScanStatus, errMsg string) error {
	const query = `UPDATE scan_queue SET
		status = ?,
		last_error = NULLIF(?, ''),
		last_attempt_at = ?,
		retry_count = retry_count + (? = 'failed')
		WHERE id = ?`
	res, err := q.db.ExecContext(ctx, query, string(status), errMsg, time.Now().UTC(), string(status), id)
	if err != nil {
		return errors.Wrap(err, "update scan status")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrScanNotFound
	}
	return nil
}

// ResetToPending returns a failed scan to the pending set, clearing its
// last error. retry_count is deliberately preserved so the next failure
// keeps counting toward the retry limit.
func (q *SQLiteQueue) ResetToPending(ctx context.Context, id string) error {
	return q.UpdateStatus(ctx, id, StatusPending, "")
}

func (q *SQLiteQueue) DeleteScan(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM scan_queue WHERE id = ?`, id)
	return errors.Wrap(err, "delete scan")
}

// DeleteScans removes the given ids in a single transaction.
func (q *SQLiteQueue) DeleteScans(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin delete")
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM scan_queue WHERE id = ?`, id); err != nil {
			tx.Rollback()
			return errors.Wrap(err, "delete scans")
		}
	}
	return errors.Wrap(tx.Commit(), "commit delete")
}

func (q *SQLiteQueue) IsDuplicate(ctx context.Context, qrData string, window time.Duration) (bool, error) {
	if window <= 0 {
		window = DefaultDuplicateWindow
	}
	cutoff := time.Now().UTC().Add(-window)
	const query = `SELECT EXISTS(SELECT 1 FROM scan_queue WHERE qr_data = ? AND scanned_at > ?)`
	var dup bool
	if err := q.db.QueryRowContext(ctx, query, qrData, cutoff).Scan(&dup); err != nil {
		return false, errors.Wrap(err, "duplicate check")
	}
	return dup, nil
}

// ExceedingRetries returns failed scans no longer eligible for
// automatic retry.
func (q *SQLiteQueue) ExceedingRetries(ctx context.Context, maxRetries int) ([]QueuedScan, error) {
	const query = `SELECT id, qr_data, scanned_at, status, retry_count, last_error, last_attempt_at, metadata
		FROM scan_queue WHERE status = 'failed' AND retry_count >= ? ORDER BY scanned_at`
	rows, err := q.db.QueryContext(ctx, query, maxRetries)
	if err != nil {
		return nil, errors.Wrap(err, "list exhausted scans")
	}
	defer rows.Close()

	var scans []QueuedScan
	for rows.Next() {
		scan, err := scanRows(rows)
		if err != nil {
			return nil, errors.Wrap(err, "decode scan row")
		}
		scans = append(scans, *scan)
	}
	return scans, rows.Err()
}

// CleanupOldScans removes permanently failed scans older than maxAge
// and pending scans older than 7x maxAge (stale captures whose data is
// unlikely to still be valid). Returns the number of deleted rows.
func (q *SQLiteQueue) CleanupOldScans(ctx context.Context, maxAge time.Duration, maxRetries int) (int, error) {
	now := time.Now().UTC()
	const query = `DELETE FROM scan_queue WHERE
		(status = 'failed' AND retry_count >= ? AND scanned_at < ?)
		OR (status = 'pending' AND scanned_at < ?)`
	res, err := q.db.ExecContext(ctx, query, maxRetries, now.Add(-maxAge), now.Add(-7*maxAge))
	if err != nil {
		return 0, errors.Wrap(err, "cleanup old scans")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "cleanup rows affected")
	}
	return int(n), nil
}

func (q *SQLiteQueue) ClearAll(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM scan_queue`)
	return errors.Wrap(err, "clear queue")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRow(row *sql.Row) (*QueuedScan, error) { return decodeScan(row) }

func scanRows(rows *sql.Rows) (*QueuedScan, error) { return decodeScan(rows) }

func decodeScan(r rowScanner) (*QueuedScan, error) {
	scan := QueuedScan{}
	var status string
	var lastError, metaJSON sql.NullString
	var lastAttempt sql.NullTime
	if err := r.Scan(&scan.ID, &scan.QRData, &scan.ScannedAt, &status, &scan.RetryCount, &lastError, &lastAttempt, &metaJSON); err != nil {
		return nil, err
	}
	scan.Status = ScanStatus(status)
	if lastError.Valid {
		scan.LastError = lastError.String
	}
	if lastAttempt.Valid {
		t := lastAttempt.Time
		scan.LastAttemptAt = &t
	}
	if metaJSON.Valid && metaJSON.String != "" {
		meta := ScanMetadata{}
		if err := json.Unmarshal([]byte(metaJSON.String), &meta); err != nil {
			return nil, errors.Wrap(err, "decode scan metadata")
		}
		scan.Metadata = &meta
	}
	return &scan, nil
}
