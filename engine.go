package scansync

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrStorageUnavailable is returned by the top-level sync operations
// when the durable queue backend cannot be used. Storage-level
// operations fail soft; the orchestration boundary fails fast.
var ErrStorageUnavailable = errors.New("offline storage unavailable")

// errAborted signals that a cancelable delay was interrupted by
// engine teardown.
var errAborted = errors.New("sync aborted")

// Defaults for Options fields left at their zero value.
const (
	DefaultMaxRetries       = 3
	DefaultBaseRetryDelay   = time.Second
	DefaultMaxConcurrent    = 3
	DefaultAutoSyncDebounce = 2 * time.Second
	DefaultInterBatchDelay  = 100 * time.Millisecond
)

const (
	maxBackoffDelay  = 30 * time.Second
	backoffJitterMax = 500 * time.Millisecond
)

// Options tunes the sync engine. The zero value gives auto-sync on
// reconnect, three retries, one second base backoff and batches of
// three concurrent submissions.
type Options struct {
	// DisableAutoSync turns off syncing on reconnect.
	DisableAutoSync bool
	// MaxRetries is the failure count after which a scan is excluded
	// from automatic retry.
	MaxRetries int
	// BaseRetryDelay seeds the exponential backoff before a retry pass.
	BaseRetryDelay time.Duration
	// MaxConcurrent bounds concurrent submissions within a batch.
	MaxConcurrent int
	// AutoSyncDebounce delays the reconnect-triggered sync to ride out
	// connection flapping.
	AutoSyncDebounce time.Duration
	// InterBatchDelay spaces out batches so a large queue does not
	// hammer the server.
	InterBatchDelay time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.BaseRetryDelay <= 0 {
		o.BaseRetryDelay = DefaultBaseRetryDelay
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = DefaultMaxConcurrent
	}
	if o.AutoSyncDebounce <= 0 {
		o.AutoSyncDebounce = DefaultAutoSyncDebounce
	}
	if o.InterBatchDelay <= 0 {
		o.InterBatchDelay = DefaultInterBatchDelay
	}
	return o
}

// EngineConfig wires the engine's collaborators. Store, Queue,
// Submitter and Network are required; Notifier defaults to logging and
// Invalidator to a no-op.
type EngineConfig struct {
	Store       *QueueStore
	Queue       Queue
	Submitter   Submitter
	Network     NetworkMonitor
	Notifier    Notifier
	Invalidator Invalidator
	Logger      *logrus.Entry
	Options     Options
}

// Engine drives synchronization of queued scans to the server:
// concurrency-bounded batches, exponential-backoff retries and
// auto-sync when the connection comes back.
type Engine struct {
	store       *QueueStore
	queue       Queue
	submitter   Submitter
	network     NetworkMonitor
	notifier    Notifier
	invalidator Invalidator
	opts        Options
	log         *logrus.Entry

	// syncing is the synchronous mutual-exclusion guard. The store's
	// SyncInProgress flag is display state only; racing triggers
	// (manual sync, reconnect) are fenced here.
	syncing atomic.Bool

	stop            chan struct{}
	stopOnce        sync.Once
	cancelReconnect func()
}

// NewEngine validates the wiring and builds an Engine. Call Start to
// enable auto-sync on reconnect, and Close on teardown.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("engine: nil queue store")
	}
	if cfg.Queue == nil {
		return nil, errors.New("engine: nil queue")
	}
	if cfg.Submitter == nil {
		return nil, errors.New("engine: nil submitter")
	}
	if cfg.Network == nil {
		return nil, errors.New("engine: nil network monitor")
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = NewLogNotifier(log)
	}
	invalidator := cfg.Invalidator
	if invalidator == nil {
		invalidator = NopInvalidator{}
	}
	return &Engine{
		store:       cfg.Store,
		queue:       cfg.Queue,
		submitter:   cfg.Submitter,
		network:     cfg.Network,
		notifier:    notifier,
		invalidator: invalidator,
		opts:        cfg.Options.withDefaults(),
		log:         log.WithField("component", "sync-engine"),
		stop:        make(chan struct{}),
	}, nil
}

// Start checks storage availability, primes the queue counts and
// subscribes to reconnect events.
func (e *Engine) Start(ctx context.Context) {
	e.store.CheckDBAvailability()
	if e.store.DBAvailable() {
		e.store.RefreshQueueStats(ctx)
	}
	e.cancelReconnect = e.network.OnReconnect(func() {
		e.handleReconnect(context.Background())
	}, ReconnectOptions{
		Debounce: e.opts.AutoSyncDebounce,
		Enabled:  !e.opts.DisableAutoSync && e.store.DBAvailable(),
	})
}

// Close unsubscribes from reconnect events and aborts any pending
// backoff or inter-batch delay. Already-committed status changes are
// not rolled back.
func (e *Engine) Close() {
	e.stopOnce.Do(func() { close(e.stop) })
	if e.cancelReconnect != nil {
		e.cancelReconnect()
	}
}

// State is the engine surface consumed by status UIs.
type State struct {
	IsSyncing     bool
	IsOnline      bool
	PendingCount  int
	FailedCount   int
	LastSyncAt    *time.Time
	LastSyncError string
	DBAvailable   bool
}

// State snapshots the current sync state.
func (e *Engine) State() State {
	snap := e.store.Snapshot()
	return State{
		IsSyncing:     snap.SyncInProgress || e.syncing.Load(),
		IsOnline:      e.network.Online(),
		PendingCount:  snap.PendingCount,
		FailedCount:   snap.FailedCount,
		LastSyncAt:    snap.LastSyncAt,
		LastSyncError: snap.LastSyncError,
		DBAvailable:   snap.DBAvailable,
	}
}

// SyncNow submits all pending scans in concurrency-bounded batches.
// Returns an empty result without side effects when a sync is already
// in flight, and ErrStorageUnavailable when the local queue cannot be
// used.
func (e *Engine) SyncNow(ctx context.Context) (BatchSyncResult, error) {
	if !e.store.DBAvailable() {
		e.store.SetLastSyncError(ErrStorageUnavailable.Error())
		e.notifier.Error(ErrStorageUnavailable.Error())
		return BatchSyncResult{}, ErrStorageUnavailable
	}
	if !e.syncing.CompareAndSwap(false, true) {
		return BatchSyncResult{}, nil
	}
	e.store.SetSyncInProgress(true)
	e.store.SetLastSyncError("")
	defer func() {
		e.syncing.Store(false)
		e.store.SetSyncInProgress(false)
		e.store.RefreshQueueStats(ctx)
	}()

	pending, err := e.store.GetPendingScans(ctx)
	if err != nil {
		return BatchSyncResult{}, e.fail(errors.Wrap(err, "load pending scans"))
	}
	if len(pending) == 0 {
		return BatchSyncResult{}, nil
	}

	e.log.WithField("pending", len(pending)).Info("sync started")
	result := e.processBatch(ctx, pending)
	if result.Successful > 0 {
		e.store.SetLastSyncAt(time.Now())
	}
	e.reportBatch(ctx, result, false)
	return result, nil
}

// RetryFailed resets retriable failed scans to pending, waits out an
// exponential backoff computed from the most-retried scan in the
// batch, and runs the regular batch path over the pending set.
func (e *Engine) RetryFailed(ctx context.Context) (BatchSyncResult, error) {
	if !e.store.DBAvailable() {
		e.store.SetLastSyncError(ErrStorageUnavailable.Error())
		e.notifier.Error(ErrStorageUnavailable.Error())
		return BatchSyncResult{}, ErrStorageUnavailable
	}
	if !e.syncing.CompareAndSwap(false, true) {
		return BatchSyncResult{}, nil
	}
	e.store.SetSyncInProgress(true)
	e.store.SetLastSyncError("")
	defer func() {
		e.syncing.Store(false)
		e.store.SetSyncInProgress(false)
		e.store.RefreshQueueStats(ctx)
	}()

	failed, err := e.store.GetFailedScans(ctx)
	if err != nil {
		return BatchSyncResult{}, e.fail(errors.Wrap(err, "load failed scans"))
	}

	retriable := failed[:0:0]
	maxRetryCount := 0
	for _, scan := range failed {
		if scan.RetryCount < e.opts.MaxRetries {
			retriable = append(retriable, scan)
			if scan.RetryCount > maxRetryCount {
				maxRetryCount = scan.RetryCount
			}
		}
	}
	if len(retriable) == 0 {
		if len(failed) > 0 {
			e.notifier.Info(fmt.Sprintf("%d scans reached the retry limit", len(failed)))
		}
		return BatchSyncResult{}, nil
	}

	for _, scan := range retriable {
		if err := e.queue.ResetToPending(ctx, scan.ID); err != nil {
			return BatchSyncResult{}, e.fail(errors.Wrap(err, "reset scan for retry"))
		}
	}

	delay := backoffDelay(maxRetryCount, e.opts.BaseRetryDelay)
	e.log.WithFields(logrus.Fields{
		"retriable": len(retriable),
		"backoff":   delay,
	}).Info("retrying failed scans")
	if err := e.sleep(ctx, delay); err != nil {
		return BatchSyncResult{}, nil
	}

	pending, err := e.store.GetPendingScans(ctx)
	if err != nil {
		return BatchSyncResult{}, e.fail(errors.Wrap(err, "load pending scans"))
	}
	result := e.processBatch(ctx, pending)
	if result.Successful > 0 {
		e.store.SetLastSyncAt(time.Now())
	}
	e.reportBatch(ctx, result, true)
	return result, nil
}

// SyncScan submits exactly one scan, looked up by id from the durable
// queue. On success the scan is removed and LastSyncAt updated.
func (e *Engine) SyncScan(ctx context.Context, id string) (SyncResult, error) {
	if !e.store.DBAvailable() {
		e.notifier.Error(ErrStorageUnavailable.Error())
		return SyncResult{}, ErrStorageUnavailable
	}
	scan, err := e.queue.GetScan(ctx, id)
	if err != nil {
		e.notifier.Error(err.Error())
		return SyncResult{}, err
	}
	defer e.store.RefreshQueueStats(ctx)

	result := e.syncSingle(ctx, scan)
	if result.Success {
		e.store.RemoveScansFromQueue(ctx, []string{id})
		e.store.SetLastSyncAt(time.Now())
		e.invalidator.Invalidate(ctx, CacheKeyKumbaras, CacheKeyDonations)
		e.notifier.Success("scan synced")
		return result, nil
	}
	msg := result.Error
	if msg == "" {
		msg = "scan could not be synced"
	}
	e.notifier.Error(msg)
	return result, nil
}

// syncSingle attempts one submission: pending -> syncing -> success or
// failed. Removal of successful scans is the caller's job, so a batch
// can delete them in one transaction.
func (e *Engine) syncSingle(ctx context.Context, scan *QueuedScan) SyncResult {
	result := SyncResult{ScanID: scan.ID}

	e.store.UpdateScanStatus(ctx, scan.ID, StatusSyncing, "")

	err := e.submit(ctx, scan)
	if err == nil {
		result.Success = true
		return result
	}

	msg := err.Error()
	if msg == "" {
		msg = "unknown sync error"
	}
	if scan.RetryCount >= e.opts.MaxRetries {
		msg = fmt.Sprintf("retry limit reached: %s", msg)
	}
	result.Error = msg
	e.store.UpdateScanStatus(ctx, scan.ID, StatusFailed, msg)
	return result
}

func (e *Engine) submit(ctx context.Context, scan *QueuedScan) error {
	if !e.network.Online() {
		return errors.New("no network connection")
	}
	return e.submitter.Submit(ctx, scan)
}

// processBatch runs scans through syncSingle in fixed-size concurrent
// batches, re-checking connectivity before each batch. Scans never
// attempted because the connection dropped are reported failed for
// this pass without a persisted status change.
func (e *Engine) processBatch(ctx context.Context, scans []QueuedScan) BatchSyncResult {
	results := make([]SyncResult, 0, len(scans))
	var successful, failed int

	for i := 0; i < len(scans); i += e.opts.MaxConcurrent {
		if !e.network.Online() {
			for _, scan := range scans[i:] {
				results = append(results, SyncResult{ScanID: scan.ID, Error: "connection lost"})
				failed++
			}
			break
		}

		end := i + e.opts.MaxConcurrent
		if end > len(scans) {
			end = len(scans)
		}
		batch := scans[i:end]

		// Submit the whole batch concurrently; the indexed slice keeps
		// result order aligned with input order.
		batchResults := make([]SyncResult, len(batch))
		var wg sync.WaitGroup
		for j := range batch {
			wg.Add(1)
			go func(j int) {
				defer wg.Done()
				batchResults[j] = e.syncSingle(ctx, &batch[j])
			}(j)
		}
		wg.Wait()

		for _, r := range batchResults {
			results = append(results, r)
			if r.Success {
				successful++
			} else {
				failed++
			}
		}

		if end < len(scans) {
			if err := e.sleep(ctx, e.opts.InterBatchDelay); err != nil {
				break
			}
		}
	}

	var syncedIDs []string
	for _, r := range results {
		if r.Success {
			syncedIDs = append(syncedIDs, r.ScanID)
		}
	}
	if len(syncedIDs) > 0 {
		e.store.RemoveScansFromQueue(ctx, syncedIDs)
	}

	return BatchSyncResult{
		Total:      len(scans),
		Successful: successful,
		Failed:     failed,
		Results:    results,
	}
}

// reportBatch emits the aggregate notice and invalidates downstream
// read caches. Nothing fires for an empty pass.
func (e *Engine) reportBatch(ctx context.Context, result BatchSyncResult, retry bool) {
	if result.Total == 0 {
		return
	}
	if result.Successful > 0 {
		e.invalidator.Invalidate(ctx, CacheKeyKumbaras, CacheKeyDonations, CacheKeyDashboardStats)
	}

	switch {
	case result.Failed == 0:
		if retry {
			e.notifier.Success(fmt.Sprintf("%d scans retried and synced", result.Successful))
		} else {
			e.notifier.Success(fmt.Sprintf("%d scans synced", result.Successful))
		}
	case result.Successful > 0:
		if retry {
			e.notifier.Warning(fmt.Sprintf("%d scans synced, %d still failing", result.Successful, result.Failed))
		} else {
			e.notifier.Warning(fmt.Sprintf("%d scans synced, %d failed", result.Successful, result.Failed))
		}
	default:
		if !retry {
			e.notifier.Error("no scans could be synced")
		}
	}
}

// handleReconnect is the debounced reconnect callback: skip when
// auto-sync is off, storage is unusable or a sync is already running;
// otherwise announce and kick off a background sync when anything is
// pending.
func (e *Engine) handleReconnect(ctx context.Context) {
	if e.opts.DisableAutoSync || !e.store.DBAvailable() || e.syncing.Load() {
		return
	}
	pending, err := e.store.GetPendingScans(ctx)
	if err != nil || len(pending) == 0 {
		return
	}
	e.notifier.Info("connection restored, syncing queued scans")
	go func() {
		if _, err := e.SyncNow(ctx); err != nil {
			e.log.WithError(err).Warn("auto-sync after reconnect failed")
		}
	}()
}

func (e *Engine) fail(err error) error {
	e.store.SetLastSyncError(err.Error())
	e.notifier.Error(err.Error())
	return err
}

// sleep waits for d unless the call context is canceled or the engine
// is closed.
func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stop:
		return errAborted
	}
}

// backoffDelay computes min(base * 2^retryCount + jitter, 30s) with
// jitter uniform in [0, 500ms). One delay covers the whole retry
// batch, scaled by its most-retried scan.
func backoffDelay(retryCount int, base time.Duration) time.Duration {
	if base <= 0 {
		base = DefaultBaseRetryDelay
	}
	if retryCount > 16 {
		retryCount = 16
	}
	delay := base << uint(retryCount)
	delay += time.Duration(rand.Int63n(int64(backoffJitterMax)))
	if delay > maxBackoffDelay {
		return maxBackoffDelay
	}
	return delay
}
