// Package scansync synchronizes offline-captured kumbara QR scans with
// the association backend. Scans recorded while the device has no
// connectivity are persisted in a local SQLite queue and submitted later,
// in concurrency-bounded batches with exponential-backoff retries and
// automatic sync when the connection is restored.
//
// Quick start:
//  1. Open the durable queue with NewSQLiteQueue(path).
//  2. Wrap it in a QueueStore with NewQueueStore.
//  3. Build a Monitor (network probing) and an APISubmitter.
//  4. Create the Engine with NewEngine and call Start for auto-sync,
//     or drive it manually through SyncNow, RetryFailed and SyncScan.
package scansync
