// Package batch splits work into fixed-size batches and drives them in order.
//
// A batch must finish before the next one starts, so a failure or a
// cancellation always leaves a clean boundary behind it. Key features:
//   - Configurable batch size (default 100 items per batch)
//   - Stop-on-error or continue-on-error policy per processor
//   - Cancellation checked before every batch, never inside one
//   - Thread-safe throughput tracking with snapshots for progress reporting
//   - MapConcurrent for bounded item-level parallelism inside a batch
package batch
