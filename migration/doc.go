// Package migration copies content between two storages that implement
// interfaces.Storage, typically two storage providers backed by different
// key-value media.
//
// Items are copied in sequential batches; the items of one batch run
// concurrently. A failing item is recorded in the run's progress and never
// aborts the run. Cancellation takes effect between batches.
package migration
