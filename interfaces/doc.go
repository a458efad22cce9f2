// Package interfaces defines core interfaces and types for the content
// synchronization layer, separating interface definitions from implementations.
//
// # Storage Interfaces
//
// KVStore: durable opaque path to bytes medium used as the local write-through
// cache (memory, file, LevelDB, S3, Vault).
//
// Storage: the uniform write/read/exists/delete/list interface implemented by
// storage providers and consumed by the migration engine and the HTTP API.
//
// # Network Interfaces
//
// ContentNetwork: add/get/pin/unpin/health-check against a content-addressed
// network, fixed at construction to either the full API mode or the
// read-only gateway mode.
//
// # Data Types
//
//   - AddressMapping: path, content identifier and content hash of replicated content
//   - MappingSnapshot: the {version, mappings} envelope used for persistence and export
//   - QueueItem / QueueStatus: background upload state
//   - MigrationProgress: the record of a bulk migration run
//
// # Errors
//
// All failures are reported through sentinel errors wrapped with %w, so callers
// match them with errors.Is:
//
//	data, err := provider.Read(ctx, "docs/readme.md")
//	if errors.Is(err, interfaces.ErrNotFound) {
//	    // neither cached nor mapped
//	}
package interfaces
