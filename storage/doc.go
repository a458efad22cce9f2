// Package storage provides the key-value media used as the local write-through
// cache of a storage provider.
//
// Every medium implements interfaces.KVStore: write, read, exists, delete
// (idempotent) and list over opaque path strings. Once a store is closed, or
// its medium becomes unreachable, operations fail with
// interfaces.ErrStorageUnavailable until a new store is constructed.
//
//   - MemoryStore: process-local map, for tests and ephemeral caches
//   - FileStore: one file per path in a directory, written via temp file and rename
//   - LevelDBStore: a LevelDB database directory
//   - S3Store: objects in an S3 or S3-compatible bucket below a prefix
//   - VaultStore: secrets in a HashiCorp Vault KV v2 mount
//
// # Store URI Format
//
// Stores are created from URIs by StoreFactory:
//
//	[scheme]://[auth@]host[:port][/path][?params]
//
// Supported URI schemes:
//
//   - mem://cache
//   - file:///var/lib/content-sync/cache
//   - leveldb:///var/lib/content-sync/index
//   - s3://bucket-name/prefix/?region=us-west-2
//   - vault://vault.example.com:8200/secret/content-sync
//
// # Usage Example
//
//	factory := storage.NewStoreFactory(logger)
//	cache, err := factory.StoreForURI("leveldb:///var/lib/content-sync/cache")
//	if err != nil {
//	    log.Fatalf("Failed to open cache: %v", err)
//	}
//	defer cache.Close()
package storage
