// Command syncd serves a storage provider over HTTP.
//
// Writes land in the local cache and are replicated to the content network by
// a background queue. Reads fall back to the network through the address
// mapping registry, so content survives the loss of the cache. When a
// secondary provider is configured, its contents can be migrated into the
// primary one through the /api/migration endpoints.
//
// Example usage:
//
//	syncd --config /etc/content-sync/config.yaml --log-json
//
// The listen, metrics and drain flags override the matching config entries.
package main
