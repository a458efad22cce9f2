// Package network provides clients for a distributed content-addressed
// network.
//
// IPFSClient speaks to an IPFS node through its HTTP RPC API (api mode) or
// reads through a public HTTP gateway (gateway mode). A gateway client is
// read-only: Add, Pin and Unpin fail with interfaces.ErrUnsupportedOperation.
//
// MemoryNetwork is an in-process implementation with deterministic CIDv1
// identifiers. It is used by tests and by the server when no IPFS endpoint is
// configured.
//
// Every call enforces the configured timeout. Expiry surfaces as
// interfaces.ErrNetworkTimeout, which callers can tell apart from
// interfaces.ErrNotFound.
package network
