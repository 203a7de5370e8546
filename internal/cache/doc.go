// Package cache defines the durable storage behind every cache namespace.
// A namespace is a named key-value store scoped to the origin: the key is the
// request identity (method + URL) and the value is an immutable Response
// snapshot. Storage implementations are registered as drivers (memory, fs,
// sqlite, valkey) and must keep insertion order per namespace, since the
// runtime trimmer evicts oldest-first and that order is the only one the
// store guarantees. Handlers receive a Storage explicitly so tests can swap in
// the memory driver.
package cache
