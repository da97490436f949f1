// Package store defines the domain types and persistence interfaces for the
// control plane (run bookkeeping, the dedup ledger, and log events).
// Implementations live in other packages; this package must not import
// database drivers or concrete clients.
package store
