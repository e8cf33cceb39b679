// ABOUTME: Package documentation for the store package
// ABOUTME: Describes the SQLite-backed event ledger

// Package store provides the persistent event ledger for thebridge.
//
// Every significant lifecycle transition of a managed server process is
// recorded as an Event: spawns, handshakes, call outcomes, crashes, idle
// reclamations and shutdowns. The ledger is append-only from the bridge's
// point of view and is queried through the HTTP API for diagnostics.
//
// The implementation uses modernc.org/sqlite (a pure-Go driver, no cgo)
// with WAL journaling so readers never block the writer.
package store
