// ABOUTME: Package documentation for the bridge package
// ABOUTME: Describes the process manager and its concurrency model

// Package bridge owns the tool-server subprocesses. The Manager keeps at
// most one live Process per catalog slug, spawning lazily on first use and
// performing the initialize handshake before marking a process ready.
//
// Each Process has exactly one reader goroutine over the subprocess's
// stdout; it frames newline-delimited JSON-RPC messages and resolves them
// against the pending-call table. Writes to stdin are serialized. Callers
// of Call suspend until their correlation id resolves, their timeout
// fires, or the process dies, whichever happens first; a timed-out id is
// evicted so a late response is silently discarded.
//
// Idle processes are reclaimed by a periodic sweep, and Shutdown
// terminates everything in parallel with a SIGTERM, grace window, SIGKILL
// escalation. A process crash fails every pending call on that process;
// the next call for the slug triggers a fresh spawn.
package bridge
