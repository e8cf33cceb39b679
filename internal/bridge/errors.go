// ABOUTME: Sentinel errors for the process bridge
// ABOUTME: Gateways translate these into HTTP status codes and JSON-RPC errors

package bridge

import "errors"

var (
	// ErrCallTimeout indicates no correlated response arrived within the
	// call timeout. Safe to retry at the bridge layer.
	ErrCallTimeout = errors.New("call timed out")

	// ErrProcessExited indicates the server subprocess exited (crash,
	// reclaim, or shutdown) before the call completed. A subsequent call
	// triggers a fresh spawn.
	ErrProcessExited = errors.New("server process exited")

	// ErrProtocol indicates a malformed frame or a rejected handshake.
	ErrProtocol = errors.New("protocol error")

	// ErrTooManyProcesses indicates the configured process cap was hit.
	ErrTooManyProcesses = errors.New("too many server processes")

	// ErrShuttingDown indicates the manager is no longer accepting work.
	ErrShuttingDown = errors.New("bridge shutting down")
)
