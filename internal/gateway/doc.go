// ABOUTME: Package documentation for the gateway package
// ABOUTME: Describes the HTTP surface and orchestrator lifecycle

// Package gateway exposes the process bridge over HTTP. POST /rpc/{slug}
// forwards one correlated JSON-RPC call (with a batch variant that
// resolves every call independently), GET /sse/{slug} opens a streaming
// session fed by server notifications and liveness pings, and GET
// /health, /servers, and /events provide read-only introspection.
//
// The Gateway owns the listeners (plain TCP or a Tailscale tsnet node),
// the process manager's sweeper, and graceful shutdown ordering: HTTP
// drains first, then every server process is terminated.
package gateway
