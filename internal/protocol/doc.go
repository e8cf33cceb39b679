// Package protocol defines the newline-delimited JSON-RPC 2.0 frames spoken
// with tool server subprocesses over their standard streams, plus the MCP
// method shapes (initialize, tools/list, tools/call) the bridge interprets.
package protocol
