// ABOUTME: HTTP API handlers for synchronous RPC, catalog listing, health and events
// ABOUTME: Translates bridge errors into HTTP status codes and JSON-RPC error objects

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/tunacasserole/thebridge-sub004/internal/bridge"
	"github.com/tunacasserole/thebridge-sub004/internal/protocol"
	"github.com/tunacasserole/thebridge-sub004/internal/store"
)

// Implementation-defined JSON-RPC error codes for bridge-level failures,
// in the server error range reserved by the JSON-RPC 2.0 spec.
const (
	codeCallTimeout  = -32001
	codeProcessError = -32002
)

// rpcRequest is the body of POST /rpc/{slug}, and each element of the
// batch variant.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// validate checks the frame shape without touching the method semantics;
// unrecognized methods are forwarded opaquely.
func (r *rpcRequest) validate() error {
	if r.JSONRPC != protocol.Version {
		return fmt.Errorf("jsonrpc must be %q", protocol.Version)
	}
	if r.Method == "" {
		return errors.New("method is required")
	}
	return nil
}

// handleRPC forwards one correlated call to the slug's server process and
// returns the result inline.
func (g *Gateway) handleRPC(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	if _, err := g.registry.Lookup(slug); err != nil {
		g.sendJSONError(w, http.StatusNotFound, "unknown server: "+slug)
		return
	}

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := req.validate(); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	outcome := g.dispatchCall(r, slug, req)
	status := http.StatusOK
	if outcome.Error != nil && outcome.Result == nil {
		// Bridge-level failures carry their HTTP status; a structured
		// error from the server itself stays 200.
		if s := bridgeErrorStatus(outcome.Error.Code); s != 0 {
			status = s
		}
	}
	g.writeJSON(w, status, outcome)
}

// handleRPCBatch resolves each call in the body independently: one call's
// failure never aborts the others, and the response array preserves the
// input order and length.
func (g *Gateway) handleRPCBatch(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	if _, err := g.registry.Lookup(slug); err != nil {
		g.sendJSONError(w, http.StatusNotFound, "unknown server: "+slug)
		return
	}

	var reqs []rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body: expected an array of calls")
		return
	}

	outcomes := make([]*protocol.Message, len(reqs))
	for i, req := range reqs {
		if err := req.validate(); err != nil {
			outcomes[i] = &protocol.Message{
				JSONRPC: protocol.Version,
				ID:      req.ID,
				Error:   &protocol.Error{Code: protocol.CodeInvalidRequest, Message: err.Error()},
			}
			continue
		}
		outcomes[i] = g.dispatchCall(r, slug, req)
	}

	g.writeJSON(w, http.StatusOK, outcomes)
}

// dispatchCall runs one call through the manager and folds the outcome,
// success or failure, into a response frame carrying the client's id.
func (g *Gateway) dispatchCall(r *http.Request, slug string, req rpcRequest) *protocol.Message {
	resp, err := g.manager.Call(r.Context(), slug, req.Method, json.RawMessage(req.Params))
	if err != nil {
		return &protocol.Message{
			JSONRPC: protocol.Version,
			ID:      req.ID,
			Error:   toRPCError(err),
		}
	}
	return &protocol.Message{
		JSONRPC: protocol.Version,
		ID:      req.ID,
		Result:  resp.Result,
		Error:   resp.Error,
	}
}

// toRPCError maps a bridge failure onto a JSON-RPC error object.
func toRPCError(err error) *protocol.Error {
	switch {
	case errors.Is(err, bridge.ErrCallTimeout):
		return &protocol.Error{Code: codeCallTimeout, Message: err.Error()}
	case errors.Is(err, bridge.ErrProcessExited),
		errors.Is(err, bridge.ErrTooManyProcesses),
		errors.Is(err, bridge.ErrShuttingDown):
		return &protocol.Error{Code: codeProcessError, Message: err.Error()}
	case errors.Is(err, bridge.ErrProtocol):
		return &protocol.Error{Code: protocol.CodeInvalidRequest, Message: err.Error()}
	default:
		return &protocol.Error{Code: protocol.CodeInternalError, Message: err.Error()}
	}
}

// bridgeErrorStatus maps bridge-level JSON-RPC error codes to HTTP
// statuses for the single-call endpoint. Returns 0 for codes that come
// from the server process, which stay HTTP 200.
func bridgeErrorStatus(code int) int {
	switch code {
	case codeCallTimeout:
		return http.StatusGatewayTimeout
	case codeProcessError:
		return http.StatusBadGateway
	case protocol.CodeInternalError:
		return http.StatusInternalServerError
	default:
		return 0
	}
}

// serverEntry is one row of GET /servers.
type serverEntry struct {
	Slug        string   `json:"slug"`
	Name        string   `json:"name"`
	RequiredEnv []string `json:"requiredEnv"`
}

// handleServers lists the catalog.
func (g *Gateway) handleServers(w http.ResponseWriter, r *http.Request) {
	slugs := g.registry.Slugs()
	entries := make([]serverEntry, 0, len(slugs))
	for _, slug := range slugs {
		def, err := g.registry.Lookup(slug)
		if err != nil {
			continue
		}
		env := def.Env
		if env == nil {
			env = []string{}
		}
		entries = append(entries, serverEntry{Slug: def.Slug, Name: def.Name, RequiredEnv: env})
	}
	g.writeJSON(w, http.StatusOK, entries)
}

// healthResponse is the body of GET /health.
type healthResponse struct {
	Status           string                          `json:"status"`
	Uptime           string                          `json:"uptime"`
	Connections      int                             `json:"connections"`
	Processes        map[string]bridge.ProcessHealth `json:"processes"`
	AvailableServers []string                        `json:"availableServers"`
}

// handleHealth reports process and connection health. Read-only; never
// blocks on subprocess I/O.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, healthResponse{
		Status:           "ok",
		Uptime:           time.Since(g.startedAt).Round(time.Second).String(),
		Connections:      g.connections.count(),
		Processes:        g.manager.Health(),
		AvailableServers: g.registry.Slugs(),
	})
}

// eventEntry is one row of GET /events.
type eventEntry struct {
	ID         string         `json:"id"`
	ServerSlug string         `json:"serverSlug"`
	Kind       string         `json:"kind"`
	Timestamp  time.Time      `json:"timestamp"`
	Method     string         `json:"method,omitempty"`
	DurationMS int64          `json:"durationMs"`
	Detail     map[string]any `json:"detail,omitempty"`
}

// handleEvents returns recent ledger entries, newest first. Supports
// slug, kind, and limit query parameters.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	var filter store.EventFilter

	if slug := r.URL.Query().Get("slug"); slug != "" {
		filter.ServerSlug = &slug
	}
	if kind := r.URL.Query().Get("kind"); kind != "" {
		k := store.EventKind(kind)
		filter.Kind = &k
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = limit
	}

	events, err := g.ledger.ListEvents(r.Context(), filter)
	if err != nil {
		g.logger.Error("listing events failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	entries := make([]eventEntry, len(events))
	for i, e := range events {
		entries[i] = eventEntry{
			ID:         e.ID,
			ServerSlug: e.ServerSlug,
			Kind:       string(e.Kind),
			Timestamp:  e.Timestamp,
			Method:     e.Method,
			DurationMS: e.Duration.Milliseconds(),
			Detail:     e.Detail,
		}
	}
	g.writeJSON(w, http.StatusOK, entries)
}

// writeJSON writes a JSON response with the given status.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
