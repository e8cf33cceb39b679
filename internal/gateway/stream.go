// ABOUTME: SSE streaming sessions bound to a server slug
// ABOUTME: Pushes notifications and liveness pings; tracks connections in a registry

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StreamConnection tracks one live SSE session. A connection references
// its server by slug only; it never owns the underlying process, which
// may be shared by other connections.
type StreamConnection struct {
	ID       string
	Slug     string
	Started  time.Time
	lastPing time.Time
	mu       sync.Mutex
}

// touchPing records a successful liveness ping.
func (c *StreamConnection) touchPing() {
	c.mu.Lock()
	c.lastPing = time.Now()
	c.mu.Unlock()
}

// LastPing returns the time of the most recent ping.
func (c *StreamConnection) LastPing() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPing
}

// connectionRegistry tracks all live streaming sessions.
type connectionRegistry struct {
	mu    sync.Mutex
	conns map[string]*StreamConnection
}

func newConnectionRegistry() *connectionRegistry {
	return &connectionRegistry{conns: make(map[string]*StreamConnection)}
}

func (r *connectionRegistry) add(slug string) *StreamConnection {
	conn := &StreamConnection{
		ID:       uuid.New().String(),
		Slug:     slug,
		Started:  time.Now(),
		lastPing: time.Now(),
	}
	r.mu.Lock()
	r.conns[conn.ID] = conn
	r.mu.Unlock()
	return conn
}

func (r *connectionRegistry) remove(id string) {
	r.mu.Lock()
	delete(r.conns, id)
	r.mu.Unlock()
}

func (r *connectionRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// handleSSE upgrades the request into a streaming session: a connected
// event, then ready or error depending on the spawn outcome, then
// server notifications and periodic pings until the client disconnects.
// Disconnecting never touches the shared server process.
func (g *Gateway) handleSSE(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	if _, err := g.registry.Lookup(slug); err != nil {
		g.sendJSONError(w, http.StatusNotFound, "unknown server: "+slug)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("response writer does not support flushing")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx := r.Context()

	// Subscribe before the spawn so no early notification is missed.
	notifications, subID := g.manager.Events().Subscribe(ctx, slug)
	defer g.manager.Events().Unsubscribe(slug, subID)

	conn := g.connections.add(slug)
	defer g.connections.remove(conn.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	g.writeSSEEvent(w, "connected", map[string]string{
		"connectionId": conn.ID,
		"server":       slug,
	})
	flusher.Flush()

	logger := g.logger.With("connection_id", conn.ID, "slug", slug)

	if _, err := g.manager.GetOrSpawn(ctx, slug); err != nil {
		logger.Warn("spawn failed for streaming session", "error", err)
		// The session stays open so the client may retry; a later request
		// re-triggers the spawn.
		g.writeSSEEvent(w, "error", map[string]string{"stage": "ready", "error": err.Error()})
		flusher.Flush()
	} else {
		g.writeSSEEvent(w, "ready", map[string]string{"server": slug})
		flusher.Flush()
	}

	logger.Info("streaming session open")

	ticker := time.NewTicker(g.config.Servers.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("client disconnected")
			return

		case msg, open := <-notifications:
			if !open {
				logger.Info("notification stream closed")
				return
			}
			g.writeSSEEvent(w, "notification", msg)
			flusher.Flush()

		case <-ticker.C:
			conn.touchPing()
			g.writeSSEEvent(w, "ping", map[string]string{
				"time": time.Now().UTC().Format(time.RFC3339),
			})
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}
