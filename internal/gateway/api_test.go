// ABOUTME: Tests for the synchronous RPC, catalog, health and events handlers
// ABOUTME: Uses a scripted fake manager behind the serverManager interface

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunacasserole/thebridge-sub004/internal/auth"
	"github.com/tunacasserole/thebridge-sub004/internal/bridge"
	"github.com/tunacasserole/thebridge-sub004/internal/config"
	"github.com/tunacasserole/thebridge-sub004/internal/protocol"
	"github.com/tunacasserole/thebridge-sub004/internal/registry"
	"github.com/tunacasserole/thebridge-sub004/internal/store"
)

// fakeManager scripts the bridge manager for handler tests.
type fakeManager struct {
	mu         sync.Mutex
	events     *bridge.Broadcaster
	callFn     func(slug, method string, params any) (*protocol.Message, error)
	spawnErr   error
	spawnCount int
	health     map[string]bridge.ProcessHealth
}

func newFakeManager() *fakeManager {
	return &fakeManager{
		events: bridge.NewBroadcaster(slog.Default()),
		health: map[string]bridge.ProcessHealth{},
	}
}

func (f *fakeManager) Call(ctx context.Context, slug, method string, params any) (*protocol.Message, error) {
	f.mu.Lock()
	fn := f.callFn
	f.mu.Unlock()
	if fn == nil {
		return &protocol.Message{JSONRPC: protocol.Version, Result: json.RawMessage(`{}`)}, nil
	}
	return fn(slug, method, params)
}

func (f *fakeManager) GetOrSpawn(ctx context.Context, slug string) (*bridge.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spawnCount++
	return nil, f.spawnErr
}

func (f *fakeManager) Health() map[string]bridge.ProcessHealth { return f.health }
func (f *fakeManager) ProcessCount() int                       { return len(f.health) }
func (f *fakeManager) Events() *bridge.Broadcaster             { return f.events }

// fakeLedger returns canned ledger entries.
type fakeLedger struct {
	events []store.Event
	gotF   store.EventFilter
}

func (f *fakeLedger) ListEvents(ctx context.Context, filter store.EventFilter) ([]store.Event, error) {
	f.gotF = filter
	return f.events, nil
}

func newTestGateway(t *testing.T, mgr serverManager, ledger eventLister) *Gateway {
	t.Helper()

	reg, err := registry.New([]registry.ServerDefinition{
		{Slug: "github", Name: "GitHub", Command: "true", Env: []string{"GITHUB_PERSONAL_ACCESS_TOKEN"}},
		{Slug: "slack", Name: "Slack", Command: "true"},
	})
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Servers.PingInterval = 25 * time.Millisecond

	return &Gateway{
		config:      cfg,
		registry:    reg,
		manager:     mgr,
		ledger:      ledger,
		connections: newConnectionRegistry(),
		logger:      slog.Default(),
		startedAt:   time.Now(),
	}
}

func doRequest(t *testing.T, g *Gateway, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	g.buildMux().ServeHTTP(rec, req)
	return rec
}

func TestHandleRPC(t *testing.T) {
	t.Run("forwards call and echoes client id", func(t *testing.T) {
		mgr := newFakeManager()
		mgr.callFn = func(slug, method string, params any) (*protocol.Message, error) {
			assert.Equal(t, "github", slug)
			assert.Equal(t, "tools/list", method)
			return &protocol.Message{
				JSONRPC: protocol.Version,
				Result:  json.RawMessage(`{"tools":[]}`),
			}, nil
		}
		g := newTestGateway(t, mgr, &fakeLedger{})

		rec := doRequest(t, g, http.MethodPost, "/rpc/github",
			`{"jsonrpc":"2.0","id":42,"method":"tools/list"}`)

		require.Equal(t, http.StatusOK, rec.Code)
		var resp protocol.Message
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "42", string(resp.ID))
		assert.JSONEq(t, `{"tools":[]}`, string(resp.Result))
		assert.Nil(t, resp.Error)
	})

	t.Run("unknown slug is 404", func(t *testing.T) {
		g := newTestGateway(t, newFakeManager(), &fakeLedger{})
		rec := doRequest(t, g, http.MethodPost, "/rpc/nope",
			`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("malformed body is 400", func(t *testing.T) {
		g := newTestGateway(t, newFakeManager(), &fakeLedger{})
		rec := doRequest(t, g, http.MethodPost, "/rpc/github", `{not json`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing method is 400", func(t *testing.T) {
		g := newTestGateway(t, newFakeManager(), &fakeLedger{})
		rec := doRequest(t, g, http.MethodPost, "/rpc/github", `{"jsonrpc":"2.0","id":1}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("timeout maps to 504", func(t *testing.T) {
		mgr := newFakeManager()
		mgr.callFn = func(slug, method string, params any) (*protocol.Message, error) {
			return nil, fmt.Errorf("%w: tools/call after 30s", bridge.ErrCallTimeout)
		}
		g := newTestGateway(t, mgr, &fakeLedger{})

		rec := doRequest(t, g, http.MethodPost, "/rpc/github",
			`{"jsonrpc":"2.0","id":7,"method":"tools/call"}`)

		require.Equal(t, http.StatusGatewayTimeout, rec.Code)
		var resp protocol.Message
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "7", string(resp.ID))
		require.NotNil(t, resp.Error)
		assert.Equal(t, codeCallTimeout, resp.Error.Code)
	})

	t.Run("process exit maps to 502", func(t *testing.T) {
		mgr := newFakeManager()
		mgr.callFn = func(slug, method string, params any) (*protocol.Message, error) {
			return nil, fmt.Errorf("%w: github", bridge.ErrProcessExited)
		}
		g := newTestGateway(t, mgr, &fakeLedger{})

		rec := doRequest(t, g, http.MethodPost, "/rpc/github",
			`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})

	t.Run("server-side error object stays 200", func(t *testing.T) {
		mgr := newFakeManager()
		mgr.callFn = func(slug, method string, params any) (*protocol.Message, error) {
			return &protocol.Message{
				JSONRPC: protocol.Version,
				Error:   &protocol.Error{Code: protocol.CodeMethodNotFound, Message: "no such method"},
			}, nil
		}
		g := newTestGateway(t, mgr, &fakeLedger{})

		rec := doRequest(t, g, http.MethodPost, "/rpc/github",
			`{"jsonrpc":"2.0","id":1,"method":"bogus"}`)

		require.Equal(t, http.StatusOK, rec.Code)
		var resp protocol.Message
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.NotNil(t, resp.Error)
		assert.Equal(t, protocol.CodeMethodNotFound, resp.Error.Code)
	})
}

func TestHandleRPCBatch(t *testing.T) {
	t.Run("one failure does not abort the others", func(t *testing.T) {
		mgr := newFakeManager()
		mgr.callFn = func(slug, method string, params any) (*protocol.Message, error) {
			if method == "broken" {
				return nil, fmt.Errorf("%w: broken after 1s", bridge.ErrCallTimeout)
			}
			return &protocol.Message{
				JSONRPC: protocol.Version,
				Result:  json.RawMessage(`{"method":"` + method + `"}`),
			}, nil
		}
		g := newTestGateway(t, mgr, &fakeLedger{})

		rec := doRequest(t, g, http.MethodPost, "/rpc/github/batch", `[
			{"jsonrpc":"2.0","id":1,"method":"first"},
			{"jsonrpc":"2.0","id":2,"method":"broken"},
			{"jsonrpc":"2.0","id":3,"method":"third"}
		]`)

		require.Equal(t, http.StatusOK, rec.Code)
		var resps []protocol.Message
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resps))
		require.Len(t, resps, 3)

		assert.Equal(t, "1", string(resps[0].ID))
		assert.JSONEq(t, `{"method":"first"}`, string(resps[0].Result))
		assert.Nil(t, resps[0].Error)

		assert.Equal(t, "2", string(resps[1].ID))
		require.NotNil(t, resps[1].Error)
		assert.Equal(t, codeCallTimeout, resps[1].Error.Code)

		assert.Equal(t, "3", string(resps[2].ID))
		assert.JSONEq(t, `{"method":"third"}`, string(resps[2].Result))
	})

	t.Run("invalid entry gets a per-call error", func(t *testing.T) {
		g := newTestGateway(t, newFakeManager(), &fakeLedger{})

		rec := doRequest(t, g, http.MethodPost, "/rpc/github/batch", `[
			{"jsonrpc":"2.0","id":1,"method":"ok"},
			{"jsonrpc":"2.0","id":2}
		]`)

		require.Equal(t, http.StatusOK, rec.Code)
		var resps []protocol.Message
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resps))
		require.Len(t, resps, 2)
		assert.Nil(t, resps[0].Error)
		require.NotNil(t, resps[1].Error)
		assert.Equal(t, protocol.CodeInvalidRequest, resps[1].Error.Code)
	})

	t.Run("non-array body is 400", func(t *testing.T) {
		g := newTestGateway(t, newFakeManager(), &fakeLedger{})
		rec := doRequest(t, g, http.MethodPost, "/rpc/github/batch",
			`{"jsonrpc":"2.0","id":1,"method":"x"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown slug is 404", func(t *testing.T) {
		g := newTestGateway(t, newFakeManager(), &fakeLedger{})
		rec := doRequest(t, g, http.MethodPost, "/rpc/nope/batch", `[]`)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHandleServers(t *testing.T) {
	g := newTestGateway(t, newFakeManager(), &fakeLedger{})

	rec := doRequest(t, g, http.MethodGet, "/servers", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []serverEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "github", entries[0].Slug)
	assert.Equal(t, "GitHub", entries[0].Name)
	assert.Equal(t, []string{"GITHUB_PERSONAL_ACCESS_TOKEN"}, entries[0].RequiredEnv)
	assert.Equal(t, "slack", entries[1].Slug)
	assert.Empty(t, entries[1].RequiredEnv)
}

func TestHandleHealth(t *testing.T) {
	mgr := newFakeManager()
	mgr.health = map[string]bridge.ProcessHealth{
		"github": {Ready: true, LastActivity: time.Now()},
	}
	g := newTestGateway(t, mgr, &fakeLedger{})

	rec := doRequest(t, g, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var health healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 0, health.Connections)
	assert.Equal(t, []string{"github", "slack"}, health.AvailableServers)
	require.Contains(t, health.Processes, "github")
	assert.True(t, health.Processes["github"].Ready)
}

func TestHandleEvents(t *testing.T) {
	t.Run("returns ledger entries", func(t *testing.T) {
		ledger := &fakeLedger{events: []store.Event{
			{
				ID:         "e1",
				ServerSlug: "github",
				Kind:       store.EventCall,
				Timestamp:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
				Method:     "tools/list",
				Duration:   17 * time.Millisecond,
			},
		}}
		g := newTestGateway(t, newFakeManager(), ledger)

		rec := doRequest(t, g, http.MethodGet, "/events?slug=github&kind=call&limit=10", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var entries []eventEntry
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
		require.Len(t, entries, 1)
		assert.Equal(t, "e1", entries[0].ID)
		assert.Equal(t, "call", entries[0].Kind)
		assert.Equal(t, int64(17), entries[0].DurationMS)

		require.NotNil(t, ledger.gotF.ServerSlug)
		assert.Equal(t, "github", *ledger.gotF.ServerSlug)
		require.NotNil(t, ledger.gotF.Kind)
		assert.Equal(t, store.EventCall, *ledger.gotF.Kind)
		assert.Equal(t, 10, ledger.gotF.Limit)
	})

	t.Run("invalid limit is 400", func(t *testing.T) {
		g := newTestGateway(t, newFakeManager(), &fakeLedger{})
		rec := doRequest(t, g, http.MethodGet, "/events?limit=lots", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestAuthMiddlewareWiring(t *testing.T) {
	g := newTestGateway(t, newFakeManager(), &fakeLedger{})
	g.config.Auth.JWTSecret = "gateway-secret"

	t.Run("unauthenticated request rejected", func(t *testing.T) {
		rec := doRequest(t, g, http.MethodGet, "/servers", "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("health stays open", func(t *testing.T) {
		rec := doRequest(t, g, http.MethodGet, "/health", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("valid token accepted", func(t *testing.T) {
		token, err := auth.NewJWTVerifier([]byte("gateway-secret")).Generate("ops", time.Hour)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/servers", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		g.buildMux().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
