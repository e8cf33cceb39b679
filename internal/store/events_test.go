// ABOUTME: Tests for the SQLite event ledger
// ABOUTME: Covers appending, filtering, limits and detail round-trips

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendEvent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t.Run("generates id and timestamp", func(t *testing.T) {
		e := &Event{ServerSlug: "github", Kind: EventSpawn}
		require.NoError(t, s.AppendEvent(ctx, e))
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.Timestamp.IsZero())
	})

	t.Run("round-trips call detail", func(t *testing.T) {
		e := &Event{
			ServerSlug: "slack",
			Kind:       EventCall,
			Method:     "tools/call",
			Duration:   42 * time.Millisecond,
			Detail:     map[string]any{"tool": "post_message"},
		}
		require.NoError(t, s.AppendEvent(ctx, e))

		slug := "slack"
		events, err := s.ListEvents(ctx, EventFilter{ServerSlug: &slug})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "tools/call", events[0].Method)
		assert.Equal(t, 42*time.Millisecond, events[0].Duration)
		assert.Equal(t, "post_message", events[0].Detail["tool"])
	})
}

func TestListEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seed := []Event{
		{ServerSlug: "github", Kind: EventSpawn, Timestamp: base},
		{ServerSlug: "github", Kind: EventCall, Timestamp: base.Add(time.Minute), Method: "tools/list"},
		{ServerSlug: "sentry", Kind: EventCrash, Timestamp: base.Add(2 * time.Minute)},
		{ServerSlug: "github", Kind: EventReclaim, Timestamp: base.Add(3 * time.Minute)},
	}
	for i := range seed {
		require.NoError(t, s.AppendEvent(ctx, &seed[i]))
	}

	t.Run("returns newest first", func(t *testing.T) {
		events, err := s.ListEvents(ctx, EventFilter{})
		require.NoError(t, err)
		require.Len(t, events, 4)
		assert.Equal(t, EventReclaim, events[0].Kind)
		assert.Equal(t, EventSpawn, events[3].Kind)
	})

	t.Run("filters by server slug", func(t *testing.T) {
		slug := "sentry"
		events, err := s.ListEvents(ctx, EventFilter{ServerSlug: &slug})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, EventCrash, events[0].Kind)
	})

	t.Run("filters by kind", func(t *testing.T) {
		kind := EventCall
		events, err := s.ListEvents(ctx, EventFilter{Kind: &kind})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "tools/list", events[0].Method)
	})

	t.Run("filters by time window", func(t *testing.T) {
		since := base.Add(30 * time.Second)
		until := base.Add(150 * time.Second)
		events, err := s.ListEvents(ctx, EventFilter{Since: &since, Until: &until})
		require.NoError(t, err)
		require.Len(t, events, 2)
	})

	t.Run("applies limit", func(t *testing.T) {
		events, err := s.ListEvents(ctx, EventFilter{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, events, 2)
	})

	t.Run("empty result is non-nil", func(t *testing.T) {
		slug := "nope"
		events, err := s.ListEvents(ctx, EventFilter{ServerSlug: &slug})
		require.NoError(t, err)
		require.NotNil(t, events)
		assert.Empty(t, events)
	})
}

func TestNormalizeEventLimit(t *testing.T) {
	assert.Equal(t, 100, normalizeEventLimit(0))
	assert.Equal(t, 100, normalizeEventLimit(-5))
	assert.Equal(t, 1000, normalizeEventLimit(5000))
	assert.Equal(t, 25, normalizeEventLimit(25))
}
