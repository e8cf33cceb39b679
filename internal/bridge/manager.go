// ABOUTME: Manages tool-server processes, one per slug, with spawn serialization
// ABOUTME: Central coordinator for calls, idle reclamation, and orderly shutdown

package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tunacasserole/thebridge-sub004/internal/config"
	"github.com/tunacasserole/thebridge-sub004/internal/protocol"
	"github.com/tunacasserole/thebridge-sub004/internal/registry"
	"github.com/tunacasserole/thebridge-sub004/internal/store"
)

// EventRecorder persists lifecycle events to the ledger. A nil recorder
// disables recording.
type EventRecorder interface {
	AppendEvent(ctx context.Context, e *store.Event) error
}

// ProcessHealth is a read-only snapshot of one managed process.
type ProcessHealth struct {
	Ready        bool      `json:"ready"`
	LastActivity time.Time `json:"lastActivity"`
}

// Manager owns zero-or-one live process per server slug. All mutation of
// the process registry goes through the manager; gateways hold a reference
// and never touch subprocess streams directly.
type Manager struct {
	cfg      config.ServersConfig
	registry *registry.Registry
	recorder EventRecorder
	events   *Broadcaster
	logger   *slog.Logger

	mu       sync.Mutex
	procs    map[string]*procEntry
	shutdown bool
}

// procEntry tracks one slug's process slot. settled is closed once the
// in-flight spawn and handshake complete, successfully or not, so that
// concurrent callers racing on the same slug await a single spawn.
type procEntry struct {
	settled chan struct{}
	proc    *Process
	err     error
}

// NewManager creates a manager over the given catalog. recorder may be nil.
func NewManager(cfg config.ServersConfig, reg *registry.Registry, recorder EventRecorder, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		registry: reg,
		recorder: recorder,
		events:   NewBroadcaster(logger),
		logger:   logger.With("component", "manager"),
		procs:    make(map[string]*procEntry),
	}
}

// Events returns the notification broadcaster for streaming consumers.
func (m *Manager) Events() *Broadcaster {
	return m.events
}

// GetOrSpawn returns the ready process for slug, spawning and handshaking
// one if none exists. Concurrent callers racing on the same slug observe
// exactly one spawn. Returns registry.ErrServerNotFound for unknown slugs.
func (m *Manager) GetOrSpawn(ctx context.Context, slug string) (*Process, error) {
	def, err := m.registry.Lookup(slug)
	if err != nil {
		return nil, err
	}

	for {
		m.mu.Lock()
		if m.shutdown {
			m.mu.Unlock()
			return nil, ErrShuttingDown
		}

		entry, exists := m.procs[slug]
		if !exists {
			if m.cfg.MaxProcesses > 0 && len(m.procs) >= m.cfg.MaxProcesses {
				m.mu.Unlock()
				return nil, fmt.Errorf("%w: limit %d reached", ErrTooManyProcesses, m.cfg.MaxProcesses)
			}
			entry = &procEntry{settled: make(chan struct{})}
			m.procs[slug] = entry
			m.mu.Unlock()
			m.spawn(ctx, def, entry)
		} else {
			m.mu.Unlock()
		}

		select {
		case <-entry.settled:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		if entry.err != nil {
			return nil, entry.err
		}
		if entry.proc.Alive() {
			entry.proc.touch()
			return entry.proc, nil
		}

		// The process died after settling; clear the stale slot and retry.
		m.removeEntry(slug, entry)
	}
}

// spawn launches and handshakes a process for entry. On failure the entry
// is removed before settling so later callers trigger a fresh spawn.
func (m *Manager) spawn(ctx context.Context, def *registry.ServerDefinition, entry *procEntry) {
	defer close(entry.settled)

	start := time.Now()
	m.logger.Info("spawning server", "slug", def.Slug, "command", def.Command)

	proc, err := startProcess(def, m.events, m.logger, m.handleExit)
	if err != nil {
		m.removeEntry(def.Slug, entry)
		entry.err = fmt.Errorf("%w: %v", ErrProcessExited, err)
		m.record(def.Slug, store.EventCrash, "", 0, map[string]any{"error": err.Error()})
		return
	}
	m.record(def.Slug, store.EventSpawn, "", 0, map[string]any{"command": def.Command})

	if err := proc.handshake(ctx, m.cfg.HandshakeTimeout); err != nil {
		// A half-initialized process must not stay registered.
		m.removeEntry(def.Slug, entry)
		entry.err = fmt.Errorf("handshake with %s: %w", def.Slug, err)
		m.record(def.Slug, store.EventCrash, "", time.Since(start), map[string]any{"error": err.Error()})
		proc.Terminate(m.cfg.ShutdownGrace)
		return
	}

	m.record(def.Slug, store.EventHandshake, "", time.Since(start), nil)
	entry.proc = proc
}

// handleExit runs once per process after its reader loop drains. It
// deregisters crashed processes; deliberate terminations (reclaim,
// shutdown) have already removed their entry.
func (m *Manager) handleExit(p *Process) {
	m.mu.Lock()
	entry, ok := m.procs[p.Slug]
	crashed := ok && entry.proc == p
	if crashed {
		delete(m.procs, p.Slug)
	}
	m.mu.Unlock()

	if crashed {
		m.logger.Warn("server process exited unexpectedly", "slug", p.Slug)
		m.record(p.Slug, store.EventCrash, "", 0, nil)
	}
}

// removeEntry deletes the slug's slot only if it still holds entry.
func (m *Manager) removeEntry(slug string, entry *procEntry) {
	m.mu.Lock()
	if cur, ok := m.procs[slug]; ok && cur == entry {
		delete(m.procs, slug)
	}
	m.mu.Unlock()
}

// Call dispatches one correlated request to the slug's process, spawning
// it first if needed, and returns the correlated response frame.
func (m *Manager) Call(ctx context.Context, slug, method string, params any) (*protocol.Message, error) {
	proc, err := m.GetOrSpawn(ctx, slug)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := proc.call(ctx, method, params, m.cfg.CallTimeout)
	if err != nil {
		m.record(slug, store.EventCallError, method, time.Since(start), map[string]any{"error": err.Error()})
		return nil, err
	}

	m.record(slug, store.EventCall, method, time.Since(start), nil)
	return resp, nil
}

// Notify writes one fire-and-forget frame to the slug's process. Spawn
// and lookup failures are returned; write failures never are.
func (m *Manager) Notify(ctx context.Context, slug, method string, params any) error {
	proc, err := m.GetOrSpawn(ctx, slug)
	if err != nil {
		return err
	}
	proc.notify(method, params)
	return nil
}

// Health returns a per-slug snapshot of every registered process. It never
// blocks on subprocess I/O.
func (m *Manager) Health() map[string]ProcessHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]ProcessHealth, len(m.procs))
	for slug, entry := range m.procs {
		if entry.proc == nil {
			// Spawn still in flight
			out[slug] = ProcessHealth{}
			continue
		}
		out[slug] = ProcessHealth{
			Ready:        entry.proc.Ready(),
			LastActivity: entry.proc.LastActivity(),
		}
	}
	return out
}

// ProcessCount returns the number of registered processes.
func (m *Manager) ProcessCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.procs)
}

// RunSweeper reclaims idle processes on a fixed interval until ctx is
// cancelled. Run it in its own goroutine.
func (m *Manager) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepIdle()
		}
	}
}

// sweepIdle terminates and deregisters every process whose last activity
// is older than the idle threshold.
func (m *Manager) sweepIdle() {
	cutoff := time.Now().Add(-m.cfg.IdleTimeout)

	m.mu.Lock()
	var victims []*Process
	for slug, entry := range m.procs {
		if entry.proc == nil {
			continue
		}
		if entry.proc.LastActivity().Before(cutoff) {
			delete(m.procs, slug)
			victims = append(victims, entry.proc)
		}
	}
	m.mu.Unlock()

	for _, p := range victims {
		m.logger.Info("reclaiming idle server", "slug", p.Slug)
		m.record(p.Slug, store.EventReclaim, "", 0, nil)
		p.Terminate(m.cfg.ShutdownGrace)
	}
}

// Shutdown terminates every registered process in parallel and returns
// once all have confirmed exit or been force-killed past the grace window.
// Pending calls fail with ErrProcessExited before their records drop.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.shutdown = true
	entries := make([]*procEntry, 0, len(m.procs))
	for _, entry := range m.procs {
		entries = append(entries, entry)
	}
	m.procs = make(map[string]*procEntry)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, entry := range entries {
		wg.Add(1)
		go func(entry *procEntry) {
			defer wg.Done()

			// An in-flight spawn must settle before we can terminate it.
			<-entry.settled
			if entry.proc == nil {
				return
			}
			entry.proc.Terminate(m.cfg.ShutdownGrace)
			m.record(entry.proc.Slug, store.EventShutdown, "", 0, nil)
		}(entry)
	}
	wg.Wait()

	m.events.Close()
	m.logger.Info("all server processes terminated", "count", len(entries))
}

// record appends one ledger event, if a recorder is configured.
func (m *Manager) record(slug string, kind store.EventKind, method string, d time.Duration, detail map[string]any) {
	if m.recorder == nil {
		return
	}
	e := &store.Event{
		ServerSlug: slug,
		Kind:       kind,
		Method:     method,
		Duration:   d,
		Detail:     detail,
	}
	if err := m.recorder.AppendEvent(context.Background(), e); err != nil {
		m.logger.Warn("failed to record event", "kind", kind, "slug", slug, "error", err)
	}
}
