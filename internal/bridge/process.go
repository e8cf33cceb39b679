// ABOUTME: One live tool-server subprocess speaking newline-delimited JSON-RPC over stdio
// ABOUTME: Owns serialized stdin writes, the exclusive stdout reader loop, and the pending-call table

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/tunacasserole/thebridge-sub004/internal/protocol"
	"github.com/tunacasserole/thebridge-sub004/internal/registry"
)

// clientVersion is reported to servers during the initialize handshake.
const clientVersion = "0.1.0"

// Process represents one live tool-server subprocess. At most one exists
// per slug at any instant; the Manager enforces that. All writes to the
// subprocess's stdin are serialized, and a single reader goroutine owns
// stdout and demultiplexes responses into the pending-call table.
type Process struct {
	Slug string

	cmd     *exec.Cmd // nil for in-memory transports in tests
	stdin   io.WriteCloser
	writeMu sync.Mutex

	mu           sync.Mutex
	pending      map[uint64]chan *protocol.Message
	ready        bool
	closed       bool
	lastActivity time.Time
	server       protocol.ClientInfo

	nextID atomic.Uint64

	done     chan struct{} // closed once the reader loop has drained
	waitDone chan struct{} // closed once the OS has confirmed exit

	events *Broadcaster
	logger *slog.Logger
	onExit func(*Process)
}

// startProcess launches the subprocess described by def and begins reading
// its stdout. The process is not ready until handshake completes.
func startProcess(def *registry.ServerDefinition, events *Broadcaster, logger *slog.Logger, onExit func(*Process)) (*Process, error) {
	cmd := exec.Command(def.Command, def.Args...)
	cmd.Env = def.LaunchEnv()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", def.Command, err)
	}

	p := newProcess(def.Slug, cmd, stdin, stdout, events, logger, onExit)
	go p.drainStderr(stderr)
	return p, nil
}

// newProcess wires up a process over the given streams and starts the
// reader loop. cmd may be nil when the streams are in-memory pipes.
func newProcess(slug string, cmd *exec.Cmd, stdin io.WriteCloser, stdout io.Reader, events *Broadcaster, logger *slog.Logger, onExit func(*Process)) *Process {
	p := &Process{
		Slug:     slug,
		cmd:      cmd,
		stdin:    stdin,
		pending:  make(map[uint64]chan *protocol.Message),
		done:     make(chan struct{}),
		waitDone: make(chan struct{}),
		events:   events,
		logger:   logger.With("component", "process", "slug", slug),
		onExit:   onExit,
	}
	p.mu.Lock()
	p.lastActivity = time.Now()
	p.mu.Unlock()

	go p.readLoop(stdout)
	return p
}

// readLoop is the exclusive reader over the subprocess's stdout. It frames
// complete lines, dispatches each one, and on EOF reaps the process and
// fails every pending call.
func (p *Process) readLoop(stdout io.Reader) {
	var lines protocol.LineBuffer
	buf := make([]byte, 32*1024)

	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			for _, line := range lines.Append(buf[:n]) {
				p.dispatch(line)
			}
		}
		if err != nil {
			break
		}
	}

	// Wait must not run before all stdout reads have completed.
	if p.cmd != nil {
		_ = p.cmd.Wait()
	}
	close(p.waitDone)

	p.failPending()

	if p.onExit != nil {
		p.onExit(p)
	}
}

// dispatch routes one complete frame. Correlated responses resolve their
// pending call; notifications fan out to subscribers; everything else is
// logged and dropped, never fatal.
func (p *Process) dispatch(line []byte) {
	msg, err := protocol.DecodeFrame(line)
	if err != nil {
		p.logger.Warn("discarding unparsable frame", "error", err)
		return
	}

	switch {
	case msg.IsResponse():
		id, ok := msg.CallID()
		if !ok {
			p.logger.Warn("response with unrecognized id", "id", string(msg.ID))
			return
		}

		p.mu.Lock()
		ch, found := p.pending[id]
		if found {
			delete(p.pending, id)
		}
		p.mu.Unlock()

		if !found {
			// Evicted by timeout or never ours. Late responses are expected
			// after an eviction and are not an error.
			p.logger.Debug("dropping response for unknown call", "call_id", id)
			return
		}
		ch <- msg

	case msg.IsNotification():
		p.touch()
		p.events.Publish(p.Slug, msg)

	default:
		p.logger.Warn("ignoring server-initiated request", "method", msg.Method)
	}
}

// drainStderr forwards the subprocess's stderr to the log. stderr is
// never parsed as protocol data.
func (p *Process) drainStderr(stderr io.Reader) {
	var lines protocol.LineBuffer
	buf := make([]byte, 4096)
	for {
		n, err := stderr.Read(buf)
		if n > 0 {
			for _, line := range lines.Append(buf[:n]) {
				p.logger.Debug("server stderr", "line", string(line))
			}
		}
		if err != nil {
			return
		}
	}
}

// call dispatches one correlated request and waits for its response, the
// timeout, process death, or caller cancellation, whichever comes first.
// A timeout evicts the pending entry so a late response is discarded.
func (p *Process) call(ctx context.Context, method string, params any, timeout time.Duration) (*protocol.Message, error) {
	id := p.nextID.Add(1)
	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	ch := make(chan *protocol.Message, 1)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrProcessExited, p.Slug)
	}
	p.pending[id] = ch
	p.mu.Unlock()

	if err := p.send(req); err != nil {
		p.evict(id)
		return nil, fmt.Errorf("%w: writing request: %v", ErrProcessExited, err)
	}
	p.touch()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-ch:
		p.touch()
		return msg, nil
	case <-timer.C:
		p.evict(id)
		return nil, fmt.Errorf("%w: %s after %s", ErrCallTimeout, method, timeout)
	case <-p.done:
		// A response may have raced the exit; prefer it if already delivered.
		select {
		case msg := <-ch:
			return msg, nil
		default:
		}
		return nil, fmt.Errorf("%w: %s", ErrProcessExited, p.Slug)
	case <-ctx.Done():
		p.evict(id)
		return nil, ctx.Err()
	}
}

// notify writes one fire-and-forget frame. Write failures are logged,
// never surfaced to the caller.
func (p *Process) notify(method string, params any) {
	msg, err := protocol.NewNotification(method, params)
	if err != nil {
		p.logger.Warn("building notification failed", "method", method, "error", err)
		return
	}
	if err := p.send(msg); err != nil {
		p.logger.Warn("writing notification failed", "method", method, "error", err)
		return
	}
	p.touch()
}

// handshake runs the capability negotiation once per spawn: an initialize
// call awaited, then the initialized notification, then the process is
// marked ready. Failure leaves the process not-ready; the manager tears
// it down.
func (p *Process) handshake(ctx context.Context, timeout time.Duration) error {
	params := protocol.InitializeParams{
		ProtocolVersion: protocol.ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo: protocol.ClientInfo{
			Name:    "thebridge",
			Version: clientVersion,
		},
	}

	resp, err := p.call(ctx, "initialize", params, timeout)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("%w: initialize rejected: %s", ErrProtocol, resp.Error.Message)
	}

	var result protocol.InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("%w: decoding initialize result: %v", ErrProtocol, err)
	}

	note, err := protocol.NewNotification("notifications/initialized", nil)
	if err != nil {
		return err
	}
	if err := p.send(note); err != nil {
		return fmt.Errorf("%w: writing initialized: %v", ErrProcessExited, err)
	}

	p.mu.Lock()
	p.server = result.ServerInfo
	p.ready = true
	p.lastActivity = time.Now()
	p.mu.Unlock()

	p.logger.Info("server ready",
		"server", result.ServerInfo.Name,
		"version", result.ServerInfo.Version,
		"protocol", result.ProtocolVersion,
	)
	return nil
}

// send writes one encoded frame to stdin. Writes are serialized so frames
// from concurrent callers never interleave mid-line.
func (p *Process) send(msg *protocol.Message) error {
	frame, err := protocol.EncodeFrame(msg)
	if err != nil {
		return err
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err = p.stdin.Write(frame)
	return err
}

// evict removes a pending call entry, if still present.
func (p *Process) evict(id uint64) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

// failPending marks the process dead and releases every pending caller.
// Callers observe the closed done channel and fail with ErrProcessExited.
func (p *Process) failPending() {
	p.mu.Lock()
	p.closed = true
	p.ready = false
	n := len(p.pending)
	p.pending = make(map[uint64]chan *protocol.Message)
	p.mu.Unlock()

	if n > 0 {
		p.logger.Warn("failing pending calls on exit", "count", n)
	}
	close(p.done)
}

// Terminate closes stdin, sends SIGTERM, and escalates to SIGKILL once the
// grace window expires. It returns only after the OS confirms exit.
func (p *Process) Terminate(grace time.Duration) {
	p.writeMu.Lock()
	_ = p.stdin.Close()
	p.writeMu.Unlock()

	if p.cmd == nil || p.cmd.Process == nil {
		<-p.waitDone
		return
	}

	_ = p.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-p.waitDone:
	case <-time.After(grace):
		p.logger.Warn("grace period expired, killing process")
		_ = p.cmd.Process.Kill()
		<-p.waitDone
	}
}

// Ready reports whether the handshake has completed and the process is
// accepting application calls.
func (p *Process) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

// Alive reports whether the reader loop is still running.
func (p *Process) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed
}

// LastActivity returns the time of the most recent call or notification.
func (p *Process) LastActivity() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastActivity
}

// ServerInfo returns the identity the server reported during handshake.
func (p *Process) ServerInfo() protocol.ClientInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.server
}

// PendingCalls returns the number of outstanding calls.
func (p *Process) PendingCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Process) touch() {
	p.mu.Lock()
	p.lastActivity = time.Now()
	p.mu.Unlock()
}
