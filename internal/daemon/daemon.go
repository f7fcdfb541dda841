// Package daemon implements the broker's accept loop and process lifecycle
// (§4.6): binding the Unix-domain socket, wiring each accepted Connection
// to the Router, persisting session start/end, and the background
// processing-state snapshot task.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/relayd/internal/config"
	"github.com/ashureev/relayd/internal/connection"
	"github.com/ashureev/relayd/internal/envelope"
	"github.com/ashureev/relayd/internal/registry"
	"github.com/ashureev/relayd/internal/router"
	"github.com/ashureev/relayd/internal/storage"
	"github.com/google/uuid"
	"github.com/moby/sys/atomicwriter"
)

// Daemon owns the listener, the shared Router, and every live Connection
// it has accepted.
type Daemon struct {
	cfg      *config.Config
	store    storage.Store
	registry *registry.Registry
	router   *router.Router

	listener net.Listener

	mu    sync.Mutex
	conns map[*connection.Connection]struct{}
	wg    sync.WaitGroup
}

// New constructs a Daemon. Call Run to bind the socket and start accepting.
func New(cfg *config.Config, store storage.Store) *Daemon {
	reg := registry.New(cfg.TeamDir)
	r := router.New(store, reg, router.Options{ProcessingIdleTimeout: cfg.ProcessingIdleTimeout})
	return &Daemon{
		cfg:      cfg,
		store:    store,
		registry: reg,
		router:   r,
		conns:    make(map[*connection.Connection]struct{}),
	}
}

// Router exposes the shared Router, e.g. for the status API and system
// broadcasts.
func (d *Daemon) Router() *router.Router { return d.router }

// Registry exposes the shared Registry, e.g. for the status API.
func (d *Daemon) Registry() *registry.Registry { return d.registry }

// Run binds the socket, writes the PID file, and accepts connections until
// ctx is canceled. It blocks until shutdown completes.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.store.Init(ctx); err != nil {
		return fmt.Errorf("init storage: %w", err)
	}

	listener, err := bindSocket(d.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("bind socket: %w", err)
	}
	d.listener = listener
	defer func() { _ = listener.Close() }()

	if err := writePIDFile(d.cfg.PIDFile); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer func() { _ = os.Remove(d.cfg.PIDFile) }()

	slog.Info("daemon: listening", "socket", d.cfg.SocketPath, "pid_file", d.cfg.PIDFile)

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		d.acceptLoop(ctx, listener)
	}()

	d.wg.Add(2)
	go func() { defer d.wg.Done(); d.snapshotLoop(ctx) }()
	go func() { defer d.wg.Done(); d.ackSweepLoop(ctx) }()

	<-ctx.Done()
	slog.Info("daemon: shutting down")
	_ = listener.Close()
	<-acceptDone

	d.closeAllConns()
	d.waitForDrain(d.cfg.ShutdownDrainTimeout)
	d.wg.Wait()

	if err := d.store.Close(); err != nil {
		slog.Error("daemon: failed to close storage", "error", err)
	}
	_ = os.Remove(d.cfg.SocketPath)
	slog.Info("daemon: shutdown complete")
	return nil
}

func (d *Daemon) acceptLoop(ctx context.Context, listener net.Listener) {
	for {
		sock, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("daemon: accept failed", "error", err)
			return
		}
		d.handleAccepted(ctx, sock)
	}
}

func (d *Daemon) handleAccepted(ctx context.Context, sock net.Conn) {
	id := uuid.NewString()
	opts := connection.Options{
		MaxFrameBytes:              d.cfg.MaxFrameBytes,
		HeartbeatInterval:          d.cfg.HeartbeatInterval,
		HeartbeatTimeoutMultiplier: d.cfg.HeartbeatTimeoutMultiplier,
		ResumeTimeout:              d.cfg.ResumeTimeout,
		WriteQueueCap:              d.cfg.WriteQueueCap,
		WriteQueueHighWatermark:    d.cfg.WriteQueueHighWatermark,
		WriteQueueLowWatermark:     d.cfg.WriteQueueLowWatermark,
		CloseGrace:                 d.cfg.CloseGrace,
		ResumeHandler:              d.resumeHandler,
		IsProcessing:               d.router.IsProcessing,
	}

	obs := &sessionObserver{daemon: d}
	conn := connection.New(id, sock, opts, obs)

	d.mu.Lock()
	d.conns[conn] = struct{}{}
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.forgetConn(conn)
		_ = conn.Run(ctx)
	}()
}

func (d *Daemon) forgetConn(c *connection.Connection) {
	d.mu.Lock()
	delete(d.conns, c)
	d.mu.Unlock()
}

func (d *Daemon) closeAllConns() {
	d.mu.Lock()
	conns := make([]*connection.Connection, 0, len(d.conns))
	for c := range d.conns {
		conns = append(conns, c)
	}
	d.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

func (d *Daemon) waitForDrain(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		d.mu.Lock()
		n := len(d.conns)
		d.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	slog.Warn("daemon: shutdown drain timed out with connections still open")
}

// resumeHandler looks up a prior session by resume token and builds the
// seed sequence state a resuming Connection adopts (§4.3).
func (d *Daemon) resumeHandler(ctx context.Context, agent, resumeToken string) (*connection.ResumeState, error) {
	sess, err := d.store.GetSessionByResumeToken(ctx, resumeToken)
	if err != nil {
		return nil, fmt.Errorf("lookup resume token: %w", err)
	}
	if sess == nil || sess.AgentName != agent {
		return nil, nil
	}

	watermarks, err := d.store.GetMaxSeqByStream(ctx, agent, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("lookup stream watermarks: %w", err)
	}

	seeds := make([]connection.SeedSeq, 0, len(watermarks))
	for _, w := range watermarks {
		seeds = append(seeds, connection.SeedSeq{Topic: w.Topic, Peer: w.Peer, Seq: w.MaxSeq})
	}

	return &connection.ResumeState{
		SessionID:     sess.ID,
		ResumeToken:   sess.ResumeToken,
		SeedSequences: seeds,
	}, nil
}

// sessionObserver wires a single Connection's lifecycle to the shared
// Router and to storage's session bookkeeping, per §4.6.
type sessionObserver struct {
	daemon *Daemon
}

func (o *sessionObserver) OnActive(c *connection.Connection) {
	// A resumed Connection keeps its prior session row (same session_id,
	// invariant 6); only a fresh handshake starts a new one.
	if !c.IsResumed() {
		meta := c.Metadata()
		sess := storage.Session{
			ID: c.SessionID(), AgentName: c.AgentName(), CLI: meta.CLI,
			ProjectRoot: meta.CWD, StartedAt: time.Now(), ResumeToken: c.ResumeToken(),
		}
		if err := o.daemon.store.StartSession(context.Background(), sess); err != nil {
			slog.Error("daemon: failed to persist session start", "agent", c.AgentName(), "error", err)
		}
	}
	o.daemon.router.OnActive(c)
}

func (o *sessionObserver) OnMessage(c *connection.Connection, env *envelope.Envelope) {
	o.daemon.router.OnMessage(c, env)
}

func (o *sessionObserver) OnAck(c *connection.Connection, ackID string, seq uint64) {
	o.daemon.router.OnAck(c, ackID, seq)
}

func (o *sessionObserver) OnPong(c *connection.Connection) {
	o.daemon.router.OnPong(c)
}

func (o *sessionObserver) OnClose(c *connection.Connection, reason string) {
	o.endSession(c, reason)
	o.daemon.router.OnClose(c, reason)
}

func (o *sessionObserver) OnError(c *connection.Connection, err error) {
	slog.Warn("daemon: connection error", "agent", c.AgentName(), "error", err)
	o.endSession(c, "error")
	o.daemon.router.OnError(c, err)
}

func (o *sessionObserver) OnBackpressure(c *connection.Connection, active bool) {
	o.daemon.router.OnBackpressure(c, active)
}

func (o *sessionObserver) endSession(c *connection.Connection, closedBy string) {
	if c.SessionID() == "" {
		return
	}
	if err := o.daemon.store.EndSession(context.Background(), c.SessionID(), "", closedBy); err != nil {
		slog.Error("daemon: failed to persist session end", "agent", c.AgentName(), "error", err)
	}
}

// snapshotLoop rewrites processing-state.json on an interval (§4.4/§6).
func (d *Daemon) snapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.ProcessingSnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.writeProcessingSnapshot()
		}
	}
}

type processingSnapshot struct {
	ProcessingAgents []string  `json:"processingAgents"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

func (d *Daemon) writeProcessingSnapshot() {
	names := d.router.ProcessingNames()
	if names == nil {
		names = []string{}
	}
	data, err := json.Marshal(processingSnapshot{ProcessingAgents: names, UpdatedAt: time.Now()})
	if err != nil {
		slog.Error("daemon: failed to marshal processing-state.json", "error", err)
		return
	}
	path := filepath.Join(d.cfg.TeamDir, "processing-state.json")
	if err := atomicwriter.WriteFile(path, data, 0o644); err != nil {
		slog.Error("daemon: failed to write processing-state.json", "error", err)
	}
}

// ackSweepLoop periodically re-enqueues stale unacknowledged deliveries
// (§4.5 ACK handling).
func (d *Daemon) ackSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.AckSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.router.AckSweep(d.cfg.AckTimeout)
		}
	}
}

// bindSocket binds a Unix-domain stream socket at path, refusing to unlink
// anything that isn't already a socket, and sets mode 0600 (§4.6, §6).
func bindSocket(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}

	if info, err := os.Lstat(path); err == nil {
		if info.Mode()&os.ModeSocket == 0 {
			return nil, fmt.Errorf("refusing to unlink non-socket at %s", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat socket path: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return listener, nil
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create pid file directory: %w", err)
	}
	return atomicwriter.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}

// ReadPID reads a daemon's PID file, for the `relayd stop` CLI subcommand
// (§6).
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read pid file: %w", err)
	}
	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		return 0, fmt.Errorf("parse pid file: %w", err)
	}
	return pid, nil
}
