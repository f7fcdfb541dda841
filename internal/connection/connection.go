// Package connection implements the per-socket actor described in §4.3:
// handshake, heartbeat, write-queue backpressure, per-stream sequence
// counters, and resume bootstrapping.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/relayd/internal/codec"
	"github.com/ashureev/relayd/internal/envelope"
	"github.com/ashureev/relayd/internal/storage"
	"github.com/google/uuid"
)

// Socket is the minimal transport a Connection needs; net.Conn satisfies
// it, and tests can supply net.Pipe() ends or any io.ReadWriteCloser.
type Socket interface {
	io.Reader
	io.Writer
	io.Closer
}

// SeedSeq seeds a (topic, peer) sequence counter above its current value
// on resume.
type SeedSeq struct {
	Topic string
	Peer  string
	Seq   uint64
}

// ResumeState is what a ResumeHandler returns to adopt a prior session.
type ResumeState struct {
	SessionID      string
	ResumeToken    string
	SeedSequences  []SeedSeq
}

// ResumeHandler looks up a previous session by resume token. A nil result
// (with or without an error) means resume is rejected: the Connection
// proceeds with a fresh session and a non-fatal RESUME_TOO_OLD error.
type ResumeHandler func(ctx context.Context, agent, resumeToken string) (*ResumeState, error)

// Metadata is the optional agent-supplied context carried in HELLO.
type Metadata struct {
	CLI     string
	Program string
	Model   string
	Task    string
	CWD     string
}

// Options configures a Connection. Zero values fall back to the §4
// defaults.
type Options struct {
	MaxFrameBytes              int
	HeartbeatInterval          time.Duration
	HeartbeatTimeoutMultiplier int
	ResumeTimeout              time.Duration
	WriteQueueCap              int
	WriteQueueHighWatermark    int
	WriteQueueLowWatermark     int
	CloseGrace                 time.Duration
	ResumeHandler              ResumeHandler
	// IsProcessing exempts an agent performing long internal work from
	// the heartbeat timeout (§4.3).
	IsProcessing func(agent string) bool
}

func (o Options) withDefaults() Options {
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = codec.DefaultMaxFrameBytes
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 5 * time.Second
	}
	if o.HeartbeatTimeoutMultiplier <= 0 {
		o.HeartbeatTimeoutMultiplier = 6
	}
	if o.ResumeTimeout <= 0 {
		o.ResumeTimeout = 5 * time.Second
	}
	if o.WriteQueueCap <= 0 {
		o.WriteQueueCap = 2000
	}
	if o.WriteQueueHighWatermark <= 0 {
		o.WriteQueueHighWatermark = 1500
	}
	if o.WriteQueueLowWatermark <= 0 {
		o.WriteQueueLowWatermark = 500
	}
	if o.CloseGrace <= 0 {
		o.CloseGrace = 2 * time.Second
	}
	if o.IsProcessing == nil {
		o.IsProcessing = func(string) bool { return false }
	}
	return o
}

// Connection is a single agent socket's per-connection actor. It is
// exclusively owned by its accept loop's goroutines and referenced weakly
// (by agent name) from the Router.
type Connection struct {
	id     string
	socket Socket
	opts   Options
	obs    Observer
	dec    *codec.Decoder

	mu              sync.Mutex
	state           State
	agentName       string
	metadata        Metadata
	sessionID       string
	resumeToken     string
	isResumed       bool
	seqCounters     map[string]uint64 // storage.StreamKey(topic,peer) -> last issued seq
	pendingAcks     map[string]PendingDelivery
	lastPongAt      time.Time
	backpressured   bool
	queueFullLogged bool

	writeQueue chan []byte
	closeOnce  sync.Once
	closed     chan struct{}
}

// New constructs a Connection around an accepted socket. Call Run to drive
// it; Run blocks until the connection terminates.
func New(id string, socket Socket, opts Options, obs Observer) *Connection {
	opts = opts.withDefaults()
	return &Connection{
		id:          id,
		socket:      socket,
		opts:        opts,
		obs:         obs,
		dec:         codec.NewDecoder(opts.MaxFrameBytes),
		state:       StateConnecting,
		seqCounters: make(map[string]uint64),
		pendingAcks: make(map[string]PendingDelivery),
		writeQueue:  make(chan []byte, opts.WriteQueueCap),
		closed:      make(chan struct{}),
	}
}

// ID returns the Connection's unique id.
func (c *Connection) ID() string { return c.id }

// AgentName returns the handshaken agent name, empty before HANDSHAKING
// completes.
func (c *Connection) AgentName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentName
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsResumed reports whether this Connection adopted a prior session.
func (c *Connection) IsResumed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isResumed
}

// Metadata returns the agent-supplied HELLO metadata.
func (c *Connection) Metadata() Metadata {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metadata
}

// SeqWatermarks returns a snapshot of every (topic, peer) sequence counter
// this Connection has issued or been seeded with, keyed the same way as
// storage.StreamKey. Callers use this to build the watermark map passed to
// Store.GetMessagesAfter when replaying on resume (§4.5).
func (c *Connection) SeqWatermarks() map[string]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]uint64, len(c.seqCounters))
	for k, v := range c.seqCounters {
		out[k] = v
	}
	return out
}

// SessionID returns the active session id.
func (c *Connection) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// ResumeToken returns the opaque token a future reconnect can use to adopt
// this Connection's session.
func (c *Connection) ResumeToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resumeToken
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Run drives the Connection: installs the write-drain goroutine, performs
// the handshake, starts the heartbeat, and processes frames until the
// socket closes or a fatal error occurs. It always returns nil; terminal
// conditions are reported through the Observer.
func (c *Connection) Run(ctx context.Context) error {
	c.setState(StateConnecting)
	c.mu.Lock()
	c.lastPongAt = time.Now()
	c.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.drainLoop()
	}()

	c.setState(StateHandshaking)
	if err := c.handshake(runCtx); err != nil {
		c.fail(fmt.Errorf("handshake: %w", err))
		cancel()
		close(c.writeQueue)
		wg.Wait()
		return nil
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.heartbeatLoop(runCtx)
	}()

	c.readLoop(runCtx)

	cancel()
	close(c.writeQueue)
	wg.Wait()
	return nil
}

// readLoop processes frames to completion one at a time, preserving
// per-connection inbound order (§5).
func (c *Connection) readLoop(ctx context.Context) {
	buf := make([]byte, 32*1024)
	for {
		select {
		case <-c.closed:
			return
		default:
		}

		n, err := c.socket.Read(buf)
		if n > 0 {
			envs, decErr := c.dec.Push(buf[:n])
			for _, env := range envs {
				c.handleActiveFrame(ctx, env)
				if c.State().terminal() {
					return
				}
			}
			if decErr != nil {
				c.protocolError(decErr)
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.finishClose("disconnect")
			} else {
				c.fail(fmt.Errorf("socket read: %w", err))
			}
			return
		}
	}
}

// handshake blocks until a valid HELLO has been processed and WELCOME
// emitted, or the handshake fails.
func (c *Connection) handshake(ctx context.Context) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := c.socket.Read(buf)
		if n > 0 {
			envs, decErr := c.dec.Push(buf[:n])
			for _, env := range envs {
				done, herr := c.processHandshakeFrame(ctx, env)
				if herr != nil {
					return herr
				}
				if done {
					return nil
				}
			}
			if decErr != nil {
				return decErr
			}
		}
		if err != nil {
			return fmt.Errorf("read during handshake: %w", err)
		}
	}
}

func (c *Connection) processHandshakeFrame(ctx context.Context, env *envelope.Envelope) (done bool, err error) {
	if env.Type != envelope.TypeHello {
		c.sendError(envelope.ErrBadRequest, "expected HELLO", true)
		return false, fmt.Errorf("unexpected frame type %s during handshake", env.Type)
	}

	var hello envelope.HelloPayload
	if err := json.Unmarshal(env.Payload, &hello); err != nil {
		c.sendError(envelope.ErrBadRequest, "malformed HELLO payload", true)
		return false, fmt.Errorf("decode HELLO: %w", err)
	}
	if env.V != envelope.ProtocolVersion {
		c.sendError(envelope.ErrBadRequest, "unsupported protocol version", true)
		return false, fmt.Errorf("protocol version mismatch: got %d", env.V)
	}

	c.mu.Lock()
	c.agentName = hello.Agent
	c.metadata = Metadata{CLI: hello.CLI, Program: hello.Program, Model: hello.Model, Task: hello.Task, CWD: hello.WorkingDirectory}
	c.mu.Unlock()

	if hello.Session != nil && hello.Session.ResumeToken != "" && c.opts.ResumeHandler != nil {
		c.tryResume(ctx, hello.Agent, hello.Session.ResumeToken)
	} else {
		c.startFreshSession()
	}

	c.emitWelcome()
	c.setState(StateActive)
	if c.obs != nil {
		c.obs.OnActive(c)
	}
	return true, nil
}

func (c *Connection) startFreshSession() {
	c.mu.Lock()
	c.sessionID = uuid.NewString()
	c.resumeToken = uuid.NewString()
	c.isResumed = false
	c.mu.Unlock()
}

func (c *Connection) tryResume(ctx context.Context, agent, token string) {
	resumeCtx, cancel := context.WithTimeout(ctx, c.opts.ResumeTimeout)
	defer cancel()

	state, err := c.opts.ResumeHandler(resumeCtx, agent, token)
	if err != nil || state == nil {
		c.sendError(envelope.ErrResumeTooOld, "resume token rejected", false)
		c.startFreshSession()
		return
	}

	c.mu.Lock()
	c.sessionID = state.SessionID
	if state.ResumeToken != "" {
		c.resumeToken = state.ResumeToken
	} else {
		c.resumeToken = token
	}
	for _, seed := range state.SeedSequences {
		key := storage.StreamKey(seed.Topic, seed.Peer)
		if seed.Seq > c.seqCounters[key] {
			c.seqCounters[key] = seed.Seq
		}
	}
	c.isResumed = true
	c.mu.Unlock()
}

func (c *Connection) emitWelcome() {
	c.mu.Lock()
	sessionID := c.sessionID
	resumeToken := c.resumeToken
	c.mu.Unlock()

	payload, _ := json.Marshal(envelope.WelcomePayload{
		SessionID:   sessionID,
		ResumeToken: resumeToken,
		Server: envelope.ServerInfo{
			MaxFrameBytes: c.opts.MaxFrameBytes,
			HeartbeatMs:   int(c.opts.HeartbeatInterval / time.Millisecond),
		},
	})
	c.enqueueEnvelope(&envelope.Envelope{
		V: envelope.ProtocolVersion, Type: envelope.TypeWelcome,
		ID: envelope.NewID(), TS: envelope.Now(), Payload: payload,
	})
}

// handleActiveFrame dispatches an ACTIVE-state frame per the §4.3
// transition table.
func (c *Connection) handleActiveFrame(_ context.Context, env *envelope.Envelope) {
	switch env.Type {
	case envelope.TypeSend, envelope.TypeSubscribe, envelope.TypeUnsubscribe,
		envelope.TypeShadowBind, envelope.TypeShadowUnbind:
		if c.obs != nil {
			c.obs.OnMessage(c, env)
		}
	case envelope.TypeAck:
		var ack envelope.AckPayload
		if err := json.Unmarshal(env.Payload, &ack); err != nil {
			slog.Debug("connection: malformed ACK payload, ignoring", "id", c.id, "error", err)
			return
		}
		if c.obs != nil {
			c.obs.OnAck(c, ack.AckID, ack.Seq)
		}
	case envelope.TypePong:
		c.mu.Lock()
		c.lastPongAt = time.Now()
		c.mu.Unlock()
		if c.obs != nil {
			c.obs.OnPong(c)
		}
	case envelope.TypePing:
		var ping envelope.PingPongPayload
		_ = json.Unmarshal(env.Payload, &ping)
		c.sendPong(ping.Nonce)
	case envelope.TypeBye:
		c.setState(StateClosing)
		c.finishClose("agent")
	default:
		// Unknown/forward-compatible types still reach the observer
		// unchanged (§4.2).
		if c.obs != nil {
			c.obs.OnMessage(c, env)
		}
	}
}

func (c *Connection) sendPong(nonce string) {
	payload, _ := json.Marshal(envelope.PingPongPayload{Nonce: nonce})
	c.enqueueEnvelope(&envelope.Envelope{
		V: envelope.ProtocolVersion, Type: envelope.TypePong,
		ID: envelope.NewID(), TS: envelope.Now(), Payload: payload,
	})
}

func (c *Connection) sendError(code, message string, fatal bool) {
	payload, _ := json.Marshal(envelope.ErrorPayload{Code: code, Message: message, Fatal: fatal})
	c.enqueueEnvelope(&envelope.Envelope{
		V: envelope.ProtocolVersion, Type: envelope.TypeError,
		ID: envelope.NewID(), TS: envelope.Now(), Payload: payload,
	})
}

func (c *Connection) protocolError(err error) {
	c.sendError(envelope.ErrBadFrame, err.Error(), true)
	c.fail(fmt.Errorf("protocol error: %w", err))
}

// NextSeq returns the next sequence number for a (topic, peer) stream and
// stores it; missing keys default to 0 (§4.3).
func (c *Connection) NextSeq(topic, peer string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := storage.StreamKey(topic, peer)
	next := c.seqCounters[key] + 1
	c.seqCounters[key] = next
	return next
}

// SeqWatermark returns the current (already-issued) counter for a stream
// without advancing it.
func (c *Connection) SeqWatermark(topic, peer string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seqCounters[storage.StreamKey(topic, peer)]
}

// Send enqueues an envelope for delivery to this Connection's peer. It
// returns false if the Connection is closed/errored or the write queue is
// full (§4.7).
func (c *Connection) Send(env *envelope.Envelope) bool {
	if c.State().terminal() {
		return false
	}
	return c.enqueueEnvelope(env)
}

func (c *Connection) enqueueEnvelope(env *envelope.Envelope) bool {
	frame, err := codec.Encode(env)
	if err != nil {
		slog.Error("connection: failed to encode envelope", "id", c.id, "error", err)
		return false
	}

	select {
	case c.writeQueue <- frame:
		c.clearQueueFullLogged()
		c.updateBackpressure()
		return true
	default:
		c.logQueueFullOnce()
		return false
	}
}

// logQueueFullOnce logs the hard-cap overflow a single time per overflow
// episode (§4.3: "drops the newest message and logs" once, not per drop),
// rearmed once the queue has room again.
func (c *Connection) logQueueFullOnce() {
	c.mu.Lock()
	alreadyLogged := c.queueFullLogged
	c.queueFullLogged = true
	c.mu.Unlock()

	if !alreadyLogged {
		slog.Warn("connection: write queue full, dropping newest message", "id", c.id, "agent", c.AgentName())
	}
}

func (c *Connection) clearQueueFullLogged() {
	c.mu.Lock()
	c.queueFullLogged = false
	c.mu.Unlock()
}

func (c *Connection) updateBackpressure() {
	qlen := len(c.writeQueue)
	c.mu.Lock()
	was := c.backpressured
	now := was
	if !was && qlen >= c.opts.WriteQueueHighWatermark {
		now = true
	} else if was && qlen <= c.opts.WriteQueueLowWatermark {
		now = false
	}
	c.backpressured = now
	c.mu.Unlock()

	if now != was && c.obs != nil {
		c.obs.OnBackpressure(c, now)
	}
}

func (c *Connection) drainLoop() {
	for frame := range c.writeQueue {
		if _, err := c.socket.Write(frame); err != nil {
			slog.Debug("connection: write error", "id", c.id, "error", err)
			c.fail(fmt.Errorf("socket write: %w", err))
			continue
		}
		c.updateBackpressure()
	}
}

func (c *Connection) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case <-ticker.C:
			c.sendPing()
			c.checkHeartbeat()
		}
	}
}

func (c *Connection) sendPing() {
	payload, _ := json.Marshal(envelope.PingPongPayload{Nonce: envelope.NewID()})
	c.enqueueEnvelope(&envelope.Envelope{
		V: envelope.ProtocolVersion, Type: envelope.TypePing,
		ID: envelope.NewID(), TS: envelope.Now(), Payload: payload,
	})
}

func (c *Connection) checkHeartbeat() {
	c.mu.Lock()
	elapsed := time.Since(c.lastPongAt)
	agent := c.agentName
	c.mu.Unlock()

	threshold := c.opts.HeartbeatInterval * time.Duration(c.opts.HeartbeatTimeoutMultiplier)
	if elapsed <= threshold {
		return
	}

	if c.opts.IsProcessing(agent) {
		// Long-running work in progress; reset the timer instead of
		// killing the connection (§4.3).
		c.mu.Lock()
		c.lastPongAt = time.Now()
		c.mu.Unlock()
		return
	}

	c.fail(fmt.Errorf("%w: no pong for %s", ErrHeartbeatTimeout, elapsed))
}

// ErrHeartbeatTimeout is reported via Observer.OnError when a Connection
// fails its liveness check.
var ErrHeartbeatTimeout = fmt.Errorf("connection: heartbeat timeout")

// fail transitions the Connection to ERROR, destroys the socket, and
// fires OnError exactly once (§3 invariant 4).
func (c *Connection) fail(err error) {
	c.closeOnce.Do(func() {
		c.setState(StateError)
		close(c.closed)
		if c.obs != nil {
			c.obs.OnError(c, err)
		}
		// Give the drain goroutine a chance to flush anything already
		// queued (e.g. the ERROR frame that usually precedes a fail)
		// before tearing down the socket.
		go c.closeSocketAfterGrace()
	})
}

func (c *Connection) closeSocketAfterGrace() {
	time.Sleep(c.opts.CloseGrace)
	_ = c.socket.Close()
}

// finishClose transitions the Connection to CLOSED and fires OnClose
// exactly once.
func (c *Connection) finishClose(reason string) {
	c.closeOnce.Do(func() {
		c.setState(StateClosed)
		close(c.closed)
		_ = c.socket.Close()
		if c.obs != nil {
			c.obs.OnClose(c, reason)
		}
	})
}

// Close performs a graceful shutdown: emits BYE, transitions to CLOSING,
// and destroys the socket after CloseGrace if the peer hasn't already
// closed it.
func (c *Connection) Close() {
	if c.State().terminal() {
		return
	}
	c.setState(StateClosing)
	c.enqueueEnvelope(&envelope.Envelope{
		V: envelope.ProtocolVersion, Type: envelope.TypeBye,
		ID: envelope.NewID(), TS: envelope.Now(), Payload: json.RawMessage(`{}`),
	})

	go func() {
		select {
		case <-c.closed:
		case <-time.After(c.opts.CloseGrace):
			c.finishClose("agent")
		}
	}()
}
