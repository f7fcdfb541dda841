package connection

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/ashureev/relayd/internal/codec"
	"github.com/ashureev/relayd/internal/envelope"
)

// recordingObserver captures every callback for assertions.
type recordingObserver struct {
	active       chan struct{}
	messages     chan *envelope.Envelope
	acks         chan string
	pongs        chan struct{}
	closed       chan string
	errored      chan error
	backpressure chan bool
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		active:       make(chan struct{}, 1),
		messages:     make(chan *envelope.Envelope, 16),
		acks:         make(chan string, 16),
		pongs:        make(chan struct{}, 16),
		closed:       make(chan string, 1),
		errored:      make(chan error, 1),
		backpressure: make(chan bool, 16),
	}
}

func (o *recordingObserver) OnActive(*Connection) {
	select {
	case o.active <- struct{}{}:
	default:
	}
}
func (o *recordingObserver) OnMessage(_ *Connection, env *envelope.Envelope) { o.messages <- env }
func (o *recordingObserver) OnAck(_ *Connection, ackID string, _ uint64)     { o.acks <- ackID }
func (o *recordingObserver) OnPong(*Connection)                             { o.pongs <- struct{}{} }
func (o *recordingObserver) OnClose(_ *Connection, reason string)           { o.closed <- reason }
func (o *recordingObserver) OnError(_ *Connection, err error)               { o.errored <- err }
func (o *recordingObserver) OnBackpressure(_ *Connection, active bool)      { o.backpressure <- active }

func writeEnvelope(t *testing.T, conn net.Conn, env *envelope.Envelope) {
	t.Helper()
	frame, err := codec.Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readEnvelope(t *testing.T, conn net.Conn) *envelope.Envelope {
	t.Helper()
	dec := codec.NewDecoder(0)
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		envs, err := dec.Push(buf[:n])
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(envs) > 0 {
			return envs[0]
		}
	}
}

func helloEnvelope(agent string) *envelope.Envelope {
	payload, _ := json.Marshal(envelope.HelloPayload{Agent: agent})
	return &envelope.Envelope{
		V: envelope.ProtocolVersion, Type: envelope.TypeHello,
		ID: envelope.NewID(), TS: envelope.Now(), Payload: payload,
	}
}

// newHandshaken spins up a Connection over a net.Pipe, completes the
// handshake from the test's side, and returns both ends.
func newHandshaken(t *testing.T, opts Options, obs Observer) (*Connection, net.Conn, func()) {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	c := New("test-conn", serverSide, opts, obs)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(done)
	}()

	writeEnvelope(t, clientSide, helloEnvelope("alice"))
	welcome := readEnvelope(t, clientSide)
	if welcome.Type != envelope.TypeWelcome {
		t.Fatalf("expected WELCOME, got %s", welcome.Type)
	}

	cleanup := func() {
		cancel()
		clientSide.Close()
		<-done
	}
	return c, clientSide, cleanup
}

func TestHandshakeTransitionsToActive(t *testing.T) {
	obs := newRecordingObserver()
	c, _, cleanup := newHandshaken(t, Options{}, obs)
	defer cleanup()

	select {
	case <-obs.active:
	case <-time.After(time.Second):
		t.Fatal("expected OnActive to fire")
	}
	if c.State() != StateActive {
		t.Errorf("expected ACTIVE, got %s", c.State())
	}
	if c.AgentName() != "alice" {
		t.Errorf("expected agent name alice, got %q", c.AgentName())
	}
}

func TestRejectsWrongFirstFrame(t *testing.T) {
	obs := newRecordingObserver()
	serverSide, clientSide := net.Pipe()
	c := New("test-conn", serverSide, Options{}, obs)

	done := make(chan struct{})
	go func() {
		_ = c.Run(context.Background())
		close(done)
	}()
	defer func() {
		clientSide.Close()
		<-done
	}()

	payload, _ := json.Marshal(envelope.PingPongPayload{})
	writeEnvelope(t, clientSide, &envelope.Envelope{
		V: envelope.ProtocolVersion, Type: envelope.TypePing,
		ID: envelope.NewID(), TS: envelope.Now(), Payload: payload,
	})

	errFrame := readEnvelope(t, clientSide)
	if errFrame.Type != envelope.TypeError {
		t.Fatalf("expected ERROR, got %s", errFrame.Type)
	}

	select {
	case <-obs.errored:
	case <-time.After(time.Second):
		t.Fatal("expected OnError to fire")
	}
}

func TestPingPongKeepsConnectionAlive(t *testing.T) {
	obs := newRecordingObserver()
	opts := Options{HeartbeatInterval: 20 * time.Millisecond, HeartbeatTimeoutMultiplier: 2}
	_, clientSide, cleanup := newHandshaken(t, opts, obs)
	defer cleanup()

	ping := readEnvelope(t, clientSide)
	if ping.Type != envelope.TypePing {
		t.Fatalf("expected PING, got %s", ping.Type)
	}

	pongPayload, _ := json.Marshal(envelope.PingPongPayload{})
	writeEnvelope(t, clientSide, &envelope.Envelope{
		V: envelope.ProtocolVersion, Type: envelope.TypePong,
		ID: envelope.NewID(), TS: envelope.Now(), Payload: pongPayload,
	})

	select {
	case <-obs.pongs:
	case <-time.After(time.Second):
		t.Fatal("expected OnPong to fire")
	}
}

func TestHeartbeatTimeoutFailsConnectionUnlessProcessing(t *testing.T) {
	obs := newRecordingObserver()
	opts := Options{
		HeartbeatInterval:          10 * time.Millisecond,
		HeartbeatTimeoutMultiplier: 2,
		IsProcessing:               func(string) bool { return false },
	}
	_, _, cleanup := newHandshaken(t, opts, obs)
	defer cleanup()

	select {
	case err := <-obs.errored:
		if err == nil {
			t.Fatal("expected non-nil heartbeat error")
		}
	case <-time.After(time.Second):
		t.Fatal("expected heartbeat timeout to fail the connection")
	}
}

func TestHeartbeatExemptWhileProcessing(t *testing.T) {
	obs := newRecordingObserver()
	opts := Options{
		HeartbeatInterval:          10 * time.Millisecond,
		HeartbeatTimeoutMultiplier: 2,
		IsProcessing:               func(string) bool { return true },
	}
	_, _, cleanup := newHandshaken(t, opts, obs)
	defer cleanup()

	select {
	case <-obs.errored:
		t.Fatal("expected no heartbeat error while agent is processing")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSendDeliversFrameToPeer(t *testing.T) {
	obs := newRecordingObserver()
	c, clientSide, cleanup := newHandshaken(t, Options{}, obs)
	defer cleanup()

	payload, _ := json.Marshal(envelope.SendPayload{Kind: envelope.KindMessage, Body: "hi"})
	env := &envelope.Envelope{
		V: envelope.ProtocolVersion, Type: envelope.TypeDeliver,
		ID: envelope.NewID(), TS: envelope.Now(), From: "bob", To: "alice", Payload: payload,
	}
	if !c.Send(env) {
		t.Fatal("expected Send to succeed")
	}

	got := readEnvelope(t, clientSide)
	if got.Type != envelope.TypeDeliver || got.From != "bob" {
		t.Errorf("unexpected envelope: %+v", got)
	}
}

func TestNextSeqIsMonotonicPerStream(t *testing.T) {
	obs := newRecordingObserver()
	c, _, cleanup := newHandshaken(t, Options{}, obs)
	defer cleanup()

	if s := c.NextSeq("default", "bob"); s != 1 {
		t.Errorf("expected first seq 1, got %d", s)
	}
	if s := c.NextSeq("default", "bob"); s != 2 {
		t.Errorf("expected second seq 2, got %d", s)
	}
	if s := c.NextSeq("default", "carol"); s != 1 {
		t.Errorf("expected independent stream to start at 1, got %d", s)
	}
}

func TestPendingAckLifecycle(t *testing.T) {
	obs := newRecordingObserver()
	c, _, cleanup := newHandshaken(t, Options{}, obs)
	defer cleanup()

	env := &envelope.Envelope{ID: "m1", Type: envelope.TypeDeliver}
	c.RecordPending("ack-1", env, "alice")

	old := c.PendingOlderThan(time.Now().Add(time.Hour))
	if _, ok := old["ack-1"]; !ok {
		t.Fatal("expected pending entry to be visible as older than a future cutoff")
	}

	pd, ok := c.ClearPending("ack-1")
	if !ok || pd.Target != "alice" {
		t.Fatalf("expected to clear pending entry, got ok=%v pd=%+v", ok, pd)
	}
	if _, ok := c.ClearPending("ack-1"); ok {
		t.Fatal("expected second clear to report not-found")
	}
}

func TestResumeHandlerSeedsSequencesAndMarksResumed(t *testing.T) {
	obs := newRecordingObserver()
	resumeHandler := func(_ context.Context, agent, token string) (*ResumeState, error) {
		if token != "good-token" {
			return nil, nil
		}
		return &ResumeState{
			SessionID:   "sess-1",
			ResumeToken: "good-token",
			SeedSequences: []SeedSeq{
				{Topic: "default", Peer: "bob", Seq: 41},
			},
		}, nil
	}

	serverSide, clientSide := net.Pipe()
	c := New("test-conn", serverSide, Options{ResumeHandler: resumeHandler}, obs)
	done := make(chan struct{})
	go func() {
		_ = c.Run(context.Background())
		close(done)
	}()
	defer func() {
		clientSide.Close()
		<-done
	}()

	payload, _ := json.Marshal(envelope.HelloPayload{
		Agent:   "alice",
		Session: &envelope.SessionRef{ResumeToken: "good-token"},
	})
	writeEnvelope(t, clientSide, &envelope.Envelope{
		V: envelope.ProtocolVersion, Type: envelope.TypeHello,
		ID: envelope.NewID(), TS: envelope.Now(), Payload: payload,
	})

	welcome := readEnvelope(t, clientSide)
	var wp envelope.WelcomePayload
	if err := json.Unmarshal(welcome.Payload, &wp); err != nil {
		t.Fatalf("decode welcome: %v", err)
	}
	if wp.SessionID != "sess-1" {
		t.Errorf("expected resumed session id, got %q", wp.SessionID)
	}
	if !c.IsResumed() {
		t.Error("expected IsResumed to be true")
	}
	if next := c.NextSeq("default", "bob"); next != 42 {
		t.Errorf("expected seeded seq to continue from 41, got %d", next)
	}
}
