package daemon

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/relayd/internal/codec"
	"github.com/ashureev/relayd/internal/config"
	"github.com/ashureev/relayd/internal/envelope"
	"github.com/ashureev/relayd/internal/storage/memstore"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		SocketPath:                 filepath.Join(dir, "relay.sock"),
		PIDFile:                    filepath.Join(dir, "relay.pid"),
		TeamDir:                    dir,
		DBPath:                     filepath.Join(dir, "relay.db"),
		MaxFrameBytes:              1 << 20,
		HeartbeatInterval:          time.Second,
		HeartbeatTimeoutMultiplier: 6,
		ResumeTimeout:              time.Second,
		WriteQueueCap:              100,
		WriteQueueHighWatermark:    80,
		WriteQueueLowWatermark:     20,
		CloseGrace:                 100 * time.Millisecond,
		AckTimeout:                 time.Minute,
		AckSweepInterval:           time.Hour,
		ProcessingIdleTimeout:      time.Minute,
		ProcessingSnapshotInterval: time.Hour,
		ShutdownDrainTimeout:       time.Second,
	}
}

func startDaemon(t *testing.T, cfg *config.Config) (context.CancelFunc, chan error) {
	t.Helper()
	store := memstore.New()
	d := New(cfg, store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.Dial("unix", cfg.SocketPath); err == nil {
			_ = conn.Close()
			return cancel, done
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("daemon never accepted connections")
	return cancel, done
}

type wireAgent struct {
	t    *testing.T
	conn net.Conn
	dec  *codec.Decoder
	buf  []byte
}

func dial(t *testing.T, cfg *config.Config) *wireAgent {
	t.Helper()
	conn, err := net.Dial("unix", cfg.SocketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return &wireAgent{t: t, conn: conn, dec: codec.NewDecoder(cfg.MaxFrameBytes), buf: make([]byte, 4096)}
}

func (w *wireAgent) send(env *envelope.Envelope) {
	w.t.Helper()
	frame, err := codec.Encode(env)
	if err != nil {
		w.t.Fatalf("encode: %v", err)
	}
	if _, err := w.conn.Write(frame); err != nil {
		w.t.Fatalf("write: %v", err)
	}
}

func (w *wireAgent) recv() *envelope.Envelope {
	w.t.Helper()
	_ = w.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		n, err := w.conn.Read(w.buf)
		if err != nil {
			w.t.Fatalf("read: %v", err)
		}
		envs, err := w.dec.Push(w.buf[:n])
		if err != nil {
			w.t.Fatalf("decode: %v", err)
		}
		if len(envs) > 0 {
			return envs[0]
		}
	}
}

func hello(agent string) *envelope.Envelope {
	payload, _ := json.Marshal(envelope.HelloPayload{
		Agent:        agent,
		Capabilities: envelope.Capabilities{Ack: true},
	})
	return &envelope.Envelope{
		V: envelope.ProtocolVersion, Type: envelope.TypeHello,
		ID: envelope.NewID(), TS: envelope.Now(), Payload: payload,
	}
}

func sendMsg(from, to, body string) *envelope.Envelope {
	payload, _ := json.Marshal(envelope.SendPayload{Kind: envelope.KindMessage, Body: body})
	return &envelope.Envelope{
		V: envelope.ProtocolVersion, Type: envelope.TypeSend,
		ID: envelope.NewID(), TS: envelope.Now(), From: from, To: to, Payload: payload,
	}
}

func TestHandshakeProducesWelcome(t *testing.T) {
	cfg := testConfig(t)
	cancel, done := startDaemon(t, cfg)
	defer func() { cancel(); <-done }()

	alice := dial(t, cfg)
	defer alice.conn.Close()
	alice.send(hello("alice"))

	welcome := alice.recv()
	if welcome.Type != envelope.TypeWelcome {
		t.Fatalf("expected WELCOME, got %s", welcome.Type)
	}
	var wp envelope.WelcomePayload
	if err := json.Unmarshal(welcome.Payload, &wp); err != nil {
		t.Fatalf("unmarshal welcome: %v", err)
	}
	if wp.SessionID == "" {
		t.Fatal("expected non-empty session id")
	}
}

func TestDirectSendDeliversAcrossConnections(t *testing.T) {
	cfg := testConfig(t)
	cancel, done := startDaemon(t, cfg)
	defer func() { cancel(); <-done }()

	alice := dial(t, cfg)
	defer alice.conn.Close()
	alice.send(hello("alice"))
	alice.recv()

	bob := dial(t, cfg)
	defer bob.conn.Close()
	bob.send(hello("bob"))
	bob.recv()

	alice.send(sendMsg("alice", "bob", "hi bob"))

	deliver := bob.recv()
	if deliver.Type != envelope.TypeDeliver {
		t.Fatalf("expected DELIVER, got %s", deliver.Type)
	}
	if deliver.From != "alice" {
		t.Fatalf("expected from=alice, got %s", deliver.From)
	}
	var sp envelope.SendPayload
	if err := json.Unmarshal(deliver.Payload, &sp); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if sp.Body != "hi bob" {
		t.Fatalf("expected body %q, got %q", "hi bob", sp.Body)
	}
}
