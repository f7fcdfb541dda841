package router

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/ashureev/relayd/internal/codec"
	"github.com/ashureev/relayd/internal/connection"
	"github.com/ashureev/relayd/internal/envelope"
	"github.com/ashureev/relayd/internal/registry"
	"github.com/ashureev/relayd/internal/storage/memstore"
)

// testAgent wraps a handshaken Connection for routing tests.
type testAgent struct {
	name    string
	conn    *connection.Connection
	client  net.Conn
	cleanup func()
}

func newTestAgent(t *testing.T, r *Router, name string) *testAgent {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	c := connection.New(name, serverSide, connection.Options{IsProcessing: r.IsProcessing}, r)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(done)
	}()

	payload, _ := json.Marshal(envelope.HelloPayload{Agent: name})
	writeEnvelope(t, clientSide, &envelope.Envelope{
		V: envelope.ProtocolVersion, Type: envelope.TypeHello,
		ID: envelope.NewID(), TS: envelope.Now(), Payload: payload,
	})
	welcome := readEnvelope(t, clientSide)
	if welcome.Type != envelope.TypeWelcome {
		t.Fatalf("%s: expected WELCOME, got %s", name, welcome.Type)
	}

	return &testAgent{
		name: name, conn: c, client: clientSide,
		cleanup: func() {
			cancel()
			clientSide.Close()
			<-done
		},
	}
}

func (a *testAgent) send(t *testing.T, to, topic, body string) {
	t.Helper()
	payload, _ := json.Marshal(envelope.SendPayload{Kind: envelope.KindMessage, Body: body})
	writeEnvelope(t, a.client, &envelope.Envelope{
		V: envelope.ProtocolVersion, Type: envelope.TypeSend,
		ID: envelope.NewID(), TS: envelope.Now(), To: to, Topic: topic, Payload: payload,
	})
}

func (a *testAgent) subscribe(t *testing.T, topic string) {
	t.Helper()
	payload, _ := json.Marshal(envelope.SubscribePayload{Topic: topic})
	writeEnvelope(t, a.client, &envelope.Envelope{
		V: envelope.ProtocolVersion, Type: envelope.TypeSubscribe,
		ID: envelope.NewID(), TS: envelope.Now(), Payload: payload,
	})
	time.Sleep(20 * time.Millisecond) // let the router process it
}

func (a *testAgent) expectDeliver(t *testing.T, timeout time.Duration) *envelope.Envelope {
	t.Helper()
	_ = a.client.SetReadDeadline(time.Now().Add(timeout))
	defer func() { _ = a.client.SetReadDeadline(time.Time{}) }()

	dec := codec.NewDecoder(0)
	buf := make([]byte, 4096)
	for {
		n, err := a.client.Read(buf)
		if err != nil {
			t.Fatalf("%s: timed out waiting for DELIVER: %v", a.name, err)
		}
		envs, decErr := dec.Push(buf[:n])
		if decErr != nil {
			t.Fatalf("%s: decode: %v", a.name, decErr)
		}
		if len(envs) > 0 {
			return envs[0]
		}
	}
}

func (a *testAgent) expectNoDeliver(t *testing.T, within time.Duration) {
	t.Helper()
	_ = a.client.SetReadDeadline(time.Now().Add(within))
	defer func() { _ = a.client.SetReadDeadline(time.Time{}) }()

	buf := make([]byte, 4096)
	n, err := a.client.Read(buf)
	if err == nil {
		t.Fatalf("%s: unexpected frame bytes: %q", a.name, buf[:n])
	}
}

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

func newTestRouter() *Router {
	return New(memstore.New(), registry.New(""), Options{})
}

func TestDirectedSelfSendDeliversWithSeqOne(t *testing.T) {
	r := newTestRouter()
	alice := newTestAgent(t, r, "alice")
	defer alice.cleanup()

	alice.send(t, "alice", "", "self")

	deliver := alice.expectDeliver(t, time.Second)
	if deliver.Type != envelope.TypeDeliver {
		t.Fatalf("expected DELIVER, got %s", deliver.Type)
	}
	if deliver.Delivery == nil || deliver.Delivery.Seq != 1 || deliver.Delivery.Peer != "alice" {
		t.Fatalf("unexpected delivery metadata: %+v", deliver.Delivery)
	}
	var send envelope.SendPayload
	_ = json.Unmarshal(deliver.Payload, &send)
	if send.Body != "self" {
		t.Errorf("expected body %q, got %q", "self", send.Body)
	}
}

func TestBroadcastReachesOthersNotSender(t *testing.T) {
	r := newTestRouter()
	alice := newTestAgent(t, r, "alice")
	bob := newTestAgent(t, r, "bob")
	carol := newTestAgent(t, r, "carol")
	defer alice.cleanup()
	defer bob.cleanup()
	defer carol.cleanup()

	alice.send(t, envelope.BroadcastTarget, "", "hi")

	bobDeliver := bob.expectDeliver(t, time.Second)
	carolDeliver := carol.expectDeliver(t, time.Second)

	for _, d := range []*envelope.Envelope{bobDeliver, carolDeliver} {
		if d.Delivery.OriginalTo != envelope.BroadcastTarget {
			t.Errorf("expected originalTo=*, got %q", d.Delivery.OriginalTo)
		}
		if d.Delivery.Peer != "alice" {
			t.Errorf("expected peer=alice, got %q", d.Delivery.Peer)
		}
		if d.Delivery.Seq != 1 {
			t.Errorf("expected seq=1, got %d", d.Delivery.Seq)
		}
	}
	if bobDeliver.ID == carolDeliver.ID {
		t.Errorf("expected distinct DELIVER ids for bob and carol")
	}

	alice.expectNoDeliver(t, 100*time.Millisecond)
}

func TestTopicPublicationExcludesPublisher(t *testing.T) {
	r := newTestRouter()
	alice := newTestAgent(t, r, "alice")
	bob := newTestAgent(t, r, "bob")
	defer alice.cleanup()
	defer bob.cleanup()

	alice.subscribe(t, "news")
	bob.subscribe(t, "news")

	alice.send(t, "", "news", "breaking")

	d := bob.expectDeliver(t, time.Second)
	if d.Delivery.Peer != "alice" {
		t.Errorf("expected peer=alice, got %q", d.Delivery.Peer)
	}
	alice.expectNoDeliver(t, 100*time.Millisecond)
}

func TestShadowFanoutReceivesIncomingAndOutgoing(t *testing.T) {
	r := newTestRouter()
	alice := newTestAgent(t, r, "alice")
	bob := newTestAgent(t, r, "bob")
	carol := newTestAgent(t, r, "carol")
	shadow := newTestAgent(t, r, "alice-shadow")
	defer alice.cleanup()
	defer bob.cleanup()
	defer carol.cleanup()
	defer shadow.cleanup()

	r.BindShadow("alice-shadow", "alice", ShadowFlags{ReceiveIncoming: true, ReceiveOutgoing: true})

	bob.send(t, "alice", "", "hello alice")
	aliceDeliver := alice.expectDeliver(t, time.Second)
	if aliceDeliver.Delivery.Peer != "bob" || aliceDeliver.Delivery.Seq != 1 {
		t.Fatalf("unexpected alice delivery: %+v", aliceDeliver.Delivery)
	}
	shadowIn := shadow.expectDeliver(t, time.Second)
	if shadowIn.Delivery.Topic != "shadow-in" || shadowIn.Delivery.Peer != "bob" {
		t.Fatalf("unexpected shadow-in delivery: %+v", shadowIn.Delivery)
	}

	alice.send(t, "carol", "", "hi carol")
	carol.expectDeliver(t, time.Second)
	shadowOut := shadow.expectDeliver(t, time.Second)
	if shadowOut.Delivery.Topic != "shadow-out" || shadowOut.Delivery.Peer != "carol" {
		t.Fatalf("unexpected shadow-out delivery: %+v", shadowOut.Delivery)
	}
}

func TestBindShadowSelfIsNoop(t *testing.T) {
	r := newTestRouter()
	r.BindShadow("alice", "alice", ShadowFlags{ReceiveIncoming: true})
	if shadows := r.shadowsOf("alice"); len(shadows) != 0 {
		t.Errorf("expected no self-shadow binding, got %+v", shadows)
	}
}

func TestSubscribeUnknownAgentIsNoop(t *testing.T) {
	r := newTestRouter()
	r.Subscribe("ghost", "news")
	r.mu.Lock()
	_, ok := r.topics["news"]
	r.mu.Unlock()
	if ok {
		t.Errorf("expected no subscription created for unregistered agent")
	}
}

func TestAckClearsPendingDelivery(t *testing.T) {
	r := newTestRouter()
	alice := newTestAgent(t, r, "alice")
	bob := newTestAgent(t, r, "bob")
	defer alice.cleanup()
	defer bob.cleanup()

	alice.send(t, "bob", "", "hi")
	deliver := bob.expectDeliver(t, time.Second)

	ackPayload, _ := json.Marshal(envelope.AckPayload{AckID: deliver.ID, Seq: deliver.Delivery.Seq})
	writeEnvelope(t, bob.client, &envelope.Envelope{
		V: envelope.ProtocolVersion, Type: envelope.TypeAck,
		ID: envelope.NewID(), TS: envelope.Now(), Payload: ackPayload,
	})

	time.Sleep(50 * time.Millisecond)
	if _, ok := alice.conn.ClearPending(deliver.ID); ok {
		t.Fatalf("expected ACK to have already cleared the pending delivery")
	}
}

func TestSystemBroadcastSkipsPendingAckTracking(t *testing.T) {
	r := newTestRouter()
	alice := newTestAgent(t, r, "alice")
	defer alice.cleanup()

	r.SystemBroadcast("maintenance", map[string]any{"etaSeconds": 30})

	d := alice.expectDeliver(t, time.Second)
	if d.Delivery.Peer != envelope.SystemAgent {
		t.Fatalf("expected peer=__system, got %q", d.Delivery.Peer)
	}
	if _, ok := alice.conn.ClearPending(d.ID); ok {
		t.Errorf("expected system broadcast not to be recorded as a pending delivery")
	}
}
