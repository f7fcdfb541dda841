// Package router implements the broker's central dispatcher (§4.5):
// directed, broadcast, and topic delivery; shadow fan-out; pending-ack
// tracking and replay on resume; and "processing" state for the heartbeat
// exemption.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/relayd/internal/connection"
	"github.com/ashureev/relayd/internal/envelope"
	"github.com/ashureev/relayd/internal/registry"
	"github.com/ashureev/relayd/internal/storage"
)

// ShadowFlags controls what a bound shadow observes and is permitted to
// speak, per §3/§4.5.
type ShadowFlags struct {
	SpeakOn         []envelope.SpeakOn
	ReceiveIncoming bool
	ReceiveOutgoing bool
}

type shadowBinding struct {
	primary string
	flags   ShadowFlags
}

// Options configures a Router. Zero values fall back to defaults.
type Options struct {
	// ProcessingIdleTimeout is how long an agent stays marked "processing"
	// without producing a new SEND before isProcessing reports false again.
	ProcessingIdleTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.ProcessingIdleTimeout <= 0 {
		o.ProcessingIdleTimeout = 2 * time.Minute
	}
	return o
}

// Router is the central dispatcher. One Router instance is shared by every
// Connection on the daemon; all mutable state below is protected by mu, per
// §5's "single mutex over the small critical sections" shared-resource
// policy.
type Router struct {
	opts     Options
	store    storage.Store
	registry *registry.Registry

	mu          sync.Mutex
	conns       map[string]*connection.Connection // agent name -> live connection
	sessions    map[string]string                 // agent name -> current session id
	topics      map[string]map[string]bool        // topic -> subscriber names
	shadows     map[string]map[string]ShadowFlags // primary -> shadow -> flags
	shadowOf    map[string]shadowBinding          // shadow -> binding
	processing  map[string]time.Time
	systemSeq   map[string]uint64
}

// New constructs a Router backed by the given store and registry.
func New(store storage.Store, reg *registry.Registry, opts Options) *Router {
	return &Router{
		opts:       opts.withDefaults(),
		store:      store,
		registry:   reg,
		conns:      make(map[string]*connection.Connection),
		sessions:   make(map[string]string),
		topics:     make(map[string]map[string]bool),
		shadows:    make(map[string]map[string]ShadowFlags),
		shadowOf:   make(map[string]shadowBinding),
		processing: make(map[string]time.Time),
		systemSeq:  make(map[string]uint64),
	}
}

// IsProcessing reports whether name is currently marked as performing long
// internal work. Passed to connection.Options as the heartbeat-timeout
// exemption predicate (§4.3).
func (r *Router) IsProcessing(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isProcessingLocked(name)
}

func (r *Router) isProcessingLocked(name string) bool {
	at, ok := r.processing[name]
	if !ok {
		return false
	}
	if time.Since(at) > r.opts.ProcessingIdleTimeout {
		delete(r.processing, name)
		return false
	}
	return true
}

func (r *Router) markProcessing(name string) {
	r.mu.Lock()
	r.processing[name] = time.Now()
	r.mu.Unlock()
}

func (r *Router) clearProcessing(name string) {
	r.mu.Lock()
	delete(r.processing, name)
	r.mu.Unlock()
}

// ProcessingNames returns every agent currently marked processing, for the
// processing-state.json snapshot (§4.4/§6).
func (r *Router) ProcessingNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.processing))
	for name := range r.processing {
		if r.isProcessingLocked(name) {
			out = append(out, name)
		}
	}
	return out
}

func (r *Router) getConn(name string) (*connection.Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[name]
	return c, ok
}

func (r *Router) sessionOf(name string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[name]
}

// ---- connection.Observer ----

// OnActive registers the now-handshaken Connection, superseding any prior
// live Connection under the same name (§3 invariant 1), and replays any
// pending messages if this Connection resumed a prior session.
func (r *Router) OnActive(c *connection.Connection) {
	name := c.AgentName()

	r.mu.Lock()
	previous := r.conns[name]
	r.conns[name] = c
	r.sessions[name] = c.SessionID()
	r.mu.Unlock()

	if previous != nil && previous != c {
		supersede(previous)
	}

	meta := c.Metadata()
	r.registry.RegisterOrUpdate(registry.AgentInfo{
		Name: name, CLI: meta.CLI, Program: meta.Program,
		Model: meta.Model, Task: meta.Task, CWD: meta.CWD,
	})

	if c.IsResumed() {
		r.replay(context.Background(), c)
	}
}

// supersede closes a Connection that has just lost its name to a newer
// handshake, per §3 invariant 1.
func supersede(c *connection.Connection) {
	payload, _ := json.Marshal(envelope.ErrorPayload{
		Code: envelope.ErrSuperseded, Message: "superseded by a newer connection", Fatal: true,
	})
	c.Send(&envelope.Envelope{
		V: envelope.ProtocolVersion, Type: envelope.TypeError,
		ID: envelope.NewID(), TS: envelope.Now(), Payload: payload,
	})
	c.Close()
}

// OnClose unregisters a Connection, provided it hasn't already been
// superseded by a newer one under the same name.
func (r *Router) OnClose(c *connection.Connection, _ string) {
	r.forget(c)
}

// OnError unregisters a Connection that failed.
func (r *Router) OnError(c *connection.Connection, _ error) {
	r.forget(c)
}

func (r *Router) forget(c *connection.Connection) {
	name := c.AgentName()
	if name == "" {
		return
	}

	r.mu.Lock()
	stillCurrent := r.conns[name] == c
	if stillCurrent {
		delete(r.conns, name)
	}
	delete(r.processing, name)
	for topic, subs := range r.topics {
		delete(subs, name)
		if len(subs) == 0 {
			delete(r.topics, topic)
		}
	}
	r.mu.Unlock()

	if stillCurrent {
		r.registry.Unregister(name)
	}
}

// OnPong refreshes the agent's last-seen metadata.
func (r *Router) OnPong(c *connection.Connection) {
	if name := c.AgentName(); name != "" {
		r.registry.Touch(name)
	}
}

// OnBackpressure logs backpressure transitions; the Router itself takes no
// routing action on them (§4.3 owns the drop/log behavior already).
func (r *Router) OnBackpressure(c *connection.Connection, active bool) {
	slog.Info("router: backpressure", "agent", c.AgentName(), "active", active)
}

// OnAck clears a pending delivery on the originating (sender) Connection,
// per §9's resolved choice of sender-keyed pending-ack tables.
func (r *Router) OnAck(_ *connection.Connection, ackID string, _ uint64) {
	r.mu.Lock()
	conns := make([]*connection.Connection, 0, len(r.conns))
	for _, sc := range r.conns {
		conns = append(conns, sc)
	}
	r.mu.Unlock()

	for _, senderConn := range conns {
		if _, ok := senderConn.ClearPending(ackID); ok {
			return
		}
	}
}

// OnMessage dispatches SEND/SUBSCRIBE/UNSUBSCRIBE/SHADOW_* envelopes
// forwarded by an ACTIVE Connection.
func (r *Router) OnMessage(c *connection.Connection, env *envelope.Envelope) {
	switch env.Type {
	case envelope.TypeSend:
		r.handleSend(c, env)
	case envelope.TypeSubscribe:
		var p envelope.SubscribePayload
		if err := json.Unmarshal(env.Payload, &p); err == nil {
			r.Subscribe(c.AgentName(), p.Topic)
		}
	case envelope.TypeUnsubscribe:
		var p envelope.SubscribePayload
		if err := json.Unmarshal(env.Payload, &p); err == nil {
			r.Unsubscribe(c.AgentName(), p.Topic)
		}
	case envelope.TypeShadowBind:
		var p envelope.ShadowBindPayload
		if err := json.Unmarshal(env.Payload, &p); err == nil {
			r.BindShadow(c.AgentName(), p.PrimaryAgent, ShadowFlags{
				SpeakOn: p.SpeakOn, ReceiveIncoming: p.ReceiveIncoming, ReceiveOutgoing: p.ReceiveOutgoing,
			})
		}
	case envelope.TypeShadowUnbind:
		r.UnbindShadow(c.AgentName())
	default:
		slog.Debug("router: ignoring forward-compatible envelope type", "type", env.Type)
	}
}

// ---- subscriptions ----

// Subscribe adds name as a subscriber of topic. A no-op if name isn't a
// currently registered agent (§4.7, §8 boundary behavior).
func (r *Router) Subscribe(name, topic string) {
	if name == "" || topic == "" {
		return
	}
	if _, ok := r.registry.Get(name); !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	subs, ok := r.topics[topic]
	if !ok {
		subs = make(map[string]bool)
		r.topics[topic] = subs
	}
	subs[name] = true
}

// Unsubscribe removes name from topic's subscriber set.
func (r *Router) Unsubscribe(name, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs, ok := r.topics[topic]
	if !ok {
		return
	}
	delete(subs, name)
	if len(subs) == 0 {
		delete(r.topics, topic)
	}
}

// ---- shadows ----

// BindShadow binds shadow to observe primary's traffic per flags. A no-op
// if shadow == primary (§4.7, §8 boundary behavior).
func (r *Router) BindShadow(shadow, primary string, flags ShadowFlags) {
	if shadow == "" || primary == "" || shadow == primary {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.shadows[primary]
	if !ok {
		set = make(map[string]ShadowFlags)
		r.shadows[primary] = set
	}
	set[shadow] = flags
	r.shadowOf[shadow] = shadowBinding{primary: primary, flags: flags}
}

// UnbindShadow removes shadow's binding, wherever it points.
func (r *Router) UnbindShadow(shadow string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	binding, ok := r.shadowOf[shadow]
	if !ok {
		return
	}
	delete(r.shadowOf, shadow)
	if set, ok := r.shadows[binding.primary]; ok {
		delete(set, shadow)
		if len(set) == 0 {
			delete(r.shadows, binding.primary)
		}
	}
}

func (r *Router) shadowsOf(primary string) map[string]ShadowFlags {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]ShadowFlags, len(r.shadows[primary]))
	for k, v := range r.shadows[primary] {
		out[k] = v
	}
	return out
}

// ---- routing ----

func (r *Router) handleSend(c *connection.Connection, env *envelope.Envelope) {
	from := c.AgentName()

	var send envelope.SendPayload
	if err := json.Unmarshal(env.Payload, &send); err != nil {
		slog.Warn("router: malformed SEND payload, dropping", "from", from, "error", err)
		return
	}

	if binding, isShadow := r.lookupShadowOf(from); isShadow {
		if !speakPermitted(binding.flags, send) {
			rejectShadowSpeech(c)
			return
		}
	}

	r.clearProcessing(from)

	switch {
	case env.Topic != "" && (env.To == "" || env.To == envelope.BroadcastTarget):
		r.routeTopic(c, from, env.Topic, send)
		r.fanoutShadows(c, from, "", env.Topic, send)
	case env.To == envelope.BroadcastTarget:
		r.routeBroadcast(c, from, env.Topic, send)
		r.fanoutShadows(c, from, envelope.BroadcastTarget, env.Topic, send)
	case env.To != "":
		r.routeDirected(c, from, env.To, env.Topic, from, send, false)
		r.fanoutShadows(c, from, env.To, env.Topic, send)
	default:
		slog.Warn("router: SEND with neither to nor topic, dropping", "from", from)
	}
}

func (r *Router) lookupShadowOf(name string) (shadowBinding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.shadowOf[name]
	return b, ok
}

// speakPermitted enforces §4.5's shadow speech policy: a bound shadow may
// only SEND when its payload names a trigger in its SpeakOn policy. The
// Router never synthesizes speech, only gates it.
func speakPermitted(flags ShadowFlags, send envelope.SendPayload) bool {
	if len(flags.SpeakOn) == 0 {
		return false
	}
	trigger, _ := send.Data["trigger"].(string)
	for _, allowed := range flags.SpeakOn {
		if string(allowed) == trigger {
			return true
		}
	}
	return false
}

func rejectShadowSpeech(c *connection.Connection) {
	payload, _ := json.Marshal(envelope.ErrorPayload{
		Code: envelope.ErrBadRequest, Message: "shadow not permitted to speak for this trigger", Fatal: false,
	})
	c.Send(&envelope.Envelope{
		V: envelope.ProtocolVersion, Type: envelope.TypeError,
		ID: envelope.NewID(), TS: envelope.Now(), Payload: payload,
	})
}

// routeDirected implements §4.5's directed-delivery algorithm for a single
// (from, target) pair, persisting then attempting live delivery, and is
// reused by broadcast, topic fan-out, and shadow fan-out. peer identifies
// the (topic, peer) stream the delivery belongs to: it is the sender for
// ordinary directed/broadcast/topic/shadow-in deliveries, but the original
// recipient for shadow-out deliveries (§4.5: "stream (shadow-out, to)"), so
// it is threaded through separately rather than assumed to equal from.
// The seq is drawn from the sender Connection's counter for (topic, target),
// so each recipient of a broadcast or topic publication counts from 1.
func (r *Router) routeDirected(senderConn *connection.Connection, from, target, topic, peer string, send envelope.SendPayload, originalToStar bool) {
	seq := senderConn.NextSeq(topic, target)
	r.persist(peer, target, topic, seq, send)
	r.markProcessingIfNotState(from, send)

	targetConn, ok := r.getConn(target)
	if !ok || targetConn.State() != connection.StateActive {
		slog.Info("router: target offline, message persisted for replay", "from", from, "to", target)
		return
	}

	deliverID := envelope.NewID()
	originalTo := ""
	if originalToStar {
		originalTo = envelope.BroadcastTarget
	}
	env := buildDeliver(deliverID, topic, peer, seq, originalTo, false, send)
	if targetConn.Send(env) {
		senderConn.RecordPending(deliverID, env, target)
	}
}

func (r *Router) markProcessingIfNotState(from string, send envelope.SendPayload) {
	if send.Kind == envelope.KindState {
		r.clearProcessing(from)
		return
	}
	r.markProcessing(from)
}

// routeBroadcast delivers a `to: "*"` SEND to every registered agent other
// than the sender (§4.5).
func (r *Router) routeBroadcast(senderConn *connection.Connection, from, topic string, send envelope.SendPayload) {
	for _, name := range r.registry.Names() {
		if name == from {
			continue
		}
		r.routeDirected(senderConn, from, name, topic, from, send, true)
	}
}

// routeTopic delivers a topic publication to every subscriber other than
// the publisher (§4.5; §9 excludes the publisher from its own topic).
func (r *Router) routeTopic(senderConn *connection.Connection, from, topic string, send envelope.SendPayload) {
	r.mu.Lock()
	subs := make([]string, 0, len(r.topics[topic]))
	for name := range r.topics[topic] {
		if name != from {
			subs = append(subs, name)
		}
	}
	r.mu.Unlock()

	for _, name := range subs {
		r.routeDirected(senderConn, from, name, topic, from, send, false)
	}
}

// fanoutShadows delivers shadow copies for a directed or broadcast SEND,
// per §4.5's shadow fan-out rules. The incoming copy streams on
// (shadow-in, from), keyed by the original sender; the outgoing copy
// streams on (shadow-out, to), keyed by the original recipient (§4.5, §8
// scenario 6).
func (r *Router) fanoutShadows(senderConn *connection.Connection, from, to, topic string, send envelope.SendPayload) {
	if to != "" && to != envelope.BroadcastTarget {
		for shadow, flags := range r.shadowsOf(to) {
			if flags.ReceiveIncoming {
				r.routeDirected(senderConn, from, shadow, "shadow-in", from, send, false)
			}
		}
	}
	for shadow, flags := range r.shadowsOf(from) {
		if flags.ReceiveOutgoing {
			r.routeDirected(senderConn, from, shadow, "shadow-out", to, send, false)
		}
	}
}

// persist writes the routed message to storage, fire-and-forget with the
// error logged (§4.5 step 1, §7: storage errors never propagate to peers).
// peer is the same (topic, peer) stream identity the live DELIVER carries,
// so a resumed recipient's replay watermark lookup lines up with what was
// actually persisted.
func (r *Router) persist(peer, to, topic string, seq uint64, send envelope.SendPayload) {
	sessionID := r.sessionOf(to)
	if sessionID == "" {
		sessionID = r.sessionOf(peer)
	}
	msg := storage.Message{
		ID: envelope.NewID(), From: peer, To: to, Topic: topic, Seq: seq,
		Body: send.Body, Data: send.Data, Thread: send.Thread, TS: envelope.Now(),
		SessionID: sessionID,
	}
	if err := r.store.AppendMessage(context.Background(), msg); err != nil {
		slog.Error("router: failed to persist message", "from", peer, "to", to, "error", err)
	}
}

// buildDeliver constructs a DELIVER envelope for a routed SEND.
func buildDeliver(id, topic, peer string, seq uint64, originalTo string, replay bool, send envelope.SendPayload) *envelope.Envelope {
	payload, _ := json.Marshal(send)
	return &envelope.Envelope{
		V: envelope.ProtocolVersion, Type: envelope.TypeDeliver,
		ID: id, TS: envelope.Now(), Payload: payload,
		Delivery: &envelope.Delivery{Topic: topic, Peer: peer, Seq: seq, OriginalTo: originalTo, Replay: replay},
	}
}

// ---- replay ----

// replay streams every persisted message still owed to a resumed
// Connection, in seq order, before any new traffic is processed on it
// (§4.5, §5 ordering guarantee).
func (r *Router) replay(ctx context.Context, c *connection.Connection) {
	name := c.AgentName()
	sessionID := c.SessionID()
	watermarks := c.SeqWatermarks()

	messages, err := r.store.GetMessagesAfter(ctx, name, sessionID, watermarks)
	if err != nil {
		slog.Error("router: replay lookup failed", "agent", name, "error", err)
		return
	}

	for _, m := range messages {
		id := envelope.NewID()
		env := buildDeliver(id, m.Topic, m.From, m.Seq, "", true, envelope.SendPayload{
			Kind: envelope.KindMessage, Body: m.Body, Data: m.Data, Thread: m.Thread,
		})
		if !c.Send(env) {
			continue
		}
		if senderConn, ok := r.getConn(m.From); ok {
			senderConn.RecordPending(id, env, name)
		}
	}
	slog.Info("router: replayed pending messages", "agent", name, "count", len(messages))
}

// SystemBroadcast delivers a synthesized message from the reserved
// __system name to every registered agent. System broadcasts never enter
// pending-ack tracking (§4.5).
func (r *Router) SystemBroadcast(body string, data map[string]any) {
	send := envelope.SendPayload{Kind: envelope.KindMessage, Body: body, Data: data}
	for _, name := range r.registry.Names() {
		targetConn, ok := r.getConn(name)
		if !ok || targetConn.State() != connection.StateActive {
			continue
		}
		seq := r.nextSystemSeq(name)
		env := buildDeliver(envelope.NewID(), "", envelope.SystemAgent, seq, "", false, send)
		targetConn.Send(env)
	}
}

func (r *Router) nextSystemSeq(name string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.systemSeq[name]++
	return r.systemSeq[name]
}

// AckSweep re-enqueues unacknowledged deliveries older than ackTimeout to
// their target, if still online, per §4.5's ack-timeout policy. Intended to
// be called periodically by the daemon.
func (r *Router) AckSweep(ackTimeout time.Duration) {
	cutoff := time.Now().Add(-ackTimeout)
	r.mu.Lock()
	conns := make([]*connection.Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, senderConn := range conns {
		for ackID, pending := range senderConn.PendingOlderThan(cutoff) {
			targetConn, ok := r.getConn(pending.Target)
			if !ok || targetConn.State() != connection.StateActive {
				continue
			}
			if !targetConn.Send(pending.Envelope) {
				continue
			}
			senderConn.RecordPending(ackID, pending.Envelope, pending.Target)
		}
	}
}

