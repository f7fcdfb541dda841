package envelope

// Capabilities advertised by an agent in HELLO.
type Capabilities struct {
	Ack           bool `json:"ack"`
	Resume        bool `json:"resume"`
	MaxInflight   int  `json:"max_inflight,omitempty"`
	SupportsTopic bool `json:"supports_topics"`
}

// SessionRef carries a resume token an agent wants to rejoin.
type SessionRef struct {
	ResumeToken string `json:"resume_token"`
}

// HelloPayload is the HELLO envelope payload.
type HelloPayload struct {
	Agent            string       `json:"agent"`
	CLI              string       `json:"cli,omitempty"`
	Program          string       `json:"program,omitempty"`
	Model            string       `json:"model,omitempty"`
	Task             string       `json:"task,omitempty"`
	WorkingDirectory string       `json:"workingDirectory,omitempty"`
	Capabilities     Capabilities `json:"capabilities"`
	Session          *SessionRef  `json:"session,omitempty"`
}

// ServerInfo describes server limits returned in WELCOME.
type ServerInfo struct {
	MaxFrameBytes int `json:"max_frame_bytes"`
	HeartbeatMs   int `json:"heartbeat_ms"`
}

// WelcomePayload is the WELCOME envelope payload.
type WelcomePayload struct {
	SessionID   string     `json:"session_id"`
	ResumeToken string     `json:"resume_token"`
	Server      ServerInfo `json:"server"`
}

// SendKind enumerates the SEND payload's `kind` field.
type SendKind string

const (
	KindMessage  SendKind = "message"
	KindThinking SendKind = "thinking"
	KindAction   SendKind = "action"
	KindState    SendKind = "state"
)

// SendPayload is the SEND envelope payload.
type SendPayload struct {
	Kind   SendKind       `json:"kind"`
	Body   string         `json:"body"`
	Data   map[string]any `json:"data,omitempty"`
	Thread string         `json:"thread,omitempty"`
}

// AckPayload is the ACK envelope payload.
type AckPayload struct {
	AckID string `json:"ack_id"`
	Seq   uint64 `json:"seq"`
}

// PingPongPayload is shared by PING and PONG envelopes.
type PingPongPayload struct {
	Nonce string `json:"nonce,omitempty"`
}

// ErrorPayload is the ERROR envelope payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal"`
}

// SpeakOn enumerates shadow speech triggers.
type SpeakOn string

const (
	SpeakOnExplicitAsk SpeakOn = "EXPLICIT_ASK"
)

// ShadowBindPayload is the SHADOW_BIND envelope payload.
type ShadowBindPayload struct {
	PrimaryAgent     string    `json:"primaryAgent"`
	SpeakOn          []SpeakOn `json:"speakOn,omitempty"`
	ReceiveIncoming  bool      `json:"receiveIncoming,omitempty"`
	ReceiveOutgoing  bool      `json:"receiveOutgoing,omitempty"`
}

// SubscribePayload is the SUBSCRIBE/UNSUBSCRIBE envelope payload.
type SubscribePayload struct {
	Topic string `json:"topic"`
}
