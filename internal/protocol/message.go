// Package protocol implements the broker's wire dialects: the normalizer that
// collapses the historical inbound message shapes into one internal form, and
// the per-peer envelope formatter for outbound frames.
package protocol

// Peer protocol identifiers. Every connection row carries one; legacy is the
// default and a connection is promoted to modulr-v0 on its first versioned frame.
type Protocol string

const (
	ProtocolLegacy   Protocol = "legacy"
	ProtocolModulrV0 Protocol = "modulr-v0"
)

// Versions of the modulr-v0 envelope accepted on the wire.
var SupportedVersions = []string{"0.0", "0.1"}

// EnvelopeVersion is the version stamped on broker-originated envelopes.
const EnvelopeVersion = "0.0"

// Internal message types. Legacy tokens are mapped onto these; versioned
// tokens pass through verbatim.
const (
	TypeRegister     = "register"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
	TypeTakeover     = "takeover"
	TypeMonitor      = "monitor"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeReady        = "ready"

	TypeSignallingOffer        = "signalling.offer"
	TypeSignallingAnswer       = "signalling.answer"
	TypeSignallingICE          = "signalling.ice_candidate"
	TypeSignallingConnected    = "signalling.connected"
	TypeSignallingDisconnected = "signalling.disconnected"
	TypeSignallingCapabilities = "signalling.capabilities"
	TypeSignallingError        = "signalling.error"
	TypeAgentPing              = "agent.ping"
	TypeAgentPong              = "agent.pong"
)

// InboundMessage is the canonical internal form of an inbound frame. Fields
// the dialect did not carry are left empty; the dispatcher and relay decide
// whether that is an error.
type InboundMessage struct {
	Type               string
	RobotID            string
	Target             string
	ClientConnectionID string
	Payload            map[string]any

	// Envelope metadata, set only for versioned frames.
	ID      string
	Version string

	// Raw is the original parsed body, kept for the relay's last-chance
	// client-connection re-extraction on robot-originated legacy frames.
	Raw map[string]any
}

// Versioned reports whether the message arrived in a modulr-v0 envelope.
func (m *InboundMessage) Versioned() bool {
	return isVersionedType(m.Type)
}

// IsSignal reports whether the message should be handled by the relay.
func (m *InboundMessage) IsSignal() bool {
	switch m.Type {
	case TypeOffer, TypeAnswer, TypeICECandidate,
		TypeSignallingOffer, TypeSignallingAnswer, TypeSignallingICE,
		TypeSignallingConnected, TypeSignallingDisconnected:
		return true
	}
	return false
}

// IsInitialOffer reports whether the message is an offer that may open a
// billing session when forwarded to a robot.
func (m *InboundMessage) IsInitialOffer() bool {
	return m.Type == TypeOffer || m.Type == TypeSignallingOffer
}

// SignalKind maps both dialects' signaling types to the internal kind used by
// the outbound formatter. Empty for non-signaling types.
func (m *InboundMessage) SignalKind() string {
	switch m.Type {
	case TypeOffer, TypeSignallingOffer:
		return TypeOffer
	case TypeAnswer, TypeSignallingAnswer:
		return TypeAnswer
	case TypeICECandidate, TypeSignallingICE:
		return TypeICECandidate
	case TypeSignallingConnected:
		return "connected"
	case TypeSignallingDisconnected:
		return "disconnected"
	}
	return ""
}
