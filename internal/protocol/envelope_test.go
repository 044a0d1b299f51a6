package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatSignalLegacy(t *testing.T) {
	frame := FormatSignal(ProtocolLegacy, TypeOffer, "robot-42", "conn-7", map[string]any{
		"sdp": "v=0...",
	})

	assert.Equal(t, "offer", frame["type"])
	assert.Equal(t, "robot-42", frame["to"])
	assert.Equal(t, "conn-7", frame["from"])
	assert.Equal(t, "v=0...", frame["sdp"])
}

func TestFormatSignalLegacyICEWireToken(t *testing.T) {
	frame := FormatSignal(ProtocolLegacy, TypeICECandidate, "robot-42", "conn-7", nil)
	assert.Equal(t, "candidate", frame["type"])
}

func TestFormatSignalLegacyPayloadCannotShadowRouting(t *testing.T) {
	frame := FormatSignal(ProtocolLegacy, TypeAnswer, "conn-7", "robot-42", map[string]any{
		"to":  "evil",
		"sdp": "v=0...",
	})
	assert.Equal(t, "conn-7", frame["to"])
}

func TestFormatSignalEnvelope(t *testing.T) {
	frame := FormatSignal(ProtocolModulrV0, TypeOffer, "robot-42", "conn-7", map[string]any{
		"sdp": "v=0...",
	})

	assert.Equal(t, TypeSignallingOffer, frame["type"])
	assert.Equal(t, EnvelopeVersion, frame["version"])
	assert.NotEmpty(t, frame["id"])

	ts, ok := frame["timestamp"].(string)
	require.True(t, ok)
	_, err := time.Parse(time.RFC3339, ts)
	assert.NoError(t, err)

	payload, ok := frame["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "v=0...", payload["sdp"])
	assert.Equal(t, "conn-7", payload["connectionId"])
	assert.Equal(t, "offer", payload["sdpType"])
}

func TestFormatSignalEnvelopeKeepsSdpType(t *testing.T) {
	frame := FormatSignal(ProtocolModulrV0, TypeAnswer, "conn-7", "robot-42", map[string]any{
		"sdp":     "v=0...",
		"sdpType": "answer",
	})
	payload := frame["payload"].(map[string]any)
	assert.Equal(t, "answer", payload["sdpType"])
	assert.Equal(t, TypeSignallingAnswer, frame["type"])
}

func TestFormatSignalEnvelopeConnected(t *testing.T) {
	frame := FormatSignal(ProtocolModulrV0, "connected", "", "robot-42", nil)
	assert.Equal(t, TypeSignallingConnected, frame["type"])
	payload := frame["payload"].(map[string]any)
	assert.Equal(t, "robot-42", payload["connectionId"])
	_, hasSdpType := payload["sdpType"]
	assert.False(t, hasSdpType)
}

// A legacy frame normalized and re-formatted for a versioned peer keeps its
// payload; this is the cross-dialect path the relay exercises on every mixed
// pair.
func TestLegacyInEnvelopeOut(t *testing.T) {
	msg := Normalize(parse(t, `{
		"type": "candidate",
		"to": "robot-42",
		"from": "conn-7",
		"candidate": {"candidate": "candidate:1"}
	}`))
	require.Equal(t, TypeICECandidate, msg.Type)

	frame := FormatSignal(ProtocolModulrV0, msg.SignalKind(), "robot-42", "conn-7", msg.Payload)
	assert.Equal(t, TypeSignallingICE, frame["type"])
	payload := frame["payload"].(map[string]any)
	assert.NotNil(t, payload["candidate"])
	assert.Equal(t, "conn-7", payload["connectionId"])
}

func TestEnvelopeInLegacyOut(t *testing.T) {
	msg := Normalize(parse(t, `{
		"type": "signalling.offer",
		"version": "0.0",
		"payload": {"robotId": "robot-42", "sdp": "v=0...", "sdpType": "offer"}
	}`))

	frame := FormatSignal(ProtocolLegacy, msg.SignalKind(), "robot-42", "conn-7", msg.Payload)
	assert.Equal(t, "offer", frame["type"])
	assert.Equal(t, "robot-42", frame["to"])
	assert.Equal(t, "conn-7", frame["from"])
	assert.Equal(t, "v=0...", frame["sdp"])
}

func TestFormatPlatformLegacyPassthrough(t *testing.T) {
	in := map[string]any{"type": "welcome", "connectionId": "conn-7"}
	assert.Equal(t, in, FormatPlatform(ProtocolLegacy, in))
}

func TestFormatPlatformErrorRewrap(t *testing.T) {
	frame := FormatPlatform(ProtocolModulrV0, map[string]any{
		"type":    "error",
		"error":   "access_denied",
		"message": "You do not have permission to access this robot",
		"robotId": "robot-42",
	})

	assert.Equal(t, TypeSignallingError, frame["type"])
	assert.Equal(t, EnvelopeVersion, frame["version"])
	payload := frame["payload"].(map[string]any)
	assert.Equal(t, "access_denied", payload["code"])
	assert.Equal(t, "robot-42", payload["robotId"])
}

func TestFormatPlatformNonErrorUnwrapped(t *testing.T) {
	in := map[string]any{"type": "session-created", "sessionId": "s-1"}
	assert.Equal(t, in, FormatPlatform(ProtocolModulrV0, in))
}

func TestCapabilitiesReply(t *testing.T) {
	frame := CapabilitiesReply("req-9")
	assert.Equal(t, TypeSignallingCapabilities, frame["type"])
	payload := frame["payload"].(map[string]any)
	assert.Equal(t, "req-9", payload["requestId"])
	assert.Equal(t, SupportedVersions, payload["supportedVersions"])
}

func TestAgentPong(t *testing.T) {
	frame := AgentPong("ping-3")
	assert.Equal(t, TypeAgentPong, frame["type"])
	assert.Equal(t, "ping-3-pong", frame["id"])
	assert.Equal(t, "ping-3", frame["correlationId"])
}
