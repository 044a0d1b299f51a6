package protocol

import (
	"time"

	"github.com/google/uuid"
)

// FormatSignal renders an outbound signaling frame for the destination peer's
// protocol. kind is one of the internal signal kinds (offer, answer,
// ice-candidate, connected, disconnected); to and from are the destination and
// source identities as resolved by the relay.
func FormatSignal(p Protocol, kind, to, from string, payload map[string]any) map[string]any {
	if p == ProtocolModulrV0 {
		return formatEnvelope(kind, from, payload)
	}
	return formatLegacy(kind, to, from, payload)
}

// formatLegacy emits the flat dialect: {type, to, from} with payload keys at
// top level. The wire token for ICE is always "candidate".
func formatLegacy(kind, to, from string, payload map[string]any) map[string]any {
	wireType := kind
	if kind == TypeICECandidate {
		wireType = "candidate"
	}
	frame := map[string]any{
		"type": wireType,
		"to":   to,
		"from": from,
	}
	for k, v := range payload {
		if _, reserved := frame[k]; !reserved {
			frame[k] = v
		}
	}
	return frame
}

// formatEnvelope emits the modulr-v0 envelope. The payload's connectionId is
// set to the source identity so the receiving peer can address replies.
func formatEnvelope(kind, from string, payload map[string]any) map[string]any {
	wireType := map[string]string{
		TypeOffer:        TypeSignallingOffer,
		TypeAnswer:       TypeSignallingAnswer,
		TypeICECandidate: TypeSignallingICE,
		"connected":      TypeSignallingConnected,
		"disconnected":   TypeSignallingDisconnected,
	}[kind]
	if wireType == "" {
		wireType = "signalling." + kind
	}

	body := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		body[k] = v
	}
	if from != "" {
		body["connectionId"] = from
	}
	if kind == TypeOffer || kind == TypeAnswer {
		if _, ok := body["sdpType"]; !ok {
			body["sdpType"] = kind
		}
	}

	return map[string]any{
		"type":      wireType,
		"version":   EnvelopeVersion,
		"id":        uuid.New().String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"payload":   body,
	}
}

// FormatPlatform renders a broker-originated frame for the destination peer.
// Platform frames (welcome, session-created, session-locked, monitor-confirmed,
// admin-takeover) pass through unwrapped on both protocols; error frames are
// re-wrapped as signalling.error for modulr-v0 peers.
func FormatPlatform(p Protocol, frame map[string]any) map[string]any {
	if p != ProtocolModulrV0 {
		return frame
	}
	if str(frame["type"]) != "error" {
		return frame
	}
	payload := map[string]any{
		"code":    frame["error"],
		"message": frame["message"],
	}
	if robotID := str(frame["robotId"]); robotID != "" {
		payload["robotId"] = robotID
	}
	return map[string]any{
		"type":      TypeSignallingError,
		"version":   EnvelopeVersion,
		"id":        uuid.New().String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"payload":   payload,
	}
}

// CapabilitiesReply answers a signalling.capabilities request.
func CapabilitiesReply(requestID string) map[string]any {
	return map[string]any{
		"type":      TypeSignallingCapabilities,
		"version":   EnvelopeVersion,
		"id":        uuid.New().String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"payload": map[string]any{
			"supportedVersions": SupportedVersions,
			"requestId":         requestID,
		},
	}
}

// AgentPong answers an agent.ping envelope, correlating by the ping's id.
func AgentPong(pingID string) map[string]any {
	return map[string]any{
		"type":          TypeAgentPong,
		"version":       EnvelopeVersion,
		"id":            pingID + "-pong",
		"correlationId": pingID,
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	}
}

// LegacyPong answers a flat-dialect ping.
func LegacyPong() map[string]any {
	return map[string]any{"type": TypePong}
}
