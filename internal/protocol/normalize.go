package protocol

import "strings"

// legacyTypes maps the flat-dialect tokens to internal types. Both "candidate"
// and "ice-candidate" appear in the wild; they collapse to one internal type.
var legacyTypes = map[string]string{
	"register":      TypeRegister,
	"offer":         TypeOffer,
	"answer":        TypeAnswer,
	"ice-candidate": TypeICECandidate,
	"candidate":     TypeICECandidate,
	"takeover":      TypeTakeover,
	"monitor":       TypeMonitor,
	"ping":          TypePing,
	"pong":          TypePong,
	"ready":         TypeReady,
}

// versionedTypes are modulr-v0 tokens passed through verbatim.
var versionedTypes = map[string]bool{
	TypeSignallingOffer:        true,
	TypeSignallingAnswer:       true,
	TypeSignallingICE:          true,
	TypeSignallingConnected:    true,
	TypeSignallingDisconnected: true,
	TypeSignallingCapabilities: true,
	TypeSignallingError:        true,
	TypeAgentPing:              true,
	TypeAgentPong:              true,
}

func isVersionedType(t string) bool {
	return versionedTypes[t]
}

// MapType resolves a wire type token (case-insensitive) to the internal type.
// Unknown tokens map to "" and the dispatcher answers with an unknown-type error.
func MapType(wire string) string {
	t := strings.ToLower(strings.TrimSpace(wire))
	if mapped, ok := legacyTypes[t]; ok {
		return mapped
	}
	if versionedTypes[t] {
		return t
	}
	return ""
}

// Normalize collapses an arbitrary parsed JSON object into the internal
// InboundMessage. It is pure: no I/O, no store access.
func Normalize(raw map[string]any) InboundMessage {
	msg := InboundMessage{Raw: raw}
	if raw == nil {
		return msg
	}

	msg.Type = MapType(str(raw["type"]))
	msg.ID = str(raw["id"])
	msg.Version = str(raw["version"])
	msg.Target = strings.ToLower(str(raw["target"]))
	msg.Payload = extractPayload(raw)
	msg.RobotID = extractRobotID(raw, msg)
	msg.ClientConnectionID = extractClientConnectionID(raw, msg)
	return msg
}

// extractPayload starts from the payload object when present and folds the
// legacy top-level sdp/candidate fields into it.
func extractPayload(raw map[string]any) map[string]any {
	var payload map[string]any
	if p, ok := raw["payload"].(map[string]any); ok {
		payload = make(map[string]any, len(p)+2)
		for k, v := range p {
			payload[k] = v
		}
	}
	for _, k := range []string{"sdp", "candidate"} {
		if v, ok := raw[k]; ok {
			if payload == nil {
				payload = make(map[string]any, 2)
			}
			if _, exists := payload[k]; !exists {
				payload[k] = v
			}
		}
	}
	return payload
}

func extractRobotID(raw map[string]any, msg InboundMessage) string {
	if id := str(raw["robotId"]); id != "" {
		return id
	}
	if isVersionedType(msg.Type) {
		if id := str(msg.Payload["robotId"]); id != "" {
			return id
		}
		return str(msg.Payload["connectionId"])
	}
	if msg.Type == TypeRegister {
		return str(raw["from"])
	}
	switch msg.Type {
	case TypeOffer, TypeAnswer, TypeICECandidate:
		to, from := str(raw["to"]), str(raw["from"])
		if strings.HasPrefix(to, "robot-") {
			return to
		}
		if strings.HasPrefix(from, "robot-") {
			return from
		}
		if to != "" {
			return to
		}
		return from
	}
	return ""
}

func extractClientConnectionID(raw map[string]any, msg InboundMessage) string {
	if id := str(raw["clientConnectionId"]); id != "" {
		return id
	}
	if isVersionedType(msg.Type) {
		// The envelope's connectionId names the client peer unless it was
		// consumed as the robot identifier above.
		if id := str(msg.Payload["connectionId"]); id != "" && id != msg.RobotID {
			return id
		}
		return ""
	}
	switch msg.Type {
	case TypeOffer, TypeAnswer, TypeICECandidate:
		// Robot-to-client direction in the flat dialect: from names the robot,
		// to carries the client connection id.
		if msg.RobotID != "" && str(raw["from"]) == msg.RobotID {
			return str(raw["to"])
		}
	}
	return ""
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
