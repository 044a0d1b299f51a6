// Package relay routes signaling frames between exactly the intended peers:
// direction resolution, access gates, per-peer envelope formatting, monitor
// fan-out, at-most-once delivery and the session-start hook.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/modulr/broker/internal/auth"
	"github.com/modulr/broker/internal/authz"
	"github.com/modulr/broker/internal/metrics"
	"github.com/modulr/broker/internal/protocol"
	"github.com/modulr/broker/internal/session"
	"github.com/modulr/broker/internal/store"
)

// Sink posts a frame to a transport connection. A Post is not a receipt:
// delivery is at-most-once and the broker never retries.
type Sink interface {
	Post(ctx context.Context, connectionID string, data []byte) error
}

// ErrGone is returned by a Sink when the destination connection has closed.
// It is benign evidence of a stale presence row, logged and swallowed.
var ErrGone = errors.New("relay: connection gone")

// Targets a frame can name.
const (
	TargetRobot  = "robot"
	TargetClient = "client"
)

// Engine is the signaling relay.
type Engine struct {
	connections *store.ConnectionStore
	presence    *store.PresenceStore
	authorizer  *authz.Engine
	sink        Sink
	metrics     *metrics.Metrics
	sessions    *session.Lifecycle

	// lenientClientTarget restores the historical behavior for robot frames
	// with no resolvable client connection: emit the monitor copy, skip
	// delivery and answer 200. Default is a hard 400.
	lenientClientTarget bool
}

func NewEngine(connections *store.ConnectionStore, presence *store.PresenceStore, authorizer *authz.Engine, sink Sink, m *metrics.Metrics, lenientClientTarget bool) *Engine {
	return &Engine{
		connections:         connections,
		presence:            presence,
		authorizer:          authorizer,
		sink:                sink,
		metrics:             m,
		lenientClientTarget: lenientClientTarget,
	}
}

// SetSessions injects the billing lifecycle. Separate from the constructor
// because the lifecycle pushes its frames through this engine.
func (e *Engine) SetSessions(l *session.Lifecycle) {
	e.sessions = l
}

// HandleSignal relays one authenticated signaling frame. The returned status
// follows the handshake status-code convention; user-visible denials are also
// pushed in-band before returning.
func (e *Engine) HandleSignal(ctx context.Context, src *store.Connection, claims *auth.Claims, msg protocol.InboundMessage) (int, string) {
	if msg.RobotID == "" || msg.Type == "" {
		return http.StatusBadRequest, "Missing robotId or type"
	}

	presence, err := e.presence.Get(ctx, msg.RobotID)
	if err != nil && !store.IsNotFound(err) {
		slog.Warn("presence lookup failed during relay", "robot_id", msg.RobotID, "error", err)
		presence = nil
	}

	fromRobot := presence != nil && presence.ConnectionID == src.ConnectionID
	target := TargetRobot
	switch {
	case fromRobot:
		target = TargetClient
	case msg.Target != "":
		target = msg.Target
	}
	if target != TargetRobot && target != TargetClient {
		return http.StatusBadRequest, fmt.Sprintf("Invalid target %q", target)
	}

	if target == TargetRobot {
		if status, body, denied := e.gateRobotTarget(ctx, src, claims, msg); denied {
			return status, body
		}
	}

	destConnectionID, status, body := e.resolveDestination(ctx, presence, msg, fromRobot, target)
	if status != 0 {
		if status == http.StatusOK {
			// Lenient mode: observers still see the frame.
			e.emitMonitorCopy(ctx, msg.RobotID, e.buildFrame(ctx, "", target, src, msg), src.ConnectionID, target, fromRobot)
		}
		return status, body
	}

	frame := e.buildFrame(ctx, destConnectionID, target, src, msg)

	// Monitor copy goes out before real delivery so observers see the frame
	// even when the destination is gone.
	e.emitMonitorCopy(ctx, msg.RobotID, frame, src.ConnectionID, target, fromRobot)

	delivered := e.deliver(ctx, destConnectionID, frame)
	e.metrics.FramesRelayed.WithLabelValues(msg.SignalKind(), target).Inc()

	if delivered && target == TargetRobot && msg.IsInitialOffer() {
		if _, _, err := e.sessions.Start(ctx, claims, msg.RobotID, src.ConnectionID); err != nil {
			slog.Warn("session start failed after offer delivery",
				"robot_id", msg.RobotID, "user_id", claims.UserID, "error", err)
		}
	}
	return http.StatusOK, "Forwarded"
}

// gateRobotTarget runs the ACL and session-lock gates for frames headed to a
// robot. denied=true means the caller already got an in-band frame and the
// returned status stands.
func (e *Engine) gateRobotTarget(ctx context.Context, src *store.Connection, claims *auth.Claims, msg protocol.InboundMessage) (int, string, bool) {
	if !e.authorizer.CanAccessRobot(ctx, msg.RobotID, claims, "") {
		slog.Info("signal denied by ACL", "robot_id", msg.RobotID, "user_id", claims.UserID)
		if err := e.Push(ctx, src.ConnectionID, map[string]any{
			"type":    "error",
			"error":   "access_denied",
			"message": "You are not authorized to signal this robot",
			"robotId": msg.RobotID,
		}); err != nil {
			slog.Warn("access_denied push failed", "connection_id", src.ConnectionID, "error", err)
		}
		return http.StatusForbidden, "Access denied", true
	}

	if msg.IsInitialOffer() && e.sessions.Enabled() {
		lockedBy, err := e.authorizer.SessionLock(ctx, msg.RobotID, claims.UserID)
		if err != nil {
			// Best-effort lock: a store error admits the offer; billing
			// close-out still runs on disconnect.
			slog.Warn("session lock check failed, admitting offer", "robot_id", msg.RobotID, "error", err)
		} else if lockedBy != "" {
			if err := e.Push(ctx, src.ConnectionID, map[string]any{
				"type":     "session-locked",
				"robotId":  msg.RobotID,
				"lockedBy": lockedBy,
			}); err != nil {
				slog.Warn("session-locked push failed", "connection_id", src.ConnectionID, "error", err)
			}
			return http.StatusLocked, "Robot session is locked", true
		}
	}
	return 0, "", false
}

// resolveDestination maps the target side to a concrete connection id.
// A non-zero status short-circuits the relay; StatusOK means the lenient
// skip-delivery path.
func (e *Engine) resolveDestination(ctx context.Context, presence *store.RobotPresence, msg protocol.InboundMessage, fromRobot bool, target string) (string, int, string) {
	if target == TargetClient {
		destID := msg.ClientConnectionID
		if destID == "" && fromRobot {
			// Last chance: the flat dialect's robot frames carry the client
			// connection id in the original body's "to" field.
			if to, ok := msg.Raw["to"].(string); ok {
				destID = to
			}
		}
		if destID == "" {
			if e.lenientClientTarget {
				slog.Warn("client target without connection id, skipping delivery", "robot_id", msg.RobotID)
				return "", http.StatusOK, "No client connection; monitor copy only"
			}
			return "", http.StatusBadRequest, "Missing clientConnectionId"
		}
		return destID, 0, ""
	}

	if presence == nil || presence.ConnectionID == "" {
		return "", http.StatusNotFound, "Robot is offline"
	}
	return presence.ConnectionID, 0, ""
}

// buildFrame renders the outbound frame for the destination peer's protocol.
// The "from" identity is the source connection id going toward a robot and
// the robot id going toward a client.
func (e *Engine) buildFrame(ctx context.Context, destConnectionID, target string, src *store.Connection, msg protocol.InboundMessage) map[string]any {
	from := src.ConnectionID
	to := msg.RobotID
	if target == TargetClient {
		from = msg.RobotID
		to = destConnectionID
	}
	return protocol.FormatSignal(e.destProtocol(ctx, destConnectionID), msg.SignalKind(), to, from, msg.Payload)
}

func (e *Engine) destProtocol(ctx context.Context, connectionID string) protocol.Protocol {
	if connectionID == "" {
		return protocol.ProtocolLegacy
	}
	conn, err := e.connections.Get(ctx, connectionID)
	if err != nil || conn.Protocol == "" {
		return protocol.ProtocolLegacy
	}
	return conn.Protocol
}

// deliver posts the frame and reports whether it reached the sink. A gone
// destination is logged at warn and swallowed; the relay's answer to the
// caller stays 200 either way.
func (e *Engine) deliver(ctx context.Context, connectionID string, frame map[string]any) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Error("outbound frame marshal failed", "error", err)
		return false
	}
	if err := e.sink.Post(ctx, connectionID, data); err != nil {
		if errors.Is(err, ErrGone) {
			slog.Warn("destination gone, dropping frame", "connection_id", connectionID)
			e.metrics.DeliveryFailures.WithLabelValues("gone").Inc()
		} else {
			slog.Error("frame delivery failed", "connection_id", connectionID, "error", err)
			e.metrics.DeliveryFailures.WithLabelValues("error").Inc()
		}
		return false
	}
	return true
}

// Push formats and posts a platform frame for the destination's protocol.
// Implements session.Pusher.
func (e *Engine) Push(ctx context.Context, connectionID string, frame map[string]any) error {
	out := protocol.FormatPlatform(e.destProtocol(ctx, connectionID), frame)
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal platform frame: %w", err)
	}
	return e.sink.Post(ctx, connectionID, data)
}
