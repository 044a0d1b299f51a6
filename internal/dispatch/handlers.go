package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/modulr/broker/internal/auth"
	"github.com/modulr/broker/internal/authz"
	"github.com/modulr/broker/internal/protocol"
	"github.com/modulr/broker/internal/store"
)

// handleRegister claims the robot's presence row under the ownership
// condition. Admin callers may force the claim over a foreign owner.
func (d *Dispatcher) handleRegister(ctx context.Context, src *store.Connection, claims *auth.Claims, msg protocol.InboundMessage) Result {
	if msg.RobotID == "" {
		return fail(http.StatusBadRequest, "Missing robotId")
	}

	p := &store.RobotPresence{
		RobotID:      msg.RobotID,
		OwnerUserID:  claims.UserID,
		ConnectionID: src.ConnectionID,
		Status:       "online",
		UpdatedAt:    d.now().UnixMilli(),
	}
	err := d.presence.Claim(ctx, p, authz.IsAdmin(claims))
	if err != nil {
		if errors.Is(err, store.ErrOwnerConflict) {
			slog.Info("register rejected, robot owned by another user",
				"robot_id", msg.RobotID, "user_id", claims.UserID)
			return fail(http.StatusConflict, "Robot is registered to another user")
		}
		slog.Error("presence claim failed", "robot_id", msg.RobotID, "error", err)
		return fail(http.StatusInternalServerError, "Internal error")
	}

	slog.Info("robot registered", "robot_id", msg.RobotID, "connection_id", src.ConnectionID, "owner", claims.UserID)
	d.engine.MonitorCopy(ctx, msg.RobotID, map[string]any{
		"type":         "register",
		"robotId":      msg.RobotID,
		"connectionId": src.ConnectionID,
	}, src.ConnectionID, "", "robot-to-platform")
	return ok()
}

// handleMonitor subscribes the connection as a read-only observer of a robot.
func (d *Dispatcher) handleMonitor(ctx context.Context, src *store.Connection, claims *auth.Claims, msg protocol.InboundMessage) Result {
	if msg.RobotID == "" {
		return fail(http.StatusBadRequest, "Missing robotId")
	}
	if !d.authorizer.CanAccessRobot(ctx, msg.RobotID, claims, "") {
		return fail(http.StatusForbidden, "Access denied")
	}

	src.Kind = store.KindMonitor
	src.MonitoringRobotID = msg.RobotID
	src.TS = d.now().UnixMilli()
	if err := d.connections.Put(ctx, src); err != nil {
		slog.Error("monitor subscription write failed", "connection_id", src.ConnectionID, "error", err)
		return fail(http.StatusInternalServerError, "Internal error")
	}

	slog.Info("monitor subscribed", "connection_id", src.ConnectionID, "robot_id", msg.RobotID)
	return d.reply(ctx, src, map[string]any{
		"type":    "monitor-confirmed",
		"robotId": msg.RobotID,
	})
}

// handleTakeover pushes an admin-takeover frame to the robot's connection on
// behalf of an owner, delegate or admin.
func (d *Dispatcher) handleTakeover(ctx context.Context, src *store.Connection, claims *auth.Claims, msg protocol.InboundMessage) Result {
	if msg.RobotID == "" {
		return fail(http.StatusBadRequest, "Missing robotId")
	}
	if !d.authorizer.IsOwnerOrAdmin(ctx, msg.RobotID, claims) {
		slog.Info("takeover denied", "robot_id", msg.RobotID, "user_id", claims.UserID)
		return fail(http.StatusForbidden, "Takeover requires ownership or admin")
	}

	p, err := d.presence.Get(ctx, msg.RobotID)
	if err != nil {
		if store.IsNotFound(err) {
			return fail(http.StatusNotFound, "Robot is offline")
		}
		slog.Error("presence lookup failed for takeover", "robot_id", msg.RobotID, "error", err)
		return fail(http.StatusInternalServerError, "Internal error")
	}

	if err := d.engine.Push(ctx, p.ConnectionID, map[string]any{
		"type":         "admin-takeover",
		"robotId":      msg.RobotID,
		"requestedBy":  claims.UserID,
		"connectionId": src.ConnectionID,
	}); err != nil {
		slog.Warn("admin-takeover push failed", "robot_id", msg.RobotID, "error", err)
	}
	return ok()
}
