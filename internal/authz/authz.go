// Package authz decides whether a (user, robot, action) tuple is allowed:
// ownership, admin groups, operator delegation, per-robot ACLs and the
// single-active-session lock.
//
// Fail modes differ by check and the asymmetry is deliberate: ACL and robot
// lookups fail open (an unreachable directory must not strand every robot),
// delegation lookups fail closed (an unreachable directory must not grant
// operator powers).
package authz

import (
	"context"
	"log/slog"
	"strings"

	"github.com/modulr/broker/internal/auth"
	"github.com/modulr/broker/internal/directory"
	"github.com/modulr/broker/internal/store"
)

// PresenceReader is the slice of the presence store the engine needs.
type PresenceReader interface {
	Get(ctx context.Context, robotID string) (*store.RobotPresence, error)
}

// RobotReader reads the robot ACL view and operator delegations.
type RobotReader interface {
	Robot(ctx context.Context, robotID string) (*directory.Robot, error)
	IsOperator(ctx context.Context, robotID, userID string) (bool, error)
}

// SessionReader reads active sessions for the lock check.
type SessionReader interface {
	ActiveByRobot(ctx context.Context, robotID string) ([]*store.Session, error)
}

// Engine evaluates authorization decisions. All methods are per-action; no
// decision is cached.
type Engine struct {
	presence PresenceReader
	robots   RobotReader
	sessions SessionReader
}

func NewEngine(presence PresenceReader, robots RobotReader, sessions SessionReader) *Engine {
	return &Engine{presence: presence, robots: robots, sessions: sessions}
}

// IsAdmin reports whether the claims carry an admin group. The historical
// forms "ADMINS" and "admin" are matched exactly, plus any uppercase variant.
func IsAdmin(claims *auth.Claims) bool {
	for _, g := range claims.Groups {
		if g == "ADMINS" || g == "admin" {
			return true
		}
		switch strings.ToUpper(g) {
		case "ADMIN", "ADMINS":
			return true
		}
	}
	return false
}

// IsOwnerOrAdmin is true when the caller owns the robot's presence row, holds
// an admin group, or has an operator delegation for the robot.
func (e *Engine) IsOwnerOrAdmin(ctx context.Context, robotID string, claims *auth.Claims) bool {
	if IsAdmin(claims) {
		return true
	}
	p, err := e.presence.Get(ctx, robotID)
	if err == nil && p.OwnerUserID != "" && p.OwnerUserID == claims.UserID {
		return true
	}
	if err != nil && !store.IsNotFound(err) {
		slog.Warn("presence lookup failed during ownership check", "robot_id", robotID, "error", err)
	}

	delegated, err := e.robots.IsOperator(ctx, robotID, claims.UserID)
	if err != nil {
		// Fail closed: delegation grants power, so an error denies it.
		slog.Warn("operator delegation lookup failed, denying", "robot_id", robotID, "user_id", claims.UserID, "error", err)
		return false
	}
	return delegated
}

// CanAccessRobot is true when the caller may signal the robot: owner, admin or
// delegate; or the robot has no ACL; or any of the caller's identifiers is on
// it. A robot missing from the table is allowed (the pre-ACL legacy path).
func (e *Engine) CanAccessRobot(ctx context.Context, robotID string, claims *auth.Claims, identifier string) bool {
	if e.IsOwnerOrAdmin(ctx, robotID, claims) {
		return true
	}

	robot, err := e.robots.Robot(ctx, robotID)
	if err != nil {
		slog.Warn("robot ACL lookup failed, allowing", "robot_id", robotID, "error", err)
		return true
	}
	if robot == nil || len(robot.AllowedUsers) == 0 {
		return true
	}

	allowed := make(map[string]bool, len(robot.AllowedUsers))
	for _, u := range robot.AllowedUsers {
		allowed[strings.ToLower(u)] = true
	}
	for _, id := range claims.Identifiers(identifier) {
		if allowed[id] {
			return true
		}
	}
	return false
}

// SessionLock returns the identity holding an active session on the robot if
// that holder is someone other than currentUser, else "". Evaluated only on a
// fresh offer targeting a robot.
func (e *Engine) SessionLock(ctx context.Context, robotID, currentUser string) (string, error) {
	sessions, err := e.sessions.ActiveByRobot(ctx, robotID)
	if err != nil {
		return "", err
	}
	for _, s := range sessions {
		if s.UserID != currentUser {
			if s.UserEmail != "" {
				return s.UserEmail, nil
			}
			return s.UserID, nil
		}
	}
	return "", nil
}
