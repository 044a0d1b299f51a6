// Package session implements the billing-session state machine. A session
// opens on the first offer successfully forwarded to a robot, charges against
// the caller's credit balance, and closes when the client connection drops.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/modulr/broker/internal/auth"
	"github.com/modulr/broker/internal/directory"
	"github.com/modulr/broker/internal/metrics"
	"github.com/modulr/broker/internal/store"
)

// BillingReader reads the pricing inputs: robot rate, user balance, platform
// markup. Satisfied by *directory.Directory.
type BillingReader interface {
	Robot(ctx context.Context, robotID string) (*directory.Robot, error)
	Credits(ctx context.Context, userID string) (float64, error)
	MarkupPercent(ctx context.Context) (float64, error)
}

// Pusher delivers an in-band platform frame to a connection, formatted for
// that peer's protocol. Satisfied by *relay.Engine.
type Pusher interface {
	Push(ctx context.Context, connectionID string, frame map[string]any) error
}

// Lifecycle drives session start and close-out. A nil-sessions Lifecycle
// (sessions table not configured) disables billing and locks entirely.
type Lifecycle struct {
	sessions *store.SessionStore
	billing  BillingReader
	push     Pusher
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewLifecycle(sessions *store.SessionStore, billing BillingReader, push Pusher, m *metrics.Metrics) *Lifecycle {
	return &Lifecycle{
		sessions: sessions,
		billing:  billing,
		push:     push,
		metrics:  m,
		now:      time.Now,
	}
}

// Enabled reports whether session tracking is configured.
func (l *Lifecycle) Enabled() bool {
	return l != nil && l.sessions != nil
}

// Start opens (or reuses) the billing session for (user, robot) after an
// initial offer was delivered to the robot. It returns the session id and
// whether a session is in force; ok=false means the caller lacked credit and
// an insufficient_funds frame was pushed.
func (l *Lifecycle) Start(ctx context.Context, claims *auth.Claims, robotID, callerConnectionID string) (string, bool, error) {
	if !l.Enabled() {
		return "", true, nil
	}

	// Idempotency: the same (user, robot) pair reuses its active session.
	active, err := l.sessions.ActiveByUser(ctx, claims.UserID)
	if err != nil {
		return "", false, fmt.Errorf("session reuse query: %w", err)
	}
	for _, s := range active {
		if s.RobotID == robotID {
			return s.ID, true, nil
		}
	}

	rate, err := l.hourlyRate(ctx, robotID)
	if err != nil {
		return "", false, err
	}
	if rate > 0 {
		ok, err := l.checkBalance(ctx, claims, robotID, callerConnectionID, rate)
		if err != nil {
			return "", false, err
		}
		if !ok {
			return "", false, nil
		}
	}

	// Single-active-session: force-complete whatever else the user holds.
	endedAt := l.now().UnixMilli()
	for _, s := range active {
		if err := l.sessions.Complete(ctx, s.ID, endedAt); err != nil {
			slog.Warn("failed to close superseded session", "session_id", s.ID, "error", err)
			continue
		}
		l.metrics.SessionsCompleted.Inc()
	}

	sess := &store.Session{
		ID:           uuid.New().String(),
		UserID:       claims.UserID,
		UserEmail:    claims.Email,
		RobotID:      robotID,
		ConnectionID: callerConnectionID,
		Status:       store.SessionActive,
		StartedAt:    l.now().UnixMilli(),
	}
	if err := l.sessions.Put(ctx, sess); err != nil {
		return "", false, fmt.Errorf("create session: %w", err)
	}
	l.metrics.SessionsStarted.Inc()
	slog.Info("session started", "session_id", sess.ID, "user_id", claims.UserID, "robot_id", robotID)

	if err := l.push.Push(ctx, callerConnectionID, map[string]any{
		"type":      "session-created",
		"sessionId": sess.ID,
	}); err != nil {
		slog.Warn("session-created push failed", "session_id", sess.ID, "error", err)
	}
	return sess.ID, true, nil
}

func (l *Lifecycle) hourlyRate(ctx context.Context, robotID string) (float64, error) {
	robot, err := l.billing.Robot(ctx, robotID)
	if err != nil {
		return 0, fmt.Errorf("rate lookup: %w", err)
	}
	if robot == nil {
		return 0, nil
	}
	return robot.HourlyRateCredits, nil
}

// checkBalance verifies the caller can afford one minute at the marked-up
// rate. On a shortfall it pushes the insufficient_funds frame and returns
// false.
func (l *Lifecycle) checkBalance(ctx context.Context, claims *auth.Claims, robotID, callerConnectionID string, rate float64) (bool, error) {
	credits, err := l.billing.Credits(ctx, claims.UserID)
	if err != nil {
		return false, fmt.Errorf("credits lookup: %w", err)
	}
	markup, err := l.billing.MarkupPercent(ctx)
	if err != nil {
		slog.Warn("markup lookup failed, using default", "error", err)
		markup = directory.DefaultMarkupPercent
	}

	cost := rate / 60 * (1 + markup/100)
	if credits >= cost {
		return true, nil
	}

	slog.Info("session denied for insufficient funds",
		"user_id", claims.UserID, "robot_id", robotID, "credits", credits, "required", cost)
	if err := l.push.Push(ctx, callerConnectionID, map[string]any{
		"type":            "error",
		"error":           "insufficient_funds",
		"currentCredits":  credits,
		"requiredCredits": cost,
		"message":         fmt.Sprintf("Insufficient credits: %.2f available, %.2f required for one minute", credits, cost),
	}); err != nil {
		slog.Warn("insufficient_funds push failed", "connection_id", callerConnectionID, "error", err)
	}
	return false, nil
}

// EndForConnection completes every active session opened over the connection.
// Called on $disconnect.
func (l *Lifecycle) EndForConnection(ctx context.Context, connectionID string) error {
	if !l.Enabled() {
		return nil
	}
	active, err := l.sessions.ActiveByConnection(ctx, connectionID)
	if err != nil {
		return fmt.Errorf("sessions by connection: %w", err)
	}
	endedAt := l.now().UnixMilli()
	for _, s := range active {
		if err := l.sessions.Complete(ctx, s.ID, endedAt); err != nil {
			slog.Warn("session close failed", "session_id", s.ID, "error", err)
			continue
		}
		l.metrics.SessionsCompleted.Inc()
		slog.Info("session completed", "session_id", s.ID, "duration_s", (endedAt-s.StartedAt)/1000)
	}
	return nil
}
