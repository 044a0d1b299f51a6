package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modulr/broker/internal/auth"
	"github.com/modulr/broker/internal/directory"
	"github.com/modulr/broker/internal/metrics"
	"github.com/modulr/broker/internal/store"
)

type fakeBilling struct {
	robots  map[string]*directory.Robot
	credits map[string]float64
	markup  float64

	creditsErr error
	markupErr  error
}

func (f *fakeBilling) Robot(ctx context.Context, robotID string) (*directory.Robot, error) {
	return f.robots[robotID], nil
}

func (f *fakeBilling) Credits(ctx context.Context, userID string) (float64, error) {
	if f.creditsErr != nil {
		return 0, f.creditsErr
	}
	return f.credits[userID], nil
}

func (f *fakeBilling) MarkupPercent(ctx context.Context) (float64, error) {
	if f.markupErr != nil {
		return 0, f.markupErr
	}
	return f.markup, nil
}

type recordingPusher struct {
	frames []map[string]any
}

func (r *recordingPusher) Push(ctx context.Context, connectionID string, frame map[string]any) error {
	r.frames = append(r.frames, frame)
	return nil
}

func newLifecycle(t *testing.T, billing *fakeBilling) (*Lifecycle, *store.SessionStore, *recordingPusher) {
	t.Helper()
	sessions := store.NewSessionStore(store.NewMemKV(), "")
	push := &recordingPusher{}
	l := NewLifecycle(sessions, billing, push, metrics.New(prometheus.NewRegistry()))
	l.now = func() time.Time { return time.UnixMilli(1_000_000) }
	return l, sessions, push
}

func operatorClaims() *auth.Claims {
	return &auth.Claims{UserID: "user-1", Email: "alice@example.com"}
}

func TestStartCreatesSession(t *testing.T) {
	billing := &fakeBilling{
		robots:  map[string]*directory.Robot{"robot-42": {RobotID: "robot-42", HourlyRateCredits: 60}},
		credits: map[string]float64{"user-1": 10},
		markup:  30,
	}
	l, sessions, push := newLifecycle(t, billing)

	id, ok, err := l.Start(context.Background(), operatorClaims(), "robot-42", "conn-1")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NotEmpty(t, id)

	sess, err := sessions.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.SessionActive, sess.Status)
	assert.Equal(t, "user-1", sess.UserID)
	assert.Equal(t, "alice@example.com", sess.UserEmail)
	assert.Equal(t, "conn-1", sess.ConnectionID)

	require.Len(t, push.frames, 1)
	assert.Equal(t, "session-created", push.frames[0]["type"])
	assert.Equal(t, id, push.frames[0]["sessionId"])
}

func TestStartIdempotentPerUserRobot(t *testing.T) {
	billing := &fakeBilling{
		robots:  map[string]*directory.Robot{"robot-42": {RobotID: "robot-42", HourlyRateCredits: 60}},
		credits: map[string]float64{"user-1": 10},
	}
	l, _, push := newLifecycle(t, billing)
	ctx := context.Background()

	first, ok, err := l.Start(ctx, operatorClaims(), "robot-42", "conn-1")
	require.NoError(t, err)
	require.True(t, ok)

	// Renegotiation offer on the same pair: same session, no second frame.
	second, ok, err := l.Start(ctx, operatorClaims(), "robot-42", "conn-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, first, second)
	assert.Len(t, push.frames, 1)
}

func TestStartSupersedesOtherRobotSession(t *testing.T) {
	billing := &fakeBilling{
		robots: map[string]*directory.Robot{
			"robot-a": {RobotID: "robot-a", HourlyRateCredits: 60},
			"robot-b": {RobotID: "robot-b", HourlyRateCredits: 60},
		},
		credits: map[string]float64{"user-1": 10},
	}
	l, sessions, _ := newLifecycle(t, billing)
	ctx := context.Background()

	first, _, err := l.Start(ctx, operatorClaims(), "robot-a", "conn-1")
	require.NoError(t, err)

	_, ok, err := l.Start(ctx, operatorClaims(), "robot-b", "conn-1")
	require.NoError(t, err)
	assert.True(t, ok)

	old, err := sessions.Get(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, store.SessionCompleted, old.Status, "one active session per user")
}

func TestStartInsufficientFunds(t *testing.T) {
	// 60 credits/hour at 30% markup needs 1.30 for the first minute.
	billing := &fakeBilling{
		robots:  map[string]*directory.Robot{"robot-42": {RobotID: "robot-42", HourlyRateCredits: 60}},
		credits: map[string]float64{"user-1": 1.0},
		markup:  30,
	}
	l, sessions, push := newLifecycle(t, billing)

	id, ok, err := l.Start(context.Background(), operatorClaims(), "robot-42", "conn-1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, id)

	require.Len(t, push.frames, 1)
	frame := push.frames[0]
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, "insufficient_funds", frame["error"])
	assert.InDelta(t, 1.0, frame["currentCredits"], 1e-9)
	assert.InDelta(t, 1.3, frame["requiredCredits"], 1e-9)

	none, err := sessions.ActiveByUser(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStartExactBalanceAdmits(t *testing.T) {
	billing := &fakeBilling{
		robots:  map[string]*directory.Robot{"robot-42": {RobotID: "robot-42", HourlyRateCredits: 60}},
		credits: map[string]float64{"user-1": 1.3},
		markup:  30,
	}
	l, _, _ := newLifecycle(t, billing)

	_, ok, err := l.Start(context.Background(), operatorClaims(), "robot-42", "conn-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStartFreeRobotSkipsBalance(t *testing.T) {
	billing := &fakeBilling{
		robots:     map[string]*directory.Robot{"robot-42": {RobotID: "robot-42", HourlyRateCredits: 0}},
		creditsErr: errors.New("must not be called"),
	}
	l, _, _ := newLifecycle(t, billing)

	_, ok, err := l.Start(context.Background(), operatorClaims(), "robot-42", "conn-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStartUnknownRobotIsFree(t *testing.T) {
	billing := &fakeBilling{creditsErr: errors.New("must not be called")}
	l, _, _ := newLifecycle(t, billing)

	_, ok, err := l.Start(context.Background(), operatorClaims(), "robot-42", "conn-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStartMarkupLookupFallsBackToDefault(t *testing.T) {
	// Rate 60/hour with the default 30% markup costs 1.30; 1.2 credits is short.
	billing := &fakeBilling{
		robots:    map[string]*directory.Robot{"robot-42": {RobotID: "robot-42", HourlyRateCredits: 60}},
		credits:   map[string]float64{"user-1": 1.2},
		markupErr: errors.New("settings table down"),
	}
	l, _, _ := newLifecycle(t, billing)

	_, ok, err := l.Start(context.Background(), operatorClaims(), "robot-42", "conn-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEndForConnection(t *testing.T) {
	billing := &fakeBilling{
		robots:  map[string]*directory.Robot{"robot-42": {RobotID: "robot-42"}},
		credits: map[string]float64{"user-1": 10},
	}
	l, sessions, _ := newLifecycle(t, billing)
	ctx := context.Background()

	id, _, err := l.Start(ctx, operatorClaims(), "robot-42", "conn-1")
	require.NoError(t, err)

	l.now = func() time.Time { return time.UnixMilli(1_090_000) }
	require.NoError(t, l.EndForConnection(ctx, "conn-1"))

	sess, err := sessions.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.SessionCompleted, sess.Status)
	assert.EqualValues(t, 90, sess.DurationSeconds)

	// A connection with no sessions is a no-op.
	assert.NoError(t, l.EndForConnection(ctx, "conn-ghost"))
}

func TestDisabledLifecycle(t *testing.T) {
	var l *Lifecycle
	assert.False(t, l.Enabled())

	l = NewLifecycle(nil, nil, nil, nil)
	assert.False(t, l.Enabled())

	id, ok, err := l.Start(context.Background(), operatorClaims(), "robot-42", "conn-1")
	assert.NoError(t, err)
	assert.True(t, ok, "disabled sessions never block signaling")
	assert.Empty(t, id)
	assert.NoError(t, l.EndForConnection(context.Background(), "conn-1"))
}
