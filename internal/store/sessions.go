package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// Session statuses.
const (
	SessionActive    = "active"
	SessionCompleted = "completed"
)

// Session is one paid signaling session between a user and a robot.
type Session struct {
	ID              string `json:"id"`
	UserID          string `json:"user_id"`
	UserEmail       string `json:"user_email"`
	RobotID         string `json:"robot_id"`
	ConnectionID    string `json:"connection_id"`
	Status          string `json:"status"`
	StartedAt       int64  `json:"started_at"` // ms epoch
	EndedAt         int64  `json:"ended_at,omitempty"`
	DurationSeconds int64  `json:"duration_seconds,omitempty"`
}

// SessionStore persists sessions keyed by id with set indexes over userId,
// robotId and connectionId, mirroring the table's secondary indexes. Indexes
// keep completed sessions; readers filter by status.
type SessionStore struct {
	kv     KV
	prefix string
}

func NewSessionStore(kv KV, table string) *SessionStore {
	if table == "" {
		table = "sessions"
	}
	return &SessionStore{kv: kv, prefix: table + ":"}
}

func (s *SessionStore) key(id string) string      { return s.prefix + "id:" + id }
func (s *SessionStore) userKey(id string) string  { return s.prefix + "user:" + id }
func (s *SessionStore) robotKey(id string) string { return s.prefix + "robot:" + id }
func (s *SessionStore) connKey(id string) string  { return s.prefix + "conn:" + id }

func (s *SessionStore) Put(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.kv.Set(ctx, s.key(sess.ID), data, 0); err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	for _, idx := range []struct{ key, member string }{
		{s.userKey(sess.UserID), sess.ID},
		{s.robotKey(sess.RobotID), sess.ID},
		{s.connKey(sess.ConnectionID), sess.ID},
	} {
		if err := s.kv.SAdd(ctx, idx.key, idx.member); err != nil {
			return fmt.Errorf("index session: %w", err)
		}
	}
	return nil
}

func (s *SessionStore) Get(ctx context.Context, id string) (*Session, error) {
	data, err := s.kv.Get(ctx, s.key(id))
	if err != nil {
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session %s: %w", id, err)
	}
	return &sess, nil
}

// ActiveByUser returns the user's active sessions.
func (s *SessionStore) ActiveByUser(ctx context.Context, userID string) ([]*Session, error) {
	return s.activeIn(ctx, s.userKey(userID))
}

// ActiveByRobot returns the active sessions referencing a robot. The session
// lock invariant means this should return at most one row.
func (s *SessionStore) ActiveByRobot(ctx context.Context, robotID string) ([]*Session, error) {
	return s.activeIn(ctx, s.robotKey(robotID))
}

// ActiveByConnection returns the active sessions opened over a connection.
func (s *SessionStore) ActiveByConnection(ctx context.Context, connectionID string) ([]*Session, error) {
	return s.activeIn(ctx, s.connKey(connectionID))
}

func (s *SessionStore) activeIn(ctx context.Context, indexKey string) ([]*Session, error) {
	ids, err := s.kv.SMembers(ctx, indexKey)
	if err != nil {
		return nil, fmt.Errorf("session index query: %w", err)
	}
	var active []*Session
	for _, id := range ids {
		sess, err := s.Get(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				slog.Warn("session index references missing row", "session_id", id)
				continue
			}
			return nil, err
		}
		if sess.Status == SessionActive {
			active = append(active, sess)
		}
	}
	return active, nil
}

// Complete marks a session completed at endedAt (ms epoch) and records its
// duration.
func (s *SessionStore) Complete(ctx context.Context, id string, endedAt int64) error {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status == SessionCompleted {
		return nil
	}
	sess.Status = SessionCompleted
	sess.EndedAt = endedAt
	if endedAt > sess.StartedAt {
		sess.DurationSeconds = (endedAt - sess.StartedAt) / 1000
	}
	return s.Put(ctx, sess)
}
