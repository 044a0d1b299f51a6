package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/modulr/broker/internal/protocol"
)

// Connection kinds.
const (
	KindClient  = "client"
	KindMonitor = "monitor"
)

// Connection is one live transport connection. Exactly one row exists per
// open socket: created after the handshake authenticates, deleted on close.
type Connection struct {
	ConnectionID      string            `json:"connection_id"`
	UserID            string            `json:"user_id"`
	Username          string            `json:"username"`
	Email             string            `json:"email"`
	Groups            string            `json:"groups"` // comma-joined
	Kind              string            `json:"kind"`   // client | monitor
	MonitoringRobotID string            `json:"monitoring_robot_id,omitempty"`
	Protocol          protocol.Protocol `json:"protocol"`
	TS                int64             `json:"ts"` // ms epoch, bumped on keepalive
}

// ConnectionStore persists connection rows keyed by connection id, with a
// set index over MonitoringRobotID for monitor fan-out.
type ConnectionStore struct {
	kv     KV
	prefix string
}

func NewConnectionStore(kv KV, table string) *ConnectionStore {
	if table == "" {
		table = "connections"
	}
	return &ConnectionStore{kv: kv, prefix: table + ":"}
}

func (s *ConnectionStore) key(id string) string { return s.prefix + "id:" + id }
func (s *ConnectionStore) monKey(robot string) string { return s.prefix + "mon:" + robot }

// Put writes a connection row and keeps the monitor index consistent when the
// row moves between monitored robots.
func (s *ConnectionStore) Put(ctx context.Context, conn *Connection) error {
	prev, err := s.Get(ctx, conn.ConnectionID)
	if err != nil && !IsNotFound(err) {
		return err
	}
	if prev != nil && prev.MonitoringRobotID != "" && prev.MonitoringRobotID != conn.MonitoringRobotID {
		if err := s.kv.SRem(ctx, s.monKey(prev.MonitoringRobotID), conn.ConnectionID); err != nil {
			slog.Warn("connection monitor index cleanup failed",
				"connection_id", conn.ConnectionID, "robot_id", prev.MonitoringRobotID, "error", err)
		}
	}

	data, err := json.Marshal(conn)
	if err != nil {
		return fmt.Errorf("marshal connection: %w", err)
	}
	if err := s.kv.Set(ctx, s.key(conn.ConnectionID), data, 0); err != nil {
		return fmt.Errorf("put connection: %w", err)
	}
	if conn.MonitoringRobotID != "" {
		if err := s.kv.SAdd(ctx, s.monKey(conn.MonitoringRobotID), conn.ConnectionID); err != nil {
			return fmt.Errorf("index monitor connection: %w", err)
		}
	}
	return nil
}

func (s *ConnectionStore) Get(ctx context.Context, connectionID string) (*Connection, error) {
	data, err := s.kv.Get(ctx, s.key(connectionID))
	if err != nil {
		return nil, err
	}
	var conn Connection
	if err := json.Unmarshal(data, &conn); err != nil {
		return nil, fmt.Errorf("unmarshal connection %s: %w", connectionID, err)
	}
	return &conn, nil
}

// Delete removes the row and its monitor index entry.
func (s *ConnectionStore) Delete(ctx context.Context, connectionID string) error {
	conn, err := s.Get(ctx, connectionID)
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return err
	}
	if conn.MonitoringRobotID != "" {
		_ = s.kv.SRem(ctx, s.monKey(conn.MonitoringRobotID), connectionID)
	}
	return s.kv.Del(ctx, s.key(connectionID))
}

// MonitorsOf returns the monitor connections subscribed to a robot. Index
// entries whose row has vanished are skipped and pruned.
func (s *ConnectionStore) MonitorsOf(ctx context.Context, robotID string) ([]*Connection, error) {
	ids, err := s.kv.SMembers(ctx, s.monKey(robotID))
	if err != nil {
		return nil, fmt.Errorf("monitor index query: %w", err)
	}
	conns := make([]*Connection, 0, len(ids))
	for _, id := range ids {
		conn, err := s.Get(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				_ = s.kv.SRem(ctx, s.monKey(robotID), id)
				continue
			}
			return nil, err
		}
		conns = append(conns, conn)
	}
	return conns, nil
}

// Touch bumps the keepalive timestamp on an existing row.
func (s *ConnectionStore) Touch(ctx context.Context, connectionID string, ts int64) error {
	conn, err := s.Get(ctx, connectionID)
	if err != nil {
		return err
	}
	conn.TS = ts
	return s.Put(ctx, conn)
}

// Promote switches the connection's peer protocol. Called once when the first
// versioned frame arrives on a legacy-default connection.
func (s *ConnectionStore) Promote(ctx context.Context, connectionID string, p protocol.Protocol) error {
	conn, err := s.Get(ctx, connectionID)
	if err != nil {
		return err
	}
	if conn.Protocol == p {
		return nil
	}
	conn.Protocol = p
	return s.Put(ctx, conn)
}
