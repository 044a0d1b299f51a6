package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// RobotPresence maps a robot's stable identifier to the socket it is currently
// on. Rows are not deleted on disconnect: a stale row is detected by delivery
// failure and overwritten by the next register.
type RobotPresence struct {
	RobotID      string `json:"robot_id"`
	OwnerUserID  string `json:"owner_user_id"`
	ConnectionID string `json:"connection_id"`
	Status       string `json:"status"`     // online
	UpdatedAt    int64  `json:"updated_at"` // ms epoch
}

// PresenceStore persists robot presence keyed by robot id. The ownership claim
// is serialized through a separate owner key written with SetNX so two robots
// racing to claim the same id cannot both win.
type PresenceStore struct {
	kv     KV
	prefix string
}

func NewPresenceStore(kv KV, table string) *PresenceStore {
	if table == "" {
		table = "presence"
	}
	return &PresenceStore{kv: kv, prefix: table + ":"}
}

func (s *PresenceStore) key(robotID string) string { return s.prefix + "id:" + robotID }
func (s *PresenceStore) ownerKey(robotID string) string { return s.prefix + "owner:" + robotID }

func (s *PresenceStore) Get(ctx context.Context, robotID string) (*RobotPresence, error) {
	data, err := s.kv.Get(ctx, s.key(robotID))
	if err != nil {
		return nil, err
	}
	var p RobotPresence
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal presence %s: %w", robotID, err)
	}
	return &p, nil
}

// Claim registers presence under the ownership condition: the first claimant
// becomes the owner, the same owner may re-claim freely, anyone else gets
// ErrOwnerConflict unless force is set (admin takeover of the identifier).
func (s *PresenceStore) Claim(ctx context.Context, p *RobotPresence, force bool) error {
	ok, err := s.kv.SetNX(ctx, s.ownerKey(p.RobotID), []byte(p.OwnerUserID), 0)
	if err != nil {
		return fmt.Errorf("presence owner claim: %w", err)
	}
	if !ok {
		cur, err := s.kv.Get(ctx, s.ownerKey(p.RobotID))
		if err != nil && !IsNotFound(err) {
			return fmt.Errorf("presence owner read: %w", err)
		}
		owner := string(cur)
		if owner != p.OwnerUserID {
			if !force {
				return fmt.Errorf("%w: %s held by %s", ErrOwnerConflict, p.RobotID, owner)
			}
			if err := s.kv.Set(ctx, s.ownerKey(p.RobotID), []byte(p.OwnerUserID), 0); err != nil {
				return fmt.Errorf("presence owner overwrite: %w", err)
			}
		}
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	if err := s.kv.Set(ctx, s.key(p.RobotID), data, 0); err != nil {
		return fmt.Errorf("put presence: %w", err)
	}
	return nil
}
