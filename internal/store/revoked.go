package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// RevokedTokenStore is a presence table: a row keyed by the token's hash means
// the token is revoked. The raw token never touches the store.
type RevokedTokenStore struct {
	kv     KV
	prefix string
}

func NewRevokedTokenStore(kv KV, table string) *RevokedTokenStore {
	if table == "" {
		table = "revoked_tokens"
	}
	return &RevokedTokenStore{kv: kv, prefix: table + ":"}
}

// TokenID is the hex SHA-256 of the bearer token, the table's primary key.
func TokenID(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// IsRevoked reports whether the token has a revocation row. Store errors are
// returned to the caller, which decides the fail direction.
func (s *RevokedTokenStore) IsRevoked(ctx context.Context, token string) (bool, error) {
	_, err := s.kv.Get(ctx, s.prefix+TokenID(token))
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("revocation lookup: %w", err)
	}
	return true, nil
}

// Revoke inserts a revocation row. Token issuance lives elsewhere; this is
// exposed for operational tooling and tests.
func (s *RevokedTokenStore) Revoke(ctx context.Context, token string) error {
	return s.kv.Set(ctx, s.prefix+TokenID(token), []byte("1"), 0)
}
