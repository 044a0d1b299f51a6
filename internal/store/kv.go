// Package store provides typed access to the broker's durable tables.
//
// Every table is a keyed record in a shared key-value store with set-based
// secondary indexes. The broker holds no registry state in memory: in a
// multi-pod deployment every pod must see the same connections, presence rows
// and sessions, so the store is the only source of truth.
package store

import (
	"context"
	"errors"
	"time"
)

// KV is the minimal interface any key-value driver (go-redis, a test fake)
// must satisfy. The stores don't import a specific driver — cmd/broker creates
// the concrete client and injects it.
type KV interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX writes only if the key is absent and reports whether it wrote.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Get returns ErrNotFound for absent keys.
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, keys ...string) error
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
}

// ErrNotFound is returned when a looked-up record does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrOwnerConflict is returned by PresenceStore.Claim when a robot is already
// owned by a different user and the claim is not forced.
var ErrOwnerConflict = errors.New("store: robot owned by another user")

// IsNotFound reports whether err is a missing-record error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
