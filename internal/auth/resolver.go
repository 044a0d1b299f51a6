package auth

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/golang-jwt/jwt/v5"

	"github.com/modulr/broker/internal/store"
)

// ConnectionReader is the slice of the connection store the resolver needs.
type ConnectionReader interface {
	Get(ctx context.Context, connectionID string) (*store.Connection, error)
}

// RevocationChecker looks up the revocation table. Lookup errors fail open:
// a broker that cannot reach the revocation table keeps serving rather than
// locking everyone out. This availability-over-security trade-off is
// deliberate; revoked tokens still expire on their own.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, token string) (bool, error)
}

// TokenVerifier verifies a bearer token into claims. Satisfied by *Resolver's
// own slow path and by fakes in tests.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (*Claims, error)
}

// Resolver produces Claims for broker events.
type Resolver struct {
	connections ConnectionReader
	revoked     RevocationChecker
	keys        *KeySet
	issuer      string

	// allowNoToken replaces verification with fixed synthetic claims.
	// Development only; config.Load refuses to enable it in production.
	allowNoToken bool
}

func NewResolver(connections ConnectionReader, revoked RevocationChecker, keys *KeySet, issuer string, allowNoToken bool) *Resolver {
	return &Resolver{
		connections:  connections,
		revoked:      revoked,
		keys:         keys,
		issuer:       issuer,
		allowNoToken: allowNoToken,
	}
}

// devClaims is the fixed identity used when token auth is disabled in
// development mode.
var devClaims = Claims{
	UserID:   "dev-user",
	Groups:   []string{"ADMINS"},
	Email:    "dev@localhost",
	Username: "dev-user",
}

// FromConnection synthesizes claims from the stored connection row. This is
// the fast path used on every frame after the handshake.
func (r *Resolver) FromConnection(ctx context.Context, connectionID string) (*Claims, error) {
	if r.allowNoToken {
		c := devClaims
		return &c, nil
	}
	conn, err := r.connections.Get(ctx, connectionID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("connection auth lookup: %w", err)
	}
	if conn.UserID == "" {
		return nil, ErrUnauthorized
	}
	return &Claims{
		UserID:   conn.UserID,
		Groups:   SplitGroups(conn.Groups),
		Email:    conn.Email,
		Username: conn.Username,
	}, nil
}

// VerifyToken runs the slow path: revocation check, signature verification
// against the pool's key set, issuer and expiry validation, claim projection.
func (r *Resolver) VerifyToken(ctx context.Context, token string) (*Claims, error) {
	if r.allowNoToken {
		c := devClaims
		return &c, nil
	}
	if token == "" {
		return nil, ErrUnauthorized
	}

	revoked, err := r.revoked.IsRevoked(ctx, token)
	if err != nil {
		slog.Warn("revocation check failed, proceeding", "error", err)
	} else if revoked {
		slog.Info("rejected revoked token", "token_id", store.TokenID(token))
		return nil, ErrUnauthorized
	}

	parsed, err := jwt.Parse(token, r.keys.Keyfunc,
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(r.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		slog.Info("token verification failed", "error", err)
		return nil, ErrUnauthorized
	}

	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrUnauthorized
	}
	return projectClaims(mc), nil
}

// Resolve prefers the connection-backed fast path and falls back to token
// verification when the row is missing (handshake, or a row lost to a store
// hiccup).
func (r *Resolver) Resolve(ctx context.Context, connectionID, token string) (*Claims, error) {
	claims, err := r.FromConnection(ctx, connectionID)
	if err == nil {
		return claims, nil
	}
	return r.VerifyToken(ctx, token)
}

func projectClaims(mc jwt.MapClaims) *Claims {
	c := &Claims{}
	if sub, _ := mc["sub"].(string); sub != "" {
		c.UserID = sub
	}
	if groups, ok := mc["cognito:groups"].([]any); ok {
		for _, g := range groups {
			if s, ok := g.(string); ok {
				c.Groups = append(c.Groups, s)
			}
		}
	}
	c.Email, _ = mc["email"].(string)
	c.Username, _ = mc["cognito:username"].(string)
	switch aud := mc["aud"].(type) {
	case string:
		c.Audience = aud
	case []any:
		if len(aud) > 0 {
			c.Audience, _ = aud[0].(string)
		}
	}
	return c
}
