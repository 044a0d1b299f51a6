// Package auth resolves verified identity claims for broker events, either
// from the stored connection row (the cheap per-frame path) or by verifying a
// bearer token against the user pool's published key set.
package auth

import (
	"errors"
	"strings"
)

// ErrUnauthorized is returned whenever no valid identity can be established.
// Callers map it to a 401; no detail about the failure leaks to the peer.
var ErrUnauthorized = errors.New("auth: unauthorized")

// Claims is the verified identity attached to an event.
type Claims struct {
	UserID   string
	Groups   []string
	Email    string
	Username string
	Audience string
}

// Identifiers returns the lowercased identity strings used for ACL matching,
// most specific first. extra is an optional caller-supplied identifier.
func (c *Claims) Identifiers(extra string) []string {
	var ids []string
	for _, id := range []string{extra, c.Email, c.Username, c.UserID} {
		if id != "" {
			ids = append(ids, strings.ToLower(id))
		}
	}
	return ids
}

// GroupsJoined renders groups the way the connection row stores them.
func (c *Claims) GroupsJoined() string {
	return strings.Join(c.Groups, ",")
}

// SplitGroups parses the comma-joined form back into a slice.
func SplitGroups(joined string) []string {
	if joined == "" {
		return nil
	}
	parts := strings.Split(joined, ",")
	groups := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			groups = append(groups, p)
		}
	}
	return groups
}
