// Package dispatch is the top-level event router: every transport event
// (open, frame, close) is handled as an independent transaction against the
// shared registries and answered with an HTTP-style status.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/modulr/broker/internal/auth"
	"github.com/modulr/broker/internal/authz"
	"github.com/modulr/broker/internal/metrics"
	"github.com/modulr/broker/internal/protocol"
	"github.com/modulr/broker/internal/relay"
	"github.com/modulr/broker/internal/session"
	"github.com/modulr/broker/internal/store"
)

// Route keys for the three transport events.
const (
	RouteConnect    = "$connect"
	RouteDisconnect = "$disconnect"
	RouteDefault    = "$default"
)

// Event is one transport event.
type Event struct {
	RouteKey     string
	ConnectionID string
	// Token is the bearer token from the handshake query string; only set on
	// $connect and as fallback auth material on frames.
	Token string
	// Body is the raw frame; only set on $default.
	Body []byte
}

// Result is the HTTP-style answer to an event. In-band frames carrying
// user-visible errors are pushed separately; clients must not rely on the
// status reaching them over the socket.
type Result struct {
	Status int
	Body   string
}

func ok() Result                       { return Result{Status: http.StatusOK, Body: "OK"} }
func fail(status int, b string) Result { return Result{Status: status, Body: b} }

// Dispatcher maps (routeKey, normalized type) to handlers.
type Dispatcher struct {
	resolver    *auth.Resolver
	connections *store.ConnectionStore
	presence    *store.PresenceStore
	authorizer  *authz.Engine
	engine      *relay.Engine
	sessions    *session.Lifecycle
	metrics     *metrics.Metrics
	now         func() time.Time
}

func New(resolver *auth.Resolver, connections *store.ConnectionStore, presence *store.PresenceStore, authorizer *authz.Engine, engine *relay.Engine, sessions *session.Lifecycle, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		resolver:    resolver,
		connections: connections,
		presence:    presence,
		authorizer:  authorizer,
		engine:      engine,
		sessions:    sessions,
		metrics:     m,
		now:         time.Now,
	}
}

// HandleEvent routes one event. It never panics outward and always returns a
// well-formed Result.
func (d *Dispatcher) HandleEvent(ctx context.Context, ev Event) Result {
	start := d.now()
	res := d.route(ctx, ev)
	d.metrics.EventDuration.WithLabelValues(ev.RouteKey).Observe(time.Since(start).Seconds())
	return res
}

func (d *Dispatcher) route(ctx context.Context, ev Event) Result {
	switch ev.RouteKey {
	case RouteConnect:
		d.metrics.EventsTotal.WithLabelValues(ev.RouteKey, "").Inc()
		return d.handleConnect(ctx, ev)
	case RouteDisconnect:
		d.metrics.EventsTotal.WithLabelValues(ev.RouteKey, "").Inc()
		return d.handleDisconnect(ctx, ev)
	case RouteDefault:
		return d.handleFrame(ctx, ev)
	default:
		return fail(http.StatusBadRequest, "Unknown route")
	}
}

// handleConnect authenticates the handshake token, writes the connection row
// and greets the peer.
func (d *Dispatcher) handleConnect(ctx context.Context, ev Event) Result {
	claims, err := d.resolver.VerifyToken(ctx, ev.Token)
	if err != nil {
		if !errors.Is(err, auth.ErrUnauthorized) {
			slog.Error("handshake verification error", "error", err)
		}
		d.metrics.AuthRejections.Inc()
		return fail(http.StatusUnauthorized, "Unauthorized")
	}

	conn := &store.Connection{
		ConnectionID: ev.ConnectionID,
		UserID:       claims.UserID,
		Username:     claims.Username,
		Email:        claims.Email,
		Groups:       claims.GroupsJoined(),
		Kind:         store.KindClient,
		Protocol:     protocol.ProtocolLegacy,
		TS:           d.now().UnixMilli(),
	}
	if err := d.connections.Put(ctx, conn); err != nil {
		slog.Error("connection row write failed", "connection_id", ev.ConnectionID, "error", err)
		return fail(http.StatusInternalServerError, "Internal error")
	}

	if err := d.engine.Push(ctx, ev.ConnectionID, map[string]any{
		"type":         "welcome",
		"connectionId": ev.ConnectionID,
	}); err != nil {
		slog.Warn("welcome push failed", "connection_id", ev.ConnectionID, "error", err)
	}
	slog.Info("connection opened", "connection_id", ev.ConnectionID, "user_id", claims.UserID)
	return ok()
}

// handleDisconnect closes the connection's sessions and removes its row.
func (d *Dispatcher) handleDisconnect(ctx context.Context, ev Event) Result {
	if err := d.sessions.EndForConnection(ctx, ev.ConnectionID); err != nil {
		slog.Warn("session close-out failed on disconnect", "connection_id", ev.ConnectionID, "error", err)
	}
	if err := d.connections.Delete(ctx, ev.ConnectionID); err != nil {
		slog.Warn("connection row delete failed", "connection_id", ev.ConnectionID, "error", err)
	}
	slog.Info("connection closed", "connection_id", ev.ConnectionID)
	return ok()
}

func (d *Dispatcher) handleFrame(ctx context.Context, ev Event) Result {
	var raw map[string]any
	if err := json.Unmarshal(ev.Body, &raw); err != nil {
		d.metrics.EventsTotal.WithLabelValues(ev.RouteKey, "invalid").Inc()
		return fail(http.StatusBadRequest, "Invalid JSON")
	}
	msg := protocol.Normalize(raw)
	d.metrics.EventsTotal.WithLabelValues(ev.RouteKey, msg.Type).Inc()

	claims, err := d.resolver.Resolve(ctx, ev.ConnectionID, ev.Token)
	if err != nil {
		d.metrics.AuthRejections.Inc()
		return fail(http.StatusUnauthorized, "Unauthorized")
	}

	src := d.sourceConnection(ctx, ev, claims, msg)

	switch msg.Type {
	case protocol.TypeRegister:
		return d.handleRegister(ctx, src, claims, msg)
	case protocol.TypeMonitor:
		return d.handleMonitor(ctx, src, claims, msg)
	case protocol.TypeTakeover:
		return d.handleTakeover(ctx, src, claims, msg)
	case protocol.TypePing:
		return d.reply(ctx, src, protocol.LegacyPong())
	case protocol.TypeAgentPing:
		return d.reply(ctx, src, protocol.AgentPong(msg.ID))
	case protocol.TypePong, protocol.TypeAgentPong:
		if err := d.connections.Touch(ctx, ev.ConnectionID, d.now().UnixMilli()); err != nil && !store.IsNotFound(err) {
			slog.Warn("keepalive touch failed", "connection_id", ev.ConnectionID, "error", err)
		}
		return ok()
	case protocol.TypeReady:
		return d.reply(ctx, src, map[string]any{"type": "welcome", "connectionId": ev.ConnectionID})
	case protocol.TypeSignallingCapabilities:
		return d.reply(ctx, src, protocol.CapabilitiesReply(msg.ID))
	case protocol.TypeSignallingError:
		// Peer-originated error reports are observability input, not routable
		// signals.
		slog.Info("peer error report", "connection_id", ev.ConnectionID, "robot_id", msg.RobotID, "payload", msg.Payload)
		return ok()
	}

	if msg.IsSignal() {
		status, body := d.engine.HandleSignal(ctx, src, claims, msg)
		return Result{Status: status, Body: body}
	}
	return fail(http.StatusBadRequest, "Unknown message type")
}

// sourceConnection loads the caller's row, promoting its protocol on the
// first versioned frame. A missing row (dev mode, store hiccup) degrades to a
// synthetic legacy-protocol view.
func (d *Dispatcher) sourceConnection(ctx context.Context, ev Event, claims *auth.Claims, msg protocol.InboundMessage) *store.Connection {
	if msg.Versioned() {
		if err := d.connections.Promote(ctx, ev.ConnectionID, protocol.ProtocolModulrV0); err != nil && !store.IsNotFound(err) {
			slog.Warn("protocol promotion failed", "connection_id", ev.ConnectionID, "error", err)
		}
	}
	conn, err := d.connections.Get(ctx, ev.ConnectionID)
	if err != nil {
		conn = &store.Connection{
			ConnectionID: ev.ConnectionID,
			UserID:       claims.UserID,
			Username:     claims.Username,
			Email:        claims.Email,
			Groups:       claims.GroupsJoined(),
			Kind:         store.KindClient,
			Protocol:     protocol.ProtocolLegacy,
		}
		if msg.Versioned() {
			conn.Protocol = protocol.ProtocolModulrV0
		}
	}
	return conn
}

func (d *Dispatcher) reply(ctx context.Context, src *store.Connection, frame map[string]any) Result {
	if err := d.engine.Push(ctx, src.ConnectionID, frame); err != nil {
		slog.Warn("reply push failed", "connection_id", src.ConnectionID, "error", err)
	}
	return ok()
}
