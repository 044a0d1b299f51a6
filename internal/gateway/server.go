package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/modulr/broker/internal/dispatch"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
	maxMsgSize = 256 * 1024
	sendBuffer = 256
)

// Server upgrades HTTP to WebSocket and feeds transport events to the
// dispatcher.
type Server struct {
	pool       *Pool
	dispatcher *dispatch.Dispatcher
	upgrader   websocket.Upgrader
}

// NewServer builds the gateway. In production only origins on the allowlist
// may connect; an empty allowlist outside production admits everyone.
func NewServer(pool *Pool, d *dispatch.Dispatcher, env string, allowedOrigins []string) *Server {
	return &Server{
		pool:       pool,
		dispatcher: d,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     buildCheckOrigin(env, allowedOrigins),
		},
	}
}

func buildCheckOrigin(env string, allowedOrigins []string) func(*http.Request) bool {
	if env == "production" && len(allowedOrigins) > 0 {
		allowed := make(map[string]bool, len(allowedOrigins))
		for _, o := range allowedOrigins {
			allowed[strings.TrimSpace(o)] = true
		}
		return func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if allowed[origin] {
				return true
			}
			slog.Info("rejected connection origin", "origin", origin)
			return false
		}
	}
	if env == "production" {
		slog.Warn("no origin allowlist configured in production, allowing all origins")
	}
	return func(*http.Request) bool { return true }
}

// HandleWebSocket is the /ws endpoint. The handshake carries the bearer token
// as ?token=; a failed handshake closes the socket with a policy violation.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	token := r.URL.Query().Get("token")
	pe := &peer{
		id:     uuid.New().String(),
		server: s,
		token:  token,
		conn:   conn,
		sendCh: make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}

	// The peer must be reachable through the sink before $connect runs so the
	// welcome frame has somewhere to go.
	s.pool.add(pe)

	res := s.dispatcher.HandleEvent(r.Context(), dispatch.Event{
		RouteKey:     dispatch.RouteConnect,
		ConnectionID: pe.id,
		Token:        token,
	})
	if res.Status != http.StatusOK {
		s.pool.remove(pe.id)
		deadline := time.Now().Add(writeWait)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, res.Body), deadline)
		conn.Close()
		return
	}

	go pe.writePump()
	go pe.readPump()
}

// peer is one socket. writePump owns all writes, readPump owns all reads.
type peer struct {
	id     string
	server *Server
	token  string
	conn   *websocket.Conn
	sendCh chan []byte
	done   chan struct{}
	once   sync.Once
}

var errSendBufferFull = errors.New("gateway: send buffer full")

func (pe *peer) send(data []byte) error {
	select {
	case pe.sendCh <- data:
		return nil
	case <-pe.done:
		return errSendBufferFull
	default:
		return errSendBufferFull
	}
}

func (pe *peer) close() {
	pe.once.Do(func() {
		close(pe.done)
		pe.server.pool.remove(pe.id)
		pe.conn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		pe.server.dispatcher.HandleEvent(ctx, dispatch.Event{
			RouteKey:     dispatch.RouteDisconnect,
			ConnectionID: pe.id,
		})
	})
}

func (pe *peer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		pe.close()
	}()

	for {
		select {
		case data := <-pe.sendCh:
			pe.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := pe.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				slog.Warn("socket write failed", "connection_id", pe.id, "error", err)
				return
			}
		case <-ticker.C:
			pe.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := pe.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-pe.done:
			return
		}
	}
}

func (pe *peer) readPump() {
	defer pe.close()

	pe.conn.SetReadLimit(maxMsgSize)
	pe.conn.SetReadDeadline(time.Now().Add(pongWait))
	pe.conn.SetPongHandler(func(string) error {
		pe.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := pe.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("socket read failed", "connection_id", pe.id, "error", err)
			}
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		res := pe.server.dispatcher.HandleEvent(ctx, dispatch.Event{
			RouteKey:     dispatch.RouteDefault,
			ConnectionID: pe.id,
			Token:        pe.token,
			Body:         payload,
		})
		cancel()

		if res.Status >= http.StatusBadRequest {
			pe.pushErrorFrame(res)
		}
	}
}

// pushErrorFrame surfaces statuses with no dedicated in-band frame. The relay
// already pushes access_denied and session-locked itself.
func (pe *peer) pushErrorFrame(res dispatch.Result) {
	var kind string
	switch res.Status {
	case http.StatusBadRequest:
		kind = "bad_request"
	case http.StatusUnauthorized:
		kind = "unauthorized"
	case http.StatusNotFound:
		kind = "not_found"
	case http.StatusConflict:
		kind = "conflict"
	case http.StatusInternalServerError:
		kind = "internal"
	default:
		return
	}
	data, err := json.Marshal(map[string]any{
		"type":    "error",
		"error":   kind,
		"message": res.Body,
	})
	if err != nil {
		return
	}
	if err := pe.send(data); err != nil {
		slog.Warn("error frame push failed", "connection_id", pe.id, "error", err)
	}
}
