package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modulr/broker/internal/auth"
	"github.com/modulr/broker/internal/authz"
	"github.com/modulr/broker/internal/directory"
	"github.com/modulr/broker/internal/dispatch"
	"github.com/modulr/broker/internal/metrics"
	"github.com/modulr/broker/internal/relay"
	"github.com/modulr/broker/internal/session"
	"github.com/modulr/broker/internal/store"
)

type fakeBus struct {
	published [][]byte
	handler   func([]byte)
}

func (b *fakeBus) Publish(ctx context.Context, channel string, message []byte) error {
	b.published = append(b.published, message)
	return nil
}

func (b *fakeBus) Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error) {
	b.handler = handler
	return func() {}, nil
}

type nullDirectory struct{}

func (nullDirectory) Robot(ctx context.Context, robotID string) (*directory.Robot, error) {
	return nil, nil
}

func (nullDirectory) IsOperator(ctx context.Context, robotID, userID string) (bool, error) {
	return false, nil
}

func (nullDirectory) Credits(ctx context.Context, userID string) (float64, error) { return 0, nil }

func (nullDirectory) MarkupPercent(ctx context.Context) (float64, error) { return 30, nil }

func TestPoolPostWithoutBus(t *testing.T) {
	p := NewPool(nil)

	err := p.Post(context.Background(), "ghost", []byte(`{}`))
	assert.ErrorIs(t, err, relay.ErrGone)

	pe := &peer{id: "local", sendCh: make(chan []byte, 1), done: make(chan struct{})}
	p.add(pe)
	require.NoError(t, p.Post(context.Background(), "local", []byte(`{"a":1}`)))
	assert.Equal(t, []byte(`{"a":1}`), <-pe.sendCh)
}

func TestPoolPublishesForUnknownConnection(t *testing.T) {
	bus := &fakeBus{}
	p := NewPool(bus)

	require.NoError(t, p.Post(context.Background(), "elsewhere", []byte(`{"a":1}`)))
	require.Len(t, bus.published, 1)

	var msg deliverMessage
	require.NoError(t, json.Unmarshal(bus.published[0], &msg))
	assert.Equal(t, "elsewhere", msg.ConnectionID)
	assert.Equal(t, []byte(`{"a":1}`), msg.Data)
}

func TestPoolBusDeliversToLocalPeer(t *testing.T) {
	bus := &fakeBus{}
	p := NewPool(bus)
	require.NoError(t, p.StartBus(context.Background()))

	pe := &peer{id: "here", sendCh: make(chan []byte, 1), done: make(chan struct{})}
	p.add(pe)

	data, err := json.Marshal(deliverMessage{ConnectionID: "here", Data: []byte(`{"b":2}`)})
	require.NoError(t, err)
	bus.handler(data)
	assert.Equal(t, []byte(`{"b":2}`), <-pe.sendCh)

	// Frames for peers homed elsewhere are dropped without error.
	data, err = json.Marshal(deliverMessage{ConnectionID: "nowhere", Data: []byte(`{}`)})
	require.NoError(t, err)
	bus.handler(data)
}

func TestPeerSendFullBuffer(t *testing.T) {
	pe := &peer{id: "p", sendCh: make(chan []byte, 1), done: make(chan struct{})}
	require.NoError(t, pe.send([]byte(`1`)))
	assert.Error(t, pe.send([]byte(`2`)), "a slow consumer must not block the relay")
}

func TestBuildCheckOrigin(t *testing.T) {
	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		r.Header.Set("Origin", origin)
		return r
	}

	open := buildCheckOrigin("development", nil)
	assert.True(t, open(req("https://anywhere.example")))

	strict := buildCheckOrigin("production", []string{"https://app.example.com"})
	assert.True(t, strict(req("https://app.example.com")))
	assert.False(t, strict(req("https://evil.example.com")))

	// Production without an allowlist stays open (with a startup warning).
	lax := buildCheckOrigin("production", nil)
	assert.True(t, lax(req("https://anywhere.example")))
}

// newTestServer wires the full stack over in-memory stores, in dev auth mode
// unless devMode is false.
func newTestServer(t *testing.T, devMode bool) (*httptest.Server, *store.ConnectionStore) {
	t.Helper()
	kv := store.NewMemKV()
	connections := store.NewConnectionStore(kv, "")
	presence := store.NewPresenceStore(kv, "")
	revoked := store.NewRevokedTokenStore(kv, "")

	pool := NewPool(nil)
	m := metrics.New(prometheus.NewRegistry())
	resolver := auth.NewResolver(connections, revoked, nil, "https://issuer.test", devMode)
	authorizer := authz.NewEngine(presence, nullDirectory{}, nil)
	engine := relay.NewEngine(connections, presence, authorizer, pool, m, false)
	lifecycle := session.NewLifecycle(nil, nullDirectory{}, engine, m)
	engine.SetSessions(lifecycle)
	d := dispatch.New(resolver, connections, presence, authorizer, engine, lifecycle, m)

	server := NewServer(pool, d, "development", nil)
	ts := httptest.NewServer(http.HandlerFunc(server.HandleWebSocket))
	t.Cleanup(ts.Close)
	return ts, connections
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func TestWebSocketHandshakeAndPing(t *testing.T) {
	ts, _ := newTestServer(t, true)
	conn := dialWS(t, ts)

	welcome := readFrame(t, conn)
	assert.Equal(t, "welcome", welcome["type"])
	connectionID, _ := welcome["connectionId"].(string)
	assert.NotEmpty(t, connectionID)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	pong := readFrame(t, conn)
	assert.Equal(t, "pong", pong["type"])
}

func TestWebSocketRejectedHandshake(t *testing.T) {
	ts, _ := newTestServer(t, false)
	conn := dialWS(t, ts)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr))
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}

func TestWebSocketDisconnectRemovesRow(t *testing.T) {
	ts, connections := newTestServer(t, true)
	conn := dialWS(t, ts)

	welcome := readFrame(t, conn)
	connectionID := welcome["connectionId"].(string)
	_, err := connections.Get(context.Background(), connectionID)
	require.NoError(t, err)

	conn.Close()
	require.Eventually(t, func() bool {
		_, err := connections.Get(context.Background(), connectionID)
		return store.IsNotFound(err)
	}, 5*time.Second, 50*time.Millisecond)
}

func TestWebSocketErrorFrameOnBadRequest(t *testing.T) {
	ts, _ := newTestServer(t, true)
	conn := dialWS(t, ts)
	readFrame(t, conn) // welcome

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"frobnicate"}`)))
	errFrame := readFrame(t, conn)
	assert.Equal(t, "error", errFrame["type"])
	assert.Equal(t, "bad_request", errFrame["error"])
}
