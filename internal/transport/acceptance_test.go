package transport

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/casualjim/fetchbroker/pkg/natsx"
	"github.com/casualjim/fetchbroker/pkg/uuidx"
	"github.com/casualjim/fetchbroker/pkg/wire"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

type received struct {
	source string
	msg    wire.Message
}

type recordingHandler struct {
	mu       sync.Mutex
	channels map[string]Channel

	registered   chan wire.Announce
	received     chan received
	disconnected chan string
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		channels:     make(map[string]Channel),
		registered:   make(chan wire.Announce, 100),
		received:     make(chan received, 100),
		disconnected: make(chan string, 100),
	}
}

func (h *recordingHandler) Register(_ context.Context, sourceID string, ch Channel, announce wire.Announce) {
	h.mu.Lock()
	h.channels[sourceID] = ch
	h.mu.Unlock()
	announce.Source = sourceID
	h.registered <- announce
}

func (h *recordingHandler) Receive(_ context.Context, sourceID string, msg wire.Message) {
	h.received <- received{source: sourceID, msg: msg}
}

func (h *recordingHandler) Disconnect(_ context.Context, sourceID string) {
	h.disconnected <- sourceID
}

func (h *recordingHandler) channel(t *testing.T, id string) Channel {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.channels[id]
	require.True(t, ok, "no channel registered for %s", id)
	return ch
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatal("timeout waiting for transport event")
		var zero T
		return zero
	}
}

type recordingPresence struct {
	mu      sync.Mutex
	joins   map[string]int
	leaves  map[string]int
	touches map[string]int
}

func newRecordingPresence() *recordingPresence {
	return &recordingPresence{joins: map[string]int{}, leaves: map[string]int{}, touches: map[string]int{}}
}

func (p *recordingPresence) Join(id string)  { p.mu.Lock(); p.joins[id]++; p.mu.Unlock() }
func (p *recordingPresence) Leave(id string) { p.mu.Lock(); p.leaves[id]++; p.mu.Unlock() }
func (p *recordingPresence) Touch(id string) { p.mu.Lock(); p.touches[id]++; p.mu.Unlock() }

func (p *recordingPresence) seen(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.joins[id] > 0 || p.touches[id] > 0
}

// sourceConn is the source's end of a transport.
type sourceConn interface {
	Next(t *testing.T) wire.Message
	Send(t *testing.T, msg wire.Message)
	Close()
}

type harness struct {
	handler  *recordingHandler
	presence *recordingPresence
	connect  func(t *testing.T, announce wire.Announce) sourceConn
	// connectionBound transports notice departures without help from the host.
	connectionBound bool
}

type harnessFactory func(t *testing.T) *harness

type acceptanceTest struct {
	name string
	test func(t *testing.T, createHarness harnessFactory)
}

func runAcceptanceTests(t *testing.T, name string, factory harnessFactory) {
	tests := []acceptanceTest{
		{"registers announced sources", testRegisters},
		{"delivers messages to the source", testDelivers},
		{"forwards replies with the source id", testForwardsReplies},
		{"forwards debug text", testForwardsText},
		{"reports departures", testDisconnect},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", name, tt.name), func(t *testing.T) {
			tt.test(t, factory)
		})
	}
}

func TestTransportImplementations(t *testing.T) {
	t.Run("Local", func(t *testing.T) {
		runAcceptanceTests(t, "Local", localHarness)
	})
	t.Run("WebSocket", func(t *testing.T) {
		runAcceptanceTests(t, "WebSocket", webSocketHarness)
	})
	t.Run("NATS", func(t *testing.T) {
		nc, err := natsx.NewClient("")
		if err != nil {
			t.Skipf("NATS not reachable: %v", err)
		}
		nc.Close()
		runAcceptanceTests(t, "NATS", natsHarness)
	})
}

func testRegisters(t *testing.T, createHarness harnessFactory) {
	h := createHarness(t)
	conn := h.connect(t, wire.Announce{Source: "src-1", Name: "ide", Version: "1.2.3"})
	defer conn.Close()

	got := waitFor(t, h.handler.registered)
	assert.Equal(t, "src-1", got.Source)
	assert.Equal(t, "ide", got.Name)
	assert.Equal(t, "1.2.3", got.Version)
	assert.True(t, h.presence.seen("src-1"))
}

func testDelivers(t *testing.T, createHarness harnessFactory) {
	h := createHarness(t)
	conn := h.connect(t, wire.Announce{Source: "src-1", Version: "1"})
	defer conn.Close()
	waitFor(t, h.handler.registered)

	ch := h.handler.channel(t, "src-1")
	fetch := wire.Fetch{Seq: 7, Version: "1", Request: wire.RequestLine{Method: "GET", URL: "https://app/run/x"}}
	require.NoError(t, ch.Send(context.Background(), fetch))
	require.NoError(t, ch.Send(context.Background(), wire.Upgrade{Version: "2"}))

	assert.Equal(t, fetch, conn.Next(t))
	assert.Equal(t, wire.Upgrade{Version: "2"}, conn.Next(t))
}

func testForwardsReplies(t *testing.T, createHarness harnessFactory) {
	h := createHarness(t)
	conn := h.connect(t, wire.Announce{Source: "src-1", Version: "1"})
	defer conn.Close()
	waitFor(t, h.handler.registered)

	reply := wire.Reply{Seq: 7, Source: "src-1", Response: wire.Response{Status: 200, StatusText: "OK", Body: []byte("hi")}}
	conn.Send(t, reply)

	got := waitFor(t, h.handler.received)
	assert.Equal(t, "src-1", got.source)
	assert.Equal(t, reply, got.msg)
}

func testForwardsText(t *testing.T, createHarness harnessFactory) {
	h := createHarness(t)
	conn := h.connect(t, wire.Announce{Source: "src-1", Version: "1"})
	defer conn.Close()
	waitFor(t, h.handler.registered)

	conn.Send(t, wire.Text{Source: "src-1", Text: "hello"})
	got := waitFor(t, h.handler.received)
	assert.Equal(t, "src-1", got.source)
	assert.Equal(t, wire.Text{Source: "src-1", Text: "hello"}, got.msg)
}

func testDisconnect(t *testing.T, createHarness harnessFactory) {
	h := createHarness(t)
	if !h.connectionBound {
		t.Skip("departures are detected by the host tracker for this transport")
	}
	conn := h.connect(t, wire.Announce{Source: "src-1", Version: "1"})
	waitFor(t, h.handler.registered)
	ch := h.handler.channel(t, "src-1")

	conn.Close()
	assert.Equal(t, "src-1", waitFor(t, h.handler.disconnected))
	assert.Error(t, ch.Send(context.Background(), wire.Upgrade{Version: "2"}))

	h.presence.mu.Lock()
	defer h.presence.mu.Unlock()
	assert.Equal(t, 1, h.presence.leaves["src-1"])
}

// local

type localConn struct {
	peer *LocalPeer
}

func localHarness(t *testing.T) *harness {
	h := &harness{handler: newRecordingHandler(), presence: newRecordingPresence(), connectionBound: true}
	hub := Local(h.handler, h.presence)
	h.connect = func(t *testing.T, announce wire.Announce) sourceConn {
		return &localConn{peer: hub.Connect(context.Background(), announce)}
	}
	return h
}

func (c *localConn) Next(t *testing.T) wire.Message {
	return waitFor(t, c.peer.Inbox())
}

func (c *localConn) Send(t *testing.T, msg wire.Message) {
	switch m := msg.(type) {
	case wire.Reply:
		c.peer.Reply(context.Background(), m.Seq, m.Response)
	case wire.Text:
		c.peer.Text(context.Background(), m.Text)
	default:
		t.Fatalf("local peers cannot send %T", msg)
	}
}

func (c *localConn) Close() { c.peer.Close() }

// websocket

type wsConn struct {
	conn *websocket.Conn
}

func webSocketHarness(t *testing.T) *harness {
	h := &harness{handler: newRecordingHandler(), presence: newRecordingPresence(), connectionBound: true}
	ws, err := NewWebSocket(h.handler, WebSocketPresence(h.presence))
	require.NoError(t, err)
	server := httptest.NewServer(ws)
	t.Cleanup(server.Close)

	h.connect = func(t *testing.T, announce wire.Announce) sourceConn {
		conn := dialWebSocket(t, server.URL)
		data, err := wire.Encode(announce)
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
		return &wsConn{conn: conn}
	}
	return h
}

func dialWebSocket(t *testing.T, serverURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(serverURL, "http"), nil)
	require.NoError(t, err)
	return conn
}

func (c *wsConn) Next(t *testing.T) wire.Message {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(waitTimeout)))
	_, data, err := c.conn.ReadMessage()
	require.NoError(t, err)
	env, err := wire.Decode(data)
	require.NoError(t, err)
	return env.Message
}

func (c *wsConn) Send(t *testing.T, msg wire.Message) {
	t.Helper()
	data, err := wire.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, data))
}

func (c *wsConn) Close() {
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = c.conn.Close()
}

// nats

type natsConn struct {
	client *nats.Conn
	prefix string
	sub    *nats.Subscription
}

func natsHarness(t *testing.T) *harness {
	h := &harness{handler: newRecordingHandler(), presence: newRecordingPresence()}
	server, err := natsx.NewClient("")
	require.NoError(t, err)
	t.Cleanup(server.Close)

	prefix := "fetchbroker-test-" + strings.ReplaceAll(uuidx.NewString(), "-", "")
	tr, err := NATS(server, h.handler, NATSPrefix(prefix), NATSPresence(h.presence))
	require.NoError(t, err)
	require.NoError(t, tr.Start(context.Background()))
	t.Cleanup(func() { _ = tr.Close() })

	h.connect = func(t *testing.T, announce wire.Announce) sourceConn {
		client, err := natsx.NewClient("")
		require.NoError(t, err)
		sub, err := client.SubscribeSync(prefix + ".source." + announce.Source)
		require.NoError(t, err)
		data, err := wire.Encode(announce)
		require.NoError(t, err)
		require.NoError(t, client.Publish(prefix+".announce", data))
		require.NoError(t, client.Flush())
		return &natsConn{client: client, prefix: prefix, sub: sub}
	}
	return h
}

func (c *natsConn) Next(t *testing.T) wire.Message {
	t.Helper()
	msg, err := c.sub.NextMsg(waitTimeout)
	require.NoError(t, err)
	env, err := wire.Decode(msg.Data)
	require.NoError(t, err)
	return env.Message
}

func (c *natsConn) Send(t *testing.T, msg wire.Message) {
	t.Helper()
	data, err := wire.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, c.client.Publish(c.prefix+".inbound", data))
	require.NoError(t, c.client.Flush())
}

func (c *natsConn) Close() {
	_ = c.sub.Unsubscribe()
	c.client.Close()
}
