package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/casualjim/fetchbroker/pkg/slogx"
	"github.com/casualjim/fetchbroker/pkg/uuidx"
	"github.com/casualjim/fetchbroker/pkg/wire"
	"github.com/fogfish/opts"
	"github.com/gorilla/websocket"
)

const (
	defaultAnnounceTimeout = 10 * time.Second
	defaultWriteTimeout    = 5 * time.Second
)

// WebSocket accepts sources that connect over a websocket. The first frame must be an
// announce; every later frame is a message from that source. The source is gone when the
// connection drops.
type WebSocket struct {
	handler         Handler
	presence        Presence
	logger          *slog.Logger
	announceTimeout time.Duration
	writeTimeout    time.Duration
	upgrader        websocket.Upgrader
}

var (
	WebSocketPresence = opts.ForName[WebSocket, Presence]("presence")
	WebSocketLogger   = opts.ForName[WebSocket, *slog.Logger]("logger")
	// AnnounceTimeout bounds how long a new connection may stay silent before it is dropped.
	AnnounceTimeout = opts.ForName[WebSocket, time.Duration]("announceTimeout")
	WriteTimeout    = opts.ForName[WebSocket, time.Duration]("writeTimeout")
)

// CheckOrigin overrides the upgrader's origin check. Same-origin only by default.
func CheckOrigin(check func(*http.Request) bool) opts.Option[WebSocket] {
	return opts.Type[WebSocket](func(ws *WebSocket) error {
		ws.upgrader.CheckOrigin = check
		return nil
	})
}

func NewWebSocket(handler Handler, options ...opts.Option[WebSocket]) (*WebSocket, error) {
	ws := &WebSocket{
		handler:         handler,
		logger:          slog.Default(),
		announceTimeout: defaultAnnounceTimeout,
		writeTimeout:    defaultWriteTimeout,
	}
	if err := opts.Apply(ws, options); err != nil {
		return nil, err
	}
	ws.presence = presenceOrNoop(ws.presence)
	ws.logger = ws.logger.With(slogx.LoggerName("transport.websocket"))
	return ws, nil
}

func (ws *WebSocket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already written an error response
		ws.logger.WarnContext(r.Context(), "failed to upgrade the websocket", slogx.Error(err))
		return
	}
	defer conn.Close()

	ctx := context.WithoutCancel(r.Context())
	announce, err := ws.readAnnounce(conn)
	if err != nil {
		ws.logger.WarnContext(ctx, "closing source connection", slogx.Error(err))
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
			time.Now().Add(ws.writeTimeout),
		)
		return
	}
	if announce.Source == "" {
		announce.Source = uuidx.Prefixed("ws")
	}
	id := announce.Source

	ch := &wsChannel{conn: conn, writeTimeout: ws.writeTimeout}
	ws.presence.Join(id)
	ws.handler.Register(ctx, id, ch, announce)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				ws.logger.InfoContext(ctx, "source connection lost", slogx.SourceID(id), slogx.Error(err))
			}
			break
		}
		env, err := wire.Decode(data)
		if err != nil {
			ws.logger.ErrorContext(ctx, "failed to decode source message", slogx.SourceID(id), slogx.Error(err))
			continue
		}
		ws.handler.Receive(ctx, id, env.Message)
	}

	ch.close()
	ws.presence.Leave(id)
	ws.handler.Disconnect(ctx, id)
}

func (ws *WebSocket) readAnnounce(conn *websocket.Conn) (wire.Announce, error) {
	if err := conn.SetReadDeadline(time.Now().Add(ws.announceTimeout)); err != nil {
		return wire.Announce{}, err
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return wire.Announce{}, err
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return wire.Announce{}, err
	}
	env, err := wire.Decode(data)
	if err != nil {
		return wire.Announce{}, errors.Join(ErrNoAnnounce, err)
	}
	announce, ok := env.Message.(wire.Announce)
	if !ok {
		return wire.Announce{}, ErrNoAnnounce
	}
	return announce, nil
}

// wsChannel serializes writes; gorilla connections allow one concurrent writer.
type wsChannel struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

func (c *wsChannel) Send(ctx context.Context, msg wire.Message) error {
	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return ErrClosed
		}
		return err
	}
	return nil
}

func (c *wsChannel) close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}
