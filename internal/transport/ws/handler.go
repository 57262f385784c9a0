// Package ws implements the gateway's WebSocket downstream transport: one
// JSON-RPC 2.0 request/response/notification stream per connection on the
// /ws path, with a ping/pong keepalive. Connections are ended with a plain
// socket close; the handler sends no WebSocket close frame or close code.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"i3gateway/internal/api"
	"i3gateway/internal/auth"
	"i3gateway/internal/gwerr"
	"i3gateway/internal/rpcproto"
	"i3gateway/internal/session"
)

const writeTimeout = 5 * time.Second

// Config tunes keepalive and backpressure behavior.
type Config struct {
	PingInterval time.Duration // default 30s
	PingTimeout  time.Duration // default 10s
	MaxQueue     int           // default 256
	ReadLimit    int64         // default 1MiB
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 10 * time.Second
	}
	if c.MaxQueue <= 0 {
		c.MaxQueue = 256
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
	return c
}

// Handler owns WebSocket transport for the gateway's JSON-RPC API.
type Handler struct {
	dispatcher *api.Dispatcher
	gate       *auth.Gate
	cfg        Config
	upgrader   websocket.Upgrader
}

// NewHandler creates a WebSocket handler bound to dispatcher.
func NewHandler(dispatcher *api.Dispatcher, gate *auth.Gate, cfg Config) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		gate:       gate,
		cfg:        cfg.withDefaults(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds the WebSocket route on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	remoteAddr, err := auth.RemoteAddr(c.Request().RemoteAddr)
	if err != nil {
		slog.Debug("ws reject: bad remote addr", "remote", c.Request().RemoteAddr, "err", err)
		return c.NoContent(http.StatusBadRequest)
	}
	if h.gate != nil && !h.gate.CanConnect(remoteAddr) {
		slog.Warn("ws reject: connection limit", "remote", remoteAddr)
		return c.NoContent(http.StatusTooManyRequests)
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error("ws upgrade failed", "remote", remoteAddr, "err", err)
		return nil
	}
	if h.gate != nil {
		h.gate.TrackConnect(remoteAddr)
		defer h.gate.TrackDisconnect(remoteAddr)
	}
	h.serveConn(c.Request().Context(), conn, remoteAddr, c.Request().Header.Get("X-API-Key"))
	return nil
}

func (h *Handler) serveConn(ctx context.Context, conn *websocket.Conn, remoteAddr netip.Addr, apiKey string) {
	defer conn.Close()
	conn.SetReadLimit(h.cfg.ReadLimit)

	out := make(chan []byte, h.cfg.MaxQueue)
	closed := make(chan struct{})
	var closeOnce sync.Once
	closeConn := func() {
		closeOnce.Do(func() {
			close(closed)
			conn.Close()
		})
	}

	sender := &wsSender{out: out, closed: closed, closeFn: closeConn}
	cs := &api.ConnState{
		RemoteAddr: remoteAddr,
		Transport:  session.TransportWS,
		Sender:     sender,
	}
	if apiKey != "" {
		h.preAuthenticate(ctx, cs, apiKey)
	}

	go h.writeLoop(conn, out, closed, closeConn)
	h.pongWatchdog(conn, closeConn)

	defer func() {
		closeConn()
		if cs.Session != nil {
			cs.Session.Detach()
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("ws unexpected close", "remote", remoteAddr, "err", err)
			}
			return
		}
		h.handleMessage(ctx, cs, sender, data)
	}
}

// preAuthenticate honors an X-API-Key header by running it through the same
// authenticate path a first message would take, so a client that sets the
// header never has to send an explicit authenticate request.
func (h *Handler) preAuthenticate(ctx context.Context, cs *api.ConnState, apiKey string) {
	params, err := json.Marshal(map[string]string{"api_key": apiKey})
	if err != nil {
		return
	}
	req := rpcproto.Request{JSONRPC: rpcproto.Version, Method: "authenticate", Params: params}
	resp := h.dispatcher.Handle(ctx, cs, req)
	if resp.Error != nil {
		slog.Warn("ws X-API-Key pre-authentication failed", "code", resp.Error.Code)
	}
}

func (h *Handler) handleMessage(ctx context.Context, cs *api.ConnState, sender *wsSender, data []byte) {
	single, batch, err := rpcproto.ParseMessage(data)
	if err != nil {
		resp := rpcproto.NewStandardError(nil, gwerr.CodeParseError, err.Error())
		sender.enqueue(resp)
		return
	}

	if single != nil {
		resp := h.dispatcher.Handle(ctx, cs, *single)
		if !single.IsNotification() {
			sender.enqueue(resp)
		}
		return
	}

	responses := make([]rpcproto.Response, 0, len(batch))
	for _, req := range batch {
		resp := h.dispatcher.Handle(ctx, cs, req)
		if !req.IsNotification() {
			responses = append(responses, resp)
		}
	}
	if len(responses) > 0 {
		sender.enqueueBatch(responses)
	}
}

func (h *Handler) writeLoop(conn *websocket.Conn, out <-chan []byte, closed <-chan struct{}, closeFn func()) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case data, ok := <-out:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				slog.Debug("ws write error", "err", err)
				closeFn()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				closeFn()
				return
			}
		case <-closed:
			return
		}
	}
}

func (h *Handler) pongWatchdog(conn *websocket.Conn, closeFn func()) {
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.PingInterval + h.cfg.PingTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(h.cfg.PingInterval + h.cfg.PingTimeout))
		return nil
	})
}

// wsSender implements session.Sender and queues outbound frames for the
// connection's write loop, closing the connection on backpressure.
type wsSender struct {
	out     chan []byte
	closed  <-chan struct{}
	closeFn func()
}

func (s *wsSender) SendNotification(method string, params any) error {
	n := rpcproto.NewNotification(method, params)
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return s.send(data)
}

func (s *wsSender) enqueue(resp rpcproto.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("ws marshal response", "err", err)
		return
	}
	_ = s.send(data)
}

func (s *wsSender) enqueueBatch(responses []rpcproto.Response) {
	data, err := json.Marshal(responses)
	if err != nil {
		slog.Error("ws marshal batch", "err", err)
		return
	}
	_ = s.send(data)
}

func (s *wsSender) send(data []byte) error {
	select {
	case s.out <- data:
		return nil
	case <-s.closed:
		return gwerr.ErrSlowClient
	default:
		slog.Warn("ws slow client, closing connection")
		s.closeFn()
		return gwerr.ErrSlowClient
	}
}
