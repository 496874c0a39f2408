package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/internal/core/services"
	rlog "meshcall/pkg/logger"
	"meshcall/pkg/tracing"
	"meshcall/pkg/utils"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ConnectionMetrics records the connection lifecycle; satisfied by
// monitoring.PrometheusCollector.
type ConnectionMetrics interface {
	ConnectionOpened()
	ConnectionClosed(lifetimeSeconds float64)
	MessageReceived(event domain.EventType)
	MessageRateLimited()
}

type noopConnectionMetrics struct{}

func (noopConnectionMetrics) ConnectionOpened()                {}
func (noopConnectionMetrics) ConnectionClosed(float64)         {}
func (noopConnectionMetrics) MessageReceived(domain.EventType) {}
func (noopConnectionMetrics) MessageRateLimited()              {}

type ServerConfig struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	SendQueueSize  int
	AllowedOrigins []string

	// Per-connection inbound limit; zero disables it.
	MessagesPerSecond float64
	Burst             int
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		PingInterval:   25 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 64 * 1024,
		SendQueueSize:  256,
		AllowedOrigins: []string{"*"},
	}
}

type WebSocketServer struct {
	dispatcher *services.SignalingDispatcher
	registry   ports.SessionRegistry
	metrics    ConnectionMetrics

	cfg      ServerConfig
	upgrader websocket.Upgrader

	connections map[domain.ConnectionID]*wsConnection
	mu          sync.RWMutex

	logger    *zap.SugaredLogger
	ctxLog    *rlog.ContextLogger
	startedAt time.Time
}

func NewWebSocketServer(
	dispatcher *services.SignalingDispatcher,
	registry ports.SessionRegistry,
	metrics ConnectionMetrics,
	cfg ServerConfig,
	logger *zap.Logger,
) *WebSocketServer {
	if metrics == nil {
		metrics = noopConnectionMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &WebSocketServer{
		dispatcher:  dispatcher,
		registry:    registry,
		metrics:     metrics,
		cfg:         cfg,
		connections: make(map[domain.ConnectionID]*wsConnection),
		logger:      logger.Sugar(),
		ctxLog:      rlog.NewContextLogger(logger),
		startedAt:   time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:     s.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return s
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// non-browser clients
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	s.logger.Warnw("rejected websocket origin", "origin", origin)
	return false
}

// HandleWebSocket upgrades the request and serves the connection until it
// closes. Losing the connection leaves its room exactly once.
func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	conn := newWSConnection(ws, s.cfg.SendQueueSize)
	sess := services.NewServerSession(conn)
	opened := time.Now()

	s.mu.Lock()
	s.connections[conn.id] = conn
	s.mu.Unlock()
	s.metrics.ConnectionOpened()
	s.logger.Infow("connection opened", "connection_id", conn.id, "remote_addr", r.RemoteAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = rlog.WithRequestID(ctx, string(conn.id))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump(conn)
	}()

	s.readPump(ctx, conn, sess)

	s.dispatcher.Disconnect(ctx, sess)

	s.mu.Lock()
	delete(s.connections, conn.id)
	s.mu.Unlock()

	conn.shutdown()
	<-writerDone
	s.metrics.ConnectionClosed(time.Since(opened).Seconds())
	s.logger.Infow("connection closed", "connection_id", conn.id)
}

func (s *WebSocketServer) readPump(ctx context.Context, conn *wsConnection, sess *services.ServerSession) {
	ws := conn.ws
	if s.cfg.MaxMessageSize > 0 {
		ws.SetReadLimit(s.cfg.MaxMessageSize)
	}
	_ = ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	var limiter *rate.Limiter
	if s.cfg.MessagesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.Burst)
	}

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("connection read failed", "connection_id", conn.id, "error", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

		if limiter != nil && !limiter.Allow() {
			s.metrics.MessageRateLimited()
			conn.Deliver(domain.ErrorEvent{Message: "rate limit exceeded"})
			continue
		}

		s.handleFrame(ctx, conn, sess, raw)
	}
}

func (s *WebSocketServer) handleFrame(ctx context.Context, conn *wsConnection, sess *services.ServerSession, raw []byte) {
	ev, err := DecodeClientEvent(raw)
	if err != nil {
		s.logger.Debugw("rejected frame", "connection_id", conn.id, "error", err)
		conn.Deliver(domain.ErrorEvent{Message: err.Error()})
		return
	}
	s.metrics.MessageReceived(ev.EventType())

	room, pid, _ := sess.Membership()
	ctx = rlog.WithParticipant(ctx, string(room), string(pid))
	ctx, span := tracing.TraceWebSocketMessage(ctx, string(ev.EventType()), string(room), string(pid))
	defer span.End()

	if err := s.dispatcher.Dispatch(ctx, sess, ev); err != nil {
		tracing.RecordError(ctx, err)
		s.ctxLog.WithContext(ctx).Info("event rejected",
			zap.String("event", string(ev.EventType())),
			zap.Error(err),
		)
		conn.Deliver(domain.ErrorEvent{Message: clientMessage(err)})
	}
}

func clientMessage(err error) string {
	switch {
	case errors.Is(err, domain.ErrNotInRoom):
		return "join a room first"
	case errors.Is(err, domain.ErrInvalidSignal), errors.Is(err, domain.ErrInvalidEvent), errors.Is(err, domain.ErrUnknownEvent):
		return err.Error()
	default:
		return "internal error"
	}
}

func (s *WebSocketServer) writePump(conn *wsConnection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.ws.Close()
	}()

	for {
		select {
		case data, ok := <-conn.send:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				_ = conn.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Infow("connection write failed", "connection_id", conn.id, "error", err)
				return
			}

		case <-ticker.C:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Infow("error sending ping", "connection_id", conn.id, "error", err)
				return
			}
		}
	}
}

// ConnectionCount returns the number of open signaling connections.
func (s *WebSocketServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

// HealthCheck serves liveness with the open connection and room counts.
func (s *WebSocketServer) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"uptime":      time.Since(s.startedAt).Round(time.Second).String(),
		"connections": s.ConnectionCount(),
		"rooms":       s.registry.RoomCount(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Debugw("writing health response", "error", err)
	}
}

// Shutdown closes every open connection; each one then leaves its room
// through the normal disconnect path.
func (s *WebSocketServer) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	conns := make([]*wsConnection, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		c.shutdown()
	}

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for s.ConnectionCount() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// wsConnection implements ports.Connection over one gorilla connection.
// Only the write pump writes to ws.
type wsConnection struct {
	id   domain.ConnectionID
	ws   *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

func newWSConnection(ws *websocket.Conn, queue int) *wsConnection {
	if queue <= 0 {
		queue = 256
	}
	return &wsConnection{
		id:   domain.ConnectionID(utils.NewConnectionID()),
		ws:   ws,
		send: make(chan []byte, queue),
	}
}

func (c *wsConnection) ID() domain.ConnectionID { return c.id }

// Deliver queues ev without blocking. A full queue drops the event.
func (c *wsConnection) Deliver(ev domain.Event) bool {
	data, err := EncodeEvent(ev)
	if err != nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *wsConnection) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}
