package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/chalkboard-ai/chalkboard/internal/bus"
	"github.com/chalkboard-ai/chalkboard/internal/fault"
	"github.com/chalkboard-ai/chalkboard/pkg/protocol"
)

const (
	wsReadLimit     = 1024 * 1024
	wsPingInterval  = 30 * time.Second
	wsWriteTimeout  = 10 * time.Second
	wsPongTolerance = 2 * wsPingInterval
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// wsConn wraps one agent connection. The mutex serializes writes; gorilla
// connections do not allow concurrent writers.
type wsConn struct {
	id      string
	agentID string
	token   string
	conn    *websocket.Conn
	mu      sync.Mutex

	subMu sync.Mutex
	subs  map[string]*bus.Subscriber // session_id -> subscriber
}

func (c *wsConn) send(env protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(env)
}

func (c *wsConn) sendError(id string, err error) {
	fe, ok := fault.As(err)
	if !ok {
		fe = fault.New(fault.CodeInternal, "internal error")
	}
	payload, _ := json.Marshal(protocol.ErrorResponse{Code: fe.Code, Message: fe.Message})
	_ = c.send(protocol.Envelope{
		Type:      protocol.TypeError,
		ID:        id,
		Timestamp: protocol.UnixSeconds(time.Now()),
		Payload:   payload,
	})
}

// handleWS upgrades the connection and serves the realtime channel. The
// client authenticates with a protected token passed as a query parameter or
// bearer header.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	protectedToken := r.URL.Query().Get("token")
	if protectedToken == "" {
		protectedToken = bearerToken(r)
	}

	claims, err := s.tokens.Resolve(r.Context(), protectedToken)
	if err != nil {
		s.metrics.AuthFailure()
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	if !s.acquireConnSlot(claims.AgentID) {
		http.Error(w, "connection limit reached", http.StatusTooManyRequests)
		return
	}
	defer s.releaseConnSlot(claims.AgentID)

	upgrader := makeUpgrader(s.cfg.Server.AllowedOrigins)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	conn.SetReadLimit(wsReadLimit)
	conn.SetReadDeadline(time.Now().Add(wsPongTolerance))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongTolerance))
	})

	c := &wsConn{
		id:      uuid.NewString(),
		agentID: claims.AgentID,
		token:   protectedToken,
		conn:    conn,
		subs:    make(map[string]*bus.Subscriber),
	}
	defer s.dropSubscriptions(c)

	s.metrics.WSConnected()
	defer s.metrics.WSDisconnected()
	s.logger.Info("agent connected", "agent_id", claims.AgentID, "conn_id", c.id)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go s.pingLoop(ctx, c)

	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket closed", "agent_id", claims.AgentID, "error", err)
			}
			return
		}

		switch env.Type {
		case protocol.TypePing:
			_ = c.send(protocol.Envelope{
				Type:      protocol.TypePong,
				ID:        env.ID,
				Timestamp: protocol.UnixSeconds(time.Now()),
			})

		case protocol.TypeSubscribe:
			var sub protocol.Subscribe
			if err := json.Unmarshal(env.Payload, &sub); err != nil || sub.SessionID == "" {
				c.sendError(env.ID, fault.Invalid("subscribe requires session_id"))
				continue
			}
			s.subscribe(c, sub.SessionID)

		case protocol.TypeUnsubscribe:
			var unsub protocol.Unsubscribe
			if err := json.Unmarshal(env.Payload, &unsub); err != nil || unsub.SessionID == "" {
				c.sendError(env.ID, fault.Invalid("unsubscribe requires session_id"))
				continue
			}
			s.unsubscribe(c, unsub.SessionID)

		case protocol.TypeToolCall:
			var call protocol.ToolCall
			if err := json.Unmarshal(env.Payload, &call); err != nil || call.Name == "" {
				c.sendError(env.ID, fault.Invalid("tool.call requires a name"))
				continue
			}
			result := s.dispatcher.Dispatch(ctx, c.token, call.Name, call.Args)
			payload, _ := json.Marshal(result)
			_ = c.send(protocol.Envelope{
				Type:      protocol.TypeToolResult,
				ID:        env.ID,
				Timestamp: protocol.UnixSeconds(time.Now()),
				Payload:   payload,
			})

		default:
			c.sendError(env.ID, fault.Invalid("unknown message type %q", env.Type))
		}
	}
}

// subscribe attaches the connection to a session's event stream. One
// forwarding goroutine per subscription; it exits when the subscriber
// channel closes.
func (s *Server) subscribe(c *wsConn, sessionID string) {
	c.subMu.Lock()
	if _, ok := c.subs[sessionID]; ok {
		c.subMu.Unlock()
		return
	}
	sub := s.bus.Subscribe(sessionID)
	c.subs[sessionID] = sub
	c.subMu.Unlock()

	go func() {
		for ev := range sub.C {
			data, _ := ev.Data.(map[string]any)
			payload, _ := json.Marshal(protocol.SessionEvent{
				Type:      ev.Name,
				SessionID: ev.SessionID,
				Data:      data,
				Timestamp: protocol.UnixSeconds(ev.Timestamp),
			})
			if err := c.send(protocol.Envelope{
				Type:      protocol.TypeEvent,
				SessionID: ev.SessionID,
				Timestamp: protocol.UnixSeconds(time.Now()),
				Payload:   payload,
			}); err != nil {
				return
			}
		}
	}()
}

func (s *Server) unsubscribe(c *wsConn, sessionID string) {
	c.subMu.Lock()
	sub, ok := c.subs[sessionID]
	if ok {
		delete(c.subs, sessionID)
	}
	c.subMu.Unlock()
	if ok {
		s.bus.Unsubscribe(sub)
	}
}

func (s *Server) dropSubscriptions(c *wsConn) {
	c.subMu.Lock()
	subs := make([]*bus.Subscriber, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subs = make(map[string]*bus.Subscriber)
	c.subMu.Unlock()

	for _, sub := range subs {
		s.bus.Unsubscribe(sub)
	}
}

func (s *Server) pingLoop(ctx context.Context, c *wsConn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) acquireConnSlot(agentID string) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.connsByAgent[agentID] >= s.cfg.Limits.MaxConnsPerAgent {
		return false
	}
	s.connsByAgent[agentID]++
	return true
}

func (s *Server) releaseConnSlot(agentID string) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.connsByAgent[agentID]--
	if s.connsByAgent[agentID] <= 0 {
		delete(s.connsByAgent, agentID)
	}
}
