package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"

	"messaging-core/internal/convkey"
	"messaging-core/internal/errs"
	"messaging-core/internal/hub"
	"messaging-core/internal/identity"
	"messaging-core/internal/middleware"
	"messaging-core/internal/models"
	"messaging-core/internal/observability"
)

const (
	wsKind       = "gateway"
	routingKey   = "ws_events.gateway"
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = pongWait * 9 / 10
	readLimit    = 4096
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// EventPublisher receives websocket lifecycle events.
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
}

// LifecycleEvent is published on connect, disconnect and error.
type LifecycleEvent struct {
	EventType  string   `json:"event_type"`
	EventName  string   `json:"event_name"`
	ConnID     string   `json:"conn_id"`
	UserID     string   `json:"user_id"`
	DeviceID   string   `json:"device_id,omitempty"`
	IP         string   `json:"ip"`
	Topics     []string `json:"topics"`
	DurationMS int64    `json:"duration_ms"`
	Reason     string   `json:"reason,omitempty"`
	RequestID  string   `json:"request_id,omitempty"`
	TraceID    string   `json:"trace_id,omitempty"`
}

// Gateway streams hub topics to websocket clients. Every connection counts towards its
// user's presence.
type Gateway struct {
	hub       *hub.Hub
	verifier  middleware.TokenVerifier
	conns     *identity.Connections
	registry  *Registry
	publisher EventPublisher
	log       *slog.Logger
}

// NewGateway builds a Gateway. publisher may be nil.
func NewGateway(h *hub.Hub, verifier middleware.TokenVerifier, conns *identity.Connections, publisher EventPublisher, log *slog.Logger) *Gateway {
	return &Gateway{
		hub:       h,
		verifier:  verifier,
		conns:     conns,
		registry:  NewRegistry(),
		publisher: publisher,
		log:       log,
	}
}

// Registry exposes the open connections.
func (g *Gateway) Registry() *Registry { return g.registry }

// Handle authenticates, authorizes every requested topic, upgrades and streams until the
// client goes away.
func (g *Gateway) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("messaging-core/ws").Start(c.Request.Context(), "ws.handshake")
	c.Request = c.Request.WithContext(ctx)

	token, ok := middleware.BearerToken(c.GetHeader("Authorization"))
	if !ok {
		token = c.Query("token")
	}
	userID, err := g.verifier.Verify(token)
	if err != nil {
		span.End()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	topics, err := parseTopics(userID, c.QueryArray("topic"))
	if err != nil {
		span.End()
		status := http.StatusBadRequest
		if errors.Is(err, errs.ErrForbidden) {
			status = http.StatusForbidden
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		span.End()
		return
	}
	meta := observability.MetaFromRequest(c.Request)
	info := ConnInfo{
		ConnID:      uuid.NewString(),
		UserID:      userID,
		Topics:      topicNames(topics),
		DeviceID:    meta.DeviceID,
		IP:          meta.IP,
		RequestID:   meta.RequestID,
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	span.End()

	// ctx descends from the server's base context, so shutdown reaches hijacked sockets.
	g.serve(ctx, conn, info, topics)
}

func (g *Gateway) serve(parent context.Context, conn *websocket.Conn, info ConnInfo, topics []hub.Topic) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	g.registry.Add(info)
	g.conns.Connect(info.UserID)
	observability.IncWSActive(wsKind)
	g.lifecycle(ctx, "ws_connect", info, "")
	g.log.Info("ws.connected", "conn_id", info.ConnID, "user_id", info.UserID, "topics", info.Topics)

	var closeReason string
	defer func() {
		g.registry.Remove(info.ConnID)
		g.conns.Disconnect(info.UserID)
		observability.DecWSActive(wsKind)
		g.lifecycle(context.WithoutCancel(ctx), "ws_disconnect", info, closeReason)
		g.log.Info("ws.disconnected", "conn_id", info.ConnID, "user_id", info.UserID, "reason", closeReason)
		conn.Close()
	}()

	out := make(chan models.Event)
	dropped := make(chan hub.Topic, len(topics))
	for _, t := range topics {
		go forward(ctx, g.hub.Subscribe(ctx, t), out, dropped)
	}
	readErr := make(chan error, 1)
	go readLoop(conn, readErr)

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			closeReason = "shutdown"
			g.closeWith(conn, websocket.CloseGoingAway, closeReason)
			return
		case err := <-readErr:
			closeReason = err.Error()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.lifecycle(ctx, "ws_error", info, closeReason)
			}
			return
		case t := <-dropped:
			closeReason = fmt.Sprintf("slow consumer on %s", t)
			g.closeWith(conn, websocket.CloseTryAgainLater, closeReason)
			return
		case evt := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(evt); err != nil {
				closeReason = err.Error()
				g.lifecycle(ctx, "ws_error", info, closeReason)
				return
			}
			observability.IncWSEvent(wsKind, string(evt.Type))
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				closeReason = err.Error()
				return
			}
		}
	}
}

// forward copies one subscription into the shared writer channel. When the hub dropped the
// subscriber the whole connection is closed so the client resubscribes from a fresh state.
func forward(ctx context.Context, sub *hub.Subscription, out chan<- models.Event, dropped chan<- hub.Topic) {
	for evt := range sub.C {
		select {
		case out <- evt:
		case <-ctx.Done():
			sub.Close()
			return
		}
	}
	if errors.Is(sub.Err(), hub.ErrSlowSubscriber) {
		dropped <- sub.Topic()
	}
}

func readLoop(conn *websocket.Conn, done chan<- error) {
	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			done <- err
			return
		}
	}
}

func (g *Gateway) closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

func (g *Gateway) lifecycle(ctx context.Context, name string, info ConnInfo, reason string) {
	observability.IncWSEvent(wsKind, name)
	if g.publisher == nil {
		return
	}
	_ = g.publisher.Publish(ctx, routingKey, LifecycleEvent{
		EventType:  "ws_events",
		EventName:  name,
		ConnID:     info.ConnID,
		UserID:     info.UserID,
		DeviceID:   info.DeviceID,
		IP:         info.IP,
		Topics:     info.Topics,
		DurationMS: time.Since(info.ConnectedAt).Milliseconds(),
		Reason:     reason,
		RequestID:  info.RequestID,
		TraceID:    info.TraceID,
	})
}

// ListConnections is a debug endpoint returning the open connections.
func (g *Gateway) ListConnections(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"connections": g.registry.List()})
}

// parseTopics validates the requested topics and checks userID may watch each of them.
// Conversation and typing topics need membership of the conversation, a user's conversation
// list is private, presence is public.
func parseTopics(userID string, raw []string) ([]hub.Topic, error) {
	if len(raw) == 0 {
		return nil, errs.Validation("topic", "is required")
	}
	raw = lo.Uniq(raw)
	topics := make([]hub.Topic, 0, len(raw))
	for _, r := range raw {
		t := hub.Topic(r)
		prefix, id, ok := t.Split()
		if !ok {
			return nil, errs.Validation("topic", fmt.Sprintf("%q is unknown", r))
		}
		switch prefix {
		case hub.PrefixConversation, hub.PrefixTyping:
			if _, _, err := convkey.Participants(id); err != nil {
				return nil, err
			}
			if !convkey.Includes(id, userID) {
				return nil, fmt.Errorf("topic %q: %w", r, errs.ErrForbidden)
			}
		case hub.PrefixUserConversations:
			if id != userID {
				return nil, fmt.Errorf("topic %q: %w", r, errs.ErrForbidden)
			}
		case hub.PrefixPresence:
			if err := convkey.ValidateID(id); err != nil {
				return nil, err
			}
		}
		topics = append(topics, t)
	}
	return topics, nil
}

func topicNames(topics []hub.Topic) []string {
	return lo.Map(topics, func(t hub.Topic, _ int) string { return string(t) })
}
