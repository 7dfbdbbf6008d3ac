// Package gateway implements the Action Gateway (C7): the stateless
// ingress shim between transport and the domain components. HandleWebSocket
// mirrors the teacher's WSManager.HandleWebSocket (backend/websocket/manager.go)
// — upgrade, register with the connection table, spawn read/write pumps —
// generalized from a player-ID-only handshake to bearer-credential auth and
// from a single game's message set to the action routing table of spec §4.7.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"memecaption/authprovider"
	"memecaption/bus"
	"memecaption/catalog"
	"memecaption/coordinator"
	"memecaption/domain"
	"memecaption/errs"
	"memecaption/presence"
	"memecaption/registry"
	"memecaption/rooms"
	"memecaption/rounds"
)

// InboundMessage is one client->server frame (spec §6).
type InboundMessage struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// OutboundMessage is one server->client frame. Type mirrors either a
// bus.Kind or one of connection_established/pong/error (spec §6).
type OutboundMessage struct {
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Gateway is the C7 component. It is stateless aside from its Registry
// reference.
type Gateway struct {
	registry    *registry.Registry
	rooms       *rooms.Manager
	roundsCtrl  *rounds.Controller
	coordinator *coordinator.Coordinator
	eventBus    bus.Bus
	presence    *presence.Tracker
	auth        authprovider.Provider
	catalogue   catalog.Catalogue
	logger      *zap.Logger
	upgrader    websocket.Upgrader
}

// New builds a Gateway. logger may be nil.
func New(
	reg *registry.Registry,
	roomManager *rooms.Manager,
	roundsCtrl *rounds.Controller,
	coord *coordinator.Coordinator,
	eventBus bus.Bus,
	tracker *presence.Tracker,
	auth authprovider.Provider,
	catalogue catalog.Catalogue,
	logger *zap.Logger,
) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		registry:    reg,
		rooms:       roomManager,
		roundsCtrl:  roundsCtrl,
		coordinator: coord,
		eventBus:    eventBus,
		presence:    tracker,
		auth:        auth,
		catalogue:   catalogue,
		logger:      logger,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes wires the HTTP request-response surface (one endpoint per
// action, spec §6) plus the websocket upgrade endpoint.
func (g *Gateway) RegisterRoutes(r *gin.Engine) {
	r.GET("/ws", g.HandleWebSocket)

	api := r.Group("/api", g.requireAuth())
	api.POST("/ping", g.httpAction("ping"))
	api.POST("/rooms/join", g.httpAction("join_room"))
	api.POST("/rooms/leave", g.httpAction("leave_room"))
	api.POST("/rooms/start", g.httpAction("start_game"))
	api.POST("/rounds/choice", g.httpAction("submit_card_choice"))
	api.POST("/rounds/vote", g.httpAction("submit_vote"))
	api.GET("/game/state", g.httpAction("get_game_state"))
}

const userIDContextKey = "memecaption_user_id"

func (g *Gateway) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.Request)
		userID, err := g.auth.ValidateCredential(c.Request.Context(), token)
		if err != nil {
			status := errs.Classify(err).HTTPStatus()
			c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
			return
		}
		c.Set(userIDContextKey, userID)
		c.Next()
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return r.URL.Query().Get("token")
}

func (g *Gateway) httpAction(action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(userIDContextKey)
		var payload json.RawMessage
		if c.Request.Method == http.MethodPost {
			body, err := io.ReadAll(c.Request.Body)
			if err == nil {
				payload = body
			}
		} else {
			payload, _ = json.Marshal(c.Request.URL.Query())
		}

		response, err := g.handleAction(c.Request.Context(), userID, action, payload)
		if err != nil {
			status := errs.Classify(err).HTTPStatus()
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, response)
	}
}

// HandleWebSocket upgrades the connection and attaches it to the registry.
func (g *Gateway) HandleWebSocket(c *gin.Context) {
	ctx := c.Request.Context()
	token := bearerToken(c.Request)
	userID, err := g.auth.ValidateCredential(ctx, token)
	if err != nil {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err), zap.String("user_id", userID))
		return
	}

	send := make(chan []byte, 256)
	go writePump(conn, send)

	var closeOnce sync.Once
	var closeErr error
	session := &registry.Session{
		UserID: userID,
		Send: func(message []byte) error {
			select {
			case send <- message:
				return nil
			default:
				return fmt.Errorf("send buffer full for user %s", userID)
			}
		},
		Close: func() error {
			closeOnce.Do(func() {
				close(send)
				closeErr = conn.Close()
			})
			return closeErr
		},
	}

	roomHint := c.Query("room_id")
	result, err := g.registry.Attach(ctx, userID, session, roomHint)
	if err != nil {
		g.logger.Warn("attach failed", zap.Error(err), zap.String("user_id", userID))
		_ = session.Close()
		return
	}
	if result.InRoom {
		g.ensureSubscribed(result.RoomID)
	}

	g.sendDirect(session, OutboundMessage{
		Type:      "connection_established",
		Payload:   map[string]any{"user_id": userID, "room_id": result.RoomID},
		Timestamp: time.Now(),
	})

	g.readPump(ctx, conn, userID, session)
}

func writePump(conn *websocket.Conn, send <-chan []byte) {
	for message := range send {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	conn.WriteMessage(websocket.CloseMessage, []byte{})
}

func (g *Gateway) readPump(ctx context.Context, conn *websocket.Conn, userID string, session *registry.Session) {
	defer func() {
		roomID, wasInRoom := g.roomOf(ctx, userID)
		g.registry.Detach(ctx, userID)
		if wasInRoom {
			g.maybeUnsubscribe(roomID)
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var inbound InboundMessage
		if err := json.Unmarshal(raw, &inbound); err != nil {
			continue
		}

		response, err := g.handleAction(ctx, userID, inbound.Action, inbound.Payload)
		if err != nil {
			g.sendDirect(session, OutboundMessage{
				Type:      "error",
				Payload:   map[string]any{"action": inbound.Action, "message": err.Error()},
				Timestamp: time.Now(),
			})
			continue
		}
		if response != nil {
			g.sendDirect(session, OutboundMessage{
				Type:      inbound.Action + "_ack",
				Payload:   toPayload(response),
				Timestamp: time.Now(),
			})
		}
	}
}

func (g *Gateway) roomOf(ctx context.Context, userID string) (string, bool) {
	room, ok, err := g.rooms.GetUserCurrentRoom(ctx, userID)
	if err != nil || !ok {
		return "", false
	}
	return room.ID, true
}

func toPayload(v any) map[string]any {
	body, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return nil
	}
	return m
}

func (g *Gateway) sendDirect(session *registry.Session, msg OutboundMessage) {
	body, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_ = session.Send(body)
}

// ensureSubscribed subscribes this instance to the room's bus events the
// first time it gains a local client.
func (g *Gateway) ensureSubscribed(roomID string) {
	if g.registry.RoomSize(roomID) != 1 {
		return
	}
	_ = g.eventBus.Subscribe(context.Background(), roomID, g.onBusEvent)
}

// maybeUnsubscribe releases the room subscription once the last local
// client leaves.
func (g *Gateway) maybeUnsubscribe(roomID string) {
	if roomID == "" || g.registry.RoomSize(roomID) != 0 {
		return
	}
	_ = g.eventBus.Unsubscribe(roomID)
}

func (g *Gateway) onBusEvent(event bus.Event) {
	payload := map[string]any{}
	for k, v := range event.Payload {
		payload[k] = v
	}
	payload["game_id"] = event.GameID
	payload["round_id"] = event.RoundID

	body, err := json.Marshal(OutboundMessage{Type: string(event.Kind), Payload: payload, Timestamp: event.Timestamp})
	if err != nil {
		return
	}
	g.registry.BroadcastRoom(context.Background(), event.RoomID, body, "")
}

// handleAction dispatches one inbound action per the routing table of
// spec §4.7.
func (g *Gateway) handleAction(ctx context.Context, userID, action string, payload json.RawMessage) (any, error) {
	switch action {
	case "ping":
		room, ok, err := g.rooms.GetUserCurrentRoom(ctx, userID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("user %s is not in a room: %w", userID, errs.ErrValidationFailed)
		}
		if err := g.presence.Touch(ctx, room.ID, userID); err != nil {
			return nil, err
		}
		return map[string]any{"pong": true}, nil

	case "join_room":
		var req struct {
			RoomID string `json:"room_id"`
			Code   string `json:"code"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("invalid join_room payload: %w", errs.ErrValidationFailed)
		}
		var room domain.Room
		var err error
		if req.Code != "" {
			room, err = g.rooms.JoinByCode(ctx, userID, req.Code)
		} else {
			room, err = g.rooms.JoinByID(ctx, userID, req.RoomID)
		}
		if err != nil {
			return nil, err
		}
		g.registry.JoinRoom(userID, room.ID)
		g.ensureSubscribed(room.ID)
		g.publish(ctx, room.ID, bus.KindPlayerJoined, map[string]any{"user_id": userID})
		return room, nil

	case "leave_room":
		room, ok, err := g.rooms.GetUserCurrentRoom(ctx, userID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("user %s is not in a room: %w", userID, errs.ErrValidationFailed)
		}
		if err := g.rooms.Leave(ctx, userID, room.ID); err != nil {
			return nil, err
		}
		g.registry.LeaveRoom(userID)
		g.publish(ctx, room.ID, bus.KindPlayerLeft, map[string]any{"user_id": userID})
		g.maybeUnsubscribe(room.ID)
		return map[string]any{"left": true}, nil

	case "start_game":
		room, ok, err := g.rooms.GetUserCurrentRoom(ctx, userID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("user %s is not in a room: %w", userID, errs.ErrValidationFailed)
		}
		game, err := g.rooms.StartGame(ctx, userID, room.ID)
		if err != nil {
			return nil, err
		}
		if err := g.coordinator.Begin(ctx, game.ID); err != nil {
			return nil, err
		}
		return map[string]any{"game_id": game.ID}, nil

	case "submit_card_choice":
		var req struct {
			RoundID    string `json:"round_id"`
			CardType   string `json:"card_type"`
			CardNumber int    `json:"card_number"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("invalid submit_card_choice payload: %w", errs.ErrValidationFailed)
		}
		cardType, err := parseCardType(req.CardType)
		if err != nil {
			return nil, err
		}
		if err := g.roundsCtrl.SubmitChoice(ctx, req.RoundID, userID, cardType, req.CardNumber); err != nil {
			return nil, err
		}
		return map[string]any{"submitted": true}, nil

	case "submit_vote":
		var req struct {
			RoundID  string `json:"round_id"`
			ChoiceID string `json:"choice_id"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("invalid submit_vote payload: %w", errs.ErrValidationFailed)
		}
		if err := g.roundsCtrl.SubmitVote(ctx, req.RoundID, userID, req.ChoiceID); err != nil {
			return nil, err
		}
		return map[string]any{"voted": true}, nil

	case "get_game_state":
		return g.assembleGameState(ctx, userID)

	default:
		return nil, fmt.Errorf("unknown action %q: %w", action, errs.ErrValidationFailed)
	}
}

func (g *Gateway) assembleGameState(ctx context.Context, userID string) (any, error) {
	room, ok, err := g.rooms.GetUserCurrentRoom(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return map[string]any{"room": nil}, nil
	}
	return map[string]any{"room": room}, nil
}

func (g *Gateway) publish(ctx context.Context, roomID string, kind bus.Kind, payload map[string]any) {
	_ = g.eventBus.Publish(ctx, bus.Event{RoomID: roomID, Kind: kind, Payload: payload, Timestamp: time.Now()})
}

func parseCardType(s string) (domain.CardType, error) {
	switch s {
	case "starter":
		return domain.CardStarter, nil
	case "standard":
		return domain.CardStandard, nil
	case "unique":
		return domain.CardUnique, nil
	default:
		return 0, fmt.Errorf("unknown card type %q: %w", s, errs.ErrValidationFailed)
	}
}
