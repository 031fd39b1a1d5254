package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/users"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// TabKeyHeader names the browser tab on REST calls and the socket handshake.
	TabKeyHeader = "X-Tab-Key"

	tabKeyQuery      = "tab"
	accessTokenQuery = "access_token"

	defaultWriteWait  = 10 * time.Second
	defaultPongWait   = 60 * time.Second
	maxInboundMessage = 64 * 1024
)

// IdentityResolver authenticates the bearer token presented at handshake.
type IdentityResolver interface {
	Resolve(ctx context.Context, token string) (users.User, error)
}

// GatewayConfig describes the dependencies of the websocket gateway.
type GatewayConfig struct {
	Rooms          *RoomManager
	Resolver       IdentityResolver
	AllowedOrigins []string
	WriteWait      time.Duration
	PongWait       time.Duration
	Logger         *zap.Logger
}

// Gateway upgrades authenticated HTTP requests to websocket connections and
// pumps frames between the socket and the room manager.
type Gateway struct {
	rooms     *RoomManager
	resolver  IdentityResolver
	upgrader  websocket.Upgrader
	writeWait time.Duration
	pongWait  time.Duration
	logger    *zap.Logger
}

// NewGateway constructs the websocket gateway.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Rooms == nil {
		return nil, errors.New("realtime: room manager required")
	}
	if cfg.Resolver == nil {
		return nil, errors.New("realtime: identity resolver required")
	}
	writeWait := cfg.WriteWait
	if writeWait <= 0 {
		writeWait = defaultWriteWait
	}
	pongWait := cfg.PongWait
	if pongWait <= 0 {
		pongWait = defaultPongWait
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gateway := &Gateway{
		rooms:     cfg.Rooms,
		resolver:  cfg.Resolver,
		writeWait: writeWait,
		pongWait:  pongWait,
		logger:    logger,
	}
	gateway.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return gateway, nil
}

// ServeHTTP authenticates the handshake, then upgrades. A request without a
// valid token never reaches the room manager.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token, ok := auth.BearerToken(r.Header.Get("Authorization"))
	if !ok {
		token = strings.TrimSpace(r.URL.Query().Get(accessTokenQuery))
	}
	user, err := g.resolver.Resolve(r.Context(), token)
	if err != nil {
		if !errors.Is(err, auth.ErrUnauthenticated) {
			g.logger.Error("realtime handshake failed", zap.Error(err))
		}
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	tabKey := strings.TrimSpace(r.URL.Query().Get(tabKeyQuery))
	if tabKey == "" {
		tabKey = strings.TrimSpace(r.Header.Get(TabKeyHeader))
	}
	if tabKey == "" {
		http.Error(w, "tab key required", http.StatusBadRequest)
		return
	}

	socket, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("realtime upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn, cleanup, err := g.rooms.Register(ctx, user.ID, tabKey)
	if err != nil {
		_ = socket.Close()
		return
	}
	defer cleanup()

	go g.writePump(socket, conn)
	g.readPump(ctx, socket, conn)
}

func (g *Gateway) readPump(ctx context.Context, socket *websocket.Conn, conn *Conn) {
	socket.SetReadLimit(maxInboundMessage)
	_ = socket.SetReadDeadline(time.Now().Add(g.pongWait))
	socket.SetPongHandler(func(string) error {
		return socket.SetReadDeadline(time.Now().Add(g.pongWait))
	})
	for {
		_, frame, err := socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger.Debug("realtime read failed", zap.String("user_id", conn.UserID()), zap.Error(err))
			}
			return
		}
		var envelope Envelope
		if err := json.Unmarshal(frame, &envelope); err != nil || envelope.Event == "" {
			_ = g.rooms.Send(conn, errorMessage(errMalformedPayload))
			continue
		}
		g.rooms.Dispatch(ctx, conn, envelope)
	}
}

// writePump is the only writer on the socket, so frames leave in queue order.
func (g *Gateway) writePump(socket *websocket.Conn, conn *Conn) {
	ticker := time.NewTicker(g.pongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		_ = socket.Close()
	}()
	for {
		select {
		case payload := <-conn.Outbound():
			_ = socket.SetWriteDeadline(time.Now().Add(g.writeWait))
			if err := socket.WriteMessage(websocket.TextMessage, payload); err != nil {
				g.rooms.Disconnect(conn)
				return
			}
		case <-ticker.C:
			_ = socket.SetWriteDeadline(time.Now().Add(g.writeWait))
			if err := socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				g.rooms.Disconnect(conn)
				return
			}
		case <-conn.Done():
			_ = socket.SetWriteDeadline(time.Now().Add(g.writeWait))
			_ = socket.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	origins := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		origins[strings.TrimRight(origin, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := origins[strings.TrimRight(origin, "/")]
		return ok
	}
}
