package notify

import (
	"context"
	"net/http"
	"sync"
	"time"

	"tripsync/internal/general/contracts"
	"tripsync/internal/general/jwt"
	"tripsync/internal/general/logger"

	"github.com/gorilla/websocket"
)

// WSHub keeps one WebSocket connection per signed-in user and delivers
// notifications to it. A user with no live connection silently misses the
// push; the store remains the source of truth, so a reconnecting client
// rehydrates from a fresh snapshot instead.
type WSHub struct {
	tokens   *jwt.Manager
	logger   *logger.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*websocket.Conn
}

var _ Sink = (*WSHub)(nil)

// NewWSHub builds an empty hub.
func NewWSHub(tokens *jwt.Manager, log *logger.Logger) *WSHub {
	return &WSHub{
		tokens: tokens,
		logger: log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*websocket.Conn),
	}
}

// HandleConnect upgrades the request and registers the connection under the
// token's principal. The token rides the Authorization header or query
// parameter, validated before the upgrade.
func (hub *WSHub) HandleConnect(w http.ResponseWriter, r *http.Request) {
	raw, err := jwt.FromAuthorization(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	_, claims, err := hub.tokens.ParseAndValidate(raw)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error(r.Context(), "ws_upgrade_failed", "Could not upgrade device connection", err, nil)
		return
	}

	userID := claims.Subject
	hub.add(userID, conn)
	hub.logger.Info(r.Context(), "ws_connected", "Device connected", map[string]any{"user_id": userID})

	go hub.keepAlive(userID, conn)
}

func (hub *WSHub) add(userID string, conn *websocket.Conn) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	if old, ok := hub.clients[userID]; ok {
		_ = old.Close()
	}
	hub.clients[userID] = conn
}

// Remove closes and drops the user's connection, if present.
func (hub *WSHub) Remove(userID string) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	if conn, ok := hub.clients[userID]; ok {
		_ = conn.Close()
		delete(hub.clients, userID)
	}
}

// Notify pushes the rendered notification to the user's connection. An
// offline user is not an error.
func (hub *WSHub) Notify(ctx context.Context, userID string, n Notification) error {
	hub.mu.RLock()
	conn, ok := hub.clients[userID]
	hub.mu.RUnlock()
	if !ok {
		return nil
	}

	msg := contracts.WSNotification{
		Type:     "notification",
		Channel:  n.Channel,
		ID:       n.ID,
		Title:    n.Title,
		Body:     n.Body,
		Severity: string(n.Severity),
	}
	msg.SentAt = time.Now().UTC()

	if err := conn.WriteJSON(msg); err != nil {
		hub.Remove(userID)
		return err
	}
	return nil
}

// keepAlive pings the connection until it drops, then unregisters it.
func (hub *WSHub) keepAlive(userID string, conn *websocket.Conn) {
	const (
		pingPeriod = 30 * time.Second
		pongWait   = 60 * time.Second
	)

	defer hub.Remove(userID)

	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			// drain client messages; devices only listen on this socket
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

// Connected returns the ids of currently connected users.
func (hub *WSHub) Connected() []string {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	ids := make([]string, 0, len(hub.clients))
	for id := range hub.clients {
		ids = append(ids, id)
	}
	return ids
}
