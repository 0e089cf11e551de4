// Package websocket mirrors in-flight generation events to every open tab of
// a user. The tab that submitted a turn receives the stream over SSE; other
// tabs follow along through Redis pub/sub fanned out here.
package websocket

import (
	"context"
	"log"
	"net/http"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
)

// streamChannel is the pub/sub channel prefix; one channel per user.
const streamChannel = "stream_events:"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub tracks open sockets per user and relays their stream channel. A user's
// Redis subscription lives exactly as long as their first-to-last socket.
type Hub struct {
	mu          sync.RWMutex
	tabs        map[uuid.UUID][]*websocket.Conn
	redisClient *redis.Client
	jwtSecret   []byte
	cancelSubs  map[uuid.UUID]context.CancelFunc
}

func NewHub(redisClient *redis.Client, jwtSecret string) *Hub {
	return &Hub{
		tabs:        make(map[uuid.UUID][]*websocket.Conn),
		redisClient: redisClient,
		jwtSecret:   []byte(jwtSecret),
		cancelSubs:  make(map[uuid.UUID]context.CancelFunc),
	}
}

// HandleWebSocket upgrades the connection. Browsers cannot set an
// Authorization header on the handshake, so the access token rides a query
// param instead.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket: upgrade failed: %v", err)
		return
	}

	h.register(userID, conn)

	// Reads are only used to detect disconnects; clients never send data.
	go func() {
		defer h.unregister(userID, conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) authenticate(r *http.Request) (uuid.UUID, bool) {
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		return uuid.Nil, false
	}

	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		return h.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return uuid.Nil, false
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return uuid.Nil, false
	}
	userIDStr, _ := claims["user_id"].(string)
	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		return uuid.Nil, false
	}
	return userID, true
}

func (h *Hub) register(userID uuid.UUID, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.tabs[userID] = append(h.tabs[userID], conn)

	// First tab for this user opens the Redis subscription.
	if len(h.tabs[userID]) == 1 {
		ctx, cancel := context.WithCancel(context.Background())
		h.cancelSubs[userID] = cancel
		go h.relay(ctx, userID)
	}

	log.Printf("websocket: user %s connected (%d tabs)", userID, len(h.tabs[userID]))
}

func (h *Hub) unregister(userID uuid.UUID, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conn.Close()

	conns := h.tabs[userID]
	for i, c := range conns {
		if c == conn {
			h.tabs[userID] = append(conns[:i], conns[i+1:]...)
			break
		}
	}

	if len(h.tabs[userID]) == 0 {
		delete(h.tabs, userID)
		if cancel, ok := h.cancelSubs[userID]; ok {
			cancel()
			delete(h.cancelSubs, userID)
		}
	}

	log.Printf("websocket: user %s disconnected", userID)
}

// relay pumps the user's stream channel into their open tabs until the last
// tab goes away.
func (h *Hub) relay(ctx context.Context, userID uuid.UUID) {
	pubsub := h.redisClient.Subscribe(ctx, streamChannel+userID.String())
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			h.broadcast(userID, []byte(msg.Payload))
		}
	}
}

func (h *Hub) broadcast(userID uuid.UUID, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, conn := range h.tabs[userID] {
		conn.WriteMessage(websocket.TextMessage, data)
	}
}
