package websocket

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"codepair/pkg/interfaces"
)

// Heartbeat timings
const (
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	historyWait  = 10 * time.Second
)

// Handler serves the session watch stream
// ARCHITECTURAL DISCOVERY: Validation happens before the upgrade (credential ->
// session -> upgrade -> registration) so rejected requests get plain HTTP errors
type Handler struct {
	registry *Registry
	resolver interfaces.IdentityResolver
	sessions interfaces.SessionStore
	events   interfaces.EventStore
	upgrader websocket.Upgrader
}

// NewHandler creates a new WebSocket handler with dependency injection.
// allowedOrigins empty accepts every origin.
func NewHandler(registry *Registry, resolver interfaces.IdentityResolver, sessions interfaces.SessionStore, events interfaces.EventStore, allowedOrigins []string) *Handler {
	return &Handler{
		registry: registry,
		resolver: resolver,
		sessions: sessions,
		events:   events,
		upgrader: websocket.Upgrader{
			CheckOrigin:      originChecker(allowedOrigins),
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// HandleWebSocket handles GET /ws?session_id=...&token=...
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "Missing required query parameter: session_id", http.StatusBadRequest)
		return
	}

	user, err := h.resolver.Resolve(r.Context(), r)
	if err != nil {
		switch {
		case errors.Is(err, interfaces.ErrUnauthenticated):
			http.Error(w, "Unauthorized - invalid token", http.StatusUnauthorized)
		case errors.Is(err, interfaces.ErrUserNotFound):
			http.Error(w, "User not found", http.StatusNotFound)
		default:
			log.Printf("Identity resolution failed: %v", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}

	if _, err := h.sessions.GetSession(r.Context(), sessionID); err != nil {
		if errors.Is(err, interfaces.ErrSessionNotFound) {
			http.Error(w, "Session not found", http.StatusNotFound)
			return
		}
		log.Printf("Session lookup failed for watch stream: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	wsConn := NewConnection(conn)
	if err := wsConn.SetCredentials(user.ID, sessionID); err != nil {
		log.Printf("Failed to set credentials: %v", err)
		_ = wsConn.Close()
		return
	}

	// FUNCTIONAL DISCOVERY: Register before replaying history so no event
	// committed during the replay is missed; clients dedupe by event id
	if err := h.registry.RegisterConnection(wsConn); err != nil {
		log.Printf("Failed to register connection: %v", err)
		_ = wsConn.Close()
		return
	}
	log.Printf("Watcher connected: user=%s session=%s", user.ID, sessionID)

	go h.sendSessionHistory(wsConn)
	go h.handleConnection(wsConn)
}

// sendSessionHistory replays stored events then signals history_complete
func (h *Handler) sendSessionHistory(conn *Connection) {
	sessionID := conn.GetSessionID()

	ctx, cancel := context.WithTimeout(context.Background(), historyWait)
	defer cancel()

	events, err := h.events.ListEvents(ctx, sessionID)
	if err != nil {
		log.Printf("Failed to get session history: %v", err)
		if err := conn.WriteJSON(systemMessage("history_unavailable", "Unable to load session history")); err != nil {
			log.Printf("Failed to send history error message: %v", err)
		}
		return
	}

	for _, event := range events {
		if err := conn.WriteJSON(event); err != nil {
			log.Printf("Failed to send history event: %v", err)
			return
		}
	}

	if err := conn.WriteJSON(systemMessage("history_complete", "Session history loaded")); err != nil {
		log.Printf("Failed to send history complete message: %v", err)
	}
}

// handleConnection runs the heartbeat and read pump until the client goes away
// TECHNICAL DISCOVERY: Watchers are receive-only; inbound frames are read and
// discarded so control frames (pong, close) keep being processed
func (h *Handler) handleConnection(conn *Connection) {
	defer func() {
		h.registry.UnregisterConnection(conn)
		_ = conn.Close()
		log.Printf("Watcher disconnected: user=%s session=%s", conn.GetUserID(), conn.GetSessionID())
	}()

	if err := conn.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		log.Printf("Failed to set read deadline: %v", err)
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ticker.C:
				if err := conn.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second)); err != nil {
					return
				}
			case <-conn.Done():
				return
			}
		}
	}()

	for {
		if _, _, err := conn.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			return
		}
	}
}

// systemMessage builds the envelope used for non-event notifications
func systemMessage(event, message string) map[string]interface{} {
	return map[string]interface{}{
		"type": "system",
		"content": map[string]interface{}{
			"event":   event,
			"message": message,
		},
		"timestamp": time.Now().UTC(),
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		set[origin] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin] || set["*"]
	}
}
