package gateway

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/xhide341/morph-app-sub000/go/internal/models"
)

// minConnectionInterval throttles reconnect storms: one attempt per
// logical client per room inside this window.
const minConnectionInterval = 2 * time.Second

// WebSocketHandler upgrades room channel requests.
type WebSocketHandler struct {
	connectionManager *ConnectionManager
	clock             clockwork.Clock

	mu           sync.Mutex
	lastAttempts map[string]time.Time
}

func NewWebSocketHandler(cm *ConnectionManager, clock clockwork.Clock) *WebSocketHandler {
	return &WebSocketHandler{
		connectionManager: cm,
		clock:             clock,
		lastAttempts:      make(map[string]time.Time),
	}
}

// HandleRoomConnection handles GET /ws/room?room_id=..&user_name=..
func (h *WebSocketHandler) HandleRoomConnection(w http.ResponseWriter, r *http.Request) {
	roomID, err := models.NormalizeRoomID(r.URL.Query().Get("room_id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// user_name is advisory at this point; identity is announced on the
	// channel via join_room.
	userName := r.URL.Query().Get("user_name")

	if !h.allowAttempt(clientKey(r, roomID, userName)) {
		http.Error(w, "reconnecting too fast", http.StatusTooManyRequests)
		return
	}

	if _, err := h.connectionManager.UpgradeConnection(w, r, roomID); err != nil {
		log.Error().
			Err(err).
			Str("room_id", roomID).
			Msg("failed to upgrade websocket connection")
		return
	}
}

// allowAttempt enforces the per-client connection throttle.
func (h *WebSocketHandler) allowAttempt(key string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.clock.Now()
	// Expired entries no longer throttle anything; sweep them so the map
	// only ever tracks clients inside the window.
	for k, last := range h.lastAttempts {
		if now.Sub(last) >= minConnectionInterval {
			delete(h.lastAttempts, k)
		}
	}

	if last, ok := h.lastAttempts[key]; ok && now.Sub(last) < minConnectionInterval {
		return false
	}
	h.lastAttempts[key] = now
	return true
}

// clientKey approximates "same logical client" from what the server can
// observe: room, announced name and remote address.
func clientKey(r *http.Request, roomID, userName string) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return roomID + "|" + userName + "|" + host
}

// HandleConnectionStats handles GET /ws/stats
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	totalConnections, activeRooms := h.connectionManager.Stats()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]int{
		"total_connections": totalConnections,
		"active_rooms":      activeRooms,
	}); err != nil {
		log.Error().Err(err).Msg("failed to encode stats response")
	}
}

// RegisterRoutes registers the WebSocket routes.
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/room", h.HandleRoomConnection)
	mux.HandleFunc("GET /ws/stats", h.HandleConnectionStats)
}
