package node

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/craftec/nodehub/nodehub/keystore"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Only local clients can reach the node API.
		return true
	},
}

// request is a client message on the WebSocket API.
type request struct {
	ID   int    `json:"id"`
	Type string `json:"type"`
}

type response struct {
	ID     int     `json:"id,omitempty"`
	Type   string  `json:"type"`
	PeerID string  `json:"peer_id,omitempty"`
	Status *Status `json:"status,omitempty"`
	Error  string  `json:"error,omitempty"`
}

func (n *Node) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", n.handleStatus)
	mux.HandleFunc("GET /ws", n.handleWebSocket)
	return mux
}

func (n *Node) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(n.Status()); err != nil {
		n.logger.ErrorContext(r.Context(), "Failed to encode status", "error", err)
	}
}

// bearerToken reads the API token from the Authorization header, falling back
// to the token query parameter for browser clients.
func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func (n *Node) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, err := keystore.VerifyAPIToken(n.pub, n.cfg.PeerID, bearerToken(r)); err != nil {
		n.logger.WarnContext(ctx, "Rejected API client", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		n.logger.WarnContext(ctx, "WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	// Hijacked connections outlive server.Close; drop them with the node.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	n.logger.InfoContext(ctx, "API client connected", "remote", r.RemoteAddr)

	if err := conn.WriteJSON(response{Type: "hello", PeerID: n.cfg.PeerID}); err != nil {
		return
	}
	for {
		var req request
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				n.logger.DebugContext(ctx, "API client read failed", "error", err)
			}
			return
		}

		resp := response{ID: req.ID, Type: req.Type}
		switch req.Type {
		case "status":
			status := n.Status()
			resp.Status = &status
		case "ping":
			resp.Type = "pong"
		default:
			resp.Type = "error"
			resp.Error = "unknown request type " + req.Type
		}
		if err := conn.WriteJSON(resp); err != nil {
			return
		}
	}
}
