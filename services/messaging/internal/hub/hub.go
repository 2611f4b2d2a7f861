// Package hub multiplexes live websocket sessions onto conversation and
// personal notification rooms. All state is process-local and rebuilt from
// zero on restart; durable state lives behind the app layer.
package hub

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"nhooyr.io/websocket"

	"autovision/pkg/domain"
	"autovision/services/messaging/internal/app"
)

// VerifyFunc authenticates a handshake bearer credential.
type VerifyFunc func(token string) (domain.Principal, error)

// Hub is the room registry shared by all sessions.
type Hub struct {
	app    *app.App
	verify VerifyFunc

	// Accept cross-origin handshakes without origin verification. Dev only.
	insecureOrigin bool

	mu       sync.RWMutex
	sessions map[string]map[*Session]struct{} // user id -> live sessions
	rooms    map[string]map[*Session]struct{} // room key -> member sessions
}

// New creates a hub bound to the application core and a credential verifier.
func New(application *app.App, verify VerifyFunc, insecureOrigin bool) *Hub {
	return &Hub{
		app:            application,
		verify:         verify,
		insecureOrigin: insecureOrigin,
		sessions:       make(map[string]map[*Session]struct{}),
		rooms:          make(map[string]map[*Session]struct{}),
	}
}

func userRoom(userID string) string         { return "user:" + userID }
func conversationRoom(convID string) string { return "conv:" + convID }

// Handle upgrades an HTTP request into an authenticated websocket session and
// blocks until the session ends. Admin principals are barred from messaging.
func (h *Hub) Handle(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		}
	}
	if token == "" {
		http.Error(w, "missing credential", http.StatusUnauthorized)
		return
	}
	principal, err := h.verify(token)
	if err != nil {
		http.Error(w, "authentication failed", http.StatusUnauthorized)
		return
	}
	if principal.Role == domain.RoleAdmin {
		http.Error(w, "authentication failed", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: h.insecureOrigin,
	})
	if err != nil {
		return
	}

	s := h.newSession(principal, newWSConn(conn))
	slog.Info("websocket session opened", "user_id", principal.ID)
	s.run(r.Context())
	slog.Info("websocket session closed", "user_id", principal.ID)
}

// register adds a session to the user index and its personal room.
func (h *Hub) register(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions[s.principal.ID] == nil {
		h.sessions[s.principal.ID] = make(map[*Session]struct{})
	}
	h.sessions[s.principal.ID][s] = struct{}{}
	h.subscribeLocked(s, userRoom(s.principal.ID))
}

// unregister discards all room memberships of a session. Absence is implicit;
// no leave broadcast is sent.
func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room := range s.rooms {
		h.unsubscribeLocked(s, room)
	}
	if set, ok := h.sessions[s.principal.ID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.sessions, s.principal.ID)
		}
	}
}

// Subscribe adds a session to a room.
func (h *Hub) Subscribe(s *Session, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribeLocked(s, room)
}

// Unsubscribe removes a session from a room.
func (h *Hub) Unsubscribe(s *Session, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(s, room)
}

func (h *Hub) subscribeLocked(s *Session, room string) {
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Session]struct{})
	}
	h.rooms[room][s] = struct{}{}
	s.rooms[room] = struct{}{}
}

func (h *Hub) unsubscribeLocked(s *Session, room string) {
	if set, ok := h.rooms[room]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(s.rooms, room)
}

// Publish sends an event to every session in a room.
func (h *Hub) Publish(room, event string, data any) {
	h.publishExceptUser(room, "", event, data)
}

// publishExceptUser sends an event to a room, skipping every session that
// belongs to excludeUserID. Typing relay uses this so a user never sees their
// own indicator on another device.
func (h *Hub) publishExceptUser(room, excludeUserID, event string, data any) {
	f := Frame{Event: event, Data: data}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.rooms[room] {
		if excludeUserID != "" && s.principal.ID == excludeUserID {
			continue
		}
		s.enqueue(f)
	}
}

// PushToUser delivers an event to all live sessions of one user. Implements
// the app-layer pusher; no live session means a silent no-op.
func (h *Hub) PushToUser(userID, event string, payload any) {
	h.Publish(userRoom(userID), event, payload)
}

// BroadcastMessage emits the room events for an appended message. The HTTP
// send path uses this so socket-connected participants stay in sync.
func (h *Hub) BroadcastMessage(conv domain.Conversation, msg domain.Message) {
	room := conversationRoom(conv.ID)
	h.Publish(room, newMsgEvent, map[string]any{
		"conversationId": conv.ID,
		"message":        msg,
	})
	h.Publish(room, convUpdEvent, map[string]any{
		"conversationId": conv.ID,
		"lastActivity":   conv.LastActivity,
	})
}

// UserOnline reports whether the user has at least one live session.
func (h *Hub) UserOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[userID]) > 0
}
