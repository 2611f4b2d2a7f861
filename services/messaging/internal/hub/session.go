package hub

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"autovision/pkg/domain"
	"autovision/services/messaging/internal/app"
)

const (
	sendBuffer    = 64
	writeTimeout  = 10 * time.Second
	pingInterval  = 25 * time.Second
	pingTimeout   = 5 * time.Second
	ackEvent      = "ack"
	errorEvent    = "error"
	sentEvent     = "message-sent"
	newMsgEvent   = "new-message"
	convUpdEvent  = "conversation-updated"
	typingEvent   = "user-typing"
)

// Frame is the JSON envelope for every event in both directions. Inbound
// frames carry raw data decoded per event; outbound frames carry any payload.
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
	AckID string `json:"ackId,omitempty"`
}

type inboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	AckID string          `json:"ackId,omitempty"`
}

// wireConn abstracts the websocket so session logic is testable without a
// network connection.
type wireConn interface {
	ReadFrame(ctx context.Context) (inboundFrame, error)
	WriteFrame(ctx context.Context, f Frame) error
	Ping(ctx context.Context) error
	Close() error
}

type wsConn struct {
	conn *websocket.Conn
}

func newWSConn(conn *websocket.Conn) *wsConn { return &wsConn{conn: conn} }

func (w *wsConn) ReadFrame(ctx context.Context) (inboundFrame, error) {
	var f inboundFrame
	err := wsjson.Read(ctx, w.conn, &f)
	return f, err
}

func (w *wsConn) WriteFrame(ctx context.Context, f Frame) error {
	return wsjson.Write(ctx, w.conn, f)
}

func (w *wsConn) Ping(ctx context.Context) error { return w.conn.Ping(ctx) }

func (w *wsConn) Close() error {
	return w.conn.Close(websocket.StatusNormalClosure, "bye")
}

// Session is one authenticated websocket connection.
type Session struct {
	hub       *Hub
	principal domain.Principal
	conn      wireConn

	send  chan Frame
	rooms map[string]struct{}

	cancel context.CancelFunc
}

func (h *Hub) newSession(principal domain.Principal, conn wireConn) *Session {
	return &Session{
		hub:       h,
		principal: principal,
		conn:      conn,
		send:      make(chan Frame, sendBuffer),
		rooms:     make(map[string]struct{}),
	}
}

// run registers the session and pumps frames until the connection drops.
func (s *Session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()

	s.hub.register(s)
	defer s.hub.unregister(s)
	defer s.conn.Close()

	go s.writeLoop(ctx)
	go s.keepAliveLoop(ctx)
	s.readLoop(ctx)
}

func (s *Session) readLoop(ctx context.Context) {
	for {
		f, err := s.conn.ReadFrame(ctx)
		if err != nil {
			return
		}
		s.dispatch(f)
	}
}

func (s *Session) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-s.send:
			writeCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := s.conn.WriteFrame(writeCtx, f)
			cancel()
			if err != nil {
				s.cancel()
				return
			}
		}
	}
}

func (s *Session) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(context.Background(), pingTimeout)
			err := s.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				s.cancel()
				return
			}
		}
	}
}

// enqueue hands a frame to the write pump. A full buffer drops the frame
// rather than stalling every other room member behind one slow consumer.
func (s *Session) enqueue(f Frame) {
	select {
	case s.send <- f:
	default:
	}
}

func (s *Session) sendError(ackID, message string) {
	s.enqueue(Frame{Event: errorEvent, AckID: ackID, Data: map[string]string{"message": message}})
}

func (s *Session) sendAck(ackID string, data any) {
	if ackID == "" {
		return
	}
	s.enqueue(Frame{Event: ackEvent, AckID: ackID, Data: data})
}

// dispatch handles one client frame. Operation failures are reported to this
// session only and never terminate it.
func (s *Session) dispatch(f inboundFrame) {
	switch f.Event {
	case "join-conversations":
		s.handleJoinAll(f)
	case "join-conversation":
		s.handleJoin(f)
	case "leave-conversation":
		s.handleLeave(f)
	case "typing":
		s.handleTyping(f)
	case "check-participation":
		s.handleCheckParticipation(f)
	case "send-message":
		s.handleSend(f)
	default:
		s.sendError(f.AckID, "unknown event")
	}
}

func (s *Session) handleJoinAll(f inboundFrame) {
	convs, err := s.hub.app.ListConversations(s.principal.ID)
	if err != nil {
		s.sendError(f.AckID, "could not load conversations")
		return
	}
	ids := make([]string, 0, len(convs))
	for _, c := range convs {
		s.hub.Subscribe(s, conversationRoom(c.ID))
		ids = append(ids, c.ID)
	}
	s.sendAck(f.AckID, map[string]any{"joined": ids})
}

type conversationRef struct {
	ConversationID string `json:"conversationId"`
}

func (s *Session) handleJoin(f inboundFrame) {
	var req conversationRef
	if err := json.Unmarshal(f.Data, &req); err != nil || req.ConversationID == "" {
		s.sendError(f.AckID, "conversationId required")
		return
	}
	member, err := s.hub.app.IsParticipant(req.ConversationID, s.principal.ID)
	if err != nil || !member {
		s.sendError(f.AckID, "not a participant")
		return
	}
	s.hub.Subscribe(s, conversationRoom(req.ConversationID))
	s.sendAck(f.AckID, map[string]any{"success": true})
}

func (s *Session) handleLeave(f inboundFrame) {
	var req conversationRef
	if err := json.Unmarshal(f.Data, &req); err != nil || req.ConversationID == "" {
		s.sendError(f.AckID, "conversationId required")
		return
	}
	s.hub.Unsubscribe(s, conversationRoom(req.ConversationID))
}

func (s *Session) handleTyping(f inboundFrame) {
	var req struct {
		ConversationID string `json:"conversationId"`
		IsTyping       bool   `json:"isTyping"`
	}
	if err := json.Unmarshal(f.Data, &req); err != nil || req.ConversationID == "" {
		s.sendError(f.AckID, "conversationId required")
		return
	}
	member, err := s.hub.app.IsParticipant(req.ConversationID, s.principal.ID)
	if err != nil || !member {
		s.sendError(f.AckID, "not a participant")
		return
	}
	s.hub.publishExceptUser(conversationRoom(req.ConversationID), s.principal.ID, typingEvent, map[string]any{
		"conversationId": req.ConversationID,
		"userId":         s.principal.ID,
		"userName":       s.principal.DisplayName,
		"isTyping":       req.IsTyping,
	})
	s.sendAck(f.AckID, map[string]any{"success": true})
}

func (s *Session) handleCheckParticipation(f inboundFrame) {
	var req conversationRef
	if err := json.Unmarshal(f.Data, &req); err != nil || req.ConversationID == "" {
		s.sendError(f.AckID, "conversationId required")
		return
	}
	member, err := s.hub.app.IsParticipant(req.ConversationID, s.principal.ID)
	if err != nil && !errors.Is(err, app.ErrNotFound) {
		s.sendError(f.AckID, "could not check participation")
		return
	}
	s.sendAck(f.AckID, map[string]any{"participant": member && err == nil})
}

func (s *Session) handleSend(f inboundFrame) {
	var req struct {
		ConversationID   string `json:"conversationId"`
		Content          string `json:"content"`
		ClientKey        string `json:"clientKey"`
		IsListingInquiry bool   `json:"isListingInquiry"`
	}
	if err := json.Unmarshal(f.Data, &req); err != nil || req.ConversationID == "" {
		s.sendError(f.AckID, "conversationId required")
		return
	}

	msg, conv, err := s.hub.app.AppendMessage(req.ConversationID, s.principal.ID, req.Content, req.ClientKey, req.IsListingInquiry)
	if err != nil {
		// the sender alone learns about the failure
		s.enqueue(Frame{Event: sentEvent, AckID: f.AckID, Data: map[string]any{
			"success": false,
			"error":   sendFailureMessage(err),
		}})
		return
	}

	s.hub.BroadcastMessage(conv, msg)
	s.enqueue(Frame{Event: sentEvent, AckID: f.AckID, Data: map[string]any{
		"success": true,
		"message": msg,
	}})
}

func sendFailureMessage(err error) string {
	switch {
	case errors.Is(err, app.ErrEmptyMessage):
		return "message content required"
	case errors.Is(err, app.ErrNotFound):
		return "conversation not found"
	case errors.Is(err, app.ErrForbidden):
		return "not a participant"
	default:
		return "could not send message"
	}
}
