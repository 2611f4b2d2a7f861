package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"autovision/internal/ratelimit"
	"autovision/internal/servicetoken"
	"autovision/internal/usertoken"
	"autovision/internal/util"
	"autovision/pkg/domain"
	"autovision/services/messaging/internal/app"
	"autovision/services/messaging/internal/hub"
)

const rateWindow = time.Minute

// Config wires required dependencies for the HTTP server.
type Config struct {
	App           *app.App
	Hub           *hub.Hub
	TokenVerifier *usertoken.Verifier

	InternalJWTKeyID            string
	InternalJWTPublicKeyPath    string
	InternalJWTVerifyPublicKeys map[string]string

	// Redis-backed write rate limiting. Empty RedisAddr disables it.
	RedisAddr        string
	RedisPassword    string
	MessageRateLimit int

	// Proxy CIDRs allowed to set forwarded headers for client IP resolution.
	TrustedProxies []string
}

// Server exposes HTTP endpoints for the messaging service.
type Server struct {
	app            *app.App
	hub            *hub.Hub
	tokenVerifier  *usertoken.Verifier
	internalVerify *servicetoken.Verifier
	messageLimiter *ratelimit.FixedWindowLimiter
	trustedProxies *util.TrustedProxies
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	s := &Server{
		app:           cfg.App,
		hub:           cfg.Hub,
		tokenVerifier: cfg.TokenVerifier,
		mux:           http.NewServeMux(),
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}
	s.trustedProxies = trusted
	if strings.TrimSpace(cfg.InternalJWTPublicKeyPath) != "" || len(cfg.InternalJWTVerifyPublicKeys) > 0 {
		verifier, err := servicetoken.NewVerifierWithOptions(servicetoken.VerifierOptions{
			PublicKeyPath:      strings.TrimSpace(cfg.InternalJWTPublicKeyPath),
			VerifyPublicKeyMap: cfg.InternalJWTVerifyPublicKeys,
			DefaultKeyID:       cfg.InternalJWTKeyID,
			Audience:           "messaging",
			AllowedIssuers:     []string{"identity-service", "moderation-service"},
			Leeway:             servicetoken.DefaultLeeway,
		})
		if err != nil {
			return nil, err
		}
		s.internalVerify = verifier
	}

	if strings.TrimSpace(cfg.RedisAddr) != "" {
		limit := cfg.MessageRateLimit
		if limit <= 0 {
			limit = 120
		}
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "messaging:send", limit, rateWindow)
		if err != nil {
			return nil, err
		}
		s.messageLimiter = limiter
	}

	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("messaging", util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	if s.hub != nil {
		s.mux.HandleFunc("/ws", s.hub.Handle)
	}

	s.mux.Handle("/conversations", s.withUser(s.handleConversations))
	s.mux.Handle("/conversations/", s.withUser(s.handleConversationByID))
	s.mux.Handle("/users/search", s.withUser(s.handleUserSearch))
	s.mux.Handle("/notifications/", s.withUser(s.handleNotifications))

	s.mux.Handle("/internal/users", s.withInternal(s.handleInternalUsers))
	s.mux.Handle("/internal/moderation/notify", s.withInternal(s.handleModerationNotify))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, domain.Principal)

// withUser authenticates the bearer token and bars admin principals from the
// messaging subsystem.
func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.tokenVerifier == nil {
			writeError(w, http.StatusInternalServerError, "token verifier not configured")
			return
		}
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		principal, err := s.tokenVerifier.VerifyPrincipal(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if principal.Role == domain.RoleAdmin {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, principal)
	})
}

func (s *Server) withInternal(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.internalVerify == nil {
			writeError(w, http.StatusInternalServerError, "internal auth not configured")
			return
		}
		token, ok := servicetoken.BearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if _, err := s.internalVerify.Verify(token); err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	})
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request, principal domain.Principal) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateConversation(w, r, principal)
	case http.MethodGet:
		s.handleListConversations(w, principal)
	default:
		methodNotAllowed(w)
	}
}

type createConversationRequest struct {
	ParticipantIDs []string `json:"participantIds"`
	ListingID      string   `json:"listingId"`
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request, principal domain.Principal) {
	if !s.allowWrite(w, r) {
		return
	}
	var req createConversationRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	conv, err := s.app.CreateOrGetConversation(principal.ID, req.ParticipantIDs, req.ListingID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleListConversations(w http.ResponseWriter, principal domain.Principal) {
	convs, err := s.app.ListConversations(principal.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": convs,
		"count": len(convs),
	})
}

// /conversations/{id} or /conversations/{id}/messages
func (s *Server) handleConversationByID(w http.ResponseWriter, r *http.Request, principal domain.Principal) {
	path := strings.TrimPrefix(r.URL.Path, "/conversations/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		notFound(w, "not found")
		return
	}
	if len(parts) == 2 {
		if parts[1] != "messages" {
			notFound(w, "not found")
			return
		}
		s.handleSendMessage(w, r, principal, id)
		return
	}

	switch r.Method {
	case http.MethodGet:
		conv, err := s.app.GetConversation(id, principal.ID)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, conv)
	case http.MethodDelete:
		if err := s.app.HideConversation(id, principal.ID); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "hidden"})
	default:
		methodNotAllowed(w)
	}
}

type sendMessageRequest struct {
	Content          string `json:"content"`
	ClientKey        string `json:"clientKey"`
	IsListingInquiry bool   `json:"isListingInquiry"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, principal domain.Principal, conversationID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowWrite(w, r) {
		return
	}
	var req sendMessageRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	msg, conv, err := s.app.AppendMessage(conversationID, principal.ID, req.Content, req.ClientKey, req.IsListingInquiry)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if s.hub != nil {
		s.hub.BroadcastMessage(conv, msg)
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleUserSearch(w http.ResponseWriter, r *http.Request, principal domain.Principal) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	query := strings.TrimSpace(r.URL.Query().Get("query"))
	if query == "" {
		// legacy clients send q
		query = strings.TrimSpace(r.URL.Query().Get("q"))
	}
	if query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	results, err := s.app.SearchCandidates(query, principal.ID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": results,
		"count": len(results),
	})
}

// /notifications/user/{id}, /notifications/user/{id}/read-all,
// /notifications/{id}/read, /notifications/{id}
func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request, principal domain.Principal) {
	path := strings.TrimPrefix(r.URL.Path, "/notifications/")
	parts := strings.Split(path, "/")

	if parts[0] == "user" {
		if len(parts) < 2 || parts[1] == "" {
			notFound(w, "not found")
			return
		}
		userID := parts[1]
		switch {
		case len(parts) == 2 && r.Method == http.MethodGet:
			if userID != principal.ID {
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			items, err := s.app.ListNotifications(userID, limit)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "internal error")
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"items": items,
				"count": len(items),
			})
		case len(parts) == 3 && parts[2] == "read-all" && r.Method == http.MethodPut:
			affected, err := s.app.MarkAllNotificationsRead(userID, principal.ID)
			if err != nil {
				writeAppError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"updated": affected})
		default:
			notFound(w, "not found")
		}
		return
	}

	id := parts[0]
	if id == "" {
		notFound(w, "not found")
		return
	}
	switch {
	case len(parts) == 2 && parts[1] == "read" && r.Method == http.MethodPut:
		if err := s.app.MarkNotificationRead(id, principal.ID); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "read"})
	case len(parts) == 1 && r.Method == http.MethodDelete:
		if err := s.app.DeleteNotification(id, principal.ID); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		notFound(w, "not found")
	}
}

type internalUserRequest struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	Role        string `json:"role"`
}

// handleInternalUsers syncs a principal directory entry from the identity
// provider.
func (s *Server) handleInternalUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req internalUserRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	err := s.app.UpsertPrincipal(domain.Principal{
		ID:          req.ID,
		DisplayName: req.DisplayName,
		Email:       req.Email,
		Role:        domain.Role(strings.ToLower(strings.TrimSpace(req.Role))),
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "synced"})
}

type moderationNotifyRequest struct {
	OwnerID   string `json:"ownerId"`
	ListingID string `json:"listingId"`
	Reason    string `json:"reason"`
	Details   string `json:"details"`
}

func (s *Server) handleModerationNotify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req moderationNotifyRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	n, err := s.app.NotifyListingRemoved(req.OwnerID, req.ListingID, req.Reason, req.Details)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

// allowWrite applies the per-client fixed-window rate limit to write paths.
func (s *Server) allowWrite(w http.ResponseWriter, r *http.Request) bool {
	if s.messageLimiter == nil {
		return true
	}
	key := r.URL.Path + "|" + util.ClientIP(r, s.trustedProxies)
	if s.messageLimiter.Allow(key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, "too many requests")
	return false
}

func writeAppError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrInvalidParticipant):
		writeError(w, http.StatusBadRequest, "invalid participant")
	case errors.Is(err, app.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, "message content required")
	case errors.Is(err, app.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, app.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, app.ErrAlreadyHidden):
		writeError(w, http.StatusConflict, "conversation already hidden")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      errorCodeForMessaging(status, msg),
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

func errorCodeForMessaging(status int, msg string) string {
	message := strings.ToLower(strings.TrimSpace(msg))
	switch {
	case message == "token verifier not configured", message == "internal auth not configured":
		return "SYSTEM_INTERNAL_ERROR"
	case message == "unauthorized":
		return "AUTH_INVALID_TOKEN"
	case message == "forbidden":
		return "MESSAGING_FORBIDDEN"
	case message == "invalid participant":
		return "MESSAGING_INVALID_PARTICIPANT"
	case message == "message content required":
		return "MESSAGING_EMPTY_MESSAGE"
	case message == "conversation already hidden":
		return "MESSAGING_ALREADY_HIDDEN"
	case message == "too many requests":
		return "MESSAGING_RATE_LIMITED"
	case message == "invalid json body":
		return "MESSAGING_INVALID_REQUEST"
	case message == "query is required":
		return "MESSAGING_INVALID_REQUEST"
	case message == "method not allowed":
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case message == "not found":
		return "MESSAGING_NOT_FOUND"
	}

	switch status {
	case http.StatusBadRequest:
		return "MESSAGING_INVALID_REQUEST"
	case http.StatusUnauthorized:
		return "AUTH_INVALID_TOKEN"
	case http.StatusForbidden:
		return "MESSAGING_FORBIDDEN"
	case http.StatusNotFound:
		return "MESSAGING_NOT_FOUND"
	case http.StatusConflict:
		return "MESSAGING_ALREADY_HIDDEN"
	case http.StatusMethodNotAllowed:
		return "SYSTEM_METHOD_NOT_ALLOWED"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "REQUEST_ERROR"
	}
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}
