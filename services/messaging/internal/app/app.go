package app

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"autovision/pkg/domain"
	"autovision/pkg/store"
)

// Config holds runtime configuration for the messaging core.
type Config struct {
	DatabaseURL string
	Store       store.Store
	Pusher      Pusher
}

// Pusher delivers events to a user's live sessions. Delivery is best-effort;
// offline users simply miss the push.
type Pusher interface {
	PushToUser(userID, event string, payload any)
}

// noopPusher is used until a transport hub is attached.
type noopPusher struct{}

func (noopPusher) PushToUser(string, string, any) {}

// App owns the conversation and notification business rules. All mutations
// of a single conversation are serialized through a per-conversation lock.
type App struct {
	store  store.Store
	pusher Pusher

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New constructs the application with database-backed storage.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}
	pusher := cfg.Pusher
	if pusher == nil {
		pusher = noopPusher{}
	}
	return &App{
		store:  dataStore,
		pusher: pusher,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// SetPusher attaches the live-session pusher. Called once at wiring time,
// before any traffic.
func (a *App) SetPusher(p Pusher) {
	if p != nil {
		a.pusher = p
	}
}

// lockKey serializes all callers sharing the same key. Distinct keys proceed
// in parallel.
func (a *App) lockKey(key string) func() {
	a.mu.Lock()
	l, ok := a.locks[key]
	if !ok {
		l = &sync.Mutex{}
		a.locks[key] = l
	}
	a.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// UpsertPrincipal syncs a directory entry from the identity provider.
func (a *App) UpsertPrincipal(p domain.Principal) error {
	p.ID = strings.TrimSpace(p.ID)
	p.DisplayName = strings.TrimSpace(p.DisplayName)
	p.Email = strings.TrimSpace(p.Email)
	if p.ID == "" || p.Email == "" {
		return fmt.Errorf("principal id and email required")
	}
	if p.Role != domain.RoleAdmin {
		p.Role = domain.RoleUser
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	return a.store.SavePrincipal(p)
}

// GetPrincipal returns a directory entry.
func (a *App) GetPrincipal(id string) (domain.Principal, bool, error) {
	return a.store.GetPrincipal(id)
}

// SearchCandidates finds messaging partners by display name or email
// substring, excluding admins and the requesting user.
func (a *App) SearchCandidates(query, excludeUserID string, limit int) ([]domain.Principal, error) {
	return a.store.SearchPrincipals(query, excludeUserID, limit)
}

// CreateOrGetConversation returns the unique conversation for the given
// participant set, creating it when absent. A supplied listingID scopes
// uniqueness to (participant set, listing). Finding an existing conversation
// hidden for the requester unhides it for the requester only.
func (a *App) CreateOrGetConversation(requesterID string, otherParticipantIDs []string, listingID string) (domain.Conversation, error) {
	listingID = strings.TrimSpace(listingID)
	all := append([]string{requesterID}, otherParticipantIDs...)
	participants := domain.NormalizeParticipants(all)
	if len(participants) < 2 {
		return domain.Conversation{}, ErrInvalidParticipant
	}
	resolved, err := a.resolveParticipants(participants)
	if err != nil {
		return domain.Conversation{}, err
	}

	// Serialize same-set creations so a concurrent pair cannot both insert.
	unlock := a.lockKey("set:" + strings.Join(participants, ",") + ":" + listingID)
	defer unlock()

	conv, found, err := a.store.FindConversation(participants, listingID)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("find conversation: %w", err)
	}
	if found {
		conv, err = a.unhideForRequester(conv.ID, requesterID)
		if err != nil {
			return domain.Conversation{}, err
		}
		conv.Participants = resolved
		a.decorate(&conv, requesterID)
		return conv, nil
	}

	now := time.Now().UTC()
	conv = domain.Conversation{
		ID:             uuid.NewString(),
		ParticipantIDs: participants,
		ListingID:      listingID,
		LastActivity:   now,
		CreatedAt:      now,
	}
	if err := a.store.CreateConversation(conv); err != nil {
		return domain.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	conv.Participants = resolved
	return conv, nil
}

// unhideForRequester clears the requester's hidden flag under the
// conversation lock. Hide and unhide share that lock, so a hide committed by
// another participant after the set-level lookup is never overwritten with
// stale state.
func (a *App) unhideForRequester(conversationID, requesterID string) (domain.Conversation, error) {
	unlock := a.lockKey(conversationID)
	defer unlock()

	conv, ok, err := a.store.GetConversation(conversationID)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("load conversation: %w", err)
	}
	if !ok {
		return domain.Conversation{}, ErrNotFound
	}
	if conv.UnhideFor(requesterID) {
		if err := a.store.SetHiddenFor(conv.ID, conv.HiddenFor); err != nil {
			return domain.Conversation{}, fmt.Errorf("unhide conversation: %w", err)
		}
	}
	return conv, nil
}

// ListConversations returns the requester's visible conversations, most
// recent activity first.
func (a *App) ListConversations(userID string) ([]domain.Conversation, error) {
	convs, err := a.store.ListConversationsByUser(userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	visible := make([]domain.Conversation, 0, len(convs))
	for _, conv := range convs {
		if conv.IsHiddenFor(userID) {
			continue
		}
		participants, err := a.resolveParticipants(conv.ParticipantIDs)
		if err != nil && !errors.Is(err, ErrInvalidParticipant) {
			return nil, err
		}
		conv.Participants = participants
		a.decorate(&conv, userID)
		visible = append(visible, conv)
	}
	return visible, nil
}

// GetConversation fetches one conversation for the requester and marks every
// message as read by them. Hidden-for-requester is reported as not found.
func (a *App) GetConversation(conversationID, requesterID string) (domain.Conversation, error) {
	unlock := a.lockKey(conversationID)
	defer unlock()

	conv, ok, err := a.store.GetConversation(conversationID)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("load conversation: %w", err)
	}
	if !ok {
		return domain.Conversation{}, ErrNotFound
	}
	if !conv.HasParticipant(requesterID) {
		return domain.Conversation{}, ErrForbidden
	}
	if conv.IsHiddenFor(requesterID) {
		return domain.Conversation{}, ErrNotFound
	}

	changed := make([]domain.Message, 0)
	for i := range conv.Messages {
		if conv.Messages[i].MarkReadBy(requesterID) {
			changed = append(changed, conv.Messages[i])
		}
	}
	if len(changed) > 0 {
		if err := a.store.UpdateMessageReads(conversationID, changed); err != nil {
			return domain.Conversation{}, fmt.Errorf("mark messages read: %w", err)
		}
	}

	participants, err := a.resolveParticipants(conv.ParticipantIDs)
	if err != nil && !errors.Is(err, ErrInvalidParticipant) {
		return domain.Conversation{}, err
	}
	conv.Participants = participants
	a.decorate(&conv, requesterID)
	return conv, nil
}

// AppendMessage appends a message to a conversation, bumps lastActivity,
// unhides the conversation for every participant, and fans out notifications
// to the other participants. The clientKey, when non-empty, makes retried
// sends idempotent. listingInquiry tags the fan-out as a listing inquiry.
func (a *App) AppendMessage(conversationID, senderID, content, clientKey string, listingInquiry bool) (domain.Message, domain.Conversation, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return domain.Message{}, domain.Conversation{}, ErrEmptyMessage
	}

	unlock := a.lockKey(conversationID)

	conv, ok, err := a.store.GetConversation(conversationID)
	if err != nil {
		unlock()
		return domain.Message{}, domain.Conversation{}, fmt.Errorf("load conversation: %w", err)
	}
	if !ok {
		unlock()
		return domain.Message{}, domain.Conversation{}, ErrNotFound
	}
	if !conv.HasParticipant(senderID) {
		unlock()
		return domain.Message{}, domain.Conversation{}, ErrForbidden
	}

	if clientKey != "" {
		if existing, found, err := a.store.FindMessageByClientKey(conversationID, clientKey); err != nil {
			unlock()
			return domain.Message{}, domain.Conversation{}, fmt.Errorf("check idempotency key: %w", err)
		} else if found {
			unlock()
			existing.SenderName = a.displayName(existing.SenderID)
			return existing, conv, nil
		}
	}

	now := time.Now().UTC()
	msg := domain.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		ReadBy:         []string{senderID},
		ClientKey:      clientKey,
		CreatedAt:      now,
	}
	if err := a.store.AppendMessage(msg); err != nil {
		unlock()
		return domain.Message{}, domain.Conversation{}, fmt.Errorf("append message: %w", err)
	}
	if err := a.store.TouchConversation(conversationID, now); err != nil {
		unlock()
		return domain.Message{}, domain.Conversation{}, fmt.Errorf("touch conversation: %w", err)
	}
	if len(conv.HiddenFor) > 0 {
		conv.UnhideAll()
		if err := a.store.SetHiddenFor(conversationID, nil); err != nil {
			unlock()
			return domain.Message{}, domain.Conversation{}, fmt.Errorf("unhide conversation: %w", err)
		}
	}
	conv.LastActivity = now
	unlock()

	msg.SenderName = a.displayName(senderID)
	if err := a.notifyNewMessage(conv, msg, listingInquiry); err != nil {
		// Notification fan-out must not fail the committed append.
		return msg, conv, nil
	}
	return msg, conv, nil
}

// HideConversation soft-deletes a conversation for one participant.
func (a *App) HideConversation(conversationID, userID string) error {
	unlock := a.lockKey(conversationID)
	defer unlock()

	conv, ok, err := a.store.GetConversation(conversationID)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	if !ok {
		return ErrNotFound
	}
	if !conv.HasParticipant(userID) {
		return ErrForbidden
	}
	if !conv.HideFor(userID) {
		return ErrAlreadyHidden
	}
	if err := a.store.SetHiddenFor(conversationID, conv.HiddenFor); err != nil {
		return fmt.Errorf("hide conversation: %w", err)
	}
	return nil
}

// IsParticipant reports conversation membership without any side effects.
func (a *App) IsParticipant(conversationID, userID string) (bool, error) {
	conv, ok, err := a.store.GetConversation(conversationID)
	if err != nil {
		return false, fmt.Errorf("load conversation: %w", err)
	}
	if !ok {
		return false, ErrNotFound
	}
	return conv.HasParticipant(userID), nil
}

// resolveParticipants expands participant ids into directory entries. Every
// id must resolve to an existing non-admin principal.
func (a *App) resolveParticipants(ids []string) ([]domain.Principal, error) {
	principals, err := a.store.GetPrincipals(ids)
	if err != nil {
		return nil, fmt.Errorf("resolve participants: %w", err)
	}
	byID := make(map[string]domain.Principal, len(principals))
	for _, p := range principals {
		byID[p.ID] = p
	}
	resolved := make([]domain.Principal, 0, len(ids))
	for _, id := range ids {
		p, ok := byID[id]
		if !ok || p.Role == domain.RoleAdmin {
			return nil, ErrInvalidParticipant
		}
		resolved = append(resolved, p)
	}
	return resolved, nil
}

func (a *App) displayName(userID string) string {
	p, ok, err := a.store.GetPrincipal(userID)
	if err != nil || !ok {
		return ""
	}
	return p.DisplayName
}

// decorate fills requester-relative fields: unread count and sender names.
func (a *App) decorate(conv *domain.Conversation, requesterID string) {
	unread := 0
	names := make(map[string]string, len(conv.Participants))
	for _, p := range conv.Participants {
		names[p.ID] = p.DisplayName
	}
	for i := range conv.Messages {
		conv.Messages[i].SenderName = names[conv.Messages[i].SenderID]
		if !conv.Messages[i].ReadByUser(requesterID) {
			unread++
		}
	}
	conv.UnreadCount = unread
}
