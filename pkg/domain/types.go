package domain

import (
	"sort"
	"strings"
	"time"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

type NotificationType string

const (
	NotificationMessage NotificationType = "message"
	NotificationInfo    NotificationType = "info"
	NotificationWarning NotificationType = "warning"
	NotificationSuccess NotificationType = "success"
)

// Principal is an authenticated identity issued by the identity provider.
// The messaging core treats it as immutable.
type Principal struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	Email       string    `json:"email"`
	Role        Role      `json:"role"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Message belongs exclusively to its parent conversation. ReadBy only grows.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	SenderName     string    `json:"senderName,omitempty"`
	Content        string    `json:"content"`
	ReadBy         []string  `json:"readBy"`
	ClientKey      string    `json:"-"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ReadByUser reports whether userID already saw the message.
func (m Message) ReadByUser(userID string) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

// MarkReadBy appends userID to ReadBy unless already present.
func (m *Message) MarkReadBy(userID string) bool {
	if m.ReadByUser(userID) {
		return false
	}
	m.ReadBy = append(m.ReadBy, userID)
	return true
}

// Conversation is a persistent thread among a fixed non-admin participant set.
type Conversation struct {
	ID             string      `json:"id"`
	ParticipantIDs []string    `json:"participantIds"`
	Participants   []Principal `json:"participants,omitempty"`
	ListingID      string      `json:"listingId,omitempty"`
	HiddenFor      []string    `json:"-"`
	Messages       []Message   `json:"messages,omitempty"`
	UnreadCount    int         `json:"unreadCount"`
	LastActivity   time.Time   `json:"lastActivity"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// HasParticipant reports whether userID belongs to the conversation.
func (c Conversation) HasParticipant(userID string) bool {
	for _, id := range c.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// IsHiddenFor reports whether the conversation is soft-deleted for userID.
func (c Conversation) IsHiddenFor(userID string) bool {
	for _, id := range c.HiddenFor {
		if id == userID {
			return true
		}
	}
	return false
}

// HideFor adds userID to the hidden set. Returns false when already hidden.
func (c *Conversation) HideFor(userID string) bool {
	if c.IsHiddenFor(userID) {
		return false
	}
	c.HiddenFor = append(c.HiddenFor, userID)
	return true
}

// UnhideFor removes userID from the hidden set.
func (c *Conversation) UnhideFor(userID string) bool {
	for i, id := range c.HiddenFor {
		if id == userID {
			c.HiddenFor = append(c.HiddenFor[:i], c.HiddenFor[i+1:]...)
			return true
		}
	}
	return false
}

// UnhideAll clears the hidden set. A new message resurfaces the conversation
// for every participant.
func (c *Conversation) UnhideAll() {
	c.HiddenFor = nil
}

// NormalizeParticipants sorts and deduplicates a participant id set. The
// order carries no meaning beyond making exact-set lookups possible.
func NormalizeParticipants(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, raw := range ids {
		id := strings.TrimSpace(raw)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SameParticipants compares two normalized participant sets.
func SameParticipants(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Notification is created by the fan-out and mutated only by the read flag.
type Notification struct {
	ID             string           `json:"id"`
	TargetUserID   string           `json:"targetUserId"`
	Type           NotificationType `json:"type"`
	Title          string           `json:"title"`
	Body           string           `json:"body"`
	Read           bool             `json:"read"`
	ConversationID string           `json:"conversationId,omitempty"`
	ListingID      string           `json:"listingId,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
}
