package store

import (
	"errors"
	"time"

	"autovision/pkg/domain"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store defines persistence operations for the messaging core: the principal
// directory synced from the identity provider, conversations with their
// messages, and notifications.
//
// The store is deliberately dumb: visibility rules, participant checks, and
// per-conversation serialization live in the app layer.
type Store interface {
	// principal directory
	SavePrincipal(p domain.Principal) error
	GetPrincipal(id string) (domain.Principal, bool, error)
	GetPrincipals(ids []string) ([]domain.Principal, error)
	SearchPrincipals(query, excludeUserID string, limit int) ([]domain.Principal, error)

	// conversations
	CreateConversation(c domain.Conversation) error
	GetConversation(id string) (domain.Conversation, bool, error)
	FindConversation(participantIDs []string, listingID string) (domain.Conversation, bool, error)
	ListConversationsByUser(userID string) ([]domain.Conversation, error)
	SetHiddenFor(conversationID string, hiddenFor []string) error
	TouchConversation(conversationID string, lastActivity time.Time) error

	// messages
	AppendMessage(m domain.Message) error
	ListMessages(conversationID string) ([]domain.Message, error)
	UpdateMessageReads(conversationID string, messages []domain.Message) error
	FindMessageByClientKey(conversationID, clientKey string) (domain.Message, bool, error)

	// notifications
	CreateNotification(n domain.Notification) error
	GetNotification(id string) (domain.Notification, bool, error)
	ListNotificationsByUser(userID string, limit int) ([]domain.Notification, error)
	MarkNotificationRead(id string) error
	MarkAllNotificationsRead(userID string) (int64, error)
	DeleteNotification(id string) error
}
