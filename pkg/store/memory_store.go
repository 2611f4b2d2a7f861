package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"autovision/pkg/domain"
)

// MemoryStore keeps all records in-process. It backs tests and single-node
// dev runs; production uses GormStore.
type MemoryStore struct {
	mu            sync.RWMutex
	principals    map[string]domain.Principal
	conversations map[string]domain.Conversation
	messages      map[string][]domain.Message // conversation ID -> chronological messages
	notifications map[string]domain.Notification
	notifOrder    []string
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		principals:    make(map[string]domain.Principal),
		conversations: make(map[string]domain.Conversation),
		messages:      make(map[string][]domain.Message),
		notifications: make(map[string]domain.Notification),
	}
}

func (m *MemoryStore) SavePrincipal(p domain.Principal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.principals[p.ID] = p
	return nil
}

func (m *MemoryStore) GetPrincipal(id string) (domain.Principal, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.principals[id]
	return p, ok, nil
}

func (m *MemoryStore) GetPrincipals(ids []string) ([]domain.Principal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Principal, 0, len(ids))
	for _, id := range ids {
		if p, ok := m.principals[id]; ok {
			res = append(res, p)
		}
	}
	return res, nil
}

func (m *MemoryStore) SearchPrincipals(query, excludeUserID string, limit int) ([]domain.Principal, error) {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return []domain.Principal{}, nil
	}
	if limit <= 0 || limit > 50 {
		limit = 20
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Principal, 0, limit)
	for _, p := range m.principals {
		if p.ID == excludeUserID || p.Role == domain.RoleAdmin {
			continue
		}
		if strings.Contains(strings.ToLower(p.DisplayName), query) ||
			strings.Contains(strings.ToLower(p.Email), query) {
			res = append(res, p)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].DisplayName < res[j].DisplayName })
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (m *MemoryStore) CreateConversation(c domain.Conversation) error {
	c.ParticipantIDs = domain.NormalizeParticipants(c.ParticipantIDs)
	c.Messages = nil
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations[c.ID] = c
	return nil
}

func (m *MemoryStore) GetConversation(id string) (domain.Conversation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[id]
	if !ok {
		return domain.Conversation{}, false, nil
	}
	c.Messages = copyMessages(m.messages[id])
	return c, true, nil
}

func (m *MemoryStore) FindConversation(participantIDs []string, listingID string) (domain.Conversation, bool, error) {
	want := domain.NormalizeParticipants(participantIDs)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		best  domain.Conversation
		found bool
	)
	for _, c := range m.conversations {
		if !domain.SameParticipants(c.ParticipantIDs, want) {
			continue
		}
		if listingID != "" && c.ListingID != listingID {
			continue
		}
		if !found || c.CreatedAt.Before(best.CreatedAt) {
			best = c
			found = true
		}
	}
	if !found {
		return domain.Conversation{}, false, nil
	}
	best.Messages = copyMessages(m.messages[best.ID])
	return best, true, nil
}

func (m *MemoryStore) ListConversationsByUser(userID string) ([]domain.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Conversation, 0)
	for _, c := range m.conversations {
		if !c.HasParticipant(userID) {
			continue
		}
		c.Messages = copyMessages(m.messages[c.ID])
		res = append(res, c)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].LastActivity.After(res[j].LastActivity) })
	return res, nil
}

func (m *MemoryStore) SetHiddenFor(conversationID string, hiddenFor []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	c.HiddenFor = append([]string(nil), hiddenFor...)
	m.conversations[conversationID] = c
	return nil
}

func (m *MemoryStore) TouchConversation(conversationID string, lastActivity time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	c.LastActivity = lastActivity
	m.conversations[conversationID] = c
	return nil
}

func (m *MemoryStore) AppendMessage(msg domain.Message) error {
	msg.ReadBy = append([]string(nil), msg.ReadBy...)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conversations[msg.ConversationID]; !ok {
		return ErrNotFound
	}
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], msg)
	return nil
}

func (m *MemoryStore) ListMessages(conversationID string) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyMessages(m.messages[conversationID]), nil
}

func (m *MemoryStore) UpdateMessageReads(conversationID string, messages []domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := m.messages[conversationID]
	for _, update := range messages {
		for i := range stored {
			if stored[i].ID == update.ID {
				stored[i].ReadBy = append([]string(nil), update.ReadBy...)
				break
			}
		}
	}
	return nil
}

func (m *MemoryStore) FindMessageByClientKey(conversationID, clientKey string) (domain.Message, bool, error) {
	if strings.TrimSpace(clientKey) == "" {
		return domain.Message{}, false, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, msg := range m.messages[conversationID] {
		if msg.ClientKey == clientKey {
			msg.ReadBy = append([]string(nil), msg.ReadBy...)
			return msg, true, nil
		}
	}
	return domain.Message{}, false, nil
}

func (m *MemoryStore) CreateNotification(n domain.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.notifications[n.ID]; !exists {
		m.notifOrder = append(m.notifOrder, n.ID)
	}
	m.notifications[n.ID] = n
	return nil
}

func (m *MemoryStore) GetNotification(id string) (domain.Notification, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.notifications[id]
	return n, ok, nil
}

func (m *MemoryStore) ListNotificationsByUser(userID string, limit int) ([]domain.Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Notification, 0)
	for i := len(m.notifOrder) - 1; i >= 0 && len(res) < limit; i-- {
		n, ok := m.notifications[m.notifOrder[i]]
		if ok && n.TargetUserID == userID {
			res = append(res, n)
		}
	}
	return res, nil
}

func (m *MemoryStore) MarkNotificationRead(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok {
		return ErrNotFound
	}
	n.Read = true
	m.notifications[id] = n
	return nil
}

func (m *MemoryStore) MarkAllNotificationsRead(userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var affected int64
	for id, n := range m.notifications {
		if n.TargetUserID == userID && !n.Read {
			n.Read = true
			m.notifications[id] = n
			affected++
		}
	}
	return affected, nil
}

func (m *MemoryStore) DeleteNotification(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.notifications, id)
	return nil
}

func copyMessages(msgs []domain.Message) []domain.Message {
	out := make([]domain.Message, len(msgs))
	copy(out, msgs)
	for i := range out {
		out[i].ReadBy = append([]string(nil), out[i].ReadBy...)
	}
	return out
}
