package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"autovision/pkg/domain"
)

const migrateLockID int64 = 52905290

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(
			&PrincipalModel{},
			&ConversationModel{},
			&MessageModel{},
			&NotificationModel{},
		); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				DELETE FROM message_models m
				WHERE NOT EXISTS (SELECT 1 FROM conversation_models c WHERE c.id = m.conversation_id);
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'message_models'
					AND constraint_name = 'message_models_conversation_id_fkey'
				) THEN
					ALTER TABLE message_models
					ADD CONSTRAINT message_models_conversation_id_fkey
					FOREIGN KEY (conversation_id) REFERENCES conversation_models(id) ON DELETE CASCADE;
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure message foreign keys: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// SavePrincipal registers or updates a directory entry.
func (s *GormStore) SavePrincipal(p domain.Principal) error {
	model := principalToModel(p)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"display_name", "email", "role", "updated_at"}),
	}).Create(&model).Error
}

// GetPrincipal returns a directory entry by ID.
func (s *GormStore) GetPrincipal(id string) (domain.Principal, bool, error) {
	var model PrincipalModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Principal{}, false, nil
		}
		return domain.Principal{}, false, err
	}
	return principalFromModel(model), true, nil
}

// GetPrincipals returns directory entries for the given IDs, unordered.
func (s *GormStore) GetPrincipals(ids []string) ([]domain.Principal, error) {
	if len(ids) == 0 {
		return []domain.Principal{}, nil
	}
	var models []PrincipalModel
	if err := s.db.Where("id IN ?", ids).Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Principal, 0, len(models))
	for _, m := range models {
		res = append(res, principalFromModel(m))
	}
	return res, nil
}

// SearchPrincipals matches display name or email case-insensitively,
// excluding admins and the given user.
func (s *GormStore) SearchPrincipals(query, excludeUserID string, limit int) ([]domain.Principal, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []domain.Principal{}, nil
	}
	if limit <= 0 || limit > 50 {
		limit = 20
	}
	pattern := "%" + strings.ToLower(query) + "%"
	var models []PrincipalModel
	if err := s.db.
		Where("role <> ?", string(domain.RoleAdmin)).
		Where("id <> ?", excludeUserID).
		Where("LOWER(display_name) LIKE ? OR LOWER(email) LIKE ?", pattern, pattern).
		Order("display_name ASC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Principal, 0, len(models))
	for _, m := range models {
		res = append(res, principalFromModel(m))
	}
	return res, nil
}

// CreateConversation creates a new conversation record without messages.
func (s *GormStore) CreateConversation(c domain.Conversation) error {
	model, err := conversationToModel(c)
	if err != nil {
		return err
	}
	return s.db.Create(&model).Error
}

// GetConversation returns one conversation with its messages in
// chronological order.
func (s *GormStore) GetConversation(id string) (domain.Conversation, bool, error) {
	var model ConversationModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Conversation{}, false, nil
		}
		return domain.Conversation{}, false, err
	}
	conv, err := conversationFromModel(model)
	if err != nil {
		return domain.Conversation{}, false, err
	}
	msgs, err := s.ListMessages(id)
	if err != nil {
		return domain.Conversation{}, false, err
	}
	conv.Messages = msgs
	return conv, true, nil
}

// FindConversation looks up a conversation by exact participant set. A
// non-empty listingID additionally scopes the lookup.
func (s *GormStore) FindConversation(participantIDs []string, listingID string) (domain.Conversation, bool, error) {
	key := participantsKey(domain.NormalizeParticipants(participantIDs))
	tx := s.db.Where("participants_key = ?", key)
	if listingID != "" {
		tx = tx.Where("listing_id = ?", listingID)
	}
	var model ConversationModel
	if err := tx.Order("created_at ASC").First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Conversation{}, false, nil
		}
		return domain.Conversation{}, false, err
	}
	conv, err := conversationFromModel(model)
	if err != nil {
		return domain.Conversation{}, false, err
	}
	return conv, true, nil
}

// ListConversationsByUser returns every conversation the user participates
// in, most recent activity first. Hidden-for filtering happens in the app.
func (s *GormStore) ListConversationsByUser(userID string) ([]domain.Conversation, error) {
	member, err := json.Marshal([]string{userID})
	if err != nil {
		return nil, err
	}
	var models []ConversationModel
	if err := s.db.
		Where("participant_ids @> ?", datatypes.JSON(member)).
		Order("last_activity DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Conversation, 0, len(models))
	for _, m := range models {
		conv, err := conversationFromModel(m)
		if err != nil {
			return nil, err
		}
		msgs, err := s.ListMessages(conv.ID)
		if err != nil {
			return nil, err
		}
		conv.Messages = msgs
		res = append(res, conv)
	}
	return res, nil
}

// SetHiddenFor replaces the hidden set of a conversation.
func (s *GormStore) SetHiddenFor(conversationID string, hiddenFor []string) error {
	raw, err := json.Marshal(emptyIfNil(hiddenFor))
	if err != nil {
		return err
	}
	return s.db.Model(&ConversationModel{}).
		Where("id = ?", conversationID).
		Update("hidden_for", datatypes.JSON(raw)).Error
}

// TouchConversation bumps lastActivity.
func (s *GormStore) TouchConversation(conversationID string, lastActivity time.Time) error {
	return s.db.Model(&ConversationModel{}).
		Where("id = ?", conversationID).
		Update("last_activity", lastActivity.UTC()).Error
}

// AppendMessage records a message.
func (s *GormStore) AppendMessage(m domain.Message) error {
	model, err := messageToModel(m)
	if err != nil {
		return err
	}
	return s.db.Create(&model).Error
}

// ListMessages returns messages of a conversation in chronological order.
func (s *GormStore) ListMessages(conversationID string) ([]domain.Message, error) {
	var models []MessageModel
	if err := s.db.Where("conversation_id = ?", conversationID).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(models))
	for _, m := range models {
		msg, err := messageFromModel(m)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// UpdateMessageReads persists the readBy sets of the given messages.
func (s *GormStore) UpdateMessageReads(conversationID string, messages []domain.Message) error {
	if len(messages) == 0 {
		return nil
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		for _, msg := range messages {
			raw, err := json.Marshal(emptyIfNil(msg.ReadBy))
			if err != nil {
				return err
			}
			if err := tx.Model(&MessageModel{}).
				Where("id = ? AND conversation_id = ?", msg.ID, conversationID).
				Update("read_by", datatypes.JSON(raw)).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// FindMessageByClientKey resolves a client idempotency key to the message it
// already produced, if any.
func (s *GormStore) FindMessageByClientKey(conversationID, clientKey string) (domain.Message, bool, error) {
	if strings.TrimSpace(clientKey) == "" {
		return domain.Message{}, false, nil
	}
	var model MessageModel
	if err := s.db.
		Where("conversation_id = ? AND client_key = ?", conversationID, clientKey).
		First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Message{}, false, nil
		}
		return domain.Message{}, false, err
	}
	msg, err := messageFromModel(model)
	if err != nil {
		return domain.Message{}, false, err
	}
	return msg, true, nil
}

// CreateNotification stores a notification record.
func (s *GormStore) CreateNotification(n domain.Notification) error {
	model := notificationToModel(n)
	return s.db.Create(&model).Error
}

// GetNotification returns one notification by ID.
func (s *GormStore) GetNotification(id string) (domain.Notification, bool, error) {
	var model NotificationModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Notification{}, false, nil
		}
		return domain.Notification{}, false, err
	}
	return notificationFromModel(model), true, nil
}

// ListNotificationsByUser returns latest notifications of a user.
func (s *GormStore) ListNotificationsByUser(userID string, limit int) ([]domain.Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var models []NotificationModel
	if err := s.db.Where("target_user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Notification, 0, len(models))
	for _, m := range models {
		res = append(res, notificationFromModel(m))
	}
	return res, nil
}

// MarkNotificationRead flips the read flag. Idempotent.
func (s *GormStore) MarkNotificationRead(id string) error {
	return s.db.Model(&NotificationModel{}).
		Where("id = ?", id).
		Update("read", true).Error
}

// MarkAllNotificationsRead flips every unread notification of a user and
// returns the number of affected records.
func (s *GormStore) MarkAllNotificationsRead(userID string) (int64, error) {
	res := s.db.Model(&NotificationModel{}).
		Where("target_user_id = ? AND read = ?", userID, false).
		Update("read", true)
	return res.RowsAffected, res.Error
}

// DeleteNotification removes a notification.
func (s *GormStore) DeleteNotification(id string) error {
	return s.db.Delete(&NotificationModel{}, "id = ?", id).Error
}

func participantsKey(normalized []string) string {
	return strings.Join(normalized, ",")
}

func emptyIfNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

func principalToModel(p domain.Principal) PrincipalModel {
	return PrincipalModel{
		ID:          p.ID,
		DisplayName: p.DisplayName,
		Email:       p.Email,
		Role:        string(p.Role),
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

func principalFromModel(m PrincipalModel) domain.Principal {
	role := domain.Role(m.Role)
	if role == "" {
		role = domain.RoleUser
	}
	return domain.Principal{
		ID:          m.ID,
		DisplayName: m.DisplayName,
		Email:       m.Email,
		Role:        role,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func conversationToModel(c domain.Conversation) (ConversationModel, error) {
	normalized := domain.NormalizeParticipants(c.ParticipantIDs)
	rawParticipants, err := json.Marshal(normalized)
	if err != nil {
		return ConversationModel{}, err
	}
	rawHidden, err := json.Marshal(emptyIfNil(c.HiddenFor))
	if err != nil {
		return ConversationModel{}, err
	}
	return ConversationModel{
		ID:              c.ID,
		ParticipantsKey: participantsKey(normalized),
		ParticipantIDs:  rawParticipants,
		ListingID:       c.ListingID,
		HiddenFor:       rawHidden,
		LastActivity:    c.LastActivity,
		CreatedAt:       c.CreatedAt,
	}, nil
}

func conversationFromModel(m ConversationModel) (domain.Conversation, error) {
	var participants []string
	if len(m.ParticipantIDs) > 0 {
		if err := json.Unmarshal(m.ParticipantIDs, &participants); err != nil {
			return domain.Conversation{}, fmt.Errorf("decode participants: %w", err)
		}
	}
	var hidden []string
	if len(m.HiddenFor) > 0 {
		if err := json.Unmarshal(m.HiddenFor, &hidden); err != nil {
			return domain.Conversation{}, fmt.Errorf("decode hidden set: %w", err)
		}
	}
	return domain.Conversation{
		ID:             m.ID,
		ParticipantIDs: participants,
		ListingID:      m.ListingID,
		HiddenFor:      hidden,
		LastActivity:   m.LastActivity,
		CreatedAt:      m.CreatedAt,
	}, nil
}

func messageToModel(m domain.Message) (MessageModel, error) {
	rawReadBy, err := json.Marshal(emptyIfNil(m.ReadBy))
	if err != nil {
		return MessageModel{}, err
	}
	return MessageModel{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		ReadBy:         rawReadBy,
		ClientKey:      m.ClientKey,
		CreatedAt:      m.CreatedAt,
	}, nil
}

func messageFromModel(m MessageModel) (domain.Message, error) {
	var readBy []string
	if len(m.ReadBy) > 0 {
		if err := json.Unmarshal(m.ReadBy, &readBy); err != nil {
			return domain.Message{}, fmt.Errorf("decode read set: %w", err)
		}
	}
	return domain.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		ReadBy:         readBy,
		ClientKey:      m.ClientKey,
		CreatedAt:      m.CreatedAt,
	}, nil
}

func notificationToModel(n domain.Notification) NotificationModel {
	return NotificationModel{
		ID:             n.ID,
		TargetUserID:   n.TargetUserID,
		Type:           string(n.Type),
		Title:          n.Title,
		Body:           n.Body,
		Read:           n.Read,
		ConversationID: n.ConversationID,
		ListingID:      n.ListingID,
		CreatedAt:      n.CreatedAt,
	}
}

func notificationFromModel(m NotificationModel) domain.Notification {
	return domain.Notification{
		ID:             m.ID,
		TargetUserID:   m.TargetUserID,
		Type:           domain.NotificationType(m.Type),
		Title:          m.Title,
		Body:           m.Body,
		Read:           m.Read,
		ConversationID: m.ConversationID,
		ListingID:      m.ListingID,
		CreatedAt:      m.CreatedAt,
	}
}
