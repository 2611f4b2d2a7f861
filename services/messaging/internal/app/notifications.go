package app

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"autovision/pkg/domain"
)

const (
	// EventNewNotification is the transport event name for notification push.
	EventNewNotification = "new-notification"

	newMessageTitle     = "New Message"
	newInquiryTitle     = "New Inquiry"
	listingRemovedTitle = "Listing Removed"
)

// notifyNewMessage persists a message notification for every participant
// except the sender, then pushes to their live sessions. Persistence failures
// are returned; push is best-effort.
func (a *App) notifyNewMessage(conv domain.Conversation, msg domain.Message, listingInquiry bool) error {
	sender := msg.SenderName
	if sender == "" {
		sender = "A user"
	}
	title := newMessageTitle
	body := fmt.Sprintf("%s sent you a message", sender)
	if listingInquiry {
		title = newInquiryTitle
		body = fmt.Sprintf("%s sent you an inquiry about your listing", sender)
	}

	var g errgroup.Group
	for _, participantID := range conv.ParticipantIDs {
		if participantID == msg.SenderID {
			continue
		}
		targetID := participantID
		g.Go(func() error {
			n := domain.Notification{
				ID:             uuid.NewString(),
				TargetUserID:   targetID,
				Type:           domain.NotificationMessage,
				Title:          title,
				Body:           body,
				ConversationID: conv.ID,
				ListingID:      conv.ListingID,
				CreatedAt:      time.Now().UTC(),
			}
			if err := a.store.CreateNotification(n); err != nil {
				return fmt.Errorf("create notification for %s: %w", targetID, err)
			}
			a.pusher.PushToUser(targetID, EventNewNotification, n)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		slog.Warn("message notification fan-out incomplete", "conversation_id", conv.ID, "err", err)
		return err
	}
	return nil
}

// NotifyListingRemoved creates a moderation warning for a listing owner and
// pushes it when the owner is online. It has no conversation precondition.
func (a *App) NotifyListingRemoved(ownerID, listingID, reason, details string) (domain.Notification, error) {
	ownerID = strings.TrimSpace(ownerID)
	listingID = strings.TrimSpace(listingID)
	if ownerID == "" || listingID == "" {
		return domain.Notification{}, fmt.Errorf("owner id and listing id required")
	}
	body := strings.TrimSpace(reason)
	if body == "" {
		body = "Your listing was removed for a policy violation"
	}
	if d := strings.TrimSpace(details); d != "" {
		body += ": " + d
	}
	n := domain.Notification{
		ID:           uuid.NewString(),
		TargetUserID: ownerID,
		Type:         domain.NotificationWarning,
		Title:        listingRemovedTitle,
		Body:         body,
		ListingID:    listingID,
		CreatedAt:    time.Now().UTC(),
	}
	if err := a.store.CreateNotification(n); err != nil {
		return domain.Notification{}, fmt.Errorf("create moderation notification: %w", err)
	}
	a.pusher.PushToUser(ownerID, EventNewNotification, n)
	return n, nil
}

// ListNotifications returns the newest notifications of a user.
func (a *App) ListNotifications(userID string, limit int) ([]domain.Notification, error) {
	items, err := a.store.ListNotificationsByUser(userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return items, nil
}

// MarkNotificationRead flips the read flag once; repeat calls are no-ops.
func (a *App) MarkNotificationRead(notificationID, requesterID string) error {
	n, ok, err := a.store.GetNotification(notificationID)
	if err != nil {
		return fmt.Errorf("load notification: %w", err)
	}
	if !ok {
		return ErrNotFound
	}
	if n.TargetUserID != requesterID {
		return ErrForbidden
	}
	if n.Read {
		return nil
	}
	return a.store.MarkNotificationRead(notificationID)
}

// MarkAllNotificationsRead marks every unread notification of userID and
// returns the number affected. Only the owner may do this.
func (a *App) MarkAllNotificationsRead(userID, requesterID string) (int64, error) {
	if userID != requesterID {
		return 0, ErrForbidden
	}
	affected, err := a.store.MarkAllNotificationsRead(userID)
	if err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}
	return affected, nil
}

// DeleteNotification removes one notification owned by the requester.
func (a *App) DeleteNotification(notificationID, requesterID string) error {
	n, ok, err := a.store.GetNotification(notificationID)
	if err != nil {
		return fmt.Errorf("load notification: %w", err)
	}
	if !ok {
		return ErrNotFound
	}
	if n.TargetUserID != requesterID {
		return ErrForbidden
	}
	return a.store.DeleteNotification(notificationID)
}
