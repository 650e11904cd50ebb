package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"brokercrm/internal/apperr"
	"brokercrm/internal/authz"
	"brokercrm/internal/models"
	"brokercrm/internal/repositories"
)

const telegramLinkTTL = 30 * time.Minute

// NotificationService exposes a user's in-app notifications and channel
// preferences.
type NotificationService struct {
	store Store
	now   func() time.Time
}

func NewNotificationService(store Store) *NotificationService {
	return &NotificationService{store: store, now: time.Now}
}

func (s *NotificationService) ListMine(ctx context.Context, actor authz.Actor, limit int) ([]models.Notification, error) {
	if err := authz.Authenticated(actor); err != nil {
		return nil, err
	}
	return s.store.Repos().Notifications.ListByUser(ctx, actor.UserID, limit)
}

// RequestTelegramLink issues a one-time code the user sends to the bot as
// "/link <code>".
func (s *NotificationService) RequestTelegramLink(ctx context.Context, actor authz.Actor) (*models.TelegramLink, error) {
	if err := authz.Authenticated(actor); err != nil {
		return nil, err
	}
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("link code: %w", err)
	}
	link := &models.TelegramLink{
		UserID:    actor.UserID,
		Code:      strings.ToUpper(hex.EncodeToString(buf)),
		ExpiresAt: s.now().Add(telegramLinkTTL),
	}
	if err := s.store.Repos().TelegramLinks.Create(ctx, link); err != nil {
		return nil, err
	}
	return link, nil
}

// LinkByCode consumes a link code and binds the chat to its user.
func (s *NotificationService) LinkByCode(ctx context.Context, code string, chatID int64) (*models.User, error) {
	if chatID == 0 {
		return nil, apperr.Validation("chat id is required")
	}
	var user *models.User
	err := s.store.WithinTx(ctx, func(ctx context.Context, r repositories.Repos) error {
		link, err := r.TelegramLinks.GetByCodeForUpdate(ctx, code)
		if err != nil {
			return err
		}
		if link == nil || link.Used || s.now().After(link.ExpiresAt) {
			return apperr.NotFound("link code is invalid or expired")
		}
		if err := r.TelegramLinks.MarkUsed(ctx, link.ID); err != nil {
			return err
		}
		if err := r.Users.UpdateTelegramLink(ctx, link.UserID, chatID, true); err != nil {
			return err
		}
		user, err = r.Users.GetByID(ctx, link.UserID)
		if err != nil {
			return err
		}
		if user == nil {
			return apperr.NotFound("user not found")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// UserByChat resolves the CRM user bound to a Telegram chat.
func (s *NotificationService) UserByChat(ctx context.Context, chatID int64) (*models.User, error) {
	u, err := s.store.Repos().Users.GetByChatID(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, apperr.NotFound("chat is not linked")
	}
	return u, nil
}

// UnlinkTelegram stops Telegram delivery for the caller.
func (s *NotificationService) UnlinkTelegram(ctx context.Context, actor authz.Actor) error {
	if err := authz.Authenticated(actor); err != nil {
		return err
	}
	return s.store.Repos().Users.UpdateTelegramLink(ctx, actor.UserID, 0, false)
}
