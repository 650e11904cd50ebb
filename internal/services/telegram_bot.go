package services

import (
	"context"
	"fmt"
	"html"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"brokercrm/internal/models"
)

type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramChannel pushes notifications to linked Telegram chats. Sends are
// throttled to stay under the Bot API flood limit.
type TelegramChannel struct {
	bot     telegramSender
	limiter *rate.Limiter
}

// NewTelegramChannel logs the bot in. The Bot API answers getMe, so an
// invalid token fails here.
func NewTelegramChannel(token string, perSecond float64) (*TelegramChannel, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram login: %w", err)
	}
	return newTelegramChannel(bot, perSecond), nil
}

func newTelegramChannel(bot telegramSender, perSecond float64) *TelegramChannel {
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return &TelegramChannel{bot: bot, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (c *TelegramChannel) Name() string { return "telegram" }

func (c *TelegramChannel) Accepts(u models.User) bool {
	return u.NotifyTelegram && u.TelegramChatID != 0
}

func (c *TelegramChannel) Send(ctx context.Context, u models.User, n models.Notification) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	text := fmt.Sprintf("<b>%s</b>\n%s", html.EscapeString(n.Title), html.EscapeString(n.Body))
	if n.Link != "" {
		text += "\n" + html.EscapeString(n.Link)
	}
	msg := tgbotapi.NewMessage(u.TelegramChatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	if _, err := c.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send to %d: %w", u.TelegramChatID, err)
	}
	return nil
}

// Reply answers a chat the bot was written from. text is HTML.
func (c *TelegramChannel) Reply(ctx context.Context, chatID int64, text string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	if _, err := c.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram reply to %d: %w", chatID, err)
	}
	return nil
}
