package handlers

import (
	"context"
	"crypto/subtle"
	"fmt"
	"html"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/gin-gonic/gin"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"brokercrm/internal/authz"
	"brokercrm/internal/logger"
	"brokercrm/internal/models"
)

const (
	telegramSecretHeader = "X-Telegram-Bot-Api-Secret-Token"
	digestLimit          = 10
)

type TelegramReplier interface {
	Reply(ctx context.Context, chatID int64, text string) error
}

type TelegramLinker interface {
	LinkByCode(ctx context.Context, code string, chatID int64) (*models.User, error)
	UserByChat(ctx context.Context, chatID int64) (*models.User, error)
}

type leadLister interface {
	List(ctx context.Context, actor authz.Actor, f models.LeadFilter) ([]models.Leads, error)
}

// IntegrationsHandler serves the Telegram bot webhook.
type IntegrationsHandler struct {
	Bot    TelegramReplier
	Links  TelegramLinker
	Leads  leadLister
	Secret string
	now    func() time.Time
}

func NewIntegrationsHandler(bot TelegramReplier, links TelegramLinker, leads leadLister, secret string) *IntegrationsHandler {
	return &IntegrationsHandler{Bot: bot, Links: links, Leads: leads, Secret: secret, now: time.Now}
}

func normalizeLinkCode(s string) (string, bool) {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "\"'`<>.,;:()[]{}\\")
	s = strings.ToUpper(strings.TrimSpace(s))

	var b strings.Builder
	for _, r := range s {
		if unicode.Is(unicode.Hex_Digit, r) {
			b.WriteRune(r)
		}
	}
	code := b.String()
	if len(code) != 32 {
		return "", false
	}
	return code, true
}

// Webhook godoc
// @Summary  Telegram bot updates
// @Tags     integrations
// @Accept   json
// @Success  200
// @Router   /integrations/telegram/webhook [post]
func (h *IntegrationsHandler) Webhook(c *gin.Context) {
	if h.Secret != "" && subtle.ConstantTimeCompare([]byte(c.GetHeader(telegramSecretHeader)), []byte(h.Secret)) != 1 {
		c.Status(http.StatusUnauthorized)
		return
	}
	log := logger.FromContext(c.Request.Context(), zerolog.Nop())

	// Telegram retries non-2xx answers, so bad updates are acknowledged.
	var up tgbotapi.Update
	if err := c.ShouldBindJSON(&up); err != nil || up.Message == nil || up.Message.Chat == nil {
		c.Status(http.StatusOK)
		return
	}

	ctx := c.Request.Context()
	text := strings.TrimSpace(up.Message.Text)
	chatID := up.Message.Chat.ID

	var reply string
	switch {
	case strings.HasPrefix(text, "/link"):
		reply = h.link(ctx, log, strings.TrimPrefix(text, "/link"), chatID)
	case strings.HasPrefix(text, "/leads"):
		reply = h.leadDigest(ctx, log, chatID)
	default:
		reply = "To receive pipeline notifications, send:\n<code>/link &lt;code&gt;</code>\n\n" +
			"The code is issued in the CRM profile. Send /leads to see your open leads."
	}
	if err := h.Bot.Reply(ctx, chatID, reply); err != nil {
		log.Warn().Err(err).Int64("chat_id", chatID).Msg("telegram reply failed")
	}
	c.Status(http.StatusOK)
}

func (h *IntegrationsHandler) link(ctx context.Context, log zerolog.Logger, raw string, chatID int64) string {
	code, ok := normalizeLinkCode(raw)
	if !ok {
		return "Invalid code format. Send exactly 32 hex characters:\n<code>/link 0123456789ABCDEF0123456789ABCDEF</code>"
	}
	u, err := h.Links.LinkByCode(ctx, code, chatID)
	if err != nil {
		log.Info().Err(err).Int64("chat_id", chatID).Msg("telegram link rejected")
		return "The code is invalid or expired. Request a new one in the CRM."
	}
	log.Info().Int("user_id", u.ID).Int64("chat_id", chatID).Msg("telegram chat linked")
	return fmt.Sprintf("Done, %s. You will receive lead and deal notifications here.", html.EscapeString(u.FullName))
}

func (h *IntegrationsHandler) leadDigest(ctx context.Context, log zerolog.Logger, chatID int64) string {
	u, err := h.Links.UserByChat(ctx, chatID)
	if err != nil {
		return "This chat is not linked. Use /link first."
	}
	actor := authz.Actor{UserID: u.ID, RoleID: u.RoleID, OfficeID: u.OfficeID}
	leads, err := h.Leads.List(ctx, actor, models.LeadFilter{OwnerID: u.ID, Limit: 200})
	if err != nil {
		log.Error().Err(err).Int("user_id", u.ID).Msg("lead digest")
		return "Could not load your leads."
	}
	return leadDigest(h.now(), leads)
}

func slaBucket(now time.Time, deadline *time.Time) string {
	if deadline == nil {
		return "No deadline"
	}
	if deadline.Before(now) {
		return "SLA overdue"
	}
	switch days := int(deadline.Sub(now).Hours() / 24); days {
	case 0:
		return "Due today"
	case 1:
		return "Due in 1 day"
	default:
		return fmt.Sprintf("Due in %d days", days)
	}
}

// leadDigest groups open leads by SLA urgency.
func leadDigest(now time.Time, leads []models.Leads) string {
	var open []models.Leads
	for _, l := range leads {
		if !l.Stage.Terminal() {
			open = append(open, l)
		}
	}
	if len(open) == 0 {
		return "You have no open leads."
	}
	sort.SliceStable(open, func(i, j int) bool {
		di, dj := open[i].SLADeadline, open[j].SLADeadline
		switch {
		case di == nil && dj == nil:
			return open[i].ID < open[j].ID
		case di == nil:
			return false
		case dj == nil:
			return true
		default:
			return di.Before(*dj)
		}
	})
	shown := open
	if len(shown) > digestLimit {
		shown = shown[:digestLimit]
	}

	var b strings.Builder
	b.WriteString("<b>Your open leads</b>\n")
	current := ""
	for _, l := range shown {
		name := slaBucket(now, l.SLADeadline)
		if name != current {
			b.WriteString("\n<b>" + html.EscapeString(name) + "</b>\n")
			current = name
		}
		b.WriteString("• " + html.EscapeString(l.Number) + " " + html.EscapeString(l.Title) +
			" (" + string(l.Temperature) + ", " + string(l.Stage) + ")\n")
	}
	if rest := len(open) - len(shown); rest > 0 {
		b.WriteString("…and " + strconv.Itoa(rest) + " more\n")
	}
	return b.String()
}
