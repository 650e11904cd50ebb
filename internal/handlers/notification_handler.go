package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"brokercrm/internal/authz"
	"brokercrm/internal/models"
)

type NotificationService interface {
	ListMine(ctx context.Context, actor authz.Actor, limit int) ([]models.Notification, error)
	RequestTelegramLink(ctx context.Context, actor authz.Actor) (*models.TelegramLink, error)
	UnlinkTelegram(ctx context.Context, actor authz.Actor) error
}

type NotificationHandler struct {
	Service NotificationService
}

func NewNotificationHandler(service NotificationService) *NotificationHandler {
	return &NotificationHandler{Service: service}
}

// ListMine godoc
// @Summary  In-app notifications of the caller, newest first
// @Tags     notifications
// @Produce  json
// @Param    limit  query    int  false  "Max items (default 50)"
// @Success  200    {array}  models.Notification
// @Router   /notifications [get]
// @Security BearerAuth
func (h *NotificationHandler) ListMine(c *gin.Context) {
	limit := queryInt(c, "limit")
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	items, err := h.Service.ListMine(c.Request.Context(), actorFrom(c), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, items)
}

// RequestTelegramLink godoc
// @Summary  Issue a one-time code for linking a Telegram chat
// @Tags     notifications
// @Produce  json
// @Success  200  {object}  models.TelegramLink
// @Router   /me/telegram/link [post]
// @Security BearerAuth
func (h *NotificationHandler) RequestTelegramLink(c *gin.Context) {
	link, err := h.Service.RequestTelegramLink(c.Request.Context(), actorFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":       link.Code,
		"expires_at": link.ExpiresAt,
		"hint":       "Open the bot chat and send: /link " + link.Code,
	})
}

// UnlinkTelegram godoc
// @Summary  Stop Telegram notifications for the caller
// @Tags     notifications
// @Success  204
// @Router   /me/telegram [delete]
// @Security BearerAuth
func (h *NotificationHandler) UnlinkTelegram(c *gin.Context) {
	if err := h.Service.UnlinkTelegram(c.Request.Context(), actorFrom(c)); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
