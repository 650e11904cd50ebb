package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"brokercrm/internal/apperr"
	"brokercrm/internal/authz"
	"brokercrm/internal/logger"
	"brokercrm/internal/middleware"
)

type errorResponse struct {
	Error string `json:"error"`
}

// getIntFromCtx tolerates the numeric types different token parsers leave
// in the context.
func getIntFromCtx(c *gin.Context, key string) int {
	v, ok := c.Get(key)
	if !ok {
		return 0
	}
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		if n, err := strconv.Atoi(t); err == nil {
			return n
		}
	}
	return 0
}

func actorFrom(c *gin.Context) authz.Actor {
	return authz.Actor{
		UserID:   getIntFromCtx(c, middleware.CtxUserID),
		RoleID:   getIntFromCtx(c, middleware.CtxRoleID),
		OfficeID: getIntFromCtx(c, middleware.CtxOfficeID),
	}
}

func parseID(c *gin.Context, name string) (int, bool) {
	id, err := strconv.Atoi(c.Param(name))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid " + name})
		return 0, false
	}
	return id, true
}

func queryInt(c *gin.Context, name string) int {
	n, _ := strconv.Atoi(c.Query(name))
	return n
}

func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return false
	}
	return true
}

// respondError maps domain errors to status codes. A missing actor is 401,
// an actor without the right is 403.
func respondError(c *gin.Context, err error) {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		status := appErr.HTTPStatus()
		if appErr.Kind == apperr.KindUnauthorized && actorFrom(c).IsZero() {
			status = http.StatusUnauthorized
		}
		c.JSON(status, errorResponse{Error: appErr.Message})
		return
	}
	log := logger.FromContext(c.Request.Context(), zerolog.Nop())
	log.Error().Err(err).Str("path", c.FullPath()).Msg("unhandled error")
	c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
}
