package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"brokercrm/internal/authz"
	"brokercrm/internal/models"
	"brokercrm/internal/services"
)

type DealService interface {
	Create(ctx context.Context, actor authz.Actor, in services.CreateDealInput) (*models.Deals, error)
	GetByID(ctx context.Context, actor authz.Actor, id int) (*models.Deals, error)
	GetByNumber(ctx context.Context, actor authz.Actor, number string) (*models.Deals, error)
	List(ctx context.Context, actor authz.Actor, f models.DealFilter) ([]models.Deals, error)
	Update(ctx context.Context, actor authz.Actor, id int, in services.UpdateDealInput) (*models.Deals, error)
	UpdateStage(ctx context.Context, actor authz.Actor, id int, stage models.DealStage) (*models.Deals, error)
	CloseWon(ctx context.Context, actor authz.Actor, id int) (*models.Deals, error)
	CloseLost(ctx context.Context, actor authz.Actor, id int, reason string) (*models.Deals, error)
	Delete(ctx context.Context, actor authz.Actor, id int) error
	Stats(ctx context.Context, actor authz.Actor) (*models.DealStats, error)
	ListActivities(ctx context.Context, actor authz.Actor, id int) ([]models.Activity, error)
	Commission(ctx context.Context, actor authz.Actor, id int) (*models.Commission, error)
}

type DealHandler struct {
	Service DealService
}

func NewDealHandler(service DealService) *DealHandler {
	return &DealHandler{Service: service}
}

type lostRequest struct {
	Reason string `json:"reason"`
}

// Create godoc
// @Summary  Create a deal
// @Tags     deals
// @Accept   json
// @Produce  json
// @Param    body  body      services.CreateDealInput  true  "Deal"
// @Success  201   {object}  models.Deals
// @Failure  400   {object}  errorResponse
// @Router   /deals [post]
// @Security BearerAuth
func (h *DealHandler) Create(c *gin.Context) {
	var in services.CreateDealInput
	if !bindJSON(c, &in) {
		return
	}
	deal, err := h.Service.Create(c.Request.Context(), actorFrom(c), in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, deal)
}

// GetByID godoc
// @Summary  Get a deal
// @Tags     deals
// @Produce  json
// @Param    id   path      int  true  "Deal ID"
// @Success  200  {object}  models.Deals
// @Router   /deals/{id} [get]
// @Security BearerAuth
func (h *DealHandler) GetByID(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	deal, err := h.Service.GetByID(c.Request.Context(), actorFrom(c), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, deal)
}

// GetByNumber godoc
// @Summary  Get a deal by its display number
// @Tags     deals
// @Produce  json
// @Param    number  path      string  true  "Deal number"
// @Success  200     {object}  models.Deals
// @Router   /deals/by-number/{number} [get]
// @Security BearerAuth
func (h *DealHandler) GetByNumber(c *gin.Context) {
	deal, err := h.Service.GetByNumber(c.Request.Context(), actorFrom(c), c.Param("number"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, deal)
}

// List godoc
// @Summary  List deals visible to the caller
// @Tags     deals
// @Produce  json
// @Param    stage     query  string  false  "Stage"
// @Param    result    query  string  false  "Result"
// @Param    currency  query  string  false  "Currency"
// @Param    from      query  string  false  "Created from (YYYY-MM-DD)"
// @Param    to        query  string  false  "Created to (YYYY-MM-DD)"
// @Param    sort_by   query  string  false  "created_at, value, stage, currency or probability"
// @Param    order     query  string  false  "asc or desc"
// @Param    limit     query  int     false  "Page size"
// @Param    offset    query  int     false  "Offset"
// @Success  200  {array}  models.Deals
// @Router   /deals [get]
// @Security BearerAuth
func (h *DealHandler) List(c *gin.Context) {
	f := models.DealFilter{
		OwnerID:  queryInt(c, "owner_id"),
		Stage:    models.DealStage(strings.ToUpper(c.Query("stage"))),
		Result:   models.DealResult(strings.ToUpper(c.Query("result"))),
		Currency: strings.ToUpper(c.Query("currency")),
		SortBy:   c.Query("sort_by"),
		Order:    strings.ToLower(c.Query("order")),
		Limit:    queryInt(c, "limit"),
		Offset:   queryInt(c, "offset"),
	}
	for name, dst := range map[string]**time.Time{"from": &f.From, "to": &f.To} {
		raw := c.Query(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid " + name + " date"})
			return
		}
		if name == "to" {
			t = t.Add(24*time.Hour - time.Nanosecond)
		}
		*dst = &t
	}
	deals, err := h.Service.List(c.Request.Context(), actorFrom(c), f)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, deals)
}

// Update godoc
// @Summary  Update deal attributes
// @Tags     deals
// @Accept   json
// @Produce  json
// @Param    id    path      int                       true  "Deal ID"
// @Param    body  body      services.UpdateDealInput  true  "Changed attributes"
// @Success  200   {object}  models.Deals
// @Failure  409   {object}  errorResponse
// @Router   /deals/{id} [put]
// @Security BearerAuth
func (h *DealHandler) Update(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var in services.UpdateDealInput
	if !bindJSON(c, &in) {
		return
	}
	deal, err := h.Service.Update(c.Request.Context(), actorFrom(c), id, in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, deal)
}

// UpdateStage godoc
// @Summary  Move a deal along the pipeline
// @Tags     deals
// @Accept   json
// @Produce  json
// @Param    id    path      int           true  "Deal ID"
// @Param    body  body      stageRequest  true  "Target stage"
// @Success  200   {object}  models.Deals
// @Failure  400   {object}  errorResponse
// @Failure  409   {object}  errorResponse
// @Router   /deals/{id}/stage [post]
// @Security BearerAuth
func (h *DealHandler) UpdateStage(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req stageRequest
	if !bindJSON(c, &req) {
		return
	}
	deal, err := h.Service.UpdateStage(c.Request.Context(), actorFrom(c), id, models.DealStage(req.Stage))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, deal)
}

// CloseWon godoc
// @Summary  Close a deal as won
// @Tags     deals
// @Produce  json
// @Param    id   path      int  true  "Deal ID"
// @Success  200  {object}  models.Deals
// @Failure  409  {object}  errorResponse
// @Router   /deals/{id}/won [post]
// @Security BearerAuth
func (h *DealHandler) CloseWon(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	deal, err := h.Service.CloseWon(c.Request.Context(), actorFrom(c), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, deal)
}

// CloseLost godoc
// @Summary  Close a deal as lost
// @Tags     deals
// @Accept   json
// @Produce  json
// @Param    id    path      int          true  "Deal ID"
// @Param    body  body      lostRequest  true  "Reason"
// @Success  200   {object}  models.Deals
// @Failure  400   {object}  errorResponse
// @Router   /deals/{id}/lost [post]
// @Security BearerAuth
func (h *DealHandler) CloseLost(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req lostRequest
	if !bindJSON(c, &req) {
		return
	}
	deal, err := h.Service.CloseLost(c.Request.Context(), actorFrom(c), id, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, deal)
}

// Delete godoc
// @Summary  Delete a deal (elevated roles)
// @Tags     deals
// @Param    id  path  int  true  "Deal ID"
// @Success  204
// @Failure  409  {object}  errorResponse
// @Router   /deals/{id} [delete]
// @Security BearerAuth
func (h *DealHandler) Delete(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := h.Service.Delete(c.Request.Context(), actorFrom(c), id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Stats godoc
// @Summary  Deal pipeline counters for the caller's scope
// @Tags     deals
// @Produce  json
// @Success  200  {object}  models.DealStats
// @Router   /deals/stats [get]
// @Security BearerAuth
func (h *DealHandler) Stats(c *gin.Context) {
	stats, err := h.Service.Stats(c.Request.Context(), actorFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Activities godoc
// @Summary  Deal activity timeline
// @Tags     deals
// @Produce  json
// @Param    id   path     int  true  "Deal ID"
// @Success  200  {array}  models.Activity
// @Router   /deals/{id}/activities [get]
// @Security BearerAuth
func (h *DealHandler) Activities(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	acts, err := h.Service.ListActivities(c.Request.Context(), actorFrom(c), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, acts)
}

// Commission godoc
// @Summary  Commission of a won deal
// @Tags     deals
// @Produce  json
// @Param    id   path      int  true  "Deal ID"
// @Success  200  {object}  models.Commission
// @Failure  404  {object}  errorResponse
// @Router   /deals/{id}/commission [get]
// @Security BearerAuth
func (h *DealHandler) Commission(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	comm, err := h.Service.Commission(c.Request.Context(), actorFrom(c), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, comm)
}
