package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"brokercrm/internal/authz"
	"brokercrm/internal/models"
	"brokercrm/internal/services"
)

// LeadService is the part of services.LeadService the handler uses.
type LeadService interface {
	Create(ctx context.Context, actor authz.Actor, in services.CreateLeadInput) (*models.Leads, error)
	GetByID(ctx context.Context, actor authz.Actor, id int) (*models.Leads, error)
	GetByNumber(ctx context.Context, actor authz.Actor, number string) (*models.Leads, error)
	List(ctx context.Context, actor authz.Actor, f models.LeadFilter) ([]models.Leads, error)
	Update(ctx context.Context, actor authz.Actor, id int, in services.UpdateLeadInput) (*models.Leads, error)
	UpdateField(ctx context.Context, actor authz.Actor, id int, field string, value any) (*models.Leads, error)
	UpdateTags(ctx context.Context, actor authz.Actor, id int, tags []string) (*models.Leads, error)
	UpdateStage(ctx context.Context, actor authz.Actor, id int, stage models.LeadStage) (*models.Leads, error)
	AssignToPool(ctx context.Context, actor authz.Actor, id int, pool models.Pool) (*models.Leads, error)
	RemoveFromPool(ctx context.Context, actor authz.Actor, id int) (*models.Leads, error)
	AddNote(ctx context.Context, actor authz.Actor, id int, body string) (*models.LeadNote, error)
	AddContactLog(ctx context.Context, actor authz.Actor, id int, in services.ContactLogInput) (*models.LeadNote, error)
	DeleteNote(ctx context.Context, actor authz.Actor, leadID, noteID int) error
	ListNotes(ctx context.Context, actor authz.Actor, id int) ([]models.LeadNote, error)
	ListActivities(ctx context.Context, actor authz.Actor, id int) ([]models.Activity, error)
	ConvertToDeal(ctx context.Context, actor authz.Actor, id int, in services.ConvertLeadInput) (*models.Deals, error)
	Delete(ctx context.Context, actor authz.Actor, id int) error
	Stats(ctx context.Context, actor authz.Actor) (*models.LeadStats, error)
	Analytics(ctx context.Context, actor authz.Actor) (*models.LeadAnalytics, error)
}

type LeadHandler struct {
	Service LeadService
}

func NewLeadHandler(service LeadService) *LeadHandler {
	return &LeadHandler{Service: service}
}

type fieldRequest struct {
	Field string `json:"field" binding:"required"`
	Value any    `json:"value"`
}

type tagsRequest struct {
	Tags []string `json:"tags"`
}

type stageRequest struct {
	Stage string `json:"stage" binding:"required"`
}

type poolRequest struct {
	Pool string `json:"pool" binding:"required"`
}

type noteRequest struct {
	Content string `json:"content"`
}

// Create godoc
// @Summary  Create a lead
// @Tags     leads
// @Accept   json
// @Produce  json
// @Param    body  body      services.CreateLeadInput  true  "Lead"
// @Success  201   {object}  models.Leads
// @Failure  400   {object}  errorResponse
// @Failure  403   {object}  errorResponse
// @Router   /leads [post]
// @Security BearerAuth
func (h *LeadHandler) Create(c *gin.Context) {
	var in services.CreateLeadInput
	if !bindJSON(c, &in) {
		return
	}
	lead, err := h.Service.Create(c.Request.Context(), actorFrom(c), in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, lead)
}

// GetByID godoc
// @Summary  Get a lead
// @Tags     leads
// @Produce  json
// @Param    id   path      int  true  "Lead ID"
// @Success  200  {object}  models.Leads
// @Failure  404  {object}  errorResponse
// @Router   /leads/{id} [get]
// @Security BearerAuth
func (h *LeadHandler) GetByID(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	lead, err := h.Service.GetByID(c.Request.Context(), actorFrom(c), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, lead)
}

// GetByNumber godoc
// @Summary  Get a lead by its display number
// @Tags     leads
// @Produce  json
// @Param    number  path      string  true  "Lead number, e.g. PQT-L-20250314-0001"
// @Success  200     {object}  models.Leads
// @Router   /leads/by-number/{number} [get]
// @Security BearerAuth
func (h *LeadHandler) GetByNumber(c *gin.Context) {
	lead, err := h.Service.GetByNumber(c.Request.Context(), actorFrom(c), c.Param("number"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, lead)
}

// List godoc
// @Summary  List leads visible to the caller
// @Tags     leads
// @Produce  json
// @Param    stage        query  string  false  "Stage"
// @Param    temperature  query  string  false  "COLD, WARM or HOT"
// @Param    pool         query  string  false  "POOL_1, POOL_2 or POOL_3"
// @Param    owner_id     query  int     false  "Owner (elevated roles)"
// @Param    q            query  string  false  "Search in title and number"
// @Param    limit        query  int     false  "Page size"
// @Param    offset       query  int     false  "Offset"
// @Success  200  {array}  models.Leads
// @Router   /leads [get]
// @Security BearerAuth
func (h *LeadHandler) List(c *gin.Context) {
	f := models.LeadFilter{
		OwnerID:     queryInt(c, "owner_id"),
		Stage:       models.LeadStage(strings.ToUpper(c.Query("stage"))),
		Temperature: models.Temperature(strings.ToUpper(c.Query("temperature"))),
		Pool:        models.Pool(strings.ToUpper(c.Query("pool"))),
		Search:      c.Query("q"),
		Limit:       queryInt(c, "limit"),
		Offset:      queryInt(c, "offset"),
	}
	leads, err := h.Service.List(c.Request.Context(), actorFrom(c), f)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, leads)
}

// Update godoc
// @Summary  Update lead attributes
// @Tags     leads
// @Accept   json
// @Produce  json
// @Param    id    path      int                       true  "Lead ID"
// @Param    body  body      services.UpdateLeadInput  true  "Changed attributes"
// @Success  200   {object}  models.Leads
// @Failure  409   {object}  errorResponse
// @Router   /leads/{id} [put]
// @Security BearerAuth
func (h *LeadHandler) Update(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var in services.UpdateLeadInput
	if !bindJSON(c, &in) {
		return
	}
	lead, err := h.Service.Update(c.Request.Context(), actorFrom(c), id, in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, lead)
}

// UpdateField godoc
// @Summary  Quick-edit a single lead field
// @Tags     leads
// @Accept   json
// @Produce  json
// @Param    id    path      int           true  "Lead ID"
// @Param    body  body      fieldRequest  true  "Field and value"
// @Success  200   {object}  models.Leads
// @Failure  400   {object}  errorResponse
// @Router   /leads/{id}/field [patch]
// @Security BearerAuth
func (h *LeadHandler) UpdateField(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req fieldRequest
	if !bindJSON(c, &req) {
		return
	}
	lead, err := h.Service.UpdateField(c.Request.Context(), actorFrom(c), id, req.Field, req.Value)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, lead)
}

// UpdateTags godoc
// @Summary  Replace lead tags
// @Tags     leads
// @Accept   json
// @Produce  json
// @Param    id    path      int          true  "Lead ID"
// @Param    body  body      tagsRequest  true  "Tags"
// @Success  200   {object}  models.Leads
// @Router   /leads/{id}/tags [put]
// @Security BearerAuth
func (h *LeadHandler) UpdateTags(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req tagsRequest
	if !bindJSON(c, &req) {
		return
	}
	lead, err := h.Service.UpdateTags(c.Request.Context(), actorFrom(c), id, req.Tags)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, lead)
}

// UpdateStage godoc
// @Summary  Move a lead to another stage
// @Tags     leads
// @Accept   json
// @Produce  json
// @Param    id    path      int           true  "Lead ID"
// @Param    body  body      stageRequest  true  "Target stage"
// @Success  200   {object}  models.Leads
// @Failure  409   {object}  errorResponse
// @Router   /leads/{id}/stage [post]
// @Security BearerAuth
func (h *LeadHandler) UpdateStage(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req stageRequest
	if !bindJSON(c, &req) {
		return
	}
	lead, err := h.Service.UpdateStage(c.Request.Context(), actorFrom(c), id, models.LeadStage(req.Stage))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, lead)
}

// AssignPool godoc
// @Summary  Put a lead into a pool
// @Tags     leads
// @Accept   json
// @Produce  json
// @Param    id    path      int          true  "Lead ID"
// @Param    body  body      poolRequest  true  "Pool"
// @Success  200   {object}  models.Leads
// @Router   /leads/{id}/pool [put]
// @Security BearerAuth
func (h *LeadHandler) AssignPool(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req poolRequest
	if !bindJSON(c, &req) {
		return
	}
	lead, err := h.Service.AssignToPool(c.Request.Context(), actorFrom(c), id, models.Pool(strings.ToUpper(req.Pool)))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, lead)
}

// RemovePool godoc
// @Summary  Take a lead out of its pool
// @Tags     leads
// @Produce  json
// @Param    id   path      int  true  "Lead ID"
// @Success  200  {object}  models.Leads
// @Router   /leads/{id}/pool [delete]
// @Security BearerAuth
func (h *LeadHandler) RemovePool(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	lead, err := h.Service.RemoveFromPool(c.Request.Context(), actorFrom(c), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, lead)
}

// AddNote godoc
// @Summary  Add a note to a lead
// @Tags     leads
// @Accept   json
// @Produce  json
// @Param    id    path      int          true  "Lead ID"
// @Param    body  body      noteRequest  true  "Note"
// @Success  201   {object}  models.LeadNote
// @Router   /leads/{id}/notes [post]
// @Security BearerAuth
func (h *LeadHandler) AddNote(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req noteRequest
	if !bindJSON(c, &req) {
		return
	}
	note, err := h.Service.AddNote(c.Request.Context(), actorFrom(c), id, req.Content)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, note)
}

// ListNotes godoc
// @Summary  List lead notes
// @Tags     leads
// @Produce  json
// @Param    id   path     int  true  "Lead ID"
// @Success  200  {array}  models.LeadNote
// @Router   /leads/{id}/notes [get]
// @Security BearerAuth
func (h *LeadHandler) ListNotes(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	notes, err := h.Service.ListNotes(c.Request.Context(), actorFrom(c), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, notes)
}

// DeleteNote godoc
// @Summary  Delete a lead note
// @Tags     leads
// @Param    id      path  int  true  "Lead ID"
// @Param    noteId  path  int  true  "Note ID"
// @Success  204
// @Router   /leads/{id}/notes/{noteId} [delete]
// @Security BearerAuth
func (h *LeadHandler) DeleteNote(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	noteID, ok := parseID(c, "noteId")
	if !ok {
		return
	}
	if err := h.Service.DeleteNote(c.Request.Context(), actorFrom(c), id, noteID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// AddContactLog godoc
// @Summary  Log a contact attempt
// @Tags     leads
// @Accept   json
// @Produce  json
// @Param    id    path      int                       true  "Lead ID"
// @Param    body  body      services.ContactLogInput  true  "Contact"
// @Success  201   {object}  models.LeadNote
// @Router   /leads/{id}/contact-log [post]
// @Security BearerAuth
func (h *LeadHandler) AddContactLog(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var in services.ContactLogInput
	if !bindJSON(c, &in) {
		return
	}
	note, err := h.Service.AddContactLog(c.Request.Context(), actorFrom(c), id, in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, note)
}

// Activities godoc
// @Summary  Lead activity timeline
// @Tags     leads
// @Produce  json
// @Param    id   path     int  true  "Lead ID"
// @Success  200  {array}  models.Activity
// @Router   /leads/{id}/activities [get]
// @Security BearerAuth
func (h *LeadHandler) Activities(c *gin.Context) {
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

// ConvertToDeal godoc
// @Summary  Convert a lead into a deal
// @Tags     leads
// @Accept   json
// @Produce  json
// @Param    id    path      int                        true   "Lead ID"
// @Param    body  body      services.ConvertLeadInput  false  "Deal overrides"
// @Success  201   {object}  models.Deals
// @Failure  409   {object}  errorResponse
// @Router   /leads/{id}/convert [post]
// @Security BearerAuth
func (h *LeadHandler) ConvertToDeal(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var in services.ConvertLeadInput
	if c.Request.ContentLength > 0 && !bindJSON(c, &in) {
		return
	}
	deal, err := h.Service.ConvertToDeal(c.Request.Context(), actorFrom(c), id, in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, deal)
}

// Delete godoc
// @Summary  Purge a lead (elevated roles)
// @Tags     leads
// @Param    id  path  int  true  "Lead ID"
// @Success  204
// @Router   /leads/{id} [delete]
// @Security BearerAuth
func (h *LeadHandler) Delete(c *gin.Context) {
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
// @Summary  Lead counters for the caller's scope
// @Tags     leads
// @Produce  json
// @Success  200  {object}  models.LeadStats
// @Router   /leads/stats [get]
// @Security BearerAuth
func (h *LeadHandler) Stats(c *gin.Context) {
	stats, err := h.Service.Stats(c.Request.Context(), actorFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Analytics godoc
// @Summary  Lead conversion by source and channel
// @Tags     leads
// @Produce  json
// @Success  200  {object}  models.LeadAnalytics
// @Router   /leads/analytics [get]
// @Security BearerAuth
func (h *LeadHandler) Analytics(c *gin.Context) {
	out, err := h.Service.Analytics(c.Request.Context(), actorFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}
