package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/go-cmp/cmp"

	"brokercrm/internal/apperr"
	"brokercrm/internal/authz"
	"brokercrm/internal/middleware"
	"brokercrm/internal/models"
	"brokercrm/internal/services"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubLeads struct {
	LeadService
	gotActor authz.Actor
	gotField string
	gotValue any
	gotConv  services.ConvertLeadInput
	err      error
}

func (s *stubLeads) GetByID(_ context.Context, actor authz.Actor, id int) (*models.Leads, error) {
	s.gotActor = actor
	if s.err != nil {
		return nil, s.err
	}
	return &models.Leads{ID: id, Number: "PQT-L-20250314-0001"}, nil
}

func (s *stubLeads) UpdateField(_ context.Context, _ authz.Actor, id int, field string, value any) (*models.Leads, error) {
	s.gotField, s.gotValue = field, value
	return &models.Leads{ID: id}, s.err
}

func (s *stubLeads) ConvertToDeal(_ context.Context, _ authz.Actor, id int, in services.ConvertLeadInput) (*models.Deals, error) {
	s.gotConv = in
	if s.err != nil {
		return nil, s.err
	}
	lead := id
	return &models.Deals{ID: 99, LeadID: &lead}, nil
}

type stubDeals struct {
	DealService
	gotFilter models.DealFilter
	gotReason string
	err       error
}

func (s *stubDeals) List(_ context.Context, _ authz.Actor, f models.DealFilter) ([]models.Deals, error) {
	s.gotFilter = f
	return []models.Deals{}, s.err
}

func (s *stubDeals) CloseLost(_ context.Context, _ authz.Actor, id int, reason string) (*models.Deals, error) {
	s.gotReason = reason
	if s.err != nil {
		return nil, s.err
	}
	return &models.Deals{ID: id}, nil
}

func withActor(a authz.Actor) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.IsZero() {
			c.Set(middleware.CtxUserID, a.UserID)
			c.Set(middleware.CtxRoleID, a.RoleID)
			c.Set(middleware.CtxOfficeID, a.OfficeID)
		}
		c.Next()
	}
}

func newEngine(a authz.Actor, leads LeadService, deals DealService) *gin.Engine {
	r := gin.New()
	r.Use(withActor(a))
	lh := NewLeadHandler(leads)
	dh := NewDealHandler(deals)
	r.GET("/leads/:id", lh.GetByID)
	r.PATCH("/leads/:id/field", lh.UpdateField)
	r.POST("/leads/:id/convert", lh.ConvertToDeal)
	r.GET("/deals", dh.List)
	r.POST("/deals/:id/lost", dh.CloseLost)
	return r
}

func do(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

var agent = authz.Actor{UserID: 7, RoleID: authz.RoleSales, OfficeID: 1}

func TestGetLeadPassesActor(t *testing.T) {
	leads := &stubLeads{}
	r := newEngine(agent, leads, &stubDeals{})

	w := do(r, http.MethodGet, "/leads/12", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	if diff := cmp.Diff(agent, leads.gotActor); diff != "" {
		t.Errorf("actor mismatch (-want +got):\n%s", diff)
	}
	var got models.Leads
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != 12 || got.Number != "PQT-L-20250314-0001" {
		t.Errorf("lead = %+v", got)
	}
}

func TestInvalidID(t *testing.T) {
	r := newEngine(agent, &stubLeads{}, &stubDeals{})
	for _, path := range []string{"/leads/abc", "/leads/0", "/leads/-3"} {
		if w := do(r, http.MethodGet, path, nil); w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", path, w.Code)
		}
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name  string
		actor authz.Actor
		err   error
		want  int
	}{
		{"not found", agent, apperr.NotFound("lead not found"), http.StatusNotFound},
		{"forbidden", agent, apperr.Unauthorized("not your lead"), http.StatusForbidden},
		{"no actor", authz.Actor{}, apperr.Unauthorized("authentication required"), http.StatusUnauthorized},
		{"validation", agent, apperr.Validation("bad"), http.StatusBadRequest},
		{"conflict", agent, apperr.Conflict("already converted"), http.StatusConflict},
		{"wrapped", agent, errors.Join(apperr.Conflict("x")), http.StatusConflict},
		{"unknown", agent, errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newEngine(tt.actor, &stubLeads{err: tt.err}, &stubDeals{})
			w := do(r, http.MethodGet, "/leads/1", nil)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
			var body errorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || body.Error == "" {
				t.Errorf("error body = %s", w.Body)
			}
			if tt.want == http.StatusInternalServerError && body.Error != "internal error" {
				t.Errorf("internal detail leaked: %q", body.Error)
			}
		})
	}
}

func TestUpdateFieldRequiresName(t *testing.T) {
	leads := &stubLeads{}
	r := newEngine(agent, leads, &stubDeals{})

	if w := do(r, http.MethodPatch, "/leads/5/field", map[string]any{"value": "x"}); w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	w := do(r, http.MethodPatch, "/leads/5/field", map[string]any{"field": "bedrooms", "value": 3})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	if leads.gotField != "bedrooms" || leads.gotValue != float64(3) {
		t.Errorf("got field %q value %#v", leads.gotField, leads.gotValue)
	}
}

func TestConvertBodyOptional(t *testing.T) {
	leads := &stubLeads{}
	r := newEngine(agent, leads, &stubDeals{})

	w := do(r, http.MethodPost, "/leads/4/convert", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	if leads.gotConv.Title != "" {
		t.Errorf("unexpected overrides %+v", leads.gotConv)
	}

	w = do(r, http.MethodPost, "/leads/4/convert", map[string]any{"title": "Unit 12B", "currency": "AED"})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	if leads.gotConv.Title != "Unit 12B" || leads.gotConv.Currency != "AED" {
		t.Errorf("overrides = %+v", leads.gotConv)
	}
}

func TestDealListFilter(t *testing.T) {
	deals := &stubDeals{}
	r := newEngine(agent, &stubLeads{}, deals)

	w := do(r, http.MethodGet, "/deals?stage=contract&currency=aed&from=2025-03-01&to=2025-03-31&sort_by=value&order=ASC&limit=20", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	f := deals.gotFilter
	if f.Stage != models.DealStageContract || f.Currency != "AED" || f.SortBy != "value" || f.Order != "asc" || f.Limit != 20 {
		t.Errorf("filter = %+v", f)
	}
	wantFrom := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	wantTo := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC).Add(-time.Nanosecond)
	if f.From == nil || !f.From.Equal(wantFrom) {
		t.Errorf("from = %v", f.From)
	}
	if f.To == nil || !f.To.Equal(wantTo) {
		t.Errorf("to = %v", f.To)
	}

	if w := do(r, http.MethodGet, "/deals?from=yesterday", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad date status = %d, want 400", w.Code)
	}
}

func TestCloseLostForwardsReason(t *testing.T) {
	deals := &stubDeals{err: apperr.Validation("a reason is required to close a deal as lost")}
	r := newEngine(agent, &stubLeads{}, deals)

	w := do(r, http.MethodPost, "/deals/3/lost", map[string]string{"reason": "  "})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if deals.gotReason != "  " {
		t.Errorf("reason = %q", deals.gotReason)
	}
}
