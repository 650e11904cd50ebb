package services

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"brokercrm/internal/apperr"
	"brokercrm/internal/authz"
	"brokercrm/internal/models"
	"brokercrm/internal/pipeline"
	"brokercrm/internal/repositories"
)

type LeadService struct {
	store      Store
	dispatcher Dispatcher
	opts       Options
	log        zerolog.Logger
}

func NewLeadService(store Store, dispatcher Dispatcher, opts Options, log zerolog.Logger) *LeadService {
	return &LeadService{
		store:      store,
		dispatcher: dispatcher,
		opts:       opts.withDefaults(),
		log:        log.With().Str("component", "lead_service").Logger(),
	}
}

type CreateLeadInput struct {
	Title                string          `json:"title" validate:"required,max=200"`
	Description          string          `json:"description"`
	EstimatedValue       decimal.Decimal `json:"estimated_value"`
	Currency             string          `json:"currency" validate:"omitempty,len=3"`
	BudgetMin            decimal.Decimal `json:"budget_min"`
	BudgetMax            decimal.Decimal `json:"budget_max"`
	Source               string          `json:"source"`
	Channel              string          `json:"channel"`
	Segment              string          `json:"segment"`
	Priority             models.Priority `json:"priority" validate:"omitempty,oneof=LOW MEDIUM HIGH URGENT"`
	PropertyType         string          `json:"property_type"`
	PreferredLocation    string          `json:"preferred_location"`
	Called               bool            `json:"called"`
	Spoken               bool            `json:"spoken"`
	Tags                 []string        `json:"tags"`
	OwnerID              int             `json:"owner_id" validate:"gte=0"`
	ClientID             int             `json:"client_id" validate:"gte=0"`
	InterestedPropertyID *int            `json:"interested_property_id"`
	NextCallDate         *time.Time      `json:"next_call_date"`
}

// UpdateLeadInput carries the descriptive fields of a lead. Nil means
// unchanged. Stage, owner and engagement flags have their own operations.
type UpdateLeadInput struct {
	Title             *string          `json:"title" validate:"omitempty,min=1,max=200"`
	Description       *string          `json:"description"`
	EstimatedValue    *decimal.Decimal `json:"estimated_value"`
	Currency          *string          `json:"currency" validate:"omitempty,len=3"`
	BudgetMin         *decimal.Decimal `json:"budget_min"`
	BudgetMax         *decimal.Decimal `json:"budget_max"`
	Source            *string          `json:"source"`
	Channel           *string          `json:"channel"`
	Segment           *string          `json:"segment"`
	Priority          *models.Priority `json:"priority" validate:"omitempty,oneof=LOW MEDIUM HIGH URGENT"`
	PropertyType      *string          `json:"property_type"`
	PreferredLocation *string          `json:"preferred_location"`
	ClientID          *int             `json:"client_id" validate:"omitempty,gte=0"`
}

// Contact types accepted by the contact log.
const (
	ContactCall     = "CALL"
	ContactSpoken   = "SPOKEN"
	ContactEmail    = "EMAIL"
	ContactWhatsApp = "WHATSAPP"
	ContactMeeting  = "MEETING"
	ContactSMS      = "SMS"
)

type ContactLogInput struct {
	ContactType string `json:"contact_type" validate:"required,oneof=CALL SPOKEN EMAIL WHATSAPP MEETING SMS"`
	Content     string `json:"content"`
}

type ConvertLeadInput struct {
	Title             string           `json:"title" validate:"max=200"`
	Value             *decimal.Decimal `json:"value"`
	Currency          string           `json:"currency" validate:"omitempty,len=3"`
	PropertyID        *int             `json:"property_id"`
	PropertyType      string           `json:"property_type"`
	UnitNumber        string           `json:"unit_number"`
	ExpectedCloseDate *time.Time       `json:"expected_close_date"`
}

func (s *LeadService) Create(ctx context.Context, actor authz.Actor, in CreateLeadInput) (*models.Leads, error) {
	if err := authz.CanCreate(actor); err != nil {
		return nil, err
	}
	in.Priority = models.Priority(strings.ToUpper(string(in.Priority)))
	if err := validateInput(in); err != nil {
		return nil, err
	}
	if !in.BudgetMax.IsZero() && in.BudgetMin.GreaterThan(in.BudgetMax) {
		return nil, apperr.Validation("budget_min cannot exceed budget_max")
	}

	ownerID := in.OwnerID
	if ownerID == 0 {
		ownerID = actor.UserID
	}
	if ownerID != actor.UserID && !actor.Elevated() {
		return nil, apperr.Unauthorized("only elevated roles may create leads for another agent")
	}

	now := s.opts.Now()
	lead := &models.Leads{
		Title:                strings.TrimSpace(in.Title),
		Description:          in.Description,
		Stage:                models.LeadStageNewEnquiry,
		EstimatedValue:       in.EstimatedValue,
		Currency:             strings.ToUpper(in.Currency),
		BudgetMin:            in.BudgetMin,
		BudgetMax:            in.BudgetMax,
		Source:               in.Source,
		Channel:              in.Channel,
		Segment:              strings.ToUpper(strings.TrimSpace(in.Segment)),
		Priority:             in.Priority.OrDefault(),
		PropertyType:         in.PropertyType,
		PreferredLocation:    in.PreferredLocation,
		Called:               in.Called || in.Spoken,
		Spoken:               in.Spoken,
		OwnerID:              ownerID,
		ClientID:             in.ClientID,
		InterestedPropertyID: in.InterestedPropertyID,
		NextCallDate:         in.NextCallDate,
	}
	lead.Tags, lead.Pool = pipeline.SplitTags(in.Tags)
	deadline := pipeline.SLADeadline(lead.Priority, now)
	lead.SLADeadline = &deadline
	pipeline.Rescore(lead)

	var msgs []models.OutboxMessage
	err := s.store.WithinTx(ctx, func(ctx context.Context, r repositories.Repos) error {
		owner, err := r.Users.GetByID(ctx, ownerID)
		if err != nil {
			return err
		}
		if owner == nil {
			return apperr.NotFound("owner not found")
		}
		lead.OfficeID = owner.OfficeID
		if lead.OfficeID == 0 {
			lead.OfficeID = actor.OfficeID
		}
		if lead.ClientID != 0 {
			client, err := r.Clients.GetByID(ctx, lead.ClientID)
			if err != nil {
				return err
			}
			if client == nil {
				return apperr.NotFound("client not found")
			}
		}

		if lead.Number, err = nextNumber(ctx, r, s.opts.IdentifierPrefix, pipeline.KindLead, now); err != nil {
			return err
		}
		if err := r.Leads.Create(ctx, lead); err != nil {
			return err
		}

		effects := auditOnly(pipeline.ActionCreate, models.EntityLead, lead.ID, map[string]pipeline.Change{
			"number":   {To: lead.Number},
			"owner_id": {To: lead.OwnerID},
			"priority": {To: lead.Priority},
			"score":    {To: lead.Score},
		})
		if lead.OwnerID != actor.UserID {
			effects = append(effects, pipeline.Notify{
				UserIDs: []int{lead.OwnerID},
				Exclude: actor.UserID,
				Type:    models.NotifyLeadAssigned,
				Title:   "New lead assigned to you",
				Body:    fmt.Sprintf("%s %s", lead.Number, lead.Title),
				Link:    pipeline.LeadLink(lead.ID),
			})
		}
		msgs, err = applyEffects(ctx, r, actor, now, effects)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.dispatcher.Dispatch(msgs...)
	s.log.Info().Int("lead_id", lead.ID).Str("number", lead.Number).Int("actor_id", actor.UserID).Msg("lead created")
	return lead, nil
}

func (s *LeadService) GetByID(ctx context.Context, actor authz.Actor, id int) (*models.Leads, error) {
	lead, err := s.store.Repos().Leads.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.visible(actor, lead)
}

// GetByNumber looks a lead up by its display identifier.
func (s *LeadService) GetByNumber(ctx context.Context, actor authz.Actor, number string) (*models.Leads, error) {
	id, err := pipeline.ParseIdentifier(strings.TrimSpace(number))
	if err != nil {
		return nil, err
	}
	if id.Kind != pipeline.KindLead {
		return nil, apperr.Validationf("%s is not a lead identifier", number)
	}
	lead, err := s.store.Repos().Leads.GetByNumber(ctx, id.String())
	if err != nil {
		return nil, err
	}
	return s.visible(actor, lead)
}

func (s *LeadService) visible(actor authz.Actor, lead *models.Leads) (*models.Leads, error) {
	if err := authz.Authenticated(actor); err != nil {
		return nil, err
	}
	if lead == nil {
		return nil, apperr.NotFound("lead not found")
	}
	if err := authz.CanRead(actor, lead.OwnerID); err != nil {
		return nil, err
	}
	if err := checkOffice(actor, lead.OfficeID); err != nil {
		return nil, err
	}
	return lead, nil
}

// List applies the actor's office and owner scope on top of the filter.
func (s *LeadService) List(ctx context.Context, actor authz.Actor, f models.LeadFilter) ([]models.Leads, error) {
	if err := authz.Authenticated(actor); err != nil {
		return nil, err
	}
	f.OfficeID = actor.OfficeScope()
	if owner := actor.OwnerScope(); owner != 0 {
		f.OwnerID = owner
	}
	return s.store.Repos().Leads.List(ctx, f)
}

func (s *LeadService) Update(ctx context.Context, actor authz.Actor, id int, in UpdateLeadInput) (*models.Leads, error) {
	if in.Priority != nil {
		p := models.Priority(strings.ToUpper(string(*in.Priority)))
		in.Priority = &p
	}
	if err := validateInput(in); err != nil {
		return nil, err
	}
	return s.mutate(ctx, actor, id, func(ctx context.Context, r repositories.Repos, lead models.Leads, now time.Time) (models.Leads, []pipeline.Effect, error) {
		changes := map[string]pipeline.Change{}
		setString := func(name string, dst *string, v *string) {
			if v != nil && *v != *dst {
				changes[name] = pipeline.Change{From: *dst, To: *v}
				*dst = *v
			}
		}
		setDecimal := func(name string, dst *decimal.Decimal, v *decimal.Decimal) {
			if v != nil && !v.Equal(*dst) {
				changes[name] = pipeline.Change{From: *dst, To: *v}
				*dst = *v
			}
		}
		if in.Title != nil {
			t := strings.TrimSpace(*in.Title)
			if t == "" {
				return lead, nil, apperr.Validation("title is required")
			}
			setString("title", &lead.Title, &t)
		}
		setString("description", &lead.Description, in.Description)
		setDecimal("estimated_value", &lead.EstimatedValue, in.EstimatedValue)
		if in.Currency != nil {
			c := strings.ToUpper(*in.Currency)
			setString("currency", &lead.Currency, &c)
		}
		setDecimal("budget_min", &lead.BudgetMin, in.BudgetMin)
		setDecimal("budget_max", &lead.BudgetMax, in.BudgetMax)
		if !lead.BudgetMax.IsZero() && lead.BudgetMin.GreaterThan(lead.BudgetMax) {
			return lead, nil, apperr.Validation("budget_min cannot exceed budget_max")
		}
		setString("source", &lead.Source, in.Source)
		setString("channel", &lead.Channel, in.Channel)
		if in.Segment != nil {
			seg := strings.ToUpper(strings.TrimSpace(*in.Segment))
			setString("segment", &lead.Segment, &seg)
		}
		if in.Priority != nil && in.Priority.OrDefault() != lead.Priority {
			p := in.Priority.OrDefault()
			changes["priority"] = pipeline.Change{From: lead.Priority, To: p}
			lead.Priority = p
			deadline := pipeline.SLADeadline(p, now)
			lead.SLADeadline = &deadline
		}
		setString("property_type", &lead.PropertyType, in.PropertyType)
		setString("preferred_location", &lead.PreferredLocation, in.PreferredLocation)
		if in.ClientID != nil && *in.ClientID != lead.ClientID {
			if *in.ClientID != 0 {
				client, err := r.Clients.GetByID(ctx, *in.ClientID)
				if err != nil {
					return lead, nil, err
				}
				if client == nil {
					return lead, nil, apperr.NotFound("client not found")
				}
			}
			changes["client_id"] = pipeline.Change{From: lead.ClientID, To: *in.ClientID}
			lead.ClientID = *in.ClientID
		}

		if len(changes) == 0 {
			return lead, nil, nil
		}
		if _, ok := changes["segment"]; ok {
			pipeline.Rescore(&lead)
		} else if _, ok := changes["priority"]; ok {
			pipeline.Rescore(&lead)
		}
		lead.UpdatedAt = now
		return lead, auditOnly(pipeline.ActionUpdate, models.EntityLead, lead.ID, changes), nil
	})
}

// UpdateField edits one allow-listed field.
func (s *LeadService) UpdateField(ctx context.Context, actor authz.Actor, id int, field string, value any) (*models.Leads, error) {
	if !pipeline.IsEditableLeadField(field) {
		return nil, apperr.Validationf("field %q cannot be edited", field)
	}
	return s.mutate(ctx, actor, id, func(ctx context.Context, r repositories.Repos, lead models.Leads, now time.Time) (models.Leads, []pipeline.Effect, error) {
		updated, effects, err := pipeline.ApplyLeadField(lead, field, value, actor, now)
		if err != nil {
			return lead, nil, err
		}
		if updated.OwnerID != lead.OwnerID {
			owner, err := r.Users.GetByID(ctx, updated.OwnerID)
			if err != nil {
				return lead, nil, err
			}
			if owner == nil {
				return lead, nil, apperr.NotFound("owner not found")
			}
		}
		return updated, effects, nil
	})
}

func (s *LeadService) UpdateTags(ctx context.Context, actor authz.Actor, id int, tags []string) (*models.Leads, error) {
	return s.mutate(ctx, actor, id, func(_ context.Context, _ repositories.Repos, lead models.Leads, now time.Time) (models.Leads, []pipeline.Effect, error) {
		updated, effects := pipeline.ReplaceTags(lead, tags, now)
		return updated, effects, nil
	})
}

func (s *LeadService) UpdateStage(ctx context.Context, actor authz.Actor, id int, stage models.LeadStage) (*models.Leads, error) {
	stage = models.LeadStage(strings.ToUpper(strings.TrimSpace(string(stage))))
	return s.mutate(ctx, actor, id, func(_ context.Context, _ repositories.Repos, lead models.Leads, now time.Time) (models.Leads, []pipeline.Effect, error) {
		return pipeline.ChangeLeadStage(lead, stage, actor, now)
	})
}

func (s *LeadService) AssignToPool(ctx context.Context, actor authz.Actor, id int, pool models.Pool) (*models.Leads, error) {
	return s.mutate(ctx, actor, id, func(_ context.Context, _ repositories.Repos, lead models.Leads, now time.Time) (models.Leads, []pipeline.Effect, error) {
		return pipeline.AssignPool(lead, pool, now)
	})
}

// RemoveFromPool is a no-op when the lead is in no pool.
func (s *LeadService) RemoveFromPool(ctx context.Context, actor authz.Actor, id int) (*models.Leads, error) {
	return s.mutate(ctx, actor, id, func(_ context.Context, _ repositories.Repos, lead models.Leads, now time.Time) (models.Leads, []pipeline.Effect, error) {
		updated, effects, _ := pipeline.RemovePool(lead, now)
		return updated, effects, nil
	})
}

func (s *LeadService) AddNote(ctx context.Context, actor authz.Actor, id int, body string) (*models.LeadNote, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, apperr.Validation("note content is required")
	}
	note := &models.LeadNote{LeadID: id, AuthorID: actor.UserID, Body: body}
	_, err := s.annotate(ctx, actor, id, func(ctx context.Context, r repositories.Repos, lead models.Leads, now time.Time) (models.Leads, []pipeline.Effect, error) {
		if err := r.Notes.Create(ctx, note); err != nil {
			return lead, nil, err
		}
		return lead, []pipeline.Effect{
			pipeline.RecordActivity{Type: models.ActivityNote, LeadID: &lead.ID, Body: body},
			pipeline.AuditEntry{
				Action:     pipeline.ActionAddNote,
				EntityType: models.EntityLead,
				EntityID:   lead.ID,
				Changes:    map[string]pipeline.Change{"note_id": {To: note.ID}},
			},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return note, nil
}

// AddContactLog records a contact attempt as a prefixed note. CALL marks
// the lead called, SPOKEN marks it called and spoken.
func (s *LeadService) AddContactLog(ctx context.Context, actor authz.Actor, id int, in ContactLogInput) (*models.LeadNote, error) {
	in.ContactType = strings.ToUpper(strings.TrimSpace(in.ContactType))
	in.Content = strings.TrimSpace(in.Content)
	if err := authz.CanCreate(actor); err != nil {
		return nil, err
	}
	if err := validateInput(in); err != nil {
		return nil, err
	}
	if in.Content == "" {
		return nil, apperr.Validation("contact log content is required")
	}

	body := fmt.Sprintf("[%s] %s", in.ContactType, in.Content)
	note := &models.LeadNote{LeadID: id, AuthorID: actor.UserID, Body: body}
	_, err := s.mutate(ctx, actor, id, func(ctx context.Context, r repositories.Repos, lead models.Leads, now time.Time) (models.Leads, []pipeline.Effect, error) {
		if err := r.Notes.Create(ctx, note); err != nil {
			return lead, nil, err
		}
		changes := map[string]pipeline.Change{"contact_type": {To: in.ContactType}, "note_id": {To: note.ID}}
		switch in.ContactType {
		case ContactSpoken:
			if !lead.Spoken {
				changes["spoken"] = pipeline.Change{From: false, To: true}
			}
			lead.Spoken = true
			fallthrough
		case ContactCall:
			if !lead.Called {
				changes["called"] = pipeline.Change{From: false, To: true}
			}
			lead.Called = true
			pipeline.Rescore(&lead)
			lead.UpdatedAt = now
		}

		activity := models.ActivityNote
		switch in.ContactType {
		case ContactCall, ContactSpoken:
			activity = models.ActivityCall
		case ContactEmail:
			activity = models.ActivityEmail
		}
		return lead, []pipeline.Effect{
			pipeline.RecordActivity{Type: activity, LeadID: &lead.ID, Body: body},
			pipeline.AuditEntry{
				Action:     pipeline.ActionContactLog,
				EntityType: models.EntityLead,
				EntityID:   lead.ID,
				Changes:    changes,
			},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return note, nil
}

func (s *LeadService) DeleteNote(ctx context.Context, actor authz.Actor, leadID, noteID int) error {
	_, err := s.annotate(ctx, actor, leadID, func(ctx context.Context, r repositories.Repos, lead models.Leads, _ time.Time) (models.Leads, []pipeline.Effect, error) {
		note, err := r.Notes.GetByID(ctx, noteID)
		if err != nil {
			return lead, nil, err
		}
		if note == nil || note.LeadID != lead.ID {
			return lead, nil, apperr.NotFound("note not found")
		}
		if err := r.Notes.Delete(ctx, noteID); err != nil {
			return lead, nil, err
		}
		return lead, auditOnly(pipeline.ActionDeleteNote, models.EntityLead, lead.ID, map[string]pipeline.Change{
			"note_id": {From: note.ID, To: nil},
			"body":    {From: note.Body, To: nil},
		}), nil
	})
	return err
}

func (s *LeadService) ListNotes(ctx context.Context, actor authz.Actor, id int) ([]models.LeadNote, error) {
	if _, err := s.GetByID(ctx, actor, id); err != nil {
		return nil, err
	}
	return s.store.Repos().Notes.ListByLead(ctx, id)
}

func (s *LeadService) ListActivities(ctx context.Context, actor authz.Actor, id int) ([]models.Activity, error) {
	if _, err := s.GetByID(ctx, actor, id); err != nil {
		return nil, err
	}
	return s.store.Repos().Activities.ListByLead(ctx, id)
}

// ConvertToDeal creates the deal of a lead and marks the lead won, once.
func (s *LeadService) ConvertToDeal(ctx context.Context, actor authz.Actor, id int, in ConvertLeadInput) (*models.Deals, error) {
	if err := authz.CanCreate(actor); err != nil {
		return nil, err
	}
	if err := validateInput(in); err != nil {
		return nil, err
	}

	now := s.opts.Now()
	var (
		deal *models.Deals
		msgs []models.OutboxMessage
	)
	err := s.store.WithinTx(ctx, func(ctx context.Context, r repositories.Repos) error {
		lead, err := r.Leads.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if lead == nil {
			return apperr.NotFound("lead not found")
		}
		if err := authz.CanMutate(actor, lead.OwnerID); err != nil {
			return err
		}
		if err := checkOffice(actor, lead.OfficeID); err != nil {
			return err
		}
		if lead.Converted() {
			return apperr.Conflict("lead already converted")
		}

		deal = dealFromLead(lead, in)
		if deal.Number, err = nextNumber(ctx, r, s.opts.IdentifierPrefix, pipeline.KindDeal, now); err != nil {
			return err
		}
		if err := r.Deals.Create(ctx, deal); err != nil {
			return err
		}
		if err := r.Leads.MarkConverted(ctx, lead.ID, deal.ID); err != nil {
			if errors.Is(err, repositories.ErrAlreadyConverted) {
				return apperr.Conflict("lead already converted")
			}
			return err
		}

		_, effects, err := pipeline.ConvertLead(*lead, *deal, now)
		if err != nil {
			return err
		}
		msgs, err = applyEffects(ctx, r, actor, now, effects)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.dispatcher.Dispatch(msgs...)
	s.log.Info().Int("lead_id", id).Int("deal_id", deal.ID).Str("deal_number", deal.Number).Msg("lead converted")
	return deal, nil
}

func dealFromLead(lead *models.Leads, in ConvertLeadInput) *models.Deals {
	leadID := lead.ID
	d := &models.Deals{
		Title:             strings.TrimSpace(in.Title),
		Value:             lead.EstimatedValue,
		Currency:          strings.ToUpper(in.Currency),
		Stage:             models.DealStageReservation,
		Result:            models.DealResultPending,
		Probability:       pipeline.ProbabilityFor(models.DealStageReservation),
		PropertyID:        in.PropertyID,
		PropertyType:      in.PropertyType,
		UnitNumber:        in.UnitNumber,
		ExpectedCloseDate: in.ExpectedCloseDate,
		OwnerID:           lead.OwnerID,
		ClientID:          lead.ClientID,
		OfficeID:          lead.OfficeID,
		LeadID:            &leadID,
	}
	if d.Title == "" {
		d.Title = lead.Title
	}
	if in.Value != nil {
		d.Value = *in.Value
	}
	if d.Currency == "" {
		d.Currency = lead.Currency
	}
	if d.PropertyType == "" {
		d.PropertyType = lead.PropertyType
	}
	if d.PropertyID == nil {
		d.PropertyID = lead.InterestedPropertyID
	}
	return d
}

// Delete purges a lead. Elevated roles only.
func (s *LeadService) Delete(ctx context.Context, actor authz.Actor, id int) error {
	if err := authz.RequireElevated(actor); err != nil {
		return err
	}
	now := s.opts.Now()
	var msgs []models.OutboxMessage
	err := s.store.WithinTx(ctx, func(ctx context.Context, r repositories.Repos) error {
		lead, err := r.Leads.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if lead == nil {
			return apperr.NotFound("lead not found")
		}
		if err := checkOffice(actor, lead.OfficeID); err != nil {
			return err
		}
		if err := r.Leads.Delete(ctx, id); err != nil {
			return err
		}
		msgs, err = applyEffects(ctx, r, actor, now, auditOnly(pipeline.ActionDelete, models.EntityLead, id, map[string]pipeline.Change{
			"number":   {From: lead.Number, To: nil},
			"title":    {From: lead.Title, To: nil},
			"stage":    {From: lead.Stage, To: nil},
			"owner_id": {From: lead.OwnerID, To: nil},
		}))
		return err
	})
	if err != nil {
		return err
	}
	s.dispatcher.Dispatch(msgs...)
	s.log.Warn().Int("lead_id", id).Int("actor_id", actor.UserID).Msg("lead purged")
	return nil
}

func (s *LeadService) Stats(ctx context.Context, actor authz.Actor) (*models.LeadStats, error) {
	if err := authz.Authenticated(actor); err != nil {
		return nil, err
	}
	return s.store.Repos().Leads.Stats(ctx, actor.OfficeScope(), actor.OwnerScope(), s.opts.Now())
}

func (s *LeadService) Analytics(ctx context.Context, actor authz.Actor) (*models.LeadAnalytics, error) {
	if err := authz.Authenticated(actor); err != nil {
		return nil, err
	}
	return s.store.Repos().Leads.Analytics(ctx, actor.OfficeScope(), actor.OwnerScope())
}

type leadMutation func(ctx context.Context, r repositories.Repos, lead models.Leads, now time.Time) (models.Leads, []pipeline.Effect, error)

// mutate locks the lead, checks write access, applies fn and persists the
// result with its effects in one transaction. Outbox messages are
// dispatched after commit. Converted leads are frozen.
func (s *LeadService) mutate(ctx context.Context, actor authz.Actor, id int, fn leadMutation) (*models.Leads, error) {
	return s.apply(ctx, actor, id, false, fn)
}

// annotate is mutate for the note timeline, which stays open after conversion.
func (s *LeadService) annotate(ctx context.Context, actor authz.Actor, id int, fn leadMutation) (*models.Leads, error) {
	return s.apply(ctx, actor, id, true, fn)
}

func (s *LeadService) apply(ctx context.Context, actor authz.Actor, id int, allowConverted bool, fn leadMutation) (*models.Leads, error) {
	if err := authz.CanCreate(actor); err != nil {
		return nil, err
	}
	now := s.opts.Now()
	var (
		result models.Leads
		msgs   []models.OutboxMessage
	)
	err := s.store.WithinTx(ctx, func(ctx context.Context, r repositories.Repos) error {
		lead, err := r.Leads.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if lead == nil {
			return apperr.NotFound("lead not found")
		}
		if err := authz.CanMutate(actor, lead.OwnerID); err != nil {
			return err
		}
		if err := checkOffice(actor, lead.OfficeID); err != nil {
			return err
		}
		if lead.Converted() && !allowConverted {
			return apperr.Conflict("lead already converted")
		}

		updated, effects, err := fn(ctx, r, *lead, now)
		if err != nil {
			return err
		}
		if leadChanged(*lead, updated) {
			if err := r.Leads.Update(ctx, &updated); err != nil {
				return err
			}
		}
		result = updated
		msgs, err = applyEffects(ctx, r, actor, now, effects)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.dispatcher.Dispatch(msgs...)
	return &result, nil
}

func leadChanged(before, after models.Leads) bool {
	after.UpdatedAt = before.UpdatedAt
	return !reflect.DeepEqual(before, after)
}
