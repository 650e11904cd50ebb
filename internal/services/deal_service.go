package services

import (
	"context"
	"fmt"
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

type DealService struct {
	store      Store
	dispatcher Dispatcher
	opts       Options
	log        zerolog.Logger
}

func NewDealService(store Store, dispatcher Dispatcher, opts Options, log zerolog.Logger) *DealService {
	return &DealService{
		store:      store,
		dispatcher: dispatcher,
		opts:       opts.withDefaults(),
		log:        log.With().Str("component", "deal_service").Logger(),
	}
}

type CreateDealInput struct {
	Title             string           `json:"title" validate:"required,max=200"`
	Value             decimal.Decimal  `json:"value"`
	Currency          string           `json:"currency" validate:"omitempty,len=3"`
	Stage             models.DealStage `json:"stage"`
	PropertyID        *int             `json:"property_id"`
	PropertyType      string           `json:"property_type"`
	UnitNumber        string           `json:"unit_number"`
	ExpectedCloseDate *time.Time       `json:"expected_close_date"`
	OwnerID           int              `json:"owner_id" validate:"gte=0"`
	ClientID          int              `json:"client_id" validate:"gte=0"`
}

// UpdateDealInput carries editable deal attributes. Stage and result are
// only changed through the stage and close operations.
type UpdateDealInput struct {
	Title             *string          `json:"title" validate:"omitempty,min=1,max=200"`
	Value             *decimal.Decimal `json:"value"`
	Currency          *string          `json:"currency" validate:"omitempty,len=3"`
	PropertyID        *int             `json:"property_id"`
	PropertyType      *string          `json:"property_type"`
	UnitNumber        *string          `json:"unit_number"`
	ExpectedCloseDate *time.Time       `json:"expected_close_date"`
	OwnerID           *int             `json:"owner_id" validate:"omitempty,gt=0"`
	ClientID          *int             `json:"client_id" validate:"omitempty,gte=0"`
}

func (s *DealService) Create(ctx context.Context, actor authz.Actor, in CreateDealInput) (*models.Deals, error) {
	if err := authz.CanCreate(actor); err != nil {
		return nil, err
	}
	if err := validateInput(in); err != nil {
		return nil, err
	}
	if in.Value.IsNegative() {
		return nil, apperr.Validation("value cannot be negative")
	}
	stage := models.DealStage(strings.ToUpper(string(in.Stage)))
	if stage == "" {
		stage = models.DealStageReservation
	}
	if !stage.Valid() {
		return nil, apperr.Validationf("invalid deal stage %q", in.Stage)
	}
	if stage.Terminal() {
		return nil, apperr.Validation("a deal cannot be created closed")
	}

	ownerID := in.OwnerID
	if ownerID == 0 {
		ownerID = actor.UserID
	}
	if ownerID != actor.UserID && !actor.Elevated() {
		return nil, apperr.Unauthorized("only elevated roles may create deals for another agent")
	}

	now := s.opts.Now()
	deal := &models.Deals{
		Title:             strings.TrimSpace(in.Title),
		Value:             in.Value,
		Currency:          strings.ToUpper(in.Currency),
		Stage:             stage,
		Result:            models.DealResultPending,
		Probability:       pipeline.ProbabilityFor(stage),
		PropertyID:        in.PropertyID,
		PropertyType:      in.PropertyType,
		UnitNumber:        in.UnitNumber,
		ExpectedCloseDate: in.ExpectedCloseDate,
		OwnerID:           ownerID,
		ClientID:          in.ClientID,
	}

	var msgs []models.OutboxMessage
	err := s.store.WithinTx(ctx, func(ctx context.Context, r repositories.Repos) error {
		owner, err := r.Users.GetByID(ctx, ownerID)
		if err != nil {
			return err
		}
		if owner == nil {
			return apperr.NotFound("owner not found")
		}
		deal.OfficeID = owner.OfficeID
		if deal.OfficeID == 0 {
			deal.OfficeID = actor.OfficeID
		}
		if deal.ClientID != 0 {
			client, err := r.Clients.GetByID(ctx, deal.ClientID)
			if err != nil {
				return err
			}
			if client == nil {
				return apperr.NotFound("client not found")
			}
		}
		if deal.Number, err = nextNumber(ctx, r, s.opts.IdentifierPrefix, pipeline.KindDeal, now); err != nil {
			return err
		}
		if err := r.Deals.Create(ctx, deal); err != nil {
			return err
		}
		effects := auditOnly(pipeline.ActionCreate, models.EntityDeal, deal.ID, map[string]pipeline.Change{
			"number":   {To: deal.Number},
			"stage":    {To: deal.Stage},
			"value":    {To: deal.Value},
			"owner_id": {To: deal.OwnerID},
		})
		msgs, err = applyEffects(ctx, r, actor, now, effects)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.dispatcher.Dispatch(msgs...)
	s.log.Info().Int("deal_id", deal.ID).Str("number", deal.Number).Int("actor_id", actor.UserID).Msg("deal created")
	return deal, nil
}

func (s *DealService) GetByID(ctx context.Context, actor authz.Actor, id int) (*models.Deals, error) {
	deal, err := s.store.Repos().Deals.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.visible(actor, deal)
}

func (s *DealService) GetByNumber(ctx context.Context, actor authz.Actor, number string) (*models.Deals, error) {
	id, err := pipeline.ParseIdentifier(strings.TrimSpace(number))
	if err != nil {
		return nil, err
	}
	if id.Kind != pipeline.KindDeal {
		return nil, apperr.Validationf("%s is not a deal identifier", number)
	}
	deal, err := s.store.Repos().Deals.GetByNumber(ctx, id.String())
	if err != nil {
		return nil, err
	}
	return s.visible(actor, deal)
}

func (s *DealService) visible(actor authz.Actor, deal *models.Deals) (*models.Deals, error) {
	if err := authz.Authenticated(actor); err != nil {
		return nil, err
	}
	if deal == nil {
		return nil, apperr.NotFound("deal not found")
	}
	if err := authz.CanRead(actor, deal.OwnerID); err != nil {
		return nil, err
	}
	if err := checkOffice(actor, deal.OfficeID); err != nil {
		return nil, err
	}
	return deal, nil
}

func (s *DealService) List(ctx context.Context, actor authz.Actor, f models.DealFilter) ([]models.Deals, error) {
	if err := authz.Authenticated(actor); err != nil {
		return nil, err
	}
	f.OfficeID = actor.OfficeScope()
	if owner := actor.OwnerScope(); owner != 0 {
		f.OwnerID = owner
	}
	return s.store.Repos().Deals.List(ctx, f)
}

func (s *DealService) Update(ctx context.Context, actor authz.Actor, id int, in UpdateDealInput) (*models.Deals, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	return s.mutate(ctx, actor, id, func(ctx context.Context, r repositories.Repos, d models.Deals, now time.Time) (models.Deals, []pipeline.Effect, error) {
		if d.Stage.Terminal() {
			return d, nil, apperr.Conflict("deal is closed")
		}
		changes := map[string]pipeline.Change{}
		if in.Title != nil {
			t := strings.TrimSpace(*in.Title)
			if t == "" {
				return d, nil, apperr.Validation("title is required")
			}
			if t != d.Title {
				changes["title"] = pipeline.Change{From: d.Title, To: t}
				d.Title = t
			}
		}
		if in.Value != nil && !in.Value.Equal(d.Value) {
			if in.Value.IsNegative() {
				return d, nil, apperr.Validation("value cannot be negative")
			}
			changes["value"] = pipeline.Change{From: d.Value, To: *in.Value}
			d.Value = *in.Value
		}
		if in.Currency != nil {
			c := strings.ToUpper(*in.Currency)
			if c != d.Currency {
				changes["currency"] = pipeline.Change{From: d.Currency, To: c}
				d.Currency = c
			}
		}
		if in.PropertyID != nil && (d.PropertyID == nil || *d.PropertyID != *in.PropertyID) {
			changes["property_id"] = pipeline.Change{From: d.PropertyID, To: *in.PropertyID}
			d.PropertyID = in.PropertyID
		}
		if in.PropertyType != nil && *in.PropertyType != d.PropertyType {
			changes["property_type"] = pipeline.Change{From: d.PropertyType, To: *in.PropertyType}
			d.PropertyType = *in.PropertyType
		}
		if in.UnitNumber != nil && *in.UnitNumber != d.UnitNumber {
			changes["unit_number"] = pipeline.Change{From: d.UnitNumber, To: *in.UnitNumber}
			d.UnitNumber = *in.UnitNumber
		}
		if in.ExpectedCloseDate != nil && (d.ExpectedCloseDate == nil || !d.ExpectedCloseDate.Equal(*in.ExpectedCloseDate)) {
			changes["expected_close_date"] = pipeline.Change{From: d.ExpectedCloseDate, To: *in.ExpectedCloseDate}
			d.ExpectedCloseDate = in.ExpectedCloseDate
		}
		if in.ClientID != nil && *in.ClientID != d.ClientID {
			if *in.ClientID != 0 {
				client, err := r.Clients.GetByID(ctx, *in.ClientID)
				if err != nil {
					return d, nil, err
				}
				if client == nil {
					return d, nil, apperr.NotFound("client not found")
				}
			}
			changes["client_id"] = pipeline.Change{From: d.ClientID, To: *in.ClientID}
			d.ClientID = *in.ClientID
		}

		var effects []pipeline.Effect
		if in.OwnerID != nil && *in.OwnerID != d.OwnerID {
			if !actor.Elevated() {
				return d, nil, apperr.Unauthorized("only elevated roles may reassign deals")
			}
			owner, err := r.Users.GetByID(ctx, *in.OwnerID)
			if err != nil {
				return d, nil, err
			}
			if owner == nil {
				return d, nil, apperr.NotFound("owner not found")
			}
			changes["owner_id"] = pipeline.Change{From: d.OwnerID, To: owner.ID}
			d.OwnerID = owner.ID
			effects = append(effects, pipeline.RecordActivity{
				Type:   models.ActivityAssignment,
				DealID: &d.ID,
				Body:   fmt.Sprintf("Deal reassigned to user %d", owner.ID),
			})
			if owner.ID != actor.UserID {
				effects = append(effects, pipeline.Notify{
					UserIDs: []int{owner.ID},
					Exclude: actor.UserID,
					Type:    models.NotifyDealAssigned,
					Title:   "Deal assigned to you",
					Body:    fmt.Sprintf("%s %s", d.Number, d.Title),
					Link:    pipeline.DealLink(d.ID),
				})
			}
		}
		if len(changes) == 0 {
			return d, nil, nil
		}
		d.UpdatedAt = now
		effects = append(effects, auditOnly(pipeline.ActionUpdate, models.EntityDeal, d.ID, changes)...)
		return d, effects, nil
	})
}

// UpdateStage moves a deal along its adjacency. Moving to COMPLETED closes
// the deal as won and creates its commission.
func (s *DealService) UpdateStage(ctx context.Context, actor authz.Actor, id int, stage models.DealStage) (*models.Deals, error) {
	stage = models.DealStage(strings.ToUpper(strings.TrimSpace(string(stage))))
	return s.mutate(ctx, actor, id, func(_ context.Context, _ repositories.Repos, d models.Deals, now time.Time) (models.Deals, []pipeline.Effect, error) {
		return pipeline.TransitionDeal(d, stage, actor, now, s.opts.CommissionRate)
	})
}

// CloseWon completes an open deal from any stage.
func (s *DealService) CloseWon(ctx context.Context, actor authz.Actor, id int) (*models.Deals, error) {
	deal, err := s.mutate(ctx, actor, id, func(_ context.Context, _ repositories.Repos, d models.Deals, now time.Time) (models.Deals, []pipeline.Effect, error) {
		return pipeline.CloseDealWon(d, actor, now, s.opts.CommissionRate)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().Int("deal_id", deal.ID).Str("value", deal.Value.String()).Msg("deal won")
	return deal, nil
}

func (s *DealService) CloseLost(ctx context.Context, actor authz.Actor, id int, reason string) (*models.Deals, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, apperr.Validation("lost reason is required")
	}
	return s.mutate(ctx, actor, id, func(_ context.Context, _ repositories.Repos, d models.Deals, now time.Time) (models.Deals, []pipeline.Effect, error) {
		return pipeline.CloseDealLost(d, reason, actor, now)
	})
}

// Delete removes a deal. Won deals and deals produced by a lead
// conversion are kept for the commission and lead history.
func (s *DealService) Delete(ctx context.Context, actor authz.Actor, id int) error {
	if err := authz.RequireElevated(actor); err != nil {
		return err
	}
	now := s.opts.Now()
	var msgs []models.OutboxMessage
	err := s.store.WithinTx(ctx, func(ctx context.Context, r repositories.Repos) error {
		deal, err := r.Deals.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if deal == nil {
			return apperr.NotFound("deal not found")
		}
		if err := checkOffice(actor, deal.OfficeID); err != nil {
			return err
		}
		if deal.Result == models.DealResultWon {
			return apperr.Conflict("won deals cannot be deleted")
		}
		if deal.LeadID != nil {
			return apperr.Conflict("deal was converted from a lead")
		}
		if err := r.Deals.Delete(ctx, id); err != nil {
			return err
		}
		msgs, err = applyEffects(ctx, r, actor, now, auditOnly(pipeline.ActionDelete, models.EntityDeal, id, map[string]pipeline.Change{
			"number": {From: deal.Number, To: nil},
			"title":  {From: deal.Title, To: nil},
			"stage":  {From: deal.Stage, To: nil},
			"value":  {From: deal.Value, To: nil},
		}))
		return err
	})
	if err != nil {
		return err
	}
	s.dispatcher.Dispatch(msgs...)
	s.log.Warn().Int("deal_id", id).Int("actor_id", actor.UserID).Msg("deal deleted")
	return nil
}

func (s *DealService) Stats(ctx context.Context, actor authz.Actor) (*models.DealStats, error) {
	if err := authz.Authenticated(actor); err != nil {
		return nil, err
	}
	return s.store.Repos().Deals.Stats(ctx, actor.OfficeScope(), actor.OwnerScope())
}

func (s *DealService) ListActivities(ctx context.Context, actor authz.Actor, id int) ([]models.Activity, error) {
	if _, err := s.GetByID(ctx, actor, id); err != nil {
		return nil, err
	}
	return s.store.Repos().Activities.ListByDeal(ctx, id)
}

// Commission returns the commission of a won deal.
func (s *DealService) Commission(ctx context.Context, actor authz.Actor, id int) (*models.Commission, error) {
	if _, err := s.GetByID(ctx, actor, id); err != nil {
		return nil, err
	}
	c, err := s.store.Repos().Commissions.GetByDeal(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, apperr.NotFound("commission not found")
	}
	return c, nil
}

type dealMutation func(ctx context.Context, r repositories.Repos, deal models.Deals, now time.Time) (models.Deals, []pipeline.Effect, error)

func (s *DealService) mutate(ctx context.Context, actor authz.Actor, id int, fn dealMutation) (*models.Deals, error) {
	if err := authz.CanCreate(actor); err != nil {
		return nil, err
	}
	now := s.opts.Now()
	var (
		result models.Deals
		msgs   []models.OutboxMessage
	)
	err := s.store.WithinTx(ctx, func(ctx context.Context, r repositories.Repos) error {
		deal, err := r.Deals.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if deal == nil {
			return apperr.NotFound("deal not found")
		}
		if err := authz.CanMutate(actor, deal.OwnerID); err != nil {
			return err
		}
		if err := checkOffice(actor, deal.OfficeID); err != nil {
			return err
		}

		updated, effects, err := fn(ctx, r, *deal, now)
		if err != nil {
			return err
		}
		if err := pipeline.CheckDealResult(updated); err != nil {
			return err
		}
		if len(effects) > 0 {
			if err := r.Deals.Update(ctx, &updated); err != nil {
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
