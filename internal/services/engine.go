package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"brokercrm/internal/apperr"
	"brokercrm/internal/authz"
	"brokercrm/internal/models"
	"brokercrm/internal/pipeline"
	"brokercrm/internal/repositories"
)

// Store is the persistence the services run on. *repositories.Store
// implements it against Postgres.
type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, r repositories.Repos) error) error
	Repos() repositories.Repos
}

// Dispatcher receives outbox messages after their transaction committed.
type Dispatcher interface {
	Dispatch(msgs ...models.OutboxMessage)
}

// Options tune the pipeline rules.
type Options struct {
	IdentifierPrefix string
	CommissionRate   decimal.Decimal
	Now              func() time.Time
}

func (o Options) withDefaults() Options {
	if o.IdentifierPrefix == "" {
		o.IdentifierPrefix = "PQT"
	}
	if o.CommissionRate.IsZero() {
		o.CommissionRate = decimal.RequireFromString("0.03")
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

var validate = validator.New()

func validateInput(in any) error {
	err := validate.Struct(in)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required":
			return apperr.Validationf("%s is required", field)
		case "oneof":
			return apperr.Validationf("%s must be one of %s", field, fe.Param())
		default:
			return apperr.Validationf("%s is invalid (%s)", field, fe.Tag())
		}
	}
	return apperr.Validation(err.Error())
}

// nextNumber draws the next display identifier inside the transaction.
func nextNumber(ctx context.Context, r repositories.Repos, prefix string, kind pipeline.IdentifierKind, now time.Time) (string, error) {
	day := pipeline.SequenceDay(now)
	seq, err := r.Sequences.Next(ctx, pipeline.SequenceScope(prefix, kind), day)
	if err != nil {
		return "", err
	}
	return pipeline.FormatIdentifier(prefix, kind, day, seq), nil
}

// applyEffects writes activities and commissions in the transaction and
// stores audit and notification effects in the outbox. The returned
// messages are handed to the dispatcher once the transaction committed.
func applyEffects(ctx context.Context, r repositories.Repos, actor authz.Actor, now time.Time, effects []pipeline.Effect) ([]models.OutboxMessage, error) {
	var out []models.OutboxMessage
	for _, e := range effects {
		switch eff := e.(type) {
		case pipeline.RecordActivity:
			if err := r.Activities.Create(ctx, &models.Activity{
				Type:   eff.Type,
				LeadID: eff.LeadID,
				DealID: eff.DealID,
				UserID: actor.UserID,
				Body:   eff.Body,
			}); err != nil {
				return nil, err
			}
		case pipeline.CreateCommission:
			if _, err := r.Commissions.CreateOnce(ctx, &models.Commission{
				DealID:   eff.DealID,
				AgentID:  eff.AgentID,
				Amount:   eff.Amount,
				Rate:     eff.Rate,
				Currency: eff.Currency,
				Status:   models.CommissionPending,
			}); err != nil {
				return nil, err
			}
		case pipeline.AuditEntry:
			changes, err := json.Marshal(eff.Changes)
			if err != nil {
				return nil, fmt.Errorf("marshal audit changes: %w", err)
			}
			msg, err := enqueue(ctx, r, models.OutboxAudit, models.AuditPayload{
				Action:     eff.Action,
				EntityType: eff.EntityType,
				EntityID:   eff.EntityID,
				Changes:    changes,
				ActorID:    actor.UserID,
				At:         now,
			})
			if err != nil {
				return nil, err
			}
			out = append(out, msg)
		case pipeline.Notify:
			msg, err := enqueue(ctx, r, models.OutboxNotify, models.NotifyPayload{
				UserIDs:       eff.UserIDs,
				ToElevated:    eff.ToElevated,
				ExcludeUserID: eff.Exclude,
				Type:          eff.Type,
				Title:         eff.Title,
				Body:          eff.Body,
				Link:          eff.Link,
			})
			if err != nil {
				return nil, err
			}
			out = append(out, msg)
		default:
			return nil, fmt.Errorf("unhandled effect %T", e)
		}
	}
	return out, nil
}

func enqueue(ctx context.Context, r repositories.Repos, kind models.OutboxKind, payload any) (models.OutboxMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return models.OutboxMessage{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	msg := models.OutboxMessage{Kind: kind, Payload: body, Status: models.OutboxPending}
	if err := r.Outbox.Insert(ctx, &msg); err != nil {
		return models.OutboxMessage{}, err
	}
	return msg, nil
}

func auditOnly(action, entityType string, id int, changes map[string]pipeline.Change) []pipeline.Effect {
	return []pipeline.Effect{pipeline.AuditEntry{
		Action:     action,
		EntityType: entityType,
		EntityID:   id,
		Changes:    changes,
	}}
}

// checkOffice keeps non-admin actors inside their office.
func checkOffice(actor authz.Actor, officeID int) error {
	scope := actor.OfficeScope()
	if scope == 0 || officeID == 0 || scope == officeID {
		return nil
	}
	return apperr.Unauthorized("record belongs to another office")
}
