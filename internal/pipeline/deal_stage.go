package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"brokercrm/internal/apperr"
	"brokercrm/internal/authz"
	"brokercrm/internal/models"
)

// DealTransitions lists the allowed moves. Forward along the closing path,
// CONTRACT straight to TITLE_DEED for cash purchases, one step back between
// open stages, and CANCELLED from anything open.
var DealTransitions = map[models.DealStage]map[models.DealStage]bool{
	models.DealStageReservation: {models.DealStageDeposit: true, models.DealStageCancelled: true},
	models.DealStageDeposit: {
		models.DealStageContract:    true,
		models.DealStageReservation: true,
		models.DealStageCancelled:   true,
	},
	models.DealStageContract: {
		models.DealStagePaymentPlan: true,
		models.DealStageTitleDeed:   true,
		models.DealStageDeposit:     true,
		models.DealStageCancelled:   true,
	},
	models.DealStagePaymentPlan: {
		models.DealStageTitleDeed: true,
		models.DealStageContract:  true,
		models.DealStageCancelled: true,
	},
	models.DealStageTitleDeed: {
		models.DealStageCompleted:   true,
		models.DealStagePaymentPlan: true,
		models.DealStageCancelled:   true,
	},
	models.DealStageCompleted: {},
	models.DealStageCancelled: {},
}

var stageProbability = map[models.DealStage]int{
	models.DealStageReservation: 20,
	models.DealStageDeposit:     40,
	models.DealStageContract:    60,
	models.DealStagePaymentPlan: 75,
	models.DealStageTitleDeed:   90,
	models.DealStageCompleted:   100,
	models.DealStageCancelled:   0,
}

func CanTransitionDeal(current, to models.DealStage) bool {
	nexts, ok := DealTransitions[current]
	if !ok {
		return false
	}
	return nexts[to]
}

func ProbabilityFor(stage models.DealStage) int {
	return stageProbability[stage]
}

// TransitionDeal applies a stage change requested through the stage
// endpoint. Entering COMPLETED closes the deal as won.
func TransitionDeal(d models.Deals, to models.DealStage, actor authz.Actor, now time.Time, rate decimal.Decimal) (models.Deals, []Effect, error) {
	if !to.Valid() {
		return d, nil, apperr.Validationf("unknown deal stage %q", to)
	}
	if d.Stage.Terminal() {
		return d, nil, apperr.Conflict("deal already closed")
	}
	if !CanTransitionDeal(d.Stage, to) {
		return d, nil, apperr.Validationf("illegal deal transition %s -> %s", d.Stage, to)
	}
	switch to {
	case models.DealStageCompleted:
		return closeWon(d, actor, now, rate)
	case models.DealStageCancelled:
		return cancel(d, actor, now)
	}

	from := d.Stage
	d.Stage = to
	d.Probability = ProbabilityFor(to)
	d.UpdatedAt = now
	return d, []Effect{
		RecordActivity{
			Type:   models.ActivityStageChange,
			DealID: intPtr(d.ID),
			Body:   fmt.Sprintf("Stage changed from %s to %s", from, to),
		},
		stageAudit(d, ActionStageChange, from),
		notifyOtherParty(d.OwnerID, actor, Notify{
			Type:  models.NotifyDealStageChanged,
			Title: "Deal stage changed",
			Body:  fmt.Sprintf("%s moved from %s to %s", d.Number, from, to),
			Link:  DealLink(d.ID),
		}),
	}, nil
}

// CloseDealWon closes an open deal as won from any open stage.
func CloseDealWon(d models.Deals, actor authz.Actor, now time.Time, rate decimal.Decimal) (models.Deals, []Effect, error) {
	if d.Stage.Terminal() {
		return d, nil, apperr.Conflict("deal already closed")
	}
	return closeWon(d, actor, now, rate)
}

// CloseDealLost closes an open deal as lost. The reason is required.
func CloseDealLost(d models.Deals, reason string, actor authz.Actor, now time.Time) (models.Deals, []Effect, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return d, nil, apperr.Validation("lost reason is required")
	}
	if d.Stage.Terminal() {
		return d, nil, apperr.Conflict("deal already closed")
	}

	from := d.Stage
	d.Stage = models.DealStageCancelled
	d.Result = models.DealResultLost
	d.Probability = ProbabilityFor(models.DealStageCancelled)
	d.LostReason = reason
	d.ActualCloseDate = &now
	d.UpdatedAt = now

	audit := stageAudit(d, ActionCloseLost, from)
	audit.Changes["lost_reason"] = Change{To: reason}

	effects := []Effect{
		RecordActivity{
			Type:   models.ActivityStageChange,
			DealID: intPtr(d.ID),
			Body:   fmt.Sprintf("Deal lost: %s", reason),
		},
		audit,
	}
	effects = append(effects, notifyOwnerIfOther(d.OwnerID, actor, Notify{
		Type:  models.NotifyDealLost,
		Title: "Deal lost",
		Body:  fmt.Sprintf("%s closed as lost: %s", d.Number, reason),
		Link:  DealLink(d.ID),
	})...)
	return d, effects, nil
}

// Commission returns the amount owed on a deal value.
func Commission(value, rate decimal.Decimal) decimal.Decimal {
	return value.Mul(rate)
}

// CheckDealResult verifies the stage/result pairing of a deal.
func CheckDealResult(d models.Deals) error {
	switch {
	case (d.Stage == models.DealStageCompleted) != (d.Result == models.DealResultWon):
		return apperr.Validationf("stage %s does not match result %s", d.Stage, d.Result)
	case d.Stage == models.DealStageCancelled && d.Result != models.DealResultLost && d.Result != models.DealResultCancelled:
		return apperr.Validationf("cancelled deal cannot have result %s", d.Result)
	case !d.Stage.Terminal() && d.Result != models.DealResultPending:
		return apperr.Validationf("open deal cannot have result %s", d.Result)
	case d.Result == models.DealResultLost && strings.TrimSpace(d.LostReason) == "":
		return apperr.Validation("lost deal requires a reason")
	}
	return nil
}

func closeWon(d models.Deals, actor authz.Actor, now time.Time, rate decimal.Decimal) (models.Deals, []Effect, error) {
	from := d.Stage
	d.Stage = models.DealStageCompleted
	d.Result = models.DealResultWon
	d.Probability = ProbabilityFor(models.DealStageCompleted)
	d.ActualCloseDate = &now
	d.UpdatedAt = now

	amount := Commission(d.Value, rate)
	link := DealLink(d.ID)

	effects := []Effect{
		RecordActivity{
			Type:   models.ActivityStageChange,
			DealID: intPtr(d.ID),
			Body:   fmt.Sprintf("Deal won at %s %s", d.Value.StringFixed(2), d.Currency),
		},
		CreateCommission{
			DealID:   d.ID,
			AgentID:  d.OwnerID,
			Amount:   amount,
			Rate:     rate,
			Currency: d.Currency,
		},
		stageAudit(d, ActionCloseWon, from),
	}
	effects = append(effects, notifyOwnerIfOther(d.OwnerID, actor, Notify{
		Type:  models.NotifyDealWon,
		Title: "Deal won",
		Body:  fmt.Sprintf("%s closed as won. Commission %s %s pending.", d.Number, amount.StringFixed(2), d.Currency),
		Link:  link,
	})...)
	effects = append(effects, Notify{
		ToElevated: true,
		Exclude:    actor.UserID,
		Type:       models.NotifyCommissionPending,
		Title:      "Commission pending approval",
		Body:       fmt.Sprintf("%s: %s %s for user %d", d.Number, amount.StringFixed(2), d.Currency, d.OwnerID),
		Link:       link,
	})
	return d, effects, nil
}

func cancel(d models.Deals, actor authz.Actor, now time.Time) (models.Deals, []Effect, error) {
	from := d.Stage
	d.Stage = models.DealStageCancelled
	d.Result = models.DealResultCancelled
	d.Probability = ProbabilityFor(models.DealStageCancelled)
	d.ActualCloseDate = &now
	d.UpdatedAt = now
	return d, []Effect{
		RecordActivity{
			Type:   models.ActivityStageChange,
			DealID: intPtr(d.ID),
			Body:   fmt.Sprintf("Deal cancelled at %s", from),
		},
		stageAudit(d, ActionStageChange, from),
		notifyOtherParty(d.OwnerID, actor, Notify{
			Type:  models.NotifyDealStageChanged,
			Title: "Deal cancelled",
			Body:  fmt.Sprintf("%s was cancelled at %s", d.Number, from),
			Link:  DealLink(d.ID),
		}),
	}, nil
}

func stageAudit(d models.Deals, action string, from models.DealStage) AuditEntry {
	changes := map[string]Change{"stage": {From: from, To: d.Stage}}
	if d.Result != models.DealResultPending {
		changes["result"] = Change{From: models.DealResultPending, To: d.Result}
	}
	return AuditEntry{
		Action:     action,
		EntityType: models.EntityDeal,
		EntityID:   d.ID,
		Changes:    changes,
	}
}
