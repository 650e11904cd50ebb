package pipeline

import (
	"fmt"
	"time"

	"brokercrm/internal/apperr"
	"brokercrm/internal/authz"
	"brokercrm/internal/models"
)

// ChangeLeadStage moves a lead to another stage. Moves between open stages
// are free; WON is only reachable through conversion and a converted lead
// is frozen.
func ChangeLeadStage(l models.Leads, to models.LeadStage, actor authz.Actor, now time.Time) (models.Leads, []Effect, error) {
	if !to.Valid() {
		return l, nil, apperr.Validationf("unknown lead stage %q", to)
	}
	if l.Converted() {
		return l, nil, apperr.Conflict("lead already converted")
	}
	if to == models.LeadStageWon {
		return l, nil, apperr.Validation("a lead is won only by converting it to a deal")
	}
	if l.Stage == to {
		return l, nil, apperr.Validationf("lead is already in stage %s", to)
	}

	from := l.Stage
	l.Stage = to
	l.UpdatedAt = now

	effects := []Effect{
		RecordActivity{
			Type:   models.ActivityStageChange,
			LeadID: intPtr(l.ID),
			Body:   fmt.Sprintf("Stage changed from %s to %s", from, to),
		},
		AuditEntry{
			Action:     ActionStageChange,
			EntityType: models.EntityLead,
			EntityID:   l.ID,
			Changes:    map[string]Change{"stage": {From: from, To: to}},
		},
	}
	effects = append(effects, notifyOwnerIfOther(l.OwnerID, actor, Notify{
		Type:  models.NotifyLeadStageChanged,
		Title: "Lead stage changed",
		Body:  fmt.Sprintf("%s moved from %s to %s", l.Number, from, to),
		Link:  LeadLink(l.ID),
	})...)
	return l, effects, nil
}

// ConvertLead marks the lead as won by the given deal. The repository
// guards the write-once column; this only checks the in-memory state.
func ConvertLead(l models.Leads, deal models.Deals, now time.Time) (models.Leads, []Effect, error) {
	if l.Converted() {
		return l, nil, apperr.Conflict("lead already converted")
	}
	from := l.Stage
	l.Stage = models.LeadStageWon
	l.ConvertedDealID = intPtr(deal.ID)
	l.UpdatedAt = now

	effects := []Effect{
		RecordActivity{
			Type:   models.ActivityConversion,
			LeadID: intPtr(l.ID),
			DealID: intPtr(deal.ID),
			Body:   fmt.Sprintf("Lead %s converted to deal %s", l.Number, deal.Number),
		},
		AuditEntry{
			Action:     ActionConvert,
			EntityType: models.EntityLead,
			EntityID:   l.ID,
			Changes: map[string]Change{
				"stage":             {From: from, To: l.Stage},
				"converted_deal_id": {From: nil, To: deal.ID},
			},
		},
		AuditEntry{
			Action:     ActionCreate,
			EntityType: models.EntityDeal,
			EntityID:   deal.ID,
			Changes: map[string]Change{
				"number":  {To: deal.Number},
				"lead_id": {To: l.ID},
			},
		},
	}
	return l, effects, nil
}
