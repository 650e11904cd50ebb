// Package pipeline holds the lead and deal rules: stage machines, scoring,
// SLA deadlines and display identifiers. Functions here are pure; they
// return the new entity state plus the side effects the caller must apply.
package pipeline

import (
	"fmt"

	"github.com/shopspring/decimal"

	"brokercrm/internal/authz"
	"brokercrm/internal/models"
)

// Effect is one side effect of a transition. The concrete types below are
// the only implementations.
type Effect interface {
	isEffect()
}

// RecordActivity appends a timeline entry inside the transaction.
type RecordActivity struct {
	Type   models.ActivityType
	LeadID *int
	DealID *int
	Body   string
}

// CreateCommission creates the single commission of a won deal inside the
// transaction.
type CreateCommission struct {
	DealID   int
	AgentID  int
	Amount   decimal.Decimal
	Rate     decimal.Decimal
	Currency string
}

// Change is an old/new value pair in an audit changeset.
type Change struct {
	From any `json:"from"`
	To   any `json:"to"`
}

// AuditEntry is delivered to the audit sink after commit.
type AuditEntry struct {
	Action     string
	EntityType string
	EntityID   int
	Changes    map[string]Change
}

// Notify is delivered to the notification dispatcher after commit. The
// actor is never notified about their own action.
type Notify struct {
	UserIDs    []int
	ToElevated bool
	Exclude    int
	Type       string
	Title      string
	Body       string
	Link       string
}

func (RecordActivity) isEffect()   {}
func (CreateCommission) isEffect() {}
func (AuditEntry) isEffect()       {}
func (Notify) isEffect()           {}

// Audit actions.
const (
	ActionCreate      = "CREATE"
	ActionUpdate      = "UPDATE"
	ActionUpdateField = "UPDATE_FIELD"
	ActionUpdateTags  = "UPDATE_TAGS"
	ActionStageChange = "STAGE_CHANGE"
	ActionAddNote     = "ADD_NOTE"
	ActionDeleteNote  = "DELETE_NOTE"
	ActionContactLog  = "CONTACT_LOG"
	ActionAssignPool  = "ASSIGN_POOL"
	ActionRemovePool  = "REMOVE_POOL"
	ActionConvert     = "CONVERT"
	ActionCloseWon    = "CLOSE_WON"
	ActionCloseLost   = "CLOSE_LOST"
	ActionDelete      = "DELETE"
)

func LeadLink(id int) string { return fmt.Sprintf("/leads/%d", id) }
func DealLink(id int) string { return fmt.Sprintf("/deals/%d", id) }

func intPtr(v int) *int { return &v }

// notifyOtherParty targets the owner when someone else acts, and the
// elevated roles when the owner acts.
func notifyOtherParty(ownerID int, actor authz.Actor, n Notify) Notify {
	n.Exclude = actor.UserID
	if ownerID != 0 && ownerID != actor.UserID {
		n.UserIDs = []int{ownerID}
		n.ToElevated = false
		return n
	}
	n.UserIDs = nil
	n.ToElevated = true
	return n
}

// notifyOwnerIfOther targets only the owner, and only when someone else acts.
func notifyOwnerIfOther(ownerID int, actor authz.Actor, n Notify) []Effect {
	if ownerID == 0 || ownerID == actor.UserID {
		return nil
	}
	n.UserIDs = []int{ownerID}
	n.Exclude = actor.UserID
	return []Effect{n}
}
