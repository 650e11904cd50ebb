package models

import (
	"encoding/json"
	"time"
)

type ActivityType string

const (
	ActivityNote        ActivityType = "NOTE"
	ActivityCall        ActivityType = "CALL"
	ActivityEmail       ActivityType = "EMAIL"
	ActivityStageChange ActivityType = "STAGE_CHANGE"
	ActivityConversion  ActivityType = "CONVERSION"
	ActivityAssignment  ActivityType = "ASSIGNMENT"
)

// Activity is an append-only timeline entry.
type Activity struct {
	ID        int          `json:"id"`
	Type      ActivityType `json:"type"`
	LeadID    *int         `json:"lead_id,omitempty"`
	DealID    *int         `json:"deal_id,omitempty"`
	UserID    int          `json:"user_id"`
	Body      string       `json:"body"`
	CreatedAt time.Time    `json:"created_at"`
}

// AuditLogEntry is an append-only record of a mutation.
type AuditLogEntry struct {
	ID         int             `json:"id"`
	Action     string          `json:"action"`
	EntityType string          `json:"entity_type"`
	EntityID   int             `json:"entity_id"`
	Changes    json.RawMessage `json:"changes"`
	ActorID    int             `json:"actor_id"`
	CreatedAt  time.Time       `json:"created_at"`
}

const (
	EntityLead = "lead"
	EntityDeal = "deal"
)
