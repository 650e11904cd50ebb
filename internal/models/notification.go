package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Notification struct {
	ID        int        `json:"id"`
	UserID    int        `json:"user_id"`
	Type      string     `json:"type"`
	Title     string     `json:"title"`
	Body      string     `json:"body"`
	Link      string     `json:"link"`
	ReadAt    *time.Time `json:"read_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

const (
	NotifyLeadAssigned      = "LEAD_ASSIGNED"
	NotifyLeadStageChanged  = "LEAD_STAGE_CHANGED"
	NotifyDealStageChanged  = "DEAL_STAGE_CHANGED"
	NotifyDealAssigned      = "DEAL_ASSIGNED"
	NotifyDealWon           = "DEAL_WON"
	NotifyDealLost          = "DEAL_LOST"
	NotifyCommissionPending = "COMMISSION_PENDING"
)

type OutboxKind string

const (
	OutboxAudit  OutboxKind = "AUDIT"
	OutboxNotify OutboxKind = "NOTIFY"
)

type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "PENDING"
	OutboxProcessing OutboxStatus = "PROCESSING"
	OutboxDelivered  OutboxStatus = "DELIVERED"
	OutboxFailed     OutboxStatus = "FAILED"
)

// OutboxMessage is a side effect recorded in the same transaction as the
// state change and delivered after commit.
type OutboxMessage struct {
	ID        uuid.UUID       `json:"id"`
	Kind      OutboxKind      `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Status    OutboxStatus    `json:"status"`
	Attempts  int             `json:"attempts"`
	LastError *string         `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// NotifyPayload is the body of a NOTIFY outbox message.
type NotifyPayload struct {
	UserIDs       []int  `json:"user_ids,omitempty"`
	ToElevated    bool   `json:"to_elevated,omitempty"`
	ExcludeUserID int    `json:"exclude_user_id,omitempty"`
	Type          string `json:"type"`
	Title         string `json:"title"`
	Body          string `json:"body"`
	Link          string `json:"link"`
}

// AuditPayload is the body of an AUDIT outbox message.
type AuditPayload struct {
	Action     string          `json:"action"`
	EntityType string          `json:"entity_type"`
	EntityID   int             `json:"entity_id"`
	Changes    json.RawMessage `json:"changes"`
	ActorID    int             `json:"actor_id"`
	At         time.Time       `json:"at"`
}
