package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type CommissionStatus string

const (
	CommissionPending  CommissionStatus = "PENDING"
	CommissionApproved CommissionStatus = "APPROVED"
	CommissionPaid     CommissionStatus = "PAID"
)

// Commission is owed to the deal owner once a deal is won. One per deal.
type Commission struct {
	ID        int              `json:"id"`
	DealID    int              `json:"deal_id"`
	AgentID   int              `json:"agent_id"`
	Amount    decimal.Decimal  `json:"amount"`
	Rate      decimal.Decimal  `json:"rate"`
	Currency  string           `json:"currency"`
	Status    CommissionStatus `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
}
