package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type DealStage string

const (
	DealStageReservation DealStage = "RESERVATION"
	DealStageDeposit     DealStage = "DEPOSIT"
	DealStageContract    DealStage = "CONTRACT"
	DealStagePaymentPlan DealStage = "PAYMENT_PLAN"
	DealStageTitleDeed   DealStage = "TITLE_DEED"
	DealStageCompleted   DealStage = "COMPLETED"
	DealStageCancelled   DealStage = "CANCELLED"
)

var DealStages = []DealStage{
	DealStageReservation,
	DealStageDeposit,
	DealStageContract,
	DealStagePaymentPlan,
	DealStageTitleDeed,
	DealStageCompleted,
	DealStageCancelled,
}

func (s DealStage) Valid() bool {
	for _, st := range DealStages {
		if st == s {
			return true
		}
	}
	return false
}

func (s DealStage) Terminal() bool {
	return s == DealStageCompleted || s == DealStageCancelled
}

type DealResult string

const (
	DealResultPending   DealResult = "PENDING"
	DealResultWon       DealResult = "WON"
	DealResultLost      DealResult = "LOST"
	DealResultCancelled DealResult = "CANCELLED"
)

type Deals struct {
	ID                int             `json:"id"`
	Number            string          `json:"number"`
	Title             string          `json:"title"`
	Value             decimal.Decimal `json:"value"`
	Currency          string          `json:"currency"`
	Stage             DealStage       `json:"stage"`
	Result            DealResult      `json:"result"`
	Probability       int             `json:"probability"`
	PropertyID        *int            `json:"property_id,omitempty"`
	PropertyType      string          `json:"property_type"`
	UnitNumber        string          `json:"unit_number"`
	ExpectedCloseDate *time.Time      `json:"expected_close_date,omitempty"`
	ActualCloseDate   *time.Time      `json:"actual_close_date,omitempty"`
	LostReason        string          `json:"lost_reason,omitempty"`
	OwnerID           int             `json:"owner_id"`
	ClientID          int             `json:"client_id"`
	OfficeID          int             `json:"office_id"`
	LeadID            *int            `json:"lead_id,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

type DealFilter struct {
	OwnerID  int
	OfficeID int
	Stage    DealStage
	Result   DealResult
	Currency string
	From     *time.Time
	To       *time.Time
	SortBy   string
	Order    string
	Limit    int
	Offset   int
}

type DealStats struct {
	Total           int                `json:"total"`
	ByStage         map[DealStage]int  `json:"by_stage"`
	ByResult        map[DealResult]int `json:"by_result"`
	OpenValue       decimal.Decimal    `json:"open_value"`
	WonValue        decimal.Decimal    `json:"won_value"`
	CommissionTotal decimal.Decimal    `json:"commission_total"`
	WinRate         float64            `json:"win_rate"`
}
