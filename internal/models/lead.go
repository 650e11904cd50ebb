package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type LeadStage string

const (
	LeadStageNewEnquiry  LeadStage = "NEW_ENQUIRY"
	LeadStageContacted   LeadStage = "CONTACTED"
	LeadStageQualified   LeadStage = "QUALIFIED"
	LeadStageViewing     LeadStage = "VIEWING"
	LeadStageNegotiation LeadStage = "NEGOTIATION"
	LeadStageWon         LeadStage = "WON"
	LeadStageLost        LeadStage = "LOST"
)

var LeadStages = []LeadStage{
	LeadStageNewEnquiry,
	LeadStageContacted,
	LeadStageQualified,
	LeadStageViewing,
	LeadStageNegotiation,
	LeadStageWon,
	LeadStageLost,
}

func (s LeadStage) Valid() bool {
	for _, st := range LeadStages {
		if st == s {
			return true
		}
	}
	return false
}

func (s LeadStage) Terminal() bool {
	return s == LeadStageWon || s == LeadStageLost
}

type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// OrDefault maps an unset priority to Medium.
func (p Priority) OrDefault() Priority {
	if p == "" {
		return PriorityMedium
	}
	return p
}

type Temperature string

const (
	TemperatureCold Temperature = "COLD"
	TemperatureWarm Temperature = "WARM"
	TemperatureHot  Temperature = "HOT"
)

func (t Temperature) Valid() bool {
	return t == TemperatureCold || t == TemperatureWarm || t == TemperatureHot
}

type Pool string

const (
	Pool1 Pool = "POOL_1"
	Pool2 Pool = "POOL_2"
	Pool3 Pool = "POOL_3"
)

func (p Pool) Valid() bool {
	return p == Pool1 || p == Pool2 || p == Pool3
}

// Leads is a prospective transaction tracked through the sales funnel.
type Leads struct {
	ID                   int             `json:"id"`
	Number               string          `json:"number"`
	Title                string          `json:"title"`
	Description          string          `json:"description"`
	Stage                LeadStage       `json:"stage"`
	EstimatedValue       decimal.Decimal `json:"estimated_value"`
	Currency             string          `json:"currency"`
	BudgetMin            decimal.Decimal `json:"budget_min"`
	BudgetMax            decimal.Decimal `json:"budget_max"`
	Source               string          `json:"source"`
	Channel              string          `json:"channel"`
	Segment              string          `json:"segment"`
	Priority             Priority        `json:"priority"`
	PropertyType         string          `json:"property_type"`
	PreferredLocation    string          `json:"preferred_location"`
	Score                int             `json:"score"`
	Temperature          Temperature     `json:"temperature"`
	SLADeadline          *time.Time      `json:"sla_deadline,omitempty"`
	Called               bool            `json:"called"`
	Spoken               bool            `json:"spoken"`
	NextCallDate         *time.Time      `json:"next_call_date,omitempty"`
	SnoozedUntil         *time.Time      `json:"snoozed_until,omitempty"`
	Tags                 []string        `json:"tags"`
	Pool                 *Pool           `json:"pool,omitempty"`
	LostReason           string          `json:"lost_reason,omitempty"`
	OwnerID              int             `json:"owner_id"`
	ClientID             int             `json:"client_id"`
	OfficeID             int             `json:"office_id"`
	InterestedPropertyID *int            `json:"interested_property_id,omitempty"`
	ConvertedDealID      *int            `json:"converted_deal_id,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// Converted reports whether the lead was already turned into a deal.
func (l *Leads) Converted() bool {
	return l.ConvertedDealID != nil
}

// DisplayTags returns the free-form tags with the pool rendered as a tag.
func (l *Leads) DisplayTags() []string {
	out := make([]string, 0, len(l.Tags)+1)
	out = append(out, l.Tags...)
	if l.Pool != nil {
		out = append(out, string(*l.Pool))
	}
	return out
}

// SLAOverdue reports whether the response window has passed.
func (l *Leads) SLAOverdue(now time.Time) bool {
	return l.SLADeadline != nil && !l.Stage.Terminal() && now.After(*l.SLADeadline)
}

type LeadNote struct {
	ID        int       `json:"id"`
	LeadID    int       `json:"lead_id"`
	AuthorID  int       `json:"author_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

type LeadFilter struct {
	OwnerID     int
	OfficeID    int
	Stage       LeadStage
	Temperature Temperature
	Pool        Pool
	Search      string
	Limit       int
	Offset      int
}

type LeadStats struct {
	Total         int                 `json:"total"`
	ByStage       map[LeadStage]int   `json:"by_stage"`
	ByTemperature map[Temperature]int `json:"by_temperature"`
	ByPool        map[Pool]int        `json:"by_pool"`
	SLAOverdue    int                 `json:"sla_overdue"`
	Converted     int                 `json:"converted"`
}

type SourceBreakdown struct {
	Source    string  `json:"source"`
	Channel   string  `json:"channel"`
	Total     int     `json:"total"`
	Converted int     `json:"converted"`
	AvgScore  float64 `json:"avg_score"`
}

type LeadAnalytics struct {
	Total          int               `json:"total"`
	Converted      int               `json:"converted"`
	Lost           int               `json:"lost"`
	ConversionRate float64           `json:"conversion_rate"`
	AverageScore   float64           `json:"average_score"`
	BySource       []SourceBreakdown `json:"by_source"`
}
