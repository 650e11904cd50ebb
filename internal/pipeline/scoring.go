package pipeline

import (
	"math"
	"strings"
	"time"

	"brokercrm/internal/models"
)

// Scoring policy. Engagement depth sets the base, a concrete property match
// and a stated segment add to it, and priority scales the total.
const (
	engagementNone   = 10.0
	engagementCalled = 25.0
	engagementSpoken = 45.0

	propertyMatchBonus = 20.0
	segmentBonus       = 10.0
	investorBonus      = 15.0

	warmThreshold = 40
	hotThreshold  = 70
)

var priorityWeights = map[models.Priority]float64{
	models.PriorityLow:    0.8,
	models.PriorityMedium: 1.0,
	models.PriorityHigh:   1.2,
	models.PriorityUrgent: 1.4,
}

var slaWindows = map[models.Priority]time.Duration{
	models.PriorityUrgent: time.Hour,
	models.PriorityHigh:   4 * time.Hour,
	models.PriorityMedium: 24 * time.Hour,
	models.PriorityLow:    72 * time.Hour,
}

// ScoreInput lists the lead signals the score depends on.
type ScoreInput struct {
	Called      bool
	Spoken      bool
	Segment     string
	Priority    models.Priority
	HasProperty bool
}

func ScoreInputFor(l *models.Leads) ScoreInput {
	return ScoreInput{
		Called:      l.Called,
		Spoken:      l.Spoken,
		Segment:     l.Segment,
		Priority:    l.Priority,
		HasProperty: l.InterestedPropertyID != nil,
	}
}

// Score computes the 0..100 score and its temperature tier.
func Score(in ScoreInput) (int, models.Temperature) {
	score := engagementNone
	switch {
	case in.Spoken:
		score = engagementSpoken
	case in.Called:
		score = engagementCalled
	}
	if in.HasProperty {
		score += propertyMatchBonus
	}
	switch seg := strings.ToUpper(strings.TrimSpace(in.Segment)); {
	case seg == "INVESTOR":
		score += investorBonus
	case seg != "":
		score += segmentBonus
	}

	weight, ok := priorityWeights[in.Priority.OrDefault()]
	if !ok {
		weight = 1.0
	}
	s := clampScore(score * weight)
	return s, TemperatureFor(s)
}

// TemperatureFor buckets a score.
func TemperatureFor(score int) models.Temperature {
	switch {
	case score >= hotThreshold:
		return models.TemperatureHot
	case score >= warmThreshold:
		return models.TemperatureWarm
	default:
		return models.TemperatureCold
	}
}

// Rescore recomputes score and temperature in place.
func Rescore(l *models.Leads) {
	l.Score, l.Temperature = Score(ScoreInputFor(l))
}

// SLADeadline returns the response deadline for a priority, measured from now.
func SLADeadline(p models.Priority, now time.Time) time.Time {
	window, ok := slaWindows[p.OrDefault()]
	if !ok {
		window = slaWindows[models.PriorityMedium]
	}
	return now.Add(window)
}

func clampScore(value float64) int {
	rounded := int(math.Round(value))
	if rounded < 0 {
		return 0
	}
	if rounded > 100 {
		return 100
	}
	return rounded
}
