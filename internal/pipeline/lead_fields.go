package pipeline

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"brokercrm/internal/apperr"
	"brokercrm/internal/authz"
	"brokercrm/internal/models"
)

// Fields editable one at a time through the quick-edit endpoint.
const (
	FieldCalled               = "called"
	FieldSpoken               = "spoken"
	FieldSegment              = "segment"
	FieldPriority             = "priority"
	FieldNextCallDate         = "nextCallDate"
	FieldSnooze               = "snooze"
	FieldOwnerID              = "ownerId"
	FieldInterestedPropertyID = "interestedPropertyId"
	FieldDescription          = "description"
	FieldPreferredLocation    = "preferredLocation"
	FieldTemperature          = "temperature"
	FieldLostReason           = "lostReason"
)

var editableLeadFields = map[string]bool{
	FieldCalled:               true,
	FieldSpoken:               true,
	FieldSegment:              true,
	FieldPriority:             true,
	FieldNextCallDate:         true,
	FieldSnooze:               true,
	FieldOwnerID:              true,
	FieldInterestedPropertyID: true,
	FieldDescription:          true,
	FieldPreferredLocation:    true,
	FieldTemperature:          true,
	FieldLostReason:           true,
}

var scoringFields = map[string]bool{
	FieldCalled:               true,
	FieldSpoken:               true,
	FieldSegment:              true,
	FieldPriority:             true,
	FieldInterestedPropertyID: true,
}

func IsEditableLeadField(field string) bool { return editableLeadFields[field] }

// AffectsScore reports whether writing field requires a rescore.
func AffectsScore(field string) bool { return scoringFields[field] }

// ApplyLeadField writes a single allow-listed field. value is what a JSON
// decoder produces (bool, float64, string, nil) or the matching Go type.
func ApplyLeadField(l models.Leads, field string, value any, actor authz.Actor, now time.Time) (models.Leads, []Effect, error) {
	if !IsEditableLeadField(field) {
		return l, nil, apperr.Validationf("field %q cannot be edited", field)
	}
	if l.Converted() {
		return l, nil, apperr.Conflict("lead already converted")
	}

	var (
		from any
		to   any
		err  error
	)
	orig := l
	prevOwner := l.OwnerID

	switch field {
	case FieldCalled:
		from = l.Called
		if l.Called, err = asBool(value); err == nil {
			to = l.Called
			if !l.Called {
				l.Spoken = false
			}
		}
	case FieldSpoken:
		from = l.Spoken
		if l.Spoken, err = asBool(value); err == nil {
			to = l.Spoken
			if l.Spoken {
				l.Called = true
			}
		}
	case FieldSegment:
		from = l.Segment
		var s string
		if s, err = asString(value); err == nil {
			l.Segment = strings.ToUpper(strings.TrimSpace(s))
			to = l.Segment
		}
	case FieldPriority:
		from = l.Priority
		var s string
		if s, err = asString(value); err == nil {
			p := models.Priority(strings.ToUpper(strings.TrimSpace(s))).OrDefault()
			if !p.Valid() {
				err = fmt.Errorf("unknown priority %q", s)
				break
			}
			l.Priority = p
			deadline := SLADeadline(p, now)
			l.SLADeadline = &deadline
			to = p
		}
	case FieldNextCallDate:
		from = l.NextCallDate
		if l.NextCallDate, err = asOptionalTime(value); err == nil {
			to = l.NextCallDate
		}
	case FieldSnooze:
		from = l.SnoozedUntil
		if l.SnoozedUntil, err = asOptionalTime(value); err == nil {
			to = l.SnoozedUntil
		}
	case FieldOwnerID:
		from = l.OwnerID
		var owner *int
		if owner, err = asOptionalInt(value); err == nil {
			if owner == nil || *owner <= 0 {
				err = fmt.Errorf("owner is required")
				break
			}
			l.OwnerID = *owner
			to = l.OwnerID
		}
	case FieldInterestedPropertyID:
		from = l.InterestedPropertyID
		if l.InterestedPropertyID, err = asOptionalInt(value); err == nil {
			to = l.InterestedPropertyID
		}
	case FieldDescription:
		from = l.Description
		if l.Description, err = asString(value); err == nil {
			to = l.Description
		}
	case FieldPreferredLocation:
		from = l.PreferredLocation
		if l.PreferredLocation, err = asString(value); err == nil {
			to = l.PreferredLocation
		}
	case FieldTemperature:
		from = l.Temperature
		var s string
		if s, err = asString(value); err == nil {
			t := models.Temperature(strings.ToUpper(strings.TrimSpace(s)))
			if !t.Valid() {
				err = fmt.Errorf("unknown temperature %q", s)
				break
			}
			l.Temperature = t
			to = t
		}
	case FieldLostReason:
		from = l.LostReason
		var s string
		if s, err = asString(value); err == nil {
			l.LostReason = strings.TrimSpace(s)
			to = l.LostReason
		}
	}
	if err != nil {
		return orig, nil, apperr.Validationf("invalid value for %s: %v", field, err)
	}

	if AffectsScore(field) {
		Rescore(&l)
	}
	l.UpdatedAt = now

	effects := []Effect{AuditEntry{
		Action:     ActionUpdateField,
		EntityType: models.EntityLead,
		EntityID:   l.ID,
		Changes:    map[string]Change{field: {From: from, To: to}},
	}}

	if field == FieldOwnerID && l.OwnerID != prevOwner {
		effects = append(effects, RecordActivity{
			Type:   models.ActivityAssignment,
			LeadID: intPtr(l.ID),
			Body:   fmt.Sprintf("Lead reassigned from user %d to user %d", prevOwner, l.OwnerID),
		})
		if l.OwnerID != actor.UserID {
			effects = append(effects, Notify{
				UserIDs: []int{l.OwnerID},
				Exclude: actor.UserID,
				Type:    models.NotifyLeadAssigned,
				Title:   "Lead assigned to you",
				Body:    fmt.Sprintf("%s %s", l.Number, l.Title),
				Link:    LeadLink(l.ID),
			})
		}
	}
	return l, effects, nil
}

func asBool(v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		return strconv.ParseBool(strings.TrimSpace(t))
	case float64:
		return t != 0, nil
	case int:
		return t != 0, nil
	}
	return false, fmt.Errorf("expected boolean, got %T", v)
}

func asString(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case nil:
		return "", nil
	}
	return "", fmt.Errorf("expected string, got %T", v)
}

func asOptionalInt(v any) (*int, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case int:
		return &t, nil
	case *int:
		return t, nil
	case int64:
		n := int(t)
		return &n, nil
	case float64:
		if t != math.Trunc(t) {
			return nil, fmt.Errorf("expected integer, got %v", t)
		}
		n := int(t)
		return &n, nil
	case json.Number:
		n64, err := t.Int64()
		if err != nil {
			return nil, err
		}
		n := int(n64)
		return &n, nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil, nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("expected integer, got %q", t)
		}
		return &n, nil
	}
	return nil, fmt.Errorf("expected integer, got %T", v)
}

var acceptedTimeLayouts = []string{time.RFC3339, "2006-01-02T15:04", "2006-01-02"}

func asOptionalTime(v any) (*time.Time, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return &t, nil
	case *time.Time:
		return t, nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil, nil
		}
		for _, layout := range acceptedTimeLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return &parsed, nil
			}
		}
		return nil, fmt.Errorf("unrecognised date %q", t)
	}
	return nil, fmt.Errorf("expected date, got %T", v)
}
