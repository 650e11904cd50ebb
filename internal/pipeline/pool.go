package pipeline

import (
	"strings"
	"time"

	"brokercrm/internal/apperr"
	"brokercrm/internal/models"
)

// AssignPool puts the lead into a pool, replacing any previous one.
func AssignPool(l models.Leads, pool models.Pool, now time.Time) (models.Leads, []Effect, error) {
	pool = models.Pool(strings.ToUpper(strings.TrimSpace(string(pool))))
	if !pool.Valid() {
		return l, nil, apperr.Validationf("unknown pool %q", pool)
	}
	var from any
	if l.Pool != nil {
		from = *l.Pool
	}
	l.Pool = &pool
	l.UpdatedAt = now
	return l, []Effect{AuditEntry{
		Action:     ActionAssignPool,
		EntityType: models.EntityLead,
		EntityID:   l.ID,
		Changes:    map[string]Change{"pool": {From: from, To: pool}},
	}}, nil
}

// RemovePool clears the pool. changed is false when the lead had none.
func RemovePool(l models.Leads, now time.Time) (models.Leads, []Effect, bool) {
	if l.Pool == nil {
		return l, nil, false
	}
	from := *l.Pool
	l.Pool = nil
	l.UpdatedAt = now
	return l, []Effect{AuditEntry{
		Action:     ActionRemovePool,
		EntityType: models.EntityLead,
		EntityID:   l.ID,
		Changes:    map[string]Change{"pool": {From: from, To: nil}},
	}}, true
}

// SplitTags separates pool tags from free-form tags. Free-form tags are
// trimmed and de-duplicated in order; when several pool tags are given the
// last one wins.
func SplitTags(tags []string) ([]string, *models.Pool) {
	free := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	var pool *models.Pool
	for _, raw := range tags {
		tag := strings.TrimSpace(raw)
		if tag == "" {
			continue
		}
		if p := models.Pool(strings.ToUpper(tag)); p.Valid() {
			pool = &p
			continue
		}
		if seen[tag] {
			continue
		}
		seen[tag] = true
		free = append(free, tag)
	}
	return free, pool
}

// ReplaceTags sets the free-form tags. A pool tag in the list moves the lead
// into that pool; a list without one leaves the pool as it is.
func ReplaceTags(l models.Leads, tags []string, now time.Time) (models.Leads, []Effect) {
	before := l.DisplayTags()
	free, pool := SplitTags(tags)
	l.Tags = free
	if pool != nil {
		l.Pool = pool
	}
	l.UpdatedAt = now
	return l, []Effect{AuditEntry{
		Action:     ActionUpdateTags,
		EntityType: models.EntityLead,
		EntityID:   l.ID,
		Changes:    map[string]Change{"tags": {From: before, To: l.DisplayTags()}},
	}}
}
