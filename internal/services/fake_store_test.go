package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"brokercrm/internal/models"
	"brokercrm/internal/repositories"
)

// memState is the in-memory database behind fakeStore.
type memState struct {
	nextID        int
	leads         map[int]models.Leads
	notes         map[int]models.LeadNote
	deals         map[int]models.Deals
	clients       map[int]models.Client
	users         map[int]models.User
	commissions   map[int]models.Commission
	activities    []models.Activity
	sequences     map[string]int
	audit         []models.AuditLogEntry
	notifications []models.Notification
	outbox        map[uuid.UUID]models.OutboxMessage
	tgLinks       map[int]models.TelegramLink
}

func newMemState() *memState {
	return &memState{
		leads:       map[int]models.Leads{},
		notes:       map[int]models.LeadNote{},
		deals:       map[int]models.Deals{},
		clients:     map[int]models.Client{},
		users:       map[int]models.User{},
		commissions: map[int]models.Commission{},
		sequences:   map[string]int{},
		outbox:      map[uuid.UUID]models.OutboxMessage{},
		tgLinks:     map[int]models.TelegramLink{},
	}
}

func (s *memState) clone() *memState {
	return &memState{
		nextID:        s.nextID,
		leads:         maps.Clone(s.leads),
		notes:         maps.Clone(s.notes),
		deals:         maps.Clone(s.deals),
		clients:       maps.Clone(s.clients),
		users:         maps.Clone(s.users),
		commissions:   maps.Clone(s.commissions),
		activities:    append([]models.Activity(nil), s.activities...),
		sequences:     maps.Clone(s.sequences),
		audit:         append([]models.AuditLogEntry(nil), s.audit...),
		notifications: append([]models.Notification(nil), s.notifications...),
		outbox:        maps.Clone(s.outbox),
		tgLinks:       maps.Clone(s.tgLinks),
	}
}

func (s *memState) id() int {
	s.nextID++
	return s.nextID
}

// fakeStore serialises transactions with a mutex and rolls back by
// restoring a snapshot.
type fakeStore struct {
	mu    sync.Mutex
	state *memState
	// failOn makes the named operation fail inside transactions.
	failOn string
}

func newFakeStore() *fakeStore {
	return &fakeStore{state: newMemState()}
}

func (f *fakeStore) WithinTx(ctx context.Context, fn func(ctx context.Context, r repositories.Repos) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	snapshot := f.state.clone()
	if err := fn(ctx, f.repos(true)); err != nil {
		f.state = snapshot
		return err
	}
	return nil
}

func (f *fakeStore) Repos() repositories.Repos {
	return f.repos(false)
}

func (f *fakeStore) repos(inTx bool) repositories.Repos {
	c := &fakeConn{store: f, inTx: inTx}
	return repositories.Repos{
		Leads:         fakeLeads{c},
		Notes:         fakeNotes{c},
		Deals:         fakeDeals{c},
		Clients:       fakeClients{c},
		Users:         fakeUsers{c},
		Commissions:   fakeCommissions{c},
		Activities:    fakeActivities{c},
		Sequences:     fakeSequences{c},
		Audit:         fakeAudit{c},
		Notifications: fakeNotifications{c},
		Outbox:        fakeOutbox{c},
		TelegramLinks: fakeTelegramLinks{c},
	}
}

// read runs fn against the committed state.
func (f *fakeStore) read(fn func(s *memState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f.state)
}

type fakeConn struct {
	store *fakeStore
	inTx  bool
}

func (c *fakeConn) run(op string, fn func(s *memState) error) error {
	if !c.inTx {
		c.store.mu.Lock()
		defer c.store.mu.Unlock()
	} else if c.store.failOn == op {
		return fmt.Errorf("%s: injected failure", op)
	}
	return fn(c.store.state)
}

type fakeLeads struct{ *fakeConn }

func (r fakeLeads) Create(_ context.Context, l *models.Leads) error {
	return r.run("leads.create", func(s *memState) error {
		for _, other := range s.leads {
			if other.Number == l.Number {
				return fmt.Errorf("duplicate lead number %s", l.Number)
			}
		}
		l.ID = s.id()
		l.CreatedAt = time.Now()
		l.UpdatedAt = l.CreatedAt
		s.leads[l.ID] = *l
		return nil
	})
}

func (r fakeLeads) GetByID(_ context.Context, id int) (*models.Leads, error) {
	var out *models.Leads
	err := r.run("leads.get", func(s *memState) error {
		if l, ok := s.leads[id]; ok {
			out = &l
		}
		return nil
	})
	return out, err
}

func (r fakeLeads) GetByNumber(_ context.Context, number string) (*models.Leads, error) {
	var out *models.Leads
	err := r.run("leads.get", func(s *memState) error {
		for _, l := range s.leads {
			if l.Number == number {
				out = &l
			}
		}
		return nil
	})
	return out, err
}

func (r fakeLeads) GetForUpdate(ctx context.Context, id int) (*models.Leads, error) {
	return r.GetByID(ctx, id)
}

func (r fakeLeads) Update(_ context.Context, l *models.Leads) error {
	return r.run("leads.update", func(s *memState) error {
		cur, ok := s.leads[l.ID]
		if !ok {
			return errors.New("lead not found")
		}
		l.ConvertedDealID = cur.ConvertedDealID
		l.UpdatedAt = time.Now()
		s.leads[l.ID] = *l
		return nil
	})
}

func (r fakeLeads) MarkConverted(_ context.Context, leadID, dealID int) error {
	return r.run("leads.convert", func(s *memState) error {
		l, ok := s.leads[leadID]
		if !ok || l.ConvertedDealID != nil {
			return repositories.ErrAlreadyConverted
		}
		l.ConvertedDealID = &dealID
		l.Stage = models.LeadStageWon
		s.leads[leadID] = l
		return nil
	})
}

func (r fakeLeads) Delete(_ context.Context, id int) error {
	return r.run("leads.delete", func(s *memState) error {
		delete(s.leads, id)
		return nil
	})
}

func (r fakeLeads) List(_ context.Context, f models.LeadFilter) ([]models.Leads, error) {
	out := []models.Leads{}
	err := r.run("leads.list", func(s *memState) error {
		for _, l := range s.leads {
			if f.OwnerID != 0 && l.OwnerID != f.OwnerID {
				continue
			}
			if f.OfficeID != 0 && l.OfficeID != f.OfficeID {
				continue
			}
			if f.Stage != "" && l.Stage != f.Stage {
				continue
			}
			if f.Search != "" && !strings.Contains(strings.ToLower(l.Title), strings.ToLower(f.Search)) {
				continue
			}
			out = append(out, l)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

func (r fakeLeads) Stats(_ context.Context, officeID, ownerID int, now time.Time) (*models.LeadStats, error) {
	stats := &models.LeadStats{
		ByStage:       map[models.LeadStage]int{},
		ByTemperature: map[models.Temperature]int{},
		ByPool:        map[models.Pool]int{},
	}
	err := r.run("leads.stats", func(s *memState) error {
		for _, l := range s.leads {
			if (officeID != 0 && l.OfficeID != officeID) || (ownerID != 0 && l.OwnerID != ownerID) {
				continue
			}
			stats.Total++
			stats.ByStage[l.Stage]++
			stats.ByTemperature[l.Temperature]++
			if l.Pool != nil {
				stats.ByPool[*l.Pool]++
			}
			if l.SLAOverdue(now) {
				stats.SLAOverdue++
			}
			if l.Converted() {
				stats.Converted++
			}
		}
		return nil
	})
	return stats, err
}

func (r fakeLeads) Analytics(_ context.Context, officeID, ownerID int) (*models.LeadAnalytics, error) {
	return &models.LeadAnalytics{}, nil
}

type fakeNotes struct{ *fakeConn }

func (r fakeNotes) Create(_ context.Context, n *models.LeadNote) error {
	return r.run("notes.create", func(s *memState) error {
		n.ID = s.id()
		n.CreatedAt = time.Now()
		s.notes[n.ID] = *n
		return nil
	})
}

func (r fakeNotes) GetByID(_ context.Context, id int) (*models.LeadNote, error) {
	var out *models.LeadNote
	err := r.run("notes.get", func(s *memState) error {
		if n, ok := s.notes[id]; ok {
			out = &n
		}
		return nil
	})
	return out, err
}

func (r fakeNotes) Delete(_ context.Context, id int) error {
	return r.run("notes.delete", func(s *memState) error {
		delete(s.notes, id)
		return nil
	})
}

func (r fakeNotes) ListByLead(_ context.Context, leadID int) ([]models.LeadNote, error) {
	var out []models.LeadNote
	err := r.run("notes.list", func(s *memState) error {
		for _, n := range s.notes {
			if n.LeadID == leadID {
				out = append(out, n)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

type fakeDeals struct{ *fakeConn }

func (r fakeDeals) Create(_ context.Context, d *models.Deals) error {
	return r.run("deals.create", func(s *memState) error {
		for _, other := range s.deals {
			if other.Number == d.Number {
				return fmt.Errorf("duplicate deal number %s", d.Number)
			}
		}
		d.ID = s.id()
		d.CreatedAt = time.Now()
		d.UpdatedAt = d.CreatedAt
		s.deals[d.ID] = *d
		return nil
	})
}

func (r fakeDeals) GetByID(_ context.Context, id int) (*models.Deals, error) {
	var out *models.Deals
	err := r.run("deals.get", func(s *memState) error {
		if d, ok := s.deals[id]; ok {
			out = &d
		}
		return nil
	})
	return out, err
}

func (r fakeDeals) GetByNumber(_ context.Context, number string) (*models.Deals, error) {
	var out *models.Deals
	err := r.run("deals.get", func(s *memState) error {
		for _, d := range s.deals {
			if d.Number == number {
				out = &d
			}
		}
		return nil
	})
	return out, err
}

func (r fakeDeals) GetForUpdate(ctx context.Context, id int) (*models.Deals, error) {
	return r.GetByID(ctx, id)
}

func (r fakeDeals) Update(_ context.Context, d *models.Deals) error {
	return r.run("deals.update", func(s *memState) error {
		if _, ok := s.deals[d.ID]; !ok {
			return errors.New("deal not found")
		}
		d.UpdatedAt = time.Now()
		s.deals[d.ID] = *d
		return nil
	})
}

func (r fakeDeals) Delete(_ context.Context, id int) error {
	return r.run("deals.delete", func(s *memState) error {
		delete(s.deals, id)
		return nil
	})
}

func (r fakeDeals) List(_ context.Context, f models.DealFilter) ([]models.Deals, error) {
	out := []models.Deals{}
	err := r.run("deals.list", func(s *memState) error {
		for _, d := range s.deals {
			if f.OwnerID != 0 && d.OwnerID != f.OwnerID {
				continue
			}
			if f.OfficeID != 0 && d.OfficeID != f.OfficeID {
				continue
			}
			if f.Stage != "" && d.Stage != f.Stage {
				continue
			}
			out = append(out, d)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

func (r fakeDeals) Stats(_ context.Context, officeID, ownerID int) (*models.DealStats, error) {
	stats := &models.DealStats{ByStage: map[models.DealStage]int{}, ByResult: map[models.DealResult]int{}}
	err := r.run("deals.stats", func(s *memState) error {
		for _, d := range s.deals {
			if (officeID != 0 && d.OfficeID != officeID) || (ownerID != 0 && d.OwnerID != ownerID) {
				continue
			}
			stats.Total++
			stats.ByStage[d.Stage]++
			stats.ByResult[d.Result]++
			if c, ok := s.commissions[d.ID]; ok {
				stats.CommissionTotal = stats.CommissionTotal.Add(c.Amount)
			}
		}
		return nil
	})
	return stats, err
}

type fakeClients struct{ *fakeConn }

func (r fakeClients) Create(_ context.Context, c *models.Client) error {
	return r.run("clients.create", func(s *memState) error {
		c.ID = s.id()
		s.clients[c.ID] = *c
		return nil
	})
}

func (r fakeClients) GetByID(_ context.Context, id int) (*models.Client, error) {
	var out *models.Client
	err := r.run("clients.get", func(s *memState) error {
		if c, ok := s.clients[id]; ok {
			out = &c
		}
		return nil
	})
	return out, err
}

type fakeUsers struct{ *fakeConn }

func (r fakeUsers) Create(_ context.Context, u *models.User) error {
	return r.run("users.create", func(s *memState) error {
		if u.ID == 0 {
			u.ID = s.id()
		}
		s.users[u.ID] = *u
		return nil
	})
}

func (r fakeUsers) GetByID(_ context.Context, id int) (*models.User, error) {
	var out *models.User
	err := r.run("users.get", func(s *memState) error {
		if u, ok := s.users[id]; ok {
			out = &u
		}
		return nil
	})
	return out, err
}

func (r fakeUsers) GetByIDs(_ context.Context, ids []int) ([]models.User, error) {
	var out []models.User
	err := r.run("users.get", func(s *memState) error {
		for _, id := range ids {
			if u, ok := s.users[id]; ok {
				out = append(out, u)
			}
		}
		return nil
	})
	return out, err
}

func (r fakeUsers) ListByRoles(_ context.Context, roleIDs []int) ([]models.User, error) {
	var out []models.User
	err := r.run("users.list", func(s *memState) error {
		for _, u := range s.users {
			for _, role := range roleIDs {
				if u.RoleID == role {
					out = append(out, u)
				}
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

func (r fakeUsers) GetByChatID(_ context.Context, chatID int64) (*models.User, error) {
	var out *models.User
	err := r.run("users.get", func(s *memState) error {
		for _, u := range s.users {
			if chatID != 0 && u.TelegramChatID == chatID {
				out = &u
				return nil
			}
		}
		return nil
	})
	return out, err
}

func (r fakeUsers) UpdateTelegramLink(_ context.Context, userID int, chatID int64, enable bool) error {
	return r.run("users.update", func(s *memState) error {
		u, ok := s.users[userID]
		if !ok {
			return errors.New("user not found")
		}
		u.TelegramChatID = chatID
		u.NotifyTelegram = enable
		s.users[userID] = u
		return nil
	})
}

type fakeCommissions struct{ *fakeConn }

func (r fakeCommissions) CreateOnce(_ context.Context, c *models.Commission) (bool, error) {
	var created bool
	err := r.run("commissions.create", func(s *memState) error {
		if _, ok := s.commissions[c.DealID]; ok {
			return nil
		}
		c.ID = s.id()
		s.commissions[c.DealID] = *c
		created = true
		return nil
	})
	return created, err
}

func (r fakeCommissions) GetByDeal(_ context.Context, dealID int) (*models.Commission, error) {
	var out *models.Commission
	err := r.run("commissions.get", func(s *memState) error {
		if c, ok := s.commissions[dealID]; ok {
			out = &c
		}
		return nil
	})
	return out, err
}

type fakeActivities struct{ *fakeConn }

func (r fakeActivities) Create(_ context.Context, a *models.Activity) error {
	return r.run("activities.create", func(s *memState) error {
		a.ID = s.id()
		s.activities = append(s.activities, *a)
		return nil
	})
}

func (r fakeActivities) ListByLead(_ context.Context, leadID int) ([]models.Activity, error) {
	var out []models.Activity
	err := r.run("activities.list", func(s *memState) error {
		for _, a := range s.activities {
			if a.LeadID != nil && *a.LeadID == leadID {
				out = append(out, a)
			}
		}
		return nil
	})
	return out, err
}

func (r fakeActivities) ListByDeal(_ context.Context, dealID int) ([]models.Activity, error) {
	var out []models.Activity
	err := r.run("activities.list", func(s *memState) error {
		for _, a := range s.activities {
			if a.DealID != nil && *a.DealID == dealID {
				out = append(out, a)
			}
		}
		return nil
	})
	return out, err
}

type fakeSequences struct{ *fakeConn }

func (r fakeSequences) Next(_ context.Context, scope string, day time.Time) (int, error) {
	var n int
	err := r.run("sequences.next", func(s *memState) error {
		key := scope + "/" + day.Format("20060102")
		s.sequences[key]++
		n = s.sequences[key]
		return nil
	})
	return n, err
}

type fakeAudit struct{ *fakeConn }

func (r fakeAudit) Create(_ context.Context, e *models.AuditLogEntry) error {
	return r.run("audit.create", func(s *memState) error {
		e.ID = s.id()
		s.audit = append(s.audit, *e)
		return nil
	})
}

func (r fakeAudit) ListByEntity(_ context.Context, entityType string, entityID int) ([]models.AuditLogEntry, error) {
	var out []models.AuditLogEntry
	err := r.run("audit.list", func(s *memState) error {
		for _, e := range s.audit {
			if e.EntityType == entityType && e.EntityID == entityID {
				out = append(out, e)
			}
		}
		return nil
	})
	return out, err
}

type fakeNotifications struct{ *fakeConn }

func (r fakeNotifications) Create(_ context.Context, n *models.Notification) error {
	return r.run("notifications.create", func(s *memState) error {
		n.ID = s.id()
		s.notifications = append(s.notifications, *n)
		return nil
	})
}

func (r fakeNotifications) ListByUser(_ context.Context, userID, limit int) ([]models.Notification, error) {
	var out []models.Notification
	err := r.run("notifications.list", func(s *memState) error {
		for _, n := range s.notifications {
			if n.UserID == userID {
				out = append(out, n)
			}
		}
		return nil
	})
	return out, err
}

type fakeOutbox struct{ *fakeConn }

func (r fakeOutbox) Insert(_ context.Context, m *models.OutboxMessage) error {
	return r.run("outbox.insert", func(s *memState) error {
		if m.ID == uuid.Nil {
			m.ID = uuid.New()
		}
		if m.Status == "" {
			m.Status = models.OutboxPending
		}
		m.CreatedAt = time.Now()
		s.outbox[m.ID] = *m
		return nil
	})
}

func (r fakeOutbox) Claim(_ context.Context, id uuid.UUID) (bool, error) {
	var ok bool
	err := r.run("outbox.claim", func(s *memState) error {
		m, found := s.outbox[id]
		if !found || m.Status != models.OutboxPending {
			return nil
		}
		m.Status = models.OutboxProcessing
		m.Attempts++
		s.outbox[id] = m
		ok = true
		return nil
	})
	return ok, err
}

func (r fakeOutbox) ClaimPending(_ context.Context, limit int, _, _ time.Duration) ([]models.OutboxMessage, error) {
	var out []models.OutboxMessage
	err := r.run("outbox.claim", func(s *memState) error {
		for id, m := range s.outbox {
			if len(out) == limit {
				break
			}
			if m.Status != models.OutboxPending {
				continue
			}
			m.Status = models.OutboxProcessing
			m.Attempts++
			s.outbox[id] = m
			out = append(out, m)
		}
		return nil
	})
	return out, err
}

func (r fakeOutbox) MarkDelivered(_ context.Context, id uuid.UUID) error {
	return r.run("outbox.delivered", func(s *memState) error {
		m := s.outbox[id]
		m.Status = models.OutboxDelivered
		s.outbox[id] = m
		return nil
	})
}

func (r fakeOutbox) MarkRetry(_ context.Context, id uuid.UUID, lastError string, maxAttempts int) error {
	return r.run("outbox.retry", func(s *memState) error {
		m := s.outbox[id]
		m.LastError = &lastError
		m.Status = models.OutboxPending
		if m.Attempts >= maxAttempts {
			m.Status = models.OutboxFailed
		}
		s.outbox[id] = m
		return nil
	})
}

// recordingDispatcher keeps what services hand over after commit.
type recordingDispatcher struct {
	mu   sync.Mutex
	msgs []models.OutboxMessage
}

func (d *recordingDispatcher) Dispatch(msgs ...models.OutboxMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msgs = append(d.msgs, msgs...)
}

func (d *recordingDispatcher) kinds() map[models.OutboxKind]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := map[models.OutboxKind]int{}
	for _, m := range d.msgs {
		out[m.Kind]++
	}
	return out
}

func (d *recordingDispatcher) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msgs = nil
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeTelegramLinks struct{ *fakeConn }

func (r fakeTelegramLinks) Create(_ context.Context, l *models.TelegramLink) error {
	return r.run("telegram_links.create", func(s *memState) error {
		for _, existing := range s.tgLinks {
			if existing.Code == l.Code {
				return errors.New("duplicate link code")
			}
		}
		l.ID = s.id()
		l.CreatedAt = time.Now()
		s.tgLinks[l.ID] = *l
		return nil
	})
}

func (r fakeTelegramLinks) GetByCodeForUpdate(_ context.Context, code string) (*models.TelegramLink, error) {
	var out *models.TelegramLink
	err := r.run("telegram_links.get", func(s *memState) error {
		for _, l := range s.tgLinks {
			if l.Code == code {
				out = &l
				return nil
			}
		}
		return nil
	})
	return out, err
}

func (r fakeTelegramLinks) MarkUsed(_ context.Context, id int) error {
	return r.run("telegram_links.use", func(s *memState) error {
		l, ok := s.tgLinks[id]
		if !ok {
			return errors.New("link not found")
		}
		l.Used = true
		s.tgLinks[id] = l
		return nil
	})
}
