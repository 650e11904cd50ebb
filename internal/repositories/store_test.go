package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"brokercrm/internal/migrations"
	"brokercrm/internal/models"
)

// openTestStore connects to BROKERCRM_TEST_DATABASE_URL and applies the
// migrations. Tests are skipped when the variable is unset.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("BROKERCRM_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("BROKERCRM_TEST_DATABASE_URL not set")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := migrations.Up(context.Background(), db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewStore(db)
}

func seedUser(t *testing.T, s *Store) *models.User {
	t.Helper()
	u := &models.User{
		FullName: "Agent",
		Email:    uuid.NewString() + "@example.test",
		RoleID:   10,
		OfficeID: 1,
	}
	if err := s.Repos().Users.Create(context.Background(), u); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return u
}

func TestSequenceNextIsAtomic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	scope := "TEST-" + uuid.NewString()[:8]
	day := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	const writers = 20
	var (
		mu   sync.Mutex
		seen = map[int]bool{}
		wg   sync.WaitGroup
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := s.Repos().Sequences.Next(ctx, scope, day)
			if err != nil {
				t.Errorf("next: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if seen[n] {
				t.Errorf("duplicate sequence value %d", n)
			}
			seen[n] = true
		}()
	}
	wg.Wait()
	for i := 1; i <= writers; i++ {
		if !seen[i] {
			t.Errorf("missing sequence value %d", i)
		}
	}

	next, err := s.Repos().Sequences.Next(ctx, scope, day.AddDate(0, 0, 1))
	if err != nil {
		t.Fatal(err)
	}
	if next != 1 {
		t.Fatalf("new day starts at %d, want 1", next)
	}
}

func TestCommissionCreateOnceAndConversionGuard(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	owner := seedUser(t, s)
	suffix := uuid.NewString()[:8]

	lead := &models.Leads{
		Number:   "T-L-" + suffix,
		Title:    "Integration lead",
		Stage:    models.LeadStageNegotiation,
		Priority: models.PriorityMedium,
		OwnerID:  owner.ID,
		Tags:     []string{"vip"},
	}
	if err := s.Repos().Leads.Create(ctx, lead); err != nil {
		t.Fatal(err)
	}

	deal := &models.Deals{
		Number:      "T-D-" + suffix,
		Title:       "Integration deal",
		Value:       decimal.RequireFromString("100000"),
		Currency:    "USD",
		Stage:       models.DealStageReservation,
		Result:      models.DealResultPending,
		Probability: 20,
		OwnerID:     owner.ID,
		LeadID:      &lead.ID,
	}
	err := s.WithinTx(ctx, func(ctx context.Context, r Repos) error {
		if err := r.Deals.Create(ctx, deal); err != nil {
			return err
		}
		return r.Leads.MarkConverted(ctx, lead.ID, deal.ID)
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Repos().Leads.MarkConverted(ctx, lead.ID, deal.ID); !errors.Is(err, ErrAlreadyConverted) {
		t.Fatalf("second conversion err = %v", err)
	}

	got, err := s.Repos().Leads.GetByID(ctx, lead.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Stage != models.LeadStageWon || got.ConvertedDealID == nil || *got.ConvertedDealID != deal.ID {
		t.Fatalf("lead after conversion: stage=%s converted=%v", got.Stage, got.ConvertedDealID)
	}

	var created int
	var wg sync.WaitGroup
	var mu sync.Mutex
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Repos().Commissions.CreateOnce(ctx, &models.Commission{
				DealID:   deal.ID,
				AgentID:  owner.ID,
				Amount:   decimal.RequireFromString("3000"),
				Rate:     decimal.RequireFromString("0.03"),
				Currency: "USD",
				Status:   models.CommissionPending,
			})
			if err != nil {
				t.Errorf("create commission: %v", err)
				return
			}
			if ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if created != 1 {
		t.Fatalf("created %d commissions, want 1", created)
	}
	c, err := s.Repos().Commissions.GetByDeal(ctx, deal.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !c.Amount.Equal(decimal.RequireFromString("3000")) {
		t.Fatalf("amount = %s", c.Amount)
	}
}

func TestLeadPurgeKeepsDealTimeline(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	owner := seedUser(t, s)
	suffix := uuid.NewString()[:8]

	lead := &models.Leads{
		Number:   "T-L-" + suffix,
		Title:    "Purged lead",
		Stage:    models.LeadStageNegotiation,
		Priority: models.PriorityMedium,
		OwnerID:  owner.ID,
	}
	if err := s.Repos().Leads.Create(ctx, lead); err != nil {
		t.Fatal(err)
	}
	deal := &models.Deals{
		Number:      "T-D-" + suffix,
		Title:       "Surviving deal",
		Value:       decimal.RequireFromString("50000"),
		Currency:    "USD",
		Stage:       models.DealStageReservation,
		Result:      models.DealResultPending,
		Probability: 20,
		OwnerID:     owner.ID,
		LeadID:      &lead.ID,
	}
	if err := s.Repos().Deals.Create(ctx, deal); err != nil {
		t.Fatal(err)
	}
	conversion := &models.Activity{
		Type:   models.ActivityConversion,
		LeadID: &lead.ID,
		DealID: &deal.ID,
		UserID: owner.ID,
		Body:   "Converted " + lead.Number,
	}
	if err := s.Repos().Activities.Create(ctx, conversion); err != nil {
		t.Fatal(err)
	}
	note := &models.Activity{Type: models.ActivityNote, LeadID: &lead.ID, UserID: owner.ID, Body: "lead only"}
	if err := s.Repos().Activities.Create(ctx, note); err != nil {
		t.Fatal(err)
	}

	if err := s.Repos().Leads.Delete(ctx, lead.ID); err != nil {
		t.Fatal(err)
	}

	items, err := s.Repos().Activities.ListByDeal(ctx, deal.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].ID != conversion.ID {
		t.Fatalf("deal timeline after purge = %+v", items)
	}
	if items[0].LeadID != nil {
		t.Errorf("lead_id = %d, want NULL", *items[0].LeadID)
	}

	var kept int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM activities WHERE id = $1`, note.ID).Scan(&kept); err != nil {
		t.Fatal(err)
	}
	if kept != 1 {
		t.Errorf("lead activity removed by purge")
	}
}

func TestOutboxClaimIsExclusive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	msg := &models.OutboxMessage{
		Kind:    models.OutboxAudit,
		Payload: []byte(fmt.Sprintf(`{"action":"TEST","entity_id":%d}`, time.Now().UnixNano()%1000)),
	}
	if err := s.Repos().Outbox.Insert(ctx, msg); err != nil {
		t.Fatal(err)
	}
	ok, err := s.Repos().Outbox.Claim(ctx, msg.ID)
	if err != nil || !ok {
		t.Fatalf("first claim ok=%v err=%v", ok, err)
	}
	ok, err = s.Repos().Outbox.Claim(ctx, msg.ID)
	if err != nil || ok {
		t.Fatalf("second claim ok=%v err=%v", ok, err)
	}
	if err := s.Repos().Outbox.MarkDelivered(ctx, msg.ID); err != nil {
		t.Fatal(err)
	}
}

func TestTelegramLinkLookup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s)

	code := fmt.Sprintf("%032X", time.Now().UnixNano())
	link := &models.TelegramLink{UserID: u.ID, Code: code, ExpiresAt: time.Now().Add(time.Minute)}
	if err := s.Repos().TelegramLinks.Create(ctx, link); err != nil {
		t.Fatal(err)
	}

	chatID := time.Now().UnixNano()
	err := s.WithinTx(ctx, func(ctx context.Context, r Repos) error {
		got, err := r.TelegramLinks.GetByCodeForUpdate(ctx, code)
		if err != nil || got == nil || got.UserID != u.ID || got.Used {
			return fmt.Errorf("lookup = %+v, %v", got, err)
		}
		if err := r.TelegramLinks.MarkUsed(ctx, got.ID); err != nil {
			return err
		}
		return r.Users.UpdateTelegramLink(ctx, u.ID, chatID, true)
	})
	if err != nil {
		t.Fatal(err)
	}

	byChat, err := s.Repos().Users.GetByChatID(ctx, chatID)
	if err != nil || byChat == nil || byChat.ID != u.ID || !byChat.NotifyTelegram {
		t.Fatalf("GetByChatID = %+v, %v", byChat, err)
	}
	missing, err := s.Repos().TelegramLinks.GetByCodeForUpdate(ctx, "NOPE")
	if err != nil || missing != nil {
		t.Errorf("missing code = %+v, %v", missing, err)
	}
}
