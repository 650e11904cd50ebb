package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"brokercrm/internal/apperr"
	"brokercrm/internal/authz"
	"brokercrm/internal/logger"
	"brokercrm/internal/models"
)

var fixedNow = time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)

var (
	adminActor   = authz.Actor{UserID: 1, RoleID: authz.RoleAdmin, OfficeID: 1}
	managerActor = authz.Actor{UserID: 2, RoleID: authz.RoleManagement, OfficeID: 1}
	viewerActor  = authz.Actor{UserID: 3, RoleID: authz.RoleAudit, OfficeID: 1}
	agentActor   = authz.Actor{UserID: 7, RoleID: authz.RoleSales, OfficeID: 1}
	otherAgent   = authz.Actor{UserID: 8, RoleID: authz.RoleSales, OfficeID: 1}
	farAgent     = authz.Actor{UserID: 9, RoleID: authz.RoleSales, OfficeID: 2}
)

type fixture struct {
	store *fakeStore
	disp  *recordingDispatcher
	leads *LeadService
	deals *DealService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newFakeStore()
	ctx := context.Background()
	for _, a := range []authz.Actor{adminActor, managerActor, viewerActor, agentActor, otherAgent, farAgent} {
		u := &models.User{ID: a.UserID, FullName: "user", RoleID: a.RoleID, OfficeID: a.OfficeID}
		if err := store.Repos().Users.Create(ctx, u); err != nil {
			t.Fatal(err)
		}
	}
	store.state.nextID = 100
	disp := &recordingDispatcher{}
	opts := Options{Now: func() time.Time { return fixedNow }}
	return &fixture{
		store: store,
		disp:  disp,
		leads: NewLeadService(store, disp, opts, logger.Nop()),
		deals: NewDealService(store, disp, opts, logger.Nop()),
	}
}

func (f *fixture) lead(t *testing.T, actor authz.Actor, in CreateLeadInput) *models.Leads {
	t.Helper()
	if in.Title == "" {
		in.Title = "Sea view flat"
	}
	l, err := f.leads.Create(context.Background(), actor, in)
	if err != nil {
		t.Fatalf("create lead: %v", err)
	}
	return l
}

func wantKind(t *testing.T, err error, kind apperr.Kind) {
	t.Helper()
	if !apperr.Is(err, kind) {
		t.Fatalf("expected %v error, got %v", kind, err)
	}
}

func TestCreateLeadDefaults(t *testing.T) {
	f := newFixture(t)
	l := f.lead(t, agentActor, CreateLeadInput{Tags: []string{"vip", "pool_2"}})

	if l.Number != "PQT-L-20250314-0001" {
		t.Fatalf("number = %s", l.Number)
	}
	if l.Stage != models.LeadStageNewEnquiry || l.Priority != models.PriorityMedium {
		t.Fatalf("stage/priority = %s/%s", l.Stage, l.Priority)
	}
	if l.Score != 10 || l.Temperature != models.TemperatureCold {
		t.Fatalf("score = %d %s", l.Score, l.Temperature)
	}
	if l.SLADeadline == nil || !l.SLADeadline.Equal(fixedNow.Add(24*time.Hour)) {
		t.Fatalf("sla = %v", l.SLADeadline)
	}
	if l.Pool == nil || *l.Pool != models.Pool2 {
		t.Fatalf("pool = %v", l.Pool)
	}
	if diff := cmp.Diff([]string{"vip"}, l.Tags); diff != "" {
		t.Fatalf("tags (-want +got):\n%s", diff)
	}
	if l.OwnerID != agentActor.UserID || l.OfficeID != 1 {
		t.Fatalf("owner/office = %d/%d", l.OwnerID, l.OfficeID)
	}
	if diff := cmp.Diff(map[models.OutboxKind]int{models.OutboxAudit: 1}, f.disp.kinds()); diff != "" {
		t.Fatalf("dispatched (-want +got):\n%s", diff)
	}

	second := f.lead(t, agentActor, CreateLeadInput{})
	if second.Number != "PQT-L-20250314-0002" {
		t.Fatalf("second number = %s", second.Number)
	}
}

func TestCreateLeadRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.leads.Create(ctx, agentActor, CreateLeadInput{Title: "x", OwnerID: otherAgent.UserID})
	wantKind(t, err, apperr.KindUnauthorized)

	_, err = f.leads.Create(ctx, viewerActor, CreateLeadInput{Title: "x"})
	wantKind(t, err, apperr.KindUnauthorized)

	_, err = f.leads.Create(ctx, agentActor, CreateLeadInput{})
	wantKind(t, err, apperr.KindValidation)

	_, err = f.leads.Create(ctx, agentActor, CreateLeadInput{Title: "x", Priority: "SOMEDAY"})
	wantKind(t, err, apperr.KindValidation)

	_, err = f.leads.Create(ctx, managerActor, CreateLeadInput{Title: "x", OwnerID: 404})
	wantKind(t, err, apperr.KindNotFound)

	_, err = f.leads.Create(ctx, agentActor, CreateLeadInput{Title: "x", ClientID: 404})
	wantKind(t, err, apperr.KindNotFound)

	l, err := f.leads.Create(ctx, managerActor, CreateLeadInput{Title: "x", OwnerID: agentActor.UserID, Priority: "urgent"})
	if err != nil {
		t.Fatal(err)
	}
	if l.OwnerID != agentActor.UserID || l.Priority != models.PriorityUrgent {
		t.Fatalf("owner=%d priority=%s", l.OwnerID, l.Priority)
	}
	if got := f.disp.kinds()[models.OutboxNotify]; got != 1 {
		t.Fatalf("assignment notifications = %d", got)
	}
}

func TestConcurrentCreateLeadNumbersAreDistinct(t *testing.T) {
	f := newFixture(t)
	const n = 25
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		numbers = map[string]bool{}
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := f.leads.Create(context.Background(), agentActor, CreateLeadInput{Title: "parallel"})
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if numbers[l.Number] {
				t.Errorf("duplicate number %s", l.Number)
			}
			numbers[l.Number] = true
		}()
	}
	wg.Wait()
	if len(numbers) != n {
		t.Fatalf("got %d distinct numbers, want %d", len(numbers), n)
	}
	if !numbers["PQT-L-20250314-0025"] {
		t.Fatal("sequence has gaps")
	}
}

func TestLeadVisibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.lead(t, agentActor, CreateLeadInput{})

	if _, err := f.leads.GetByID(ctx, viewerActor, l.ID); err != nil {
		t.Fatalf("viewer read: %v", err)
	}
	_, err := f.leads.GetByID(ctx, otherAgent, l.ID)
	wantKind(t, err, apperr.KindUnauthorized)

	_, err = f.leads.GetByID(ctx, authz.Actor{}, l.ID)
	wantKind(t, err, apperr.KindUnauthorized)

	_, err = f.leads.GetByID(ctx, managerActor, 4040)
	wantKind(t, err, apperr.KindNotFound)

	got, err := f.leads.GetByNumber(ctx, managerActor, l.Number)
	if err != nil || got.ID != l.ID {
		t.Fatalf("by number: %v %v", got, err)
	}
	_, err = f.leads.GetByNumber(ctx, managerActor, "nonsense")
	wantKind(t, err, apperr.KindValidation)

	f.lead(t, otherAgent, CreateLeadInput{})
	mine, err := f.leads.List(ctx, agentActor, models.LeadFilter{OwnerID: otherAgent.UserID})
	if err != nil {
		t.Fatal(err)
	}
	if len(mine) != 1 || mine[0].ID != l.ID {
		t.Fatalf("agent listing leaked other leads: %+v", mine)
	}
	all, err := f.leads.List(ctx, managerActor, models.LeadFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("manager sees %d leads", len(all))
	}
}

func TestUpdateLeadFieldRejectsUnknownField(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.lead(t, agentActor, CreateLeadInput{})
	f.disp.reset()

	_, err := f.leads.UpdateField(ctx, agentActor, l.ID, "role", "ADMIN")
	wantKind(t, err, apperr.KindValidation)

	after, err := f.leads.GetByID(ctx, agentActor, l.ID)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(l, after); diff != "" {
		t.Fatalf("lead modified (-before +after):\n%s", diff)
	}
	if len(f.disp.msgs) != 0 {
		t.Fatalf("unexpected outbox messages: %d", len(f.disp.msgs))
	}
}

func TestUpdateLeadFieldRescoresAndReassigns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.lead(t, agentActor, CreateLeadInput{})

	got, err := f.leads.UpdateField(ctx, agentActor, l.ID, "spoken", true)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Called || got.Score != 45 || got.Temperature != models.TemperatureWarm {
		t.Fatalf("after spoken: called=%v score=%d temp=%s", got.Called, got.Score, got.Temperature)
	}

	_, err = f.leads.UpdateField(ctx, agentActor, l.ID, "ownerId", 404)
	wantKind(t, err, apperr.KindNotFound)

	f.disp.reset()
	got, err = f.leads.UpdateField(ctx, managerActor, l.ID, "ownerId", float64(otherAgent.UserID))
	if err != nil {
		t.Fatal(err)
	}
	if got.OwnerID != otherAgent.UserID {
		t.Fatalf("owner = %d", got.OwnerID)
	}
	if f.disp.kinds()[models.OutboxNotify] != 1 {
		t.Fatalf("reassignment should notify the new owner: %v", f.disp.kinds())
	}

	_, err = f.leads.UpdateField(ctx, agentActor, l.ID, "called", true)
	wantKind(t, err, apperr.KindUnauthorized)
}

func TestUpdateLeadStage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.lead(t, agentActor, CreateLeadInput{})

	got, err := f.leads.UpdateStage(ctx, managerActor, l.ID, "qualified")
	if err != nil {
		t.Fatal(err)
	}
	if got.Stage != models.LeadStageQualified {
		t.Fatalf("stage = %s", got.Stage)
	}
	acts, err := f.leads.ListActivities(ctx, agentActor, l.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(acts) != 1 || acts[0].Type != models.ActivityStageChange || acts[0].UserID != managerActor.UserID {
		t.Fatalf("activities = %+v", acts)
	}

	_, err = f.leads.UpdateStage(ctx, agentActor, l.ID, models.LeadStageWon)
	wantKind(t, err, apperr.KindValidation)
	_, err = f.leads.UpdateStage(ctx, viewerActor, l.ID, models.LeadStageLost)
	wantKind(t, err, apperr.KindUnauthorized)
}

func TestUpdateLeadAttributes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.lead(t, agentActor, CreateLeadInput{})

	seg := "investor"
	prio := models.Priority("high")
	got, err := f.leads.Update(ctx, agentActor, l.ID, UpdateLeadInput{Segment: &seg, Priority: &prio})
	if err != nil {
		t.Fatal(err)
	}
	// (10 + 15) * 1.2
	if got.Segment != "INVESTOR" || got.Score != 30 {
		t.Fatalf("segment=%s score=%d", got.Segment, got.Score)
	}
	if !got.SLADeadline.Equal(fixedNow.Add(4 * time.Hour)) {
		t.Fatalf("sla = %v", got.SLADeadline)
	}

	blank := "  "
	_, err = f.leads.Update(ctx, agentActor, l.ID, UpdateLeadInput{Title: &blank})
	wantKind(t, err, apperr.KindValidation)
}

func TestContactLogAndNotes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.lead(t, agentActor, CreateLeadInput{})

	note, err := f.leads.AddContactLog(ctx, agentActor, l.ID, ContactLogInput{ContactType: "call", Content: "left voicemail"})
	if err != nil {
		t.Fatal(err)
	}
	if note.Body != "[CALL] left voicemail" {
		t.Fatalf("body = %q", note.Body)
	}
	got, _ := f.leads.GetByID(ctx, agentActor, l.ID)
	if !got.Called || got.Spoken || got.Score != 25 {
		t.Fatalf("after call: called=%v spoken=%v score=%d", got.Called, got.Spoken, got.Score)
	}

	if _, err := f.leads.AddContactLog(ctx, agentActor, l.ID, ContactLogInput{ContactType: "SPOKEN", Content: "keen"}); err != nil {
		t.Fatal(err)
	}
	got, _ = f.leads.GetByID(ctx, agentActor, l.ID)
	if !got.Spoken || got.Score != 45 {
		t.Fatalf("after spoken: spoken=%v score=%d", got.Spoken, got.Score)
	}

	_, err = f.leads.AddContactLog(ctx, agentActor, l.ID, ContactLogInput{ContactType: "PIGEON", Content: "x"})
	wantKind(t, err, apperr.KindValidation)
	_, err = f.leads.AddContactLog(ctx, viewerActor, l.ID, ContactLogInput{ContactType: "CALL", Content: "x"})
	wantKind(t, err, apperr.KindUnauthorized)

	_, err = f.leads.AddNote(ctx, agentActor, l.ID, "   ")
	wantKind(t, err, apperr.KindValidation)
	plain, err := f.leads.AddNote(ctx, agentActor, l.ID, " call back Friday ")
	if err != nil {
		t.Fatal(err)
	}
	notes, err := f.leads.ListNotes(ctx, agentActor, l.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(notes) != 3 || notes[2].Body != "call back Friday" {
		t.Fatalf("notes = %+v", notes)
	}

	if err := f.leads.DeleteNote(ctx, agentActor, l.ID, plain.ID); err != nil {
		t.Fatal(err)
	}
	err = f.leads.DeleteNote(ctx, agentActor, l.ID, plain.ID)
	wantKind(t, err, apperr.KindNotFound)
}

func TestPoolAssignment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.lead(t, agentActor, CreateLeadInput{})

	got, err := f.leads.AssignToPool(ctx, agentActor, l.ID, models.Pool1)
	if err != nil {
		t.Fatal(err)
	}
	if got.Pool == nil || *got.Pool != models.Pool1 {
		t.Fatalf("pool = %v", got.Pool)
	}
	_, err = f.leads.AssignToPool(ctx, agentActor, l.ID, "POOL_9")
	wantKind(t, err, apperr.KindValidation)

	got, err = f.leads.UpdateTags(ctx, agentActor, l.ID, []string{"hot", "POOL_3", "hot"})
	if err != nil {
		t.Fatal(err)
	}
	if got.Pool == nil || *got.Pool != models.Pool3 || len(got.Tags) != 1 {
		t.Fatalf("tags=%v pool=%v", got.Tags, got.Pool)
	}

	if got, err = f.leads.RemoveFromPool(ctx, agentActor, l.ID); err != nil || got.Pool != nil {
		t.Fatalf("remove pool: %v %v", got, err)
	}
	f.disp.reset()
	if _, err := f.leads.RemoveFromPool(ctx, agentActor, l.ID); err != nil {
		t.Fatal(err)
	}
	if len(f.disp.msgs) != 0 {
		t.Fatal("removing an absent pool should not audit")
	}
}

func TestConvertLeadToDeal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.lead(t, agentActor, CreateLeadInput{Title: "Villa", EstimatedValue: dec("250000"), Currency: "usd", PropertyType: "VILLA"})

	deal, err := f.leads.ConvertToDeal(ctx, agentActor, l.ID, ConvertLeadInput{})
	if err != nil {
		t.Fatal(err)
	}
	want := models.Deals{
		ID:           deal.ID,
		Number:       "PQT-D-20250314-0001",
		Title:        "Villa",
		Value:        dec("250000"),
		Currency:     "USD",
		Stage:        models.DealStageReservation,
		Result:       models.DealResultPending,
		Probability:  20,
		PropertyType: "VILLA",
		OwnerID:      agentActor.UserID,
		OfficeID:     1,
		LeadID:       &l.ID,
		CreatedAt:    deal.CreatedAt,
		UpdatedAt:    deal.UpdatedAt,
	}
	if diff := cmp.Diff(want, *deal); diff != "" {
		t.Fatalf("deal (-want +got):\n%s", diff)
	}

	converted, _ := f.leads.GetByID(ctx, agentActor, l.ID)
	if converted.Stage != models.LeadStageWon || converted.ConvertedDealID == nil || *converted.ConvertedDealID != deal.ID {
		t.Fatalf("lead after conversion: %+v", converted)
	}

	_, err = f.leads.ConvertToDeal(ctx, agentActor, l.ID, ConvertLeadInput{})
	wantKind(t, err, apperr.KindConflict)
	_, err = f.leads.UpdateField(ctx, agentActor, l.ID, "called", true)
	wantKind(t, err, apperr.KindConflict)
	_, err = f.leads.UpdateStage(ctx, agentActor, l.ID, models.LeadStageLost)
	wantKind(t, err, apperr.KindConflict)
}

func TestConvertedLeadIsFrozen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.lead(t, agentActor, CreateLeadInput{Title: "Penthouse"})
	if _, err := f.leads.ConvertToDeal(ctx, agentActor, l.ID, ConvertLeadInput{}); err != nil {
		t.Fatal(err)
	}
	before, _ := f.leads.GetByID(ctx, agentActor, l.ID)

	_, err := f.leads.AssignToPool(ctx, agentActor, l.ID, models.Pool2)
	wantKind(t, err, apperr.KindConflict)
	_, err = f.leads.RemoveFromPool(ctx, agentActor, l.ID)
	wantKind(t, err, apperr.KindConflict)
	_, err = f.leads.UpdateTags(ctx, agentActor, l.ID, []string{"x"})
	wantKind(t, err, apperr.KindConflict)
	_, err = f.leads.AddContactLog(ctx, agentActor, l.ID, ContactLogInput{ContactType: ContactSpoken, Content: "after the sale"})
	wantKind(t, err, apperr.KindConflict)

	after, _ := f.leads.GetByID(ctx, agentActor, l.ID)
	if diff := cmp.Diff(before, after); diff != "" {
		t.Fatalf("converted lead changed (-before +after):\n%s", diff)
	}

	note, err := f.leads.AddNote(ctx, agentActor, l.ID, "keys handed over")
	if err != nil {
		t.Fatalf("notes stay open after conversion: %v", err)
	}
	if err := f.leads.DeleteNote(ctx, agentActor, l.ID, note.ID); err != nil {
		t.Fatal(err)
	}
}

func TestConcurrentConversionYieldsOneDeal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.lead(t, agentActor, CreateLeadInput{})

	const n = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok        int
		conflicts int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.leads.ConvertToDeal(ctx, managerActor, l.ID, ConvertLeadInput{})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case apperr.Is(err, apperr.KindConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if ok != 1 || conflicts != n-1 {
		t.Fatalf("ok=%d conflicts=%d", ok, conflicts)
	}
	f.store.read(func(s *memState) {
		if len(s.deals) != 1 {
			t.Fatalf("deals = %d", len(s.deals))
		}
	})
}

func TestConversionRollsBackOnFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.lead(t, agentActor, CreateLeadInput{})
	f.store.failOn = "leads.convert"

	_, err := f.leads.ConvertToDeal(ctx, agentActor, l.ID, ConvertLeadInput{})
	if err == nil {
		t.Fatal("expected failure")
	}
	f.store.read(func(s *memState) {
		if len(s.deals) != 0 {
			t.Fatalf("deal survived rollback")
		}
		if s.leads[l.ID].ConvertedDealID != nil {
			t.Fatalf("lead marked converted after rollback")
		}
	})
}

func TestDeleteLead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.lead(t, agentActor, CreateLeadInput{})

	wantKind(t, f.leads.Delete(ctx, agentActor, l.ID), apperr.KindUnauthorized)
	if err := f.leads.Delete(ctx, managerActor, l.ID); err != nil {
		t.Fatal(err)
	}
	_, err := f.leads.GetByID(ctx, managerActor, l.ID)
	wantKind(t, err, apperr.KindNotFound)
	wantKind(t, f.leads.Delete(ctx, managerActor, l.ID), apperr.KindNotFound)
}

func TestLeadOfficeBoundary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.lead(t, farAgent, CreateLeadInput{})
	if l.OfficeID != 2 {
		t.Fatalf("office = %d", l.OfficeID)
	}
	_, err := f.leads.GetByID(ctx, managerActor, l.ID)
	wantKind(t, err, apperr.KindUnauthorized)
	if _, err := f.leads.GetByID(ctx, adminActor, l.ID); err != nil {
		t.Fatalf("admin read: %v", err)
	}
}

func TestLeadStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.lead(t, agentActor, CreateLeadInput{})
	f.lead(t, otherAgent, CreateLeadInput{})

	stats, err := f.leads.Stats(ctx, agentActor)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 1 {
		t.Fatalf("agent stats total = %d", stats.Total)
	}
	stats, err = f.leads.Stats(ctx, managerActor)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 2 || stats.ByStage[models.LeadStageNewEnquiry] != 2 {
		t.Fatalf("manager stats = %+v", stats)
	}
}
