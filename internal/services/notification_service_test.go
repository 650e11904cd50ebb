package services

import (
	"context"
	"testing"
	"time"

	"brokercrm/internal/apperr"
	"brokercrm/internal/authz"
	"brokercrm/internal/models"
)

func newNotificationFixture(t *testing.T) (*NotificationService, *fixture) {
	t.Helper()
	f := newFixture(t)
	svc := NewNotificationService(f.store)
	svc.now = func() time.Time { return fixedNow }
	return svc, f
}

func TestTelegramLinkFlow(t *testing.T) {
	svc, f := newNotificationFixture(t)
	ctx := context.Background()

	link, err := svc.RequestTelegramLink(ctx, agentActor)
	if err != nil {
		t.Fatal(err)
	}
	if len(link.Code) != 32 {
		t.Fatalf("code %q, want 32 hex chars", link.Code)
	}
	if !link.ExpiresAt.Equal(fixedNow.Add(30 * time.Minute)) {
		t.Errorf("expires_at = %v", link.ExpiresAt)
	}

	u, err := svc.LinkByCode(ctx, link.Code, 5551)
	if err != nil {
		t.Fatal(err)
	}
	if u.ID != agentActor.UserID || u.TelegramChatID != 5551 || !u.NotifyTelegram {
		t.Errorf("linked user = %+v", u)
	}

	// codes are single use
	_, err = svc.LinkByCode(ctx, link.Code, 6000)
	wantKind(t, err, apperr.KindNotFound)

	got, err := svc.UserByChat(ctx, 5551)
	if err != nil || got.ID != agentActor.UserID {
		t.Fatalf("UserByChat = %+v, %v", got, err)
	}

	if err := svc.UnlinkTelegram(ctx, agentActor); err != nil {
		t.Fatal(err)
	}
	_, err = svc.UserByChat(ctx, 5551)
	wantKind(t, err, apperr.KindNotFound)
	f.store.read(func(s *memState) {
		if u := s.users[agentActor.UserID]; u.NotifyTelegram || u.TelegramChatID != 0 {
			t.Errorf("user still linked: %+v", u)
		}
	})
}

func TestTelegramLinkExpired(t *testing.T) {
	svc, _ := newNotificationFixture(t)
	ctx := context.Background()

	link, err := svc.RequestTelegramLink(ctx, agentActor)
	if err != nil {
		t.Fatal(err)
	}
	svc.now = func() time.Time { return fixedNow.Add(31 * time.Minute) }
	_, err = svc.LinkByCode(ctx, link.Code, 5551)
	wantKind(t, err, apperr.KindNotFound)

	_, err = svc.LinkByCode(ctx, "00000000000000000000000000000000", 5551)
	wantKind(t, err, apperr.KindNotFound)
	_, err = svc.LinkByCode(ctx, link.Code, 0)
	wantKind(t, err, apperr.KindValidation)
}

func TestListMine(t *testing.T) {
	svc, f := newNotificationFixture(t)
	ctx := context.Background()
	for _, userID := range []int{agentActor.UserID, otherAgent.UserID, agentActor.UserID} {
		n := &models.Notification{UserID: userID, Type: models.NotifyLeadAssigned, Title: "t"}
		if err := f.store.Repos().Notifications.Create(ctx, n); err != nil {
			t.Fatal(err)
		}
	}

	got, err := svc.ListMine(ctx, agentActor, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("got %d notifications, want 2", len(got))
	}
	_, err = svc.ListMine(ctx, authz.Actor{}, 10)
	wantKind(t, err, apperr.KindUnauthorized)
}
