package handlers

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"brokercrm/internal/apperr"
	"brokercrm/internal/authz"
	"brokercrm/internal/models"
)

type sentReply struct {
	chatID int64
	text   string
}

type fakeBot struct{ replies []sentReply }

func (b *fakeBot) Reply(_ context.Context, chatID int64, text string) error {
	b.replies = append(b.replies, sentReply{chatID, text})
	return nil
}

type fakeLinker struct {
	code  string
	user  models.User
	bound map[int64]int
}

func (l *fakeLinker) LinkByCode(_ context.Context, code string, chatID int64) (*models.User, error) {
	if code != l.code {
		return nil, apperr.NotFound("link code is invalid or expired")
	}
	l.bound[chatID] = l.user.ID
	return &l.user, nil
}

func (l *fakeLinker) UserByChat(_ context.Context, chatID int64) (*models.User, error) {
	if l.bound[chatID] != l.user.ID {
		return nil, apperr.NotFound("chat is not linked")
	}
	return &l.user, nil
}

type fakeLister struct {
	gotActor authz.Actor
	leads    []models.Leads
}

func (f *fakeLister) List(_ context.Context, actor authz.Actor, _ models.LeadFilter) ([]models.Leads, error) {
	f.gotActor = actor
	return f.leads, nil
}

const linkCode = "0123456789ABCDEF0123456789ABCDEF"

func newWebhook(t *testing.T, secret string) (*gin.Engine, *fakeBot, *fakeLinker, *fakeLister) {
	t.Helper()
	bot := &fakeBot{}
	linker := &fakeLinker{
		code:  linkCode,
		user:  models.User{ID: 7, FullName: "Dana <Agent>", RoleID: authz.RoleSales, OfficeID: 1},
		bound: map[int64]int{},
	}
	lister := &fakeLister{}
	h := NewIntegrationsHandler(bot, linker, lister, secret)
	r := gin.New()
	r.POST("/hook", h.Webhook)
	return r, bot, linker, lister
}

func update(chatID int64, text string) map[string]any {
	return map[string]any{
		"update_id": 1,
		"message": map[string]any{
			"message_id": 1,
			"date":       0,
			"chat":       map[string]any{"id": chatID, "type": "private"},
			"text":       text,
		},
	}
}

func TestWebhookLinksChat(t *testing.T) {
	r, bot, linker, _ := newWebhook(t, "")

	w := do(r, http.MethodPost, "/hook", update(42, "/link «0123456789abcdef0123456789abcdef»"))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if linker.bound[42] != 7 {
		t.Fatalf("chat not bound: %v", linker.bound)
	}
	if len(bot.replies) != 1 || bot.replies[0].chatID != 42 {
		t.Fatalf("replies = %+v", bot.replies)
	}
	if !strings.Contains(bot.replies[0].text, "Dana &lt;Agent&gt;") {
		t.Errorf("reply not escaped: %q", bot.replies[0].text)
	}
}

func TestWebhookRejectsBadCodes(t *testing.T) {
	r, bot, linker, _ := newWebhook(t, "")

	do(r, http.MethodPost, "/hook", update(42, "/link 1234"))
	do(r, http.MethodPost, "/hook", update(42, "/link FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFF"))
	if len(linker.bound) != 0 {
		t.Fatalf("unexpected binding %v", linker.bound)
	}
	if len(bot.replies) != 2 ||
		!strings.Contains(bot.replies[0].text, "Invalid code format") ||
		!strings.Contains(bot.replies[1].text, "invalid or expired") {
		t.Errorf("replies = %+v", bot.replies)
	}
}

func TestWebhookSecret(t *testing.T) {
	r, bot, _, _ := newWebhook(t, "s3cret")
	if w := do(r, http.MethodPost, "/hook", update(42, "/start")); w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if len(bot.replies) != 0 {
		t.Errorf("bot answered an unsigned update")
	}
}

func TestWebhookIgnoresJunk(t *testing.T) {
	r, bot, _, _ := newWebhook(t, "")
	if w := do(r, http.MethodPost, "/hook", map[string]any{"update_id": 5}); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if len(bot.replies) != 0 {
		t.Errorf("replies = %+v", bot.replies)
	}
}

func TestWebhookLeadDigest(t *testing.T) {
	r, bot, linker, lister := newWebhook(t, "")
	linker.bound[42] = 7

	now := time.Now()
	overdue := now.Add(-time.Hour)
	soon := now.Add(2 * time.Hour)
	lister.leads = []models.Leads{
		{ID: 1, Number: "PQT-L-1", Title: "later", Stage: models.LeadStageNewEnquiry},
		{ID: 2, Number: "PQT-L-2", Title: "urgent", Stage: models.LeadStageNewEnquiry, SLADeadline: &overdue},
		{ID: 3, Number: "PQT-L-3", Title: "today", Stage: models.LeadStageNewEnquiry, SLADeadline: &soon},
		{ID: 4, Number: "PQT-L-4", Title: "done", Stage: models.LeadStageWon},
	}

	do(r, http.MethodPost, "/hook", update(42, "/leads"))
	if lister.gotActor.UserID != 7 || lister.gotActor.RoleID != authz.RoleSales {
		t.Errorf("listed as %+v", lister.gotActor)
	}
	if len(bot.replies) != 1 {
		t.Fatalf("replies = %+v", bot.replies)
	}
	text := bot.replies[0].text
	iOver := strings.Index(text, "SLA overdue")
	iToday := strings.Index(text, "Due today")
	iNone := strings.Index(text, "No deadline")
	if iOver < 0 || iToday < iOver || iNone < iToday {
		t.Errorf("buckets out of order:\n%s", text)
	}
	if strings.Contains(text, "PQT-L-4") {
		t.Errorf("terminal lead listed:\n%s", text)
	}

	bot.replies = nil
	do(r, http.MethodPost, "/hook", update(99, "/leads"))
	if len(bot.replies) != 1 || !strings.Contains(bot.replies[0].text, "not linked") {
		t.Errorf("replies = %+v", bot.replies)
	}
}

func TestNormalizeLinkCode(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{" 0123456789abcdef0123456789abcdef ", linkCode, true},
		{"\"0123456789ABCDEF0123456789ABCDEF\".", linkCode, true},
		{"0123-4567-89AB-CDEF-0123-4567-89AB-CDEF", linkCode, true},
		{"0123", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := normalizeLinkCode(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("normalizeLinkCode(%q) = %q, %v", tt.in, got, ok)
		}
	}
}
