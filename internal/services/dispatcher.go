package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"brokercrm/internal/authz"
	"brokercrm/internal/models"
	"brokercrm/internal/repositories"
)

// Channel delivers a stored notification outside the application.
type Channel interface {
	Name() string
	Accepts(u models.User) bool
	Send(ctx context.Context, u models.User, n models.Notification) error
}

type DispatcherConfig struct {
	Workers     int
	QueueSize   int
	BatchSize   int
	MaxAttempts int
	// MinAge keeps the relay away from messages the in-process queue is
	// still expected to handle.
	MinAge     time.Duration
	StaleAfter time.Duration
	BaseURL    string
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.MinAge <= 0 {
		c.MinAge = 10 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 5 * time.Minute
	}
	return c
}

// OutboxDispatcher delivers outbox messages. Committed messages are pushed
// to an in-process queue; the relay picks up whatever the queue dropped or
// a crash left behind.
type OutboxDispatcher struct {
	store    Store
	cfg      DispatcherConfig
	channels []Channel
	log      zerolog.Logger

	queue chan models.OutboxMessage
	wg    sync.WaitGroup
}

func NewOutboxDispatcher(store Store, cfg DispatcherConfig, log zerolog.Logger, channels ...Channel) *OutboxDispatcher {
	cfg = cfg.withDefaults()
	return &OutboxDispatcher{
		store:    store,
		cfg:      cfg,
		channels: channels,
		log:      log.With().Str("component", "outbox").Logger(),
		queue:    make(chan models.OutboxMessage, cfg.QueueSize),
	}
}

// Start launches the workers. They stop when ctx is cancelled; Wait blocks
// until they did.
func (d *OutboxDispatcher) Start(ctx context.Context) {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg := <-d.queue:
					d.claimAndProcess(ctx, msg)
				}
			}
		}()
	}
}

func (d *OutboxDispatcher) Wait() {
	d.wg.Wait()
}

// Dispatch never blocks. A full queue leaves the message to the relay.
func (d *OutboxDispatcher) Dispatch(msgs ...models.OutboxMessage) {
	for _, m := range msgs {
		select {
		case d.queue <- m:
		default:
			d.log.Warn().Str("outbox_id", m.ID.String()).Msg("outbox queue full, leaving message to relay")
		}
	}
}

// RunRelay polls for undelivered messages until ctx is cancelled.
func (d *OutboxDispatcher) RunRelay(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := d.Relay(ctx); err != nil {
				d.log.Error().Err(err).Msg("outbox relay failed")
			} else if n > 0 {
				d.log.Info().Int("count", n).Msg("outbox relay delivered backlog")
			}
		}
	}
}

// Relay claims one batch of pending or stale messages and processes it.
func (d *OutboxDispatcher) Relay(ctx context.Context) (int, error) {
	msgs, err := d.store.Repos().Outbox.ClaimPending(ctx, d.cfg.BatchSize, d.cfg.MinAge, d.cfg.StaleAfter)
	if err != nil {
		return 0, err
	}
	for _, m := range msgs {
		d.process(ctx, m)
	}
	return len(msgs), nil
}

func (d *OutboxDispatcher) claimAndProcess(ctx context.Context, msg models.OutboxMessage) {
	ok, err := d.store.Repos().Outbox.Claim(ctx, msg.ID)
	if err != nil {
		d.log.Error().Err(err).Str("outbox_id", msg.ID.String()).Msg("claim outbox message")
		return
	}
	if !ok {
		return
	}
	d.process(ctx, msg)
}

func (d *OutboxDispatcher) process(ctx context.Context, msg models.OutboxMessage) {
	log := d.log.With().Str("outbox_id", msg.ID.String()).Str("kind", string(msg.Kind)).Logger()
	if err := d.deliver(ctx, msg); err != nil {
		log.Warn().Err(err).Int("attempts", msg.Attempts).Msg("outbox delivery failed")
		if err := d.store.Repos().Outbox.MarkRetry(ctx, msg.ID, err.Error(), d.cfg.MaxAttempts); err != nil {
			log.Error().Err(err).Msg("mark outbox retry")
		}
	}
}

func (d *OutboxDispatcher) deliver(ctx context.Context, msg models.OutboxMessage) error {
	switch msg.Kind {
	case models.OutboxAudit:
		var p models.AuditPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return fmt.Errorf("decode audit payload: %w", err)
		}
		return d.store.WithinTx(ctx, func(ctx context.Context, r repositories.Repos) error {
			if err := r.Audit.Create(ctx, &models.AuditLogEntry{
				Action:     p.Action,
				EntityType: p.EntityType,
				EntityID:   p.EntityID,
				Changes:    p.Changes,
				ActorID:    p.ActorID,
				CreatedAt:  p.At,
			}); err != nil {
				return err
			}
			return r.Outbox.MarkDelivered(ctx, msg.ID)
		})
	case models.OutboxNotify:
		var p models.NotifyPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return fmt.Errorf("decode notify payload: %w", err)
		}
		return d.notify(ctx, msg, p)
	default:
		return fmt.Errorf("unknown outbox kind %q", msg.Kind)
	}
}

// notify stores the in-app notifications together with the delivered mark,
// then fans out to external channels. Channel failures are only logged.
func (d *OutboxDispatcher) notify(ctx context.Context, msg models.OutboxMessage, p models.NotifyPayload) error {
	var (
		recipients []models.User
		stored     []models.Notification
	)
	err := d.store.WithinTx(ctx, func(ctx context.Context, r repositories.Repos) error {
		var err error
		recipients, err = resolveRecipients(ctx, r, p)
		if err != nil {
			return err
		}
		stored = stored[:0]
		for _, u := range recipients {
			n := models.Notification{UserID: u.ID, Type: p.Type, Title: p.Title, Body: p.Body, Link: p.Link}
			if err := r.Notifications.Create(ctx, &n); err != nil {
				return err
			}
			stored = append(stored, n)
		}
		return r.Outbox.MarkDelivered(ctx, msg.ID)
	})
	if err != nil {
		return err
	}
	if len(d.channels) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, u := range recipients {
		n := stored[i]
		n.Link = d.absoluteLink(n.Link)
		for _, ch := range d.channels {
			if !ch.Accepts(u) {
				continue
			}
			g.Go(func() error {
				if err := ch.Send(gctx, u, n); err != nil {
					d.log.Warn().Err(err).Str("channel", ch.Name()).Int("user_id", u.ID).Str("type", n.Type).Msg("notification channel failed")
				}
				return nil
			})
		}
	}
	return g.Wait()
}

func (d *OutboxDispatcher) absoluteLink(link string) string {
	if d.cfg.BaseURL == "" || link == "" || !strings.HasPrefix(link, "/") {
		return link
	}
	return strings.TrimRight(d.cfg.BaseURL, "/") + link
}

// resolveRecipients expands the payload into distinct users, without the
// excluded actor.
func resolveRecipients(ctx context.Context, r repositories.Repos, p models.NotifyPayload) ([]models.User, error) {
	var users []models.User
	if len(p.UserIDs) > 0 {
		direct, err := r.Users.GetByIDs(ctx, p.UserIDs)
		if err != nil {
			return nil, err
		}
		users = append(users, direct...)
	}
	if p.ToElevated {
		elevated, err := r.Users.ListByRoles(ctx, authz.ElevatedRoles)
		if err != nil {
			return nil, err
		}
		users = append(users, elevated...)
	}

	seen := make(map[int]bool, len(users))
	out := users[:0]
	for _, u := range users {
		if u.ID == p.ExcludeUserID || seen[u.ID] {
			continue
		}
		seen[u.ID] = true
		out = append(out, u)
	}
	return out, nil
}
