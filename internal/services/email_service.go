package services

import (
	"context"
	"fmt"
	"html"

	"gopkg.in/gomail.v2"

	"brokercrm/internal/models"
)

type mailSender interface {
	DialAndSend(m ...*gomail.Message) error
}

// EmailChannel mails notifications to users that opted in.
type EmailChannel struct {
	dialer mailSender
	from   string
}

func NewEmailChannel(smtpHost string, smtpPort int, smtpUser, smtpPassword, fromEmail string) *EmailChannel {
	return &EmailChannel{
		dialer: gomail.NewDialer(smtpHost, smtpPort, smtpUser, smtpPassword),
		from:   fromEmail,
	}
}

func (c *EmailChannel) Name() string { return "email" }

func (c *EmailChannel) Accepts(u models.User) bool {
	return u.NotifyEmail && u.Email != ""
}

func (c *EmailChannel) Send(ctx context.Context, u models.User, n models.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := gomail.NewMessage()
	m.SetHeader("From", c.from)
	m.SetAddressHeader("To", u.Email, u.FullName)
	m.SetHeader("Subject", n.Title)

	body := fmt.Sprintf(`
		<h3>%s</h3>
		<p>%s</p>`, html.EscapeString(n.Title), html.EscapeString(n.Body))
	if n.Link != "" {
		body += fmt.Sprintf(`<p><a href="%s">Open in CRM</a></p>`, html.EscapeString(n.Link))
	}
	m.SetBody("text/html", body)

	if err := c.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("send %s email: %w", n.Type, err)
	}
	return nil
}
