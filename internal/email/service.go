package email

import (
	"context"
	"fmt"
	"strings"

	"gopkg.in/gomail.v2"

	"github.com/jwalitptl/outbox-relay/internal/config"
	"github.com/jwalitptl/outbox-relay/internal/events"
	"github.com/jwalitptl/outbox-relay/internal/model"
	"github.com/jwalitptl/outbox-relay/pkg/logger"
)

type Service interface {
	SendCustom(ctx context.Context, to []string, subject string, content string) error
}

// Sender delivers composed messages. *gomail.Dialer satisfies it.
type Sender interface {
	DialAndSend(m ...*gomail.Message) error
}

type SMTPService struct {
	sender Sender
	from   string
}

func NewSMTPService(cfg config.SMTPConfig) *SMTPService {
	return NewService(gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password), cfg.From)
}

func NewService(sender Sender, from string) *SMTPService {
	return &SMTPService{sender: sender, from: from}
}

func (s *SMTPService) SendCustom(ctx context.Context, to []string, subject string, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", to...)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", content)

	if err := s.sender.DialAndSend(m); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

// DeadLetterAlerter emails operators when a financial event is
// dead-lettered, so it cannot go unnoticed.
type DeadLetterAlerter struct {
	mail   Service
	to     []string
	logger *logger.Logger
}

func NewDeadLetterAlerter(mail Service, to []string, logger *logger.Logger) *DeadLetterAlerter {
	return &DeadLetterAlerter{mail: mail, to: to, logger: logger}
}

func (a *DeadLetterAlerter) NotifyDeadLetter(ctx context.Context, records []*model.DeadLetterEvent) error {
	var financial []*model.DeadLetterEvent
	for _, rec := range records {
		if events.IsFinancial(rec.EventType) {
			financial = append(financial, rec)
		}
	}
	if len(financial) == 0 {
		return nil
	}

	first := financial[0]
	subject := fmt.Sprintf("[outbox] financial event %s dead-lettered (%s)", first.EventType, first.EventID)

	var body strings.Builder
	fmt.Fprintf(&body, "Event %s for tenant %s could not be delivered and needs an explicit resolution.\n\n",
		first.EventID, first.TenantID)
	for _, rec := range financial {
		fmt.Fprintf(&body, "dead letter: %s\nconsumer:    %s\nfailed at:   %s\nerror:       %s\n\n",
			rec.ID, rec.ConsumerName, rec.FailedAt.Format("2006-01-02T15:04:05Z07:00"), rec.ErrorMessage)
	}
	body.WriteString("Replay with POST /api/v1/dead-letters/{id}/retry or resolve with a note.\n")

	if err := a.mail.SendCustom(ctx, a.to, subject, body.String()); err != nil {
		return err
	}
	a.logger.Info("Sent financial dead-letter alert",
		"event_id", first.EventID.String(),
		"recipients", len(a.to))
	return nil
}
