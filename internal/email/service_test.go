package email

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"

	"github.com/jwalitptl/outbox-relay/internal/model"
	"github.com/jwalitptl/outbox-relay/pkg/logger"
)

type fakeSender struct {
	messages []*gomail.Message
	err      error
}

func (s *fakeSender) DialAndSend(m ...*gomail.Message) error {
	if s.err != nil {
		return s.err
	}
	s.messages = append(s.messages, m...)
	return nil
}

func deadLetter(eventType string) *model.DeadLetterEvent {
	return &model.DeadLetterEvent{
		ID:           uuid.New(),
		EventID:      uuid.New(),
		TenantID:     "T",
		EventType:    eventType,
		ConsumerName: "accounting.postTender",
		ErrorMessage: "ledger unavailable",
		FailedAt:     time.Now().UTC(),
	}
}

func TestDeadLetterAlerter_SendsForFinancialEvents(t *testing.T) {
	sender := &fakeSender{}
	alerter := NewDeadLetterAlerter(NewService(sender, "outbox@example.com"), []string{"ops@example.com"}, logger.Nop())
	rec := deadLetter("tender.recorded.v1")

	require.NoError(t, alerter.NotifyDeadLetter(context.Background(), []*model.DeadLetterEvent{rec}))

	require.Len(t, sender.messages, 1)
	m := sender.messages[0]
	assert.Equal(t, []string{"ops@example.com"}, m.GetHeader("To"))
	assert.Contains(t, m.GetHeader("Subject")[0], "tender.recorded.v1")

	var buf bytes.Buffer
	_, err := m.WriteTo(&buf)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), rec.ID.String())
}

func TestDeadLetterAlerter_IgnoresOtherEvents(t *testing.T) {
	sender := &fakeSender{}
	alerter := NewDeadLetterAlerter(NewService(sender, "outbox@example.com"), []string{"ops@example.com"}, logger.Nop())

	require.NoError(t, alerter.NotifyDeadLetter(context.Background(), []*model.DeadLetterEvent{deadLetter("inventory.adjusted.v1")}))
	assert.Empty(t, sender.messages)
}

func TestSMTPService_PropagatesSendError(t *testing.T) {
	sender := &fakeSender{err: errors.New("535 authentication failed")}
	svc := NewService(sender, "outbox@example.com")

	err := svc.SendCustom(context.Background(), []string{"ops@example.com"}, "subject", "body")
	assert.ErrorContains(t, err, "authentication failed")
}
