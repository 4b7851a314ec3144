package kafka

import (
	"context"
	"fmt"

	"github.com/turtacn/casewatch/internal/config"
	"github.com/turtacn/casewatch/internal/domain/casework"
	"github.com/turtacn/casewatch/pkg/errors"
)

type messagePublisher interface {
	Publish(ctx context.Context, msg *ProducerMessage) error
	PublishBatch(ctx context.Context, msgs []*ProducerMessage) (*BatchPublishResult, error)
}

// EventPublisher publishes case and notification events as envelopes.
// Case events are keyed by case id so one case's events stay ordered.
type EventPublisher struct {
	producer    messagePublisher
	source      string
	eventTopic  string
	notifyTopic string
	alertTopic  string
}

// NewEventPublisher publishes through producer using the topics in cfg.
func NewEventPublisher(producer *Producer, source string, cfg config.KafkaConfig) *EventPublisher {
	return newEventPublisher(producer, source, cfg)
}

func newEventPublisher(producer messagePublisher, source string, cfg config.KafkaConfig) *EventPublisher {
	return &EventPublisher{
		producer:    producer,
		source:      source,
		eventTopic:  cfg.EventTopic,
		notifyTopic: cfg.NotifyTopic,
		alertTopic:  cfg.AlertTopic,
	}
}

func (p *EventPublisher) message(topic, key, eventType, tenantID string, payload interface{}) (*ProducerMessage, error) {
	env, err := NewEventEnvelope(eventType, p.source, tenantID, payload)
	if err != nil {
		return nil, err
	}
	return env.ToMessage(topic, key)
}

func (p *EventPublisher) publish(ctx context.Context, topic, key, eventType, tenantID string, payload interface{}) error {
	msg, err := p.message(topic, key, eventType, tenantID, payload)
	if err != nil {
		return err
	}
	return p.producer.Publish(ctx, msg)
}

// CaseEvent publishes eventType for c on the case event topic.
func (p *EventPublisher) CaseEvent(ctx context.Context, eventType string, c *casework.Case) error {
	return p.publish(ctx, p.eventTopic, c.ID, eventType, c.TenantID, CasePayload(c))
}

// NotificationCreated publishes n on the notification topic.
func (p *EventPublisher) NotificationCreated(ctx context.Context, n *casework.Notification) error {
	return p.publish(ctx, p.notifyTopic, n.CaseID, EventNotificationCreated, n.TenantID, n)
}

// Escalations publishes the notification and the escalated case event of
// every escalation in one producer write. A partial write reports how many
// events were lost and wraps the first failure.
func (p *EventPublisher) Escalations(ctx context.Context, batch []casework.Escalation) error {
	if len(batch) == 0 {
		return nil
	}
	msgs := make([]*ProducerMessage, 0, 2*len(batch))
	for _, e := range batch {
		n, err := p.message(p.notifyTopic, e.Notification.CaseID, EventNotificationCreated, e.Notification.TenantID, e.Notification)
		if err != nil {
			return err
		}
		c, err := p.message(p.eventTopic, e.Case.ID, EventCaseEscalated, e.Case.TenantID, CasePayload(e.Case))
		if err != nil {
			return err
		}
		msgs = append(msgs, n, c)
	}
	res, err := p.producer.PublishBatch(ctx, msgs)
	if err != nil {
		return err
	}
	if res.Failed > 0 {
		return errors.Wrap(res.Errors[0].Error, errors.ErrCodeExternalService,
			fmt.Sprintf("%d of %d escalation events not published", res.Failed, len(msgs)))
	}
	return nil
}

// AlertIngested publishes a on the alert ingest topic, keyed by site so a
// site's alerts are triaged in order.
func (p *EventPublisher) AlertIngested(ctx context.Context, a *casework.Alert) error {
	key := a.SiteID
	if key == "" {
		key = a.SubjectID
	}
	return p.publish(ctx, p.alertTopic, key, EventAlertIngested, a.TenantID, a)
}

// AlertHandler adapts fn into a MessageHandler for the alert ingest topic.
// Envelopes of another type are ignored; undecodable or invalid alerts fail
// permanently and go straight to the dead-letter topic.
func AlertHandler(fn func(ctx context.Context, a *casework.Alert) error) MessageHandler {
	return func(ctx context.Context, msg *Message) error {
		env, err := MessageToEventEnvelope(msg)
		if err != nil {
			return err
		}
		if env.EventType != EventAlertIngested {
			return nil
		}
		var alert casework.Alert
		if err := env.DecodePayload(&alert); err != nil {
			return err
		}
		if err := alert.Validate(); err != nil {
			return errors.Wrap(err, errors.ErrCodeValidation, "invalid alert event")
		}
		return fn(ctx, &alert)
	}
}
