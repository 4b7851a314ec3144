package kafka

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/turtacn/casewatch/internal/config"
	"github.com/turtacn/casewatch/internal/domain/casework"
	"github.com/turtacn/casewatch/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/casewatch/pkg/errors"
)

// Event types carried in EventEnvelope.EventType.
const (
	EventAlertIngested       = casework.EventAlertIngested
	EventCaseOpened          = casework.EventCaseOpened
	EventCaseAutoOpened      = casework.EventCaseAutoOpened
	EventCaseStageChanged    = casework.EventCaseStageChanged
	EventCaseEscalated       = casework.EventCaseEscalated
	EventCaseClosed          = casework.EventCaseClosed
	EventNotificationCreated = casework.EventNotificationCreated
)

const schemaVersion = "v1"

// EventEnvelope wraps every event CaseWatch publishes or consumes.
type EventEnvelope struct {
	EventID       string            `json:"event_id"`
	EventType     string            `json:"event_type"`
	Source        string            `json:"source"`
	TenantID      string            `json:"tenant_id,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	SchemaVersion string            `json:"schema_version"`
	Payload       json.RawMessage   `json:"payload"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// CaseEventPayload is the payload of every case.* event.
type CaseEventPayload struct {
	CaseID   string            `json:"case_id"`
	TenantID string            `json:"tenant_id"`
	Scope    casework.Scope    `json:"scope"`
	Type     string            `json:"type"`
	Stage    casework.StageID  `json:"stage"`
	Status   casework.Status   `json:"status"`
	Priority casework.Priority `json:"priority"`
	Source   casework.Source   `json:"source"`
	Tags     []string          `json:"tags"`
	DueDate  time.Time         `json:"due_date"`
}

// CasePayload projects c onto a CaseEventPayload.
func CasePayload(c *casework.Case) CaseEventPayload {
	return CaseEventPayload{
		CaseID:   c.ID,
		TenantID: c.TenantID,
		Scope:    c.Scope,
		Type:     c.Type,
		Stage:    c.Stage,
		Status:   c.Status,
		Priority: c.Priority,
		Source:   c.Source,
		Tags:     c.Tags,
		DueDate:  c.DueDate,
	}
}

// NewEventEnvelope marshals payload into a fresh envelope.
func NewEventEnvelope(eventType, source, tenantID string, payload interface{}) (*EventEnvelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeSerialization, "failed to marshal payload")
	}
	return &EventEnvelope{
		EventID:       uuid.New().String(),
		EventType:     eventType,
		Source:        source,
		TenantID:      tenantID,
		Timestamp:     time.Now().UTC(),
		SchemaVersion: schemaVersion,
		Payload:       data,
	}, nil
}

// DecodePayload unmarshals the payload into target.
func (e *EventEnvelope) DecodePayload(target interface{}) error {
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return errors.New(errors.ErrCodeSerialization, "event payload is empty").WithDetail(e.EventType)
	}
	if err := json.Unmarshal(e.Payload, target); err != nil {
		return errors.Wrap(err, errors.ErrCodeSerialization, "failed to unmarshal payload")
	}
	return nil
}

// ToMessage encodes the envelope for topic, keyed by key.
func (e *EventEnvelope) ToMessage(topic, key string) (*ProducerMessage, error) {
	val, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeSerialization, "failed to marshal envelope")
	}
	headers := map[string]string{
		"event_type":     e.EventType,
		"source_service": e.Source,
		"schema_version": e.SchemaVersion,
	}
	if e.TenantID != "" {
		headers["tenant_id"] = e.TenantID
	}
	return &ProducerMessage{
		Topic:     topic,
		Key:       []byte(key),
		Value:     val,
		Headers:   headers,
		Timestamp: e.Timestamp,
	}, nil
}

// MessageToEventEnvelope decodes a consumed message.
func MessageToEventEnvelope(msg *Message) (*EventEnvelope, error) {
	if len(msg.Value) == 0 {
		return nil, errors.New(errors.ErrCodeValidation, "empty message value")
	}
	var env EventEnvelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeSerialization, "failed to unmarshal envelope")
	}
	return &env, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Topic provisioning
// ─────────────────────────────────────────────────────────────────────────────

// ConnInterface abstracts kafka.Conn for testing.
type ConnInterface interface {
	CreateTopics(topics ...kafka.TopicConfig) error
	ReadPartitions(topics ...string) ([]kafka.Partition, error)
	Close() error
}

// TopicManager provisions the topics CaseWatch uses.
type TopicManager struct {
	conn   ConnInterface
	logger logging.Logger
}

// NewTopicManager dials the first broker.
func NewTopicManager(brokers []string, log logging.Logger) (*TopicManager, error) {
	if len(brokers) == 0 {
		return nil, errors.New(errors.ErrCodeValidation, "brokers required")
	}
	conn, err := kafka.Dial("tcp", brokers[0])
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeExternalService, "failed to dial kafka")
	}
	return &TopicManager{conn: conn, logger: log}, nil
}

// CreateTopic creates cfg unless a topic of that name exists.
func (m *TopicManager) CreateTopic(ctx context.Context, cfg TopicConfig) error {
	switch {
	case cfg.Name == "":
		return errors.New(errors.ErrCodeValidation, "topic name required")
	case cfg.NumPartitions <= 0:
		return errors.New(errors.ErrCodeValidation, "partitions must be > 0")
	case cfg.ReplicationFactor <= 0:
		return errors.New(errors.ErrCodeValidation, "replication factor must be > 0")
	}
	if exists, _ := m.TopicExists(ctx, cfg.Name); exists {
		return nil
	}

	kCfg := kafka.TopicConfig{
		Topic:             cfg.Name,
		NumPartitions:     cfg.NumPartitions,
		ReplicationFactor: cfg.ReplicationFactor,
	}
	if cfg.RetentionMs > 0 {
		kCfg.ConfigEntries = append(kCfg.ConfigEntries, kafka.ConfigEntry{ConfigName: "retention.ms", ConfigValue: strconv.FormatInt(cfg.RetentionMs, 10)})
	}
	if cfg.CleanupPolicy != "" {
		kCfg.ConfigEntries = append(kCfg.ConfigEntries, kafka.ConfigEntry{ConfigName: "cleanup.policy", ConfigValue: cfg.CleanupPolicy})
	}
	if err := m.conn.CreateTopics(kCfg); err != nil {
		if errors.Is(err, kafka.TopicAlreadyExists) {
			return nil
		}
		return errors.Wrap(err, errors.ErrCodeExternalService, "failed to create topic").WithDetail(cfg.Name)
	}
	m.logger.Info("Topic created", logging.String("topic", cfg.Name))
	return nil
}

// TopicExists reports whether name has at least one partition.
func (m *TopicManager) TopicExists(_ context.Context, name string) (bool, error) {
	partitions, err := m.conn.ReadPartitions(name)
	if err != nil {
		return false, nil
	}
	return len(partitions) > 0, nil
}

// EnsureTopics creates every missing topic.
func (m *TopicManager) EnsureTopics(ctx context.Context, topics []TopicConfig) error {
	for _, topic := range topics {
		if err := m.CreateTopic(ctx, topic); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the broker connection.
func (m *TopicManager) Close() error {
	return m.conn.Close()
}

const day = int64(24 * time.Hour / time.Millisecond)

// DefaultTopics lists the topics named in cfg with their retention.
func DefaultTopics(cfg config.KafkaConfig) []TopicConfig {
	return []TopicConfig{
		{Name: cfg.AlertTopic, NumPartitions: 6, ReplicationFactor: 3, RetentionMs: 7 * day},
		{Name: cfg.EventTopic, NumPartitions: 6, ReplicationFactor: 3, RetentionMs: 30 * day},
		{Name: cfg.NotifyTopic, NumPartitions: 3, ReplicationFactor: 3, RetentionMs: 7 * day},
		{Name: cfg.DeadLetterTopic, NumPartitions: 3, ReplicationFactor: 3, RetentionMs: 30 * day},
	}
}
