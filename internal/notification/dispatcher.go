package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/kareemschultz/kaj-gcmc-bts-sub010/internal/config"
	"github.com/kareemschultz/kaj-gcmc-bts-sub010/internal/database"
)

// AlertMessage is the hand-off payload published for downstream delivery
// services. The engine records the alert first; delivery is out of band.
type AlertMessage struct {
	AlertID        string    `json:"alert_id"`
	TenantID       string    `json:"tenant_id"`
	SubjectID      string    `json:"subject_id"`
	ObligationID   *string   `json:"obligation_id,omitempty"`
	Authority      string    `json:"authority"`
	Type           string    `json:"type"`
	Severity       string    `json:"severity"`
	Title          string    `json:"title"`
	Message        string    `json:"message"`
	ActionRequired string    `json:"action_required"`
	Channels       []string  `json:"channels"`
	Timestamp      time.Time `json:"timestamp"`
}

// KafkaDispatcher publishes alert hand-off events to Kafka
type KafkaDispatcher struct {
	cfg       config.KafkaConfig
	logger    *slog.Logger
	created   *kafka.Writer
	escalated *kafka.Writer
}

// NewKafkaDispatcher creates a dispatcher writing to the configured topics
func NewKafkaDispatcher(cfg config.KafkaConfig, logger *slog.Logger) *KafkaDispatcher {
	return &KafkaDispatcher{
		cfg:       cfg,
		logger:    logger,
		created:   newWriter(cfg.Brokers, cfg.Topics.AlertCreated),
		escalated: newWriter(cfg.Brokers, cfg.Topics.AlertEscalated),
	}
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 50 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
	}
}

// Dispatch publishes the alert to the hand-off topic matching its type.
// Escalations and critical compliance alerts go to the escalated topic.
func (d *KafkaDispatcher) Dispatch(ctx context.Context, alert *database.Alert, channels []string) error {
	msg := AlertMessage{
		AlertID:        alert.ID,
		TenantID:       alert.TenantID,
		SubjectID:      alert.SubjectID,
		ObligationID:   alert.ObligationID,
		Authority:      alert.Authority,
		Type:           alert.Type,
		Severity:       alert.Severity,
		Title:          alert.Title,
		Message:        alert.Message,
		ActionRequired: alert.ActionRequired,
		Channels:       channels,
		Timestamp:      time.Now(),
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal alert message: %w", err)
	}

	kafkaMsg := kafka.Message{
		Key:   []byte(alert.SubjectID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "alert_id", Value: []byte(alert.ID)},
			{Key: "tenant_id", Value: []byte(alert.TenantID)},
			{Key: "severity", Value: []byte(alert.Severity)},
			{Key: "type", Value: []byte(alert.Type)},
		},
	}

	writer := d.created
	if alert.Type == database.AlertEscalationRequired || alert.Type == database.AlertComplianceCritical {
		writer = d.escalated
	}

	if err := writer.WriteMessages(ctx, kafkaMsg); err != nil {
		return fmt.Errorf("failed to publish alert %s: %w", alert.ID, err)
	}

	d.logger.Debug("Alert published",
		"alert_id", alert.ID,
		"topic", writer.Topic,
		"severity", alert.Severity)

	return nil
}

// Close flushes and closes the underlying writers
func (d *KafkaDispatcher) Close() error {
	if err := d.created.Close(); err != nil {
		return err
	}
	return d.escalated.Close()
}

// NoopDispatcher drops every alert hand-off. Used when Kafka is disabled
// and in tests.
type NoopDispatcher struct{}

func (NoopDispatcher) Dispatch(ctx context.Context, alert *database.Alert, channels []string) error {
	return nil
}
