package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/arklim/iam-twofactor/internal/core/domain"
	"github.com/arklim/iam-twofactor/internal/core/port"
	"github.com/arklim/iam-twofactor/internal/infra/config"
	"github.com/arklim/iam-twofactor/internal/infra/logger"
)

const schemaVersion = "1.0"

// Event types; they double as topic names under the default "iam" prefix.
const (
	EventTwoFactorEnabled       = "iam.2fa.enabled"
	EventTwoFactorDisabled      = "iam.2fa.disabled"
	EventBackupCodesRegenerated = "iam.2fa.backup_codes.regenerated"
	EventBackupCodeUsed         = "iam.2fa.backup_code.used"
	EventTwoFactorLockout       = "iam.2fa.lockout"
)

// EventPublisher implements port.EventPublisher using Kafka.
type EventPublisher struct {
	producer *Producer
	logger   *zap.Logger
	appCfg   config.AppSettings
}

// NewEventPublisher constructs a Kafka-backed event publisher.
func NewEventPublisher(producer *Producer, appCfg config.AppSettings, logger *zap.Logger) *EventPublisher {
	return &EventPublisher{producer: producer, appCfg: appCfg, logger: logger}
}

type envelopeMetadata map[string]string

type eventEnvelope struct {
	EventID   string           `json:"event_id"`
	EventType string           `json:"event_type"`
	UserID    string           `json:"user_id,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Version   string           `json:"version"`
	Payload   any              `json:"payload"`
	Metadata  envelopeMetadata `json:"metadata,omitempty"`
}

func (p *EventPublisher) publish(ctx context.Context, eventID, eventType, userID string, ts time.Time, payload any) error {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	id := eventID
	if id == "" {
		id = uuid.NewString()
	}

	metadata := envelopeMetadata{
		"service":     p.appCfg.Name,
		"environment": p.appCfg.Env,
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		metadata["trace_id"] = sc.TraceID().String()
	}
	if requestID := logger.RequestIDFromContext(ctx); requestID != "" {
		metadata["request_id"] = requestID
	}

	envelope := eventEnvelope{
		EventID:   id,
		EventType: eventType,
		UserID:    userID,
		Timestamp: ts.UTC(),
		Version:   schemaVersion,
		Payload:   payload,
		Metadata:  metadata,
	}

	bytes, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}

	// Keyed by user so a user's events stay ordered within one partition.
	message := &sarama.ProducerMessage{
		Topic: p.producer.TopicName(eventType),
		Key:   sarama.StringEncoder(userID),
		Value: sarama.ByteEncoder(bytes),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(eventType)},
			{Key: []byte("schema_version"), Value: []byte(schemaVersion)},
		},
	}

	if err := p.producer.Send(ctx, message); err != nil {
		p.logger.Warn("publish event failed", zap.String("event_type", eventType), zap.String("event_id", id), zap.Error(err))
		return err
	}
	return nil
}

// PublishTwoFactorEnabled publishes iam.2fa.enabled events.
func (p *EventPublisher) PublishTwoFactorEnabled(ctx context.Context, event domain.TwoFactorEnabledEvent) error {
	payload := struct {
		UserID            string         `json:"user_id"`
		EnabledAt         time.Time      `json:"enabled_at"`
		BackupCodesIssued int            `json:"backup_codes_issued"`
		Metadata          map[string]any `json:"metadata,omitempty"`
	}{
		UserID:            event.UserID,
		EnabledAt:         event.EnabledAt.UTC(),
		BackupCodesIssued: event.BackupCodesIssue,
		Metadata:          event.Metadata,
	}

	return p.publish(ctx, event.EventID, EventTwoFactorEnabled, event.UserID, event.EnabledAt, payload)
}

// PublishTwoFactorDisabled publishes iam.2fa.disabled events.
func (p *EventPublisher) PublishTwoFactorDisabled(ctx context.Context, event domain.TwoFactorDisabledEvent) error {
	payload := struct {
		UserID     string         `json:"user_id"`
		DisabledAt time.Time      `json:"disabled_at"`
		DisabledBy string         `json:"disabled_by"`
		Reason     string         `json:"reason"`
		Metadata   map[string]any `json:"metadata,omitempty"`
	}{
		UserID:     event.UserID,
		DisabledAt: event.DisabledAt.UTC(),
		DisabledBy: event.DisabledBy,
		Reason:     event.Reason,
		Metadata:   event.Metadata,
	}

	return p.publish(ctx, event.EventID, EventTwoFactorDisabled, event.UserID, event.DisabledAt, payload)
}

// PublishBackupCodesRegenerated publishes iam.2fa.backup_codes.regenerated events.
func (p *EventPublisher) PublishBackupCodesRegenerated(ctx context.Context, event domain.BackupCodesRegeneratedEvent) error {
	payload := struct {
		UserID        string         `json:"user_id"`
		RegeneratedAt time.Time      `json:"regenerated_at"`
		CodesIssued   int            `json:"codes_issued"`
		Metadata      map[string]any `json:"metadata,omitempty"`
	}{
		UserID:        event.UserID,
		RegeneratedAt: event.RegeneratedAt.UTC(),
		CodesIssued:   event.CodesIssued,
		Metadata:      event.Metadata,
	}

	return p.publish(ctx, event.EventID, EventBackupCodesRegenerated, event.UserID, event.RegeneratedAt, payload)
}

// PublishBackupCodeUsed publishes iam.2fa.backup_code.used events.
func (p *EventPublisher) PublishBackupCodeUsed(ctx context.Context, event domain.BackupCodeUsedEvent) error {
	payload := struct {
		UserID    string         `json:"user_id"`
		UsedAt    time.Time      `json:"used_at"`
		Remaining int            `json:"remaining"`
		Metadata  map[string]any `json:"metadata,omitempty"`
	}{
		UserID:    event.UserID,
		UsedAt:    event.UsedAt.UTC(),
		Remaining: event.Remaining,
		Metadata:  event.Metadata,
	}

	return p.publish(ctx, event.EventID, EventBackupCodeUsed, event.UserID, event.UsedAt, payload)
}

// PublishTwoFactorLockout publishes iam.2fa.lockout events.
func (p *EventPublisher) PublishTwoFactorLockout(ctx context.Context, event domain.TwoFactorLockoutEvent) error {
	payload := struct {
		UserID       string         `json:"user_id"`
		Scope        string         `json:"scope"`
		LockedAt     time.Time      `json:"locked_at"`
		LockedUntil  time.Time      `json:"locked_until"`
		LockoutCount int            `json:"lockout_count"`
		Metadata     map[string]any `json:"metadata,omitempty"`
	}{
		UserID:       event.UserID,
		Scope:        event.Scope,
		LockedAt:     event.LockedAt.UTC(),
		LockedUntil:  event.LockedUntil.UTC(),
		LockoutCount: event.LockoutCount,
		Metadata:     event.Metadata,
	}

	return p.publish(ctx, event.EventID, EventTwoFactorLockout, event.UserID, event.LockedAt, payload)
}

var _ port.EventPublisher = (*EventPublisher)(nil)
