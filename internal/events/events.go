package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v2/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
)

// Event types emitted by the attempt lifecycle
const (
	EventAttemptStarted   = "attempt.started"
	EventAttemptCompleted = "attempt.completed"
	EventAttemptBlocked   = "attempt.blocked"
	EventAttemptExpired   = "attempt.expired"
	EventCheatRecorded    = "attempt.cheat_event"
	EventEssayGraded      = "attempt.essay_graded"
)

// Event is the envelope for every message published to the bus.
type Event struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Source    string      `json:"source"`
	Version   string      `json:"version"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// NewEvent creates an envelope with the service identity filled in
func NewEvent(eventType string, data interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    "cbt-service",
		Version:   "1.0",
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventPublisher publishes lifecycle events. Implementations must be safe
// for concurrent use.
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
	Close() error
}

// ===== EVENT PAYLOADS =====

// AttemptEvent is the payload for attempt lifecycle events
type AttemptEvent struct {
	AttemptID  uint       `json:"attempt_id"`
	TestID     uint       `json:"test_id"`
	StudentID  string     `json:"student_id"`
	Status     string     `json:"status"`
	Score      *float64   `json:"score,omitempty"`
	IsPassed   *bool      `json:"is_passed,omitempty"`
	DeadlineAt *time.Time `json:"deadline_at,omitempty"`
}

// CheatRecordedEvent is the payload for proctoring events
type CheatRecordedEvent struct {
	AttemptID      uint   `json:"attempt_id"`
	TestID         uint   `json:"test_id"`
	StudentID      string `json:"student_id"`
	EventType      string `json:"event_type"`
	ViolationCount int    `json:"violation_count"`
	Blocked        bool   `json:"blocked"`
}

// ===== KAFKA PUBLISHER =====

// KafkaEventPublisher publishes events to a Kafka topic via Watermill
type KafkaEventPublisher struct {
	publisher message.Publisher
	topic     string
	logger    *slog.Logger
}

func NewKafkaEventPublisher(brokers []string, topic string, logger *slog.Logger) (*KafkaEventPublisher, error) {
	publisher, err := kafka.NewPublisher(
		kafka.PublisherConfig{
			Brokers:   brokers,
			Marshaler: kafka.DefaultMarshaler{},
		},
		watermill.NewSlogLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka publisher: %w", err)
	}

	return &KafkaEventPublisher{
		publisher: publisher,
		topic:     topic,
		logger:    logger,
	}, nil
}

func (k *KafkaEventPublisher) Publish(ctx context.Context, event *Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(event.ID, payload)
	msg.Metadata.Set("event_type", event.Type)
	msg.SetContext(ctx)

	if err := k.publisher.Publish(k.topic, msg); err != nil {
		return fmt.Errorf("failed to publish event %s: %w", event.Type, err)
	}

	k.logger.DebugContext(ctx, "Event published",
		"event_id", event.ID,
		"event_type", event.Type,
		"topic", k.topic)

	return nil
}

func (k *KafkaEventPublisher) Close() error {
	return k.publisher.Close()
}

// ===== MOCK PUBLISHER =====

// MockEventPublisher collects events in memory for tests and local runs
type MockEventPublisher struct {
	mu     sync.Mutex
	events []*Event
	logger *slog.Logger
}

func NewMockEventPublisher(logger *slog.Logger) *MockEventPublisher {
	return &MockEventPublisher{
		events: make([]*Event, 0),
		logger: logger,
	}
}

func (m *MockEventPublisher) Publish(ctx context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events = append(m.events, event)
	m.logger.DebugContext(ctx, "Mock event recorded",
		"event_id", event.ID,
		"event_type", event.Type)
	return nil
}

func (m *MockEventPublisher) GetPublishedEvents() []*Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Event, len(m.events))
	copy(out, m.events)
	return out
}

func (m *MockEventPublisher) ClearEvents() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = m.events[:0]
}

func (m *MockEventPublisher) Close() error {
	return nil
}
