package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// Event types published on the decision audit topic.
const (
	EventDecisionAnalyzed   = "decision.analyzed"
	EventTrackingStarted    = "tracking.started"
	EventObservationApplied = "observation.applied"
	EventTrackingClosed     = "tracking.closed"
)

// Event is the envelope written to Kafka for every core mutation. Keyed by
// the decision id so all events for one decision land on one partition in
// order.
type Event struct {
	ID         uuid.UUID       `json:"id"`
	EventType  string          `json:"eventType"`
	DecisionID uuid.UUID       `json:"decisionId"`
	Payload    json.RawMessage `json:"payload"`
	Ts         time.Time       `json:"ts"`
}

// PublisherConfig contains configurable parameters for the Kafka publisher.
type PublisherConfig struct {
	// Brokers is the list of Kafka broker addresses (host:port).
	Brokers []string

	// Topic is the decision audit topic to write to.
	Topic string

	// MaxAttempts is how many times a publish is retried on transient error.
	// Defaults to 3 if <= 0.
	MaxAttempts int

	// WriteTimeout is the per-attempt timeout for writes. Defaults to 10s.
	WriteTimeout time.Duration
}

// Publisher is a thin wrapper over segmentio/kafka-go Writer offering
// publish-with-retries for decision audit events. Publishing is best-effort
// from the service's point of view: a failed publish is logged by the caller,
// never rolled into the core operation's result.
type Publisher struct {
	writer      *kafka.Writer
	maxAttempts int
}

func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{}, // same decision id -> same partition
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		Async:        false,
	})

	return &Publisher{writer: w, maxAttempts: cfg.MaxAttempts}, nil
}

// Publish marshals the payload into an Event envelope and writes it, retrying
// with exponential backoff on transient failure.
func (p *Publisher) Publish(ctx context.Context, eventType string, decisionID uuid.UUID, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	ev := Event{
		ID:         uuid.New(),
		EventType:  eventType,
		DecisionID: decisionID,
		Payload:    body,
		Ts:         time.Now().UTC(),
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}

	var lastErr error
	backoff := 100 * time.Millisecond
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		msg := kafka.Message{
			Key:   []byte(decisionID.String()),
			Value: value,
			Time:  ev.Ts,
		}
		attemptCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := p.writer.WriteMessages(attemptCtx, msg)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		time.Sleep(backoff)
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
	return fmt.Errorf("publish %s failed after %d attempts: %w", eventType, p.maxAttempts, lastErr)
}

// Close shuts down the underlying writer.
func (p *Publisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
