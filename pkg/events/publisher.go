package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/Kamaleswaran-Lab/pedABX-MAAI/pkg/common/logger"
)

const (
	TypeRunStarted   = "run_started"
	TypeRunCompleted = "run_completed"
	TypeRunFailed    = "run_failed"
)

// RunEvent is the wire shape on the run-lifecycle topic. Downstream training
// subscribes to learn when a fresh matrix is available.
type RunEvent struct {
	ID        string                 `json:"id"`
	RunID     string                 `json:"run_id"`
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

type Publisher struct {
	writer *kafka.Writer
}

func NewPublisher(brokers []string, topic string) *Publisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
	}
	return &Publisher{writer: writer}
}

func (p *Publisher) Publish(ctx context.Context, runID uuid.UUID, eventType string, data map[string]interface{}) error {
	event := RunEvent{
		ID:        uuid.New().String(),
		RunID:     runID.String(),
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	message := kafka.Message{
		Key:   []byte(event.RunID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(eventType)},
		},
	}
	if err := p.writer.WriteMessages(ctx, message); err != nil {
		logger.WithFields(map[string]interface{}{
			"run_id":     event.RunID,
			"event_type": eventType,
		}).WithError(err).Error("failed to publish run event")
		return err
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
