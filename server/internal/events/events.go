package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/asiaops/asia/pkg/types"
)

// RunCompleted is the message written for each completed analysis.
type RunCompleted struct {
	RunID        string          `json:"run_id"`
	AircraftType string          `json:"aircraft_type"`
	Subsystem    string          `json:"subsystem"`
	Severity     string          `json:"severity"`
	Component    string          `json:"component"`
	Signals      []types.Signal  `json:"signals"`
	Diagnosis    types.Diagnosis `json:"anomaly_result"`
	CompletedAt  time.Time       `json:"completed_at"`
}

// Publisher emits run events.
type Publisher interface {
	RunCompleted(ctx context.Context, view *types.RunView) error
	Close() error
}

// messageWriter is the subset of *kafka.Writer used here.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes events to a single topic, keyed by run ID.
type Kafka struct {
	w     messageWriter
	topic string
	now   func() time.Time
}

// NewKafka returns a publisher writing to topic on brokers.
func NewKafka(brokers []string, topic string) *Kafka {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
	return &Kafka{w: w, topic: topic, now: time.Now}
}

// RunCompleted writes one message describing a finished analysis. The view
// must carry an anomaly result.
func (k *Kafka) RunCompleted(ctx context.Context, view *types.RunView) error {
	if view == nil || view.AnomalyResult == nil {
		return fmt.Errorf("events: run has no diagnosis")
	}
	msg := RunCompleted{
		RunID:        view.Run.ID,
		AircraftType: view.Run.Metadata.AircraftType,
		Subsystem:    view.Run.Metadata.Subsystem,
		Severity:     view.AnomalyResult.Severity,
		Component:    view.AnomalyResult.Component,
		Signals:      view.Signals,
		Diagnosis:    *view.AnomalyResult,
		CompletedAt:  k.now().UTC(),
	}
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("events: encode run %s: %w", view.Run.ID, err)
	}

	err = k.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(view.Run.ID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte("run.completed")},
			{Key: "severity", Value: []byte(msg.Severity)},
		},
	})
	if err != nil {
		return fmt.Errorf("events: publish run %s to %s: %w", view.Run.ID, k.topic, err)
	}
	slog.Debug("events: run completed published", "run_id", view.Run.ID, "topic", k.topic)
	return nil
}

// Close flushes and closes the writer.
func (k *Kafka) Close() error { return k.w.Close() }

// Nop discards events. It is used when no brokers are configured.
type Nop struct{}

func (Nop) RunCompleted(context.Context, *types.RunView) error { return nil }
func (Nop) Close() error                                       { return nil }
