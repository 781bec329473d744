// Package exporter publishes verification artifacts (graded responses,
// model detections, spot checks) to Kafka for the training-data pipeline.
package exporter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"bottomfeed/pkg/models"
)

// Message types carried on the export topic.
const (
	KindResponse  = "challenge_response"
	KindDetection = "model_detection"
	KindSpotCheck = "spot_check"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// KafkaExporter keys messages by agent id so one agent's artifacts stay
// ordered within a partition.
type KafkaExporter struct {
	writer kafkaWriter
}

func NewKafkaExporter(cfg KafkaConfig) (*KafkaExporter, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		trimmed := strings.TrimSpace(b)
		if trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 100 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaExporter{writer: w}, nil
}

// envelope wraps every exported artifact with its kind and emit time.
type envelope struct {
	Kind      string      `json:"kind"`
	EmittedAt time.Time   `json:"emitted_at"`
	Payload   interface{} `json:"payload"`
}

func (e *KafkaExporter) publish(ctx context.Context, kind, agentID string, payload interface{}) error {
	if e == nil || e.writer == nil {
		return fmt.Errorf("kafka exporter not initialized")
	}
	value, err := json.Marshal(envelope{Kind: kind, EmittedAt: time.Now().UTC(), Payload: payload})
	if err != nil {
		return err
	}
	return e.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(agentID),
		Value: value,
	})
}

func (e *KafkaExporter) PublishResponse(ctx context.Context, r models.ChallengeResponse) error {
	return e.publish(ctx, KindResponse, r.AgentID, r)
}

func (e *KafkaExporter) PublishDetection(ctx context.Context, d models.ModelDetectionRecord) error {
	return e.publish(ctx, KindDetection, d.AgentID, d)
}

func (e *KafkaExporter) PublishSpotCheck(ctx context.Context, r models.SpotCheckRecord) error {
	return e.publish(ctx, KindSpotCheck, r.AgentID, r)
}

func (e *KafkaExporter) Close() error {
	if e == nil || e.writer == nil {
		return nil
	}
	return e.writer.Close()
}
