package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/testcontainers/testcontainers-go"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"
)

func TestKafkaPublisherRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	kafkaContainer, err := tckafka.Run(ctx,
		"confluentinc/confluent-local:7.5.0",
		tckafka.WithClusterID("clubcore-test"),
	)
	if err != nil {
		t.Fatalf("failed to start kafka container: %v", err)
	}

	t.Cleanup(func() {
		_ = testcontainers.TerminateContainer(kafkaContainer)
	})

	brokers, err := kafkaContainer.Brokers(ctx)
	if err != nil {
		t.Fatalf("failed to resolve brokers: %v", err)
	}

	topic := "clubcore.audit.test"

	publisher, err := NewKafkaPublisher(&KafkaConfig{Brokers: brokers, Topic: topic})
	if err != nil {
		t.Fatalf("failed to create publisher: %v", err)
	}

	event := &Event{
		ID:            uuid.New().String(),
		Type:          "booking.created",
		Actor:         "member-84",
		EntityType:    "booking",
		EntityID:      "b-1",
		CorrelationID: uuid.New().String(),
		Payload:       json.RawMessage(`{"court":"A"}`),
		OccurredAt:    time.Now().UTC().Truncate(time.Millisecond),
	}

	// The first produce triggers topic auto-creation and the broker answers
	// LeaderNotAvailable until the partition leader is elected, so retry
	// until the deadline.
	deadline := time.Now().Add(30 * time.Second)

	for {
		err = publisher.Publish(ctx, event)
		if err == nil || time.Now().After(deadline) {
			break
		}

		time.Sleep(500 * time.Millisecond)
	}

	if err != nil {
		t.Fatalf("failed to publish event: %v", err)
	}

	if err := publisher.Close(); err != nil {
		t.Fatalf("failed to close publisher: %v", err)
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   brokers,
		Topic:     topic,
		Partition: 0,
		MaxBytes:  10e6,
	})

	t.Cleanup(func() { _ = reader.Close() })

	if err := reader.SetOffset(kafka.FirstOffset); err != nil {
		t.Fatalf("failed to seek to first offset: %v", err)
	}

	readCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	message, err := reader.ReadMessage(readCtx)
	if err != nil {
		t.Fatalf("failed to read published event: %v", err)
	}

	if string(message.Key) != "booking:b-1" {
		t.Errorf("message key = %q, want booking:b-1", message.Key)
	}

	var decoded Event
	if err := json.Unmarshal(message.Value, &decoded); err != nil {
		t.Fatalf("event did not round-trip: %v", err)
	}

	if decoded.ID != event.ID || decoded.Type != event.Type {
		t.Errorf("decoded = {%s, %s}, want {%s, %s}", decoded.ID, decoded.Type, event.ID, event.Type)
	}

	if decoded.CorrelationID != event.CorrelationID {
		t.Errorf("decoded correlationID = %q, want %q", decoded.CorrelationID, event.CorrelationID)
	}

	if string(decoded.Payload) != `{"court":"A"}` {
		t.Errorf("decoded payload = %s, want {\"court\":\"A\"}", decoded.Payload)
	}

	var correlationHeader string

	for _, header := range message.Headers {
		if header.Key == "correlation_id" {
			correlationHeader = string(header.Value)
		}
	}

	if correlationHeader != event.CorrelationID {
		t.Errorf("correlation_id header = %q, want %q", correlationHeader, event.CorrelationID)
	}
}

func TestKafkaPublisherRejectsNilEvent(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	publisher := &KafkaPublisher{}

	err := publisher.Publish(context.Background(), nil)
	if err == nil {
		t.Fatal("expected error for nil event")
	}
}
