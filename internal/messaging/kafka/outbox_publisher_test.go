package kafka

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/funnel/internal/domain"
)

func TestOutboxPublisher_Publish(t *testing.T) {
	t.Parallel()

	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != TopicWorkflowEvents {
			return fmt.Errorf("unexpected topic %s", msg.Topic)
		}
		var eventType string
		for _, h := range msg.Headers {
			if string(h.Key) == HeaderEventType {
				eventType = string(h.Value)
			}
		}
		if eventType != string(EventTypeFunnelCompleted) {
			return fmt.Errorf("unexpected event type header %q", eventType)
		}
		raw, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		var env OutboxEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return err
		}
		if env.AggregateID != "sess-123" || string(env.Payload) != `{"step":"success"}` {
			return fmt.Errorf("unexpected envelope %+v", env)
		}
		return nil
	})

	producer := &Producer{
		producer: mockProducer,
		logger:   log.WithField("component", "kafka-outbox-publisher-test"),
	}
	publisher := NewOutboxPublisher(producer, "")
	if publisher.Topic() != TopicWorkflowEvents {
		t.Fatalf("expected default topic, got %s", publisher.Topic())
	}

	err := publisher.Publish(domain.OutboxMessage{
		ID:            "outbox-1",
		AggregateType: AggregateSession,
		AggregateID:   "sess-123",
		EventType:     string(EventTypeFunnelCompleted),
		Payload:       []byte(`{"step":"success"}`),
	})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOutboxPublisher_PublishProducerError(t *testing.T) {
	t.Parallel()

	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	producer := &Producer{
		producer: mockProducer,
		logger:   log.WithField("component", "kafka-outbox-publisher-test"),
	}
	publisher := NewOutboxPublisher(producer, TopicWorkflowEvents)

	err := publisher.Publish(domain.OutboxMessage{
		ID:            "outbox-2",
		AggregateType: AggregateSession,
		AggregateID:   "sess-234",
		EventType:     string(EventTypePaymentDeclined),
		Payload:       []byte(`{"reason":"card declined"}`),
	})
	if err == nil {
		t.Fatal("expected publish error, got nil")
	}

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOutboxPublisher_PublishNilProducer(t *testing.T) {
	t.Parallel()

	publisher := NewOutboxPublisher(nil, TopicWorkflowEvents)
	if err := publisher.Publish(domain.OutboxMessage{ID: "outbox-3"}); err == nil {
		t.Fatal("expected error for nil producer")
	}
}
