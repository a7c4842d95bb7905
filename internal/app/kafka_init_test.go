package app

import (
	"context"
	"testing"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/funnel/internal/domain"
)

func TestInitKafkaProducer_EmptyBrokers(t *testing.T) {
	logger := log.WithField("test", "kafka")

	for _, brokers := range []string{"", " , "} {
		producer, err := initKafkaProducer(brokers, logger)
		if err != nil {
			t.Errorf("expected no error for empty brokers %q, got %v", brokers, err)
		}
		if producer != nil {
			t.Errorf("expected nil producer for empty brokers %q", brokers)
		}
	}
}

func TestInitKafkaProducer_InvalidBrokers(t *testing.T) {
	logger := log.WithField("test", "kafka")

	// Несуществующий broker
	producer, err := initKafkaProducer("invalid-broker:9999", logger)
	if err == nil {
		t.Error("expected error for invalid brokers")
	}
	if producer != nil {
		t.Error("expected nil producer on error")
	}
}

func TestCloseKafka_NilProducer(t *testing.T) {
	logger := log.WithField("test", "kafka")

	// Не должно паниковать
	closeKafka(nil, logger)
}

type noopRecorder struct{}

func (noopRecorder) RecordWorkflowResult(context.Context, domain.WorkflowResult) error { return nil }

func TestInitWorkflowBus_DisabledWithoutBrokers(t *testing.T) {
	logger := log.WithField("test", "kafka")

	bus := initWorkflowBus(context.Background(), DefaultConfig(), noopRecorder{}, logger)
	if bus == nil {
		t.Fatal("expected non-nil bus")
	}
	if bus.publisher() != nil {
		t.Error("expected nil publisher without kafka")
	}
	if bus.dlq() != nil {
		t.Error("expected nil dlq publisher without kafka")
	}
	if bus.consumer != nil {
		t.Error("expected no consumer without kafka")
	}

	bus.close(logger)
	var nilBus *workflowBus
	nilBus.close(logger)
	if nilBus.publisher() != nil {
		t.Error("nil bus should have no publisher")
	}
}
