package app

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/funnel/internal/domain"
	"github.com/vladislavdragonenkov/funnel/internal/messaging/kafka"
)

// initKafkaProducer инициализирует Kafka producer если brokers не пустой.
// Возвращает nil, nil если brokers пустой.
func initKafkaProducer(brokers string, logger *log.Entry) (*kafka.Producer, error) {
	brokerList := kafka.ParseBrokers(brokers)
	if len(brokerList) == 0 {
		return nil, nil
	}

	producer, err := kafka.NewProducer(brokerList)
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer, continuing without kafka")
		return nil, err
	}

	logger.WithField("brokers", brokerList).Info("kafka producer initialized")
	return producer, nil
}

// workflowBus — связь с workflow-движком: публикация событий воронки,
// DLQ outbox и чтение результатов.
type workflowBus struct {
	producer  *kafka.Producer
	events    domain.OutboxPublisher
	deadLetters domain.OutboxPublisher
	consumer  *kafka.Consumer
}

// initWorkflowBus поднимает Kafka, если брокеры заданы. Недоступная Kafka не
// останавливает сервис: outbox копится и уйдёт после перезапуска.
func initWorkflowBus(ctx context.Context, cfg Config, recorder kafka.WorkflowResultRecorder, logger *log.Entry) *workflowBus {
	producer, err := initKafkaProducer(cfg.KafkaBrokers, logger)
	if err != nil || producer == nil {
		return &workflowBus{}
	}

	bus := &workflowBus{
		producer:  producer,
		events:    kafka.NewOutboxPublisher(producer, kafka.TopicWorkflowEvents),
		deadLetters: kafka.NewOutboxPublisher(producer, kafka.TopicDeadLetterQueue),
	}

	consumer, err := kafka.NewConsumerWithDLQ(kafka.ConsumerConfig{
		Brokers: kafka.ParseBrokers(cfg.KafkaBrokers),
		GroupID: cfg.KafkaGroupID,
		Topics:  []string{kafka.TopicWorkflowResults},
	}, kafka.NewWorkflowResultHandler(recorder), producer)
	if err != nil {
		logger.WithError(err).Warn("failed to create workflow results consumer")
		return bus
	}
	if err := consumer.Start(ctx); err != nil {
		logger.WithError(err).Warn("failed to start workflow results consumer")
		_ = consumer.Stop()
		return bus
	}
	bus.consumer = consumer
	return bus
}

// publisher возвращает publisher событий или nil без типизированного nil внутри интерфейса.
func (b *workflowBus) publisher() domain.OutboxPublisher {
	if b == nil || b.events == nil {
		return nil
	}
	return b.events
}

func (b *workflowBus) dlq() domain.OutboxPublisher {
	if b == nil || b.deadLetters == nil {
		return nil
	}
	return b.deadLetters
}

func (b *workflowBus) close(logger *log.Entry) {
	if b == nil {
		return
	}
	if b.consumer != nil {
		if err := b.consumer.Stop(); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Warn("failed to stop workflow results consumer")
		}
	}
	closeKafka(b.producer, logger)
}

// closeKafka закрывает Kafka producer если он не nil.
func closeKafka(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}

	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
	} else {
		logger.Info("kafka producer closed")
	}
}
