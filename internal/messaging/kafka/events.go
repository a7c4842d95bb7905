package kafka

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/funnel/internal/domain"
)

// EventType определяет тип события воронки, уходящего в workflow-движок.
type EventType string

const (
	EventTypeSessionStarted  EventType = "session.started"
	EventTypeStepChanged     EventType = "funnel.step_changed"
	EventTypePaymentCaptured EventType = "payment.captured"
	EventTypePaymentDeclined EventType = "payment.declined"
	EventTypeUpsellAccepted  EventType = "upsell.accepted"
	EventTypeUpsellDeclined  EventType = "upsell.declined"
	EventTypeSessionExpired  EventType = "session.expired"
	// EventTypeFunnelCompleted запускает синхронизацию с CRM и фулфилментом.
	EventTypeFunnelCompleted EventType = "funnel.completed"
	EventTypeFunnelFailed    EventType = "funnel.failed"
)

// Topics для Kafka.
const (
	TopicWorkflowEvents  = "funnel.workflow.events"
	TopicWorkflowResults = "funnel.workflow.results"
	TopicDeadLetterQueue = "funnel.dlq"
)

// AggregateSession — тип агрегата outbox-сообщений воронки.
const AggregateSession = "session"

// Kafka headers для retry логики.
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
	HeaderEventType     = "x-event-type"
)

// ErrNonRetryable помечает ошибки обработки, которые бессмысленно повторять
// (битый JSON, неизвестный workflow). Такие сообщения сразу уходят в DLQ.
var ErrNonRetryable = errors.New("non-retryable message")

// OutboxEnvelope — формат outbox-сообщения в топике workflow-событий.
type OutboxEnvelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// NewOutboxEnvelope упаковывает outbox-сообщение для публикации.
func NewOutboxEnvelope(msg domain.OutboxMessage) OutboxEnvelope {
	payload := json.RawMessage(msg.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	return OutboxEnvelope{
		ID:            msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       payload,
		PublishedAt:   time.Now().UTC(),
	}
}

// Key возвращает ключ партиционирования: события одной сессии идут по порядку.
func (e OutboxEnvelope) Key() string {
	if e.AggregateID != "" {
		return e.AggregateID
	}
	return e.ID
}

// ConsumerDeadLetter — запись DLQ для сообщения, которое consumer не смог обработать.
type ConsumerDeadLetter struct {
	OriginalTopic     string `json:"original_topic"`
	OriginalPartition int32  `json:"original_partition"`
	OriginalOffset    int64  `json:"original_offset"`
	OriginalKey       string `json:"original_key"`
	OriginalValue     string `json:"original_value"`
	ErrorMessage      string `json:"error_message"`
	FailedAt          string `json:"failed_at"`
	RetryCount        int    `json:"retry_count"`
}

// OutboxDeadLetter — полезная нагрузка DLQ-сообщения от outbox worker.
type OutboxDeadLetter struct {
	OutboxID      string          `json:"outbox_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishError  string          `json:"publish_error"`
}

// ParseWorkflowResult декодирует результат workflow из сообщения.
func ParseWorkflowResult(message *sarama.ConsumerMessage) (domain.WorkflowResult, error) {
	var result domain.WorkflowResult
	if err := json.Unmarshal(message.Value, &result); err != nil {
		return domain.WorkflowResult{}, fmt.Errorf("%w: unmarshal workflow result: %v", ErrNonRetryable, err)
	}
	if result.SessionID == "" {
		return domain.WorkflowResult{}, fmt.Errorf("%w: workflow result without session_id", ErrNonRetryable)
	}
	return result, nil
}
