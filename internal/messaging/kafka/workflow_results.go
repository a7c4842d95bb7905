package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/funnel/internal/domain"
)

// WorkflowResultRecorder применяет результат workflow к сессии.
type WorkflowResultRecorder interface {
	RecordWorkflowResult(ctx context.Context, result domain.WorkflowResult) error
}

// NewWorkflowResultHandler возвращает обработчик топика результатов workflow.
// Ошибки, которые не исправятся повтором, помечаются ErrNonRetryable.
func NewWorkflowResultHandler(recorder WorkflowResultRecorder) MessageHandler {
	logger := log.WithField("component", "workflow-results")

	return func(ctx context.Context, message *sarama.ConsumerMessage) error {
		result, err := ParseWorkflowResult(message)
		if err != nil {
			return err
		}

		if err := recorder.RecordWorkflowResult(ctx, result); err != nil {
			if errors.Is(err, domain.ErrUnknownWorkflow) ||
				errors.Is(err, domain.ErrSessionNotFound) ||
				errors.Is(err, domain.ErrInvalidInput) {
				return fmt.Errorf("%w: %v", ErrNonRetryable, err)
			}
			return fmt.Errorf("record workflow result: %w", err)
		}

		logger.WithFields(log.Fields{
			"session_id": result.SessionID,
			"workflow":   result.Workflow,
			"succeeded":  result.Succeeded,
		}).Info("workflow result recorded")
		return nil
	}
}
