package funnel

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/funnel/internal/domain"
)

// RecordWorkflowResult обновляет статус синхронизации с CRM или фулфилментом.
// Поздний отчёт о сбое не откатывает уже подтверждённую синхронизацию.
func (s *Service) RecordWorkflowResult(ctx context.Context, r domain.WorkflowResult) error {
	if r.SessionID == "" {
		return fmt.Errorf("%w: %w", domain.ErrInvalidInput, domain.ErrSessionIDRequired)
	}
	if r.Workflow != domain.WorkflowCRM && r.Workflow != domain.WorkflowFulfillment {
		return fmt.Errorf("%w: %q", domain.ErrUnknownWorkflow, r.Workflow)
	}

	status := domain.SyncStatusFailed
	if r.Succeeded {
		status = domain.SyncStatusSynced
	}

	session, events, err := s.mutate(ctx, r.SessionID, func(sess *domain.Session, _ time.Time) ([]event, error) {
		target := &sess.CRMSync
		if r.Workflow == domain.WorkflowFulfillment {
			target = &sess.FulfillmentSync
		}
		if *target == status || *target == domain.SyncStatusSynced {
			return nil, errNoChange
		}
		*target = status
		return []event{{
			kind:         fmt.Sprintf("workflow.%s.%s", r.Workflow, status),
			reason:       r.Error,
			timelineOnly: true,
		}}, nil
	})
	if err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.RecordWorkflowResult(string(r.Workflow), r.Succeeded)
	}
	s.emit(ctx, session, events)

	if events != nil && !r.Succeeded {
		s.logger.WithFields(log.Fields{
			"session_id": r.SessionID,
			"workflow":   r.Workflow,
			"error":      r.Error,
		}).Warn("workflow failed")
	}
	return nil
}
