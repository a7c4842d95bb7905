package domain

import "time"

// Workflow — внешний процесс, запускаемый по событиям воронки.
type Workflow string

const (
	WorkflowCRM         Workflow = "crm"
	WorkflowFulfillment Workflow = "fulfillment"
)

// WorkflowResult — итог выполнения workflow, присланный движком.
type WorkflowResult struct {
	SessionID  string    `json:"session_id"`
	Workflow   Workflow  `json:"workflow"`
	Succeeded  bool      `json:"succeeded"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}
