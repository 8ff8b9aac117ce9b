package models

import "time"

// Intervention request statuses.
const (
	InterventionPending   = "pending"
	InterventionApproved  = "approved"
	InterventionRejected  = "rejected"
	InterventionModified  = "modified"
	InterventionTimedOut  = "timed_out"
	InterventionCancelled = "cancelled"
)

// Decision actions an approver may submit.
const (
	DecisionApprove = "APPROVE"
	DecisionReject  = "REJECT"
	DecisionModify  = "MODIFY"
)

// Intervention kinds.
const (
	InterventionKindPlanApproval = "plan_approval"
)

// Intervention is a persisted human-in-the-loop request.
type Intervention struct {
	ID           string         `json:"id"`
	SessionID    string         `json:"session_id"`
	Kind         string         `json:"type"`
	Status       string         `json:"status"`
	RequestData  map[string]any `json:"request_data,omitempty"`
	ResponseData map[string]any `json:"response_data,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Resolved reports whether the request has left the pending state.
func (i *Intervention) Resolved() bool {
	return i.Status != InterventionPending
}

// Decision is the outcome handed back to the requesting component.
type Decision struct {
	Action string         `json:"action"`
	Data   map[string]any `json:"data,omitempty"`
	Reason string         `json:"reason,omitempty"`
}
