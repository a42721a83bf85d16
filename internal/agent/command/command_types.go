package command

import "pve-agent/internal/model"

type InvokeRequest struct {
	ResourceID string `json:"resource_id"`
	Action     string `json:"action"`
}

type InvokeResponse struct {
	ResourceID string             `json:"resource_id"`
	Action     string             `json:"action"`
	OK         bool               `json:"ok"`
	Rejected   bool               `json:"rejected"`
	Reason     RejectReason       `json:"reason,omitempty"`
	Message    string             `json:"message"`
	State      model.CommandState `json:"state,omitempty"`
	TaskID     string             `json:"task_id,omitempty"`
}

type RejectReason string

const (
	RejectInvalid     RejectReason = "invalid"
	RejectNotFound    RejectReason = "not_found"
	RejectConflict    RejectReason = "conflict"
	RejectUnsupported RejectReason = "unsupported"
	RejectClosed      RejectReason = "closed"
)
