package model

import (
	"fmt"
	"strings"
	"time"
)

type Action string

const (
	ActionStart        Action = "start"
	ActionShutdown     Action = "shutdown"
	ActionRestart      Action = "restart"
	ActionForceStop    Action = "force_stop"
	ActionForceRestart Action = "force_restart"
)

var allActions = []Action{ActionStart, ActionShutdown, ActionRestart, ActionForceStop, ActionForceRestart}

// ParseAction accepts the action name with either "_" or "-" separators.
func ParseAction(raw string) (Action, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "-", "_")
	for _, a := range allActions {
		if string(a) == norm {
			return a, nil
		}
	}
	return "", fmt.Errorf("unknown action %q", raw)
}

// SupportedActions lists the actions a resource kind accepts, in display order.
func SupportedActions(kind ResourceKind) []Action {
	switch kind {
	case KindNode:
		return []Action{ActionShutdown, ActionRestart}
	case KindQemu, KindLXC:
		return append([]Action(nil), allActions...)
	default:
		return nil
	}
}

func Supports(kind ResourceKind, action Action) bool {
	for _, a := range SupportedActions(kind) {
		if a == action {
			return true
		}
	}
	return false
}

type CommandState string

const (
	CommandInFlight  CommandState = "in_flight"
	CommandSucceeded CommandState = "succeeded"
	CommandFailed    CommandState = "failed"
)

// PendingCommand tracks one accepted command from issue to its terminal state.
type PendingCommand struct {
	ResourceID  string       `json:"resource_id"`
	Action      Action       `json:"action"`
	IssuedAt    time.Time    `json:"issued_at"`
	State       CommandState `json:"state"`
	Reason      string       `json:"reason,omitempty"`
	TaskID      string       `json:"task_id,omitempty"`
	CompletedAt time.Time    `json:"completed_at,omitempty"`
}

func (c PendingCommand) Terminal() bool {
	return c.State == CommandSucceeded || c.State == CommandFailed
}
