package workflow

import "strings"

const (
	TaskStatusPreparing  = "preparing"
	TaskStatusReady      = "ready"
	TaskStatusInProgress = "in_progress"
	TaskStatusOnHold     = "on_hold"
	TaskStatusCompleted  = "completed"
)

const (
	ActionCheckedIn        = "checked_in"
	ActionCheckedOut       = "checked_out"
	ActionPaymentCollected = "payment_collected"
	ActionStatusChanged    = "status_changed"
	ActionCommented        = "commented"
)

// completed is terminal; corrections happen through a separate administrative
// flow and never pass through this table. on_hold is only reachable from and
// back to in_progress.
var taskTransitions = map[string]map[string]bool{
	TaskStatusPreparing: {
		TaskStatusReady: true,
	},
	TaskStatusReady: {
		TaskStatusInProgress: true,
	},
	TaskStatusInProgress: {
		TaskStatusOnHold:    true,
		TaskStatusCompleted: true,
	},
	TaskStatusOnHold: {
		TaskStatusInProgress: true,
	},
}

func NormalizeTaskStatus(status string) string {
	return strings.ToLower(strings.TrimSpace(status))
}

func IsKnownStatus(status string) bool {
	switch NormalizeTaskStatus(status) {
	case TaskStatusPreparing, TaskStatusReady, TaskStatusInProgress, TaskStatusOnHold, TaskStatusCompleted:
		return true
	}
	return false
}

func CanTransition(fromStatus string, toStatus string) bool {
	fromStatus = NormalizeTaskStatus(fromStatus)
	toStatus = NormalizeTaskStatus(toStatus)
	return taskTransitions[fromStatus][toStatus]
}

// EventTypeForTransition names the log action a legal transition produces.
// Every legal transition is recorded as status_changed; illegal pairs get "".
func EventTypeForTransition(fromStatus string, toStatus string) string {
	if !CanTransition(fromStatus, toStatus) {
		return ""
	}
	return ActionStatusChanged
}

func AllTaskStatuses() []string {
	return []string{
		TaskStatusPreparing,
		TaskStatusReady,
		TaskStatusInProgress,
		TaskStatusOnHold,
		TaskStatusCompleted,
	}
}
