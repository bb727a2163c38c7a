package workflow

import "testing"

func TestCanTransitionLegalPairs(t *testing.T) {
	legal := [][2]string{
		{TaskStatusPreparing, TaskStatusReady},
		{TaskStatusReady, TaskStatusInProgress},
		{TaskStatusInProgress, TaskStatusOnHold},
		{TaskStatusOnHold, TaskStatusInProgress},
		{TaskStatusInProgress, TaskStatusCompleted},
	}
	for _, pair := range legal {
		if !CanTransition(pair[0], pair[1]) {
			t.Fatalf("expected %s -> %s to be allowed", pair[0], pair[1])
		}
	}
}

func TestCanTransitionBlocksEverythingElse(t *testing.T) {
	legal := map[string]bool{
		TaskStatusPreparing + ">" + TaskStatusReady:      true,
		TaskStatusReady + ">" + TaskStatusInProgress:     true,
		TaskStatusInProgress + ">" + TaskStatusOnHold:    true,
		TaskStatusOnHold + ">" + TaskStatusInProgress:    true,
		TaskStatusInProgress + ">" + TaskStatusCompleted: true,
	}
	for _, from := range AllTaskStatuses() {
		for _, to := range AllTaskStatuses() {
			want := legal[from+">"+to]
			if got := CanTransition(from, to); got != want {
				t.Fatalf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestCompletedIsTerminal(t *testing.T) {
	for _, to := range AllTaskStatuses() {
		if CanTransition(TaskStatusCompleted, to) {
			t.Fatalf("expected completed -> %s to be blocked", to)
		}
	}
}

func TestEventTypeForTransition(t *testing.T) {
	if got := EventTypeForTransition(TaskStatusReady, TaskStatusInProgress); got != ActionStatusChanged {
		t.Fatalf("EventTypeForTransition(ready, in_progress) = %q", got)
	}
	if got := EventTypeForTransition(TaskStatusCompleted, TaskStatusReady); got != "" {
		t.Fatalf("illegal transition must map to no event, got %q", got)
	}
}

func TestNormalizeTaskStatus(t *testing.T) {
	if NormalizeTaskStatus("  In_Progress ") != TaskStatusInProgress {
		t.Fatalf("expected normalization to lowercase and trim")
	}
	if IsKnownStatus("shipped") {
		t.Fatalf("expected unknown status to be rejected")
	}
}
