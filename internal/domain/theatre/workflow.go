package theatre

import (
	"fmt"
	"time"
)

// Status is a theatre patient's position in the operating-theatre workflow.
type Status string

const (
	StatusScheduled         Status = "scheduled"
	StatusPreOpPreparation  Status = "pre_op_preparation"
	StatusReadyForSurgery   Status = "ready_for_surgery"
	StatusInTheatre         Status = "in_theatre"
	StatusSurgeryInProgress Status = "surgery_in_progress"
	StatusSurgeryCompleted  Status = "surgery_completed"
	StatusPostOpRecovery    Status = "post_op_recovery"
	StatusDischargedFromOT  Status = "discharged_from_ot"
	StatusCancelled         Status = "cancelled"
)

// Statuses lists every workflow state in board column order.
var Statuses = []Status{
	StatusScheduled,
	StatusPreOpPreparation,
	StatusReadyForSurgery,
	StatusInTheatre,
	StatusSurgeryInProgress,
	StatusSurgeryCompleted,
	StatusPostOpRecovery,
	StatusDischargedFromOT,
	StatusCancelled,
}

var transitions = map[Status][]Status{
	StatusScheduled:         {StatusPreOpPreparation, StatusCancelled},
	StatusPreOpPreparation:  {StatusReadyForSurgery, StatusScheduled, StatusCancelled},
	StatusReadyForSurgery:   {StatusInTheatre, StatusPreOpPreparation, StatusCancelled},
	StatusInTheatre:         {StatusSurgeryInProgress, StatusReadyForSurgery},
	StatusSurgeryInProgress: {StatusSurgeryCompleted, StatusCancelled},
	StatusSurgeryCompleted:  {StatusPostOpRecovery},
	StatusPostOpRecovery:    {StatusDischargedFromOT},
	StatusDischargedFromOT:  {},
	StatusCancelled:         {StatusScheduled},
}

// Valid reports whether s is a known workflow state.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

// AllowedTransitions returns the states reachable from s in one step.
func AllowedTransitions(s Status) []Status {
	next := transitions[s]
	out := make([]Status, len(next))
	copy(out, next)
	return out
}

// CanTransition reports whether from -> to is an edge of the workflow.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsCritical reports whether moving into s is hard to reverse. Critical
// transitions need a confirmation in the UI and mandatory notes.
func IsCritical(s Status) bool {
	return s == StatusCancelled || s == StatusSurgeryCompleted
}

// FormatTimeInState renders how long a patient has been in their current
// state: "45m" under an hour, "2h 5m" otherwise.
func FormatTimeInState(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	mins := int(d / time.Minute)
	if mins < 60 {
		return fmt.Sprintf("%dm", mins)
	}
	return fmt.Sprintf("%dh %dm", mins/60, mins%60)
}

// Workflow describes the state machine for clients.
type Workflow struct {
	States      []Status            `json:"states"`
	Transitions map[Status][]Status `json:"transitions"`
	Critical    []Status            `json:"critical"`
	Terminal    []Status            `json:"terminal"`
}

// DescribeWorkflow returns the transition table for clients.
func DescribeWorkflow() Workflow {
	w := Workflow{
		States:      append([]Status{}, Statuses...),
		Transitions: make(map[Status][]Status, len(transitions)),
	}
	for _, s := range Statuses {
		w.Transitions[s] = AllowedTransitions(s)
		if IsCritical(s) {
			w.Critical = append(w.Critical, s)
		}
		if s.Terminal() {
			w.Terminal = append(w.Terminal, s)
		}
	}
	return w
}
