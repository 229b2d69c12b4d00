package domain

import "strings"

// ============================================================
// Project statuses and the status → step projection
// ============================================================

// Status is the persisted lifecycle position of a project.
type Status string

const (
	StatusDraft                     Status = "draft"
	StatusInProgress                Status = "in_progress"
	StatusWaitingApproval           Status = "waiting_approval"
	StatusRejected                  Status = "rejected"
	StatusWaitingReceipt            Status = "waiting_receipt"
	StatusReceiptApproved           Status = "receipt_approved"
	StatusInWork                    Status = "in_work"
	StatusWaitingManagerReceipt     Status = "waiting_manager_receipt"
	StatusWaitingClientConfirmation Status = "waiting_client_confirmation"
	StatusCompleted                 Status = "completed"
)

// Wizard step bounds.
const (
	MinStep = 1
	MaxStep = 7
)

// stepTable is deliberately coarse: several statuses share a step.
var stepTable = map[Status]int{
	StatusDraft:                     1,
	StatusInProgress:                2,
	StatusWaitingApproval:           3,
	StatusRejected:                  3,
	StatusWaitingReceipt:            4,
	StatusReceiptApproved:           5,
	StatusInWork:                    5,
	StatusWaitingManagerReceipt:     6,
	StatusWaitingClientConfirmation: 7,
	StatusCompleted:                 7,
}

// transitions lists the client-driven forward moves. Gate statuses have none:
// leaving them is a manager decision. Rejected and completed have none either;
// only an external manager override moves a project out of them.
var transitions = map[Status][]Status{
	StatusDraft:                     {StatusInProgress},
	StatusInProgress:                {StatusWaitingApproval},
	StatusReceiptApproved:           {StatusInWork},
	StatusInWork:                    {StatusWaitingManagerReceipt},
	StatusWaitingClientConfirmation: {StatusCompleted},
}

// decisions lists the exits a manager takes from each gate status.
var decisions = map[Status][]Status{
	StatusWaitingApproval:       {StatusWaitingReceipt, StatusRejected},
	StatusWaitingReceipt:        {StatusReceiptApproved, StatusRejected},
	StatusWaitingManagerReceipt: {StatusWaitingClientConfirmation, StatusRejected},
}

// AllStatuses returns every known status in lifecycle order.
func AllStatuses() []Status {
	return []Status{
		StatusDraft,
		StatusInProgress,
		StatusWaitingApproval,
		StatusRejected,
		StatusWaitingReceipt,
		StatusReceiptApproved,
		StatusInWork,
		StatusWaitingManagerReceipt,
		StatusWaitingClientConfirmation,
		StatusCompleted,
	}
}

// ParseStatus validates a raw status string.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.TrimSpace(raw))
	if _, ok := stepTable[s]; !ok {
		return "", &ErrUnknownStatus{Status: raw}
	}
	return s, nil
}

// StepForStatus projects a status onto the wizard step it unlocks.
// An unknown status is a configuration error and is never defaulted.
func StepForStatus(s Status) (int, error) {
	step, ok := stepTable[s]
	if !ok {
		return 0, &ErrUnknownStatus{Status: string(s)}
	}
	return step, nil
}

// IsTerminal reports whether the status ends the lifecycle.
func IsTerminal(s Status) bool {
	return s == StatusCompleted
}

// IsRejection reports whether a manager rejected the project.
func IsRejection(s Status) bool {
	return s == StatusRejected
}

// CanTransition reports whether a client may move a project from one status to another.
func CanTransition(from, to Status) bool {
	return contains(transitions[from], to)
}

// IsDecision reports whether moving from a gate status to another is one of
// the manager's decisions. Clients never take these moves themselves.
func IsDecision(from, to Status) bool {
	return contains(decisions[from], to)
}

func contains(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// ============================================================
// Awaiting-human statuses (gates)
// ============================================================

// GateKind identifies which external decision a project is waiting for.
type GateKind string

const (
	GateProjectApproval GateKind = "project_approval"
	GateReceiptReview   GateKind = "receipt_review"
	GateManagerReceipt  GateKind = "manager_receipt"
)

var gateForStatus = map[Status]GateKind{
	StatusWaitingApproval:       GateProjectApproval,
	StatusWaitingReceipt:        GateReceiptReview,
	StatusWaitingManagerReceipt: GateManagerReceipt,
}

// GateFor returns the gate kind associated with an awaiting status.
func GateFor(s Status) (GateKind, bool) {
	g, ok := gateForStatus[s]
	return g, ok
}

// DefaultAwaitingStatuses is the awaiting-human set used when none is configured.
func DefaultAwaitingStatuses() []Status {
	return []Status{StatusWaitingApproval, StatusWaitingReceipt, StatusWaitingManagerReceipt}
}

// AwaitingSet is the configured set of statuses that block on a human decision.
type AwaitingSet map[Status]struct{}

// NewAwaitingSet builds a set, rejecting statuses without a gate kind.
func NewAwaitingSet(statuses ...Status) (AwaitingSet, error) {
	set := make(AwaitingSet, len(statuses))
	for _, s := range statuses {
		if _, err := StepForStatus(s); err != nil {
			return nil, err
		}
		if _, ok := gateForStatus[s]; !ok {
			return nil, &ErrValidation{Field: "awaiting_statuses", Message: "status " + string(s) + " has no gate"}
		}
		set[s] = struct{}{}
	}
	return set, nil
}

// Contains reports whether s blocks on a human decision.
func (a AwaitingSet) Contains(s Status) bool {
	_, ok := a[s]
	return ok
}
