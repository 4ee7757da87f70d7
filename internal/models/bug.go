package models

import "time"

// BugStatus represents the lifecycle state of a bug.
type BugStatus string

const (
	BugStatusOpen       BugStatus = "Open"
	BugStatusInProgress BugStatus = "In Progress"
	BugStatusResolved   BugStatus = "Resolved"
	BugStatusClosed     BugStatus = "Closed"
)

// Terminal reports whether the status implies the bug has a closing date.
func (s BugStatus) Terminal() bool {
	return s == BugStatusResolved || s == BugStatusClosed
}

// Severity represents how damaging a bug is.
type Severity string

const (
	SeverityTrivial  Severity = "Trivial"
	SeverityMinor    Severity = "Minor"
	SeverityMajor    Severity = "Major"
	SeverityCritical Severity = "Critical"
)

// Priority represents how urgently a bug should be fixed.
type Priority string

const (
	PriorityLow    Priority = "Low"
	PriorityMedium Priority = "Medium"
	PriorityHigh   Priority = "High"
)

// Bug represents a tracked defect report.
type Bug struct {
	ID          string
	Name        string
	Description string
	CreatedBy   string // user id, immutable after creation
	AssignedTo  string // user id, empty = unassigned
	Severity    Severity
	Priority    Priority
	Status      BugStatus
	CreatedAt   time.Time
	ClosedAt    *time.Time // non-nil iff Status.Terminal()

	// Display names resolved by joins, not stored on the bugs table.
	CreatorName  string
	AssigneeName string
}
