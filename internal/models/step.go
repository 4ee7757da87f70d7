package models

// Step is one ordered reproduction instruction belonging to exactly one bug.
type Step struct {
	ID          string
	BugID       string
	Order       int // position within the bug's step list, unique per bug at write time
	Description string
}
