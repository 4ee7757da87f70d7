package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/mwarren/bugtrack/internal/models"
)

// ErrNotFound is wrapped by store operations when a referenced bug, step,
// or user id does not exist. Match with errors.Is.
var ErrNotFound = errors.New("not found")

// ValidationError reports a malformed mutation (empty required text,
// reorder ids that do not belong to the target bug). The operation that
// returns it has written nothing.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Validationf builds a *ValidationError with a formatted message.
func Validationf(format string, a ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, a...)}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// BugListFilter specifies dashboard filters for listing bugs. Zero-valued
// fields impose no constraint.
type BugListFilter struct {
	Severity models.Severity
	Priority models.Priority
	Status   models.BugStatus
	Search   string // case-insensitive substring over name, description, creator, assignee
}

// BugFields is the mutable-by-edit subset of a bug. Status, creator, and
// the two date columns are never touched through field updates.
type BugFields struct {
	Name        string
	Description string
	AssignedTo  string
	Severity    models.Severity
	Priority    models.Priority
}

// Store defines the persistence interface for bugtrack.
type Store interface {
	// Users
	CreateUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	ListUsers(ctx context.Context) ([]*models.User, error)

	// Bugs
	CreateBug(ctx context.Context, b *models.Bug) error
	GetBug(ctx context.Context, id string) (*models.Bug, error)
	ListBugs(ctx context.Context, filter BugListFilter) ([]*models.Bug, error)
	ListBugsForUser(ctx context.Context, userID string) (assigned, created []*models.Bug, err error)
	UpdateBugFields(ctx context.Context, id string, fields BugFields) error
	TransitionStatus(ctx context.Context, id string, status models.BugStatus) error
	DeleteBug(ctx context.Context, id string) error

	// Steps
	ListSteps(ctx context.Context, bugID string) ([]*models.Step, error)
	AddStep(ctx context.Context, bugID, description string) (*models.Step, error)
	UpdateStep(ctx context.Context, stepID, description string) error
	DeleteStep(ctx context.Context, stepID string) error
	ReorderSteps(ctx context.Context, bugID string, orderedIDs []string) error
	ReplaceAllSteps(ctx context.Context, bugID string, descriptions []string) ([]*models.Step, error)

	// Compound transactional operations
	CreateBugWithSteps(ctx context.Context, b *models.Bug, stepDescriptions []string) error
	EditBugWithSteps(ctx context.Context, id string, fields BugFields, stepDescriptions []string) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
