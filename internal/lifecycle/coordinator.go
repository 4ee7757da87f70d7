// Package lifecycle orchestrates compound bug mutations: it validates
// payloads and enforces the creator-only policy in one place, then
// delegates to the store's transactional operations. HTTP handlers and
// tools never check authorship themselves.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mwarren/bugtrack/internal/models"
	"github.com/mwarren/bugtrack/internal/store"
)

// ErrForbidden is returned when a mutation restricted to the bug's creator
// is attempted by anyone else.
var ErrForbidden = errors.New("forbidden")

// Coordinator wires compound operations across the bug and step tables.
type Coordinator struct {
	store store.Store
}

// New creates a Coordinator backed by the given store.
func New(s store.Store) *Coordinator {
	return &Coordinator{store: s}
}

// validateFields checks the required bug fields before any write.
func validateFields(fields *store.BugFields) error {
	fields.Name = strings.TrimSpace(fields.Name)
	fields.Description = strings.TrimSpace(fields.Description)
	if fields.Name == "" {
		return store.Validationf("bug name is required")
	}
	if fields.Description == "" {
		return store.Validationf("bug description is required")
	}
	if fields.Severity == "" {
		return store.Validationf("severity is required")
	}
	if fields.Priority == "" {
		return store.Validationf("priority is required")
	}
	return nil
}

// requireCreator loads the bug and rejects the mutation unless actorID is
// the original creator.
func (c *Coordinator) requireCreator(ctx context.Context, actorID, bugID string) (*models.Bug, error) {
	b, err := c.store.GetBug(ctx, bugID)
	if err != nil {
		return nil, err
	}
	if b.CreatedBy != actorID {
		return nil, fmt.Errorf("bug %s is owned by another user: %w", bugID, ErrForbidden)
	}
	return b, nil
}

// CreateBugWithSteps validates the fields and step descriptions, then
// creates the bug and its steps in one transaction. The actor becomes the
// immutable creator.
func (c *Coordinator) CreateBugWithSteps(ctx context.Context, actorID string, fields store.BugFields, stepDescriptions []string) (*models.Bug, error) {
	if err := validateFields(&fields); err != nil {
		return nil, err
	}

	b := &models.Bug{
		Name:        fields.Name,
		Description: fields.Description,
		CreatedBy:   actorID,
		AssignedTo:  fields.AssignedTo,
		Severity:    fields.Severity,
		Priority:    fields.Priority,
	}
	if err := c.store.CreateBugWithSteps(ctx, b, stepDescriptions); err != nil {
		return nil, err
	}
	return b, nil
}

// EditBugWithSteps atomically updates the bug's fields and replaces its
// full step list. Creator-only.
func (c *Coordinator) EditBugWithSteps(ctx context.Context, actorID, bugID string, fields store.BugFields, stepDescriptions []string) error {
	if err := validateFields(&fields); err != nil {
		return err
	}
	if _, err := c.requireCreator(ctx, actorID, bugID); err != nil {
		return err
	}
	return c.store.EditBugWithSteps(ctx, bugID, fields, stepDescriptions)
}

// UpdateBugFields updates the mutable fields without touching steps.
// Creator-only.
func (c *Coordinator) UpdateBugFields(ctx context.Context, actorID, bugID string, fields store.BugFields) error {
	if err := validateFields(&fields); err != nil {
		return err
	}
	if _, err := c.requireCreator(ctx, actorID, bugID); err != nil {
		return err
	}
	return c.store.UpdateBugFields(ctx, bugID, fields)
}

// DeleteBug removes the bug and, by cascade, all of its steps. Creator-only.
func (c *Coordinator) DeleteBug(ctx context.Context, actorID, bugID string) error {
	if _, err := c.requireCreator(ctx, actorID, bugID); err != nil {
		return err
	}
	return c.store.DeleteBug(ctx, bugID)
}

// TransitionStatus moves the bug to any status; the state graph is
// unrestricted and any authenticated user may transition. The store stamps
// or clears the closing date as the single enforcement point.
func (c *Coordinator) TransitionStatus(ctx context.Context, bugID string, status models.BugStatus) error {
	if strings.TrimSpace(string(status)) == "" {
		return store.Validationf("status is required")
	}
	return c.store.TransitionStatus(ctx, bugID, status)
}

// ReorderSteps rejects empty and duplicate id lists before handing the
// reorder to the store's transaction.
func (c *Coordinator) ReorderSteps(ctx context.Context, bugID string, orderedIDs []string) error {
	if len(orderedIDs) == 0 {
		return store.Validationf("ordered step ids are required")
	}
	seen := make(map[string]bool, len(orderedIDs))
	for _, id := range orderedIDs {
		if seen[id] {
			return store.Validationf("duplicate step id %s", id)
		}
		seen[id] = true
	}
	return c.store.ReorderSteps(ctx, bugID, orderedIDs)
}
