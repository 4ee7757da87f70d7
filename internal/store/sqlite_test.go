package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwarren/bugtrack/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	err = s.Migrate(context.Background())
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })
	return s
}

// newTestUser creates a user for use as a bug creator or assignee.
func newTestUser(t *testing.T, s *SQLiteStore, username string) *models.User {
	t.Helper()
	u := &models.User{Username: username, PasswordHash: "x"}
	require.NoError(t, s.CreateUser(context.Background(), u))
	return u
}

// newTestBug creates a minimal bug owned by the given user.
func newTestBug(t *testing.T, s *SQLiteStore, creatorID, name string) *models.Bug {
	t.Helper()
	b := &models.Bug{
		Name:        name,
		Description: "something is broken",
		CreatedBy:   creatorID,
		Severity:    models.SeverityMinor,
		Priority:    models.PriorityMedium,
	}
	require.NoError(t, s.CreateBug(context.Background(), b))
	return b
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "subdir", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(filepath.Join(dir, "subdir"))
	assert.NoError(t, err, "should create parent directory")
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Running migrate again should be a no-op
	err := s.Migrate(ctx)
	assert.NoError(t, err)
}

// --- Users ---

func TestUserCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := &models.User{Username: "alice", PasswordHash: "hash"}
	err := s.CreateUser(ctx, u)
	require.NoError(t, err)
	assert.NotEmpty(t, u.ID)
	assert.False(t, u.CreatedAt.IsZero())

	got, err := s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)

	got, err = s.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = s.GetUserByUsername(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)

	newTestUser(t, s, "bob")
	users, err := s.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "alice", users[0].Username)
	assert.Equal(t, "bob", users[1].Username)
}

func TestCreateUser_DuplicateUsername(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	newTestUser(t, s, "alice")
	err := s.CreateUser(ctx, &models.User{Username: "alice", PasswordHash: "x"})
	assert.Error(t, err)
}

// --- Bugs ---

func TestBugCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice := newTestUser(t, s, "alice")
	bob := newTestUser(t, s, "bob")

	b := &models.Bug{
		Name:        "login broken",
		Description: "500 on submit",
		CreatedBy:   alice.ID,
		AssignedTo:  bob.ID,
		Severity:    models.SeverityMajor,
		Priority:    models.PriorityHigh,
	}
	require.NoError(t, s.CreateBug(ctx, b))
	assert.NotEmpty(t, b.ID)
	assert.Equal(t, models.BugStatusOpen, b.Status)
	assert.Nil(t, b.ClosedAt)

	got, err := s.GetBug(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "login broken", got.Name)
	assert.Equal(t, "alice", got.CreatorName)
	assert.Equal(t, "bob", got.AssigneeName)
	assert.Equal(t, models.SeverityMajor, got.Severity)
	assert.Nil(t, got.ClosedAt)

	_, err = s.GetBug(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateBug_ForcesOpenStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := newTestUser(t, s, "alice")

	b := &models.Bug{
		Name:        "sneaky",
		Description: "tries to start closed",
		CreatedBy:   alice.ID,
		Severity:    models.SeverityMinor,
		Priority:    models.PriorityLow,
		Status:      models.BugStatusClosed,
	}
	require.NoError(t, s.CreateBug(ctx, b))

	got, err := s.GetBug(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BugStatusOpen, got.Status)
	assert.Nil(t, got.ClosedAt)
}

func TestUpdateBugFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := newTestUser(t, s, "alice")
	bob := newTestUser(t, s, "bob")
	b := newTestBug(t, s, alice.ID, "typo in header")

	err := s.UpdateBugFields(ctx, b.ID, BugFields{
		Name:        "typo in footer",
		Description: "updated description",
		AssignedTo:  bob.ID,
		Severity:    models.SeverityTrivial,
		Priority:    models.PriorityLow,
	})
	require.NoError(t, err)

	got, err := s.GetBug(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "typo in footer", got.Name)
	assert.Equal(t, bob.ID, got.AssignedTo)
	assert.Equal(t, models.SeverityTrivial, got.Severity)
	// Field updates never touch status or creator
	assert.Equal(t, models.BugStatusOpen, got.Status)
	assert.Equal(t, alice.ID, got.CreatedBy)

	err = s.UpdateBugFields(ctx, "missing", BugFields{Name: "x", Description: "y"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransitionStatus_ClosingDate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := newTestUser(t, s, "alice")
	b := newTestBug(t, s, alice.ID, "crash on save")

	// Non-terminal: no closing date
	require.NoError(t, s.TransitionStatus(ctx, b.ID, models.BugStatusInProgress))
	got, err := s.GetBug(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BugStatusInProgress, got.Status)
	assert.Nil(t, got.ClosedAt)

	// Resolved stamps the closing date
	require.NoError(t, s.TransitionStatus(ctx, b.ID, models.BugStatusResolved))
	got, err = s.GetBug(ctx, b.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ClosedAt)
	closedAt := *got.ClosedAt

	// Closed re-stamps it
	require.NoError(t, s.TransitionStatus(ctx, b.ID, models.BugStatusClosed))
	got, err = s.GetBug(ctx, b.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ClosedAt)
	assert.False(t, got.ClosedAt.Before(closedAt))

	// Reopening clears it
	require.NoError(t, s.TransitionStatus(ctx, b.ID, models.BugStatusOpen))
	got, err = s.GetBug(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BugStatusOpen, got.Status)
	assert.Nil(t, got.ClosedAt)

	err = s.TransitionStatus(ctx, "missing", models.BugStatusClosed)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListBugs_FiltersAndOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := newTestUser(t, s, "alice")
	bob := newTestUser(t, s, "bob")

	b1 := &models.Bug{Name: "first", Description: "d1", CreatedBy: alice.ID,
		Severity: models.SeverityMinor, Priority: models.PriorityLow}
	require.NoError(t, s.CreateBug(ctx, b1))
	time.Sleep(2 * time.Millisecond) // ULID timestamps have ms precision
	b2 := &models.Bug{Name: "second", Description: "d2", CreatedBy: alice.ID, AssignedTo: bob.ID,
		Severity: models.SeverityCritical, Priority: models.PriorityHigh}
	require.NoError(t, s.CreateBug(ctx, b2))
	time.Sleep(2 * time.Millisecond)
	b3 := &models.Bug{Name: "third", Description: "d3", CreatedBy: bob.ID,
		Severity: models.SeverityCritical, Priority: models.PriorityLow}
	require.NoError(t, s.CreateBug(ctx, b3))
	require.NoError(t, s.TransitionStatus(ctx, b3.ID, models.BugStatusResolved))

	// No filter: newest first
	all, err := s.ListBugs(ctx, BugListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "third", all[0].Name)
	assert.Equal(t, "first", all[2].Name)

	// Severity filter
	critical, err := s.ListBugs(ctx, BugListFilter{Severity: models.SeverityCritical})
	require.NoError(t, err)
	assert.Len(t, critical, 2)

	// Combined filters AND together
	combined, err := s.ListBugs(ctx, BugListFilter{
		Severity: models.SeverityCritical,
		Status:   models.BugStatusResolved,
	})
	require.NoError(t, err)
	require.Len(t, combined, 1)
	assert.Equal(t, "third", combined[0].Name)

	// Nothing matches
	none, err := s.ListBugs(ctx, BugListFilter{Priority: models.PriorityMedium})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestListBugs_Search(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := newTestUser(t, s, "alice")
	bob := newTestUser(t, s, "bob")

	b1 := &models.Bug{Name: "payment fails", Description: "checkout dies", CreatedBy: alice.ID,
		Severity: models.SeverityMajor, Priority: models.PriorityHigh}
	require.NoError(t, s.CreateBug(ctx, b1))
	b2 := &models.Bug{Name: "slow page", Description: "takes forever", CreatedBy: bob.ID, AssignedTo: alice.ID,
		Severity: models.SeverityMinor, Priority: models.PriorityLow}
	require.NoError(t, s.CreateBug(ctx, b2))

	// Matches bug name
	got, err := s.ListBugs(ctx, BugListFilter{Search: "payment"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, b1.ID, got[0].ID)

	// Matches description, case-insensitive
	got, err = s.ListBugs(ctx, BugListFilter{Search: "FOREVER"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, b2.ID, got[0].ID)

	// Matches creator and assignee usernames
	got, err = s.ListBugs(ctx, BugListFilter{Search: "alice"})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.ListBugs(ctx, BugListFilter{Search: "bob"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, b2.ID, got[0].ID)
}

func TestListBugsForUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := newTestUser(t, s, "alice")
	bob := newTestUser(t, s, "bob")

	// Created by alice, assigned to alice: appears in both lists
	self := &models.Bug{Name: "self-assigned", Description: "d", CreatedBy: alice.ID, AssignedTo: alice.ID,
		Severity: models.SeverityMinor, Priority: models.PriorityLow}
	require.NoError(t, s.CreateBug(ctx, self))

	other := &models.Bug{Name: "from bob", Description: "d", CreatedBy: bob.ID, AssignedTo: alice.ID,
		Severity: models.SeverityMinor, Priority: models.PriorityLow}
	require.NoError(t, s.CreateBug(ctx, other))

	assigned, created, err := s.ListBugsForUser(ctx, alice.ID)
	require.NoError(t, err)
	assert.Len(t, assigned, 2)
	require.Len(t, created, 1)
	assert.Equal(t, self.ID, created[0].ID)
}

func TestDeleteBug_CascadesToSteps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := newTestUser(t, s, "alice")
	b := newTestBug(t, s, alice.ID, "doomed")

	_, err := s.AddStep(ctx, b.ID, "step one")
	require.NoError(t, err)
	_, err = s.AddStep(ctx, b.ID, "step two")
	require.NoError(t, err)

	require.NoError(t, s.DeleteBug(ctx, b.ID))

	_, err = s.GetBug(ctx, b.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	steps, err := s.ListSteps(ctx, b.ID)
	require.NoError(t, err)
	assert.Empty(t, steps)

	err = s.DeleteBug(ctx, b.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

// --- Steps ---

func TestAddStep_OrderAssignment(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := newTestUser(t, s, "alice")
	b := newTestBug(t, s, alice.ID, "steppy")

	s1, err := s.AddStep(ctx, b.ID, "open the app")
	require.NoError(t, err)
	assert.Equal(t, 0, s1.Order)

	s2, err := s.AddStep(ctx, b.ID, "click the button")
	require.NoError(t, err)
	assert.Equal(t, 1, s2.Order)

	// Deleting the last step leaves a gap that is not reused
	require.NoError(t, s.DeleteStep(ctx, s2.ID))
	s3, err := s.AddStep(ctx, b.ID, "observe the crash")
	require.NoError(t, err)
	assert.Equal(t, 1, s3.Order)

	// Deleting a middle step: next order is still max+1
	require.NoError(t, s.DeleteStep(ctx, s1.ID))
	s4, err := s.AddStep(ctx, b.ID, "check the logs")
	require.NoError(t, err)
	assert.Equal(t, 2, s4.Order)
}

func TestAddStep_Validation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := newTestUser(t, s, "alice")
	b := newTestBug(t, s, alice.ID, "steppy")

	_, err := s.AddStep(ctx, b.ID, "   ")
	assert.True(t, IsValidation(err))

	_, err = s.AddStep(ctx, "missing-bug", "fine description")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateStep(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := newTestUser(t, s, "alice")
	b := newTestBug(t, s, alice.ID, "steppy")

	st, err := s.AddStep(ctx, b.ID, "original")
	require.NoError(t, err)

	require.NoError(t, s.UpdateStep(ctx, st.ID, "  rewritten  "))
	steps, err := s.ListSteps(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "rewritten", steps[0].Description)
	assert.Equal(t, st.Order, steps[0].Order)

	err = s.UpdateStep(ctx, st.ID, "")
	assert.True(t, IsValidation(err))

	err = s.UpdateStep(ctx, "missing", "text")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteStep_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := newTestUser(t, s, "alice")
	b := newTestBug(t, s, alice.ID, "steppy")

	st, err := s.AddStep(ctx, b.ID, "only step")
	require.NoError(t, err)

	require.NoError(t, s.DeleteStep(ctx, st.ID))
	// Second delete of the same id is a no-op
	require.NoError(t, s.DeleteStep(ctx, st.ID))
}

func TestReorderSteps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := newTestUser(t, s, "alice")
	b := newTestBug(t, s, alice.ID, "steppy")

	s1, err := s.AddStep(ctx, b.ID, "one")
	require.NoError(t, err)
	s2, err := s.AddStep(ctx, b.ID, "two")
	require.NoError(t, err)
	s3, err := s.AddStep(ctx, b.ID, "three")
	require.NoError(t, err)

	require.NoError(t, s.ReorderSteps(ctx, b.ID, []string{s3.ID, s1.ID, s2.ID}))

	steps, err := s.ListSteps(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, "three", steps[0].Description)
	assert.Equal(t, "one", steps[1].Description)
	assert.Equal(t, "two", steps[2].Description)
	assert.Equal(t, []int{0, 1, 2}, []int{steps[0].Order, steps[1].Order, steps[2].Order})
}

func TestReorderSteps_ForeignStepAborts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := newTestUser(t, s, "alice")
	b1 := newTestBug(t, s, alice.ID, "mine")
	b2 := newTestBug(t, s, alice.ID, "other")

	s1, err := s.AddStep(ctx, b1.ID, "one")
	require.NoError(t, err)
	s2, err := s.AddStep(ctx, b1.ID, "two")
	require.NoError(t, err)
	foreign, err := s.AddStep(ctx, b2.ID, "elsewhere")
	require.NoError(t, err)

	err = s.ReorderSteps(ctx, b1.ID, []string{s2.ID, foreign.ID, s1.ID})
	assert.True(t, IsValidation(err))

	// The whole reorder rolled back
	steps, err := s.ListSteps(ctx, b1.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "one", steps[0].Description)
	assert.Equal(t, "two", steps[1].Description)
}

func TestReplaceAllSteps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := newTestUser(t, s, "alice")
	b := newTestBug(t, s, alice.ID, "steppy")

	_, err := s.AddStep(ctx, b.ID, "old one")
	require.NoError(t, err)
	_, err = s.AddStep(ctx, b.ID, "old two")
	require.NoError(t, err)
	_, err = s.AddStep(ctx, b.ID, "old three")
	require.NoError(t, err)

	steps, err := s.ReplaceAllSteps(ctx, b.ID, []string{"new one", "new two"})
	require.NoError(t, err)
	require.Len(t, steps, 2)

	listed, err := s.ListSteps(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, "new one", listed[0].Description)
	assert.Equal(t, 0, listed[0].Order)
	assert.Equal(t, "new two", listed[1].Description)
	assert.Equal(t, 1, listed[1].Order)

	// Empty list clears all steps
	steps, err = s.ReplaceAllSteps(ctx, b.ID, nil)
	require.NoError(t, err)
	assert.Empty(t, steps)
	listed, err = s.ListSteps(ctx, b.ID)
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestReplaceAllSteps_ValidatesBeforeWriting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := newTestUser(t, s, "alice")
	b := newTestBug(t, s, alice.ID, "steppy")

	_, err := s.AddStep(ctx, b.ID, "keep me")
	require.NoError(t, err)

	_, err = s.ReplaceAllSteps(ctx, b.ID, []string{"fine", "  ", "also fine"})
	assert.True(t, IsValidation(err))

	// A blank entry anywhere means nothing was written
	listed, err := s.ListSteps(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "keep me", listed[0].Description)

	_, err = s.ReplaceAllSteps(ctx, "missing-bug", []string{"a"})
	assert.ErrorIs(t, err, ErrNotFound)
}

// --- Compound operations ---

func TestCreateBugWithSteps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := newTestUser(t, s, "alice")

	b := &models.Bug{
		Name:        "with steps",
		Description: "d",
		CreatedBy:   alice.ID,
		Severity:    models.SeverityMajor,
		Priority:    models.PriorityHigh,
	}
	err := s.CreateBugWithSteps(ctx, b, []string{"first", "second"})
	require.NoError(t, err)

	steps, err := s.ListSteps(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "first", steps[0].Description)
	assert.Equal(t, 0, steps[0].Order)
}

func TestCreateBugWithSteps_InvalidStepCreatesNothing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := newTestUser(t, s, "alice")

	b := &models.Bug{
		Name:        "doomed",
		Description: "d",
		CreatedBy:   alice.ID,
		Severity:    models.SeverityMinor,
		Priority:    models.PriorityLow,
	}
	err := s.CreateBugWithSteps(ctx, b, []string{"ok", ""})
	assert.True(t, IsValidation(err))

	bugs, err := s.ListBugs(ctx, BugListFilter{})
	require.NoError(t, err)
	assert.Empty(t, bugs)
}

func TestEditBugWithSteps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := newTestUser(t, s, "alice")
	b := newTestBug(t, s, alice.ID, "editable")

	_, err := s.AddStep(ctx, b.ID, "a")
	require.NoError(t, err)
	_, err = s.AddStep(ctx, b.ID, "b")
	require.NoError(t, err)
	_, err = s.AddStep(ctx, b.ID, "c")
	require.NoError(t, err)
	require.NoError(t, s.TransitionStatus(ctx, b.ID, models.BugStatusResolved))

	err = s.EditBugWithSteps(ctx, b.ID, BugFields{
		Name:        "edited",
		Description: "new desc",
		Severity:    models.SeverityCritical,
		Priority:    models.PriorityHigh,
	}, []string{"x", "y"})
	require.NoError(t, err)

	got, err := s.GetBug(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "edited", got.Name)
	// Edits never touch status or the closing date
	assert.Equal(t, models.BugStatusResolved, got.Status)
	assert.NotNil(t, got.ClosedAt)

	steps, err := s.ListSteps(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "x", steps[0].Description)
	assert.Equal(t, "y", steps[1].Description)
}

func TestEditBugWithSteps_MissingBug(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.EditBugWithSteps(ctx, "missing", BugFields{
		Name: "x", Description: "y",
		Severity: models.SeverityMinor, Priority: models.PriorityLow,
	}, []string{"a"})
	assert.True(t, errors.Is(err, ErrNotFound))
}
