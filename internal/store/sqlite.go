package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/mwarren/bugtrack/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Limiting to a single
	// connection serializes all DB access through Go's connection pool,
	// preventing "database is locked" errors from concurrent HTTP requests.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	// Set busy timeout so concurrent writes wait instead of failing immediately
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	// Enable foreign keys (cascade delete from bugs to steps depends on this)
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// newULID generates a new ULID string. ULIDs sort lexicographically by
// creation time, so ORDER BY id doubles as ORDER BY creation.
func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// nullStr maps the empty string to SQL NULL for nullable columns.
func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Users ---

func (s *SQLiteStore) CreateUser(ctx context.Context, u *models.User) error {
	if u.ID == "" {
		u.ID = newULID()
	}
	u.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, password_hash, created_at) VALUES (?, ?, ?, ?)`,
		u.ID, u.Username, u.PasswordHash, u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	u := &models.User{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, created_at FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	u := &models.User{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, created_at FROM users WHERE username = ?`, username,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user %q: %w", username, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user by username: %w", err)
	}
	return u, nil
}

func (s *SQLiteStore) ListUsers(ctx context.Context) ([]*models.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, username, password_hash, created_at FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []*models.User
	for rows.Next() {
		u := &models.User{}
		if err := rows.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// --- Bugs ---

// bugSelect joins creator/assignee usernames for display. Kept as a const
// so every bug read returns identically shaped rows.
const bugSelect = `SELECT b.id, b.bugName, b.description, b.createdBy, b.assignedTo,
	b.severity, b.priority, b.status, b.creationDate, b.closingDate,
	uc.username, ua.username
	FROM bugs b
	LEFT JOIN users uc ON b.createdBy = uc.id
	LEFT JOIN users ua ON b.assignedTo = ua.id`

func scanBug(scan func(dest ...any) error) (*models.Bug, error) {
	b := &models.Bug{}
	var assignedTo, creatorName, assigneeName sql.NullString
	var closedAt sql.NullTime
	var severity, priority, status string

	err := scan(&b.ID, &b.Name, &b.Description, &b.CreatedBy, &assignedTo,
		&severity, &priority, &status, &b.CreatedAt, &closedAt,
		&creatorName, &assigneeName)
	if err != nil {
		return nil, err
	}

	b.AssignedTo = assignedTo.String
	b.Severity = models.Severity(severity)
	b.Priority = models.Priority(priority)
	b.Status = models.BugStatus(status)
	b.CreatorName = creatorName.String
	b.AssigneeName = assigneeName.String
	if closedAt.Valid {
		b.ClosedAt = &closedAt.Time
	}
	return b, nil
}

func (s *SQLiteStore) CreateBug(ctx context.Context, b *models.Bug) error {
	prepareNewBug(b)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bugs (id, bugName, description, createdBy, assignedTo, severity, priority, status, creationDate, closingDate)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		b.ID, b.Name, b.Description, b.CreatedBy, nullStr(b.AssignedTo),
		string(b.Severity), string(b.Priority), string(b.Status), b.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create bug: %w", err)
	}
	return nil
}

// prepareNewBug assigns the generated id and the invariant creation-time
// fields: every bug starts Open with no closing date.
func prepareNewBug(b *models.Bug) {
	if b.ID == "" {
		b.ID = newULID()
	}
	b.Status = models.BugStatusOpen
	b.CreatedAt = time.Now().UTC()
	b.ClosedAt = nil
}

func (s *SQLiteStore) GetBug(ctx context.Context, id string) (*models.Bug, error) {
	row := s.db.QueryRowContext(ctx, bugSelect+` WHERE b.id = ?`, id)
	b, err := scanBug(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("bug %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get bug: %w", err)
	}
	return b, nil
}

func (s *SQLiteStore) ListBugs(ctx context.Context, filter BugListFilter) ([]*models.Bug, error) {
	query := bugSelect
	var conditions []string
	var args []any

	if filter.Severity != "" {
		conditions = append(conditions, "b.severity = ?")
		args = append(args, string(filter.Severity))
	}
	if filter.Priority != "" {
		conditions = append(conditions, "b.priority = ?")
		args = append(args, string(filter.Priority))
	}
	if filter.Status != "" {
		conditions = append(conditions, "b.status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Search != "" {
		conditions = append(conditions,
			"(b.bugName LIKE ? OR b.description LIKE ? OR uc.username LIKE ? OR ua.username LIKE ?)")
		term := "%" + filter.Search + "%"
		args = append(args, term, term, term, term)
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	// ULIDs are time-ordered, so descending id = most recently created first.
	query += " ORDER BY b.id DESC"

	return s.queryBugs(ctx, query, args...)
}

func (s *SQLiteStore) ListBugsForUser(ctx context.Context, userID string) (assigned, created []*models.Bug, err error) {
	assigned, err = s.queryBugs(ctx, bugSelect+` WHERE b.assignedTo = ? ORDER BY b.id DESC`, userID)
	if err != nil {
		return nil, nil, err
	}
	created, err = s.queryBugs(ctx, bugSelect+` WHERE b.createdBy = ? ORDER BY b.id DESC`, userID)
	if err != nil {
		return nil, nil, err
	}
	return assigned, created, nil
}

func (s *SQLiteStore) queryBugs(ctx context.Context, query string, args ...any) ([]*models.Bug, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list bugs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var bugs []*models.Bug
	for rows.Next() {
		b, err := scanBug(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan bug: %w", err)
		}
		bugs = append(bugs, b)
	}
	return bugs, rows.Err()
}

func (s *SQLiteStore) UpdateBugFields(ctx context.Context, id string, fields BugFields) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE bugs SET bugName=?, description=?, assignedTo=?, severity=?, priority=? WHERE id=?`,
		fields.Name, fields.Description, nullStr(fields.AssignedTo),
		string(fields.Severity), string(fields.Priority), id,
	)
	if err != nil {
		return fmt.Errorf("update bug: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("bug %s: %w", id, ErrNotFound)
	}
	return nil
}

// TransitionStatus is the single place the closing-date invariant is
// enforced: terminal statuses stamp closingDate, everything else clears it.
func (s *SQLiteStore) TransitionStatus(ctx context.Context, id string, status models.BugStatus) error {
	var result sql.Result
	var err error
	if status.Terminal() {
		result, err = s.db.ExecContext(ctx,
			`UPDATE bugs SET status=?, closingDate=? WHERE id=?`,
			string(status), time.Now().UTC(), id)
	} else {
		result, err = s.db.ExecContext(ctx,
			`UPDATE bugs SET status=?, closingDate=NULL WHERE id=?`,
			string(status), id)
	}
	if err != nil {
		return fmt.Errorf("transition status: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("bug %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) DeleteBug(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM bugs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete bug: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("bug %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Steps ---

func (s *SQLiteStore) ListSteps(ctx context.Context, bugID string) ([]*models.Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, bug_id, step_order, description FROM steps WHERE bug_id = ? ORDER BY step_order ASC`, bugID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var steps []*models.Step
	for rows.Next() {
		st := &models.Step{}
		if err := rows.Scan(&st.ID, &st.BugID, &st.Order, &st.Description); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

func (s *SQLiteStore) AddStep(ctx context.Context, bugID, description string) (*models.Step, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return nil, Validationf("step description must not be empty")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM bugs WHERE id = ?", bugID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check bug: %w", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("bug %s: %w", bugID, ErrNotFound)
	}

	// Next order = max existing + 1, or 0 if the bug has no steps yet.
	// Deletions may leave gaps; those are never reused.
	var order int
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(step_order) + 1, 0) FROM steps WHERE bug_id = ?", bugID).Scan(&order); err != nil {
		return nil, fmt.Errorf("next step order: %w", err)
	}

	st := &models.Step{
		ID:          newULID(),
		BugID:       bugID,
		Order:       order,
		Description: description,
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO steps (id, bug_id, step_order, description) VALUES (?, ?, ?, ?)",
		st.ID, st.BugID, st.Order, st.Description); err != nil {
		return nil, fmt.Errorf("insert step: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return st, nil
}

func (s *SQLiteStore) UpdateStep(ctx context.Context, stepID, description string) error {
	description = strings.TrimSpace(description)
	if description == "" {
		return Validationf("step description must not be empty")
	}

	result, err := s.db.ExecContext(ctx,
		"UPDATE steps SET description = ? WHERE id = ?", description, stepID)
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("step %s: %w", stepID, ErrNotFound)
	}
	return nil
}

// DeleteStep is idempotent: deleting an id that no longer exists is a no-op.
func (s *SQLiteStore) DeleteStep(ctx context.Context, stepID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM steps WHERE id = ?", stepID); err != nil {
		return fmt.Errorf("delete step: %w", err)
	}
	return nil
}

// ReorderSteps assigns step_order = position for each id in orderedIDs,
// atomically. Any id that does not belong to the bug aborts the whole
// transaction, leaving the step list untouched.
func (s *SQLiteStore) ReorderSteps(ctx context.Context, bugID string, orderedIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i, stepID := range orderedIDs {
		result, err := tx.ExecContext(ctx,
			"UPDATE steps SET step_order = ? WHERE id = ? AND bug_id = ?",
			i, stepID, bugID)
		if err != nil {
			return fmt.Errorf("reorder step %s: %w", stepID, err)
		}
		n, _ := result.RowsAffected()
		if n == 0 {
			return Validationf("step %s does not belong to bug %s", stepID, bugID)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// ReplaceAllSteps deletes every step of the bug and inserts the given
// descriptions in order starting at step_order 0, as one transaction.
func (s *SQLiteStore) ReplaceAllSteps(ctx context.Context, bugID string, descriptions []string) ([]*models.Step, error) {
	descriptions, err := trimStepDescriptions(descriptions)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM bugs WHERE id = ?", bugID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check bug: %w", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("bug %s: %w", bugID, ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM steps WHERE bug_id = ?", bugID); err != nil {
		return nil, fmt.Errorf("clear steps: %w", err)
	}

	steps, err := insertStepsTx(ctx, tx, bugID, descriptions)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return steps, nil
}

// trimStepDescriptions trims every description and rejects the payload if
// any entry is empty. Validation happens before any write.
func trimStepDescriptions(descriptions []string) ([]string, error) {
	trimmed := make([]string, len(descriptions))
	for i, d := range descriptions {
		d = strings.TrimSpace(d)
		if d == "" {
			return nil, Validationf("step %d: description must not be empty", i+1)
		}
		trimmed[i] = d
	}
	return trimmed, nil
}

// insertStepsTx inserts descriptions as steps 0..n-1 within tx.
func insertStepsTx(ctx context.Context, tx *sql.Tx, bugID string, descriptions []string) ([]*models.Step, error) {
	steps := make([]*models.Step, 0, len(descriptions))
	for i, d := range descriptions {
		st := &models.Step{
			ID:          newULID(),
			BugID:       bugID,
			Order:       i,
			Description: d,
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO steps (id, bug_id, step_order, description) VALUES (?, ?, ?, ?)",
			st.ID, st.BugID, st.Order, st.Description); err != nil {
			return nil, fmt.Errorf("insert step %d: %w", i, err)
		}
		steps = append(steps, st)
	}
	return steps, nil
}

// --- Compound operations ---

// CreateBugWithSteps inserts the bug and its initial steps as one
// transaction. A failure anywhere rolls back everything, so no orphan bug
// is ever observable.
func (s *SQLiteStore) CreateBugWithSteps(ctx context.Context, b *models.Bug, stepDescriptions []string) error {
	stepDescriptions, err := trimStepDescriptions(stepDescriptions)
	if err != nil {
		return err
	}
	prepareNewBug(b)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO bugs (id, bugName, description, createdBy, assignedTo, severity, priority, status, creationDate, closingDate)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		b.ID, b.Name, b.Description, b.CreatedBy, nullStr(b.AssignedTo),
		string(b.Severity), string(b.Priority), string(b.Status), b.CreatedAt); err != nil {
		return fmt.Errorf("create bug: %w", err)
	}

	if _, err := insertStepsTx(ctx, tx, b.ID, stepDescriptions); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// EditBugWithSteps atomically updates the bug's mutable fields and replaces
// its full step list. Status, creator, and both date columns are untouched.
func (s *SQLiteStore) EditBugWithSteps(ctx context.Context, id string, fields BugFields, stepDescriptions []string) error {
	stepDescriptions, err := trimStepDescriptions(stepDescriptions)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx,
		`UPDATE bugs SET bugName=?, description=?, assignedTo=?, severity=?, priority=? WHERE id=?`,
		fields.Name, fields.Description, nullStr(fields.AssignedTo),
		string(fields.Severity), string(fields.Priority), id)
	if err != nil {
		return fmt.Errorf("update bug: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("bug %s: %w", id, ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM steps WHERE bug_id = ?", id); err != nil {
		return fmt.Errorf("clear steps: %w", err)
	}
	if _, err := insertStepsTx(ctx, tx, id, stepDescriptions); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
