package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mattn/go-sqlite3"

	"github.com/xiaot623/gogo/tasker/internal/domain"
)

// Writes that hit a busy or locked database are retried for up to busyRetryWindow.
const busyRetryWindow = 5 * time.Second

// FileDSN returns the DSN for a file-backed store in WAL mode with a busy timeout.
func FileDSN(path string) string {
	return "file:" + path + "?mode=rwc&_busy_timeout=5000&_journal_mode=WAL"
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	// Shared-cache connections fail with SQLITE_LOCKED instead of waiting on
	// busy_timeout, so they are limited to one connection as well.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") || strings.Contains(dsn, "cache=shared") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS task_runs (
			task_run_id TEXT PRIMARY KEY,
			task_name TEXT NOT NULL,
			input TEXT,
			status TEXT NOT NULL,
			result TEXT,
			error TEXT,
			root_task_run_id TEXT NOT NULL,
			parent_task_run_id TEXT,
			parent_stack_run_id TEXT,
			waiting_on_stack_run_id TEXT,
			depth INTEGER NOT NULL DEFAULT 0,
			claim_token TEXT,
			lease_expires_at INTEGER,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_runs_status ON task_runs(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_task_runs_root ON task_runs(root_task_run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_task_runs_parent ON task_runs(parent_task_run_id)`,
		`CREATE TABLE IF NOT EXISTS stack_runs (
			stack_run_id TEXT PRIMARY KEY,
			task_run_id TEXT NOT NULL,
			parent_stack_run_id TEXT,
			service TEXT NOT NULL,
			method TEXT NOT NULL,
			args TEXT,
			label TEXT,
			status TEXT NOT NULL,
			result TEXT,
			error TEXT,
			waiting_on_stack_run_id TEXT,
			child_task_run_id TEXT,
			ordinal INTEGER NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			claim_token TEXT,
			lease_expires_at INTEGER,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			UNIQUE (task_run_id, ordinal),
			FOREIGN KEY (task_run_id) REFERENCES task_runs(task_run_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stack_runs_status ON stack_runs(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_stack_runs_child ON stack_runs(child_task_run_id)`,
		`CREATE TABLE IF NOT EXISTS call_results (
			task_run_id TEXT NOT NULL,
			ordinal INTEGER NOT NULL,
			label TEXT,
			service TEXT NOT NULL,
			method TEXT NOT NULL,
			args TEXT,
			result TEXT,
			error TEXT,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (task_run_id, ordinal),
			FOREIGN KEY (task_run_id) REFERENCES task_runs(task_run_id)
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			task_run_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			type TEXT NOT NULL,
			payload TEXT,
			FOREIGN KEY (task_run_id) REFERENCES task_runs(task_run_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_task_run ON events(task_run_id, ts)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	// Add new columns for existing DBs (SQLite has limited ALTER TABLE support).
	if err := s.ensureColumn("stack_runs", "label", "ALTER TABLE stack_runs ADD COLUMN label TEXT"); err != nil {
		return err
	}
	if err := s.ensureColumn("task_runs", "depth", "ALTER TABLE task_runs ADD COLUMN depth INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	return nil
}

func (s *SQLiteStore) ensureColumn(tableName, columnName, ddl string) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}

	found := false
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dfltValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			rows.Close()
			return err
		}
		if name == columnName {
			found = true
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	// Release the connection before the ALTER; in-memory stores only have one.
	rows.Close()
	if found {
		return nil
	}

	_, err = s.db.Exec(ddl)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const taskRunColumns = `task_run_id, task_name, input, status, result, error, root_task_run_id,
	parent_task_run_id, parent_stack_run_id, waiting_on_stack_run_id, depth, claim_token,
	lease_expires_at, created_at, updated_at`

const stackRunColumns = `stack_run_id, task_run_id, parent_stack_run_id, service, method, args, label,
	status, result, error, waiting_on_stack_run_id, child_task_run_id, ordinal, attempts,
	claim_token, lease_expires_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTaskRun(row rowScanner) (*domain.TaskRun, error) {
	var run domain.TaskRun
	var input, result, errData, parentTaskRunID, parentStackRunID, waitingOn, claimToken sql.NullString
	var lease sql.NullInt64
	if err := row.Scan(&run.TaskRunID, &run.TaskName, &input, &run.Status, &result, &errData,
		&run.RootTaskRunID, &parentTaskRunID, &parentStackRunID, &waitingOn, &run.Depth, &claimToken,
		&lease, &run.CreatedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}
	run.Input = rawOrNil(input)
	run.Result = rawOrNil(result)
	runErr, err := decodeRunError(errData)
	if err != nil {
		return nil, err
	}
	run.Error = runErr
	run.ParentTaskRunID = parentTaskRunID.String
	run.ParentStackRunID = parentStackRunID.String
	run.WaitingOnStackRunID = waitingOn.String
	run.ClaimToken = claimToken.String
	run.LeaseExpiresAt = leaseTime(lease)
	return &run, nil
}

func scanStackRun(row rowScanner) (*domain.StackRun, error) {
	var sr domain.StackRun
	var parentStackRunID, args, label, result, errData, waitingOn, childTaskRunID, claimToken sql.NullString
	var lease sql.NullInt64
	if err := row.Scan(&sr.StackRunID, &sr.TaskRunID, &parentStackRunID, &sr.Service, &sr.Method, &args, &label,
		&sr.Status, &result, &errData, &waitingOn, &childTaskRunID, &sr.Ordinal, &sr.Attempts,
		&claimToken, &lease, &sr.CreatedAt, &sr.UpdatedAt); err != nil {
		return nil, err
	}
	sr.ParentStackRunID = parentStackRunID.String
	sr.Args = rawOrNil(args)
	sr.Label = label.String
	sr.Result = rawOrNil(result)
	runErr, err := decodeRunError(errData)
	if err != nil {
		return nil, err
	}
	sr.Error = runErr
	sr.WaitingOnStackRunID = waitingOn.String
	sr.ChildTaskRunID = childTaskRunID.String
	sr.ClaimToken = claimToken.String
	sr.LeaseExpiresAt = leaseTime(lease)
	return &sr, nil
}

// CreateTaskRun creates a new task run.
func (s *SQLiteStore) CreateTaskRun(ctx context.Context, run *domain.TaskRun) error {
	if run.RootTaskRunID == "" {
		run.RootTaskRunID = run.TaskRunID
	}
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = run.CreatedAt
	}
	_, err := s.exec(ctx,
		`INSERT INTO task_runs (`+taskRunColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.TaskRunID, run.TaskName, nullStringBytes(run.Input), run.Status, nullStringBytes(run.Result), encodeRunError(run.Error),
		run.RootTaskRunID, nullString(run.ParentTaskRunID), nullString(run.ParentStackRunID), nullString(run.WaitingOnStackRunID),
		run.Depth, nullString(run.ClaimToken), nullLease(run.LeaseExpiresAt), run.CreatedAt.UTC(), run.UpdatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return err
	}
	return nil
}

// GetTaskRun retrieves a task run by ID.
func (s *SQLiteStore) GetTaskRun(ctx context.Context, taskRunID string) (*domain.TaskRun, error) {
	run, err := scanTaskRun(s.db.QueryRowContext(ctx,
		`SELECT `+taskRunColumns+` FROM task_runs WHERE task_run_id = ?`, taskRunID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListChildTaskRuns lists the task runs created as nested calls of parentTaskRunID.
func (s *SQLiteStore) ListChildTaskRuns(ctx context.Context, parentTaskRunID string) ([]domain.TaskRun, error) {
	return s.queryTaskRuns(ctx,
		`SELECT `+taskRunColumns+` FROM task_runs WHERE parent_task_run_id = ? ORDER BY created_at ASC`,
		parentTaskRunID)
}

// ListQueuedTaskRuns lists task runs waiting for their first invocation, oldest first.
func (s *SQLiteStore) ListQueuedTaskRuns(ctx context.Context, limit int) ([]domain.TaskRun, error) {
	return s.queryTaskRuns(ctx,
		`SELECT `+taskRunColumns+` FROM task_runs WHERE status = ? ORDER BY created_at ASC LIMIT ?`,
		domain.TaskRunStatusQueued, limit)
}

// ClaimTaskRun moves a task run from `from` to processing under a new claim token.
func (s *SQLiteStore) ClaimTaskRun(ctx context.Context, taskRunID string, from domain.TaskRunStatus, token string, lease time.Time) (bool, error) {
	if from != domain.TaskRunStatusQueued && from != domain.TaskRunStatusSuspended {
		return false, fmt.Errorf("cannot claim task run from status %s", from)
	}
	return s.execConditional(ctx,
		`UPDATE task_runs SET status = ?, claim_token = ?, lease_expires_at = ?, waiting_on_stack_run_id = NULL, updated_at = ?
		 WHERE task_run_id = ? AND status = ?`,
		domain.TaskRunStatusProcessing, token, lease.UnixMilli(), time.Now().UTC(), taskRunID, from)
}

// ResumeTaskRun moves a task run suspended on stackRunID back to processing.
func (s *SQLiteStore) ResumeTaskRun(ctx context.Context, taskRunID, stackRunID, token string, lease time.Time) (bool, error) {
	return s.execConditional(ctx,
		`UPDATE task_runs SET status = ?, claim_token = ?, lease_expires_at = ?, waiting_on_stack_run_id = NULL, updated_at = ?
		 WHERE task_run_id = ? AND status = ? AND waiting_on_stack_run_id = ?`,
		domain.TaskRunStatusProcessing, token, lease.UnixMilli(), time.Now().UTC(),
		taskRunID, domain.TaskRunStatusSuspended, stackRunID)
}

// SuspendTaskRun parks a processing task run on its outstanding stack run and releases the claim.
func (s *SQLiteStore) SuspendTaskRun(ctx context.Context, taskRunID, token, stackRunID string) (bool, error) {
	return s.execConditional(ctx,
		`UPDATE task_runs SET status = ?, waiting_on_stack_run_id = ?, claim_token = NULL, lease_expires_at = NULL, updated_at = ?
		 WHERE task_run_id = ? AND status = ? AND claim_token = ?`,
		domain.TaskRunStatusSuspended, stackRunID, time.Now().UTC(),
		taskRunID, domain.TaskRunStatusProcessing, token)
}

// CompleteTaskRun records the final result of a processing task run.
func (s *SQLiteStore) CompleteTaskRun(ctx context.Context, taskRunID, token string, result []byte) (bool, error) {
	return s.execConditional(ctx,
		`UPDATE task_runs SET status = ?, result = ?, claim_token = NULL, lease_expires_at = NULL, updated_at = ?
		 WHERE task_run_id = ? AND status = ? AND claim_token = ?`,
		domain.TaskRunStatusCompleted, nullStringBytes(result), time.Now().UTC(),
		taskRunID, domain.TaskRunStatusProcessing, token)
}

// FailTaskRun records the error of a processing task run.
func (s *SQLiteStore) FailTaskRun(ctx context.Context, taskRunID, token string, runErr *domain.RunError) (bool, error) {
	return s.execConditional(ctx,
		`UPDATE task_runs SET status = ?, error = ?, claim_token = NULL, lease_expires_at = NULL, updated_at = ?
		 WHERE task_run_id = ? AND status = ? AND claim_token = ?`,
		domain.TaskRunStatusFailed, encodeRunError(runErr), time.Now().UTC(),
		taskRunID, domain.TaskRunStatusProcessing, token)
}

// CancelTaskRun cancels a task run in any non-terminal state.
func (s *SQLiteStore) CancelTaskRun(ctx context.Context, taskRunID string, runErr *domain.RunError) (bool, error) {
	return s.execConditional(ctx,
		`UPDATE task_runs SET status = ?, error = ?, claim_token = NULL, lease_expires_at = NULL, updated_at = ?
		 WHERE task_run_id = ? AND status IN (?, ?, ?)`,
		domain.TaskRunStatusCancelled, encodeRunError(runErr), time.Now().UTC(), taskRunID,
		domain.TaskRunStatusQueued, domain.TaskRunStatusProcessing, domain.TaskRunStatusSuspended)
}

// ReclaimExpiredTaskRuns returns processing task runs whose lease has expired to queued.
func (s *SQLiteStore) ReclaimExpiredTaskRuns(ctx context.Context, now time.Time, limit int) ([]domain.TaskRun, error) {
	candidates, err := s.queryTaskRuns(ctx,
		`SELECT `+taskRunColumns+` FROM task_runs
		 WHERE status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?
		 ORDER BY lease_expires_at ASC LIMIT ?`,
		domain.TaskRunStatusProcessing, now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}

	var reclaimed []domain.TaskRun
	for _, run := range candidates {
		ok, err := s.execConditional(ctx,
			`UPDATE task_runs SET status = ?, claim_token = NULL, lease_expires_at = NULL, updated_at = ?
			 WHERE task_run_id = ? AND status = ? AND claim_token = ? AND lease_expires_at < ?`,
			domain.TaskRunStatusQueued, time.Now().UTC(),
			run.TaskRunID, domain.TaskRunStatusProcessing, run.ClaimToken, now.UnixMilli())
		if err != nil {
			return reclaimed, err
		}
		if ok {
			run.Status = domain.TaskRunStatusQueued
			run.ClaimToken = ""
			run.LeaseExpiresAt = nil
			reclaimed = append(reclaimed, run)
		}
	}
	return reclaimed, nil
}

// ListStalledTaskRuns lists suspended task runs whose awaited stack run already resolved
// before olderThan, i.e. runs whose wake-up was lost.
func (s *SQLiteStore) ListStalledTaskRuns(ctx context.Context, olderThan time.Time, limit int) ([]domain.TaskRun, error) {
	return s.queryTaskRuns(ctx,
		`SELECT `+prefixColumns("t", taskRunColumns)+` FROM task_runs t
		 JOIN stack_runs s ON s.stack_run_id = t.waiting_on_stack_run_id
		 WHERE t.status = ? AND s.status IN (?, ?) AND s.updated_at < ?
		 ORDER BY s.updated_at ASC LIMIT ?`,
		domain.TaskRunStatusSuspended, domain.StackRunStatusCompleted, domain.StackRunStatusFailed,
		olderThan.UTC(), limit)
}

func (s *SQLiteStore) queryTaskRuns(ctx context.Context, query string, args ...interface{}) ([]domain.TaskRun, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.TaskRun
	for rows.Next() {
		run, err := scanTaskRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// CreateStackRun inserts a pending stack run on behalf of its owning task run. The
// insert only happens while the owner is processing under ownerToken. A stack run
// already recorded at the same ordinal is returned unchanged.
func (s *SQLiteStore) CreateStackRun(ctx context.Context, sr *domain.StackRun, ownerToken string) (*domain.StackRun, error) {
	now := time.Now().UTC()
	if sr.CreatedAt.IsZero() {
		sr.CreatedAt = now
	}
	sr.UpdatedAt = sr.CreatedAt
	if sr.Status == "" {
		sr.Status = domain.StackRunStatusPending
	}

	inserted, err := s.execConditional(ctx,
		`INSERT OR IGNORE INTO stack_runs (`+stackRunColumns+`)
		 SELECT ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, NULL, ?, ?, 0, NULL, NULL, ?, ?
		 WHERE EXISTS (SELECT 1 FROM task_runs WHERE task_run_id = ? AND status = ? AND claim_token = ?)`,
		sr.StackRunID, sr.TaskRunID, nullString(sr.ParentStackRunID), sr.Service, sr.Method, nullStringBytes(sr.Args),
		nullString(sr.Label), sr.Status, nullString(sr.ChildTaskRunID), sr.Ordinal, sr.CreatedAt.UTC(), sr.UpdatedAt.UTC(),
		sr.TaskRunID, domain.TaskRunStatusProcessing, ownerToken)
	if err != nil {
		return nil, err
	}
	if inserted {
		return s.GetStackRun(ctx, sr.StackRunID)
	}

	existing, err := s.GetStackRunByOrdinal(ctx, sr.TaskRunID, sr.Ordinal)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, err
	}
	return existing, nil
}

// GetStackRun retrieves a stack run by ID.
func (s *SQLiteStore) GetStackRun(ctx context.Context, stackRunID string) (*domain.StackRun, error) {
	sr, err := scanStackRun(s.db.QueryRowContext(ctx,
		`SELECT `+stackRunColumns+` FROM stack_runs WHERE stack_run_id = ?`, stackRunID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return sr, nil
}

// GetStackRunByOrdinal retrieves the stack run a task run created for its ordinal-th call.
func (s *SQLiteStore) GetStackRunByOrdinal(ctx context.Context, taskRunID string, ordinal int) (*domain.StackRun, error) {
	sr, err := scanStackRun(s.db.QueryRowContext(ctx,
		`SELECT `+stackRunColumns+` FROM stack_runs WHERE task_run_id = ? AND ordinal = ?`, taskRunID, ordinal))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return sr, nil
}

// ListStackRuns lists the stack runs of a task run in call order.
func (s *SQLiteStore) ListStackRuns(ctx context.Context, taskRunID string) ([]domain.StackRun, error) {
	return s.queryStackRuns(ctx,
		`SELECT `+stackRunColumns+` FROM stack_runs WHERE task_run_id = ? ORDER BY ordinal ASC`, taskRunID)
}

// ListPendingStackRuns lists stack runs waiting for a worker, oldest first.
func (s *SQLiteStore) ListPendingStackRuns(ctx context.Context, limit int) ([]domain.StackRun, error) {
	return s.queryStackRuns(ctx,
		`SELECT `+stackRunColumns+` FROM stack_runs WHERE status = ? ORDER BY created_at ASC LIMIT ?`,
		domain.StackRunStatusPending, limit)
}

// ClaimStackRun moves a pending stack run to processing. Exactly one concurrent
// caller wins; the others get ErrAlreadyClaimed.
func (s *SQLiteStore) ClaimStackRun(ctx context.Context, stackRunID, token string, lease time.Time) (*domain.StackRun, error) {
	ok, err := s.execConditional(ctx,
		`UPDATE stack_runs SET status = ?, claim_token = ?, lease_expires_at = ?, updated_at = ?
		 WHERE stack_run_id = ? AND status = ?`,
		domain.StackRunStatusProcessing, token, lease.UnixMilli(), time.Now().UTC(),
		stackRunID, domain.StackRunStatusPending)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAlreadyClaimed
	}
	return s.GetStackRun(ctx, stackRunID)
}

// RecordStackRunAttempt counts a dispatch attempt and refreshes the lease. It
// returns the attempt number, or ErrConflict if the claim was lost.
func (s *SQLiteStore) RecordStackRunAttempt(ctx context.Context, stackRunID, token string, lease time.Time) (int, error) {
	ok, err := s.execConditional(ctx,
		`UPDATE stack_runs SET attempts = attempts + 1, lease_expires_at = ?, updated_at = ?
		 WHERE stack_run_id = ? AND status = ? AND claim_token = ?`,
		lease.UnixMilli(), time.Now().UTC(), stackRunID, domain.StackRunStatusProcessing, token)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrConflict
	}
	var attempts int
	if err := s.db.QueryRowContext(ctx,
		`SELECT attempts FROM stack_runs WHERE stack_run_id = ?`, stackRunID).Scan(&attempts); err != nil {
		return 0, err
	}
	return attempts, nil
}

// ExtendStackRunLease pushes out the lease of a claimed stack run.
func (s *SQLiteStore) ExtendStackRunLease(ctx context.Context, stackRunID, token string, lease time.Time) (bool, error) {
	return s.execConditional(ctx,
		`UPDATE stack_runs SET lease_expires_at = ?, updated_at = ?
		 WHERE stack_run_id = ? AND status = ? AND claim_token = ?`,
		lease.UnixMilli(), time.Now().UTC(), stackRunID, domain.StackRunStatusProcessing, token)
}

// CompleteStackRun records the result of a claimed stack run.
func (s *SQLiteStore) CompleteStackRun(ctx context.Context, stackRunID, token string, result []byte) (bool, error) {
	return s.execConditional(ctx,
		`UPDATE stack_runs SET status = ?, result = ?, claim_token = NULL, lease_expires_at = NULL, updated_at = ?
		 WHERE stack_run_id = ? AND status = ? AND claim_token = ?`,
		domain.StackRunStatusCompleted, nullStringBytes(result), time.Now().UTC(),
		stackRunID, domain.StackRunStatusProcessing, token)
}

// FailStackRun records the error of a claimed stack run.
func (s *SQLiteStore) FailStackRun(ctx context.Context, stackRunID, token string, runErr *domain.RunError) (bool, error) {
	return s.execConditional(ctx,
		`UPDATE stack_runs SET status = ?, error = ?, claim_token = NULL, lease_expires_at = NULL, updated_at = ?
		 WHERE stack_run_id = ? AND status = ? AND claim_token = ?`,
		domain.StackRunStatusFailed, encodeRunError(runErr), time.Now().UTC(),
		stackRunID, domain.StackRunStatusProcessing, token)
}

// SuspendStackRunOnChild parks a nested-task stack run until its child task run finishes.
func (s *SQLiteStore) SuspendStackRunOnChild(ctx context.Context, stackRunID, token, childTaskRunID, childStackRunID string) (bool, error) {
	return s.execConditional(ctx,
		`UPDATE stack_runs SET status = ?, child_task_run_id = ?, waiting_on_stack_run_id = ?,
		 claim_token = NULL, lease_expires_at = NULL, updated_at = ?
		 WHERE stack_run_id = ? AND status = ? AND claim_token = ?`,
		domain.StackRunStatusSuspendedWaitingChild, childTaskRunID, nullString(childStackRunID), time.Now().UTC(),
		stackRunID, domain.StackRunStatusProcessing, token)
}

// SetStackRunWaitingOn records which of the child's stack runs the parent is transitively waiting on.
func (s *SQLiteStore) SetStackRunWaitingOn(ctx context.Context, stackRunID, childStackRunID string) (bool, error) {
	return s.execConditional(ctx,
		`UPDATE stack_runs SET waiting_on_stack_run_id = ?, updated_at = ?
		 WHERE stack_run_id = ? AND status = ?`,
		nullString(childStackRunID), time.Now().UTC(), stackRunID, domain.StackRunStatusSuspendedWaitingChild)
}

// ResolveWaitingStackRun finishes a stack run that was waiting on childTaskRunID.
func (s *SQLiteStore) ResolveWaitingStackRun(ctx context.Context, stackRunID, childTaskRunID string, status domain.StackRunStatus, result []byte, runErr *domain.RunError) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("cannot resolve stack run to status %s", status)
	}
	return s.execConditional(ctx,
		`UPDATE stack_runs SET status = ?, result = ?, error = ?, waiting_on_stack_run_id = NULL, updated_at = ?
		 WHERE stack_run_id = ? AND status = ? AND child_task_run_id = ?`,
		status, nullStringBytes(result), encodeRunError(runErr), time.Now().UTC(),
		stackRunID, domain.StackRunStatusSuspendedWaitingChild, childTaskRunID)
}

// ReclaimExpiredStackRuns returns processing stack runs whose lease expired to pending
// and clears their claim token, so a late completion by the old worker is rejected.
func (s *SQLiteStore) ReclaimExpiredStackRuns(ctx context.Context, now time.Time, limit int) ([]domain.StackRun, error) {
	candidates, err := s.queryStackRuns(ctx,
		`SELECT `+stackRunColumns+` FROM stack_runs
		 WHERE status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?
		 ORDER BY lease_expires_at ASC LIMIT ?`,
		domain.StackRunStatusProcessing, now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}

	var reclaimed []domain.StackRun
	for _, sr := range candidates {
		ok, err := s.execConditional(ctx,
			`UPDATE stack_runs SET status = ?, claim_token = NULL, lease_expires_at = NULL, updated_at = ?
			 WHERE stack_run_id = ? AND status = ? AND claim_token = ? AND lease_expires_at < ?`,
			domain.StackRunStatusPending, time.Now().UTC(),
			sr.StackRunID, domain.StackRunStatusProcessing, sr.ClaimToken, now.UnixMilli())
		if err != nil {
			return reclaimed, err
		}
		if ok {
			sr.Status = domain.StackRunStatusPending
			sr.ClaimToken = ""
			sr.LeaseExpiresAt = nil
			reclaimed = append(reclaimed, sr)
		}
	}
	return reclaimed, nil
}

// ListStalledStackRuns lists stack runs still waiting on a child task run that
// finished before olderThan.
func (s *SQLiteStore) ListStalledStackRuns(ctx context.Context, olderThan time.Time, limit int) ([]domain.StackRun, error) {
	return s.queryStackRuns(ctx,
		`SELECT `+prefixColumns("s", stackRunColumns)+` FROM stack_runs s
		 JOIN task_runs c ON c.task_run_id = s.child_task_run_id
		 WHERE s.status = ? AND c.status IN (?, ?, ?) AND c.updated_at < ?
		 ORDER BY c.updated_at ASC LIMIT ?`,
		domain.StackRunStatusSuspendedWaitingChild,
		domain.TaskRunStatusCompleted, domain.TaskRunStatusFailed, domain.TaskRunStatusCancelled,
		olderThan.UTC(), limit)
}

func (s *SQLiteStore) queryStackRuns(ctx context.Context, query string, args ...interface{}) ([]domain.StackRun, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.StackRun
	for rows.Next() {
		sr, err := scanStackRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sr)
	}
	return out, rows.Err()
}

// AppendCallResult appends an entry to a task run's replay log. Appending the
// same call again is a no-op; appending a different call at a used ordinal is a conflict.
func (s *SQLiteStore) AppendCallResult(ctx context.Context, cr *domain.CallResult) error {
	if cr.CreatedAt.IsZero() {
		cr.CreatedAt = time.Now().UTC()
	}
	inserted, err := s.execConditional(ctx,
		`INSERT OR IGNORE INTO call_results (task_run_id, ordinal, label, service, method, args, result, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cr.TaskRunID, cr.Ordinal, nullString(cr.Label), cr.Service, cr.Method, nullStringBytes(cr.Args),
		nullStringBytes(cr.Result), encodeRunError(cr.Error), cr.CreatedAt.UTC())
	if err != nil {
		return err
	}
	if inserted {
		return nil
	}

	var label, service, method, args sql.NullString
	err = s.db.QueryRowContext(ctx,
		`SELECT label, service, method, args FROM call_results WHERE task_run_id = ? AND ordinal = ?`,
		cr.TaskRunID, cr.Ordinal).Scan(&label, &service, &method, &args)
	if err != nil {
		return err
	}
	existing := domain.CallDescriptor{Service: service.String, Method: method.String, Args: rawOrNil(args)}
	if label.String != cr.Label || !existing.Equal(cr.Descriptor()) {
		return fmt.Errorf("call result %s/%d: %w", cr.TaskRunID, cr.Ordinal, ErrConflict)
	}
	return nil
}

// LoadCallCache returns a task run's replay log in ordinal order.
func (s *SQLiteStore) LoadCallCache(ctx context.Context, taskRunID string) ([]domain.CallResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_run_id, ordinal, label, service, method, args, result, error, created_at
		 FROM call_results WHERE task_run_id = ? ORDER BY ordinal ASC`, taskRunID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.CallResult
	for rows.Next() {
		var cr domain.CallResult
		var label, args, result, errData sql.NullString
		if err := rows.Scan(&cr.TaskRunID, &cr.Ordinal, &label, &cr.Service, &cr.Method, &args, &result, &errData, &cr.CreatedAt); err != nil {
			return nil, err
		}
		cr.Label = label.String
		cr.Args = rawOrNil(args)
		cr.Result = rawOrNil(result)
		if cr.Error, err = decodeRunError(errData); err != nil {
			return nil, err
		}
		out = append(out, cr)
	}
	return out, rows.Err()
}

// CreateEvent creates a new event.
func (s *SQLiteStore) CreateEvent(ctx context.Context, event *domain.Event) error {
	payload := ""
	if event.Payload != nil {
		payload = string(event.Payload)
	}
	_, err := s.exec(ctx,
		`INSERT INTO events (event_id, task_run_id, ts, type, payload) VALUES (?, ?, ?, ?, ?)`,
		event.EventID, event.TaskRunID, event.Ts, event.Type, payload)
	return err
}

// GetEvents retrieves events for a task run.
func (s *SQLiteStore) GetEvents(ctx context.Context, taskRunID string, afterTs int64, types []string, limit int) ([]domain.Event, error) {
	query := `SELECT event_id, task_run_id, ts, type, payload FROM events WHERE task_run_id = ?`
	args := []interface{}{taskRunID}

	if afterTs > 0 {
		query += ` AND ts > ?`
		args = append(args, afterTs)
	}

	if len(types) > 0 {
		placeholders := make([]string, len(types))
		for i, t := range types {
			placeholders[i] = "?"
			args = append(args, t)
		}
		query += fmt.Sprintf(" AND type IN (%s)", strings.Join(placeholders, ","))
	}

	query += ` ORDER BY ts ASC, rowid ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var event domain.Event
		var payload sql.NullString
		if err := rows.Scan(&event.EventID, &event.TaskRunID, &event.Ts, &event.Type, &payload); err != nil {
			return nil, err
		}
		if payload.Valid && payload.String != "" {
			event.Payload = json.RawMessage(payload.String)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// DeleteTerminalTaskRunsBefore removes whole task run trees whose root finished
// before cutoff and whose runs are all terminal. It returns the number of trees removed.
func (s *SQLiteStore) DeleteTerminalTaskRunsBefore(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.task_run_id FROM task_runs r
		 WHERE r.task_run_id = r.root_task_run_id
		   AND r.status IN (?, ?, ?)
		   AND r.updated_at < ?
		   AND NOT EXISTS (
		     SELECT 1 FROM task_runs c
		     WHERE c.root_task_run_id = r.task_run_id AND c.status NOT IN (?, ?, ?)
		   )
		 ORDER BY r.updated_at ASC LIMIT ?`,
		domain.TaskRunStatusCompleted, domain.TaskRunStatusFailed, domain.TaskRunStatusCancelled,
		cutoff.UTC(),
		domain.TaskRunStatusCompleted, domain.TaskRunStatusFailed, domain.TaskRunStatusCancelled,
		limit)
	if err != nil {
		return 0, err
	}
	var roots []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		roots = append(roots, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	deleted := 0
	for _, root := range roots {
		_, err := retryBusy(ctx, func() (struct{}, error) {
			return struct{}{}, s.deleteTree(ctx, root)
		})
		if err != nil {
			return deleted, fmt.Errorf("delete task run tree %s: %w", root, err)
		}
		deleted++
	}
	return deleted, nil
}

func (s *SQLiteStore) deleteTree(ctx context.Context, rootTaskRunID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	const tree = `SELECT task_run_id FROM task_runs WHERE root_task_run_id = ?`
	statements := []string{
		`DELETE FROM events WHERE task_run_id IN (` + tree + `)`,
		`DELETE FROM call_results WHERE task_run_id IN (` + tree + `)`,
		`DELETE FROM stack_runs WHERE task_run_id IN (` + tree + `)`,
		`DELETE FROM task_runs WHERE root_task_run_id = ?`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt, rootTaskRunID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) execConditional(ctx context.Context, query string, args ...interface{}) (bool, error) {
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *SQLiteStore) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return retryBusy(ctx, func() (sql.Result, error) {
		return s.db.ExecContext(ctx, query, args...)
	})
}

// retryBusy runs op again with exponential backoff while SQLite reports the
// database busy or locked. Any other error is returned at once.
func retryBusy[T any](ctx context.Context, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !isBusy(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(busyRetryWindow))
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
}

func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func encodeRunError(runErr *domain.RunError) sql.NullString {
	if runErr == nil {
		return sql.NullString{}
	}
	data, err := json.Marshal(runErr)
	if err != nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(data), Valid: true}
}

func decodeRunError(s sql.NullString) (*domain.RunError, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var runErr domain.RunError
	if err := json.Unmarshal([]byte(s.String), &runErr); err != nil {
		return nil, fmt.Errorf("decode run error: %w", err)
	}
	return &runErr, nil
}

func rawOrNil(s sql.NullString) json.RawMessage {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.RawMessage(s.String)
}

func leaseTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func nullLease(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
