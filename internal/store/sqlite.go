// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite.
// ABOUTME: Provides worker/task/code persistence with automatic schema creation.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS workers (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			name TEXT NOT NULL,
			device_info TEXT,
			capabilities TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL DEFAULT 'offline',
			last_seen TEXT,
			last_heartbeat TEXT,
			current_task_id TEXT,
			completed_count INTEGER NOT NULL DEFAULT 0,
			avg_duration_ms INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_workers_tenant
			ON workers(tenant_id);

		CREATE INDEX IF NOT EXISTS idx_workers_tenant_status
			ON workers(tenant_id, status);

		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			description TEXT NOT NULL,
			required_tags TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL DEFAULT 'pending',
			priority TEXT NOT NULL DEFAULT 'normal',
			assigned_worker_id TEXT,
			result TEXT,
			error TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			assigned_at TEXT,
			started_at TEXT,
			finished_at TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_tenant_status
			ON tasks(tenant_id, status);

		CREATE INDEX IF NOT EXISTS idx_tasks_status
			ON tasks(status);

		CREATE TABLE IF NOT EXISTS connection_codes (
			code TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			max_uses INTEGER NOT NULL,
			used_count INTEGER NOT NULL DEFAULT 0,
			expires_at TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS credentials (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(tenant_id, key)
		);

		CREATE TABLE IF NOT EXISTS usage_events (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			worker_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			duration_ms INTEGER NOT NULL,
			success INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_usage_events_tenant
			ON usage_events(tenant_id, created_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// CreateWorker inserts a new worker row.
func (s *SQLiteStore) CreateWorker(ctx context.Context, w *Worker) error {
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	if w.Status == "" {
		w.Status = WorkerOffline
	}

	caps, err := json.Marshal(w.Capabilities)
	if err != nil {
		return fmt.Errorf("encoding capabilities: %w", err)
	}

	query := `
		INSERT INTO workers (id, tenant_id, name, device_info, capabilities, status,
			last_seen, last_heartbeat, current_task_id, completed_count, avg_duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		w.ID,
		w.TenantID,
		w.Name,
		nullString(w.DeviceInfo),
		string(caps),
		string(w.Status),
		nullTime(w.LastSeen),
		nullTime(w.LastHeartbeat),
		nullStringPtr(w.CurrentTaskID),
		w.CompletedCount,
		w.AvgDurationMS,
		w.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting worker: %w", err)
	}

	s.logger.Debug("created worker", "id", w.ID, "tenant_id", w.TenantID, "name", w.Name)
	return nil
}

// GetWorker retrieves a worker by ID. Returns ErrNotFound if missing.
func (s *SQLiteStore) GetWorker(ctx context.Context, id string) (*Worker, error) {
	row := s.db.QueryRowContext(ctx, workerSelect+` WHERE id = ?`, id)
	return scanWorker(row)
}

// ListWorkers returns all workers for a tenant ordered by creation time.
func (s *SQLiteStore) ListWorkers(ctx context.Context, tenantID string) ([]*Worker, error) {
	rows, err := s.db.QueryContext(ctx, workerSelect+` WHERE tenant_id = ? ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("querying workers: %w", err)
	}
	defer rows.Close()
	return scanWorkers(rows)
}

// ListWorkersByStatus returns a tenant's workers in the given status,
// ordered for scheduling: fewest completed tasks first, then most idle.
func (s *SQLiteStore) ListWorkersByStatus(ctx context.Context, tenantID string, status WorkerStatus) ([]*Worker, error) {
	rows, err := s.db.QueryContext(ctx,
		workerSelect+` WHERE tenant_id = ? AND status = ? ORDER BY completed_count ASC, last_seen ASC`,
		tenantID, string(status))
	if err != nil {
		return nil, fmt.Errorf("querying workers by status: %w", err)
	}
	defer rows.Close()
	return scanWorkers(rows)
}

// UpdateWorkerStatus sets a worker's status and current task reference.
func (s *SQLiteStore) UpdateWorkerStatus(ctx context.Context, id string, status WorkerStatus, currentTaskID *string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE workers SET status = ?, current_task_id = ?, last_seen = ? WHERE id = ?`,
		string(status), nullStringPtr(currentTaskID), time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("updating worker status: %w", err)
	}
	return requireRow(result)
}

// TouchWorkerHeartbeat updates the last-seen and last-heartbeat timestamps.
func (s *SQLiteStore) TouchWorkerHeartbeat(ctx context.Context, id string, at time.Time) error {
	ts := at.UTC().Format(time.RFC3339)
	result, err := s.db.ExecContext(ctx,
		`UPDATE workers SET last_heartbeat = ?, last_seen = ? WHERE id = ?`, ts, ts, id)
	if err != nil {
		return fmt.Errorf("updating worker heartbeat: %w", err)
	}
	return requireRow(result)
}

// RecordWorkerCompletion increments the completed-task counter and folds the
// execution duration into the rolling average, in a single statement.
func (s *SQLiteStore) RecordWorkerCompletion(ctx context.Context, id string, duration time.Duration) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE workers
		SET avg_duration_ms = (avg_duration_ms * completed_count + ?) / (completed_count + 1),
		    completed_count = completed_count + 1,
		    last_seen = ?
		WHERE id = ?
	`, duration.Milliseconds(), time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("recording worker completion: %w", err)
	}
	return requireRow(result)
}

// CreateTask inserts a new task row.
func (s *SQLiteStore) CreateTask(ctx context.Context, t *Task) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.Status == "" {
		t.Status = TaskPending
	}
	if t.Priority == "" {
		t.Priority = PriorityNormal
	}

	tags, err := json.Marshal(t.RequiredTags)
	if err != nil {
		return fmt.Errorf("encoding required tags: %w", err)
	}

	query := `
		INSERT INTO tasks (id, tenant_id, description, required_tags, status, priority,
			assigned_worker_id, result, error, retry_count, max_retries,
			created_at, assigned_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		t.ID,
		t.TenantID,
		t.Description,
		string(tags),
		string(t.Status),
		string(t.Priority),
		nullStringPtr(t.AssignedWorkerID),
		nullString(t.Result),
		nullString(t.Error),
		t.RetryCount,
		t.MaxRetries,
		t.CreatedAt.Format(time.RFC3339),
		nullTimePtr(t.AssignedAt),
		nullTimePtr(t.StartedAt),
		nullTimePtr(t.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}

	s.logger.Debug("created task", "id", t.ID, "tenant_id", t.TenantID, "priority", t.Priority)
	return nil
}

// GetTask retrieves a task by ID. Returns ErrNotFound if missing.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelect+` WHERE id = ?`, id)
	return scanTask(row)
}

// ListTasks returns a tenant's tasks, optionally filtered by status,
// newest first. A limit of 0 means no limit.
func (s *SQLiteStore) ListTasks(ctx context.Context, tenantID string, status TaskStatus, limit int) ([]*Task, error) {
	query := taskSelect + ` WHERE tenant_id = ?`
	args := []any{tenantID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ListPendingTasks returns every pending task across all tenants in
// creation order. Used to rebuild the in-memory queues at process start.
func (s *SQLiteStore) ListPendingTasks(ctx context.Context) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx,
		taskSelect+` WHERE status = 'pending' ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying pending tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ListQueuedTasks returns a tenant's pending tasks in dispatch order:
// priority band first, oldest first within a band.
func (s *SQLiteStore) ListQueuedTasks(ctx context.Context, tenantID string, limit int) ([]*Task, error) {
	query := taskSelect + ` WHERE tenant_id = ? AND status = 'pending'
		ORDER BY CASE priority
			WHEN 'urgent' THEN 0
			WHEN 'high' THEN 1
			WHEN 'low' THEN 3
			ELSE 2
		END, created_at ASC`
	args := []any{tenantID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying queued tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ClaimTask atomically flips a task from pending to assigned for the given
// worker. Returns ErrClaimConflict if the task is no longer pending.
func (s *SQLiteStore) ClaimTask(ctx context.Context, taskID, workerID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'assigned', assigned_worker_id = ?, assigned_at = ?
		WHERE id = ? AND status = 'pending'
	`, workerID, time.Now().UTC().Format(time.RFC3339), taskID)
	if err != nil {
		return fmt.Errorf("claiming task: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim rows affected: %w", err)
	}
	if n == 0 {
		return ErrClaimConflict
	}
	return nil
}

// MarkTaskRunning flips an assigned task to running and stamps started_at.
// A task already running keeps its original start time.
func (s *SQLiteStore) MarkTaskRunning(ctx context.Context, taskID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'running', started_at = ?
		WHERE id = ? AND status = 'assigned'
	`, time.Now().UTC().Format(time.RFC3339), taskID)
	if err != nil {
		return fmt.Errorf("marking task running: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark running rows affected: %w", err)
	}
	if n == 0 {
		return s.taskUpdateMiss(ctx, taskID)
	}
	return nil
}

// FinishTask moves an assigned or running task to a terminal status.
// Returns ErrTaskTerminal if the task already reached a terminal status,
// which callers use for duplicate-result idempotence.
func (s *SQLiteStore) FinishTask(ctx context.Context, taskID string, status TaskStatus, result, errMsg string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finish requires a terminal status, got %q", status)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, result = ?, error = ?, finished_at = ?
		WHERE id = ? AND status IN ('assigned', 'running')
	`, string(status), nullString(result), nullString(errMsg),
		time.Now().UTC().Format(time.RFC3339), taskID)
	if err != nil {
		return fmt.Errorf("finishing task: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish rows affected: %w", err)
	}
	if n == 0 {
		return s.taskUpdateMiss(ctx, taskID)
	}
	return nil
}

// RequeueTask returns an in-flight task to pending with an incremented
// retry counter, clearing the assignment. The failure reason is recorded
// so operators can see why the previous attempt ended.
func (s *SQLiteStore) RequeueTask(ctx context.Context, taskID, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'pending', assigned_worker_id = NULL, assigned_at = NULL,
		    started_at = NULL, error = ?, retry_count = retry_count + 1
		WHERE id = ? AND status IN ('assigned', 'running')
	`, nullString(reason), taskID)
	if err != nil {
		return fmt.Errorf("requeueing task: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("requeue rows affected: %w", err)
	}
	if n == 0 {
		return s.taskUpdateMiss(ctx, taskID)
	}
	return nil
}

// CancelTask moves a pending or assigned task to cancelled.
func (s *SQLiteStore) CancelTask(ctx context.Context, taskID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'cancelled', finished_at = ?
		WHERE id = ? AND status IN ('pending', 'assigned')
	`, time.Now().UTC().Format(time.RFC3339), taskID)
	if err != nil {
		return fmt.Errorf("cancelling task: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("cancel rows affected: %w", err)
	}
	if n == 0 {
		return s.taskUpdateMiss(ctx, taskID)
	}
	return nil
}

// taskUpdateMiss classifies a zero-row conditional update: the task either
// does not exist, is already terminal, or is in a state the caller cannot
// transition from.
func (s *SQLiteStore) taskUpdateMiss(ctx context.Context, taskID string) error {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return ErrTaskTerminal
	}
	return fmt.Errorf("%w: task %s is %s", ErrClaimConflict, taskID, task.Status)
}

// CreateConnectionCode inserts a new connection code.
func (s *SQLiteStore) CreateConnectionCode(ctx context.Context, c *ConnectionCode) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connection_codes (code, tenant_id, max_uses, used_count, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, c.Code, c.TenantID, c.MaxUses, c.UsedCount,
		c.ExpiresAt.UTC().Format(time.RFC3339), c.CreatedAt.Format(time.RFC3339))
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("connection code %q already exists", c.Code)
		}
		return fmt.Errorf("inserting connection code: %w", err)
	}

	s.logger.Debug("created connection code", "tenant_id", c.TenantID, "max_uses", c.MaxUses)
	return nil
}

// GetConnectionCode retrieves a connection code row.
func (s *SQLiteStore) GetConnectionCode(ctx context.Context, code string) (*ConnectionCode, error) {
	var c ConnectionCode
	var expiresAt, createdAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT code, tenant_id, max_uses, used_count, expires_at, created_at
		FROM connection_codes WHERE code = ?
	`, code).Scan(&c.Code, &c.TenantID, &c.MaxUses, &c.UsedCount, &expiresAt, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying connection code: %w", err)
	}

	c.ExpiresAt = parseTime(expiresAt)
	c.CreatedAt = parseTime(createdAt)
	return &c, nil
}

// ConsumeConnectionCode atomically spends one use of a connection code.
// The increment only lands if the code still has uses left and has not
// expired, so concurrent registrations against a max_uses=1 code cannot
// both succeed. Returns the code row for tenant resolution.
func (s *SQLiteStore) ConsumeConnectionCode(ctx context.Context, code string, now time.Time) (*ConnectionCode, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE connection_codes
		SET used_count = used_count + 1
		WHERE code = ? AND used_count < max_uses AND expires_at > ?
	`, code, now.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("consuming connection code: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("consume rows affected: %w", err)
	}
	if n == 0 {
		if _, err := s.GetConnectionCode(ctx, code); err != nil {
			return nil, err
		}
		return nil, ErrCodeExhausted
	}

	return s.GetConnectionCode(ctx, code)
}

// UpsertCredential creates or replaces a tenant credential value.
func (s *SQLiteStore) UpsertCredential(ctx context.Context, c *Credential) error {
	now := time.Now().UTC()
	if c.ID == "" {
		c.ID = newID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (id, tenant_id, key, value, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, c.ID, c.TenantID, c.Key, c.Value,
		c.CreatedAt.Format(time.RFC3339), c.UpdatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("upserting credential: %w", err)
	}

	// Key name only. Values never reach the log.
	s.logger.Debug("upserted credential", "tenant_id", c.TenantID, "key", c.Key)
	return nil
}

// GetCredential retrieves a single credential by tenant and key.
func (s *SQLiteStore) GetCredential(ctx context.Context, tenantID, key string) (*Credential, error) {
	var c Credential
	var createdAt, updatedAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, key, value, created_at, updated_at
		FROM credentials WHERE tenant_id = ? AND key = ?
	`, tenantID, key).Scan(&c.ID, &c.TenantID, &c.Key, &c.Value, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying credential: %w", err)
	}

	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

// ListCredentials returns all credentials for a tenant ordered by key.
func (s *SQLiteStore) ListCredentials(ctx context.Context, tenantID string) ([]*Credential, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, key, value, created_at, updated_at
		FROM credentials WHERE tenant_id = ? ORDER BY key
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("querying credentials: %w", err)
	}
	defer rows.Close()

	var creds []*Credential
	for rows.Next() {
		var c Credential
		var createdAt, updatedAt string
		if err := rows.Scan(&c.ID, &c.TenantID, &c.Key, &c.Value, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning credential: %w", err)
		}
		c.CreatedAt = parseTime(createdAt)
		c.UpdatedAt = parseTime(updatedAt)
		creds = append(creds, &c)
	}
	return creds, rows.Err()
}

// DeleteCredential removes a tenant credential.
func (s *SQLiteStore) DeleteCredential(ctx context.Context, tenantID, key string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE tenant_id = ? AND key = ?`, tenantID, key)
	if err != nil {
		return fmt.Errorf("deleting credential: %w", err)
	}
	return requireRow(res)
}

// SaveUsageEvent stores a task execution record for usage tracking.
func (s *SQLiteStore) SaveUsageEvent(ctx context.Context, e *UsageEvent) error {
	if e.ID == "" {
		e.ID = newID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_events (id, tenant_id, worker_id, task_id, duration_ms, success, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.TenantID, e.WorkerID, e.TaskID, e.DurationMS, boolToInt(e.Success),
		e.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("inserting usage event: %w", err)
	}
	return nil
}

// ListUsageEvents returns a tenant's usage events, newest first.
func (s *SQLiteStore) ListUsageEvents(ctx context.Context, tenantID string, limit int) ([]*UsageEvent, error) {
	query := `
		SELECT id, tenant_id, worker_id, task_id, duration_ms, success, created_at
		FROM usage_events WHERE tenant_id = ? ORDER BY created_at DESC
	`
	args := []any{tenantID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying usage events: %w", err)
	}
	defer rows.Close()

	var events []*UsageEvent
	for rows.Next() {
		var e UsageEvent
		var success int
		var createdAt string
		if err := rows.Scan(&e.ID, &e.TenantID, &e.WorkerID, &e.TaskID, &e.DurationMS, &success, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning usage event: %w", err)
		}
		e.Success = success != 0
		e.CreatedAt = parseTime(createdAt)
		events = append(events, &e)
	}
	return events, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const workerSelect = `
	SELECT id, tenant_id, name, device_info, capabilities, status,
	       last_seen, last_heartbeat, current_task_id, completed_count, avg_duration_ms, created_at
	FROM workers
`

const taskSelect = `
	SELECT id, tenant_id, description, required_tags, status, priority,
	       assigned_worker_id, result, error, retry_count, max_retries,
	       created_at, assigned_at, started_at, finished_at
	FROM tasks
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorker(row rowScanner) (*Worker, error) {
	var w Worker
	var deviceInfo, lastSeen, lastHeartbeat, currentTaskID sql.NullString
	var caps, createdAt string

	err := row.Scan(&w.ID, &w.TenantID, &w.Name, &deviceInfo, &caps, (*string)(&w.Status),
		&lastSeen, &lastHeartbeat, &currentTaskID, &w.CompletedCount, &w.AvgDurationMS, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning worker: %w", err)
	}

	if err := json.Unmarshal([]byte(caps), &w.Capabilities); err != nil {
		slog.Warn("failed to parse worker capabilities", "id", w.ID, "error", err)
	}
	w.DeviceInfo = deviceInfo.String
	if lastSeen.Valid {
		w.LastSeen = parseTime(lastSeen.String)
	}
	if lastHeartbeat.Valid {
		w.LastHeartbeat = parseTime(lastHeartbeat.String)
	}
	if currentTaskID.Valid {
		w.CurrentTaskID = &currentTaskID.String
	}
	w.CreatedAt = parseTime(createdAt)
	return &w, nil
}

func scanWorkers(rows *sql.Rows) ([]*Worker, error) {
	var workers []*Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var tags, createdAt string
	var assignedWorkerID, result, errMsg, assignedAt, startedAt, finishedAt sql.NullString

	err := row.Scan(&t.ID, &t.TenantID, &t.Description, &tags, (*string)(&t.Status), (*string)(&t.Priority),
		&assignedWorkerID, &result, &errMsg, &t.RetryCount, &t.MaxRetries,
		&createdAt, &assignedAt, &startedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning task: %w", err)
	}

	if err := json.Unmarshal([]byte(tags), &t.RequiredTags); err != nil {
		slog.Warn("failed to parse task required tags", "id", t.ID, "error", err)
	}
	if assignedWorkerID.Valid {
		t.AssignedWorkerID = &assignedWorkerID.String
	}
	t.Result = result.String
	t.Error = errMsg.String
	t.CreatedAt = parseTime(createdAt)
	t.AssignedAt = parseTimePtr(assignedAt)
	t.StartedAt = parseTimePtr(startedAt)
	t.FinishedAt = parseTimePtr(finishedAt)
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*Task, error) {
	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullStringPtr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func nullTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		slog.Warn("failed to parse stored timestamp", "value", s, "error", err)
		return time.Time{}
	}
	return t
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
