package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"cronix/internal/model"
	logx "cronix/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = "./cronix.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	// Basic pragmas.
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- tasks ----

const taskColumns = `id, name, description, cron_expression, command, execution_type, is_active,
	timeout, retry_count, retry_interval, notification_ids, notify_strategy, next_run_time, created_at, updated_at`

func (s *sqliteStore) CreateTask(ctx context.Context, t *model.Task) error {
	now := time.Now()
	ids, err := encodeIDs(t.NotificationIDs)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(name, description, cron_expression, command, execution_type, is_active,
			timeout, retry_count, retry_interval, notification_ids, notify_strategy, next_run_time, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.Name, t.Description, t.CronExpr, t.Command, string(t.Kind), boolInt(t.Active),
		t.TimeoutSeconds(), t.RetryCount, t.RetryIntervalSeconds(), ids, string(t.NotifyStrategy),
		nullMillis(t.NextRunAt), now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	t.ID = id
	t.CreatedAt = time.UnixMilli(now.UnixMilli())
	t.UpdatedAt = t.CreatedAt
	return nil
}

func (s *sqliteStore) UpdateTask(ctx context.Context, t *model.Task) error {
	now := time.Now()
	ids, err := encodeIDs(t.NotificationIDs)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET name=?, description=?, cron_expression=?, command=?, execution_type=?, is_active=?,
			timeout=?, retry_count=?, retry_interval=?, notification_ids=?, notify_strategy=?, next_run_time=?, updated_at=?
		 WHERE id=?`,
		t.Name, t.Description, t.CronExpr, t.Command, string(t.Kind), boolInt(t.Active),
		t.TimeoutSeconds(), t.RetryCount, t.RetryIntervalSeconds(), ids, string(t.NotifyStrategy),
		nullMillis(t.NextRunAt), now.UnixMilli(), t.ID,
	)
	if err := affected(res, err); err != nil {
		return fmt.Errorf("task %d: %w", t.ID, err)
	}
	t.UpdatedAt = time.UnixMilli(now.UnixMilli())
	return nil
}

func (s *sqliteStore) DeleteTask(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_executions WHERE task_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err := affected(res, err); err != nil {
		return fmt.Errorf("task %d: %w", id, err)
	}
	return tx.Commit()
}

func (s *sqliteStore) GetTask(ctx context.Context, id int64) (model.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return t, err
}

func (s *sqliteStore) ListTasks(ctx context.Context) ([]model.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY id`)
}

func (s *sqliteStore) ListActiveTasks(ctx context.Context) ([]model.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE is_active = 1 ORDER BY id`)
}

func (s *sqliteStore) queryTasks(ctx context.Context, q string, args ...any) ([]model.Task, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetNextRunAt(ctx context.Context, id int64, next *time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET next_run_time = ? WHERE id = ?`, nullMillis(next), id)
	if err := affected(res, err); err != nil {
		return fmt.Errorf("task %d: %w", id, err)
	}
	return nil
}

// ---- executions ----

const execColumns = `id, task_id, run_id, trigger_type, status, retry_attempt, started_at, finished_at,
	duration, output, stderr, error`

func (s *sqliteStore) CreateExecution(ctx context.Context, e model.NewExecution) (int64, error) {
	status := e.Status
	if status == "" {
		status = model.StatusRunning
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO task_executions(task_id, run_id, trigger_type, status, retry_attempt, started_at)
		 VALUES(?,?,?,?,?,?)`,
		e.TaskID, e.RunID, string(e.Trigger), string(status), e.RetryAttempt, e.StartedAt.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) MarkRunning(ctx context.Context, id int64, startedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE task_executions SET status = ?, started_at = ? WHERE id = ? AND finished_at IS NULL`,
		string(model.StatusRunning), startedAt.UnixMilli(), id,
	)
	if err := affected(res, err); err != nil {
		return fmt.Errorf("execution %d: %w", id, err)
	}
	return nil
}

func (s *sqliteStore) CompleteExecution(ctx context.Context, id int64, c model.Completion) (bool, error) {
	fin := c.FinishedAt.UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`UPDATE task_executions
		 SET status = ?, output = ?, stderr = ?, error = ?, finished_at = ?, duration = max(0, (? - started_at) / 1000)
		 WHERE id = ? AND finished_at IS NULL`,
		string(c.Status), c.Stdout, c.Stderr, c.Error, fin, fin, id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqliteStore) MostRecentExecution(ctx context.Context, taskID int64) (*model.Execution, error) {
	return s.oneExecution(ctx, `SELECT `+execColumns+` FROM task_executions
		WHERE task_id = ? ORDER BY started_at DESC, id DESC LIMIT 1`, taskID)
}

func (s *sqliteStore) MostRecentRunning(ctx context.Context, taskID int64) (*model.Execution, error) {
	return s.oneExecution(ctx, `SELECT `+execColumns+` FROM task_executions
		WHERE task_id = ? AND finished_at IS NULL ORDER BY started_at DESC, id DESC LIMIT 1`, taskID)
}

func (s *sqliteStore) oneExecution(ctx context.Context, q string, args ...any) (*model.Execution, error) {
	e, err := scanExecution(s.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *sqliteStore) GetExecution(ctx context.Context, id int64) (model.Execution, error) {
	e, err := scanExecution(s.db.QueryRowContext(ctx, `SELECT `+execColumns+` FROM task_executions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Execution{}, fmt.Errorf("execution %d: %w", id, ErrNotFound)
	}
	return e, err
}

func (s *sqliteStore) ListExecutions(ctx context.Context, f model.ExecutionFilter) (model.ExecutionPage, error) {
	f = f.Normalize()
	var (
		where []string
		args  []any
	)
	if f.TaskID > 0 {
		where = append(where, "task_id = ?")
		args = append(args, f.TaskID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_executions`+cond, args...).Scan(&total); err != nil {
		return model.ExecutionPage{}, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+execColumns+` FROM task_executions`+cond+` ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, f.PageSize, f.Offset())...,
	)
	if err != nil {
		return model.ExecutionPage{}, err
	}
	defer rows.Close()
	var items []model.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return model.ExecutionPage{}, err
		}
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return model.ExecutionPage{}, err
	}
	return pageOf(items, total, f), nil
}

func (s *sqliteStore) AbandonOpenExecutions(ctx context.Context, at time.Time, reason string) (int64, error) {
	fin := at.UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`UPDATE task_executions
		 SET status = ?, error = ?, finished_at = ?, duration = max(0, (? - started_at) / 1000)
		 WHERE finished_at IS NULL`,
		string(model.StatusFailed), reason, fin, fin,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- notification targets ----

func (s *sqliteStore) CreateTarget(ctx context.Context, t *model.NotifyTarget) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO notification_settings(notify_type, name, config, created_at, updated_at) VALUES(?,?,?,?,?)`,
		string(t.Type), t.Name, string(t.Config), now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	t.ID = id
	t.CreatedAt = time.UnixMilli(now.UnixMilli())
	t.UpdatedAt = t.CreatedAt
	return nil
}

func (s *sqliteStore) UpdateTarget(ctx context.Context, t *model.NotifyTarget) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE notification_settings SET notify_type = ?, name = ?, config = ?, updated_at = ? WHERE id = ?`,
		string(t.Type), t.Name, string(t.Config), now.UnixMilli(), t.ID,
	)
	if err := affected(res, err); err != nil {
		return fmt.Errorf("notification %d: %w", t.ID, err)
	}
	t.UpdatedAt = time.UnixMilli(now.UnixMilli())
	return nil
}

func (s *sqliteStore) DeleteTarget(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notification_settings WHERE id = ?`, id)
	if err := affected(res, err); err != nil {
		return fmt.Errorf("notification %d: %w", id, err)
	}
	return nil
}

func (s *sqliteStore) GetTarget(ctx context.Context, id int64) (model.NotifyTarget, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, notify_type, name, config, created_at, updated_at FROM notification_settings WHERE id = ?`, id)
	t, err := scanTarget(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.NotifyTarget{}, fmt.Errorf("notification %d: %w", id, ErrNotFound)
	}
	return t, err
}

func (s *sqliteStore) ListTargets(ctx context.Context) ([]model.NotifyTarget, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, notify_type, name, config, created_at, updated_at FROM notification_settings ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.NotifyTarget{}
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ---- stats ----

func (s *sqliteStore) Stats(ctx context.Context) (model.Stats, error) {
	var st model.Stats
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(is_active), 0) FROM tasks`).Scan(&st.TotalTasks, &st.ActiveTasks); err != nil {
		return st, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM task_executions GROUP BY status`)
	if err != nil {
		return st, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return st, err
		}
		addStatusCount(&st, model.Status(status), n)
	}
	if err := rows.Err(); err != nil {
		return st, err
	}
	st.Finalize()
	return st, nil
}

// ---- dedup ----

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, ms,
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, now)
	return err
}

// ---- scanning ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (model.Task, error) {
	var (
		t                    model.Task
		kind, strategy, ids  string
		active               int
		timeout, interval    int
		next                 sql.NullInt64
		createdAt, updatedAt int64
	)
	if err := r.Scan(&t.ID, &t.Name, &t.Description, &t.CronExpr, &t.Command, &kind, &active,
		&timeout, &t.RetryCount, &interval, &ids, &strategy, &next, &createdAt, &updatedAt); err != nil {
		return model.Task{}, err
	}
	t.Kind = model.Kind(kind)
	t.NotifyStrategy = model.NotifyStrategy(strategy)
	t.Active = active != 0
	t.Timeout = time.Duration(timeout) * time.Second
	t.RetryInterval = time.Duration(interval) * time.Second
	if next.Valid {
		nt := time.UnixMilli(next.Int64)
		t.NextRunAt = &nt
	}
	t.CreatedAt = time.UnixMilli(createdAt)
	t.UpdatedAt = time.UnixMilli(updatedAt)
	decoded, err := decodeIDs(ids)
	if err != nil {
		return model.Task{}, fmt.Errorf("task %d notification_ids: %w", t.ID, err)
	}
	t.NotificationIDs = decoded
	return t, nil
}

func scanExecution(r rowScanner) (model.Execution, error) {
	var (
		e               model.Execution
		trigger, status string
		started         int64
		finished, dur   sql.NullInt64
	)
	if err := r.Scan(&e.ID, &e.TaskID, &e.RunID, &trigger, &status, &e.RetryAttempt, &started, &finished,
		&dur, &e.Stdout, &e.Stderr, &e.Error); err != nil {
		return model.Execution{}, err
	}
	e.Trigger = model.Trigger(trigger)
	e.Status = model.Status(status)
	e.StartedAt = time.UnixMilli(started)
	if finished.Valid {
		ft := time.UnixMilli(finished.Int64)
		e.FinishedAt = &ft
	}
	if dur.Valid {
		d := int(dur.Int64)
		e.Duration = &d
	}
	return e, nil
}

func scanTarget(r rowScanner) (model.NotifyTarget, error) {
	var (
		t                    model.NotifyTarget
		typ, cfg             string
		createdAt, updatedAt int64
	)
	if err := r.Scan(&t.ID, &typ, &t.Name, &cfg, &createdAt, &updatedAt); err != nil {
		return model.NotifyTarget{}, err
	}
	t.Type = model.TargetType(typ)
	t.Config = json.RawMessage(cfg)
	t.CreatedAt = time.UnixMilli(createdAt)
	t.UpdatedAt = time.UnixMilli(updatedAt)
	return t, nil
}

// ---- helpers ----

func affected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullMillis(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func encodeIDs(ids []int64) (string, error) {
	if len(ids) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeIDs(s string) ([]int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "[]" || s == "null" {
		return nil, nil
	}
	var ids []int64
	if err := json.Unmarshal([]byte(s), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func addStatusCount(st *model.Stats, status model.Status, n int) {
	st.TotalExecutions += n
	switch status {
	case model.StatusSuccess:
		st.SuccessExecutions += n
	case model.StatusFailed:
		st.FailedExecutions += n
	case model.StatusTimeout:
		st.TimeoutExecutions += n
	case model.StatusCancelled:
		st.CancelledExecutions += n
	case model.StatusRunning, model.StatusPending:
		st.RunningExecutions += n
	}
}
