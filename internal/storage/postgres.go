package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"cronix/internal/model"
	logx "cronix/pkg/logx"
)

type taskRow struct {
	ID              int64      `gorm:"primaryKey;autoIncrement"`
	Name            string     `gorm:"not null;type:varchar(100)"`
	Description     string     `gorm:"type:text;not null;default:''"`
	CronExpression  string     `gorm:"not null;type:varchar(100)"`
	Command         string     `gorm:"not null;type:text"`
	ExecutionType   string     `gorm:"not null;type:varchar(20);default:'shell'"`
	IsActive        bool       `gorm:"not null;default:true;index"`
	Timeout         int        `gorm:"not null;default:300"`
	RetryCount      int        `gorm:"not null;default:0"`
	RetryInterval   int        `gorm:"not null;default:60"`
	NotificationIDs string     `gorm:"column:notification_ids;type:jsonb;not null;default:'[]'"`
	NotifyStrategy  string     `gorm:"not null;type:varchar(20);default:'never'"`
	NextRunTime     *time.Time `gorm:"column:next_run_time"`
	CreatedAt       time.Time  `gorm:"not null"`
	UpdatedAt       time.Time
}

func (taskRow) TableName() string { return "tasks" }

type executionRow struct {
	ID           int64      `gorm:"primaryKey;autoIncrement"`
	TaskID       int64      `gorm:"not null;index:idx_exec_task_started,priority:1"`
	RunID        string     `gorm:"not null;type:varchar(36)"`
	TriggerType  string     `gorm:"column:trigger_type;not null;type:varchar(20);default:'schedule'"`
	Status       string     `gorm:"not null;type:varchar(20);index"`
	RetryAttempt int        `gorm:"not null;default:0"`
	StartedAt    time.Time  `gorm:"not null;index:idx_exec_task_started,priority:2,sort:desc"`
	FinishedAt   *time.Time `gorm:"index"`
	Duration     *int
	Output       string `gorm:"type:text;not null;default:''"`
	Stderr       string `gorm:"type:text;not null;default:''"`
	Error        string `gorm:"type:text;not null;default:''"`
}

func (executionRow) TableName() string { return "task_executions" }

type targetRow struct {
	ID         int64  `gorm:"primaryKey;autoIncrement"`
	NotifyType string `gorm:"not null;type:varchar(20)"`
	Name       string `gorm:"type:varchar(100);not null;default:''"`
	Config     string `gorm:"type:jsonb;not null"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (targetRow) TableName() string { return "notification_settings" }

type dedupRow struct {
	Key   string    `gorm:"primaryKey;type:text"`
	Until time.Time `gorm:"not null;index"`
}

func (dedupRow) TableName() string { return "dedup" }

type postgresStore struct {
	db  *gorm.DB
	log logx.Logger
}

// gormWriter routes gorm's logger into logx at debug level.
type gormWriter struct{ log logx.Logger }

func (w gormWriter) Printf(format string, args ...any) {
	w.log.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres: dsn is required")
	}

	// "record not found" is an expected outcome of lookups.
	gl := logger.New(
		gormWriter{log: log.With(logx.String("comp", "gorm"))},
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gl})
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	if err := db.AutoMigrate(&taskRow{}, &executionRow{}, &targetRow{}, &dedupRow{}); err != nil {
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Debug("postgres store opened")
	return &postgresStore{db: db, log: log}, nil
}

func (s *postgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ---- tasks ----

func toTaskRow(t *model.Task) (taskRow, error) {
	ids, err := encodeIDs(t.NotificationIDs)
	if err != nil {
		return taskRow{}, err
	}
	return taskRow{
		ID:              t.ID,
		Name:            t.Name,
		Description:     t.Description,
		CronExpression:  t.CronExpr,
		Command:         t.Command,
		ExecutionType:   string(t.Kind),
		IsActive:        t.Active,
		Timeout:         t.TimeoutSeconds(),
		RetryCount:      t.RetryCount,
		RetryInterval:   t.RetryIntervalSeconds(),
		NotificationIDs: ids,
		NotifyStrategy:  string(t.NotifyStrategy),
		NextRunTime:     t.NextRunAt,
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
	}, nil
}

func (r taskRow) toModel() (model.Task, error) {
	ids, err := decodeIDs(r.NotificationIDs)
	if err != nil {
		return model.Task{}, fmt.Errorf("task %d notification_ids: %w", r.ID, err)
	}
	return model.Task{
		ID:              r.ID,
		Name:            r.Name,
		Description:     r.Description,
		CronExpr:        r.CronExpression,
		Command:         r.Command,
		Kind:            model.Kind(r.ExecutionType),
		Active:          r.IsActive,
		Timeout:         time.Duration(r.Timeout) * time.Second,
		RetryCount:      r.RetryCount,
		RetryInterval:   time.Duration(r.RetryInterval) * time.Second,
		NotificationIDs: ids,
		NotifyStrategy:  model.NotifyStrategy(r.NotifyStrategy),
		NextRunAt:       r.NextRunTime,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}, nil
}

func (s *postgresStore) CreateTask(ctx context.Context, t *model.Task) error {
	row, err := toTaskRow(t)
	if err != nil {
		return err
	}
	row.ID = 0
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return err
	}
	t.ID = row.ID
	t.CreatedAt = row.CreatedAt
	t.UpdatedAt = row.UpdatedAt
	return nil
}

func (s *postgresStore) UpdateTask(ctx context.Context, t *model.Task) error {
	row, err := toTaskRow(t)
	if err != nil {
		return err
	}
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&taskRow{}).Where("id = ?", t.ID).Updates(map[string]any{
		"name":             row.Name,
		"description":      row.Description,
		"cron_expression":  row.CronExpression,
		"command":          row.Command,
		"execution_type":   row.ExecutionType,
		"is_active":        row.IsActive,
		"timeout":          row.Timeout,
		"retry_count":      row.RetryCount,
		"retry_interval":   row.RetryInterval,
		"notification_ids": row.NotificationIDs,
		"notify_strategy":  row.NotifyStrategy,
		"next_run_time":    row.NextRunTime,
		"updated_at":       now,
	})
	if err := gormAffected(res); err != nil {
		return fmt.Errorf("task %d: %w", t.ID, err)
	}
	t.UpdatedAt = now
	return nil
}

func (s *postgresStore) DeleteTask(ctx context.Context, id int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("task_id = ?", id).Delete(&executionRow{}).Error; err != nil {
			return err
		}
		if err := gormAffected(tx.Delete(&taskRow{}, id)); err != nil {
			return fmt.Errorf("task %d: %w", id, err)
		}
		return nil
	})
}

func (s *postgresStore) GetTask(ctx context.Context, id int64) (model.Task, error) {
	var row taskRow
	err := s.db.WithContext(ctx).First(&row, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Task{}, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Task{}, err
	}
	return row.toModel()
}

func (s *postgresStore) ListTasks(ctx context.Context) ([]model.Task, error) {
	return s.findTasks(s.db.WithContext(ctx))
}

func (s *postgresStore) ListActiveTasks(ctx context.Context) ([]model.Task, error) {
	return s.findTasks(s.db.WithContext(ctx).Where("is_active = ?", true))
}

func (s *postgresStore) findTasks(q *gorm.DB) ([]model.Task, error) {
	var rows []taskRow
	if err := q.Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.Task, 0, len(rows))
	for _, r := range rows {
		t, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *postgresStore) SetNextRunAt(ctx context.Context, id int64, next *time.Time) error {
	res := s.db.WithContext(ctx).Model(&taskRow{}).Where("id = ?", id).Update("next_run_time", next)
	if err := gormAffected(res); err != nil {
		return fmt.Errorf("task %d: %w", id, err)
	}
	return nil
}

// ---- executions ----

func (r executionRow) toModel() model.Execution {
	return model.Execution{
		ID:           r.ID,
		TaskID:       r.TaskID,
		RunID:        r.RunID,
		Trigger:      model.Trigger(r.TriggerType),
		Status:       model.Status(r.Status),
		RetryAttempt: r.RetryAttempt,
		StartedAt:    r.StartedAt,
		FinishedAt:   r.FinishedAt,
		Duration:     r.Duration,
		Stdout:       r.Output,
		Stderr:       r.Stderr,
		Error:        r.Error,
	}
}

func (s *postgresStore) CreateExecution(ctx context.Context, e model.NewExecution) (int64, error) {
	status := e.Status
	if status == "" {
		status = model.StatusRunning
	}
	row := executionRow{
		TaskID:       e.TaskID,
		RunID:        e.RunID,
		TriggerType:  string(e.Trigger),
		Status:       string(status),
		RetryAttempt: e.RetryAttempt,
		StartedAt:    e.StartedAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, err
	}
	return row.ID, nil
}

func (s *postgresStore) MarkRunning(ctx context.Context, id int64, startedAt time.Time) error {
	res := s.db.WithContext(ctx).Model(&executionRow{}).
		Where("id = ? AND finished_at IS NULL", id).
		Updates(map[string]any{"status": string(model.StatusRunning), "started_at": startedAt})
	if err := gormAffected(res); err != nil {
		return fmt.Errorf("execution %d: %w", id, err)
	}
	return nil
}

func (s *postgresStore) CompleteExecution(ctx context.Context, id int64, c model.Completion) (bool, error) {
	var done bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row executionRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND finished_at IS NULL", id).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		fin := c.FinishedAt
		dur := model.DurationSeconds(row.StartedAt, fin)
		res := tx.Model(&executionRow{}).Where("id = ? AND finished_at IS NULL", id).Updates(map[string]any{
			"status":      string(c.Status),
			"output":      c.Stdout,
			"stderr":      c.Stderr,
			"error":       c.Error,
			"finished_at": fin,
			"duration":    dur,
		})
		if res.Error != nil {
			return res.Error
		}
		done = res.RowsAffected == 1
		return nil
	})
	return done, err
}

func (s *postgresStore) MostRecentExecution(ctx context.Context, taskID int64) (*model.Execution, error) {
	return s.firstExecution(s.db.WithContext(ctx).Where("task_id = ?", taskID))
}

func (s *postgresStore) MostRecentRunning(ctx context.Context, taskID int64) (*model.Execution, error) {
	return s.firstExecution(s.db.WithContext(ctx).Where("task_id = ? AND finished_at IS NULL", taskID))
}

func (s *postgresStore) firstExecution(q *gorm.DB) (*model.Execution, error) {
	var row executionRow
	err := q.Order("started_at DESC, id DESC").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e := row.toModel()
	return &e, nil
}

func (s *postgresStore) GetExecution(ctx context.Context, id int64) (model.Execution, error) {
	var row executionRow
	err := s.db.WithContext(ctx).First(&row, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Execution{}, fmt.Errorf("execution %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Execution{}, err
	}
	return row.toModel(), nil
}

func (s *postgresStore) ListExecutions(ctx context.Context, f model.ExecutionFilter) (model.ExecutionPage, error) {
	f = f.Normalize()
	q := s.db.WithContext(ctx).Model(&executionRow{})
	if f.TaskID > 0 {
		q = q.Where("task_id = ?", f.TaskID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return model.ExecutionPage{}, err
	}
	var rows []executionRow
	if err := q.Order("started_at DESC, id DESC").Limit(f.PageSize).Offset(f.Offset()).Find(&rows).Error; err != nil {
		return model.ExecutionPage{}, err
	}
	items := make([]model.Execution, 0, len(rows))
	for _, r := range rows {
		items = append(items, r.toModel())
	}
	return pageOf(items, int(total), f), nil
}

func (s *postgresStore) AbandonOpenExecutions(ctx context.Context, at time.Time, reason string) (int64, error) {
	res := s.db.WithContext(ctx).Model(&executionRow{}).Where("finished_at IS NULL").Updates(map[string]any{
		"status":      string(model.StatusFailed),
		"error":       reason,
		"finished_at": at,
		"duration":    gorm.Expr("GREATEST(0, FLOOR(EXTRACT(EPOCH FROM (? - started_at))))::int", at),
	})
	return res.RowsAffected, res.Error
}

// ---- notification targets ----

func (r targetRow) toModel() model.NotifyTarget {
	return model.NotifyTarget{
		ID:        r.ID,
		Type:      model.TargetType(r.NotifyType),
		Name:      r.Name,
		Config:    json.RawMessage(r.Config),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func (s *postgresStore) CreateTarget(ctx context.Context, t *model.NotifyTarget) error {
	row := targetRow{NotifyType: string(t.Type), Name: t.Name, Config: string(t.Config)}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return err
	}
	t.ID = row.ID
	t.CreatedAt = row.CreatedAt
	t.UpdatedAt = row.UpdatedAt
	return nil
}

func (s *postgresStore) UpdateTarget(ctx context.Context, t *model.NotifyTarget) error {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&targetRow{}).Where("id = ?", t.ID).Updates(map[string]any{
		"notify_type": string(t.Type),
		"name":        t.Name,
		"config":      string(t.Config),
		"updated_at":  now,
	})
	if err := gormAffected(res); err != nil {
		return fmt.Errorf("notification %d: %w", t.ID, err)
	}
	t.UpdatedAt = now
	return nil
}

func (s *postgresStore) DeleteTarget(ctx context.Context, id int64) error {
	if err := gormAffected(s.db.WithContext(ctx).Delete(&targetRow{}, id)); err != nil {
		return fmt.Errorf("notification %d: %w", id, err)
	}
	return nil
}

func (s *postgresStore) GetTarget(ctx context.Context, id int64) (model.NotifyTarget, error) {
	var row targetRow
	err := s.db.WithContext(ctx).First(&row, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.NotifyTarget{}, fmt.Errorf("notification %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.NotifyTarget{}, err
	}
	return row.toModel(), nil
}

func (s *postgresStore) ListTargets(ctx context.Context) ([]model.NotifyTarget, error) {
	var rows []targetRow
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.NotifyTarget, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// ---- stats ----

func (s *postgresStore) Stats(ctx context.Context) (model.Stats, error) {
	var st model.Stats
	db := s.db.WithContext(ctx)

	var total, active int64
	if err := db.Model(&taskRow{}).Count(&total).Error; err != nil {
		return st, err
	}
	if err := db.Model(&taskRow{}).Where("is_active = ?", true).Count(&active).Error; err != nil {
		return st, err
	}
	st.TotalTasks, st.ActiveTasks = int(total), int(active)

	var groups []struct {
		Status string
		N      int
	}
	if err := db.Model(&executionRow{}).Select("status, COUNT(*) AS n").Group("status").Scan(&groups).Error; err != nil {
		return st, err
	}
	for _, g := range groups {
		addStatusCount(&st, model.Status(g.Status), g.N)
	}
	st.Finalize()
	return st, nil
}

// ---- dedup ----

func (s *postgresStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"until"}),
	}).Create(&dedupRow{Key: key, Until: until}).Error
}

func (s *postgresStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var row dedupRow
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return row.Until, true, nil
}

func gormAffected(res *gorm.DB) error {
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
