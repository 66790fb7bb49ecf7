package storage

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"cronix/internal/model"
	logx "cronix/pkg/logx"
)

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "cronix.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sq,
	}
}

func newTask(name string, active bool) *model.Task {
	t := &model.Task{Name: name, CronExpr: "*/5 * * * *", Command: "echo hi", Active: active, NotificationIDs: []int64{1, 2}}
	t.ApplyDefaults()
	return t
}

func TestTaskCRUD(t *testing.T) {
	t.Parallel()
	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a := newTask("a", true)
			b := newTask("b", false)
			if err := st.CreateTask(ctx, a); err != nil {
				t.Fatalf("CreateTask: %v", err)
			}
			if err := st.CreateTask(ctx, b); err != nil {
				t.Fatalf("CreateTask: %v", err)
			}
			if a.ID == 0 || b.ID == a.ID {
				t.Fatalf("unexpected ids %d %d", a.ID, b.ID)
			}

			got, err := st.GetTask(ctx, a.ID)
			if err != nil {
				t.Fatalf("GetTask: %v", err)
			}
			if got.Name != "a" || got.Timeout != model.DefaultTimeout || len(got.NotificationIDs) != 2 || got.NotifyStrategy != model.NotifyNever {
				t.Fatalf("unexpected task: %+v", got)
			}

			active, err := st.ListActiveTasks(ctx)
			if err != nil || len(active) != 1 || active[0].ID != a.ID {
				t.Fatalf("ListActiveTasks = %v, %v", active, err)
			}
			all, _ := st.ListTasks(ctx)
			if len(all) != 2 {
				t.Fatalf("ListTasks len = %d", len(all))
			}

			next := time.UnixMilli(time.Now().Add(time.Hour).UnixMilli())
			if err := st.SetNextRunAt(ctx, a.ID, &next); err != nil {
				t.Fatalf("SetNextRunAt: %v", err)
			}
			got, _ = st.GetTask(ctx, a.ID)
			if got.NextRunAt == nil || !got.NextRunAt.Equal(next) {
				t.Fatalf("NextRunAt = %v, want %v", got.NextRunAt, next)
			}

			got.Command = "echo changed"
			got.Active = false
			if err := st.UpdateTask(ctx, &got); err != nil {
				t.Fatalf("UpdateTask: %v", err)
			}
			got, _ = st.GetTask(ctx, a.ID)
			if got.Command != "echo changed" || got.Active {
				t.Fatalf("update not applied: %+v", got)
			}

			missing := newTask("x", true)
			missing.ID = 9999
			if err := st.UpdateTask(ctx, missing); !errors.Is(err, ErrNotFound) {
				t.Fatalf("UpdateTask missing = %v, want ErrNotFound", err)
			}
			if _, err := st.GetTask(ctx, 9999); !errors.Is(err, ErrNotFound) {
				t.Fatalf("GetTask missing = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestExecutionLifecycle(t *testing.T) {
	t.Parallel()
	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			task := newTask("job", true)
			if err := st.CreateTask(ctx, task); err != nil {
				t.Fatal(err)
			}
			t0 := time.UnixMilli(time.Now().Add(-time.Minute).UnixMilli())

			if e, err := st.MostRecentExecution(ctx, task.ID); err != nil || e != nil {
				t.Fatalf("MostRecentExecution on empty = %v, %v", e, err)
			}

			id, err := st.CreateExecution(ctx, model.NewExecution{TaskID: task.ID, RunID: "r1", Trigger: model.TriggerSchedule, StartedAt: t0})
			if err != nil {
				t.Fatalf("CreateExecution: %v", err)
			}
			run, err := st.MostRecentRunning(ctx, task.ID)
			if err != nil || run == nil || run.ID != id || run.Status != model.StatusRunning {
				t.Fatalf("MostRecentRunning = %+v, %v", run, err)
			}

			ok, err := st.CompleteExecution(ctx, id, model.Completion{Status: model.StatusFailed, Stdout: "out", Error: "exit status 1", FinishedAt: t0.Add(2500 * time.Millisecond)})
			if err != nil || !ok {
				t.Fatalf("CompleteExecution = %v, %v", ok, err)
			}
			ok, err = st.CompleteExecution(ctx, id, model.Completion{Status: model.StatusSuccess, FinishedAt: t0.Add(3 * time.Second)})
			if err != nil || ok {
				t.Fatalf("second CompleteExecution = %v, %v; want false", ok, err)
			}

			e, err := st.GetExecution(ctx, id)
			if err != nil {
				t.Fatal(err)
			}
			if e.Status != model.StatusFailed || e.Stdout != "out" || e.Duration == nil || *e.Duration != 2 || e.FinishedAt == nil {
				t.Fatalf("unexpected execution: %+v", e)
			}
			if run, _ := st.MostRecentRunning(ctx, task.ID); run != nil {
				t.Fatalf("expected no running execution, got %+v", run)
			}

			// A pending retry row becomes running with a fresh start time.
			pid, err := st.CreateExecution(ctx, model.NewExecution{TaskID: task.ID, RunID: "r1", Trigger: model.TriggerSchedule, Status: model.StatusPending, RetryAttempt: 1, StartedAt: t0.Add(3 * time.Second)})
			if err != nil {
				t.Fatal(err)
			}
			pending, _ := st.MostRecentRunning(ctx, task.ID)
			if pending == nil || pending.Status != model.StatusPending {
				t.Fatalf("expected pending row, got %+v", pending)
			}
			t1 := t0.Add(5 * time.Second)
			if err := st.MarkRunning(ctx, pid, t1); err != nil {
				t.Fatalf("MarkRunning: %v", err)
			}
			last, _ := st.MostRecentExecution(ctx, task.ID)
			if last == nil || last.ID != pid || last.Status != model.StatusRunning || !last.StartedAt.Equal(t1) || last.RetryAttempt != 1 {
				t.Fatalf("unexpected last execution: %+v", last)
			}

			n, err := st.AbandonOpenExecutions(ctx, t1.Add(time.Second), "scheduler restarted")
			if err != nil || n != 1 {
				t.Fatalf("AbandonOpenExecutions = %d, %v", n, err)
			}
			e, _ = st.GetExecution(ctx, pid)
			if e.Status != model.StatusFailed || e.Error != "scheduler restarted" {
				t.Fatalf("abandoned row = %+v", e)
			}
			if err := st.MarkRunning(ctx, pid, t1); !errors.Is(err, ErrNotFound) {
				t.Fatalf("MarkRunning on finished row = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestListExecutionsPaging(t *testing.T) {
	t.Parallel()
	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a, b := newTask("a", true), newTask("b", true)
			_ = st.CreateTask(ctx, a)
			_ = st.CreateTask(ctx, b)
			base := time.UnixMilli(time.Now().Add(-time.Hour).UnixMilli())
			for i := 0; i < 5; i++ {
				id, err := st.CreateExecution(ctx, model.NewExecution{TaskID: a.ID, RunID: "r", Trigger: model.TriggerSchedule, StartedAt: base.Add(time.Duration(i) * time.Minute)})
				if err != nil {
					t.Fatal(err)
				}
				status := model.StatusSuccess
				if i%2 == 1 {
					status = model.StatusFailed
				}
				_, _ = st.CompleteExecution(ctx, id, model.Completion{Status: status, FinishedAt: base.Add(time.Duration(i)*time.Minute + time.Second)})
			}
			_, _ = st.CreateExecution(ctx, model.NewExecution{TaskID: b.ID, RunID: "r", Trigger: model.TriggerManual, StartedAt: base})

			page, err := st.ListExecutions(ctx, model.ExecutionFilter{TaskID: a.ID, Page: 1, PageSize: 2})
			if err != nil {
				t.Fatal(err)
			}
			if page.Total != 5 || page.TotalPages != 3 || len(page.Items) != 2 {
				t.Fatalf("unexpected page: %+v", page)
			}
			if !page.Items[0].StartedAt.After(page.Items[1].StartedAt) {
				t.Fatalf("items not newest first")
			}

			page, _ = st.ListExecutions(ctx, model.ExecutionFilter{TaskID: a.ID, Page: 3, PageSize: 2})
			if len(page.Items) != 1 {
				t.Fatalf("last page len = %d", len(page.Items))
			}

			failed, _ := st.ListExecutions(ctx, model.ExecutionFilter{Status: model.StatusFailed})
			if failed.Total != 2 {
				t.Fatalf("failed total = %d, want 2", failed.Total)
			}

			beyond, _ := st.ListExecutions(ctx, model.ExecutionFilter{Page: 10, PageSize: 20})
			if beyond.Items == nil || len(beyond.Items) != 0 || beyond.Total != 6 {
				t.Fatalf("unexpected beyond page: %+v", beyond)
			}
		})
	}
}

func TestDeleteTaskRemovesHistory(t *testing.T) {
	t.Parallel()
	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			task := newTask("gone", true)
			_ = st.CreateTask(ctx, task)
			id, _ := st.CreateExecution(ctx, model.NewExecution{TaskID: task.ID, RunID: "r", Trigger: model.TriggerManual, StartedAt: time.Now()})

			if err := st.DeleteTask(ctx, task.ID); err != nil {
				t.Fatalf("DeleteTask: %v", err)
			}
			if _, err := st.GetExecution(ctx, id); !errors.Is(err, ErrNotFound) {
				t.Fatalf("GetExecution after delete = %v, want ErrNotFound", err)
			}
			if err := st.DeleteTask(ctx, task.ID); !errors.Is(err, ErrNotFound) {
				t.Fatalf("second DeleteTask = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestTargetsAndStats(t *testing.T) {
	t.Parallel()
	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tg := &model.NotifyTarget{Type: model.TargetWebhook, Name: "ops", Config: json.RawMessage(`{"url":"http://x"}`)}
			if err := st.CreateTarget(ctx, tg); err != nil {
				t.Fatal(err)
			}
			got, err := st.GetTarget(ctx, tg.ID)
			if err != nil || got.Type != model.TargetWebhook || string(got.Config) != `{"url":"http://x"}` {
				t.Fatalf("GetTarget = %+v, %v", got, err)
			}
			got.Name = "ops-2"
			if err := st.UpdateTarget(ctx, &got); err != nil {
				t.Fatal(err)
			}
			list, _ := st.ListTargets(ctx)
			if len(list) != 1 || list[0].Name != "ops-2" {
				t.Fatalf("ListTargets = %+v", list)
			}
			if err := st.DeleteTarget(ctx, tg.ID); err != nil {
				t.Fatal(err)
			}
			if _, err := st.GetTarget(ctx, tg.ID); !errors.Is(err, ErrNotFound) {
				t.Fatalf("GetTarget after delete = %v", err)
			}

			a, b := newTask("a", true), newTask("b", false)
			_ = st.CreateTask(ctx, a)
			_ = st.CreateTask(ctx, b)
			now := time.Now()
			for _, status := range []model.Status{model.StatusSuccess, model.StatusSuccess, model.StatusTimeout} {
				id, _ := st.CreateExecution(ctx, model.NewExecution{TaskID: a.ID, RunID: "r", Trigger: model.TriggerSchedule, StartedAt: now})
				_, _ = st.CompleteExecution(ctx, id, model.Completion{Status: status, FinishedAt: now})
			}
			stats, err := st.Stats(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if stats.TotalTasks != 2 || stats.ActiveTasks != 1 || stats.InactiveTasks != 1 {
				t.Fatalf("task counts = %+v", stats)
			}
			if stats.TotalExecutions != 3 || stats.TimeoutExecutions != 1 || stats.SuccessRate == nil || *stats.SuccessRate != 66.67 {
				t.Fatalf("execution counts = %+v", stats)
			}
		})
	}
}

func TestDedup(t *testing.T) {
	t.Parallel()
	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, ok, err := st.GetDedup(ctx, "k"); ok || err != nil {
				t.Fatalf("GetDedup on empty = %v, %v", ok, err)
			}
			until := time.UnixMilli(time.Now().Add(time.Minute).UnixMilli())
			if err := st.PutDedup(ctx, "k", until); err != nil {
				t.Fatal(err)
			}
			later := until.Add(time.Minute)
			if err := st.PutDedup(ctx, "k", later); err != nil {
				t.Fatal(err)
			}
			got, ok, err := st.GetDedup(ctx, "k")
			if err != nil || !ok || !got.Equal(later) {
				t.Fatalf("GetDedup = %v, %v, %v", got, ok, err)
			}
		})
	}
}

func TestOpenDrivers(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "none"}, logx.Nop()); !errors.Is(err, ErrDisabled) {
		t.Fatalf("Open(none) = %v, want ErrDisabled", err)
	}
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected error for postgres without dsn")
	}
	st, err := Open(Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := st.(*Memory); !ok {
		t.Fatalf("Open(memory) = %T", st)
	}
}
