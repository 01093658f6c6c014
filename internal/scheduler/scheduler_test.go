package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakePurger struct {
	horizon time.Duration
	err     error
}

func (f *fakePurger) PurgeOlderThan(_ context.Context, horizon time.Duration) (int64, error) {
	f.horizon = horizon
	return 3, f.err
}

type fakeRefresher struct{ within time.Duration }

func (f *fakeRefresher) RefreshExpiring(_ context.Context, within time.Duration) (int, int) {
	f.within = within
	return 1, 0
}

func TestRegisterAndRunTaskNow(t *testing.T) {
	s := NewService(nil)
	defer s.Stop()

	p := &fakePurger{}
	r := &fakeRefresher{}
	err := s.Register(
		AuditRetentionTask(p, 48*time.Hour, "0 3 * * *", nil),
		ProactiveRefreshTask(r, 20*time.Minute, "*/15 * * * *", nil),
	)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	tasks := s.ListTasks()
	if len(tasks) != 2 || tasks[0].Name != TaskAuditRetention || tasks[1].Name != TaskProactiveRefresh {
		t.Fatalf("ListTasks() = %+v", tasks)
	}

	if err := s.RunTaskNow(TaskAuditRetention); err != nil {
		t.Fatalf("RunTaskNow: %v", err)
	}
	if p.horizon != 48*time.Hour {
		t.Fatalf("purger horizon = %v", p.horizon)
	}
	if err := s.RunTaskNow(TaskProactiveRefresh); err != nil {
		t.Fatalf("RunTaskNow: %v", err)
	}
	if r.within != 20*time.Minute {
		t.Fatalf("refresher window = %v", r.within)
	}

	if err := s.RunTaskNow("missing"); err == nil {
		t.Fatal("expected error for unknown task")
	}
}

func TestRegister_Errors(t *testing.T) {
	s := NewService(nil)
	defer s.Stop()

	if err := s.Register(AuditRetentionTask(&fakePurger{}, time.Hour, "not a cron", nil)); err == nil {
		t.Fatal("expected error for invalid schedule")
	}

	task := ProactiveRefreshTask(&fakeRefresher{}, time.Minute, "*/5 * * * *", nil)
	if err := s.Register(task); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.Register(task); err == nil {
		t.Fatal("expected error for duplicate task")
	}
}

func TestRegister_SkipsDisabled(t *testing.T) {
	s := NewService(nil)
	defer s.Stop()

	if err := s.Register(AuditRetentionTask(&fakePurger{}, time.Hour, "", nil)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if len(s.ListTasks()) != 0 {
		t.Fatal("disabled task should not be registered")
	}
}

func TestRunTaskNow_PropagatesHandlerError(t *testing.T) {
	s := NewService(nil)
	defer s.Stop()

	boom := errors.New("db down")
	if err := s.Register(AuditRetentionTask(&fakePurger{err: boom}, time.Hour, "0 3 * * *", nil)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.RunTaskNow(TaskAuditRetention); !errors.Is(err, boom) {
		t.Fatalf("RunTaskNow() error = %v, want %v", err, boom)
	}
}
