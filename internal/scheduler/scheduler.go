// Package scheduler runs the periodic maintenance jobs: audit retention and
// proactive token refresh.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/pysugar/toolbridge/internal/logging"
	"go.uber.org/zap"
)

// Task is a named cron job.
type Task struct {
	Name        string
	Description string
	Schedule    string
	Enabled     bool
	Handler     func(ctx context.Context) error
}

// Service owns the gocron scheduler and the registered tasks.
type Service struct {
	scheduler *gocron.Scheduler
	ctx       context.Context
	cancel    context.CancelFunc
	logger    *zap.Logger

	mu    sync.RWMutex
	tasks map[string]Task
}

// NewService creates a scheduler running in UTC. Jobs never overlap with
// themselves.
func NewService(logger *zap.Logger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	return &Service{
		scheduler: s,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logging.OrNop(logger).Named("scheduler"),
		tasks:     make(map[string]Task),
	}
}

// Register adds tasks. Disabled tasks are skipped; a bad schedule or a
// duplicate name is an error.
func (s *Service) Register(tasks ...Task) error {
	for _, task := range tasks {
		if !task.Enabled {
			s.logger.Info("skipping disabled task", zap.String("task", task.Name))
			continue
		}
		if err := s.register(task); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) register(task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.Name]; exists {
		return fmt.Errorf("scheduler: task %q already registered", task.Name)
	}

	job, err := s.scheduler.Cron(task.Schedule).Do(func() {
		_ = s.run(task)
	})
	if err != nil {
		return fmt.Errorf("scheduler: schedule %q (%s): %w", task.Name, task.Schedule, err)
	}
	job.Tag(task.Name)
	s.tasks[task.Name] = task

	s.logger.Info("registered task", zap.String("task", task.Name), zap.String("schedule", task.Schedule))
	return nil
}

func (s *Service) run(task Task) error {
	start := time.Now()
	s.logger.Debug("running task", zap.String("task", task.Name))
	if err := task.Handler(s.ctx); err != nil {
		s.logger.Error("task failed", zap.String("task", task.Name), zap.Error(err))
		return err
	}
	s.logger.Debug("task completed", zap.String("task", task.Name), zap.Duration("took", time.Since(start)))
	return nil
}

// Start runs the scheduler in the background.
func (s *Service) Start() {
	s.logger.Info("starting scheduler", zap.Int("tasks", len(s.ListTasks())))
	s.scheduler.StartAsync()
}

// Stop halts all jobs and cancels the context handed to running handlers.
func (s *Service) Stop() {
	s.scheduler.Stop()
	s.cancel()
	s.logger.Info("scheduler stopped")
}

// RunTaskNow runs a registered task synchronously.
func (s *Service) RunTaskNow(name string) error {
	s.mu.RLock()
	task, ok := s.tasks[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("scheduler: task %q not found", name)
	}
	return s.run(task)
}

// ListTasks returns the registered tasks sorted by name.
func (s *Service) ListTasks() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tasks := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Name < tasks[j].Name })
	return tasks
}
