package orchestrator

import (
	"context"
	"fmt"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// ScheduledTask describes a recurring task
type ScheduledTask struct {
	ID      string      `json:"id" yaml:"id"`
	Spec    string      `json:"spec" yaml:"spec"`
	Pattern Pattern     `json:"pattern" yaml:"pattern"`
	Request TaskRequest `json:"request" yaml:"request"`
}

type executeFunc func(ctx context.Context, req TaskRequest, pattern Pattern) (TaskResponse, error)

// Scheduler runs tasks on cron schedules. Entries fire only between Start and Stop.
type Scheduler struct {
	cron    *cron.Cron
	execute executeFunc
	logger  zerolog.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
	tasks   map[string]ScheduledTask
}

func newScheduler(execute executeFunc, logger zerolog.Logger) *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Scheduler{
		cron:    cron.New(cron.WithParser(parser)),
		execute: execute,
		logger:  logger,
		entries: make(map[string]cron.EntryID),
		tasks:   make(map[string]ScheduledTask),
	}
}

// Add registers req to run under pattern on every tick of spec
// (five-field cron or a descriptor such as "@every 1m").
func (s *Scheduler) Add(spec string, req TaskRequest, pattern Pattern) (string, error) {
	if !pattern.Valid() {
		return "", fmt.Errorf("%w: %s", ErrInvalidPattern, pattern)
	}

	id, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("failed to generate schedule ID: %w", err)
	}

	task := ScheduledTask{ID: id, Spec: spec, Pattern: pattern, Request: req}

	s.mu.Lock()
	defer s.mu.Unlock()

	entryID, err := s.cron.AddFunc(spec, func() { s.fire(task) })
	if err != nil {
		return "", fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}
	s.entries[id] = entryID
	s.tasks[id] = task

	s.logger.Info().Str("schedule_id", id).Str("spec", spec).Str("pattern", string(pattern)).Msg("Task scheduled")
	return id, nil
}

// Remove deletes a schedule
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("schedule not found: %s", id)
	}
	s.cron.Remove(entryID)
	delete(s.entries, id)
	delete(s.tasks, id)
	return nil
}

// List returns all schedules
func (s *Scheduler) List() []ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks := make([]ScheduledTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	return tasks
}

// fire runs one occurrence. Each run gets its own task ID.
func (s *Scheduler) fire(task ScheduledTask) {
	req := task.Request
	req.ID = ""
	if req.Context == nil {
		req.Context = &TaskContext{}
	} else {
		c := *req.Context
		req.Context = &c
	}
	if req.Context.ParentTaskID == "" {
		req.Context.ParentTaskID = task.ID
	}

	resp, err := s.execute(context.Background(), req, task.Pattern)
	if err != nil {
		s.logger.Warn().Err(err).Str("schedule_id", task.ID).Msg("Scheduled task could not run")
		return
	}
	s.logger.Info().
		Str("schedule_id", task.ID).
		Str("task_id", resp.TaskID).
		Str("status", string(resp.Status)).
		Msg("Scheduled task finished")
}

func (s *Scheduler) start() {
	s.cron.Start()
}

// stop halts the scheduler and waits for running jobs
func (s *Scheduler) stop() {
	<-s.cron.Stop().Done()
}
