// Package scheduler implements the Cron Scheduler (spec §4.F): it loads
// every active Schedule at startup, fires the Execution Coordinator on each
// schedule's cron expression, and lets the CRUD layer add, change, or
// remove individual schedules at runtime without a restart.
//
// Grounded on the teacher's internal/plugins.PluginScheduler: a single
// shared robfig/cron.Cron instance plus a name-to-EntryID map so a
// schedule can be replaced or removed by ID, wrapped jobs with panic
// recovery so one bad run never stops the cron goroutine.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/pytask-manager/engine/internal/logger"
	"github.com/pytask-manager/engine/internal/models"
)

// Runner is the subset of the Execution Coordinator the Scheduler depends
// on, kept narrow so this package doesn't import internal/coordinator.
type Runner interface {
	RunScheduled(ctx context.Context, scriptID int64, scheduleID int64)
}

// Scheduler fires scheduled executions on their cron expressions.
type Scheduler struct {
	cron   *cron.Cron
	runner Runner

	mu      sync.Mutex
	entries map[int64]cron.EntryID // scheduleID -> cron entry
}

// New returns a Scheduler that has not yet been started.
func New(runner Runner) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		runner:  runner,
		entries: make(map[int64]cron.EntryID),
	}
}

// LoadAll registers every schedule and starts the cron goroutine. Intended
// to be called once at startup with the full set of active schedules
// (spec §4.F step 1).
func (s *Scheduler) LoadAll(schedules []*models.Schedule) {
	log := logger.Scheduler()
	for _, sch := range schedules {
		if err := s.Add(sch); err != nil {
			log.Error().Err(err).Int64("schedule_id", sch.ID).Str("cron", sch.CronExpression).
				Msg("failed to register schedule, skipping")
		}
	}
	s.cron.Start()
	log.Info().Int("count", len(s.entries)).Msg("scheduler started")
}

// Add registers a single schedule, replacing any existing entry for the
// same ScheduleID. Safe to call after Start (e.g. from a CRUD webhook
// telling the engine a schedule was created or edited).
func (s *Scheduler) Add(sch *models.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[sch.ID]; ok {
		s.cron.Remove(existing)
		delete(s.entries, sch.ID)
	}

	scriptID := sch.ScriptID
	scheduleID := sch.ID
	job := func() {
		log := logger.Scheduler()
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Int64("schedule_id", scheduleID).Msg("scheduled job panicked")
			}
		}()
		log.Info().Int64("schedule_id", scheduleID).Int64("script_id", scriptID).Msg("firing scheduled execution")
		s.runner.RunScheduled(context.Background(), scriptID, scheduleID)
	}

	entryID, err := s.cron.AddFunc(sch.CronExpression, job)
	if err != nil {
		return fmt.Errorf("parse cron expression %q for schedule %d: %w", sch.CronExpression, sch.ID, err)
	}

	s.entries[sch.ID] = entryID
	return nil
}

// Remove unregisters a schedule. A no-op if it was never registered.
func (s *Scheduler) Remove(scheduleID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.entries[scheduleID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, scheduleID)
	}
}

// Stop drains the cron goroutine, waiting for any in-flight job functions
// to return. The jobs themselves (coordinator runs) are not cancelled.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
