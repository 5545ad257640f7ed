// Package coordinator implements the Execution Coordinator (spec §4.E):
// given a script_id (and optionally a schedule_id), it runs the script
// end-to-end — serializing against any prior in-flight execution (I1),
// reconciling the environment (4.A), launching the child (4.B), fanning
// its output out through the broker (4.C), and recording the terminal
// status in the Execution Store (4.D).
//
// Grounded on the teacher's internal/services.CommandDispatcher: a single
// orchestration type that owns no state of its own beyond in-flight
// bookkeeping, dispatches into narrowly-scoped collaborators, and wraps
// each unit of work in structured start/finish logging.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pytask-manager/engine/internal/broker"
	"github.com/pytask-manager/engine/internal/errors"
	"github.com/pytask-manager/engine/internal/events"
	"github.com/pytask-manager/engine/internal/lock"
	"github.com/pytask-manager/engine/internal/logger"
	"github.com/pytask-manager/engine/internal/models"
	"github.com/pytask-manager/engine/internal/provisioner"
	"github.com/pytask-manager/engine/internal/runner"
)

const lockTTL = 30 * time.Second

// ScriptStore is the subset of *store.Store the coordinator reads scripts
// through; narrowed to an interface so tests can fake it.
type ScriptStore interface {
	GetScript(ctx context.Context, scriptID int64) (*models.Script, error)
	UpdateInstalledVersion(ctx context.Context, dependencyID int64, version string) error
	CreateSerialized(ctx context.Context, scriptID int64, scheduleID *int64) (*models.Execution, error)
	MarkRunning(ctx context.Context, id int64) error
	MarkSuccess(ctx context.Context, id int64, logOutput string) error
	MarkFailure(ctx context.Context, id int64, logOutput, errMessage string) error
}

// ScheduleRemover lets the coordinator drop a schedule whose script has
// become ineligible (spec §4.F: fire-time revalidation), without this
// package importing internal/scheduler directly.
type ScheduleRemover interface {
	Remove(scheduleID int64)
}

// Config is the Environment collaborator's view the coordinator needs
// directly (spec §6): everything else is reached through its collaborators.
type Config struct {
	MaxExecutionTime time.Duration
	// InstallTimeout bounds environment reconciliation (venv creation +
	// pip install), spec §6's Environment collaborator option of the same
	// name ("default 30 marker wait").
	InstallTimeout time.Duration
}

// Coordinator runs Executions end-to-end and tracks the ones currently
// in flight so they can be cancelled.
type Coordinator struct {
	store     ScriptStore
	prov      *provisioner.Provisioner
	broker    *broker.Manager
	locker    *lock.Locker
	publisher *events.Publisher
	cfg       Config

	schedules ScheduleRemover

	mu      sync.Mutex
	cancels map[int64]context.CancelFunc // executionID -> cancel
}

// New returns a Coordinator wired to its collaborators. schedules may be
// nil if the caller never registers cron-driven schedules.
func New(st ScriptStore, prov *provisioner.Provisioner, brk *broker.Manager, locker *lock.Locker, publisher *events.Publisher, cfg Config, schedules ScheduleRemover) *Coordinator {
	return &Coordinator{
		store:     st,
		prov:      prov,
		broker:    brk,
		locker:    locker,
		publisher: publisher,
		cfg:       cfg,
		schedules: schedules,
		cancels:   make(map[int64]context.CancelFunc),
	}
}

// Run starts an execution asynchronously (spec §6: "run(script_id) ->
// execution_id (async)"). It returns as soon as the new PENDING Execution
// row exists; provisioning and the child process run in the background.
func (c *Coordinator) Run(ctx context.Context, scriptID int64) (int64, error) {
	script, exec, err := c.admit(ctx, scriptID, nil)
	if err != nil {
		return 0, err
	}

	execCtx, _ := c.track(exec.ID)
	go func() {
		defer c.untrack(exec.ID)
		c.execute(execCtx, script, exec)
	}()

	return exec.ID, nil
}

// RunScheduled implements scheduler.Runner: it is invoked synchronously by
// the Cron Scheduler's own goroutine for each firing (spec §4.F). It
// revalidates eligibility at fire time — if the script has gone inactive
// or acquired an uninstalled dependency since the schedule was registered,
// it records a FAILURE Execution explaining why and deregisters the job
// instead of attempting to run.
func (c *Coordinator) RunScheduled(ctx context.Context, scriptID int64, scheduleID int64) {
	log := logger.Coordinator()

	script, err := c.store.GetScript(ctx, scriptID)
	if err != nil {
		log.Error().Err(err).Int64("script_id", scriptID).Msg("scheduled run: failed to load script")
		return
	}

	if !script.IsActive || c.hasUninstalledDependencies(ctx, script) {
		log.Warn().Int64("script_id", scriptID).Int64("schedule_id", scheduleID).
			Msg("script no longer eligible for scheduled execution, recording failure and removing job")
		sid := scheduleID
		exec, cerr := c.store.CreateSerialized(ctx, scriptID, &sid)
		if cerr == nil {
			c.store.MarkFailure(ctx, exec.ID, "", "Script is inactive or has uninstalled dependencies")
		}
		if c.schedules != nil {
			c.schedules.Remove(scheduleID)
		}
		return
	}

	sid := scheduleID
	_, exec, err := c.admit(ctx, scriptID, &sid)
	if err != nil {
		log.Error().Err(err).Int64("script_id", scriptID).Msg("scheduled run: failed to create execution")
		return
	}

	execCtx, cancel := c.track(exec.ID)
	defer cancel()
	defer c.untrack(exec.ID)
	c.execute(execCtx, script, exec)
}

// admit performs spec §4.E steps 1-2: fetch the script, then serialize
// against any prior in-flight execution for it and insert the new PENDING
// row, all guarded by the cross-instance lock.
func (c *Coordinator) admit(ctx context.Context, scriptID int64, scheduleID *int64) (*models.Script, *models.Execution, error) {
	script, err := c.store.GetScript(ctx, scriptID)
	if err != nil {
		return nil, nil, err
	}

	lease, ok, err := c.locker.Acquire(ctx, scriptID, lockTTL)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, errors.ExecutionAlreadyRunning(scriptID)
	}
	defer lease.Release(context.Background())

	exec, err := c.store.CreateSerialized(ctx, scriptID, scheduleID)
	if err != nil {
		return nil, nil, err
	}

	return script, exec, nil
}

// execute runs spec §4.E steps 3-7 for an already-admitted Execution.
func (c *Coordinator) execute(ctx context.Context, script *models.Script, exec *models.Execution) {
	log := logger.Coordinator().With().Int64("script_id", script.ID).Int64("execution_id", exec.ID).Logger()
	log.Info().Msg("executing script")

	installTimeout := c.cfg.InstallTimeout
	if installTimeout <= 0 {
		installTimeout = 30 * time.Second
	}
	installCtx, installCancel := context.WithTimeout(ctx, installTimeout)
	err := c.prov.Reconcile(installCtx, script)
	installCancel()
	if err != nil {
		msg := fmt.Sprintf("Failed to set up script environment: %v", err)
		c.publisher.PublishInstallFinished(ctx, script.ID, false, msg)
		c.fail(ctx, exec, "", msg)
		return
	}
	c.publisher.PublishInstallFinished(ctx, script.ID, true, "")
	for _, dep := range script.Dependencies {
		if dep.InstalledVersion != "" {
			if err := c.store.UpdateInstalledVersion(ctx, dep.ID, dep.InstalledVersion); err != nil {
				log.Warn().Err(err).Int64("dependency_id", dep.ID).Msg("failed to persist installed version")
			}
		}
	}

	if c.prov.HasUninstalledDependencies(ctx, script) {
		c.fail(ctx, exec, "", "Cannot execute script with uninstalled dependencies")
		return
	}

	stream, err := c.broker.Open(script.ID, exec.ID)
	if err != nil {
		c.fail(ctx, exec, "", fmt.Sprintf("Failed to set up script environment: %v", err))
		return
	}
	defer c.broker.Release(exec.ID)

	if err := c.store.MarkRunning(ctx, exec.ID); err != nil {
		log.Error().Err(err).Msg("failed to mark execution running")
	}
	c.publisher.PublishExecutionStarted(ctx, exec.ID, script.ID, exec.ScheduleID)

	timeout := c.cfg.MaxExecutionTime
	if timeout <= 0 {
		timeout = 300 * time.Second
	}

	lines := make(chan runner.Line, 256)
	resultCh := make(chan runner.Result, 1)
	go func() {
		resultCh <- runner.Run(ctx, c.prov.PythonPath(script.ID), c.prov.ScriptPath(script.ID), c.prov.ScriptDir(script.ID), timeout, lines)
	}()
	result := drainInto(stream, lines, resultCh)

	status, errMessage := outcome(result, int(timeout.Seconds()))
	stream.Finish(status, result.ExitCode, result.TimedOut)
	finalLog := stream.FinalLog()

	if status == models.StatusSuccess {
		if err := c.store.MarkSuccess(ctx, exec.ID, finalLog); err != nil {
			log.Error().Err(err).Msg("failed to mark execution success")
		}
		c.publisher.PublishExecutionSucceeded(ctx, exec.ID, script.ID)
	} else {
		c.fail(ctx, exec, finalLog, errMessage)
	}

	if err := c.broker.RemoveOutputFile(script.ID, exec.ID); err != nil {
		log.Warn().Err(err).Msg("failed to remove output file")
	}

	log.Info().Str("status", string(status)).Msg("execution finished")
}

// drainInto consumes runner output lines and publishes each to the stream
// until the runner reports its terminal Result, then flushes whatever
// remains buffered in the channel.
func drainInto(stream *broker.Stream, lines <-chan runner.Line, resultCh <-chan runner.Result) runner.Result {
	for {
		select {
		case line := <-lines:
			stream.Publish(line)
		case res := <-resultCh:
			for {
				select {
				case line := <-lines:
					stream.Publish(line)
					continue
				default:
				}
				break
			}
			return res
		}
	}
}

// outcome maps a runner.Result onto spec §4.E step 6's status/error rules.
func outcome(result runner.Result, timeoutSeconds int) (models.ExecutionStatus, string) {
	switch {
	case result.Cancelled:
		return models.StatusFailure, "Execution cancelled"
	case result.TimedOut:
		return models.StatusFailure, fmt.Sprintf("Script execution timed out after %d seconds", timeoutSeconds)
	case result.ExitCode != 0:
		return models.StatusFailure, fmt.Sprintf("Script exited with return code %d", result.ExitCode)
	default:
		return models.StatusSuccess, ""
	}
}

func (c *Coordinator) fail(ctx context.Context, exec *models.Execution, logOutput, errMessage string) {
	if err := c.store.MarkFailure(ctx, exec.ID, logOutput, errMessage); err != nil {
		logger.Coordinator().Error().Err(err).Int64("execution_id", exec.ID).Msg("failed to mark execution failure")
	}
	c.publisher.PublishExecutionFailed(ctx, exec.ID, exec.ScriptID, errMessage)
}

// Cancel forwards an external cancellation request to the in-flight
// execution's context (spec §4.E cancellation, §5). Reports false if the
// execution is not currently tracked as running.
func (c *Coordinator) Cancel(executionID int64) bool {
	c.mu.Lock()
	cancel, ok := c.cancels[executionID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

func (c *Coordinator) track(executionID int64) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancels[executionID] = cancel
	c.mu.Unlock()
	return ctx, cancel
}

func (c *Coordinator) untrack(executionID int64) {
	c.mu.Lock()
	delete(c.cancels, executionID)
	c.mu.Unlock()
}

// hasUninstalledDependencies consults the Locker's short-TTL cache before
// falling back to the Environment Provisioner's pip list query, so that
// revalidating many schedules against the same script (startup load,
// back-to-back fire-time checks) doesn't shell out redundantly within the
// cache's TTL (SPEC_FULL.md §3: internal/lock's dependency-check cache).
func (c *Coordinator) hasUninstalledDependencies(ctx context.Context, script *models.Script) bool {
	if cached, ok := c.locker.CachedDependencyCheck(ctx, script.ID); ok {
		return cached
	}
	result := c.prov.HasUninstalledDependencies(ctx, script)
	c.locker.CacheDependencyCheck(ctx, script.ID, result)
	return result
}

// FilterEligibleSchedules implements the eligibility half of spec §4.F's
// add(): a schedule is only handed to the Cron Scheduler if its script is
// active and has no uninstalled dependencies. Ineligible schedules are
// logged and skipped rather than registered.
func (c *Coordinator) FilterEligibleSchedules(ctx context.Context, schedules []*models.Schedule) []*models.Schedule {
	log := logger.Coordinator()
	eligible := make([]*models.Schedule, 0, len(schedules))

	for _, sch := range schedules {
		script, err := c.store.GetScript(ctx, sch.ScriptID)
		if err != nil {
			log.Warn().Err(err).Int64("schedule_id", sch.ID).Msg("skipping schedule: failed to load script")
			continue
		}
		if !script.IsActive {
			log.Info().Int64("schedule_id", sch.ID).Int64("script_id", sch.ScriptID).Msg("skipping schedule: script inactive")
			continue
		}
		if c.hasUninstalledDependencies(ctx, script) {
			log.Info().Int64("schedule_id", sch.ID).Int64("script_id", sch.ScriptID).Msg("skipping schedule: uninstalled dependencies")
			continue
		}
		eligible = append(eligible, sch)
	}

	return eligible
}
