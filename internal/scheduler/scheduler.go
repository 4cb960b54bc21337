// Package scheduler owns run execution: it admits queued runs once their
// project has the full complement of party contributions, drives one worker
// per run through the comparison engine, and exposes monotone stage/progress
// snapshots to status polling. It also reaps tombstoned projects.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"linkline/internal/domain"
	"linkline/internal/engine"
	"linkline/internal/events"
	"linkline/internal/matcher"
)

type Scheduler struct {
	Engine  engine.Engine
	Matcher matcher.Matcher
	Logger  *log.Logger

	PollInterval  time.Duration
	ReapInterval  time.Duration
	DeleteGrace   time.Duration
	MaxConcurrent int

	mu       sync.Mutex
	inflight map[string]struct{}
	trackers map[string]*progressTracker
	stop     chan struct{}
	done     sync.WaitGroup
}

// New builds a scheduler from the engine's config.
func New(e engine.Engine, m matcher.Matcher) *Scheduler {
	cfg := e.Config
	return &Scheduler{
		Engine:        e,
		Matcher:       m,
		Logger:        log.Default(),
		PollInterval:  time.Duration(cfg.Scheduler.PollIntervalMS) * time.Millisecond,
		ReapInterval:  time.Duration(cfg.Scheduler.ReapIntervalMS) * time.Millisecond,
		DeleteGrace:   time.Duration(cfg.Scheduler.DeleteGraceMS) * time.Millisecond,
		MaxConcurrent: cfg.Scheduler.MaxConcurrent,
		inflight:      make(map[string]struct{}),
		trackers:      make(map[string]*progressTracker),
		stop:          make(chan struct{}),
	}
}

// Start launches the admission and reaper loops.
func (s *Scheduler) Start(ctx context.Context) {
	s.done.Add(2)
	go s.admitLoop(ctx)
	go s.reapLoop(ctx)
}

// Close stops the loops and waits for them. In-flight workers finish on
// their own; their runs land in completed or error as usual.
func (s *Scheduler) Close() {
	close(s.stop)
	s.done.Wait()
}

func (s *Scheduler) admitLoop(ctx context.Context) {
	defer s.done.Done()
	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()
	for {
		s.admitOnce(ctx)
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// admitOnce moves ready queued runs into running, one worker per run id.
func (s *Scheduler) admitOnce(ctx context.Context) {
	runs, err := s.Engine.Repo.ListQueuedRuns(ctx)
	if err != nil {
		s.Logger.Printf("scheduler: list queued runs: %v", err)
		return
	}
	for _, run := range runs {
		if !s.reserve(run.ID) {
			continue
		}
		ready, err := s.Engine.ProjectReady(ctx, run.ProjectID)
		if err != nil || !ready {
			// Not ready is not an error; the run waits in the queue.
			if err != nil {
				s.Logger.Printf("scheduler: readiness check for run %s: %v", run.ID, err)
			}
			s.release(run.ID)
			continue
		}
		startedAt := s.Engine.Now().UTC().Format(time.RFC3339)
		if err := s.Engine.Repo.MarkRunRunning(ctx, run.ID, startedAt); err != nil {
			s.release(run.ID)
			continue
		}
		s.appendEvent(ctx, "run.started", run.ProjectID, run.ID, nil)
		go s.execute(ctx, run)
	}
}

// reserve claims worker capacity for a run id; false when the run is already
// executing or the concurrency bound is reached.
func (s *Scheduler) reserve(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[runID]; busy {
		return false
	}
	if len(s.inflight) >= s.MaxConcurrent {
		return false
	}
	s.inflight[runID] = struct{}{}
	return true
}

func (s *Scheduler) release(runID string) {
	s.mu.Lock()
	delete(s.inflight, runID)
	s.mu.Unlock()
}

// execute runs the comparison for one admitted run. Worker failures,
// including panics, land the run in the terminal error state with diagnostic
// text; nothing retries it.
func (s *Scheduler) execute(ctx context.Context, run domain.Run) {
	defer s.release(run.ID)
	defer func() {
		if r := recover(); r != nil {
			s.Logger.Printf("scheduler: run %s panicked: %v\n%s", run.ID, r, debug.Stack())
			s.fail(ctx, run, fmt.Sprintf("worker panic: %v", r))
		}
	}()

	tracker := s.tracker(run.ID)
	tracker.advance(1, 0, 0)

	contribs, err := s.Engine.Repo.ListContributions(ctx, run.ProjectID)
	if err != nil {
		s.fail(ctx, run, fmt.Sprintf("load contributions: %v", err))
		return
	}
	project, err := s.Engine.Repo.GetProject(ctx, run.ProjectID)
	if err != nil {
		s.fail(ctx, run, fmt.Sprintf("load project: %v", err))
		return
	}
	in := matcher.Input{
		ResultType: project.ResultType,
		Threshold:  run.Threshold,
	}
	for _, c := range contribs {
		in.Parties = append(in.Parties, matcher.Party{
			Count: c.EncodingCount,
			Size:  c.EncodingSize,
			Data:  c.Encodings,
		})
	}

	result, err := s.Matcher.Match(ctx, in, tracker.advance)
	if err != nil {
		s.fail(ctx, run, fmt.Sprintf("comparison failed: %v", err))
		return
	}
	payload, err := result.JSON()
	if err != nil {
		s.fail(ctx, run, fmt.Sprintf("encode result: %v", err))
		return
	}
	completedAt := s.Engine.Now().UTC().Format(time.RFC3339)
	if err := s.Engine.Repo.CompleteRun(ctx, run.ID, completedAt, payload); err != nil {
		s.Logger.Printf("scheduler: complete run %s: %v", run.ID, err)
		return
	}
	tracker.finish(len(run.Stages) - 1)
	s.appendEvent(ctx, "run.completed", run.ProjectID, run.ID, events.EventPayload{
		"threshold": run.Threshold,
	})
}

func (s *Scheduler) fail(ctx context.Context, run domain.Run, message string) {
	if err := s.Engine.Repo.FailRun(ctx, run.ID, message); err != nil {
		s.Logger.Printf("scheduler: fail run %s: %v", run.ID, err)
		return
	}
	// Previously observed progress stays untouched; only the state changes.
	s.appendEvent(ctx, "run.error", run.ProjectID, run.ID, events.EventPayload{
		"message": message,
	})
}

func (s *Scheduler) appendEvent(ctx context.Context, evtType, projectID, runID string, payload events.EventPayload) {
	tx, err := s.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		s.Logger.Printf("scheduler: event %s: %v", evtType, err)
		return
	}
	defer tx.Rollback()
	if err := s.Engine.Events.Append(ctx, tx, evtType, projectID, "run", runID, payload); err != nil {
		s.Logger.Printf("scheduler: event %s: %v", evtType, err)
		return
	}
	if err := tx.Commit(); err != nil {
		s.Logger.Printf("scheduler: event %s: %v", evtType, err)
	}
}

// Status composes the polling view of a run from its persisted row and the
// in-memory monotone tracker.
func (s *Scheduler) Status(run domain.Run) domain.RunStatus {
	status := domain.RunStatus{
		State:         run.State,
		Stages:        run.Stages,
		TimeAdded:     run.TimeAdded,
		TimeStarted:   run.TimeStarted,
		TimeCompleted: run.TimeCompleted,
	}
	lastStage := len(run.Stages) - 1
	switch run.State {
	case domain.RunCreated, domain.RunQueued:
		status.CurrentStage = domain.CurrentStage{Number: 0, Description: stageName(run.Stages, 0)}
	case domain.RunCompleted:
		status.CurrentStage = domain.CurrentStage{Number: lastStage, Description: stageName(run.Stages, lastStage)}
		if _, _, total, ok := s.peek(run.ID); ok && total > 0 {
			status.CurrentStage.Progress = &domain.StageProgress{Absolute: total, Relative: 1}
		}
	default:
		// running or error: report the tracker snapshot when this process
		// observed the run execute, else the persisted floor.
		stage, abs, total, ok := s.peek(run.ID)
		if !ok {
			stage = 0
			if run.State == domain.RunRunning {
				stage = 1
			}
		}
		if stage > lastStage {
			stage = lastStage
		}
		status.CurrentStage = domain.CurrentStage{Number: stage, Description: stageName(run.Stages, stage)}
		if ok && total > 0 {
			rel := float64(abs) / float64(total)
			if rel > 1 {
				rel = 1
			}
			status.CurrentStage.Progress = &domain.StageProgress{Absolute: abs, Relative: rel}
		}
	}
	if run.State == domain.RunError {
		status.Message = run.ErrorMessage
	}
	return status
}

func stageName(stages []string, i int) string {
	if i >= 0 && i < len(stages) {
		return stages[i]
	}
	return ""
}

func (s *Scheduler) tracker(runID string) *progressTracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trackers[runID]
	if !ok {
		t = &progressTracker{}
		s.trackers[runID] = t
	}
	return t
}

func (s *Scheduler) peek(runID string) (stage int, absolute, total int64, ok bool) {
	s.mu.Lock()
	t, ok := s.trackers[runID]
	s.mu.Unlock()
	if !ok {
		return 0, 0, 0, false
	}
	stage, absolute, total = t.snapshot()
	return stage, absolute, total, true
}

func (s *Scheduler) dropTracker(runID string) {
	s.mu.Lock()
	delete(s.trackers, runID)
	s.mu.Unlock()
}

// reapLoop erases tombstoned projects once their grace period has passed.
// Delete is mark-then-reap: the tombstone takes effect for authorization
// immediately, storage goes away here.
func (s *Scheduler) reapLoop(ctx context.Context) {
	defer s.done.Done()
	ticker := time.NewTicker(s.ReapInterval)
	defer ticker.Stop()
	for {
		s.reapOnce(ctx)
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) reapOnce(ctx context.Context) {
	cutoff := s.Engine.Now().UTC().Add(-s.DeleteGrace).Format(time.RFC3339)
	ids, err := s.Engine.Repo.ListProjectsMarkedBefore(ctx, cutoff)
	if err != nil {
		s.Logger.Printf("scheduler: list tombstoned projects: %v", err)
		return
	}
	for _, id := range ids {
		runs, err := s.Engine.Repo.ListRuns(ctx, id)
		if err == nil {
			for _, run := range runs {
				s.dropTracker(run.ID)
			}
		}
		if err := s.Engine.Repo.EraseProject(ctx, id); err != nil {
			s.Logger.Printf("scheduler: erase project %s: %v", id, err)
		}
	}
}
