package bob

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// defaultMaxSleep caps the scheduler's idle sleep so config or clock
	// drift never parks the loop for long.
	defaultMaxSleep = 60 * time.Second
	// wakeDebounce coalesces bursts of filesystem wake events.
	wakeDebounce = 200 * time.Millisecond
	// pendingRetrySleep is the nap between drain rounds while events remain.
	pendingRetrySleep = time.Second
)

// JobRunner executes one claimed job.
type JobRunner interface {
	RunJob(ctx context.Context, job Job) error
}

// EventDrainer processes the pending event queue until empty or blocked.
type EventDrainer interface {
	Drain(ctx context.Context) error
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerLogger sets a structured logger.
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// WithMaxSleep caps the idle sleep between ticks.
func WithMaxSleep(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.maxSleep = d
		}
	}
}

// WithClaimLimit bounds jobs claimed per tick.
func WithClaimLimit(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.claimLimit = n
		}
	}
}

// WithPIDFile writes the daemon pid at path while Run is active.
func WithPIDFile(path string) SchedulerOption {
	return func(s *Scheduler) { s.pidPath = path }
}

// WithWatchPaths wakes the loop when any of the given files or directories
// change (debounced).
func WithWatchPaths(paths ...string) SchedulerOption {
	return func(s *Scheduler) { s.watchPaths = append(s.watchPaths, paths...) }
}

// WithEventDrainer attaches the event-queue processor.
func WithEventDrainer(d EventDrainer) SchedulerOption {
	return func(s *Scheduler) { s.drainer = d }
}

// WithReindexFunc runs f on the scheduler goroutine after a watched path
// changes, so corpus edits are re-indexed while the daemon runs.
func WithReindexFunc(f func(context.Context) error) SchedulerOption {
	return func(s *Scheduler) { s.reindex = f }
}

// WithDND attaches the do-not-disturb gate.
func WithDND(d *DND) SchedulerOption {
	return func(s *Scheduler) { s.dnd = d }
}

// WithSchedulerClock overrides wall-clock reads, for tests.
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// WithSchedulerTracer attaches a tracer; ticks and job runs become spans.
func WithSchedulerTracer(t Tracer) SchedulerOption {
	return func(s *Scheduler) {
		if t != nil {
			s.tracer = t
		}
	}
}

// Scheduler is the daemon's heartbeat: it claims due jobs, runs them,
// drains the event queue, and sleeps adaptively until the next deadline.
// External wake sources (SIGUSR1, file writes, Wake) cut the sleep short
// so new work is noticed immediately.
type Scheduler struct {
	jobs    JobStore
	events  EventStore
	runner  JobRunner
	drainer EventDrainer
	dnd     *DND

	logger     *slog.Logger
	tracer     Tracer
	maxSleep   time.Duration
	claimLimit int
	pidPath    string
	watchPaths []string
	reindex    func(context.Context) error
	now        func() time.Time

	wake          chan struct{}
	reindexNeeded atomic.Bool
}

// NewScheduler wires a scheduler over the given stores and runner.
func NewScheduler(jobs JobStore, events EventStore, runner JobRunner, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		jobs:       jobs,
		events:     events,
		runner:     runner,
		logger:     NopLogger(),
		tracer:     NopTracer(),
		maxSleep:   defaultMaxSleep,
		claimLimit: DefaultClaimLimit,
		now:        time.Now,
		wake:       make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Wake nudges the loop out of its sleep. Safe from any goroutine; multiple
// wakes coalesce.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives the scheduler until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.pidPath != "" {
		if err := writeFileAtomic(s.pidPath, []byte(strconv.Itoa(os.Getpid()))); err != nil {
			return fmt.Errorf("scheduler: write pid file: %w", err)
		}
		defer os.Remove(s.pidPath)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1)
	defer signal.Stop(sigCh)

	if len(s.watchPaths) > 0 {
		stop, err := s.watchFiles(ctx)
		if err != nil {
			s.logger.Warn("scheduler: file watch unavailable", "error", err)
		} else {
			defer stop()
		}
	}

	s.logger.Info("scheduler: started", "max_sleep", s.maxSleep)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if s.reindex != nil && s.reindexNeeded.Swap(false) {
			if err := s.reindex(ctx); err != nil {
				s.logger.Warn("scheduler: reindex after corpus change", "error", err)
			}
		}
		s.tick(ctx)
		s.drain(ctx)

		sleep := s.nextSleep(ctx)
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		case <-s.wake:
			timer.Stop()
		case <-sigCh:
			timer.Stop()
			s.logger.Debug("scheduler: woken by signal")
		}
	}
}

// tick claims and executes everything due right now.
func (s *Scheduler) tick(ctx context.Context) {
	for {
		now := s.now()
		claimed, err := s.jobs.ClaimDue(ctx, now.UnixMilli(), s.claimLimit)
		if err != nil {
			s.logger.Error("scheduler: claim due jobs", "error", err)
			return
		}
		if len(claimed) == 0 {
			return
		}
		for _, job := range claimed {
			s.runOne(ctx, job, now)
		}
		// A full batch may mean more rows were due; loop until drained.
		if len(claimed) < s.claimLimit {
			return
		}
	}
}

func (s *Scheduler) runOne(ctx context.Context, job Job, now time.Time) {
	ctx, span := s.tracer.Start(ctx, "scheduler.run_job",
		StringAttr("job_id", job.ID),
		StringAttr("job_type", string(job.Type)),
		Int64Attr("chat_id", job.ChatID))
	defer span.End()

	if s.deferForDND(ctx, job, now) {
		span.Event("deferred_for_quiet_hours")
		return
	}

	start := time.Now()
	if err := s.runner.RunJob(ctx, job); err != nil {
		span.Error(err)
		s.logger.Error("scheduler: job failed",
			"job_id", job.ID, "type", job.Type, "duration", time.Since(start), "error", err)
		// No retry budget: the schedule is left untouched so the job is
		// still due on the next tick. One-shots were disabled by the
		// claim and get their original due time back.
		if uerr := s.jobs.UpdateAfterRun(ctx, job.ID, job.LastRunAt, job.NextRunAt, true); uerr != nil {
			s.logger.Error("scheduler: restore failed job", "job_id", job.ID, "error", uerr)
		}
		return
	}
	s.logger.Debug("scheduler: job done",
		"job_id", job.ID, "type", job.Type, "duration", time.Since(start))

	nowMS := now.UnixMilli()
	switch job.ScheduleKind {
	case ScheduleAt:
		if err := s.jobs.UpdateAfterRun(ctx, job.ID, nowMS, 0, false); err != nil {
			s.logger.Error("scheduler: finalize one-shot", "job_id", job.ID, "error", err)
		}
	default:
		next, nerr := NextRun(job.ScheduleKind, job.ScheduleSpec, now)
		if nerr != nil {
			s.logger.Error("scheduler: schedule unparseable, disabling job",
				"job_id", job.ID, "spec", job.ScheduleSpec, "error", nerr)
			_ = s.jobs.UpdateAfterRun(ctx, job.ID, nowMS, 0, false)
			return
		}
		if err := s.jobs.UpdateAfterRun(ctx, job.ID, nowMS, next, true); err != nil {
			s.logger.Error("scheduler: reschedule", "job_id", job.ID, "error", err)
		}
	}
}

// deferForDND pushes a user-visible, non-urgent job to the end of the
// quiet window instead of running it. Reports whether the job was deferred.
func (s *Scheduler) deferForDND(ctx context.Context, job Job, now time.Time) bool {
	if s.dnd == nil {
		return false
	}
	st := s.dnd.Status(now)
	if !st.Active || !jobNotifies(job) {
		return false
	}
	if ParseJobPayload(job.Payload).Urgent {
		return false
	}
	s.logger.Info("scheduler: deferring job for quiet hours",
		"job_id", job.ID, "until", time.UnixMilli(st.EndsAt))
	if err := s.jobs.UpdateAfterRun(ctx, job.ID, job.LastRunAt, st.EndsAt, true); err != nil {
		s.logger.Error("scheduler: defer job", "job_id", job.ID, "error", err)
	}
	return true
}

// jobNotifies reports whether running the job would message the user.
// System jobs (chat 0) never notify.
func jobNotifies(job Job) bool {
	if job.ChatID == 0 {
		return false
	}
	switch job.Type {
	case JobSendMessage, JobAgentTurn:
		return true
	case JobScript:
		return ParseJobPayload(job.Payload).Notify
	}
	return false
}

func (s *Scheduler) drain(ctx context.Context) {
	if s.drainer == nil {
		return
	}
	if err := s.drainer.Drain(ctx); err != nil {
		s.logger.Error("scheduler: event drain", "error", err)
	}
}

// nextSleep sizes the nap: short when events are still pending, otherwise
// until the next job deadline, capped at maxSleep.
func (s *Scheduler) nextSleep(ctx context.Context) time.Duration {
	now := s.now()
	if s.events != nil {
		if n, err := s.events.CountPending(ctx, now.UnixMilli()); err == nil && n > 0 {
			return pendingRetrySleep
		}
	}
	at, ok, err := s.jobs.NextDueAt(ctx)
	if err != nil {
		s.logger.Error("scheduler: next due", "error", err)
		return s.maxSleep
	}
	if !ok {
		return s.maxSleep
	}
	until := time.UnixMilli(at).Sub(now)
	if until <= 0 {
		// Already-due work (e.g. a job that just failed) retries on a
		// short pace instead of spinning the loop.
		return pendingRetrySleep
	}
	if until > s.maxSleep {
		return s.maxSleep
	}
	return until
}

// watchFiles wakes the loop when a watched path changes, debounced so an
// editor's write burst lands as one wake.
func (s *Scheduler) watchFiles(ctx context.Context) (func(), error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, p := range s.watchPaths {
		if err := w.Add(p); err != nil {
			s.logger.Warn("scheduler: cannot watch path", "path", p, "error", err)
		}
	}
	go func() {
		var timer *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(wakeDebounce, func() {
					s.reindexNeeded.Store(true)
					s.Wake()
				})
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.Warn("scheduler: watch error", "error", err)
			}
		}
	}()
	return func() { w.Close() }, nil
}
