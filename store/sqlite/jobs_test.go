package sqlite

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/bobd/bob"
)

func addTestJob(t *testing.T, s *Store, kind bob.ScheduleKind, spec string) bob.Job {
	t.Helper()
	job, err := s.AddJob(context.Background(), bob.JobInput{
		ChatID:       42,
		ScheduleKind: kind,
		ScheduleSpec: spec,
		Type:         bob.JobSendMessage,
		Payload:      `{"text":"hi"}`,
	})
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	return job
}

func pastSpec(d time.Duration) string {
	return strconv.FormatInt(time.Now().Add(-d).UnixMilli(), 10)
}

func TestAddJobDefaults(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	job, err := s.AddJob(ctx, bob.JobInput{
		ScheduleKind: bob.ScheduleEvery,
		ScheduleSpec: "1h",
		Type:         bob.JobAgentTurn,
	})
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if job.Payload != "{}" {
		t.Errorf("empty payload should default to {}, got %q", job.Payload)
	}
	if job.ContextMode != bob.ContextSession {
		t.Errorf("context mode should default to session, got %q", job.ContextMode)
	}
	if !job.Enabled {
		t.Error("new job should be enabled")
	}
	if job.NextRunAt <= time.Now().UnixMilli() {
		t.Errorf("every-1h job should be due in the future, got %d", job.NextRunAt)
	}
}

func TestAddJobRejectsBadSchedule(t *testing.T) {
	s := testStore(t)
	_, err := s.AddJob(context.Background(), bob.JobInput{
		ScheduleKind: bob.ScheduleCron,
		ScheduleSpec: "not a cron line",
		Type:         bob.JobSendMessage,
	})
	if err == nil {
		t.Fatal("expected error for invalid cron spec")
	}
	var invalid *bob.ErrInvalidSchedule
	if !errors.As(err, &invalid) {
		t.Errorf("expected *ErrInvalidSchedule, got %T", err)
	}
}

func TestClaimDueFlipsOneShots(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	oneShot := addTestJob(t, s, bob.ScheduleAt, pastSpec(time.Minute))
	recurring := addTestJob(t, s, bob.ScheduleEvery, "1ms")
	time.Sleep(5 * time.Millisecond)

	now := time.Now().UnixMilli()
	claimed, err := s.ClaimDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("expected 2 due jobs, got %d", len(claimed))
	}

	// The one-shot must never be claimable again.
	again, err := s.ClaimDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("second ClaimDue: %v", err)
	}
	for _, j := range again {
		if j.ID == oneShot.ID {
			t.Error("one-shot job claimed twice")
		}
	}

	// The recurring job stays enabled with its next run untouched.
	jobs, _ := s.ListJobs(ctx)
	for _, j := range jobs {
		switch j.ID {
		case oneShot.ID:
			if j.Enabled || j.NextRunAt != 0 {
				t.Errorf("one-shot not disarmed: enabled=%v next=%d", j.Enabled, j.NextRunAt)
			}
		case recurring.ID:
			if !j.Enabled {
				t.Error("recurring job should stay enabled after claim")
			}
		}
	}
}

func TestClaimDueRespectsLimitAndOrder(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		addTestJob(t, s, bob.ScheduleAt, pastSpec(time.Duration(5-i)*time.Minute))
	}

	claimed, err := s.ClaimDue(ctx, time.Now().UnixMilli(), 3)
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if len(claimed) != 3 {
		t.Fatalf("expected 3 claimed, got %d", len(claimed))
	}
	for i := 1; i < len(claimed); i++ {
		if claimed[i-1].NextRunAt > claimed[i].NextRunAt {
			t.Error("claimed jobs not ordered by due time")
		}
	}
}

func TestUpdateAfterRunReschedules(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	job := addTestJob(t, s, bob.ScheduleEvery, "1h")
	now := time.Now().UnixMilli()
	next := now + 3600_000
	if err := s.UpdateAfterRun(ctx, job.ID, now, next, true); err != nil {
		t.Fatalf("UpdateAfterRun: %v", err)
	}

	jobs, _ := s.ListChatJobs(ctx, 42)
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
	if jobs[0].LastRunAt != now || jobs[0].NextRunAt != next {
		t.Errorf("update not persisted: last=%d next=%d", jobs[0].LastRunAt, jobs[0].NextRunAt)
	}
}

func TestRemoveJob(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	job := addTestJob(t, s, bob.ScheduleEvery, "1h")
	removed, err := s.RemoveJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("RemoveJob: %v", err)
	}
	if !removed {
		t.Error("expected removed=true for existing job")
	}
	removed, err = s.RemoveJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("second RemoveJob: %v", err)
	}
	if removed {
		t.Error("expected removed=false for missing job")
	}
}

func TestNextDueAt(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, ok, err := s.NextDueAt(ctx); err != nil {
		t.Fatalf("NextDueAt empty: %v", err)
	} else if ok {
		t.Error("empty table should report no due time")
	}

	early := addTestJob(t, s, bob.ScheduleAt, pastSpec(time.Hour))
	addTestJob(t, s, bob.ScheduleEvery, "24h")

	at, ok, err := s.NextDueAt(ctx)
	if err != nil {
		t.Fatalf("NextDueAt: %v", err)
	}
	if !ok || at != early.NextRunAt {
		t.Errorf("expected earliest due %d, got %d (ok=%v)", early.NextRunAt, at, ok)
	}
}
