package bob

import (
	"context"
	"errors"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"
)

func readFileString(path string) (string, error) {
	data, err := os.ReadFile(path)
	return string(data), err
}

type jobUpdate struct {
	id        string
	lastRunAt int64
	nextRunAt int64
	enabled   bool
}

// fakeJobStore hands out a scripted batch of due jobs once.
type fakeJobStore struct {
	mu      sync.Mutex
	due     []Job
	updates []jobUpdate
}

func (f *fakeJobStore) AddJob(context.Context, JobInput) (Job, error) { return Job{}, nil }
func (f *fakeJobStore) ListJobs(context.Context) ([]Job, error)      { return nil, nil }
func (f *fakeJobStore) ListChatJobs(context.Context, int64) ([]Job, error) {
	return nil, nil
}
func (f *fakeJobStore) RemoveJob(context.Context, string) (bool, error) { return false, nil }

func (f *fakeJobStore) ClaimDue(context.Context, int64, int) ([]Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	batch := f.due
	f.due = nil
	return batch, nil
}

func (f *fakeJobStore) UpdateAfterRun(_ context.Context, id string, lastRunAt, nextRunAt int64, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, jobUpdate{id: id, lastRunAt: lastRunAt, nextRunAt: nextRunAt, enabled: enabled})
	return nil
}

func (f *fakeJobStore) NextDueAt(context.Context) (int64, bool, error) { return 0, false, nil }

func (f *fakeJobStore) lastUpdate(t *testing.T) jobUpdate {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.updates) == 0 {
		t.Fatal("no job updates recorded")
	}
	return f.updates[len(f.updates)-1]
}

// fakeRunner records executed jobs and can fail.
type fakeRunner struct {
	mu   sync.Mutex
	ran  []Job
	fail error
}

func (f *fakeRunner) RunJob(_ context.Context, job Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = append(f.ran, job)
	return f.fail
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ran)
}

var schedTestNow = time.Date(2026, 8, 24, 23, 0, 0, 0, time.UTC)

func testScheduler(jobs *fakeJobStore, runner *fakeRunner, opts ...SchedulerOption) *Scheduler {
	opts = append(opts, WithSchedulerClock(func() time.Time { return schedTestNow }))
	return NewScheduler(jobs, nil, runner, opts...)
}

func TestSchedulerRunsDueJobs(t *testing.T) {
	jobs := &fakeJobStore{due: []Job{
		{ID: "one", ChatID: 1, Type: JobSendMessage, ScheduleKind: ScheduleAt, ScheduleSpec: "0"},
	}}
	runner := &fakeRunner{}
	s := testScheduler(jobs, runner)

	s.tick(context.Background())

	if runner.count() != 1 {
		t.Fatalf("expected 1 run, got %d", runner.count())
	}
	up := jobs.lastUpdate(t)
	if up.id != "one" || up.enabled || up.nextRunAt != 0 {
		t.Errorf("one-shot not finalized: %+v", up)
	}
	if up.lastRunAt != schedTestNow.UnixMilli() {
		t.Errorf("lastRunAt = %d, want %d", up.lastRunAt, schedTestNow.UnixMilli())
	}
}

func TestSchedulerReschedulesRecurring(t *testing.T) {
	jobs := &fakeJobStore{due: []Job{
		{ID: "rec", ChatID: 1, Type: JobSendMessage, ScheduleKind: ScheduleEvery, ScheduleSpec: "30m"},
	}}
	runner := &fakeRunner{}
	s := testScheduler(jobs, runner)

	s.tick(context.Background())

	up := jobs.lastUpdate(t)
	if !up.enabled {
		t.Error("recurring job should stay enabled")
	}
	if want := schedTestNow.Add(30 * time.Minute).UnixMilli(); up.nextRunAt != want {
		t.Errorf("nextRunAt = %d, want %d", up.nextRunAt, want)
	}
}

func TestSchedulerFailedRunRetainsSchedule(t *testing.T) {
	due := schedTestNow.Add(-time.Minute).UnixMilli()
	jobs := &fakeJobStore{due: []Job{
		{ID: "rec", ChatID: 1, Type: JobSendMessage, ScheduleKind: ScheduleEvery,
			ScheduleSpec: "10m", NextRunAt: due, LastRunAt: 7},
	}}
	runner := &fakeRunner{fail: errors.New("engine down")}
	s := testScheduler(jobs, runner)

	s.tick(context.Background())

	up := jobs.lastUpdate(t)
	if !up.enabled || up.nextRunAt != due {
		t.Errorf("failed run must keep the job due for the next tick: %+v", up)
	}
	if up.lastRunAt != 7 {
		t.Errorf("failed run must not stamp lastRunAt, got %d", up.lastRunAt)
	}
}

func TestSchedulerFailedOneShotIsReenabled(t *testing.T) {
	due := schedTestNow.Add(-time.Minute).UnixMilli()
	jobs := &fakeJobStore{due: []Job{
		{ID: "once", ChatID: 1, Type: JobAgentTurn, ScheduleKind: ScheduleAt,
			ScheduleSpec: "0", NextRunAt: due},
	}}
	runner := &fakeRunner{fail: errors.New("engine down")}
	s := testScheduler(jobs, runner)

	s.tick(context.Background())

	// The claim flipped the one-shot off; a failed run must restore it.
	up := jobs.lastUpdate(t)
	if !up.enabled || up.nextRunAt != due {
		t.Errorf("failed one-shot not restored for retry: %+v", up)
	}
}

func TestSchedulerDisablesUnparseableSchedule(t *testing.T) {
	jobs := &fakeJobStore{due: []Job{
		{ID: "bad", ChatID: 1, Type: JobSendMessage, ScheduleKind: ScheduleCron, ScheduleSpec: "garbage"},
	}}
	runner := &fakeRunner{}
	s := testScheduler(jobs, runner)

	s.tick(context.Background())

	up := jobs.lastUpdate(t)
	if up.enabled || up.nextRunAt != 0 {
		t.Errorf("unparseable schedule should disable the job: %+v", up)
	}
}

func dndActiveUntil(t *testing.T, endsAt time.Time) *DND {
	t.Helper()
	d := NewDND(t.TempDir() + "/dnd.json")
	if err := d.SetAdhoc(endsAt.UnixMilli(), "requested"); err != nil {
		t.Fatalf("SetAdhoc: %v", err)
	}
	return d
}

func TestSchedulerDefersNotifyingJobsDuringDND(t *testing.T) {
	quietEnd := schedTestNow.Add(2 * time.Hour)
	jobs := &fakeJobStore{due: []Job{
		{ID: "remind", ChatID: 1, Type: JobSendMessage, ScheduleKind: ScheduleAt, ScheduleSpec: "0", LastRunAt: 5},
	}}
	runner := &fakeRunner{}
	s := testScheduler(jobs, runner, WithDND(dndActiveUntil(t, quietEnd)))

	s.tick(context.Background())

	if runner.count() != 0 {
		t.Fatal("quiet-hours job must not run")
	}
	up := jobs.lastUpdate(t)
	if up.nextRunAt != quietEnd.UnixMilli() || !up.enabled {
		t.Errorf("job not deferred to window end: %+v", up)
	}
	if up.lastRunAt != 5 {
		t.Errorf("deferral must not touch lastRunAt, got %d", up.lastRunAt)
	}
}

func TestSchedulerUrgentBypassesDND(t *testing.T) {
	jobs := &fakeJobStore{due: []Job{
		{ID: "urgent", ChatID: 1, Type: JobSendMessage, ScheduleKind: ScheduleAt,
			ScheduleSpec: "0", Payload: `{"urgent":true}`},
	}}
	runner := &fakeRunner{}
	s := testScheduler(jobs, runner, WithDND(dndActiveUntil(t, schedTestNow.Add(time.Hour))))

	s.tick(context.Background())

	if runner.count() != 1 {
		t.Error("urgent job should run through quiet hours")
	}
}

func TestSchedulerSystemJobsIgnoreDND(t *testing.T) {
	jobs := &fakeJobStore{due: []Job{
		{ID: "sys", ChatID: 0, Type: JobScript, ScheduleKind: ScheduleEvery,
			ScheduleSpec: "1h", Payload: `{"script":"backup.sh"}`},
	}}
	runner := &fakeRunner{}
	s := testScheduler(jobs, runner, WithDND(dndActiveUntil(t, schedTestNow.Add(time.Hour))))

	s.tick(context.Background())

	if runner.count() != 1 {
		t.Error("system job should run during quiet hours")
	}
}

func TestJobNotifies(t *testing.T) {
	cases := []struct {
		name string
		job  Job
		want bool
	}{
		{"system chat never notifies", Job{ChatID: 0, Type: JobSendMessage}, false},
		{"send_message notifies", Job{ChatID: 1, Type: JobSendMessage}, true},
		{"agent_turn notifies", Job{ChatID: 1, Type: JobAgentTurn}, true},
		{"quiet script", Job{ChatID: 1, Type: JobScript}, false},
		{"notifying script", Job{ChatID: 1, Type: JobScript, Payload: `{"notify":true}`}, true},
	}
	for _, tc := range cases {
		if got := jobNotifies(tc.job); got != tc.want {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestSchedulerWakeCoalesces(t *testing.T) {
	s := NewScheduler(&fakeJobStore{}, nil, &fakeRunner{})
	// Repeated wakes while nobody is listening must not block.
	for i := 0; i < 10; i++ {
		s.Wake()
	}
}

func TestSchedulerReindexesOnWatchedChange(t *testing.T) {
	dir := t.TempDir()
	var mu sync.Mutex
	calls := 0
	s := NewScheduler(&fakeJobStore{}, nil, &fakeRunner{},
		WithMaxSleep(10*time.Millisecond),
		WithWatchPaths(dir),
		WithReindexFunc(func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			calls++
			return nil
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	// Let the watcher attach before touching the corpus.
	time.Sleep(20 * time.Millisecond)
	if err := os.WriteFile(dir+"/note.md", []byte("# hi\n"), 0o644); err != nil {
		t.Fatalf("write note: %v", err)
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls > 0
	})
}

func TestSchedulerRunWritesPIDFile(t *testing.T) {
	pidPath := t.TempDir() + "/bob.pid"
	jobs := &fakeJobStore{}
	s := NewScheduler(jobs, nil, &fakeRunner{},
		WithPIDFile(pidPath),
		WithMaxSleep(10*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitFor(t, func() bool {
		data, err := readFileString(pidPath)
		return err == nil && data != ""
	})
	data, err := readFileString(pidPath)
	if err != nil {
		t.Fatalf("read pid file: %v", err)
	}
	if _, err := strconv.Atoi(data); err != nil {
		t.Errorf("pid file content %q is not a pid", data)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
	waitFor(t, func() bool {
		_, err := readFileString(pidPath)
		return err != nil
	})
}
