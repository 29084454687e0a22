package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"jobbroker/internal/apperrors"
	"jobbroker/internal/auth"
	"jobbroker/internal/config"
	"jobbroker/internal/destination"
	"jobbroker/internal/filesystem"
	"jobbroker/internal/intake"
	"jobbroker/internal/job"
	"jobbroker/internal/jobstore"
	"jobbroker/internal/scheduler"
	"jobbroker/internal/testutil"
)

// fakeScheduler scripts scheduler responses for reconcile tests.
type fakeScheduler struct {
	mu        sync.Mutex
	states    map[string]job.State
	stateErr  error
	submits   int
	cancelled []string
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{states: make(map[string]job.State)}
}

func (f *fakeScheduler) Submit(ctx context.Context, desc scheduler.Description) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	id := fmt.Sprintf("fake-%d", f.submits)
	f.states[id] = job.StateQueued
	_ = scheduler.WriteSentinel(desc.SentinelDir(), id)
	return id, nil
}

func (f *fakeScheduler) State(ctx context.Context, internalID string) (job.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stateErr != nil {
		return "", f.stateErr
	}
	st, ok := f.states[internalID]
	if !ok {
		return "", apperrors.SchedulerState("fake.state", errors.New("unknown job"))
	}
	return st, nil
}

func (f *fakeScheduler) Cancel(ctx context.Context, internalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, internalID)
	f.states[internalID] = job.StateError
	return nil
}

func (f *fakeScheduler) Close() error { return nil }

func (f *fakeScheduler) set(internalID string, st job.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[internalID] = st
}

// harness bundles an orchestrator over a memory store.
type harness struct {
	orch    *Orchestrator
	store   *jobstore.MemoryStore
	jobRoot string
}

func newHarness(t *testing.T, dests map[string]*destination.Destination, picker string) *harness {
	t.Helper()
	jobRoot := t.TempDir()
	store := jobstore.NewMemoryStore()

	names := []string{"wc"}
	p, err := destination.NewPicker(picker, dests, names)
	if err != nil {
		t.Fatal(err)
	}

	orch := New(store, dests, p, jobRoot, nil)
	if err := orch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
		destination.CloseAll(dests)
	})
	return &harness{orch: orch, store: store, jobRoot: jobRoot}
}

func memoryDestinations(t *testing.T, names ...string) map[string]*destination.Destination {
	t.Helper()
	cfgs := map[string]config.DestinationConfig{}
	for _, name := range names {
		cfgs[name] = config.DestinationConfig{
			Scheduler:  config.SchedulerConfig{Type: config.SchedulerMemory, Memory: &config.MemorySchedulerConfig{Slots: 1}},
			Filesystem: config.FilesystemConfig{Type: config.FilesystemLocal},
		}
	}
	dests, err := destination.Build(context.Background(), cfgs)
	if err != nil {
		t.Fatal(err)
	}
	return dests
}

// stageDir fabricates what intake.Stage produces: input/ with files, output/.
func stageDir(t *testing.T, jobRoot string, files map[string]string) string {
	t.Helper()
	staging := filepath.Join(jobRoot, ".staging-test-"+fmt.Sprint(time.Now().UnixNano()))
	if err := os.MkdirAll(filepath.Join(staging, intake.InputDir), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(staging, intake.OutputDir), 0o755); err != nil {
		t.Fatal(err)
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(staging, intake.InputDir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return staging
}

func waitTerminal(t *testing.T, h *harness, jobID int64) *job.Job {
	t.Helper()
	var final *job.Job
	testutil.MustWaitFor(t, func() bool {
		j, err := h.store.Get(context.Background(), jobID)
		if err != nil {
			return false
		}
		final = j
		return j.State.Terminal()
	}, testutil.WithTimeout(15*time.Second))
	return final
}

func TestSubmitHappyPathMemoryDestination(t *testing.T) {
	h := newHarness(t, memoryDestinations(t, "local"), "first")

	staging := stageDir(t, h.jobRoot, map[string]string{"README.md": "hello\n"})
	jobID, err := h.orch.Submit(context.Background(), SubmitRequest{
		Application: "wc",
		Name:        "count words",
		Principal:   auth.Principal{UserID: "alice"},
		Command:     "wc README.md",
		StagingDir:  staging,
		Token:       "tok",
	})
	if err != nil {
		t.Fatal(err)
	}

	final := waitTerminal(t, h, jobID)
	if final.State != job.StateOK {
		t.Fatalf("final state = %s, reason %q", final.State, final.Reason)
	}
	if final.ExitCode == nil || *final.ExitCode != 0 {
		t.Errorf("exit code = %v", final.ExitCode)
	}

	jobDir := h.orch.JobDir(jobID)
	stdout, err := os.ReadFile(filepath.Join(jobDir, "stdout.txt"))
	if err != nil {
		t.Fatal(err)
	}
	fields := strings.Fields(string(stdout))
	if len(fields) < 4 || fields[0] != "1" || fields[1] != "1" || fields[2] != "6" {
		t.Errorf("stdout.txt = %q", stdout)
	}

	meta, err := os.ReadFile(filepath.Join(jobDir, intake.MetaFile))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(meta)), "\n")
	if lines[len(lines)-1] != "tok" {
		t.Errorf("meta last line = %q, want bearer token", lines[len(lines)-1])
	}
}

func TestSubmitFailingCommand(t *testing.T) {
	h := newHarness(t, memoryDestinations(t, "local"), "first")

	staging := stageDir(t, h.jobRoot, map[string]string{"README.md": "hello\n"})
	jobID, err := h.orch.Submit(context.Background(), SubmitRequest{
		Application: "wc",
		Principal:   auth.Principal{UserID: "alice"},
		Command:     "exit 7",
		StagingDir:  staging,
	})
	if err != nil {
		t.Fatal(err)
	}

	final := waitTerminal(t, h, jobID)
	if final.State != job.StateError {
		t.Fatalf("final state = %s", final.State)
	}
	if final.ExitCode == nil || *final.ExitCode != 7 {
		t.Errorf("exit code = %v", final.ExitCode)
	}
}

func TestSubmitPickerRotation(t *testing.T) {
	h := newHarness(t, memoryDestinations(t, "d1", "d2", "d3"), "round")

	want := []string{"d1", "d2", "d3", "d1", "d2", "d3", "d1"}
	for i, expected := range want {
		staging := stageDir(t, h.jobRoot, map[string]string{"README.md": "x"})
		jobID, err := h.orch.Submit(context.Background(), SubmitRequest{
			Application: "wc",
			Principal:   auth.Principal{UserID: "alice"},
			Command:     "true",
			StagingDir:  staging,
		})
		if err != nil {
			t.Fatal(err)
		}
		j, err := h.store.Get(context.Background(), jobID)
		if err != nil {
			t.Fatal(err)
		}
		if j.Destination != expected {
			t.Errorf("submission %d -> %s, want %s", i+1, j.Destination, expected)
		}
	}
}

func TestSubmitUnknownDestinationCreatesNoJob(t *testing.T) {
	dests := memoryDestinations(t, "wrong-name")
	h := newHarness(t, dests, "byname")

	staging := stageDir(t, h.jobRoot, map[string]string{"README.md": "x"})
	_, err := h.orch.Submit(context.Background(), SubmitRequest{
		Application: "wc",
		Principal:   auth.Principal{UserID: "alice"},
		Command:     "true",
		StagingDir:  staging,
	})
	if !errors.Is(err, apperrors.ErrConfiguration) {
		t.Fatalf("error = %v, want configuration error", err)
	}

	jobs, _ := h.store.List(context.Background(), "")
	if len(jobs) != 0 {
		t.Errorf("%d job rows created, want 0", len(jobs))
	}
}

func TestCancelTerminalJobIsNoop(t *testing.T) {
	h := newHarness(t, memoryDestinations(t, "local"), "first")

	staging := stageDir(t, h.jobRoot, map[string]string{"README.md": "x"})
	jobID, err := h.orch.Submit(context.Background(), SubmitRequest{
		Application: "wc",
		Principal:   auth.Principal{UserID: "alice"},
		Command:     "true",
		StagingDir:  staging,
	})
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, h, jobID)

	for i := 0; i < 3; i++ {
		if err := h.orch.Cancel(context.Background(), jobID); err != nil {
			t.Errorf("cancel %d on terminal job: %v", i, err)
		}
	}
}

func TestCancelRunningJob(t *testing.T) {
	h := newHarness(t, memoryDestinations(t, "local"), "first")

	staging := stageDir(t, h.jobRoot, map[string]string{"README.md": "x"})
	jobID, err := h.orch.Submit(context.Background(), SubmitRequest{
		Application: "wc",
		Principal:   auth.Principal{UserID: "alice"},
		Command:     "sleep 30",
		StagingDir:  staging,
	})
	if err != nil {
		t.Fatal(err)
	}

	testutil.MustWaitFor(t, func() bool {
		j, err := h.store.Get(context.Background(), jobID)
		return err == nil && j.InternalID != ""
	}, testutil.WithTimeout(10*time.Second))

	if err := h.orch.Cancel(context.Background(), jobID); err != nil {
		t.Fatal(err)
	}

	final := waitTerminal(t, h, jobID)
	if final.State != job.StateError {
		t.Fatalf("final state = %s", final.State)
	}
}

func TestStartupMarksMemoryJobsLost(t *testing.T) {
	jobRoot := t.TempDir()
	store := jobstore.NewMemoryStore()
	ctx := context.Background()

	jobID, _ := store.CreateJob(ctx, "alice", "wc", "local", "left behind")
	_ = store.SetState(ctx, jobID, job.StateQueued, jobstore.Update{InternalID: "gone"})

	dests := memoryDestinations(t, "local")
	p, _ := destination.NewPicker("first", dests, []string{"wc"})
	orch := New(store, dests, p, jobRoot, nil)
	if err := orch.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(shutdownCtx)
		destination.CloseAll(dests)
	}()

	j, err := store.Get(ctx, jobID)
	if err != nil {
		t.Fatal(err)
	}
	if j.State != job.StateError || j.Reason != job.ReasonLostToRestart {
		t.Errorf("job = %s (%s), want error (lost_to_restart)", j.State, j.Reason)
	}
}

func TestStartupResumesPollingDurableJobs(t *testing.T) {
	jobRoot := t.TempDir()
	store := jobstore.NewMemoryStore()
	ctx := context.Background()

	fake := newFakeScheduler()
	fake.states["slurm-9"] = job.StateRunning
	dests := map[string]*destination.Destination{
		"cluster": {Name: "cluster", Scheduler: fake, FS: filesystem.LocalFS{}},
	}

	jobID, _ := store.CreateJob(ctx, "alice", "wc", "cluster", "survivor")
	_ = store.SetState(ctx, jobID, job.StateQueued, jobstore.Update{InternalID: "slurm-9"})
	if err := os.MkdirAll(intake.JobDir(jobRoot, jobID), 0o755); err != nil {
		t.Fatal(err)
	}

	p, _ := destination.NewPicker("first", dests, []string{"wc"})
	orch := New(store, dests, p, jobRoot, nil)
	if err := orch.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(shutdownCtx)
	}()

	// Within a poll interval the job matches the scheduler's current state.
	testutil.MustWaitFor(t, func() bool {
		j, err := store.Get(ctx, jobID)
		return err == nil && j.State == job.StateRunning
	}, testutil.WithTimeout(10*time.Second))

	// On completion the terminal state is observed and recorded.
	fake.set("slurm-9", job.StateOK)
	testutil.MustWaitFor(t, func() bool {
		j, err := store.Get(ctx, jobID)
		return err == nil && j.State == job.StateOK
	}, testutil.WithTimeout(10*time.Second))
}

func TestStartupRecoversInternalIDFromSentinel(t *testing.T) {
	jobRoot := t.TempDir()
	store := jobstore.NewMemoryStore()
	ctx := context.Background()

	fake := newFakeScheduler()
	fake.states["fake-1"] = job.StateOK
	dests := map[string]*destination.Destination{
		"cluster": {Name: "cluster", Scheduler: fake, FS: filesystem.LocalFS{}},
	}

	// Crash after Scheduler.Submit returned but before the store commit:
	// only the sentinel in the job dir knows the internal id.
	jobID, _ := store.CreateJob(ctx, "alice", "wc", "cluster", "crashed")
	_ = store.SetState(ctx, jobID, job.StateStagingOut, jobstore.Update{})
	jobDir := intake.JobDir(jobRoot, jobID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := scheduler.WriteSentinel(jobDir, "fake-1"); err != nil {
		t.Fatal(err)
	}

	p, _ := destination.NewPicker("first", dests, []string{"wc"})
	orch := New(store, dests, p, jobRoot, nil)
	if err := orch.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(shutdownCtx)
	}()

	testutil.MustWaitFor(t, func() bool {
		j, err := store.Get(ctx, jobID)
		return err == nil && j.State == job.StateOK
	}, testutil.WithTimeout(10*time.Second))

	j, _ := store.Get(ctx, jobID)
	if j.InternalID != "fake-1" {
		t.Errorf("internal id = %q, want fake-1", j.InternalID)
	}
	if fake.submits != 0 {
		t.Errorf("scheduler saw %d new submits, want 0", fake.submits)
	}
}

func TestRepeatedStateErrorsFailJob(t *testing.T) {
	jobRoot := t.TempDir()
	store := jobstore.NewMemoryStore()
	ctx := context.Background()

	fake := newFakeScheduler()
	fake.stateErr = apperrors.SchedulerState("fake.state", errors.New("connection refused"))
	dests := map[string]*destination.Destination{
		"cluster": {Name: "cluster", Scheduler: fake, FS: filesystem.LocalFS{}},
	}

	jobID, _ := store.CreateJob(ctx, "alice", "wc", "cluster", "unreachable")
	_ = store.SetState(ctx, jobID, job.StateQueued, jobstore.Update{InternalID: "x"})

	p, _ := destination.NewPicker("first", dests, []string{"wc"})
	orch := New(store, dests, p, jobRoot, nil)
	orch.track(jobID)

	// Drive polls directly; the breaker would otherwise pace them out.
	for i := 0; i <= maxStateErrors+1; i++ {
		orch.poll(jobID)
		orch.breaker("cluster").RecordSuccess()
	}

	j, err := store.Get(ctx, jobID)
	if err != nil {
		t.Fatal(err)
	}
	if j.State != job.StateError || j.Reason != job.ReasonSchedulerUnreachable {
		t.Errorf("job = %s (%s), want error (scheduler_unreachable)", j.State, j.Reason)
	}
}

func TestObservedStateSequencesFollowGraph(t *testing.T) {
	h := newHarness(t, memoryDestinations(t, "local"), "first")

	staging := stageDir(t, h.jobRoot, map[string]string{"README.md": "x"})
	jobID, err := h.orch.Submit(context.Background(), SubmitRequest{
		Application: "wc",
		Principal:   auth.Principal{UserID: "alice"},
		Command:     "sleep 0.3",
		StagingDir:  staging,
	})
	if err != nil {
		t.Fatal(err)
	}

	var observed []job.State
	testutil.MustWaitFor(t, func() bool {
		j, err := h.store.Get(context.Background(), jobID)
		if err != nil {
			return false
		}
		if len(observed) == 0 || observed[len(observed)-1] != j.State {
			observed = append(observed, j.State)
		}
		return j.State.Terminal()
	}, testutil.WithTimeout(15*time.Second), testutil.WithInterval(5*time.Millisecond))

	// Sampling may skip intermediate states, so assert monotonic progress
	// along the graph rather than direct edges.
	order := map[job.State]int{
		job.StateNew:        0,
		job.StateStagingOut: 1,
		job.StateQueued:     2,
		job.StateRunning:    3,
		job.StateStagingIn:  4,
		job.StateOK:         5,
		job.StateError:      5,
	}
	for i := 1; i < len(observed); i++ {
		if order[observed[i]] <= order[observed[i-1]] {
			t.Errorf("observed non-monotonic progress %s -> %s in %v", observed[i-1], observed[i], observed)
		}
	}
	if last := observed[len(observed)-1]; !last.Terminal() {
		t.Errorf("sequence did not end terminal: %v", observed)
	}
}
