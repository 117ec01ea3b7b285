package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// memJobStore is an in-memory JobStore that enforces the single active job rule.
type memJobStore struct {
	mu          sync.Mutex
	jobs        map[string]*Job
	transitions map[string][]Phase
}

func newMemJobStore() *memJobStore {
	return &memJobStore{
		jobs:        make(map[string]*Job),
		transitions: make(map[string][]Phase),
	}
}

func cloneJob(j *Job) *Job {
	c := *j
	if j.Result != nil {
		r := *j.Result
		c.Result = &r
	}
	return &c
}

func (m *memJobStore) CreateJob(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.jobs {
		if existing.ResourceName == job.ResourceName && existing.Phase.IsActive() {
			return fmt.Errorf("failed to insert job %s: %w", job.ID, ErrActiveJobExists)
		}
	}
	m.jobs[job.ID] = cloneJob(job)
	m.transitions[job.ID] = append(m.transitions[job.ID], job.Phase)
	return nil
}

func (m *memJobStore) GetJob(ctx context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrRecordNotFound)
	}
	return cloneJob(job), nil
}

func (m *memJobStore) sorted(resourceName string) []*Job {
	var out []*Job
	for _, job := range m.jobs {
		if resourceName == "" || job.ResourceName == resourceName {
			out = append(out, cloneJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (m *memJobStore) LatestJob(ctx context.Context, resourceName string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	jobs := m.sorted(resourceName)
	if len(jobs) == 0 {
		return nil, fmt.Errorf("jobs of %s: %w", resourceName, ErrRecordNotFound)
	}
	return jobs[0], nil
}

func (m *memJobStore) ListJobs(ctx context.Context, resourceName string) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sorted(resourceName), nil
}

func (m *memJobStore) LatestJobs(ctx context.Context) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool)
	var out []*Job
	for _, job := range m.sorted("") {
		if seen[job.ResourceName] {
			continue
		}
		seen[job.ResourceName] = true
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceName < out[j].ResourceName })
	return out, nil
}

func (m *memJobStore) ActiveJobs(ctx context.Context) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Job
	for _, job := range m.sorted("") {
		if job.Phase.IsActive() {
			out = append(out, job)
		}
	}
	return out, nil
}

func (m *memJobStore) MarkRunning(ctx context.Context, id string, startedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return ErrRecordNotFound
	}
	if !job.Phase.CanTransitionTo(PhaseRunning) {
		return ErrInvalidTransition
	}
	job.Phase = PhaseRunning
	job.StartedAt = &startedAt
	m.transitions[id] = append(m.transitions[id], PhaseRunning)
	return nil
}

func (m *memJobStore) UpdateStage(ctx context.Context, id string, stage Stage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return ErrRecordNotFound
	}
	if !job.Phase.IsActive() {
		return ErrInvalidTransition
	}
	job.Stage = stage
	return nil
}

func (m *memJobStore) FinishJob(ctx context.Context, id string, result TerminalResult, finishedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return ErrRecordNotFound
	}
	if !job.Phase.CanTransitionTo(result.Phase) {
		return ErrInvalidTransition
	}
	job.Phase = result.Phase
	if result.Stage != "" {
		job.Stage = result.Stage
	}
	job.Result = &result
	job.FinishedAt = &finishedAt
	m.transitions[id] = append(m.transitions[id], result.Phase)
	return nil
}

func (m *memJobStore) DeleteJob(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	return nil
}

func (m *memJobStore) DeleteJobs(ctx context.Context, resourceName string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, job := range m.jobs {
		if job.ResourceName == resourceName {
			delete(m.jobs, id)
			n++
		}
	}
	return n, nil
}

func (m *memJobStore) put(job *Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = cloneJob(job)
}

func (m *memJobStore) phases(id string) []Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Phase(nil), m.transitions[id]...)
}

type memPartition struct {
	meta       Partition
	state      []byte
	checkpoint []byte
	logs       []*LogEntry
}

// memPartitions is an in-memory PartitionStore.
type memPartitions struct {
	mu    sync.Mutex
	parts map[string]*memPartition
}

func newMemPartitions() *memPartitions {
	return &memPartitions{parts: make(map[string]*memPartition)}
}

func (m *memPartitions) EnsurePartition(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.parts[name]; ok {
		return false, nil
	}
	m.parts[name] = &memPartition{meta: Partition{ResourceName: name}}
	return true, nil
}

func (m *memPartitions) GetPartition(ctx context.Context, name string) (*Partition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.parts[name]
	if !ok {
		return nil, fmt.Errorf("partition %s: %w", name, ErrRecordNotFound)
	}
	meta := p.meta
	return &meta, nil
}

func (m *memPartitions) ListPartitions(ctx context.Context) ([]*Partition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Partition
	for _, p := range m.parts {
		meta := p.meta
		out = append(out, &meta)
	}
	return out, nil
}

func (m *memPartitions) LoadState(ctx context.Context, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.parts[name]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return p.state, nil
}

func (m *memPartitions) SaveState(ctx context.Context, name string, state []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.parts[name]
	if !ok {
		return ErrRecordNotFound
	}
	p.state = state
	p.meta.HasState = len(state) > 0
	p.meta.StateSize = int64(len(state))
	return nil
}

func (m *memPartitions) LoadCheckpoint(ctx context.Context, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.parts[name]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return p.checkpoint, nil
}

func (m *memPartitions) SaveCheckpoint(ctx context.Context, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.parts[name]
	if !ok {
		return ErrRecordNotFound
	}
	p.checkpoint = data
	return nil
}

func (m *memPartitions) AppendLog(ctx context.Context, entry *LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.parts[entry.ResourceName]
	if !ok {
		return ErrRecordNotFound
	}
	e := *entry
	e.Seq = int64(len(p.logs) + 1)
	p.logs = append(p.logs, &e)
	return nil
}

func (m *memPartitions) ReadLogs(ctx context.Context, name string) ([]*LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.parts[name]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return append([]*LogEntry(nil), p.logs...), nil
}

func (m *memPartitions) DeletePartition(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.parts, name)
	return nil
}

func (m *memPartitions) exists(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.parts[name]
	return ok
}

type memAudit struct {
	mu      sync.Mutex
	entries []*AuditEntry
}

func (m *memAudit) RecordAudit(ctx context.Context, entry *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memAudit) ListAudit(ctx context.Context, name string, limit int) ([]*AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*AuditEntry
	for _, e := range m.entries {
		if name == "" || e.ResourceName == name {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memAudit) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.Action)
	}
	return out
}

// fakeRunner records specs and returns a configurable result. When gate is
// set, Run blocks until it is closed.
type fakeRunner struct {
	mu     sync.Mutex
	specs  []RunSpec
	gate   chan struct{}
	result func(spec RunSpec) TerminalResult
	panics bool
}

func (f *fakeRunner) Run(ctx context.Context, spec RunSpec) TerminalResult {
	f.mu.Lock()
	f.specs = append(f.specs, spec)
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if f.panics {
		panic("tool crashed")
	}

	if spec.Progress != nil {
		spec.Progress(StageInit)
		spec.Progress(StagePlan)
	}
	if f.result != nil {
		return f.result(spec)
	}
	outcome := NoOpOutcome()
	return TerminalResult{Phase: PhaseSucceeded, Stage: StagePlan, PlanOutcome: &outcome}
}

func (f *fakeRunner) runs() []RunSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]RunSpec(nil), f.specs...)
}

type fakeRenderer struct {
	err error
}

func (f *fakeRenderer) Render(ctx context.Context, req ProvisionRequest) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []byte(fmt.Sprintf(`{"cluster_name":%q}`, req.ResourceName)), nil
}

// fakeClock advances one second per reading so ordering by time is stable.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type schedulerFixture struct {
	scheduler  *Scheduler
	jobs       *memJobStore
	partitions *memPartitions
	audit      *memAudit
	runner     *fakeRunner
	renderer   *fakeRenderer
	clock      *fakeClock
}

func newSchedulerFixture(t *testing.T) *schedulerFixture {
	t.Helper()

	f := &schedulerFixture{
		jobs:       newMemJobStore(),
		partitions: newMemPartitions(),
		audit:      &memAudit{},
		runner:     &fakeRunner{},
		renderer:   &fakeRenderer{},
		clock:      &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
	}

	s, err := NewScheduler(SchedulerConfig{
		Jobs:       f.jobs,
		Partitions: f.partitions,
		Audit:      f.audit,
		Runner:     f.runner,
		Renderer:   f.renderer,
		Region:     "us-west-2",
		Logger:     zerolog.Nop(),
		Now:        f.clock.Now,
	})
	if err != nil {
		t.Fatalf("NewScheduler failed: %v", err)
	}
	f.scheduler = s
	return f
}

func demoRequest(name string, mode Mode) ProvisionRequest {
	return ProvisionRequest{
		ResourceName: name,
		VersionSpec:  "1.32",
		SizeClass:    "t3.medium",
		NetworkMode:  NetworkIPv4,
		Mode:         mode,
	}
}

func TestNewSchedulerRequiresDependencies(t *testing.T) {
	if _, err := NewScheduler(SchedulerConfig{}); err == nil {
		t.Fatal("expected error for missing stores")
	}
	if _, err := NewScheduler(SchedulerConfig{Jobs: newMemJobStore(), Partitions: newMemPartitions()}); err == nil {
		t.Fatal("expected error for missing runner")
	}
}

func TestSchedulerDryRunScenario(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()

	job, err := f.scheduler.Submit(ctx, demoRequest("demo-1", ModeDryRun))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if job.ID != "test-demo-1" {
		t.Errorf("job ID = %s, want test-demo-1", job.ID)
	}
	if job.Phase != PhasePending {
		t.Errorf("returned phase = %s, want Pending", job.Phase)
	}
	if job.Labels["operation"] != "test" || job.Labels["cluster"] != "demo-1" {
		t.Errorf("unexpected labels: %v", job.Labels)
	}

	f.scheduler.Wait()

	status, err := f.scheduler.Status(ctx, "demo-1")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.Phase != PhaseSucceeded {
		t.Fatalf("phase = %s, want Succeeded", status.Phase)
	}
	if status.Result == nil || status.Result.PlanOutcome == nil || status.Result.PlanOutcome.Kind != PlanNoOp {
		t.Errorf("expected NoOp plan outcome, got %+v", status.Result)
	}
	if status.Stage != StagePlan {
		t.Errorf("stage = %s, want plan", status.Stage)
	}

	want := []Phase{PhasePending, PhaseRunning, PhaseSucceeded}
	got := f.jobs.phases("test-demo-1")
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("phase sequence = %v, want %v", got, want)
	}

	runs := f.runner.runs()
	if len(runs) != 1 {
		t.Fatalf("runner called %d times, want 1", len(runs))
	}
	if runs[0].Request.Region != "us-west-2" {
		t.Errorf("region = %q, want service default", runs[0].Request.Region)
	}
	if len(runs[0].RenderedConfig) == 0 {
		t.Error("runner received no rendered config")
	}
	if !f.partitions.exists("demo-1") {
		t.Error("partition was not created")
	}
}

func TestSchedulerConcurrentSubmitAcceptsOne(t *testing.T) {
	f := newSchedulerFixture(t)
	f.runner.gate = make(chan struct{})
	ctx := context.Background()

	const n = 20
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted []string
		holders  []string
		others   []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := f.scheduler.Submit(ctx, demoRequest("race", ModeApply))

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted = append(accepted, job.ID)
			case IsAlreadyInFlight(err):
				pe, _ := AsProvisionError(err)
				holders = append(holders, pe.JobID)
			default:
				others = append(others, err)
			}
		}()
	}
	wg.Wait()
	close(f.runner.gate)
	f.scheduler.Wait()

	if len(others) > 0 {
		t.Fatalf("unexpected errors: %v", others)
	}
	if len(accepted) != 1 {
		t.Fatalf("accepted %d submissions, want exactly 1", len(accepted))
	}
	if len(holders) != n-1 {
		t.Fatalf("got %d conflicts, want %d", len(holders), n-1)
	}
	for _, h := range holders {
		if h != accepted[0] {
			t.Errorf("conflict names %s, want %s", h, accepted[0])
		}
	}
	if len(f.runner.runs()) != 1 {
		t.Errorf("runner called %d times, want 1", len(f.runner.runs()))
	}
}

func TestSchedulerDoubleSubmitReportsFirstJob(t *testing.T) {
	f := newSchedulerFixture(t)
	f.runner.gate = make(chan struct{})
	ctx := context.Background()

	first, err := f.scheduler.Submit(ctx, demoRequest("demo", ModeApply))
	if err != nil {
		t.Fatalf("first Submit failed: %v", err)
	}

	_, err = f.scheduler.Submit(ctx, demoRequest("demo", ModeDryRun))
	if !IsAlreadyInFlight(err) {
		t.Fatalf("expected AlreadyInFlight, got %v", err)
	}
	pe, _ := AsProvisionError(err)
	if pe.JobID != first.ID {
		t.Errorf("conflict job = %s, want %s", pe.JobID, first.ID)
	}

	close(f.runner.gate)
	f.scheduler.Wait()
}

func TestSchedulerDurableConflict(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()

	// A job left active by another process sharing the store.
	f.jobs.put(&Job{
		ID:           "provision-shared",
		ResourceName: "shared",
		Mode:         ModeApply,
		Phase:        PhaseRunning,
		CreatedAt:    time.Now(),
	})

	_, err := f.scheduler.Submit(ctx, demoRequest("shared", ModeDryRun))
	if !IsAlreadyInFlight(err) {
		t.Fatalf("expected AlreadyInFlight, got %v", err)
	}
	pe, _ := AsProvisionError(err)
	if pe.JobID != "provision-shared" {
		t.Errorf("conflict job = %s, want provision-shared", pe.JobID)
	}
	if f.scheduler.claims.len() != 0 {
		t.Error("claim was not released after rejection")
	}
}

func TestSchedulerResubmitIncrementsAttempt(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()

	for attempt := 1; attempt <= 3; attempt++ {
		job, err := f.scheduler.Submit(ctx, demoRequest("again", ModeDryRun))
		if err != nil {
			t.Fatalf("attempt %d: Submit failed: %v", attempt, err)
		}
		if job.Attempt != attempt {
			t.Errorf("attempt = %d, want %d", job.Attempt, attempt)
		}
		f.scheduler.Wait()
	}
}

func TestSchedulerSubmitValidation(t *testing.T) {
	tests := []struct {
		name string
		req  ProvisionRequest
	}{
		{name: "destroy mode", req: demoRequest("x", ModeDestroy)},
		{name: "unknown mode", req: demoRequest("x", Mode("bogus"))},
		{name: "missing name", req: demoRequest("", ModeApply)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSchedulerFixture(t)
			_, err := f.scheduler.Submit(context.Background(), tt.req)
			if !IsValidation(err) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestSchedulerRenderFailureReleasesClaim(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()

	f.renderer.err = errors.New("template incomplete")
	_, err := f.scheduler.Submit(ctx, demoRequest("render", ModeApply))
	if !IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if f.partitions.exists("render") {
		t.Error("partition created for a rejected request")
	}

	f.renderer.err = nil
	if _, err := f.scheduler.Submit(ctx, demoRequest("render", ModeApply)); err != nil {
		t.Fatalf("Submit after render failure: %v", err)
	}
	f.scheduler.Wait()
}

func TestSchedulerRunnerFailureRecorded(t *testing.T) {
	f := newSchedulerFixture(t)
	f.runner.result = func(spec RunSpec) TerminalResult {
		outcome := ErrorOutcome(1, "Error: invalid provider")
		return TerminalResult{
			Phase:        PhaseFailed,
			Stage:        StagePlan,
			PlanOutcome:  &outcome,
			ErrorCode:    ErrCodePlanError,
			ErrorMessage: "plan failed",
		}
	}

	if _, err := f.scheduler.Submit(context.Background(), demoRequest("bad", ModeApply)); err != nil {
		t.Fatalf("Submit returned stage failure: %v", err)
	}
	f.scheduler.Wait()

	job, err := f.scheduler.Status(context.Background(), "bad")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if job.Phase != PhaseFailed || job.Result.ErrorCode != ErrCodePlanError {
		t.Errorf("got phase=%s code=%s, want Failed/PLAN_ERROR", job.Phase, job.Result.ErrorCode)
	}
}

func TestSchedulerRunnerPanic(t *testing.T) {
	f := newSchedulerFixture(t)
	f.runner.panics = true

	if _, err := f.scheduler.Submit(context.Background(), demoRequest("boom", ModeApply)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	f.scheduler.Wait()

	job, _ := f.scheduler.Status(context.Background(), "boom")
	if job.Phase != PhaseFailed || job.Result.ErrorCode != ErrCodeInternal {
		t.Errorf("got phase=%s result=%+v, want Failed/INTERNAL_ERROR", job.Phase, job.Result)
	}
	if f.scheduler.claims.len() != 0 {
		t.Error("claim leaked after runner panic")
	}
}

func TestSchedulerStatusNotFound(t *testing.T) {
	f := newSchedulerFixture(t)
	if _, err := f.scheduler.Status(context.Background(), "ghost"); !IsNotFound(err) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if _, err := f.scheduler.Logs(context.Background(), "ghost", 0); !IsNotFound(err) {
		t.Fatalf("expected NotFound for logs, got %v", err)
	}
}

func TestSchedulerTeardown(t *testing.T) {
	ctx := context.Background()

	t.Run("no partition", func(t *testing.T) {
		f := newSchedulerFixture(t)
		if _, err := f.scheduler.Teardown(ctx, "ghost"); !IsNotFound(err) {
			t.Fatalf("expected NotFound, got %v", err)
		}
	})

	t.Run("dry run only", func(t *testing.T) {
		f := newSchedulerFixture(t)
		if _, err := f.scheduler.Submit(ctx, demoRequest("dry", ModeDryRun)); err != nil {
			t.Fatal(err)
		}
		f.scheduler.Wait()
		if _, err := f.scheduler.Teardown(ctx, "dry"); !IsNotFound(err) {
			t.Fatalf("expected NotFound without state, got %v", err)
		}
	})

	t.Run("after apply", func(t *testing.T) {
		f := newSchedulerFixture(t)
		req := demoRequest("live", ModeApply)
		req.VersionSpec = "1.31"
		if _, err := f.scheduler.Submit(ctx, req); err != nil {
			t.Fatal(err)
		}
		f.scheduler.Wait()
		if err := f.partitions.SaveState(ctx, "live", []byte(`{"version":4}`)); err != nil {
			t.Fatal(err)
		}

		job, err := f.scheduler.Teardown(ctx, "live")
		if err != nil {
			t.Fatalf("Teardown failed: %v", err)
		}
		if job.ID != "destroy-live" || job.Mode != ModeDestroy {
			t.Errorf("got %s/%s, want destroy-live/destroy", job.ID, job.Mode)
		}
		f.scheduler.Wait()

		runs := f.runner.runs()
		last := runs[len(runs)-1]
		if last.Mode != ModeDestroy || last.Request.VersionSpec != "1.31" {
			t.Errorf("destroy did not reuse the provision request: %+v", last.Request)
		}
	})

	t.Run("blocked by in-flight apply", func(t *testing.T) {
		f := newSchedulerFixture(t)
		if _, err := f.scheduler.Submit(ctx, demoRequest("busy", ModeApply)); err != nil {
			t.Fatal(err)
		}
		f.scheduler.Wait()
		_ = f.partitions.SaveState(ctx, "busy", []byte("state"))

		f.runner.gate = make(chan struct{})
		if _, err := f.scheduler.Submit(ctx, demoRequest("busy", ModeApply)); err != nil {
			t.Fatal(err)
		}
		_, err := f.scheduler.Teardown(ctx, "busy")
		if !IsAlreadyInFlight(err) {
			t.Fatalf("expected AlreadyInFlight, got %v", err)
		}
		close(f.runner.gate)
		f.scheduler.Wait()
	})

	t.Run("first apply still running", func(t *testing.T) {
		f := newSchedulerFixture(t)
		f.runner.gate = make(chan struct{})
		if _, err := f.scheduler.Submit(ctx, demoRequest("new", ModeApply)); err != nil {
			t.Fatal(err)
		}

		_, err := f.scheduler.Teardown(ctx, "new")
		close(f.runner.gate)
		f.scheduler.Wait()

		if !IsAlreadyInFlight(err) {
			t.Fatalf("expected AlreadyInFlight before any state exists, got %v", err)
		}
		if pe, _ := AsProvisionError(err); pe.JobID != "provision-new" {
			t.Errorf("expected the running job to be named, got %q", pe.JobID)
		}
	})
}

func TestSchedulerCleanup(t *testing.T) {
	ctx := context.Background()

	t.Run("nothing to clean", func(t *testing.T) {
		f := newSchedulerFixture(t)
		if _, err := f.scheduler.Cleanup(ctx, "ghost", false); !IsNotFound(err) {
			t.Fatalf("expected NotFound, got %v", err)
		}
	})

	t.Run("live state refused", func(t *testing.T) {
		f := newSchedulerFixture(t)
		if _, err := f.scheduler.Submit(ctx, demoRequest("live", ModeApply)); err != nil {
			t.Fatal(err)
		}
		f.scheduler.Wait()
		_ = f.partitions.SaveState(ctx, "live", []byte("state"))

		_, err := f.scheduler.Cleanup(ctx, "live", false)
		if pe, ok := AsProvisionError(err); !ok || pe.Code != ErrCodeStateNotDestroyed {
			t.Fatalf("expected STATE_NOT_DESTROYED, got %v", err)
		}

		report, err := f.scheduler.Cleanup(ctx, "live", true)
		if err != nil {
			t.Fatalf("forced Cleanup failed: %v", err)
		}
		if !report.Forced || !report.PartitionDeleted || report.JobsDeleted != 1 {
			t.Errorf("unexpected report: %+v", report)
		}
	})

	t.Run("after destroy", func(t *testing.T) {
		f := newSchedulerFixture(t)
		if _, err := f.scheduler.Submit(ctx, demoRequest("gone", ModeApply)); err != nil {
			t.Fatal(err)
		}
		f.scheduler.Wait()
		_ = f.partitions.SaveState(ctx, "gone", []byte("state"))
		if _, err := f.scheduler.Teardown(ctx, "gone"); err != nil {
			t.Fatal(err)
		}
		f.scheduler.Wait()

		report, err := f.scheduler.Cleanup(ctx, "gone", false)
		if err != nil {
			t.Fatalf("Cleanup failed: %v", err)
		}
		if report.JobsDeleted != 2 {
			t.Errorf("jobs deleted = %d, want 2", report.JobsDeleted)
		}
		if f.partitions.exists("gone") {
			t.Error("partition still exists")
		}
		if _, err := f.scheduler.Status(ctx, "gone"); !IsNotFound(err) {
			t.Errorf("expected NotFound after cleanup, got %v", err)
		}

		actions := f.audit.actions()
		if actions[len(actions)-1] != AuditCleanup {
			t.Errorf("last audit action = %s, want %s", actions[len(actions)-1], AuditCleanup)
		}
	})

	t.Run("in flight", func(t *testing.T) {
		f := newSchedulerFixture(t)
		f.runner.gate = make(chan struct{})
		if _, err := f.scheduler.Submit(ctx, demoRequest("busy", ModeApply)); err != nil {
			t.Fatal(err)
		}
		if _, err := f.scheduler.Cleanup(ctx, "busy", true); !IsAlreadyInFlight(err) {
			t.Fatalf("expected AlreadyInFlight, got %v", err)
		}
		close(f.runner.gate)
		f.scheduler.Wait()
	})
}

func TestSchedulerRecover(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()

	f.jobs.put(&Job{ID: "provision-a", ResourceName: "a", Mode: ModeApply, Phase: PhaseRunning, Stage: StageApply, CreatedAt: time.Now()})
	f.jobs.put(&Job{ID: "test-b", ResourceName: "b", Mode: ModeDryRun, Phase: PhasePending, CreatedAt: time.Now()})
	f.jobs.put(&Job{ID: "test-c", ResourceName: "c", Mode: ModeDryRun, Phase: PhaseSucceeded, CreatedAt: time.Now()})

	n, err := f.scheduler.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if n != 2 {
		t.Errorf("recovered %d jobs, want 2", n)
	}

	job, _ := f.jobs.GetJob(ctx, "provision-a")
	if job.Phase != PhaseFailed || job.Result.ErrorCode != ErrCodeInterrupted {
		t.Errorf("got %s/%+v, want Failed/INTERRUPTED", job.Phase, job.Result)
	}
	if job.Stage != StageApply {
		t.Errorf("stage = %s, want apply preserved", job.Stage)
	}

	job, _ = f.jobs.GetJob(ctx, "test-c")
	if job.Phase != PhaseSucceeded {
		t.Errorf("terminal job changed to %s", job.Phase)
	}
}

func TestSchedulerShutdown(t *testing.T) {
	f := newSchedulerFixture(t)
	f.runner.gate = make(chan struct{})
	ctx := context.Background()

	if _, err := f.scheduler.Submit(ctx, demoRequest("slow", ModeApply)); err != nil {
		t.Fatal(err)
	}

	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := f.scheduler.Shutdown(shortCtx); err == nil {
		t.Fatal("expected Shutdown to time out while a job runs")
	}

	if _, err := f.scheduler.Submit(ctx, demoRequest("late", ModeApply)); !errors.Is(err, ErrSchedulerShutdown) {
		t.Fatalf("expected shutdown error, got %v", err)
	}

	close(f.runner.gate)
	if err := f.scheduler.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
}

func TestSchedulerListAndAudit(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := ContextWithActor(context.Background(), "alice")

	for _, name := range []string{"b", "a"} {
		if _, err := f.scheduler.Submit(ctx, demoRequest(name, ModeDryRun)); err != nil {
			t.Fatal(err)
		}
	}
	f.scheduler.Wait()

	jobs, err := f.scheduler.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(jobs) != 2 || jobs[0].ResourceName != "a" {
		t.Errorf("unexpected list: %v", jobs)
	}

	entries, err := f.scheduler.AuditTrail(ctx, "a", 10)
	if err != nil {
		t.Fatalf("AuditTrail failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Actor != "alice" || entries[0].Action != AuditJobSubmitted {
		t.Errorf("unexpected audit entries: %+v", entries)
	}
}

func TestSchedulerLogsTail(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()

	if _, err := f.partitions.EnsurePartition(ctx, "logs"); err != nil {
		t.Fatal(err)
	}
	_ = f.partitions.AppendLog(ctx, &LogEntry{ResourceName: "logs", Stage: StageInit, Content: []byte("one\ntwo\n")})
	_ = f.partitions.AppendLog(ctx, &LogEntry{ResourceName: "logs", Stage: StagePlan, Content: []byte("three\nfour\n")})

	entries, err := f.scheduler.Logs(ctx, "logs", 3)
	if err != nil {
		t.Fatalf("Logs failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if string(entries[0].Content) != "two\n" || entries[0].Stage != StageInit {
		t.Errorf("first entry = %q (%s), want trimmed init entry", entries[0].Content, entries[0].Stage)
	}

	all, _ := f.scheduler.Logs(ctx, "logs", 0)
	if len(all) != 2 || string(all[0].Content) != "one\ntwo\n" {
		t.Errorf("untailed logs were modified: %+v", all)
	}
}
