package stores

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/provisioner/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newJob(name string, mode engine.Mode, createdAt time.Time) *engine.Job {
	return &engine.Job{
		ID:           engine.JobID(mode, name),
		ResourceName: name,
		Mode:         mode,
		Phase:        engine.PhasePending,
		Request: engine.ProvisionRequest{
			ResourceName: name,
			VersionSpec:  "1.32",
			SizeClass:    "t3.medium",
			NetworkMode:  engine.NetworkIPv4,
			Mode:         mode,
		},
		Labels:    engine.JobLabels(mode, name),
		Attempt:   1,
		CreatedAt: createdAt,
	}
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}

	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if store.cfg.MaxOpenConns != 1 {
		t.Errorf("in-memory store uses %d connections, want 1", store.cfg.MaxOpenConns)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("expected health check to fail before Init")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tables := []string{"jobs", "partitions", "log_entries", "audit"}
	for _, table := range tables {
		var count int
		err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// Running migrations again is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}
}

func TestJobLifecycle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	job := newJob("demo-1", engine.ModeDryRun, now)
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	got, err := store.GetJob(ctx, "test-demo-1")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.Phase != engine.PhasePending || got.Request.SizeClass != "t3.medium" || got.Labels["operation"] != "test" {
		t.Errorf("unexpected job: %+v", got)
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, now)
	}

	if err := store.MarkRunning(ctx, job.ID, now.Add(time.Second)); err != nil {
		t.Fatalf("MarkRunning failed: %v", err)
	}
	if err := store.UpdateStage(ctx, job.ID, engine.StagePlan); err != nil {
		t.Fatalf("UpdateStage failed: %v", err)
	}

	outcome := engine.NoOpOutcome()
	result := engine.TerminalResult{
		Phase:       engine.PhaseSucceeded,
		Stage:       engine.StagePlan,
		PlanOutcome: &outcome,
	}
	if err := store.FinishJob(ctx, job.ID, result, now.Add(2*time.Second)); err != nil {
		t.Fatalf("FinishJob failed: %v", err)
	}

	got, _ = store.GetJob(ctx, job.ID)
	if got.Phase != engine.PhaseSucceeded || got.Stage != engine.StagePlan {
		t.Errorf("got phase=%s stage=%s", got.Phase, got.Stage)
	}
	if got.Result == nil || got.Result.PlanOutcome == nil || got.Result.PlanOutcome.Kind != engine.PlanNoOp {
		t.Errorf("result not persisted: %+v", got.Result)
	}
	if got.StartedAt == nil || got.FinishedAt == nil {
		t.Error("timestamps not persisted")
	}

	// Terminal phases are final.
	err = store.FinishJob(ctx, job.ID, engine.TerminalResult{Phase: engine.PhaseFailed}, now)
	if !errors.Is(err, engine.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	if err := store.MarkRunning(ctx, job.ID, now); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition from MarkRunning, got %v", err)
	}
	if err := store.MarkRunning(ctx, "test-ghost", now); !errors.Is(err, engine.ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound, got %v", err)
	}
	if err := store.FinishJob(ctx, job.ID, engine.TerminalResult{Phase: engine.PhaseRunning}, now); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Errorf("expected non-terminal result to be rejected, got %v", err)
	}
}

func TestCreateJobEnforcesSingleActiveJob(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := store.CreateJob(ctx, newJob("demo", engine.ModeApply, now)); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	// Different mode, same resource.
	err := store.CreateJob(ctx, newJob("demo", engine.ModeDryRun, now.Add(time.Second)))
	if !errors.Is(err, engine.ErrActiveJobExists) {
		t.Fatalf("expected ErrActiveJobExists, got %v", err)
	}

	// Same job ID while still active.
	err = store.CreateJob(ctx, newJob("demo", engine.ModeApply, now.Add(time.Second)))
	if !errors.Is(err, engine.ErrActiveJobExists) {
		t.Fatalf("expected ErrActiveJobExists for active job ID, got %v", err)
	}

	// Other resources are unaffected.
	if err := store.CreateJob(ctx, newJob("other", engine.ModeApply, now)); err != nil {
		t.Fatalf("CreateJob for other resource failed: %v", err)
	}
}

func TestCreateJobReplacesTerminalJob(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first := newJob("demo", engine.ModeApply, now)
	if err := store.CreateJob(ctx, first); err != nil {
		t.Fatal(err)
	}
	failed := engine.TerminalResult{Phase: engine.PhaseFailed, ErrorCode: engine.ErrCodeApplyFailed}
	if err := store.FinishJob(ctx, first.ID, failed, now); err != nil {
		t.Fatal(err)
	}

	retry := newJob("demo", engine.ModeApply, now.Add(time.Minute))
	retry.Attempt = 2
	if err := store.CreateJob(ctx, retry); err != nil {
		t.Fatalf("CreateJob retry failed: %v", err)
	}

	got, _ := store.GetJob(ctx, retry.ID)
	if got.Phase != engine.PhasePending || got.Attempt != 2 || got.Result != nil || got.FinishedAt != nil {
		t.Errorf("retry did not reset the record: %+v", got)
	}
}

func TestConcurrentCreateJob(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: filepath.Join(t.TempDir(), "jobs.db")})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatal(err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	const n = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		accepted  int
		conflicts int
	)
	modes := []engine.Mode{engine.ModeApply, engine.ModeDryRun}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := store.CreateJob(ctx, newJob("race", modes[i%2], time.Now().UTC()))

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, engine.ErrActiveJobExists):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if accepted != 1 || conflicts != n-1 {
		t.Errorf("accepted=%d conflicts=%d, want 1 and %d", accepted, conflicts, n-1)
	}
}

func TestJobQueries(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	finish := func(job *engine.Job) {
		t.Helper()
		if err := store.CreateJob(ctx, job); err != nil {
			t.Fatal(err)
		}
		if err := store.FinishJob(ctx, job.ID, engine.TerminalResult{Phase: engine.PhaseSucceeded}, job.CreatedAt); err != nil {
			t.Fatal(err)
		}
	}

	finish(newJob("alpha", engine.ModeDryRun, base))
	finish(newJob("alpha", engine.ModeApply, base.Add(time.Hour)))
	finish(newJob("beta", engine.ModeDryRun, base.Add(30*time.Minute)))
	if err := store.CreateJob(ctx, newJob("gamma", engine.ModeApply, base.Add(2*time.Hour))); err != nil {
		t.Fatal(err)
	}

	latest, err := store.LatestJob(ctx, "alpha")
	if err != nil {
		t.Fatalf("LatestJob failed: %v", err)
	}
	if latest.ID != "provision-alpha" {
		t.Errorf("latest = %s, want provision-alpha", latest.ID)
	}

	jobs, err := store.ListJobs(ctx, "alpha")
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(jobs) != 2 || jobs[0].ID != "provision-alpha" || jobs[1].ID != "test-alpha" {
		t.Errorf("ListJobs order wrong: %v", jobIDs(jobs))
	}

	all, err := store.LatestJobs(ctx)
	if err != nil {
		t.Fatalf("LatestJobs failed: %v", err)
	}
	if got := fmt.Sprint(jobIDs(all)); got != "[provision-alpha test-beta provision-gamma]" {
		t.Errorf("LatestJobs = %s", got)
	}

	active, err := store.ActiveJobs(ctx)
	if err != nil {
		t.Fatalf("ActiveJobs failed: %v", err)
	}
	if len(active) != 1 || active[0].ID != "provision-gamma" {
		t.Errorf("ActiveJobs = %v", jobIDs(active))
	}

	if _, err := store.LatestJob(ctx, "ghost"); !errors.Is(err, engine.ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound, got %v", err)
	}

	if err := store.DeleteJob(ctx, "test-alpha"); err != nil {
		t.Fatalf("DeleteJob failed: %v", err)
	}
	if err := store.DeleteJob(ctx, "test-alpha"); !errors.Is(err, engine.ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound on second delete, got %v", err)
	}
	n, err := store.DeleteJobs(ctx, "alpha")
	if err != nil || n != 1 {
		t.Errorf("DeleteJobs = %d, %v; want 1", n, err)
	}
}

func jobIDs(jobs []*engine.Job) []string {
	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	return ids
}

func TestPartitionLifecycle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	created, err := store.EnsurePartition(ctx, "demo")
	if err != nil || !created {
		t.Fatalf("EnsurePartition = %v, %v; want created", created, err)
	}
	created, err = store.EnsurePartition(ctx, "demo")
	if err != nil || created {
		t.Fatalf("second EnsurePartition = %v, %v; want existing", created, err)
	}

	p, err := store.GetPartition(ctx, "demo")
	if err != nil {
		t.Fatalf("GetPartition failed: %v", err)
	}
	if p.HasState {
		t.Error("new partition reports state")
	}

	state, err := store.LoadState(ctx, "demo")
	if err != nil || state != nil {
		t.Fatalf("LoadState = %q, %v; want nil", state, err)
	}

	if err := store.SaveState(ctx, "demo", []byte(`{"version":4}`)); err != nil {
		t.Fatalf("SaveState failed: %v", err)
	}
	p, _ = store.GetPartition(ctx, "demo")
	if !p.HasState || p.StateSize != 13 {
		t.Errorf("partition = %+v, want state of 13 bytes", p)
	}

	if err := store.SaveCheckpoint(ctx, "demo", []byte(`{"initialized":true}`)); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}
	cp, _ := store.LoadCheckpoint(ctx, "demo")
	if string(cp) != `{"initialized":true}` {
		t.Errorf("checkpoint = %q", cp)
	}
	if err := store.SaveCheckpoint(ctx, "demo", nil); err != nil {
		t.Fatal(err)
	}
	if cp, _ := store.LoadCheckpoint(ctx, "demo"); cp != nil {
		t.Errorf("checkpoint not cleared: %q", cp)
	}

	if err := store.SaveState(ctx, "ghost", []byte("x")); !errors.Is(err, engine.ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound, got %v", err)
	}
	if _, err := store.GetPartition(ctx, "ghost"); !errors.Is(err, engine.ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound, got %v", err)
	}

	partitions, err := store.ListPartitions(ctx)
	if err != nil || len(partitions) != 1 {
		t.Errorf("ListPartitions = %d, %v; want 1", len(partitions), err)
	}
}

func TestLogsFollowPartition(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.EnsurePartition(ctx, "demo"); err != nil {
		t.Fatal(err)
	}

	stages := []engine.Stage{engine.StageInit, engine.StagePlan, engine.StageApply}
	for _, stage := range stages {
		entry := &engine.LogEntry{
			ResourceName: "demo",
			JobID:        "provision-demo",
			Stage:        stage,
			Content:      []byte(string(stage) + " output\n"),
		}
		if err := store.AppendLog(ctx, entry); err != nil {
			t.Fatalf("AppendLog failed: %v", err)
		}
		if entry.Seq == 0 {
			t.Error("sequence number not set")
		}
	}

	entries, err := store.ReadLogs(ctx, "demo")
	if err != nil {
		t.Fatalf("ReadLogs failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	for i, stage := range stages {
		if entries[i].Stage != stage || entries[i].JobID != "provision-demo" {
			t.Errorf("entry %d = %s/%s", i, entries[i].Stage, entries[i].JobID)
		}
	}

	err = store.AppendLog(ctx, &engine.LogEntry{ResourceName: "ghost", Stage: engine.StageInit})
	if !errors.Is(err, engine.ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound for missing partition, got %v", err)
	}

	if err := store.DeletePartition(ctx, "demo"); err != nil {
		t.Fatalf("DeletePartition failed: %v", err)
	}
	entries, _ = store.ReadLogs(ctx, "demo")
	if len(entries) != 0 {
		t.Errorf("logs survived partition deletion: %d", len(entries))
	}
	if err := store.DeletePartition(ctx, "demo"); err != nil {
		t.Errorf("DeletePartition is not idempotent: %v", err)
	}
}

func TestAuditTrail(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i, name := range []string{"a", "b", "a"} {
		entry := &engine.AuditEntry{
			ID:           fmt.Sprintf("entry-%d", i),
			Action:       engine.AuditJobSubmitted,
			Actor:        "tester",
			ResourceName: name,
			JobID:        "test-" + name,
			Details:      map[string]interface{}{"attempt": float64(i + 1)},
			Timestamp:    base.Add(time.Duration(i) * time.Second),
		}
		if err := store.RecordAudit(ctx, entry); err != nil {
			t.Fatalf("RecordAudit failed: %v", err)
		}
	}

	entries, err := store.ListAudit(ctx, "a", 10)
	if err != nil {
		t.Fatalf("ListAudit failed: %v", err)
	}
	if len(entries) != 2 || entries[0].ID != "entry-2" {
		t.Errorf("unexpected entries: %+v", entries)
	}
	if entries[0].Details["attempt"] != float64(3) {
		t.Errorf("details = %v", entries[0].Details)
	}

	all, _ := store.ListAudit(ctx, "", 2)
	if len(all) != 2 {
		t.Errorf("limit not applied: %d entries", len(all))
	}
}
