package engine

import (
	"context"
	"testing"
	"time"
)

func finishedJob(name string, mode Mode, phase Phase, finishedAt time.Time) *Job {
	return &Job{
		ID:           JobID(mode, name),
		ResourceName: name,
		Mode:         mode,
		Phase:        phase,
		CreatedAt:    finishedAt.Add(-time.Minute),
		FinishedAt:   &finishedAt,
	}
}

func TestRetentionPolicyExpired(t *testing.T) {
	policy := DefaultRetentionPolicy()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	old := now.Add(-25 * time.Hour)
	recent := now.Add(-time.Hour)

	tests := []struct {
		name string
		job  *Job
		want bool
	}{
		{"old successful dry run", finishedJob("a", ModeDryRun, PhaseSucceeded, old), true},
		{"recent dry run", finishedJob("a", ModeDryRun, PhaseSucceeded, recent), false},
		{"failed dry run", finishedJob("a", ModeDryRun, PhaseFailed, old), false},
		{"apply", finishedJob("a", ModeApply, PhaseSucceeded, old), false},
		{"destroy", finishedJob("a", ModeDestroy, PhaseSucceeded, old), false},
		{"running", &Job{Mode: ModeDryRun, Phase: PhaseRunning, CreatedAt: old}, false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := policy.Expired(tt.job, now); got != tt.want {
				t.Errorf("Expired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestReaperSweep(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()
	start := f.clock.Now()
	old := start.Add(-48 * time.Hour)

	// Expired dry run without working state: everything goes.
	f.jobs.put(finishedJob("scratch", ModeDryRun, PhaseSucceeded, old))
	_, _ = f.partitions.EnsurePartition(ctx, "scratch")

	// Expired dry run on a provisioned resource: only the dry-run job goes.
	live := finishedJob("live", ModeApply, PhaseSucceeded, old.Add(-time.Hour))
	f.jobs.put(live)
	f.jobs.put(finishedJob("live", ModeDryRun, PhaseSucceeded, old))
	_, _ = f.partitions.EnsurePartition(ctx, "live")
	_ = f.partitions.SaveState(ctx, "live", []byte("state"))

	// Failed dry run is kept for the operator.
	f.jobs.put(finishedJob("broken", ModeDryRun, PhaseFailed, old))

	// Recent dry run is kept.
	f.jobs.put(finishedJob("fresh", ModeDryRun, PhaseSucceeded, start))

	reaper := NewReaper(f.scheduler, DefaultRetentionPolicy())
	report, err := reaper.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if report.JobsDeleted != 2 || report.PartitionsDeleted != 1 {
		t.Errorf("report = %+v, want 2 jobs and 1 partition", report)
	}

	if f.partitions.exists("scratch") {
		t.Error("scratch partition not reaped")
	}
	if _, err := f.jobs.GetJob(ctx, "test-scratch"); err == nil {
		t.Error("scratch job not reaped")
	}
	if !f.partitions.exists("live") {
		t.Error("partition with working state was reaped")
	}
	if _, err := f.jobs.GetJob(ctx, "provision-live"); err != nil {
		t.Error("apply job was reaped")
	}
	if _, err := f.jobs.GetJob(ctx, "test-live"); err == nil {
		t.Error("expired dry run of live resource kept")
	}
	if _, err := f.jobs.GetJob(ctx, "test-broken"); err != nil {
		t.Error("failed dry run was reaped")
	}
	if _, err := f.jobs.GetJob(ctx, "test-fresh"); err != nil {
		t.Error("recent dry run was reaped")
	}

	// A second sweep finds nothing new.
	report, err = reaper.Sweep(ctx)
	if err != nil {
		t.Fatalf("second Sweep failed: %v", err)
	}
	if report.JobsDeleted != 0 || report.PartitionsDeleted != 0 {
		t.Errorf("second sweep removed records: %+v", report)
	}
}

func TestReaperKeepsFailedHistory(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()
	old := f.clock.Now().Add(-48 * time.Hour)

	// An apply that failed before writing state, then a later dry run.
	f.jobs.put(finishedJob("x", ModeApply, PhaseFailed, old.Add(-time.Hour)))
	f.jobs.put(finishedJob("x", ModeDryRun, PhaseSucceeded, old))
	_, _ = f.partitions.EnsurePartition(ctx, "x")
	_ = f.partitions.AppendLog(ctx, &LogEntry{
		ResourceName: "x",
		JobID:        "provision-x",
		Stage:        StageInit,
		Content:      []byte("Error: provider download failed\n"),
	})

	report, err := NewReaper(f.scheduler, DefaultRetentionPolicy()).Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if report.JobsDeleted != 1 || report.PartitionsDeleted != 0 {
		t.Errorf("report = %+v, want 1 job and no partition", report)
	}

	if _, err := f.jobs.GetJob(ctx, "provision-x"); err != nil {
		t.Errorf("failed apply job was reaped: %v", err)
	}
	if _, err := f.jobs.GetJob(ctx, "test-x"); err == nil {
		t.Error("expired dry run kept")
	}
	if !f.partitions.exists("x") {
		t.Fatal("partition holding failed job logs was reaped")
	}
	logs, _ := f.partitions.ReadLogs(ctx, "x")
	if len(logs) != 1 || logs[0].JobID != "provision-x" {
		t.Errorf("failed job logs lost: %+v", logs)
	}
}

func TestReaperSkipsClaimedResource(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()
	old := f.clock.Now().Add(-48 * time.Hour)

	f.jobs.put(finishedJob("held", ModeDryRun, PhaseSucceeded, old))
	_, _ = f.partitions.EnsurePartition(ctx, "held")

	if _, ok := f.scheduler.claims.acquire("held", "provision-held"); !ok {
		t.Fatal("failed to claim resource")
	}

	report, err := NewReaper(f.scheduler, RetentionPolicy{}).Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if len(report.Skipped) != 1 || report.Skipped[0] != "held" {
		t.Errorf("skipped = %v, want [held]", report.Skipped)
	}
	if !f.partitions.exists("held") {
		t.Error("claimed resource was reaped")
	}
}

func TestReaperRunStopsOnCancel(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		NewReaper(f.scheduler, DefaultRetentionPolicy()).Run(ctx, time.Hour)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
