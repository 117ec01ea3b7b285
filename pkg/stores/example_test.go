package stores_test

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/openfroyo/provisioner/pkg/engine"
	"github.com/openfroyo/provisioner/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path: ":memory:", // Use in-memory database for example
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_CreateJob demonstrates the single active job rule.
func ExampleSQLiteStore_CreateJob() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	req := engine.ProvisionRequest{ResourceName: "demo-1", Mode: engine.ModeApply}
	job := &engine.Job{
		ID:           engine.JobID(engine.ModeApply, "demo-1"),
		ResourceName: "demo-1",
		Mode:         engine.ModeApply,
		Phase:        engine.PhasePending,
		Request:      req,
		Attempt:      1,
		CreatedAt:    time.Now().UTC(),
	}
	if err := store.CreateJob(ctx, job); err != nil {
		log.Fatal(err)
	}

	dryRun := *job
	dryRun.ID = engine.JobID(engine.ModeDryRun, "demo-1")
	dryRun.Mode = engine.ModeDryRun
	err := store.CreateJob(ctx, &dryRun)

	fmt.Println(errors.Is(err, engine.ErrActiveJobExists))
	// Output: true
}

// ExampleSQLiteStore_AppendLog demonstrates stage-tagged log capture.
func ExampleSQLiteStore_AppendLog() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	_, _ = store.EnsurePartition(ctx, "demo-1")
	for _, stage := range []engine.Stage{engine.StageInit, engine.StagePlan} {
		_ = store.AppendLog(ctx, &engine.LogEntry{
			ResourceName: "demo-1",
			JobID:        "test-demo-1",
			Stage:        stage,
			Content:      []byte("ok\n"),
		})
	}

	entries, _ := store.ReadLogs(ctx, "demo-1")
	for _, e := range entries {
		fmt.Println(e.Seq, e.Stage)
	}
	// Output:
	// 1 init
	// 2 plan
}
