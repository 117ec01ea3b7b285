package telemetry_test

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/provisioner/pkg/telemetry"
)

// Example_basicSetup demonstrates basic telemetry setup.
func Example_basicSetup() {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = "1.0.0"

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	logger := tel.Logger.NewComponentLogger("scheduler").WithJob("provision-demo-1", "demo-1").Zerolog()
	logger.Info().Msg("job accepted")

	// Output varies, no output specified
}

// Example_lifecycleEvents demonstrates subscribing to job events.
func Example_lifecycleEvents() {
	events, _ := telemetry.NewEventPublisher(telemetry.EventsConfig{
		Enabled:     true,
		BufferSize:  10,
		EnableAsync: false,
	})

	events.Subscribe(func(e telemetry.Event) {
		fmt.Println(e.Type, e.JobID)
	}, telemetry.FilterByType(telemetry.EventTypeJobSucceeded, telemetry.EventTypeJobFailed))

	_ = events.PublishJobStarted("provision-demo-1", "demo-1")
	_ = events.PublishJobFinished("provision-demo-1", "demo-1", true, "", 90*time.Second)
	_ = events.PublishJobFinished("test-demo-2", "demo-2", false, "PLAN_ERROR", time.Second)

	// Output:
	// job.succeeded provision-demo-1
	// job.failed test-demo-2
}
